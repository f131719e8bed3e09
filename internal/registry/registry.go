package registry

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/rs/zerolog"

	"github.com/owsgate/owsgate/internal/capabilities"
	"github.com/owsgate/owsgate/internal/ogc"
	"github.com/owsgate/owsgate/internal/task"
)

// Publisher emits registry change events so other instances can drop their
// cached snapshots. A nil Publisher disables events.
type Publisher interface {
	PublishServiceEvent(ctx context.Context, op, ident string) error
}

// Registry manages the service catalogue: registration, refresh, state
// changes and the snapshot lookups the proxy performs per request.
type Registry struct {
	store   *Store
	fetcher *capabilities.Fetcher
	cache   *lru.Cache[string, *Snapshot]
	pub     Publisher
	log     zerolog.Logger
}

// New builds a registry. cacheSize bounds the number of snapshots kept in
// memory; invalidation happens on local writes and via the event consumer.
func New(store *Store, fetcher *capabilities.Fetcher, cacheSize int, pub Publisher, log zerolog.Logger) *Registry {
	if cacheSize <= 0 {
		cacheSize = 256
	}
	cache, _ := lru.New[string, *Snapshot](cacheSize)
	return &Registry{store: store, fetcher: fetcher, cache: cache, pub: pub, log: log}
}

// Register fetches the capabilities of a remote service and persists it
// under the given ident. Registering an existing ident refreshes it: row
// identities and security rules are preserved by name.
func (r *Registry) Register(ctx context.Context, ident, capURL string, st ogc.ServiceType, version ogc.Version, credID *uuid.UUID, prog *task.Progress) (*Service, error) {
	if prog == nil {
		prog = &task.Progress{}
	}
	prog.Start(task.PhaseFetching)
	data, err := r.fetcher.Fetch(ctx, capURL, st, version)
	if err != nil {
		prog.Finish(err)
		return nil, err
	}

	prog.Start(task.PhaseParsing)
	doc, err := capabilities.Parse(data)
	if err != nil {
		prog.Finish(err)
		return nil, err
	}
	if doc.Service != st {
		err := &ogc.ParseError{Reason: fmt.Sprintf("expected a %s capabilities document, got %s", st, doc.Service)}
		prog.Finish(err)
		return nil, err
	}

	prog.Start(task.PhasePersist)
	svc := &Service{
		Ident:             ident,
		Type:              doc.Service,
		Version:           doc.Version,
		Title:             doc.Title,
		Abstract:          doc.Abstract,
		Keywords:          doc.Keywords,
		Fees:              doc.Fees,
		AccessConstraints: doc.AccessConstraints,
		OnlineResource:    doc.OnlineResource,
		AuthCredentialID:  credID,
	}
	// remember where the document came from so a refresh works even when
	// the document advertises no GetCapabilities endpoint
	if _, ok := doc.Operations[ogc.OpGetCapabilities]; !ok {
		doc.Operations[ogc.OpGetCapabilities] = capabilities.Endpoint{GetURL: capURL}
	}
	if err := r.store.SaveService(ctx, svc, doc); err != nil {
		prog.Finish(err)
		return nil, err
	}
	r.invalidateLocal(ident)
	r.publish(ctx, "registered", ident)
	prog.Finish(nil)

	r.log.Info().Str("ident", ident).Str("type", string(doc.Service)).
		Str("version", string(doc.Version)).Str("title", doc.Title).
		Msg("service registered")
	return svc, nil
}

// Refresh re-fetches the capabilities of an already registered service.
func (r *Registry) Refresh(ctx context.Context, ident string, prog *task.Progress) (*Service, error) {
	snap, err := r.Snapshot(ctx, ident)
	if err != nil {
		return nil, err
	}
	ep, ok := snap.Service.Operations[ogc.OpGetCapabilities]
	if !ok {
		return nil, &ogc.NotFoundError{Kind: "capabilities endpoint", Name: ident}
	}
	return r.Register(ctx, ident, ep.Resolve(false), snap.Service.Type, snap.Service.Version, snap.Service.AuthCredentialID, prog)
}

// Snapshot returns the cached service snapshot, loading it on a miss.
func (r *Registry) Snapshot(ctx context.Context, ident string) (*Snapshot, error) {
	if snap, ok := r.cache.Get(ident); ok {
		return snap, nil
	}
	snap, err := r.store.LoadSnapshot(ctx, ident)
	if err != nil {
		return nil, err
	}
	r.cache.Add(ident, snap)
	return snap, nil
}

// SetActive locks or unlocks a service.
func (r *Registry) SetActive(ctx context.Context, ident string, active bool) error {
	if err := r.store.SetActive(ctx, ident, active); err != nil {
		return err
	}
	r.invalidateLocal(ident)
	r.publish(ctx, "state", ident)
	return nil
}

// Delete soft deletes a service.
func (r *Registry) Delete(ctx context.Context, ident string) error {
	if err := r.store.SoftDelete(ctx, ident); err != nil {
		return err
	}
	r.invalidateLocal(ident)
	r.publish(ctx, "deleted", ident)
	return nil
}

// SaveRule stores an access rule and drops the affected snapshot.
func (r *Registry) SaveRule(ctx context.Context, ident string, rule *SecuredOperation) error {
	snap, err := r.Snapshot(ctx, ident)
	if err != nil {
		return err
	}
	rule.ServiceID = snap.Service.ID
	if err := r.store.SaveSecuredOperation(ctx, rule); err != nil {
		return err
	}
	r.invalidateLocal(ident)
	r.publish(ctx, "rules", ident)
	return nil
}

// DeleteRule removes an access rule.
func (r *Registry) DeleteRule(ctx context.Context, ident string, id uuid.UUID) error {
	if err := r.store.DeleteSecuredOperation(ctx, id); err != nil {
		return err
	}
	r.invalidateLocal(ident)
	r.publish(ctx, "rules", ident)
	return nil
}

// Invalidate drops a cached snapshot and returns it, so the caller can
// release per-rule state derived from it. Called by the event consumer when
// another instance changed the service.
func (r *Registry) Invalidate(ident string) *Snapshot {
	snap, _ := r.cache.Get(ident)
	r.cache.Remove(ident)
	return snap
}

// Credential loads the origin credentials referenced by a service.
func (r *Registry) Credential(ctx context.Context, id uuid.UUID) (*AuthCredential, error) {
	return r.store.GetCredential(ctx, id)
}

// SaveCredential stores origin credentials for later reference at
// registration time.
func (r *Registry) SaveCredential(ctx context.Context, cred *AuthCredential) error {
	return r.store.SaveCredential(ctx, cred)
}

func (r *Registry) invalidateLocal(ident string) {
	r.cache.Remove(ident)
}

func (r *Registry) publish(ctx context.Context, op, ident string) {
	if r.pub == nil {
		return
	}
	if err := r.pub.PublishServiceEvent(ctx, op, ident); err != nil {
		r.log.Warn().Err(err).Str("ident", ident).Str("op", op).Msg("publish registry event failed")
	}
}

// ResolverFor adapts one snapshot to the request parser's feature type
// lookup. When the element list of a feature type is still empty the origin
// schema is fetched once and persisted.
func (r *Registry) ResolverFor(snap *Snapshot) ogc.FeatureTypeResolver {
	return &snapshotResolver{reg: r, snap: snap}
}

type snapshotResolver struct {
	reg  *Registry
	snap *Snapshot
}

func (sr *snapshotResolver) FeatureTypeInfo(ctx context.Context, typeName string) (ogc.FeatureTypeInfo, error) {
	ft, ok := sr.snap.FeatureTypes[typeName]
	if !ok {
		return ogc.FeatureTypeInfo{}, &ogc.NotFoundError{Kind: "feature type", Name: typeName}
	}
	if len(ft.Elements) == 0 {
		elements, err := sr.fetchSchema(ctx, typeName)
		if err != nil {
			return ogc.FeatureTypeInfo{}, err
		}
		ft.Elements = elements
		sr.snap.FeatureTypes[typeName] = ft
		if err := sr.reg.store.SetFeatureTypeElements(ctx, sr.snap.Service.ID, typeName, elements); err != nil {
			sr.reg.log.Warn().Err(err).Str("type", typeName).Msg("persist feature schema failed")
		}
	}
	return ogc.FeatureTypeInfo{DefaultSRID: ft.DefaultSRID, Elements: ft.Elements}, nil
}

func (sr *snapshotResolver) fetchSchema(ctx context.Context, typeName string) ([]ogc.ElementDef, error) {
	ep, ok := sr.snap.Service.Operations[ogc.OpDescribeFeatureType]
	if !ok {
		return nil, &ogc.NotFoundError{Kind: "operation", Name: string(ogc.OpDescribeFeatureType)}
	}
	base := ep.Resolve(false)
	url := fmt.Sprintf("%s%sSERVICE=WFS&REQUEST=DescribeFeatureType&VERSION=%s&TYPENAME=%s",
		base, querySep(base), sr.snap.Service.Version, typeName)
	data, err := sr.reg.fetcher.FetchRaw(ctx, url)
	if err != nil {
		return nil, err
	}
	return capabilities.ParseFeatureSchema(data)
}

func querySep(base string) string {
	for i := len(base) - 1; i >= 0; i-- {
		if base[i] == '?' {
			if i == len(base)-1 {
				return ""
			}
			return "&"
		}
	}
	return "?"
}
