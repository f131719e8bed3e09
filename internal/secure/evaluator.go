// Package secure evaluates whether a caller may perform a proxied
// operation and, where full denial is not the answer, what spatial
// restriction applies instead.
package secure

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/owsgate/owsgate/internal/core/observability"
	"github.com/owsgate/owsgate/internal/geo"
	"github.com/owsgate/owsgate/internal/ogc"
	"github.com/owsgate/owsgate/internal/registry"
)

// Caller identifies the authenticated principal of a proxied request.
// Group membership is established upstream; an empty group list means an
// anonymous caller.
type Caller struct {
	ID     string
	Groups []string
}

// Decision is the evaluation result. Allowed false comes with an
// AccessDeniedError from Evaluate; a true decision may still require
// masking or filter injection.
type Decision struct {
	// FullAccess means the response needs no masking and no filter.
	FullAccess bool

	// Restriction is the union of the areas the caller may see. For map
	// images everything outside it gets masked; an empty geometry means a
	// fully masked image, nil means no spatial constraint. For feature
	// access it becomes a Within filter.
	Restriction *geo.Geometry

	// AllowedLayers are the requested leaf layers with an applicable rule.
	// The outgoing LAYERS list shrinks to them so the origin never renders
	// denied content.
	AllowedLayers []string

	// DeniedLayers are requested leaf layers with no applicable rule at
	// all. They are dropped from the origin call and captioned on the
	// masked image.
	DeniedLayers []string
}

// Evaluator runs access rules against parsed operations. Cell indexes for
// rule areas are built lazily and reused across requests.
type Evaluator struct {
	cellRes int
	log     zerolog.Logger

	mu      sync.Mutex
	indexes map[uuid.UUID]*geo.CoverIndex
}

// NewEvaluator builds an evaluator. cellRes is the H3 resolution for the
// rule area pre-filter; zero disables it.
func NewEvaluator(cellRes int, log zerolog.Logger) *Evaluator {
	return &Evaluator{cellRes: cellRes, log: log, indexes: map[uuid.UUID]*geo.CoverIndex{}}
}

// Evaluate checks the operation against the service's access rules.
// Operations outside the secured set and unsecured services pass through
// untouched.
func (e *Evaluator) Evaluate(ctx context.Context, snap *registry.Snapshot, oc ogc.OperationContext, caller Caller) (Decision, error) {
	if !ogc.SecuredOperations[oc.Operation] || !snap.IsSecured() {
		observability.ObserveAccessDecision(string(oc.Operation), "pass")
		return Decision{FullAccess: true}, nil
	}

	var (
		dec Decision
		err error
	)
	switch oc.Operation {
	case ogc.OpGetMap:
		dec, err = e.evaluateGetMap(snap, oc, caller)
	case ogc.OpGetFeatureInfo:
		dec, err = e.evaluateGetFeatureInfo(snap, oc, caller)
	case ogc.OpGetFeature:
		dec, err = e.evaluateGetFeature(snap, oc, caller)
	case ogc.OpDescribeFeatureType:
		dec, err = e.evaluateDescribe(snap, oc, caller)
	case ogc.OpTransaction:
		dec, err = e.evaluateTransaction(snap, oc, caller)
	default:
		dec = Decision{FullAccess: true}
	}

	switch {
	case err != nil:
		observability.ObserveAccessDecision(string(oc.Operation), "denied")
	case dec.FullAccess:
		observability.ObserveAccessDecision(string(oc.Operation), "allowed")
	default:
		observability.ObserveAccessDecision(string(oc.Operation), "restricted")
	}
	return dec, err
}

// evaluateGetMap never denies the request. Each requested leaf layer keeps
// its own grant: leaves without any applicable rule are dropped and
// captioned, area-bound leaves contribute their areas to the visible union,
// and an area-less rule frees only its own leaf from masking. Full access
// needs every leaf unlimited.
func (e *Evaluator) evaluateGetMap(snap *registry.Snapshot, oc ogc.OperationContext, caller Caller) (Decision, error) {
	leaves := snap.Layers.LeafNames(oc.Layers)
	var (
		allowed   []string
		denied    []string
		areas     []geo.Geometry
		unlimited int
	)
	for _, leaf := range leaves {
		rules := snap.RulesFor(leaf, ogc.OpGetMap, caller.Groups)
		if len(rules) == 0 {
			denied = append(denied, leaf)
			continue
		}
		allowed = append(allowed, leaf)
		if leafUnlimited(rules) {
			unlimited++
			continue
		}
		for _, rule := range rules {
			areas = append(areas, *rule.Area)
		}
	}
	if len(denied) == 0 && unlimited == len(leaves) {
		return Decision{FullAccess: true}, nil
	}
	dec := Decision{AllowedLayers: allowed, DeniedLayers: denied}
	// with every grant area-less there is nothing to mask, only captions;
	// otherwise the union constrains the whole composite, which over-masks
	// an area-less leaf rather than leak a restricted one
	if len(areas) > 0 || unlimited == 0 {
		u := geo.Union(areas...)
		dec.Restriction = &u
	}
	return dec, nil
}

func (e *Evaluator) evaluateGetFeatureInfo(snap *registry.Snapshot, oc ogc.OperationContext, caller Caller) (Decision, error) {
	pick, ok := oc.PickCoord()
	if !ok {
		return Decision{}, &ogc.ParseError{Reason: "GetFeatureInfo without a pixel pick"}
	}
	leaves := snap.Layers.LeafNames(oc.Layers)
	for _, leaf := range leaves {
		rules := snap.RulesFor(leaf, ogc.OpGetFeatureInfo, caller.Groups)
		if len(rules) == 0 {
			return Decision{}, &ogc.AccessDeniedError{Operation: ogc.OpGetFeatureInfo}
		}
		if leafUnlimited(rules) {
			continue
		}
		covered, err := e.rulesCover(rules, pick, oc.SRID)
		if err != nil {
			return Decision{}, err
		}
		if !covered {
			return Decision{}, &ogc.AccessDeniedError{Operation: ogc.OpGetFeatureInfo}
		}
	}
	return Decision{FullAccess: true}, nil
}

func (e *Evaluator) evaluateGetFeature(snap *registry.Snapshot, oc ogc.OperationContext, caller Caller) (Decision, error) {
	rules := snap.RulesFor(oc.TypeName, ogc.OpGetFeature, caller.Groups)
	if len(rules) == 0 {
		return Decision{}, &ogc.AccessDeniedError{Operation: ogc.OpGetFeature}
	}
	if leafUnlimited(rules) {
		return Decision{FullAccess: true}, nil
	}
	areas := make([]geo.Geometry, 0, len(rules))
	for _, rule := range rules {
		areas = append(areas, *rule.Area)
	}
	u := geo.Union(areas...)
	// the restriction travels to the origin as a Within filter, it must be
	// expressed in the request CRS
	if oc.SRID != 0 && u.SRID != 0 && u.SRID != oc.SRID {
		t, err := u.Transform(oc.SRID)
		if err != nil {
			return Decision{}, &ogc.UnsupportedRequestError{Reason: fmt.Sprintf("restriction cannot be expressed in EPSG:%d", oc.SRID)}
		}
		u = t
	}
	return Decision{Restriction: &u}, nil
}

func (e *Evaluator) evaluateDescribe(snap *registry.Snapshot, oc ogc.OperationContext, caller Caller) (Decision, error) {
	rules := snap.RulesFor(oc.TypeName, ogc.OpDescribeFeatureType, caller.Groups)
	if len(rules) == 0 {
		return Decision{}, &ogc.AccessDeniedError{Operation: ogc.OpDescribeFeatureType}
	}
	// schema access is all or nothing, areas are meaningless here
	return Decision{FullAccess: true}, nil
}

// evaluateTransaction is all or nothing: every geometry vertex of every
// insert and update must sit inside the allowed area.
func (e *Evaluator) evaluateTransaction(snap *registry.Snapshot, oc ogc.OperationContext, caller Caller) (Decision, error) {
	entity := oc.TypeName
	rules := snap.RulesFor(entity, ogc.OpTransaction, caller.Groups)
	if len(rules) == 0 && entity == "" {
		// transaction bodies may omit a type name on the root, fall back
		// to rules that are not entity bound
		rules = snap.RulesFor("", ogc.OpTransaction, caller.Groups)
	}
	if len(rules) == 0 {
		return Decision{}, &ogc.AccessDeniedError{Operation: ogc.OpTransaction}
	}
	if leafUnlimited(rules) {
		return Decision{FullAccess: true}, nil
	}
	areas := make([]geo.Geometry, 0, len(rules))
	for _, rule := range rules {
		areas = append(areas, *rule.Area)
	}
	u := geo.Union(areas...)
	for _, v := range oc.TransactionVertices {
		p := v
		if oc.SRID != 0 && u.SRID != 0 && oc.SRID != u.SRID {
			tp, err := geo.TransformPoint(v, oc.SRID, u.SRID)
			if err != nil {
				return Decision{}, &ogc.UnsupportedRequestError{Reason: fmt.Sprintf("transaction geometry in unsupported EPSG:%d", oc.SRID)}
			}
			p = tp
		}
		if !u.Covers(p) {
			return Decision{}, &ogc.AccessDeniedError{Operation: ogc.OpTransaction}
		}
	}
	return Decision{FullAccess: true}, nil
}

// leafUnlimited reports whether any rule grants access without an area.
func leafUnlimited(rules []registry.SecuredOperation) bool {
	for _, rule := range rules {
		if rule.Area == nil || rule.Area.Empty() {
			return true
		}
	}
	return false
}

// rulesCover decides whether the pick point lies inside any rule area. The
// H3 index answers the common deep-interior case without geometry math;
// boundary candidates fall through to the exact test.
func (e *Evaluator) rulesCover(rules []registry.SecuredOperation, pick geo.Point, pickSRID int) (bool, error) {
	for _, rule := range rules {
		area := *rule.Area
		p := pick
		if pickSRID != 0 && area.SRID != 0 && pickSRID != area.SRID {
			tp, err := geo.TransformPoint(pick, pickSRID, area.SRID)
			if err != nil {
				return false, &ogc.UnsupportedRequestError{Reason: fmt.Sprintf("pick point in unsupported EPSG:%d", pickSRID)}
			}
			p = tp
		}
		if e.cellRes > 0 && area.SRID == geo.CRSWGS84 {
			if idx := e.indexFor(rule.ID, area); idx != nil {
				if covered, certain := idx.Covers(p); certain && covered {
					return true, nil
				}
			}
		}
		if area.Covers(p) {
			return true, nil
		}
	}
	return false, nil
}

func (e *Evaluator) indexFor(id uuid.UUID, area geo.Geometry) *geo.CoverIndex {
	e.mu.Lock()
	defer e.mu.Unlock()
	if idx, ok := e.indexes[id]; ok {
		return idx
	}
	idx, err := geo.NewCoverIndex(area, e.cellRes)
	if err != nil {
		e.log.Debug().Err(err).Str("rule", id.String()).Msg("cell index build failed, exact tests only")
		idx = nil
	}
	e.indexes[id] = idx
	return idx
}

// Forget drops the cached cell index of a rule after it changed.
func (e *Evaluator) Forget(id uuid.UUID) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.indexes, id)
}
