package registry

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/lib/pq"
	"github.com/rs/zerolog"

	"github.com/owsgate/owsgate/internal/capabilities"
	"github.com/owsgate/owsgate/internal/geo"
	"github.com/owsgate/owsgate/internal/ogc"
)

// Store is the PostgreSQL persistence layer.
type Store struct {
	db  *sql.DB
	log zerolog.Logger
}

func NewStore(db *sql.DB, log zerolog.Logger) *Store {
	return &Store{db: db, log: log}
}

// DB exposes the pool for components that manage their own connections.
func (s *Store) DB() *sql.DB { return s.db }

// SaveService writes the service and everything parsed from its
// capabilities in one transaction. On re-registration the row identities of
// layers and feature types are preserved by name, so security rules and
// references keep working; entries that disappeared from the document are
// removed.
func (s *Store) SaveService(ctx context.Context, svc *Service, doc *capabilities.Document) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	if svc.ID == uuid.Nil {
		svc.ID = uuid.New()
	}
	err = tx.QueryRowContext(ctx, `
		INSERT INTO services (id, ident, type, version, title, abstract, keywords, fees, access_constraints, online_resource, auth_credential_id)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (ident) DO UPDATE SET
			type = EXCLUDED.type,
			version = EXCLUDED.version,
			title = EXCLUDED.title,
			abstract = EXCLUDED.abstract,
			keywords = EXCLUDED.keywords,
			fees = EXCLUDED.fees,
			access_constraints = EXCLUDED.access_constraints,
			online_resource = EXCLUDED.online_resource,
			updated_at = now()
		RETURNING id, active, deleted`,
		svc.ID, svc.Ident, string(svc.Type), string(svc.Version),
		svc.Title, svc.Abstract, pq.Array(svc.Keywords), svc.Fees,
		svc.AccessConstraints, svc.OnlineResource, svc.AuthCredentialID,
	).Scan(&svc.ID, &svc.Active, &svc.Deleted)
	if err != nil {
		return fmt.Errorf("upsert service: %w", err)
	}

	if err := s.saveOperations(ctx, tx, svc.ID, doc.Operations); err != nil {
		return err
	}
	if doc.Layers != nil {
		if err := s.saveLayers(ctx, tx, svc.ID, doc.Layers); err != nil {
			return err
		}
	}
	if err := s.saveFeatureTypes(ctx, tx, svc.ID, doc.FeatureTypes); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *Store) saveOperations(ctx context.Context, tx *sql.Tx, serviceID uuid.UUID, ops map[ogc.Operation]capabilities.Endpoint) error {
	// keep configured overrides across refreshes
	overrides := map[string]string{}
	rows, err := tx.QueryContext(ctx,
		`SELECT operation, override_url FROM service_operations WHERE service_id = $1 AND override_url <> ''`, serviceID)
	if err != nil {
		return fmt.Errorf("load overrides: %w", err)
	}
	for rows.Next() {
		var op, override string
		if err := rows.Scan(&op, &override); err != nil {
			rows.Close()
			return err
		}
		overrides[op] = override
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return err
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM service_operations WHERE service_id = $1`, serviceID); err != nil {
		return fmt.Errorf("clear operations: %w", err)
	}
	for op, ep := range ops {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO service_operations (service_id, operation, get_url, post_url, override_url)
			VALUES ($1, $2, $3, $4, $5)`,
			serviceID, string(op), ep.GetURL, ep.PostURL, overrides[string(op)],
		); err != nil {
			return fmt.Errorf("insert operation %s: %w", op, err)
		}
	}
	return nil
}

func (s *Store) saveLayers(ctx context.Context, tx *sql.Tx, serviceID uuid.UUID, tree *capabilities.LayerTree) error {
	existing := map[string]uuid.UUID{}
	rows, err := tx.QueryContext(ctx,
		`SELECT id, name FROM layers WHERE service_id = $1 AND name <> ''`, serviceID)
	if err != nil {
		return fmt.Errorf("load layer ids: %w", err)
	}
	for rows.Next() {
		var id uuid.UUID
		var name string
		if err := rows.Scan(&id, &name); err != nil {
			rows.Close()
			return err
		}
		existing[name] = id
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return err
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM layers WHERE service_id = $1`, serviceID); err != nil {
		return fmt.Errorf("clear layers: %w", err)
	}

	ids := make([]uuid.UUID, tree.Len())
	var insert func(idx int, parent *uuid.UUID, position int) error
	insert = func(idx int, parent *uuid.UUID, position int) error {
		node := tree.Nodes[idx]
		id, ok := existing[node.Layer.Name]
		if !ok || node.Layer.Name == "" {
			id = uuid.New()
		}
		ids[idx] = id

		srids := make([]int64, len(node.Layer.SRIDs))
		for i, v := range node.Layer.SRIDs {
			srids[i] = int64(v)
		}
		minX, minY, maxX, maxY := bboxColumns(node.Layer.WGS84Bounds)
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO layers (id, service_id, parent_id, position, name, title, abstract, queryable, srids, min_x, min_y, max_x, max_y)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
			id, serviceID, parent, position,
			node.Layer.Name, node.Layer.Title, node.Layer.Abstract, node.Layer.Queryable,
			pq.Array(srids), minX, minY, maxX, maxY,
		); err != nil {
			return fmt.Errorf("insert layer %q: %w", node.Layer.Name, err)
		}
		for i, child := range node.Children {
			if err := insert(child, &id, i); err != nil {
				return err
			}
		}
		return nil
	}
	return insert(0, nil, 0)
}

func (s *Store) saveFeatureTypes(ctx context.Context, tx *sql.Tx, serviceID uuid.UUID, fts []capabilities.FeatureType) error {
	type kept struct {
		id       uuid.UUID
		elements []byte
	}
	existing := map[string]kept{}
	rows, err := tx.QueryContext(ctx,
		`SELECT id, name, elements FROM feature_types WHERE service_id = $1`, serviceID)
	if err != nil {
		return fmt.Errorf("load feature type ids: %w", err)
	}
	for rows.Next() {
		var k kept
		var name string
		if err := rows.Scan(&k.id, &name, &k.elements); err != nil {
			rows.Close()
			return err
		}
		existing[name] = k
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return err
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM feature_types WHERE service_id = $1`, serviceID); err != nil {
		return fmt.Errorf("clear feature types: %w", err)
	}
	for _, ft := range fts {
		id := uuid.New()
		elements := []byte("[]")
		if prev, ok := existing[ft.Name]; ok {
			id = prev.id
			if len(prev.elements) > 0 {
				elements = prev.elements
			}
		}
		minX, minY, maxX, maxY := bboxColumns(ft.WGS84Bounds)
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO feature_types (id, service_id, name, title, abstract, default_srid, min_x, min_y, max_x, max_y, elements)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
			id, serviceID, ft.Name, ft.Title, ft.Abstract, ft.DefaultSRID,
			minX, minY, maxX, maxY, elements,
		); err != nil {
			return fmt.Errorf("insert feature type %q: %w", ft.Name, err)
		}
	}
	return nil
}

// LoadSnapshot reads everything the proxy needs about one service. Soft
// deleted services are reported as missing.
func (s *Store) LoadSnapshot(ctx context.Context, ident string) (*Snapshot, error) {
	svc, err := s.loadService(ctx, ident)
	if err != nil {
		return nil, err
	}
	snap := &Snapshot{
		Service:      *svc,
		LayerIDs:     map[string]uuid.UUID{},
		FeatureTypes: map[string]FeatureType{},
	}
	if err := s.loadOperations(ctx, snap); err != nil {
		return nil, err
	}
	if svc.Type == ogc.ServiceWMS {
		if err := s.loadLayers(ctx, snap); err != nil {
			return nil, err
		}
	}
	if svc.Type == ogc.ServiceWFS {
		if err := s.loadFeatureTypes(ctx, snap); err != nil {
			return nil, err
		}
	}
	if err := s.loadSecured(ctx, snap); err != nil {
		return nil, err
	}
	return snap, nil
}

func (s *Store) loadService(ctx context.Context, ident string) (*Service, error) {
	svc := Service{Operations: map[ogc.Operation]Endpoint{}}
	var keywords pq.StringArray
	err := s.db.QueryRowContext(ctx, `
		SELECT id, ident, type, version, title, abstract, keywords, fees, access_constraints,
		       online_resource, active, deleted, auth_credential_id, created_at, updated_at
		FROM services WHERE ident = $1 AND NOT deleted`, ident,
	).Scan(&svc.ID, &svc.Ident, &svc.Type, &svc.Version, &svc.Title, &svc.Abstract,
		&keywords, &svc.Fees, &svc.AccessConstraints, &svc.OnlineResource,
		&svc.Active, &svc.Deleted, &svc.AuthCredentialID, &svc.CreatedAt, &svc.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &ogc.NotFoundError{Kind: "service", Name: ident}
	}
	if err != nil {
		return nil, fmt.Errorf("load service %q: %w", ident, err)
	}
	svc.Keywords = keywords
	return &svc, nil
}

func (s *Store) loadOperations(ctx context.Context, snap *Snapshot) error {
	rows, err := s.db.QueryContext(ctx, `
		SELECT operation, get_url, post_url, override_url
		FROM service_operations WHERE service_id = $1`, snap.Service.ID)
	if err != nil {
		return fmt.Errorf("load operations: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var op string
		var ep Endpoint
		if err := rows.Scan(&op, &ep.GetURL, &ep.PostURL, &ep.OverrideURL); err != nil {
			return err
		}
		snap.Service.Operations[ogc.Operation(op)] = ep
	}
	return rows.Err()
}

func (s *Store) loadLayers(ctx context.Context, snap *Snapshot) error {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, parent_id, position, name, title, abstract, queryable, srids, min_x, min_y, max_x, max_y
		FROM layers WHERE service_id = $1`, snap.Service.ID)
	if err != nil {
		return fmt.Errorf("load layers: %w", err)
	}
	defer rows.Close()

	type row struct {
		layer    Layer
		children []*row
	}
	byID := map[uuid.UUID]*row{}
	var root *row
	for rows.Next() {
		var (
			r     row
			srids pq.Int64Array
			minX, minY, maxX, maxY sql.NullFloat64
		)
		if err := rows.Scan(&r.layer.ID, &r.layer.ParentID, &r.layer.Position,
			&r.layer.Name, &r.layer.Title, &r.layer.Abstract, &r.layer.Queryable,
			&srids, &minX, &minY, &maxX, &maxY); err != nil {
			return err
		}
		for _, v := range srids {
			r.layer.SRIDs = append(r.layer.SRIDs, int(v))
		}
		r.layer.WGS84Bounds = bboxFromColumns(minX, minY, maxX, maxY)
		cp := r
		byID[cp.layer.ID] = &cp
	}
	if err := rows.Err(); err != nil {
		return err
	}
	for _, r := range byID {
		if r.layer.ParentID == nil {
			root = r
			continue
		}
		parent := byID[*r.layer.ParentID]
		if parent == nil {
			return fmt.Errorf("layer %s references missing parent", r.layer.ID)
		}
		parent.children = append(parent.children, r)
	}
	if root == nil {
		return nil
	}

	tree := capabilities.NewLayerTree(toCapsLayer(root.layer))
	snap.LayerIDs[root.layer.Name] = root.layer.ID
	var build func(parentIdx int, r *row)
	build = func(parentIdx int, r *row) {
		ordered := make([]*row, len(r.children))
		for _, c := range r.children {
			ordered[c.layer.Position] = c
		}
		for _, c := range ordered {
			idx := tree.Add(parentIdx, toCapsLayer(c.layer))
			if c.layer.Name != "" {
				snap.LayerIDs[c.layer.Name] = c.layer.ID
			}
			build(idx, c)
		}
	}
	build(0, root)
	snap.Layers = tree
	return nil
}

func toCapsLayer(l Layer) capabilities.Layer {
	return capabilities.Layer{
		Name:        l.Name,
		Title:       l.Title,
		Abstract:    l.Abstract,
		Queryable:   l.Queryable,
		SRIDs:       l.SRIDs,
		WGS84Bounds: l.WGS84Bounds,
	}
}

func (s *Store) loadFeatureTypes(ctx context.Context, snap *Snapshot) error {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, title, abstract, default_srid, min_x, min_y, max_x, max_y, elements
		FROM feature_types WHERE service_id = $1`, snap.Service.ID)
	if err != nil {
		return fmt.Errorf("load feature types: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var (
			ft       FeatureType
			minX, minY, maxX, maxY sql.NullFloat64
			elements []byte
		)
		if err := rows.Scan(&ft.ID, &ft.Name, &ft.Title, &ft.Abstract, &ft.DefaultSRID,
			&minX, &minY, &maxX, &maxY, &elements); err != nil {
			return err
		}
		ft.ServiceID = snap.Service.ID
		ft.WGS84Bounds = bboxFromColumns(minX, minY, maxX, maxY)
		if err := json.Unmarshal(elements, &ft.Elements); err != nil {
			return fmt.Errorf("feature type %q elements: %w", ft.Name, err)
		}
		snap.FeatureTypes[ft.Name] = ft
	}
	return rows.Err()
}

func (s *Store) loadSecured(ctx context.Context, snap *Snapshot) error {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, entity_name, operations, groups, area_geojson, area_srid
		FROM secured_operations WHERE service_id = $1`, snap.Service.ID)
	if err != nil {
		return fmt.Errorf("load secured operations: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var (
			rule    SecuredOperation
			ops     pq.StringArray
			groups  pq.StringArray
			geojson sql.NullString
			srid    int
		)
		if err := rows.Scan(&rule.ID, &rule.EntityName, &ops, &groups, &geojson, &srid); err != nil {
			return err
		}
		rule.ServiceID = snap.Service.ID
		for _, o := range ops {
			rule.Operations = append(rule.Operations, ogc.Operation(o))
		}
		rule.Groups = groups
		if geojson.Valid && geojson.String != "" {
			g, err := geo.ParseGeoJSON(geojson.String, srid)
			if err != nil {
				return fmt.Errorf("secured operation %s area: %w", rule.ID, err)
			}
			rule.Area = &g
		}
		snap.Secured = append(snap.Secured, rule)
	}
	return rows.Err()
}

// SaveSecuredOperation inserts or updates one access rule.
func (s *Store) SaveSecuredOperation(ctx context.Context, rule *SecuredOperation) error {
	if rule.ID == uuid.Nil {
		rule.ID = uuid.New()
	}
	ops := make([]string, len(rule.Operations))
	for i, o := range rule.Operations {
		ops[i] = string(o)
	}
	var geojson sql.NullString
	var srid int
	if rule.Area != nil && !rule.Area.Empty() {
		geojson = sql.NullString{String: rule.Area.GeoJSON(), Valid: true}
		srid = rule.Area.SRID
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO secured_operations (id, service_id, entity_name, operations, groups, area_geojson, area_srid)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (id) DO UPDATE SET
			entity_name = EXCLUDED.entity_name,
			operations = EXCLUDED.operations,
			groups = EXCLUDED.groups,
			area_geojson = EXCLUDED.area_geojson,
			area_srid = EXCLUDED.area_srid`,
		rule.ID, rule.ServiceID, rule.EntityName, pq.Array(ops), pq.Array(rule.Groups), geojson, srid)
	if err != nil {
		return fmt.Errorf("save secured operation: %w", err)
	}
	return nil
}

// DeleteSecuredOperation removes one access rule.
func (s *Store) DeleteSecuredOperation(ctx context.Context, id uuid.UUID) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM secured_operations WHERE id = $1`, id)
	return err
}

// SetActive toggles the locked state of a service.
func (s *Store) SetActive(ctx context.Context, ident string, active bool) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE services SET active = $2, updated_at = now() WHERE ident = $1 AND NOT deleted`, ident, active)
	if err != nil {
		return fmt.Errorf("set active: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return &ogc.NotFoundError{Kind: "service", Name: ident}
	}
	return nil
}

// SoftDelete hides the service from all lookups without dropping its rows.
func (s *Store) SoftDelete(ctx context.Context, ident string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE services SET deleted = TRUE, active = FALSE, updated_at = now() WHERE ident = $1 AND NOT deleted`, ident)
	if err != nil {
		return fmt.Errorf("soft delete: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return &ogc.NotFoundError{Kind: "service", Name: ident}
	}
	return nil
}

// SetFeatureTypeElements stores the flattened DescribeFeatureType result.
func (s *Store) SetFeatureTypeElements(ctx context.Context, serviceID uuid.UUID, name string, elements []ogc.ElementDef) error {
	data, err := json.Marshal(elements)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`UPDATE feature_types SET elements = $3 WHERE service_id = $1 AND name = $2`,
		serviceID, name, data)
	return err
}

// SaveCredential stores origin credentials and returns their id.
func (s *Store) SaveCredential(ctx context.Context, cred *AuthCredential) error {
	if cred.ID == uuid.Nil {
		cred.ID = uuid.New()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO auth_credentials (id, type, username, password, token)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (id) DO UPDATE SET
			type = EXCLUDED.type, username = EXCLUDED.username,
			password = EXCLUDED.password, token = EXCLUDED.token`,
		cred.ID, cred.Type, cred.Username, cred.Password, cred.Token)
	return err
}

// GetCredential loads one credential set.
func (s *Store) GetCredential(ctx context.Context, id uuid.UUID) (*AuthCredential, error) {
	var cred AuthCredential
	err := s.db.QueryRowContext(ctx,
		`SELECT id, type, username, password, token FROM auth_credentials WHERE id = $1`, id,
	).Scan(&cred.ID, &cred.Type, &cred.Username, &cred.Password, &cred.Token)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &ogc.NotFoundError{Kind: "credential", Name: id.String()}
	}
	if err != nil {
		return nil, err
	}
	return &cred, nil
}

func bboxColumns(bb *geo.BBox) (minX, minY, maxX, maxY sql.NullFloat64) {
	if bb == nil {
		return
	}
	return sql.NullFloat64{Float64: bb.MinX, Valid: true},
		sql.NullFloat64{Float64: bb.MinY, Valid: true},
		sql.NullFloat64{Float64: bb.MaxX, Valid: true},
		sql.NullFloat64{Float64: bb.MaxY, Valid: true}
}

func bboxFromColumns(minX, minY, maxX, maxY sql.NullFloat64) *geo.BBox {
	if !minX.Valid {
		return nil
	}
	return &geo.BBox{MinX: minX.Float64, MinY: minY.Float64, MaxX: maxX.Float64, MaxY: maxY.Float64, SRID: geo.CRSWGS84}
}
