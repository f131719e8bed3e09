package registry

import (
	"context"
	"database/sql"
	"fmt"
)

var schema = []string{
	`CREATE TABLE IF NOT EXISTS services (
		id UUID PRIMARY KEY,
		ident TEXT NOT NULL UNIQUE,
		type TEXT NOT NULL,
		version TEXT NOT NULL,
		title TEXT NOT NULL DEFAULT '',
		abstract TEXT NOT NULL DEFAULT '',
		keywords TEXT[] NOT NULL DEFAULT '{}',
		fees TEXT NOT NULL DEFAULT '',
		access_constraints TEXT NOT NULL DEFAULT '',
		online_resource TEXT NOT NULL DEFAULT '',
		active BOOLEAN NOT NULL DEFAULT TRUE,
		deleted BOOLEAN NOT NULL DEFAULT FALSE,
		auth_credential_id UUID,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE TABLE IF NOT EXISTS service_operations (
		service_id UUID NOT NULL REFERENCES services(id) ON DELETE CASCADE,
		operation TEXT NOT NULL,
		get_url TEXT NOT NULL DEFAULT '',
		post_url TEXT NOT NULL DEFAULT '',
		override_url TEXT NOT NULL DEFAULT '',
		PRIMARY KEY (service_id, operation)
	)`,
	`CREATE TABLE IF NOT EXISTS layers (
		id UUID PRIMARY KEY,
		service_id UUID NOT NULL REFERENCES services(id) ON DELETE CASCADE,
		parent_id UUID REFERENCES layers(id) ON DELETE CASCADE,
		position INTEGER NOT NULL,
		name TEXT NOT NULL DEFAULT '',
		title TEXT NOT NULL DEFAULT '',
		abstract TEXT NOT NULL DEFAULT '',
		queryable BOOLEAN NOT NULL DEFAULT FALSE,
		srids INTEGER[] NOT NULL DEFAULT '{}',
		min_x DOUBLE PRECISION,
		min_y DOUBLE PRECISION,
		max_x DOUBLE PRECISION,
		max_y DOUBLE PRECISION
	)`,
	`CREATE INDEX IF NOT EXISTS layers_service_idx ON layers (service_id)`,
	`CREATE TABLE IF NOT EXISTS feature_types (
		id UUID PRIMARY KEY,
		service_id UUID NOT NULL REFERENCES services(id) ON DELETE CASCADE,
		name TEXT NOT NULL,
		title TEXT NOT NULL DEFAULT '',
		abstract TEXT NOT NULL DEFAULT '',
		default_srid INTEGER NOT NULL DEFAULT 0,
		min_x DOUBLE PRECISION,
		min_y DOUBLE PRECISION,
		max_x DOUBLE PRECISION,
		max_y DOUBLE PRECISION,
		elements JSONB NOT NULL DEFAULT '[]',
		UNIQUE (service_id, name)
	)`,
	`CREATE TABLE IF NOT EXISTS secured_operations (
		id UUID PRIMARY KEY,
		service_id UUID NOT NULL REFERENCES services(id) ON DELETE CASCADE,
		entity_name TEXT NOT NULL,
		operations TEXT[] NOT NULL,
		groups TEXT[] NOT NULL DEFAULT '{}',
		area_geojson TEXT,
		area_srid INTEGER NOT NULL DEFAULT 0
	)`,
	`CREATE INDEX IF NOT EXISTS secured_operations_service_idx ON secured_operations (service_id)`,
	`CREATE TABLE IF NOT EXISTS auth_credentials (
		id UUID PRIMARY KEY,
		type TEXT NOT NULL,
		username TEXT NOT NULL DEFAULT '',
		password TEXT NOT NULL DEFAULT '',
		token TEXT NOT NULL DEFAULT ''
	)`,
	`CREATE TABLE IF NOT EXISTS harvested_records (
		identifier TEXT NOT NULL,
		service_id UUID NOT NULL REFERENCES services(id) ON DELETE CASCADE,
		title TEXT NOT NULL DEFAULT '',
		record_type TEXT NOT NULL DEFAULT '',
		modified TIMESTAMPTZ,
		payload TEXT NOT NULL DEFAULT '',
		parent_identifier TEXT NOT NULL DEFAULT '',
		last_seen TIMESTAMPTZ NOT NULL DEFAULT now(),
		PRIMARY KEY (service_id, identifier)
	)`,
}

// Migrate creates the schema. Statements are idempotent so a restart with
// an already provisioned database is a no-op.
func Migrate(ctx context.Context, db *sql.DB) error {
	for i, stmt := range schema {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate statement %d: %w", i, err)
		}
	}
	return nil
}
