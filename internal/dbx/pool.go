// Package dbx wraps a pgxpool.Pool with the schema-qualification helpers
// every repository in this core needs, generalizing a single-connection-
// plus-migration idiom from SQLite to Postgres's per-schema,
// per-request search_path model.
package dbx

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/fortemi/fortemi/internal/config"
)

// DB wraps a pgxpool.Pool. Unlike a single *sql.DB (guarded by
// a mutex because SQLite serializes writers), Postgres handles concurrent
// writers itself, so DB has no mutex — transactions provide the ordering
// guarantees instead.
type DB struct {
	Pool *pgxpool.Pool
}

// Open creates a pgxpool.Pool from cfg and verifies connectivity.
func Open(ctx context.Context, cfg config.PostgresConfig) (*DB, error) {
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("create postgres pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return &DB{Pool: pool}, nil
}

// Close releases all pooled connections.
func (db *DB) Close() { db.Pool.Close() }

// QuoteIdent quotes a Postgres identifier (schema or table name) for safe
// interpolation into SQL that cannot be parameterized (schema names can't
// be bind parameters). Callers must only pass identifiers already
// validated by archive.Router (alphanumeric + underscore), never raw user
// input.
func QuoteIdent(ident string) string {
	return `"` + ident + `"`
}

// Qualify returns "schema"."table", the schema-qualified form queries use
// instead of relying on search_path.
func Qualify(schema, table string) string {
	return QuoteIdent(schema) + "." + QuoteIdent(table)
}

// SetSearchPath sets search_path for the lifetime of a single connection
// acquisition, as an alternative to fully qualifying every identifier.
// Text-search config references must still always carry the `public.`
// prefix regardless of search_path — SetSearchPath does not change that.
func SetSearchPath(ctx context.Context, pool *pgxpool.Pool, schema string) error {
	_, err := pool.Exec(ctx, fmt.Sprintf("SET search_path = %s, public", QuoteIdent(schema)))
	return err
}
