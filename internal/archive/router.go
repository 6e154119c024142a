// Package archive resolves archive names to schema contexts, ensures a
// schema exists before any query touches it, and caches the default
// archive lookup so hot paths don't hit the registry table on every call.
// Generalizes a single global-config cache idiom with a TTL and
// golang.org/x/sync/singleflight so concurrent resolvers collapse into
// one registry query instead of a stampede.
package archive

import (
	"context"
	"fmt"
	"regexp"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"golang.org/x/sync/singleflight"

	"github.com/fortemi/fortemi/internal/apperr"
	"github.com/fortemi/fortemi/internal/dbx"
)

// validName matches the archive names accepted from API input. Schema
// names derive from these, so the charset is deliberately narrow: no
// quoting or escaping trick lets an attacker smuggle SQL through a
// schema name built from a validated archive name.
var validName = regexp.MustCompile(`^[a-z][a-z0-9_]{0,62}$`)

// SchemaContext identifies the Postgres schema backing one archive. It is
// threaded through every Note Store and Search Engine call, and embedded
// in job payloads so a worker resuming a job after a restart knows which
// schema to operate against without re-resolving the archive name.
type SchemaContext struct {
	Archive string
	Schema  string
}

// Qualify schema-qualifies a bare table name against this context.
func (c SchemaContext) Qualify(table string) string {
	return dbx.Qualify(c.Schema, table)
}

type registryRow struct {
	schema        string
	isDefault     bool
	schemaVersion int
}

// Router resolves archive names to SchemaContext values, lazily creating
// and migrating schemas on first use.
type Router struct {
	pool *pgxpool.Pool
	ttl  time.Duration

	mu          sync.Mutex
	defaultCtx  *SchemaContext
	defaultAt   time.Time
	ensured     map[string]bool // schemas confirmed at SchemaFingerprint
	group       singleflight.Group
}

// NewRouter builds a Router. ttl controls how long the resolved default
// archive is cached before the next call re-checks the registry.
func NewRouter(pool *pgxpool.Pool, ttl time.Duration) *Router {
	return &Router{
		pool:    pool,
		ttl:     ttl,
		ensured: make(map[string]bool),
	}
}

// Resolve validates name, maps it to a schema, and ensures that schema is
// migrated to the current fingerprint. An empty name resolves to the
// default archive.
func (r *Router) Resolve(ctx context.Context, name string) (SchemaContext, error) {
	if name == "" {
		return r.Default(ctx)
	}
	if !validName.MatchString(name) {
		return SchemaContext{}, apperr.Validation("archive name %q must match %s", name, validName.String())
	}

	row, err := r.lookup(ctx, name)
	if err != nil {
		return SchemaContext{}, err
	}
	sc := SchemaContext{Archive: name, Schema: row.schema}
	if err := r.ensureSchema(ctx, sc.Schema, row.schemaVersion); err != nil {
		return SchemaContext{}, err
	}
	return sc, nil
}

// Create registers a new archive explicitly (the POST /api/v1/archives
// path), migrating its schema before returning. Unlike Resolve, Create is
// meant to be called when the caller intends a new archive to come into
// existence; Resolve never auto-creates on a miss.
func (r *Router) Create(ctx context.Context, name string) (SchemaContext, error) {
	if !validName.MatchString(name) {
		return SchemaContext{}, apperr.Validation("archive name %q must match %s", name, validName.String())
	}
	row, err := r.register(ctx, name, false)
	if err != nil {
		return SchemaContext{}, err
	}
	sc := SchemaContext{Archive: name, Schema: row.schema}
	if err := r.ensureSchema(ctx, sc.Schema, row.schemaVersion); err != nil {
		return SchemaContext{}, err
	}
	return sc, nil
}

// Default returns the archive flagged is_default in the registry,
// creating one named "default" on first use. The result is cached for
// ttl; concurrent callers past expiry collapse into a single registry
// round trip via singleflight.
func (r *Router) Default(ctx context.Context) (SchemaContext, error) {
	r.mu.Lock()
	if r.defaultCtx != nil && time.Since(r.defaultAt) < r.ttl {
		sc := *r.defaultCtx
		r.mu.Unlock()
		return sc, nil
	}
	r.mu.Unlock()

	v, err, _ := r.group.Do("default", func() (interface{}, error) {
		row, err := r.lookupDefaultOrCreate(ctx)
		if err != nil {
			return nil, err
		}
		sc := SchemaContext{Archive: row.archive, Schema: row.schema}
		if err := r.ensureSchema(ctx, sc.Schema, row.schemaVersion); err != nil {
			return nil, err
		}

		r.mu.Lock()
		r.defaultCtx = &sc
		r.defaultAt = time.Now()
		r.mu.Unlock()
		return sc, nil
	})
	if err != nil {
		return SchemaContext{}, err
	}
	return v.(SchemaContext), nil
}

type defaultRow struct {
	archive       string
	schema        string
	schemaVersion int
}

func (r *Router) lookupDefaultOrCreate(ctx context.Context) (defaultRow, error) {
	var row defaultRow
	err := r.pool.QueryRow(ctx, `SELECT name, schema_name, schema_version FROM public.archive_registry WHERE is_default`).
		Scan(&row.archive, &row.schema, &row.schemaVersion)
	if err == nil {
		return row, nil
	}
	if err != pgx.ErrNoRows {
		return defaultRow{}, fmt.Errorf("lookup default archive: %w", err)
	}

	const name = "default"
	reg, err := r.register(ctx, name, true)
	if err != nil {
		return defaultRow{}, err
	}
	return defaultRow{archive: name, schema: reg.schema, schemaVersion: reg.schemaVersion}, nil
}

// lookup reads an archive_registry row by name, returning ArchiveNotFound
// (never auto-creating) when no such archive is registered.
func (r *Router) lookup(ctx context.Context, name string) (registryRow, error) {
	var row registryRow
	err := r.pool.QueryRow(ctx, `SELECT schema_name, is_default, schema_version FROM public.archive_registry WHERE name = $1`, name).
		Scan(&row.schema, &row.isDefault, &row.schemaVersion)
	if err == nil {
		return row, nil
	}
	if err == pgx.ErrNoRows {
		return registryRow{}, apperr.ArchiveNotFound(name)
	}
	return registryRow{}, fmt.Errorf("lookup archive %q: %w", name, err)
}

// register inserts a new archive_registry row, tolerating a concurrent
// insert of the same name by re-reading on conflict.
func (r *Router) register(ctx context.Context, name string, isDefault bool) (registryRow, error) {
	schema := schemaName(name)
	_, err := r.pool.Exec(ctx, `
		INSERT INTO public.archive_registry (name, schema_name, is_default, schema_version)
		VALUES ($1, $2, $3, 0)
		ON CONFLICT (name) DO NOTHING`, name, schema, isDefault)
	if err != nil {
		return registryRow{}, apperr.FromPgError(fmt.Errorf("register archive %q: %w", name, err), "archive registration")
	}

	var row registryRow
	err = r.pool.QueryRow(ctx, `SELECT schema_name, is_default, schema_version FROM public.archive_registry WHERE name = $1`, name).
		Scan(&row.schema, &row.isDefault, &row.schemaVersion)
	if err != nil {
		return registryRow{}, fmt.Errorf("read back archive %q: %w", name, err)
	}
	return row, nil
}

// ensureSchema runs the schema migration under a Postgres advisory lock
// keyed on the schema name, so concurrent resolvers never run CREATE
// TABLE IF NOT EXISTS against the same schema at once. A schema already
// confirmed at the current fingerprint this process's lifetime is
// skipped without taking the lock.
func (r *Router) ensureSchema(ctx context.Context, schema string, currentVersion int) error {
	r.mu.Lock()
	ok := r.ensured[schema]
	r.mu.Unlock()
	if ok && currentVersion >= dbx.SchemaFingerprint {
		return nil
	}

	_, err, _ := r.group.Do("ensure:"+schema, func() (interface{}, error) {
		conn, err := r.pool.Acquire(ctx)
		if err != nil {
			return nil, fmt.Errorf("acquire connection for schema migration: %w", err)
		}
		defer conn.Release()

		tx, err := conn.Begin(ctx)
		if err != nil {
			return nil, fmt.Errorf("begin schema migration tx: %w", err)
		}
		defer tx.Rollback(ctx)

		// xact-scoped lock: held until commit/rollback, so two archives
		// racing for the same schema serialize first-writer-wins.
		if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, schema); err != nil {
			return nil, fmt.Errorf("acquire advisory lock for %q: %w", schema, err)
		}

		for _, stmt := range dbx.SchemaStatements(schema) {
			if _, err := tx.Exec(ctx, stmt); err != nil {
				return nil, fmt.Errorf("migrate schema %q: %w\nSQL: %s", schema, err, stmt)
			}
		}
		if _, err := tx.Exec(ctx, `UPDATE public.archive_registry SET schema_version = $1 WHERE schema_name = $2`, dbx.SchemaFingerprint, schema); err != nil {
			return nil, fmt.Errorf("stamp schema version for %q: %w", schema, err)
		}
		if err := tx.Commit(ctx); err != nil {
			return nil, fmt.Errorf("commit schema migration for %q: %w", schema, err)
		}

		r.mu.Lock()
		r.ensured[schema] = true
		r.mu.Unlock()
		return nil, nil
	})
	return err
}

// schemaName maps an archive name to its backing schema. The default
// archive lives in public; every other archive gets its own
// "archive_<name>" schema cloned from public's structure.
func schemaName(name string) string {
	if name == "default" {
		return "public"
	}
	return "archive_" + name
}

// SchemaFor reconstructs the SchemaContext for an archive name without a
// registry round trip, using the same deterministic name→schema mapping
// register applies. Callers that already hold a validated,
// previously-resolved archive name (a job's Archive field, resumed after
// a worker restart) use this instead of Resolve so replaying a job never
// re-runs schema migration or touches the registry table.
func SchemaFor(name string) SchemaContext {
	return SchemaContext{Archive: name, Schema: schemaName(name)}
}

// List returns every registered archive name.
func (r *Router) List(ctx context.Context) ([]string, error) {
	rows, err := r.pool.Query(ctx, `SELECT name FROM public.archive_registry ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("list archives: %w", err)
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		names = append(names, name)
	}
	return names, rows.Err()
}
