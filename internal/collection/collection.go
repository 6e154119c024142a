// Package collection implements the optional folder tree notes can be
// filed under: create/rename/move/delete, with a cycle guard on move
// mirroring the SKOS broader-chain check in internal/skos/skos.go
// (collection.parent_id is self-referential the same way
// concept_relation's broader edges are).
package collection

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/fortemi/fortemi/internal/apperr"
	"github.com/fortemi/fortemi/internal/archive"
	"github.com/fortemi/fortemi/internal/model"
)

// Store implements the collection tree repository.
type Store struct {
	pool *pgxpool.Pool
}

// New builds a Store.
func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Create inserts a new collection, optionally nested under parentID.
func (s *Store) Create(ctx context.Context, sc archive.SchemaContext, name string, parentID *uuid.UUID) (*model.Collection, error) {
	if name == "" {
		return nil, apperr.Validation("collection name must not be empty")
	}
	if parentID != nil {
		if _, err := s.Get(ctx, sc, *parentID); err != nil {
			return nil, err
		}
	}
	c := &model.Collection{ID: model.NewID(), ParentID: parentID, Name: name}
	err := s.pool.QueryRow(ctx, `INSERT INTO `+sc.Qualify("collection")+`
		(id, parent_id, name) VALUES ($1,$2,$3) RETURNING created_at`,
		c.ID, c.ParentID, c.Name).Scan(&c.CreatedAt)
	if err != nil {
		return nil, apperr.FromPgError(fmt.Errorf("create collection: %w", err), "create_collection")
	}
	return c, nil
}

// Get fetches a collection by id.
func (s *Store) Get(ctx context.Context, sc archive.SchemaContext, id uuid.UUID) (*model.Collection, error) {
	c := &model.Collection{ID: id}
	err := s.pool.QueryRow(ctx, `SELECT parent_id, name, created_at FROM `+sc.Qualify("collection")+`
		WHERE id = $1`, id).Scan(&c.ParentID, &c.Name, &c.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, apperr.NotFound("collection %s not found", id)
		}
		return nil, fmt.Errorf("get collection %s: %w", id, err)
	}
	return c, nil
}

// Rename changes a collection's display name.
func (s *Store) Rename(ctx context.Context, sc archive.SchemaContext, id uuid.UUID, name string) error {
	if name == "" {
		return apperr.Validation("collection name must not be empty")
	}
	tag, err := s.pool.Exec(ctx, `UPDATE `+sc.Qualify("collection")+` SET name = $2 WHERE id = $1`, id, name)
	if err != nil {
		return apperr.FromPgError(fmt.Errorf("rename collection %s: %w", id, err), "rename_collection")
	}
	if tag.RowsAffected() == 0 {
		return apperr.NotFound("collection %s not found", id)
	}
	return nil
}

// Move reparents a collection under newParentID (nil moves it to the
// root), rejecting a move under the collection itself or under one of
// its own descendants.
func (s *Store) Move(ctx context.Context, sc archive.SchemaContext, id uuid.UUID, newParentID *uuid.UUID) error {
	if newParentID != nil && *newParentID == id {
		return apperr.Conflict("a collection cannot be its own parent")
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin move collection tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if newParentID != nil {
		var exists bool
		if err := tx.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM `+sc.Qualify("collection")+` WHERE id = $1)`,
			*newParentID).Scan(&exists); err != nil {
			return fmt.Errorf("lookup new parent %s: %w", *newParentID, err)
		}
		if !exists {
			return apperr.NotFound("collection %s not found", *newParentID)
		}

		descendants, err := s.descendantsTx(ctx, tx, sc, id)
		if err != nil {
			return err
		}
		if descendants[*newParentID] {
			return apperr.Conflict("move would create a circular collection tree")
		}
	}

	tag, err := tx.Exec(ctx, `UPDATE `+sc.Qualify("collection")+` SET parent_id = $2 WHERE id = $1`, id, newParentID)
	if err != nil {
		return apperr.FromPgError(fmt.Errorf("move collection %s: %w", id, err), "move_collection")
	}
	if tag.RowsAffected() == 0 {
		return apperr.NotFound("collection %s not found", id)
	}

	return tx.Commit(ctx)
}

// descendantsTx returns id plus every collection transitively reachable
// by following child edges, bounded by a generous hop cap (a visited-set
// guards against any pre-existing cycle short-circuiting the walk).
func (s *Store) descendantsTx(ctx context.Context, tx pgx.Tx, sc archive.SchemaContext, id uuid.UUID) (map[uuid.UUID]bool, error) {
	const maxHops = 64
	visited := map[uuid.UUID]bool{id: true}
	frontier := []uuid.UUID{id}
	for hop := 0; hop < maxHops && len(frontier) > 0; hop++ {
		rows, err := tx.Query(ctx, `SELECT id FROM `+sc.Qualify("collection")+` WHERE parent_id = ANY($1)`, frontier)
		if err != nil {
			return nil, fmt.Errorf("walk collection descendants: %w", err)
		}
		var next []uuid.UUID
		for rows.Next() {
			var child uuid.UUID
			if err := rows.Scan(&child); err != nil {
				rows.Close()
				return nil, err
			}
			if !visited[child] {
				visited[child] = true
				next = append(next, child)
			}
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return nil, err
		}
		frontier = next
	}
	return visited, nil
}

// Delete removes a collection. The parent_id and collection_id foreign
// keys carry no ON DELETE CASCADE, so a collection with child collections
// or notes still filed under it fails the delete with a Conflict until
// those are moved or removed first.
func (s *Store) Delete(ctx context.Context, sc archive.SchemaContext, id uuid.UUID) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM `+sc.Qualify("collection")+` WHERE id = $1`, id)
	if err != nil {
		return apperr.FromPgError(fmt.Errorf("delete collection %s: %w", id, err), "delete_collection")
	}
	if tag.RowsAffected() == 0 {
		return apperr.NotFound("collection %s not found", id)
	}
	return nil
}

// List returns every collection in the archive, ordered by name, for
// building the folder tree client-side.
func (s *Store) List(ctx context.Context, sc archive.SchemaContext) ([]model.Collection, error) {
	rows, err := s.pool.Query(ctx, `SELECT id, parent_id, name, created_at FROM `+sc.Qualify("collection")+`
		ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("list collections: %w", err)
	}
	defer rows.Close()
	var out []model.Collection
	for rows.Next() {
		var c model.Collection
		if err := rows.Scan(&c.ID, &c.ParentID, &c.Name, &c.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}
