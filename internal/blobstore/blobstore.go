// Package blobstore implements content-addressed storage for note
// attachments: hash-dedup'd blobs with reference counting, either
// inlined into the database or sharded onto the filesystem.
package blobstore

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"lukechampine.com/blake3"

	"github.com/fortemi/fortemi/internal/apperr"
	"github.com/fortemi/fortemi/internal/archive"
)

// isNotFound reports whether err is an apperr.Error with CodeNotFound.
func isNotFound(err error) bool {
	var e *apperr.Error
	return errors.As(err, &e) && e.Code == apperr.CodeNotFound
}

// Backend is where blob bytes physically live. The database row always
// exists regardless of backend; "database" inlines bytes into
// attachment_blob.inline_data, "filesystem" writes a sharded file under
// RootDir. An S3-compatible object backend would slot in as a third
// value here; only the two locally-runnable backends are built.
type Backend string

const (
	BackendDatabase   Backend = "database"
	BackendFilesystem Backend = "filesystem"
)

// Ref describes a stored blob.
type Ref struct {
	Hash           string
	Backend        Backend
	SizeBytes      int64
	ReferenceCount int
	StoragePath    string
}

// Store is the content-addressed blob repository.
type Store struct {
	pool    *pgxpool.Pool
	backend Backend
	rootDir string
}

// New builds a Store. rootDir is only consulted when backend is
// BackendFilesystem.
func New(pool *pgxpool.Pool, backend Backend, rootDir string) *Store {
	return &Store{pool: pool, backend: backend, rootDir: rootDir}
}

// Put hashes r's content with BLAKE3, stores it (deduplicating on an
// existing hash by incrementing reference_count instead of rewriting),
// and returns the resulting Ref.
func (s *Store) Put(ctx context.Context, sc archive.SchemaContext, r io.Reader) (Ref, error) {
	tmp, err := os.CreateTemp("", "fortemi-blob-*")
	if err != nil {
		return Ref{}, fmt.Errorf("stage blob: %w", err)
	}
	defer os.Remove(tmp.Name())
	defer tmp.Close()

	h := blake3.New(32, nil)
	size, err := io.Copy(io.MultiWriter(tmp, h), r)
	if err != nil {
		return Ref{}, fmt.Errorf("hash blob: %w", err)
	}
	hash := fmt.Sprintf("%x", h.Sum(nil))

	existing, err := s.lookup(ctx, sc, hash)
	if err == nil {
		if err := s.incrementRef(ctx, sc, hash); err != nil {
			return Ref{}, err
		}
		existing.ReferenceCount++
		return existing, nil
	}
	if !isNotFound(err) {
		return Ref{}, err
	}

	ref := Ref{Hash: hash, Backend: s.backend, SizeBytes: size, ReferenceCount: 1}
	switch s.backend {
	case BackendFilesystem:
		path, err := s.writeSharded(tmp.Name(), hash)
		if err != nil {
			return Ref{}, err
		}
		ref.StoragePath = path
		_, err = s.pool.Exec(ctx, `INSERT INTO `+sc.Qualify("attachment_blob")+`
			(hash, backend, size_bytes, reference_count, storage_path)
			VALUES ($1,$2,$3,1,$4)`, hash, s.backend, size, path)
		if err != nil {
			return Ref{}, apperr.FromPgError(fmt.Errorf("insert blob row: %w", err), "put_blob")
		}
	default: // BackendDatabase
		if _, err := tmp.Seek(0, io.SeekStart); err != nil {
			return Ref{}, fmt.Errorf("rewind staged blob: %w", err)
		}
		data, err := io.ReadAll(tmp)
		if err != nil {
			return Ref{}, fmt.Errorf("read staged blob: %w", err)
		}
		_, err = s.pool.Exec(ctx, `INSERT INTO `+sc.Qualify("attachment_blob")+`
			(hash, backend, size_bytes, reference_count, inline_data)
			VALUES ($1,$2,$3,1,$4)`, hash, s.backend, size, data)
		if err != nil {
			return Ref{}, apperr.FromPgError(fmt.Errorf("insert blob row: %w", err), "put_blob")
		}
	}
	return ref, nil
}

// Open returns a reader for the blob's content. Caller must Close it.
func (s *Store) Open(ctx context.Context, sc archive.SchemaContext, hash string) (io.ReadCloser, error) {
	var backend Backend
	var path string
	var data []byte
	err := s.pool.QueryRow(ctx, `SELECT backend, storage_path, inline_data FROM `+sc.Qualify("attachment_blob")+`
		WHERE hash = $1`, hash).Scan(&backend, &path, &data)
	if err == pgx.ErrNoRows {
		return nil, apperr.NotFound("blob %s not found", hash)
	}
	if err != nil {
		return nil, fmt.Errorf("lookup blob %s: %w", hash, err)
	}
	if backend == BackendFilesystem {
		return os.Open(path)
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

// Release decrements a blob's reference count; at zero it is left for GC
// to physically remove rather than deleted inline, so a crash mid-GC
// cannot orphan a file a fresh row still points at.
func (s *Store) Release(ctx context.Context, sc archive.SchemaContext, hash string) error {
	tag, err := s.pool.Exec(ctx, `UPDATE `+sc.Qualify("attachment_blob")+`
		SET reference_count = GREATEST(reference_count - 1, 0) WHERE hash = $1`, hash)
	if err != nil {
		return fmt.Errorf("release blob %s: %w", hash, err)
	}
	if tag.RowsAffected() == 0 {
		return apperr.NotFound("blob %s not found", hash)
	}
	return nil
}

// GC removes filesystem blobs whose reference_count is zero and whose
// row was created at least minAge ago, and deletes their database rows. Database-backend blobs
// are cleaned up by the row delete alone. Returns the number collected.
func (s *Store) GC(ctx context.Context, sc archive.SchemaContext, minAge time.Duration) (int, error) {
	cutoff := time.Now().Add(-minAge)
	rows, err := s.pool.Query(ctx, `SELECT hash, backend, storage_path FROM `+sc.Qualify("attachment_blob")+`
		WHERE reference_count = 0 AND created_at <= $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("gc scan: %w", err)
	}
	type victim struct {
		hash, path string
		backend    Backend
	}
	var victims []victim
	for rows.Next() {
		var v victim
		if err := rows.Scan(&v.hash, &v.backend, &v.path); err != nil {
			rows.Close()
			return 0, err
		}
		victims = append(victims, v)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, err
	}

	collected := 0
	for _, v := range victims {
		if v.backend == BackendFilesystem && v.path != "" {
			if err := os.Remove(v.path); err != nil && !os.IsNotExist(err) {
				continue // leave the row for the next GC pass if the file delete failed
			}
		}
		if _, err := s.pool.Exec(ctx, `DELETE FROM `+sc.Qualify("attachment_blob")+` WHERE hash = $1 AND reference_count = 0`, v.hash); err != nil {
			continue
		}
		collected++
	}
	return collected, nil
}

func (s *Store) lookup(ctx context.Context, sc archive.SchemaContext, hash string) (Ref, error) {
	var ref Ref
	ref.Hash = hash
	err := s.pool.QueryRow(ctx, `SELECT backend, size_bytes, reference_count, storage_path FROM `+sc.Qualify("attachment_blob")+`
		WHERE hash = $1`, hash).Scan(&ref.Backend, &ref.SizeBytes, &ref.ReferenceCount, &ref.StoragePath)
	if err == pgx.ErrNoRows {
		return Ref{}, apperr.NotFound("blob %s not found", hash)
	}
	if err != nil {
		return Ref{}, fmt.Errorf("lookup blob %s: %w", hash, err)
	}
	return ref, nil
}

func (s *Store) incrementRef(ctx context.Context, sc archive.SchemaContext, hash string) error {
	_, err := s.pool.Exec(ctx, `UPDATE `+sc.Qualify("attachment_blob")+`
		SET reference_count = reference_count + 1 WHERE hash = $1`, hash)
	if err != nil {
		return fmt.Errorf("increment ref %s: %w", hash, err)
	}
	return nil
}

// shardPath lays a blob out as blobs/{hash[0:2]}/{hash[2:4]}/{hash}.bin,
// keeping any one directory from accumulating more entries than a
// filesystem comfortably lists.
func (s *Store) shardPath(hash string) string {
	return filepath.Join(s.rootDir, hash[0:2], hash[2:4], hash+".bin")
}

func (s *Store) writeSharded(tmpPath, hash string) (string, error) {
	dest := s.shardPath(hash)
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return "", fmt.Errorf("create blob shard dir: %w", err)
	}
	src, err := os.Open(tmpPath)
	if err != nil {
		return "", fmt.Errorf("reopen staged blob: %w", err)
	}
	defer src.Close()

	out, err := os.OpenFile(dest, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		if os.IsExist(err) {
			return dest, nil // another writer already landed this hash
		}
		return "", fmt.Errorf("create blob file: %w", err)
	}
	defer out.Close()
	if _, err := io.Copy(out, src); err != nil {
		os.Remove(dest)
		return "", fmt.Errorf("write blob file: %w", err)
	}
	return dest, nil
}
