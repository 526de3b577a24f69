package repository

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/cockroachdb/pebble"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"lab_collab/internal/domain"
	apperrors "lab_collab/pkg/errors"
	"lab_collab/pkg/logger"
)

// BlobStore - провайдер файлового хранилища
type BlobStore interface {
	Put(ctx context.Context, obj domain.StoredObject, data []byte) error
	Get(ctx context.Context, path string) (domain.StoredObject, []byte, error)
	Delete(ctx context.Context, path string) error
	Stats(ctx context.Context) (objects int64, size int64, err error)
}

var (
	blobMetaPrefix = []byte("meta:")
	blobDataPrefix = []byte("data:")
)

// PebbleBlobStore - провайдер "local": метаданные и содержимое в одном pebble
type PebbleBlobStore struct {
	db  *pebble.DB
	log logger.Logger
}

func OpenPebbleBlobStore(dir string, log logger.Logger) (*PebbleBlobStore, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("failed to create storage dir: %w", err)
	}
	db, err := pebble.Open(dir, &pebble.Options{})
	if err != nil {
		return nil, fmt.Errorf("failed to open pebble: %w", err)
	}
	return &PebbleBlobStore{db: db, log: log}, nil
}

func (s *PebbleBlobStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *PebbleBlobStore) Put(_ context.Context, obj domain.StoredObject, data []byte) error {
	meta, err := json.Marshal(obj)
	if err != nil {
		return err
	}
	b := s.db.NewBatch()
	defer b.Close()
	if err := b.Set(blobKey(blobMetaPrefix, obj.Path), meta, nil); err != nil {
		return err
	}
	if err := b.Set(blobKey(blobDataPrefix, obj.Path), data, nil); err != nil {
		return err
	}
	if err := b.Commit(pebble.Sync); err != nil {
		s.log.Error("Failed to store object", "error", err, "path", obj.Path)
		return err
	}
	return nil
}

func (s *PebbleBlobStore) Get(_ context.Context, path string) (domain.StoredObject, []byte, error) {
	var obj domain.StoredObject
	meta, err := s.read(blobKey(blobMetaPrefix, path))
	if err != nil {
		return obj, nil, err
	}
	if err := json.Unmarshal(meta, &obj); err != nil {
		return obj, nil, fmt.Errorf("corrupt object metadata %s: %w", path, err)
	}
	data, err := s.read(blobKey(blobDataPrefix, path))
	if err != nil {
		return obj, nil, err
	}
	return obj, data, nil
}

func (s *PebbleBlobStore) read(key []byte) ([]byte, error) {
	v, closer, err := s.db.Get(key)
	if err != nil {
		if errors.Is(err, pebble.ErrNotFound) {
			return nil, apperrors.ErrObjectNotFound
		}
		s.log.Error("Failed to read object", "error", err)
		return nil, err
	}
	defer closer.Close()
	out := make([]byte, len(v))
	copy(out, v)
	return out, nil
}

func (s *PebbleBlobStore) Delete(_ context.Context, path string) error {
	if _, err := s.read(blobKey(blobMetaPrefix, path)); err != nil {
		return err
	}
	b := s.db.NewBatch()
	defer b.Close()
	if err := b.Delete(blobKey(blobMetaPrefix, path), nil); err != nil {
		return err
	}
	if err := b.Delete(blobKey(blobDataPrefix, path), nil); err != nil {
		return err
	}
	return b.Commit(pebble.Sync)
}

func (s *PebbleBlobStore) Stats(_ context.Context) (int64, int64, error) {
	it, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: blobMetaPrefix,
		UpperBound: []byte("meta;"),
	})
	if err != nil {
		return 0, 0, err
	}
	defer it.Close()

	var count, size int64
	for ok := it.First(); ok; ok = it.Next() {
		if !bytes.HasPrefix(it.Key(), blobMetaPrefix) {
			continue
		}
		var obj domain.StoredObject
		if err := json.Unmarshal(it.Value(), &obj); err != nil {
			continue
		}
		count++
		size += obj.Size
	}
	return count, size, it.Error()
}

func blobKey(prefix []byte, path string) []byte {
	return append(append([]byte(nil), prefix...), path...)
}

// PostgresBlobStore - провайдер "postgres": bytea в таблице objects
type PostgresBlobStore struct {
	db  *pgxpool.Pool
	log logger.Logger
}

func NewPostgresBlobStore(db *pgxpool.Pool, log logger.Logger) *PostgresBlobStore {
	return &PostgresBlobStore{db: db, log: log}
}

func (s *PostgresBlobStore) Put(ctx context.Context, obj domain.StoredObject, data []byte) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO objects (path, content_type, size, owner_id, data, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (path) DO UPDATE
		SET content_type = EXCLUDED.content_type, size = EXCLUDED.size,
		    owner_id = EXCLUDED.owner_id, data = EXCLUDED.data, created_at = EXCLUDED.created_at
	`, obj.Path, obj.ContentType, obj.Size, obj.OwnerID, data, obj.CreatedAt)
	if err != nil {
		s.log.Error("Failed to store object", "error", err, "path", obj.Path)
		return err
	}
	return nil
}

func (s *PostgresBlobStore) Get(ctx context.Context, path string) (domain.StoredObject, []byte, error) {
	obj := domain.StoredObject{Provider: domain.StorageProviderPostgres, Path: path}
	var data []byte
	err := s.db.QueryRow(ctx, `
		SELECT content_type, size, owner_id, data, created_at
		FROM objects
		WHERE path = $1
	`, path).Scan(&obj.ContentType, &obj.Size, &obj.OwnerID, &data, &obj.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return obj, nil, apperrors.ErrObjectNotFound
		}
		s.log.Error("Failed to read object", "error", err, "path", path)
		return obj, nil, err
	}
	return obj, data, nil
}

func (s *PostgresBlobStore) Delete(ctx context.Context, path string) error {
	tag, err := s.db.Exec(ctx, `DELETE FROM objects WHERE path = $1`, path)
	if err != nil {
		s.log.Error("Failed to delete object", "error", err, "path", path)
		return err
	}
	if tag.RowsAffected() == 0 {
		return apperrors.ErrObjectNotFound
	}
	return nil
}

func (s *PostgresBlobStore) Stats(ctx context.Context) (int64, int64, error) {
	var count, size int64
	err := s.db.QueryRow(ctx, `SELECT COUNT(*), COALESCE(SUM(size), 0) FROM objects`).Scan(&count, &size)
	if err != nil {
		s.log.Error("Failed to count objects", "error", err)
		return 0, 0, err
	}
	return count, size, nil
}
