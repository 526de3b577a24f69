package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"lab_collab/internal/domain"
	"lab_collab/internal/store"
	apperrors "lab_collab/pkg/errors"
	"lab_collab/pkg/logger"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// MutateFunc получает текущий документ (nil, если его нет) и время коммита,
// возвращает новые поля или deleted=true
type MutateFunc func(existing *store.Document, now time.Time) (fields store.Fields, deleted bool, err error)

type DocumentRepository interface {
	// Mutate - read-modify-write одного документа под блокировкой строки.
	// changed=false, если удалять было нечего.
	Mutate(ctx context.Context, collection, id string, fn MutateFunc) (m store.Mutation, changed bool, err error)
	Get(ctx context.Context, collection, id string) (store.Document, error)
	// List возвращает документы коллекции, содержащие match (jsonb @>)
	List(ctx context.Context, collection string, match store.Fields) ([]store.Document, error)
	CountByCollection(ctx context.Context) ([]domain.CollectionStats, error)
}

type documentRepository struct {
	db  *pgxpool.Pool
	log logger.Logger
}

func NewDocumentRepository(db *pgxpool.Pool, log logger.Logger) DocumentRepository {
	return &documentRepository{db: db, log: log}
}

func (r *documentRepository) Mutate(ctx context.Context, collection, id string, fn MutateFunc) (store.Mutation, bool, error) {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		r.log.Error("Failed to begin transaction", "error", err)
		return store.Mutation{}, false, err
	}
	defer tx.Rollback(ctx)

	var existing *store.Document
	var raw []byte
	doc := store.Document{ID: id, Collection: collection}
	err = tx.QueryRow(ctx, `
		SELECT fields, create_time, update_time
		FROM documents
		WHERE collection = $1 AND id = $2
		FOR UPDATE
	`, collection, id).Scan(&raw, &doc.CreateTime, &doc.UpdateTime)
	switch {
	case errors.Is(err, pgx.ErrNoRows):
	case err != nil:
		r.log.Error("Failed to lock document", "error", err, "collection", collection, "id", id)
		return store.Mutation{}, false, err
	default:
		if err := json.Unmarshal(raw, &doc.Fields); err != nil {
			return store.Mutation{}, false, fmt.Errorf("corrupt document %s/%s: %w", collection, id, err)
		}
		doc.CreateTime = doc.CreateTime.UTC()
		doc.UpdateTime = doc.UpdateTime.UTC()
		existing = &doc
	}

	now := commitTime(existing)
	fields, deleted, err := fn(existing, now)
	if err != nil {
		return store.Mutation{}, false, err
	}

	if deleted {
		if existing == nil {
			return store.Mutation{}, false, nil
		}
		if _, err := tx.Exec(ctx, `DELETE FROM documents WHERE collection = $1 AND id = $2`, collection, id); err != nil {
			r.log.Error("Failed to delete document", "error", err, "collection", collection, "id", id)
			return store.Mutation{}, false, err
		}
		if err := tx.Commit(ctx); err != nil {
			return store.Mutation{}, false, err
		}
		gone := *existing
		gone.UpdateTime = now
		return store.Mutation{Deleted: true, Doc: gone}, true, nil
	}

	payload, err := json.Marshal(fields)
	if err != nil {
		return store.Mutation{}, false, fmt.Errorf("%w: %v", apperrors.ErrInvalidArgument, err)
	}
	created := now
	if existing != nil {
		created = existing.CreateTime
	}
	_, err = tx.Exec(ctx, `
		INSERT INTO documents (collection, id, fields, create_time, update_time)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (collection, id) DO UPDATE SET fields = EXCLUDED.fields, update_time = EXCLUDED.update_time
	`, collection, id, payload, created, now)
	if err != nil {
		r.log.Error("Failed to write document", "error", err, "collection", collection, "id", id)
		return store.Mutation{}, false, err
	}
	if err := tx.Commit(ctx); err != nil {
		r.log.Error("Failed to commit document write", "error", err)
		return store.Mutation{}, false, err
	}

	return store.Mutation{Doc: store.Document{
		ID:         id,
		Collection: collection,
		Fields:     fields,
		CreateTime: created,
		UpdateTime: now,
	}}, true, nil
}

// commitTime - время коммита с точностью timestamptz, строго после прошлой версии
func commitTime(existing *store.Document) time.Time {
	now := time.Now().UTC().Truncate(time.Microsecond)
	if existing != nil && !now.After(existing.UpdateTime) {
		now = existing.UpdateTime.Add(time.Microsecond)
	}
	return now
}

func (r *documentRepository) Get(ctx context.Context, collection, id string) (store.Document, error) {
	doc := store.Document{ID: id, Collection: collection}
	var raw []byte
	err := r.db.QueryRow(ctx, `
		SELECT fields, create_time, update_time
		FROM documents
		WHERE collection = $1 AND id = $2
	`, collection, id).Scan(&raw, &doc.CreateTime, &doc.UpdateTime)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return store.Document{}, fmt.Errorf("%w: %s/%s", apperrors.ErrDocumentNotFound, collection, id)
		}
		r.log.Error("Failed to get document", "error", err, "collection", collection, "id", id)
		return store.Document{}, err
	}
	if err := json.Unmarshal(raw, &doc.Fields); err != nil {
		return store.Document{}, fmt.Errorf("corrupt document %s/%s: %w", collection, id, err)
	}
	doc.CreateTime = doc.CreateTime.UTC()
	doc.UpdateTime = doc.UpdateTime.UTC()
	return doc, nil
}

func (r *documentRepository) List(ctx context.Context, collection string, match store.Fields) ([]store.Document, error) {
	if match == nil {
		match = store.Fields{}
	}
	filter, err := json.Marshal(match)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", apperrors.ErrInvalidArgument, err)
	}

	rows, err := r.db.Query(ctx, `
		SELECT id, fields, create_time, update_time
		FROM documents
		WHERE collection = $1 AND fields @> $2::jsonb
	`, collection, filter)
	if err != nil {
		r.log.Error("Failed to query documents", "error", err, "collection", collection)
		return nil, err
	}
	defer rows.Close()

	var docs []store.Document
	for rows.Next() {
		doc := store.Document{Collection: collection}
		var raw []byte
		if err := rows.Scan(&doc.ID, &raw, &doc.CreateTime, &doc.UpdateTime); err != nil {
			r.log.Error("Failed to scan document", "error", err)
			return nil, err
		}
		if err := json.Unmarshal(raw, &doc.Fields); err != nil {
			r.log.Warn("Skipping corrupt document", "collection", collection, "id", doc.ID, "error", err)
			continue
		}
		doc.CreateTime = doc.CreateTime.UTC()
		doc.UpdateTime = doc.UpdateTime.UTC()
		docs = append(docs, doc)
	}
	return docs, rows.Err()
}

func (r *documentRepository) CountByCollection(ctx context.Context) ([]domain.CollectionStats, error) {
	rows, err := r.db.Query(ctx, `
		SELECT collection, COUNT(*), MAX(update_time)
		FROM documents
		GROUP BY collection
		ORDER BY collection
	`)
	if err != nil {
		r.log.Error("Failed to count documents", "error", err)
		return nil, err
	}
	defer rows.Close()

	var out []domain.CollectionStats
	for rows.Next() {
		var s domain.CollectionStats
		if err := rows.Scan(&s.Collection, &s.Documents, &s.LastWrite); err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// EqualityMatch собирает jsonb-образец для фильтров "==" запроса
func EqualityMatch(q store.Query) store.Fields {
	match := store.Fields{}
	for _, f := range q.Filters {
		// отсутствующее поле равно null, containment такое не найдет
		if f.Op != store.OpEqual || f.Value == nil {
			continue
		}
		parts := strings.Split(f.Field, ".")
		node := map[string]interface{}(match)
		for _, p := range parts[:len(parts)-1] {
			child, ok := node[p].(map[string]interface{})
			if !ok {
				child = map[string]interface{}{}
				node[p] = child
			}
			node = child
		}
		node[parts[len(parts)-1]] = f.Value
	}
	return match
}
