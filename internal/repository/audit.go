package repository

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"lab_collab/internal/domain"
	"lab_collab/pkg/logger"
)

type AuditRepository interface {
	// InsertBatch пишет пачку записей одним COPY
	InsertBatch(ctx context.Context, entries []domain.AuditLog) error
}

type auditRepository struct {
	db  *pgxpool.Pool
	log logger.Logger
}

func NewAuditRepository(db *pgxpool.Pool, log logger.Logger) AuditRepository {
	return &auditRepository{db: db, log: log}
}

var auditColumns = []string{"event_time", "actor_user_id", "event_type", "collection", "document_id", "payload"}

func (r *auditRepository) InsertBatch(ctx context.Context, entries []domain.AuditLog) error {
	if len(entries) == 0 {
		return nil
	}
	rows := pgx.CopyFromSlice(len(entries), func(i int) ([]any, error) {
		e := entries[i]
		payload := e.Payload
		if payload == nil {
			payload = map[string]interface{}{}
		}
		return []any{e.EventTime, e.ActorUserID, e.EventType, e.Collection, e.DocumentID, payload}, nil
	})

	n, err := r.db.CopyFrom(ctx, pgx.Identifier{"audit_log"}, auditColumns, rows)
	if err != nil {
		r.log.Error("Failed to write audit batch", "error", err, "entries", len(entries))
		return fmt.Errorf("failed to write audit batch: %w", err)
	}
	r.log.Debug("Audit batch written", "entries", n)
	return nil
}
