package service

import (
	"context"
	"time"

	"github.com/google/uuid"
	"lab_collab/internal/domain"
	"lab_collab/internal/repository"
	"lab_collab/pkg/logger"
)

const (
	auditQueueSize     = 1024
	auditBatchSize     = 128
	auditFlushInterval = 2 * time.Second
	auditFlushTimeout  = 5 * time.Second
)

// AuditService - журнал мутаций. Record не блокирует запись документа:
// записи копятся в очереди и сбрасываются в Postgres пачками из Run.
type AuditService interface {
	Record(actorUserID *uuid.UUID, eventType, collection, documentID string, payload map[string]interface{})
}

// AuditWriter - AuditService поверх Postgres
type AuditWriter struct {
	auditRepo repository.AuditRepository
	metrics   *Metrics
	log       logger.Logger
	queue     chan domain.AuditLog
}

func NewAuditWriter(auditRepo repository.AuditRepository, metrics *Metrics, log logger.Logger) *AuditWriter {
	return &AuditWriter{
		auditRepo: auditRepo,
		metrics:   metrics,
		log:       log,
		queue:     make(chan domain.AuditLog, auditQueueSize),
	}
}

func (s *AuditWriter) Record(actorUserID *uuid.UUID, eventType, collection, documentID string, payload map[string]interface{}) {
	entry := domain.AuditLog{
		EventTime:   time.Now().UTC(),
		ActorUserID: actorUserID,
		EventType:   eventType,
		Collection:  collection,
		DocumentID:  documentID,
		Payload:     payload,
	}
	select {
	case s.queue <- entry:
	default:
		s.metrics.AuditDropped.Inc()
		s.log.Warn("Audit queue is full, entry dropped", "event_type", eventType, "collection", collection, "id", documentID)
	}
}

// Run сбрасывает очередь по таймеру или при наборе полной пачки.
// После отмены ctx дописывает то, что осталось в очереди.
func (s *AuditWriter) Run(ctx context.Context) {
	ticker := time.NewTicker(auditFlushInterval)
	defer ticker.Stop()

	batch := make([]domain.AuditLog, 0, auditBatchSize)
	flush := func() {
		if len(batch) == 0 {
			return
		}
		fctx, cancel := context.WithTimeout(context.Background(), auditFlushTimeout)
		defer cancel()
		if err := s.auditRepo.InsertBatch(fctx, batch); err != nil {
			s.metrics.AuditDropped.Add(float64(len(batch)))
		}
		batch = batch[:0]
	}

	for {
		select {
		case e := <-s.queue:
			batch = append(batch, e)
			if len(batch) >= auditBatchSize {
				flush()
			}
		case <-ticker.C:
			flush()
		case <-ctx.Done():
			for {
				select {
				case e := <-s.queue:
					batch = append(batch, e)
				default:
					flush()
					return
				}
			}
		}
	}
}
