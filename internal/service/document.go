package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"lab_collab/internal/domain"
	"lab_collab/internal/repository"
	"lab_collab/internal/store"
	apperrors "lab_collab/pkg/errors"
	"lab_collab/pkg/logger"
)

const maxDocumentIDLength = 256

type DocumentService interface {
	Add(ctx context.Context, actor uuid.UUID, collection string, fields store.Fields) (store.Document, error)
	Set(ctx context.Context, actor uuid.UUID, collection, id string, fields store.Fields, merge bool) (store.Document, error)
	Update(ctx context.Context, actor uuid.UUID, collection, id string, patch store.Fields) (store.Document, error)
	Delete(ctx context.Context, actor uuid.UUID, collection, id string) error
	Get(ctx context.Context, collection, id string) (store.Document, error)
	Query(ctx context.Context, q store.Query) ([]store.Document, error)
}

// MutationSink принимает мутации для живых запросов этого экземпляра
type MutationSink interface {
	Publish(m store.Mutation)
}

type documentService struct {
	repo    repository.DocumentRepository
	feed    repository.ChangeFeed
	local   MutationSink
	audit   AuditService
	metrics *Metrics
	log     logger.Logger
}

func NewDocumentService(repo repository.DocumentRepository, feed repository.ChangeFeed, local MutationSink, audit AuditService, metrics *Metrics, log logger.Logger) DocumentService {
	return &documentService{
		repo:    repo,
		feed:    feed,
		local:   local,
		audit:   audit,
		metrics: metrics,
		log:     log,
	}
}

func (s *documentService) Add(ctx context.Context, actor uuid.UUID, collection string, fields store.Fields) (store.Document, error) {
	id := uuid.NewString()
	return s.write(ctx, actor, "add", domain.EventTypeDocumentCreated, collection, id, func(_ *store.Document, now time.Time) (store.Fields, bool, error) {
		f, err := store.Prepare(fields, &now)
		return f, false, err
	})
}

func (s *documentService) Set(ctx context.Context, actor uuid.UUID, collection, id string, fields store.Fields, merge bool) (store.Document, error) {
	return s.write(ctx, actor, "set", domain.EventTypeDocumentSet, collection, id, func(existing *store.Document, now time.Time) (store.Fields, bool, error) {
		if merge && existing != nil {
			f, err := store.Merge(existing.Fields, fields, &now)
			return f, false, err
		}
		f, err := store.Prepare(fields, &now)
		return f, false, err
	})
}

func (s *documentService) Update(ctx context.Context, actor uuid.UUID, collection, id string, patch store.Fields) (store.Document, error) {
	return s.write(ctx, actor, "update", domain.EventTypeDocumentUpdated, collection, id, func(existing *store.Document, now time.Time) (store.Fields, bool, error) {
		if existing == nil {
			return nil, false, fmt.Errorf("%w: %s/%s", apperrors.ErrDocumentNotFound, collection, id)
		}
		f, err := store.ApplyUpdate(existing.Fields, patch, &now)
		return f, false, err
	})
}

func (s *documentService) Delete(ctx context.Context, actor uuid.UUID, collection, id string) error {
	_, err := s.write(ctx, actor, "delete", domain.EventTypeDocumentDeleted, collection, id, func(existing *store.Document, _ time.Time) (store.Fields, bool, error) {
		return nil, true, nil
	})
	return err
}

func (s *documentService) write(ctx context.Context, actor uuid.UUID, op, event, collection, id string, fn repository.MutateFunc) (store.Document, error) {
	if err := validateDocumentRef(collection, id); err != nil {
		return store.Document{}, err
	}

	m, changed, err := s.repo.Mutate(ctx, collection, id, fn)
	if err != nil {
		return store.Document{}, err
	}
	if !changed {
		return m.Doc, nil
	}
	s.metrics.DocumentWrites.WithLabelValues(collection, op).Inc()

	// подписки этого экземпляра получат мутацию через ленту;
	// если лента недоступна, хотя бы локальные
	if err := s.feed.Publish(ctx, m); err != nil {
		s.local.Publish(m)
	}

	s.audit.Record(&actor, event, collection, id, map[string]interface{}{"op": op})
	return m.Doc, nil
}

func (s *documentService) Get(ctx context.Context, collection, id string) (store.Document, error) {
	if err := validateDocumentRef(collection, id); err != nil {
		return store.Document{}, err
	}
	return s.repo.Get(ctx, collection, id)
}

func (s *documentService) Query(ctx context.Context, q store.Query) ([]store.Document, error) {
	if err := q.Validate(); err != nil {
		return nil, err
	}
	q = q.Normalized()

	if q.DocID != "" {
		doc, err := s.repo.Get(ctx, q.Collection, q.DocID)
		if err != nil {
			if errors.Is(err, apperrors.ErrNotFound) {
				return []store.Document{}, nil
			}
			return nil, err
		}
		return q.Apply([]store.Document{doc}), nil
	}

	docs, err := s.repo.List(ctx, q.Collection, repository.EqualityMatch(q))
	if err != nil {
		return nil, err
	}
	return q.Apply(docs), nil
}

func validateDocumentRef(collection, id string) error {
	if err := store.ValidateCollection(collection); err != nil {
		return err
	}
	if id == "" || len(id) > maxDocumentIDLength || strings.ContainsAny(id, "/") {
		return fmt.Errorf("%w: invalid document id %q", apperrors.ErrInvalidArgument, id)
	}
	return nil
}
