package service

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"lab_collab/internal/domain"
	"lab_collab/internal/repository"
	apperrors "lab_collab/pkg/errors"
	"lab_collab/pkg/logger"
)

type StorageService interface {
	Upload(ctx context.Context, actor uuid.UUID, provider, path, contentType string, data []byte) (domain.StoredObject, error)
	Open(ctx context.Context, ref string) (domain.StoredObject, []byte, error)
	Remove(ctx context.Context, actor uuid.UUID, ref string) error
	PublicURL(ref string) (string, error)
	Stats(ctx context.Context) (objects int64, size int64, err error)
}

type storageService struct {
	blobs     map[string]repository.BlobStore
	audit     AuditService
	metrics   *Metrics
	publicURL string
	maxBytes  int64
	log       logger.Logger
}

func NewStorageService(blobs map[string]repository.BlobStore, audit AuditService, metrics *Metrics, publicURL string, maxBytes int64, log logger.Logger) StorageService {
	return &storageService{
		blobs:     blobs,
		audit:     audit,
		metrics:   metrics,
		publicURL: strings.TrimRight(publicURL, "/"),
		maxBytes:  maxBytes,
		log:       log,
	}
}

// ParseRef разбирает ссылку "<provider>:<path>"
func ParseRef(ref string) (provider, path string, err error) {
	provider, path, ok := strings.Cut(ref, ":")
	if !ok || provider == "" {
		return "", "", fmt.Errorf("%w: invalid object reference %q", apperrors.ErrInvalidArgument, ref)
	}
	if err := validateObjectPath(path); err != nil {
		return "", "", err
	}
	return provider, path, nil
}

func validateObjectPath(path string) error {
	if path == "" || len(path) > 512 || strings.HasPrefix(path, "/") {
		return fmt.Errorf("%w: invalid object path %q", apperrors.ErrInvalidArgument, path)
	}
	for _, part := range strings.Split(path, "/") {
		if part == "" || part == "." || part == ".." {
			return fmt.Errorf("%w: invalid object path %q", apperrors.ErrInvalidArgument, path)
		}
	}
	return nil
}

func (s *storageService) provider(name string) (repository.BlobStore, error) {
	b, ok := s.blobs[name]
	if !ok {
		return nil, fmt.Errorf("%w: unknown storage provider %q", apperrors.ErrInvalidArgument, name)
	}
	return b, nil
}

func (s *storageService) Upload(ctx context.Context, actor uuid.UUID, provider, path, contentType string, data []byte) (domain.StoredObject, error) {
	if int64(len(data)) > s.maxBytes {
		return domain.StoredObject{}, fmt.Errorf("%w: %d bytes exceeds %d", apperrors.ErrPayloadTooLarge, len(data), s.maxBytes)
	}
	blobs, err := s.provider(provider)
	if err != nil {
		return domain.StoredObject{}, err
	}
	if err := validateObjectPath(path); err != nil {
		return domain.StoredObject{}, err
	}
	if contentType == "" {
		contentType = http.DetectContentType(data)
	}

	obj := domain.StoredObject{
		Provider:    provider,
		Path:        path,
		ContentType: contentType,
		Size:        int64(len(data)),
		OwnerID:     actor.String(),
		CreatedAt:   time.Now().UTC(),
	}
	if err := blobs.Put(ctx, obj, data); err != nil {
		return domain.StoredObject{}, err
	}
	s.metrics.Uploads.WithLabelValues(provider).Inc()

	s.audit.Record(&actor, domain.EventTypeObjectUploaded, "", obj.Ref(), map[string]interface{}{"size": obj.Size})
	return obj, nil
}

func (s *storageService) Open(ctx context.Context, ref string) (domain.StoredObject, []byte, error) {
	provider, path, err := ParseRef(ref)
	if err != nil {
		return domain.StoredObject{}, nil, err
	}
	blobs, err := s.provider(provider)
	if err != nil {
		return domain.StoredObject{}, nil, err
	}
	obj, data, err := blobs.Get(ctx, path)
	if err != nil {
		return domain.StoredObject{}, nil, err
	}
	obj.Provider = provider
	return obj, data, nil
}

func (s *storageService) Remove(ctx context.Context, actor uuid.UUID, ref string) error {
	provider, path, err := ParseRef(ref)
	if err != nil {
		return err
	}
	blobs, err := s.provider(provider)
	if err != nil {
		return err
	}
	if err := blobs.Delete(ctx, path); err != nil {
		return err
	}
	s.audit.Record(&actor, domain.EventTypeObjectRemoved, "", ref, nil)
	return nil
}

// PublicURL - адрес, по которому объект отдается без авторизации
func (s *storageService) PublicURL(ref string) (string, error) {
	provider, path, err := ParseRef(ref)
	if err != nil {
		return "", err
	}
	if _, err := s.provider(provider); err != nil {
		return "", err
	}
	escaped := make([]string, 0)
	for _, part := range strings.Split(path, "/") {
		escaped = append(escaped, url.PathEscape(part))
	}
	return fmt.Sprintf("%s/files/%s/%s", s.publicURL, provider, strings.Join(escaped, "/")), nil
}

func (s *storageService) Stats(ctx context.Context) (int64, int64, error) {
	var objects, size int64
	for name, b := range s.blobs {
		n, sz, err := b.Stats(ctx)
		if err != nil {
			s.log.Warn("Failed to collect storage stats", "error", err, "provider", name)
			continue
		}
		objects += n
		size += sz
	}
	return objects, size, nil
}
