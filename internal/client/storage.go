package client

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"lab_collab/internal/chat"
	"lab_collab/internal/wire"
	apperrors "lab_collab/pkg/errors"
)

// Storage - файловое хранилище labd; реализует chat.Uploader
type Storage struct {
	c *Client
}

var _ chat.Uploader = (*Storage)(nil)

func newStorage(c *Client) *Storage {
	return &Storage{c: c}
}

func escapeObjectPath(path string) string {
	parts := strings.Split(path, "/")
	for i, p := range parts {
		parts[i] = url.PathEscape(p)
	}
	return strings.Join(parts, "/")
}

// Upload проверяет лимит до любого обращения к сети и возвращает ссылку
// вида "<provider>:<path>"
func (s *Storage) Upload(ctx context.Context, provider, objectPath, contentType string, data []byte) (string, error) {
	if limit := s.c.cfg.AttachmentLimit; limit > 0 && int64(len(data)) > limit {
		return "", fmt.Errorf("%w: %d bytes exceeds %d", apperrors.ErrPayloadTooLarge, len(data), limit)
	}
	if contentType == "" {
		contentType = "application/octet-stream"
	}

	var resp wire.UploadResponse
	path := "/api/v1/storage/" + url.PathEscape(provider) + "/" + escapeObjectPath(objectPath)
	if err := s.c.doRaw(ctx, http.MethodPost, path, contentType, data, &resp); err != nil {
		return "", err
	}
	return resp.Ref, nil
}

// PublicURL строит адрес без запроса к серверу; для битой ссылки - ""
func (s *Storage) PublicURL(ref string) string {
	provider, path, ok := strings.Cut(ref, ":")
	if !ok || provider == "" || path == "" {
		return ""
	}
	return s.c.endpoint("/files/" + url.PathEscape(provider) + "/" + escapeObjectPath(path))
}

func (s *Storage) Remove(ctx context.Context, ref string) error {
	return s.c.do(ctx, http.MethodDelete, "/api/v1/storage?ref="+url.QueryEscape(ref), nil, nil)
}
