package chat

import (
	"context"
	"encoding/base64"
	"fmt"
	"net/http"
	"path"
	"strings"

	"github.com/google/uuid"

	"lab_collab/internal/domain"
)

// DefaultAttachmentLimit - вложение встраивается в документ, поэтому ограничено
const DefaultAttachmentLimit = 1 << 20

const VoiceMemoName = "Voice Memo"

// AttachmentType классифицирует вложение по MIME типу
func AttachmentType(mime string) domain.AttachmentType {
	switch {
	case strings.HasPrefix(mime, "image/"):
		return domain.AttachmentImage
	case strings.HasPrefix(mime, "audio/"):
		return domain.AttachmentAudio
	default:
		return domain.AttachmentFile
	}
}

// NewAttachment встраивает файл как data URL. Размер проверяется до любой сетевой операции.
func NewAttachment(name, mime string, data []byte, limit int64) (*domain.Attachment, error) {
	if limit <= 0 {
		limit = DefaultAttachmentLimit
	}
	if int64(len(data)) > limit {
		return nil, fmt.Errorf("%w: %s is %d bytes, limit is %d", ErrAttachmentTooLarge, name, len(data), limit)
	}
	if mime == "" {
		mime = http.DetectContentType(data)
	}
	mime = strings.TrimSpace(strings.Split(mime, ";")[0])
	return &domain.Attachment{
		Type: AttachmentType(mime),
		Data: "data:" + mime + ";base64," + base64.StdEncoding.EncodeToString(data),
		Name: name,
	}, nil
}

// NewVoiceMemo - аудиозапись
func NewVoiceMemo(mime string, data []byte, limit int64) (*domain.Attachment, error) {
	if mime == "" {
		mime = "audio/webm"
	}
	a, err := NewAttachment(VoiceMemoName, mime, data, limit)
	if err != nil {
		return nil, err
	}
	a.Type = domain.AttachmentAudio
	return a, nil
}

// DecodeDataURL возвращает MIME тип и содержимое встроенного вложения
func DecodeDataURL(s string) (string, []byte, error) {
	if !strings.HasPrefix(s, "data:") {
		return "", nil, fmt.Errorf("not a data URL")
	}
	meta, payload, ok := strings.Cut(strings.TrimPrefix(s, "data:"), ",")
	if !ok || !strings.HasSuffix(meta, ";base64") {
		return "", nil, fmt.Errorf("unsupported data URL encoding")
	}
	data, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return "", nil, fmt.Errorf("failed to decode data URL: %w", err)
	}
	return strings.TrimSuffix(meta, ";base64"), data, nil
}

// Uploader - файловое хранилище
type Uploader interface {
	Upload(ctx context.Context, provider, objectPath, contentType string, data []byte) (string, error)
	PublicURL(ref string) string
}

// UploadAttachment кладет файл в хранилище и ссылается на него вместо встраивания
func UploadAttachment(ctx context.Context, up Uploader, provider, ownerID, name, mime string, data []byte, limit int64) (*domain.Attachment, error) {
	if limit <= 0 {
		limit = DefaultAttachmentLimit
	}
	if int64(len(data)) > limit {
		return nil, fmt.Errorf("%w: %s is %d bytes, limit is %d", ErrAttachmentTooLarge, name, len(data), limit)
	}
	if mime == "" {
		mime = http.DetectContentType(data)
	}
	objectPath := path.Join("attachments", ownerID, uuid.NewString()+"-"+path.Base(name))
	ref, err := up.Upload(ctx, provider, objectPath, mime, data)
	if err != nil {
		return nil, fmt.Errorf("failed to upload attachment %s: %w", name, err)
	}
	return &domain.Attachment{Type: AttachmentType(mime), Data: up.PublicURL(ref), Name: name}, nil
}
