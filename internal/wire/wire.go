// Package wire - форматы REST тел и websocket кадров между labd и SDK.
package wire

import (
	"encoding/json"

	"lab_collab/internal/domain"
	"lab_collab/internal/store"
	apperrors "lab_collab/pkg/errors"
)

// Кадры /ws/documents
const (
	TypeListen   = "listen"
	TypeUnlisten = "unlisten"
	TypeSnapshot = "snapshot"
)

// Кадры /ws/realtime
const (
	TypeSet                = "set"
	TypeOnDisconnectSet    = "ondisconnect_set"
	TypeOnDisconnectCancel = "ondisconnect_cancel"
	TypeValue              = "value"
)

// Общие кадры
const (
	TypeAck   = "ack"
	TypeError = "error"
	TypePing  = "ping"
)

// Frame - один websocket кадр. ID связывает запрос с ack/error,
// а для listen - с последующими snapshot/value.
type Frame struct {
	Type     string          `json:"type"`
	ID       string          `json:"id,omitempty"`
	Query    *store.Query    `json:"query,omitempty"`
	Snapshot *store.Snapshot `json:"snapshot,omitempty"`
	Path     string          `json:"path,omitempty"`
	Value    json.RawMessage `json:"value,omitempty"`
	Error    *Error          `json:"error,omitempty"`
}

// Error - ошибка со стабильным кодом (см. pkg/errors.Code)
type Error struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func NewError(err error) *Error {
	return &Error{Code: apperrors.Code(err), Message: err.Error()}
}

// Err восстанавливает ошибку, совместимую с errors.Is по сентинелам
func (e *Error) Err() error {
	if e == nil {
		return nil
	}
	return apperrors.NewAPIError(e.Message, e.Code, 0)
}

func ErrorFrame(id string, err error) Frame {
	return Frame{Type: TypeError, ID: id, Error: NewError(err)}
}

// REST тела документного хранилища

type AddRequest struct {
	Fields store.Fields `json:"fields"`
}

type SetRequest struct {
	Fields store.Fields `json:"fields"`
	Merge  bool         `json:"merge"`
}

type UpdateRequest struct {
	Patch store.Fields `json:"patch"`
}

type DocumentResponse struct {
	Document store.Document `json:"document"`
}

type QueryResponse struct {
	Documents []store.Document `json:"documents"`
}

// ErrorResponse - JSON тело ошибки REST
type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
}

// REST тела файлового хранилища

type UploadResponse struct {
	Ref         string `json:"ref"`
	URL         string `json:"url"`
	Size        int64  `json:"size"`
	ContentType string `json:"content_type"`
}

// REST тела аутентификации

type RegisterRequest struct {
	Email       string `json:"email" binding:"required,email"`
	Password    string `json:"password" binding:"required,min=8"`
	DisplayName string `json:"display_name" binding:"required"`
}

type LoginRequest struct {
	Email    string `json:"email" binding:"required,email"`
	Password string `json:"password" binding:"required"`
}

type RefreshRequest struct {
	RefreshToken string `json:"refresh_token" binding:"required"`
}

type LoginResponse struct {
	User         *domain.User `json:"user"`
	AccessToken  string       `json:"access_token"`
	RefreshToken string       `json:"refresh_token"`
	ExpiresIn    int64        `json:"expires_in"`
}

type TokenResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresIn    int64  `json:"expires_in"`
}

type UpdateMeRequest struct {
	DisplayName string  `json:"display_name"`
	AvatarURL   *string `json:"avatar_url,omitempty"`
}
