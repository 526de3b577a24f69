package errors

import (
	"errors"
	"fmt"
	"net/http"
)

var (
	ErrNotFound           = errors.New("not found")
	ErrUnauthorized       = errors.New("unauthorized")
	ErrForbidden          = errors.New("forbidden")
	ErrPermissionDenied   = errors.New("permission denied")
	ErrBadRequest         = errors.New("bad request")
	ErrInvalidArgument    = errors.New("invalid argument")
	ErrInternalServer     = errors.New("internal server error")
	ErrUnavailable        = errors.New("service unavailable")
	ErrPayloadTooLarge    = errors.New("payload too large")
	ErrRateLimited        = errors.New("rate limit exceeded")
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrUserAlreadyExists  = errors.New("user already exists")
	ErrUserDisabled       = errors.New("user account is disabled")
	ErrDocumentNotFound   = fmt.Errorf("document %w", ErrNotFound)
	ErrObjectNotFound     = fmt.Errorf("object %w", ErrNotFound)
	ErrInvalidToken       = errors.New("invalid token")
	ErrTokenExpired       = errors.New("token expired")
)

// Коды ошибок, которые передаются по сети (REST и websocket кадры)
const (
	CodeNotFound         = "not-found"
	CodeUnauthenticated  = "unauthenticated"
	CodePermissionDenied = "permission-denied"
	CodeInvalidArgument  = "invalid-argument"
	CodeAlreadyExists    = "already-exists"
	CodeResourceLimit    = "resource-exhausted"
	CodeUnavailable      = "unavailable"
	CodeInternal         = "internal"
)

type APIError struct {
	Message string `json:"error"`
	Code    string `json:"code,omitempty"`
	Status  int    `json:"-"`
}

func (e *APIError) Error() string {
	return e.Message
}

// Unwrap позволяет сравнивать APIError с сентинелами через errors.Is
func (e *APIError) Unwrap() error {
	return FromCode(e.Code)
}

func NewAPIError(message string, code string, status int) *APIError {
	return &APIError{
		Message: message,
		Code:    code,
		Status:  status,
	}
}

func HTTPStatusFromError(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case errors.Is(err, ErrNotFound), errors.Is(err, ErrDocumentNotFound), errors.Is(err, ErrObjectNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrUnauthorized), errors.Is(err, ErrInvalidCredentials),
		errors.Is(err, ErrInvalidToken), errors.Is(err, ErrTokenExpired):
		return http.StatusUnauthorized
	case errors.Is(err, ErrForbidden), errors.Is(err, ErrPermissionDenied), errors.Is(err, ErrUserDisabled):
		return http.StatusForbidden
	case errors.Is(err, ErrBadRequest), errors.Is(err, ErrInvalidArgument):
		return http.StatusBadRequest
	case errors.Is(err, ErrUserAlreadyExists):
		return http.StatusConflict
	case errors.Is(err, ErrPayloadTooLarge):
		return http.StatusRequestEntityTooLarge
	case errors.Is(err, ErrRateLimited):
		return http.StatusTooManyRequests
	case errors.Is(err, ErrUnavailable):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// Code возвращает сетевой код ошибки
func Code(err error) string {
	switch {
	case errors.Is(err, ErrNotFound), errors.Is(err, ErrDocumentNotFound), errors.Is(err, ErrObjectNotFound):
		return CodeNotFound
	case errors.Is(err, ErrUnauthorized), errors.Is(err, ErrInvalidCredentials),
		errors.Is(err, ErrInvalidToken), errors.Is(err, ErrTokenExpired):
		return CodeUnauthenticated
	case errors.Is(err, ErrForbidden), errors.Is(err, ErrPermissionDenied), errors.Is(err, ErrUserDisabled):
		return CodePermissionDenied
	case errors.Is(err, ErrBadRequest), errors.Is(err, ErrInvalidArgument):
		return CodeInvalidArgument
	case errors.Is(err, ErrUserAlreadyExists):
		return CodeAlreadyExists
	case errors.Is(err, ErrPayloadTooLarge), errors.Is(err, ErrRateLimited):
		return CodeResourceLimit
	case errors.Is(err, ErrUnavailable):
		return CodeUnavailable
	default:
		return CodeInternal
	}
}

// FromCode переводит сетевой код обратно в сентинел
func FromCode(code string) error {
	switch code {
	case CodeNotFound:
		return ErrNotFound
	case CodeUnauthenticated:
		return ErrUnauthorized
	case CodePermissionDenied:
		return ErrPermissionDenied
	case CodeInvalidArgument:
		return ErrInvalidArgument
	case CodeAlreadyExists:
		return ErrUserAlreadyExists
	case CodeResourceLimit:
		return ErrPayloadTooLarge
	case CodeUnavailable:
		return ErrUnavailable
	case "":
		return nil
	default:
		return ErrInternalServer
	}
}

// IsPermissionDenied - отказ правил доступа или неаутентифицированный запрос
func IsPermissionDenied(err error) bool {
	return errors.Is(err, ErrPermissionDenied) || errors.Is(err, ErrUnauthorized)
}
