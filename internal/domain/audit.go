package domain

import (
	"time"

	"github.com/google/uuid"
)

// AuditLog - запись о каждой мутации документного хранилища
type AuditLog struct {
	ID          int64                  `json:"id"`
	EventTime   time.Time              `json:"event_time"`
	ActorUserID *uuid.UUID             `json:"actor_user_id,omitempty"`
	EventType   string                 `json:"event_type"`
	Collection  string                 `json:"collection"`
	DocumentID  string                 `json:"document_id"`
	Payload     map[string]interface{} `json:"payload,omitempty"`
}

const (
	EventTypeDocumentCreated = "DOCUMENT_CREATED"
	EventTypeDocumentSet     = "DOCUMENT_SET"
	EventTypeDocumentUpdated = "DOCUMENT_UPDATED"
	EventTypeDocumentDeleted = "DOCUMENT_DELETED"
	EventTypeObjectUploaded  = "OBJECT_UPLOADED"
	EventTypeObjectRemoved   = "OBJECT_REMOVED"
	EventTypeUserRegistered  = "USER_REGISTERED"
)
