package handler

import (
	"lab_collab/internal/config"
	"lab_collab/internal/service"
	"lab_collab/pkg/logger"
)

type Handlers struct {
	Health    *HealthHandler
	Auth      *AuthHandler
	User      *UserHandler
	Documents *DocumentHandler
	Storage   *StorageHandler
	Live      *DocumentSocketHandler
	Realtime  *RealtimeSocketHandler
}

func NewHandlers(services *service.Services, cfg *config.Config, log logger.Logger) *Handlers {
	return &Handlers{
		Health:    NewHealthHandler(cfg, services.Stats, log),
		Auth:      NewAuthHandler(services.Auth, log),
		User:      NewUserHandler(services.User, log),
		Documents: NewDocumentHandler(services.Documents, log),
		Storage:   NewStorageHandler(services.Storage, cfg.Storage.MaxUploadBytes, log),
		Live:      NewDocumentSocketHandler(services.Live, services.Metrics, cfg.Live, log.With("socket", socketDocuments)),
		Realtime:  NewRealtimeSocketHandler(services.Realtime, services.Metrics, cfg.Live, log.With("socket", socketRealtime)),
	}
}
