package service

import (
	"context"

	"lab_collab/internal/config"
	"lab_collab/internal/repository"
	"lab_collab/internal/store"
	"lab_collab/pkg/logger"
)

type Services struct {
	Auth      AuthService
	User      UserService
	Documents DocumentService
	Live      *LiveQueryHub
	Realtime  *RealtimeHub
	Storage   StorageService
	Stats     StatsService
	RateLimit RateLimitService
	Audit     *AuditWriter
	Metrics   *Metrics
}

func NewServices(repos *repository.Repositories, cfg *config.Config, metrics *Metrics, log logger.Logger) *Services {
	audit := NewAuditWriter(repos.Audit, metrics, log.With("component", "audit"))

	var documents DocumentService
	live := NewLiveQueryHub(func(ctx context.Context, q store.Query) ([]store.Document, error) {
		return documents.Query(ctx, q)
	}, metrics, log.With("component", "live_queries"))
	documents = NewDocumentService(repos.Document, repos.Feed, live, audit, metrics, log)

	rt := NewRealtimeHub(repos.Realtime, metrics, log.With("component", "realtime"))
	storage := NewStorageService(repos.Blobs, audit, metrics, cfg.Server.PublicURL, cfg.Storage.MaxUploadBytes, log)

	return &Services{
		Auth:      NewAuthService(repos.User, audit, cfg.JWT, log),
		User:      NewUserService(repos.User, log),
		Documents: documents,
		Live:      live,
		Realtime:  rt,
		Storage:   storage,
		Stats:     NewStatsService(repos.User, repos.Document, rt, live, storage, log),
		RateLimit: NewRateLimitService(repos.RateLimit, cfg.RateLimit, log),
		Audit:     audit,
		Metrics:   metrics,
	}
}
