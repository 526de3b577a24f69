package repository

import (
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"lab_collab/internal/domain"
	"lab_collab/pkg/logger"
)

type Repositories struct {
	User      UserRepository
	Document  DocumentRepository
	Feed      ChangeFeed
	Realtime  RealtimeRepository
	Audit     AuditRepository
	RateLimit RateLimitRepository
	Blobs     map[string]BlobStore
}

func NewRepositories(db *pgxpool.Pool, redis *redis.Client, local *PebbleBlobStore, prefix string, log logger.Logger) *Repositories {
	repos := &Repositories{
		User:      NewUserRepository(db, log),
		Document:  NewDocumentRepository(db, log),
		Feed:      NewChangeFeed(redis, prefix, log),
		Realtime:  NewRealtimeRepository(redis, prefix, log),
		Audit:     NewAuditRepository(db, log),
		RateLimit: NewRateLimitRepository(redis, prefix, log),
		Blobs: map[string]BlobStore{
			domain.StorageProviderPostgres: NewPostgresBlobStore(db, log),
		},
	}

	if local != nil {
		repos.Blobs[domain.StorageProviderLocal] = local
	} else {
		log.Warn("Local object storage is not configured")
	}

	log.Info("Repositories initialized", "blob_providers", len(repos.Blobs))
	return repos
}
