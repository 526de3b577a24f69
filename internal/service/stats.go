package service

import (
	"context"
	"encoding/json"

	"lab_collab/internal/domain"
	"lab_collab/internal/repository"
	"lab_collab/pkg/logger"
)

type StatsService interface {
	Collect(ctx context.Context) (*domain.ServerStats, error)
}

type statsService struct {
	users    repository.UserRepository
	docs     repository.DocumentRepository
	realtime *RealtimeHub
	live     *LiveQueryHub
	storage  StorageService
	log      logger.Logger
}

func NewStatsService(users repository.UserRepository, docs repository.DocumentRepository, realtime *RealtimeHub, live *LiveQueryHub, storage StorageService, log logger.Logger) StatsService {
	return &statsService{
		users:    users,
		docs:     docs,
		realtime: realtime,
		live:     live,
		storage:  storage,
		log:      log,
	}
}

func (s *statsService) Collect(ctx context.Context) (*domain.ServerStats, error) {
	stats := &domain.ServerStats{
		LiveQueries:      s.live.Count(),
		RealtimeSessions: s.realtime.Sessions(),
	}

	users, err := s.users.Count(ctx)
	if err != nil {
		return nil, err
	}
	stats.Users = users

	collections, err := s.docs.CountByCollection(ctx)
	if err != nil {
		return nil, err
	}
	stats.Collections = collections

	status, err := s.realtime.Read(ctx, domain.StatusRoot)
	if err != nil {
		s.log.Warn("Failed to read presence tree", "error", err)
	} else {
		stats.OnlineUsers = countOnline(status.Data)
	}

	stats.StoredObjects, stats.StoredObjectsBytes, _ = s.storage.Stats(ctx)
	return stats, nil
}

// countOnline считает записи со state=online; прочие значения пропускаются
func countOnline(data json.RawMessage) int {
	var records map[string]json.RawMessage
	if err := json.Unmarshal(data, &records); err != nil {
		return 0
	}
	n := 0
	for _, raw := range records {
		var rec domain.PresenceRecord
		if err := json.Unmarshal(raw, &rec); err != nil {
			continue
		}
		if rec.State == domain.PresenceOnline {
			n++
		}
	}
	return n
}
