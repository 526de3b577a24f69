package service

import (
	"context"
	"fmt"

	"lab_collab/internal/config"
	"lab_collab/internal/domain"
	"lab_collab/internal/repository"
	"lab_collab/pkg/logger"
)

// Decision - результат проверки лимита
type Decision struct {
	Allowed   bool
	Limit     int
	Remaining int
}

type RateLimitService interface {
	Allow(ctx context.Context, action, subject string) (Decision, error)
}

type rateLimitService struct {
	rateLimitRepo repository.RateLimitRepository
	rules         map[string]domain.RateLimitRule
	log           logger.Logger
}

func NewRateLimitService(rateLimitRepo repository.RateLimitRepository, cfg config.RateLimitConfig, log logger.Logger) RateLimitService {
	rules := map[string]domain.RateLimitRule{
		domain.RateLimitActionLogin: {
			Scope: domain.RateLimitScopeIP, Action: domain.RateLimitActionLogin,
			Limit: cfg.LoginLimit, Window: cfg.LoginWindow, Enabled: cfg.LoginLimit > 0,
		},
		domain.RateLimitActionRegister: {
			Scope: domain.RateLimitScopeIP, Action: domain.RateLimitActionRegister,
			Limit: cfg.LoginLimit, Window: cfg.LoginWindow, Enabled: cfg.LoginLimit > 0,
		},
		domain.RateLimitActionWrite: {
			Scope: domain.RateLimitScopeUser, Action: domain.RateLimitActionWrite,
			Limit: cfg.WriteLimit, Window: cfg.WriteWindow, Enabled: cfg.WriteLimit > 0,
		},
		domain.RateLimitActionUpload: {
			Scope: domain.RateLimitScopeUser, Action: domain.RateLimitActionUpload,
			Limit: cfg.WriteLimit, Window: cfg.WriteWindow, Enabled: cfg.WriteLimit > 0,
		},
	}
	return &rateLimitService{
		rateLimitRepo: rateLimitRepo,
		rules:         rules,
		log:           log,
	}
}

func (s *rateLimitService) Allow(ctx context.Context, action, subject string) (Decision, error) {
	rule, ok := s.rules[action]
	if !ok || !rule.Enabled {
		return Decision{Allowed: true}, nil
	}

	key := fmt.Sprintf("%s:%s:%s", rule.Action, rule.Scope, subject)
	count, err := s.rateLimitRepo.Hit(ctx, key, rule.Window)
	if err != nil {
		return Decision{}, err
	}

	remaining := rule.Limit - int(count)
	if remaining < 0 {
		remaining = 0
	}
	return Decision{Allowed: int(count) <= rule.Limit, Limit: rule.Limit, Remaining: remaining}, nil
}
