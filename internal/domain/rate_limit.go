package domain

import (
	"time"
)

type RateLimitRule struct {
	Scope   string        `json:"scope"`
	Action  string        `json:"action"`
	Limit   int           `json:"limit"`
	Window  time.Duration `json:"window"`
	Enabled bool          `json:"enabled"`
}

const (
	RateLimitScopeUser = "user"
	RateLimitScopeIP   = "ip"
)

const (
	RateLimitActionLogin    = "login"
	RateLimitActionRegister = "register"
	RateLimitActionWrite    = "write"
	RateLimitActionUpload   = "upload"
)
