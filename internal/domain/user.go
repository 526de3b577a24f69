package domain

import (
	"time"

	"github.com/google/uuid"
)

// User - учетная запись провайдера идентичности (labd)
type User struct {
	ID           uuid.UUID  `json:"id"`
	Email        string     `json:"email"`
	PasswordHash string     `json:"-"`
	DisplayName  string     `json:"display_name"`
	AvatarURL    *string    `json:"avatar_url,omitempty"`
	Role         string     `json:"role"`
	IsActive     bool       `json:"is_active"`
	LastLoginAt  *time.Time `json:"last_login_at,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
}

type UserSession struct {
	ID               uuid.UUID  `json:"id"`
	UserID           uuid.UUID  `json:"user_id"`
	RefreshTokenHash string     `json:"-"`
	CreatedAt        time.Time  `json:"created_at"`
	ExpiresAt        time.Time  `json:"expires_at"`
	RevokedAt        *time.Time `json:"revoked_at,omitempty"`
	RevokedReason    *string    `json:"revoked_reason,omitempty"`
	IPAddress        *string    `json:"ip_address,omitempty"`
	UserAgent        *string    `json:"user_agent,omitempty"`
}

// Profile - документ users/<uid>, который видят остальные участники
type Profile struct {
	UID         string  `json:"uid"`
	Name        string  `json:"name"`
	Email       string  `json:"email,omitempty"`
	PhotoURL    string  `json:"photoURL,omitempty"`
	Role        string  `json:"role,omitempty"`
	IsShowcased bool    `json:"isShowcased"`
	UpdatedAt   *string `json:"updatedAt,omitempty"`
}

// DisplayName - имя для интерфейса; пустое имя заменяется почтой
func (p Profile) DisplayName() string {
	if p.Name != "" {
		return p.Name
	}
	if p.Email != "" {
		return p.Email
	}
	return p.UID
}

const (
	RoleMember = "member"
	RoleLead   = "lead"
)

// DefaultRole показывается, если участник не указал роль
const DefaultRole = "Operative"
