package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"sync"

	"lab_collab/internal/domain"
	"lab_collab/internal/wire"
	apperrors "lab_collab/pkg/errors"
)

// Auth - текущая сессия пользователя
type Auth struct {
	c *Client

	mu        sync.Mutex
	user      *domain.User
	access    string
	refresh   string
	nextID    uint64
	observers map[uint64]func(*domain.User)

	refreshMu sync.Mutex
}

type savedTokens struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
}

func newAuth(c *Client) *Auth {
	return &Auth{c: c, observers: make(map[uint64]func(*domain.User))}
}

func (a *Auth) accessToken() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.access
}

func (a *Auth) canRefresh() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.refresh != ""
}

// CurrentUser - nil, если вход не выполнен
func (a *Auth) CurrentUser() *domain.User {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.user == nil {
		return nil
	}
	u := *a.user
	return &u
}

// OnAuthStateChanged сразу сообщает текущее состояние, затем каждое изменение.
// Возвращает функцию отписки.
func (a *Auth) OnAuthStateChanged(fn func(user *domain.User)) func() {
	a.mu.Lock()
	a.nextID++
	id := a.nextID
	a.observers[id] = fn
	a.mu.Unlock()

	current := a.CurrentUser()
	a.c.deliver(func() {
		if a.observing(id) {
			fn(current)
		}
	})
	return func() {
		a.mu.Lock()
		delete(a.observers, id)
		a.mu.Unlock()
	}
}

func (a *Auth) observing(id uint64) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	_, ok := a.observers[id]
	return ok
}

func (a *Auth) setState(user *domain.User, access, refresh string) {
	a.mu.Lock()
	changed := (a.user == nil) != (user == nil) || (a.user != nil && user != nil && a.user.ID != user.ID)
	a.user = user
	a.access = access
	a.refresh = refresh
	observers := make(map[uint64]func(*domain.User), len(a.observers))
	for id, fn := range a.observers {
		observers[id] = fn
	}
	a.mu.Unlock()

	if err := a.save(access, refresh); err != nil {
		a.c.log.Warn("Failed to persist tokens", "error", err)
	}
	if !changed {
		return
	}
	current := a.CurrentUser()
	for id, fn := range observers {
		id, fn := id, fn
		a.c.deliver(func() {
			if a.observing(id) {
				fn(current)
			}
		})
	}
}

func (a *Auth) Register(ctx context.Context, email, password, displayName string) (*domain.User, error) {
	var user domain.User
	req := wire.RegisterRequest{Email: email, Password: password, DisplayName: displayName}
	if err := a.c.send(ctx, http.MethodPost, "/api/v1/auth/register", "application/json", mustJSON(req), &user); err != nil {
		return nil, err
	}
	return &user, nil
}

func (a *Auth) SignIn(ctx context.Context, email, password string) (*domain.User, error) {
	var resp wire.LoginResponse
	req := wire.LoginRequest{Email: email, Password: password}
	if err := a.c.send(ctx, http.MethodPost, "/api/v1/auth/login", "application/json", mustJSON(req), &resp); err != nil {
		return nil, err
	}
	if resp.User == nil {
		return nil, fmt.Errorf("%w: login response without user", apperrors.ErrInternalServer)
	}
	a.setState(resp.User, resp.AccessToken, resp.RefreshToken)
	a.c.log.Info("Signed in", "user_id", resp.User.ID)
	return a.CurrentUser(), nil
}

// Restore поднимает сессию из файла токенов. Без файла возвращает nil, nil.
func (a *Auth) Restore(ctx context.Context) (*domain.User, error) {
	saved, err := a.load()
	if err != nil || saved.RefreshToken == "" {
		return nil, err
	}
	a.mu.Lock()
	a.access = saved.AccessToken
	a.refresh = saved.RefreshToken
	a.mu.Unlock()

	var user domain.User
	if err := a.c.do(ctx, http.MethodGet, "/api/v1/users/me", nil, &user); err != nil {
		a.setState(nil, "", "")
		if apperrors.IsPermissionDenied(err) {
			return nil, nil
		}
		return nil, err
	}
	a.setState(&user, a.accessToken(), a.refreshToken())
	return a.CurrentUser(), nil
}

func (a *Auth) refreshToken() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.refresh
}

// Refresh обменивает refresh токен на новую пару. Параллельные вызовы
// выполняются по одному.
func (a *Auth) Refresh(ctx context.Context) error {
	a.refreshMu.Lock()
	defer a.refreshMu.Unlock()

	refresh := a.refreshToken()
	if refresh == "" {
		return apperrors.ErrUnauthorized
	}
	var resp wire.TokenResponse
	err := a.c.send(ctx, http.MethodPost, "/api/v1/auth/refresh", "application/json", mustJSON(wire.RefreshRequest{RefreshToken: refresh}), &resp)
	if err != nil {
		if apperrors.IsPermissionDenied(err) {
			a.setState(nil, "", "")
		}
		return err
	}
	a.mu.Lock()
	user := a.user
	a.mu.Unlock()
	a.setState(user, resp.AccessToken, resp.RefreshToken)
	return nil
}

// SignOut отзывает refresh токен и закрывает сокеты
func (a *Auth) SignOut(ctx context.Context) error {
	refresh := a.refreshToken()
	var err error
	if refresh != "" {
		err = a.c.send(ctx, http.MethodPost, "/api/v1/auth/logout", "application/json", mustJSON(wire.RefreshRequest{RefreshToken: refresh}), nil)
	}
	a.c.Close()
	a.setState(nil, "", "")
	return err
}

func (a *Auth) save(access, refresh string) error {
	path := a.c.cfg.TokenFile
	if path == "" {
		return nil
	}
	if refresh == "" {
		if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
			return err
		}
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return err
	}
	return os.WriteFile(path, mustJSON(savedTokens{AccessToken: access, RefreshToken: refresh}), 0o600)
}

func (a *Auth) load() (savedTokens, error) {
	var saved savedTokens
	path := a.c.cfg.TokenFile
	if path == "" {
		return saved, nil
	}
	raw, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return saved, nil
	}
	if err != nil {
		return saved, fmt.Errorf("failed to read token file: %w", err)
	}
	if err := json.Unmarshal(raw, &saved); err != nil {
		return saved, fmt.Errorf("failed to decode token file: %w", err)
	}
	return saved, nil
}

func mustJSON(v interface{}) []byte {
	raw, err := json.Marshal(v)
	if err != nil {
		panic(fmt.Sprintf("client: unencodable request %T: %v", v, err))
	}
	return raw
}
