package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"

	"lab_collab/internal/chat"
	"lab_collab/internal/client"
	"lab_collab/internal/config"
	"lab_collab/internal/directory"
	"lab_collab/internal/domain"
	"lab_collab/pkg/logger"
)

var errNotSignedIn = errors.New("not signed in: run `labchat login` or pass --email and --password")

// session - вошедший пользователь и его профиль
type session struct {
	cfg     config.ClientConfig
	log     logger.Logger
	client  *client.Client
	dir     *directory.Directory
	user    *domain.User
	profile domain.Profile
	logFile *os.File
}

func (s *session) me() chat.Participant {
	return chat.Participant{ID: s.profile.UID, Name: s.profile.DisplayName()}
}

// newLogger - лог в stderr, или в файл, если он задан; в режиме TUI без файла лог отключен
func newLogger(cfg config.ClientConfig, interactive bool) (logger.Logger, *os.File, error) {
	if cfg.LogFile != "" {
		f, err := os.OpenFile(cfg.LogFile, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to open log file: %w", err)
		}
		return logger.NewWriter(cfg.LogLevel, f), f, nil
	}
	if interactive {
		return logger.NewNop(), nil, nil
	}
	return logger.New(cfg.LogLevel), nil, nil
}

// openSession поднимает сессию из файла токенов, а если его нет - входит
// по email и паролю из настроек. Профиль в users создается при первом входе.
func openSession(ctx context.Context, interactive bool) (*session, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	log, logFile, err := newLogger(cfg, interactive)
	if err != nil {
		return nil, err
	}
	c, err := client.New(cfg, log)
	if err != nil {
		return nil, err
	}
	s := &session{cfg: cfg, log: log, client: c, dir: directory.New(c.Documents(), log), logFile: logFile}

	user, err := c.Auth().Restore(ctx)
	if err != nil {
		s.close()
		return nil, fmt.Errorf("failed to restore session: %w", err)
	}
	if user == nil {
		if cfg.Email == "" || cfg.Password == "" {
			s.close()
			return nil, errNotSignedIn
		}
		if user, err = c.Auth().SignIn(ctx, cfg.Email, cfg.Password); err != nil {
			s.close()
			return nil, fmt.Errorf("failed to sign in: %w", err)
		}
	}
	s.user = user

	if s.profile, err = s.dir.EnsureProfile(ctx, user.ID.String(), user.DisplayName, user.Email); err != nil {
		s.close()
		return nil, err
	}
	return s, nil
}

func (s *session) close() {
	s.client.Close()
	_ = s.log.Sync()
	if s.logFile != nil {
		_ = s.logFile.Close()
	}
}

// resolvePeer находит участника по id, email или имени
func (s *session) resolvePeer(ctx context.Context, ref string) (domain.Profile, error) {
	peers, err := s.dir.ListPeers(ctx, s.profile.UID)
	if err != nil {
		return domain.Profile{}, err
	}
	var matches []domain.Profile
	for _, p := range peers {
		switch {
		case p.UID == ref:
			return p, nil
		case strings.EqualFold(p.Email, ref), strings.EqualFold(p.DisplayName(), ref):
			matches = append(matches, p)
		}
	}
	switch len(matches) {
	case 0:
		return domain.Profile{}, fmt.Errorf("no lab member matches %q", ref)
	case 1:
		return matches[0], nil
	default:
		return domain.Profile{}, fmt.Errorf("%q matches %d members, use an id or email", ref, len(matches))
	}
}

// conversation открывает канал с участником и ждет первый список сообщений
func (s *session) conversation(ctx context.Context, ref string) (*chat.Conversation, error) {
	peer, err := s.resolvePeer(ctx, ref)
	if err != nil {
		return nil, err
	}
	conv, err := chat.NewConversation(chat.ConversationConfig{
		Store:       s.client.Documents(),
		Me:          s.me(),
		Peer:        chat.Participant{ID: peer.UID, Name: peer.DisplayName()},
		TypingQuiet: s.cfg.TypingQuiet,
		Log:         s.log,
	})
	if err != nil {
		return nil, err
	}

	loaded := make(chan struct{})
	var once sync.Once
	if err := conv.Subscribe(ctx, func(chat.Update) {
		once.Do(func() { close(loaded) })
	}); err != nil {
		return nil, err
	}
	select {
	case <-loaded:
		return conv, nil
	case <-ctx.Done():
		conv.Close()
		return nil, fmt.Errorf("failed to load conversation with %s: %w", peer.DisplayName(), ctx.Err())
	}
}
