// Package presence публикует онлайн-статус текущего пользователя и собирает
// общий список присутствующих. Переход в offline делает сам сервер по
// отложенной записи, взведенной при подключении.
package presence

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"lab_collab/internal/domain"
	"lab_collab/internal/realtime"
	"lab_collab/internal/store"
	"lab_collab/pkg/logger"
)

const writeTimeout = 10 * time.Second

type Tracker struct {
	rt   realtime.Store
	uid  string
	name string
	log  logger.Logger

	mu    sync.Mutex
	sub   store.Subscription
	ctx   context.Context
	armed int
}

func NewTracker(rt realtime.Store, uid, name string, log logger.Logger) *Tracker {
	if log == nil {
		log = logger.NewNop()
	}
	return &Tracker{rt: rt, uid: uid, name: name, log: log.With("user_id", uid)}
}

func (t *Tracker) path() string {
	return domain.StatusPath(t.uid)
}

// Start подписывается на .info/connected. На каждое true сначала взводится
// отложенная запись offline, затем пишется online. На false ничего не делается.
func (t *Tracker) Start(ctx context.Context) error {
	t.mu.Lock()
	if t.sub != nil {
		t.mu.Unlock()
		return nil
	}
	t.ctx = ctx
	t.mu.Unlock()

	sub, err := t.rt.Listen(realtime.ConnectedPath, func(v realtime.Value) {
		if !v.Bool() {
			t.log.Debug("Realtime connection lost")
			return
		}
		if err := t.goOnline(); err != nil {
			t.log.Error("Failed to publish presence", "error", err)
		}
	}, func(err error) {
		t.log.Error("Connection listener failed", "error", err)
	})
	if err != nil {
		return fmt.Errorf("failed to listen for connection state: %w", err)
	}

	t.mu.Lock()
	t.sub = sub
	t.mu.Unlock()
	return nil
}

func (t *Tracker) goOnline() error {
	t.mu.Lock()
	parent := t.ctx
	t.mu.Unlock()
	ctx, cancel := context.WithTimeout(parent, writeTimeout)
	defer cancel()

	offline := map[string]interface{}{
		"state":        domain.PresenceOffline,
		"last_changed": store.ServerTimestamp,
	}
	if err := t.rt.OnDisconnect(t.path()).Set(ctx, offline); err != nil {
		return fmt.Errorf("failed to arm offline write: %w", err)
	}

	online := map[string]interface{}{
		"state":        domain.PresenceOnline,
		"last_changed": store.ServerTimestamp,
		"name":         t.name,
	}
	if err := t.rt.Set(ctx, t.path(), online); err != nil {
		return fmt.Errorf("failed to write online status: %w", err)
	}

	t.mu.Lock()
	t.armed++
	t.mu.Unlock()
	t.log.Info("Presence published")
	return nil
}

// Armed - сколько раз статус online был опубликован
func (t *Tracker) Armed() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.armed
}

// Stop снимает подписку. Offline не пишется: это сделает сервер при закрытии соединения.
func (t *Tracker) Stop() {
	t.mu.Lock()
	sub := t.sub
	t.sub = nil
	t.mu.Unlock()
	if sub != nil {
		sub.Unsubscribe()
	}
}

type Member struct {
	UID         string
	Name        string
	LastChanged string
}

type Roster struct {
	Online []Member
}

func (r Roster) Count() int { return len(r.Online) }

func (r Roster) Names() []string {
	out := make([]string, 0, len(r.Online))
	for _, m := range r.Online {
		out = append(out, m.Name)
	}
	return out
}

// DecodeRoster оставляет только записи со state == online; битые записи пропускаются
func DecodeRoster(v realtime.Value) (Roster, []string) {
	var roster Roster
	if !v.Exists() {
		return roster, nil
	}
	var records map[string]json.RawMessage
	if err := json.Unmarshal(v.Data, &records); err != nil {
		return roster, []string{v.Path}
	}

	var skipped []string
	for uid, raw := range records {
		var rec domain.PresenceRecord
		if err := json.Unmarshal(raw, &rec); err != nil {
			skipped = append(skipped, uid)
			continue
		}
		if rec.State != domain.PresenceOnline {
			continue
		}
		name := rec.Name
		if name == "" {
			name = uid
		}
		roster.Online = append(roster.Online, Member{UID: uid, Name: name, LastChanged: rec.LastChanged})
	}
	sort.Slice(roster.Online, func(i, j int) bool {
		if roster.Online[i].Name != roster.Online[j].Name {
			return roster.Online[i].Name < roster.Online[j].Name
		}
		return roster.Online[i].UID < roster.Online[j].UID
	})
	sort.Strings(skipped)
	return roster, skipped
}

// WatchRoster - живой список онлайн-участников
func WatchRoster(rt realtime.Store, log logger.Logger, fn func(Roster)) (store.Subscription, error) {
	if log == nil {
		log = logger.NewNop()
	}
	return rt.Listen(domain.StatusRoot, func(v realtime.Value) {
		roster, skipped := DecodeRoster(v)
		for _, uid := range skipped {
			log.Warn("Skipping malformed presence record", "user_id", uid)
		}
		fn(roster)
	}, func(err error) {
		log.Error("Roster listener failed", "error", err)
	})
}
