// Package realtime - клиентский контракт хранилища присутствия:
// значения по путям, живые подписки и отложенные записи on-disconnect,
// которые сервер применяет сам при обрыве соединения.
package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"lab_collab/internal/store"
)

// ConnectedPath отвечает сам клиент: true пока соединение с сервером живо
const ConnectedPath = ".info/connected"

// Value - снимок значения по пути. Data == null, если значения нет.
type Value struct {
	Path string          `json:"path"`
	Data json.RawMessage `json:"data"`
}

func (v Value) Exists() bool {
	return len(v.Data) > 0 && string(v.Data) != "null"
}

func (v Value) Decode(out interface{}) error {
	if !v.Exists() {
		return fmt.Errorf("no value at %s", v.Path)
	}
	if err := json.Unmarshal(v.Data, out); err != nil {
		return fmt.Errorf("failed to decode value at %s: %w", v.Path, err)
	}
	return nil
}

// Bool - для .info/connected; все кроме true считается false
func (v Value) Bool() bool {
	var b bool
	if err := json.Unmarshal(v.Data, &b); err != nil {
		return false
	}
	return b
}

// OnDisconnect - отложенная запись, взведенная сейчас и применяемая сервером при обрыве
type OnDisconnect interface {
	Set(ctx context.Context, value interface{}) error
	Cancel(ctx context.Context) error
}

type Store interface {
	Set(ctx context.Context, path string, value interface{}) error
	OnDisconnect(path string) OnDisconnect
	// Listen доставляет текущее значение сразу, затем каждое изменение.
	// Подписку нужно явно освободить.
	Listen(path string, onValue func(Value), onError func(error)) (store.Subscription, error)
}

// Encode приводит значение к JSON, разрешая store.ServerTimestamp временем now
func Encode(value interface{}, now time.Time) (json.RawMessage, error) {
	if raw, ok := value.(json.RawMessage); ok {
		var decoded interface{}
		if err := json.Unmarshal(raw, &decoded); err != nil {
			return nil, fmt.Errorf("invalid JSON value: %w", err)
		}
		value = decoded
	}
	resolved := store.ResolveValue(value, &now)
	data, err := json.Marshal(resolved)
	if err != nil {
		return nil, fmt.Errorf("value is not JSON encodable: %w", err)
	}
	return data, nil
}
