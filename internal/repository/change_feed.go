package repository

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"
	"lab_collab/internal/store"
	"lab_collab/pkg/logger"
)

// ChangeFeed - лента мутаций документов между экземплярами labd (Redis pub/sub)
type ChangeFeed interface {
	Publish(ctx context.Context, m store.Mutation) error
	// Subscribe возвращает канал мутаций; канал закрывается после отмены ctx
	Subscribe(ctx context.Context) (<-chan store.Mutation, error)
}

type changeFeed struct {
	rdb     *redis.Client
	channel string
	log     logger.Logger
}

func NewChangeFeed(rdb *redis.Client, prefix string, log logger.Logger) ChangeFeed {
	return &changeFeed{rdb: rdb, channel: prefix + ":documents", log: log}
}

func (f *changeFeed) Publish(ctx context.Context, m store.Mutation) error {
	payload, err := json.Marshal(m)
	if err != nil {
		f.log.Error("Failed to marshal mutation", "error", err)
		return fmt.Errorf("failed to marshal mutation: %w", err)
	}
	if err := f.rdb.Publish(ctx, f.channel, payload).Err(); err != nil {
		f.log.Error("Failed to publish mutation", "error", err, "collection", m.Doc.Collection, "id", m.Doc.ID)
		return fmt.Errorf("failed to publish mutation: %w", err)
	}
	return nil
}

func (f *changeFeed) Subscribe(ctx context.Context) (<-chan store.Mutation, error) {
	sub := f.rdb.Subscribe(ctx, f.channel)
	// Receive дожидается подтверждения подписки
	if _, err := sub.Receive(ctx); err != nil {
		sub.Close()
		f.log.Error("Failed to subscribe to change feed", "error", err)
		return nil, fmt.Errorf("failed to subscribe: %w", err)
	}

	out := make(chan store.Mutation, 256)
	go func() {
		defer close(out)
		defer sub.Close()
		msgs := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-msgs:
				if !ok {
					return
				}
				var m store.Mutation
				if err := json.Unmarshal([]byte(msg.Payload), &m); err != nil {
					f.log.Warn("Failed to unmarshal mutation", "error", err)
					continue
				}
				select {
				case out <- m:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}
