package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
	"lab_collab/internal/realtime"
	"lab_collab/pkg/logger"
)

const realtimeWriteRetries = 5

// RealtimeRepository - дерево значений присутствия в Redis hash (путь листа -> JSON)
// и канал с путями изменений
type RealtimeRepository interface {
	Write(ctx context.Context, path string, data json.RawMessage) error
	Read(ctx context.Context, path string) (json.RawMessage, error)
	Subscribe(ctx context.Context) (<-chan string, error)
}

type realtimeRepository struct {
	rdb     *redis.Client
	key     string
	channel string
	log     logger.Logger
}

func NewRealtimeRepository(rdb *redis.Client, prefix string, log logger.Logger) RealtimeRepository {
	return &realtimeRepository{
		rdb:     rdb,
		key:     prefix + ":realtime:tree",
		channel: prefix + ":realtime:changes",
		log:     log,
	}
}

func (r *realtimeRepository) Write(ctx context.Context, path string, data json.RawMessage) error {
	write := func(tx *redis.Tx) error {
		keys, err := tx.HKeys(ctx, r.key).Result()
		if err != nil && err != redis.Nil {
			return err
		}
		patch, err := realtime.Plan(keys, path, data)
		if err != nil {
			return err
		}
		if patch.Empty() {
			return nil
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			if len(patch.Delete) > 0 {
				pipe.HDel(ctx, r.key, patch.Delete...)
			}
			if len(patch.Set) > 0 {
				values := make(map[string]interface{}, len(patch.Set))
				for k, v := range patch.Set {
					values[k] = string(v)
				}
				pipe.HSet(ctx, r.key, values)
			}
			pipe.Publish(ctx, r.channel, path)
			return nil
		})
		return err
	}

	for i := 0; i < realtimeWriteRetries; i++ {
		err := r.rdb.Watch(ctx, write, r.key)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		if err != nil {
			r.log.Error("Failed to write realtime value", "error", err, "path", path)
			return err
		}
		return nil
	}
	r.log.Warn("Realtime write contention", "path", path)
	return fmt.Errorf("realtime write to %s: too much contention", path)
}

func (r *realtimeRepository) Read(ctx context.Context, path string) (json.RawMessage, error) {
	all, err := r.rdb.HGetAll(ctx, r.key).Result()
	if err != nil && err != redis.Nil {
		r.log.Error("Failed to read realtime tree", "error", err)
		return nil, err
	}
	entries := make(map[string]json.RawMessage, len(all))
	for k, v := range all {
		entries[k] = json.RawMessage(v)
	}
	return realtime.Assemble(path, entries), nil
}

func (r *realtimeRepository) Subscribe(ctx context.Context) (<-chan string, error) {
	sub := r.rdb.Subscribe(ctx, r.channel)
	if _, err := sub.Receive(ctx); err != nil {
		sub.Close()
		r.log.Error("Failed to subscribe to realtime changes", "error", err)
		return nil, fmt.Errorf("failed to subscribe: %w", err)
	}

	out := make(chan string, 256)
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
				select {
				case out <- msg.Payload:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}
