package service

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
	"lab_collab/pkg/logger"
)

// Supervise держит подписку на ленту живой: при ошибке подписки или
// закрытии канала переподписывается с экспоненциальной паузой, пока ctx жив.
func Supervise[T any](ctx context.Context, name string, subscribe func(context.Context) (<-chan T, error), run func(context.Context, <-chan T), log logger.Logger) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 200 * time.Millisecond
	b.MaxInterval = 30 * time.Second
	b.MaxElapsedTime = 0

	for ctx.Err() == nil {
		var ch <-chan T
		err := backoff.RetryNotify(func() error {
			var err error
			ch, err = subscribe(ctx)
			if ctx.Err() != nil {
				return backoff.Permanent(ctx.Err())
			}
			return err
		}, backoff.WithContext(b, ctx), func(err error, wait time.Duration) {
			log.Warn("Failed to subscribe", "feed", name, "error", err, "retry_in", wait)
		})
		if err != nil {
			return
		}

		log.Info("Subscribed", "feed", name)
		b.Reset()
		run(ctx, ch)
	}
}
