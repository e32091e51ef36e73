package infra

import (
	"context"
	"fmt"
	"time"

	"github.com/avast/retry-go/v5"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// ListenResilient держит "живучую" подписку на канал Redis до отмены ctx.
// Первая подписка синхронная: если Redis недоступен, ошибка уходит вызывающему.
// После обрыва go-redis сам переподписывается при следующем чтении, мы лишь ждем
// Redis с бэкоффом. Каждое повторное подтверждение подписки - это реконнект:
// вызывается onReconnect, чтобы подписчик пересинхронизировал состояние
// (сообщения за время обрыва потеряны).
// Возвращаемый канал закрывается, когда цикл полностью остановлен.
func ListenResilient(
	ctx context.Context,
	rdb *redis.Client,
	logger *zap.Logger,
	channel string,
	onReconnect func(),
	onMessage func(payload string),
) (<-chan struct{}, error) {
	pubsub := rdb.Subscribe(ctx, channel)
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		return nil, fmt.Errorf("subscribe %s: %w", channel, err)
	}

	// Receive не прерывается отменой ctx - будим его закрытием подписки
	go func() {
		<-ctx.Done()
		pubsub.Close()
	}()

	done := make(chan struct{})
	go func() {
		defer close(done)

		lost := false
		for {
			msg, err := pubsub.Receive(ctx)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				if !lost {
					logger.Warn("subscription dropped, reconnecting", zap.String("chan", channel), zap.Error(err))
				}
				lost = true
				waitRedis(ctx, pubsub, logger, channel)
				continue
			}

			switch m := msg.(type) {
			case *redis.Subscription:
				if m.Kind == "subscribe" && lost {
					lost = false
					logger.Info("subscription restored", zap.String("chan", channel))
					onReconnect()
				}
			case *redis.Message:
				onMessage(m.Payload)
			}
		}
	}()
	return done, nil
}

// waitRedis ждет, пока подписка снова сможет достучаться до Redis.
// Ping на PubSub переоткрывает соединение и заново отправляет SUBSCRIBE.
func waitRedis(ctx context.Context, pubsub *redis.PubSub, logger *zap.Logger, channel string) {
	r := retry.New(
		retry.Context(ctx),
		retry.Attempts(5),
		retry.DelayType(func(n uint, err error, config retry.DelayContext) time.Duration {
			return retry.BackOffDelay(n, err, config)
		}),
	)
	if err := r.Do(func() error { return pubsub.Ping(ctx) }); err != nil && ctx.Err() == nil {
		logger.Error("redis still unreachable", zap.String("chan", channel), zap.Error(err))
	}
}
