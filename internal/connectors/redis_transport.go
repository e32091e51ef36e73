package connectors

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/xela07ax/healthsync/internal/bridge"
	"github.com/xela07ax/healthsync/internal/infra"
	"go.uber.org/zap"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"
)

// RedisTransport связывает два устройства через Redis:
//   - прямой путь - PUBLISH в канал пира, доставка только если пир подписан;
//   - store-and-forward - RPUSH в очередь пира (структура в protojson), пир вычитывает BLPOP.
type RedisTransport struct {
	rdb         *redis.Client
	deviceID    string
	peerID      string
	pollTimeout time.Duration
	logger      *zap.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewRedisTransport(rdb *redis.Client, cfg infra.BridgeConfig, logger *zap.Logger) *RedisTransport {
	if cfg.PollTimeout < time.Second {
		cfg.PollTimeout = time.Second // минимальный таймаут BLPOP
	}
	return &RedisTransport{
		rdb:         rdb,
		deviceID:    cfg.DeviceID,
		peerID:      cfg.PeerID,
		pollTimeout: cfg.PollTimeout,
		logger:      infra.OrNop(logger).Named("redis_transport").With(zap.String("device", cfg.DeviceID)),
	}
}

// Activate подписывается на свой прямой канал и запускает поллер очереди.
// Переподписка после обрыва сообщается получателю как потеря сессии.
func (t *RedisTransport) Activate(ctx context.Context, r bridge.Receiver) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.cancel != nil {
		return nil
	}

	lctx, cancel := context.WithCancel(ctx)
	done, err := infra.ListenResilient(lctx, t.rdb, t.logger, infra.DirectChannel(t.deviceID),
		r.HandleSessionInvalidated,
		func(payload string) { r.HandleMessageData([]byte(payload)) },
	)
	if err != nil {
		cancel()
		return err
	}

	t.cancel = cancel
	t.wg.Add(2)
	go func() {
		defer t.wg.Done()
		<-done
	}()
	go func() {
		defer t.wg.Done()
		t.poll(lctx, r)
	}()

	t.logger.Info("transport activated")
	return nil
}

// Reachable - на прямом канале пира есть подписчик
func (t *RedisTransport) Reachable(ctx context.Context) bool {
	channel := infra.DirectChannel(t.peerID)
	counts, err := t.rdb.PubSubNumSub(ctx, channel).Result()
	if err != nil {
		t.logger.Warn("reachability check failed", zap.Error(err))
		return false
	}
	return counts[channel] > 0
}

func (t *RedisTransport) SendMessageData(ctx context.Context, data []byte) error {
	receivers, err := t.rdb.Publish(ctx, infra.DirectChannel(t.peerID), data).Result()
	if err != nil {
		return fmt.Errorf("publish: %w", err)
	}
	if receivers == 0 {
		return ErrPeerUnreachable
	}
	return nil
}

func (t *RedisTransport) TransferUserInfo(ctx context.Context, info map[string]any) error {
	st, err := structpb.NewStruct(info)
	if err != nil {
		return fmt.Errorf("failed to create proto struct: %w", err)
	}
	data, err := protojson.Marshal(st)
	if err != nil {
		return fmt.Errorf("failed to marshal proto struct: %w", err)
	}
	if err := t.rdb.RPush(ctx, infra.OutboxKey(t.peerID), data).Err(); err != nil {
		return fmt.Errorf("rpush: %w", err)
	}
	return nil
}

// Close останавливает подписку и поллер. Ждет не дольше одного цикла BLPOP.
func (t *RedisTransport) Close() error {
	t.mu.Lock()
	cancel := t.cancel
	t.cancel = nil
	t.mu.Unlock()

	if cancel == nil {
		return nil
	}
	cancel()
	t.wg.Wait()
	t.logger.Info("transport closed")
	return nil
}

// poll вычитывает свою очередь store-and-forward
func (t *RedisTransport) poll(ctx context.Context, r bridge.Receiver) {
	key := infra.OutboxKey(t.deviceID)
	for ctx.Err() == nil {
		res, err := t.rdb.BLPop(ctx, t.pollTimeout, key).Result()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			t.logger.Error("outbox poll failed", zap.Error(err))
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Second):
			}
			continue
		}

		// res = [key, value]
		var st structpb.Struct
		if err := protojson.Unmarshal([]byte(res[1]), &st); err != nil {
			t.logger.Warn("malformed outbox entry dropped", zap.Error(err))
			continue
		}
		r.HandleUserInfo(st.AsMap())
	}
}
