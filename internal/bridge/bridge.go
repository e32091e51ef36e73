// Package bridge - обмен сообщениями с парным устройством поверх Transport.
//
// Отправка: прямой путь через Circuit Breaker, при любой неудаче - ровно одна
// попытка через store-and-forward. Прием: оба пути сливаются в один почтовый ящик
// с дедупликацией по ID конверта и сбросом нагрузки при переполнении.
package bridge

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/sony/gobreaker"
	"github.com/xela07ax/healthsync/internal/infra"
	"github.com/xela07ax/healthsync/internal/wire"
	"go.uber.org/zap"
)

const (
	pathDirect   = "direct"
	pathFallback = "fallback"
)

var ErrClosed = errors.New("bridge is closed")

type Bridge struct {
	transport Transport
	cb        *gobreaker.CircuitBreaker
	logger    *zap.Logger
	metrics   *infra.Metrics

	actMu     sync.Mutex // сериализует Activate
	mu        sync.Mutex
	inbox     chan wire.Envelope
	closed    bool
	activated bool
	dedup     *window

	// ctx моста: живет до Close, на нем идет фоновая реактивация
	ctx    context.Context
	cancel context.CancelFunc
}

type Option func(*Bridge)

func WithLogger(l *zap.Logger) Option {
	return func(b *Bridge) { b.logger = l }
}

func WithMetrics(m *infra.Metrics) Option {
	return func(b *Bridge) { b.metrics = m }
}

func New(transport Transport, cfg infra.BridgeConfig, opts ...Option) *Bridge {
	if cfg.InboxSize <= 0 {
		cfg.InboxSize = 256
	}
	if cfg.DedupSize <= 0 {
		cfg.DedupSize = 128
	}

	b := &Bridge{
		transport: transport,
		inbox:     make(chan wire.Envelope, cfg.InboxSize),
		dedup:     newWindow(cfg.DedupSize),
	}
	b.ctx, b.cancel = context.WithCancel(context.Background())
	for _, opt := range opts {
		opt(b)
	}
	b.logger = infra.OrNop(b.logger).Named("bridge")
	if b.metrics == nil {
		b.metrics = infra.NewMetrics(nil)
	}

	// Предохранитель прямого канала: открытый CB - такая же неудача, как и ошибка отправки
	b.cb = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "bridge-direct",
		MaxRequests: cfg.CBMaxRequests,
		Interval:    cfg.CBInterval,
		Timeout:     cfg.CBTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures > cfg.CBMaxFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			b.logger.Warn("circuit breaker state changed",
				zap.String("name", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()),
			)
			b.metrics.CircuitBreakerState.Set(float64(to))
		},
	})
	return b
}

// Activate подключает мост к транспорту. Повторный вызов - no-op.
// Транспорт может доставлять входящие прямо во время Activate, поэтому mu на вызов не держим.
func (b *Bridge) Activate(ctx context.Context) error {
	b.actMu.Lock()
	defer b.actMu.Unlock()

	b.mu.Lock()
	closed, activated := b.closed, b.activated
	b.mu.Unlock()

	if closed {
		return ErrClosed
	}
	if activated {
		return nil
	}
	if err := b.transport.Activate(ctx, receiver{b}); err != nil {
		return fmt.Errorf("activate transport: %w", err)
	}

	b.mu.Lock()
	b.activated = true
	b.mu.Unlock()

	b.logger.Info("session activated")
	return nil
}

// Send отправляет сообщение пиру и возвращает ID конверта.
// Ошибка возвращается, только если не сработал и запасной путь.
func (b *Bridge) Send(ctx context.Context, msg wire.Message) (string, error) {
	if msg == nil {
		return "", fmt.Errorf("%w: nil message", wire.ErrInvalidMessage)
	}
	env := wire.Envelope{ID: uuid.NewString(), Message: msg}
	log := b.logger.With(zap.String("id", env.ID), zap.String("type", string(msg.Kind())))

	// 1. Прямой путь. Не повторяется: вместо ретрая - запасной путь.
	if b.transport.Reachable(ctx) {
		if err := b.sendDirect(ctx, env); err != nil {
			log.Warn("direct send failed, falling back", zap.Error(err))
		} else {
			log.Debug("sent directly")
			return env.ID, nil
		}
	} else {
		b.metrics.BridgeSent.WithLabelValues(pathDirect, "unreachable").Inc()
		log.Debug("peer unreachable, using store-and-forward")
	}

	// 2. Store-and-forward, ровно одна попытка
	if err := b.sendFallback(ctx, env); err != nil {
		log.Error("fallback transfer failed", zap.Error(err))
		return env.ID, err
	}
	return env.ID, nil
}

func (b *Bridge) sendDirect(ctx context.Context, env wire.Envelope) error {
	data, err := wire.Encode(env)
	if err != nil {
		b.metrics.BridgeSent.WithLabelValues(pathDirect, "encode_error").Inc()
		return err
	}

	_, err = b.cb.Execute(func() (interface{}, error) {
		return nil, b.transport.SendMessageData(ctx, data)
	})
	switch {
	case err == nil:
		b.metrics.BridgeSent.WithLabelValues(pathDirect, "ok").Inc()
	case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
		b.metrics.BridgeSent.WithLabelValues(pathDirect, "circuit_open").Inc()
	default:
		b.metrics.BridgeSent.WithLabelValues(pathDirect, "error").Inc()
	}
	return err
}

func (b *Bridge) sendFallback(ctx context.Context, env wire.Envelope) error {
	info, err := wire.EncodeFallback(env)
	if err != nil {
		b.metrics.BridgeSent.WithLabelValues(pathFallback, "encode_error").Inc()
		return fmt.Errorf("encode fallback: %w", err)
	}
	if err := b.transport.TransferUserInfo(ctx, info); err != nil {
		b.metrics.BridgeSent.WithLabelValues(pathFallback, "error").Inc()
		return fmt.Errorf("transfer user info: %w", err)
	}
	b.metrics.BridgeSent.WithLabelValues(pathFallback, "ok").Inc()
	return nil
}

// Messages - единственный почтовый ящик входящих. Закрывается в Close и не переоткрывается.
func (b *Bridge) Messages() <-chan wire.Envelope {
	return b.inbox
}

// Close идемпотентен
func (b *Bridge) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	b.closed = true
	b.cancel()
	close(b.inbox)
	b.logger.Info("bridge closed")
}

func (b *Bridge) deliver(env wire.Envelope, path string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	log := b.logger.With(zap.String("id", env.ID), zap.String("path", path))

	if b.closed {
		b.metrics.BridgeDropped.WithLabelValues("closed").Inc()
		log.Debug("message dropped: bridge is closed")
		return
	}
	if env.ID != "" && !b.dedup.add(env.ID) {
		b.metrics.BridgeDropped.WithLabelValues("duplicate").Inc()
		log.Debug("duplicate message dropped")
		return
	}

	// Load Shedding: медленный потребитель не должен блокировать транспорт
	select {
	case b.inbox <- env:
		b.metrics.BridgeReceived.WithLabelValues(path).Inc()
	default:
		b.metrics.BridgeDropped.WithLabelValues("overflow").Inc()
		log.Error("bridge_inbox_overflow", zap.String("type", string(env.Message.Kind())))
	}
}

func (b *Bridge) malformed(path string, err error) {
	b.metrics.BridgeDropped.WithLabelValues("malformed").Inc()
	b.logger.Warn("malformed message dropped", zap.String("path", path), zap.Error(err))
}

// invalidated - сессия потеряна, переподключаемся в фоне
func (b *Bridge) invalidated() {
	b.mu.Lock()
	if b.closed || !b.activated {
		b.mu.Unlock()
		return
	}
	b.activated = false
	b.mu.Unlock()

	// ctx исходного Activate мог быть уже отменен вызывающим - берем собственный
	b.logger.Warn("session invalidated, reactivating")
	go func() {
		if err := b.Activate(b.ctx); err != nil {
			b.logger.Error("reactivation failed", zap.Error(err))
		}
	}()
}

// receiver - реализация Receiver, чтобы не выставлять колбэки транспорта в API моста
type receiver struct {
	b *Bridge
}

func (r receiver) HandleMessageData(data []byte) {
	env, err := wire.Decode(data)
	if err != nil {
		r.b.malformed(pathDirect, err)
		return
	}
	r.b.deliver(env, pathDirect)
}

func (r receiver) HandleUserInfo(info map[string]any) {
	env, err := wire.DecodeFallback(info)
	if err != nil {
		r.b.malformed(pathFallback, err)
		return
	}
	r.b.deliver(env, pathFallback)
}

func (r receiver) HandleSessionInvalidated() {
	r.b.invalidated()
}
