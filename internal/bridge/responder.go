package bridge

import (
	"context"
	"sync"
	"time"

	"github.com/xela07ax/healthsync/internal/domain"
	"github.com/xela07ax/healthsync/internal/infra"
	"github.com/xela07ax/healthsync/internal/wire"
	"go.uber.org/zap"
)

// StepsSource - откуда берется итог для ответа на RequestSteps
type StepsSource interface {
	GetAggregate(ctx context.Context, start, end time.Time) (domain.Sample, error)
}

// Messenger - то, что Responder использует от моста
type Messenger interface {
	Send(ctx context.Context, msg wire.Message) (string, error)
	Messages() <-chan wire.Envelope
}

// Responder обслуживает входящие: отвечает снимком на запрос шагов,
// запоминает последний снимок пира и время последнего сигнала жизни.
type Responder struct {
	bridge    Messenger
	steps     StepsSource
	logger    *zap.Logger
	now       func() time.Time
	loc       *time.Location
	heartbeat time.Duration

	mu           sync.RWMutex
	lastSeen     time.Time
	lastSnapshot *wire.StepsSnapshot
}

type ResponderOption func(*Responder)

func WithResponderLogger(l *zap.Logger) ResponderOption {
	return func(r *Responder) { r.logger = l }
}

func WithResponderClock(now func() time.Time) ResponderOption {
	return func(r *Responder) { r.now = now }
}

func WithResponderLocation(loc *time.Location) ResponderOption {
	return func(r *Responder) { r.loc = loc }
}

// WithHeartbeat - период собственных Heartbeat. 0 - не слать.
func WithHeartbeat(interval time.Duration) ResponderOption {
	return func(r *Responder) { r.heartbeat = interval }
}

func NewResponder(bridge Messenger, steps StepsSource, opts ...ResponderOption) *Responder {
	r := &Responder{
		bridge: bridge,
		steps:  steps,
		now:    time.Now,
		loc:    time.Local,
	}
	for _, opt := range opts {
		opt(r)
	}
	r.logger = infra.OrNop(r.logger).Named("responder")
	return r
}

// Run обслуживает почтовый ящик до отмены ctx или закрытия моста.
func (r *Responder) Run(ctx context.Context) error {
	var tick <-chan time.Time
	if r.heartbeat > 0 {
		t := time.NewTicker(r.heartbeat)
		defer t.Stop()
		tick = t.C
	}

	inbox := r.bridge.Messages()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-tick:
			if _, err := r.bridge.Send(ctx, wire.Heartbeat{}); err != nil {
				r.logger.Warn("heartbeat not sent", zap.Error(err))
			}
		case env, ok := <-inbox:
			if !ok {
				r.logger.Info("inbox closed, responder stopped")
				return nil
			}
			r.handle(ctx, env)
		}
	}
}

func (r *Responder) handle(ctx context.Context, env wire.Envelope) {
	r.mu.Lock()
	r.lastSeen = r.now()
	r.mu.Unlock()

	log := r.logger.With(zap.String("id", env.ID))

	switch m := env.Message.(type) {
	case wire.RequestSteps:
		end := r.now()
		start := startOfDay(end.In(r.loc))
		if m.Since != nil {
			start = *m.Since
		}

		sample, err := r.steps.GetAggregate(ctx, start, end)
		if err != nil {
			log.Warn("steps request failed", zap.Error(err))
			return
		}
		if _, err := r.bridge.Send(ctx, wire.StepsSnapshot{Steps: sample.Value, Date: sample.Timestamp}); err != nil {
			log.Error("snapshot reply failed", zap.Error(err))
		}

	case wire.StepsSnapshot:
		r.mu.Lock()
		r.lastSnapshot = &m
		r.mu.Unlock()
		log.Info("steps snapshot received", zap.Float64("steps", m.Steps), zap.Time("date", m.Date))

	case wire.Heartbeat:
		log.Debug("heartbeat received")
	}
}

// LastSeen - когда пир последний раз что-то прислал
func (r *Responder) LastSeen() time.Time {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.lastSeen
}

// LastSnapshot - последний полученный снимок пира
func (r *Responder) LastSnapshot() (wire.StepsSnapshot, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.lastSnapshot == nil {
		return wire.StepsSnapshot{}, false
	}
	return *r.lastSnapshot, true
}

func startOfDay(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, t.Location())
}
