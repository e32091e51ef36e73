// Package dashboard держит наблюдаемое состояние экрана шагов и оркестрирует
// разовую загрузку и непрерывную подписку. Контроллер - единственная граница,
// на которой ошибки превращаются в текст; наружу он не падает никогда.
package dashboard

import (
	"context"
	"sync"
	"time"

	"github.com/xela07ax/healthsync/internal/domain"
	"github.com/xela07ax/healthsync/internal/infra"
	"go.uber.org/zap"
)

// Repository - то, что контроллеру нужно от репозитория шагов.
type Repository interface {
	Authorize(ctx context.Context) (bool, error)
	GetAggregate(ctx context.Context, start, end time.Time) (domain.Sample, error)
	StreamAggregate(ctx context.Context, since time.Time) (<-chan domain.Sample, error)
	StopStreaming()
}

// Тексты по умолчанию для ошибок вне таксономии
const (
	msgAuthFailed   = "Authentication failed"
	msgFetchFailed  = "Failed to fetch steps"
	msgStreamFailed = "Failed to start streaming"
)

type Controller struct {
	repo   Repository
	logger *zap.Logger
	now    func() time.Time
	loc    *time.Location

	baseCtx    context.Context
	baseCancel context.CancelFunc

	mu    sync.RWMutex
	state domain.DashboardState
	task  *streamTask
	gen   uint64
	// applied растет на каждом обновлении от потока: по нему LoadOnce узнает, что опоздал
	applied uint64

	// streamMu сериализует Start/Stop: снос старой задачи и запуск новой - одна операция
	streamMu sync.Mutex
}

// streamTask - отменяемая задача, вычитывающая поток репозитория.
type streamTask struct {
	gen    uint64
	cancel context.CancelFunc
	done   chan struct{}
}

type Option func(*Controller)

func WithLogger(l *zap.Logger) Option {
	return func(c *Controller) { c.logger = infra.OrNop(l) }
}

func WithClock(now func() time.Time) Option {
	return func(c *Controller) { c.now = now }
}

// WithLocation задает часовой пояс, в котором считается начало дня.
func WithLocation(loc *time.Location) Option {
	return func(c *Controller) {
		if loc != nil {
			c.loc = loc
		}
	}
}

func NewController(repo Repository, opts ...Option) *Controller {
	ctx, cancel := context.WithCancel(context.Background())
	c := &Controller{
		repo:       repo,
		logger:     zap.NewNop(),
		now:        time.Now,
		loc:        time.Local,
		baseCtx:    ctx,
		baseCancel: cancel,
		state:      domain.DashboardState{Phase: domain.PhaseIdle},
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.Named("dashboard")
	return c
}

// State - снимок для слоя представления.
func (c *Controller) State() domain.DashboardState {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

// RequestAuthorization: Idle|Error -> Authorizing -> Idle|Error.
func (c *Controller) RequestAuthorization(ctx context.Context) {
	c.begin(domain.PhaseAuthorizing)
	// Флаг загрузки снимается на любом выходе, включая панику
	defer c.endLoading()

	ok, err := c.repo.Authorize(ctx)

	c.mu.Lock()
	defer c.mu.Unlock()
	if err != nil {
		c.state.Authorized = false
		c.fail("authorization", err, msgAuthFailed)
		return
	}
	c.state.Authorized = ok
	c.state.Phase = c.restingPhase()
	c.logger.Info("authorization completed", zap.Bool("authorized", ok))
}

// LoadOnce - итог с начала сегодняшнего дня по текущий момент.
// При ошибке прежнее значение сохраняется.
func (c *Controller) LoadOnce(ctx context.Context) {
	seq := c.begin(domain.PhaseLoading)
	defer c.endLoading()

	end := c.now()
	start := startOfDay(end, c.loc)
	sample, err := c.repo.GetAggregate(ctx, start, end)

	c.mu.Lock()
	defer c.mu.Unlock()
	if err != nil {
		c.fail("load", err, msgFetchFailed)
		return
	}
	if c.applied != seq {
		// Пока шел запрос, поток уже записал более свежий итог
		c.logger.Debug("stale load result dropped", zap.Float64("total", sample.Value))
		c.state.Phase = c.restingPhase()
		return
	}
	c.state.TotalToday = sample.Value
	c.state.Phase = c.restingPhase()
	c.logger.Debug("today total loaded", zap.Float64("total", sample.Value))
}

// StartStreaming отменяет текущую задачу (если есть) и запускает новую.
// Пока задача жива, она единственный писатель TotalToday.
func (c *Controller) StartStreaming() {
	c.streamMu.Lock()
	defer c.streamMu.Unlock()

	// 1. Снести предыдущую задачу и дождаться ее выхода
	c.cancelTask()

	c.mu.Lock()
	c.state.LastError = ""
	c.mu.Unlock()

	// 2. Задача живет в контексте контроллера, а не вызывающего запроса
	ctx, cancel := context.WithCancel(c.baseCtx)
	since := startOfDay(c.now(), c.loc)

	ch, err := c.repo.StreamAggregate(ctx, since)
	if err != nil {
		cancel()
		c.mu.Lock()
		c.fail("stream", err, msgStreamFailed)
		c.mu.Unlock()
		return
	}

	c.mu.Lock()
	c.gen++
	t := &streamTask{gen: c.gen, cancel: cancel, done: make(chan struct{})}
	c.task = t
	c.state.Streaming = true
	c.state.Phase = domain.PhaseStreaming
	c.mu.Unlock()

	go c.consume(t, ch)

	c.logger.Info("streaming started", zap.Time("since", since), zap.Uint64("gen", t.gen))
}

// StopStreaming безопасен, даже если подписки нет.
func (c *Controller) StopStreaming() {
	c.streamMu.Lock()
	defer c.streamMu.Unlock()

	stopped := c.cancelTask()
	c.repo.StopStreaming()

	c.mu.Lock()
	if c.state.Phase == domain.PhaseStreaming {
		c.state.Phase = domain.PhaseIdle
	}
	c.mu.Unlock()

	if stopped {
		c.logger.Info("streaming stopped")
	}
}

// Close освобождает все, что держит контроллер (время жизни экрана истекло).
func (c *Controller) Close() {
	c.StopStreaming()
	c.baseCancel()
}

func (c *Controller) consume(t *streamTask, ch <-chan domain.Sample) {
	defer close(t.done)

	// FIFO: значения применяются в порядке поступления
	for s := range ch {
		c.apply(t.gen, s)
	}

	// Поток закрылся сам (Stop шлюза или замена) - снимаем задачу, если она все еще наша
	c.mu.Lock()
	if c.task != nil && c.task.gen == t.gen {
		c.task = nil
		c.state.Streaming = false
		if c.state.Phase == domain.PhaseStreaming {
			c.state.Phase = domain.PhaseIdle
		}
	}
	c.mu.Unlock()
}

// apply - обновление от задачи gen. Устаревшая задача - no-op.
func (c *Controller) apply(gen uint64, s domain.Sample) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.task == nil || c.task.gen != gen {
		return
	}
	c.state.TotalToday = s.Value
	c.applied++
}

// cancelTask отменяет активную задачу и ждет ее выхода. Вызывать под streamMu.
func (c *Controller) cancelTask() bool {
	c.mu.Lock()
	t := c.task
	c.task = nil
	c.state.Streaming = false
	c.mu.Unlock()

	if t == nil {
		return false
	}
	t.cancel()
	<-t.done
	return true
}

// begin возвращает номер последнего примененного обновления потока
func (c *Controller) begin(phase domain.Phase) uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.state.Loading = true
	c.state.LastError = ""
	c.state.Phase = phase
	return c.applied
}

func (c *Controller) endLoading() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.state.Loading = false
	if c.state.Phase == domain.PhaseAuthorizing || c.state.Phase == domain.PhaseLoading {
		// Выход по панике - фаза не успела смениться
		c.state.Phase = c.restingPhase()
	}
}

// fail фиксирует ошибку. Вызывать под mu.
func (c *Controller) fail(op string, err error, fallback string) {
	c.state.LastError = domain.Describe(err, fallback)
	c.state.Phase = domain.PhaseError
	c.logger.Warn("operation failed", zap.String("op", op), zap.Error(err))
}

// restingPhase - куда возвращаться после операции. Вызывать под mu.
func (c *Controller) restingPhase() domain.Phase {
	if c.task != nil {
		return domain.PhaseStreaming
	}
	return domain.PhaseIdle
}

func startOfDay(t time.Time, loc *time.Location) time.Time {
	t = t.In(loc)
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, loc)
}
