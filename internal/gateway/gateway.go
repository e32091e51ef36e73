package gateway

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/xela07ax/healthsync/internal/domain"
	"github.com/xela07ax/healthsync/internal/infra"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// Gateway оборачивает внешнее хранилище: авторизация, разовый агрегат
// и непрерывная подписка (наблюдатель + перезапрос агрегата).
type Gateway struct {
	store        Store
	logger       *zap.Logger
	metrics      *infra.Metrics
	limit        rate.Limit
	burst        int
	queryTimeout time.Duration
	now          func() time.Time

	// subscribeMu сериализует Subscribe целиком: проверка дубля, снос старой
	// регистрации и установка новой должны идти одной операцией.
	subscribeMu sync.Mutex

	mu   sync.Mutex
	subs map[subKey]*subscription
	gen  uint64
}

type subKey struct {
	metric domain.Metric
	since  int64 // UnixNano, чтобы зона и монотонные часы не влияли на ключ
}

type Option func(*Gateway)

func WithLogger(l *zap.Logger) Option {
	return func(g *Gateway) { g.logger = infra.OrNop(l) }
}

func WithMetrics(m *infra.Metrics) Option {
	return func(g *Gateway) { g.metrics = m }
}

// WithRequeryLimit ограничивает частоту перезапросов на одну подписку.
// Уведомления не склеиваются - лишние просто ждут своей очереди.
func WithRequeryLimit(limit rate.Limit, burst int) Option {
	return func(g *Gateway) {
		g.limit = limit
		if burst > 0 {
			g.burst = burst
		}
	}
}

// WithQueryTimeout задает таймаут на каждый запрос к платформе. 0 - без таймаута.
func WithQueryTimeout(d time.Duration) Option {
	return func(g *Gateway) { g.queryTimeout = d }
}

func WithClock(now func() time.Time) Option {
	return func(g *Gateway) { g.now = now }
}

func New(store Store, opts ...Option) *Gateway {
	g := &Gateway{
		store:  store,
		logger: zap.NewNop(),
		limit:  rate.Inf,
		burst:  1,
		now:    time.Now,
		subs:   make(map[subKey]*subscription),
	}
	for _, opt := range opts {
		opt(g)
	}
	if g.metrics == nil {
		g.metrics = infra.NewMetrics(nil)
	}
	g.logger = g.logger.Named("gateway")
	return g
}

// RequestAuthorization запрашивает доступ к метрикам на чтение/запись.
func (g *Gateway) RequestAuthorization(ctx context.Context, read, write []domain.Metric) (bool, error) {
	if !g.store.Available(ctx) {
		return false, domain.ErrUnavailable
	}

	ok, err := g.store.RequestAuthorization(ctx, read, write)
	if err != nil {
		g.logger.Warn("authorization failed", zap.Error(err))
		return false, domain.AsPlatform(err)
	}
	if !ok {
		// Отказ без ошибки от платформы - все равно отказ
		g.logger.Warn("authorization declined")
		return false, domain.ErrPermissionDenied
	}
	return true, nil
}

// FetchAggregate - разовый кумулятивный запрос по [start, end).
func (g *Gateway) FetchAggregate(ctx context.Context, metric domain.Metric, start, end time.Time) (float64, error) {
	// Пустой полуинтервал - гарантированно ноль, без похода в платформу
	if !end.After(start) {
		return 0, nil
	}

	qctx, cancel := g.queryContext(ctx)
	defer cancel()

	total, err := g.store.Sum(qctx, metric, start, end)
	if err != nil {
		return 0, domain.AsPlatform(err)
	}
	return total, nil
}

// Subscribe регистрирует наблюдателя и возвращает бесконечный поток итогов
// по [since, now). Значение появляется только после уведомления платформы.
//
// Повторная подписка на ту же пару (metric, since) сносит предыдущую: ее канал
// закрывается, наблюдатель снимается. Поток завершается отменой ctx или Stop.
func (g *Gateway) Subscribe(ctx context.Context, metric domain.Metric, since time.Time) (<-chan float64, error) {
	g.subscribeMu.Lock()
	defer g.subscribeMu.Unlock()

	key := subKey{metric: metric, since: since.UnixNano()}

	// 1. Политика дубля: снести и заменить
	g.mu.Lock()
	old := g.subs[key]
	g.mu.Unlock()
	if old != nil {
		g.logger.Info("replacing active subscription",
			zap.String("metric", string(metric)),
			zap.Time("since", since),
			zap.Uint64("old_gen", old.gen))
		old.teardown()
	}

	// 2. Новая подписка со своим контекстом (наследует отмену от потребителя)
	g.mu.Lock()
	g.gen++
	gen := g.gen
	g.mu.Unlock()

	sctx, cancel := context.WithCancel(ctx)
	s := &subscription{
		gw:      g,
		key:     key,
		gen:     gen,
		metric:  metric,
		since:   since,
		ctx:     sctx,
		cancel:  cancel,
		limiter: rate.NewLimiter(g.limit, g.burst),
		out:     make(chan float64),
		wake:    make(chan struct{}, 1),
		done:    make(chan struct{}),
	}

	// 3. Регистрация наблюдателя на стороне платформы
	obs, err := g.store.Observe(metric, s.notify)
	if err != nil {
		cancel()
		return nil, domain.AsPlatform(fmt.Errorf("observe %s: %w", metric, err))
	}
	s.obs = obs

	// 4. Фоновая доставка - best-effort, деградируем до foreground
	if err := g.store.EnableBackgroundDelivery(ctx, metric); err != nil {
		g.logger.Warn("background delivery unavailable, continuing in foreground-only mode",
			zap.String("metric", string(metric)), zap.Error(err))
	}

	g.mu.Lock()
	g.subs[key] = s
	g.metrics.ActiveSubscriptions.Set(float64(len(g.subs)))
	g.mu.Unlock()

	go s.run()

	// Отмена потребителем -> та же идемпотентная процедура сноса
	go func() {
		<-s.ctx.Done()
		s.teardown()
	}()

	g.logger.Debug("subscription started",
		zap.String("metric", string(metric)),
		zap.Time("since", since),
		zap.Uint64("gen", s.gen))

	return s.out, nil
}

// Stop снимает все активные подписки. Идемпотентен.
func (g *Gateway) Stop() {
	g.mu.Lock()
	subs := make([]*subscription, 0, len(g.subs))
	for _, s := range g.subs {
		subs = append(subs, s)
	}
	g.mu.Unlock()

	for _, s := range subs {
		s.teardown()
	}
	if len(subs) > 0 {
		g.logger.Info("observers stopped", zap.Int("count", len(subs)))
	}
}

// ActiveSubscriptions - сколько регистраций сейчас держит шлюз.
func (g *Gateway) ActiveSubscriptions() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.subs)
}

// release убирает подписку из реестра, если там все еще именно она.
func (g *Gateway) release(s *subscription) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if cur, ok := g.subs[s.key]; ok && cur.gen == s.gen {
		delete(g.subs, s.key)
	}
	g.metrics.ActiveSubscriptions.Set(float64(len(g.subs)))
}

func (g *Gateway) queryContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if g.queryTimeout > 0 {
		return context.WithTimeout(ctx, g.queryTimeout)
	}
	return context.WithCancel(ctx)
}
