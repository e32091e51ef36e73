package gateway

import (
	"context"
	"sync"
	"time"

	"github.com/xela07ax/healthsync/internal/domain"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// subscription - мост "колбэк платформы -> поток".
// Колбэк только кладет уведомление в почтовый ящик (счетчик pending),
// единственный воркер по очереди перезапрашивает агрегат и публикует итог.
// Так итоги не обгоняют друг друга и колбэк никогда не блокируется.
type subscription struct {
	gw      *Gateway
	key     subKey
	gen     uint64
	metric  domain.Metric
	since   time.Time
	ctx     context.Context
	cancel  context.CancelFunc
	limiter *rate.Limiter
	obs     Observation

	out  chan float64
	wake chan struct{}
	done chan struct{} // воркер вышел, out закрыт

	mu      sync.Mutex
	pending int
	closed  bool

	once sync.Once
}

// notify вызывается платформой. После сноса подписки - no-op.
func (s *subscription) notify(err error) {
	if err != nil {
		// Ошибка наблюдателя не фатальна: логируем и ждем следующего уведомления
		s.gw.logger.Warn("observer error",
			zap.String("metric", string(s.metric)),
			zap.Uint64("gen", s.gen),
			zap.Error(err))
		s.gw.metrics.RequeryTotal.WithLabelValues(string(s.metric), "observer_error").Inc()
		return
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.pending++
	s.mu.Unlock()

	select {
	case s.wake <- struct{}{}:
	default:
		// Воркер уже разбужен и заберет pending
	}
}

// next забирает одно уведомление из ящика.
func (s *subscription) next() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || s.pending == 0 {
		return false
	}
	s.pending--
	return true
}

func (s *subscription) run() {
	defer close(s.done)
	defer close(s.out)

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-s.wake:
		}

		for s.next() {
			total, err := s.requery()
			if err != nil {
				if s.ctx.Err() != nil {
					return
				}
				// Ошибка перезапроса только логируется - поток не прерываем
				s.gw.logger.Warn("re-query failed",
					zap.String("metric", string(s.metric)),
					zap.Uint64("gen", s.gen),
					zap.Error(err))
				continue
			}

			select {
			case s.out <- total:
			case <-s.ctx.Done():
				return
			}
		}
	}
}

func (s *subscription) requery() (float64, error) {
	if err := s.limiter.Wait(s.ctx); err != nil {
		return 0, err
	}

	qctx, cancel := s.gw.queryContext(s.ctx)
	defer cancel()

	start := time.Now()
	total, err := s.gw.store.Sum(qctx, s.metric, s.since, s.gw.now())
	s.gw.metrics.RequeryDuration.WithLabelValues(string(s.metric)).Observe(time.Since(start).Seconds())

	status := "ok"
	if err != nil {
		status = "error"
	}
	s.gw.metrics.RequeryTotal.WithLabelValues(string(s.metric), status).Inc()
	return total, err
}

// teardown - единая точка сноса для Stop, замены и отмены потребителем.
// Возвращается только после выхода воркера: дальше в поток ничего не попадет.
func (s *subscription) teardown() {
	s.once.Do(func() {
		s.mu.Lock()
		s.closed = true
		s.mu.Unlock()

		s.cancel()
		if s.obs != nil {
			s.obs.Stop()
		}
		s.gw.release(s)

		s.gw.logger.Debug("subscription torn down",
			zap.String("metric", string(s.metric)),
			zap.Uint64("gen", s.gen))
	})
	<-s.done
}
