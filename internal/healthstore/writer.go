package healthstore

/*
Writer - асинхронный прием сэмплов в эталонное хранилище.

- Non-blocking: Record кладет точку в буферизированный канал и сразу возвращается,
  при переполнении точка сбрасывается (Load Shedding) с ошибкой вызывающему.
- Batching: пакетная запись в PostgreSQL по таймеру или при достижении лимита.
- Notify: после успешного сброса в канал метрики уходит одно уведомление,
  наблюдатели перезапрашивают агрегат сами.
- Drain: Stop закрывает вход, воркер вычитывает остатки и делает финальный flush.
*/

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/xela07ax/healthsync/internal/domain"
	"github.com/xela07ax/healthsync/internal/infra"
	"go.uber.org/zap"
)

var (
	ErrWriterClosed = errors.New("ingest writer is stopped")
	ErrBufferFull   = errors.New("ingest buffer is full")
)

// BatchStorage - куда физически пишутся точки
type BatchStorage interface {
	WriteBatch(ctx context.Context, batch []domain.Measurement) error
}

type Writer struct {
	ch      chan domain.Measurement
	repo    BatchStorage
	rdb     *redis.Client
	logger  *zap.Logger
	metrics *infra.Metrics

	batchSize     int
	flushInterval time.Duration

	// Защита от отправки в закрытый канал
	mu     sync.RWMutex
	closed bool
	wg     sync.WaitGroup
}

func NewWriter(repo BatchStorage, rdb *redis.Client, cfg infra.IngestConfig, logger *zap.Logger, metrics *infra.Metrics) *Writer {
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = 10000
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = 500 * time.Millisecond
	}
	if metrics == nil {
		metrics = infra.NewMetrics(nil)
	}
	return &Writer{
		ch:            make(chan domain.Measurement, cfg.BufferSize),
		repo:          repo,
		rdb:           rdb,
		logger:        infra.OrNop(logger).Named("ingest"),
		metrics:       metrics,
		batchSize:     cfg.BatchSize,
		flushInterval: cfg.FlushInterval,
	}
}

func (w *Writer) Start() {
	w.wg.Add(1)
	go w.worker()
}

// Stop запирает вход и ждет, пока воркер всё допишет. Повторный вызов - no-op.
func (w *Writer) Stop() {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return
	}
	w.closed = true
	close(w.ch)
	w.mu.Unlock()

	w.logger.Info("stopping writer: flushing buffer...")
	w.wg.Wait()
	w.logger.Info("writer stopped gracefully")
}

// Record ставит точку в очередь записи. ID и время проставляются, если пусты.
func (w *Writer) Record(ctx context.Context, m domain.Measurement) error {
	if m.ID == "" {
		m.ID = uuid.NewString()
	}
	if m.Timestamp.IsZero() {
		m.Timestamp = time.Now()
	}

	w.mu.RLock()
	defer w.mu.RUnlock()

	if w.closed {
		w.metrics.IngestDropped.Inc()
		w.logger.Warn("measurement dropped: writer is stopping", zap.String("id", m.ID))
		return ErrWriterClosed
	}

	select {
	case w.ch <- m:
		w.metrics.IngestBufferFill.Set(float64(len(w.ch)))
		return nil
	default:
		w.metrics.IngestDropped.Inc()
		w.logger.Error("ingest_buffer_overflow",
			zap.String("id", m.ID),
			zap.String("metric", string(m.Metric)),
		)
		return ErrBufferFull
	}
}

func (w *Writer) worker() {
	defer w.wg.Done()

	batch := make([]domain.Measurement, 0, w.batchSize)
	ticker := time.NewTicker(w.flushInterval)
	defer ticker.Stop()

	flush := func() {
		if len(batch) == 0 {
			return
		}
		// Background: контекст запроса к этому моменту уже может быть закрыт
		if err := w.repo.WriteBatch(context.Background(), batch); err != nil {
			w.logger.Error("ingest flush failed", zap.Int("size", len(batch)), zap.Error(err))
		} else {
			w.notify(batch)
		}
		batch = batch[:0]
		w.metrics.IngestBufferFill.Set(float64(len(w.ch)))
	}

	for {
		select {
		case m, ok := <-w.ch:
			if !ok {
				flush() // Финальный сброс
				w.logger.Info("ingest worker finished")
				return
			}
			batch = append(batch, m)
			if len(batch) >= w.batchSize {
				flush()
			}
		case <-ticker.C:
			flush()
		}
	}
}

// notify публикует по одному уведомлению на каждую метрику пачки
func (w *Writer) notify(batch []domain.Measurement) {
	if w.rdb == nil {
		return
	}
	counts := make(map[domain.Metric]int)
	for _, m := range batch {
		counts[m.Metric]++
	}
	for metric, n := range counts {
		err := w.rdb.Publish(context.Background(), infra.SamplesChannel(string(metric)), strconv.Itoa(n)).Err()
		if err != nil {
			w.logger.Error("change notification failed", zap.String("metric", string(metric)), zap.Error(err))
		}
	}
}
