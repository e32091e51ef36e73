// Package repository адаптирует сырые числа шлюза в доменные Sample,
// скрывая от потребителей типы платформы.
package repository

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/xela07ax/healthsync/internal/domain"
)

// Gateway - то, что репозиторий использует от шлюза данных здоровья.
type Gateway interface {
	RequestAuthorization(ctx context.Context, read, write []domain.Metric) (bool, error)
	FetchAggregate(ctx context.Context, metric domain.Metric, start, end time.Time) (float64, error)
	Subscribe(ctx context.Context, metric domain.Metric, since time.Time) (<-chan float64, error)
	Stop()
}

// StepRepository без собственного состояния: все, что живет дольше вызова, держит шлюз.
type StepRepository struct {
	gw     Gateway
	metric domain.Metric
	now    func() time.Time
}

type Option func(*StepRepository)

// WithClock подменяет часы, которыми штампуются сэмплы.
func WithClock(now func() time.Time) Option {
	return func(r *StepRepository) { r.now = now }
}

func NewStepRepository(gw Gateway, opts ...Option) *StepRepository {
	r := &StepRepository{
		gw:     gw,
		metric: domain.MetricStepCount,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Authorize запрашивает только чтение шагов.
func (r *StepRepository) Authorize(ctx context.Context) (bool, error) {
	return r.gw.RequestAuthorization(ctx, []domain.Metric{r.metric}, nil)
}

// GetAggregate - разовый итог по [start, end).
func (r *StepRepository) GetAggregate(ctx context.Context, start, end time.Time) (domain.Sample, error) {
	v, err := r.gw.FetchAggregate(ctx, r.metric, start, end)
	if err != nil {
		return domain.Sample{}, err
	}
	return r.sample(v), nil
}

// StreamAggregate отображает поток шлюза 1:1. Канал закрывается вместе с потоком шлюза.
func (r *StepRepository) StreamAggregate(ctx context.Context, since time.Time) (<-chan domain.Sample, error) {
	in, err := r.gw.Subscribe(ctx, r.metric, since)
	if err != nil {
		return nil, err
	}

	out := make(chan domain.Sample)
	go func() {
		defer close(out)
		for v := range in {
			select {
			case out <- r.sample(v):
			case <-ctx.Done():
				// Шлюз сам снимет наблюдателя по той же отмене
				return
			}
		}
	}()
	return out, nil
}

func (r *StepRepository) StopStreaming() {
	r.gw.Stop()
}

// Время сэмпла - момент адаптации: шлюз отдает агрегаты, а не события.
func (r *StepRepository) sample(v float64) domain.Sample {
	return domain.Sample{
		ID:        uuid.NewString(),
		Timestamp: r.now(),
		Value:     v,
		Unit:      r.metric.Unit(),
	}
}
