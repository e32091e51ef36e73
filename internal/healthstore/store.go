package healthstore

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/xela07ax/healthsync/internal/domain"
	"github.com/xela07ax/healthsync/internal/gateway"
	"github.com/xela07ax/healthsync/internal/infra"
	"go.uber.org/zap"
)

// SampleStorage - эталонное хранилище точек (repository/postgres.SampleRepo)
type SampleStorage interface {
	Sum(ctx context.Context, metric domain.Metric, start, end time.Time) (float64, error)
	Ping(ctx context.Context) error
}

// Recorder - прием новых точек (Writer)
type Recorder interface {
	Record(ctx context.Context, m domain.Measurement) error
}

// Store - хранилище поверх PostgreSQL (суммы) и Redis (уведомления, разрешения).
type Store struct {
	samples  SampleStorage
	recorder Recorder
	rdb      *redis.Client
	allowed  map[domain.Metric]bool
	logger   *zap.Logger
}

func NewStore(samples SampleStorage, recorder Recorder, rdb *redis.Client, allowed []string, logger *zap.Logger) *Store {
	set := make(map[domain.Metric]bool, len(allowed))
	for _, m := range allowed {
		set[domain.Metric(m)] = true
	}
	return &Store{
		samples:  samples,
		recorder: recorder,
		rdb:      rdb,
		allowed:  set,
		logger:   infra.OrNop(logger).Named("healthstore"),
	}
}

// Available - данные доступны, пока отвечает база
func (s *Store) Available(ctx context.Context) bool {
	if err := s.samples.Ping(ctx); err != nil {
		s.logger.Warn("sample storage unavailable", zap.Error(err))
		return false
	}
	return true
}

// RequestAuthorization выдает доступ только к разрешенным метрикам и запоминает выдачу в Redis.
func (s *Store) RequestAuthorization(ctx context.Context, read, write []domain.Metric) (bool, error) {
	requested := make([]interface{}, 0, len(read)+len(write))
	for _, m := range append(append([]domain.Metric{}, read...), write...) {
		if !s.allowed[m] {
			s.logger.Warn("authorization denied", zap.String("metric", string(m)))
			return false, domain.ErrPermissionDenied
		}
		requested = append(requested, string(m))
	}
	if len(requested) == 0 {
		return true, nil
	}
	if err := s.rdb.SAdd(ctx, infra.RedisKeyGrants, requested...).Err(); err != nil {
		return false, fmt.Errorf("persist grants: %w", err)
	}
	return true, nil
}

// Granted - выдан ли доступ к метрике
func (s *Store) Granted(ctx context.Context, metric domain.Metric) (bool, error) {
	return s.rdb.SIsMember(ctx, infra.RedisKeyGrants, string(metric)).Result()
}

func (s *Store) Sum(ctx context.Context, metric domain.Metric, start, end time.Time) (float64, error) {
	return s.samples.Sum(ctx, metric, start, end)
}

// Observe подписывается на канал уведомлений метрики.
// После переподключения наблюдатель получает внеочередное уведомление: за время обрыва могли быть записи.
func (s *Store) Observe(metric domain.Metric, onChange func(err error)) (gateway.Observation, error) {
	ctx, cancel := context.WithCancel(context.Background())
	channel := infra.SamplesChannel(string(metric))

	done, err := infra.ListenResilient(ctx, s.rdb, s.logger, channel,
		func() { onChange(nil) },
		func(string) { onChange(nil) },
	)
	if err != nil {
		cancel()
		return nil, err
	}
	return &redisObservation{cancel: cancel, done: done}, nil
}

func (s *Store) EnableBackgroundDelivery(ctx context.Context, metric domain.Metric) error {
	return s.rdb.SAdd(ctx, infra.RedisKeyBackgroundDelivery, string(metric)).Err()
}

// Record передает точку в Writer
func (s *Store) Record(ctx context.Context, m domain.Measurement) error {
	if s.recorder == nil {
		return errors.New("recording is not configured")
	}
	return s.recorder.Record(ctx, m)
}

type redisObservation struct {
	once   sync.Once
	cancel context.CancelFunc
	done   <-chan struct{}
}

// Stop снимает подписку и дожидается выхода цикла: после возврата onChange не вызывается
func (o *redisObservation) Stop() {
	o.once.Do(func() {
		o.cancel()
		<-o.done
	})
}
