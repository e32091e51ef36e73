package healthstore

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xela07ax/healthsync/internal/domain"
	"github.com/xela07ax/healthsync/internal/gateway"
	"github.com/xela07ax/healthsync/internal/infra"
	"go.uber.org/zap"
)

type fakeSamples struct {
	total   float64
	pingErr error
}

func (f *fakeSamples) Sum(ctx context.Context, metric domain.Metric, start, end time.Time) (float64, error) {
	return f.total, nil
}

func (f *fakeSamples) Ping(ctx context.Context) error { return f.pingErr }

func newRedisStore(t *testing.T, samples *fakeSamples) (*Store, *miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	return NewStore(samples, nil, rdb, []string{"step_count"}, zap.NewNop()), mr, rdb
}

func TestStoreAvailable(t *testing.T) {
	samples := &fakeSamples{}
	s, _, _ := newRedisStore(t, samples)
	assert.True(t, s.Available(context.Background()))

	samples.pingErr = errors.New("connection refused")
	assert.False(t, s.Available(context.Background()))
}

func TestStoreAuthorizationPersistsGrants(t *testing.T) {
	s, mr, _ := newRedisStore(t, &fakeSamples{})

	ok, err := s.RequestAuthorization(context.Background(), []domain.Metric{domain.MetricStepCount}, nil)
	require.NoError(t, err)
	assert.True(t, ok)

	members, err := mr.Members(infra.RedisKeyGrants)
	require.NoError(t, err)
	assert.Equal(t, []string{"step_count"}, members)

	granted, err := s.Granted(context.Background(), domain.MetricStepCount)
	require.NoError(t, err)
	assert.True(t, granted)
}

func TestStoreAuthorizationDeniesUnknownMetric(t *testing.T) {
	s, mr, _ := newRedisStore(t, &fakeSamples{})

	ok, err := s.RequestAuthorization(context.Background(), []domain.Metric{domain.MetricStepCount, "heart_rate"}, nil)
	assert.False(t, ok)
	assert.ErrorIs(t, err, domain.ErrPermissionDenied)
	assert.False(t, mr.Exists(infra.RedisKeyGrants))
}

func TestStoreBackgroundDelivery(t *testing.T) {
	s, mr, _ := newRedisStore(t, &fakeSamples{})
	require.NoError(t, s.EnableBackgroundDelivery(context.Background(), domain.MetricStepCount))

	ok, err := mr.IsMember(infra.RedisKeyBackgroundDelivery, "step_count")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestStoreSumDelegates(t *testing.T) {
	s, _, _ := newRedisStore(t, &fakeSamples{total: 321})
	total, err := s.Sum(context.Background(), domain.MetricStepCount, time.Now(), time.Now())
	require.NoError(t, err)
	assert.Equal(t, 321.0, total)
}

func TestStoreObserveNotifications(t *testing.T) {
	s, _, rdb := newRedisStore(t, &fakeSamples{})

	changes := make(chan error, 4)
	obs, err := s.Observe(domain.MetricStepCount, func(err error) { changes <- err })
	require.NoError(t, err)

	require.NoError(t, rdb.Publish(context.Background(), infra.SamplesChannel("step_count"), "1").Err())

	select {
	case err := <-changes:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("observer was not notified")
	}

	obs.Stop()
	obs.Stop()

	// После Stop подписчиков на канале не осталось
	assert.Eventually(t, func() bool {
		n, err := rdb.PubSubNumSub(context.Background(), infra.SamplesChannel("step_count")).Result()
		return err == nil && n[infra.SamplesChannel("step_count")] == 0
	}, 2*time.Second, 20*time.Millisecond)
}

func TestStoreRecordWithoutWriter(t *testing.T) {
	s, _, _ := newRedisStore(t, &fakeSamples{})
	assert.Error(t, s.Record(context.Background(), domain.Measurement{Metric: domain.MetricStepCount}))
}

// Store целиком через шлюз: запись -> уведомление -> перезапрос агрегата
func TestStoreDrivesGatewaySubscription(t *testing.T) {
	samples := &fakeSamples{total: 500}
	s, _, rdb := newRedisStore(t, samples)

	gw := gateway.New(s, gateway.WithLogger(zap.NewNop()))
	defer gw.Stop()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	out, err := gw.Subscribe(ctx, domain.MetricStepCount, time.Now().Add(-time.Hour))
	require.NoError(t, err)

	require.NoError(t, rdb.Publish(ctx, infra.SamplesChannel("step_count"), "1").Err())

	select {
	case v := <-out:
		assert.Equal(t, 500.0, v)
	case <-time.After(2 * time.Second):
		t.Fatal("no aggregate after notification")
	}
}
