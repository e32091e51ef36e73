package healthstore

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xela07ax/healthsync/internal/domain"
	"github.com/xela07ax/healthsync/internal/infra"
	"go.uber.org/zap"
)

type batchRecorder struct {
	mu      sync.Mutex
	batches [][]domain.Measurement
	err     error
}

func (r *batchRecorder) WriteBatch(ctx context.Context, batch []domain.Measurement) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return r.err
	}
	cp := make([]domain.Measurement, len(batch))
	copy(cp, batch)
	r.batches = append(r.batches, cp)
	return nil
}

func (r *batchRecorder) total() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, b := range r.batches {
		n += len(b)
	}
	return n
}

func TestWriterDrainsOnStop(t *testing.T) {
	repo := &batchRecorder{}
	w := NewWriter(repo, nil, infra.IngestConfig{BufferSize: 100, BatchSize: 50, FlushInterval: time.Hour}, zap.NewNop(), nil)
	w.Start()

	for i := 0; i < 3; i++ {
		require.NoError(t, w.Record(context.Background(), domain.Measurement{Metric: domain.MetricStepCount, Value: 10}))
	}
	w.Stop()

	assert.Equal(t, 3, repo.total())
	for _, m := range repo.batches[0] {
		assert.NotEmpty(t, m.ID)
		assert.False(t, m.Timestamp.IsZero())
	}

	// Повторная остановка безопасна, запись после нее отклоняется
	w.Stop()
	assert.ErrorIs(t, w.Record(context.Background(), domain.Measurement{Metric: domain.MetricStepCount}), ErrWriterClosed)
}

func TestWriterFlushesBySize(t *testing.T) {
	repo := &batchRecorder{}
	w := NewWriter(repo, nil, infra.IngestConfig{BufferSize: 100, BatchSize: 2, FlushInterval: time.Hour}, zap.NewNop(), nil)
	w.Start()
	defer w.Stop()

	require.NoError(t, w.Record(context.Background(), domain.Measurement{Metric: domain.MetricStepCount, Value: 1}))
	require.NoError(t, w.Record(context.Background(), domain.Measurement{Metric: domain.MetricStepCount, Value: 2}))

	assert.Eventually(t, func() bool { return repo.total() == 2 }, time.Second, 10*time.Millisecond)
}

func TestWriterOverflow(t *testing.T) {
	metrics := infra.NewMetrics(nil)
	// Воркер не запущен: буфер на одну точку
	w := NewWriter(&batchRecorder{}, nil, infra.IngestConfig{BufferSize: 1, BatchSize: 10, FlushInterval: time.Hour}, zap.NewNop(), metrics)

	require.NoError(t, w.Record(context.Background(), domain.Measurement{Metric: domain.MetricStepCount}))
	assert.ErrorIs(t, w.Record(context.Background(), domain.Measurement{Metric: domain.MetricStepCount}), ErrBufferFull)
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.IngestDropped))
}

func TestWriterPublishesChangeAfterFlush(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer rdb.Close()

	ctx := context.Background()
	pubsub := rdb.Subscribe(ctx, infra.SamplesChannel("step_count"))
	defer pubsub.Close()
	_, err := pubsub.Receive(ctx)
	require.NoError(t, err)

	w := NewWriter(&batchRecorder{}, rdb, infra.IngestConfig{BufferSize: 10, BatchSize: 2, FlushInterval: time.Hour}, zap.NewNop(), nil)
	w.Start()
	defer w.Stop()

	require.NoError(t, w.Record(ctx, domain.Measurement{Metric: domain.MetricStepCount, Value: 1}))
	require.NoError(t, w.Record(ctx, domain.Measurement{Metric: domain.MetricStepCount, Value: 2}))

	select {
	case msg := <-pubsub.Channel():
		assert.Equal(t, "2", msg.Payload)
	case <-time.After(2 * time.Second):
		t.Fatal("no change notification")
	}
}

func TestWriterSkipsNotifyOnFailedFlush(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer rdb.Close()

	ctx := context.Background()
	pubsub := rdb.Subscribe(ctx, infra.SamplesChannel("step_count"))
	defer pubsub.Close()
	_, err := pubsub.Receive(ctx)
	require.NoError(t, err)

	repo := &batchRecorder{err: errors.New("disk full")}
	w := NewWriter(repo, rdb, infra.IngestConfig{BufferSize: 10, BatchSize: 1, FlushInterval: time.Hour}, zap.NewNop(), nil)
	w.Start()

	require.NoError(t, w.Record(ctx, domain.Measurement{Metric: domain.MetricStepCount, Value: 1}))
	w.Stop()

	select {
	case msg := <-pubsub.Channel():
		t.Fatalf("unexpected notification %q", msg.Payload)
	case <-time.After(100 * time.Millisecond):
	}
}
