package bridge_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xela07ax/healthsync/internal/bridge"
	"github.com/xela07ax/healthsync/internal/domain"
	"github.com/xela07ax/healthsync/internal/wire"
	"go.uber.org/zap"
)

type stepsSource struct {
	mu    sync.Mutex
	value float64
	err   error
	calls [][2]time.Time
}

func (s *stepsSource) GetAggregate(ctx context.Context, start, end time.Time) (domain.Sample, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, [2]time.Time{start, end})
	if s.err != nil {
		return domain.Sample{}, s.err
	}
	return domain.Sample{ID: "s", Timestamp: end, Value: s.value, Unit: "steps"}, nil
}

func (s *stepsSource) lastCall() [2]time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[len(s.calls)-1]
}

func runResponder(t *testing.T, r *bridge.Responder) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		r.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
}

func TestResponderAnswersRequestSteps(t *testing.T) {
	p := newPair(t, testConfig())
	now := time.Date(2026, 10, 18, 15, 30, 0, 0, time.UTC)
	src := &stepsSource{value: 4200}

	runResponder(t, bridge.NewResponder(p.phone, src,
		bridge.WithResponderLogger(zap.NewNop()),
		bridge.WithResponderClock(func() time.Time { return now }),
		bridge.WithResponderLocation(time.UTC),
	))

	_, err := p.watch.Send(context.Background(), wire.RequestSteps{})
	require.NoError(t, err)

	env := receive(t, p.watch)
	assert.Equal(t, wire.StepsSnapshot{Steps: 4200, Date: now}, env.Message)

	// Без since - с начала дня
	call := src.lastCall()
	assert.Equal(t, time.Date(2026, 10, 18, 0, 0, 0, 0, time.UTC), call[0])
	assert.Equal(t, now, call[1])
}

func TestResponderUsesSince(t *testing.T) {
	p := newPair(t, testConfig())
	now := time.Date(2026, 10, 18, 15, 30, 0, 0, time.UTC)
	src := &stepsSource{value: 10}

	runResponder(t, bridge.NewResponder(p.phone, src,
		bridge.WithResponderClock(func() time.Time { return now }),
	))

	since := time.Date(2026, 10, 18, 12, 0, 0, 0, time.UTC)
	_, err := p.watch.Send(context.Background(), wire.RequestSteps{Since: &since})
	require.NoError(t, err)

	receive(t, p.watch)
	assert.Equal(t, since, src.lastCall()[0])
}

func TestResponderSkipsReplyOnQueryError(t *testing.T) {
	p := newPair(t, testConfig())
	src := &stepsSource{err: domain.ErrPermissionDenied}

	runResponder(t, bridge.NewResponder(p.phone, src))

	_, err := p.watch.Send(context.Background(), wire.RequestSteps{})
	require.NoError(t, err)
	assertEmpty(t, p.watch)
}

func TestResponderRecordsSnapshotAndLiveness(t *testing.T) {
	p := newPair(t, testConfig())
	r := bridge.NewResponder(p.phone, &stepsSource{})
	runResponder(t, r)

	_, ok := r.LastSnapshot()
	assert.False(t, ok)
	assert.True(t, r.LastSeen().IsZero())

	date := time.Date(2026, 10, 18, 9, 0, 0, 0, time.UTC)
	_, err := p.watch.Send(context.Background(), wire.StepsSnapshot{Steps: 77, Date: date})
	require.NoError(t, err)

	assert.Eventually(t, func() bool {
		snap, ok := r.LastSnapshot()
		return ok && snap.Steps == 77 && snap.Date.Equal(date)
	}, time.Second, 10*time.Millisecond)

	// Heartbeat фиксирует, что пир жив, но без ответа
	_, err = p.watch.Send(context.Background(), wire.Heartbeat{})
	require.NoError(t, err)
	assert.Eventually(t, func() bool { return !r.LastSeen().IsZero() }, time.Second, 10*time.Millisecond)
	assertEmpty(t, p.watch)
}

func TestResponderSendsHeartbeats(t *testing.T) {
	p := newPair(t, testConfig())
	runResponder(t, bridge.NewResponder(p.phone, &stepsSource{}, bridge.WithHeartbeat(10*time.Millisecond)))

	env := receive(t, p.watch)
	assert.Equal(t, wire.Heartbeat{}, env.Message)
}

func TestResponderStopsWhenBridgeCloses(t *testing.T) {
	p := newPair(t, testConfig())
	r := bridge.NewResponder(p.phone, &stepsSource{})

	done := make(chan error, 1)
	go func() { done <- r.Run(context.Background()) }()

	p.phone.Close()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("responder did not stop")
	}
}

func TestResponderStopsOnCancel(t *testing.T) {
	p := newPair(t, testConfig())
	r := bridge.NewResponder(p.phone, &stepsSource{})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Run(ctx) }()
	cancel()

	select {
	case err := <-done:
		assert.True(t, errors.Is(err, context.Canceled))
	case <-time.After(time.Second):
		t.Fatal("responder did not stop")
	}
}
