package dashboard

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xela07ax/healthsync/internal/domain"
	"github.com/xela07ax/healthsync/internal/gateway"
	"github.com/xela07ax/healthsync/internal/healthstore"
	"github.com/xela07ax/healthsync/internal/repository"
)

var (
	dayStart = time.Date(2026, 10, 18, 0, 0, 0, 0, time.UTC)
	noon     = dayStart.Add(12 * time.Hour)
)

const steps = domain.MetricStepCount

type fixture struct {
	ctrl  *Controller
	store *healthstore.MemoryStore
	gw    *gateway.Gateway
}

func newFixture(t *testing.T) fixture {
	t.Helper()
	clock := func() time.Time { return noon }
	store := healthstore.NewMemoryStore()
	gw := gateway.New(store, gateway.WithClock(clock))
	repo := repository.NewStepRepository(gw, repository.WithClock(clock))
	ctrl := NewController(repo, WithClock(clock), WithLocation(time.UTC))
	t.Cleanup(ctrl.Close)
	return fixture{ctrl: ctrl, store: store, gw: gw}
}

func TestInitialState(t *testing.T) {
	f := newFixture(t)
	assert.Equal(t, domain.DashboardState{Phase: domain.PhaseIdle}, f.ctrl.State())
}

func TestAuthorizeDeniedThenGranted(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.store.SetDenied(true)
	f.ctrl.RequestAuthorization(ctx)

	st := f.ctrl.State()
	assert.False(t, st.Authorized)
	assert.NotEmpty(t, st.LastError)
	assert.Equal(t, "Permission denied for Health data", st.LastError)
	assert.False(t, st.Loading)
	assert.Equal(t, domain.PhaseError, st.Phase)

	f.store.SetDenied(false)
	f.store.Add(steps, dayStart.Add(7*time.Hour), 4000)
	f.store.Add(steps, dayStart.Add(8*time.Hour), 200)

	f.ctrl.RequestAuthorization(ctx)
	st = f.ctrl.State()
	assert.True(t, st.Authorized)
	assert.Empty(t, st.LastError, "error is cleared optimistically on the next attempt")
	assert.Equal(t, domain.PhaseIdle, st.Phase)

	f.ctrl.LoadOnce(ctx)
	st = f.ctrl.State()
	assert.Equal(t, 4200.0, st.TotalToday)
	assert.False(t, st.Loading)
}

func TestAuthorizeUnavailable(t *testing.T) {
	f := newFixture(t)
	f.store.SetAvailable(false)

	f.ctrl.RequestAuthorization(context.Background())
	st := f.ctrl.State()
	assert.False(t, st.Authorized)
	assert.Equal(t, "Health data not available on this device", st.LastError)
}

func TestLoadOnceCountsOnlyToday(t *testing.T) {
	f := newFixture(t)
	f.store.Add(steps, dayStart.Add(-time.Minute), 999) // вчера
	f.store.Add(steps, dayStart, 10)
	f.store.Add(steps, noon.Add(-time.Second), 5)
	f.store.Add(steps, noon, 1000) // конец интервала исключен

	f.ctrl.LoadOnce(context.Background())
	assert.Equal(t, 15.0, f.ctrl.State().TotalToday)
}

func TestLoadOnceFailurePreservesTotal(t *testing.T) {
	f := newFixture(t)
	f.store.Add(steps, dayStart.Add(time.Hour), 300)
	f.ctrl.LoadOnce(context.Background())
	require.Equal(t, 300.0, f.ctrl.State().TotalToday)

	f.store.SetSumError(errors.New("statistics query failed"))
	f.ctrl.LoadOnce(context.Background())

	st := f.ctrl.State()
	assert.Equal(t, 300.0, st.TotalToday)
	assert.Equal(t, "statistics query failed", st.LastError)
	assert.Equal(t, domain.PhaseError, st.Phase)
	assert.False(t, st.Loading)
}

func TestStreamingAppliesUpdatesInOrder(t *testing.T) {
	f := newFixture(t)

	f.ctrl.StartStreaming()
	st := f.ctrl.State()
	require.True(t, st.Streaming)
	require.Equal(t, domain.PhaseStreaming, st.Phase)

	f.store.Add(steps, dayStart.Add(time.Hour), 100)
	require.Eventually(t, func() bool { return f.ctrl.State().TotalToday == 100 }, time.Second, 5*time.Millisecond)

	f.store.Add(steps, dayStart.Add(2*time.Hour), 150)
	require.Eventually(t, func() bool { return f.ctrl.State().TotalToday == 250 }, time.Second, 5*time.Millisecond)
}

func TestStartStreamingTwiceKeepsOneObserver(t *testing.T) {
	f := newFixture(t)

	f.ctrl.StartStreaming()
	f.ctrl.StartStreaming()

	assert.Equal(t, 1, f.store.ObserverCount(steps))
	assert.Equal(t, 1, f.gw.ActiveSubscriptions())

	f.store.Add(steps, dayStart.Add(time.Hour), 5)
	require.Eventually(t, func() bool { return f.ctrl.State().TotalToday == 5 }, time.Second, 5*time.Millisecond)
}

func TestStopStreaming(t *testing.T) {
	f := newFixture(t)

	// Без подписки - безопасно
	assert.NotPanics(t, f.ctrl.StopStreaming)

	f.ctrl.StartStreaming()
	f.store.Add(steps, dayStart.Add(time.Hour), 10)
	require.Eventually(t, func() bool { return f.ctrl.State().TotalToday == 10 }, time.Second, 5*time.Millisecond)

	f.ctrl.StopStreaming()
	st := f.ctrl.State()
	assert.False(t, st.Streaming)
	assert.Equal(t, domain.PhaseIdle, st.Phase)
	assert.Equal(t, 0, f.store.ObserverCount(steps))

	// После остановки обновления не доходят
	f.store.Add(steps, dayStart.Add(2*time.Hour), 90)
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, 10.0, f.ctrl.State().TotalToday)

	f.ctrl.StopStreaming()
	assert.Equal(t, 0, f.gw.ActiveSubscriptions())
}

func TestLoadOnceWhileStreamingReturnsToStreaming(t *testing.T) {
	f := newFixture(t)
	f.ctrl.StartStreaming()

	f.ctrl.LoadOnce(context.Background())
	st := f.ctrl.State()
	assert.Equal(t, domain.PhaseStreaming, st.Phase)
	assert.True(t, st.Streaming)
}

func TestStartStreamingFailure(t *testing.T) {
	f := newFixture(t)
	f.store.SetObserveError(errors.New("observer refused"))

	f.ctrl.StartStreaming()
	st := f.ctrl.State()
	assert.False(t, st.Streaming)
	assert.Equal(t, domain.PhaseError, st.Phase)
	assert.Contains(t, st.LastError, "observer refused")
}

func TestStreamClosedByGatewayStop(t *testing.T) {
	f := newFixture(t)
	f.ctrl.StartStreaming()

	// Кто-то снаружи снял наблюдателей - задача должна сама сняться
	f.gw.Stop()
	require.Eventually(t, func() bool {
		st := f.ctrl.State()
		return !st.Streaming && st.Phase == domain.PhaseIdle
	}, time.Second, 5*time.Millisecond)
}

// panicRepo падает внутри операций - проверяем, что флаг загрузки все равно снят.
type panicRepo struct{}

func (panicRepo) Authorize(context.Context) (bool, error) { panic("platform exploded") }
func (panicRepo) GetAggregate(context.Context, time.Time, time.Time) (domain.Sample, error) {
	panic("platform exploded")
}
func (panicRepo) StreamAggregate(context.Context, time.Time) (<-chan domain.Sample, error) {
	return nil, domain.ErrUnknown
}
func (panicRepo) StopStreaming() {}

func TestLoadingReleasedOnPanic(t *testing.T) {
	c := NewController(panicRepo{})
	defer c.Close()

	assert.Panics(t, func() { c.RequestAuthorization(context.Background()) })
	assert.False(t, c.State().Loading)
	assert.Equal(t, domain.PhaseIdle, c.State().Phase)

	assert.Panics(t, func() { c.LoadOnce(context.Background()) })
	assert.False(t, c.State().Loading)

	c.StartStreaming()
	assert.Equal(t, "Unknown error", c.State().LastError)
}

// slowRepo: разовый запрос ждет release, поток управляется тестом.
type slowRepo struct {
	entered chan struct{}
	release chan float64
	stream  chan domain.Sample
}

func (r *slowRepo) Authorize(context.Context) (bool, error) { return true, nil }
func (r *slowRepo) GetAggregate(ctx context.Context, start, end time.Time) (domain.Sample, error) {
	close(r.entered)
	return domain.Sample{Value: <-r.release}, nil
}
func (r *slowRepo) StreamAggregate(context.Context, time.Time) (<-chan domain.Sample, error) {
	return r.stream, nil
}
func (r *slowRepo) StopStreaming() {}

func TestLateLoadDoesNotOverwriteStreamedTotal(t *testing.T) {
	repo := &slowRepo{
		entered: make(chan struct{}),
		release: make(chan float64),
		stream:  make(chan domain.Sample),
	}
	c := NewController(repo, WithClock(func() time.Time { return noon }), WithLocation(time.UTC))
	defer func() {
		close(repo.stream)
		c.Close()
	}()

	c.StartStreaming()

	loaded := make(chan struct{})
	go func() {
		defer close(loaded)
		c.LoadOnce(context.Background())
	}()
	<-repo.entered

	// Поток успевает раньше разового запроса
	repo.stream <- domain.Sample{Value: 250}
	require.Eventually(t, func() bool { return c.State().TotalToday == 250 }, time.Second, 5*time.Millisecond)

	repo.release <- 100
	<-loaded

	st := c.State()
	assert.Equal(t, 250.0, st.TotalToday)
	assert.Equal(t, domain.PhaseStreaming, st.Phase)
	assert.False(t, st.Loading)
}
