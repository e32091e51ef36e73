package infra

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestListenResilientDeliversMessages(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer rdb.Close()

	ctx, cancel := context.WithCancel(context.Background())
	got := make(chan string, 4)

	done, err := ListenResilient(ctx, rdb, zap.NewNop(), "chan:test", func() {}, func(p string) { got <- p })
	require.NoError(t, err)

	require.NoError(t, rdb.Publish(context.Background(), "chan:test", "hello").Err())

	select {
	case p := <-got:
		assert.Equal(t, "hello", p)
	case <-time.After(2 * time.Second):
		t.Fatal("message was not delivered")
	}

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("listener did not stop")
	}
}

func TestListenResilientFailsWhenRedisDown(t *testing.T) {
	mr := miniredis.RunT(t)
	addr := mr.Addr()
	mr.Close()

	rdb := redis.NewClient(&redis.Options{Addr: addr, MaxRetries: -1})
	defer rdb.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	_, err := ListenResilient(ctx, rdb, zap.NewNop(), "chan:test", func() {}, func(string) {})
	assert.Error(t, err)
}

func TestListenResilientReconnectsAfterRedisRestart(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer rdb.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var reconnects atomic.Int32
	got := make(chan string, 4)

	done, err := ListenResilient(ctx, rdb, zap.NewNop(), "chan:test",
		func() { reconnects.Add(1) },
		func(p string) { got <- p },
	)
	require.NoError(t, err)

	mr.Close()
	require.NoError(t, mr.Restart())

	// Подписка восстановлена и подписчику сообщили о реконнекте
	require.Eventually(t, func() bool { return reconnects.Load() == 1 }, 5*time.Second, 20*time.Millisecond)

	require.NoError(t, rdb.Publish(context.Background(), "chan:test", "after-restart").Err())
	select {
	case p := <-got:
		assert.Equal(t, "after-restart", p)
	case <-time.After(2 * time.Second):
		t.Fatal("message after restart was not delivered")
	}

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("listener did not stop")
	}
}
