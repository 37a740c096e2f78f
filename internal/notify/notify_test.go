package notify

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/jmylchreest/vodarr/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func received(ch <-chan struct{}) bool {
	select {
	case <-ch:
		return true
	case <-time.After(50 * time.Millisecond):
		return false
	}
}

func TestLocal_NotifyWakesAllSubscribers(t *testing.T) {
	n := NewLocal()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a := n.Subscribe(ctx)
	b := n.Subscribe(ctx)
	require.NoError(t, n.Notify(context.Background()))

	assert.True(t, received(a))
	assert.True(t, received(b))
	assert.False(t, received(a), "one announcement, one wake-up")
}

func TestLocal_Coalesces(t *testing.T) {
	n := NewLocal()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch := n.Subscribe(ctx)
	for range 5 {
		require.NoError(t, n.Notify(context.Background()))
	}
	assert.True(t, received(ch))
	assert.False(t, received(ch))
}

func TestLocal_UnsubscribeOnCancel(t *testing.T) {
	n := NewLocal()
	ctx, cancel := context.WithCancel(context.Background())
	n.Subscribe(ctx)
	assert.Equal(t, 1, n.subscribers())

	cancel()
	require.Eventually(t, func() bool { return n.subscribers() == 0 }, time.Second, time.Millisecond)
	require.NoError(t, n.Notify(context.Background()))
}

func TestNew(t *testing.T) {
	n, err := New(config.NotifyConfig{}, nil)
	require.NoError(t, err)
	assert.IsType(t, &Local{}, n)

	_, err = New(config.NotifyConfig{Driver: "carrier-pigeon"}, nil)
	assert.ErrorContains(t, err, "unsupported notify driver")

	_, err = New(config.NotifyConfig{Driver: "redis"}, nil)
	assert.ErrorContains(t, err, "redis url is required")

	_, err = New(config.NotifyConfig{Driver: "redis", RedisURL: "http://not-redis"}, nil)
	assert.ErrorContains(t, err, "parsing redis url")
}

func TestNewRedis_Defaults(t *testing.T) {
	r, err := NewRedis("redis://localhost:6379/0", "", nil)
	require.NoError(t, err)
	defer r.Close()
	assert.Equal(t, defaultChannel, r.channel)
}

// TestRedis_RoundTrip needs a reachable server in VODARR_TEST_REDIS_URL.
func TestRedis_RoundTrip(t *testing.T) {
	url := os.Getenv("VODARR_TEST_REDIS_URL")
	if url == "" {
		t.Skip("VODARR_TEST_REDIS_URL not set")
	}

	r, err := NewRedis(url, "vodarr:test:"+t.Name(), nil)
	require.NoError(t, err)
	defer r.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, r.Ping(ctx))

	ch := r.Subscribe(ctx)
	// PUBLISH only reaches subscribers that are already registered.
	require.Eventually(t, func() bool {
		require.NoError(t, r.Notify(ctx))
		return received(ch)
	}, 5*time.Second, 100*time.Millisecond)
}
