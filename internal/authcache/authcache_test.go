package authcache

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGetCachesPositiveOutcome(t *testing.T) {
	c := New(50 * time.Millisecond)
	var calls int32

	backend := func(ctx context.Context) (Outcome, error) {
		atomic.AddInt32(&calls, 1)
		return Outcome{Allowed: true}, nil
	}

	o1, err := c.Get(context.Background(), "k", backend)
	require.NoError(t, err)
	assert.True(t, o1.Allowed)

	o2, err := c.Get(context.Background(), "k", backend)
	require.NoError(t, err)
	assert.True(t, o2.Allowed)

	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
}

func TestGetExpiresAfterTTL(t *testing.T) {
	c := New(10 * time.Millisecond)
	var calls int32

	backend := func(ctx context.Context) (Outcome, error) {
		atomic.AddInt32(&calls, 1)
		return Outcome{Allowed: true}, nil
	}

	_, err := c.Get(context.Background(), "k", backend)
	require.NoError(t, err)

	time.Sleep(30 * time.Millisecond)

	_, err = c.Get(context.Background(), "k", backend)
	require.NoError(t, err)

	assert.Equal(t, int32(2), atomic.LoadInt32(&calls))
}

func TestGetUsesShorterNegativeTTL(t *testing.T) {
	c := New(time.Hour, WithNegativeTTL(10*time.Millisecond))
	var calls int32

	backend := func(ctx context.Context) (Outcome, error) {
		atomic.AddInt32(&calls, 1)
		return Outcome{Allowed: false}, nil
	}

	_, err := c.Get(context.Background(), "k", backend)
	require.NoError(t, err)

	time.Sleep(30 * time.Millisecond)

	_, err = c.Get(context.Background(), "k", backend)
	require.NoError(t, err)

	assert.Equal(t, int32(2), atomic.LoadInt32(&calls))
}

func TestGetFansConcurrentCallsIntoOneBackendQuery(t *testing.T) {
	c := New(time.Minute)
	var calls int32
	release := make(chan struct{})

	backend := func(ctx context.Context) (Outcome, error) {
		atomic.AddInt32(&calls, 1)
		<-release
		return Outcome{Allowed: true}, nil
	}

	const n = 10
	results := make(chan Outcome, n)
	for i := 0; i < n; i++ {
		go func() {
			o, err := c.Get(context.Background(), "shared-key", backend)
			require.NoError(t, err)
			results <- o
		}()
	}

	time.Sleep(20 * time.Millisecond)
	close(release)

	for i := 0; i < n; i++ {
		o := <-results
		assert.True(t, o.Allowed)
	}

	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
}

func TestGetPropagatesBackendError(t *testing.T) {
	c := New(time.Minute)
	backend := func(ctx context.Context) (Outcome, error) {
		return Outcome{}, assert.AnError
	}

	_, err := c.Get(context.Background(), "k", backend)
	assert.Error(t, err)
}
