package resilience

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	errUnavailable = errors.New("connection refused")
	errBadRequest  = errors.New("bad request")
)

func testBreaker(reg prometheus.Registerer) (*Breaker, func(time.Duration)) {
	var mu sync.Mutex
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	b := New("signaling", Config{
		MaxAttempts:      3,
		InitialBackoff:   time.Millisecond,
		MaxBackoff:       time.Millisecond,
		FailureThreshold: 3,
		Cooldown:         10 * time.Second,
		Retryable:        func(err error) bool { return !errors.Is(err, errBadRequest) },
	}, reg)
	b.now = func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return now
	}
	return b, func(d time.Duration) {
		mu.Lock()
		now = now.Add(d)
		mu.Unlock()
	}
}

func TestExecute_RetriesUntilSuccess(t *testing.T) {
	b, _ := testBreaker(nil)
	calls := 0

	err := b.Execute(context.Background(), "patch", func(ctx context.Context) error {
		calls++
		if calls < 3 {
			return errUnavailable
		}
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, 3, calls)
	assert.Equal(t, CircuitBreakerClosed, b.State())
}

func TestExecute_NonRetryableReturnsAtOnce(t *testing.T) {
	b, _ := testBreaker(nil)
	calls := 0

	err := b.Execute(context.Background(), "patch", func(ctx context.Context) error {
		calls++
		return errBadRequest
	})

	assert.ErrorIs(t, err, errBadRequest)
	assert.Equal(t, 1, calls)
	assert.Equal(t, CircuitBreakerClosed, b.State())
}

func TestBreaker_OpensAndRecovers(t *testing.T) {
	reg := prometheus.NewRegistry()
	b, advance := testBreaker(reg)
	ctx := context.Background()
	failing := func(ctx context.Context) error { return errUnavailable }

	err := b.Execute(ctx, "get", failing)
	assert.ErrorIs(t, err, errUnavailable)
	assert.Equal(t, CircuitBreakerOpen, b.State())
	assert.Equal(t, float64(2), testutil.ToFloat64(b.metrics.circuitBreakerState))

	calls := 0
	err = b.ExecuteOnce(ctx, "get", func(ctx context.Context) error {
		calls++
		return nil
	})
	assert.ErrorIs(t, err, ErrCircuitOpen)
	assert.Zero(t, calls)

	advance(11 * time.Second)
	err = b.ExecuteOnce(ctx, "get", failing)
	assert.ErrorIs(t, err, errUnavailable)
	assert.Equal(t, CircuitBreakerOpen, b.State())

	advance(11 * time.Second)
	require.NoError(t, b.ExecuteOnce(ctx, "get", func(ctx context.Context) error { return nil }))
	assert.Equal(t, CircuitBreakerClosed, b.State())
	assert.Equal(t, float64(0), testutil.ToFloat64(b.metrics.circuitBreakerState))
}

func TestExecute_StopsOnContextCancel(t *testing.T) {
	b, _ := testBreaker(nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := b.Execute(ctx, "patch", func(ctx context.Context) error { return ctx.Err() })
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, CircuitBreakerClosed, b.State())
}

func TestClassifyError(t *testing.T) {
	assert.Equal(t, "none", ClassifyError(nil))
	assert.Equal(t, "timeout", ClassifyError(context.DeadlineExceeded))
	assert.Equal(t, "network", ClassifyError(errUnavailable))
	assert.Equal(t, "dns", ClassifyError(errors.New("lookup api: no such host")))
	assert.Equal(t, "unknown", ClassifyError(errBadRequest))
}
