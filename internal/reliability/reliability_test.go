package reliability

import (
	"context"
	"errors"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRegistry() *Registry {
	return NewRegistry(prometheus.NewRegistry())
}

func TestRetryable_ServerErrorIsRetryable(t *testing.T) {
	assert.True(t, Retryable(nil, 503))
}

func TestRetryable_ClientErrorIsNotRetryable(t *testing.T) {
	assert.False(t, Retryable(nil, 400))
}

func TestRetryable_TransportErrorIsRetryable(t *testing.T) {
	assert.True(t, Retryable(errors.New("dial tcp: timeout"), 0))
}

// backend.Call reports a 4xx/402 as (status, non-nil gwerr), not (status,
// nil) — the status must govern retryability regardless of err being set.
func TestRetryable_BackendErrorWithStatusInClientRangeIsNotRetryable(t *testing.T) {
	assert.False(t, Retryable(errors.New("backend returned 404"), 404))
	assert.False(t, Retryable(errors.New("payment required"), 402))
}

func TestCall_NonNilErrOnClientStatusDoesNotRetry(t *testing.T) {
	r := newTestRegistry()
	calls := 0
	status, err, retries, open := r.Call(context.Background(), "cap-404", func(ctx context.Context) (int, error) {
		calls++
		return 404, errors.New("backend returned 404")
	})
	require.Error(t, err)
	assert.Equal(t, 404, status)
	assert.Equal(t, 0, retries)
	assert.False(t, open)
	assert.Equal(t, 1, calls)
}

func TestCall_SucceedsOnFirstAttempt(t *testing.T) {
	r := newTestRegistry()
	status, err, retries, open := r.Call(context.Background(), "cap-a", func(ctx context.Context) (int, error) {
		return 200, nil
	})
	require.NoError(t, err)
	assert.Equal(t, 200, status)
	assert.Equal(t, 0, retries)
	assert.False(t, open)
}

func TestCall_NonRetryableStatusReturnsImmediately(t *testing.T) {
	r := newTestRegistry()
	calls := 0
	status, err, retries, open := r.Call(context.Background(), "cap-b", func(ctx context.Context) (int, error) {
		calls++
		return 422, nil
	})
	require.NoError(t, err)
	assert.Equal(t, 422, status)
	assert.Equal(t, 0, retries)
	assert.False(t, open)
	assert.Equal(t, 1, calls)
}

// TestCall_CircuitOpensAfterMinVolumeFailures drives minVolume (5) non-
// retryable failures through the breaker, which trips it over
// failureThreshold (0.5). The 6th call must short-circuit without invoking fn.
func TestCall_CircuitOpensAfterMinVolumeFailures(t *testing.T) {
	r := newTestRegistry()
	capID := "cap-trip"

	for i := 0; i < minVolume; i++ {
		_, _, _, open := r.Call(context.Background(), capID, func(ctx context.Context) (int, error) {
			return 400, nil
		})
		require.False(t, open)
	}

	calls := 0
	status, err, _, open := r.Call(context.Background(), capID, func(ctx context.Context) (int, error) {
		calls++
		return 200, nil
	})
	assert.True(t, open)
	assert.Equal(t, 0, calls)
	assert.NoError(t, err)
	assert.Equal(t, 0, status)
}

func TestSnapshot_ReflectsRecordedCalls(t *testing.T) {
	r := newTestRegistry()
	r.Call(context.Background(), "cap-snap", func(ctx context.Context) (int, error) { return 200, nil })
	r.Call(context.Background(), "cap-snap", func(ctx context.Context) (int, error) { return 400, nil })

	snap := r.Snapshot()
	require.Len(t, snap, 1)
	assert.Equal(t, "cap-snap", snap[0].Capability)
	assert.Equal(t, int64(2), snap[0].TotalCalls)
	assert.Equal(t, int64(1), snap[0].Successes)
	assert.Equal(t, int64(1), snap[0].Failures)
}
