package restx

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestExponentialBackoff(t *testing.T) {
	base := 100 * time.Millisecond
	max := 1 * time.Second
	strategy := ExponentialBackoff(base, max)

	expectedDelays := []time.Duration{
		base,     // attempt 0 -> base * 2^0 = base
		base * 2, // attempt 1 -> base * 2^1
		base * 4, // attempt 2 -> base * 2^2
		base * 8, // attempt 3 -> base * 2^3
		max,      // attempt 4 -> 1600ms > max, capped at max
		max,      // attempt 5 -> 3200ms > max, capped at max
	}

	for i, expected := range expectedDelays {
		actual := strategy(i)
		if actual != expected {
			t.Errorf("Attempt %d: Expected delay %v, got %v", i, expected, actual)
		}
	}

	strategyHighBase := ExponentialBackoff(2*time.Second, 1*time.Second)

	if delay := strategyHighBase(0); delay != 2*time.Second {
		t.Errorf("High base test: Expected delay %v, got %v", 2*time.Second, delay)
	}

	if delay := strategyHighBase(1); delay != 1*time.Second {
		t.Errorf("High base test attempt 1: Expected delay %v, got %v", 1*time.Second, delay)
	}

	if delay := strategy(80); delay != max {
		t.Errorf("Overflow: Expected delay %v, got %v", max, delay)
	}
}

func TestFixedDelay(t *testing.T) {
	delay := 500 * time.Millisecond
	strategy := FixedDelay(delay)

	for i := range 5 {
		actual := strategy(i)
		if actual != delay {
			t.Errorf("Attempt %d: Expected delay %v, got %v", i, delay, actual)
		}
	}
}

func TestJitterBackoff(t *testing.T) {
	base := 100 * time.Millisecond
	max := 1 * time.Second
	strategy := JitterBackoff(base, max)
	expStrategy := ExponentialBackoff(base, max)

	for i := range 5 {
		baseDelay := expStrategy(i)
		actual := strategy(i)

		// within [baseDelay, baseDelay + baseDelay/2)
		if actual < baseDelay || actual >= baseDelay+baseDelay/2 {
			t.Errorf("Attempt %d: delay %v outside [%v, %v)", i, actual, baseDelay, baseDelay+baseDelay/2)
		}
	}

	if delay := JitterBackoff(1, 1)(0); delay != 1 {
		t.Errorf("Tiny base: Expected delay 1ns, got %v", delay)
	}
}

func TestNewRetryStrategy(t *testing.T) {
	assert.Equal(t, 300*time.Millisecond, NewRetryStrategy(FixedDelayStrategy, 300*time.Millisecond, time.Second)(3))
	assert.Equal(t, 800*time.Millisecond, NewRetryStrategy(ExponentialBackoffStrategy, 100*time.Millisecond, time.Second)(3))
	assert.Equal(t, 800*time.Millisecond, NewRetryStrategy("bogus", 100*time.Millisecond, time.Second)(3))
}

// scriptedExecutor fails with a fresh RequestError carrying a response until
// it has failed failures times, then succeeds.
type scriptedExecutor struct {
	failures int
	status   int
	calls    int
	errs     []*RequestError
	bodies   []*trackingBody
}

func (s *scriptedExecutor) Execute(_ context.Context, req *Request) (*Response, error) {
	s.calls++

	body := newTrackingBody("error")
	s.bodies = append(s.bodies, body)

	if s.calls > s.failures {
		return NewResponse(http.StatusOK, nil, body), nil
	}

	reqErr := NewRequestError(req, NewResponse(s.status, nil, body), ErrStatus)
	s.errs = append(s.errs, reqErr)

	return nil, reqErr
}

func TestRetryingExecutor_AttemptSequenceAndDisposal(t *testing.T) {
	inner := &scriptedExecutor{failures: 10, status: http.StatusServiceUnavailable}

	var attempts []int
	handler := RetryHandlerFunc(func(err *RequestError, attempt int) bool {
		attempts = append(attempts, attempt)
		// a superseded error must not be disposed before the handler has seen it
		assert.Equal(t, int32(0), err.disposals.Load())
		return attempt < 4
	})

	resp, err := NewRetryingExecutor(inner, handler).Execute(context.Background(), NewRequest(http.MethodGet, "http://api.example.com"))
	require.Error(t, err)
	assert.Nil(t, resp)

	assert.Equal(t, []int{2, 3, 4}, attempts)
	require.Equal(t, 3, inner.calls)

	for i, reqErr := range inner.errs[:2] {
		assert.Equal(t, int32(1), reqErr.disposals.Load(), "superseded error %d", i)
		assert.Equal(t, 1, inner.bodies[i].closed, "superseded body %d", i)
	}

	last := inner.errs[2]
	assert.Equal(t, int32(0), last.disposals.Load())
	assert.Equal(t, 0, inner.bodies[2].closed)

	returned, ok := AsRequestError(err)
	require.True(t, ok)
	assert.Same(t, last, returned)

	require.NoError(t, returned.Dispose())
	require.NoError(t, returned.Dispose())
	assert.Equal(t, 1, inner.bodies[2].closed)
}

func TestRetryingExecutor_SucceedsAfterRetries(t *testing.T) {
	inner := &scriptedExecutor{failures: 2, status: http.StatusBadGateway}

	resp, err := NewRetryingExecutor(inner, RetryHandlerFunc(func(*RequestError, int) bool { return true })).
		Execute(context.Background(), NewRequest(http.MethodGet, "http://api.example.com"))
	require.NoError(t, err)
	defer resp.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, 3, inner.calls)

	for _, reqErr := range inner.errs {
		assert.Equal(t, int32(1), reqErr.disposals.Load())
	}
}

func TestRetryingExecutor_UnclassifiedErrorSkipsHandler(t *testing.T) {
	boom := errors.New("boom")

	var consulted atomic.Bool
	handler := RetryHandlerFunc(func(*RequestError, int) bool {
		consulted.Store(true)
		return true
	})

	calls := 0
	inner := ExecutorFunc(func(context.Context, *Request) (*Response, error) {
		calls++
		return nil, boom
	})

	_, err := NewRetryingExecutor(inner, handler).Execute(context.Background(), NewRequest(http.MethodGet, "http://api.example.com"))
	assert.ErrorIs(t, err, boom)
	assert.False(t, consulted.Load())
	assert.Equal(t, 1, calls)
}

func TestRetryingExecutor_ContextDone(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	var consulted atomic.Bool
	handler := RetryHandlerFunc(func(*RequestError, int) bool {
		consulted.Store(true)
		return true
	})

	inner := ExecutorFunc(func(ctx context.Context, req *Request) (*Response, error) {
		return nil, NewRequestError(req, nil, ctx.Err())
	})

	_, err := NewRetryingExecutor(inner, handler).Execute(ctx, NewRequest(http.MethodGet, "http://api.example.com"))
	assert.ErrorIs(t, err, context.Canceled)
	assert.False(t, consulted.Load())
}

func TestRetryingExecutor_LogsAndMetrics(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	metrics := newTestMetrics(t)

	inner := &scriptedExecutor{failures: 10, status: http.StatusInternalServerError}
	req := NewRequest(http.MethodGet, "http://api.example.com")
	req.Operation = "getThing"

	handler := RetryHandlerFunc(func(_ *RequestError, attempt int) bool { return attempt < 3 })

	_, err := NewRetryingExecutor(inner, handler,
		WithRetryLogger(zap.New(core)),
		WithRetryMetrics(metrics.collector),
	).Execute(context.Background(), req)
	require.Error(t, err)

	assert.Equal(t, 1, logs.FilterMessage("HTTP request failed, retrying").Len())

	giveUps := logs.FilterMessage("giving up on request").All()
	require.Len(t, giveUps, 1)
	assert.Equal(t, int64(2), giveUps[0].ContextMap()["attempts"])

	assert.Equal(t, 1.0, metrics.counter(t, "restx_retries_total", "getThing", "2"))
	assert.Equal(t, 1.0, metrics.counter(t, "restx_give_ups_total", "getThing"))
}

func TestNewRetryingExecutor_NilHandlerNeverRetries(t *testing.T) {
	inner := &scriptedExecutor{failures: 10, status: http.StatusServiceUnavailable}

	_, err := NewRetryingExecutor(inner, nil).Execute(context.Background(), NewRequest(http.MethodGet, "http://api.example.com"))
	require.Error(t, err)
	assert.Equal(t, 1, inner.calls)
}

func statusError(status int, header http.Header) *RequestError {
	req := NewRequest(http.MethodGet, "http://api.example.com")
	return NewRequestError(req, NewResponse(status, header, nil), ErrStatus)
}

func TestStrategyRetryHandler(t *testing.T) {
	var slept []time.Duration
	handler := NewStrategyRetryHandler(
		WithMaxRetries(2),
		WithRetryStrategy(ExponentialBackoff(100*time.Millisecond, time.Second)),
		WithSleeper(func(d time.Duration) { slept = append(slept, d) }),
	)

	err := statusError(http.StatusServiceUnavailable, nil)

	assert.True(t, handler.Retry(err, FirstRetryAttempt))
	assert.True(t, handler.Retry(err, FirstRetryAttempt+1))
	assert.False(t, handler.Retry(err, FirstRetryAttempt+2))
	assert.Equal(t, []time.Duration{100 * time.Millisecond, 200 * time.Millisecond}, slept)
}

func TestStrategyRetryHandler_RetryAfter(t *testing.T) {
	var slept []time.Duration
	handler := NewStrategyRetryHandler(
		WithRetryStrategy(FixedDelay(time.Millisecond)),
		WithSleeper(func(d time.Duration) { slept = append(slept, d) }),
	)

	header := http.Header{}
	header.Set("Retry-After", "3")

	assert.True(t, handler.Retry(statusError(http.StatusTooManyRequests, header), FirstRetryAttempt))
	assert.Equal(t, []time.Duration{3 * time.Second}, slept)
}

func TestStrategyRetryHandler_RetryAfterCappedAtMaxDelay(t *testing.T) {
	var slept []time.Duration
	handler := NewStrategyRetryHandler(
		WithRetryStrategy(FixedDelay(time.Millisecond)),
		WithMaxDelay(2*time.Second),
		WithSleeper(func(d time.Duration) { slept = append(slept, d) }),
	)

	header := http.Header{}
	header.Set("Retry-After", "600")

	assert.True(t, handler.Retry(statusError(http.StatusServiceUnavailable, header), FirstRetryAttempt))

	defaults := NewStrategyRetryHandler(WithSleeper(func(d time.Duration) { slept = append(slept, d) }))
	assert.True(t, defaults.Retry(statusError(http.StatusServiceUnavailable, header), FirstRetryAttempt))

	assert.Equal(t, []time.Duration{2 * time.Second, DefaultMaxDelay}, slept)
}

func TestStrategyRetryHandler_Retryable(t *testing.T) {
	handler := NewStrategyRetryHandler(WithSleeper(func(time.Duration) {}))
	req := NewRequest(http.MethodGet, "http://api.example.com")

	tests := []struct {
		name string
		err  *RequestError
		want bool
	}{
		{"transport failure", NewRequestError(req, nil, errors.New("connection refused")), true},
		{"cancelled", NewRequestError(req, nil, context.Canceled), false},
		{"too many requests", statusError(http.StatusTooManyRequests, nil), true},
		{"server error", statusError(http.StatusInternalServerError, nil), true},
		{"bad request", statusError(http.StatusBadRequest, nil), false},
		{"not found", statusError(http.StatusNotFound, nil), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, handler.Retry(tt.err, FirstRetryAttempt))
		})
	}
}

func TestStrategyRetryHandler_CustomCondition(t *testing.T) {
	handler := NewStrategyRetryHandler(
		WithSleeper(func(time.Duration) {}),
		WithRetryCondition(func(err *RequestError) bool { return err.StatusCode() == http.StatusConflict }),
	)

	assert.True(t, handler.Retry(statusError(http.StatusConflict, nil), FirstRetryAttempt))
	assert.False(t, handler.Retry(statusError(http.StatusServiceUnavailable, nil), FirstRetryAttempt))
}

func TestStrategyRetryHandler_ZeroRetries(t *testing.T) {
	handler := NewStrategyRetryHandler(WithMaxRetries(-1), WithSleeper(func(time.Duration) {}))

	assert.False(t, handler.Retry(statusError(http.StatusServiceUnavailable, nil), FirstRetryAttempt))
}

func TestParseRetryAfter(t *testing.T) {
	assert.Equal(t, time.Duration(0), parseRetryAfter(""))
	assert.Equal(t, 120*time.Second, parseRetryAfter("120"))
	assert.Equal(t, 5*time.Second, parseRetryAfter(" 5 "))
	assert.Equal(t, time.Duration(0), parseRetryAfter("-1"))
	assert.Equal(t, time.Duration(0), parseRetryAfter("0"))
	assert.Equal(t, time.Hour, parseRetryAfter(strconv.Itoa(99999)))
	assert.Equal(t, time.Duration(0), parseRetryAfter("soon"))

	future := time.Now().Add(30 * time.Second).UTC().Format(http.TimeFormat)
	delay := parseRetryAfter(future)
	assert.Greater(t, delay, 25*time.Second)
	assert.LessOrEqual(t, delay, 30*time.Second)

	past := time.Now().Add(-time.Minute).UTC().Format(http.TimeFormat)
	assert.Equal(t, time.Duration(0), parseRetryAfter(past))
}

type countingAuth struct {
	refreshes  atomic.Int32
	refreshErr error
}

func (a *countingAuth) Sign(req *Request, _ Properties) error {
	req.SetHeader("Authorization", "Bearer token-"+strconv.Itoa(int(a.refreshes.Load())))
	return nil
}

func (a *countingAuth) Refresh(context.Context) error {
	a.refreshes.Add(1)
	return a.refreshErr
}

func TestAuthRefreshRetryHandler(t *testing.T) {
	t.Run("refreshes once per invocation", func(t *testing.T) {
		auth := &countingAuth{}
		handler := NewAuthRefreshRetryHandler(auth, NeverRetry, nil)

		err := statusError(http.StatusUnauthorized, nil)

		assert.True(t, handler.Retry(err, FirstRetryAttempt))
		assert.False(t, handler.Retry(err, FirstRetryAttempt+1))
		assert.Equal(t, int32(1), auth.refreshes.Load())
	})

	t.Run("max refreshes", func(t *testing.T) {
		auth := &countingAuth{}
		handler := NewAuthRefreshRetryHandler(auth, nil, nil).WithMaxRefreshes(2)

		err := statusError(http.StatusUnauthorized, nil)

		assert.True(t, handler.Retry(err, FirstRetryAttempt))
		assert.True(t, handler.Retry(err, FirstRetryAttempt+1))
		assert.False(t, handler.Retry(err, FirstRetryAttempt+2))
		assert.Equal(t, int32(2), auth.refreshes.Load())
	})

	t.Run("refresh failure gives up", func(t *testing.T) {
		core, logs := observer.New(zapcore.WarnLevel)
		auth := &countingAuth{refreshErr: errors.New("token endpoint down")}
		handler := NewAuthRefreshRetryHandler(auth, nil, zap.New(core))

		assert.False(t, handler.Retry(statusError(http.StatusUnauthorized, nil), FirstRetryAttempt))
		assert.Equal(t, 1, logs.FilterMessage("credential refresh failed").Len())
	})

	t.Run("other failures are delegated", func(t *testing.T) {
		auth := &countingAuth{}

		var delegated []int
		next := RetryHandlerFunc(func(_ *RequestError, attempt int) bool {
			delegated = append(delegated, attempt)
			return true
		})

		handler := NewAuthRefreshRetryHandler(auth, next, nil)

		assert.True(t, handler.Retry(statusError(http.StatusServiceUnavailable, nil), 3))
		assert.Equal(t, []int{3}, delegated)
		assert.Equal(t, int32(0), auth.refreshes.Load())
	})
}
