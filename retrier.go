package restx

import (
	"context"
	"errors"
	"math/rand"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
)

const (
	ValidMaxRetries   = 10
	ValidMinRetries   = 1
	ValidMaxBaseDelay = 5 * time.Second
	ValidMinBaseDelay = 300 * time.Millisecond
	ValidMaxMaxDelay  = 120 * time.Second
	ValidMinMaxDelay  = 300 * time.Millisecond

	// DefaultMaxRetries is the default number of retry attempts
	DefaultMaxRetries = 3

	// DefaultBaseDelay is the default base delay for backoff strategies
	DefaultBaseDelay = 500 * time.Millisecond

	// DefaultMaxDelay is the default maximum delay for backoff strategies
	DefaultMaxDelay = 10 * time.Second

	// FirstRetryAttempt is the attempt number the retry handler sees for the
	// first failure. The initial attempt is attempt 1 and is never numbered.
	FirstRetryAttempt = 2

	// DefaultMaxRefreshes bounds the credential refreshes of one invocation.
	DefaultMaxRefreshes = 1

	maxRetryAfter = time.Hour
)

// RetryStrategy defines the function signature for different retry strategies
type RetryStrategy func(attempt int) time.Duration

// ExponentialBackoff returns a RetryStrategy that calculates delays
// growing exponentially with each retry attempt, starting from base
// and capped at maxDelay.
func ExponentialBackoff(base, maxDelay time.Duration) RetryStrategy {
	return func(attempt int) time.Duration {
		// base above maxDelay still yields base for the first retry
		if attempt == 0 && base > maxDelay {
			return base
		}

		delay := base * (1 << uint(attempt))

		// overflow shows up as a negative or zero delay
		if delay > maxDelay || delay <= 0 {
			delay = maxDelay
		}

		return delay
	}
}

// FixedDelay returns a RetryStrategy that provides a constant delay
// for each retry attempt.
func FixedDelay(delay time.Duration) RetryStrategy {
	return func(attempt int) time.Duration {
		return delay
	}
}

// JitterBackoff returns a RetryStrategy that adds a random jitter
// to the exponential backoff delay calculated using base and maxDelay.
func JitterBackoff(base, maxDelay time.Duration) RetryStrategy {
	expBackoff := ExponentialBackoff(base, maxDelay)
	return func(attempt int) time.Duration {
		baseDelay := expBackoff(attempt)
		if baseDelay < 2 {
			return baseDelay
		}

		// random duration between 0 and baseDelay/2
		jitter := time.Duration(rand.Int63n(int64(baseDelay / 2)))

		return baseDelay + jitter
	}
}

// Strategy names a RetryStrategy so it can be chosen from configuration.
type Strategy string

const (
	// FixedDelayStrategy waits for a constant amount of time between retries
	FixedDelayStrategy Strategy = "fixed"

	// JitterBackoffStrategy adds randomness to the backoff delay to prevent
	// synchronized retries across multiple clients
	JitterBackoffStrategy Strategy = "jitter"

	// ExponentialBackoffStrategy doubles the delay with each retry attempt,
	// up to a maximum delay
	ExponentialBackoffStrategy Strategy = "exponential"
)

func (s Strategy) String() string {
	return string(s)
}

func (s Strategy) IsValid() bool {
	switch s {
	case FixedDelayStrategy, JitterBackoffStrategy, ExponentialBackoffStrategy:
		return true
	default:
		return false
	}
}

// NewRetryStrategy returns the RetryStrategy named by s. Unknown names fall
// back to exponential backoff.
func NewRetryStrategy(s Strategy, base, maxDelay time.Duration) RetryStrategy {
	switch s {
	case FixedDelayStrategy:
		return FixedDelay(base)
	case JitterBackoffStrategy:
		return JitterBackoff(base, maxDelay)
	default:
		return ExponentialBackoff(base, maxDelay)
	}
}

// RetryHandler decides whether a failed attempt is retried. attempt starts
// at FirstRetryAttempt and grows by one per consultation within one call.
// Implementations may block, for instance to back off, before returning true.
type RetryHandler interface {
	Retry(err *RequestError, attempt int) bool
}

// RetryHandlerFunc adapts a function to the RetryHandler interface.
type RetryHandlerFunc func(err *RequestError, attempt int) bool

func (f RetryHandlerFunc) Retry(err *RequestError, attempt int) bool {
	return f(err, attempt)
}

// NeverRetry gives up on the first failure.
var NeverRetry RetryHandler = RetryHandlerFunc(func(*RequestError, int) bool { return false })

// DefaultRetryable retries transport failures, 429 and 5xx responses.
// Cancelled requests are never retried.
func DefaultRetryable(err *RequestError) bool {
	if errors.Is(err.Cause, context.Canceled) {
		return false
	}

	if !err.HasResponse() {
		return true
	}

	code := err.StatusCode()

	return code == http.StatusTooManyRequests || code >= http.StatusInternalServerError
}

// StrategyRetryHandler retries up to maxRetries times, waiting as told by a
// RetryStrategy or by the server's Retry-After header.
type StrategyRetryHandler struct {
	maxRetries int
	maxDelay   time.Duration
	strategy   RetryStrategy
	retryable  func(*RequestError) bool
	sleep      func(time.Duration)
}

// StrategyOption configures a StrategyRetryHandler.
type StrategyOption func(*StrategyRetryHandler)

// WithMaxRetries sets the maximum number of retry attempts.
func WithMaxRetries(maxRetries int) StrategyOption {
	return func(h *StrategyRetryHandler) {
		h.maxRetries = maxRetries
	}
}

// WithMaxDelay caps the wait before a retry, including waits asked for by
// a Retry-After header. Non-positive values keep DefaultMaxDelay.
func WithMaxDelay(maxDelay time.Duration) StrategyOption {
	return func(h *StrategyRetryHandler) {
		if maxDelay > 0 {
			h.maxDelay = maxDelay
		}
	}
}

// WithRetryStrategy sets the delay strategy.
func WithRetryStrategy(strategy RetryStrategy) StrategyOption {
	return func(h *StrategyRetryHandler) {
		if strategy != nil {
			h.strategy = strategy
		}
	}
}

// WithRetryCondition replaces DefaultRetryable.
func WithRetryCondition(fn func(*RequestError) bool) StrategyOption {
	return func(h *StrategyRetryHandler) {
		if fn != nil {
			h.retryable = fn
		}
	}
}

// WithSleeper replaces time.Sleep, mostly for tests.
func WithSleeper(sleep func(time.Duration)) StrategyOption {
	return func(h *StrategyRetryHandler) {
		if sleep != nil {
			h.sleep = sleep
		}
	}
}

// NewStrategyRetryHandler creates a handler with DefaultMaxRetries retries
// and exponential backoff unless configured otherwise.
func NewStrategyRetryHandler(opts ...StrategyOption) *StrategyRetryHandler {
	h := &StrategyRetryHandler{
		maxRetries: DefaultMaxRetries,
		maxDelay:   DefaultMaxDelay,
		strategy:   ExponentialBackoff(DefaultBaseDelay, DefaultMaxDelay),
		retryable:  DefaultRetryable,
		sleep:      time.Sleep,
	}

	for _, opt := range opts {
		opt(h)
	}

	if h.maxRetries < 0 {
		h.maxRetries = 0
	}

	return h
}

func (h *StrategyRetryHandler) Retry(err *RequestError, attempt int) bool {
	retry := attempt - FirstRetryAttempt
	if retry >= h.maxRetries || !h.retryable(err) {
		return false
	}

	delay := h.strategy(retry)
	if err.HasResponse() {
		if ra := parseRetryAfter(err.Response.Header.Get("Retry-After")); ra > 0 {
			delay = min(ra, h.maxDelay)
		}
	}

	if delay > 0 {
		h.sleep(delay)
	}

	return true
}

// parseRetryAfter parses the Retry-After header value.
// It supports both delay-seconds format and HTTP-date format.
func parseRetryAfter(value string) time.Duration {
	if value == "" {
		return 0
	}

	if seconds, err := strconv.Atoi(strings.TrimSpace(value)); err == nil {
		if seconds > 0 {
			return min(time.Duration(seconds)*time.Second, maxRetryAfter)
		}

		return 0
	}

	if t, err := http.ParseTime(value); err == nil {
		if delay := time.Until(t); delay > 0 && delay <= maxRetryAfter {
			return delay
		}
	}

	return 0
}

const refreshCountProperty = "restx.auth_refreshes"

// AuthRefreshRetryHandler refreshes credentials when an attempt is answered
// with 401 and retries it, at most maxRefreshes times per invocation. Every
// other failure is delegated to next.
type AuthRefreshRetryHandler struct {
	auth           Authorization
	next           RetryHandler
	maxRefreshes   int
	refreshTimeout time.Duration
	logger         *zap.Logger
}

// NewAuthRefreshRetryHandler creates the handler. A nil next never retries
// other failures.
func NewAuthRefreshRetryHandler(auth Authorization, next RetryHandler, logger *zap.Logger) *AuthRefreshRetryHandler {
	if next == nil {
		next = NeverRetry
	}

	if logger == nil {
		logger = zap.NewNop()
	}

	return &AuthRefreshRetryHandler{
		auth:           auth,
		next:           next,
		maxRefreshes:   DefaultMaxRefreshes,
		refreshTimeout: DefaultTimeout,
		logger:         logger,
	}
}

// WithMaxRefreshes sets how many refreshes one invocation may trigger.
func (h *AuthRefreshRetryHandler) WithMaxRefreshes(n int) *AuthRefreshRetryHandler {
	h.maxRefreshes = n

	return h
}

func (h *AuthRefreshRetryHandler) Retry(err *RequestError, attempt int) bool {
	if err.StatusCode() != http.StatusUnauthorized || h.auth == nil {
		return h.next.Retry(err, attempt)
	}

	if err.Request == nil {
		return false
	}

	if err.Request.Properties == nil {
		err.Request.Properties = make(Properties)
	}

	props := err.Request.Properties
	done, _ := props[refreshCountProperty].(int)
	if done >= h.maxRefreshes {
		return false
	}

	props[refreshCountProperty] = done + 1

	ctx, cancel := context.WithTimeout(context.Background(), h.refreshTimeout)
	defer cancel()

	if refreshErr := h.auth.Refresh(ctx); refreshErr != nil {
		h.logger.Warn("credential refresh failed",
			zap.String("operation", err.Request.Operation),
			zap.Int("attempt", attempt),
			zap.Error(refreshErr),
		)

		return false
	}

	return true
}

// RetryingExecutor repeats attempts of an inner Executor for as long as its
// RetryHandler allows.
type RetryingExecutor struct {
	inner   Executor
	handler RetryHandler
	logger  *zap.Logger
	metrics *MetricsCollector
}

// RetryingExecutorOption configures a RetryingExecutor.
type RetryingExecutorOption func(*RetryingExecutor)

// WithRetryLogger sets the logger for retry operations.
func WithRetryLogger(logger *zap.Logger) RetryingExecutorOption {
	return func(r *RetryingExecutor) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// WithRetryMetrics records retries and give-ups on mc.
func WithRetryMetrics(mc *MetricsCollector) RetryingExecutorOption {
	return func(r *RetryingExecutor) {
		r.metrics = mc
	}
}

// NewRetryingExecutor decorates inner. A nil handler means NeverRetry.
func NewRetryingExecutor(inner Executor, handler RetryHandler, opts ...RetryingExecutorOption) *RetryingExecutor {
	if handler == nil {
		handler = NeverRetry
	}

	r := &RetryingExecutor{
		inner:   inner,
		handler: handler,
		logger:  zap.NewNop(),
	}

	for _, opt := range opts {
		opt(r)
	}

	return r
}

// Execute performs req until it succeeds or the handler gives up. A
// RequestError superseded by a retry is disposed before the next attempt;
// the one returned to the caller is not. Errors that are not RequestErrors
// are returned at once without consulting the handler.
func (r *RetryingExecutor) Execute(ctx context.Context, req *Request) (*Response, error) {
	attempt := FirstRetryAttempt

	for {
		resp, err := r.inner.Execute(ctx, req)
		if err == nil {
			return resp, nil
		}

		reqErr, ok := AsRequestError(err)
		if !ok {
			return nil, err
		}

		if ctx.Err() != nil {
			r.giveUp(req, reqErr, attempt, "context done")
			return nil, err
		}

		if !r.handler.Retry(reqErr, attempt) {
			r.giveUp(req, reqErr, attempt, "retry handler declined")
			return nil, err
		}

		r.metrics.RecordRetry(req.Operation, attempt)
		r.logger.Warn("HTTP request failed, retrying",
			zap.String("operation", req.Operation),
			zap.String("method", req.Method),
			zap.Int("attempt", attempt),
			zap.Int("status_code", reqErr.StatusCode()),
			zap.Error(reqErr.Cause),
		)

		if disposeErr := reqErr.Dispose(); disposeErr != nil {
			r.logger.Warn("failed to dispose superseded attempt",
				zap.String("operation", req.Operation),
				zap.Error(disposeErr),
			)
		}

		attempt++
	}
}

func (r *RetryingExecutor) giveUp(req *Request, reqErr *RequestError, attempt int, reason string) {
	r.metrics.RecordGiveUp(req.Operation)
	r.logger.Error("giving up on request",
		zap.String("operation", req.Operation),
		zap.String("method", req.Method),
		zap.Int("attempts", attempt-1),
		zap.String("reason", reason),
		zap.Int("status_code", reqErr.StatusCode()),
		zap.Error(reqErr.Cause),
	)
}
