package restx

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// Executor performs a Request and returns the Response. A returned Response
// must be closed by the caller.
type Executor interface {
	Execute(ctx context.Context, req *Request) (*Response, error)
}

// ExecutorFunc adapts a function to the Executor interface.
type ExecutorFunc func(ctx context.Context, req *Request) (*Response, error)

func (f ExecutorFunc) Execute(ctx context.Context, req *Request) (*Response, error) {
	return f(ctx, req)
}

// RequestError is a failed attempt: a transport failure (no Response) or a
// status a ResponseHandler rejected (with Response). Whoever ends up holding
// it must call Dispose once they are done with the Response.
type RequestError struct {
	Request  *Request
	Response *Response
	Cause    error

	disposeOnce sync.Once
	disposeErr  error
	disposals   atomic.Int32
}

// NewRequestError creates a RequestError. resp may be nil.
func NewRequestError(req *Request, resp *Response, cause error) *RequestError {
	return &RequestError{Request: req, Response: resp, Cause: cause}
}

// HasResponse reports whether the server answered.
func (e *RequestError) HasResponse() bool {
	return e.Response != nil
}

// StatusCode returns the response status, or 0 without response.
func (e *RequestError) StatusCode() int {
	if e.Response == nil {
		return 0
	}

	return e.Response.StatusCode
}

// Dispose releases the attached Response. Only the first call closes it.
func (e *RequestError) Dispose() error {
	e.disposals.Add(1)
	e.disposeOnce.Do(func() {
		if e.Response != nil {
			e.disposeErr = e.Response.Close()
		}
	})

	return e.disposeErr
}

func (e *RequestError) Error() string {
	target := ""
	if e.Request != nil {
		target = e.Request.Method + " " + e.Request.Operation + ": "
	}

	if e.Response != nil {
		return fmt.Sprintf("request %s%s: %v", target, e.Response.Status, e.Cause)
	}

	return fmt.Sprintf("request %s%v", target, e.Cause)
}

func (e *RequestError) Unwrap() error {
	return e.Cause
}

// AsRequestError returns the RequestError in err's chain.
func AsRequestError(err error) (*RequestError, bool) {
	var reqErr *RequestError
	if errors.As(err, &reqErr) {
		return reqErr, true
	}

	return nil, false
}

// Interceptor mutates a Request right before each attempt.
type Interceptor func(ctx context.Context, req *Request) error

// ResponseHandler inspects a Response before it is returned. Returning a
// *RequestError that carries the Response hands its ownership to the error.
type ResponseHandler interface {
	Handle(req *Request, resp *Response) error
}

// ResponseHandlerFunc adapts a function to the ResponseHandler interface.
type ResponseHandlerFunc func(req *Request, resp *Response) error

func (f ResponseHandlerFunc) Handle(req *Request, resp *Response) error {
	return f(req, resp)
}

// StatusResponseHandler turns every status >= 400 into a RequestError.
type StatusResponseHandler struct{}

func (StatusResponseHandler) Handle(req *Request, resp *Response) error {
	if resp.StatusCode < 400 {
		return nil
	}

	return NewRequestError(req, resp, fmt.Errorf("%w: %d", ErrStatus, resp.StatusCode))
}

// ChannelExecutor performs exactly one attempt over a Channel.
type ChannelExecutor struct {
	factory         ChannelFactory
	interceptors    []Interceptor
	limiter         *rate.Limiter
	responseHandler ResponseHandler
	logger          *zap.Logger
	metrics         *MetricsCollector
}

// ChannelExecutorOption configures a ChannelExecutor.
type ChannelExecutorOption func(*ChannelExecutor)

// WithExecutorInterceptors appends interceptors run before each attempt.
func WithExecutorInterceptors(interceptors ...Interceptor) ChannelExecutorOption {
	return func(e *ChannelExecutor) {
		e.interceptors = append(e.interceptors, interceptors...)
	}
}

// WithExecutorRateLimiter makes every attempt wait on limiter.
func WithExecutorRateLimiter(limiter *rate.Limiter) ChannelExecutorOption {
	return func(e *ChannelExecutor) {
		e.limiter = limiter
	}
}

// WithExecutorResponseHandler sets the handler that may reject responses.
func WithExecutorResponseHandler(h ResponseHandler) ChannelExecutorOption {
	return func(e *ChannelExecutor) {
		e.responseHandler = h
	}
}

// WithExecutorLogger sets the logger for attempt debug output.
func WithExecutorLogger(logger *zap.Logger) ChannelExecutorOption {
	return func(e *ChannelExecutor) {
		if logger != nil {
			e.logger = logger
		}
	}
}

// WithExecutorMetrics records every attempt on mc.
func WithExecutorMetrics(mc *MetricsCollector) ChannelExecutorOption {
	return func(e *ChannelExecutor) {
		e.metrics = mc
	}
}

// NewChannelExecutor creates an executor over factory. A nil factory means
// NewHTTPChannelFactory(nil).
func NewChannelExecutor(factory ChannelFactory, opts ...ChannelExecutorOption) *ChannelExecutor {
	if factory == nil {
		factory = NewHTTPChannelFactory(nil)
	}

	e := &ChannelExecutor{
		factory: factory,
		logger:  zap.NewNop(),
	}

	for _, opt := range opts {
		opt(e)
	}

	return e
}

// Execute runs the interceptors and performs one exchange. Transport
// failures are returned as *RequestError; any other error is unclassified.
func (e *ChannelExecutor) Execute(ctx context.Context, req *Request) (*Response, error) {
	for _, intercept := range e.interceptors {
		if err := intercept(ctx, req); err != nil {
			return nil, fmt.Errorf("interceptor: %w", err)
		}
	}

	if e.limiter != nil {
		if err := e.limiter.Wait(ctx); err != nil {
			return nil, NewRequestError(req, nil, fmt.Errorf("rate limiter: %w", err))
		}
	}

	target, err := req.RenderURL()
	if err != nil {
		return nil, err
	}

	ch, err := e.factory.Open(ctx, req.Method, target)
	if err != nil {
		return nil, NewRequestError(req, nil, fmt.Errorf("open channel: %w", err))
	}

	handedOff := false
	defer func() {
		if !handedOff {
			if err := ch.Close(); err != nil {
				e.logger.Warn("failed to close channel", zap.String("operation", req.Operation), zap.Error(err))
			}
		}
	}()

	if err := e.prepare(ch, req); err != nil {
		return nil, err
	}

	start := time.Now()
	resp, err := ch.Send(ctx)
	if err != nil {
		e.metrics.RecordAttempt(req.Operation, req.Method, 0, time.Since(start))
		e.logger.Debug("attempt failed",
			zap.String("operation", req.Operation),
			zap.String("method", req.Method),
			zap.String("url", target),
			zap.Error(err),
		)

		return nil, NewRequestError(req, nil, err)
	}

	e.metrics.RecordAttempt(req.Operation, req.Method, resp.StatusCode, time.Since(start))

	resp.addCloser(ch.Close)
	handedOff = true

	e.logger.Debug("attempt completed",
		zap.String("operation", req.Operation),
		zap.String("method", req.Method),
		zap.String("url", target),
		zap.Int("status_code", resp.StatusCode),
	)

	if e.responseHandler == nil {
		return resp, nil
	}

	if err := e.responseHandler.Handle(req, resp); err != nil {
		if reqErr, ok := AsRequestError(err); ok && reqErr.Response == resp {
			return nil, err
		}

		_ = resp.Close()

		return nil, err
	}

	return resp, nil
}

func (e *ChannelExecutor) prepare(ch Channel, req *Request) error {
	ch.SetTimeouts(req.ConnectTimeout, req.ReadTimeout)

	for key, values := range req.Header {
		for _, v := range values {
			ch.AddHeader(key, v)
		}
	}

	headers, err := req.EncodedPairs(InHeader)
	if err != nil {
		return err
	}

	for _, pair := range headers {
		ch.AddHeader(pair.Name, pair.Value)
	}

	cookie, err := req.CookieHeader()
	if err != nil {
		return err
	}

	if cookie != "" {
		ch.SetHeader("Cookie", cookie)
	}

	switch {
	case req.Entity != nil && req.Entity.ContentType() != "":
		ch.SetHeader("Content-Type", req.Entity.ContentType())
	case req.ContentType != "":
		ch.SetHeader("Content-Type", req.ContentType)
	}

	ch.SetHeader("Accept", firstNonEmpty(req.Accept, DefaultAccept))

	if req.Entity != nil {
		if err := ch.WriteEntity(req.Entity); err != nil {
			return NewRequestError(req, nil, err)
		}
	}

	return nil
}
