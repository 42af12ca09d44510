package restx

import (
	"bytes"
	"context"
	"fmt"
	"maps"
	"net/http"

	"github.com/goccy/go-json"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// Client invokes the operations of a Service. Each invocation builds a
// Request from the call arguments and performs it through a retrying
// executor. A Client is safe for concurrent use.
type Client struct {
	service    *Service
	registry   *Registry
	builder    *RequestBuilder
	executor   Executor
	logger     *zap.Logger
	metrics    *MetricsCollector
	properties Properties
}

type clientOptions struct {
	registry        *Registry
	retryHandler    RetryHandler
	auth            Authorization
	interceptors    []Interceptor
	logger          *zap.Logger
	metrics         *MetricsCollector
	limiter         *rate.Limiter
	factory         ChannelFactory
	httpClient      *http.Client
	compression     bool
	responseHandler ResponseHandler
	listSeparator   string
	properties      Properties
	requestID       string
}

// ClientOption is a function type for configuring the Client.
type ClientOption func(*clientOptions)

// WithRegistry sets the serializer registry. Default NewDefaultRegistry().
func WithRegistry(r *Registry) ClientOption {
	return func(o *clientOptions) {
		if r != nil {
			o.registry = r
		}
	}
}

// WithRetryHandler sets the retry policy. Default NeverRetry.
func WithRetryHandler(h RetryHandler) ClientOption {
	return func(o *clientOptions) {
		o.retryHandler = h
	}
}

// WithAuthorization signs every attempt with auth and refreshes it when an
// attempt is answered with 401.
func WithAuthorization(auth Authorization) ClientOption {
	return func(o *clientOptions) {
		o.auth = auth
	}
}

// WithInterceptors appends interceptors run before every attempt.
func WithInterceptors(interceptors ...Interceptor) ClientOption {
	return func(o *clientOptions) {
		o.interceptors = append(o.interceptors, interceptors...)
	}
}

// WithRequestID stamps an id on header for every invocation.
func WithRequestID(header string) ClientOption {
	return func(o *clientOptions) {
		o.requestID = firstNonEmpty(header, DefaultRequestIDHeader)
	}
}

// WithLogger sets the logger for logging HTTP operations (retries, errors, etc.).
// Pass nil to disable logging (default behavior).
func WithLogger(logger *zap.Logger) ClientOption {
	return func(o *clientOptions) {
		o.logger = logger
	}
}

// WithMetrics records attempts, retries and give-ups on mc.
func WithMetrics(mc *MetricsCollector) ClientOption {
	return func(o *clientOptions) {
		o.metrics = mc
	}
}

// WithRateLimiter makes every attempt wait on limiter.
func WithRateLimiter(limiter *rate.Limiter) ClientOption {
	return func(o *clientOptions) {
		o.limiter = limiter
	}
}

// WithChannelFactory replaces the HTTP transport. It takes precedence over
// WithHTTPClient.
func WithChannelFactory(f ChannelFactory) ClientOption {
	return func(o *clientOptions) {
		o.factory = f
	}
}

// WithHTTPClient sets the *http.Client behind the default channel factory.
// If httpClient is nil, the option is ignored.
//
// Per-method connect timeouts are only enforced by clients made with
// ClientBuilder. A custom transport receives them on the request context and
// must read them with ConnectTimeoutFrom in its dialer to honor them.
func WithHTTPClient(httpClient *http.Client) ClientOption {
	return func(o *clientOptions) {
		if httpClient != nil {
			o.httpClient = httpClient
		}
	}
}

// WithResponseCompression asks servers for compressed bodies.
func WithResponseCompression(enabled bool) ClientOption {
	return func(o *clientOptions) {
		o.compression = enabled
	}
}

// WithResponseHandler replaces StatusResponseHandler. nil hands every
// response to the caller whatever its status.
func WithResponseHandler(h ResponseHandler) ClientOption {
	return func(o *clientOptions) {
		o.responseHandler = h
	}
}

// WithDefaultListSeparator sets the list separator used when no param,
// method or interface declares one.
func WithDefaultListSeparator(sep string) ClientOption {
	return func(o *clientOptions) {
		o.listSeparator = sep
	}
}

// WithProperties sets properties copied into every Request.
func WithProperties(props Properties) ClientOption {
	return func(o *clientOptions) {
		o.properties = props
	}
}

// NewClient wires a RequestBuilder, a ChannelExecutor and a RetryingExecutor
// for service.
func NewClient(service *Service, options ...ClientOption) (*Client, error) {
	if service == nil {
		return nil, fmt.Errorf("service cannot be nil")
	}

	o := &clientOptions{
		responseHandler: StatusResponseHandler{},
	}

	for _, option := range options {
		option(o)
	}

	if o.logger == nil {
		o.logger = zap.NewNop()
	}

	if o.registry == nil {
		o.registry = NewDefaultRegistry()
	}

	if o.factory == nil {
		o.factory = NewHTTPChannelFactory(o.httpClient,
			WithCompression(o.compression),
			WithChannelLogger(o.logger),
		)
	}

	var interceptors []Interceptor
	if o.auth != nil {
		interceptors = append(interceptors, AuthorizationInterceptor(o.auth, nil))
	}

	if o.requestID != "" {
		interceptors = append(interceptors, RequestIDInterceptor(o.requestID))
	}

	interceptors = append(interceptors, o.interceptors...)

	channel := NewChannelExecutor(o.factory,
		WithExecutorInterceptors(interceptors...),
		WithExecutorRateLimiter(o.limiter),
		WithExecutorResponseHandler(o.responseHandler),
		WithExecutorLogger(o.logger),
		WithExecutorMetrics(o.metrics),
	)

	handler := o.retryHandler
	if handler == nil {
		handler = NeverRetry
	}

	if o.auth != nil {
		handler = NewAuthRefreshRetryHandler(o.auth, handler, o.logger)
	}

	return &Client{
		service:  service,
		registry: o.registry,
		builder: NewRequestBuilder(o.registry,
			WithListSeparator(o.listSeparator),
			WithBuilderLogger(o.logger),
		),
		executor: NewRetryingExecutor(channel, handler,
			WithRetryLogger(o.logger),
			WithRetryMetrics(o.metrics),
		),
		logger:     o.logger,
		metrics:    o.metrics,
		properties: o.properties,
	}, nil
}

// Service returns the service the client invokes.
func (c *Client) Service() *Service {
	return c.service
}

// Invoke performs operation op with args. The caller must Close the
// returned Response. A returned *RequestError with a Response must be
// disposed by the caller.
func (c *Client) Invoke(ctx context.Context, op string, args ...any) (*Response, error) {
	cfg, ok := c.service.Method(op)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownOperation, op)
	}

	req, err := c.builder.Build(ctx, cfg, args...)
	if err != nil {
		c.metrics.RecordBuildError(op)
		c.logger.Debug("request build failed", zap.String("operation", op), zap.Error(err))

		return nil, err
	}

	maps.Copy(req.Properties, c.properties)

	return c.executor.Execute(ctx, req)
}

// Result is a deserialized response.
type Result[T any] struct {
	Data       T
	Headers    http.Header
	RawBody    []byte
	StatusCode int
}

// ErrorResponse represents an error response from the API.
type ErrorResponse struct {
	Message    string `json:"message,omitempty"`
	ErrorMsg   string `json:"error,omitempty"`
	Details    string `json:"details,omitempty"`
	StatusCode int    `json:"statusCode,omitempty"`
	Operation  string `json:"-"`
	Err        error  `json:"-"`
}

// Error implements the error interface for ErrorResponse.
// It returns a human-readable error message that includes the HTTP status code
// and any available error details from the API response.
func (e *ErrorResponse) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("http %d: %s", e.StatusCode, e.Message)
	}

	if e.ErrorMsg != "" {
		return fmt.Sprintf("http %d: %s", e.StatusCode, e.ErrorMsg)
	}

	return fmt.Sprintf("http %d: request failed", e.StatusCode)
}

// Unwrap returns the RequestError that carried the response, if any.
func (e *ErrorResponse) Unwrap() error {
	return e.Err
}

// Call invokes op and deserializes the response body into T with the
// registry deserializer for the response content type. Statuses >= 400 are
// returned as *ErrorResponse.
func Call[T any](ctx context.Context, c *Client, op string, args ...any) (*Result[T], error) {
	resp, err := c.Invoke(ctx, op, args...)
	if err != nil {
		reqErr, ok := AsRequestError(err)
		if !ok || !reqErr.HasResponse() {
			return nil, err
		}

		defer reqErr.Dispose()

		body, readErr := reqErr.Response.ReadAll()
		if readErr != nil {
			return nil, fmt.Errorf("read error response body: %w", readErr)
		}

		return nil, handleErrorResponse(op, reqErr.StatusCode(), body, reqErr)
	}
	defer resp.Close()

	body, err := resp.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("read response body: %w", err)
	}

	c.logger.Debug("Response body (raw)",
		zap.String("operation", op),
		zap.Int("length", len(body)),
		zap.String("content_type", resp.ContentType),
	)

	if resp.StatusCode >= 400 {
		return nil, handleErrorResponse(op, resp.StatusCode, body, nil)
	}

	result := &Result[T]{
		StatusCode: resp.StatusCode,
		Headers:    resp.Header,
		RawBody:    body,
	}

	if len(body) == 0 {
		return result, nil
	}

	if err := c.decode(op, resp, body, &result.Data); err != nil {
		return nil, err
	}

	return result, nil
}

func (c *Client) decode(op string, resp *Response, body []byte, target any) error {
	cfg, _ := c.service.Method(op)

	mediaType := resp.ContentType
	if mediaType == "" && cfg != nil {
		mediaType = cfg.Consumes
	}

	if mediaType == "" {
		mediaType = MediaTypeJSON
	}

	fallback := DefaultCharset
	if cfg != nil {
		fallback = firstNonEmpty(cfg.Charset, DefaultCharset)
	}

	deserializer, err := c.registry.Deserializer(mediaType)
	if err != nil {
		return err
	}

	if err := deserializer.Deserialize(bytes.NewReader(body), target, charsetOf(mediaType, fallback)); err != nil {
		return fmt.Errorf("deserialize %s response: %w", normalizeMediaType(mediaType), err)
	}

	return nil
}

// handleErrorResponse attempts to unmarshal the error response as JSON, and
// if that fails, uses the raw body as the error message.
func handleErrorResponse(op string, statusCode int, body []byte, cause error) error {
	errorResp := &ErrorResponse{
		StatusCode: statusCode,
		Operation:  op,
		Err:        cause,
	}

	if len(body) > 0 {
		if err := json.Unmarshal(body, errorResp); err != nil {
			errorResp.Message = string(body)
		}
	}

	// the body may carry its own statusCode field
	errorResp.StatusCode = statusCode

	if errorResp.Message == "" && errorResp.ErrorMsg == "" {
		errorResp.Message = http.StatusText(statusCode)
	}

	return errorResp
}
