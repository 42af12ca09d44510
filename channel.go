package restx

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// Channel is one request/response exchange with a server.
type Channel interface {
	SetTimeouts(connect, read time.Duration)
	SetHeader(key, value string)
	AddHeader(key, value string)
	WriteEntity(e Entity) error
	Send(ctx context.Context) (*Response, error)
	Close() error
}

// ChannelFactory opens channels.
type ChannelFactory interface {
	Open(ctx context.Context, method, url string) (Channel, error)
}

// ChannelFactoryFunc adapts a function to the ChannelFactory interface.
type ChannelFactoryFunc func(ctx context.Context, method, url string) (Channel, error)

func (f ChannelFactoryFunc) Open(ctx context.Context, method, url string) (Channel, error) {
	return f(ctx, method, url)
}

// Response is the outcome of a successful exchange. The caller must Close it;
// Close releases the body and the channel and is safe to call more than once.
type Response struct {
	StatusCode      int
	Status          string
	Header          http.Header
	ContentType     string
	ContentEncoding string
	Body            io.Reader

	closeOnce sync.Once
	closers   []func() error
	closeErr  error
}

// NewResponse creates a Response whose Close closes body.
func NewResponse(statusCode int, header http.Header, body io.ReadCloser) *Response {
	if header == nil {
		header = make(http.Header)
	}

	if body == nil {
		body = http.NoBody
	}

	resp := &Response{
		StatusCode:      statusCode,
		Status:          fmt.Sprintf("%d %s", statusCode, http.StatusText(statusCode)),
		Header:          header,
		ContentType:     header.Get("Content-Type"),
		ContentEncoding: header.Get("Content-Encoding"),
		Body:            body,
	}

	resp.addCloser(body.Close)

	return resp
}

func (r *Response) addCloser(fn func() error) {
	r.closers = append(r.closers, fn)
}

// Close releases the response. Only the first call has an effect.
func (r *Response) Close() error {
	r.closeOnce.Do(func() {
		for _, fn := range r.closers {
			r.closeErr = multierr.Append(r.closeErr, fn())
		}
	})

	return r.closeErr
}

// ReadAll reads the remaining body.
func (r *Response) ReadAll() ([]byte, error) {
	if r.Body == nil {
		return nil, nil
	}

	return io.ReadAll(r.Body)
}

// IsSuccess reports a 2xx status.
func (r *Response) IsSuccess() bool {
	return r.StatusCode >= 200 && r.StatusCode < 300
}

// HTTPChannelFactory opens channels backed by an *http.Client.
type HTTPChannelFactory struct {
	client      *http.Client
	compression bool
	logger      *zap.Logger
}

// HTTPChannelOption configures an HTTPChannelFactory.
type HTTPChannelOption func(*HTTPChannelFactory)

// WithCompression asks servers for gzip or zstd bodies and decodes them.
func WithCompression(enabled bool) HTTPChannelOption {
	return func(f *HTTPChannelFactory) {
		f.compression = enabled
	}
}

// WithChannelLogger sets the logger used for exchange debug output.
func WithChannelLogger(logger *zap.Logger) HTTPChannelOption {
	return func(f *HTTPChannelFactory) {
		if logger != nil {
			f.logger = logger
		}
	}
}

// NewHTTPChannelFactory creates a factory over client. A nil client means
// NewClientBuilder().Build().
func NewHTTPChannelFactory(client *http.Client, opts ...HTTPChannelOption) *HTTPChannelFactory {
	if client == nil {
		client = NewClientBuilder().Build()
	}

	f := &HTTPChannelFactory{
		client: client,
		logger: zap.NewNop(),
	}

	for _, opt := range opts {
		opt(f)
	}

	return f
}

func (f *HTTPChannelFactory) Open(_ context.Context, method, url string) (Channel, error) {
	if !isValidHTTPMethod(method) {
		return nil, fmt.Errorf("invalid http method: %s", method)
	}

	return &httpChannel{
		factory: f,
		method:  method,
		url:     url,
		header:  make(http.Header),
	}, nil
}

type httpChannel struct {
	factory        *HTTPChannelFactory
	method         string
	url            string
	header         http.Header
	body           []byte
	hasBody        bool
	connectTimeout time.Duration
	readTimeout    time.Duration

	mu     sync.Mutex
	cancel context.CancelFunc
	closed bool
}

func (c *httpChannel) SetTimeouts(connect, read time.Duration) {
	c.connectTimeout = connect
	c.readTimeout = read
}

func (c *httpChannel) SetHeader(key, value string) {
	c.header.Set(key, value)
}

func (c *httpChannel) AddHeader(key, value string) {
	c.header.Add(key, value)
}

func (c *httpChannel) WriteEntity(e Entity) error {
	var buf bytes.Buffer
	if n := e.ContentLength(); n > 0 {
		buf.Grow(int(n))
	}

	if _, err := e.WriteTo(&buf); err != nil {
		return fmt.Errorf("write entity: %w", err)
	}

	c.body = buf.Bytes()
	c.hasBody = true

	return nil
}

func (c *httpChannel) Send(ctx context.Context) (*Response, error) {
	var cancel context.CancelFunc
	if c.readTimeout > 0 {
		ctx, cancel = context.WithTimeout(ctx, c.readTimeout)
	} else {
		ctx, cancel = context.WithCancel(ctx)
	}

	if c.connectTimeout > 0 {
		ctx = WithConnectTimeout(ctx, c.connectTimeout)
	}

	c.mu.Lock()
	c.cancel = cancel
	c.mu.Unlock()

	var body io.Reader
	if c.hasBody {
		body = bytes.NewReader(c.body)
	}

	req, err := http.NewRequestWithContext(ctx, c.method, c.url, body)
	if err != nil {
		return nil, fmt.Errorf("failed to create HTTP request: %w", err)
	}

	req.Header = c.header.Clone()
	if c.factory.compression && req.Header.Get("Accept-Encoding") == "" {
		req.Header.Set("Accept-Encoding", "gzip, zstd")
	}

	c.factory.logger.Debug("Executing HTTP request",
		zap.String("method", req.Method),
		zap.String("url", req.URL.String()),
		zap.Int("body_length", len(c.body)),
	)

	httpResp, err := c.factory.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("execute http request: %w", err)
	}

	c.factory.logger.Debug("Received HTTP response",
		zap.String("status", httpResp.Status),
		zap.Int("status_code", httpResp.StatusCode),
		zap.String("url", req.URL.String()),
		zap.String("method", req.Method),
	)

	resp := &Response{
		StatusCode:      httpResp.StatusCode,
		Status:          httpResp.Status,
		Header:          httpResp.Header,
		ContentType:     httpResp.Header.Get("Content-Type"),
		ContentEncoding: httpResp.Header.Get("Content-Encoding"),
		Body:            httpResp.Body,
	}

	if !httpResp.Uncompressed && hasBody(c.method, httpResp) {
		decoded, err := decodeBody(resp.ContentEncoding, httpResp.Body)
		if err != nil {
			_ = httpResp.Body.Close()
			return nil, err
		}

		if decoded != nil {
			resp.Body = decoded
			resp.addCloser(decoded.Close)
		}
	}

	resp.addCloser(httpResp.Body.Close)

	return resp, nil
}

func hasBody(method string, resp *http.Response) bool {
	if method == http.MethodHead || resp.ContentLength == 0 {
		return false
	}

	return resp.StatusCode != http.StatusNoContent && resp.StatusCode != http.StatusNotModified
}

// decodeBody wraps body in a decoder for encoding. It returns nil for
// identity or unknown encodings.
func decodeBody(encoding string, body io.Reader) (io.ReadCloser, error) {
	switch strings.ToLower(strings.TrimSpace(encoding)) {
	case "gzip", "x-gzip":
		gz, err := gzip.NewReader(body)
		if err != nil {
			return nil, fmt.Errorf("gzip response: %w", err)
		}

		return gz, nil
	case "zstd":
		dec, err := zstd.NewReader(body)
		if err != nil {
			return nil, fmt.Errorf("zstd response: %w", err)
		}

		return dec.IOReadCloser(), nil
	default:
		return nil, nil
	}
}

// Close releases the exchange deadline. The response, if any, is released by
// its own Close.
func (c *httpChannel) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil
	}

	c.closed = true
	if c.cancel != nil {
		c.cancel()
	}

	return nil
}
