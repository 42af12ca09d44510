package restx

import (
	"context"
	"net"
	"net/http"
	"net/url"
	"time"

	"go.uber.org/zap"
)

const (
	ValidMaxIdleConns             = 200
	ValidMinIdleConns             = 1
	ValidMaxIdleConnsPerHost      = 200
	ValidMinIdleConnsPerHost      = 1
	ValidMaxIdleConnTimeout       = 120 * time.Second
	ValidMinIdleConnTimeout       = 1 * time.Second
	ValidMaxTLSHandshakeTimeout   = 15 * time.Second
	ValidMinTLSHandshakeTimeout   = 1 * time.Second
	ValidMaxExpectContinueTimeout = 5 * time.Second
	ValidMinExpectContinueTimeout = 1 * time.Second
	ValidMaxTimeout               = 30 * time.Second
	ValidMinTimeout               = 1 * time.Second
	ValidMaxConnectTimeout        = 30 * time.Second
	ValidMinConnectTimeout        = 100 * time.Millisecond

	// DefaultMaxIdleConns is the default maximum number of idle connections
	DefaultMaxIdleConns = 100

	// DefaultIdleConnTimeout is the default idle connection timeout
	DefaultIdleConnTimeout = 90 * time.Second

	// DefaultTLSHandshakeTimeout is the default TLS handshake timeout
	DefaultTLSHandshakeTimeout = 10 * time.Second

	// DefaultExpectContinueTimeout is the default expect continue timeout
	DefaultExpectContinueTimeout = 1 * time.Second

	// DefaultDisableKeepAlive is the default disable keep-alive setting
	DefaultDisableKeepAlive = false

	// DefaultMaxIdleConnsPerHost is the default maximum number of idle connections per host
	DefaultMaxIdleConnsPerHost = 100

	// DefaultTimeout is the default timeout for HTTP requests
	DefaultTimeout = 5 * time.Second

	// DefaultConnectTimeout bounds dialing when a request does not set its own.
	DefaultConnectTimeout = 10 * time.Second
)

type connectTimeoutKey struct{}

// WithConnectTimeout returns a context whose dials through a ClientBuilder
// transport are bounded by d.
func WithConnectTimeout(ctx context.Context, d time.Duration) context.Context {
	return context.WithValue(ctx, connectTimeoutKey{}, d)
}

// ConnectTimeoutFrom returns the connect timeout stored in ctx.
func ConnectTimeoutFrom(ctx context.Context) (time.Duration, bool) {
	d, ok := ctx.Value(connectTimeoutKey{}).(time.Duration)
	return d, ok && d > 0
}

// transportSettings holds what ClientBuilder turns into an *http.Client.
type transportSettings struct {
	maxIdleConns          int
	idleConnTimeout       time.Duration
	tlsHandshakeTimeout   time.Duration
	expectContinueTimeout time.Duration
	maxIdleConnsPerHost   int
	timeout               time.Duration
	connectTimeout        time.Duration
	disableKeepAlive      bool
	proxyURL              string
	logger                *zap.Logger
}

// ClientBuilder is a builder for the *http.Client behind HTTPChannelFactory.
// Retries are not part of the transport; they belong to RetryingExecutor.
type ClientBuilder struct {
	settings *transportSettings
}

// NewClientBuilder creates a new ClientBuilder with default settings
func NewClientBuilder() *ClientBuilder {
	return &ClientBuilder{
		settings: &transportSettings{
			maxIdleConns:          DefaultMaxIdleConns,
			idleConnTimeout:       DefaultIdleConnTimeout,
			tlsHandshakeTimeout:   DefaultTLSHandshakeTimeout,
			expectContinueTimeout: DefaultExpectContinueTimeout,
			disableKeepAlive:      DefaultDisableKeepAlive,
			maxIdleConnsPerHost:   DefaultMaxIdleConnsPerHost,
			timeout:               DefaultTimeout,
			connectTimeout:        DefaultConnectTimeout,
			logger:                zap.NewNop(),
		},
	}
}

// WithMaxIdleConns sets the maximum number of idle connections
// and returns the ClientBuilder for method chaining
func (b *ClientBuilder) WithMaxIdleConns(maxIdleConns int) *ClientBuilder {
	b.settings.maxIdleConns = maxIdleConns

	return b
}

// WithIdleConnTimeout sets the idle connection timeout
// and returns the ClientBuilder for method chaining
func (b *ClientBuilder) WithIdleConnTimeout(idleConnTimeout time.Duration) *ClientBuilder {
	b.settings.idleConnTimeout = idleConnTimeout

	return b
}

// WithTLSHandshakeTimeout sets the TLS handshake timeout
// and returns the ClientBuilder for method chaining
func (b *ClientBuilder) WithTLSHandshakeTimeout(tlsHandshakeTimeout time.Duration) *ClientBuilder {
	b.settings.tlsHandshakeTimeout = tlsHandshakeTimeout

	return b
}

// WithExpectContinueTimeout sets the expect continue timeout
// and returns the ClientBuilder for method chaining
func (b *ClientBuilder) WithExpectContinueTimeout(expectContinueTimeout time.Duration) *ClientBuilder {
	b.settings.expectContinueTimeout = expectContinueTimeout

	return b
}

// WithDisableKeepAlive sets whether to disable keep-alive
// and returns the ClientBuilder for method chaining
func (b *ClientBuilder) WithDisableKeepAlive(disableKeepAlive bool) *ClientBuilder {
	b.settings.disableKeepAlive = disableKeepAlive

	return b
}

// WithMaxIdleConnsPerHost sets the maximum number of idle connections per host
// and returns the ClientBuilder for method chaining
func (b *ClientBuilder) WithMaxIdleConnsPerHost(maxIdleConnsPerHost int) *ClientBuilder {
	b.settings.maxIdleConnsPerHost = maxIdleConnsPerHost

	return b
}

// WithTimeout sets the overall timeout of one exchange
// and returns the ClientBuilder for method chaining
func (b *ClientBuilder) WithTimeout(timeout time.Duration) *ClientBuilder {
	b.settings.timeout = timeout

	return b
}

// WithConnectTimeout sets the dial timeout used when the request context
// carries none, and returns the ClientBuilder for method chaining
func (b *ClientBuilder) WithConnectTimeout(connectTimeout time.Duration) *ClientBuilder {
	b.settings.connectTimeout = connectTimeout

	return b
}

// WithLogger sets the logger used to report invalid settings.
// Pass nil to disable logging (default behavior).
func (b *ClientBuilder) WithLogger(logger *zap.Logger) *ClientBuilder {
	if logger == nil {
		logger = zap.NewNop()
	}

	b.settings.logger = logger

	return b
}

// WithProxy sets the proxy URL for HTTP requests.
// The proxy URL should be in the format "http://proxy.example.com:8080" or "https://proxy.example.com:8080".
// Pass an empty string to disable proxy (default behavior).
func (b *ClientBuilder) WithProxy(proxyURL string) *ClientBuilder {
	b.settings.proxyURL = proxyURL

	return b
}

// Build creates and returns a new HTTP client with the specified settings.
// Out of range values are replaced by their defaults with a warning.
func (b *ClientBuilder) Build() *http.Client {
	s := b.settings
	log := s.logger

	if s.maxIdleConns < ValidMinIdleConns || s.maxIdleConns > ValidMaxIdleConns {
		log.Warn("Invalid max idle connections, using default value", zap.Int("invalidValue", s.maxIdleConns), zap.Int("defaultValue", DefaultMaxIdleConns))

		s.maxIdleConns = DefaultMaxIdleConns
	}

	if s.idleConnTimeout < ValidMinIdleConnTimeout || s.idleConnTimeout > ValidMaxIdleConnTimeout {
		log.Warn("Invalid idle connection timeout, using default value", zap.Duration("invalidValue", s.idleConnTimeout), zap.Duration("defaultValue", DefaultIdleConnTimeout))

		s.idleConnTimeout = DefaultIdleConnTimeout
	}

	if s.tlsHandshakeTimeout < ValidMinTLSHandshakeTimeout || s.tlsHandshakeTimeout > ValidMaxTLSHandshakeTimeout {
		log.Warn("Invalid TLS handshake timeout, using default value", zap.Duration("invalidValue", s.tlsHandshakeTimeout), zap.Duration("defaultValue", DefaultTLSHandshakeTimeout))

		s.tlsHandshakeTimeout = DefaultTLSHandshakeTimeout
	}

	if s.expectContinueTimeout < ValidMinExpectContinueTimeout || s.expectContinueTimeout > ValidMaxExpectContinueTimeout {
		log.Warn("Invalid expect continue timeout, using default value", zap.Duration("invalidValue", s.expectContinueTimeout), zap.Duration("defaultValue", DefaultExpectContinueTimeout))

		s.expectContinueTimeout = DefaultExpectContinueTimeout
	}

	if s.maxIdleConnsPerHost < ValidMinIdleConnsPerHost || s.maxIdleConnsPerHost > ValidMaxIdleConnsPerHost {
		log.Warn("Invalid max idle connections per host, using default value", zap.Int("invalidValue", s.maxIdleConnsPerHost), zap.Int("defaultValue", DefaultMaxIdleConnsPerHost))

		s.maxIdleConnsPerHost = DefaultMaxIdleConnsPerHost
	}

	if s.timeout < ValidMinTimeout || s.timeout > ValidMaxTimeout {
		log.Warn("Invalid timeout, using default value", zap.Duration("invalidValue", s.timeout), zap.Duration("defaultValue", DefaultTimeout))

		s.timeout = DefaultTimeout
	}

	if s.connectTimeout < ValidMinConnectTimeout || s.connectTimeout > ValidMaxConnectTimeout {
		log.Warn("Invalid connect timeout, using default value", zap.Duration("invalidValue", s.connectTimeout), zap.Duration("defaultValue", DefaultConnectTimeout))

		s.connectTimeout = DefaultConnectTimeout
	}

	transport := &http.Transport{
		DialContext:           dialContext(s.connectTimeout),
		MaxIdleConns:          s.maxIdleConns,
		IdleConnTimeout:       s.idleConnTimeout,
		TLSHandshakeTimeout:   s.tlsHandshakeTimeout,
		ExpectContinueTimeout: s.expectContinueTimeout,
		DisableKeepAlives:     s.disableKeepAlive,
		MaxIdleConnsPerHost:   s.maxIdleConnsPerHost,
	}

	if s.proxyURL != "" {
		parsedProxyURL, err := url.Parse(s.proxyURL)
		if err != nil {
			log.Warn("Failed to parse proxy URL, proceeding without proxy", zap.String("proxyURL", s.proxyURL), zap.Error(err))
		} else {
			transport.Proxy = http.ProxyURL(parsedProxyURL)
		}
	}

	return &http.Client{
		Timeout:   s.timeout,
		Transport: transport,
	}
}

// dialContext dials with the connect timeout carried by the request context,
// falling back to fallback.
func dialContext(fallback time.Duration) func(ctx context.Context, network, addr string) (net.Conn, error) {
	return func(ctx context.Context, network, addr string) (net.Conn, error) {
		timeout := fallback
		if d, ok := ConnectTimeoutFrom(ctx); ok {
			timeout = d
		}

		dialer := &net.Dialer{
			Timeout:   timeout,
			KeepAlive: 30 * time.Second,
		}

		return dialer.DialContext(ctx, network, addr)
	}
}
