package restx

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"golang.org/x/oauth2"
	"golang.org/x/sync/singleflight"
)

// DefaultRequestIDHeader is the header RequestIDInterceptor sets by default.
const DefaultRequestIDHeader = "X-Request-ID"

const requestIDProperty = "restx.request_id"

// ErrNoToken is returned when an OAuth2 source yields no usable token.
var ErrNoToken = errors.New("oauth2: no access token")

// Authorization signs requests and refreshes its credentials when a
// server rejects them.
type Authorization interface {
	Sign(req *Request, props Properties) error
	Refresh(ctx context.Context) error
}

// BasicAuthorization sends a fixed Basic credential.
type BasicAuthorization struct {
	Username string
	Password string
}

func (a BasicAuthorization) Sign(req *Request, _ Properties) error {
	if a.Username == "" {
		return fmt.Errorf("username for basic auth cannot be empty")
	}

	if a.Password == "" {
		return fmt.Errorf("password for basic auth cannot be empty")
	}

	req.SetHeader("Authorization", "Basic "+basicAuth(a.Username, a.Password))

	return nil
}

// Refresh is a no-op: basic credentials never change.
func (BasicAuthorization) Refresh(context.Context) error {
	return nil
}

// OAuth2Authorization signs requests with a token from an oauth2.TokenSource.
// The source is asked for a new token on every Refresh, so it should not be
// wrapped in oauth2.ReuseTokenSource. Concurrent refreshes share one call to
// the source and all of them observe its token.
type OAuth2Authorization struct {
	source oauth2.TokenSource

	mu    sync.RWMutex
	token *oauth2.Token

	group     singleflight.Group
	refreshes atomic.Int64
}

// NewOAuth2Authorization creates an authorization over source.
func NewOAuth2Authorization(source oauth2.TokenSource) *OAuth2Authorization {
	return &OAuth2Authorization{source: source}
}

// Sign sets the Authorization header, fetching a token first when none is
// held or the held one expired.
func (a *OAuth2Authorization) Sign(req *Request, _ Properties) error {
	token := a.current()
	if token == nil || !token.Valid() {
		if err := a.Refresh(context.Background()); err != nil {
			return err
		}

		token = a.current()
	}

	req.SetHeader("Authorization", token.Type()+" "+token.AccessToken)

	return nil
}

// Refresh replaces the held token with a new one from the source.
func (a *OAuth2Authorization) Refresh(ctx context.Context) error {
	ch := a.group.DoChan("token", func() (any, error) {
		token, err := a.source.Token()
		if err != nil {
			return nil, fmt.Errorf("oauth2 refresh: %w", err)
		}

		if token == nil || token.AccessToken == "" {
			return nil, ErrNoToken
		}

		a.mu.Lock()
		a.token = token
		a.mu.Unlock()

		a.refreshes.Add(1)

		return token, nil
	})

	select {
	case <-ctx.Done():
		return ctx.Err()
	case res := <-ch:
		return res.Err
	}
}

// Refreshes returns how many times the source was called successfully.
func (a *OAuth2Authorization) Refreshes() int64 {
	return a.refreshes.Load()
}

func (a *OAuth2Authorization) current() *oauth2.Token {
	a.mu.RLock()
	defer a.mu.RUnlock()

	return a.token
}

// AuthorizationInterceptor signs every attempt with auth. props are passed
// to Sign; nil means the request's own Properties.
func AuthorizationInterceptor(auth Authorization, props Properties) Interceptor {
	return func(_ context.Context, req *Request) error {
		p := props
		if p == nil {
			p = req.Properties
		}

		if err := auth.Sign(req, p); err != nil {
			return fmt.Errorf("sign request: %w", err)
		}

		return nil
	}
}

// RequestIDInterceptor stamps a random id on header, DefaultRequestIDHeader
// when empty. Retries of one invocation carry the same id.
func RequestIDInterceptor(header string) Interceptor {
	if header == "" {
		header = DefaultRequestIDHeader
	}

	return func(_ context.Context, req *Request) error {
		if req.Properties == nil {
			req.Properties = make(Properties)
		}

		id := req.Properties.Get(requestIDProperty)
		if id == "" {
			id = uuid.NewString()
			req.Properties[requestIDProperty] = id
		}

		req.SetHeader(header, id)

		return nil
	}
}
