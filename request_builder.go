package restx

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"slices"

	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// DefaultAccept is sent when a method does not declare what it consumes.
const DefaultAccept = "*/*"

// RequestBuilder turns a MethodConfig and the arguments of one call into a
// Request. It performs no I/O and is safe for concurrent use.
type RequestBuilder struct {
	registry      *Registry
	listSeparator string
	logger        *zap.Logger
}

// RequestBuilderOption configures a RequestBuilder.
type RequestBuilderOption func(*RequestBuilder)

// WithListSeparator sets the separator used when neither the param, the
// method nor the interface configures one. Unset by default.
func WithListSeparator(sep string) RequestBuilderOption {
	return func(rb *RequestBuilder) {
		rb.listSeparator = sep
	}
}

// WithBuilderLogger sets the logger used for debug output of built requests.
func WithBuilderLogger(logger *zap.Logger) RequestBuilderOption {
	return func(rb *RequestBuilder) {
		if logger != nil {
			rb.logger = logger
		}
	}
}

// NewRequestBuilder creates a RequestBuilder that looks up serializers in
// registry. A nil registry means NewDefaultRegistry().
func NewRequestBuilder(registry *Registry, opts ...RequestBuilderOption) *RequestBuilder {
	if registry == nil {
		registry = NewDefaultRegistry()
	}

	rb := &RequestBuilder{
		registry: registry,
		logger:   zap.NewNop(),
	}

	for _, opt := range opts {
		opt(rb)
	}

	return rb
}

// Build resolves every param of cfg against args and returns the Request.
// All param failures of the call are reported together.
func (rb *RequestBuilder) Build(ctx context.Context, cfg *MethodConfig, args ...any) (*Request, error) {
	if ctx == nil {
		return nil, fmt.Errorf("context cannot be nil")
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	if cfg == nil {
		return nil, fmt.Errorf("method config cannot be nil")
	}

	if err := rb.validate(cfg); err != nil {
		return nil, err
	}

	req := NewRequest(cfg.HTTPMethod, cfg.URITemplate())
	req.Operation = cfg.Name
	req.Charset = firstNonEmpty(cfg.Charset, DefaultCharset)
	req.Accept = firstNonEmpty(cfg.Consumes, DefaultAccept)
	req.ContentType = cfg.Produces
	req.ConnectTimeout = cfg.ConnectTimeout
	req.ReadTimeout = cfg.ReadTimeout

	for key, values := range cfg.Headers {
		req.Header[key] = slices.Clone(values)
	}

	var errs error
	for _, pc := range cfg.Params {
		errs = multierr.Append(errs, rb.bindParam(req, cfg, pc, args))
	}

	errs = multierr.Append(errs, rb.buildEntity(req, cfg, args))

	if errs != nil {
		return nil, errs
	}

	if _, err := req.RenderURL(); err != nil {
		return nil, &BuildError{Operation: cfg.Name, Cause: err}
	}

	rb.logger.Debug("request built",
		zap.String("operation", cfg.Name),
		zap.String("method", req.Method),
		zap.String("uri_template", req.URITemplate),
		zap.Bool("has_entity", req.Entity != nil),
	)

	return req, nil
}

func (rb *RequestBuilder) validate(cfg *MethodConfig) error {
	if cfg.HTTPMethod == "" {
		return &BuildError{Operation: cfg.Name, Cause: fmt.Errorf("HTTP method must be specified")}
	}

	if !isValidHTTPMethod(cfg.HTTPMethod) {
		return &BuildError{Operation: cfg.Name, Cause: fmt.Errorf("invalid http method: %s", cfg.HTTPMethod)}
	}

	if err := validateBaseURL(cfg.BaseURL); err != nil {
		return &BuildError{Operation: cfg.Name, Cause: err}
	}

	return nil
}

func (rb *RequestBuilder) bindParam(req *Request, cfg *MethodConfig, pc ParamConfig, args []any) error {
	var raw any
	if pc.Arg != NoArg {
		if pc.Arg < 0 || pc.Arg >= len(args) {
			return &BuildError{
				Operation: cfg.Name,
				Param:     pc.Name,
				Cause:     fmt.Errorf("%w: %d (call has %d arguments)", ErrArgumentIndex, pc.Arg, len(args)),
			}
		}

		raw = args[pc.Arg]
	}

	param := NewParam(pc, raw)
	if param.IsEmpty() {
		switch {
		case pc.HasDefault():
			// defaults are wire text already, the param serializer does not apply
			param = NewParam(pc.WithSerializer(nil), *pc.Default)
		case pc.Destination == InPath:
			return &BuildError{
				Operation: cfg.Name,
				Param:     pc.Name,
				Cause:     fmt.Errorf("%w: {%s} has no value", ErrUnresolvedPlaceholder, pc.Name),
			}
		default:
			return nil
		}
	}

	pairs, err := param.Encode(encodeOptions{
		charset:   req.Charset,
		separator: cfg.separatorFor(pc, rb.listSeparator),
		primitive: rb.registry.Primitive(),
	})
	if err != nil {
		return &BuildError{Operation: cfg.Name, Param: pc.Name, Cause: err}
	}

	req.SetParam(param, pairs)

	return nil
}

func (rb *RequestBuilder) buildEntity(req *Request, cfg *MethodConfig, args []any) error {
	if cfg.EntityArg != NoArg {
		if cfg.EntityArg < 0 || cfg.EntityArg >= len(args) {
			return &BuildError{
				Operation: cfg.Name,
				Cause:     fmt.Errorf("entity: %w: %d (call has %d arguments)", ErrArgumentIndex, cfg.EntityArg, len(args)),
			}
		}

		return rb.serializeEntity(req, cfg, args[cfg.EntityArg])
	}

	if !cfg.permitsBody() {
		return nil
	}

	params := req.Params(InForm)
	if len(params) == 0 {
		return nil
	}

	pairs, err := req.EncodedPairs(InForm)
	if err != nil {
		return &BuildError{Operation: cfg.Name, Cause: err}
	}

	writer := cfg.EntityWriter
	if writer == nil {
		writer = FormEntityWriter{}
	}

	entity, err := writer.WriteEntity(FormData{
		Params:   params,
		Pairs:    pairs,
		Charset:  req.Charset,
		Registry: rb.registry,
	})
	if err != nil {
		return &BuildError{Operation: cfg.Name, Cause: fmt.Errorf("write form entity: %w", err)}
	}

	req.Entity = entity
	req.ContentType = entity.ContentType()
	req.formInBody = true

	return nil
}

func (rb *RequestBuilder) serializeEntity(req *Request, cfg *MethodConfig, v any) error {
	if v == nil {
		return nil
	}

	if entity, ok := v.(Entity); ok {
		req.Entity = entity
		req.ContentType = entity.ContentType()

		return nil
	}

	mediaType := firstNonEmpty(cfg.Produces, MediaTypeJSON)

	serializer, err := rb.registry.Serializer(mediaType)
	if err != nil {
		return &BuildError{Operation: cfg.Name, Cause: fmt.Errorf("entity: %w", err)}
	}

	data, err := serializeToBytes(serializer, v, req.Charset)
	if err != nil {
		return &BuildError{Operation: cfg.Name, Cause: fmt.Errorf("serialize entity %T: %w", v, err)}
	}

	contentType := mediaType
	if !isUTF8(req.Charset) && charsetOf(mediaType, "") == "" {
		contentType += "; charset=" + req.Charset
	}

	req.Entity = NewBytesEntity(contentType, data)
	req.ContentType = contentType

	return nil
}

// IsBuildError reports whether err happened while building a request, in
// which case no network call was made.
func IsBuildError(err error) bool {
	var be *BuildError
	return errors.As(err, &be)
}

// basicAuth encodes username and password for basic authentication.
func basicAuth(username, password string) string {
	auth := username + ":" + password

	return base64.StdEncoding.EncodeToString([]byte(auth))
}

// isValidHTTPMethod checks if the provided method is a valid HTTP method.
func isValidHTTPMethod(method string) bool {
	validMethods := []string{
		http.MethodGet,
		http.MethodPost,
		http.MethodPut,
		http.MethodDelete,
		http.MethodPatch,
		http.MethodHead,
		http.MethodOptions,
		http.MethodTrace,
		http.MethodConnect,
	}

	return slices.Contains(validMethods, method)
}
