package restx

import (
	"fmt"
	"net/http"
	"net/url"
	"regexp"
	"slices"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"go.uber.org/multierr"
)

var validate = validator.New(validator.WithRequiredStructEnabled())

var placeholderPattern = regexp.MustCompile(`\{([^{}/]+)\}`)

// MethodConfig is the compiled description of one operation. Interface level
// params, headers and settings are already merged in. A MethodConfig is shared
// by every call of the operation and must not be mutated after Build.
type MethodConfig struct {
	Name       string `validate:"required"`
	HTTPMethod string `validate:"required,oneof=GET HEAD POST PUT PATCH DELETE OPTIONS TRACE CONNECT"`
	BaseURL    string `validate:"required,url"`
	Path       string

	// Params in declaration order: interface level first, then method level.
	Params []ParamConfig

	// ListSeparator and InterfaceListSeparator are consulted, in that order,
	// for params that do not declare their own separator.
	ListSeparator          string
	InterfaceListSeparator string

	Charset  string
	Produces string
	Consumes string
	Headers  http.Header

	// EntityArg is the argument sent as request body, serialized with the
	// registry serializer for Produces. NoArg when the method has no such argument.
	EntityArg    int
	EntityWriter EntityWriter

	ConnectTimeout time.Duration `validate:"gte=0"`
	ReadTimeout    time.Duration `validate:"gte=0"`
}

// URITemplate joins the base URL and the path template.
func (m *MethodConfig) URITemplate() string {
	if m.Path == "" {
		return m.BaseURL
	}

	return strings.TrimSuffix(m.BaseURL, "/") + "/" + strings.TrimPrefix(m.Path, "/")
}

// Placeholders returns the {name} placeholders of the path template in order.
func (m *MethodConfig) Placeholders() []string {
	matches := placeholderPattern.FindAllStringSubmatch(m.Path, -1)
	names := make([]string, 0, len(matches))
	for _, match := range matches {
		names = append(names, match[1])
	}

	return names
}

// separatorFor resolves the list separator of p: param, then method, then
// interface, then the builder wide default.
func (m *MethodConfig) separatorFor(p ParamConfig, global string) string {
	for _, sep := range []string{p.ListSeparator, m.ListSeparator, m.InterfaceListSeparator, global} {
		if sep != "" {
			return sep
		}
	}

	return ""
}

// permitsBody reports whether FORM params travel in the entity.
func (m *MethodConfig) permitsBody() bool {
	switch m.HTTPMethod {
	case http.MethodPost, http.MethodPut, http.MethodPatch:
		return true
	default:
		return false
	}
}

func (m *MethodConfig) validate() error {
	var errs error

	if err := validate.Struct(m); err != nil {
		errs = multierr.Append(errs, fmt.Errorf("method %q: %w", m.Name, err))
	}

	if err := validateBaseURL(m.BaseURL); err != nil {
		errs = multierr.Append(errs, fmt.Errorf("method %q: %w", m.Name, err))
	}

	declared := make(map[string]bool)
	for _, p := range m.Params {
		if p.Name == "" {
			errs = multierr.Append(errs, fmt.Errorf("method %q: param name cannot be empty", m.Name))
		}

		if !p.Destination.IsValid() {
			errs = multierr.Append(errs, fmt.Errorf("method %q: param %q: invalid destination %v", m.Name, p.Name, p.Destination))
		}

		if p.Arg < NoArg {
			errs = multierr.Append(errs, fmt.Errorf("method %q: param %q: invalid argument index %d", m.Name, p.Name, p.Arg))
		}

		if p.Destination == InPath {
			declared[p.Name] = true
		}
	}

	for _, name := range m.Placeholders() {
		if !declared[name] {
			errs = multierr.Append(errs, fmt.Errorf("method %q: placeholder {%s} has no path param", m.Name, name))
		}
	}

	return errs
}

// validateBaseURL applies the URL rules of the request builder: a parseable
// URL with an http or https scheme and a host.
func validateBaseURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("invalid base URL: %w", err)
	}

	if u.Scheme == "" {
		return fmt.Errorf("base URL must include a scheme (http or https)")
	}

	if u.Host == "" {
		return fmt.Errorf("base URL must include a host")
	}

	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("unsupported url scheme: %s (only http and https are supported)", u.Scheme)
	}

	return nil
}

// Service maps operation names to their MethodConfig.
type Service struct {
	name    string
	baseURL string
	methods map[string]*MethodConfig
	order   []string
}

// Name returns the service name, possibly empty.
func (s *Service) Name() string {
	return s.name
}

// BaseURL returns the base URL shared by every operation.
func (s *Service) BaseURL() string {
	return s.baseURL
}

// Method returns the configuration of operation name.
func (s *Service) Method(name string) (*MethodConfig, bool) {
	m, ok := s.methods[name]
	return m, ok
}

// Operations returns the operation names in declaration order.
func (s *Service) Operations() []string {
	return slices.Clone(s.order)
}

// ServiceBuilder provides a fluent API to declare a service: interface level
// settings first, then one MethodBuilder per operation.
type ServiceBuilder struct {
	name           string
	baseURL        string
	params         []ParamConfig
	headers        http.Header
	listSeparator  string
	charset        string
	produces       string
	consumes       string
	connectTimeout time.Duration
	readTimeout    time.Duration
	methods        []*MethodBuilder
	errors         []error
}

// NewServiceBuilder creates a ServiceBuilder for the given base URL.
func NewServiceBuilder(baseURL string) *ServiceBuilder {
	return &ServiceBuilder{
		baseURL: baseURL,
		headers: make(http.Header),
		errors:  make([]error, 0),
	}
}

// WithName sets a descriptive service name used in logs and metrics.
func (sb *ServiceBuilder) WithName(name string) *ServiceBuilder {
	sb.name = name

	return sb
}

// WithParam declares an interface level param shared by every method.
func (sb *ServiceBuilder) WithParam(p ParamConfig) *ServiceBuilder {
	sb.params = append(sb.params, p)

	return sb
}

// WithHeader sets a static header sent by every method.
func (sb *ServiceBuilder) WithHeader(key, value string) *ServiceBuilder {
	if err := validateHeader(key, value); err != nil {
		sb.addError(err)

		return sb
	}

	sb.headers.Set(key, value)

	return sb
}

// WithListSeparator sets the interface level list separator.
func (sb *ServiceBuilder) WithListSeparator(sep string) *ServiceBuilder {
	sb.listSeparator = sep

	return sb
}

// WithCharset sets the charset used to encode params.
func (sb *ServiceBuilder) WithCharset(charset string) *ServiceBuilder {
	if _, err := lookupCharset(charset); err != nil {
		sb.addError(err)

		return sb
	}

	sb.charset = charset

	return sb
}

// WithProduces sets the request content type.
func (sb *ServiceBuilder) WithProduces(mediaType string) *ServiceBuilder {
	sb.produces = mediaType

	return sb
}

// WithConsumes sets the accepted response content type.
func (sb *ServiceBuilder) WithConsumes(mediaType string) *ServiceBuilder {
	sb.consumes = mediaType

	return sb
}

// WithConnectTimeout sets the connect timeout of every method.
func (sb *ServiceBuilder) WithConnectTimeout(d time.Duration) *ServiceBuilder {
	sb.connectTimeout = d

	return sb
}

// WithReadTimeout sets the read timeout of every method.
func (sb *ServiceBuilder) WithReadTimeout(d time.Duration) *ServiceBuilder {
	sb.readTimeout = d

	return sb
}

// Method starts the declaration of an operation. Call Service on the
// returned builder to continue with the service.
func (sb *ServiceBuilder) Method(name, httpMethod, path string) *MethodBuilder {
	mb := &MethodBuilder{
		service:    sb,
		name:       name,
		httpMethod: strings.ToUpper(strings.TrimSpace(httpMethod)),
		path:       path,
		headers:    make(http.Header),
		entityArg:  NoArg,
	}

	sb.methods = append(sb.methods, mb)

	return mb
}

// Build compiles every declared method. All accumulated and validation
// errors are returned together.
func (sb *ServiceBuilder) Build() (*Service, error) {
	errs := multierr.Combine(sb.errors...)

	if err := validateBaseURL(sb.baseURL); err != nil {
		errs = multierr.Append(errs, err)
	}

	svc := &Service{
		name:    sb.name,
		baseURL: sb.baseURL,
		methods: make(map[string]*MethodConfig, len(sb.methods)),
	}

	for _, mb := range sb.methods {
		errs = multierr.Append(errs, multierr.Combine(mb.errors...))

		if _, dup := svc.methods[mb.name]; dup {
			errs = multierr.Append(errs, fmt.Errorf("duplicate method %q", mb.name))
			continue
		}

		cfg := mb.compile()
		if err := cfg.validate(); err != nil {
			errs = multierr.Append(errs, err)
			continue
		}

		svc.methods[cfg.Name] = cfg
		svc.order = append(svc.order, cfg.Name)
	}

	if errs != nil {
		return nil, errs
	}

	return svc, nil
}

func (sb *ServiceBuilder) addError(err error) {
	if err != nil {
		sb.errors = append(sb.errors, err)
	}
}

// MethodBuilder declares one operation of a ServiceBuilder.
type MethodBuilder struct {
	service        *ServiceBuilder
	name           string
	httpMethod     string
	path           string
	params         []ParamConfig
	headers        http.Header
	listSeparator  string
	charset        string
	produces       string
	consumes       string
	entityArg      int
	entityWriter   EntityWriter
	connectTimeout time.Duration
	readTimeout    time.Duration
	errors         []error
}

// WithParam declares a method level param. A param with the same name and
// destination as an interface level one replaces it.
func (mb *MethodBuilder) WithParam(p ParamConfig) *MethodBuilder {
	mb.params = append(mb.params, p)

	return mb
}

// WithHeader sets a static header of this method.
func (mb *MethodBuilder) WithHeader(key, value string) *MethodBuilder {
	if err := validateHeader(key, value); err != nil {
		mb.addError(err)

		return mb
	}

	mb.headers.Set(key, value)

	return mb
}

// WithListSeparator sets the method level list separator.
func (mb *MethodBuilder) WithListSeparator(sep string) *MethodBuilder {
	mb.listSeparator = sep

	return mb
}

// WithCharset overrides the service charset.
func (mb *MethodBuilder) WithCharset(charset string) *MethodBuilder {
	if _, err := lookupCharset(charset); err != nil {
		mb.addError(err)

		return mb
	}

	mb.charset = charset

	return mb
}

// WithProduces overrides the request content type.
func (mb *MethodBuilder) WithProduces(mediaType string) *MethodBuilder {
	mb.produces = mediaType

	return mb
}

// WithConsumes overrides the accepted response content type.
func (mb *MethodBuilder) WithConsumes(mediaType string) *MethodBuilder {
	mb.consumes = mediaType

	return mb
}

// WithEntity sends argument arg as request body.
func (mb *MethodBuilder) WithEntity(arg int) *MethodBuilder {
	if arg < 0 {
		mb.addError(fmt.Errorf("method %q: entity argument index cannot be negative", mb.name))

		return mb
	}

	mb.entityArg = arg

	return mb
}

// WithEntityWriter sets how FORM params are turned into a body.
func (mb *MethodBuilder) WithEntityWriter(w EntityWriter) *MethodBuilder {
	mb.entityWriter = w

	return mb
}

// WithConnectTimeout overrides the service connect timeout.
func (mb *MethodBuilder) WithConnectTimeout(d time.Duration) *MethodBuilder {
	mb.connectTimeout = d

	return mb
}

// WithReadTimeout overrides the service read timeout.
func (mb *MethodBuilder) WithReadTimeout(d time.Duration) *MethodBuilder {
	mb.readTimeout = d

	return mb
}

// Service returns the parent builder.
func (mb *MethodBuilder) Service() *ServiceBuilder {
	return mb.service
}

func (mb *MethodBuilder) addError(err error) {
	if err != nil {
		mb.errors = append(mb.errors, err)
	}
}

func (mb *MethodBuilder) compile() *MethodConfig {
	sb := mb.service

	cfg := &MethodConfig{
		Name:                   mb.name,
		HTTPMethod:             mb.httpMethod,
		BaseURL:                sb.baseURL,
		Path:                   mb.path,
		Params:                 mergeParams(sb.params, mb.params),
		ListSeparator:          mb.listSeparator,
		InterfaceListSeparator: sb.listSeparator,
		Charset:                firstNonEmpty(mb.charset, sb.charset, DefaultCharset),
		Produces:               firstNonEmpty(mb.produces, sb.produces),
		Consumes:               firstNonEmpty(mb.consumes, sb.consumes),
		Headers:                sb.headers.Clone(),
		EntityArg:              mb.entityArg,
		EntityWriter:           mb.entityWriter,
		ConnectTimeout:         firstPositive(mb.connectTimeout, sb.connectTimeout),
		ReadTimeout:            firstPositive(mb.readTimeout, sb.readTimeout),
	}

	for key, values := range mb.headers {
		cfg.Headers[key] = slices.Clone(values)
	}

	return cfg
}

// mergeParams appends method params to interface params; a method param
// with the same name and destination replaces the interface one in place.
func mergeParams(iface, method []ParamConfig) []ParamConfig {
	merged := slices.Clone(iface)

	for _, p := range method {
		idx := slices.IndexFunc(merged, func(q ParamConfig) bool {
			return q.Name == p.Name && q.Destination == p.Destination
		})

		if idx >= 0 {
			merged[idx] = p
			continue
		}

		merged = append(merged, p)
	}

	return merged
}

func validateHeader(key, value string) error {
	if key == "" {
		return fmt.Errorf("header key cannot be empty")
	}

	if value == "" {
		return fmt.Errorf("header value for key '%s' cannot be empty", key)
	}

	if strings.ContainsAny(key, " \t\n\r") {
		return fmt.Errorf("invalid header key format: '%s' (contains whitespace)", key)
	}

	return nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}

	return ""
}

func firstPositive(values ...time.Duration) time.Duration {
	for _, v := range values {
		if v > 0 {
			return v
		}
	}

	return 0
}
