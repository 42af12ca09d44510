package restx

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"go.uber.org/multierr"
)

// Properties carries caller supplied values to interceptors and
// Authorization implementations.
type Properties map[string]any

// Get returns the string value stored under key, or "".
func (p Properties) Get(key string) string {
	if v, ok := p[key].(string); ok {
		return v
	}

	return ""
}

// paramEntry is one slot of a destination: either a bound Param with its
// encoded pairs, or a single pair added by an interceptor.
type paramEntry struct {
	param *Param
	pairs []EncodedPair
}

// Request is everything needed to perform one invocation. It is built once
// and reused across retries; only interceptors mutate it between attempts.
type Request struct {
	Operation      string
	Method         string
	URITemplate    string
	Charset        string
	Accept         string
	ContentType    string
	Header         http.Header
	Entity         Entity
	ConnectTimeout time.Duration
	ReadTimeout    time.Duration
	Properties     Properties

	entries map[Destination][]paramEntry

	// formInBody is set when FORM params were written into Entity and must
	// not be repeated in the query string.
	formInBody bool
}

// NewRequest creates an empty Request for method and the URI template.
func NewRequest(method, uriTemplate string) *Request {
	return &Request{
		Method:      method,
		URITemplate: uriTemplate,
		Charset:     DefaultCharset,
		Header:      make(http.Header),
		Properties:  make(Properties),
		entries:     make(map[Destination][]paramEntry),
	}
}

// SetParam stores p and its encoded pairs. A param with the same name in the
// same destination is replaced in place, so declaration order is kept.
func (r *Request) SetParam(p Param, pairs []EncodedPair) {
	d := p.Config.Destination
	entry := paramEntry{param: &p, pairs: pairs}

	for i, e := range r.entries[d] {
		if e.param != nil && e.param.Config.Name == p.Config.Name {
			r.entries[d][i] = entry
			return
		}
	}

	r.entries[d] = append(r.entries[d], entry)
}

// AddPair appends a pair to destination d. Pairs with Encoded=false are
// escaped for d when the request is rendered.
func (r *Request) AddPair(d Destination, pair EncodedPair) {
	r.entries[d] = append(r.entries[d], paramEntry{pairs: []EncodedPair{pair}})
}

// SetHeader replaces a static header.
func (r *Request) SetHeader(key, value string) {
	if r.Header == nil {
		r.Header = make(http.Header)
	}

	r.Header.Set(key, value)
}

// Params returns the bound params of d in declaration order.
func (r *Request) Params(d Destination) []Param {
	var params []Param
	for _, e := range r.entries[d] {
		if e.param != nil {
			params = append(params, *e.param)
		}
	}

	return params
}

// Param returns the bound param named name in d.
func (r *Request) Param(d Destination, name string) (Param, bool) {
	for _, e := range r.entries[d] {
		if e.param != nil && e.param.Config.Name == name {
			return *e.param, true
		}
	}

	return Param{}, false
}

// Pairs returns the pairs of d in insertion order, as stored.
func (r *Request) Pairs(d Destination) []EncodedPair {
	var pairs []EncodedPair
	for _, e := range r.entries[d] {
		pairs = append(pairs, e.pairs...)
	}

	return pairs
}

// EncodedPairs returns the pairs of d in wire form. Pairs added without
// encoding are escaped with the request charset.
func (r *Request) EncodedPairs(d Destination) ([]EncodedPair, error) {
	pairs := r.Pairs(d)
	out := make([]EncodedPair, 0, len(pairs))

	var errs error
	for _, pair := range pairs {
		escaped, err := escapePair(pair, d, r.Charset)
		if err != nil {
			errs = multierr.Append(errs, fmt.Errorf("%s pair %q: %w", d, pair.Name, err))
			continue
		}

		out = append(out, escaped)
	}

	return out, errs
}

// HasFormEntity reports whether FORM params were written into the entity.
func (r *Request) HasFormEntity() bool {
	return r.formInBody
}

// CookieHeader renders COOKIE pairs as a single Cookie header value.
func (r *Request) CookieHeader() (string, error) {
	pairs, err := r.EncodedPairs(InCookie)
	if err != nil {
		return "", err
	}

	return joinPairs(pairs, "; "), nil
}

// RenderURL substitutes PATH pairs into the template, appends MATRIX pairs
// to the path and QUERY pairs (plus FORM pairs when they are not in the
// entity) to the query string.
func (r *Request) RenderURL() (string, error) {
	base, query, _ := strings.Cut(r.URITemplate, "?")

	pathPairs, err := r.EncodedPairs(InPath)
	if err != nil {
		return "", err
	}

	for _, pair := range pathPairs {
		base = strings.ReplaceAll(base, "{"+pair.Name+"}", pair.Value)
	}

	if m := placeholderPattern.FindStringSubmatch(base); m != nil {
		return "", fmt.Errorf("%w: {%s}", ErrUnresolvedPlaceholder, m[1])
	}

	matrixPairs, err := r.EncodedPairs(InMatrix)
	if err != nil {
		return "", err
	}

	var sb strings.Builder
	sb.WriteString(base)

	for _, pair := range matrixPairs {
		sb.WriteByte(';')
		sb.WriteString(pair.Name)
		sb.WriteByte('=')
		sb.WriteString(pair.Value)
	}

	queryPairs, err := r.EncodedPairs(InQuery)
	if err != nil {
		return "", err
	}

	if !r.formInBody {
		formPairs, err := r.EncodedPairs(InForm)
		if err != nil {
			return "", err
		}

		queryPairs = append(queryPairs, formPairs...)
	}

	rendered := joinPairs(queryPairs, "&")
	switch {
	case query != "" && rendered != "":
		query += "&" + rendered
	case rendered != "":
		query = rendered
	}

	if query != "" {
		sb.WriteByte('?')
		sb.WriteString(query)
	}

	return sb.String(), nil
}
