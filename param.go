package restx

import (
	"bytes"
	"encoding"
	"fmt"
	"io"
	"reflect"
	"slices"
	"strings"
	"time"

	"github.com/gorilla/schema"
)

// NoArg marks a param that is not bound to a call argument. Such params only
// ever carry their default value (interface or method level constants).
const NoArg = -1

// DefaultPathSeparator joins multi-valued PATH and MATRIX params when no
// separator is configured anywhere.
const DefaultPathSeparator = ","

// ParamConfig describes one bound parameter. It is a value type: the With*
// methods return modified copies and never touch the receiver.
type ParamConfig struct {
	Name          string
	Destination   Destination
	Serializer    Serializer
	Default       *string
	ListSeparator string
	Encoded       bool
	Arg           int
}

func newParamConfig(name string, d Destination) ParamConfig {
	return ParamConfig{Name: name, Destination: d, Arg: NoArg}
}

// QueryParam declares a query string parameter.
func QueryParam(name string) ParamConfig { return newParamConfig(name, InQuery) }

// FormParam declares a form field, sent in the entity for body-bearing methods.
func FormParam(name string) ParamConfig { return newParamConfig(name, InForm) }

// PathParam declares a {name} placeholder of the path template.
func PathParam(name string) ParamConfig { return newParamConfig(name, InPath) }

// HeaderParam declares a request header.
func HeaderParam(name string) ParamConfig { return newParamConfig(name, InHeader) }

// CookieParam declares a cookie.
func CookieParam(name string) ParamConfig { return newParamConfig(name, InCookie) }

// MatrixParam declares a ;name=value matrix parameter appended to the path.
func MatrixParam(name string) ParamConfig { return newParamConfig(name, InMatrix) }

// WithArg binds the param to the call argument at index i.
func (p ParamConfig) WithArg(i int) ParamConfig {
	p.Arg = i
	return p
}

// WithDefault sets the value used when the argument is nil or empty.
func (p ParamConfig) WithDefault(v string) ParamConfig {
	p.Default = &v
	return p
}

// WithListSeparator joins multiple values into a single one with sep.
func (p ParamConfig) WithListSeparator(sep string) ParamConfig {
	p.ListSeparator = sep
	return p
}

// WithSerializer overrides the registry's primitive serializer for this param.
func (p ParamConfig) WithSerializer(s Serializer) ParamConfig {
	p.Serializer = s
	return p
}

// AsEncoded marks values as already percent-encoded.
func (p ParamConfig) AsEncoded() ParamConfig {
	p.Encoded = true
	return p
}

// HasDefault reports whether a default value is configured.
func (p ParamConfig) HasDefault() bool {
	return p.Default != nil
}

// EncodedPair is a name/value pair in final wire form. Encoded pairs must not
// be escaped again; pairs created with Encoded=false are escaped when the
// Request is rendered.
type EncodedPair struct {
	Name    string
	Value   string
	Encoded bool
}

// Param is a ParamConfig together with the raw values of one call.
type Param struct {
	Config ParamConfig
	Values []any

	// list records that the raw value was a slice or array, so a single
	// element list still renders as a list in structured entities.
	list bool
}

// NewParam flattens raw into a Param. Slices and arrays contribute one value
// per element, []byte and everything else count as a single value, nil
// contributes nothing.
func NewParam(cfg ParamConfig, raw any) Param {
	values, list := flattenValues(raw)
	return Param{Config: cfg, Values: values, list: list}
}

// IsList reports whether the param was built from a slice or array.
func (p Param) IsList() bool {
	return p.list || len(p.Values) > 1
}

// IsEmpty reports whether the param carries no value.
func (p Param) IsEmpty() bool {
	return len(p.Values) == 0
}

func flattenValues(raw any) ([]any, bool) {
	if raw == nil {
		return nil, false
	}

	if _, ok := raw.([]byte); ok {
		return []any{raw}, false
	}

	rv := reflect.ValueOf(raw)
	for rv.Kind() == reflect.Pointer {
		if rv.IsNil() {
			return nil, false
		}

		rv = rv.Elem()
	}

	switch rv.Kind() {
	case reflect.Slice, reflect.Array:
		if rv.Kind() == reflect.Slice && rv.IsNil() {
			return nil, true
		}

		values := make([]any, 0, rv.Len())
		for i := range rv.Len() {
			elem := rv.Index(i)
			if (elem.Kind() == reflect.Pointer || elem.Kind() == reflect.Interface) && elem.IsNil() {
				continue
			}

			values = append(values, elem.Interface())
		}

		return values, true
	default:
		return []any{raw}, false
	}
}

// encodeOptions carries what Param.Encode needs beyond the param itself.
type encodeOptions struct {
	charset   string
	separator string
	primitive Serializer
}

// Encode turns the param into wire ready pairs. Without a separator, query,
// form, header and cookie params produce one pair per value; with a
// separator, or for path and matrix params, all values are joined into one.
func (p Param) Encode(opts encodeOptions) ([]EncodedPair, error) {
	if p.IsEmpty() {
		return nil, nil
	}

	if p.isBean() {
		return p.encodeBean(opts)
	}

	serializer := p.Config.Serializer
	if serializer == nil {
		serializer = opts.primitive
	}

	if serializer == nil {
		serializer = NewPrimitiveSerializer()
	}

	values := make([]string, 0, len(p.Values))
	for _, v := range p.Values {
		text, err := p.encodeValue(serializer, v, opts.charset)
		if err != nil {
			return nil, err
		}

		values = append(values, text)
	}

	name := p.encodeName(opts.charset)
	sep := opts.separator
	if sep == "" && p.Config.Destination.joinsMultipleValues() {
		sep = DefaultPathSeparator
	}

	if sep == "" {
		pairs := make([]EncodedPair, 0, len(values))
		for _, v := range values {
			pairs = append(pairs, EncodedPair{Name: name, Value: v, Encoded: true})
		}

		return pairs, nil
	}

	return []EncodedPair{{
		Name:    name,
		Value:   strings.Join(values, p.encodeSeparator(sep)),
		Encoded: true,
	}}, nil
}

func (p Param) escapeMode() (escapeMode, bool) {
	switch p.Config.Destination {
	case InQuery, InForm:
		return escapeForm, true
	case InPath, InMatrix, InCookie:
		return escapeSegment, true
	default:
		return 0, false
	}
}

func (p Param) encodeValue(s Serializer, v any, charset string) (string, error) {
	mode, escape := p.escapeMode()
	if p.Config.Encoded || !escape {
		b, err := serializeToBytes(s, v, DefaultCharset)
		if err != nil {
			return "", fmt.Errorf("serialize %T: %w", v, err)
		}

		return string(b), nil
	}

	b, err := serializeToBytes(s, v, charset)
	if err != nil {
		return "", fmt.Errorf("serialize %T: %w", v, err)
	}

	return percentEncode(b, mode), nil
}

func (p Param) encodeName(charset string) string {
	if p.Config.Encoded {
		return p.Config.Name
	}

	switch p.Config.Destination {
	case InQuery, InForm:
		if name, err := escapeText(p.Config.Name, charset, escapeForm); err == nil {
			return name
		}
	case InMatrix:
		if name, err := escapeText(p.Config.Name, charset, escapeSegment); err == nil {
			return name
		}
	}

	return p.Config.Name
}

// separatorSafe lists the characters a list separator may keep verbatim.
const separatorSafe = ",;:|!$'()*"

func (p Param) encodeSeparator(sep string) string {
	mode, escape := p.escapeMode()
	if !escape || p.Config.Encoded {
		return sep
	}

	var sb strings.Builder
	for i := 0; i < len(sep); i++ {
		c := sep[i]
		if strings.IndexByte(separatorSafe, c) >= 0 {
			sb.WriteByte(c)
			continue
		}

		sb.WriteString(percentEncode([]byte{c}, mode))
	}

	return sb.String()
}

var (
	timeType          = reflect.TypeFor[time.Time]()
	textMarshalerType = reflect.TypeFor[encoding.TextMarshaler]()
	stringerType      = reflect.TypeFor[fmt.Stringer]()
)

// isBean reports whether the param holds a single struct that should be
// expanded into one pair per field.
func (p Param) isBean() bool {
	if p.Config.Serializer != nil || len(p.Values) != 1 {
		return false
	}

	if p.Config.Destination != InQuery && p.Config.Destination != InForm {
		return false
	}

	if _, ok := p.Values[0].(io.Reader); ok {
		return false
	}

	t := reflect.TypeOf(p.Values[0])
	if t == nil {
		return false
	}

	if t.Implements(textMarshalerType) || t.Implements(stringerType) {
		return false
	}

	for t.Kind() == reflect.Pointer {
		t = t.Elem()
	}

	return t.Kind() == reflect.Struct && t != timeType
}

func (p Param) encodeBean(opts encodeOptions) ([]EncodedPair, error) {
	fields := make(map[string][]string)
	if err := schema.NewEncoder().Encode(p.Values[0], fields); err != nil {
		return nil, fmt.Errorf("encode fields of %T: %w", p.Values[0], err)
	}

	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}

	slices.Sort(keys)

	var pairs []EncodedPair
	for _, key := range keys {
		values := make([]any, 0, len(fields[key]))
		for _, v := range fields[key] {
			values = append(values, v)
		}

		field := Param{Config: p.Config, Values: values}
		field.Config.Name = key

		fieldPairs, err := field.Encode(opts)
		if err != nil {
			return nil, err
		}

		pairs = append(pairs, fieldPairs...)
	}

	return pairs, nil
}

// escapePair renders a pair added with Encoded=false for destination d.
func escapePair(pair EncodedPair, d Destination, charset string) (EncodedPair, error) {
	if pair.Encoded {
		return pair, nil
	}

	param := Param{Config: newParamConfig(pair.Name, d), Values: []any{pair.Value}}

	pairs, err := param.Encode(encodeOptions{charset: charset, primitive: NewPrimitiveSerializer()})
	if err != nil {
		return EncodedPair{}, err
	}

	return pairs[0], nil
}

// joinPairs renders pairs as name=value joined by sep, as used by query
// strings and form bodies.
func joinPairs(pairs []EncodedPair, sep string) string {
	var buf bytes.Buffer
	for i, pair := range pairs {
		if i > 0 {
			buf.WriteString(sep)
		}

		buf.WriteString(pair.Name)
		buf.WriteByte('=')
		buf.WriteString(pair.Value)
	}

	return buf.String()
}
