package restx

import (
	"bytes"
	"encoding"
	"fmt"
	"io"
	"reflect"
	"strconv"
	"time"
)

// Serializer turns a value into bytes encoded with the given charset.
type Serializer interface {
	Serialize(w io.Writer, v any, charset string) error
}

// SerializerFunc adapts a function to the Serializer interface.
type SerializerFunc func(w io.Writer, v any, charset string) error

func (f SerializerFunc) Serialize(w io.Writer, v any, charset string) error {
	return f(w, v, charset)
}

// Deserializer reads a value of the target's type from r.
type Deserializer interface {
	Deserialize(r io.Reader, target any, charset string) error
}

// Codec is a Serializer that can also read what it writes.
type Codec interface {
	Serializer
	Deserializer
}

// PrimitiveSerializer renders scalars as text: numbers with locale independent
// decimal formatting, booleans with a configurable token pair and times with
// a configurable layout. Anything else falls back to encoding.TextMarshaler,
// fmt.Stringer or fmt.Sprint.
type PrimitiveSerializer struct {
	trueToken  string
	falseToken string
	timeLayout string
}

// PrimitiveOption configures a PrimitiveSerializer.
type PrimitiveOption func(*PrimitiveSerializer)

// WithBooleanTokens sets the text used for true and false.
func WithBooleanTokens(trueToken, falseToken string) PrimitiveOption {
	return func(s *PrimitiveSerializer) {
		s.trueToken = trueToken
		s.falseToken = falseToken
	}
}

// WithTimeLayout sets the layout used for time.Time values.
func WithTimeLayout(layout string) PrimitiveOption {
	return func(s *PrimitiveSerializer) {
		if layout != "" {
			s.timeLayout = layout
		}
	}
}

// NewPrimitiveSerializer creates a PrimitiveSerializer with "true"/"false"
// booleans and RFC 3339 times unless overridden.
func NewPrimitiveSerializer(opts ...PrimitiveOption) *PrimitiveSerializer {
	s := &PrimitiveSerializer{
		trueToken:  "true",
		falseToken: "false",
		timeLayout: time.RFC3339,
	}

	for _, opt := range opts {
		opt(s)
	}

	return s
}

// Serialize writes the text form of v encoded in charset.
func (s *PrimitiveSerializer) Serialize(w io.Writer, v any, charset string) error {
	text, err := s.Format(v)
	if err != nil {
		return err
	}

	b, err := encodeString(text, charset)
	if err != nil {
		return err
	}

	_, err = w.Write(b)

	return err
}

// Format returns the text form of v.
func (s *PrimitiveSerializer) Format(v any) (string, error) {
	switch t := v.(type) {
	case nil:
		return "", nil
	case string:
		return t, nil
	case []byte:
		return string(t), nil
	case bool:
		return s.formatBool(t), nil
	case time.Time:
		return t.Format(s.timeLayout), nil
	case *time.Time:
		if t == nil {
			return "", nil
		}

		return t.Format(s.timeLayout), nil
	case encoding.TextMarshaler:
		b, err := t.MarshalText()
		if err != nil {
			return "", fmt.Errorf("marshal text: %w", err)
		}

		return string(b), nil
	case fmt.Stringer:
		return t.String(), nil
	}

	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return strconv.FormatInt(rv.Int(), 10), nil
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr:
		return strconv.FormatUint(rv.Uint(), 10), nil
	case reflect.Float32:
		return strconv.FormatFloat(rv.Float(), 'f', -1, 32), nil
	case reflect.Float64:
		return strconv.FormatFloat(rv.Float(), 'f', -1, 64), nil
	case reflect.Bool:
		return s.formatBool(rv.Bool()), nil
	case reflect.String:
		return rv.String(), nil
	case reflect.Pointer:
		if rv.IsNil() {
			return "", nil
		}

		return s.Format(rv.Elem().Interface())
	}

	return fmt.Sprint(v), nil
}

func (s *PrimitiveSerializer) formatBool(b bool) string {
	if b {
		return s.trueToken
	}

	return s.falseToken
}

// serializeToBytes runs a serializer into memory and returns the charset
// encoded bytes.
func serializeToBytes(s Serializer, v any, charset string) ([]byte, error) {
	var buf bytes.Buffer
	if err := s.Serialize(&buf, v, charset); err != nil {
		return nil, err
	}

	return buf.Bytes(), nil
}
