package restx

import (
	"bytes"
	"encoding"
	"encoding/xml"
	"errors"
	"fmt"
	"io"

	"github.com/fxamacker/cbor/v2"
	json "github.com/goccy/go-json"
	"golang.org/x/text/encoding/htmlindex"
	"google.golang.org/protobuf/proto"
)

// JSONCodec encodes values as JSON. HTML characters are not escaped so
// values such as "a&b" travel unchanged.
type JSONCodec struct{}

func (JSONCodec) Serialize(w io.Writer, v any, charset string) error {
	b, err := marshalJSON(v)
	if err != nil {
		return err
	}

	if !isUTF8(charset) {
		if b, err = encodeString(string(b), charset); err != nil {
			return err
		}
	}

	_, err = w.Write(b)

	return err
}

func (JSONCodec) Deserialize(r io.Reader, target any, charset string) error {
	if !isUTF8(charset) {
		enc, err := lookupCharset(charset)
		if err != nil {
			return err
		}

		r = enc.NewDecoder().Reader(r)
	}

	if err := json.NewDecoder(r).Decode(target); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("decode json: %w", err)
	}

	return nil
}

func marshalJSON(v any) ([]byte, error) {
	var buf bytes.Buffer

	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)

	if err := enc.Encode(v); err != nil {
		return nil, fmt.Errorf("encode json: %w", err)
	}

	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}

// XMLCodec encodes values with encoding/xml.
type XMLCodec struct{}

func (XMLCodec) Serialize(w io.Writer, v any, charset string) error {
	b, err := xml.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode xml: %w", err)
	}

	if !isUTF8(charset) {
		if b, err = encodeString(string(b), charset); err != nil {
			return err
		}
	}

	_, err = w.Write(b)

	return err
}

func (XMLCodec) Deserialize(r io.Reader, target any, charset string) error {
	if !isUTF8(charset) {
		enc, err := lookupCharset(charset)
		if err != nil {
			return err
		}

		r = enc.NewDecoder().Reader(r)
	}

	dec := xml.NewDecoder(r)
	dec.CharsetReader = xmlCharsetReader

	if err := dec.Decode(target); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("decode xml: %w", err)
	}

	return nil
}

func xmlCharsetReader(label string, input io.Reader) (io.Reader, error) {
	if isUTF8(label) {
		return input, nil
	}

	enc, err := htmlindex.Get(label)
	if err != nil {
		return nil, fmt.Errorf("unknown xml charset %q: %w", label, err)
	}

	return enc.NewDecoder().Reader(input), nil
}

// CBORCodec encodes values as RFC 8949 CBOR. The charset is ignored.
type CBORCodec struct{}

func (CBORCodec) Serialize(w io.Writer, v any, _ string) error {
	if err := cbor.NewEncoder(w).Encode(v); err != nil {
		return fmt.Errorf("encode cbor: %w", err)
	}

	return nil
}

func (CBORCodec) Deserialize(r io.Reader, target any, _ string) error {
	if err := cbor.NewDecoder(r).Decode(target); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("decode cbor: %w", err)
	}

	return nil
}

// ProtobufCodec encodes proto.Message values in the binary wire format.
type ProtobufCodec struct{}

func (ProtobufCodec) Serialize(w io.Writer, v any, _ string) error {
	msg, ok := v.(proto.Message)
	if !ok {
		return fmt.Errorf("encode protobuf: %T is not a proto.Message", v)
	}

	b, err := proto.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encode protobuf: %w", err)
	}

	_, err = w.Write(b)

	return err
}

func (ProtobufCodec) Deserialize(r io.Reader, target any, _ string) error {
	msg, ok := target.(proto.Message)
	if !ok {
		return fmt.Errorf("decode protobuf: %T is not a proto.Message", target)
	}

	b, err := io.ReadAll(r)
	if err != nil {
		return fmt.Errorf("read protobuf: %w", err)
	}

	if err := proto.Unmarshal(b, msg); err != nil {
		return fmt.Errorf("decode protobuf: %w", err)
	}

	return nil
}

// TextCodec writes scalars with a PrimitiveSerializer and reads plain text
// into *string, *[]byte or encoding.TextUnmarshaler targets.
type TextCodec struct {
	Primitive *PrimitiveSerializer
}

func (c TextCodec) Serialize(w io.Writer, v any, charset string) error {
	p := c.Primitive
	if p == nil {
		p = NewPrimitiveSerializer()
	}

	return p.Serialize(w, v, charset)
}

func (TextCodec) Deserialize(r io.Reader, target any, charset string) error {
	b, err := io.ReadAll(r)
	if err != nil {
		return fmt.Errorf("read text: %w", err)
	}

	text, err := decodeBytes(b, charset)
	if err != nil {
		return err
	}

	switch t := target.(type) {
	case *string:
		*t = text
	case *[]byte:
		*t = []byte(text)
	case encoding.TextUnmarshaler:
		return t.UnmarshalText([]byte(text))
	default:
		return fmt.Errorf("decode text: unsupported target %T", target)
	}

	return nil
}
