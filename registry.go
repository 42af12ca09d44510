package restx

import (
	"fmt"
	"mime"
	"strings"
)

// Media types understood by the default registry.
const (
	MediaTypeJSON      = "application/json"
	MediaTypeXML       = "application/xml"
	MediaTypeTextXML   = "text/xml"
	MediaTypeCBOR      = "application/cbor"
	MediaTypeProtobuf  = "application/x-protobuf"
	MediaTypeText      = "text/plain"
	MediaTypeForm      = "application/x-www-form-urlencoded"
	MediaTypeMultipart = "multipart/form-data"
)

// Registry resolves serializers and deserializers by media type. A Registry
// is immutable once built and safe to share between clients and goroutines.
type Registry struct {
	serializers   map[string]Serializer
	deserializers map[string]Deserializer
	primitive     *PrimitiveSerializer
}

// RegistryOption configures a Registry under construction.
type RegistryOption func(*Registry)

// WithCodec registers c as both serializer and deserializer for mediaType.
func WithCodec(mediaType string, c Codec) RegistryOption {
	return func(r *Registry) {
		key := normalizeMediaType(mediaType)
		r.serializers[key] = c
		r.deserializers[key] = c
	}
}

// WithSerializer registers s for mediaType.
func WithSerializer(mediaType string, s Serializer) RegistryOption {
	return func(r *Registry) {
		r.serializers[normalizeMediaType(mediaType)] = s
	}
}

// WithDeserializer registers d for mediaType.
func WithDeserializer(mediaType string, d Deserializer) RegistryOption {
	return func(r *Registry) {
		r.deserializers[normalizeMediaType(mediaType)] = d
	}
}

// WithPrimitiveSerializer replaces the serializer used for params that do not
// declare their own.
func WithPrimitiveSerializer(p *PrimitiveSerializer) RegistryOption {
	return func(r *Registry) {
		if p != nil {
			r.primitive = p
		}
	}
}

// NewRegistry creates an empty registry with only the primitive serializer.
func NewRegistry(opts ...RegistryOption) *Registry {
	r := &Registry{
		serializers:   make(map[string]Serializer),
		deserializers: make(map[string]Deserializer),
		primitive:     NewPrimitiveSerializer(),
	}

	for _, opt := range opts {
		opt(r)
	}

	return r
}

// NewDefaultRegistry creates a registry with JSON, XML, CBOR, protobuf and
// plain text codecs. Extra options are applied after the defaults.
func NewDefaultRegistry(opts ...RegistryOption) *Registry {
	defaults := []RegistryOption{
		WithCodec(MediaTypeJSON, JSONCodec{}),
		WithCodec(MediaTypeXML, XMLCodec{}),
		WithCodec(MediaTypeTextXML, XMLCodec{}),
		WithCodec(MediaTypeCBOR, CBORCodec{}),
		WithCodec(MediaTypeProtobuf, ProtobufCodec{}),
	}

	r := NewRegistry(append(defaults, opts...)...)
	if _, ok := r.serializers[MediaTypeText]; !ok {
		r.serializers[MediaTypeText] = TextCodec{Primitive: r.primitive}
		r.deserializers[MediaTypeText] = TextCodec{Primitive: r.primitive}
	}

	return r
}

// Primitive returns the serializer used for params without their own.
func (r *Registry) Primitive() *PrimitiveSerializer {
	return r.primitive
}

// Serializer returns the serializer registered for mediaType. Structured
// syntax suffixes are honoured: "application/vnd.api+json" falls back to
// "application/json".
func (r *Registry) Serializer(mediaType string) (Serializer, error) {
	for _, key := range lookupKeys(mediaType) {
		if s, ok := r.serializers[key]; ok {
			return s, nil
		}
	}

	return nil, fmt.Errorf("%w: no serializer for %q", ErrUnsupportedMediaType, mediaType)
}

// Deserializer returns the deserializer registered for mediaType.
func (r *Registry) Deserializer(mediaType string) (Deserializer, error) {
	for _, key := range lookupKeys(mediaType) {
		if d, ok := r.deserializers[key]; ok {
			return d, nil
		}
	}

	return nil, fmt.Errorf("%w: no deserializer for %q", ErrUnsupportedMediaType, mediaType)
}

func lookupKeys(mediaType string) []string {
	key := normalizeMediaType(mediaType)
	keys := []string{key}

	if i := strings.LastIndexByte(key, '+'); i >= 0 {
		if slash := strings.IndexByte(key, '/'); slash >= 0 && slash < i {
			keys = append(keys, key[:slash+1]+key[i+1:])
		}
	}

	return keys
}

func normalizeMediaType(mediaType string) string {
	if mt, _, err := mime.ParseMediaType(mediaType); err == nil {
		return mt
	}

	return strings.ToLower(strings.TrimSpace(mediaType))
}

// charsetOf returns the charset parameter of a content type, or fallback.
func charsetOf(contentType, fallback string) string {
	if _, params, err := mime.ParseMediaType(contentType); err == nil {
		if cs := params["charset"]; cs != "" {
			return cs
		}
	}

	return fallback
}
