package restx

import (
	"bytes"
	"encoding/xml"
	"fmt"
	"io"
	"mime/multipart"
	"net/textproto"
	"os"
	"path/filepath"
	"reflect"
	"strings"

	"github.com/gabriel-vasile/mimetype"
)

// Entity is a request body ready to be written to a Channel.
type Entity interface {
	ContentType() string
	// ContentLength returns the body size, or -1 when unknown.
	ContentLength() int64
	io.WriterTo
}

type bytesEntity struct {
	contentType string
	data        []byte
}

// NewBytesEntity wraps an in-memory body. The returned entity can be written
// any number of times, which is what retries rely on.
func NewBytesEntity(contentType string, data []byte) Entity {
	return &bytesEntity{contentType: contentType, data: data}
}

func (e *bytesEntity) ContentType() string  { return e.contentType }
func (e *bytesEntity) ContentLength() int64 { return int64(len(e.data)) }

func (e *bytesEntity) WriteTo(w io.Writer) (int64, error) {
	n, err := w.Write(e.data)
	return int64(n), err
}

// FormData is what an EntityWriter receives: the FORM params of one call in
// declaration order, the same params encoded as form pairs, and the charset.
type FormData struct {
	Params   []Param
	Pairs    []EncodedPair
	Charset  string
	Registry *Registry
}

// EntityWriter serializes the form params of a call into a request body.
type EntityWriter interface {
	WriteEntity(data FormData) (Entity, error)
}

// EntityWriterFunc adapts a function to the EntityWriter interface.
type EntityWriterFunc func(data FormData) (Entity, error)

func (f EntityWriterFunc) WriteEntity(data FormData) (Entity, error) {
	return f(data)
}

// FormEntityWriter writes application/x-www-form-urlencoded bodies.
type FormEntityWriter struct{}

func (FormEntityWriter) WriteEntity(data FormData) (Entity, error) {
	return NewBytesEntity(withCharset(MediaTypeForm, data.Charset), []byte(joinPairs(data.Pairs, "&"))), nil
}

// withCharset labels mediaType with charset unless the body is UTF-8.
func withCharset(mediaType, charset string) string {
	if isUTF8(charset) {
		return mediaType
	}

	return mediaType + "; charset=" + charset
}

// FilePart is a multipart file upload. When ContentType is empty it is
// detected from the content.
type FilePart struct {
	Filename    string
	ContentType string
	Content     io.Reader
}

// String returns the file name, which is what a FilePart renders as outside
// multipart bodies.
func (f FilePart) String() string {
	return f.Filename
}

// MultipartEntityWriter writes multipart/form-data bodies with one part per
// value, in declaration order. FilePart, *os.File, []byte and io.Reader
// values become binary parts, anything else a text/plain part. Boundary is
// random when empty.
type MultipartEntityWriter struct {
	Boundary string
}

func (w MultipartEntityWriter) WriteEntity(data FormData) (Entity, error) {
	var buf bytes.Buffer

	mw := multipart.NewWriter(&buf)
	if w.Boundary != "" {
		if err := mw.SetBoundary(w.Boundary); err != nil {
			return nil, fmt.Errorf("multipart boundary: %w", err)
		}
	}

	primitive := Serializer(NewPrimitiveSerializer())
	if data.Registry != nil {
		primitive = data.Registry.Primitive()
	}

	for _, param := range data.Params {
		for _, v := range param.Values {
			if err := writePart(mw, param, v, data.Charset, primitive); err != nil {
				return nil, fmt.Errorf("multipart part %q: %w", param.Config.Name, err)
			}
		}
	}

	if err := mw.Close(); err != nil {
		return nil, fmt.Errorf("close multipart: %w", err)
	}

	return NewBytesEntity(mw.FormDataContentType(), buf.Bytes()), nil
}

var quoteEscaper = strings.NewReplacer("\\", "\\\\", `"`, "\\\"")

func writePart(mw *multipart.Writer, param Param, v any, charset string, primitive Serializer) error {
	name := quoteEscaper.Replace(param.Config.Name)

	var (
		filename    string
		contentType string
		content     io.Reader
	)

	switch t := v.(type) {
	case FilePart:
		filename, contentType, content = t.Filename, t.ContentType, t.Content
	case *FilePart:
		filename, contentType, content = t.Filename, t.ContentType, t.Content
	case *os.File:
		filename, content = filepath.Base(t.Name()), t
	case []byte:
		contentType, content = "application/octet-stream", bytes.NewReader(t)
	case io.Reader:
		content = t
	default:
		serializer := param.Config.Serializer
		if serializer == nil {
			serializer = primitive
		}

		b, err := serializeToBytes(serializer, v, charset)
		if err != nil {
			return err
		}

		header := make(textproto.MIMEHeader)
		header.Set("Content-Disposition", fmt.Sprintf(`form-data; name="%s"`, name))
		header.Set("Content-Type", "text/plain; charset="+charsetOrDefault(charset))

		part, err := mw.CreatePart(header)
		if err != nil {
			return err
		}

		_, err = part.Write(b)

		return err
	}

	if content == nil {
		return fmt.Errorf("file part has no content")
	}

	body, err := io.ReadAll(content)
	if err != nil {
		return fmt.Errorf("read file part: %w", err)
	}

	if contentType == "" {
		contentType = "application/octet-stream"
		if len(body) > 0 {
			contentType = mimetype.Detect(body).String()
		}
	}

	disposition := fmt.Sprintf(`form-data; name="%s"`, name)
	if filename != "" {
		disposition += fmt.Sprintf(`; filename="%s"`, quoteEscaper.Replace(filename))
	}

	header := make(textproto.MIMEHeader)
	header.Set("Content-Disposition", disposition)
	header.Set("Content-Type", contentType)

	part, err := mw.CreatePart(header)
	if err != nil {
		return err
	}

	_, err = part.Write(body)

	return err
}

func charsetOrDefault(charset string) string {
	if charset == "" {
		return DefaultCharset
	}

	return charset
}

// JSONEntityWriter writes the form params as one JSON object whose keys keep
// declaration order. Lists become arrays, single values stay scalars.
type JSONEntityWriter struct{}

func (JSONEntityWriter) WriteEntity(data FormData) (Entity, error) {
	var buf bytes.Buffer

	buf.WriteByte('{')

	for i, param := range data.Params {
		if i > 0 {
			buf.WriteByte(',')
		}

		key, err := marshalJSON(param.Config.Name)
		if err != nil {
			return nil, err
		}

		var value any = param.Values
		if !param.IsList() {
			value = param.Values[0]
		}

		b, err := marshalJSON(value)
		if err != nil {
			return nil, fmt.Errorf("json field %q: %w", param.Config.Name, err)
		}

		buf.Write(key)
		buf.WriteByte(':')
		buf.Write(b)
	}

	buf.WriteByte('}')

	body := buf.Bytes()
	if !isUTF8(data.Charset) {
		var err error
		if body, err = encodeString(string(body), data.Charset); err != nil {
			return nil, err
		}
	}

	return NewBytesEntity(withCharset(MediaTypeJSON, data.Charset), body), nil
}

// XMLEntityWriter writes the form params as child elements of Root ("form"
// when empty). A list param repeats its element once per value.
type XMLEntityWriter struct {
	Root string
}

func (w XMLEntityWriter) WriteEntity(data FormData) (Entity, error) {
	root := w.Root
	if root == "" {
		root = "form"
	}

	primitive := NewPrimitiveSerializer()
	if data.Registry != nil {
		primitive = data.Registry.Primitive()
	}

	var buf bytes.Buffer

	enc := xml.NewEncoder(&buf)
	start := xml.StartElement{Name: xml.Name{Local: root}}

	if err := enc.EncodeToken(start); err != nil {
		return nil, fmt.Errorf("xml root: %w", err)
	}

	for _, param := range data.Params {
		elem := xml.StartElement{Name: xml.Name{Local: param.Config.Name}}

		for _, v := range param.Values {
			if isStructValue(v) {
				if err := enc.EncodeElement(v, elem); err != nil {
					return nil, fmt.Errorf("xml field %q: %w", param.Config.Name, err)
				}

				continue
			}

			text, err := primitive.Format(v)
			if err != nil {
				return nil, fmt.Errorf("xml field %q: %w", param.Config.Name, err)
			}

			if err := enc.EncodeElement(text, elem); err != nil {
				return nil, fmt.Errorf("xml field %q: %w", param.Config.Name, err)
			}
		}
	}

	if err := enc.EncodeToken(start.End()); err != nil {
		return nil, fmt.Errorf("xml root: %w", err)
	}

	if err := enc.Flush(); err != nil {
		return nil, fmt.Errorf("xml flush: %w", err)
	}

	body := buf.Bytes()
	if !isUTF8(data.Charset) {
		var err error
		if body, err = encodeString(string(body), data.Charset); err != nil {
			return nil, err
		}
	}

	return NewBytesEntity(withCharset(MediaTypeXML, data.Charset), body), nil
}

func isStructValue(v any) bool {
	t := reflect.TypeOf(v)
	if t == nil {
		return false
	}

	for t.Kind() == reflect.Pointer {
		t = t.Elem()
	}

	return t.Kind() == reflect.Struct && t != timeType
}
