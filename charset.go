package restx

import (
	"fmt"
	"strings"

	"golang.org/x/text/encoding"
	"golang.org/x/text/encoding/htmlindex"
)

// DefaultCharset is used when neither the method nor the service names one.
const DefaultCharset = "UTF-8"

const upperhex = "0123456789ABCDEF"

func isUTF8(charset string) bool {
	switch strings.ToLower(strings.TrimSpace(charset)) {
	case "", "utf-8", "utf8":
		return true
	default:
		return false
	}
}

func lookupCharset(charset string) (encoding.Encoding, error) {
	enc, err := htmlindex.Get(charset)
	if err != nil {
		return nil, fmt.Errorf("unknown charset %q: %w", charset, err)
	}

	return enc, nil
}

// encodeString converts s into the byte representation of charset.
func encodeString(s, charset string) ([]byte, error) {
	if isUTF8(charset) {
		return []byte(s), nil
	}

	enc, err := lookupCharset(charset)
	if err != nil {
		return nil, err
	}

	b, err := enc.NewEncoder().Bytes([]byte(s))
	if err != nil {
		return nil, fmt.Errorf("encode to %s: %w", charset, err)
	}

	return b, nil
}

// decodeBytes converts charset encoded bytes back into a Go string.
func decodeBytes(b []byte, charset string) (string, error) {
	if isUTF8(charset) {
		return string(b), nil
	}

	enc, err := lookupCharset(charset)
	if err != nil {
		return "", err
	}

	out, err := enc.NewDecoder().Bytes(b)
	if err != nil {
		return "", fmt.Errorf("decode from %s: %w", charset, err)
	}

	return string(out), nil
}

type escapeMode int

const (
	// escapeForm follows application/x-www-form-urlencoded: space becomes '+'.
	escapeForm escapeMode = iota
	// escapeSegment is used for path segments, matrix values and cookies.
	escapeSegment
)

func shouldEscape(c byte) bool {
	if 'a' <= c && c <= 'z' || 'A' <= c && c <= 'Z' || '0' <= c && c <= '9' {
		return false
	}

	switch c {
	case '-', '_', '.', '~':
		return false
	}

	return true
}

// percentEncode escapes every byte outside the RFC 3986 unreserved set.
func percentEncode(b []byte, mode escapeMode) string {
	var sb strings.Builder
	sb.Grow(len(b) * 3)

	for _, c := range b {
		switch {
		case c == ' ' && mode == escapeForm:
			sb.WriteByte('+')
		case shouldEscape(c):
			sb.WriteByte('%')
			sb.WriteByte(upperhex[c>>4])
			sb.WriteByte(upperhex[c&15])
		default:
			sb.WriteByte(c)
		}
	}

	return sb.String()
}

// escapeText encodes s in charset and percent-escapes the result.
func escapeText(s, charset string, mode escapeMode) (string, error) {
	b, err := encodeString(s, charset)
	if err != nil {
		return "", err
	}

	return percentEncode(b, mode), nil
}
