package restx

import (
	"fmt"
	"strings"
)

// Destination tells where a parameter lands on the wire.
type Destination int

const (
	InQuery Destination = iota
	InForm
	InPath
	InHeader
	InCookie
	InMatrix
)

var destinationNames = [...]string{
	InQuery:  "query",
	InForm:   "form",
	InPath:   "path",
	InHeader: "header",
	InCookie: "cookie",
	InMatrix: "matrix",
}

// Destinations lists every destination in declaration order.
var Destinations = []Destination{InQuery, InForm, InPath, InHeader, InCookie, InMatrix}

func (d Destination) String() string {
	if d < 0 || int(d) >= len(destinationNames) {
		return fmt.Sprintf("destination(%d)", int(d))
	}

	return destinationNames[d]
}

// IsValid reports whether d is one of the known destinations.
func (d Destination) IsValid() bool {
	return d >= InQuery && d <= InMatrix
}

// ParseDestination converts a lowercase destination name ("query", "path", ...) into a Destination.
func ParseDestination(s string) (Destination, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	for i, name := range destinationNames {
		if name == s {
			return Destination(i), nil
		}
	}

	return 0, fmt.Errorf("invalid destination: %q", s)
}

// joinsMultipleValues reports whether multi-valued params are always merged
// into one value for this destination. Repetition is not valid in a path segment.
func (d Destination) joinsMultipleValues() bool {
	return d == InPath || d == InMatrix
}
