package util

import (
	"encoding/base64"
	"errors"
	"strings"
)

// DataURI is a parsed MIME-typed base64 data URI.
type DataURI struct {
	MimeType string
	Payload  string // base64 payload without the data: prefix
}

var (
	ErrNotDataURI    = errors.New("not a base64 data URI")
	ErrInvalidBase64 = errors.New("payload is not valid base64")
)

// ParseImageDataURI parses a "data:image/<subtype>;base64,<payload>" string.
// The payload is checked for base64 validity but not decoded in full; callers
// size-check via DecodedLen before any decode.
func ParseImageDataURI(raw string) (DataURI, error) {
	raw = strings.TrimSpace(raw)
	if !strings.HasPrefix(raw, "data:") {
		return DataURI{}, ErrNotDataURI
	}
	rest := strings.TrimPrefix(raw, "data:")

	sep := strings.Index(rest, ",")
	if sep < 0 {
		return DataURI{}, ErrNotDataURI
	}
	meta, payload := rest[:sep], rest[sep+1:]

	if !strings.HasSuffix(meta, ";base64") {
		return DataURI{}, ErrNotDataURI
	}
	mimeType := strings.TrimSuffix(meta, ";base64")
	if !strings.HasPrefix(mimeType, "image/") {
		return DataURI{}, ErrNotDataURI
	}
	if payload == "" {
		return DataURI{}, ErrNotDataURI
	}
	if _, err := base64.StdEncoding.DecodeString(payload); err != nil {
		return DataURI{}, ErrInvalidBase64
	}

	return DataURI{MimeType: mimeType, Payload: payload}, nil
}

// DecodedLen returns the decoded byte length of the base64 payload.
func (d DataURI) DecodedLen() int {
	n := len(d.Payload)
	padding := strings.Count(d.Payload[max(0, n-2):], "=")
	return n/4*3 - padding
}

func max(a, b int) int {
	if a > b {
		return a
	}
	return b
}
