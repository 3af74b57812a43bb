// Package httputil provides helpers for working with HTTP payloads safely.
package httputil

import (
	"compress/gzip"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/andybalholm/brotli"
)

const (
	// DefaultMaxResponseBodyBytes caps upstream response bodies to 10MB.
	DefaultMaxResponseBodyBytes int64 = 10 * 1024 * 1024

	// DefaultMaxRequestBodyBytes caps inbound client bodies.
	DefaultMaxRequestBodyBytes int64 = 8 * 1024 * 1024

	// AcceptEncoding is advertised on every vendor request.
	AcceptEncoding = "br, gzip"
)

var ErrResponseBodyTooLarge = errors.New("response body too large")

// ReadLimitedBody reads up to maxBytes from reader and returns ErrResponseBodyTooLarge when exceeded.
func ReadLimitedBody(reader io.Reader, maxBytes int64) ([]byte, error) {
	if maxBytes <= 0 {
		return io.ReadAll(reader)
	}

	limited := io.LimitReader(reader, maxBytes+1)
	body, err := io.ReadAll(limited)
	if err != nil {
		return body, err
	}
	if int64(len(body)) > maxBytes {
		body = body[:int(maxBytes)]
		return body, ErrResponseBodyTooLarge
	}
	return body, nil
}

// DecodeReader wraps r according to a Content-Encoding header value.
// Setting Accept-Encoding by hand turns off net/http's transparent gzip,
// so both advertised encodings are handled here.
func DecodeReader(encoding string, r io.Reader) (io.Reader, error) {
	switch strings.ToLower(strings.TrimSpace(encoding)) {
	case "", "identity":
		return r, nil
	case "br":
		return brotli.NewReader(r), nil
	case "gzip":
		return gzip.NewReader(r)
	default:
		return nil, fmt.Errorf("unsupported content encoding %q", encoding)
	}
}

// DecodeReadCloser is DecodeReader for a body that must still be closed.
func DecodeReadCloser(encoding string, rc io.ReadCloser) (io.ReadCloser, error) {
	r, err := DecodeReader(encoding, rc)
	if err != nil {
		return nil, err
	}
	if r == io.Reader(rc) {
		return rc, nil
	}
	return readCloser{Reader: r, Closer: rc}, nil
}

type readCloser struct {
	io.Reader
	io.Closer
}
