// Package streaming forwards vendor SSE streams to the client unchanged.
// Each data payload is handed to an observer so usage can be accumulated
// while the bytes flow through.
package streaming

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"sync"
)

const (
	// DefaultBufferSize is the initial scanner buffer size.
	DefaultBufferSize = 4096

	// MaxLineSize bounds a single SSE line.
	MaxLineSize = 1 << 20

	// SSEDataPrefix is the prefix for SSE data lines.
	SSEDataPrefix = "data:"

	// SSEDone is the OpenAI stream completion marker.
	SSEDone = "[DONE]"
)

var bufferPool = sync.Pool{
	New: func() any {
		buf := make([]byte, DefaultBufferSize)
		return &buf
	},
}

func getBuffer() *[]byte {
	return bufferPool.Get().(*[]byte)
}

func putBuffer(buf *[]byte) {
	bufferPool.Put(buf)
}

// Observer receives the payload of every data line, without the prefix.
type Observer func(data []byte)

// Forwarder copies an upstream event stream to the downstream writer.
type Forwarder struct {
	upstream   io.ReadCloser
	downstream http.ResponseWriter
	flusher    http.Flusher
	observe    Observer
	ctx        context.Context
	cancel     context.CancelFunc

	lines int
}

// ForwarderConfig contains configuration for the SSE forwarder.
type ForwarderConfig struct {
	Upstream   io.ReadCloser
	Downstream http.ResponseWriter
	Observer   Observer
	ClientCtx  context.Context
}

// NewForwarder creates a new SSE forwarder.
func NewForwarder(cfg ForwarderConfig) (*Forwarder, error) {
	flusher, ok := cfg.Downstream.(http.Flusher)
	if !ok {
		return nil, fmt.Errorf("response writer does not support flushing")
	}
	if cfg.Upstream == nil {
		return nil, fmt.Errorf("upstream stream is nil")
	}

	parent := cfg.ClientCtx
	if parent == nil {
		parent = context.Background()
	}
	ctx, cancel := context.WithCancel(parent)

	return &Forwarder{
		upstream:   cfg.Upstream,
		downstream: cfg.Downstream,
		flusher:    flusher,
		observe:    cfg.Observer,
		ctx:        ctx,
		cancel:     cancel,
	}, nil
}

// SetHeaders writes the SSE response headers. Callers that declare
// trailers must do so before the first Forward write.
func SetHeaders(h http.Header) {
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
}

// Forward streams data from upstream to downstream. It returns when the
// upstream ends, a read fails or the client goes away.
func (f *Forwarder) Forward() error {
	defer f.upstream.Close()
	defer f.cancel()

	SetHeaders(f.downstream.Header())

	scanner := bufio.NewScanner(f.upstream)
	buf := getBuffer()
	defer putBuffer(buf)
	scanner.Buffer(*buf, MaxLineSize)

	for scanner.Scan() {
		select {
		case <-f.ctx.Done():
			return f.ctx.Err()
		default:
		}

		if err := f.processLine(scanner.Bytes()); err != nil {
			return err
		}
	}

	f.flusher.Flush()

	if err := scanner.Err(); err != nil {
		return fmt.Errorf("scanner error: %w", err)
	}
	return nil
}

// Lines returns how many upstream lines were forwarded.
func (f *Forwarder) Lines() int {
	return f.lines
}

func (f *Forwarder) processLine(line []byte) error {
	f.lines++

	if f.observe != nil {
		if data, ok := Data(line); ok && !bytes.Equal(data, []byte(SSEDone)) {
			f.observe(data)
		}
	}

	if _, err := f.downstream.Write(line); err != nil {
		return fmt.Errorf("write downstream: %w", err)
	}
	if _, err := f.downstream.Write([]byte("\n")); err != nil {
		return fmt.Errorf("write downstream: %w", err)
	}

	// Events end with a blank line; flushing there keeps whole events together.
	if len(bytes.TrimSpace(line)) == 0 {
		f.flusher.Flush()
	}
	return nil
}

// Data returns the payload of an SSE data line.
func Data(line []byte) ([]byte, bool) {
	trimmed := bytes.TrimSpace(line)
	if !bytes.HasPrefix(trimmed, []byte(SSEDataPrefix)) {
		return nil, false
	}
	data := bytes.TrimSpace(trimmed[len(SSEDataPrefix):])
	if len(data) == 0 {
		return nil, false
	}
	return data, true
}

// Close cancels the forwarding and releases the upstream body.
func (f *Forwarder) Close() {
	f.cancel()
	f.upstream.Close()
}
