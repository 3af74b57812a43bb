package dispatch

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/andybalholm/brotli"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ThousifMd/api-lens-backend-sub001/internal/vendor"
	"github.com/ThousifMd/api-lens-backend-sub001/pkg/errors"
	"github.com/ThousifMd/api-lens-backend-sub001/pkg/types"
)

// recordingSleeper captures backoff delays without waiting.
type recordingSleeper struct {
	mu     sync.Mutex
	delays []time.Duration
}

func (s *recordingSleeper) sleep(ctx context.Context, d time.Duration) error {
	s.mu.Lock()
	s.delays = append(s.delays, d)
	s.mu.Unlock()
	return ctx.Err()
}

func testDescriptor(t *testing.T, name, baseURL string) *vendor.Descriptor {
	t.Helper()
	r, err := vendor.NewRegistry(vendor.Options{})
	require.NoError(t, err)
	d, ok := r.Vendor(name)
	require.True(t, ok)

	c := *d
	c.BaseURL = baseURL
	c.Timeout = 2 * time.Second
	return &c
}

func newTestDispatcher(s *recordingSleeper) *Dispatcher {
	return New(nil, nil, WithSleeper(s.sleep))
}

func chatCall(d *vendor.Descriptor) Call {
	return Call{
		Descriptor: d,
		Endpoint:   types.EndpointChat,
		Model:      "gpt-3.5-turbo",
		Credential: "sk-test",
		Body:       []byte(`{"model":"gpt-3.5-turbo","messages":[{"role":"user","content":"hi"}]}`),
		RequestID:  "req-1",
	}
}

func TestDispatch_SuccessFirstAttempt(t *testing.T) {
	var got *http.Request
	var gotBody []byte
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = r.Clone(context.Background())
		gotBody, _ = io.ReadAll(r.Body)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"usage":{"prompt_tokens":5,"completion_tokens":7,"total_tokens":12}}`))
	}))
	defer srv.Close()

	s := &recordingSleeper{}
	res := newTestDispatcher(s).Dispatch(context.Background(), chatCall(testDescriptor(t, vendor.OpenAI, srv.URL)))

	require.True(t, res.Success(), "%v", res.Err)
	assert.Equal(t, 1, res.Attempts)
	assert.Equal(t, 0, res.RetryCount)
	assert.Equal(t, http.StatusOK, res.StatusCode)
	assert.JSONEq(t, `{"usage":{"prompt_tokens":5,"completion_tokens":7,"total_tokens":12}}`, string(res.Body))
	assert.Empty(t, s.delays)

	assert.Equal(t, "/v1/chat/completions", got.URL.Path)
	assert.Equal(t, "Bearer sk-test", got.Header.Get("Authorization"))
	assert.Equal(t, "application/json", got.Header.Get("Content-Type"))
	assert.Equal(t, "req-1", got.Header.Get("X-Request-ID"))
	assert.Equal(t, "br, gzip", got.Header.Get("Accept-Encoding"))
	assert.Contains(t, string(gotBody), `"gpt-3.5-turbo"`)
}

func TestDispatch_VendorHeaders(t *testing.T) {
	var got http.Header
	var path string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = r.Header.Clone()
		path = r.URL.RequestURI()
		_, _ = w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	d := New(nil, nil)

	call := chatCall(testDescriptor(t, vendor.Anthropic, srv.URL))
	anthropicRes := d.Dispatch(context.Background(), call)
	require.True(t, anthropicRes.Success())
	assert.Equal(t, "sk-test", got.Get("x-api-key"))
	assert.Equal(t, vendor.AnthropicVersion, got.Get("anthropic-version"))
	assert.Empty(t, got.Get("Authorization"))

	call = chatCall(testDescriptor(t, vendor.Google, srv.URL))
	call.Model = "gemini-1.5-pro"
	call.Stream = true
	res := d.Dispatch(context.Background(), call)
	require.True(t, res.Success())
	res.Stream.Close()
	assert.Equal(t, "/v1beta/models/gemini-1.5-pro:streamGenerateContent?alt=sse", path)
	assert.Equal(t, "sk-test", got.Get("x-goog-api-key"))
	assert.Equal(t, "text/event-stream", got.Get("Accept"))
}

func TestDispatch_AlwaysServerError(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte(`{"error":{"message":"boom","type":"server_error"}}`))
	}))
	defer srv.Close()

	desc := testDescriptor(t, vendor.OpenAI, srv.URL)
	desc.Retry.MaxRetries = 4
	desc.Retry.BaseDelay = 100 * time.Millisecond
	desc.Retry.Multiplier = 3
	desc.Retry.MaxDelay = time.Second

	s := &recordingSleeper{}
	res := newTestDispatcher(s).Dispatch(context.Background(), chatCall(desc))

	require.False(t, res.Success())
	assert.Equal(t, int32(desc.Retry.MaxRetries+1), calls.Load())
	assert.Equal(t, desc.Retry.MaxRetries+1, res.Attempts)
	assert.Equal(t, desc.Retry.MaxRetries, res.RetryCount)
	assert.Equal(t, errors.TypeVendor, res.Err.Type)
	assert.Equal(t, errors.TagAPIError, res.Err.Code)
	assert.Equal(t, "boom", res.Err.Message)
	assert.Equal(t, http.StatusBadGateway, res.StatusCode)

	require.Len(t, s.delays, desc.Retry.MaxRetries)
	assert.Equal(t, []time.Duration{100 * time.Millisecond, 300 * time.Millisecond, 900 * time.Millisecond, time.Second}, s.delays)
	for i := 1; i < len(s.delays); i++ {
		assert.GreaterOrEqual(t, s.delays[i], s.delays[i-1])
		assert.LessOrEqual(t, s.delays[i], desc.Retry.MaxDelay)
	}
}

func TestDispatch_NonRetryableStatus(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"error":{"message":"messages: field required"}}`))
	}))
	defer srv.Close()

	s := &recordingSleeper{}
	res := newTestDispatcher(s).Dispatch(context.Background(), chatCall(testDescriptor(t, vendor.OpenAI, srv.URL)))

	assert.Equal(t, int32(1), calls.Load())
	assert.Equal(t, 1, res.Attempts)
	assert.Equal(t, 0, res.RetryCount)
	assert.Empty(t, s.delays)
	require.NotNil(t, res.Err)
	assert.Equal(t, errors.TagInvalidRequest, res.Err.Code)
	assert.Equal(t, http.StatusBadRequest, res.StatusCode)
	assert.False(t, res.Err.Retryable)
}

func TestDispatch_UnmappedStatusUsesUnknownTag(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}))
	defer srv.Close()

	res := New(nil, nil).Dispatch(context.Background(), chatCall(testDescriptor(t, vendor.OpenAI, srv.URL)))
	require.NotNil(t, res.Err)
	assert.Equal(t, errors.TagUnknown, res.Err.Code)
	assert.Equal(t, 1, res.Attempts)
	assert.Equal(t, http.StatusTeapot, res.StatusCode)
}

func TestDispatch_TimeoutsThenSuccess(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.Copy(io.Discard, r.Body)
		if calls.Add(1) <= 2 {
			select {
			case <-r.Context().Done():
			case <-time.After(2 * time.Second):
			}
			return
		}
		_, _ = w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	desc := testDescriptor(t, vendor.OpenAI, srv.URL)
	desc.Timeout = 50 * time.Millisecond

	s := &recordingSleeper{}
	res := newTestDispatcher(s).Dispatch(context.Background(), chatCall(desc))

	require.True(t, res.Success(), "%v", res.Err)
	assert.Equal(t, 2, res.RetryCount)
	assert.Equal(t, 3, res.Attempts)
	assert.Len(t, s.delays, 2)
}

func TestDispatch_TimeoutExhausted(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(_ http.ResponseWriter, r *http.Request) {
		_, _ = io.Copy(io.Discard, r.Body)
		select {
		case <-r.Context().Done():
		case <-release:
		}
	}))
	defer srv.Close()
	defer close(release)

	desc := testDescriptor(t, vendor.OpenAI, srv.URL)
	desc.Timeout = 20 * time.Millisecond
	desc.Retry.MaxRetries = 1

	res := newTestDispatcher(&recordingSleeper{}).Dispatch(context.Background(), chatCall(desc))
	require.NotNil(t, res.Err)
	assert.Equal(t, errors.TypeNetwork, res.Err.Type)
	assert.Equal(t, errors.TagNetwork, res.Err.Code)
	assert.Contains(t, res.Err.Message, "did not respond within")
	assert.Equal(t, http.StatusServiceUnavailable, res.StatusCode)
	assert.Equal(t, 1, res.RetryCount)
}

func TestDispatch_ResponseRetriesOnlyByStatus(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusGatewayTimeout)
	}))
	defer srv.Close()

	desc := testDescriptor(t, vendor.OpenAI, srv.URL)
	desc.Retry.RetryableStatus = map[int]bool{http.StatusInternalServerError: true}

	s := &recordingSleeper{}
	res := newTestDispatcher(s).Dispatch(context.Background(), chatCall(desc))

	require.NotNil(t, res.Err)
	assert.Equal(t, int32(1), calls.Load(), "a timeout tag does not make a 504 response retryable")
	assert.Equal(t, 1, res.Attempts)
	assert.Empty(t, s.delays)
	assert.Equal(t, errors.TagTimeout, res.Err.Code)
	assert.False(t, res.Err.Retryable)
}

func TestDispatch_ConnectionRefused(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	desc := testDescriptor(t, vendor.OpenAI, url)
	desc.Retry.MaxRetries = 2

	s := &recordingSleeper{}
	res := newTestDispatcher(s).Dispatch(context.Background(), chatCall(desc))
	require.NotNil(t, res.Err)
	assert.Equal(t, errors.TypeNetwork, res.Err.Type)
	assert.Equal(t, http.StatusServiceUnavailable, res.StatusCode)
	assert.Equal(t, 3, res.Attempts)

	// Without network_error in the retryable tags a transport failure is fatal.
	desc.Retry.RetryableTags = map[string]bool{}
	res = newTestDispatcher(s).Dispatch(context.Background(), chatCall(desc))
	assert.Equal(t, 1, res.Attempts)
}

func TestDispatch_RetryAfterRaisesDelay(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if calls.Add(1) == 1 {
			w.Header().Set("Retry-After", "3")
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		_, _ = w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	desc := testDescriptor(t, vendor.OpenAI, srv.URL)
	desc.Retry.BaseDelay = 10 * time.Millisecond
	desc.Retry.MaxDelay = 2 * time.Second

	s := &recordingSleeper{}
	res := newTestDispatcher(s).Dispatch(context.Background(), chatCall(desc))
	require.True(t, res.Success())
	assert.Equal(t, []time.Duration{2 * time.Second}, s.delays, "Retry-After is capped by MaxDelay")
}

func TestDispatch_ParentCancelStopsRetrying(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	d := New(nil, nil, WithSleeper(func(ctx context.Context, _ time.Duration) error {
		cancel()
		return ctx.Err()
	}))

	res := d.Dispatch(ctx, chatCall(testDescriptor(t, vendor.OpenAI, srv.URL)))
	require.NotNil(t, res.Err)
	assert.Equal(t, int32(1), calls.Load())
	assert.Equal(t, errors.TagServiceUnavailable, res.Err.Code)
}

func TestDispatch_UnsupportedEndpoint(t *testing.T) {
	desc := testDescriptor(t, vendor.Anthropic, "http://127.0.0.1:1")
	call := chatCall(desc)
	call.Endpoint = types.EndpointEmbeddings

	res := New(nil, nil).Dispatch(context.Background(), call)
	require.NotNil(t, res.Err)
	assert.Equal(t, errors.CodeUnsupported, res.Err.Code)
	assert.Equal(t, 1, res.Attempts)
}

func TestDispatch_BrotliBody(t *testing.T) {
	var buf bytes.Buffer
	bw := brotli.NewWriter(&buf)
	_, _ = bw.Write([]byte(`{"id":"x"}`))
	require.NoError(t, bw.Close())

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Encoding", "br")
		_, _ = w.Write(buf.Bytes())
	}))
	defer srv.Close()

	res := New(nil, nil).Dispatch(context.Background(), chatCall(testDescriptor(t, vendor.OpenAI, srv.URL)))
	require.True(t, res.Success())
	assert.Equal(t, `{"id":"x"}`, string(res.Body))
	assert.Empty(t, res.Header.Get("Content-Encoding"))
}

func TestDispatch_BodyTooLarge(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write(bytes.Repeat([]byte("a"), 64))
	}))
	defer srv.Close()

	res := New(nil, nil, WithMaxBodyBytes(16)).Dispatch(context.Background(), chatCall(testDescriptor(t, vendor.OpenAI, srv.URL)))
	require.NotNil(t, res.Err)
	assert.False(t, res.Err.Retryable)
}

func TestDispatch_StreamOutlivesAttemptTimeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(http.StatusOK)
		w.(http.Flusher).Flush()
		_, _ = w.Write([]byte("data: {\"n\":1}\n\n"))
		w.(http.Flusher).Flush()
		time.Sleep(150 * time.Millisecond)
		_, _ = w.Write([]byte("data: [DONE]\n\n"))
	}))
	defer srv.Close()

	desc := testDescriptor(t, vendor.OpenAI, srv.URL)
	desc.Timeout = 50 * time.Millisecond
	call := chatCall(desc)
	call.Stream = true

	res := New(nil, nil).Dispatch(context.Background(), call)
	require.True(t, res.Success(), "%v", res.Err)
	require.NotNil(t, res.Stream)
	defer res.Stream.Close()

	data, err := io.ReadAll(res.Stream)
	require.NoError(t, err)
	assert.Equal(t, "data: {\"n\":1}\n\ndata: [DONE]\n\n", string(data))
}

func TestParseRetryAfter(t *testing.T) {
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	tests := []struct {
		in   string
		want time.Duration
	}{
		{"", 0},
		{"5", 5 * time.Second},
		{"-1", 0},
		{"soon", 0},
		{now.Add(10 * time.Second).Format(http.TimeFormat), 10 * time.Second},
		{now.Add(-10 * time.Second).Format(http.TimeFormat), 0},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, parseRetryAfter(tt.in, now), tt.in)
	}
}
