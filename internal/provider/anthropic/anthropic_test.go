package anthropic

import (
	"testing"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ThousifMd/api-lens-backend-sub001/internal/vendor"
	"github.com/ThousifMd/api-lens-backend-sub001/pkg/errors"
	"github.com/ThousifMd/api-lens-backend-sub001/pkg/types"
)

func descriptor(t *testing.T) *vendor.Descriptor {
	t.Helper()
	r, err := vendor.NewRegistry(vendor.Options{})
	require.NoError(t, err)
	d, ok := r.Vendor(vendor.Anthropic)
	require.True(t, ok)
	return d
}

func transform(t *testing.T, endpoint types.Endpoint, body string) map[string]any {
	t.Helper()
	var req types.Request
	require.NoError(t, json.Unmarshal([]byte(body), &req))

	out, err := New().Transform(descriptor(t), endpoint, &req)
	require.NoError(t, err)

	var got map[string]any
	require.NoError(t, json.Unmarshal(out, &got))
	return got
}

func TestTransform_SystemExtractedAndMaxTokensDefaulted(t *testing.T) {
	got := transform(t, types.EndpointChat, `{
		"model": "claude-3-haiku",
		"messages": [
			{"role": "system", "content": "be terse"},
			{"role": "user", "content": "hi"}
		]
	}`)

	assert.Equal(t, "be terse", got["system"])
	assert.Equal(t, []any{map[string]any{"role": "user", "content": "hi"}}, got["messages"])
	assert.EqualValues(t, DefaultMaxTokens, got["max_tokens"])
}

func TestTransform_MaxTokensAlwaysPresent(t *testing.T) {
	bodies := []string{
		`{"model":"claude-3-opus","messages":[{"role":"user","content":"a"}]}`,
		`{"model":"claude-3-opus","messages":[{"role":"user","content":"a"}],"max_tokens":12}`,
		`{"model":"claude-3-opus","messages":[{"role":"user","content":[{"type":"text","text":"a"}]}],"stream":true}`,
	}
	for _, b := range bodies {
		got := transform(t, types.EndpointChat, b)
		require.Contains(t, got, "max_tokens", b)
		assert.Greater(t, got["max_tokens"].(float64), 0.0)
		assert.NotEmpty(t, got["messages"])
	}
}

func TestTransform_FieldMapping(t *testing.T) {
	got := transform(t, types.EndpointChat, `{
		"model": "claude-3-5-sonnet",
		"messages": [
			{"role": "system", "content": "rule one"},
			{"role": "developer", "content": "rule two"},
			{"role": "user", "content": "q1"},
			{"role": "user", "content": [{"type":"text","text":"q2"},{"type":"image_url","image_url":{"url":"data:image/jpeg;base64,QUJD"}}]},
			{"role": "assistant", "content": "a1"}
		],
		"temperature": 1.7,
		"stop": ["\n\nHuman:"],
		"user": "u-1",
		"seed": 3,
		"top_k": 40
	}`)

	assert.Equal(t, "rule one\n\nrule two", got["system"])
	assert.Equal(t, 1.7, got["temperature"], "forwarded as sent; the vendor validates its range")
	assert.Equal(t, []any{"\n\nHuman:"}, got["stop_sequences"])
	assert.Equal(t, map[string]any{"user_id": "u-1"}, got["metadata"])
	assert.NotContains(t, got, "stop")
	assert.NotContains(t, got, "seed", "OpenAI-only field excluded")
	assert.EqualValues(t, 40, got["top_k"], "unknown field passed through")

	msgs := got["messages"].([]any)
	require.Len(t, msgs, 2, "consecutive user turns merged")

	first := msgs[0].(map[string]any)
	assert.Equal(t, "user", first["role"])
	blocks := first["content"].([]any)
	require.Len(t, blocks, 3)
	assert.Equal(t, map[string]any{"type": "text", "text": "q1"}, blocks[0])
	assert.Equal(t, map[string]any{"type": "text", "text": "q2"}, blocks[1])
	assert.Equal(t, map[string]any{
		"type":   "image",
		"source": map[string]any{"type": "base64", "media_type": "image/jpeg", "data": "QUJD"},
	}, blocks[2])

	assert.Equal(t, map[string]any{"role": "assistant", "content": "a1"}, msgs[1])
}

func TestTransform_Completions(t *testing.T) {
	got := transform(t, types.EndpointCompletions, `{"model":"claude-3-haiku","prompt":"finish this"}`)
	assert.Equal(t, []any{map[string]any{"role": "user", "content": "finish this"}}, got["messages"])
}

func TestTransform_Errors(t *testing.T) {
	a := New()
	d := descriptor(t)

	_, err := a.Transform(d, types.EndpointEmbeddings, &types.Request{Model: "claude-3-haiku", Input: json.RawMessage(`"x"`)})
	require.Error(t, err)
	assert.Equal(t, errors.CodeUnsupported, errors.As(err).Code)

	_, err = a.Transform(d, types.EndpointChat, &types.Request{
		Model:    "claude-3-haiku",
		Messages: []types.Message{types.NewTextMessage("system", "only system")},
	})
	require.Error(t, err)
	assert.Equal(t, errors.TypeValidation, errors.As(err).Type)
}

func TestParseUsage(t *testing.T) {
	body := []byte(`{
		"id": "msg_01",
		"type": "message",
		"role": "assistant",
		"model": "claude-3-haiku-20240307",
		"content": [{"type":"text","text":"hi"}],
		"stop_reason": "end_turn",
		"usage": {"input_tokens": 10, "output_tokens": 4, "cache_read_input_tokens": 2}
	}`)

	u, err := New().ParseUsage(types.EndpointChat, body)
	require.NoError(t, err)
	assert.Equal(t, 12, u.InputTokens)
	assert.Equal(t, 4, u.OutputTokens)
	assert.Equal(t, u.InputTokens+u.OutputTokens, u.TotalTokens)
	assert.Equal(t, "claude-3-haiku-20240307", u.Model)
	require.NotNil(t, u.FinishReason)
	assert.Equal(t, "stop", *u.FinishReason)
	assert.Equal(t, "msg_01", *u.UpstreamID)
}

func TestParseUsage_NoStopReason(t *testing.T) {
	u, err := New().ParseUsage(types.EndpointChat, []byte(`{"usage":{"input_tokens":1,"output_tokens":1},"stop_reason":null}`))
	require.NoError(t, err)
	assert.Nil(t, u.FinishReason)
	assert.Equal(t, 2, u.TotalTokens)
}

func TestStreamUsage(t *testing.T) {
	a := New()
	var u types.Usage

	events := []string{
		`{"type":"message_start","message":{"id":"msg_02","model":"claude-3-5-haiku-20241022","usage":{"input_tokens":25,"output_tokens":1}}}`,
		`{"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":"Hello"}}`,
		`{"type":"message_delta","delta":{"stop_reason":"max_tokens"},"usage":{"output_tokens":15}}`,
		`{"type":"message_stop"}`,
	}
	for _, e := range events {
		a.StreamUsage([]byte(e), &u)
	}

	assert.Equal(t, 25, u.InputTokens)
	assert.Equal(t, 15, u.OutputTokens)
	assert.Equal(t, 40, u.TotalTokens)
	assert.Equal(t, "claude-3-5-haiku-20241022", u.Model)
	require.NotNil(t, u.FinishReason)
	assert.Equal(t, "length", *u.FinishReason)
}
