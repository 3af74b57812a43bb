package openai

import (
	"testing"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ThousifMd/api-lens-backend-sub001/internal/vendor"
	"github.com/ThousifMd/api-lens-backend-sub001/pkg/types"
)

func descriptor(t *testing.T, name string) *vendor.Descriptor {
	t.Helper()
	r, err := vendor.NewRegistry(vendor.Options{})
	require.NoError(t, err)
	d, ok := r.Vendor(name)
	require.True(t, ok)
	return d
}

func decode(t *testing.T, data []byte) map[string]any {
	t.Helper()
	var m map[string]any
	require.NoError(t, json.Unmarshal(data, &m))
	return m
}

func TestTransform_ChatPassthrough(t *testing.T) {
	var req types.Request
	require.NoError(t, json.Unmarshal([]byte(`{
		"model": "gpt-3.5-turbo",
		"messages": [{"role":"user","content":"hi"}],
		"temperature": 0.2,
		"stop": "END",
		"seed": 7
	}`), &req))

	body, err := New().Transform(descriptor(t, vendor.OpenAI), types.EndpointChat, &req)
	require.NoError(t, err)

	got := decode(t, body)
	assert.Equal(t, "gpt-3.5-turbo", got["model"])
	assert.Equal(t, 0.2, got["temperature"])
	assert.Equal(t, []any{"END"}, got["stop"])
	assert.EqualValues(t, 7, got["seed"])
	assert.NotContains(t, got, "stream_options")

	msgs := got["messages"].([]any)
	require.Len(t, msgs, 1)
	assert.Equal(t, map[string]any{"role": "user", "content": "hi"}, msgs[0])
}

func TestTransform_ToolConversationPreserved(t *testing.T) {
	var req types.Request
	require.NoError(t, json.Unmarshal([]byte(`{
		"model": "gpt-4o",
		"messages": [
			{"role":"user","content":"weather?"},
			{"role":"assistant","content":null,"tool_calls":[{"id":"call_1","type":"function","function":{"name":"weather","arguments":"{\"city\":\"Oslo\"}"}}]},
			{"role":"tool","tool_call_id":"call_1","content":"sunny"}
		]
	}`), &req))

	body, err := New().Transform(descriptor(t, vendor.OpenAI), types.EndpointChat, &req)
	require.NoError(t, err)

	msgs := decode(t, body)["messages"].([]any)
	require.Len(t, msgs, 3)

	assistant := msgs[1].(map[string]any)
	assert.Nil(t, assistant["content"])
	calls := assistant["tool_calls"].([]any)
	require.Len(t, calls, 1)
	assert.Equal(t, "call_1", calls[0].(map[string]any)["id"])

	assert.Equal(t, map[string]any{"role": "tool", "tool_call_id": "call_1", "content": "sunny"}, msgs[2])
}

func TestTransform_StreamRequestsUsage(t *testing.T) {
	req := types.Request{Model: "gpt-4o", Messages: []types.Message{types.NewTextMessage("user", "hi")}, Stream: true}

	body, err := New().Transform(descriptor(t, vendor.OpenAI), types.EndpointChat, &req)
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"include_usage": true}, decode(t, body)["stream_options"])

	// Compatible vendors get the body untouched.
	body, err = New().Transform(descriptor(t, vendor.DeepSeek), types.EndpointChat, &req)
	require.NoError(t, err)
	assert.NotContains(t, decode(t, body), "stream_options")
}

func TestTransform_CompletionsAndEmbeddings(t *testing.T) {
	a := New()
	d := descriptor(t, vendor.OpenAI)

	body, err := a.Transform(d, types.EndpointCompletions, &types.Request{Model: "gpt-3.5-turbo-instruct", Prompt: json.RawMessage(`"say hi"`)})
	require.NoError(t, err)
	assert.Equal(t, "say hi", decode(t, body)["prompt"])

	body, err = a.Transform(d, types.EndpointEmbeddings, &types.Request{Model: "text-embedding-3-small", Input: json.RawMessage(`["a","b"]`)})
	require.NoError(t, err)
	got := decode(t, body)
	assert.Equal(t, []any{"a", "b"}, got["input"])
	assert.NotContains(t, got, "messages")
}

func TestParseUsage(t *testing.T) {
	body := []byte(`{
		"id": "chatcmpl-1",
		"model": "gpt-3.5-turbo-0125",
		"choices": [{"index":0,"message":{"role":"assistant","content":"hello"},"finish_reason":"stop"}],
		"usage": {"prompt_tokens": 5, "completion_tokens": 7, "total_tokens": 12}
	}`)

	u, err := New().ParseUsage(types.EndpointChat, body)
	require.NoError(t, err)
	assert.Equal(t, 5, u.InputTokens)
	assert.Equal(t, 7, u.OutputTokens)
	assert.Equal(t, 12, u.TotalTokens)
	assert.Equal(t, "gpt-3.5-turbo-0125", u.Model)
	require.NotNil(t, u.FinishReason)
	assert.Equal(t, "stop", *u.FinishReason)
	require.NotNil(t, u.UpstreamID)
	assert.Equal(t, "chatcmpl-1", *u.UpstreamID)
}

func TestParseUsage_MissingFields(t *testing.T) {
	u, err := New().ParseUsage(types.EndpointChat, []byte(`{"usage":{"prompt_tokens":3,"completion_tokens":4}}`))
	require.NoError(t, err)
	assert.Equal(t, 7, u.TotalTokens, "total computed when absent")
	assert.Nil(t, u.FinishReason)
	assert.Nil(t, u.UpstreamID)

	u, err = New().ParseUsage(types.EndpointEmbeddings, []byte(`{"data":[],"usage":{"prompt_tokens":8,"total_tokens":8}}`))
	require.NoError(t, err)
	assert.Equal(t, 8, u.InputTokens)
	assert.Equal(t, 8, u.TotalTokens)

	_, err = New().ParseUsage(types.EndpointChat, []byte(`<html>`))
	assert.Error(t, err)
}

func TestStreamUsage(t *testing.T) {
	a := New()
	var u types.Usage

	chunks := []string{
		`{"id":"c1","model":"gpt-4o","choices":[{"delta":{"content":"he"},"finish_reason":null}]}`,
		`{"id":"c1","model":"gpt-4o","choices":[{"delta":{},"finish_reason":"stop"}]}`,
		`{"id":"c1","model":"gpt-4o","choices":[],"usage":{"prompt_tokens":9,"completion_tokens":2,"total_tokens":11}}`,
		`[DONE]`,
	}
	for _, c := range chunks {
		a.StreamUsage([]byte(c), &u)
	}

	assert.Equal(t, 9, u.InputTokens)
	assert.Equal(t, 2, u.OutputTokens)
	assert.Equal(t, 11, u.TotalTokens)
	assert.Equal(t, "gpt-4o", u.Model)
	require.NotNil(t, u.FinishReason)
	assert.Equal(t, "stop", *u.FinishReason)
}
