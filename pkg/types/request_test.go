package types //nolint:revive // package name is intentional

import (
	"testing"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ThousifMd/api-lens-backend-sub001/pkg/errors"
)

func TestRequestUnmarshal_ExtraFieldsCaptured(t *testing.T) {
	data := []byte(`{
		"model": "gpt-4o",
		"messages": [{"role": "user", "content": "hi"}],
		"temperature": 0.5,
		"stream_options": {"include_usage": true},
		"seed": 42
	}`)

	var req Request
	require.NoError(t, json.Unmarshal(data, &req))

	require.NotNil(t, req.Extra)
	assert.JSONEq(t, `{"include_usage": true}`, string(req.Extra["stream_options"]))
	assert.JSONEq(t, `42`, string(req.Extra["seed"]))
	assert.NotContains(t, req.Extra, "model")
	assert.NotContains(t, req.Extra, "temperature")
}

func TestRequestUnmarshal_NoExtraFields(t *testing.T) {
	var req Request
	require.NoError(t, json.Unmarshal([]byte(`{"model":"gpt-4o","messages":[{"role":"user","content":"hi"}]}`), &req))
	assert.Nil(t, req.Extra)
}

func TestRequestMarshal_ExtraDoesNotOverrideKnown(t *testing.T) {
	req := Request{
		Model:    "gpt-4o",
		Messages: []Message{NewTextMessage("user", "hi")},
		Extra: map[string]json.RawMessage{
			"model": json.RawMessage(`"other"`),
			"seed":  json.RawMessage(`7`),
		},
	}

	out, err := json.Marshal(req)
	require.NoError(t, err)

	var payload map[string]any
	require.NoError(t, json.Unmarshal(out, &payload))
	assert.Equal(t, "gpt-4o", payload["model"])
	assert.EqualValues(t, 7, payload["seed"])
}

func TestStopList(t *testing.T) {
	tests := []struct {
		name string
		body string
		want StopList
	}{
		{"single string", `{"model":"m","stop":"END"}`, StopList{"END"}},
		{"list", `{"model":"m","stop":["a","b"]}`, StopList{"a", "b"}},
		{"absent", `{"model":"m"}`, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var req Request
			require.NoError(t, json.Unmarshal([]byte(tt.body), &req))
			assert.Equal(t, tt.want, req.Stop)
		})
	}
}

func TestMessageText(t *testing.T) {
	assert.Equal(t, "hello", Message{Content: json.RawMessage(`"hello"`)}.Text())
	assert.Equal(t, "a\nb", Message{Content: json.RawMessage(`[{"type":"text","text":"a"},{"type":"image_url","image_url":{"url":"x"}},{"type":"text","text":"b"}]`)}.Text())
	assert.Equal(t, "", Message{}.Text())
}

func TestMessage_ToolFieldsRoundTrip(t *testing.T) {
	in := `{"role":"assistant","content":null,"tool_calls":[{"id":"call_1","type":"function","function":{"name":"weather","arguments":"{}"}}]}`

	var m Message
	require.NoError(t, json.Unmarshal([]byte(in), &m))
	assert.Equal(t, "assistant", m.Role)
	require.Contains(t, m.Extra, "tool_calls")

	out, err := json.Marshal(m)
	require.NoError(t, err)
	assert.JSONEq(t, in, string(out))

	tool := Message{Role: "tool", Content: json.RawMessage(`"sunny"`), Extra: map[string]json.RawMessage{
		"tool_call_id": json.RawMessage(`"call_1"`),
		"role":         json.RawMessage(`"user"`),
	}}
	out, err = json.Marshal(tool)
	require.NoError(t, err)
	assert.JSONEq(t, `{"role":"tool","content":"sunny","tool_call_id":"call_1"}`, string(out))
}

func TestPromptAndInput(t *testing.T) {
	req := Request{Prompt: json.RawMessage(`["one","two"]`), Input: json.RawMessage(`"solo"`)}
	assert.Equal(t, "one\ntwo", req.PromptText())
	assert.Equal(t, []string{"solo"}, req.InputTexts())
	assert.False(t, req.InputIsList())

	req.Input = json.RawMessage(` ["x","y"]`)
	assert.True(t, req.InputIsList())
}

func TestValidate(t *testing.T) {
	temp := 3.0
	zero := 0

	tests := []struct {
		name     string
		endpoint Endpoint
		req      Request
		wantErr  bool
	}{
		{"valid chat", EndpointChat, Request{Model: "gpt-4o", Messages: []Message{NewTextMessage("user", "hi")}}, false},
		{"missing model", EndpointChat, Request{Messages: []Message{NewTextMessage("user", "hi")}}, true},
		{"empty messages", EndpointChat, Request{Model: "gpt-4o"}, true},
		{"bad role", EndpointChat, Request{Model: "gpt-4o", Messages: []Message{NewTextMessage("robot", "hi")}}, true},
		{"temperature out of range", EndpointChat, Request{Model: "gpt-4o", Messages: []Message{NewTextMessage("user", "hi")}, Temperature: &temp}, true},
		{"zero max tokens", EndpointChat, Request{Model: "gpt-4o", Messages: []Message{NewTextMessage("user", "hi")}, MaxTokens: &zero}, true},
		{"valid completion", EndpointCompletions, Request{Model: "gpt-3.5-turbo-instruct", Prompt: json.RawMessage(`"say hi"`)}, false},
		{"missing prompt", EndpointCompletions, Request{Model: "gpt-3.5-turbo-instruct"}, true},
		{"valid embedding", EndpointEmbeddings, Request{Model: "text-embedding-3-small", Input: json.RawMessage(`["a"]`)}, false},
		{"streamed embedding", EndpointEmbeddings, Request{Model: "text-embedding-3-small", Input: json.RawMessage(`"a"`), Stream: true}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.req.Validate(tt.endpoint)
			if !tt.wantErr {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			ve := errors.As(err)
			assert.Equal(t, errors.TypeValidation, ve.Type)
			assert.Equal(t, 400, ve.HTTPStatus())
		})
	}
}

func TestUsageFillTotal(t *testing.T) {
	u := Usage{InputTokens: 5, OutputTokens: 7}
	u.FillTotal()
	assert.Equal(t, 12, u.TotalTokens)

	reported := Usage{InputTokens: 5, OutputTokens: 7, TotalTokens: 15}
	reported.FillTotal()
	assert.Equal(t, 15, reported.TotalTokens)
}
