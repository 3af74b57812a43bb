package provider

import (
	"testing"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ThousifMd/api-lens-backend-sub001/internal/vendor"
)

func TestFinalize(t *testing.T) {
	d := &vendor.Descriptor{
		Kind:           vendor.KindAnthropic,
		ExcludedFields: []string{"seed"},
		CustomFields:   map[string]any{"anthropic_version": "vertex-2023-10-16"},
	}
	native := map[string]any{"model": "claude-3-haiku", "max_tokens": 10}
	extra := map[string]json.RawMessage{
		"seed":       json.RawMessage(`1`),
		"top_k":      json.RawMessage(`5`),
		"max_tokens": json.RawMessage(`99`),
	}

	out, err := Finalize(d, native, extra)
	require.NoError(t, err)

	var got map[string]any
	require.NoError(t, json.Unmarshal(out, &got))
	assert.NotContains(t, got, "seed")
	assert.EqualValues(t, 5, got["top_k"])
	assert.EqualValues(t, 10, got["max_tokens"], "extras never override generated fields")
	assert.Equal(t, "vertex-2023-10-16", got["anthropic_version"])
}

func TestFinalize_NoRules(t *testing.T) {
	d := &vendor.Descriptor{Kind: vendor.KindOpenAI}
	out, err := Finalize(d, map[string]string{"model": "gpt-4o"}, nil)
	require.NoError(t, err)
	assert.JSONEq(t, `{"model":"gpt-4o"}`, string(out))
}

func TestErrorMessage(t *testing.T) {
	tests := []struct {
		name string
		body string
		want string
	}{
		{"openai", `{"error":{"message":"Incorrect API key","type":"invalid_request_error"}}`, "Incorrect API key"},
		{"anthropic", `{"type":"error","error":{"type":"overloaded_error","message":"Overloaded"}}`, "Overloaded"},
		{"google", `{"error":{"code":400,"message":"API key not valid","status":"INVALID_ARGUMENT"}}`, "API key not valid"},
		{"flat", `{"message":"nope"}`, "nope"},
		{"string error", `{"error":"bad"}`, "bad"},
		{"plain text", `upstream connect error`, "upstream connect error"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ErrorMessage([]byte(tt.body)))
		})
	}
}

func TestParts(t *testing.T) {
	parts := Parts(json.RawMessage(`[
		{"type":"text","text":"look"},
		{"type":"image_url","image_url":{"url":"data:image/png;base64,AAAA"}},
		{"type":"image_url","image_url":{"url":"https://example.com/cat.jpg"}},
		{"type":"input_audio","input_audio":{}}
	]`))
	require.Len(t, parts, 3)
	assert.Equal(t, "look", parts[0].Text)
	assert.Equal(t, Part{IsImage: true, MimeType: "image/png", Data: "AAAA"}, parts[1])
	assert.Equal(t, Part{IsImage: true, URL: "https://example.com/cat.jpg"}, parts[2])
	assert.Equal(t, "look", JoinText(parts))

	assert.Equal(t, []Part{{Text: "hi"}}, Parts(json.RawMessage(`"hi"`)))
	assert.Nil(t, Parts(nil))
}

func TestJSONHelpers(t *testing.T) {
	body := []byte(`{"id":"x","usage":{"n":3},"nil":null,"choices":[{"finish_reason":"stop"}]}`)
	assert.Equal(t, 3, Int(body, "usage", "n"))
	assert.Equal(t, 0, Int(body, "usage", "missing"))
	require.NotNil(t, String(body, "choices", "[0]", "finish_reason"))
	assert.Equal(t, "stop", *String(body, "choices", "[0]", "finish_reason"))
	assert.Nil(t, String(body, "choices", "[1]", "finish_reason"))
	assert.True(t, Has(body, "usage"))
	assert.False(t, Has(body, "nil"))

	assert.NoError(t, ValidJSON(body))
	assert.Error(t, ValidJSON([]byte(`[1,2]`)))
	assert.Error(t, ValidJSON([]byte(`{"truncated":`)))
}
