// Package types defines the vendor-neutral request and result shapes that
// flow through the proxy pipeline. Inbound bodies follow OpenAI's wire
// format, which is the generic shape every adapter transforms from.
package types //nolint:revive // package name is intentional

import (
	"strings"

	"github.com/goccy/go-json"
)

// Endpoint is the logical category of a proxied call.
type Endpoint string

const (
	EndpointChat        Endpoint = "chat"
	EndpointCompletions Endpoint = "completions"
	EndpointEmbeddings  Endpoint = "embeddings"
)

// Valid reports whether e is a known endpoint category.
func (e Endpoint) Valid() bool {
	switch e {
	case EndpointChat, EndpointCompletions, EndpointEmbeddings:
		return true
	}
	return false
}

// Request is the generic request accepted on every proxied endpoint.
// Fields that only apply to one endpoint are left empty on the others.
type Request struct {
	Model       string          `json:"model"`
	Messages    []Message       `json:"messages,omitempty"`
	Prompt      json.RawMessage `json:"prompt,omitempty"`
	Input       json.RawMessage `json:"input,omitempty"`
	Stream      bool            `json:"stream,omitempty"`
	MaxTokens   *int            `json:"max_tokens,omitempty"`
	Temperature *float64        `json:"temperature,omitempty"`
	TopP        *float64        `json:"top_p,omitempty"`
	Stop        StopList        `json:"stop,omitempty"`
	User        string          `json:"user,omitempty"`

	// Extra holds fields the proxy does not interpret. Adapters forward them
	// unless the vendor excludes them.
	Extra map[string]json.RawMessage `json:"-"`
}

var requestKnownFields = map[string]struct{}{
	"model":       {},
	"messages":    {},
	"prompt":      {},
	"input":       {},
	"stream":      {},
	"max_tokens":  {},
	"temperature": {},
	"top_p":       {},
	"stop":        {},
	"user":        {},
}

// MarshalJSON merges Extra fields without overriding explicitly set fields.
func (r Request) MarshalJSON() ([]byte, error) {
	type Alias Request
	return marshalWithExtra(Alias(r), r.Extra)
}

// UnmarshalJSON captures unknown fields into Extra for passthrough.
func (r *Request) UnmarshalJSON(data []byte) error {
	type Alias Request

	var parsed Alias
	if err := json.Unmarshal(data, &parsed); err != nil {
		return err
	}
	extra, err := unknownFields(data, requestKnownFields)
	if err != nil {
		return err
	}
	*r = Request(parsed)
	r.Extra = extra
	return nil
}

func marshalWithExtra(v any, extra map[string]json.RawMessage) ([]byte, error) {
	base, err := json.Marshal(v)
	if err != nil || len(extra) == 0 {
		return base, err
	}

	var payload map[string]json.RawMessage
	if err := json.Unmarshal(base, &payload); err != nil {
		return nil, err
	}
	for key, value := range extra {
		if _, exists := payload[key]; !exists {
			payload[key] = value
		}
	}
	return json.Marshal(payload)
}

func unknownFields(data []byte, known map[string]struct{}) (map[string]json.RawMessage, error) {
	var payload map[string]json.RawMessage
	if err := json.Unmarshal(data, &payload); err != nil {
		return nil, err
	}
	for key := range known {
		delete(payload, key)
	}
	if len(payload) == 0 {
		return nil, nil
	}
	return payload, nil
}

// Message is a single chat turn. Content is kept raw so structured content
// arrays reach OpenAI-shaped vendors untouched.
type Message struct {
	Role    string          `json:"role"`
	Content json.RawMessage `json:"content"`
	Name    string          `json:"name,omitempty"`

	// Extra holds the other message fields (tool_calls, tool_call_id,
	// function_call, refusal) so they survive the round trip.
	Extra map[string]json.RawMessage `json:"-"`
}

var messageKnownFields = map[string]struct{}{
	"role":    {},
	"content": {},
	"name":    {},
}

// MarshalJSON writes Extra back next to the known fields.
func (m Message) MarshalJSON() ([]byte, error) {
	type Alias Message
	if len(m.Content) == 0 {
		m.Content = json.RawMessage("null")
	}
	return marshalWithExtra(Alias(m), m.Extra)
}

// UnmarshalJSON captures unknown message fields into Extra.
func (m *Message) UnmarshalJSON(data []byte) error {
	type Alias Message

	var parsed Alias
	if err := json.Unmarshal(data, &parsed); err != nil {
		return err
	}
	extra, err := unknownFields(data, messageKnownFields)
	if err != nil {
		return err
	}
	*m = Message(parsed)
	m.Extra = extra
	return nil
}

// NewTextMessage builds a message whose content is a plain string.
func NewTextMessage(role, text string) Message {
	raw, _ := json.Marshal(text)
	return Message{Role: role, Content: raw}
}

// Text flattens the message content to plain text. String content is
// returned as is; content-part arrays contribute their text parts.
func (m Message) Text() string {
	return flattenText(m.Content)
}

type contentPart struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

func flattenText(raw json.RawMessage) string {
	if len(raw) == 0 || string(raw) == "null" {
		return ""
	}

	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}

	var parts []contentPart
	if err := json.Unmarshal(raw, &parts); err == nil {
		var sb strings.Builder
		for _, p := range parts {
			if p.Type != "" && p.Type != "text" {
				continue
			}
			if sb.Len() > 0 && p.Text != "" {
				sb.WriteString("\n")
			}
			sb.WriteString(p.Text)
		}
		return sb.String()
	}
	return ""
}

// PromptText returns the completions prompt as one string. A list prompt is
// joined with newlines.
func (r *Request) PromptText() string {
	texts := stringOrList(r.Prompt)
	return strings.Join(texts, "\n")
}

// InputTexts returns the embeddings input as a list of strings.
func (r *Request) InputTexts() []string {
	return stringOrList(r.Input)
}

// InputIsList reports whether the embeddings input was sent as an array.
func (r *Request) InputIsList() bool {
	trimmed := strings.TrimSpace(string(r.Input))
	return strings.HasPrefix(trimmed, "[")
}

func stringOrList(raw json.RawMessage) []string {
	if len(raw) == 0 || string(raw) == "null" {
		return nil
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return []string{s}
	}
	var list []string
	if err := json.Unmarshal(raw, &list); err == nil {
		return list
	}
	return nil
}

// StopList accepts either a single stop string or a list of them.
type StopList []string

// UnmarshalJSON implements json.Unmarshaler.
func (s *StopList) UnmarshalJSON(data []byte) error {
	if string(data) == "null" {
		*s = nil
		return nil
	}
	var single string
	if err := json.Unmarshal(data, &single); err == nil {
		*s = StopList{single}
		return nil
	}
	var list []string
	if err := json.Unmarshal(data, &list); err != nil {
		return err
	}
	*s = list
	return nil
}
