// Package anthropic implements the Anthropic Messages wire format.
// System turns move to a top-level field, max_tokens is mandatory and the
// message list must alternate between user and assistant.
package anthropic

import (
	"fmt"

	"github.com/ThousifMd/api-lens-backend-sub001/internal/provider"
	"github.com/ThousifMd/api-lens-backend-sub001/internal/vendor"
	"github.com/ThousifMd/api-lens-backend-sub001/pkg/errors"
	"github.com/ThousifMd/api-lens-backend-sub001/pkg/types"
)

// DefaultMaxTokens is sent when the caller leaves max_tokens unset.
const DefaultMaxTokens = 4096

// Adapter implements provider.Adapter for Anthropic-shaped vendors.
type Adapter struct{}

// New creates the Anthropic adapter.
func New() *Adapter {
	return &Adapter{}
}

// Kind implements provider.Adapter.
func (a *Adapter) Kind() vendor.Kind {
	return vendor.KindAnthropic
}

type messagesRequest struct {
	Model         string    `json:"model"`
	Messages      []message `json:"messages"`
	System        string    `json:"system,omitempty"`
	MaxTokens     int       `json:"max_tokens"`
	Temperature   *float64  `json:"temperature,omitempty"`
	TopP          *float64  `json:"top_p,omitempty"`
	StopSequences []string  `json:"stop_sequences,omitempty"`
	Stream        bool      `json:"stream,omitempty"`
	Metadata      *metadata `json:"metadata,omitempty"`
}

type message struct {
	Role    string `json:"role"`
	Content any    `json:"content"` // string or []block
}

type block struct {
	Type   string       `json:"type"`
	Text   string       `json:"text,omitempty"`
	Source *imageSource `json:"source,omitempty"`
}

type imageSource struct {
	Type      string `json:"type"`
	MediaType string `json:"media_type,omitempty"`
	Data      string `json:"data,omitempty"`
	URL       string `json:"url,omitempty"`
}

type metadata struct {
	UserID string `json:"user_id,omitempty"`
}

// Transform implements provider.Adapter.
func (a *Adapter) Transform(d *vendor.Descriptor, endpoint types.Endpoint, req *types.Request) ([]byte, error) {
	var msgs []types.Message
	switch endpoint {
	case types.EndpointChat:
		msgs = req.Messages
	case types.EndpointCompletions:
		msgs = []types.Message{types.NewTextMessage("user", req.PromptText())}
	default:
		return nil, errors.NewUnsupported(d.Name, string(endpoint))
	}

	native := messagesRequest{
		Model:         req.Model,
		MaxTokens:     DefaultMaxTokens,
		Temperature:   req.Temperature,
		TopP:          req.TopP,
		StopSequences: req.Stop,
		Stream:        req.Stream,
	}
	if req.MaxTokens != nil {
		native.MaxTokens = *req.MaxTokens
	}
	if req.User != "" {
		native.Metadata = &metadata{UserID: req.User}
	}

	native.System, native.Messages = splitSystem(msgs)
	if len(native.Messages) == 0 {
		return nil, errors.NewValidation("at least one non-system message is required")
	}
	return provider.Finalize(d, native, req.Extra)
}

// splitSystem pulls system and developer turns into one prompt and folds
// the rest into alternating user/assistant messages.
func splitSystem(msgs []types.Message) (string, []message) {
	var system []provider.Part
	var out []message
	var blocks []block
	role := ""

	flush := func() {
		if role == "" || len(blocks) == 0 {
			return
		}
		out = append(out, message{Role: role, Content: compact(blocks)})
		blocks = nil
	}

	for _, m := range msgs {
		parts := provider.Parts(m.Content)
		switch m.Role {
		case "system", "developer":
			system = append(system, parts...)
			continue
		}

		r := "user"
		if m.Role == "assistant" {
			r = "assistant"
		}
		if r != role {
			flush()
			role = r
		}
		blocks = append(blocks, toBlocks(parts)...)
	}
	flush()

	var prompt string
	for _, p := range system {
		if p.IsImage || p.Text == "" {
			continue
		}
		if prompt != "" {
			prompt += "\n\n"
		}
		prompt += p.Text
	}
	return prompt, out
}

func toBlocks(parts []provider.Part) []block {
	out := make([]block, 0, len(parts))
	for _, p := range parts {
		switch {
		case p.IsImage && p.Data != "":
			out = append(out, block{Type: "image", Source: &imageSource{Type: "base64", MediaType: p.MimeType, Data: p.Data}})
		case p.IsImage:
			out = append(out, block{Type: "image", Source: &imageSource{Type: "url", URL: p.URL}})
		case p.Text != "":
			out = append(out, block{Type: "text", Text: p.Text})
		}
	}
	return out
}

// compact sends a lone text block as a plain string.
func compact(blocks []block) any {
	if len(blocks) == 1 && blocks[0].Type == "text" {
		return blocks[0].Text
	}
	return blocks
}

// ParseUsage implements provider.Adapter. Cache reads and writes are billed
// as input, so they are folded into InputTokens.
func (a *Adapter) ParseUsage(_ types.Endpoint, body []byte) (types.Usage, error) {
	if err := provider.ValidJSON(body); err != nil {
		return types.Usage{}, fmt.Errorf("anthropic: %w", err)
	}

	u := types.Usage{
		InputTokens: provider.Int(body, "usage", "input_tokens") +
			provider.Int(body, "usage", "cache_creation_input_tokens") +
			provider.Int(body, "usage", "cache_read_input_tokens"),
		OutputTokens: provider.Int(body, "usage", "output_tokens"),
		UpstreamID:   provider.String(body, "id"),
		FinishReason: mapStopReason(provider.String(body, "stop_reason")),
	}
	if m := provider.String(body, "model"); m != nil {
		u.Model = *m
	}
	u.FillTotal()
	return u, nil
}

// StreamUsage implements provider.Adapter. message_start carries input
// tokens; message_delta carries the running output count and stop reason.
func (a *Adapter) StreamUsage(data []byte, usage *types.Usage) {
	typ := provider.String(data, "type")
	if typ == nil {
		return
	}

	switch *typ {
	case "message_start":
		usage.InputTokens = provider.Int(data, "message", "usage", "input_tokens") +
			provider.Int(data, "message", "usage", "cache_creation_input_tokens") +
			provider.Int(data, "message", "usage", "cache_read_input_tokens")
		usage.OutputTokens = provider.Int(data, "message", "usage", "output_tokens")
		usage.UpstreamID = provider.String(data, "message", "id")
		if m := provider.String(data, "message", "model"); m != nil {
			usage.Model = *m
		}
	case "message_delta":
		if provider.Has(data, "usage", "output_tokens") {
			usage.OutputTokens = provider.Int(data, "usage", "output_tokens")
		}
		if fr := mapStopReason(provider.String(data, "delta", "stop_reason")); fr != nil {
			usage.FinishReason = fr
		}
	default:
		return
	}
	usage.TotalTokens = usage.InputTokens + usage.OutputTokens
}

func mapStopReason(reason *string) *string {
	if reason == nil {
		return nil
	}
	var out string
	switch *reason {
	case "end_turn", "stop_sequence":
		out = "stop"
	case "max_tokens":
		out = "length"
	case "tool_use":
		out = "tool_calls"
	default:
		out = *reason
	}
	return &out
}
