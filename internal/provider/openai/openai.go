// Package openai implements the OpenAI wire format. The generic request
// shape already is this format, so the adapter mostly passes fields through.
package openai

import (
	"bytes"
	"fmt"

	"github.com/goccy/go-json"

	"github.com/ThousifMd/api-lens-backend-sub001/internal/provider"
	"github.com/ThousifMd/api-lens-backend-sub001/internal/vendor"
	"github.com/ThousifMd/api-lens-backend-sub001/pkg/types"
)

// Adapter implements provider.Adapter for OpenAI-shaped vendors.
type Adapter struct{}

// New creates the OpenAI adapter.
func New() *Adapter {
	return &Adapter{}
}

// Kind implements provider.Adapter.
func (a *Adapter) Kind() vendor.Kind {
	return vendor.KindOpenAI
}

type chatRequest struct {
	Model       string          `json:"model"`
	Messages    []types.Message `json:"messages"`
	Stream      bool            `json:"stream,omitempty"`
	MaxTokens   *int            `json:"max_tokens,omitempty"`
	Temperature *float64        `json:"temperature,omitempty"`
	TopP        *float64        `json:"top_p,omitempty"`
	Stop        []string        `json:"stop,omitempty"`
	User        string          `json:"user,omitempty"`

	StreamOptions *streamOptions `json:"stream_options,omitempty"`
}

type completionRequest struct {
	Model       string          `json:"model"`
	Prompt      json.RawMessage `json:"prompt"`
	Stream      bool            `json:"stream,omitempty"`
	MaxTokens   *int            `json:"max_tokens,omitempty"`
	Temperature *float64        `json:"temperature,omitempty"`
	TopP        *float64        `json:"top_p,omitempty"`
	Stop        []string        `json:"stop,omitempty"`
	User        string          `json:"user,omitempty"`

	StreamOptions *streamOptions `json:"stream_options,omitempty"`
}

type embeddingRequest struct {
	Model string          `json:"model"`
	Input json.RawMessage `json:"input"`
	User  string          `json:"user,omitempty"`
}

type streamOptions struct {
	IncludeUsage bool `json:"include_usage"`
}

// Transform implements provider.Adapter.
func (a *Adapter) Transform(d *vendor.Descriptor, endpoint types.Endpoint, req *types.Request) ([]byte, error) {
	switch endpoint {
	case types.EndpointChat:
		native := chatRequest{
			Model:       req.Model,
			Messages:    req.Messages,
			Stream:      req.Stream,
			MaxTokens:   req.MaxTokens,
			Temperature: req.Temperature,
			TopP:        req.TopP,
			Stop:        req.Stop,
			User:        req.User,
		}
		native.StreamOptions = usageInStream(d, req)
		return provider.Finalize(d, native, req.Extra)

	case types.EndpointCompletions:
		native := completionRequest{
			Model:       req.Model,
			Prompt:      req.Prompt,
			Stream:      req.Stream,
			MaxTokens:   req.MaxTokens,
			Temperature: req.Temperature,
			TopP:        req.TopP,
			Stop:        req.Stop,
			User:        req.User,
		}
		native.StreamOptions = usageInStream(d, req)
		return provider.Finalize(d, native, req.Extra)

	case types.EndpointEmbeddings:
		native := embeddingRequest{
			Model: req.Model,
			Input: req.Input,
			User:  req.User,
		}
		return provider.Finalize(d, native, req.Extra)
	}
	return nil, fmt.Errorf("openai: unsupported endpoint %q", endpoint)
}

// usageInStream asks OpenAI itself for a trailing usage chunk so streamed
// calls can be costed. Compatible vendors do not all accept the option.
func usageInStream(d *vendor.Descriptor, req *types.Request) *streamOptions {
	if !req.Stream || d.Name != vendor.OpenAI {
		return nil
	}
	if _, set := req.Extra["stream_options"]; set {
		return nil
	}
	return &streamOptions{IncludeUsage: true}
}

// ParseUsage implements provider.Adapter.
func (a *Adapter) ParseUsage(endpoint types.Endpoint, body []byte) (types.Usage, error) {
	if err := provider.ValidJSON(body); err != nil {
		return types.Usage{}, fmt.Errorf("openai: %w", err)
	}

	u := types.Usage{
		InputTokens:  provider.Int(body, "usage", "prompt_tokens"),
		OutputTokens: provider.Int(body, "usage", "completion_tokens"),
		TotalTokens:  provider.Int(body, "usage", "total_tokens"),
		UpstreamID:   provider.String(body, "id"),
	}
	if m := provider.String(body, "model"); m != nil {
		u.Model = *m
	}
	if endpoint != types.EndpointEmbeddings {
		u.FinishReason = provider.String(body, "choices", "[0]", "finish_reason")
	}
	u.FillTotal()
	return u, nil
}

var doneMarker = []byte("[DONE]")

// StreamUsage implements provider.Adapter. Usage arrives in the last chunk
// before [DONE]; finish reason arrives on the chunk that ends the choice.
func (a *Adapter) StreamUsage(data []byte, usage *types.Usage) {
	if bytes.Equal(bytes.TrimSpace(data), doneMarker) {
		return
	}
	if usage.UpstreamID == nil {
		usage.UpstreamID = provider.String(data, "id")
	}
	if usage.Model == "" {
		if m := provider.String(data, "model"); m != nil {
			usage.Model = *m
		}
	}
	if fr := provider.String(data, "choices", "[0]", "finish_reason"); fr != nil {
		usage.FinishReason = fr
	}
	if provider.Has(data, "usage") {
		usage.InputTokens = provider.Int(data, "usage", "prompt_tokens")
		usage.OutputTokens = provider.Int(data, "usage", "completion_tokens")
		usage.TotalTokens = provider.Int(data, "usage", "total_tokens")
		usage.FillTotal()
	}
}
