// Package gemini implements the Google Generative Language wire format.
// Turns become contents with parts, assistant is renamed to model and the
// sampling parameters nest under generationConfig.
package gemini

import (
	"fmt"
	"strings"

	"github.com/buger/jsonparser"

	"github.com/ThousifMd/api-lens-backend-sub001/internal/provider"
	"github.com/ThousifMd/api-lens-backend-sub001/internal/vendor"
	"github.com/ThousifMd/api-lens-backend-sub001/pkg/errors"
	"github.com/ThousifMd/api-lens-backend-sub001/pkg/types"
)

// Adapter implements provider.Adapter for Google-shaped vendors.
type Adapter struct{}

// New creates the Gemini adapter.
func New() *Adapter {
	return &Adapter{}
}

// Kind implements provider.Adapter.
func (a *Adapter) Kind() vendor.Kind {
	return vendor.KindGoogle
}

type generateRequest struct {
	Contents          []content         `json:"contents"`
	SystemInstruction *content          `json:"systemInstruction,omitempty"`
	GenerationConfig  *generationConfig `json:"generationConfig,omitempty"`
}

type content struct {
	Role  string `json:"role,omitempty"`
	Parts []part `json:"parts"`
}

type part struct {
	Text       string      `json:"text,omitempty"`
	InlineData *inlineData `json:"inlineData,omitempty"`
	FileData   *fileData   `json:"fileData,omitempty"`
}

type inlineData struct {
	MimeType string `json:"mimeType"`
	Data     string `json:"data"`
}

type fileData struct {
	MimeType string `json:"mimeType,omitempty"`
	FileURI  string `json:"fileUri"`
}

type generationConfig struct {
	Temperature     *float64 `json:"temperature,omitempty"`
	TopP            *float64 `json:"topP,omitempty"`
	MaxOutputTokens *int     `json:"maxOutputTokens,omitempty"`
	StopSequences   []string `json:"stopSequences,omitempty"`
}

type batchEmbedRequest struct {
	Requests []embedRequest `json:"requests"`
}

type embedRequest struct {
	Model   string  `json:"model"`
	Content content `json:"content"`
}

// Transform implements provider.Adapter.
func (a *Adapter) Transform(d *vendor.Descriptor, endpoint types.Endpoint, req *types.Request) ([]byte, error) {
	switch endpoint {
	case types.EndpointEmbeddings:
		return a.transformEmbeddings(d, req)
	case types.EndpointChat, types.EndpointCompletions:
	default:
		return nil, errors.NewUnsupported(d.Name, string(endpoint))
	}

	msgs := req.Messages
	if endpoint == types.EndpointCompletions {
		msgs = []types.Message{types.NewTextMessage("user", req.PromptText())}
	}

	native := generateRequest{}
	native.SystemInstruction, native.Contents = toContents(msgs)
	if len(native.Contents) == 0 {
		return nil, errors.NewValidation("at least one non-system message is required")
	}

	if req.Temperature != nil || req.TopP != nil || req.MaxTokens != nil || len(req.Stop) > 0 {
		native.GenerationConfig = &generationConfig{
			Temperature:     req.Temperature,
			TopP:            req.TopP,
			MaxOutputTokens: req.MaxTokens,
			StopSequences:   req.Stop,
		}
	}
	return provider.Finalize(d, native, req.Extra)
}

func (a *Adapter) transformEmbeddings(d *vendor.Descriptor, req *types.Request) ([]byte, error) {
	model := req.Model
	if !strings.HasPrefix(model, "models/") {
		model = "models/" + model
	}

	texts := req.InputTexts()
	native := batchEmbedRequest{Requests: make([]embedRequest, 0, len(texts))}
	for _, t := range texts {
		native.Requests = append(native.Requests, embedRequest{
			Model:   model,
			Content: content{Parts: []part{{Text: t}}},
		})
	}
	return provider.Finalize(d, native, req.Extra)
}

// toContents maps chat turns to Gemini contents. System turns go to the
// system instruction, consecutive turns of one role are merged.
func toContents(msgs []types.Message) (*content, []content) {
	var system *content
	var out []content

	for _, m := range msgs {
		parts := toParts(provider.Parts(m.Content))

		switch m.Role {
		case "system", "developer":
			if system == nil {
				system = &content{}
			}
			system.Parts = append(system.Parts, parts...)
			continue
		}
		if len(parts) == 0 {
			continue
		}

		role := "user"
		if m.Role == "assistant" {
			role = "model"
		}
		if n := len(out); n > 0 && out[n-1].Role == role {
			out[n-1].Parts = append(out[n-1].Parts, parts...)
			continue
		}
		out = append(out, content{Role: role, Parts: parts})
	}

	if system != nil && len(system.Parts) == 0 {
		system = nil
	}
	return system, out
}

func toParts(in []provider.Part) []part {
	out := make([]part, 0, len(in))
	for _, p := range in {
		switch {
		case p.IsImage && p.Data != "":
			out = append(out, part{InlineData: &inlineData{MimeType: p.MimeType, Data: p.Data}})
		case p.IsImage:
			out = append(out, part{FileData: &fileData{FileURI: p.URL}})
		case p.Text != "":
			out = append(out, part{Text: p.Text})
		}
	}
	return out
}

// ParseUsage implements provider.Adapter. Embedding responses carry no
// usage metadata and yield zero counts.
func (a *Adapter) ParseUsage(endpoint types.Endpoint, body []byte) (types.Usage, error) {
	if err := provider.ValidJSON(body); err != nil {
		return types.Usage{}, fmt.Errorf("gemini: %w", err)
	}

	u := readUsageMetadata(body)
	if endpoint != types.EndpointEmbeddings {
		u.FinishReason = mapFinishReason(provider.String(body, "candidates", "[0]", "finishReason"))
	}
	u.FillTotal()
	return u, nil
}

func readUsageMetadata(data []byte) types.Usage {
	u := types.Usage{
		InputTokens:  provider.Int(data, "usageMetadata", "promptTokenCount"),
		OutputTokens: provider.Int(data, "usageMetadata", "candidatesTokenCount") + provider.Int(data, "usageMetadata", "thoughtsTokenCount"),
		TotalTokens:  provider.Int(data, "usageMetadata", "totalTokenCount"),
		UpstreamID:   provider.String(data, "responseId"),
	}
	if m := provider.String(data, "modelVersion"); m != nil {
		u.Model = *m
	}
	return u
}

// StreamUsage implements provider.Adapter. Every chunk repeats the
// cumulative usageMetadata, so the latest one wins.
func (a *Adapter) StreamUsage(data []byte, usage *types.Usage) {
	if _, _, _, err := jsonparser.Get(data, "usageMetadata"); err == nil {
		next := readUsageMetadata(data)
		usage.InputTokens = next.InputTokens
		usage.OutputTokens = next.OutputTokens
		usage.TotalTokens = next.TotalTokens
		usage.FillTotal()
		if next.UpstreamID != nil {
			usage.UpstreamID = next.UpstreamID
		}
		if next.Model != "" {
			usage.Model = next.Model
		}
	}
	if fr := mapFinishReason(provider.String(data, "candidates", "[0]", "finishReason")); fr != nil {
		usage.FinishReason = fr
	}
}

func mapFinishReason(reason *string) *string {
	if reason == nil {
		return nil
	}
	var out string
	switch *reason {
	case "STOP":
		out = "stop"
	case "MAX_TOKENS":
		out = "length"
	case "SAFETY", "RECITATION", "BLOCKLIST", "PROHIBITED_CONTENT", "SPII":
		out = "content_filter"
	case "FINISH_REASON_UNSPECIFIED":
		return nil
	default:
		out = strings.ToLower(*reason)
	}
	return &out
}
