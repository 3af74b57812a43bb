package api //nolint:revive // package name is intentional

import (
	"context"
	"net/http"
	"time"
)

// ModelInfo is one entry of GET /v1/models.
type ModelInfo struct {
	ID            string       `json:"id"`
	Object        string       `json:"object"`
	OwnedBy       string       `json:"owned_by"`
	ContextLength int          `json:"context_length,omitempty"`
	Pricing       ModelPricing `json:"pricing"`
}

// ModelPricing is USD per 1000 tokens, as decimal strings.
type ModelPricing struct {
	InputPer1K  string `json:"input_per_1k"`
	OutputPer1K string `json:"output_per_1k"`
}

// ModelList is the OpenAI-compatible list envelope.
type ModelList struct {
	Object string      `json:"object"`
	Data   []ModelInfo `json:"data"`
}

// ListModels handles GET /v1/models.
func (h *Handler) ListModels(w http.ResponseWriter, _ *http.Request) {
	models := h.pipeline.Registry().Models()
	out := ModelList{Object: "list", Data: make([]ModelInfo, 0, len(models))}
	for _, m := range models {
		out.Data = append(out.Data, ModelInfo{
			ID:            m.Name,
			Object:        "model",
			OwnedBy:       m.Vendor,
			ContextLength: m.ContextLength,
			Pricing: ModelPricing{
				InputPer1K:  m.InputPer1K.String(),
				OutputPer1K: m.OutputPer1K.String(),
			},
		})
	}
	writeJSON(w, http.StatusOK, out)
}

// Live handles GET /health/live.
func (h *Handler) Live(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

const readyTimeout = 2 * time.Second

// Ready handles GET /health/ready. Every check must pass.
func (h *Handler) Ready(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), readyTimeout)
	defer cancel()

	failures := map[string]string{}
	for _, c := range h.checks {
		if err := c.Fn(ctx); err != nil {
			failures[c.Name] = err.Error()
		}
	}

	if len(failures) > 0 {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"status": "unavailable",
			"checks": failures,
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}
