// Package tokenizer estimates input token counts before a request is sent.
// The estimate feeds pre-call cost and tokens-per-minute admission; the
// vendor's reported usage always wins afterwards.
package tokenizer

import (
	"strings"
	"sync"

	"github.com/pkoukk/tiktoken-go"
	tiktoken_loader "github.com/pkoukk/tiktoken-go-loader"

	"github.com/ThousifMd/api-lens-backend-sub001/pkg/types"
)

var (
	encodingCache sync.Map // normalized model -> *cachedEncoding
	defaultOnce   sync.Once
	defaultEnc    *tiktoken.Tiktoken
)

// BPE ranks are embedded; the default loader would fetch them over HTTP on
// the first request for each encoding.
func init() {
	tiktoken.SetBpeLoader(tiktoken_loader.NewOfflineLoader())
}

// cachedEncoding resolves once per model. A nil enc means no encoding could
// be loaded and the model falls back to the default or len/4.
type cachedEncoding struct {
	once sync.Once
	enc  *tiktoken.Tiktoken
}

// Warm loads the encodings for the given models so the first request for
// each does not pay for it.
func Warm(models ...string) {
	getDefaultEncoding()
	for _, m := range models {
		getEncoding(m)
	}
}

// CountTextTokens returns the token count for the given text using tiktoken.
// If no encoding is available, it falls back to a conservative len/4 estimate.
func CountTextTokens(model, text string) int {
	if text == "" {
		return 0
	}
	enc := getEncoding(model)
	if enc == nil {
		return (len(text) + 3) / 4
	}
	return len(enc.Encode(text, nil, nil))
}

// EstimateInputTokens estimates the prompt size of a request for the given
// endpoint category.
func EstimateInputTokens(endpoint types.Endpoint, req *types.Request) int {
	if req == nil {
		return 0
	}
	switch endpoint {
	case types.EndpointEmbeddings:
		return EstimateEmbeddingTokens(req.Model, req)
	case types.EndpointCompletions:
		return CountTextTokens(req.Model, req.PromptText())
	default:
		return EstimatePromptTokens(req.Model, req)
	}
}

// EstimatePromptTokens estimates prompt tokens for chat requests.
// This uses tiktoken on message content and adds a small overhead per message.
func EstimatePromptTokens(model string, req *types.Request) int {
	if req == nil {
		return 0
	}

	total := 0
	for _, msg := range req.Messages {
		total += CountTextTokens(model, msg.Role)
		total += CountTextTokens(model, msg.Name)
		total += CountTextTokens(model, msg.Text())
		// Role and formatting overhead.
		total += 2
	}

	// Reply primer used by common chat formats.
	total += 3
	return total
}

// EstimateEmbeddingTokens sums the tokens of every embedding input.
func EstimateEmbeddingTokens(model string, req *types.Request) int {
	total := 0
	for _, text := range req.InputTexts() {
		total += CountTextTokens(model, text)
	}
	return total
}

func getEncoding(model string) *tiktoken.Tiktoken {
	base := normalizeModelName(model)
	v, _ := encodingCache.LoadOrStore(base, &cachedEncoding{})
	entry := v.(*cachedEncoding)
	entry.once.Do(func() {
		enc, err := tiktoken.EncodingForModel(base)
		if err != nil {
			enc = getDefaultEncoding()
		}
		entry.enc = enc
	})
	return entry.enc
}

func getDefaultEncoding() *tiktoken.Tiktoken {
	defaultOnce.Do(func() {
		enc, err := tiktoken.GetEncoding("cl100k_base")
		if err == nil {
			defaultEnc = enc
		}
	})
	return defaultEnc
}

func normalizeModelName(model string) string {
	if idx := strings.LastIndex(model, "/"); idx >= 0 && idx+1 < len(model) {
		return model[idx+1:]
	}
	return model
}
