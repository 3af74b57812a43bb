// Package pricing turns token usage into USD cost.
package pricing

import (
	"strings"
	"sync"

	"github.com/shopspring/decimal"

	"github.com/ThousifMd/api-lens-backend-sub001/internal/vendor"
	"github.com/ThousifMd/api-lens-backend-sub001/pkg/types"
)

// HeaderPlaces is the precision used when costs are rendered for clients.
const HeaderPlaces = 8

var thousand = decimal.NewFromInt(1000)

// ModelPricing defines the pricing for a model.
type ModelPricing struct {
	Model           string // exact name, or a prefix ending in "*"
	InputCostPer1K  decimal.Decimal
	OutputCostPer1K decimal.Decimal
}

// FromCatalog builds a pricing table from the model index.
func FromCatalog(models []vendor.ModelInfo) []ModelPricing {
	out := make([]ModelPricing, 0, len(models))
	for _, m := range models {
		out = append(out, ModelPricing{
			Model:           m.Name,
			InputCostPer1K:  m.InputPer1K,
			OutputCostPer1K: m.OutputPer1K,
		})
	}
	return out
}

// Calculator calculates the cost of API usage. It is safe for concurrent
// use; Replace swaps the whole table on config reload.
type Calculator struct {
	mu      sync.RWMutex
	pricing map[string]ModelPricing
}

// NewCalculator creates a new pricing calculator.
// If no pricing is provided, the built-in catalog is used.
func NewCalculator(pricing []ModelPricing) *Calculator {
	c := &Calculator{}
	c.Replace(pricing)
	return c
}

// Replace installs a new pricing table.
func (c *Calculator) Replace(pricing []ModelPricing) {
	if pricing == nil {
		pricing = FromCatalog(vendor.DefaultModels())
	}
	table := make(map[string]ModelPricing, len(pricing))
	for _, p := range pricing {
		table[strings.ToLower(p.Model)] = p
	}

	c.mu.Lock()
	c.pricing = table
	c.mu.Unlock()
}

// Estimate returns the expected input cost before the call is made.
// Output tokens are unknown at that point and priced at zero.
func (c *Calculator) Estimate(model string, inputTokens int) decimal.Decimal {
	return c.Calculate(model, types.Usage{InputTokens: inputTokens})
}

// Calculate returns the cost for the given model and usage.
// Returns 0 if the model is not found in the pricing data.
func (c *Calculator) Calculate(model string, usage types.Usage) decimal.Decimal {
	p, ok := c.findPricing(model)
	if !ok {
		return decimal.Zero
	}

	in := decimal.NewFromInt(int64(usage.InputTokens)).Div(thousand).Mul(p.InputCostPer1K)
	out := decimal.NewFromInt(int64(usage.OutputTokens)).Div(thousand).Mul(p.OutputCostPer1K)
	return in.Add(out)
}

// findPricing tries an exact match first. Otherwise the longest of two
// kinds of prefix wins: an exact entry followed by a dated suffix
// (claude-3-haiku-20240307, gpt-4-0613), or a configured "*" pattern.
// A pattern beats a dated match of the same length. Anything else,
// gpt-4.1 included, is unpriced.
func (c *Calculator) findPricing(model string) (ModelPricing, bool) {
	modelLower := strings.ToLower(model)

	c.mu.RLock()
	defer c.mu.RUnlock()

	if p, ok := c.pricing[modelLower]; ok {
		return p, true
	}

	var best ModelPricing
	bestScore := -1
	for pattern, p := range c.pricing {
		score := -1
		if prefix, ok := strings.CutSuffix(pattern, "*"); ok {
			if strings.HasPrefix(modelLower, prefix) {
				score = 2*len(prefix) + 1
			}
		} else if isDatedVariant(modelLower, pattern) {
			score = 2 * len(pattern)
		}
		if score > bestScore {
			best = p
			bestScore = score
		}
	}
	return best, bestScore >= 0
}

// isDatedVariant reports whether model is base followed by "-" and a digit.
func isDatedVariant(model, base string) bool {
	rest, ok := strings.CutPrefix(model, base)
	if !ok || len(rest) < 2 || rest[0] != '-' {
		return false
	}
	return rest[1] >= '0' && rest[1] <= '9'
}

// AddPricing adds or updates pricing for a specific model.
func (c *Calculator) AddPricing(pricing ModelPricing) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pricing[strings.ToLower(pricing.Model)] = pricing
}

// GetPricing retrieves the pricing for a model.
func (c *Calculator) GetPricing(model string) (ModelPricing, bool) {
	return c.findPricing(model)
}

// Format renders a cost for response headers.
func Format(cost decimal.Decimal) string {
	return cost.StringFixed(HeaderPlaces)
}
