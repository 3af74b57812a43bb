package types //nolint:revive // package name is intentional

import (
	"fmt"
	"strings"

	"github.com/ThousifMd/api-lens-backend-sub001/pkg/errors"
)

var validRoles = map[string]struct{}{
	"system":    {},
	"developer": {},
	"user":      {},
	"assistant": {},
	"tool":      {},
	"function":  {},
}

// Validate checks the request for the given endpoint before any vendor is
// contacted. The returned error is always a validation *errors.VendorError.
func (r *Request) Validate(endpoint Endpoint) error {
	if strings.TrimSpace(r.Model) == "" {
		return errors.NewValidation("model is required")
	}
	if r.Temperature != nil && (*r.Temperature < 0 || *r.Temperature > 2) {
		return errors.NewValidation("temperature must be between 0 and 2")
	}
	if r.TopP != nil && (*r.TopP < 0 || *r.TopP > 1) {
		return errors.NewValidation("top_p must be between 0 and 1")
	}
	if r.MaxTokens != nil && *r.MaxTokens <= 0 {
		return errors.NewValidation("max_tokens must be positive")
	}

	switch endpoint {
	case EndpointChat:
		if len(r.Messages) == 0 {
			return errors.NewValidation("messages must not be empty")
		}
		for i, m := range r.Messages {
			if _, ok := validRoles[m.Role]; !ok {
				return errors.NewValidation(fmt.Sprintf("messages[%d]: invalid role %q", i, m.Role))
			}
		}
	case EndpointCompletions:
		if len(stringOrList(r.Prompt)) == 0 {
			return errors.NewValidation("prompt must be a string or a list of strings")
		}
	case EndpointEmbeddings:
		texts := stringOrList(r.Input)
		if len(texts) == 0 {
			return errors.NewValidation("input must be a string or a list of strings")
		}
		if r.Stream {
			return errors.NewValidation("embeddings do not support streaming")
		}
	default:
		return errors.NewValidation(fmt.Sprintf("unknown endpoint %q", endpoint))
	}
	return nil
}
