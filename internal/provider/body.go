package provider

import (
	"fmt"

	"github.com/buger/jsonparser"
	"github.com/goccy/go-json"

	"github.com/ThousifMd/api-lens-backend-sub001/internal/vendor"
)

// Finalize marshals a native request and applies the vendor's field rules:
// passthrough extras are added when the native body does not already set
// them and the vendor does not exclude them, then custom fields are
// written over the result.
func Finalize(d *vendor.Descriptor, native any, extra map[string]json.RawMessage) ([]byte, error) {
	base, err := json.Marshal(native)
	if err != nil {
		return nil, fmt.Errorf("marshal %s request: %w", d.Kind, err)
	}
	if len(extra) == 0 && len(d.CustomFields) == 0 && len(d.ExcludedFields) == 0 {
		return base, nil
	}

	var payload map[string]json.RawMessage
	if err := json.Unmarshal(base, &payload); err != nil {
		return nil, fmt.Errorf("reparse %s request: %w", d.Kind, err)
	}

	for key, value := range extra {
		if d.Excluded(key) {
			continue
		}
		if _, exists := payload[key]; !exists {
			payload[key] = value
		}
	}
	for key, value := range d.CustomFields {
		raw, err := json.Marshal(value)
		if err != nil {
			return nil, fmt.Errorf("marshal custom field %q: %w", key, err)
		}
		payload[key] = raw
	}
	return json.Marshal(payload)
}

// ErrorMessage pulls a human-readable message out of a vendor error body.
// All three wire formats nest it under error.message.
func ErrorMessage(body []byte) string {
	if msg, err := jsonparser.GetString(body, "error", "message"); err == nil && msg != "" {
		return msg
	}
	if msg, err := jsonparser.GetString(body, "message"); err == nil && msg != "" {
		return msg
	}
	if msg, err := jsonparser.GetString(body, "error"); err == nil && msg != "" {
		return msg
	}
	const limit = 512
	if len(body) > limit {
		return string(body[:limit]) + "..."
	}
	return string(body)
}

// Int reads an integer at path, returning 0 when absent.
func Int(data []byte, path ...string) int {
	v, err := jsonparser.GetInt(data, path...)
	if err != nil {
		return 0
	}
	return int(v)
}

// String reads a string at path, returning nil when absent, null or empty.
func String(data []byte, path ...string) *string {
	v, err := jsonparser.GetString(data, path...)
	if err != nil || v == "" {
		return nil
	}
	return &v
}

// Has reports whether a non-null value exists at path.
func Has(data []byte, path ...string) bool {
	_, typ, _, err := jsonparser.Get(data, path...)
	return err == nil && typ != jsonparser.Null && typ != jsonparser.NotExist
}

// ValidJSON rejects bodies that are not a JSON object.
func ValidJSON(body []byte) error {
	if !json.Valid(body) {
		return fmt.Errorf("response is not valid JSON")
	}
	if _, typ, _, err := jsonparser.Get(body); err != nil || typ != jsonparser.Object {
		return fmt.Errorf("response is not a JSON object")
	}
	return nil
}
