package provider

import (
	"strings"

	"github.com/goccy/go-json"
)

// Part is one piece of OpenAI-style message content, normalized so other
// wire formats can rebuild it.
type Part struct {
	Text string

	// Image parts carry either inline base64 data or a remote URL.
	IsImage  bool
	MimeType string
	Data     string
	URL      string
}

type openAIPart struct {
	Type     string `json:"type"`
	Text     string `json:"text"`
	ImageURL *struct {
		URL string `json:"url"`
	} `json:"image_url"`
}

// Parts decodes message content, which is either a JSON string or an array
// of typed parts. Unsupported part types are skipped.
func Parts(raw json.RawMessage) []Part {
	if len(raw) == 0 || string(raw) == "null" {
		return nil
	}

	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return []Part{{Text: s}}
	}

	var items []openAIPart
	if err := json.Unmarshal(raw, &items); err != nil {
		return []Part{{Text: string(raw)}}
	}

	parts := make([]Part, 0, len(items))
	for _, it := range items {
		switch it.Type {
		case "text", "":
			parts = append(parts, Part{Text: it.Text})
		case "image_url":
			if it.ImageURL == nil || it.ImageURL.URL == "" {
				continue
			}
			parts = append(parts, imagePart(it.ImageURL.URL))
		}
	}
	return parts
}

func imagePart(u string) Part {
	// data:image/png;base64,AAAA
	if rest, ok := strings.CutPrefix(u, "data:"); ok {
		meta, data, found := strings.Cut(rest, ",")
		if found && strings.HasSuffix(meta, ";base64") {
			return Part{IsImage: true, MimeType: strings.TrimSuffix(meta, ";base64"), Data: data}
		}
	}
	return Part{IsImage: true, URL: u}
}

// JoinText concatenates the text of parts, ignoring images.
func JoinText(parts []Part) string {
	var sb strings.Builder
	for _, p := range parts {
		if p.IsImage || p.Text == "" {
			continue
		}
		if sb.Len() > 0 {
			sb.WriteString("\n")
		}
		sb.WriteString(p.Text)
	}
	return sb.String()
}
