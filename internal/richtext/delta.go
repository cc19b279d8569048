// Package richtext extracts plain text from rich-text note bodies so that
// list previews can be rendered without the editor. Bodies are stored as a
// JSON sequence of insert operations (Quill delta shape); anything else is
// treated as already-plain text.
package richtext

import (
	"encoding/json"
	"strings"
)

type insertOp struct {
	Insert interface{} `json:"insert"`
}

// PlainText concatenates the text content of a structured rich-text body.
// The second return is false when body does not parse as an op sequence, in
// which case callers should use the raw body instead. Non-text inserts
// (images, embeds) contribute nothing.
func PlainText(body string) (string, bool) {
	trimmed := strings.TrimSpace(body)
	if trimmed == "" {
		return "", false
	}

	var ops []insertOp
	switch trimmed[0] {
	case '[':
		if err := json.Unmarshal([]byte(trimmed), &ops); err != nil {
			return "", false
		}
	case '{':
		// Some writers wrap the op list in {"ops": [...]}.
		var doc struct {
			Ops []insertOp `json:"ops"`
		}
		if err := json.Unmarshal([]byte(trimmed), &doc); err != nil || doc.Ops == nil {
			return "", false
		}
		ops = doc.Ops
	default:
		return "", false
	}

	if len(ops) == 0 {
		return "", false
	}

	var sb strings.Builder
	sawText := false
	for _, op := range ops {
		if text, ok := op.Insert.(string); ok {
			sb.WriteString(text)
			sawText = true
		}
	}
	if !sawText {
		return "", false
	}
	return sb.String(), true
}

// Preview derives the list preview for a note body: the concatenated insert
// text when the body is structured, the raw body otherwise, truncated to
// maxChars characters without splitting a multi-byte character.
func Preview(body string, maxChars int) string {
	text, ok := PlainText(body)
	if !ok {
		text = body
	}
	text = strings.TrimSpace(text)

	if maxChars <= 0 {
		return text
	}
	runes := []rune(text)
	if len(runes) <= maxChars {
		return text
	}
	return string(runes[:maxChars])
}
