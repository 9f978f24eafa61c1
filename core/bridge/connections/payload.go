package connections

import (
	"encoding/json"
	"fmt"
	"strings"
)

// payload is a decoded provider JSON body with path accessors.
type payload map[string]any

func decodePayload(raw json.RawMessage) (payload, error) {
	var p payload
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, fmt.Errorf("decode provider payload: %w", err)
	}
	return p, nil
}

func (p payload) get(path ...string) any {
	var cur any = map[string]any(p)
	for _, key := range path {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil
		}
		cur = m[key]
	}
	return cur
}

func (p payload) str(path ...string) string {
	switch v := p.get(path...).(type) {
	case string:
		return v
	case float64:
		return fmt.Sprintf("%.0f", v)
	default:
		return ""
	}
}

func (p payload) num(path ...string) int64 {
	if v, ok := p.get(path...).(float64); ok {
		return int64(v)
	}
	return 0
}

func (p payload) boolean(path ...string) bool {
	v, _ := p.get(path...).(bool)
	return v
}

func (p payload) list(path ...string) []any {
	v, _ := p.get(path...).([]any)
	return v
}

// labelNames extracts label names from a list of label objects or strings.
func labelNames(items []any) []string {
	out := make([]string, 0, len(items))
	for _, item := range items {
		switch v := item.(type) {
		case string:
			out = append(out, v)
		case map[string]any:
			if name, ok := v["name"].(string); ok {
				out = append(out, name)
			} else if title, ok := v["title"].(string); ok {
				out = append(out, title)
			}
		}
	}
	return out
}

// shortRef strips refs/heads/ and refs/tags/ from a git ref.
func shortRef(ref string) string {
	ref = strings.TrimPrefix(ref, "refs/heads/")
	return strings.TrimPrefix(ref, "refs/tags/")
}

func firstLine(s string) string {
	if idx := strings.IndexByte(s, '\n'); idx >= 0 {
		s = s[:idx]
	}
	return strings.TrimSpace(s)
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "…"
}

func plural(n int64, word string) string {
	if n == 1 {
		return fmt.Sprintf("%d %s", n, word)
	}
	return fmt.Sprintf("%d %ss", n, word)
}
