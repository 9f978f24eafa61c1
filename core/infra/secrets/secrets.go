package secrets

import (
	"encoding/json"
	"strings"
)

// Redacted replaces secret values in redacted output.
const Redacted = "<redacted>"

// DefaultKeys are the field names treated as secret in connection
// descriptions and logged payloads.
var DefaultKeys = []string{"hookId", "url", "secret", "token", "webhookSecret", "accessToken"}

// Redactor masks values stored under secret field names. Key matching is
// case-insensitive.
type Redactor struct {
	keys map[string]struct{}
}

// NewRedactor returns a Redactor for keys, or DefaultKeys when none are given.
func NewRedactor(keys ...string) *Redactor {
	if len(keys) == 0 {
		keys = DefaultKeys
	}
	r := &Redactor{keys: make(map[string]struct{}, len(keys))}
	for _, k := range keys {
		if k = strings.ToLower(strings.TrimSpace(k)); k != "" {
			r.keys[k] = struct{}{}
		}
	}
	return r
}

// IsSecretKey reports whether values under name are redacted.
func (r *Redactor) IsSecretKey(name string) bool {
	_, ok := r.keys[strings.ToLower(name)]
	return ok
}

// ContainsSecrets reports whether value holds a non-empty secret field.
func (r *Redactor) ContainsSecrets(value any) bool {
	_, found := r.redact(value, false)
	return found
}

// Redact returns a copy of value with secret fields replaced by Redacted.
// The input is not modified.
func (r *Redactor) Redact(value any) (any, bool) {
	return r.redact(value, true)
}

// RedactJSON redacts secret fields inside a JSON payload.
func (r *Redactor) RedactJSON(data []byte) ([]byte, bool, error) {
	if len(data) == 0 {
		return data, false, nil
	}
	var payload any
	if err := json.Unmarshal(data, &payload); err != nil {
		return data, false, err
	}
	redacted, changed := r.Redact(payload)
	if !changed {
		return data, false, nil
	}
	out, err := json.Marshal(redacted)
	return out, true, err
}

func (r *Redactor) redact(value any, replace bool) (any, bool) {
	switch v := value.(type) {
	case map[string]any:
		changed := false
		out := make(map[string]any, len(v))
		for k, child := range v {
			if r.IsSecretKey(k) && !isEmpty(child) {
				changed = true
				if replace {
					out[k] = Redacted
				} else {
					out[k] = child
				}
				continue
			}
			red, childChanged := r.redact(child, replace)
			changed = changed || childChanged
			out[k] = red
		}
		return out, changed
	case map[string]string:
		changed := false
		out := make(map[string]any, len(v))
		for k, child := range v {
			if r.IsSecretKey(k) && child != "" {
				changed = true
				if replace {
					out[k] = Redacted
					continue
				}
			}
			out[k] = child
		}
		return out, changed
	case []any:
		changed := false
		out := make([]any, len(v))
		for i, child := range v {
			red, childChanged := r.redact(child, replace)
			changed = changed || childChanged
			out[i] = red
		}
		return out, changed
	default:
		return v, false
	}
}

func isEmpty(v any) bool {
	switch t := v.(type) {
	case nil:
		return true
	case string:
		return strings.TrimSpace(t) == ""
	default:
		return false
	}
}
