package wallbox

import (
	"encoding/json"
	"strconv"
	"strings"
)

// Reply is a parsed wallbox response, whether it arrived as a JSON object or
// as a bare "TCH-OK :done" / key-value telegram. Fields holds every value
// the parser could extract, numeric strings coerced to float64.
type Reply struct {
	Raw    string
	Fields map[string]any
	OK     bool
	Err    string
}

// parseReply tries JSON first; on failure it falls back to a line/";"/"="
// delimited key-value form, the shape bare TCH-OK/TCH-ERR acknowledgements
// and older report replies use.
func parseReply(raw string) Reply {
	trimmed := strings.TrimSpace(raw)
	r := Reply{Raw: trimmed, Fields: map[string]any{}}

	if strings.HasPrefix(trimmed, "{") {
		var payload map[string]any
		if err := json.Unmarshal([]byte(trimmed), &payload); err == nil {
			r.Fields = payload
			r.OK = strings.Contains(trimmed, "TCH-OK")
			return r
		}
	}

	if strings.Contains(trimmed, "TCH-OK") {
		r.OK = true
	}
	if idx := strings.Index(trimmed, "TCH-ERR"); idx >= 0 {
		r.Err = strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(trimmed[idx+len("TCH-ERR"):]), ":"))
	}

	for _, field := range splitKeyValueFields(trimmed) {
		key, value, ok := strings.Cut(field, "=")
		if !ok {
			key, value, ok = strings.Cut(field, ":")
		}
		if !ok {
			continue
		}
		key = strings.TrimSpace(key)
		value = strings.TrimSpace(value)
		if key == "" {
			continue
		}
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			r.Fields[key] = f
		} else {
			r.Fields[key] = value
		}
	}
	return r
}

func splitKeyValueFields(s string) []string {
	var out []string
	for _, line := range strings.FieldsFunc(s, func(r rune) bool {
		return r == '\n' || r == ';'
	}) {
		out = append(out, strings.TrimSpace(line))
	}
	return out
}

// Float returns Fields[key] coerced to float64.
func (r Reply) Float(key string) (float64, bool) {
	v, ok := r.Fields[key]
	if !ok {
		return 0, false
	}
	switch n := v.(type) {
	case float64:
		return n, true
	case string:
		f, err := strconv.ParseFloat(n, 64)
		return f, err == nil
	default:
		return 0, false
	}
}

// Has reports whether any of the given fields is present.
func (r Reply) Has(keys ...string) bool {
	for _, k := range keys {
		if _, ok := r.Fields[k]; ok {
			return true
		}
	}
	return false
}
