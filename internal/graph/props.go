package graph

import (
	"encoding/json"
	"strconv"
	"time"
)

// Props holds node attributes. Values are JSON-compatible so that every
// backend round-trips them identically: strings, bools, float64, nil,
// map[string]any and []any.
type Props map[string]any

// String returns the string at k or "".
func (p Props) String(k string) string {
	switch v := p[k].(type) {
	case string:
		return v
	case nil:
		return ""
	case json.Number:
		return v.String()
	default:
		return ""
	}
}

// Float returns the numeric value at k.
func (p Props) Float(k string) (float64, bool) {
	switch v := p[k].(type) {
	case float64:
		return v, true
	case float32:
		return float64(v), true
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	case json.Number:
		f, err := v.Float64()
		return f, err == nil
	case string:
		f, err := strconv.ParseFloat(v, 64)
		return f, err == nil
	default:
		return 0, false
	}
}

// Bool returns the bool at k or false.
func (p Props) Bool(k string) bool {
	b, _ := p[k].(bool)
	return b
}

// Time parses the RFC 3339 timestamp stored at k.
func (p Props) Time(k string) (time.Time, bool) {
	switch v := p[k].(type) {
	case time.Time:
		return v.UTC(), true
	case string:
		t, err := time.Parse(time.RFC3339Nano, v)
		if err != nil {
			return time.Time{}, false
		}
		return t.UTC(), true
	default:
		return time.Time{}, false
	}
}

// Map returns the object stored at k, or nil.
func (p Props) Map(k string) map[string]any {
	m, _ := p[k].(map[string]any)
	return m
}

// Clone deep-copies maps and slices so callers never share state with a store.
func (p Props) Clone() Props {
	if p == nil {
		return Props{}
	}
	out := make(Props, len(p))
	for k, v := range p {
		out[k] = cloneValue(v)
	}
	return out
}

// FormatTime renders t the way timestamps are stored in Props.
func FormatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func cloneValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		m := make(map[string]any, len(t))
		for k, inner := range t {
			m[k] = cloneValue(inner)
		}
		return m
	case Props:
		return t.Clone()
	case []any:
		s := make([]any, len(t))
		for i, inner := range t {
			s[i] = cloneValue(inner)
		}
		return s
	default:
		return v
	}
}
