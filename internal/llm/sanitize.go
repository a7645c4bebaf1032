package llm

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"strconv"
	"strings"
)

// StripCodeFences removes a surrounding ``` or ```json fence the model may add.
func StripCodeFences(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```")
	if nl := strings.IndexByte(s, '\n'); nl >= 0 && !strings.ContainsAny(s[:nl], "{[") {
		s = s[nl+1:] // language tag line
	}
	if i := strings.LastIndex(s, "```"); i >= 0 {
		s = s[:i]
	}
	return strings.TrimSpace(s)
}

// NormalizeAndSanitizeJSON
// - Drops null / empty values
// - Coerces numbers and booleans to strings for scalar fields
// - Splits a string into a one-item list for list fields
// - Stringifies vital_signs values
// - Removes unknown keys (strict additionalProperties = false friendliness)
func NormalizeAndSanitizeJSON(raw []byte, logger *slog.Logger) ([]byte, []string, error) {
	if logger == nil {
		logger = slog.Default()
	}

	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, nil, fmt.Errorf("sanitize: decode: %w", err)
	}

	dropped := make([]string, 0, 8)

	// 1) remove unknown keys
	for k := range maps.Clone(m) {
		if !slices.Contains(extractionFields, k) {
			delete(m, k)
			dropped = append(dropped, k+"(unknown)")
		}
	}

	// 2) lists
	for _, k := range extractionListFields {
		v, ok := m[k]
		if !ok {
			continue
		}
		switch t := v.(type) {
		case nil:
			delete(m, k)
			dropped = append(dropped, k+"(null)")
		case string:
			if s := strings.TrimSpace(t); s != "" {
				m[k] = []any{s}
			} else {
				delete(m, k)
				dropped = append(dropped, k+"(empty)")
			}
		case []any:
			out := make([]any, 0, len(t))
			for _, item := range t {
				if s, ok := scalarString(item); ok {
					out = append(out, s)
				}
			}
			m[k] = out
		default:
			delete(m, k)
			dropped = append(dropped, k+"(type)")
		}
	}

	// 3) vital signs
	if v, ok := m["vital_signs"]; ok {
		switch t := v.(type) {
		case map[string]any:
			out := make(map[string]any, len(t))
			for name, val := range t {
				if s, ok := scalarString(val); ok {
					out[strings.TrimSpace(name)] = s
				}
			}
			m["vital_signs"] = out
		default:
			delete(m, "vital_signs")
			dropped = append(dropped, "vital_signs(type)")
		}
	}

	// 4) scalars
	for _, k := range extractionFields {
		if slices.Contains(extractionListFields, k) || k == "vital_signs" {
			continue
		}
		v, ok := m[k]
		if !ok {
			continue
		}
		if s, ok := scalarString(v); ok {
			m[k] = s
		} else {
			delete(m, k)
			dropped = append(dropped, k+"(empty)")
		}
	}

	out, err := json.Marshal(m)
	if err != nil {
		return nil, dropped, fmt.Errorf("sanitize: encode: %w", err)
	}
	if len(dropped) > 0 {
		logger.Warn("llm.extract.normalize_sanitize", "dropped", dropped)
	}
	return out, dropped, nil
}

// scalarString renders a JSON scalar as trimmed text; false for null, empty,
// "null", "n/a" and composite values.
func scalarString(v any) (string, bool) {
	var s string
	switch t := v.(type) {
	case string:
		s = strings.TrimSpace(t)
	case float64:
		s = strconv.FormatFloat(t, 'f', -1, 64)
	case bool:
		s = strconv.FormatBool(t)
	default:
		return "", false
	}
	switch strings.ToLower(s) {
	case "", "null", "none", "n/a", "unknown":
		return "", false
	}
	return s, true
}
