// Package masking redacts audit metadata before it is persisted.
package masking

import "strings"

const maskToken = "****"

// MaskSecret keeps an id prefix such as "cus_" and the last four characters.
func MaskSecret(value string) string {
	value = strings.TrimSpace(value)
	if value == "" {
		return ""
	}
	prefix, rest := "", value
	if i := strings.LastIndex(value, "_"); i >= 0 && i < len(value)-1 {
		prefix, rest = value[:i+1], value[i+1:]
	}
	if len(rest) <= 4 {
		return prefix + maskToken
	}
	return prefix + maskToken + rest[len(rest)-4:]
}

// MaskEmail keeps the first character of the local part and the domain.
func MaskEmail(value string) string {
	value = strings.TrimSpace(value)
	at := strings.LastIndex(value, "@")
	if at <= 0 || at == len(value)-1 {
		return MaskSecret(value)
	}
	return value[:1] + maskToken + value[at:]
}

// MaskFields copies input and masks the named keys. Nested maps and slices
// under a named key are masked throughout.
func MaskFields(input map[string]any, keys ...string) map[string]any {
	if len(input) == 0 {
		return nil
	}
	sensitive := make(map[string]struct{}, len(keys))
	for _, key := range keys {
		sensitive[key] = struct{}{}
	}

	out := make(map[string]any, len(input))
	for key, value := range input {
		key = strings.TrimSpace(key)
		if key == "" {
			continue
		}
		if _, ok := sensitive[key]; ok {
			out[key] = mask(value)
			continue
		}
		out[key] = value
	}
	return out
}

func mask(value any) any {
	switch v := value.(type) {
	case string:
		if strings.Contains(v, "@") {
			return MaskEmail(v)
		}
		return MaskSecret(v)
	case *string:
		if v == nil {
			return nil
		}
		return mask(*v)
	case map[string]any:
		out := make(map[string]any, len(v))
		for k, item := range v {
			out[k] = mask(item)
		}
		return out
	case []any:
		out := make([]any, len(v))
		for i, item := range v {
			out[i] = mask(item)
		}
		return out
	case []string:
		out := make([]string, len(v))
		for i, item := range v {
			out[i], _ = mask(item).(string)
		}
		return out
	default:
		return value
	}
}
