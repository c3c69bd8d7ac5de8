package masking

import "strings"

const maskToken = "****"

// credentialFields are metadata keys whose values are API keys.
var credentialFields = map[string]struct{}{
	"api_key":    {},
	"credential": {},
	"key_hint":   {},
}

// MaskSecret redacts a secret while keeping a minimal suffix for auditing.
func MaskSecret(value string) string {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return ""
	}

	prefix, remainder := splitPrefix(trimmed)
	if len(remainder) <= 4 {
		return prefix + maskToken
	}
	return prefix + maskToken + remainder[len(remainder)-4:]
}

// MaskCredentials returns a copy of metadata with credential values masked.
// Other values are copied through untouched.
func MaskCredentials(input map[string]any) map[string]any {
	if len(input) == 0 {
		return nil
	}
	out := make(map[string]any, len(input))
	for key, value := range input {
		key = strings.TrimSpace(key)
		if key == "" {
			continue
		}
		if _, ok := credentialFields[key]; ok {
			if s, isString := value.(string); isString {
				out[key] = MaskSecret(s)
				continue
			}
		}
		if nested, ok := value.(map[string]any); ok {
			out[key] = MaskCredentials(nested)
			continue
		}
		out[key] = value
	}
	return out
}

func splitPrefix(value string) (string, string) {
	lastUnderscore := strings.LastIndex(value, "_")
	if lastUnderscore == -1 || lastUnderscore == len(value)-1 {
		return "", value
	}
	return value[:lastUnderscore+1], value[lastUnderscore+1:]
}
