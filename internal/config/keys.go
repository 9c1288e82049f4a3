package config

import (
	"fmt"
	"slices"
	"strings"
)

// keyRule constrains a dot-separated config key for list, get and set.
type keyRule struct {
	secret bool
	oneOf  []string
}

var keyRules = map[string]keyRule{
	"llm.api_key":    {secret: true},
	"server.token":   {secret: true},
	"storage.driver": {oneOf: []string{DriverJSONL, DriverSQLite}},
	"log_level":      {oneOf: []string{"debug", "info", "warn", "error"}},
}

// IsSecretKey reports whether key holds a credential.
func IsSecretKey(key string) bool {
	return keyRules[key].secret
}

// checkKey rejects a value outside the key's allowed set.
func checkKey(key string, v any) error {
	allowed := keyRules[key].oneOf
	if len(allowed) == 0 {
		return nil
	}
	if s, ok := v.(string); ok && slices.Contains(allowed, s) {
		return nil
	}
	return fmt.Errorf("invalid value for %s: %v (one of %s)", key, v, strings.Join(allowed, ", "))
}

// MaskValue hides all but the last 4 characters of a secret string.
func MaskValue(v any) any {
	s, ok := v.(string)
	if !ok || s == "" {
		return v
	}
	if len(s) > 4 {
		s = s[len(s)-4:]
	}
	return "***" + s
}

// MaskSecrets returns a copy of flat with secret values masked.
func MaskSecrets(flat map[string]any) map[string]any {
	out := make(map[string]any, len(flat))
	for k, v := range flat {
		if IsSecretKey(k) {
			v = MaskValue(v)
		}
		out[k] = v
	}
	return out
}

// Flatten turns {"storage": {"driver": "sqlite"}} into {"storage.driver": "sqlite"}.
func Flatten(m map[string]any) map[string]any {
	out := make(map[string]any)
	var walk func(prefix string, m map[string]any)
	walk = func(prefix string, m map[string]any) {
		for k, v := range m {
			if prefix != "" {
				k = prefix + "." + k
			}
			if child, ok := v.(map[string]any); ok {
				walk(k, child)
				continue
			}
			out[k] = v
		}
	}
	walk("", m)
	return out
}

// Unflatten is the inverse of Flatten. A scalar in the way of a deeper key
// is replaced by a section.
func Unflatten(flat map[string]any) map[string]any {
	out := make(map[string]any)
	for k, v := range flat {
		path := strings.Split(k, ".")
		node := out
		for _, part := range path[:len(path)-1] {
			child, ok := node[part].(map[string]any)
			if !ok {
				child = make(map[string]any)
				node[part] = child
			}
			node = child
		}
		node[path[len(path)-1]] = v
	}
	return out
}
