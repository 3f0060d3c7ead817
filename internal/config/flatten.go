package config

import "strings"

// Keys holding credentials. Their values are masked in listing output.
var secretKeys = []string{
	"telegram.token",
	"context.redis.password",
}

// IsSecretKey reports whether the dot-separated key holds a credential.
func IsSecretKey(key string) bool {
	for _, s := range secretKeys {
		if key == s {
			return true
		}
	}
	return false
}

// Flatten collapses nested JSON objects into "a.b.c" keys, the shape the
// config CLI addresses values by.
func Flatten(m map[string]any) map[string]any {
	out := make(map[string]any)
	var walk func(prefix string, m map[string]any)
	walk = func(prefix string, m map[string]any) {
		for k, v := range m {
			key := k
			if prefix != "" {
				key = prefix + "." + k
			}
			if child, ok := v.(map[string]any); ok {
				walk(key, child)
				continue
			}
			out[key] = v
		}
	}
	walk("", m)
	return out
}

// Unflatten rebuilds the nested object, the inverse of Flatten.
func Unflatten(flat map[string]any) map[string]any {
	out := make(map[string]any)
	for key, v := range flat {
		parts := strings.Split(key, ".")
		node := out
		for _, part := range parts[:len(parts)-1] {
			node = childObject(node, part)
		}
		node[parts[len(parts)-1]] = v
	}
	return out
}

// childObject returns node[key] as an object, replacing any scalar that
// sits there.
func childObject(node map[string]any, key string) map[string]any {
	if m, ok := node[key].(map[string]any); ok {
		return m
	}
	m := make(map[string]any)
	node[key] = m
	return m
}

// MaskSecrets copies flat, replacing secret values with "***" plus their
// last four characters so operators can tell credentials apart without
// exposing them. Empty values pass through untouched.
func MaskSecrets(flat map[string]any) map[string]any {
	out := make(map[string]any, len(flat))
	for k, v := range flat {
		out[k] = v
		if !IsSecretKey(k) {
			continue
		}
		if s, ok := v.(string); ok && s != "" {
			out[k] = maskTail(s)
		}
	}
	return out
}

func maskTail(s string) string {
	if len(s) <= 4 {
		return "***" + s
	}
	return "***" + s[len(s)-4:]
}
