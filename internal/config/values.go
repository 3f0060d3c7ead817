package config

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"
)

// ListValues returns the config as a flat dot-separated key map.
// When mask is true, secret values are masked for display.
func ListValues(cfg *Config, mask bool) (map[string]any, error) {
	data, err := json.Marshal(cfg)
	if err != nil {
		return nil, fmt.Errorf("marshal config: %w", err)
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	flat := Flatten(m)
	if mask {
		flat = MaskSecrets(flat)
	}
	return flat, nil
}

// GetValue reads a single value from the config file by dot-separated key.
func GetValue(path, key string) (any, error) {
	flat, err := readFlat(path)
	if err != nil {
		return nil, err
	}
	v, ok := flat[key]
	if !ok {
		return nil, fmt.Errorf("unknown config key: %s", key)
	}
	return v, nil
}

// Keys returns a flat map's keys in sorted order, for stable CLI output.
func Keys(flat map[string]any) []string {
	keys := make([]string, 0, len(flat))
	for k := range flat {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// SetValue writes a single value to the config file by dot-separated key.
// Only keys already present in the file are accepted, so typos don't grow
// the config silently. The raw string is parsed as JSON when possible, so
// "16" becomes a number and "true" a boolean; anything unparseable is
// stored as a string.
func SetValue(path, key, raw string) error {
	flat, err := readFlat(path)
	if err != nil {
		return err
	}
	if _, known := flat[key]; !known {
		return fmt.Errorf("unknown config key: %s", key)
	}

	var val any
	if err := json.Unmarshal([]byte(raw), &val); err != nil {
		val = raw
	}
	flat[key] = val

	nested := Unflatten(flat)
	data, err := json.MarshalIndent(nested, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, append(data, '\n'), 0600); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("replace config: %w", err)
	}
	return nil
}

func readFlat(path string) (map[string]any, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	return Flatten(m), nil
}
