package config

import (
	"bytes"
	"fmt"
	"os"
	"sort"
	"strconv"

	"github.com/BurntSushi/toml"
)

// ToMap converts cfg into a nested map as it appears in TOML.
func ToMap(cfg *Config) (map[string]any, error) {
	var buf bytes.Buffer
	if err := toml.NewEncoder(&buf).Encode(cfg); err != nil {
		return nil, err
	}
	var m map[string]any
	if _, err := toml.Decode(buf.String(), &m); err != nil {
		return nil, err
	}
	return m, nil
}

// ListValues returns cfg flattened to dotted keys, optionally masking
// secrets.
func ListValues(cfg *Config, mask bool) (map[string]any, error) {
	m, err := ToMap(cfg)
	if err != nil {
		return nil, err
	}
	flat := Flatten(m)
	if mask {
		flat = MaskSecrets(flat)
	}
	return flat, nil
}

// Keys returns every dotted config key, sorted.
func Keys() []string {
	flat, _ := ListValues(Default(), false)
	keys := make([]string, 0, len(flat))
	for k := range flat {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// GetValue returns the value stored in the file at path for a dotted key.
func GetValue(path, key string) (any, error) {
	cfg, err := loadFile(path)
	if err != nil {
		return nil, err
	}
	flat, err := ListValues(cfg, false)
	if err != nil {
		return nil, err
	}
	v, ok := flat[key]
	if !ok {
		return nil, fmt.Errorf("unknown config key: %s", key)
	}
	return v, nil
}

// SetValue parses value according to the key's type and writes it to the
// existing file at path.
func SetValue(path, key, value string) error {
	if _, err := os.Stat(path); err != nil {
		return err
	}
	cfg, err := loadFile(path)
	if err != nil {
		return err
	}
	flat, err := ListValues(cfg, false)
	if err != nil {
		return err
	}

	current, ok := flat[key]
	if !ok {
		return fmt.Errorf("unknown config key: %s", key)
	}
	switch current.(type) {
	case int64:
		n, err := strconv.ParseInt(value, 10, 64)
		if err != nil {
			return fmt.Errorf("%s: expected an integer: %w", key, err)
		}
		flat[key] = n
	case bool:
		b, err := strconv.ParseBool(value)
		if err != nil {
			return fmt.Errorf("%s: expected a boolean: %w", key, err)
		}
		flat[key] = b
	default:
		flat[key] = value
	}

	var buf bytes.Buffer
	if err := toml.NewEncoder(&buf).Encode(Unflatten(flat)); err != nil {
		return err
	}
	updated := &Config{}
	if _, err := toml.Decode(buf.String(), updated); err != nil {
		return fmt.Errorf("%s: %w", key, err)
	}
	if err := updated.Validate(); err != nil {
		return err
	}
	return Save(path, updated)
}
