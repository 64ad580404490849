package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"hash/fnv"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	yaml "go.yaml.in/yaml/v3"
)

// envRef matches ${NAME}. Bare $NAME is left alone so DSNs and tokens
// containing '$' survive.
var envRef = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// ReadFile parses the config at path.
func ReadFile(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return ParseBytes(path, b)
}

// ParseBytes decodes a config document. Files ending in .yaml or .yml are
// YAML, anything else is JSON. ${NAME} references are replaced from the
// environment first. Unknown fields and trailing documents are errors.
func ParseBytes(name string, b []byte) (*Config, error) {
	b = expandEnv(b)
	if isYAML(name) {
		var err error
		if b, err = yamlToJSON(b); err != nil {
			return nil, err
		}
	}

	dec := json.NewDecoder(bytes.NewReader(b))
	dec.DisallowUnknownFields()
	var cfg Config
	if err := dec.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("decode %s: %w", filepath.Base(name), err)
	}
	switch err := dec.Decode(&json.RawMessage{}); {
	case errors.Is(err, io.EOF):
		return &cfg, nil
	case err == nil:
		return nil, fmt.Errorf("decode %s: trailing data after config", filepath.Base(name))
	default:
		return nil, fmt.Errorf("decode %s: %w", filepath.Base(name), err)
	}
}

func isYAML(name string) bool {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".yaml", ".yml":
		return true
	}
	return false
}

func expandEnv(b []byte) []byte {
	return envRef.ReplaceAllFunc(b, func(m []byte) []byte {
		return []byte(os.Getenv(string(m[2 : len(m)-1])))
	})
}

// yamlToJSON re-encodes YAML as JSON so both formats share the strict decoder.
func yamlToJSON(b []byte) ([]byte, error) {
	var doc any
	if err := yaml.Unmarshal(b, &doc); err != nil {
		return nil, fmt.Errorf("yaml: %w", err)
	}
	if doc == nil {
		return []byte("{}"), nil
	}
	out, err := json.Marshal(stringKeys(doc))
	if err != nil {
		return nil, fmt.Errorf("yaml: %w", err)
	}
	return out, nil
}

// stringKeys rewrites map[any]any nodes, which yaml produces for non-string
// keys, into map[string]any.
func stringKeys(v any) any {
	switch n := v.(type) {
	case map[string]any:
		for k, e := range n {
			n[k] = stringKeys(e)
		}
		return n
	case map[any]any:
		out := make(map[string]any, len(n))
		for k, e := range n {
			out[fmt.Sprint(k)] = stringKeys(e)
		}
		return out
	case []any:
		for i, e := range n {
			n[i] = stringKeys(e)
		}
		return n
	}
	return v
}

// fingerprint identifies config content. Struct encoding is field-ordered,
// so formatting or key order in the source file does not change it.
func fingerprint(cfg *Config) uint64 {
	if cfg == nil {
		return 0
	}
	b, err := json.Marshal(cfg)
	if err != nil {
		return 0
	}
	h := fnv.New64a()
	_, _ = h.Write(b)
	return h.Sum64()
}

// ParseDurationField parses a Go duration string. Empty means zero; negative
// durations are rejected. field names the setting in errors.
func ParseDurationField(field, raw string) (time.Duration, error) {
	return parseDuration(field, raw, 0)
}

// ParseDurationOrDefault is ParseDurationField with def for empty or zero.
func ParseDurationOrDefault(field, raw string, def time.Duration) (time.Duration, error) {
	return parseDuration(field, raw, def)
}

func parseDuration(field, raw string, def time.Duration) (time.Duration, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return def, nil
	}
	d, err := time.ParseDuration(raw)
	switch {
	case err != nil:
		return 0, fmt.Errorf("%s: %q is not a duration (e.g. 30s, 15m)", field, raw)
	case d < 0:
		return 0, fmt.Errorf("%s: must not be negative", field)
	case d == 0:
		return def, nil
	}
	return d, nil
}
