package config

import (
	"fmt"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

const EnvPrefix = "CRYPTOSTORE_"

// Load builds a Config from defaults, then the YAML file at path (if not empty), then CRYPTOSTORE_* environment
// variables, then opts. Later sources win.
func Load(path string, opts ...Option) (*Config, error) {
	k := koanf.New(".")

	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("config: error loading %s: %w", path, err)
		}
	}

	// CRYPTOSTORE_BUSY_TIMEOUT_MS -> busy_timeout_ms
	transform := func(s string) string {
		return strings.ToLower(strings.TrimPrefix(s, EnvPrefix))
	}
	if err := k.Load(env.Provider(EnvPrefix, ".", transform), nil); err != nil {
		return nil, fmt.Errorf("config: error loading environment: %w", err)
	}

	c := defaultConfig()
	if err := k.Unmarshal("", c); err != nil {
		return nil, fmt.Errorf("config: error decoding: %w", err)
	}
	switch c.Backend {
	case BackendMemory, BackendSQLite, BackendBadger:
	default:
		return nil, fmt.Errorf("config: unknown backend %q", c.Backend)
	}
	return finish(c, opts), nil
}
