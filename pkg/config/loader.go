package config

import (
	"fmt"
	"os"

	"github.com/BurntSushi/toml"
)

// LoadFile reads a TOML config file over the defaults. Unknown keys are
// rejected so typos fail loudly instead of silently using a default.
func LoadFile(path string) (*Config, error) {
	cfg := DefaultConfig()

	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	meta, err := toml.Decode(string(raw), cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return nil, fmt.Errorf("unknown config key %q", undecoded[0].String())
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}
