package config

import (
	"os"

	"gopkg.in/yaml.v3"

	"github.com/stratoml/strato/pkg/stratoerrors"
)

// Load reads a YAML configuration file, layering it over production
// defaults, and validates the result. A missing optional section keeps its
// default values.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path) // #nosec G304 - operator-supplied config path
	if err != nil {
		return nil, stratoerrors.Wrap(err, stratoerrors.ErrorTypeConfig,
			"failed to read config file").
			WithDetail("path", path)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, stratoerrors.Wrap(err, stratoerrors.ErrorTypeConfig,
			"failed to parse config file").
			WithDetail("path", path)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}
