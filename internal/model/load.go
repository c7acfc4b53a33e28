package model

import (
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// ConfigFileName is the config file inside the .scull directory.
const ConfigFileName = "config.yaml"

// ErrConfigSyntax marks a config file that does not decode at all, as
// opposed to one that decodes but fails validation.
var ErrConfigSyntax = errors.New("config does not decode")

// LoadConfig reads, defaults and validates a config file.
func LoadConfig(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read %s: %w", ConfigFileName, err)
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse %s: %w: %w", ConfigFileName, ErrConfigSyntax, err)
	}
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("invalid %s: %w", ConfigFileName, err)
	}
	return cfg, nil
}
