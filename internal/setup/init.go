// Package setup creates the .scull/ device directory.
package setup

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	yamlv3 "gopkg.in/yaml.v3"

	"github.com/msageha/scull/internal/model"
	atomicyaml "github.com/msageha/scull/internal/yaml"
	"github.com/msageha/scull/templates"
)

// DirName is the device directory created inside the project directory.
const DirName = ".scull"

// Options override parts of the generated config.yaml.
type Options struct {
	// Name overrides device.name.
	Name string
	// Quantum overrides the load-time quantum.
	Quantum *int
	// Force rewrites config.yaml in an existing directory. The previous
	// file is kept as config.yaml.bak.
	Force bool
}

// Run initializes projectDir/.scull and returns its absolute path.
func Run(projectDir string, opts Options) (string, error) {
	absDir, err := filepath.Abs(projectDir)
	if err != nil {
		return "", fmt.Errorf("resolve project dir: %w", err)
	}
	base := filepath.Join(absDir, DirName)

	if _, err := os.Stat(base); err == nil && !opts.Force {
		return "", fmt.Errorf("%s already exists", base)
	} else if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return "", fmt.Errorf("stat %s: %w", base, err)
	}

	for _, d := range []string{"locks", "logs"} {
		if err := os.MkdirAll(filepath.Join(base, d), 0755); err != nil {
			return "", fmt.Errorf("create directory %s: %w", d, err)
		}
	}

	cfg, err := generateConfig(opts)
	if err != nil {
		return "", fmt.Errorf("generate config: %w", err)
	}
	if err := atomicyaml.AtomicWrite(filepath.Join(base, model.ConfigFileName), cfg); err != nil {
		return "", fmt.Errorf("write %s: %w", model.ConfigFileName, err)
	}
	return base, nil
}

// DefaultConfigYAML returns the bundled config.yaml template.
func DefaultConfigYAML() []byte {
	data, err := fs.ReadFile(templates.FS, model.ConfigFileName)
	if err != nil {
		panic(fmt.Sprintf("setup: embedded %s missing: %v", model.ConfigFileName, err))
	}
	return data
}

func generateConfig(opts Options) (*model.Config, error) {
	var cfg model.Config
	if err := yamlv3.Unmarshal(DefaultConfigYAML(), &cfg); err != nil {
		return nil, fmt.Errorf("parse config template: %w", err)
	}

	if opts.Name != "" {
		cfg.Device.Name = opts.Name
	}
	if opts.Quantum != nil {
		q := *opts.Quantum
		cfg.Device.Quantum = &q
	}
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}
