package config

import (
	"bytes"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"
)

// ProjectConfig is the per-project part of the configuration.
type ProjectConfig struct {
	// Project is the only project runs may be imported into. Empty accepts
	// whatever PROJECT meta the run carries.
	Project string `yaml:"project"`
	// RunKeyMetas are the meta names that identify a run.
	RunKeyMetas []string `yaml:"run_key_metas"`
	// RunStatusMeta names the label meta holding the run status.
	RunStatusMeta string `yaml:"run_status_meta"`
	// AllowedProjects restricts live imports by the admission policy.
	AllowedProjects []string `yaml:"allowed_projects"`
	// Debug lets an init timestamp stand in for a missing START_TIMESTAMP.
	Debug bool `yaml:"debug"`
}

// DefaultProjectConfig returns the configuration used without a project file.
func DefaultProjectConfig() ProjectConfig {
	return ProjectConfig{
		RunKeyMetas:   []string{"START_TIMESTAMP"},
		RunStatusMeta: "RUN_STATUS",
	}
}

// LoadProjectFile reads a YAML project file. Unset keys keep their defaults.
func LoadProjectFile(path string) (*ProjectConfig, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	cfg := DefaultProjectConfig()
	dec := yaml.NewDecoder(bytes.NewReader(b))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && err != io.EOF {
		return nil, fmt.Errorf("project config %s: %w", path, err)
	}
	var trailing any
	if err := dec.Decode(&trailing); err != io.EOF {
		if err == nil {
			return nil, fmt.Errorf("project config %s: multiple documents are not allowed", path)
		}
		return nil, err
	}
	if err := validateProjectConfig(&cfg); err != nil {
		return nil, fmt.Errorf("project config %s: %w", path, err)
	}
	return &cfg, nil
}

func validateProjectConfig(cfg *ProjectConfig) error {
	if len(cfg.RunKeyMetas) == 0 {
		return fmt.Errorf("run_key_metas must not be empty")
	}
	seen := make(map[string]bool, len(cfg.RunKeyMetas))
	for _, name := range cfg.RunKeyMetas {
		if name == "" {
			return fmt.Errorf("run_key_metas contains an empty name")
		}
		if seen[name] {
			return fmt.Errorf("run_key_metas contains %q twice", name)
		}
		seen[name] = true
	}
	return nil
}
