package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// SpaceMapping configures one governance space the agent votes in.
type SpaceMapping struct {
	Name         string        `yaml:"name"`
	Strategy     string        `yaml:"strategy,omitempty"`
	PollInterval time.Duration `yaml:"poll_interval,omitempty"`
}

// MappingFile is the parsed YAML structure for multi-space configuration:
// spaces: [{name, strategy, poll_interval}]
type MappingFile struct {
	Spaces []SpaceMapping `yaml:"spaces"`
}

var validStrategies = map[string]bool{
	"":             true,
	"balanced":     true,
	"conservative": true,
	"aggressive":   true,
}

// LoadMappingFile parses a YAML mapping file from the given path.
// Returns nil if path is empty (no mapping file).
func LoadMappingFile(path string) ([]SpaceMapping, error) {
	if path == "" {
		return nil, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read mapping file: %w", err)
	}

	var mf MappingFile
	if err := yaml.Unmarshal(data, &mf); err != nil {
		return nil, fmt.Errorf("parse mapping file: %w", err)
	}

	if err := validateMappings(mf.Spaces); err != nil {
		return nil, err
	}

	return mf.Spaces, nil
}

// validateMappings ensures all mappings are valid.
func validateMappings(mappings []SpaceMapping) error {
	if len(mappings) == 0 {
		return fmt.Errorf("mapping file contains no spaces")
	}

	seen := make(map[string]bool)

	for i, m := range mappings {
		if m.Name == "" {
			return fmt.Errorf("space %d: name is required", i)
		}

		if !validStrategies[m.Strategy] {
			return fmt.Errorf("space %q: unknown strategy %q", m.Name, m.Strategy)
		}

		if seen[m.Name] {
			return fmt.Errorf("space %q: duplicate name", m.Name)
		}
		seen[m.Name] = true

		if m.PollInterval < 0 {
			return fmt.Errorf("space %q: poll_interval cannot be negative", m.Name)
		}
	}

	return nil
}
