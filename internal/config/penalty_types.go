package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/AchilleasB/family-hub/penalty-service/internal/core/domain"
)

// LoadDurationConfig reads the per-type duration options from YAML:
//
//	yellow:
//	  label: Yellow card
//	  color: "#F5C518"
//	  options: [1, 2, 3, 5, 7]
//	  min: 1
//	  max: 7
//
// Unknown type keys and inconsistent ranges are rejected.
func LoadDurationConfig(path string) (domain.DurationConfig, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("penalty types: %w", err)
	}
	return ParseDurationConfig(raw)
}

func ParseDurationConfig(raw []byte) (domain.DurationConfig, error) {
	var cfg domain.DurationConfig
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("penalty types: %w", err)
	}
	if err := cfg.Check(); err != nil {
		return nil, err
	}
	return cfg, nil
}
