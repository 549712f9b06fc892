package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"futures-trading-engine/internal/strategy"
)

// strategiesFile is the on-disk shape of the instance bootstrap file.
type strategiesFile struct {
	Strategies []strategy.Config `yaml:"strategies"`
}

// LoadStrategies reads the YAML file listing instances to create at startup.
// A missing file is not an error; the engine just starts empty.
func LoadStrategies(path string) ([]strategy.Config, error) {
	if path == "" {
		return nil, nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("error reading strategies file: %w", err)
	}

	var file strategiesFile
	if err := yaml.Unmarshal(raw, &file); err != nil {
		return nil, fmt.Errorf("error parsing strategies file: %w", err)
	}

	for i := range file.Strategies {
		cfg := &file.Strategies[i]
		cfg.ApplyDefaults()
		if err := cfg.Validate(); err != nil {
			return nil, fmt.Errorf("strategies[%d] %s: %w", i, cfg.Symbol, err)
		}
	}
	return file.Strategies, nil
}
