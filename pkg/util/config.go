// Package util provides utility functions for Net Probe.
package util

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/supporttools/net-probe/pkg/types"
	"gopkg.in/yaml.v3"
)

// LoadConfig loads configuration from a file (YAML or JSON).
// The file format is determined by extension (.yaml, .yml, .json).
// Environment references are expanded and defaults applied before validation.
func LoadConfig(path string) (*types.ProbeConfig, error) {
	config, err := DecodeConfig(path)
	if err != nil {
		return nil, err
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return config, nil
}

// DecodeConfig reads, parses and defaults a configuration file without
// validating it, for callers that report validation errors themselves.
func DecodeConfig(path string) (*types.ProbeConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	// Expanded before parsing so references also work in non-string fields (port: ${PROBE_PORT}).
	data = []byte(types.ExpandEnv(string(data)))

	config, err := ParseConfig(data, filepath.Ext(path))
	if err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}

	if err := config.ApplyDefaults(); err != nil {
		return nil, fmt.Errorf("failed to apply defaults: %w", err)
	}

	return config, nil
}

// ParseConfig decodes raw configuration bytes. ext selects the decoder;
// an unknown extension tries YAML first, then JSON.
func ParseConfig(data []byte, ext string) (*types.ProbeConfig, error) {
	var config types.ProbeConfig
	var err error

	switch ext {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, &config)
	case ".json":
		err = json.Unmarshal(data, &config)
	default:
		err = yaml.Unmarshal(data, &config)
		if err != nil {
			config = types.ProbeConfig{}
			err = json.Unmarshal(data, &config)
		}
	}
	if err != nil {
		return nil, err
	}

	return &config, nil
}

// LoadConfigOrDefault loads configuration from a file, or returns the default if the file doesn't exist.
func LoadConfigOrDefault(path string) (*types.ProbeConfig, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return DefaultConfig()
	}
	return LoadConfig(path)
}

// DefaultConfig returns a configuration probing example.org:80 every 3 seconds.
func DefaultConfig() (*types.ProbeConfig, error) {
	config := &types.ProbeConfig{
		APIVersion: types.DefaultAPIVersion,
		Kind:       types.DefaultKind,
		Metadata: types.ConfigMetadata{
			Name: "default",
		},
		Probe: types.ProbeTarget{
			Host: types.DefaultHost,
			Port: types.DefaultPort,
		},
	}

	if err := config.ApplyDefaults(); err != nil {
		return nil, fmt.Errorf("failed to apply defaults: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("default config validation failed: %w", err)
	}

	return config, nil
}

// SaveConfig saves configuration to a file (YAML or JSON based on extension).
func SaveConfig(config *types.ProbeConfig, path string) error {
	var data []byte
	var err error

	switch ext := filepath.Ext(path); ext {
	case ".yaml", ".yml":
		data, err = yaml.Marshal(config)
	case ".json":
		data, err = json.MarshalIndent(config, "", "  ")
	default:
		return fmt.Errorf("unsupported file extension: %s (use .yaml, .yml, or .json)", ext)
	}
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}
