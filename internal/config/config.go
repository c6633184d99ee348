// Package config loads the daemon configuration from a YAML file.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v2"
)

// Duration accepts "15m" style values in YAML.
type Duration time.Duration

func (d *Duration) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var s string
	if err := unmarshal(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

type Config struct {
	DataPath          string   `yaml:"dataPath"`
	MinimumFreeGB     uint     `yaml:"minimumFreeGB"`
	MemoryWarningMB   float64  `yaml:"memoryWarningMB"`
	MemoryCriticalMB  float64  `yaml:"memoryCriticalMB"`
	MigrationInterval Duration `yaml:"migrationInterval"`
	Debug             bool     `yaml:"debug"`
}

// Load reads the YAML file at path and applies defaults for unset fields.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config %s: %w", path, err)
	}

	var config Config
	if err := yaml.Unmarshal(data, &config); err != nil {
		return Config{}, fmt.Errorf("parse config %s: %w", path, err)
	}

	config.applyDefaults()
	return config, nil
}

// Default returns the configuration used when no file is given.
func Default() Config {
	var config Config
	config.applyDefaults()
	return config
}

func (c *Config) applyDefaults() {
	if c.DataPath == "" {
		c.DataPath = "./data"
	}
	if c.MinimumFreeGB == 0 {
		c.MinimumFreeGB = 1
	}
	if c.MigrationInterval == 0 {
		c.MigrationInterval = Duration(15 * time.Minute)
	}
}
