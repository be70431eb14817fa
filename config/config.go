package config

import (
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v2"
)

// Config is the parsed contents of a settings file
type Config struct {
	Version int   `yaml:"version" json:"version"`
	Host    *Host `yaml:"host" json:"host"`
}

// ConfigNew returns an empty configuration with a default host
func ConfigNew() *Config {
	return &Config{
		Version: 1,
		Host:    HostNew(),
	}
}

// ConfigLoadReader parses a YAML settings stream
func ConfigLoadReader(rdr io.Reader) (*Config, error) {
	c := ConfigNew()
	if err := yaml.NewDecoder(rdr).Decode(c); err != nil && err != io.EOF {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if c.Version > 1 {
		return nil, fmt.Errorf("unsupported config version %d", c.Version)
	}
	if c.Host == nil {
		c.Host = HostNew()
	}
	c.Host.Normalize()
	return c, nil
}

// ConfigLoadFile parses a YAML settings file
func ConfigLoadFile(filename string) (*Config, error) {
	_, err := os.Stat(filename)
	if err != nil {
		return nil, err
	}
	//#nosec G304 command is run by a user accessing their own files
	file, err := os.Open(filename)
	if err != nil {
		return nil, err
	}
	defer file.Close()
	return ConfigLoadReader(file)
}
