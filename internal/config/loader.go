package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// ConfigLoader reads and defaults a Config from a YAML file.
type ConfigLoader struct{}

// NewConfigLoader constructs a ConfigLoader.
func NewConfigLoader() *ConfigLoader {
	return &ConfigLoader{}
}

// LoadConfig reads filename, unmarshals it into a Config, and fills in defaults.
func (cl *ConfigLoader) LoadConfig(filename string) (*Config, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", filename, err)
	}

	var config Config
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if config.Redis.Host == "" {
		config.Redis.Host = "localhost"
	}
	if config.Redis.Port == 0 {
		config.Redis.Port = 6379
	}
	if config.Server.Host == "" {
		config.Server.Host = "0.0.0.0"
	}
	if config.Server.Port == 0 {
		config.Server.Port = 8899
	}
	if config.Server.ClientSendQueue == 0 {
		config.Server.ClientSendQueue = 256
	}
	if config.Upstream.MaxReconnectAttempts == 0 {
		config.Upstream.MaxReconnectAttempts = 5
	}
	if config.Upstream.BackoffFactor == 0 {
		config.Upstream.BackoffFactor = 2.0
	}
	if len(config.Granularities) == 0 {
		config.Granularities = []string{"1m", "5m", "15m", "30m", "1h", "2h", "4h", "6h", "12h", "1d"}
	}

	return &config, nil
}

// GetRedisDatabase returns the configured Redis logical database index.
func (c *Config) GetRedisDatabase() int {
	return c.Redis.DB
}
