package config

import (
	"fmt"
	"time"
)

// Config represents the complete application configuration
type Config struct {
	Redis         RedisConfig      `yaml:"redis"`
	Upstream      UpstreamConfig   `yaml:"upstream"`
	Products      []ProductConfig  `yaml:"products"`
	Granularities []string         `yaml:"granularities"`
	Token         TokenConfig      `yaml:"token"`
	Server        ServerConfig     `yaml:"server"`
	Updater       UpdaterConfig    `yaml:"continuous_updater"`
	Monitoring    MonitoringConfig `yaml:"monitoring"`
	Security      SecurityConfig   `yaml:"security"`
}

// ============================================================================
// CORE CONFIGURATION
// ============================================================================

// RedisConfig represents Redis connection configuration
type RedisConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	PoolSize int    `yaml:"pool_size"`
	Timeout  string `yaml:"timeout"`
}

// UpstreamConfig represents the authenticated exchange feed configuration
type UpstreamConfig struct {
	WebSocketURL         string  `yaml:"websocket_url"`
	RESTBaseURL          string  `yaml:"rest_base_url"`
	ConnectTimeout       string  `yaml:"connect_timeout"`
	MaxReconnectAttempts int     `yaml:"max_reconnect_attempts"`
	InitialBackoff       string  `yaml:"initial_backoff"`
	MaxBackoff           string  `yaml:"max_backoff"`
	BackoffFactor        float64 `yaml:"backoff_factor"`
}

// ProductConfig represents per-product subscription configuration
type ProductConfig struct {
	ID      string `yaml:"id"`
	Enabled bool   `yaml:"enabled"`
}

// TokenConfig represents the token minter's credential configuration
type TokenConfig struct {
	KeyName       string `yaml:"key_name"`
	PrivateKeyPEM string `yaml:"private_key_pem"`
	TokenLifetime string `yaml:"token_lifetime"`
	RenewInterval string `yaml:"renew_interval"`
}

// ServerConfig represents the local client-facing WebSocket/REST server configuration
type ServerConfig struct {
	Host             string `yaml:"host"`
	Port             int    `yaml:"port"`
	ClientSendQueue  int    `yaml:"client_send_queue"`
	ShutdownWatchdog string `yaml:"shutdown_watchdog"`
	BotBridgeURL     string `yaml:"bot_bridge_url"`
}

// UpdaterConfig represents the continuous-updater safety-net configuration
type UpdaterConfig struct {
	Enabled          bool   `yaml:"enabled"`
	BackfillCount    int    `yaml:"backfill_count"`
	MinRequestGap    string `yaml:"min_request_gap"`
	RateLimitBackoff string `yaml:"rate_limit_backoff"`
}

// ============================================================================
// SYSTEM CONFIGURATION
// ============================================================================

// MonitoringConfig represents monitoring configuration
type MonitoringConfig struct {
	MetricsEnabled bool `yaml:"metrics_enabled"`
	MetricsPort    int  `yaml:"metrics_port"`
}

// SecurityConfig represents security-adjacent configuration for the REST surface
type SecurityConfig struct {
	CORS CORSConfig `yaml:"cors"`
}

// CORSConfig represents CORS configuration
type CORSConfig struct {
	Enabled        bool     `yaml:"enabled"`
	AllowedOrigins []string `yaml:"allowed_origins"`
}

// ============================================================================
// HELPER METHODS
// ============================================================================

// GetRedisAddress returns the host:port Redis address, applying defaults if unset
func (c *Config) GetRedisAddress() string {
	host := c.Redis.Host
	if host == "" {
		host = "localhost"
	}
	port := c.Redis.Port
	if port == 0 {
		port = 6379
	}
	return fmt.Sprintf("%s:%d", host, port)
}

// GetProductConfig returns the configuration for a specific product id
func (c *Config) GetProductConfig(id string) (ProductConfig, bool) {
	for _, p := range c.Products {
		if p.ID == id {
			return p, true
		}
	}
	return ProductConfig{}, false
}

// EnabledProducts returns the ids of every enabled product, in config order
func (c *Config) EnabledProducts() []string {
	var ids []string
	for _, p := range c.Products {
		if p.Enabled {
			ids = append(ids, p.ID)
		}
	}
	return ids
}

// GranularityDuration parses a granularity duration field, falling back to def
func GranularityDuration(value string, def time.Duration) time.Duration {
	if value == "" {
		return def
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return def
	}
	return d
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.Upstream.WebSocketURL == "" {
		return fmt.Errorf("config: upstream.websocket_url is required")
	}
	if len(c.Products) == 0 {
		return fmt.Errorf("config: at least one product is required")
	}
	if len(c.Granularities) == 0 {
		return fmt.Errorf("config: at least one granularity is required")
	}
	if c.Token.KeyName == "" || c.Token.PrivateKeyPEM == "" {
		return fmt.Errorf("config: token.key_name and token.private_key_pem are required")
	}
	return nil
}
