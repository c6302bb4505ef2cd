// Package config provides configuration parsing and validation for the relay server.
package config

import (
	"fmt"
	"net"
	"os"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/afii369/NetspherePirates/internal/crypto"
	"github.com/afii369/NetspherePirates/internal/logging"
)

// Config represents the complete relay configuration.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	UDP      UDPConfig      `yaml:"udp"`
	P2P      P2PConfig      `yaml:"p2p"`
	Sessions SessionsConfig `yaml:"sessions"`
	Metrics  MetricsConfig  `yaml:"metrics"`
}

// ServerConfig contains relay identity and logging settings.
type ServerConfig struct {
	HostID      uint32 `yaml:"host_id"`       // host id of the relay itself
	FirstHostID uint32 `yaml:"first_host_id"` // first id handed to sessions and groups
	LogLevel    string `yaml:"log_level"`     // debug, info, warn, error
	LogFormat   string `yaml:"log_format"`    // text, json
}

// UDPConfig defines the datagram transport.
type UDPConfig struct {
	Address          string        `yaml:"address"`
	MaxMessageLength int           `yaml:"max_message_length"` // payload bytes per datagram
	IOWorkers        int           `yaml:"io_workers"`
	HandlerWorkers   int           `yaml:"handler_workers"`
	HandlerQueueSize int           `yaml:"handler_queue_size"`
	SendQueueSize    int           `yaml:"send_queue_size"`
	ReadBatchSize    int           `yaml:"read_batch_size"`
	ReadBuffer       int           `yaml:"read_buffer"` // SO_RCVBUF, 0 = OS default
	ReuseAddr        bool          `yaml:"reuse_addr"`
	QuietPeriod      time.Duration `yaml:"quiet_period"`
	ShutdownTimeout  time.Duration `yaml:"shutdown_timeout"`
}

// P2PConfig defines group behavior.
type P2PConfig struct {
	EncryptionEnabled bool `yaml:"encryption_enabled"`
	KeyLength         int  `yaml:"key_length"`
	JoinServer        bool `yaml:"join_server"` // add the relay to every new group
}

// SessionsConfig defines client session limits.
type SessionsConfig struct {
	MaxSessions       int           `yaml:"max_sessions"`
	IdleTimeout       time.Duration `yaml:"idle_timeout"`
	MessagesPerSecond float64       `yaml:"messages_per_second"` // 0 = unlimited
	Burst             int           `yaml:"burst"`
}

// MetricsConfig defines the Prometheus endpoint.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Address string `yaml:"address"`
	Path    string `yaml:"path"`
}

// Default returns a Config with default values.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			HostID:      1,
			FirstHostID: 1000,
			LogLevel:    "info",
			LogFormat:   "text",
		},
		UDP: UDPConfig{
			Address:          "0.0.0.0:28012",
			MaxMessageLength: 1400,
			IOWorkers:        2,
			HandlerWorkers:   4,
			HandlerQueueSize: 1024,
			SendQueueSize:    4096,
			ReadBatchSize:    32,
			ReadBuffer:       0,
			QuietPeriod:      250 * time.Millisecond,
			ShutdownTimeout:  5 * time.Second,
		},
		P2P: P2PConfig{
			EncryptionEnabled: true,
			KeyLength:         crypto.DefaultKeyLength,
			JoinServer:        false,
		},
		Sessions: SessionsConfig{
			MaxSessions:       4096,
			IdleTimeout:       30 * time.Second,
			MessagesPerSecond: 200,
			Burst:             400,
		},
		Metrics: MetricsConfig{
			Enabled: false,
			Address: "127.0.0.1:9108",
			Path:    "/metrics",
		},
	}
}

// Load reads and parses a configuration file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return Parse(data)
}

// Parse parses configuration from YAML bytes on top of Default().
func Parse(data []byte) (*Config, error) {
	expanded := expandEnvVars(string(data))

	cfg := Default()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return cfg, nil
}

// envVarRegex matches ${VAR} or $VAR patterns
var envVarRegex = regexp.MustCompile(`\$\{([^}]+)\}|\$([A-Za-z_][A-Za-z0-9_]*)`)

// expandEnvVars replaces environment variable references with their values.
// ${VAR:-default} falls back to default; unknown variables are left as written.
func expandEnvVars(s string) string {
	return envVarRegex.ReplaceAllStringFunc(s, func(match string) string {
		var name string
		if strings.HasPrefix(match, "${") {
			name = match[2 : len(match)-1]
		} else {
			name = match[1:]
		}

		if idx := strings.Index(name, ":-"); idx != -1 {
			if val, ok := os.LookupEnv(name[:idx]); ok {
				return val
			}
			return name[idx+2:]
		}

		if val, ok := os.LookupEnv(name); ok {
			return val
		}
		return match
	})
}

// Validate checks the configuration for errors and reports all of them at once.
func (c *Config) Validate() error {
	var errs []string

	if c.Server.HostID == 0 {
		errs = append(errs, "server.host_id must be non-zero")
	}
	if c.Server.FirstHostID == 0 {
		errs = append(errs, "server.first_host_id must be non-zero")
	}
	if !logging.ValidLevel(c.Server.LogLevel) {
		errs = append(errs, fmt.Sprintf("invalid log_level: %s (must be debug, info, warn, or error)", c.Server.LogLevel))
	}
	if !logging.ValidFormat(c.Server.LogFormat) {
		errs = append(errs, fmt.Sprintf("invalid log_format: %s (must be text or json)", c.Server.LogFormat))
	}

	if !isValidUDPAddress(c.UDP.Address) {
		errs = append(errs, fmt.Sprintf("udp.address: invalid address: %q", c.UDP.Address))
	}
	if c.UDP.MaxMessageLength < 64 || c.UDP.MaxMessageLength > 65000 {
		errs = append(errs, "udp.max_message_length must be between 64 and 65000")
	}
	if c.UDP.IOWorkers < 1 {
		errs = append(errs, "udp.io_workers must be positive")
	}
	if c.UDP.HandlerWorkers < 1 {
		errs = append(errs, "udp.handler_workers must be positive")
	}
	if c.UDP.HandlerQueueSize < 1 {
		errs = append(errs, "udp.handler_queue_size must be positive")
	}
	if c.UDP.SendQueueSize < 1 {
		errs = append(errs, "udp.send_queue_size must be positive")
	}
	if c.UDP.ReadBatchSize < 1 {
		errs = append(errs, "udp.read_batch_size must be positive")
	}
	if c.UDP.ReadBuffer < 0 {
		errs = append(errs, "udp.read_buffer must not be negative")
	}
	if c.UDP.QuietPeriod < 0 {
		errs = append(errs, "udp.quiet_period must not be negative")
	}
	if c.UDP.ShutdownTimeout < c.UDP.QuietPeriod {
		errs = append(errs, "udp.shutdown_timeout must be >= quiet_period")
	}

	if c.P2P.EncryptionEnabled && !crypto.ValidKeyLength(c.P2P.KeyLength) {
		errs = append(errs, fmt.Sprintf("p2p.key_length: %d (must be 16, 24 or 32)", c.P2P.KeyLength))
	}

	if c.Sessions.MaxSessions < 1 {
		errs = append(errs, "sessions.max_sessions must be positive")
	}
	if c.Sessions.IdleTimeout <= 0 {
		errs = append(errs, "sessions.idle_timeout must be positive")
	}
	if c.Sessions.MessagesPerSecond < 0 {
		errs = append(errs, "sessions.messages_per_second must not be negative")
	}
	if c.Sessions.MessagesPerSecond > 0 && c.Sessions.Burst < 1 {
		errs = append(errs, "sessions.burst must be positive when rate limiting is enabled")
	}

	if c.Metrics.Enabled {
		if c.Metrics.Address == "" {
			errs = append(errs, "metrics.address is required when enabled")
		}
		if !strings.HasPrefix(c.Metrics.Path, "/") {
			errs = append(errs, "metrics.path must start with /")
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("validation errors:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}

func isValidUDPAddress(addr string) bool {
	if addr == "" {
		return false
	}
	_, err := net.ResolveUDPAddr("udp", addr)
	return err == nil
}

// String returns the effective configuration as YAML.
func (c *Config) String() string {
	data, _ := yaml.Marshal(c)
	return string(data)
}
