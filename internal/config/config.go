package config

import (
	"fmt"
	"os"
	"time"

	"github.com/BurntSushi/toml"
)

// Config holds application configuration for both binaries. Values come
// from an optional TOML file with flag overrides applied on top.
type Config struct {
	// ServerURL is the base URL of the chat backend (http:// or https://).
	ServerURL string `toml:"server_url"`
	// Debug enables debug logging.
	Debug bool `toml:"debug"`

	Transport TransportConfig `toml:"transport"`
	Server    ServerConfig    `toml:"server"`
}

// TransportConfig controls the live channel reconnect policy.
type TransportConfig struct {
	// ReconnectMaxAttempts is how many consecutive reconnect attempts are
	// made before the outage is surfaced to the user.
	ReconnectMaxAttempts int `toml:"reconnect_max_attempts"`
	// ReconnectBackoff is the delay between reconnect attempts.
	ReconnectBackoff duration `toml:"reconnect_backoff"`
	// HandshakeTimeout bounds a single dial attempt.
	HandshakeTimeout duration `toml:"handshake_timeout"`
}

// ServerConfig configures the chatd backend.
type ServerConfig struct {
	Addr   string `toml:"addr"`
	DBPath string `toml:"db_path"`
}

// duration lets TOML carry values like "500ms" or "5s".
type duration struct {
	time.Duration
}

func (d *duration) UnmarshalText(text []byte) error {
	parsed, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = parsed
	return nil
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		ServerURL: "http://localhost:8000",
		Transport: TransportConfig{
			ReconnectMaxAttempts: 5,
			ReconnectBackoff:     duration{500 * time.Millisecond},
			HandshakeTimeout:     duration{10 * time.Second},
		},
		Server: ServerConfig{
			Addr:   ":8000",
			DBPath: "chatsync.db",
		},
	}
}

// Load reads a TOML config file on top of the defaults. A missing path is
// not an error; the defaults are returned unchanged.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	if _, err := os.Stat(path); os.IsNotExist(err) {
		return cfg, nil
	}

	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return cfg, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}

	if cfg.Transport.ReconnectMaxAttempts < 1 {
		return cfg, fmt.Errorf("transport.reconnect_max_attempts must be at least 1")
	}

	return cfg, nil
}

// Backoff returns the configured backoff as a time.Duration.
func (c TransportConfig) Backoff() time.Duration { return c.ReconnectBackoff.Duration }

// Handshake returns the configured handshake timeout as a time.Duration.
func (c TransportConfig) Handshake() time.Duration { return c.HandshakeTimeout.Duration }
