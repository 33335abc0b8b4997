// Package config holds configuration for the demo parent and child
// processes. Resolution precedence is defaults < file < env < flags.
package config

import (
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// ParentConfig configures the parent process: the bridge listener and the
// controller.
type ParentConfig struct {
	Port             int           `yaml:"port"`
	MetricsAddr      string        `yaml:"metrics_addr"`
	Origin           string        `yaml:"origin"`
	LogLevel         string        `yaml:"log_level"`
	AllowedOrigins   []string      `yaml:"allowed_origins"`
	TrustedOrigins   []string      `yaml:"trusted_origins"`
	HandshakeTimeout time.Duration `yaml:"handshake_timeout"`
	ConfigFile       string        `yaml:"-"`
}

// SetDefaults initializes c with built-in defaults.
func (c *ParentConfig) SetDefaults() {
	if c.Port == 0 {
		c.Port = 8080
	}
	if c.MetricsAddr == "" {
		c.MetricsAddr = fmt.Sprintf(":%d", c.Port)
	}
	if c.Origin == "" {
		c.Origin = "http://localhost:8080"
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.HandshakeTimeout == 0 {
		c.HandshakeTimeout = 30 * time.Second
	}
}

// ApplyEnv overlays environment variables onto the current values.
func (c *ParentConfig) ApplyEnv() {
	if v := os.Getenv("CONFIG_FILE"); v != "" {
		c.ConfigFile = v
	}
	if v := os.Getenv("PORT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Port = n
		}
	}
	if v := os.Getenv("METRICS_ADDR"); v != "" {
		c.MetricsAddr = v
	}
	if v := os.Getenv("RELAY_ORIGIN"); v != "" {
		c.Origin = v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		c.LogLevel = v
	}
	if v := os.Getenv("ALLOWED_ORIGINS"); v != "" {
		c.AllowedOrigins = splitComma(v)
	}
	if v := os.Getenv("TRUSTED_ORIGINS"); v != "" {
		c.TrustedOrigins = splitComma(v)
	}
	if v := os.Getenv("HANDSHAKE_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			c.HandshakeTimeout = d
		}
	}
}

// BindFlags binds command line flags using the current values as defaults so
// main can call flag.Parse().
func (c *ParentConfig) BindFlags(fs *flag.FlagSet) {
	fs.StringVar(&c.ConfigFile, "config", c.ConfigFile, "config file path")
	fs.IntVar(&c.Port, "port", c.Port, "HTTP listen port for the bridge endpoint")
	fs.StringVar(&c.MetricsAddr, "metrics-addr", c.MetricsAddr, "Prometheus metrics listen address; defaults to the value of --port")
	fs.StringVar(&c.Origin, "origin", c.Origin, "origin this parent presents to children")
	fs.StringVar(&c.LogLevel, "log-level", c.LogLevel, "log verbosity (all, debug, info, warn, error, none)")
	fs.Func("allowed-origins", "comma separated list of allowed CORS origins", func(v string) error {
		c.AllowedOrigins = splitComma(v)
		return nil
	})
	fs.Func("trusted-origins", "comma separated list of trusted child origin patterns", func(v string) error {
		c.TrustedOrigins = splitComma(v)
		return nil
	})
	fs.DurationVar(&c.HandshakeTimeout, "handshake-timeout", c.HandshakeTimeout, "time to wait for the child's initialize-connection message")
}

// LoadFile populates the config from a YAML file.
func (c *ParentConfig) LoadFile(path string) error {
	b, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return yaml.Unmarshal(b, c)
}

// ChildConfig configures the child process: where to find the parent bridge
// and how the relay behaves.
type ChildConfig struct {
	ServerURL      string        `yaml:"server_url"`
	PageURL        string        `yaml:"page_url"`
	LogLevel       string        `yaml:"log_level"`
	TrustedOrigins []string      `yaml:"trusted_origins"`
	RequestTimeout time.Duration `yaml:"request_timeout"`
	InitTimeout    time.Duration `yaml:"init_timeout"`
	Reconnect      bool          `yaml:"reconnect"`
	ConfigFile     string        `yaml:"-"`
}

// SetDefaults initializes c with built-in defaults.
func (c *ChildConfig) SetDefaults() {
	if c.ServerURL == "" {
		c.ServerURL = "ws://localhost:8080/relay/connect"
	}
	if c.PageURL == "" {
		c.PageURL = "http://localhost:9090/game"
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.RequestTimeout == 0 {
		c.RequestTimeout = 10 * time.Second
	}
	if c.InitTimeout == 0 {
		c.InitTimeout = 60 * time.Second
	}
}

// ApplyEnv overlays environment variables onto the current values.
func (c *ChildConfig) ApplyEnv() {
	if v := os.Getenv("CONFIG_FILE"); v != "" {
		c.ConfigFile = v
	}
	if v := os.Getenv("SERVER_URL"); v != "" {
		c.ServerURL = v
	}
	if v := os.Getenv("PAGE_URL"); v != "" {
		c.PageURL = v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		c.LogLevel = v
	}
	if v := os.Getenv("TRUSTED_ORIGINS"); v != "" {
		c.TrustedOrigins = splitComma(v)
	}
	if v := os.Getenv("REQUEST_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			c.RequestTimeout = d
		}
	}
	if v := os.Getenv("INIT_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			c.InitTimeout = d
		}
	}
	if v := os.Getenv("RECONNECT"); v != "" {
		c.Reconnect = strings.ToLower(v) == "true"
	}
}

// BindFlags binds command line flags using the current values as defaults.
func (c *ChildConfig) BindFlags(fs *flag.FlagSet) {
	fs.StringVar(&c.ConfigFile, "config", c.ConfigFile, "config file path")
	fs.StringVar(&c.ServerURL, "server-url", c.ServerURL, "websocket URL of the parent bridge")
	fs.StringVar(&c.PageURL, "page-url", c.PageURL, "URL of the page this child represents")
	fs.StringVar(&c.LogLevel, "log-level", c.LogLevel, "log verbosity (all, debug, info, warn, error, none)")
	fs.Func("trusted-origins", "comma separated list of trusted parent origin patterns", func(v string) error {
		c.TrustedOrigins = splitComma(v)
		return nil
	})
	fs.DurationVar(&c.RequestTimeout, "request-timeout", c.RequestTimeout, "timeout for each async request")
	fs.DurationVar(&c.InitTimeout, "init-timeout", c.InitTimeout, "timeout for connection establishment")
	fs.BoolVar(&c.Reconnect, "reconnect", c.Reconnect, "retry setup with backoff when the connection is lost")
}

// LoadFile populates the config from a YAML file.
func (c *ChildConfig) LoadFile(path string) error {
	b, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return yaml.Unmarshal(b, c)
}

func splitComma(v string) []string {
	if v == "" {
		return nil
	}
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if s := strings.TrimSpace(p); s != "" {
			out = append(out, s)
		}
	}
	return out
}
