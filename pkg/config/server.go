package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Server is the process configuration
type Server struct {
	ListenAddr  string `yaml:"listen_addr"`
	DataDir     string `yaml:"data_dir"`
	CatalogDir  string `yaml:"catalog_dir"`
	LogLevel    string `yaml:"log_level"`
	LogJSON     bool   `yaml:"log_json"`
	TickSeconds int    `yaml:"tick_seconds"`

	LockTimeoutSeconds int `yaml:"lock_timeout_seconds"`

	// Per-user command rate limit (requests per second, burst)
	RateLimit      float64 `yaml:"rate_limit"`
	RateLimitBurst int     `yaml:"rate_limit_burst"`

	// Graceful shutdown grace period for in-flight requests
	ShutdownGraceSeconds int `yaml:"shutdown_grace_seconds"`
}

// DefaultServer returns the built-in defaults
func DefaultServer() *Server {
	return &Server{
		ListenAddr:           "127.0.0.1:8080",
		DataDir:              "./bastion-data",
		CatalogDir:           "./catalog",
		LogLevel:             "info",
		TickSeconds:          1,
		LockTimeoutSeconds:   10,
		RateLimit:            20,
		RateLimitBurst:       40,
		ShutdownGraceSeconds: 10,
	}
}

// LoadServer reads the server configuration from a YAML file, layered over
// defaults. A missing path returns the defaults unchanged.
func LoadServer(path string) (*Server, error) {
	cfg := DefaultServer()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
	}
	return cfg, nil
}

// TickInterval returns the task worker tick as a duration
func (s *Server) TickInterval() time.Duration {
	if s.TickSeconds <= 0 {
		return time.Second
	}
	return time.Duration(s.TickSeconds) * time.Second
}

// LockTimeout returns the lock acquisition timeout as a duration
func (s *Server) LockTimeout() time.Duration {
	if s.LockTimeoutSeconds <= 0 {
		return 10 * time.Second
	}
	return time.Duration(s.LockTimeoutSeconds) * time.Second
}

// ShutdownGrace returns the request drain window as a duration
func (s *Server) ShutdownGrace() time.Duration {
	if s.ShutdownGraceSeconds <= 0 {
		return 10 * time.Second
	}
	return time.Duration(s.ShutdownGraceSeconds) * time.Second
}
