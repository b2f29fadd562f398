package server

import (
	"time"
)

// Config holds the server configuration.
type Config struct {
	Host              string        `env:"HOST"`                // default: "127.0.0.1"
	Port              int           `env:"PORT"`                // default: 8080
	ReadHeaderTimeout time.Duration `env:"READ_HEADER_TIMEOUT"` // default: 10s
	ShutdownTimeout   time.Duration `env:"SHUTDOWN_TIMEOUT"`    // default: 30s
}

func (c *Config) host() string {
	h := c.Host
	if h == "" {
		h = "127.0.0.1"
	}
	return h
}

func (c *Config) port() int {
	p := c.Port
	if p == 0 {
		p = 8080
	}
	return p
}

func (c *Config) readHeaderTimeout() time.Duration {
	t := c.ReadHeaderTimeout
	if t == 0 {
		t = 10 * time.Second
	}
	return t
}

func (c *Config) shutdownTimeout() time.Duration {
	t := c.ShutdownTimeout
	if t == 0 {
		t = 30 * time.Second
	}
	return t
}
