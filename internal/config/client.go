package config

import (
	"os"
	"strconv"
	"time"

	"github.com/Uuuuuuho/mgpu-server/pkg/check"
)

// Environment variables consumed by the client.
const (
	EnvMasterHost = "MGPU_MASTER_HOST"
	EnvMasterPort = "MGPU_MASTER_PORT"
)

// ClientConfig stores the client-side connection settings. All four timeouts
// default to unbounded (zero): long training jobs must not be aborted by the
// client.
type ClientConfig struct {
	MasterHost string `json:"master_host"`
	MasterPort int    `json:"master_port"`

	// Seconds; zero means unbounded.
	SessionTimeout    int `json:"session_timeout"`
	ConnectionTimeout int `json:"connection_timeout"`
	MaxWaitTime       int `json:"max_wait_time"`
	// Zero means unbounded.
	MaxConsecutiveTimeouts int `json:"max_consecutive_timeouts"`
}

// DefaultClientConfig returns the default client configuration, honoring the
// MGPU_MASTER_HOST and MGPU_MASTER_PORT environment variables.
func DefaultClientConfig() *ClientConfig {
	c := &ClientConfig{
		MasterHost: "127.0.0.1",
		MasterPort: 7070,
	}
	if host := os.Getenv(EnvMasterHost); host != "" {
		c.MasterHost = host
	}
	if port := os.Getenv(EnvMasterPort); port != "" {
		if p, err := strconv.Atoi(port); err == nil {
			c.MasterPort = p
		}
	}
	return c
}

// Validate implements the check.Validatable interface.
func (c ClientConfig) Validate() []error {
	return []error{
		check.NotEmpty(c.MasterHost, "master host must be provided"),
		check.GreaterThan(c.MasterPort, 0, "master port must be set"),
		check.GreaterThanOrEqualTo(c.SessionTimeout, 0, "session-timeout cannot be negative"),
		check.GreaterThanOrEqualTo(c.ConnectionTimeout, 0, "connection-timeout cannot be negative"),
		check.GreaterThanOrEqualTo(c.MaxWaitTime, 0, "max-wait-time cannot be negative"),
		check.GreaterThanOrEqualTo(c.MaxConsecutiveTimeouts, 0,
			"max-consecutive-timeouts cannot be negative"),
	}
}

// SessionTimeoutD returns the whole-attach timeout; zero is unbounded.
func (c ClientConfig) SessionTimeoutD() time.Duration {
	return time.Duration(c.SessionTimeout) * time.Second
}

// ConnectionTimeoutD returns the TCP connect timeout; zero is unbounded.
func (c ClientConfig) ConnectionTimeoutD() time.Duration {
	return time.Duration(c.ConnectionTimeout) * time.Second
}

// MaxWaitTimeD returns the per-read timeout; zero is unbounded.
func (c ClientConfig) MaxWaitTimeD() time.Duration {
	return time.Duration(c.MaxWaitTime) * time.Second
}
