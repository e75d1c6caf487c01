// Package config holds the option structs for the master, the agent, and the
// client, validated via pkg/check.
package config

import (
	"time"

	"github.com/Uuuuuuho/mgpu-server/pkg/check"
	"github.com/Uuuuuuho/mgpu-server/pkg/logger"
)

// MasterConfig stores all the configurable options for the mgpu master.
type MasterConfig struct {
	ConfigFile string `json:"config_file"`

	BindIP   string `json:"bind_ip"`
	BindPort int    `json:"bind_port"`

	// All intervals are seconds.
	HeartbeatInterval int `json:"heartbeat_interval"`
	HeartbeatTimeout  int `json:"heartbeat_timeout"`
	OfflineTimeout    int `json:"offline_timeout"`
	StartTimeout      int `json:"start_timeout"`
	CancelGrace       int `json:"cancel_grace"`

	RetryBudget     int `json:"retry_budget"`
	OutputRingBytes int `json:"output_ring_bytes"`

	// AdoptOrphans controls what happens when a registered agent's heartbeat
	// reports running jobs this master has never seen: adopt them as running
	// entries, or instruct the agent to kill them.
	AdoptOrphans bool `json:"adopt_orphans"`

	Log logger.Config `json:"log"`
}

// DefaultMasterConfig returns the default master configuration.
func DefaultMasterConfig() *MasterConfig {
	return &MasterConfig{
		BindIP:            "0.0.0.0",
		BindPort:          7070,
		HeartbeatInterval: 10,
		HeartbeatTimeout:  30,
		OfflineTimeout:    60,
		StartTimeout:      10,
		CancelGrace:       10,
		RetryBudget:       5,
		OutputRingBytes:   1 << 20,
		AdoptOrphans:      false,
		Log:               *logger.DefaultConfig(),
	}
}

// Validate implements the check.Validatable interface.
func (c MasterConfig) Validate() []error {
	return []error{
		check.GreaterThan(c.BindPort, 0, "bind_port must be set"),
		check.GreaterThan(c.HeartbeatInterval, 0, "heartbeat_interval must be positive"),
		check.GreaterThan(c.HeartbeatTimeout, c.HeartbeatInterval,
			"heartbeat_timeout must exceed heartbeat_interval"),
		check.GreaterThan(c.OfflineTimeout, 0, "offline_timeout must be positive"),
		check.GreaterThan(c.RetryBudget, 0, "retry_budget must be positive"),
		check.GreaterThan(c.OutputRingBytes, 0, "output_ring_bytes must be positive"),
	}
}

// HeartbeatTimeoutD returns the heartbeat timeout as a duration.
func (c MasterConfig) HeartbeatTimeoutD() time.Duration {
	return time.Duration(c.HeartbeatTimeout) * time.Second
}

// OfflineTimeoutD returns the offline timeout as a duration.
func (c MasterConfig) OfflineTimeoutD() time.Duration {
	return time.Duration(c.OfflineTimeout) * time.Second
}

// StartTimeoutD returns the start-RPC timeout as a duration.
func (c MasterConfig) StartTimeoutD() time.Duration {
	return time.Duration(c.StartTimeout) * time.Second
}

// CancelGraceD returns the cancel grace period as a duration.
func (c MasterConfig) CancelGraceD() time.Duration {
	return time.Duration(c.CancelGrace) * time.Second
}
