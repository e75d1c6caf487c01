package config

import (
	"os"
	"time"

	"github.com/Uuuuuuho/mgpu-server/pkg/check"
	"github.com/Uuuuuuho/mgpu-server/pkg/logger"
)

// AgentConfig stores all the configurable options for the mgpu node agent.
type AgentConfig struct {
	ConfigFile string `json:"config_file"`

	NodeID string `json:"node_id"`

	MasterHost string `json:"master_host"`
	MasterPort int    `json:"master_port"`

	BindIP   string `json:"bind_ip"`
	BindPort int    `json:"bind_port"`
	// AdvertiseHost is the address the master dials back for commands. Falls
	// back to the hostname when unset.
	AdvertiseHost string `json:"advertise_host"`

	// VisibleGPUs restricts detection to a comma-separated index list.
	VisibleGPUs string `json:"visible_gpus"`
	// ArtificialSlots fabricates GPU entries on hosts without nvidia-smi so the
	// scheduler can be exercised on CPU-only machines.
	ArtificialSlots int `json:"artificial_slots"`

	HeartbeatInterval int `json:"heartbeat_interval"`
	CancelGrace       int `json:"cancel_grace"`

	Log logger.Config `json:"log"`
}

// DefaultAgentConfig returns the default agent configuration.
func DefaultAgentConfig() *AgentConfig {
	return &AgentConfig{
		MasterHost:        "127.0.0.1",
		MasterPort:        7070,
		BindIP:            "0.0.0.0",
		BindPort:          7071,
		HeartbeatInterval: 10,
		CancelGrace:       10,
		Log:               *logger.DefaultConfig(),
	}
}

// Validate implements the check.Validatable interface.
func (c AgentConfig) Validate() []error {
	return []error{
		check.NotEmpty(c.MasterHost, "master host must be provided"),
		check.GreaterThan(c.MasterPort, 0, "master_port must be set"),
		check.GreaterThan(c.BindPort, 0, "bind_port must be set"),
		check.GreaterThanOrEqualTo(c.ArtificialSlots, 0,
			"artificial_slots cannot be negative"),
		check.GreaterThan(c.HeartbeatInterval, 0, "heartbeat_interval must be positive"),
	}
}

// Resolve fills in dynamic defaults: the node id and advertise host default to
// the hostname.
func (c *AgentConfig) Resolve() error {
	if c.NodeID == "" || c.AdvertiseHost == "" {
		hostname, err := os.Hostname()
		if err != nil {
			return err
		}
		if c.NodeID == "" {
			c.NodeID = hostname
		}
		if c.AdvertiseHost == "" {
			c.AdvertiseHost = hostname
		}
	}
	return nil
}

// HeartbeatIntervalD returns the heartbeat interval as a duration.
func (c AgentConfig) HeartbeatIntervalD() time.Duration {
	return time.Duration(c.HeartbeatInterval) * time.Second
}

// CancelGraceD returns the SIGTERM-to-SIGKILL grace period as a duration.
func (c AgentConfig) CancelGraceD() time.Duration {
	return time.Duration(c.CancelGrace) * time.Second
}
