package config

import (
	"testing"

	"github.com/ghodss/yaml"
	"gotest.tools/assert"

	"github.com/Uuuuuuho/mgpu-server/pkg/check"
)

func TestUnmarshalAgentConfig(t *testing.T) {
	raw := `
master_host: master.example.com
master_port: 5000
node_id: gpu-01
artificial_slots: 4
log:
    level: debug
    color: false
`
	opts := DefaultAgentConfig()
	assert.NilError(t, yaml.Unmarshal([]byte(raw), opts, yaml.DisallowUnknownFields))
	assert.Equal(t, "master.example.com", opts.MasterHost)
	assert.Equal(t, 5000, opts.MasterPort)
	assert.Equal(t, "gpu-01", opts.NodeID)
	assert.Equal(t, 4, opts.ArtificialSlots)
	assert.Equal(t, "debug", opts.Log.Level)
	assert.Equal(t, false, opts.Log.Color)
	// Untouched fields keep their defaults.
	assert.Equal(t, 10, opts.HeartbeatInterval)
}

func TestAgentConfigRejectsUnknownFields(t *testing.T) {
	raw := "master_host: m\nfluentd: nope\n"
	opts := DefaultAgentConfig()
	err := yaml.Unmarshal([]byte(raw), opts, yaml.DisallowUnknownFields)
	assert.ErrorContains(t, err, "fluentd")
}

func TestAgentConfigValidation(t *testing.T) {
	opts := DefaultAgentConfig()
	opts.MasterHost = ""
	assert.ErrorContains(t, check.Validate(*opts), "master host")

	opts = DefaultAgentConfig()
	opts.ArtificialSlots = -1
	assert.ErrorContains(t, check.Validate(*opts), "artificial_slots")

	opts = DefaultAgentConfig()
	assert.NilError(t, check.Validate(*opts))
}

func TestAgentConfigResolveFillsHostname(t *testing.T) {
	opts := DefaultAgentConfig()
	assert.NilError(t, opts.Resolve())
	assert.Assert(t, opts.NodeID != "")
	assert.Assert(t, opts.AdvertiseHost != "")
}

func TestMasterConfigValidation(t *testing.T) {
	cfg := DefaultMasterConfig()
	assert.NilError(t, check.Validate(*cfg))

	cfg.HeartbeatTimeout = cfg.HeartbeatInterval
	assert.ErrorContains(t, check.Validate(*cfg), "heartbeat_timeout")
}

func TestClientConfigEnv(t *testing.T) {
	t.Setenv(EnvMasterHost, "remote.example.com")
	t.Setenv(EnvMasterPort, "9999")
	cfg := DefaultClientConfig()
	assert.Equal(t, "remote.example.com", cfg.MasterHost)
	assert.Equal(t, 9999, cfg.MasterPort)

	// Timeouts default to unbounded.
	assert.Equal(t, 0, cfg.SessionTimeout)
	assert.Equal(t, 0, cfg.MaxConsecutiveTimeouts)
}
