package main

import (
	"strings"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/Uuuuuuho/mgpu-server/internal/config"
)

var v *viper.Viper

// viperKeyDelimiter keeps "." usable inside configuration keys; nested values
// are addressed with "..".
const viperKeyDelimiter = ".."

//nolint:gochecknoinit
func init() {
	rootCmd.Version = version
	registerConfig()
}

type configKey []string

func (c configKey) EnvName() string {
	return "MGPU_" + strings.ReplaceAll(strings.ToUpper(c.FlagName()), "-", "_")
}

func (c configKey) AccessPath() string {
	return strings.ReplaceAll(strings.Join(c, viperKeyDelimiter), "-", "_")
}

func (c configKey) FlagName() string {
	return strings.Join(c, "-")
}

func registerString(flags *pflag.FlagSet, name configKey, value string, usage string) {
	flags.String(name.FlagName(), value, usage)
	_ = v.BindEnv(name.AccessPath(), name.EnvName())
	_ = v.BindPFlag(name.AccessPath(), flags.Lookup(name.FlagName()))
	v.SetDefault(name.AccessPath(), value)
}

func registerBool(flags *pflag.FlagSet, name configKey, value bool, usage string) {
	flags.Bool(name.FlagName(), value, usage)
	_ = v.BindEnv(name.AccessPath(), name.EnvName())
	_ = v.BindPFlag(name.AccessPath(), flags.Lookup(name.FlagName()))
	v.SetDefault(name.AccessPath(), value)
}

func registerInt(flags *pflag.FlagSet, name configKey, value int, usage string) {
	flags.Int(name.FlagName(), value, usage)
	_ = v.BindEnv(name.AccessPath(), name.EnvName())
	_ = v.BindPFlag(name.AccessPath(), flags.Lookup(name.FlagName()))
	v.SetDefault(name.AccessPath(), value)
}

func registerConfig() {
	v = viper.NewWithOptions(viper.KeyDelimiter(viperKeyDelimiter))
	v.SetTypeByDefaultValue(true)

	defaults := config.DefaultMasterConfig()

	flags := rootCmd.Flags()
	name := func(components ...string) configKey { return components }

	registerString(flags, name("config-file"),
		defaults.ConfigFile, "location of config file")

	registerString(flags, name("log", "level"),
		defaults.Log.Level, "choose logging level from [trace, debug, info, warn, error, fatal]")
	registerBool(flags, name("log", "color"),
		defaults.Log.Color, "output logs in color")

	registerString(flags, name("bind-ip"),
		defaults.BindIP, "IP address to listen on")
	registerInt(flags, name("bind-port"),
		defaults.BindPort, "port to listen on")

	registerInt(flags, name("heartbeat-interval"),
		defaults.HeartbeatInterval, "expected agent heartbeat interval in seconds")
	registerInt(flags, name("heartbeat-timeout"),
		defaults.HeartbeatTimeout, "seconds of silence before a node is degraded")
	registerInt(flags, name("offline-timeout"),
		defaults.OfflineTimeout, "further seconds of silence before a node is offline")
	registerInt(flags, name("start-timeout"),
		defaults.StartTimeout, "timeout in seconds for start and cancel RPCs to agents")
	registerInt(flags, name("cancel-grace"),
		defaults.CancelGrace, "seconds to await an exit report before force-retiring")

	registerInt(flags, name("retry-budget"),
		defaults.RetryBudget, "placement retries before a job fails on node errors")
	registerInt(flags, name("output-ring-bytes"),
		defaults.OutputRingBytes, "bytes of per-job output history retained")
	registerBool(flags, name("adopt-orphans"),
		defaults.AdoptOrphans, "adopt unknown running jobs reported in agent heartbeats")
}
