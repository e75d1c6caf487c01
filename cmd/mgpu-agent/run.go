package main

import (
	"context"
	"encoding/json"
	"os"
	"strings"

	"github.com/ghodss/yaml"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/Uuuuuuho/mgpu-server/internal/agent"
	"github.com/Uuuuuuho/mgpu-server/internal/config"
	"github.com/Uuuuuuho/mgpu-server/pkg/check"
)

const defaultConfigPath = "/etc/mgpu/agent.yaml"

var v *viper.Viper

func newRunCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "run the mgpu node agent",
		Args:  cobra.NoArgs,
	}

	v = viper.New()
	v.SetTypeByDefaultValue(true)

	defaults := config.DefaultAgentConfig()
	flags := cmd.Flags()
	flags.String("config-file", defaults.ConfigFile, "location of config file")
	flags.String("node-id", defaults.NodeID, "node identifier (defaults to the hostname)")
	flags.String("master-host", defaults.MasterHost, "hostname of the master")
	flags.Int("master-port", defaults.MasterPort, "port of the master")
	flags.String("bind-ip", defaults.BindIP, "IP address to listen on for commands")
	flags.Int("bind-port", defaults.BindPort, "port to listen on for commands")
	flags.String("advertise-host", defaults.AdvertiseHost,
		"address the master dials back (defaults to the hostname)")
	flags.String("visible-gpus", defaults.VisibleGPUs, "GPUs to expose (comma-separated indices)")
	flags.Int("artificial-slots", defaults.ArtificialSlots,
		"fabricate this many fake GPUs when none are detected")
	flags.Int("heartbeat-interval", defaults.HeartbeatInterval, "heartbeat interval in seconds")
	flags.Int("cancel-grace", defaults.CancelGrace,
		"seconds between SIGTERM and SIGKILL on cancel")
	flags.VisitAll(func(f *pflag.Flag) {
		key := strings.ReplaceAll(f.Name, "-", "_")
		_ = v.BindPFlag(key, f)
	})

	cmd.RunE = func(*cobra.Command, []string) error {
		opts, err := getAgentConfig()
		if err != nil {
			return err
		}

		bs, err := readConfigFile(opts.ConfigFile)
		if err != nil {
			return err
		}
		if bs != nil {
			var configMap map[string]interface{}
			if err := yaml.Unmarshal(bs, &configMap); err != nil {
				return errors.Wrap(err, "cannot unmarshal yaml configuration file")
			}
			if err := v.MergeConfigMap(configMap); err != nil {
				return errors.Wrap(err, "can't merge configuration to viper")
			}
		}

		// flag > config > default (where > => overrides)
		if opts, err = getAgentConfig(); err != nil {
			return err
		}
		if err := opts.Resolve(); err != nil {
			return errors.Wrap(err, "cannot resolve agent configuration")
		}
		if err := check.Validate(*opts); err != nil {
			return errors.Wrap(err, "command-line arguments specify illegal configuration")
		}

		if err := agent.New(opts).Run(context.Background()); err != nil {
			log.Fatal(err)
		}
		return nil
	}

	return cmd
}

func getAgentConfig() (*config.AgentConfig, error) {
	bs, err := json.Marshal(v.AllSettings())
	if err != nil {
		return nil, errors.Wrap(err, "cannot marshal configuration map into json bytes")
	}

	opts := config.DefaultAgentConfig()
	if err = yaml.Unmarshal(bs, opts, yaml.DisallowUnknownFields); err != nil {
		return nil, errors.Wrap(err, "cannot unmarshal configuration")
	}
	return opts, nil
}

func readConfigFile(configPath string) ([]byte, error) {
	isDefault := configPath == ""
	if isDefault {
		configPath = defaultConfigPath
	}

	var err error
	if _, err = os.Stat(configPath); err != nil {
		if isDefault && os.IsNotExist(err) {
			log.Warnf("no configuration file at %s, skipping", configPath)
			return nil, nil
		}
		return nil, errors.Wrap(err, "error finding configuration file")
	}
	bs, err := os.ReadFile(configPath) // #nosec G304
	if err != nil {
		return nil, errors.Wrap(err, "error reading configuration file")
	}
	return bs, nil
}
