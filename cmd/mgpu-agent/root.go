package main

import (
	"fmt"
	"runtime"

	"github.com/spf13/cobra"

	"github.com/Uuuuuuho/mgpu-server/pkg/logger"
)

var version = "dev"

func newRootCmd() *cobra.Command {
	logOpts := logger.DefaultConfig()

	cmd := &cobra.Command{
		Use:     "mgpu-agent",
		Version: version,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			if err := bindEnv("MGPU_", cmd); err != nil {
				return err
			}
			logger.SetLogrus(*logOpts)
			return nil
		},
	}

	cmd.PersistentFlags().StringVarP(&logOpts.Level, "log-level", "l", "info",
		"set the logging level (can be one of: debug, info, warn, error, or fatal)")
	cmd.PersistentFlags().BoolVar(&logOpts.Color, "log-color", true, "enable colored output")

	cmd.AddCommand(newVersionCmd())
	cmd.AddCommand(newRunCmd())

	return cmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "print the version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("mgpu agent %s (built with %s)\n", version, runtime.Version())
		},
	}
}
