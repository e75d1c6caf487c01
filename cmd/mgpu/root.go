package main

import (
	"net"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/Uuuuuuho/mgpu-server/internal/client"
	"github.com/Uuuuuuho/mgpu-server/internal/config"
	"github.com/Uuuuuuho/mgpu-server/pkg/check"
	"github.com/Uuuuuuho/mgpu-server/pkg/proto"
)

// CLI exit codes. Interactive runs propagate the job's exit code instead.
const (
	exitOK          = 0
	exitBadArgs     = 2
	exitNoSuchJob   = 3
	exitUnreachable = 4
)

var version = "dev"

type cliRoot struct {
	cfg *config.ClientConfig
	cmd *cobra.Command

	// set by commands that need a specific exit code (job exit propagation)
	exitCode int
}

func newRootCmd() *cliRoot {
	root := &cliRoot{cfg: config.DefaultClientConfig()}

	cmd := &cobra.Command{
		Use:           "mgpu",
		Version:       version,
		Short:         "submit, inspect, and cancel GPU jobs",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(*cobra.Command, []string) error {
			return check.Validate(*root.cfg)
		},
	}

	pf := cmd.PersistentFlags()
	pf.StringVar(&root.cfg.MasterHost, "master-host", root.cfg.MasterHost,
		"hostname of the master (also MGPU_MASTER_HOST)")
	pf.IntVar(&root.cfg.MasterPort, "master-port", root.cfg.MasterPort,
		"port of the master (also MGPU_MASTER_PORT)")
	pf.IntVar(&root.cfg.SessionTimeout, "session-timeout", 0,
		"whole-attach timeout in seconds (0 = unbounded)")
	pf.IntVar(&root.cfg.ConnectionTimeout, "connection-timeout", 0,
		"TCP connect timeout in seconds (0 = unbounded)")
	pf.IntVar(&root.cfg.MaxWaitTime, "max-wait-time", 0,
		"per-read timeout in seconds (0 = unbounded)")
	pf.IntVar(&root.cfg.MaxConsecutiveTimeouts, "max-consecutive-timeouts", 0,
		"read retries before giving up (0 = unbounded)")

	cmd.AddCommand(newSubmitCmd(root))
	cmd.AddCommand(newQueueCmd(root))
	cmd.AddCommand(newCancelCmd(root))
	cmd.AddCommand(newMonitorCmd(root))

	root.cmd = cmd
	return root
}

func (r *cliRoot) client() *client.Client {
	return client.New(r.cfg)
}

// execute runs the CLI and maps errors to the documented exit codes.
func (r *cliRoot) execute() (int, error) {
	if err := r.cmd.Execute(); err != nil {
		return exitCodeFor(err), err
	}
	return r.exitCode, nil
}

func exitCodeFor(err error) int {
	var apiErr *client.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.Code {
		case proto.ErrUnknownJob, proto.ErrNoHistory:
			return exitNoSuchJob
		default:
			return exitBadArgs
		}
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return exitUnreachable
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return exitUnreachable
	}
	return exitBadArgs
}
