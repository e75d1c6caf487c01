package main

import (
	"os"

	"github.com/spf13/cobra"
)

func newMonitorCmd(root *cliRoot) *cobra.Command {
	return &cobra.Command{
		Use:   "monitor job-id",
		Short: "attach to a job's output stream",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cli := root.client()
			conn, err := cli.Attach(args[0])
			if err != nil {
				return err
			}
			defer conn.Close()

			exit, err := cli.Stream(conn, os.Stdout, os.Stderr)
			if err != nil {
				return err
			}
			root.exitCode = jobExitCode(exit)
			return nil
		},
	}
}
