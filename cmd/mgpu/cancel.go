package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newCancelCmd(root *cliRoot) *cobra.Command {
	return &cobra.Command{
		Use:   "cancel job-id",
		Short: "cancel a job, cleaning up its whole process tree",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			prior, err := root.client().Cancel(args[0])
			if err != nil {
				return err
			}
			fmt.Printf("job %s cancelled (was %s)\n", args[0], prior)
			return nil
		},
	}
}
