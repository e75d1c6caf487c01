package main

import (
	"fmt"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/Uuuuuuho/mgpu-server/pkg/proto"
)

func newQueueCmd(root *cliRoot) *cobra.Command {
	return &cobra.Command{
		Use:   "queue",
		Short: "show queued and running jobs and node state",
		Args:  cobra.NoArgs,
		RunE: func(*cobra.Command, []string) error {
			snapshot, err := root.client().Queue()
			if err != nil {
				return err
			}
			printSnapshot(snapshot)
			return nil
		},
	}
}

func printSnapshot(s proto.Ack) {
	w := tabwriter.NewWriter(os.Stdout, 2, 8, 2, ' ', 0)
	fmt.Fprintln(w, "JOB\tOWNER\tSTATUS\tPRIO\tGPUS\tAGE\tNODES\tCOMMAND")
	for _, j := range s.Jobs {
		nodes := make([]string, 0, len(j.Assignment))
		for _, p := range j.Assignment {
			nodes = append(nodes, fmt.Sprintf("%s:%v", p.NodeID, p.GPUs))
		}
		age := time.Since(time.Unix(j.SubmittedAt, 0)).Round(time.Second)
		fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%d\t%s\t%s\t%s\n",
			j.ID, j.Owner, j.Status, j.Priority, j.GPUs, age,
			strings.Join(nodes, ","), truncate(j.Command, 48))
	}
	fmt.Fprintln(w)
	fmt.Fprintln(w, "NODE\tSTATUS\tFREE/TOTAL\tFREE GPUS")
	for _, n := range s.Nodes {
		fmt.Fprintf(w, "%s\t%s\t%d/%d\t%v\n", n.ID, n.Status, len(n.FreeGPUs), n.GPUs, n.FreeGPUs)
	}
	w.Flush()
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}
