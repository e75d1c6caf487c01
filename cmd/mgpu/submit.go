package main

import (
	"fmt"
	"os"
	"os/signal"
	"os/user"
	"strings"
	"syscall"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/Uuuuuuho/mgpu-server/internal/client"
	"github.com/Uuuuuuho/mgpu-server/pkg/proto"
)

func newSubmitCmd(root *cliRoot) *cobra.Command {
	var (
		gpus           int
		nodeGPUIDs     string
		priority       int
		interactive    bool
		distributed    bool
		mpi            bool
		memoryMB       int64
		cancelOnDetach bool
	)

	cmd := &cobra.Command{
		Use:   "submit [flags] -- command...",
		Short: "submit a shell command as a job",
		Args:  cobra.MinimumNArgs(1),
	}

	cmd.Flags().IntVar(&gpus, "gpus", 1, "number of GPUs the job needs")
	cmd.Flags().StringVar(&nodeGPUIDs, "node-gpu-ids", "",
		`pin placement to specific GPUs, e.g. "n1:0,1;n2:2"`)
	cmd.Flags().IntVar(&priority, "priority", 0, "scheduling priority (larger runs first)")
	cmd.Flags().BoolVar(&interactive, "interactive", false, "attach to the job's output")
	cmd.Flags().BoolVar(&distributed, "distributed", false,
		"inject torch-distributed environment variables")
	cmd.Flags().BoolVar(&mpi, "mpi", false, "mark the job as an MPI launch")
	cmd.Flags().Int64Var(&memoryMB, "mem", 0,
		"advisory per-GPU memory floor in MiB (filters placement, never reserved)")
	cmd.Flags().BoolVar(&cancelOnDetach, "cancel-on-detach", true,
		"cancel an interactive job when this client disconnects")

	cmd.RunE = func(cmd *cobra.Command, args []string) error {
		spec := proto.JobSpec{
			Owner:       currentUser(),
			Command:     strings.Join(args, " "),
			GPUs:        gpus,
			Priority:    priority,
			Interactive: interactive,
			MemoryMB:    memoryMB,
		}
		if interactive {
			spec.CancelOnDetach = cancelOnDetach
		}
		switch {
		case distributed && mpi:
			return errors.New("--distributed and --mpi are mutually exclusive")
		case distributed:
			spec.Distributed = proto.DistributedTorch
		case mpi:
			spec.Distributed = proto.DistributedMPI
		}
		if nodeGPUIDs != "" {
			pins, err := client.ParsePins(nodeGPUIDs)
			if err != nil {
				return err
			}
			spec.Pins = pins
		}

		cli := root.client()
		if !interactive {
			jobID, err := cli.Submit(spec)
			if err != nil {
				return err
			}
			fmt.Println(jobID)
			return nil
		}
		return runInteractive(root, cli, spec)
	}

	return cmd
}

// runInteractive submits with an attached stream, forwards SIGINT as a
// cancel, and keeps draining until the exit message arrives.
func runInteractive(root *cliRoot, cli *client.Client, spec proto.JobSpec) error {
	jobID, conn, err := cli.SubmitAttached(spec)
	if err != nil {
		return err
	}
	defer conn.Close()
	fmt.Fprintf(os.Stderr, "submitted job %s\n", jobID)

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT)
	defer signal.Stop(sigs)
	go func() {
		for range sigs {
			fmt.Fprintf(os.Stderr, "cancelling job %s\n", jobID)
			// Fresh connection: the attached stream keeps draining meanwhile.
			if _, err := cli.Cancel(jobID); err != nil {
				fmt.Fprintf(os.Stderr, "cancel failed: %v\n", err)
			}
		}
	}()

	exit, err := cli.Stream(conn, os.Stdout, os.Stderr)
	if err != nil {
		return err
	}
	root.exitCode = jobExitCode(exit)
	return nil
}

func jobExitCode(exit proto.Exit) int {
	if exit.Signal != nil {
		return 128 + *exit.Signal
	}
	return exit.Code
}

func currentUser() string {
	if u, err := user.Current(); err == nil && u.Username != "" {
		return u.Username
	}
	return os.Getenv("USER")
}
