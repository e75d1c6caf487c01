package agent

import (
	"fmt"
	"os"
	"os/exec"
	"sort"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/pkg/errors"

	"github.com/Uuuuuuho/mgpu-server/pkg/proto"
)

// outputChunkBytes is the maximum raw payload of one out message.
const outputChunkBytes = 64 << 10

// processRecord tracks one running job. Created at spawn, destroyed when the
// supervisor observes exit (or cancellation confirms termination).
type processRecord struct {
	jobID     string
	pgid      int
	cmd       *exec.Cmd
	gpus      []int
	startedAt time.Time
	// done is closed by the supervisor after Wait returns.
	done chan struct{}
}

// debugBanner is the contractual prologue every job prints: clients and logs
// rely on it to verify where a job actually landed.
func debugBanner(jobID, nodeID string) string {
	return fmt.Sprintf(`echo "=== JOB EXECUTION DEBUG INFO ==="
echo "Job ID: %s"
echo "Target Node ID: %s"
echo "Actual Hostname: $(hostname)"
echo "Actual IP: $(hostname -I | cut -d' ' -f1 || echo 'N/A')"
echo "=============================="
`, jobID, nodeID)
}

// jobEnv renders the child environment: the agent's own environment plus the
// GPU mapping and any distributed-launch variables. Inside the job the
// assigned GPUs appear as 0..k-1 via CUDA_VISIBLE_DEVICES.
func jobEnv(msg proto.Start) []string {
	env := os.Environ()

	gpuStrs := make([]string, 0, len(msg.GPUs))
	for _, g := range msg.GPUs {
		gpuStrs = append(gpuStrs, strconv.Itoa(g))
	}
	env = append(env, "CUDA_VISIBLE_DEVICES="+strings.Join(gpuStrs, ","))

	keys := make([]string, 0, len(msg.Env))
	for k := range msg.Env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		env = append(env, k+"="+msg.Env[k])
	}

	if d := msg.Distributed; d != nil && d.Kind == proto.DistributedTorch {
		env = append(env,
			"MASTER_ADDR="+d.MasterHost,
			"MASTER_PORT="+strconv.Itoa(d.MasterPort),
			"WORLD_SIZE="+strconv.Itoa(d.WorldSize),
			"RANK="+strconv.Itoa(d.Rank),
			"LOCAL_RANK=0",
		)
	}
	return env
}

// startJob spawns the command in a new session so the child leads its own
// process group, then hands supervision to a goroutine. Returns the pgid.
func (a *Agent) startJob(msg proto.Start) (int, error) {
	a.mu.Lock()
	if _, exists := a.procs[msg.JobID]; exists {
		a.mu.Unlock()
		return 0, errors.Errorf("job %s is already running here", msg.JobID)
	}
	for _, g := range msg.GPUs {
		if holder, busy := a.allocated[g]; busy {
			a.mu.Unlock()
			return 0, errors.Errorf("GPU %d is held by job %s", g, holder)
		}
	}
	a.mu.Unlock()

	full := debugBanner(msg.JobID, a.cfg.NodeID) + "\n" + msg.Command

	pr, pw, err := os.Pipe()
	if err != nil {
		return 0, errors.Wrap(err, "creating output pipe")
	}

	// #nosec G204
	cmd := exec.Command("/bin/sh", "-c", full)
	cmd.Env = jobEnv(msg)
	cmd.Stdout = pw
	cmd.Stderr = pw
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}

	if err := cmd.Start(); err != nil {
		pr.Close()
		pw.Close()
		return 0, errors.Wrapf(err, "spawning job %s", msg.JobID)
	}
	pw.Close()

	rec := &processRecord{
		jobID:     msg.JobID,
		pgid:      cmd.Process.Pid, // session leader: pid == pgid
		cmd:       cmd,
		gpus:      append([]int(nil), msg.GPUs...),
		startedAt: time.Now(),
		done:      make(chan struct{}),
	}

	a.mu.Lock()
	a.procs[msg.JobID] = rec
	for _, g := range msg.GPUs {
		a.allocated[g] = msg.JobID
	}
	a.mu.Unlock()

	a.log.Infof("started job %s (pgid %d) on GPUs %v", msg.JobID, rec.pgid, msg.GPUs)
	go a.supervise(rec, pr)
	return rec.pgid, nil
}

// supervise forwards the child's combined output to the master and reports
// exit. It owns the read end of the output pipe.
func (a *Agent) supervise(rec *processRecord, out *os.File) {
	defer out.Close()

	stream := newStreamUploader(a.masterAddr(), rec.jobID, a.cfg.NodeID, a.log)
	defer stream.close()

	buf := make([]byte, outputChunkBytes)
	for {
		n, err := out.Read(buf)
		if n > 0 {
			stream.sendChunk(buf[:n])
		}
		if err != nil {
			break // pipe drained: every writer in the group exited
		}
	}

	code, signal := waitExitStatus(rec.cmd)
	close(rec.done)

	a.mu.Lock()
	delete(a.procs, rec.jobID)
	for _, g := range rec.gpus {
		if a.allocated[g] == rec.jobID {
			delete(a.allocated, g)
		}
	}
	a.mu.Unlock()

	stream.sendExit(code, signal)
	if signal != nil {
		a.log.Infof("job %s killed by signal %d", rec.jobID, *signal)
	} else {
		a.log.Infof("job %s exited with code %d", rec.jobID, code)
	}
}

// waitExitStatus reaps the child and folds its wait status into the wire
// form: plain exit code, or 128+signal with the signal recorded.
func waitExitStatus(cmd *exec.Cmd) (int, *int) {
	err := cmd.Wait()
	if err == nil {
		return 0, nil
	}
	var ee *exec.ExitError
	if errors.As(err, &ee) {
		if ws, ok := ee.Sys().(syscall.WaitStatus); ok {
			if ws.Signaled() {
				sig := int(ws.Signal())
				return 128 + sig, &sig
			}
			return ws.ExitStatus(), nil
		}
		return ee.ExitCode(), nil
	}
	// Wait itself failed; report a generic failure code.
	return -1, nil
}
