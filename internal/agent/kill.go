package agent

import (
	"time"

	"github.com/shirou/gopsutil/process"
	"golang.org/x/sys/unix"
)

// cancelJob terminates a job's whole process group: SIGTERM, a grace period,
// SIGKILL, then a process-tree sweep for strays. Orphaned descendants are a
// correctness bug, not a cosmetic one. Idempotent: cancelling an unknown or
// already-exited job is a no-op.
func (a *Agent) cancelJob(jobID string) {
	a.mu.Lock()
	rec, ok := a.procs[jobID]
	a.mu.Unlock()
	if !ok {
		a.log.Debugf("cancel for job %s: nothing running", jobID)
		return
	}

	a.log.Infof("cancelling job %s (pgid %d)", jobID, rec.pgid)
	if err := unix.Kill(-rec.pgid, unix.SIGTERM); err != nil && err != unix.ESRCH {
		a.log.WithError(err).Warnf("SIGTERM to group %d failed", rec.pgid)
	}

	select {
	case <-rec.done:
	case <-time.After(a.cfg.CancelGraceD()):
		a.log.Warnf("job %s survived SIGTERM, escalating to SIGKILL", jobID)
		if err := unix.Kill(-rec.pgid, unix.SIGKILL); err != nil && err != unix.ESRCH {
			a.log.WithError(err).Warnf("SIGKILL to group %d failed", rec.pgid)
		}
	}

	a.sweepProcessTree(rec.pgid)
	// The supervisor reaps the child and emits the exit message.
	<-rec.done
}

// sweepProcessTree reaps descendants that escaped the group signal: children
// of the leader found by walking the tree, plus any process whose pgid still
// matches (double forks that re-parented but kept the group).
func (a *Agent) sweepProcessTree(pgid int) {
	if p, err := process.NewProcess(int32(pgid)); err == nil {
		a.killDescendants(p)
	}

	pids, err := process.Pids()
	if err != nil {
		a.log.WithError(err).Debug("process scan failed during tree sweep")
		return
	}
	for _, pid := range pids {
		if int(pid) == pgid {
			continue
		}
		if got, err := unix.Getpgid(int(pid)); err == nil && got == pgid {
			a.log.Warnf("reaping stray pid %d in group %d", pid, pgid)
			_ = unix.Kill(int(pid), unix.SIGKILL)
		}
	}
}

func (a *Agent) killDescendants(p *process.Process) {
	children, err := p.Children()
	if err != nil {
		return
	}
	for _, child := range children {
		a.killDescendants(child)
		a.log.Debugf("killing descendant pid %d", child.Pid)
		_ = unix.Kill(int(child.Pid), unix.SIGKILL)
	}
}
