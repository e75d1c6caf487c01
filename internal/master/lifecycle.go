package master

import (
	"fmt"
	"time"

	"github.com/Uuuuuuho/mgpu-server/pkg/proto"
)

// submit validates the spec and enqueues a job, returning its id or a wire
// error. Validation failures are reported synchronously and never logged as
// cluster faults.
func (m *Master) submit(spec proto.JobSpec) (string, *proto.Error) {
	if wireErr := m.validateSpec(spec); wireErr != nil {
		return "", wireErr
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	id := newJobID(m.jobs)
	j := newJob(spec, id)
	m.jobs[id] = j
	m.streams[id] = newStreams(m.cfg.OutputRingBytes)
	m.log.Infof("job %s submitted: %d gpu(s), priority %d", id, j.gpuCount(), spec.Priority)
	m.wakeScheduler()
	return id, nil
}

func (m *Master) validateSpec(spec proto.JobSpec) *proto.Error {
	fail := func(reason string) *proto.Error {
		e := proto.NewError(proto.ErrInvalidSpec, reason)
		return &e
	}
	if spec.Command == "" {
		return fail("command must be non-empty")
	}
	switch spec.Distributed {
	case proto.DistributedNone, proto.DistributedTorch, proto.DistributedMPI:
	default:
		return fail(fmt.Sprintf("unknown distributed kind %q", spec.Distributed))
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if len(spec.Pins) > 0 {
		seen := make(map[string]bool)
		for _, pin := range spec.Pins {
			n, ok := m.nodes[pin.NodeID]
			if !ok {
				return fail(fmt.Sprintf("pin references unknown node %q", pin.NodeID))
			}
			if len(pin.GPUs) == 0 {
				return fail(fmt.Sprintf("pin for node %q lists no GPUs", pin.NodeID))
			}
			for _, g := range pin.GPUs {
				if !n.hasGPU(g) {
					return fail(fmt.Sprintf("pin references unknown GPU %s:%d", pin.NodeID, g))
				}
				key := fmt.Sprintf("%s:%d", pin.NodeID, g)
				if seen[key] {
					return fail(fmt.Sprintf("pin repeats GPU %s", key))
				}
				seen[key] = true
			}
		}
		return nil
	}

	if spec.GPUs <= 0 {
		return fail("requested GPU count must be positive")
	}
	// A request larger than the whole registered cluster can never run until
	// hardware is added; reject it up front rather than queueing forever.
	if len(m.nodes) > 0 {
		total := 0
		for _, n := range m.nodes {
			total += len(n.gpus)
		}
		if spec.GPUs > total {
			e := proto.NewError(proto.ErrUnsatisfiableForever,
				fmt.Sprintf("%d GPUs requested, cluster has %d", spec.GPUs, total))
			return &e
		}
	}
	return nil
}

// cancel drives a job toward cancelled and blocks until it is terminal (or the
// grace period forces it there). Idempotent: cancelling a terminal job reports
// the prior status and changes nothing.
func (m *Master) cancel(jobID string) (proto.Ack, *proto.Error) {
	m.mu.Lock()
	j, ok := m.jobs[jobID]
	if !ok {
		m.mu.Unlock()
		e := proto.NewError(proto.ErrUnknownJob, fmt.Sprintf("no such job %q", jobID))
		return proto.Ack{}, &e
	}

	prior := string(j.state)
	switch j.state {
	case JobCompleted, JobFailed, JobCancelled:
		m.mu.Unlock()
		ack := proto.NewAck()
		ack.JobID = jobID
		ack.PriorStatus = prior
		return ack, nil

	case JobQueued:
		m.retireLocked(j, JobCancelled, nil, nil)
		m.mu.Unlock()

	case JobRunning, JobCancelling:
		var targets []proto.Placement
		if j.state == JobRunning {
			j.state = JobCancelling
			targets = append([]proto.Placement(nil), j.assignment...)
		}
		done := j.done
		m.mu.Unlock()

		for _, p := range targets {
			go func(p proto.Placement) {
				addr := m.nodeAddr(p.NodeID)
				if addr == "" {
					return
				}
				if err := m.agents.Cancel(addr, jobID, m.cfg.StartTimeoutD()); err != nil {
					m.log.WithError(err).Warnf("cancel RPC for job %s to %s failed", jobID, p.NodeID)
				}
			}(p)
		}

		select {
		case <-done:
		case <-time.After(m.cfg.CancelGraceD()):
			m.forceRetire(jobID)
		}
	}

	ack := proto.NewAck()
	ack.JobID = jobID
	ack.PriorStatus = prior
	return ack, nil
}

// forceRetire ends a cancelling job whose agents never reported exit within
// the grace period.
func (m *Master) forceRetire(jobID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[jobID]
	if !ok || j.state.Terminal() {
		return
	}
	m.log.Warnf("job %s did not exit within the cancel grace period, force-retiring", jobID)
	m.releaseAssignmentLocked(j)
	m.retireLocked(j, JobCancelled, intPtr(-1), nil)
}

// handleExit processes an exit report from one node of a job's assignment.
// The job retires once every node has reported.
func (m *Master) handleExit(jobID, nodeID string, code int, signal *int) {
	m.mu.Lock()
	defer m.mu.Unlock()

	j, ok := m.jobs[jobID]
	if !ok || j.state.Terminal() {
		return
	}
	j.exited[nodeID] = true
	if code != 0 && j.exitCode == nil {
		j.exitCode = intPtr(code)
		j.signal = signal
	}

	for _, p := range j.assignment {
		if !j.exited[p.NodeID] {
			return // still waiting on other ranks
		}
	}

	m.releaseAssignmentLocked(j)
	code0 := 0
	if j.exitCode != nil {
		code0 = *j.exitCode
	}
	switch {
	case j.state == JobCancelling:
		m.retireLocked(j, JobCancelled, intPtr(code0), j.signal)
	case code0 == 0:
		m.retireLocked(j, JobCompleted, intPtr(0), nil)
	default:
		m.retireLocked(j, JobFailed, intPtr(code0), j.signal)
	}
}

// releaseAssignmentLocked returns a job's GPUs to their nodes' free sets.
func (m *Master) releaseAssignmentLocked(j *job) {
	for _, p := range j.assignment {
		if n, ok := m.nodes[p.NodeID]; ok {
			n.release(p.GPUs)
		}
	}
}

// retireLocked moves a job to a terminal state exactly once, delivers the
// exit message to attached clients, and wakes the scheduler.
func (m *Master) retireLocked(j *job, state JobState, code, signal *int) {
	if j.state.Terminal() {
		return
	}
	j.state = state
	if j.exitCode == nil {
		j.exitCode = code
	}
	if j.signal == nil {
		j.signal = signal
	}

	exitCode := 0
	if j.exitCode != nil {
		exitCode = *j.exitCode
	}
	if st := m.streams[j.id]; st != nil {
		st.finish(proto.Exit{
			Type:   proto.TypeExit,
			JobID:  j.id,
			Code:   exitCode,
			Signal: j.signal,
		})
	}
	close(j.done)
	logLine := m.log.WithField("job", j.id)
	if j.reason != "" {
		logLine = logLine.WithField("reason", j.reason)
	}
	logLine.Infof("job retired as %s (exit %d)", state, exitCode)
	m.wakeScheduler()
}

// failJobsOnNodeLocked retires every running or cancelling job holding a
// placement on the given node: running jobs fail, cancelling jobs end
// cancelled. Used when a node is lost.
func (m *Master) failJobsOnNodeLocked(nodeID, reason string) {
	for _, j := range m.jobs {
		if j.state != JobRunning && j.state != JobCancelling {
			continue
		}
		onNode := false
		for _, p := range j.assignment {
			if p.NodeID == nodeID {
				onNode = true
				break
			}
		}
		if !onNode {
			continue
		}
		j.reason = reason
		m.releaseAssignmentLocked(j)
		if j.state == JobCancelling {
			m.retireLocked(j, JobCancelled, intPtr(-1), nil)
		} else {
			m.retireLocked(j, JobFailed, intPtr(-1), nil)
		}
	}
}

// register creates or refreshes a node entry. The free set is recomputed from
// the master's own assignment bookkeeping, not from the agent's claim.
func (m *Master) register(msg proto.Register) {
	m.mu.Lock()
	defer m.mu.Unlock()

	n := newNode(msg)
	for _, j := range m.jobs {
		if j.state != JobRunning && j.state != JobCancelling {
			continue
		}
		for _, p := range j.assignment {
			if p.NodeID == n.id {
				n.allocate(p.GPUs)
			}
		}
	}
	m.nodes[n.id] = n
	m.log.Infof("node %s registered from %s with %d GPU(s)", n.id, n.addr(), len(n.gpus))
	m.wakeScheduler()
}

// heartbeat refreshes liveness and reconciles the agent's running set against
// the job table. Running ids with no job entry are orphans: adopted or killed
// per configuration; with adoption off, ids of jobs already retired here are
// killed too. Heartbeats from a node that has not registered are ignored.
func (m *Master) heartbeat(msg proto.Heartbeat) {
	var orphans []string

	m.mu.Lock()
	n, ok := m.nodes[msg.NodeID]
	if !ok {
		m.mu.Unlock()
		m.log.Debugf("heartbeat from unregistered node %s ignored", msg.NodeID)
		return
	}
	n.lastHeartbeat = time.Now()
	if n.state != NodeOnline {
		m.log.Infof("node %s back online", n.id)
		n.state = NodeOnline
		m.wakeScheduler()
	}

	for _, jobID := range msg.Running {
		if j, ok := m.jobs[jobID]; ok && !j.state.Terminal() {
			continue
		}
		if m.cfg.AdoptOrphans {
			m.adoptOrphanLocked(msg.NodeID, jobID)
		} else {
			orphans = append(orphans, jobID)
		}
	}
	addr := n.addr()
	m.mu.Unlock()

	for _, jobID := range orphans {
		go func(jobID string) {
			m.log.Warnf("killing orphan job %s on node %s", jobID, msg.NodeID)
			if err := m.agents.Cancel(addr, jobID, m.cfg.StartTimeoutD()); err != nil {
				m.log.WithError(err).Warnf("orphan kill of %s on %s failed", jobID, msg.NodeID)
			}
		}(jobID)
	}
}

// adoptOrphanLocked records a running job announced by an agent that this
// master has no entry for. The command is unknown; the entry exists so queue
// reports it and cancel can reach it.
func (m *Master) adoptOrphanLocked(nodeID, jobID string) {
	if _, ok := m.jobs[jobID]; ok {
		return
	}
	j := newJob(proto.JobSpec{Owner: "(adopted)", Command: "(unknown)"}, jobID)
	j.state = JobRunning
	j.assignment = []proto.Placement{{NodeID: nodeID}}
	m.jobs[jobID] = j
	m.streams[jobID] = newStreams(m.cfg.OutputRingBytes)
	m.log.Infof("adopted orphan job %s running on node %s", jobID, nodeID)
}
