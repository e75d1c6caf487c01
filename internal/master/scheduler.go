package master

import (
	"sort"

	"github.com/hashicorp/go-multierror"

	"github.com/Uuuuuuho/mgpu-server/pkg/proto"
)

// torchMasterPort is the rendezvous port injected for torch-distributed jobs.
const torchMasterPort = 29500

// sortedQueueLocked returns the queued jobs in scheduling order: priority
// descending, then submission time ascending, then id for stability.
func (m *Master) sortedQueueLocked() []*job {
	queued := make([]*job, 0)
	for _, j := range m.jobs {
		if j.state == JobQueued {
			queued = append(queued, j)
		}
	}
	sort.Slice(queued, func(i, k int) bool {
		a, b := queued[i], queued[k]
		if a.spec.Priority != b.spec.Priority {
			return a.spec.Priority > b.spec.Priority
		}
		if !a.submittedAt.Equal(b.submittedAt) {
			return a.submittedAt.Before(b.submittedAt)
		}
		return a.id < b.id
	})
	return queued
}

func (m *Master) sortedNodesLocked() []*node {
	nodes := make([]*node, 0, len(m.nodes))
	for _, n := range m.nodes {
		nodes = append(nodes, n)
	}
	sort.Slice(nodes, func(i, k int) bool { return nodes[i].id < nodes[k].id })
	return nodes
}

// schedulePass walks the queue once and dispatches every job it can place.
// Allocation and the status flip to running happen inside the critical
// section; the start RPCs happen outside it.
func (m *Master) schedulePass() {
	type dispatch struct {
		jobID      string
		placements []proto.Placement
	}
	var dispatches []dispatch

	m.mu.Lock()
	for _, j := range m.sortedQueueLocked() {
		placements, verdict := m.placeLocked(j)
		switch verdict {
		case placeSkip:
			continue
		case placeFail:
			m.retireLocked(j, JobFailed, intPtr(-1), nil)
		case placeOK:
			for _, p := range placements {
				m.nodes[p.NodeID].allocate(p.GPUs)
			}
			j.state = JobRunning
			j.assignment = placements
			if m.streams[j.id] == nil {
				m.streams[j.id] = newStreams(m.cfg.OutputRingBytes)
			}
			dispatches = append(dispatches, dispatch{j.id, placements})
			m.log.Infof("scheduled job %s onto %d node(s)", j.id, len(placements))
		}
	}
	m.mu.Unlock()

	for _, d := range dispatches {
		go m.dispatchStart(d.jobID, d.placements)
	}
}

type placeVerdict int

const (
	placeOK placeVerdict = iota
	placeSkip
	placeFail
)

// placeLocked computes a placement for j without mutating any state.
func (m *Master) placeLocked(j *job) ([]proto.Placement, placeVerdict) {
	if len(j.spec.Pins) > 0 {
		return m.placePinnedLocked(j)
	}
	return m.placeGreedyLocked(j)
}

// placePinnedLocked honors an explicit node:gpu pin list. The job waits while
// a referenced GPU is busy and fails outright once a referenced node has gone
// offline.
func (m *Master) placePinnedLocked(j *job) ([]proto.Placement, placeVerdict) {
	placements := make([]proto.Placement, 0, len(j.spec.Pins))
	for _, pin := range j.spec.Pins {
		n, ok := m.nodes[pin.NodeID]
		if !ok || n.state == NodeOffline {
			j.reason = ReasonNodeOffline
			m.log.Warnf("failing job %s: pinned node %s is gone", j.id, pin.NodeID)
			return nil, placeFail
		}
		if n.state != NodeOnline {
			return nil, placeSkip
		}
		for _, g := range pin.GPUs {
			if !n.free[g] {
				return nil, placeSkip
			}
		}
		placements = append(placements, proto.Placement{
			NodeID: pin.NodeID,
			GPUs:   append([]int(nil), pin.GPUs...),
		})
	}
	return placements, placeOK
}

// placeGreedyLocked covers a GPU count request: prefer the single node that
// fits (tie-break lowest failure count, then lexicographic id), else spread
// over online nodes with the most free GPUs first.
func (m *Master) placeGreedyLocked(j *job) ([]proto.Placement, placeVerdict) {
	needed := j.spec.GPUs

	online := make([]*node, 0, len(m.nodes))
	for _, n := range m.sortedNodesLocked() {
		if n.state == NodeOnline {
			online = append(online, n)
		}
	}

	// Single-node placement wins whenever any one node can hold the job.
	var best *node
	for _, n := range online {
		if len(n.eligibleFree(j.spec.MemoryMB)) < needed {
			continue
		}
		if best == nil || n.failures < best.failures ||
			(n.failures == best.failures && n.id < best.id) {
			best = n
		}
	}
	if best != nil {
		return []proto.Placement{{
			NodeID: best.id,
			GPUs:   best.eligibleFree(j.spec.MemoryMB)[:needed],
		}}, placeOK
	}

	// Spread: most free GPUs first.
	sort.SliceStable(online, func(i, k int) bool {
		a, b := online[i], online[k]
		fa, fb := len(a.eligibleFree(j.spec.MemoryMB)), len(b.eligibleFree(j.spec.MemoryMB))
		if fa != fb {
			return fa > fb
		}
		if a.failures != b.failures {
			return a.failures < b.failures
		}
		return a.id < b.id
	})

	placements := make([]proto.Placement, 0)
	remaining := needed
	for _, n := range online {
		if remaining == 0 {
			break
		}
		free := n.eligibleFree(j.spec.MemoryMB)
		if len(free) == 0 {
			continue
		}
		take := len(free)
		if take > remaining {
			take = remaining
		}
		placements = append(placements, proto.Placement{NodeID: n.id, GPUs: free[:take]})
		remaining -= take
	}
	if remaining > 0 {
		return nil, placeSkip
	}
	return placements, placeOK
}

// dispatchStart issues the start RPC to every node of a fresh assignment. On
// any failure the allocation is rolled back and the job requeued against its
// retry budget.
func (m *Master) dispatchStart(jobID string, placements []proto.Placement) {
	m.mu.Lock()
	j, ok := m.jobs[jobID]
	if !ok || j.state != JobRunning {
		m.mu.Unlock()
		return
	}
	starts := m.buildStartsLocked(j, placements)
	m.mu.Unlock()

	var result *multierror.Error
	var failedNode string
	started := make([]proto.Placement, 0, len(placements))
	for i, p := range placements {
		addr := m.nodeAddr(p.NodeID)
		if addr == "" {
			failedNode = p.NodeID
			result = multierror.Append(result, noSuchNodeError(p.NodeID))
			break
		}
		pid, err := m.agents.Start(addr, starts[i], m.cfg.StartTimeoutD())
		if err != nil {
			failedNode = p.NodeID
			result = multierror.Append(result, err)
			break
		}
		p.PID = pid
		started = append(started, p)
	}

	if result.ErrorOrNil() == nil {
		m.mu.Lock()
		if j.state == JobRunning || j.state == JobCancelling {
			for i := range j.assignment {
				for _, p := range started {
					if j.assignment[i].NodeID == p.NodeID {
						j.assignment[i].PID = p.PID
					}
				}
			}
		}
		m.mu.Unlock()
		return
	}

	m.log.WithError(result).Warnf("start of job %s failed on node %s", jobID, failedNode)
	// Best effort: tear down the ranks that did start.
	for _, p := range started {
		if addr := m.nodeAddr(p.NodeID); addr != "" {
			if err := m.agents.Cancel(addr, jobID, m.cfg.StartTimeoutD()); err != nil {
				m.log.WithError(err).Warnf("rollback cancel of job %s on %s failed", jobID, p.NodeID)
			}
		}
	}
	m.requeueAfterDispatchFailure(jobID, failedNode)
}

func (m *Master) requeueAfterDispatchFailure(jobID, failedNode string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	j, ok := m.jobs[jobID]
	if !ok || (j.state != JobRunning && j.state != JobCancelling) {
		return
	}
	for _, p := range j.assignment {
		if n, ok := m.nodes[p.NodeID]; ok {
			n.release(p.GPUs)
		}
	}
	if n, ok := m.nodes[failedNode]; ok {
		n.failures++
	}

	j.assignment = nil
	j.exited = make(map[string]bool)
	if j.state == JobCancelling {
		m.retireLocked(j, JobCancelled, intPtr(-1), nil)
		return
	}
	j.retryCount++
	if j.retryCount >= m.cfg.RetryBudget {
		j.reason = ReasonRetries
		m.retireLocked(j, JobFailed, intPtr(-1), nil)
		return
	}
	j.state = JobQueued
	m.wakeScheduler()
}

// buildStartsLocked renders the per-rank start messages with the distributed
// launch parameters. Rank 0's node doubles as the torch rendezvous host.
func (m *Master) buildStartsLocked(j *job, placements []proto.Placement) []proto.Start {
	starts := make([]proto.Start, len(placements))
	for i, p := range placements {
		msg := proto.Start{
			Type:    proto.TypeStart,
			JobID:   j.id,
			Command: j.spec.Command,
			GPUs:    append([]int(nil), p.GPUs...),
		}
		if j.spec.Distributed == proto.DistributedTorch {
			msg.Distributed = &proto.Distributed{
				Kind:       j.spec.Distributed,
				Rank:       i,
				WorldSize:  len(placements),
				MasterHost: m.nodeHost(placements[0].NodeID),
				MasterPort: torchMasterPort,
			}
		} else if j.spec.Distributed == proto.DistributedMPI {
			msg.Distributed = &proto.Distributed{Kind: j.spec.Distributed, Rank: i,
				WorldSize: len(placements)}
		}
		starts[i] = msg
	}
	return starts
}

func (m *Master) nodeAddr(nodeID string) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if n, ok := m.nodes[nodeID]; ok {
		return n.addr()
	}
	return ""
}

func (m *Master) nodeHost(nodeID string) string {
	if n, ok := m.nodes[nodeID]; ok {
		return n.host
	}
	return ""
}

func intPtr(v int) *int { return &v }
