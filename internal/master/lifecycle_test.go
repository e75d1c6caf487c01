package master

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Uuuuuuho/mgpu-server/pkg/proto"
)

func TestCancelQueuedJob(t *testing.T) {
	m, _ := newTestMaster(t)
	registerNode(m, "n1", 1)

	id := mustSubmit(t, m, proto.JobSpec{Command: "a", GPUs: 1})
	ack, wireErr := m.cancel(id)
	require.Nil(t, wireErr)
	assert.True(t, ack.OK)
	assert.Equal(t, "queued", ack.PriorStatus)
	assert.Equal(t, JobCancelled, jobState(m, id))

	// Idempotent: a second cancel reports the terminal status, changes nothing.
	ack, wireErr = m.cancel(id)
	require.Nil(t, wireErr)
	assert.True(t, ack.OK)
	assert.Equal(t, "cancelled", ack.PriorStatus)
	assert.Equal(t, JobCancelled, jobState(m, id))
}

func TestCancelUnknownJob(t *testing.T) {
	m, _ := newTestMaster(t)
	_, wireErr := m.cancel("deadbeef")
	require.NotNil(t, wireErr)
	assert.Equal(t, proto.ErrUnknownJob, wireErr.Code)
}

func TestCancelRunningJobAwaitsExit(t *testing.T) {
	m, fake := newTestMaster(t)
	registerNode(m, "n1", 1)

	id := mustSubmit(t, m, proto.JobSpec{Command: "sleep 100", GPUs: 1})
	m.schedulePass()
	waitForState(t, m, id, JobRunning)

	// The agent confirms termination by reporting a signaled exit.
	sig := 15
	fake.mu.Lock()
	fake.onCancel = func(jobID string) {
		go m.handleExit(jobID, "n1", 143, &sig)
	}
	fake.mu.Unlock()

	ack, wireErr := m.cancel(id)
	require.Nil(t, wireErr)
	assert.Equal(t, "running", ack.PriorStatus)
	assert.Equal(t, JobCancelled, jobState(m, id))
	assert.Equal(t, []string{id}, fake.cancelledJobs())
	assert.Equal(t, 1, freeGPUCount(m, "n1"))
}

func TestCancelGraceForceRetires(t *testing.T) {
	m, _ := newTestMaster(t)
	m.cfg.CancelGrace = 0 // expire the grace immediately
	registerNode(m, "n1", 1)

	id := mustSubmit(t, m, proto.JobSpec{Command: "sleep 100", GPUs: 1})
	m.schedulePass()
	waitForState(t, m, id, JobRunning)

	// The fake agent never reports exit; the grace period must force the job out.
	ack, wireErr := m.cancel(id)
	require.Nil(t, wireErr)
	assert.Equal(t, "running", ack.PriorStatus)
	assert.Equal(t, JobCancelled, jobState(m, id))
	assert.Equal(t, 1, freeGPUCount(m, "n1"))
}

func TestCancelCompletedJobChangesNothing(t *testing.T) {
	m, _ := newTestMaster(t)
	registerNode(m, "n1", 1)

	id := mustSubmit(t, m, proto.JobSpec{Command: "a", GPUs: 1})
	m.schedulePass()
	waitForState(t, m, id, JobRunning)
	m.handleExit(id, "n1", 0, nil)

	ack, wireErr := m.cancel(id)
	require.Nil(t, wireErr)
	assert.Equal(t, "completed", ack.PriorStatus)
	assert.Equal(t, JobCompleted, jobState(m, id))
}

func TestMultiNodeExitAggregation(t *testing.T) {
	m, _ := newTestMaster(t)
	registerNode(m, "n1", 1)
	registerNode(m, "n2", 1)

	id := mustSubmit(t, m, proto.JobSpec{Command: "a", GPUs: 2})
	m.schedulePass()
	waitForState(t, m, id, JobRunning)

	// The job is not terminal until every rank reports.
	m.handleExit(id, "n1", 0, nil)
	assert.Equal(t, JobRunning, jobState(m, id))
	m.handleExit(id, "n2", 1, nil)
	assert.Equal(t, JobFailed, jobState(m, id))

	m.mu.Lock()
	defer m.mu.Unlock()
	require.NotNil(t, m.jobs[id].exitCode)
	assert.Equal(t, 1, *m.jobs[id].exitCode)
}

func TestTerminalStateReachedOnce(t *testing.T) {
	m, _ := newTestMaster(t)
	registerNode(m, "n1", 1)

	id := mustSubmit(t, m, proto.JobSpec{Command: "a", GPUs: 1})
	m.schedulePass()
	waitForState(t, m, id, JobRunning)

	m.handleExit(id, "n1", 0, nil)
	assert.Equal(t, JobCompleted, jobState(m, id))

	// Late duplicate exit reports and sweeps must not re-run or re-retire.
	m.handleExit(id, "n1", 1, nil)
	assert.Equal(t, JobCompleted, jobState(m, id))
	m.schedulePass()
	assert.Equal(t, JobCompleted, jobState(m, id))
}

func TestNodeLivenessTransitions(t *testing.T) {
	m, _ := newTestMaster(t)
	registerNode(m, "n1", 1)

	now := time.Now()
	m.mu.Lock()
	m.nodes["n1"].lastHeartbeat = now.Add(-45 * time.Second)
	m.mu.Unlock()

	m.sweepNodes(now)
	m.mu.Lock()
	assert.Equal(t, NodeDegraded, m.nodes["n1"].state)
	m.mu.Unlock()

	// Still shy of the offline threshold (30s + 60s).
	m.sweepNodes(now)
	m.mu.Lock()
	assert.Equal(t, NodeDegraded, m.nodes["n1"].state)
	m.mu.Unlock()

	m.mu.Lock()
	m.nodes["n1"].lastHeartbeat = now.Add(-120 * time.Second)
	m.mu.Unlock()
	m.sweepNodes(now)
	m.mu.Lock()
	assert.Equal(t, NodeOffline, m.nodes["n1"].state)
	m.mu.Unlock()
}

func TestNodeLostFailsRunningJobs(t *testing.T) {
	m, _ := newTestMaster(t)
	registerNode(m, "n1", 1)

	id := mustSubmit(t, m, proto.JobSpec{Command: "sleep 100", GPUs: 1})
	m.schedulePass()
	waitForState(t, m, id, JobRunning)

	now := time.Now()
	m.mu.Lock()
	m.nodes["n1"].lastHeartbeat = now.Add(-2 * time.Hour)
	m.mu.Unlock()
	m.sweepNodes(now) // online -> degraded
	m.sweepNodes(now) // degraded -> offline, jobs fail

	assert.Equal(t, JobFailed, jobState(m, id))
	m.mu.Lock()
	defer m.mu.Unlock()
	assert.Equal(t, ReasonNodeLost, m.jobs[id].reason)
	assert.Equal(t, NodeOffline, m.nodes["n1"].state)
}

func TestHeartbeatRevivesNode(t *testing.T) {
	m, _ := newTestMaster(t)
	registerNode(m, "n1", 1)

	m.mu.Lock()
	m.nodes["n1"].state = NodeDegraded
	m.mu.Unlock()

	m.heartbeat(proto.Heartbeat{Type: proto.TypeHeartbeat, NodeID: "n1",
		FreeGPUs: []int{0}, Ts: time.Now().Unix()})

	m.mu.Lock()
	defer m.mu.Unlock()
	assert.Equal(t, NodeOnline, m.nodes["n1"].state)
}

func TestHeartbeatKillsOrphansByDefault(t *testing.T) {
	m, fake := newTestMaster(t)
	registerNode(m, "n1", 1)

	m.heartbeat(proto.Heartbeat{Type: proto.TypeHeartbeat, NodeID: "n1",
		Running: []string{"0badf00d"}, Ts: time.Now().Unix()})

	require.Eventually(t, func() bool {
		for _, id := range fake.cancelledJobs() {
			if id == "0badf00d" {
				return true
			}
		}
		return false
	}, time.Second, 5*time.Millisecond, "orphan was never killed")
}

func TestHeartbeatAdoptsOrphansWhenConfigured(t *testing.T) {
	m, fake := newTestMaster(t)
	m.cfg.AdoptOrphans = true
	registerNode(m, "n1", 1)

	m.heartbeat(proto.Heartbeat{Type: proto.TypeHeartbeat, NodeID: "n1",
		Running: []string{"0badf00d"}, Ts: time.Now().Unix()})

	assert.Equal(t, JobRunning, jobState(m, "0badf00d"))
	assert.Empty(t, fake.cancelledJobs())
}

func TestRegisterRecomputesFreeFromAssignments(t *testing.T) {
	m, _ := newTestMaster(t)
	registerNode(m, "n1", 2)

	id := mustSubmit(t, m, proto.JobSpec{Command: "a", GPUs: 1})
	m.schedulePass()
	waitForState(t, m, id, JobRunning)

	// Re-registration (e.g. agent restart mid-epoch) must not forget that a
	// GPU is held by a running job.
	registerNode(m, "n1", 2)
	assert.Equal(t, 1, freeGPUCount(m, "n1"))
}
