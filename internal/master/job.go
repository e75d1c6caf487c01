// Package master implements the mgpu control plane: the job queue, the node
// registry, GPU placement, output routing, and cancellation.
package master

import (
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/Uuuuuuho/mgpu-server/pkg/proto"
)

// JobState is the lifecycle state of a job.
type JobState string

// Job lifecycle states.
const (
	JobQueued     JobState = "queued"
	JobRunning    JobState = "running"
	JobCancelling JobState = "cancelling"
	JobCompleted  JobState = "completed"
	JobFailed     JobState = "failed"
	JobCancelled  JobState = "cancelled"
)

// Terminal reports whether the state is final.
func (s JobState) Terminal() bool {
	switch s {
	case JobCompleted, JobFailed, JobCancelled:
		return true
	}
	return false
}

// Job failure reasons.
const (
	ReasonNodeLost    = "node-lost"
	ReasonNodeOffline = "pinned-node-offline"
	ReasonRetries     = "retry-budget-exhausted"
)

type job struct {
	id          string
	spec        proto.JobSpec
	state       JobState
	submittedAt time.Time
	assignment  []proto.Placement
	exitCode    *int
	signal      *int
	reason      string
	retryCount  int

	// exited tracks which assignment nodes have reported exit.
	exited map[string]bool
	// done is closed exactly once when the job reaches a terminal state.
	done chan struct{}
}

func newJob(spec proto.JobSpec, id string) *job {
	return &job{
		id:          id,
		spec:        spec,
		state:       JobQueued,
		submittedAt: time.Now(),
		exited:      make(map[string]bool),
		done:        make(chan struct{}),
	}
}

// newJobID draws an 8-hex-character identifier, re-drawing on the (vanishingly
// rare) collision with a live job.
func newJobID(taken map[string]*job) string {
	for {
		id := strings.ReplaceAll(uuid.New().String(), "-", "")[:8]
		if _, ok := taken[id]; !ok {
			return id
		}
	}
}

func (j *job) summary() proto.JobSummary {
	s := proto.JobSummary{
		ID:          j.id,
		Owner:       j.spec.Owner,
		Command:     j.spec.Command,
		GPUs:        j.spec.GPUs,
		Priority:    j.spec.Priority,
		Status:      string(j.state),
		SubmittedAt: j.submittedAt.Unix(),
		ExitCode:    j.exitCode,
	}
	if j.state == JobRunning || j.state == JobCancelling {
		s.Assignment = append([]proto.Placement(nil), j.assignment...)
	}
	return s
}

// gpuCount returns the number of GPUs the job needs, whether requested as a
// count or pinned explicitly.
func (j *job) gpuCount() int {
	if len(j.spec.Pins) == 0 {
		return j.spec.GPUs
	}
	n := 0
	for _, pin := range j.spec.Pins {
		n += len(pin.GPUs)
	}
	return n
}
