// Package proto defines the line-delimited JSON messages exchanged between the
// master, the node agents, and clients. Every message is a single UTF-8 JSON
// object terminated by '\n', carrying a "type" field that selects the payload.
package proto

import (
	"github.com/Uuuuuuho/mgpu-server/pkg/device"
)

// Message type tags.
const (
	TypeRegister       = "register"
	TypeHeartbeat      = "heartbeat"
	TypeQueryResources = "query-resources"
	TypeResources      = "resources"
	TypeStart          = "start"
	TypeCancel         = "cancel"
	TypeOut            = "out"
	TypeExit           = "exit"
	TypeStream         = "stream"
	TypeSubmit         = "submit"
	TypeQueue          = "queue"
	TypeAttach         = "attach"
	TypeAck            = "ack"
	TypeError          = "error"
)

// Error codes reported to clients.
const (
	ErrInvalidSpec          = "invalid-spec"
	ErrUnknownJob           = "unknown-job"
	ErrUnsatisfiableForever = "resource-unsatisfiable-forever"
	ErrNoHistory            = "not-running-and-no-history"
	ErrUnknownType          = "unknown-type"
)

// Distributed kinds accepted in a job spec.
const (
	DistributedNone  = ""
	DistributedTorch = "torch-distributed"
	DistributedMPI   = "mpi"
)

// Output stream names.
const (
	StreamStdout = "stdout"
	StreamStderr = "stderr"
)

// Pin fixes part of a job's placement to specific GPUs on a specific node.
type Pin struct {
	NodeID string `json:"node_id"`
	GPUs   []int  `json:"gpus"`
}

// JobSpec is the client-supplied description of a job.
type JobSpec struct {
	Owner          string `json:"owner"`
	Command        string `json:"command"`
	GPUs           int    `json:"gpus"`
	Pins           []Pin  `json:"pins,omitempty"`
	Priority       int    `json:"priority"`
	Interactive    bool   `json:"interactive"`
	Distributed    string `json:"distributed,omitempty"`
	MemoryMB       int64  `json:"memory_mb,omitempty"`
	CancelOnDetach bool   `json:"cancel_on_detach,omitempty"`
}

// Submit asks the master to enqueue a job.
type Submit struct {
	Type string  `json:"type"`
	Spec JobSpec `json:"spec"`
}

// Queue asks the master for a cluster snapshot.
type Queue struct {
	Type string `json:"type"`
}

// Cancel requests cancellation of a job. Sent client->master and also
// master->agent for each node in the job's assignment.
type Cancel struct {
	Type  string `json:"type"`
	JobID string `json:"job_id"`
}

// Attach subscribes the connection to a job's output stream.
type Attach struct {
	Type  string `json:"type"`
	JobID string `json:"job_id"`
}

// Register announces an agent to the master.
type Register struct {
	Type   string          `json:"type"`
	NodeID string          `json:"node_id"`
	Host   string          `json:"host"`
	Port   int             `json:"port"`
	GPUs   []device.Device `json:"gpus"`
}

// Heartbeat is the agent's periodic liveness report.
type Heartbeat struct {
	Type     string   `json:"type"`
	NodeID   string   `json:"node_id"`
	FreeGPUs []int    `json:"free_gpus"`
	Running  []string `json:"running"`
	Ts       int64    `json:"ts"`
}

// QueryResources asks an agent for its current GPU inventory.
type QueryResources struct {
	Type string `json:"type"`
}

// Resources is the agent's answer to QueryResources.
type Resources struct {
	Type     string          `json:"type"`
	NodeID   string          `json:"node_id"`
	GPUs     []device.Device `json:"gpus"`
	FreeGPUs []int           `json:"free_gpus"`
}

// Distributed carries the per-rank distributed-launch parameters of a start.
type Distributed struct {
	Kind       string `json:"kind"`
	Rank       int    `json:"rank"`
	WorldSize  int    `json:"world_size"`
	MasterHost string `json:"master_host"`
	MasterPort int    `json:"master_port"`
}

// Start instructs an agent to launch a job on the given local GPUs.
type Start struct {
	Type        string            `json:"type"`
	JobID       string            `json:"job_id"`
	Command     string            `json:"command"`
	GPUs        []int             `json:"assigned_gpus"`
	Env         map[string]string `json:"env_extras,omitempty"`
	Distributed *Distributed      `json:"distributed,omitempty"`
}

// StreamHello tags a dedicated agent->master connection as the output stream
// for one job on one node. It is the first line on the stream connection.
type StreamHello struct {
	Type   string `json:"type"`
	JobID  string `json:"job_id"`
	NodeID string `json:"node_id"`
}

// Out is a chunk of combined job output. Data is base64 in the wire form; the
// json codec handles the encoding for []byte.
type Out struct {
	Type   string `json:"type"`
	JobID  string `json:"job_id"`
	Stream string `json:"stream"`
	Data   []byte `json:"data"`
}

// Exit terminates a job's output stream. Signal is nil for normal exits.
type Exit struct {
	Type   string `json:"type"`
	JobID  string `json:"job_id"`
	Code   int    `json:"code"`
	Signal *int   `json:"signal"`
}

// JobSummary is one row of the queue snapshot.
type JobSummary struct {
	ID          string      `json:"id"`
	Owner       string      `json:"owner"`
	Command     string      `json:"command"`
	GPUs        int         `json:"gpus"`
	Priority    int         `json:"priority"`
	Status      string      `json:"status"`
	SubmittedAt int64       `json:"submitted_at"`
	Assignment  []Placement `json:"assignment,omitempty"`
	ExitCode    *int        `json:"exit_code,omitempty"`
}

// Placement is one (node, gpus, pid) element of a running job's assignment.
type Placement struct {
	NodeID string `json:"node_id"`
	GPUs   []int  `json:"gpus"`
	PID    int    `json:"pid,omitempty"`
}

// NodeSummary is one row of the queue snapshot's node inventory.
type NodeSummary struct {
	ID       string `json:"id"`
	Status   string `json:"status"`
	GPUs     int    `json:"gpus"`
	FreeGPUs []int  `json:"free_gpus"`
}

// Ack is the generic success response. Fields beyond OK are populated per verb.
type Ack struct {
	Type        string        `json:"type"`
	OK          bool          `json:"ok"`
	JobID       string        `json:"job_id,omitempty"`
	PriorStatus string        `json:"prior_status,omitempty"`
	PID         int           `json:"pid,omitempty"`
	Jobs        []JobSummary  `json:"jobs,omitempty"`
	Nodes       []NodeSummary `json:"nodes,omitempty"`
}

// Error is the generic failure response.
type Error struct {
	Type   string `json:"type"`
	Code   string `json:"code"`
	Reason string `json:"reason"`
}

// NewAck returns a bare successful ack.
func NewAck() Ack { return Ack{Type: TypeAck, OK: true} }

// NewError returns an error response with the given code and reason.
func NewError(code, reason string) Error {
	return Error{Type: TypeError, Code: code, Reason: reason}
}
