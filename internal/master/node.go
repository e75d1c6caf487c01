package master

import (
	"fmt"
	"sort"
	"time"

	"github.com/Uuuuuuho/mgpu-server/pkg/device"
	"github.com/Uuuuuuho/mgpu-server/pkg/proto"
)

// NodeState is the health state of a registered node.
type NodeState string

// Node health states.
const (
	NodeOnline   NodeState = "online"
	NodeDegraded NodeState = "degraded"
	NodeOffline  NodeState = "offline"
)

type node struct {
	id   string
	host string
	port int

	gpus []device.Device
	// free holds the physical indices currently unassigned. The master's own
	// allocation bookkeeping is authoritative; agent heartbeats only feed
	// liveness and orphan detection.
	free map[int]bool

	lastHeartbeat time.Time
	failures      int
	state         NodeState
}

func newNode(msg proto.Register) *node {
	n := &node{
		id:            msg.NodeID,
		host:          msg.Host,
		port:          msg.Port,
		gpus:          msg.GPUs,
		free:          make(map[int]bool, len(msg.GPUs)),
		lastHeartbeat: time.Now(),
		state:         NodeOnline,
	}
	for _, d := range msg.GPUs {
		n.free[d.Index] = true
	}
	return n
}

func (n *node) addr() string {
	return fmt.Sprintf("%s:%d", n.host, n.port)
}

func (n *node) hasGPU(index int) bool {
	for _, d := range n.gpus {
		if d.Index == index {
			return true
		}
	}
	return false
}

// eligibleFree returns the sorted free indices whose devices satisfy the
// advisory per-GPU memory floor (zero disables the filter).
func (n *node) eligibleFree(memoryMB int64) []int {
	out := make([]int, 0, len(n.free))
	for _, d := range n.gpus {
		if !n.free[d.Index] {
			continue
		}
		if memoryMB > 0 && d.MemoryMB < memoryMB {
			continue
		}
		out = append(out, d.Index)
	}
	sort.Ints(out)
	return out
}

func (n *node) allocate(indices []int) {
	for _, i := range indices {
		delete(n.free, i)
	}
}

func (n *node) release(indices []int) {
	for _, i := range indices {
		if n.hasGPU(i) {
			n.free[i] = true
		}
	}
}

func (n *node) summary() proto.NodeSummary {
	return proto.NodeSummary{
		ID:       n.id,
		Status:   string(n.state),
		GPUs:     len(n.gpus),
		FreeGPUs: n.eligibleFree(0),
	}
}
