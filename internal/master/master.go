package master

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/Uuuuuuho/mgpu-server/internal/config"
	"github.com/Uuuuuuho/mgpu-server/pkg/proto"
)

// Master is the central scheduler process. It owns the job table, the node
// registry, and the per-job output streams. One mutex guards all three so GPU
// set mutations and job-status transitions always happen together.
type Master struct {
	cfg *config.MasterConfig
	log *log.Entry

	mu      sync.Mutex
	jobs    map[string]*job
	nodes   map[string]*node
	streams map[string]*streams

	wake   chan struct{}
	agents agentClient
}

// New creates a master from the given configuration.
func New(cfg *config.MasterConfig) *Master {
	return &Master{
		cfg:     cfg,
		log:     log.WithField("component", "master"),
		jobs:    make(map[string]*job),
		nodes:   make(map[string]*node),
		streams: make(map[string]*streams),
		wake:    make(chan struct{}, 1),
		agents:  &tcpAgentClient{},
	}
}

// Run serves the master until ctx is done.
func (m *Master) Run(ctx context.Context) error {
	addr := fmt.Sprintf("%s:%d", m.cfg.BindIP, m.cfg.BindPort)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return errors.Wrapf(err, "listening on %s", addr)
	}
	defer ln.Close()
	m.log.Infof("master listening on %s", addr)
	return m.Serve(ctx, ln)
}

// Serve runs the accept loop, the scheduler, and the liveness sweeper against
// an already-bound listener. Split from Run so tests can bind an ephemeral
// port themselves.
func (m *Master) Serve(ctx context.Context, ln net.Listener) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	go func() {
		<-ctx.Done()
		ln.Close()
	}()
	go m.runScheduler(ctx)
	go m.runSweeper(ctx)

	for {
		raw, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
				return errors.Wrap(err, "accepting connection")
			}
		}
		go m.handleConn(ctx, proto.NewConn(raw))
	}
}

// Addr formats the master's advertised address.
func (m *Master) Addr() string {
	return fmt.Sprintf("%s:%d", m.cfg.BindIP, m.cfg.BindPort)
}

// wakeScheduler nudges the scheduler without blocking; a pending wake is
// enough.
func (m *Master) wakeScheduler() {
	select {
	case m.wake <- struct{}{}:
	default:
	}
}

func (m *Master) runScheduler(ctx context.Context) {
	tick := time.NewTicker(time.Second)
	defer tick.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-m.wake:
		case <-tick.C:
		}
		m.schedulePass()
	}
}

func (m *Master) runSweeper(ctx context.Context) {
	tick := time.NewTicker(time.Second)
	defer tick.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-tick.C:
			m.sweepNodes(time.Now())
		}
	}
}

// sweepNodes drives node liveness: silent past the heartbeat timeout moves a
// node to degraded; a further offline timeout moves it to offline and fails
// the jobs running there.
func (m *Master) sweepNodes(now time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, n := range m.nodes {
		silent := now.Sub(n.lastHeartbeat)
		switch n.state {
		case NodeOnline:
			if silent > m.cfg.HeartbeatTimeoutD() {
				n.state = NodeDegraded
				m.log.Warnf("node %s degraded: silent for %s", n.id, silent.Round(time.Second))
			}
		case NodeDegraded:
			if silent > m.cfg.HeartbeatTimeoutD()+m.cfg.OfflineTimeoutD() {
				n.state = NodeOffline
				m.log.Warnf("node %s offline: silent for %s", n.id, silent.Round(time.Second))
				m.failJobsOnNodeLocked(n.id, ReasonNodeLost)
				m.wakeScheduler()
			}
		}
	}
}

// snapshot builds the queue response.
func (m *Master) snapshot() proto.Ack {
	m.mu.Lock()
	defer m.mu.Unlock()

	ack := proto.NewAck()
	for _, j := range m.sortedQueueLocked() {
		ack.Jobs = append(ack.Jobs, j.summary())
	}
	for _, j := range m.jobs {
		if j.state == JobRunning || j.state == JobCancelling {
			ack.Jobs = append(ack.Jobs, j.summary())
		}
	}
	for _, n := range m.sortedNodesLocked() {
		ack.Nodes = append(ack.Nodes, n.summary())
	}
	return ack
}
