package agent

import (
	"net"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"golang.org/x/sys/unix"
	"gotest.tools/assert"

	"github.com/Uuuuuuho/mgpu-server/internal/agent/detect"
	"github.com/Uuuuuuho/mgpu-server/internal/config"
	"github.com/Uuuuuuho/mgpu-server/pkg/proto"
)

// streamSink plays the master's end of the output-upload protocol and records
// everything it receives.
type streamSink struct {
	ln net.Listener

	mu     sync.Mutex
	chunks []proto.Out
	exits  []proto.Exit
}

func newStreamSink(t *testing.T) *streamSink {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	assert.NilError(t, err)
	t.Cleanup(func() { ln.Close() })

	s := &streamSink{ln: ln}
	go func() {
		for {
			raw, err := ln.Accept()
			if err != nil {
				return
			}
			go s.drain(proto.NewConn(raw))
		}
	}()
	return s
}

func (s *streamSink) drain(conn *proto.Conn) {
	defer conn.Close()
	for {
		typ, raw, err := conn.ReadTyped()
		if err != nil {
			return
		}
		switch typ {
		case proto.TypeStream:
			// hello; nothing to record
		case proto.TypeOut:
			var chunk proto.Out
			if proto.Unmarshal(raw, &chunk) == nil {
				s.mu.Lock()
				s.chunks = append(s.chunks, chunk)
				s.mu.Unlock()
			}
		case proto.TypeExit:
			var exit proto.Exit
			if proto.Unmarshal(raw, &exit) == nil {
				s.mu.Lock()
				s.exits = append(s.exits, exit)
				s.mu.Unlock()
			}
		}
	}
}

func (s *streamSink) output() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var b strings.Builder
	for _, c := range s.chunks {
		b.Write(c.Data)
	}
	return b.String()
}

func (s *streamSink) waitForExit(t *testing.T, timeout time.Duration) proto.Exit {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		s.mu.Lock()
		if len(s.exits) > 0 {
			exit := s.exits[0]
			s.mu.Unlock()
			return exit
		}
		s.mu.Unlock()
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("no exit report arrived")
	return proto.Exit{}
}

func newTestAgent(t *testing.T, sink *streamSink) *Agent {
	t.Helper()
	host, portStr, err := net.SplitHostPort(sink.ln.Addr().String())
	assert.NilError(t, err)
	port, _ := strconv.Atoi(portStr)

	cfg := config.DefaultAgentConfig()
	cfg.NodeID = "n1"
	cfg.MasterHost = host
	cfg.MasterPort = port
	cfg.CancelGrace = 2

	a := New(cfg)
	a.gpus = detect.Artificial(4)
	return a
}

func TestStartJobStreamsBannerAndOutput(t *testing.T) {
	sink := newStreamSink(t)
	a := newTestAgent(t, sink)

	pgid, err := a.startJob(proto.Start{
		Type: proto.TypeStart, JobID: "job00001",
		Command: "echo hello-from-job", GPUs: []int{1},
	})
	assert.NilError(t, err)
	assert.Assert(t, pgid > 0)

	exit := sink.waitForExit(t, 5*time.Second)
	assert.Equal(t, 0, exit.Code)
	assert.Assert(t, exit.Signal == nil)

	out := sink.output()
	assert.Assert(t, strings.Contains(out, "=== JOB EXECUTION DEBUG INFO ==="), "got: %q", out)
	assert.Assert(t, strings.Contains(out, "Job ID: job00001"))
	assert.Assert(t, strings.Contains(out, "Target Node ID: n1"))
	assert.Assert(t, strings.Contains(out, "hello-from-job"))

	// Record destroyed, GPU returned.
	assert.Equal(t, 0, len(a.runningJobs()))
	assert.Equal(t, 4, len(a.freeGPUs()))
}

func TestStartJobSetsGPUEnvironment(t *testing.T) {
	sink := newStreamSink(t)
	a := newTestAgent(t, sink)

	_, err := a.startJob(proto.Start{
		Type: proto.TypeStart, JobID: "job00002",
		Command: `echo "visible=$CUDA_VISIBLE_DEVICES"`, GPUs: []int{2, 3},
	})
	assert.NilError(t, err)
	sink.waitForExit(t, 5*time.Second)
	assert.Assert(t, strings.Contains(sink.output(), "visible=2,3"))
}

func TestStartJobTorchDistributedEnv(t *testing.T) {
	sink := newStreamSink(t)
	a := newTestAgent(t, sink)

	_, err := a.startJob(proto.Start{
		Type: proto.TypeStart, JobID: "job00003",
		Command: `echo "addr=$MASTER_ADDR port=$MASTER_PORT world=$WORLD_SIZE rank=$RANK local=$LOCAL_RANK"`,
		GPUs:    []int{0},
		Distributed: &proto.Distributed{
			Kind: proto.DistributedTorch, Rank: 1, WorldSize: 2,
			MasterHost: "head.local", MasterPort: 29500,
		},
	})
	assert.NilError(t, err)
	sink.waitForExit(t, 5*time.Second)
	assert.Assert(t, strings.Contains(sink.output(),
		"addr=head.local port=29500 world=2 rank=1 local=0"))
}

func TestStartJobPropagatesExitCode(t *testing.T) {
	sink := newStreamSink(t)
	a := newTestAgent(t, sink)

	_, err := a.startJob(proto.Start{
		Type: proto.TypeStart, JobID: "job00004", Command: "exit 7", GPUs: []int{0},
	})
	assert.NilError(t, err)
	exit := sink.waitForExit(t, 5*time.Second)
	assert.Equal(t, 7, exit.Code)
	assert.Assert(t, exit.Signal == nil)
}

func TestStartJobRejectsHeldGPU(t *testing.T) {
	sink := newStreamSink(t)
	a := newTestAgent(t, sink)

	_, err := a.startJob(proto.Start{
		Type: proto.TypeStart, JobID: "job00005", Command: "sleep 5", GPUs: []int{0},
	})
	assert.NilError(t, err)
	defer a.cancelJob("job00005")

	_, err = a.startJob(proto.Start{
		Type: proto.TypeStart, JobID: "job00006", Command: "true", GPUs: []int{0},
	})
	assert.ErrorContains(t, err, "held by job")
}

func TestCancelKillsWholeProcessGroup(t *testing.T) {
	sink := newStreamSink(t)
	a := newTestAgent(t, sink)

	pgid, err := a.startJob(proto.Start{
		Type: proto.TypeStart, JobID: "job00007",
		Command: "sleep 100 & sleep 100 & wait", GPUs: []int{0},
	})
	assert.NilError(t, err)

	// Let the shell fork its children before cancelling.
	time.Sleep(200 * time.Millisecond)
	a.cancelJob("job00007")

	exit := sink.waitForExit(t, 10*time.Second)
	assert.Assert(t, exit.Signal != nil, "cancel must report a signaled exit")
	assert.Equal(t, int(unix.SIGTERM), *exit.Signal)

	// No process may remain in the job's group.
	time.Sleep(100 * time.Millisecond)
	err = unix.Kill(-pgid, 0)
	assert.Equal(t, unix.ESRCH, err, "process group %d still has members", pgid)

	assert.Equal(t, 0, len(a.runningJobs()))
	assert.Equal(t, 4, len(a.freeGPUs()))
}

func TestCancelUnknownJobIsNoop(t *testing.T) {
	sink := newStreamSink(t)
	a := newTestAgent(t, sink)
	a.cancelJob("ffffffff") // must not panic or block
}

func TestDebugBannerNamesJobAndNode(t *testing.T) {
	banner := debugBanner("cafebabe", "node-7")
	assert.Assert(t, strings.Contains(banner, `Job ID: cafebabe`))
	assert.Assert(t, strings.Contains(banner, `Target Node ID: node-7`))
	assert.Assert(t, strings.Contains(banner, "$(hostname)"))
}
