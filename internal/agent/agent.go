// Package agent implements the per-host node agent: GPU detection,
// registration and heartbeats, job execution in process groups, output
// streaming, and cancellation with process-tree cleanup.
package agent

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/Uuuuuuho/mgpu-server/internal/agent/detect"
	"github.com/Uuuuuuho/mgpu-server/internal/config"
	"github.com/Uuuuuuho/mgpu-server/pkg/device"
	"github.com/Uuuuuuho/mgpu-server/pkg/proto"
)

// Agent is one node agent process. It exclusively owns its process records;
// the master never sees them except through messages.
type Agent struct {
	cfg *config.AgentConfig
	log *log.Entry

	gpus []device.Device

	mu        sync.Mutex
	procs     map[string]*processRecord
	allocated map[int]string // gpu index -> job id
}

// New creates an agent from the given configuration.
func New(cfg *config.AgentConfig) *Agent {
	return &Agent{
		cfg:       cfg,
		log:       log.WithField("component", "agent").WithField("node", cfg.NodeID),
		procs:     make(map[string]*processRecord),
		allocated: make(map[int]string),
	}
}

// Run detects GPUs, registers with the master, and serves commands until ctx
// is done.
func (a *Agent) Run(ctx context.Context) error {
	gpus, err := detect.CudaGPUs(a.cfg.VisibleGPUs)
	if err != nil {
		return errors.Wrap(err, "detecting GPUs")
	}
	if len(gpus) == 0 && a.cfg.ArtificialSlots > 0 {
		gpus = detect.Artificial(a.cfg.ArtificialSlots)
		a.log.Warnf("no GPUs detected, fabricating %d artificial slot(s)", len(gpus))
	}
	a.gpus = gpus
	a.log.Infof("detected %d GPU(s)", len(a.gpus))

	addr := fmt.Sprintf("%s:%d", a.cfg.BindIP, a.cfg.BindPort)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return errors.Wrapf(err, "listening on %s", addr)
	}
	defer ln.Close()
	a.log.Infof("agent listening on %s", addr)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	if err := a.registerWithRetry(ctx); err != nil {
		return err
	}
	go a.runHeartbeats(ctx)

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
		go a.handleConn(proto.NewConn(raw))
	}
}

func (a *Agent) masterAddr() string {
	return fmt.Sprintf("%s:%d", a.cfg.MasterHost, a.cfg.MasterPort)
}

// registerWithRetry announces the agent to the master, backing off while the
// master is unreachable.
func (a *Agent) registerWithRetry(ctx context.Context) error {
	backoff := time.Second
	for {
		err := a.register()
		if err == nil {
			a.log.Info("registered with master")
			return nil
		}
		a.log.WithError(err).Warnf("registration failed, retrying in %s", backoff)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		if backoff < 30*time.Second {
			backoff *= 2
		}
	}
}

func (a *Agent) register() error {
	conn, err := proto.Dial(a.masterAddr(), 10*time.Second)
	if err != nil {
		return err
	}
	defer conn.Close()

	msg := proto.Register{
		Type:   proto.TypeRegister,
		NodeID: a.cfg.NodeID,
		Host:   a.cfg.AdvertiseHost,
		Port:   a.cfg.BindPort,
		GPUs:   a.gpus,
	}
	_ = conn.SetReadDeadline(time.Now().Add(10 * time.Second))
	if err := conn.Write(msg); err != nil {
		return err
	}
	var ack proto.Ack
	if err := conn.Read(&ack); err != nil {
		return errors.Wrap(err, "reading registration ack")
	}
	if !ack.OK {
		return errors.New("master refused registration")
	}
	return nil
}

// freeGPUs returns the physical indices not held by any running job.
func (a *Agent) freeGPUs() []int {
	a.mu.Lock()
	defer a.mu.Unlock()
	free := make([]int, 0, len(a.gpus))
	for _, d := range a.gpus {
		if _, busy := a.allocated[d.Index]; !busy {
			free = append(free, d.Index)
		}
	}
	return free
}

func (a *Agent) runningJobs() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	ids := make([]string, 0, len(a.procs))
	for id := range a.procs {
		ids = append(ids, id)
	}
	return ids
}
