package agent

import (
	"context"
	"time"

	"github.com/Uuuuuuho/mgpu-server/pkg/proto"
)

// runHeartbeats reports liveness and the free-GPU view on the configured
// interval. Failures are diagnostic only on this side; the master drives
// liveness from what it receives.
func (a *Agent) runHeartbeats(ctx context.Context) {
	tick := time.NewTicker(a.cfg.HeartbeatIntervalD())
	defer tick.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-tick.C:
			if err := a.sendHeartbeat(); err != nil {
				a.log.WithError(err).Debug("heartbeat failed")
			}
		}
	}
}

func (a *Agent) sendHeartbeat() error {
	conn, err := proto.Dial(a.masterAddr(), 5*time.Second)
	if err != nil {
		return err
	}
	defer conn.Close()

	msg := proto.Heartbeat{
		Type:     proto.TypeHeartbeat,
		NodeID:   a.cfg.NodeID,
		FreeGPUs: a.freeGPUs(),
		Running:  a.runningJobs(),
		Ts:       time.Now().Unix(),
	}
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	if err := conn.Write(msg); err != nil {
		return err
	}
	var ack proto.Ack
	return conn.Read(&ack)
}
