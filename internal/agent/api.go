package agent

import (
	"fmt"
	"io"

	"github.com/Uuuuuuho/mgpu-server/pkg/proto"
)

// handleConn serves one inbound command connection from the master. Each
// command is its own TCP session.
func (a *Agent) handleConn(conn *proto.Conn) {
	defer conn.Close()

	typ, raw, err := conn.ReadTyped()
	if err != nil {
		if err != io.EOF {
			a.log.WithError(err).Debug("dropping undecodable command connection")
		}
		return
	}

	switch typ {
	case proto.TypeStart:
		var msg proto.Start
		if err := proto.Unmarshal(raw, &msg); err != nil {
			_ = conn.Write(proto.NewError(proto.ErrInvalidSpec, "malformed start"))
			return
		}
		pid, err := a.startJob(msg)
		if err != nil {
			a.log.WithError(err).Warnf("start of job %s failed", msg.JobID)
			_ = conn.Write(proto.NewError("start-failed", err.Error()))
			return
		}
		ack := proto.NewAck()
		ack.JobID = msg.JobID
		ack.PID = pid
		_ = conn.Write(ack)

	case proto.TypeCancel:
		var msg proto.Cancel
		if err := proto.Unmarshal(raw, &msg); err != nil {
			_ = conn.Write(proto.NewError(proto.ErrInvalidSpec, "malformed cancel"))
			return
		}
		a.cancelJob(msg.JobID)
		ack := proto.NewAck()
		ack.JobID = msg.JobID
		_ = conn.Write(ack)

	case proto.TypeQueryResources:
		_ = conn.Write(proto.Resources{
			Type:     proto.TypeResources,
			NodeID:   a.cfg.NodeID,
			GPUs:     a.gpus,
			FreeGPUs: a.freeGPUs(),
		})

	default:
		_ = conn.Write(proto.NewError(proto.ErrUnknownType,
			fmt.Sprintf("unknown command type %q", typ)))
	}
}
