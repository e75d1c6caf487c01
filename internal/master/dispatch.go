package master

import (
	"time"

	"github.com/pkg/errors"

	"github.com/Uuuuuuho/mgpu-server/pkg/proto"
)

// agentClient issues commands to node agents. Every exchange is its own TCP
// session; a past generation of this system tried to multiplex a single
// control socket and paid for it.
type agentClient interface {
	Start(addr string, msg proto.Start, timeout time.Duration) (pid int, err error)
	Cancel(addr, jobID string, timeout time.Duration) error
	QueryResources(addr string, timeout time.Duration) (proto.Resources, error)
}

type tcpAgentClient struct{}

func (c *tcpAgentClient) roundTrip(addr string, req interface{}, timeout time.Duration) (proto.Ack, error) {
	conn, err := proto.Dial(addr, timeout)
	if err != nil {
		return proto.Ack{}, err
	}
	defer conn.Close()

	if timeout > 0 {
		_ = conn.SetReadDeadline(time.Now().Add(timeout))
	}
	if err := conn.Write(req); err != nil {
		return proto.Ack{}, err
	}
	typ, raw, err := conn.ReadTyped()
	if err != nil {
		return proto.Ack{}, errors.Wrapf(err, "reading response from %s", addr)
	}
	switch typ {
	case proto.TypeAck:
		var ack proto.Ack
		if err := proto.Unmarshal(raw, &ack); err != nil {
			return proto.Ack{}, err
		}
		if !ack.OK {
			return ack, errors.Errorf("agent %s refused the request", addr)
		}
		return ack, nil
	case proto.TypeError:
		var e proto.Error
		if err := proto.Unmarshal(raw, &e); err != nil {
			return proto.Ack{}, err
		}
		return proto.Ack{}, errors.Errorf("agent %s: %s (%s)", addr, e.Reason, e.Code)
	default:
		return proto.Ack{}, errors.Errorf("agent %s answered with unexpected %q", addr, typ)
	}
}

func (c *tcpAgentClient) Start(addr string, msg proto.Start, timeout time.Duration) (int, error) {
	msg.Type = proto.TypeStart
	ack, err := c.roundTrip(addr, msg, timeout)
	if err != nil {
		return 0, errors.Wrapf(err, "starting job %s", msg.JobID)
	}
	return ack.PID, nil
}

func (c *tcpAgentClient) Cancel(addr, jobID string, timeout time.Duration) error {
	_, err := c.roundTrip(addr, proto.Cancel{Type: proto.TypeCancel, JobID: jobID}, timeout)
	return errors.Wrapf(err, "cancelling job %s", jobID)
}

func (c *tcpAgentClient) QueryResources(addr string, timeout time.Duration) (proto.Resources, error) {
	conn, err := proto.Dial(addr, timeout)
	if err != nil {
		return proto.Resources{}, err
	}
	defer conn.Close()

	if timeout > 0 {
		_ = conn.SetReadDeadline(time.Now().Add(timeout))
	}
	if err := conn.Write(proto.QueryResources{Type: proto.TypeQueryResources}); err != nil {
		return proto.Resources{}, err
	}
	var res proto.Resources
	if err := conn.Read(&res); err != nil {
		return proto.Resources{}, errors.Wrapf(err, "reading resources from %s", addr)
	}
	return res, nil
}

func noSuchNodeError(nodeID string) error {
	return errors.Errorf("node %s is no longer registered", nodeID)
}
