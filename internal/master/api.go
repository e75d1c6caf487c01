package master

import (
	"context"
	"fmt"
	"io"

	log "github.com/sirupsen/logrus"

	"github.com/Uuuuuuho/mgpu-server/pkg/proto"
)

// handleConn serves one inbound TCP connection. Every logical exchange is its
// own session: clients and agents open a fresh connection per request, except
// for the agent's heartbeat and output-stream connections, which carry a
// message sequence.
func (m *Master) handleConn(ctx context.Context, conn *proto.Conn) {
	defer conn.Close()

	typ, raw, err := conn.ReadTyped()
	if err != nil {
		if err != io.EOF {
			log.WithError(err).Debug("dropping undecodable connection")
		}
		return
	}

	switch typ {
	case proto.TypeSubmit:
		m.handleSubmit(conn, raw)
	case proto.TypeQueue:
		_ = conn.Write(m.snapshot())
	case proto.TypeCancel:
		var msg proto.Cancel
		if proto.Unmarshal(raw, &msg) != nil {
			_ = conn.Write(proto.NewError(proto.ErrInvalidSpec, "malformed cancel"))
			return
		}
		ack, wireErr := m.cancel(msg.JobID)
		if wireErr != nil {
			_ = conn.Write(*wireErr)
			return
		}
		_ = conn.Write(ack)
	case proto.TypeAttach:
		var msg proto.Attach
		if proto.Unmarshal(raw, &msg) != nil {
			_ = conn.Write(proto.NewError(proto.ErrInvalidSpec, "malformed attach"))
			return
		}
		m.serveAttach(conn, msg.JobID, nil)
	case proto.TypeRegister, proto.TypeHeartbeat:
		m.serveAgentSession(conn, typ, raw)
	case proto.TypeStream:
		m.serveStream(conn, raw)
	default:
		_ = conn.Write(proto.NewError(proto.ErrUnknownType,
			fmt.Sprintf("unknown message type %q", typ)))
	}
}

func (m *Master) handleSubmit(conn *proto.Conn, raw []byte) {
	var msg proto.Submit
	if proto.Unmarshal(raw, &msg) != nil {
		_ = conn.Write(proto.NewError(proto.ErrInvalidSpec, "malformed submit"))
		return
	}
	jobID, wireErr := m.submit(msg.Spec)
	if wireErr != nil {
		_ = conn.Write(*wireErr)
		return
	}
	ack := proto.NewAck()
	ack.JobID = jobID
	if err := conn.Write(ack); err != nil {
		return
	}
	if !msg.Spec.Interactive {
		return
	}

	// Interactive submit: the same connection becomes the output stream. A
	// vanished client optionally takes the job down with it.
	var onDetach func()
	if msg.Spec.CancelOnDetach {
		onDetach = func() {
			m.log.Infof("interactive client for job %s disconnected, cancelling", jobID)
			_, _ = m.cancel(jobID)
		}
	}
	m.serveAttach(conn, jobID, onDetach)
}

// serveAttach subscribes conn to a job's output and blocks until the stream
// finishes or the client goes away.
func (m *Master) serveAttach(conn *proto.Conn, jobID string, onDetach func()) {
	m.mu.Lock()
	j, ok := m.jobs[jobID]
	if !ok {
		m.mu.Unlock()
		_ = conn.Write(proto.NewError(proto.ErrUnknownJob, fmt.Sprintf("no such job %q", jobID)))
		return
	}
	st := m.streams[jobID]
	if st == nil {
		m.mu.Unlock()
		_ = conn.Write(proto.NewError(proto.ErrNoHistory,
			fmt.Sprintf("job %q is not running and has no retained output", jobID)))
		return
	}

	replay := st.ring.snapshot()
	sub := newSubscriber(conn, len(replay), onDetach)
	for _, chunk := range replay {
		sub.ch <- chunk
	}
	if j.state.Terminal() {
		code := 0
		if j.exitCode != nil {
			code = *j.exitCode
		}
		sub.ch <- proto.Exit{Type: proto.TypeExit, JobID: jobID, Code: code, Signal: j.signal}
		st.close(sub)
	} else {
		st.subs[sub] = struct{}{}
		// Writes only detect a vanished client when there is output to write;
		// a reader notices the disconnect even while the job is silent.
		go func() {
			_, _ = conn.ReadRaw()
			m.mu.Lock()
			if st := m.streams[jobID]; st != nil {
				st.close(sub)
			}
			m.mu.Unlock()
		}()
	}
	m.mu.Unlock()

	delivered := sub.run()

	m.mu.Lock()
	if st := m.streams[jobID]; st != nil {
		st.close(sub)
	}
	m.mu.Unlock()

	if !delivered && !sub.droppedByServer && sub.onDetach != nil {
		sub.onDetach()
	}
}

// serveAgentSession handles a registration or heartbeat connection. Agents
// may reuse the connection for subsequent heartbeats.
func (m *Master) serveAgentSession(conn *proto.Conn, typ string, raw []byte) {
	for {
		switch typ {
		case proto.TypeRegister:
			var msg proto.Register
			if err := proto.Unmarshal(raw, &msg); err != nil {
				_ = conn.Write(proto.NewError(proto.ErrInvalidSpec, "malformed register"))
				return
			}
			m.register(msg)
			if err := conn.Write(proto.NewAck()); err != nil {
				return
			}
		case proto.TypeHeartbeat:
			var msg proto.Heartbeat
			if err := proto.Unmarshal(raw, &msg); err != nil {
				_ = conn.Write(proto.NewError(proto.ErrInvalidSpec, "malformed heartbeat"))
				return
			}
			m.heartbeat(msg)
			if err := conn.Write(proto.NewAck()); err != nil {
				return
			}
		default:
			_ = conn.Write(proto.NewError(proto.ErrUnknownType,
				fmt.Sprintf("unexpected %q on agent session", typ)))
			return
		}

		var err error
		typ, raw, err = conn.ReadTyped()
		if err != nil {
			return
		}
	}
}

// serveStream consumes a job's output upload connection: a stream hello
// followed by out chunks and a final exit report.
func (m *Master) serveStream(conn *proto.Conn, raw []byte) {
	var hello proto.StreamHello
	if err := proto.Unmarshal(raw, &hello); err != nil {
		log.WithError(err).Debug("dropping malformed stream hello")
		return
	}
	streamLog := m.log.WithField("job", hello.JobID).WithField("node", hello.NodeID)
	streamLog.Debug("output stream attached")

	for {
		typ, raw, err := conn.ReadTyped()
		if err != nil {
			if err != io.EOF {
				streamLog.WithError(err).Debug("output stream dropped")
			}
			return
		}
		switch typ {
		case proto.TypeOut:
			var chunk proto.Out
			if err := proto.Unmarshal(raw, &chunk); err != nil {
				streamLog.WithError(err).Debug("discarding malformed output chunk")
				continue
			}
			m.mu.Lock()
			if st := m.streams[chunk.JobID]; st != nil {
				st.fanout(chunk)
			}
			m.mu.Unlock()
		case proto.TypeExit:
			var exit proto.Exit
			if err := proto.Unmarshal(raw, &exit); err != nil {
				streamLog.WithError(err).Debug("discarding malformed exit report")
				return
			}
			m.handleExit(exit.JobID, hello.NodeID, exit.Code, exit.Signal)
			return
		default:
			streamLog.Debugf("unexpected %q on output stream", typ)
		}
	}
}
