// Package client implements the one-shot RPC surface used by the mgpu CLI:
// submit, queue, cancel, and output-stream attachment.
package client

import (
	"fmt"
	"io"
	"net"
	"time"

	"github.com/pkg/errors"

	"github.com/Uuuuuuho/mgpu-server/internal/config"
	"github.com/Uuuuuuho/mgpu-server/pkg/proto"
)

// APIError is a failure reported by the master on the wire, as opposed to a
// transport failure.
type APIError struct {
	Code   string
	Reason string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%s (%s)", e.Reason, e.Code)
}

// Client issues requests to the master, one fresh TCP connection per command.
type Client struct {
	cfg *config.ClientConfig
}

// New creates a client from the given configuration.
func New(cfg *config.ClientConfig) *Client {
	return &Client{cfg: cfg}
}

func (c *Client) dial() (*proto.Conn, error) {
	addr := fmt.Sprintf("%s:%d", c.cfg.MasterHost, c.cfg.MasterPort)
	return proto.Dial(addr, c.cfg.ConnectionTimeoutD())
}

// roundTrip sends req and decodes a single ack-or-error response.
func (c *Client) roundTrip(req interface{}) (proto.Ack, error) {
	conn, err := c.dial()
	if err != nil {
		return proto.Ack{}, err
	}
	defer conn.Close()
	return readAck(conn, req)
}

func readAck(conn *proto.Conn, req interface{}) (proto.Ack, error) {
	if err := conn.Write(req); err != nil {
		return proto.Ack{}, err
	}
	typ, raw, err := conn.ReadTyped()
	if err != nil {
		return proto.Ack{}, errors.Wrap(err, "reading response")
	}
	switch typ {
	case proto.TypeAck:
		var ack proto.Ack
		if err := proto.Unmarshal(raw, &ack); err != nil {
			return proto.Ack{}, err
		}
		return ack, nil
	case proto.TypeError:
		var e proto.Error
		if err := proto.Unmarshal(raw, &e); err != nil {
			return proto.Ack{}, err
		}
		return proto.Ack{}, &APIError{Code: e.Code, Reason: e.Reason}
	default:
		return proto.Ack{}, errors.Errorf("unexpected response type %q", typ)
	}
}

// Submit enqueues a job and returns its id. The connection is closed; use
// SubmitAttached for interactive submits.
func (c *Client) Submit(spec proto.JobSpec) (string, error) {
	ack, err := c.roundTrip(proto.Submit{Type: proto.TypeSubmit, Spec: spec})
	if err != nil {
		return "", err
	}
	return ack.JobID, nil
}

// SubmitAttached enqueues an interactive job and returns the job id together
// with the open connection, which the master has turned into the output
// stream. The caller owns the connection.
func (c *Client) SubmitAttached(spec proto.JobSpec) (string, *proto.Conn, error) {
	spec.Interactive = true
	conn, err := c.dial()
	if err != nil {
		return "", nil, err
	}
	ack, err := readAck(conn, proto.Submit{Type: proto.TypeSubmit, Spec: spec})
	if err != nil {
		conn.Close()
		return "", nil, err
	}
	return ack.JobID, conn, nil
}

// Queue fetches the cluster snapshot.
func (c *Client) Queue() (proto.Ack, error) {
	return c.roundTrip(proto.Queue{Type: proto.TypeQueue})
}

// Cancel requests cancellation and returns the job's prior status. The call
// blocks until the master has retired the job.
func (c *Client) Cancel(jobID string) (string, error) {
	ack, err := c.roundTrip(proto.Cancel{Type: proto.TypeCancel, JobID: jobID})
	if err != nil {
		return "", err
	}
	return ack.PriorStatus, nil
}

// Attach opens an output stream for an existing job. The caller owns the
// returned connection.
func (c *Client) Attach(jobID string) (*proto.Conn, error) {
	conn, err := c.dial()
	if err != nil {
		return nil, err
	}
	if err := conn.Write(proto.Attach{Type: proto.TypeAttach, JobID: jobID}); err != nil {
		conn.Close()
		return nil, err
	}
	return conn, nil
}

// Stream copies the job's output from an attached connection until the exit
// message arrives, honoring the configured timeouts (all unbounded by
// default). Output may keep arriving after a cancel was sent; callers drain
// until exit.
func (c *Client) Stream(conn *proto.Conn, stdout, stderr io.Writer) (proto.Exit, error) {
	var sessionDeadline time.Time
	if d := c.cfg.SessionTimeoutD(); d > 0 {
		sessionDeadline = time.Now().Add(d)
	}

	consecutiveTimeouts := 0
	for {
		deadline := sessionDeadline
		if d := c.cfg.MaxWaitTimeD(); d > 0 {
			readDeadline := time.Now().Add(d)
			if deadline.IsZero() || readDeadline.Before(deadline) {
				deadline = readDeadline
			}
		}
		_ = conn.SetReadDeadline(deadline)

		typ, raw, err := conn.ReadTyped()
		if err != nil {
			if netErr, ok := errors.Cause(err).(net.Error); ok && netErr.Timeout() {
				if !sessionDeadline.IsZero() && !time.Now().Before(sessionDeadline) {
					return proto.Exit{}, errors.New("session timeout exceeded")
				}
				consecutiveTimeouts++
				if max := c.cfg.MaxConsecutiveTimeouts; max > 0 && consecutiveTimeouts >= max {
					return proto.Exit{}, errors.Errorf(
						"no output after %d consecutive read timeouts", consecutiveTimeouts)
				}
				continue
			}
			return proto.Exit{}, errors.Wrap(err, "reading output stream")
		}
		consecutiveTimeouts = 0

		switch typ {
		case proto.TypeOut:
			var chunk proto.Out
			if err := proto.Unmarshal(raw, &chunk); err != nil {
				return proto.Exit{}, err
			}
			w := stdout
			if chunk.Stream == proto.StreamStderr {
				w = stderr
			}
			if _, err := w.Write(chunk.Data); err != nil {
				return proto.Exit{}, errors.Wrap(err, "writing output")
			}
		case proto.TypeExit:
			var exit proto.Exit
			if err := proto.Unmarshal(raw, &exit); err != nil {
				return proto.Exit{}, err
			}
			return exit, nil
		case proto.TypeError:
			var e proto.Error
			if err := proto.Unmarshal(raw, &e); err != nil {
				return proto.Exit{}, err
			}
			return proto.Exit{}, &APIError{Code: e.Code, Reason: e.Reason}
		default:
			return proto.Exit{}, errors.Errorf("unexpected message %q on output stream", typ)
		}
	}
}
