package proto

import (
	"bufio"
	"encoding/json"
	"net"
	"time"

	"github.com/pkg/errors"
)

// MaxLineBytes bounds a single wire message. Output chunks are at most 64 KiB
// of raw bytes, which base64 inflates by 4/3; everything else is far smaller.
const MaxLineBytes = 1 << 20

// Conn frames line-delimited JSON messages over a net.Conn.
type Conn struct {
	raw net.Conn
	r   *bufio.Reader
	// partial retains an incomplete line across calls so a read deadline
	// firing mid-message never corrupts the framing.
	partial []byte
}

// NewConn wraps an established connection.
func NewConn(raw net.Conn) *Conn {
	return &Conn{raw: raw, r: bufio.NewReaderSize(raw, 64<<10)}
}

// Dial connects to addr and wraps the connection. A zero timeout dials without
// a bound.
func Dial(addr string, timeout time.Duration) (*Conn, error) {
	var (
		raw net.Conn
		err error
	)
	if timeout > 0 {
		raw, err = net.DialTimeout("tcp", addr, timeout)
	} else {
		raw, err = net.Dial("tcp", addr)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "dialing %s", addr)
	}
	return NewConn(raw), nil
}

// Raw exposes the underlying connection for deadline control.
func (c *Conn) Raw() net.Conn { return c.raw }

// Close closes the underlying connection.
func (c *Conn) Close() error { return c.raw.Close() }

// SetReadDeadline forwards to the underlying connection. A zero deadline
// clears any pending one.
func (c *Conn) SetReadDeadline(t time.Time) error { return c.raw.SetReadDeadline(t) }

// Write marshals msg and sends it as one line.
func (c *Conn) Write(msg interface{}) error {
	bs, err := json.Marshal(msg)
	if err != nil {
		return errors.Wrap(err, "marshaling message")
	}
	bs = append(bs, '\n')
	if _, err := c.raw.Write(bs); err != nil {
		return errors.Wrap(err, "writing message")
	}
	return nil
}

// ReadRaw reads one line and returns its bytes without the trailing newline.
func (c *Conn) ReadRaw() ([]byte, error) {
	for {
		line, err := c.r.ReadSlice('\n')
		c.partial = append(c.partial, line...)
		// A pending line that already holds MaxLineBytes without its newline
		// can only end over the bound, so reject it without waiting for more.
		if len(c.partial) > MaxLineBytes || (err != nil && len(c.partial) >= MaxLineBytes) {
			return nil, errors.Errorf("message exceeds %d bytes", MaxLineBytes)
		}
		if err == bufio.ErrBufferFull {
			continue
		}
		if err != nil {
			return nil, err
		}
		out := c.partial[:len(c.partial)-1]
		c.partial = nil
		return out, nil
	}
}

// Read reads one line and unmarshals it into msg.
func (c *Conn) Read(msg interface{}) error {
	bs, err := c.ReadRaw()
	if err != nil {
		return err
	}
	if err := json.Unmarshal(bs, msg); err != nil {
		return errors.Wrap(err, "unmarshaling message")
	}
	return nil
}

// envelope is the minimal decode used to dispatch on the type tag.
type envelope struct {
	Type string `json:"type"`
}

// ReadTyped reads one line and returns its type tag together with the raw
// bytes, which the caller re-unmarshals into the concrete message.
func (c *Conn) ReadTyped() (string, []byte, error) {
	bs, err := c.ReadRaw()
	if err != nil {
		return "", nil, err
	}
	var env envelope
	if err := json.Unmarshal(bs, &env); err != nil {
		return "", nil, errors.Wrap(err, "unmarshaling message envelope")
	}
	if env.Type == "" {
		return "", nil, errors.New("message has no type field")
	}
	return env.Type, bs, nil
}

// Unmarshal decodes raw bytes previously returned by ReadTyped.
func Unmarshal(bs []byte, msg interface{}) error {
	return errors.Wrap(json.Unmarshal(bs, msg), "unmarshaling message")
}
