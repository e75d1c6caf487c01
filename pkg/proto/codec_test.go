package proto

import (
	"net"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func connPair(t *testing.T) (*Conn, *Conn) {
	t.Helper()
	a, b := net.Pipe()
	t.Cleanup(func() {
		a.Close()
		b.Close()
	})
	return NewConn(a), NewConn(b)
}

func TestRoundTrip(t *testing.T) {
	left, right := connPair(t)

	go func() {
		_ = left.Write(Cancel{Type: TypeCancel, JobID: "abcd1234"})
	}()

	typ, raw, err := right.ReadTyped()
	require.NoError(t, err)
	assert.Equal(t, TypeCancel, typ)

	var msg Cancel
	require.NoError(t, Unmarshal(raw, &msg))
	assert.Equal(t, "abcd1234", msg.JobID)
}

func TestOutChunkDataIsBase64OnTheWire(t *testing.T) {
	left, right := connPair(t)

	go func() {
		_ = left.Write(Out{Type: TypeOut, JobID: "j", Stream: StreamStdout, Data: []byte("hi\n")})
	}()

	raw, err := right.ReadRaw()
	require.NoError(t, err)
	assert.Contains(t, string(raw), `"data":"aGkK"`)

	var msg Out
	require.NoError(t, Unmarshal(raw, &msg))
	assert.Equal(t, []byte("hi\n"), msg.Data)
}

func TestReadSurvivesDeadlineMidMessage(t *testing.T) {
	a, b := net.Pipe()
	defer a.Close()
	defer b.Close()
	reader := NewConn(b)

	// First half of a message, then a read deadline fires, then the rest.
	go func() {
		_, _ = a.Write([]byte(`{"type":"cancel",`))
		time.Sleep(50 * time.Millisecond)
		_, _ = a.Write([]byte(`"job_id":"ffff0000"}` + "\n"))
	}()

	require.NoError(t, reader.SetReadDeadline(time.Now().Add(20*time.Millisecond)))
	_, _, err := reader.ReadTyped()
	require.Error(t, err)
	netErr, ok := err.(net.Error)
	require.True(t, ok)
	assert.True(t, netErr.Timeout())

	require.NoError(t, reader.SetReadDeadline(time.Time{}))
	typ, raw, err := reader.ReadTyped()
	require.NoError(t, err)
	assert.Equal(t, TypeCancel, typ)

	var msg Cancel
	require.NoError(t, Unmarshal(raw, &msg))
	assert.Equal(t, "ffff0000", msg.JobID)
}

func TestOversizedMessageRejected(t *testing.T) {
	a, b := net.Pipe()
	defer a.Close()
	defer b.Close()
	reader := NewConn(b)

	go func() {
		huge := strings.Repeat("x", MaxLineBytes+1024)
		_, _ = a.Write([]byte(huge))
	}()

	_, err := reader.ReadRaw()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "exceeds")
}

func TestMessageWithoutTypeRejected(t *testing.T) {
	a, b := net.Pipe()
	defer a.Close()
	defer b.Close()
	reader := NewConn(b)

	go func() {
		_, _ = a.Write([]byte(`{"job_id":"x"}` + "\n"))
	}()

	_, _, err := reader.ReadTyped()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no type field")
}
