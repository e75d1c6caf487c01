package master

import (
	"bytes"
	"fmt"
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Uuuuuuho/mgpu-server/pkg/proto"
)

func chunk(jobID string, data string) proto.Out {
	return proto.Out{Type: proto.TypeOut, JobID: jobID, Stream: proto.StreamStdout,
		Data: []byte(data)}
}

func TestOutputRingEvictsOldestFirst(t *testing.T) {
	ring := newOutputRing(100)
	for i := 0; i < 10; i++ {
		ring.append(chunk("j", fmt.Sprintf("chunk-%d-aaaaaaaaaaaaaaaaaaaa", i))) // 28 bytes
	}

	snap := ring.snapshot()
	require.NotEmpty(t, snap)
	assert.LessOrEqual(t, ring.size, 100)
	// The newest chunk always survives; the oldest are gone.
	assert.Contains(t, string(snap[len(snap)-1].Data), "chunk-9")
	assert.NotContains(t, string(snap[0].Data), "chunk-0")
}

func TestOutputRingKeepsOversizedChunk(t *testing.T) {
	ring := newOutputRing(10)
	ring.append(chunk("j", "this single chunk exceeds the whole budget"))
	snap := ring.snapshot()
	require.Len(t, snap, 1)
}

func TestFanoutDropsBackpressuredSubscriber(t *testing.T) {
	st := newStreams(1 << 20)

	a, b := net.Pipe()
	defer a.Close()
	defer b.Close()
	sub := newSubscriber(proto.NewConn(a), 0, nil)
	st.subs[sub] = struct{}{}

	// Nothing drains sub.ch, so the buffer eventually fills and the
	// subscriber is dropped rather than stalling the fan-out.
	for i := 0; i < subscriberBuffer+10; i++ {
		st.fanout(chunk("j", "x"))
	}
	assert.True(t, sub.closed)
	assert.True(t, sub.droppedByServer)
	assert.NotContains(t, st.subs, sub)
	// The ring kept everything regardless.
	assert.Equal(t, subscriberBuffer+10, len(st.ring.snapshot()))
}

func TestSubscriberDeliveryOrderIsPrefix(t *testing.T) {
	st := newStreams(1 << 20)

	a, b := net.Pipe()
	defer b.Close()
	sub := newSubscriber(proto.NewConn(a), 0, nil)
	st.subs[sub] = struct{}{}

	var wrote bytes.Buffer
	for i := 0; i < 20; i++ {
		data := fmt.Sprintf("line %d\n", i)
		wrote.WriteString(data)
		st.fanout(chunk("j", data))
	}
	st.finish(proto.Exit{Type: proto.TypeExit, JobID: "j", Code: 0})

	done := make(chan bool)
	go func() { done <- sub.run() }()

	var got bytes.Buffer
	reader := proto.NewConn(b)
	for {
		typ, raw, err := reader.ReadTyped()
		require.NoError(t, err)
		if typ == proto.TypeExit {
			break
		}
		var out proto.Out
		require.NoError(t, proto.Unmarshal(raw, &out))
		got.Write(out.Data)
	}
	assert.True(t, <-done, "exit message must be delivered")

	// What the client saw is exactly a prefix of what the job wrote.
	assert.True(t, bytes.HasPrefix(wrote.Bytes(), got.Bytes()))
	assert.Equal(t, wrote.String(), got.String())
	a.Close()
}
