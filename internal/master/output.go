package master

import (
	log "github.com/sirupsen/logrus"

	"github.com/Uuuuuuho/mgpu-server/pkg/proto"
)

// outputRing keeps the newest output chunks of one job, bounded by a byte
// budget rather than a chunk count. Attaching clients replay the ring before
// receiving live chunks.
type outputRing struct {
	max    int
	chunks []proto.Out
	size   int
}

func newOutputRing(maxBytes int) *outputRing {
	return &outputRing{max: maxBytes}
}

func (r *outputRing) append(chunk proto.Out) {
	r.chunks = append(r.chunks, chunk)
	r.size += len(chunk.Data)
	for r.size > r.max && len(r.chunks) > 1 {
		r.size -= len(r.chunks[0].Data)
		r.chunks = r.chunks[1:]
	}
}

func (r *outputRing) snapshot() []proto.Out {
	return append([]proto.Out(nil), r.chunks...)
}

// subscriber is one attached client stream. A dedicated writer goroutine
// drains ch so a stalled client never blocks the fan-out; when the buffer
// fills the subscriber is dropped instead.
type subscriber struct {
	conn   *proto.Conn
	ch     chan interface{}
	closed bool
	// droppedByServer marks a backpressure drop, which must not be mistaken
	// for a client disconnect by cancel-on-detach logic.
	droppedByServer bool
	// onDetach runs when the client disappears before the job's exit message
	// is delivered. Used by interactive submits tied to the client.
	onDetach func()
}

const subscriberBuffer = 256

// newSubscriber sizes the channel to hold a full ring replay plus headroom for
// live chunks, so attaching never drops the history it was just promised.
func newSubscriber(conn *proto.Conn, replay int, onDetach func()) *subscriber {
	return &subscriber{
		conn:     conn,
		ch:       make(chan interface{}, replay+subscriberBuffer),
		onDetach: onDetach,
	}
}

// run copies queued messages to the client until the channel closes or a
// write fails. It returns true if the exit message was delivered.
func (s *subscriber) run() bool {
	for msg := range s.ch {
		if err := s.conn.Write(msg); err != nil {
			log.WithError(err).Debug("dropping attached client")
			return false
		}
		if _, isExit := msg.(proto.Exit); isExit {
			return true
		}
	}
	return false
}

// streams is the per-job fan-out state held by the master.
type streams struct {
	ring *outputRing
	subs map[*subscriber]struct{}
}

func newStreams(ringBytes int) *streams {
	return &streams{
		ring: newOutputRing(ringBytes),
		subs: make(map[*subscriber]struct{}),
	}
}

// fanout appends the chunk to the ring and offers it to every subscriber.
// Backpressured subscribers are dropped but do not slow the job.
func (st *streams) fanout(chunk proto.Out) {
	st.ring.append(chunk)
	for sub := range st.subs {
		st.offer(sub, chunk)
	}
}

// finish delivers the exit message to every subscriber and closes them.
func (st *streams) finish(exit proto.Exit) {
	for sub := range st.subs {
		st.offer(sub, exit)
		st.close(sub)
	}
}

func (st *streams) offer(sub *subscriber, msg interface{}) {
	if sub.closed {
		return
	}
	select {
	case sub.ch <- msg:
	default:
		log.Debug("dropping backpressured client stream")
		sub.droppedByServer = true
		st.close(sub)
	}
}

func (st *streams) close(sub *subscriber) {
	if sub.closed {
		return
	}
	sub.closed = true
	close(sub.ch)
	delete(st.subs, sub)
}
