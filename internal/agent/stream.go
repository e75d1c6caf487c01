package agent

import (
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/Uuuuuuho/mgpu-server/pkg/proto"
)

// streamUploader owns the dedicated output connection of one job. A dropped
// stream does not fail the job: chunks produced while disconnected are lost
// from the live stream and the uploader keeps retrying while the child lives.
type streamUploader struct {
	addr   string
	jobID  string
	nodeID string
	log    *log.Entry

	conn        *proto.Conn
	nextAttempt time.Time
}

func newStreamUploader(addr, jobID, nodeID string, logger *log.Entry) *streamUploader {
	return &streamUploader{
		addr:   addr,
		jobID:  jobID,
		nodeID: nodeID,
		log:    logger.WithField("job", jobID),
	}
}

// ensure dials the master and sends the stream hello, rate-limiting redial
// attempts so a dead master does not spin the supervisor.
func (s *streamUploader) ensure() bool {
	if s.conn != nil {
		return true
	}
	if time.Now().Before(s.nextAttempt) {
		return false
	}
	conn, err := proto.Dial(s.addr, 5*time.Second)
	if err != nil {
		s.nextAttempt = time.Now().Add(2 * time.Second)
		s.log.WithError(err).Debug("output stream dial failed")
		return false
	}
	hello := proto.StreamHello{Type: proto.TypeStream, JobID: s.jobID, NodeID: s.nodeID}
	if err := conn.Write(hello); err != nil {
		conn.Close()
		s.nextAttempt = time.Now().Add(2 * time.Second)
		return false
	}
	s.conn = conn
	return true
}

func (s *streamUploader) sendChunk(data []byte) {
	if !s.ensure() {
		return
	}
	msg := proto.Out{
		Type:   proto.TypeOut,
		JobID:  s.jobID,
		Stream: proto.StreamStdout,
		Data:   append([]byte(nil), data...),
	}
	if err := s.conn.Write(msg); err != nil {
		s.log.WithError(err).Debug("output stream write failed, will reconnect")
		s.conn.Close()
		s.conn = nil
	}
}

// sendExit delivers the terminal message, retrying: the master retires the
// job from this report, so unlike chunks it is worth fighting for.
func (s *streamUploader) sendExit(code int, signal *int) {
	msg := proto.Exit{Type: proto.TypeExit, JobID: s.jobID, Code: code, Signal: signal}
	for attempt := 0; attempt < 5; attempt++ {
		s.nextAttempt = time.Time{}
		if s.ensure() {
			if err := s.conn.Write(msg); err == nil {
				return
			}
			s.conn.Close()
			s.conn = nil
		}
		time.Sleep(time.Duration(attempt+1) * time.Second)
	}
	s.log.Error("giving up on delivering exit report")
}

func (s *streamUploader) close() {
	if s.conn != nil {
		s.conn.Close()
		s.conn = nil
	}
}
