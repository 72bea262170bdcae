package federation

import (
	"sync/atomic"
	"time"

	"zonelink/pkg/types"
)

// SessionState is the lifecycle state of a transfer session
type SessionState int

const (
	SessionOpen      SessionState = iota
	SessionCompleted              // completion succeeded
	SessionFailed                 // a write or the completion failed
)

func (s SessionState) String() string {
	switch s {
	case SessionOpen:
		return "open"
	case SessionCompleted:
		return "completed"
	case SessionFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// transferSession holds what both directions share. A session belongs to
// the goroutine that opened it and is not safe for concurrent use.
type transferSession struct {
	id       string
	endpoint string
	object   types.ObjectID
	started  time.Time
	state    SessionState
	consumed bool
}

func (s *transferSession) ID() string { return s.id }
func (s *transferSession) Endpoint() string { return s.endpoint }
func (s *transferSession) Object() types.ObjectID { return s.object }
func (s *transferSession) Started() time.Time { return s.started }
func (s *transferSession) State() SessionState { return s.state }

// consume marks the session as handed to its completion call. It returns
// false when the session was already consumed.
func (s *transferSession) consume() bool {
	if s.consumed {
		return false
	}
	s.consumed = true
	return true
}

func (s *transferSession) finish(err error) {
	if err != nil {
		s.state = SessionFailed
		return
	}
	s.state = SessionCompleted
}

// SendSession is an upload to a peer. Write the object's bytes to it, then
// pass it to PeerConnection.CompleteSend.
type SendSession struct {
	transferSession
	size    int64
	written int64
	stream  UploadStream
}

// Write streams p to the peer
func (s *SendSession) Write(p []byte) (int, error) {
	if s.consumed {
		return 0, ErrSessionClosed
	}
	n, err := s.stream.Write(p)
	s.written += int64(n)
	if err != nil {
		s.state = SessionFailed
	}
	return n, err
}

// Size is the object size declared when the session was opened
func (s *SendSession) Size() int64 { return s.size }

// Written is the number of bytes accepted so far
func (s *SendSession) Written() int64 { return s.written }

// ReceiveSession is a download from a peer feeding a DataSink. Pass it to
// PeerConnection.CompleteReceive to wait for the end of the transfer.
type ReceiveSession struct {
	transferSession
	prependMetadata bool
	received        atomic.Int64
	stream          DownloadStream
}

// Received is the number of bytes handed to the sink so far
func (s *ReceiveSession) Received() int64 { return s.received.Load() }

func (s *ReceiveSession) PrependMetadata() bool { return s.prependMetadata }

// countingSink tracks bytes delivered to the caller's sink
type countingSink struct {
	sink DataSink
	n    *atomic.Int64
}

func (c countingSink) HandleData(p []byte) error {
	if err := c.sink.HandleData(p); err != nil {
		return err
	}
	c.n.Add(int64(len(p)))
	return nil
}
