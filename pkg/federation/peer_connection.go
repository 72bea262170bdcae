package federation

import (
	"context"
	"fmt"
	"time"

	"zonelink/pkg/auth"
	"zonelink/pkg/types"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// PeerConnection talks to one peer zone on behalf of the local zone. It is
// built once per configured peer and is safe for concurrent use; only the
// endpoint pool cursor changes after construction.
type PeerConnection struct {
	pool      *EndpointPool
	key       auth.SigningKey
	zone      string
	peer      string
	transport RestTransport
	logger    *zap.Logger
	metrics   *Metrics

	// zonePrependFlag sends the zone name as the prepend-metadata value
	// instead of "true", for peers that expect the older form.
	zonePrependFlag bool
}

type Option func(*PeerConnection)

func WithLogger(logger *zap.Logger) Option {
	return func(c *PeerConnection) {
		if logger != nil {
			c.logger = logger
		}
	}
}

func WithMetrics(m *Metrics) Option {
	return func(c *PeerConnection) {
		c.metrics = m
	}
}

// WithPeerName labels the connection with the remote zone's name
func WithPeerName(name string) Option {
	return func(c *PeerConnection) {
		c.peer = name
	}
}

// WithZonePrependFlag makes receives send the local zone name as the value
// of the prepend-metadata parameter.
func WithZonePrependFlag() Option {
	return func(c *PeerConnection) {
		c.zonePrependFlag = true
	}
}

// NewPeerConnection creates a connection to the peer reachable at endpoints.
// key is the local zone's system key and zone the local zone name.
func NewPeerConnection(endpoints []string, key auth.SigningKey, zone string, transport RestTransport, opts ...Option) *PeerConnection {
	c := &PeerConnection{
		pool:      NewEndpointPool(endpoints),
		key:       key,
		zone:      zone,
		transport: transport,
		logger:    zap.NewNop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Zone returns the local zone name sent with every call
func (c *PeerConnection) Zone() string {
	return c.zone
}

// Peer returns the remote zone name set with WithPeerName
func (c *PeerConnection) Peer() string {
	return c.peer
}

func (c *PeerConnection) Endpoints() []string {
	return c.pool.Endpoints()
}

func (c *PeerConnection) selectEndpoint() (string, error) {
	endpoint, err := c.pool.Select()
	c.metrics.recordSelect(endpoint, err)
	if err != nil {
		c.logger.Debug("No endpoint available for peer zone", zap.String("zone", c.zone))
		return "", err
	}
	return endpoint, nil
}

// Forward relays a metadata request to the peer and returns its response
// body, capped at maxResponse bytes. Transport errors are returned as is.
func (c *PeerConnection) Forward(ctx context.Context, uid string, info types.RequestInfo, maxResponse int64, body []byte) ([]byte, error) {
	endpoint, err := c.selectEndpoint()
	if err != nil {
		return nil, err
	}

	params := c.BuildParams(uid)
	c.metrics.recordStart(DirectionForward)
	start := time.Now()

	c.logger.Debug("Forwarding request to peer",
		zap.String("endpoint", endpoint),
		zap.String("method", info.Method),
		zap.String("resource", info.Resource),
		zap.String("uid", uid))

	out, err := c.transport.Replay(ctx, endpoint, c.key, info, params, maxResponse, body)
	c.metrics.recordDone(DirectionForward, time.Since(start).Seconds(), err)
	if err != nil {
		return nil, err
	}
	return out, nil
}

// BeginSend opens an upload of obj to the peer. On error nothing is left open.
func (c *PeerConnection) BeginSend(ctx context.Context, uid string, obj types.ObjectID, size int64, attrs types.Attrs) (*SendSession, error) {
	endpoint, err := c.selectEndpoint()
	if err != nil {
		return nil, err
	}

	params := c.BuildParams(uid)
	c.metrics.recordStart(DirectionSend)
	started := time.Now()

	stream, err := c.transport.OpenUpload(ctx, endpoint, c.key, obj, size, attrs, params)
	if err != nil {
		c.metrics.recordDone(DirectionSend, 0, err)
		return nil, err
	}

	s := &SendSession{
		transferSession: transferSession{
			id:       uuid.NewString(),
			endpoint: endpoint,
			object:   obj,
			started:  started,
		},
		size:   size,
		stream: stream,
	}

	c.logger.Debug("Opened send session",
		zap.String("session", s.id),
		zap.String("endpoint", endpoint),
		zap.String("object", obj.String()),
		zap.Int64("size", size))

	return s, nil
}

// CompleteSend finishes an upload and returns the peer's ETag and mtime.
// The session's stream is released whatever the outcome, and the session
// must not be used again.
func (c *PeerConnection) CompleteSend(s *SendSession) (res TransferResult, err error) {
	if s == nil {
		return TransferResult{}, ErrNilSession
	}
	if !s.consume() {
		return TransferResult{}, ErrSessionClosed
	}
	defer func() {
		c.release(s.id, s.stream.Release())
		s.finish(err)
		c.metrics.recordDone(DirectionSend, time.Since(s.started).Seconds(), err)
		c.logger.Debug("Closed send session",
			zap.String("session", s.id),
			zap.Int64("written", s.written),
			zap.Stringer("state", s.state))
	}()

	if s.written != s.size {
		return TransferResult{}, &ProtocolError{
			Endpoint: s.endpoint,
			Op:       "send",
			Reason:   fmt.Sprintf("wrote %d bytes, declared %d", s.written, s.size),
		}
	}

	res, err = s.stream.Finalize()
	if err != nil {
		return TransferResult{}, err
	}
	c.metrics.recordBytes(DirectionSend, s.written)
	return res, nil
}

// BeginReceive opens a download of obj from the peer. Received bytes are
// pushed to sink as they arrive. With prependMetadata the peer is asked to
// send the object's attributes ahead of its data.
func (c *PeerConnection) BeginReceive(ctx context.Context, uid string, obj types.ObjectID, prependMetadata bool, sink DataSink) (*ReceiveSession, error) {
	endpoint, err := c.selectEndpoint()
	if err != nil {
		return nil, err
	}

	var extra []Param
	if prependMetadata {
		value := "true"
		if c.zonePrependFlag {
			value = c.zone
		}
		extra = append(extra, Param{Key: ParamPrependMetadata, Value: value})
	}
	params := c.BuildParams(uid, extra...)
	c.metrics.recordStart(DirectionReceive)

	s := &ReceiveSession{
		transferSession: transferSession{
			id:       uuid.NewString(),
			endpoint: endpoint,
			object:   obj,
			started:  time.Now(),
		},
		prependMetadata: prependMetadata,
	}

	stream, err := c.transport.OpenDownload(ctx, endpoint, c.key, obj, params, countingSink{sink: sink, n: &s.received})
	if err != nil {
		c.metrics.recordDone(DirectionReceive, 0, err)
		return nil, err
	}
	s.stream = stream

	c.logger.Debug("Opened receive session",
		zap.String("session", s.id),
		zap.String("endpoint", endpoint),
		zap.String("object", obj.String()),
		zap.Bool("prepend_metadata", prependMetadata))

	return s, nil
}

// CompleteReceive waits for a download to finish and returns the ETag,
// mtime and attributes reported by the peer. The stream is released
// whatever the outcome, and the session must not be used again.
func (c *PeerConnection) CompleteReceive(s *ReceiveSession) (res TransferResult, err error) {
	if s == nil {
		return TransferResult{}, ErrNilSession
	}
	if !s.consume() {
		return TransferResult{}, ErrSessionClosed
	}
	defer func() {
		c.release(s.id, s.stream.Release())
		s.finish(err)
		c.metrics.recordDone(DirectionReceive, time.Since(s.started).Seconds(), err)
		c.logger.Debug("Closed receive session",
			zap.String("session", s.id),
			zap.Int64("received", s.Received()),
			zap.Stringer("state", s.state))
	}()

	res, err = s.stream.Finalize()
	if err != nil {
		return TransferResult{}, err
	}
	c.metrics.recordBytes(DirectionReceive, s.Received())
	return res, nil
}

func (c *PeerConnection) release(session string, err error) {
	if err != nil {
		c.logger.Debug("Releasing transfer stream failed",
			zap.String("session", session),
			zap.Error(err))
	}
}
