// Package replication moves objects between the local zone's store and a
// peer zone, retrying transient failures across the peer's endpoints.
package replication

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"zonelink/pkg/federation"
	"zonelink/pkg/storage"
	"zonelink/pkg/types"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	// DefaultConcurrency bounds parallel transfers in a batch
	DefaultConcurrency = 5

	// DefaultMaxForwardResponse caps metadata responses read from peers
	DefaultMaxForwardResponse = 1 << 20
)

var errETagMismatch = errors.New("received data does not match the peer's ETag")

// Direction of a transfer, relative to the local zone
type Direction string

const (
	Push Direction = "push"
	Pull Direction = "pull"
)

// Result describes one replicated object
type Result struct {
	Object   types.ObjectID
	Dir      Direction
	ETag     string
	Size     int64
	Attempts int
	Duration time.Duration
	Err      error
}

// Replicator copies objects between a local store and peer zones
type Replicator struct {
	store       storage.ObjectStore
	logger      *zap.Logger
	policy      RetryPolicy
	maxResponse int64
}

type Option func(*Replicator)

func WithRetryPolicy(p RetryPolicy) Option {
	return func(r *Replicator) {
		r.policy = p
	}
}

func WithLogger(logger *zap.Logger) Option {
	return func(r *Replicator) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// WithMaxForwardResponse caps the size of listing and other metadata responses
func WithMaxForwardResponse(n int64) Option {
	return func(r *Replicator) {
		if n > 0 {
			r.maxResponse = n
		}
	}
}

func NewReplicator(store storage.ObjectStore, opts ...Option) *Replicator {
	r := &Replicator{
		store:       store,
		logger:      zap.NewNop(),
		policy:      DefaultRetryPolicy(),
		maxResponse: DefaultMaxForwardResponse,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Push sends a local object to the peer zone on behalf of uid
func (r *Replicator) Push(ctx context.Context, peer *federation.PeerConnection, uid string, id types.ObjectID) Result {
	res := Result{Object: id, Dir: Push}
	start := time.Now()

	obj, err := r.store.Get(ctx, id)
	if err != nil {
		res.Err = fmt.Errorf("read local object: %w", err)
		return res
	}
	res.Size = obj.Size()

	res.Attempts, res.Err = r.policy.Do(ctx, func(attempt int) error {
		session, err := peer.BeginSend(ctx, uid, id, obj.Size(), obj.Attrs)
		if err != nil {
			r.logAttempt(Push, id, attempt, err)
			return err
		}
		if _, werr := session.Write(obj.Data); werr != nil {
			// complete anyway to release the stream; the write error is the cause
			peer.CompleteSend(session)
			r.logAttempt(Push, id, attempt, werr)
			return werr
		}
		tr, err := peer.CompleteSend(session)
		if err != nil {
			r.logAttempt(Push, id, attempt, err)
			return err
		}
		res.ETag = tr.ETag
		return nil
	})
	res.Duration = time.Since(start)

	if res.Err == nil && res.ETag != obj.ETag {
		res.Err = &federation.ProtocolError{Op: "send", Reason: "peer stored a different ETag", Err: errETagMismatch}
	}
	r.logResult(peer, res)
	return res
}

// Pull fetches an object from the peer zone and stores it locally along
// with the attributes the peer reports.
func (r *Replicator) Pull(ctx context.Context, peer *federation.PeerConnection, uid string, id types.ObjectID) Result {
	res := Result{Object: id, Dir: Pull}
	start := time.Now()

	var data bytes.Buffer
	var tr federation.TransferResult
	res.Attempts, res.Err = r.policy.Do(ctx, func(attempt int) error {
		data.Reset()
		session, err := peer.BeginReceive(ctx, uid, id, true, federation.WriterSink(&data))
		if err != nil {
			r.logAttempt(Pull, id, attempt, err)
			return err
		}
		tr, err = peer.CompleteReceive(session)
		if err != nil {
			r.logAttempt(Pull, id, attempt, err)
			return err
		}
		return nil
	})

	if res.Err == nil {
		res.Err = r.storePulled(ctx, id, data.Bytes(), tr, &res)
	}
	res.Duration = time.Since(start)
	r.logResult(peer, res)
	return res
}

func (r *Replicator) storePulled(ctx context.Context, id types.ObjectID, data []byte, tr federation.TransferResult, res *Result) error {
	if storage.ComputeETag(data) != tr.ETag {
		return &federation.ProtocolError{Op: "receive", Reason: "data does not match ETag " + tr.ETag, Err: errETagMismatch}
	}

	attrs := make(types.Attrs, len(tr.Attrs))
	for k, v := range tr.Attrs {
		attrs[k] = []byte(v)
	}
	obj, err := r.store.Put(ctx, id, bytes.NewReader(data), attrs)
	if err != nil {
		return fmt.Errorf("store pulled object: %w", err)
	}
	res.ETag = obj.ETag
	res.Size = obj.Size()
	return nil
}

// List returns the keys of a bucket in the peer zone
func (r *Replicator) List(ctx context.Context, peer *federation.PeerConnection, uid, bucket string) ([]string, error) {
	info := types.RequestInfo{
		Method:   http.MethodGet,
		Resource: "/" + bucket,
		Header:   http.Header{"Accept": {"application/json"}},
	}

	var out []byte
	_, err := r.policy.Do(ctx, func(int) error {
		var err error
		out, err = peer.Forward(ctx, uid, info, r.maxResponse, nil)
		return err
	})
	if err != nil {
		return nil, err
	}

	var listing types.BucketListing
	if err := json.Unmarshal(out, &listing); err != nil {
		return nil, &federation.ProtocolError{Op: "forward", Reason: "bad bucket listing", Err: err}
	}
	return listing.Keys, nil
}

// Delete removes an object from the peer zone
func (r *Replicator) Delete(ctx context.Context, peer *federation.PeerConnection, uid string, id types.ObjectID) error {
	info := types.RequestInfo{Method: http.MethodDelete, Resource: id.Path()}
	_, err := r.policy.Do(ctx, func(int) error {
		_, err := peer.Forward(ctx, uid, info, r.maxResponse, nil)
		return err
	})
	return err
}

// PushAll pushes ids to the peer with at most concurrency transfers in
// flight. Results are in the order of ids.
func (r *Replicator) PushAll(ctx context.Context, peer *federation.PeerConnection, uid string, ids []types.ObjectID, concurrency int) []Result {
	return r.batch(ctx, Push, ids, concurrency, func(id types.ObjectID) Result {
		return r.Push(ctx, peer, uid, id)
	})
}

// PullAll is PushAll in the other direction
func (r *Replicator) PullAll(ctx context.Context, peer *federation.PeerConnection, uid string, ids []types.ObjectID, concurrency int) []Result {
	return r.batch(ctx, Pull, ids, concurrency, func(id types.ObjectID) Result {
		return r.Pull(ctx, peer, uid, id)
	})
}

func (r *Replicator) batch(ctx context.Context, dir Direction, ids []types.ObjectID, concurrency int, fn func(types.ObjectID) Result) []Result {
	if concurrency <= 0 {
		concurrency = DefaultConcurrency
	}

	batchID := uuid.New().String()
	logger := r.logger.With(zap.String("batch_id", batchID), zap.String("direction", string(dir)))
	logger.Info("Starting replication batch", zap.Int("objects", len(ids)), zap.Int("concurrency", concurrency))

	results := make([]Result, len(ids))
	sem := make(chan struct{}, concurrency)
	var wg sync.WaitGroup

	for i, id := range ids {
		select {
		case sem <- struct{}{}:
		case <-ctx.Done():
			results[i] = Result{Object: id, Dir: dir, Err: ctx.Err()}
			continue
		}

		wg.Add(1)
		go func(i int, id types.ObjectID) {
			defer wg.Done()
			defer func() { <-sem }()
			results[i] = fn(id)
		}(i, id)
	}
	wg.Wait()

	failed := 0
	for _, res := range results {
		if res.Err != nil {
			failed++
		}
	}
	if failed > 0 {
		logger.Warn("Replication batch finished with failures",
			zap.Int("failed", failed),
			zap.Int("total", len(ids)))
	} else {
		logger.Info("Replication batch finished", zap.Int("total", len(ids)))
	}
	return results
}

func (r *Replicator) logAttempt(dir Direction, id types.ObjectID, attempt int, err error) {
	r.logger.Debug("Transfer attempt failed",
		zap.String("direction", string(dir)),
		zap.String("object", id.String()),
		zap.Int("attempt", attempt+1),
		zap.Bool("retryable", IsRetryable(err)),
		zap.Error(err))
}

func (r *Replicator) logResult(peer *federation.PeerConnection, res Result) {
	fields := []zap.Field{
		zap.String("zone", peer.Zone()),
		zap.String("peer", peer.Peer()),
		zap.String("direction", string(res.Dir)),
		zap.String("object", res.Object.String()),
		zap.Int64("size", res.Size),
		zap.Int("attempts", res.Attempts),
		zap.Duration("duration", res.Duration),
	}
	if res.Err != nil {
		r.logger.Error("Replication failed", append(fields, zap.Error(res.Err))...)
		return
	}
	r.logger.Info("Replicated object", append(fields, zap.String("etag", res.ETag))...)
}
