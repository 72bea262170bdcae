package replication

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"zonelink/pkg/auth"
	"zonelink/pkg/federation"
	"zonelink/pkg/storage"
	"zonelink/pkg/transport/rest"
	"zonelink/pkg/types"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

var systemKey = auth.SigningKey{AccessKey: "zone-a-system", SecretKey: "secret"}

func fastRetries() RetryPolicy {
	return RetryPolicy{MaxAttempts: 3, BaseDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond}
}

type peerZone struct {
	store *storage.MemoryStore
	hits  atomic.Int64
	conn  *federation.PeerConnection
}

// startPeer serves a peer zone whose first failFirst requests answer 503
func startPeer(t *testing.T, failFirst int64) *peerZone {
	t.Helper()
	pz := &peerZone{store: storage.NewMemoryStore()}
	handler := rest.NewServer(pz.store, auth.NewStaticKeyStore(systemKey), zap.NewNop()).Handler()

	var urls []string
	for i := 0; i < 2; i++ {
		ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if pz.hits.Add(1) <= failFirst {
				http.Error(w, "busy", http.StatusServiceUnavailable)
				return
			}
			handler.ServeHTTP(w, r)
		}))
		t.Cleanup(ts.Close)
		urls = append(urls, ts.URL)
	}
	pz.conn = federation.NewPeerConnection(urls, systemKey, "zone-a", rest.NewTransport(nil, zap.NewNop()))
	return pz
}

func putLocal(t *testing.T, store storage.ObjectStore, id types.ObjectID, data string, attrs types.Attrs) {
	t.Helper()
	_, err := store.Put(context.Background(), id, bytes.NewReader([]byte(data)), attrs)
	require.NoError(t, err)
}

func TestPushAndPull(t *testing.T) {
	pz := startPeer(t, 0)
	local := storage.NewMemoryStore()
	r := NewReplicator(local, WithRetryPolicy(fastRetries()), WithLogger(zaptest.NewLogger(t)))
	id := types.ObjectID{Bucket: "photos", Key: "2024/cat.jpg"}

	putLocal(t, local, id, "meow", types.Attrs{"content-type": []byte("image/jpeg")})

	res := r.Push(context.Background(), pz.conn, "u1", id)
	require.NoError(t, res.Err)
	assert.Equal(t, 1, res.Attempts)
	assert.Equal(t, int64(4), res.Size)

	remote, err := pz.store.Get(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, res.ETag, remote.ETag)
	assert.Equal(t, []byte("image/jpeg"), remote.Attrs["content-type"])

	// pull it back into an empty zone
	other := storage.NewMemoryStore()
	res = NewReplicator(other, WithRetryPolicy(fastRetries())).Pull(context.Background(), pz.conn, "u1", id)
	require.NoError(t, res.Err)

	pulled, err := other.Get(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, []byte("meow"), pulled.Data)
	assert.Equal(t, remote.ETag, pulled.ETag)
	assert.Equal(t, []byte("image/jpeg"), pulled.Attrs["content-type"])
}

func TestPullRetriesTransientFailures(t *testing.T) {
	pz := startPeer(t, 2)
	id := types.ObjectID{Bucket: "b", Key: "k"}
	putLocal(t, pz.store, id, "data", nil)

	local := storage.NewMemoryStore()
	res := NewReplicator(local, WithRetryPolicy(fastRetries())).Pull(context.Background(), pz.conn, "u1", id)
	require.NoError(t, res.Err)
	assert.Equal(t, 3, res.Attempts)

	_, err := local.Get(context.Background(), id)
	assert.NoError(t, err)
}

func TestPullGivesUpAfterMaxAttempts(t *testing.T) {
	pz := startPeer(t, 100)
	res := NewReplicator(storage.NewMemoryStore(), WithRetryPolicy(fastRetries())).
		Pull(context.Background(), pz.conn, "u1", types.ObjectID{Bucket: "b", Key: "k"})

	var te *federation.TransportError
	require.True(t, errors.As(res.Err, &te))
	assert.Equal(t, http.StatusServiceUnavailable, te.StatusCode)
	assert.Equal(t, 3, res.Attempts)
}

func TestMissingObjectIsNotRetried(t *testing.T) {
	pz := startPeer(t, 0)
	res := NewReplicator(storage.NewMemoryStore(), WithRetryPolicy(fastRetries())).
		Pull(context.Background(), pz.conn, "u1", types.ObjectID{Bucket: "b", Key: "nope"})
	require.Error(t, res.Err)
	assert.Equal(t, 1, res.Attempts)
}

func TestNoEndpoints(t *testing.T) {
	conn := federation.NewPeerConnection(nil, systemKey, "zone-a", rest.NewTransport(nil, nil))
	local := storage.NewMemoryStore()
	id := types.ObjectID{Bucket: "b", Key: "k"}
	putLocal(t, local, id, "x", nil)

	res := NewReplicator(local, WithRetryPolicy(fastRetries())).Push(context.Background(), conn, "u1", id)
	assert.ErrorIs(t, res.Err, federation.ErrNoEndpointsConfigured)
	assert.Equal(t, 1, res.Attempts)
}

func TestPushMissingLocalObject(t *testing.T) {
	pz := startPeer(t, 0)
	res := NewReplicator(storage.NewMemoryStore()).Push(context.Background(), pz.conn, "u1", types.ObjectID{Bucket: "b", Key: "k"})
	assert.ErrorIs(t, res.Err, storage.ErrNotFound)
	assert.Equal(t, int64(0), pz.hits.Load())
}

func TestPushAll(t *testing.T) {
	pz := startPeer(t, 0)
	local := storage.NewMemoryStore()
	var ids []types.ObjectID
	for i := 0; i < 12; i++ {
		id := types.ObjectID{Bucket: "bulk", Key: fmt.Sprintf("obj-%02d", i)}
		putLocal(t, local, id, fmt.Sprintf("payload %d", i), nil)
		ids = append(ids, id)
	}
	// one id that does not exist locally
	ids = append(ids, types.ObjectID{Bucket: "bulk", Key: "ghost"})

	results := NewReplicator(local, WithRetryPolicy(fastRetries())).PushAll(context.Background(), pz.conn, "u1", ids, 3)
	require.Len(t, results, len(ids))
	for i, res := range results[:12] {
		assert.Equal(t, ids[i], res.Object)
		assert.NoError(t, res.Err)
	}
	assert.ErrorIs(t, results[12].Err, storage.ErrNotFound)

	keys, err := NewReplicator(local).List(context.Background(), pz.conn, "u1", "bulk")
	require.NoError(t, err)
	assert.Len(t, keys, 12)
	assert.Equal(t, "obj-00", keys[0])
}

func TestPullAllAndDelete(t *testing.T) {
	pz := startPeer(t, 0)
	ids := []types.ObjectID{{Bucket: "b", Key: "one"}, {Bucket: "b", Key: "two"}}
	for _, id := range ids {
		putLocal(t, pz.store, id, id.Key, nil)
	}

	local := storage.NewMemoryStore()
	r := NewReplicator(local, WithRetryPolicy(fastRetries()))
	for _, res := range r.PullAll(context.Background(), pz.conn, "u1", ids, 0) {
		assert.NoError(t, res.Err)
	}
	got, err := local.List(context.Background(), "b")
	require.NoError(t, err)
	assert.Equal(t, ids, got)

	require.NoError(t, r.Delete(context.Background(), pz.conn, "u1", ids[0]))
	_, err = pz.store.Get(context.Background(), ids[0])
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestIsRetryable(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"no endpoints", federation.ErrNoEndpointsConfigured, false},
		{"protocol", &federation.ProtocolError{Reason: "missing ETag"}, false},
		{"connection refused", &federation.TransportError{Err: errors.New("connection refused")}, true},
		{"service unavailable", &federation.TransportError{StatusCode: 503, Err: errors.New("busy")}, true},
		{"throttled", &federation.TransportError{StatusCode: 429, Err: errors.New("slow down")}, true},
		{"not found", &federation.TransportError{StatusCode: 404, Err: errors.New("gone")}, false},
		{"forbidden", &federation.TransportError{StatusCode: 403, Err: errors.New("no")}, false},
		{"canceled", &federation.TransportError{Err: context.Canceled}, false},
		{"grpc unavailable", &federation.TransportError{StatusCode: 503, Err: status.Error(codes.Unavailable, "down")}, true},
		{"grpc not found", &federation.TransportError{StatusCode: 404, Err: status.Error(codes.NotFound, "gone")}, false},
		{"plain error", errors.New("disk full"), false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, IsRetryable(tc.err))
		})
	}
}

func TestBackoff(t *testing.T) {
	p := RetryPolicy{BaseDelay: 100 * time.Millisecond, MaxDelay: time.Second, JitterFactor: 0.2}
	for attempt, base := range []time.Duration{100 * time.Millisecond, 200 * time.Millisecond, 400 * time.Millisecond, 800 * time.Millisecond, time.Second} {
		d := p.Backoff(attempt)
		assert.GreaterOrEqual(t, d, time.Duration(float64(base)*0.8), "attempt %d", attempt)
		assert.LessOrEqual(t, d, time.Duration(float64(base)*1.2), "attempt %d", attempt)
	}
}

func TestDoStopsWhenContextIsDone(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	p := RetryPolicy{MaxAttempts: 10, BaseDelay: time.Hour, MaxDelay: time.Hour}

	calls := 0
	attempts, err := p.Do(ctx, func(int) error {
		calls++
		cancel()
		return &federation.TransportError{StatusCode: 503, Err: errors.New("busy")}
	})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, calls)
	assert.Equal(t, 1, attempts)
}
