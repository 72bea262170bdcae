package rest

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/json"
	"errors"
	"math"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"zonelink/pkg/auth"
	"zonelink/pkg/federation"
	"zonelink/pkg/storage"
	"zonelink/pkg/types"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

var systemKey = auth.SigningKey{AccessKey: "zone-a-system", SecretKey: "secret"}

type peerZone struct {
	store *storage.MemoryStore
	urls  []string
}

// startPeerZone runs two endpoints backed by the same store
func startPeerZone(t *testing.T) *peerZone {
	t.Helper()
	store := storage.NewMemoryStore()
	srv := NewServer(store, auth.NewStaticKeyStore(systemKey), zap.NewNop())

	pz := &peerZone{store: store}
	for i := 0; i < 2; i++ {
		ts := httptest.NewServer(srv.Handler())
		t.Cleanup(ts.Close)
		pz.urls = append(pz.urls, ts.URL)
	}
	return pz
}

func newConn(endpoints []string, key auth.SigningKey) *federation.PeerConnection {
	tr := NewTransport(nil, zap.NewNop())
	tr.SetChunkSize(256)
	return federation.NewPeerConnection(endpoints, key, "zone-a", tr)
}

func TestSendRoundTrip(t *testing.T) {
	pz := startPeerZone(t)
	conn := newConn(pz.urls, systemKey)
	obj := types.ObjectID{Bucket: "bucket", Key: "key"}

	data := make([]byte, 1024)
	_, err := rand.Read(data)
	require.NoError(t, err)

	session, err := conn.BeginSend(context.Background(), "u1", obj, int64(len(data)), types.Attrs{"owner": []byte("u1")})
	require.NoError(t, err)

	// write in uneven pieces to exercise streaming
	for off := 0; off < len(data); off += 300 {
		end := off + 300
		if end > len(data) {
			end = len(data)
		}
		_, err := session.Write(data[off:end])
		require.NoError(t, err)
	}

	res, err := conn.CompleteSend(session)
	require.NoError(t, err)
	assert.Equal(t, storage.ComputeETag(data), res.ETag)
	assert.False(t, res.LastModified.Before(session.Started()))

	stored, err := pz.store.Get(context.Background(), obj)
	require.NoError(t, err)
	assert.Equal(t, data, stored.Data)
	assert.Equal(t, "u1", string(stored.Attrs["owner"]))
}

func TestSendEmptyObject(t *testing.T) {
	pz := startPeerZone(t)
	conn := newConn(pz.urls, systemKey)

	session, err := conn.BeginSend(context.Background(), "u1", types.ObjectID{Bucket: "b", Key: "empty"}, 0, nil)
	require.NoError(t, err)
	res, err := conn.CompleteSend(session)
	require.NoError(t, err)
	assert.Equal(t, storage.ComputeETag(nil), res.ETag)
}

func TestReceiveWithPrependMetadata(t *testing.T) {
	pz := startPeerZone(t)
	obj := types.ObjectID{Bucket: "bucket", Key: "dir/key.bin"}
	data := bytes.Repeat([]byte("replicate me "), 200)
	_, err := pz.store.Put(context.Background(), obj, bytes.NewReader(data), types.Attrs{
		"content-type": []byte("application/octet-stream"),
	})
	require.NoError(t, err)

	conn := newConn(pz.urls, systemKey)
	for _, prepend := range []bool{true, false} {
		var got bytes.Buffer
		session, err := conn.BeginReceive(context.Background(), "u1", obj, prepend, federation.WriterSink(&got))
		require.NoError(t, err)

		res, err := conn.CompleteReceive(session)
		require.NoError(t, err)
		assert.Equal(t, data, got.Bytes(), "prepend=%v", prepend)
		assert.Equal(t, storage.ComputeETag(data), res.ETag)
		assert.Equal(t, "application/octet-stream", res.Attrs["content-type"])
		assert.False(t, res.LastModified.IsZero())
	}
}

func TestReceiveMissingObject(t *testing.T) {
	pz := startPeerZone(t)
	conn := newConn(pz.urls, systemKey)

	session, err := conn.BeginReceive(context.Background(), "u1", types.ObjectID{Bucket: "b", Key: "nope"}, false,
		federation.SinkFunc(func([]byte) error { return nil }))
	assert.Nil(t, session)

	var te *federation.TransportError
	require.True(t, errors.As(err, &te))
	assert.Equal(t, http.StatusNotFound, te.StatusCode)
}

func TestUnknownKeyIsRejected(t *testing.T) {
	pz := startPeerZone(t)
	conn := newConn(pz.urls, auth.SigningKey{AccessKey: "intruder", SecretKey: "guess"})

	session, err := conn.BeginSend(context.Background(), "u1", types.ObjectID{Bucket: "b", Key: "k"}, 0, nil)
	require.NoError(t, err)

	_, err = conn.CompleteSend(session)
	var te *federation.TransportError
	require.True(t, errors.As(err, &te))
	assert.Equal(t, http.StatusForbidden, te.StatusCode)
}

func TestForward(t *testing.T) {
	pz := startPeerZone(t)
	for _, key := range []string{"a", "b"} {
		_, err := pz.store.Put(context.Background(), types.ObjectID{Bucket: "bucket", Key: key}, bytes.NewReader(nil), nil)
		require.NoError(t, err)
	}
	conn := newConn(pz.urls, systemKey)
	info := types.RequestInfo{Method: http.MethodGet, Resource: "/bucket", Header: http.Header{"Accept": {"application/json"}}}

	out, err := conn.Forward(context.Background(), "u1", info, 1024, nil)
	require.NoError(t, err)

	var listing types.BucketListing
	require.NoError(t, json.Unmarshal(out, &listing))
	assert.Equal(t, []string{"a", "b"}, listing.Keys)

	_, err = conn.Forward(context.Background(), "u1", info, 4, nil)
	assert.True(t, federation.IsProtocolError(err))
}

func TestForwardUnreachableEndpoint(t *testing.T) {
	ts := httptest.NewServer(http.NotFoundHandler())
	dead := ts.URL
	ts.Close()

	conn := newConn([]string{dead}, systemKey)
	_, err := conn.Forward(context.Background(), "u1", types.RequestInfo{Method: http.MethodGet, Resource: "/b"}, 10, nil)
	var te *federation.TransportError
	require.True(t, errors.As(err, &te))
	assert.Equal(t, 0, te.StatusCode)
}

func TestServerRequiresSystemParams(t *testing.T) {
	srv := NewServer(storage.NewMemoryStore(), auth.NewStaticKeyStore(systemKey), nil)
	req := httptest.NewRequest(http.MethodGet, "/bucket/key", nil)
	auth.SignRequest(req, systemKey, time.Now())

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestBuildURL(t *testing.T) {
	params := federation.Params{{Key: federation.ParamUID, Value: "u 1"}, {Key: federation.ParamRegion, Value: "z"}}

	query := url.Values{"acl": {""}, federation.ParamUID: {"admin"}}
	u, err := buildURL("https://peer.example:8443/zone-b/", "/bucket/a/../b", query, params)
	require.NoError(t, err)
	assert.Equal(t, "/zone-b/bucket/a/../b", u.Path)
	assert.Equal(t, "acl=&sysx-uid=u+1&sysx-region=z", u.RawQuery)

	_, err = buildURL("peer-without-scheme", "/b", nil, nil)
	assert.Error(t, err)
}

func TestAttrHeaders(t *testing.T) {
	h := http.Header{}
	setAttrHeaders(h, types.Attrs{
		"content-type": []byte("text/plain"),
		"User-Tag":     []byte("x"),
		"has space":    []byte("y"),
		"binary":       {0, 1, 2},
	})

	attrs, err := attrsFromHeaders(h)
	require.NoError(t, err)
	assert.Equal(t, types.Attrs{
		"content-type": []byte("text/plain"),
		"User-Tag":     []byte("x"),
		"has space":    []byte("y"),
		"binary":       {0, 1, 2},
	}, attrs)

	h.Set(attrHeader("bad"), "!!!")
	_, err = attrsFromHeaders(h)
	assert.Error(t, err)

	_, err = attrsFromHeaders(http.Header{AttrHeaderPrefix + "Not-Base32!": {"eA=="}})
	assert.Error(t, err)
}

func TestReceiveKeepsAttributeNames(t *testing.T) {
	pz := startPeerZone(t)
	obj := types.ObjectID{Bucket: "bucket", Key: "tagged"}
	want := map[string]string{"User-Tag": "x", "content-type": "text/plain"}
	_, err := pz.store.Put(context.Background(), obj, bytes.NewReader([]byte("data")), types.Attrs{
		"User-Tag":     []byte("x"),
		"content-type": []byte("text/plain"),
	})
	require.NoError(t, err)

	conn := newConn(pz.urls, systemKey)
	for _, prepend := range []bool{true, false} {
		session, err := conn.BeginReceive(context.Background(), "u1", obj, prepend, federation.SinkFunc(func([]byte) error { return nil }))
		require.NoError(t, err)
		res, err := conn.CompleteReceive(session)
		require.NoError(t, err)
		assert.Equal(t, want, res.Attrs, "prepend=%v", prepend)
	}

	// and back the other way
	session, err := conn.BeginSend(context.Background(), "u1", types.ObjectID{Bucket: "bucket", Key: "copy"}, 0, types.Attrs{"User-Tag": []byte("y")})
	require.NoError(t, err)
	_, err = conn.CompleteSend(session)
	require.NoError(t, err)
	stored, err := pz.store.Get(context.Background(), types.ObjectID{Bucket: "bucket", Key: "copy"})
	require.NoError(t, err)
	assert.Equal(t, types.Attrs{"User-Tag": []byte("y")}, stored.Attrs)
}

func TestForwardDropsRelayedSystemParams(t *testing.T) {
	var seen url.Values
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = r.URL.Query()
		w.Write([]byte("{}"))
	}))
	t.Cleanup(ts.Close)

	conn := newConn([]string{ts.URL}, systemKey)
	info := types.RequestInfo{
		Method:   http.MethodGet,
		Resource: "/bucket",
		Query: url.Values{
			federation.ParamUID:    {"admin"},
			federation.ParamRegion: {"evil"},
			"prefix":               {"a/"},
		},
	}
	_, err := conn.Forward(context.Background(), "u1", info, 1024, nil)
	require.NoError(t, err)

	assert.Equal(t, []string{"u1"}, seen[federation.ParamUID])
	assert.Equal(t, []string{"zone-a"}, seen[federation.ParamRegion])
	assert.Equal(t, "a/", seen.Get("prefix"))
}

func TestForwardResponseLimits(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("0123456789"))
	}))
	t.Cleanup(ts.Close)
	conn := newConn([]string{ts.URL}, systemKey)
	info := types.RequestInfo{Method: http.MethodGet, Resource: "/bucket"}

	out, err := conn.Forward(context.Background(), "u1", info, math.MaxInt64, nil)
	require.NoError(t, err)
	assert.Equal(t, "0123456789", string(out))

	out, err = conn.Forward(context.Background(), "u1", info, 10, nil)
	require.NoError(t, err)
	assert.Equal(t, "0123456789", string(out))

	_, err = conn.Forward(context.Background(), "u1", info, 9, nil)
	assert.True(t, federation.IsProtocolError(err))

	_, err = conn.Forward(context.Background(), "u1", info, -1, nil)
	assert.True(t, federation.IsProtocolError(err))
}

func TestServerCountsRequests(t *testing.T) {
	metrics := federation.NewMetrics(prometheus.NewRegistry())
	srv := NewServer(storage.NewMemoryStore(), auth.NewStaticKeyStore(systemKey), nil)
	srv.SetMetrics(metrics)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)

	conn := newConn([]string{ts.URL}, systemKey)
	_, err := conn.Forward(context.Background(), "u1", types.RequestInfo{Method: http.MethodGet, Resource: "/bucket"}, 1024, nil)
	require.NoError(t, err)
	_, err = conn.Forward(context.Background(), "u1", types.RequestInfo{Method: http.MethodGet, Resource: "/bucket/missing"}, 1024, nil)
	require.Error(t, err)

	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.PeerRequests.WithLabelValues("http", http.MethodGet, "200")))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.PeerRequests.WithLabelValues("http", http.MethodGet, "404")))
}
