package rpc

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"net/url"
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
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

var systemKey = auth.SigningKey{AccessKey: "zone-a-system", SecretKey: "secret"}

// two endpoint names, one in-memory listener
var peerEndpoints = []string{"grpc://peer-1:9443", "grpc://peer-2:9443"}

func startPeer(t *testing.T) (*storage.MemoryStore, *Transport) {
	t.Helper()
	store := storage.NewMemoryStore()
	keys := auth.NewStaticKeyStore(systemKey)
	return store, startPeerWith(t, store, rest.NewServer(store, keys, zap.NewNop()).Routes())
}

// startPeerWith serves store over gRPC, handing forwarded requests to forward
func startPeerWith(t *testing.T, store storage.ObjectStore, forward http.Handler) *Transport {
	t.Helper()
	srv := NewServer(store, auth.NewStaticKeyStore(systemKey), forward, zap.NewNop())
	srv.SetChunkSize(100)

	lis := bufconn.Listen(1 << 20)
	gs := srv.NewGRPCServer()
	go gs.Serve(lis)
	t.Cleanup(gs.Stop)

	tr := NewTransport(nil, zap.NewNop(), grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
		return lis.DialContext(ctx)
	}))
	tr.SetChunkSize(100)
	t.Cleanup(func() { tr.Close() })
	return tr
}

var testParams = federation.Params{
	{Key: federation.ParamUID, Value: "u1"},
	{Key: federation.ParamRegion, Value: "zone-a"},
}

// openSigned opens a raw stream signed for the signed frame, then sends sent
func openSigned(t *testing.T, tr *Transport, desc *grpc.StreamDesc, method string, signed, sent *structpb.Struct) grpc.ClientStream {
	t.Helper()
	md, err := auth.SignMetadata(systemKey, method, signed, time.Now())
	require.NoError(t, err)
	conn, err := tr.pool.get(peerEndpoints[0])
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	cs, err := conn.NewStream(metadata.NewOutgoingContext(ctx, md), desc, method)
	require.NoError(t, err)
	require.NoError(t, cs.SendMsg(sent))
	return cs
}

func TestSendRoundTrip(t *testing.T) {
	store, tr := startPeer(t)
	conn := federation.NewPeerConnection(peerEndpoints, systemKey, "zone-a", tr)
	obj := types.ObjectID{Bucket: "bucket", Key: "nested/key"}
	data := bytes.Repeat([]byte{0xab, 0xcd, 0xef}, 350)

	session, err := conn.BeginSend(context.Background(), "u1", obj, int64(len(data)), types.Attrs{"owner": []byte("u1")})
	require.NoError(t, err)
	_, err = session.Write(data[:500])
	require.NoError(t, err)
	_, err = session.Write(data[500:])
	require.NoError(t, err)

	res, err := conn.CompleteSend(session)
	require.NoError(t, err)
	assert.Equal(t, storage.ComputeETag(data), res.ETag)
	assert.False(t, res.LastModified.Before(session.Started()))

	stored, err := store.Get(context.Background(), obj)
	require.NoError(t, err)
	assert.Equal(t, data, stored.Data)
	assert.Equal(t, []byte("u1"), stored.Attrs["owner"])
}

func TestReceive(t *testing.T) {
	store, tr := startPeer(t)
	obj := types.ObjectID{Bucket: "bucket", Key: "key"}
	data := bytes.Repeat([]byte("zone "), 120)
	_, err := store.Put(context.Background(), obj, bytes.NewReader(data), types.Attrs{
		"content-type": []byte("text/plain"),
		"User-Tag":     []byte("x"),
	})
	require.NoError(t, err)

	conn := federation.NewPeerConnection(peerEndpoints, systemKey, "zone-a", tr)
	for _, prepend := range []bool{true, false} {
		var got bytes.Buffer
		session, err := conn.BeginReceive(context.Background(), "u1", obj, prepend, federation.WriterSink(&got))
		require.NoError(t, err)

		res, err := conn.CompleteReceive(session)
		require.NoError(t, err)
		assert.Equal(t, data, got.Bytes())
		assert.Equal(t, storage.ComputeETag(data), res.ETag)
		assert.Equal(t, map[string]string{"content-type": "text/plain", "User-Tag": "x"}, res.Attrs)
		assert.Equal(t, int64(len(data)), session.Received())
	}
}

func TestReceiveMissingObject(t *testing.T) {
	_, tr := startPeer(t)
	conn := federation.NewPeerConnection(peerEndpoints, systemKey, "zone-a", tr)

	_, err := conn.BeginReceive(context.Background(), "u1", types.ObjectID{Bucket: "b", Key: "missing"}, false,
		federation.SinkFunc(func([]byte) error { return nil }))
	var te *federation.TransportError
	require.True(t, errors.As(err, &te))
	assert.Equal(t, http.StatusNotFound, te.StatusCode)
}

func TestUnknownKeyIsRejected(t *testing.T) {
	_, tr := startPeer(t)
	conn := federation.NewPeerConnection(peerEndpoints, auth.SigningKey{AccessKey: "intruder", SecretKey: "x"}, "zone-a", tr)

	// the rejection may surface when the stream opens or when it completes
	session, err := conn.BeginSend(context.Background(), "u1", types.ObjectID{Bucket: "b", Key: "k"}, 0, nil)
	if err == nil {
		_, err = conn.CompleteSend(session)
	}
	var te *federation.TransportError
	require.True(t, errors.As(err, &te))
	assert.Equal(t, http.StatusForbidden, te.StatusCode)
}

func TestForward(t *testing.T) {
	store, tr := startPeer(t)
	for _, key := range []string{"x", "y", "z"} {
		_, err := store.Put(context.Background(), types.ObjectID{Bucket: "bucket", Key: key}, bytes.NewReader([]byte(key)), nil)
		require.NoError(t, err)
	}
	conn := federation.NewPeerConnection(peerEndpoints, systemKey, "zone-a", tr)

	out, err := conn.Forward(context.Background(), "u1", types.RequestInfo{Method: http.MethodGet, Resource: "/bucket"}, 1024, nil)
	require.NoError(t, err)
	var listing struct {
		Keys []string `json:"keys"`
	}
	require.NoError(t, json.Unmarshal(out, &listing))
	assert.Equal(t, []string{"x", "y", "z"}, listing.Keys)

	_, err = conn.Forward(context.Background(), "u1", types.RequestInfo{Method: http.MethodGet, Resource: "/bucket"}, 8, nil)
	assert.True(t, federation.IsProtocolError(err))

	_, err = conn.Forward(context.Background(), "u1", types.RequestInfo{Method: http.MethodGet, Resource: "/bucket/none"}, 1024, nil)
	var te *federation.TransportError
	require.True(t, errors.As(err, &te))
	assert.Equal(t, http.StatusNotFound, te.StatusCode)
}

func TestConnectionReuseAndSweep(t *testing.T) {
	_, tr := startPeer(t)
	conn := federation.NewPeerConnection(peerEndpoints, systemKey, "zone-a", tr)

	for i := 0; i < 4; i++ {
		_, err := conn.Forward(context.Background(), "u1", types.RequestInfo{Method: http.MethodGet, Resource: "/bucket"}, 1024, nil)
		require.NoError(t, err)
	}
	assert.Equal(t, 2, tr.pool.size())

	tr.pool.now = func() time.Time { return time.Now().Add(time.Hour) }
	assert.Equal(t, 2, tr.SweepIdle())
	assert.Equal(t, 0, tr.pool.size())
}

func TestParseEndpoint(t *testing.T) {
	target, secure, err := parseEndpoint("grpcs://peer.example:9443")
	require.NoError(t, err)
	assert.Equal(t, "peer.example:9443", target)
	assert.True(t, secure)

	target, secure, err = parseEndpoint("grpc://10.0.0.1:9090")
	require.NoError(t, err)
	assert.Equal(t, "10.0.0.1:9090", target)
	assert.False(t, secure)

	_, _, err = parseEndpoint("https://peer.example")
	assert.Error(t, err)
	_, _, err = parseEndpoint("grpc://")
	assert.Error(t, err)
}

func TestHTTPStatusMapping(t *testing.T) {
	assert.Equal(t, http.StatusNotFound, httpStatus(codes.NotFound))
	assert.Equal(t, http.StatusForbidden, httpStatus(codes.Unauthenticated))
	assert.Equal(t, http.StatusServiceUnavailable, httpStatus(codes.Unavailable))
	assert.Equal(t, 0, httpStatus(codes.Canceled))
}

func TestParamsFrameKeepsOrder(t *testing.T) {
	params := federation.Params{
		{Key: federation.ParamUID, Value: "u1"},
		{Key: federation.ParamRegion, Value: "zone-a"},
		{Key: federation.ParamPrependMetadata, Value: "true"},
	}
	frame, err := objectFrame(types.ObjectID{Bucket: "b", Key: "k"}, params, nil)
	require.NoError(t, err)
	assert.Equal(t, params, decodeParams(frame.GetFields()[fieldParams]))
	assert.Equal(t, types.ObjectID{Bucket: "b", Key: "k"}, objectFromFrame(frame))
}

func TestForwardDropsRelayedSystemParams(t *testing.T) {
	var seen url.Values
	tr := startPeerWith(t, storage.NewMemoryStore(), http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = r.URL.Query()
		w.Write([]byte("{}"))
	}))
	conn := federation.NewPeerConnection(peerEndpoints, systemKey, "zone-a", tr)

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

func TestSignatureIsBoundToObjectFrame(t *testing.T) {
	store, tr := startPeer(t)
	secret := types.ObjectID{Bucket: "b", Key: "secret"}
	_, err := store.Put(context.Background(), secret, bytes.NewReader([]byte("s3cr3t")), nil)
	require.NoError(t, err)

	signed, err := objectFrame(types.ObjectID{Bucket: "b", Key: "public"}, testParams, nil)
	require.NoError(t, err)
	replayed, err := objectFrame(secret, testParams, nil)
	require.NoError(t, err)

	cs := openSigned(t, tr, downloadStreamDesc, DownloadMethod, signed, replayed)
	require.NoError(t, cs.CloseSend())
	err = cs.RecvMsg(new(structpb.Struct))
	assert.Equal(t, codes.Unauthenticated, status.Code(err))
}

func TestForwardBodyIsBoundToRequestFrame(t *testing.T) {
	store, tr := startPeer(t)
	head, err := structpb.NewStruct(map[string]interface{}{
		fieldMethod:     http.MethodPut,
		fieldResource:   "/bucket/key",
		fieldParams:     encodeParams(testParams),
		fieldBodyDigest: bodyDigest([]byte("signed body")),
	})
	require.NoError(t, err)

	cs := openSigned(t, tr, forwardStreamDesc, ForwardMethod, head, head)
	cs.SendMsg(wrapperspb.Bytes([]byte("other body")))
	require.NoError(t, cs.CloseSend())
	err = cs.RecvMsg(new(structpb.Struct))
	assert.Equal(t, codes.InvalidArgument, status.Code(err))

	_, err = store.Get(context.Background(), types.ObjectID{Bucket: "bucket", Key: "key"})
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestUploadMustMatchAnnouncedSize(t *testing.T) {
	for _, tc := range []struct {
		name   string
		size   int64
		chunks []string
	}{
		{"short", 10, []string{"abc", "de"}},
		{"long", 4, []string{"abc", "de"}},
	} {
		t.Run(tc.name, func(t *testing.T) {
			store, tr := startPeer(t)
			obj := types.ObjectID{Bucket: "b", Key: tc.name}
			head, err := objectFrame(obj, testParams, map[string]interface{}{fieldSize: encodeSize(tc.size)})
			require.NoError(t, err)

			cs := openSigned(t, tr, uploadStreamDesc, UploadMethod, head, head)
			for _, c := range tc.chunks {
				cs.SendMsg(wrapperspb.Bytes([]byte(c)))
			}
			cs.CloseSend()
			err = cs.RecvMsg(new(structpb.Struct))
			assert.Equal(t, codes.InvalidArgument, status.Code(err))

			_, err = store.Get(context.Background(), obj)
			assert.ErrorIs(t, err, storage.ErrNotFound)
		})
	}
}

func TestSizeFrame(t *testing.T) {
	large := int64(1<<53 + 1)
	size, err := decodeSize(structpb.NewStringValue(encodeSize(large)))
	require.NoError(t, err)
	assert.Equal(t, large, size)

	_, err = decodeSize(structpb.NewStringValue("-1"))
	assert.Error(t, err)
	_, err = decodeSize(structpb.NewNumberValue(12))
	assert.Error(t, err)
}
