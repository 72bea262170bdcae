package rpc

import (
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"zonelink/pkg/auth"
	"zonelink/pkg/federation"
	"zonelink/pkg/types"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

// DefaultChunkSize keeps data frames well under the default 4MB gRPC message limit
const DefaultChunkSize = 1024 * 1024

const maxErrorBody = 4 * 1024

var (
	errMissingETag  = errors.New("result has no ETag")
	errResponseSize = errors.New("response exceeds size limit")
)

// Transport is a federation.RestTransport over gRPC streams, for
// grpc:// and grpcs:// endpoints.
type Transport struct {
	pool      *connPool
	logger    *zap.Logger
	chunkSize int
	now       func() time.Time
}

// NewTransport creates a gRPC transport. tlsConfig is used for grpcs://
// endpoints; extra dial options are applied to every connection.
func NewTransport(tlsConfig *tls.Config, logger *zap.Logger, opts ...grpc.DialOption) *Transport {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Transport{
		pool:      newConnPool(tlsConfig, logger, opts...),
		logger:    logger,
		chunkSize: DefaultChunkSize,
		now:       time.Now,
	}
}

// SetChunkSize changes the size of outgoing data frames
func (t *Transport) SetChunkSize(n int) {
	if n > 0 {
		t.chunkSize = n
	}
}

// SweepIdle closes connections that have not been used recently
func (t *Transport) SweepIdle() int {
	return t.pool.sweep()
}

// Close closes every pooled connection
func (t *Transport) Close() error {
	return t.pool.close()
}

// openStream opens a signed stream and sends head, the frame the signature
// covers.
func (t *Transport) openStream(ctx context.Context, endpoint string, key auth.SigningKey,
	desc *grpc.StreamDesc, method, op string, head *structpb.Struct) (grpc.ClientStream, context.CancelFunc, error) {
	md, err := auth.SignMetadata(key, method, head, t.now())
	if err != nil {
		return nil, nil, &federation.ProtocolError{Endpoint: endpoint, Op: op, Reason: "cannot sign request", Err: err}
	}
	conn, err := t.pool.get(endpoint)
	if err != nil {
		return nil, nil, &federation.TransportError{Endpoint: endpoint, Op: op, Err: err}
	}

	ctx, cancel := context.WithCancel(ctx)
	cs, err := conn.NewStream(metadata.NewOutgoingContext(ctx, md), desc, method)
	if err != nil {
		cancel()
		return nil, nil, transportError(endpoint, op, err)
	}
	if err := cs.SendMsg(head); err != nil {
		if err == io.EOF {
			err = recvError(cs)
		}
		cancel()
		return nil, nil, transportError(endpoint, op, err)
	}
	return cs, cancel, nil
}

// transportError wraps a stream error, mapping gRPC codes onto the HTTP
// status a REST peer would have answered with.
func transportError(endpoint, op string, err error) error {
	te := &federation.TransportError{Endpoint: endpoint, Op: op, Err: err}
	if st, ok := status.FromError(err); ok {
		te.StatusCode = httpStatus(st.Code())
	}
	return te
}

func httpStatus(code codes.Code) int {
	switch code {
	case codes.OK:
		return http.StatusOK
	case codes.InvalidArgument, codes.OutOfRange:
		return http.StatusBadRequest
	case codes.Unauthenticated, codes.PermissionDenied:
		return http.StatusForbidden
	case codes.NotFound:
		return http.StatusNotFound
	case codes.AlreadyExists, codes.Aborted:
		return http.StatusConflict
	case codes.ResourceExhausted:
		return http.StatusTooManyRequests
	case codes.Unimplemented:
		return http.StatusNotImplemented
	case codes.Unavailable:
		return http.StatusServiceUnavailable
	case codes.DeadlineExceeded:
		return http.StatusGatewayTimeout
	case codes.Internal, codes.Unknown, codes.DataLoss:
		return http.StatusInternalServerError
	}
	return 0
}

// recvError resolves io.EOF from SendMsg into the status the server sent
func recvError(cs grpc.ClientStream) error {
	err := cs.RecvMsg(new(structpb.Struct))
	if err == nil || err == io.EOF {
		return io.ErrUnexpectedEOF
	}
	return err
}

// Replay relays info to endpoint through the Forward stream
func (t *Transport) Replay(ctx context.Context, endpoint string, key auth.SigningKey, info types.RequestInfo,
	params federation.Params, maxResponse int64, body []byte) ([]byte, error) {
	req, err := structpb.NewStruct(map[string]interface{}{
		fieldMethod:     info.Method,
		fieldResource:   info.Resource,
		fieldQuery:      encodeStrings(federation.UserQuery(info.Query)),
		fieldHeader:     encodeStrings(info.Header),
		fieldParams:     encodeParams(params),
		fieldBodyDigest: bodyDigest(body),
	})
	if err != nil {
		return nil, &federation.ProtocolError{Endpoint: endpoint, Op: "forward", Reason: "cannot encode request", Err: err}
	}

	cs, cancel, err := t.openStream(ctx, endpoint, key, forwardStreamDesc, ForwardMethod, "forward", req)
	if err != nil {
		return nil, err
	}
	defer cancel()

	if err := cs.SendMsg(wrapperspb.Bytes(body)); err != nil {
		if err == io.EOF {
			err = recvError(cs)
		}
		return nil, transportError(endpoint, "forward", err)
	}
	if err := cs.CloseSend(); err != nil {
		return nil, transportError(endpoint, "forward", err)
	}

	head := new(structpb.Struct)
	if err := cs.RecvMsg(head); err != nil {
		return nil, transportError(endpoint, "forward", err)
	}
	code := int(head.GetFields()[fieldStatus].GetNumberValue())

	var out bytes.Buffer
	for {
		chunk := new(wrapperspb.BytesValue)
		err := cs.RecvMsg(chunk)
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, transportError(endpoint, "forward", err)
		}
		if code >= 300 {
			// only the start of an error body is kept for the message
			if out.Len() < maxErrorBody {
				out.Write(chunk.GetValue())
			}
			continue
		}
		out.Write(chunk.GetValue())
		if int64(out.Len()) > maxResponse {
			return nil, &federation.ProtocolError{
				Endpoint: endpoint,
				Op:       "forward",
				Reason:   fmt.Sprintf("response exceeds %d bytes", maxResponse),
				Err:      errResponseSize,
			}
		}
	}

	if code < 200 || code >= 300 {
		return nil, &federation.TransportError{
			Endpoint:   endpoint,
			Op:         "forward",
			StatusCode: code,
			Err:        fmt.Errorf("%s: %s", http.StatusText(code), bytes.TrimSpace(out.Bytes())),
		}
	}

	t.logger.Debug("Forwarded request",
		zap.String("endpoint", endpoint),
		zap.String("method", info.Method),
		zap.Int("status", code),
		zap.Int("bytes", out.Len()))

	return out.Bytes(), nil
}

type upload struct {
	endpoint  string
	stream    grpc.ClientStream
	cancel    context.CancelFunc
	chunkSize int
}

// OpenUpload starts an Upload stream and sends the object frame
func (t *Transport) OpenUpload(ctx context.Context, endpoint string, key auth.SigningKey, obj types.ObjectID,
	size int64, attrs types.Attrs, params federation.Params) (federation.UploadStream, error) {
	head, err := objectFrame(obj, params, map[string]interface{}{
		fieldSize:  encodeSize(size),
		fieldAttrs: encodeAttrs(attrs),
	})
	if err != nil {
		return nil, &federation.ProtocolError{Endpoint: endpoint, Op: "send", Reason: "cannot encode object frame", Err: err}
	}

	cs, cancel, err := t.openStream(ctx, endpoint, key, uploadStreamDesc, UploadMethod, "send", head)
	if err != nil {
		return nil, err
	}

	return &upload{endpoint: endpoint, stream: cs, cancel: cancel, chunkSize: t.chunkSize}, nil
}

func (u *upload) Write(p []byte) (int, error) {
	written := 0
	for len(p) > 0 {
		n := min(len(p), u.chunkSize)
		if err := u.stream.SendMsg(wrapperspb.Bytes(p[:n])); err != nil {
			if err == io.EOF {
				err = recvError(u.stream)
			}
			return written, transportError(u.endpoint, "send", err)
		}
		written += n
		p = p[n:]
	}
	return written, nil
}

func (u *upload) Finalize() (federation.TransferResult, error) {
	if err := u.stream.CloseSend(); err != nil {
		return federation.TransferResult{}, transportError(u.endpoint, "send", err)
	}
	frame := new(structpb.Struct)
	if err := u.stream.RecvMsg(frame); err != nil {
		return federation.TransferResult{}, transportError(u.endpoint, "send", err)
	}
	return checkResult(u.endpoint, "send", frame)
}

func (u *upload) Release() error {
	u.cancel()
	return nil
}

func checkResult(endpoint, op string, frame *structpb.Struct) (federation.TransferResult, error) {
	res, err := resultFromFrame(frame)
	if err != nil {
		return res, &federation.ProtocolError{Endpoint: endpoint, Op: op, Reason: "bad result frame", Err: err}
	}
	if res.ETag == "" {
		return res, &federation.ProtocolError{Endpoint: endpoint, Op: op, Reason: "missing ETag", Err: errMissingETag}
	}
	return res, nil
}

type download struct {
	endpoint string
	stream   grpc.ClientStream
	cancel   context.CancelFunc
	done     chan error
	result   federation.TransferResult
	waited   bool
	err      error
}

// OpenDownload starts a Download stream. It returns once the peer has
// answered with the object's result frame; data frames are then fed to
// sink in the background.
func (t *Transport) OpenDownload(ctx context.Context, endpoint string, key auth.SigningKey, obj types.ObjectID,
	params federation.Params, sink federation.DataSink) (federation.DownloadStream, error) {
	req, err := objectFrame(obj, params, nil)
	if err != nil {
		return nil, &federation.ProtocolError{Endpoint: endpoint, Op: "receive", Reason: "cannot encode object frame", Err: err}
	}

	cs, cancel, err := t.openStream(ctx, endpoint, key, downloadStreamDesc, DownloadMethod, "receive", req)
	if err != nil {
		return nil, err
	}
	if err := cs.CloseSend(); err != nil {
		cancel()
		return nil, transportError(endpoint, "receive", err)
	}

	head := new(structpb.Struct)
	if err := cs.RecvMsg(head); err != nil {
		cancel()
		return nil, transportError(endpoint, "receive", err)
	}
	result, err := resultFromFrame(head)
	if err != nil {
		cancel()
		return nil, &federation.ProtocolError{Endpoint: endpoint, Op: "receive", Reason: "bad result frame", Err: err}
	}

	d := &download{
		endpoint: endpoint,
		stream:   cs,
		cancel:   cancel,
		done:     make(chan error, 1),
		result:   result,
	}
	go func() {
		d.done <- d.pump(sink)
	}()
	return d, nil
}

func (d *download) pump(sink federation.DataSink) error {
	for {
		chunk := new(wrapperspb.BytesValue)
		err := d.stream.RecvMsg(chunk)
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return transportError(d.endpoint, "receive", err)
		}
		if err := sink.HandleData(chunk.GetValue()); err != nil {
			return err
		}
	}
}

func (d *download) wait() {
	if !d.waited {
		d.err = <-d.done
		d.waited = true
	}
}

func (d *download) Finalize() (federation.TransferResult, error) {
	d.wait()
	if d.err != nil {
		return federation.TransferResult{}, d.err
	}
	if d.result.ETag == "" {
		return federation.TransferResult{}, &federation.ProtocolError{
			Endpoint: d.endpoint,
			Op:       "receive",
			Reason:   "missing ETag",
			Err:      errMissingETag,
		}
	}
	return d.result, nil
}

func (d *download) Release() error {
	d.cancel()
	d.wait()
	return nil
}
