package rpc

import (
	"bytes"
	"errors"
	"io"
	"net/http"
	"net/url"
	"strings"

	"zonelink/pkg/auth"
	"zonelink/pkg/federation"
	"zonelink/pkg/storage"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

// Server serves a zone's objects to peers over gRPC streams. Forwarded
// requests are handed to an http.Handler, normally the REST peer routes,
// so both transports answer them the same way.
type Server struct {
	store     storage.ObjectStore
	forward   http.Handler
	verifier  *auth.Verifier
	logger    *zap.Logger
	metrics   *federation.Metrics
	chunkSize int
}

func NewServer(store storage.ObjectStore, keys auth.KeyStore, forward http.Handler, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	if forward == nil {
		forward = http.NotFoundHandler()
	}
	return &Server{
		store:     store,
		forward:   forward,
		verifier:  auth.NewVerifier(keys, logger),
		logger:    logger,
		chunkSize: DefaultChunkSize,
	}
}

// SetMetrics counts served streams in m
func (s *Server) SetMetrics(m *federation.Metrics) {
	s.metrics = m
}

// SetChunkSize sets the size of data frames sent to clients
func (s *Server) SetChunkSize(n int) {
	if n > 0 {
		s.chunkSize = n
	}
}

func (s *Server) record(op string, err error) {
	s.metrics.RecordPeerRequest("grpc", op, status.Code(err).String())
}

// NewGRPCServer returns a gRPC server with the peer service registered and
// every stream checked for a system signature.
func (s *Server) NewGRPCServer(opts ...grpc.ServerOption) *grpc.Server {
	opts = append(opts, grpc.ChainStreamInterceptor(s.verifier.StreamServerInterceptor()))
	gs := grpc.NewServer(opts...)
	RegisterPeerServer(gs, s)
	return gs
}

func requireSystemParams(params federation.Params) error {
	uid, _ := params.Get(federation.ParamUID)
	region, _ := params.Get(federation.ParamRegion)
	if uid == "" || region == "" {
		return status.Error(codes.InvalidArgument, "missing system parameters")
	}
	return nil
}

func storeError(err error) error {
	switch {
	case errors.Is(err, storage.ErrNotFound):
		return status.Error(codes.NotFound, err.Error())
	case errors.Is(err, storage.ErrInvalidObject):
		return status.Error(codes.InvalidArgument, err.Error())
	}
	return status.Error(codes.Internal, "internal error")
}

// errUploadStopped closes the data pipe when the store stops reading early
var errUploadStopped = errors.New("store stopped reading")

// Upload streams data frames into the store as they arrive
func (s *Server) Upload(stream grpc.ServerStream) (err error) {
	defer func() { s.record("upload", err) }()

	head := new(structpb.Struct)
	if err := stream.RecvMsg(head); err != nil {
		return err
	}
	if err := requireSystemParams(decodeParams(head.GetFields()[fieldParams])); err != nil {
		return err
	}
	id := objectFromFrame(head)
	attrs, err := decodeAttrs(head.GetFields()[fieldAttrs])
	if err != nil {
		return status.Errorf(codes.InvalidArgument, "bad attributes: %v", err)
	}
	size, err := decodeSize(head.GetFields()[fieldSize])
	if err != nil {
		return status.Error(codes.InvalidArgument, err.Error())
	}

	pr, pw := io.Pipe()
	received := make(chan error, 1)
	go func() {
		err := receiveData(stream, pw, size)
		pw.CloseWithError(err)
		received <- err
	}()

	obj, err := s.store.Put(stream.Context(), id, pr, attrs)
	pr.CloseWithError(errUploadStopped)
	if rerr := <-received; rerr != nil && !errors.Is(rerr, errUploadStopped) {
		return rerr
	}
	if err != nil {
		s.logger.Debug("Rejected replicated object", zap.String("object", id.String()), zap.Error(err))
		return storeError(err)
	}

	res, err := resultFrame(obj.ETag, obj.Modified, nil)
	if err != nil {
		return status.Error(codes.Internal, err.Error())
	}

	s.logger.Info("Stored replicated object",
		zap.String("object", id.String()),
		zap.Int64("size", obj.Size()),
		zap.String("etag", obj.ETag))

	return stream.SendMsg(res)
}

// receiveData copies data frames into w until the client closes its side,
// holding the client to the announced size.
func receiveData(stream grpc.ServerStream, w io.Writer, size int64) error {
	var n int64
	for {
		chunk := new(wrapperspb.BytesValue)
		err := stream.RecvMsg(chunk)
		if err == io.EOF {
			break
		}
		if err != nil {
			return err
		}
		n += int64(len(chunk.GetValue()))
		if n > size {
			return status.Errorf(codes.InvalidArgument, "object is larger than the announced %d bytes", size)
		}
		if _, err := w.Write(chunk.GetValue()); err != nil {
			return err
		}
	}
	if n != size {
		return status.Errorf(codes.InvalidArgument, "received %d of %d bytes", n, size)
	}
	return nil
}

// Download sends the object's attributes in the result frame, so the
// prepend-metadata parameter needs no separate handling here.
func (s *Server) Download(stream grpc.ServerStream) (err error) {
	defer func() { s.record("download", err) }()

	req := new(structpb.Struct)
	if err := stream.RecvMsg(req); err != nil {
		return err
	}
	if err := requireSystemParams(decodeParams(req.GetFields()[fieldParams])); err != nil {
		return err
	}
	id := objectFromFrame(req)

	obj, err := s.store.Get(stream.Context(), id)
	if err != nil {
		return storeError(err)
	}

	head, err := resultFrame(obj.ETag, obj.Modified, obj.Attrs)
	if err != nil {
		return status.Error(codes.Internal, err.Error())
	}
	if err := stream.SendMsg(head); err != nil {
		return err
	}
	return sendChunks(stream, obj.Data, s.chunkSize)
}

func sendChunks(stream grpc.ServerStream, data []byte, chunkSize int) error {
	for len(data) > 0 {
		n := min(len(data), chunkSize)
		if err := stream.SendMsg(wrapperspb.Bytes(data[:n])); err != nil {
			return err
		}
		data = data[n:]
	}
	return nil
}

func (s *Server) Forward(stream grpc.ServerStream) (err error) {
	defer func() { s.record("forward", err) }()

	frame := new(structpb.Struct)
	if err := stream.RecvMsg(frame); err != nil {
		return err
	}
	body := new(wrapperspb.BytesValue)
	if err := stream.RecvMsg(body); err != nil {
		return err
	}

	fields := frame.GetFields()
	if fields[fieldBodyDigest].GetStringValue() != bodyDigest(body.GetValue()) {
		return status.Error(codes.InvalidArgument, "forwarded body does not match the signed request")
	}
	params := decodeParams(fields[fieldParams])
	query := federation.UserQuery(decodeStrings(fields[fieldQuery]))

	// system parameters ride in the query, as they would over HTTP
	var parts []string
	if len(query) > 0 {
		parts = append(parts, query.Encode())
	}
	if len(params) > 0 {
		parts = append(parts, params.Encode())
	}
	u := &url.URL{
		Path:     "/" + strings.TrimLeft(fields[fieldResource].GetStringValue(), "/"),
		RawQuery: strings.Join(parts, "&"),
	}

	req, err := http.NewRequestWithContext(stream.Context(), fields[fieldMethod].GetStringValue(), u.String(), bytes.NewReader(body.GetValue()))
	if err != nil {
		return status.Errorf(codes.InvalidArgument, "bad forwarded request: %v", err)
	}
	for k, values := range decodeStrings(fields[fieldHeader]) {
		for _, v := range values {
			req.Header.Add(k, v)
		}
	}

	rw := newResponseBuffer()
	s.forward.ServeHTTP(rw, req)

	head, err := structpb.NewStruct(map[string]interface{}{
		fieldStatus: float64(rw.statusCode()),
		fieldHeader: encodeStrings(rw.header),
	})
	if err != nil {
		return status.Error(codes.Internal, err.Error())
	}
	if err := stream.SendMsg(head); err != nil {
		return err
	}
	return sendChunks(stream, rw.body.Bytes(), s.chunkSize)
}

// responseBuffer collects a forwarded handler's response for framing
type responseBuffer struct {
	header http.Header
	status int
	body   bytes.Buffer
}

func newResponseBuffer() *responseBuffer {
	return &responseBuffer{header: make(http.Header)}
}

func (b *responseBuffer) Header() http.Header {
	return b.header
}

func (b *responseBuffer) WriteHeader(code int) {
	if b.status == 0 {
		b.status = code
	}
}

func (b *responseBuffer) Write(p []byte) (int, error) {
	b.WriteHeader(http.StatusOK)
	return b.body.Write(p)
}

func (b *responseBuffer) statusCode() int {
	if b.status == 0 {
		return http.StatusOK
	}
	return b.status
}
