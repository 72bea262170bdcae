package auth

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/proto"
)

const (
	AccessKeyMetadataKey = "x-zl-access"
	DateMetadataKey      = "x-zl-date"
	SignatureMetadataKey = "x-zl-signature"
)

// SignMetadata returns outgoing gRPC metadata that authenticates a call to
// fullMethod whose first message is head. The signature covers a digest of
// head.
func SignMetadata(key SigningKey, fullMethod string, head proto.Message, now time.Time) (metadata.MD, error) {
	digest, err := messageDigest(head)
	if err != nil {
		return nil, err
	}
	date := now.UTC().Format(http.TimeFormat)
	sig := Sign(key, streamStringToSign(fullMethod, date, digest))
	return metadata.Pairs(
		AccessKeyMetadataKey, key.AccessKey,
		DateMetadataKey, date,
		SignatureMetadataKey, sig,
	), nil
}

// VerifyMetadata checks the signature carried in incoming gRPC metadata
// against the stream's first message.
func VerifyMetadata(md metadata.MD, fullMethod string, head proto.Message, keys KeyStore, now time.Time) (*Identity, error) {
	creds, err := readMetadata(md, fullMethod, keys, now)
	if err != nil {
		return nil, err
	}
	if err := creds.verify(head); err != nil {
		return nil, err
	}
	return &Identity{AccessKey: creds.key.AccessKey}, nil
}

func streamStringToSign(fullMethod, date, digest string) string {
	return StringToSign("GRPC", fullMethod, nil, date) + digest
}

// messageDigest hashes the deterministic wire form of m
func messageDigest(m proto.Message) (string, error) {
	b, err := proto.MarshalOptions{Deterministic: true}.Marshal(m)
	if err != nil {
		return "", fmt.Errorf("cannot encode message for signing: %w", err)
	}
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:]), nil
}

// streamCredentials are the signed metadata of a stream whose first
// message has not been seen yet.
type streamCredentials struct {
	key        SigningKey
	fullMethod string
	date       string
	signature  string
}

// readMetadata checks the parts of a stream signature that do not depend
// on the request itself.
func readMetadata(md metadata.MD, fullMethod string, keys KeyStore, now time.Time) (*streamCredentials, error) {
	accessKey := first(md, AccessKeyMetadataKey)
	date := first(md, DateMetadataKey)
	sig := first(md, SignatureMetadataKey)
	if accessKey == "" || sig == "" {
		return nil, ErrUnauthorized
	}
	if err := checkDate(date, now); err != nil {
		return nil, err
	}

	key, err := keys.Lookup(accessKey)
	if err != nil {
		return nil, err
	}
	return &streamCredentials{key: key, fullMethod: fullMethod, date: date, signature: sig}, nil
}

func (c *streamCredentials) verify(head proto.Message) error {
	digest, err := messageDigest(head)
	if err != nil {
		return err
	}
	expected := Sign(c.key, streamStringToSign(c.fullMethod, c.date, digest))
	if !hmac.Equal([]byte(expected), []byte(c.signature)) {
		return ErrBadSignature
	}
	return nil
}

func first(md metadata.MD, key string) string {
	if v := md.Get(key); len(v) > 0 {
		return v[0]
	}
	return ""
}

// Verifier checks system signatures on incoming peer requests
type Verifier struct {
	keys   KeyStore
	logger *zap.Logger
	now    func() time.Time
}

func NewVerifier(keys KeyStore, logger *zap.Logger) *Verifier {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Verifier{keys: keys, logger: logger, now: time.Now}
}

// Middleware rejects HTTP requests that are not signed by a known system key
func (v *Verifier) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id, err := VerifyRequest(r, v.keys, v.now())
		if err != nil {
			v.logger.Debug("Rejected unsigned request",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Error(err))
			code := http.StatusForbidden
			if errors.Is(err, ErrSignatureExpired) {
				code = http.StatusRequestTimeout
			}
			http.Error(w, err.Error(), code)
			return
		}
		next.ServeHTTP(w, r.WithContext(WithIdentity(r.Context(), id)))
	})
}

// StreamServerInterceptor returns a gRPC stream server interceptor for
// authentication. Key and date are checked when the stream opens; the
// signature is checked against the first message the handler receives.
func (v *Verifier) StreamServerInterceptor() grpc.StreamServerInterceptor {
	return func(srv interface{}, ss grpc.ServerStream, info *grpc.StreamServerInfo, handler grpc.StreamHandler) error {
		md, _ := metadata.FromIncomingContext(ss.Context())
		creds, err := readMetadata(md, info.FullMethod, v.keys, v.now())
		if err != nil {
			v.logger.Debug("Rejected unsigned stream",
				zap.String("method", info.FullMethod),
				zap.Error(err))
			return status.Errorf(codes.Unauthenticated, "authentication failed: %v", err)
		}

		return handler(srv, &authenticatedServerStream{
			ServerStream: ss,
			ctx:          WithIdentity(ss.Context(), &Identity{AccessKey: creds.key.AccessKey}),
			creds:        creds,
			logger:       v.logger,
		})
	}
}

type authenticatedServerStream struct {
	grpc.ServerStream
	ctx      context.Context
	creds    *streamCredentials
	logger   *zap.Logger
	verified bool
}

func (s *authenticatedServerStream) Context() context.Context {
	return s.ctx
}

func (s *authenticatedServerStream) RecvMsg(m interface{}) error {
	if err := s.ServerStream.RecvMsg(m); err != nil {
		return err
	}
	if s.verified {
		return nil
	}

	msg, ok := m.(proto.Message)
	if !ok {
		return status.Errorf(codes.Internal, "cannot verify message of type %T", m)
	}
	if err := s.creds.verify(msg); err != nil {
		s.logger.Debug("Rejected stream with mismatched signature",
			zap.String("method", s.creds.fullMethod),
			zap.Error(err))
		return status.Errorf(codes.Unauthenticated, "authentication failed: %v", err)
	}
	s.verified = true
	return nil
}
