package rpc

import (
	"crypto/tls"
	"fmt"
	"net/url"
	"sync"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/connectivity"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"
)

const (
	// SchemePlain and SchemeTLS are the endpoint schemes served by this transport
	SchemePlain = "grpc"
	SchemeTLS   = "grpcs"

	defaultIdleTimeout = 5 * time.Minute
)

// connPool keeps one client connection per peer endpoint
type connPool struct {
	mu          sync.Mutex
	conns       map[string]*pooledConn
	tlsConfig   *tls.Config
	dialOptions []grpc.DialOption
	idleTimeout time.Duration
	logger      *zap.Logger
	now         func() time.Time
}

type pooledConn struct {
	conn     *grpc.ClientConn
	target   string
	created  time.Time
	lastUsed time.Time
	useCount int64
}

func newConnPool(tlsConfig *tls.Config, logger *zap.Logger, opts ...grpc.DialOption) *connPool {
	return &connPool{
		conns:       make(map[string]*pooledConn),
		tlsConfig:   tlsConfig,
		dialOptions: opts,
		idleTimeout: defaultIdleTimeout,
		logger:      logger,
		now:         time.Now,
	}
}

// parseEndpoint splits a grpc:// or grpcs:// endpoint into a dial target
func parseEndpoint(endpoint string) (target string, secure bool, err error) {
	u, err := url.Parse(endpoint)
	if err != nil {
		return "", false, err
	}
	switch u.Scheme {
	case SchemePlain:
	case SchemeTLS:
		secure = true
	default:
		return "", false, fmt.Errorf("unsupported scheme %q in %s", u.Scheme, endpoint)
	}
	if u.Host == "" {
		return "", false, fmt.Errorf("endpoint %s has no host", endpoint)
	}
	return u.Host, secure, nil
}

// get returns the pooled connection for endpoint, dialing when the cached
// one is missing or shut down.
func (p *connPool) get(endpoint string) (*grpc.ClientConn, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if pooled, ok := p.conns[endpoint]; ok {
		if pooled.usable() {
			pooled.lastUsed = p.now()
			pooled.useCount++
			return pooled.conn, nil
		}
		pooled.conn.Close()
		delete(p.conns, endpoint)
	}

	target, secure, err := parseEndpoint(endpoint)
	if err != nil {
		return nil, err
	}

	creds := insecure.NewCredentials()
	if secure {
		cfg := p.tlsConfig
		if cfg == nil {
			cfg = &tls.Config{MinVersion: tls.VersionTLS12}
		}
		creds = credentials.NewTLS(cfg)
	}
	opts := append([]grpc.DialOption{grpc.WithTransportCredentials(creds)}, p.dialOptions...)

	// non-blocking: connection failures surface on the first stream
	conn, err := grpc.Dial(target, opts...)
	if err != nil {
		return nil, err
	}

	now := p.now()
	p.conns[endpoint] = &pooledConn{conn: conn, target: target, created: now, lastUsed: now, useCount: 1}
	p.logger.Debug("Opened peer connection",
		zap.String("endpoint", endpoint),
		zap.Bool("tls", secure))
	return conn, nil
}

func (pc *pooledConn) usable() bool {
	state := pc.conn.GetState()
	return state != connectivity.Shutdown
}

// sweep closes connections that have not been used within the idle timeout
func (p *connPool) sweep() int {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := p.now()
	removed := 0
	for endpoint, pooled := range p.conns {
		if now.Sub(pooled.lastUsed) <= p.idleTimeout {
			continue
		}
		pooled.conn.Close()
		delete(p.conns, endpoint)
		removed++
		p.logger.Debug("Removed idle peer connection",
			zap.String("endpoint", endpoint),
			zap.Int64("uses", pooled.useCount))
	}
	return removed
}

func (p *connPool) size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.conns)
}

func (p *connPool) close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	var firstErr error
	for endpoint, pooled := range p.conns {
		if err := pooled.conn.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		delete(p.conns, endpoint)
	}
	return firstErr
}
