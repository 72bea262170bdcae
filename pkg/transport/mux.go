// Package transport picks the wire protocol for a peer endpoint from its
// URL scheme.
package transport

import (
	"context"
	"fmt"
	"net/url"
	"sort"
	"sync"

	"zonelink/pkg/auth"
	"zonelink/pkg/federation"
	"zonelink/pkg/types"
)

// Mux is a federation.RestTransport that dispatches each call to the
// transport registered for the endpoint's scheme, so a single peer may mix
// http, https and grpc endpoints.
type Mux struct {
	mu      sync.RWMutex
	schemes map[string]federation.RestTransport
}

func NewMux() *Mux {
	return &Mux{schemes: make(map[string]federation.RestTransport)}
}

// Handle registers t for the given schemes, replacing earlier registrations
func (m *Mux) Handle(t federation.RestTransport, schemes ...string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range schemes {
		m.schemes[s] = t
	}
}

// Schemes returns the registered schemes in sorted order
func (m *Mux) Schemes() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]string, 0, len(m.schemes))
	for s := range m.schemes {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

func (m *Mux) route(endpoint, op string) (federation.RestTransport, error) {
	u, err := url.Parse(endpoint)
	if err != nil {
		return nil, &federation.TransportError{Endpoint: endpoint, Op: op, Err: err}
	}
	m.mu.RLock()
	t, ok := m.schemes[u.Scheme]
	m.mu.RUnlock()
	if !ok {
		return nil, &federation.TransportError{
			Endpoint: endpoint,
			Op:       op,
			Err:      fmt.Errorf("no transport for scheme %q", u.Scheme),
		}
	}
	return t, nil
}

func (m *Mux) Replay(ctx context.Context, endpoint string, key auth.SigningKey, info types.RequestInfo,
	params federation.Params, maxResponse int64, body []byte) ([]byte, error) {
	t, err := m.route(endpoint, "forward")
	if err != nil {
		return nil, err
	}
	return t.Replay(ctx, endpoint, key, info, params, maxResponse, body)
}

func (m *Mux) OpenUpload(ctx context.Context, endpoint string, key auth.SigningKey, obj types.ObjectID,
	size int64, attrs types.Attrs, params federation.Params) (federation.UploadStream, error) {
	t, err := m.route(endpoint, "send")
	if err != nil {
		return nil, err
	}
	return t.OpenUpload(ctx, endpoint, key, obj, size, attrs, params)
}

func (m *Mux) OpenDownload(ctx context.Context, endpoint string, key auth.SigningKey, obj types.ObjectID,
	params federation.Params, sink federation.DataSink) (federation.DownloadStream, error) {
	t, err := m.route(endpoint, "receive")
	if err != nil {
		return nil, err
	}
	return t.OpenDownload(ctx, endpoint, key, obj, params, sink)
}
