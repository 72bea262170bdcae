package federation

import (
	"strings"
	"sync/atomic"
)

// EndpointPool is an immutable, ordered set of peer endpoints with a shared
// round-robin cursor. Select is safe for concurrent use.
type EndpointPool struct {
	endpoints []string
	counter   atomic.Uint64
}

// NewEndpointPool copies endpoints, keeping configuration order
func NewEndpointPool(endpoints []string) *EndpointPool {
	return &EndpointPool{
		endpoints: append([]string(nil), endpoints...),
	}
}

// Select returns the next endpoint in round-robin order.
// The first call returns the first configured endpoint.
func (p *EndpointPool) Select() (string, error) {
	if len(p.endpoints) == 0 {
		return "", ErrNoEndpointsConfigured
	}

	i := p.counter.Add(1) - 1
	return p.endpoints[i%uint64(len(p.endpoints))], nil
}

func (p *EndpointPool) Len() int {
	return len(p.endpoints)
}

// Endpoints returns a copy of the configured endpoints
func (p *EndpointPool) Endpoints() []string {
	return append([]string(nil), p.endpoints...)
}

func (p *EndpointPool) String() string {
	return "[" + strings.Join(p.endpoints, ", ") + "]"
}
