package federation

import (
	"errors"
	"fmt"
)

var (
	// ErrNoEndpointsConfigured means the peer has no endpoints to select from.
	// It is a topology problem and is never retried by this package.
	ErrNoEndpointsConfigured = errors.New("endpoints not configured for peer zone")

	// ErrEndpointUnavailable is returned by Forward and the Begin calls when
	// no endpoint can be selected.
	ErrEndpointUnavailable = ErrNoEndpointsConfigured

	ErrSessionClosed = errors.New("transfer session already completed")
	ErrNilSession    = errors.New("nil transfer session")
)

// TransportError is a network or HTTP-level failure talking to a peer endpoint
type TransportError struct {
	Endpoint   string
	Op         string
	StatusCode int // HTTP status, 0 when no response was received
	Err        error
}

func (e *TransportError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s %s: status %d: %v", e.Op, e.Endpoint, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("%s %s: %v", e.Op, e.Endpoint, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// ProtocolError means the peer answered but broke the transfer contract,
// for example an oversized response or a missing ETag.
type ProtocolError struct {
	Endpoint string
	Op       string
	Reason   string
	Err      error
}

func (e *ProtocolError) Error() string {
	msg := fmt.Sprintf("%s %s: protocol error: %s", e.Op, e.Endpoint, e.Reason)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *ProtocolError) Unwrap() error {
	return e.Err
}

// IsTransportError reports whether err wraps a *TransportError
func IsTransportError(err error) bool {
	var te *TransportError
	return errors.As(err, &te)
}

// IsProtocolError reports whether err wraps a *ProtocolError
func IsProtocolError(err error) bool {
	var pe *ProtocolError
	return errors.As(err, &pe)
}
