package replication

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"net/http"
	"time"

	"zonelink/pkg/federation"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// RetryPolicy controls how failed transfers are retried. Each attempt
// selects a fresh endpoint, so retries also fail over across a peer's
// endpoints.
type RetryPolicy struct {
	MaxAttempts  int
	BaseDelay    time.Duration
	MaxDelay     time.Duration
	JitterFactor float64
}

func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:  3,
		BaseDelay:    100 * time.Millisecond,
		MaxDelay:     5 * time.Second,
		JitterFactor: 0.2,
	}
}

// Backoff returns the delay before the attempt after the given one
// (zero-based): BaseDelay * 2^attempt, capped at MaxDelay, with jitter.
func (p RetryPolicy) Backoff(attempt int) time.Duration {
	delay := float64(p.BaseDelay) * math.Pow(2, float64(attempt))
	if delay > float64(p.MaxDelay) {
		delay = float64(p.MaxDelay)
	}

	delay += delay * p.JitterFactor * (2*rand.Float64() - 1)
	if delay < 0 {
		delay = float64(p.BaseDelay)
	}
	return time.Duration(delay)
}

// Do runs fn until it succeeds, fails with an error that is not retryable,
// or MaxAttempts is reached. It returns the number of attempts made.
func (p RetryPolicy) Do(ctx context.Context, fn func(attempt int) error) (int, error) {
	attempts := p.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}

	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return attempt, err
		}

		lastErr = fn(attempt)
		if lastErr == nil || !IsRetryable(lastErr) {
			return attempt + 1, lastErr
		}

		if attempt < attempts-1 {
			select {
			case <-time.After(p.Backoff(attempt)):
			case <-ctx.Done():
				return attempt + 1, ctx.Err()
			}
		}
	}
	return attempts, lastErr
}

// IsRetryable reports whether a transfer that failed with err may succeed
// on another attempt. Missing endpoints and protocol violations never do.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	if errors.Is(err, federation.ErrNoEndpointsConfigured) || federation.IsProtocolError(err) {
		return false
	}

	var te *federation.TransportError
	if !errors.As(err, &te) {
		return false
	}

	if st, ok := status.FromError(te.Err); ok && te.Err != nil {
		switch st.Code() {
		case codes.Unavailable,
			codes.ResourceExhausted,
			codes.Aborted,
			codes.DeadlineExceeded,
			codes.Internal,
			codes.Unknown:
			return true
		default:
			return false
		}
	}

	switch te.StatusCode {
	case 0, http.StatusRequestTimeout, http.StatusTooManyRequests:
		return true
	}
	return te.StatusCode >= 500
}
