package reliability

import (
	"errors"
	"net/http"
	"time"
)

// ErrRateLimited is terminal for a session until the latch is cleared.
var ErrRateLimited = errors.New("rate limited")

// IsRetryableHTTPStatus classifies retryable HTTP status codes.
func IsRetryableHTTPStatus(code int) bool {
	switch code {
	case 500, 502, 503, 504:
		return true
	default:
		return false
	}
}

// IsRateLimitedStatus reports whether the upstream refused us for quota reasons.
func IsRateLimitedStatus(code int) bool {
	return code == http.StatusTooManyRequests
}

// IsRateLimitedCloseReason classifies close/error reasons sent by the agent.
func IsRateLimitedCloseReason(reason string) bool {
	switch reason {
	case "rate_limited", "resource_exhausted", "TOO_MANY_REQUESTS":
		return true
	default:
		return false
	}
}

// ExponentialBackoff computes a deterministic capped backoff duration.
// With cap == base it degenerates to a fixed delay.
func ExponentialBackoff(attempt int, base, cap time.Duration) time.Duration {
	if cap < base {
		cap = base
	}
	if attempt <= 0 {
		return base
	}
	d := base
	for i := 0; i < attempt; i++ {
		d *= 2
		if d >= cap {
			return cap
		}
	}
	return d
}
