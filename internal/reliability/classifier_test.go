package reliability

import (
	"testing"
	"time"
)

func TestIsRetryableHTTPStatus(t *testing.T) {
	cases := []struct {
		code int
		want bool
	}{
		{200, false},
		{400, false},
		{429, false},
		{500, true},
		{503, true},
	}
	for _, tc := range cases {
		got := IsRetryableHTTPStatus(tc.code)
		if got != tc.want {
			t.Fatalf("IsRetryableHTTPStatus(%d) = %v, want %v", tc.code, got, tc.want)
		}
	}
}

func TestIsRateLimitedStatus(t *testing.T) {
	if !IsRateLimitedStatus(429) {
		t.Fatalf("IsRateLimitedStatus(429) = false, want true")
	}
	if IsRateLimitedStatus(503) {
		t.Fatalf("IsRateLimitedStatus(503) = true, want false")
	}
}

func TestExponentialBackoffCap(t *testing.T) {
	base := 100 * time.Millisecond
	capDur := 700 * time.Millisecond
	if got := ExponentialBackoff(0, base, capDur); got != base {
		t.Fatalf("attempt 0 = %v, want %v", got, base)
	}
	if got := ExponentialBackoff(10, base, capDur); got != capDur {
		t.Fatalf("attempt 10 = %v, want %v", got, capDur)
	}
}

func TestExponentialBackoffFixedWhenCapEqualsBase(t *testing.T) {
	for attempt := 0; attempt < 6; attempt++ {
		if got := ExponentialBackoff(attempt, 2*time.Second, 2*time.Second); got != 2*time.Second {
			t.Fatalf("attempt %d = %v, want 2s", attempt, got)
		}
	}
}
