package reliability

import (
	"errors"
	"fmt"
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
		{401, false},
		{429, true},
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

func TestExponentialBackoffCap(t *testing.T) {
	base := 100 * time.Millisecond
	capDur := 700 * time.Millisecond
	if got := ExponentialBackoff(0, base, capDur); got != base {
		t.Fatalf("attempt 0 = %v, want %v", got, base)
	}
	if got := ExponentialBackoff(2, base, capDur); got != 400*time.Millisecond {
		t.Fatalf("attempt 2 = %v, want %v", got, 400*time.Millisecond)
	}
	if got := ExponentialBackoff(10, base, capDur); got != capDur {
		t.Fatalf("attempt 10 = %v, want %v", got, capDur)
	}
}

func TestBackendErrorUnwrapAndCategory(t *testing.T) {
	root := errors.New("boom")
	err := fmt.Errorf("cycle: %w", NewBackendError("completion", 429, root))

	be, ok := AsBackendError(err)
	if !ok {
		t.Fatalf("AsBackendError() ok = false, want true")
	}
	if be.Category != "rate_limited" {
		t.Fatalf("Category = %q, want %q", be.Category, "rate_limited")
	}
	if !be.Retryable() {
		t.Fatalf("Retryable() = false, want true for 429")
	}
	if !errors.Is(err, root) {
		t.Fatalf("errors.Is(err, root) = false, want true")
	}
	if NewBackendError("synthesis", 401, root).Retryable() {
		t.Fatalf("401 should not be retryable")
	}
}

func TestReconnectPolicyBackoffAndTrip(t *testing.T) {
	p := ReconnectPolicy{BackoffBase: 100 * time.Millisecond, BackoffMax: 300 * time.Millisecond, MaxFailures: 3}

	if d := p.NextDelay(); d != 0 {
		t.Fatalf("first delay = %v, want 0", d)
	}
	want := []time.Duration{100 * time.Millisecond, 200 * time.Millisecond, 300 * time.Millisecond}
	for i, w := range want {
		p.Failed()
		if d := p.NextDelay(); d != w {
			t.Fatalf("delay after %d failures = %v, want %v", i+1, d, w)
		}
	}
	if !p.Tripped() {
		t.Fatalf("Tripped() = false after %d failures", p.Failures())
	}

	p.Healthy()
	if p.Tripped() || p.Failures() != 0 || p.NextDelay() != 0 {
		t.Fatalf("Healthy() did not reset policy: failures=%d", p.Failures())
	}
}
