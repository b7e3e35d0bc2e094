package reliability

import "time"

// ReconnectPolicy tracks consecutive failed reconnects for one stream owner and
// decides how long to wait before the next attempt. It is not safe for
// concurrent use; the owning session loop serialises access.
type ReconnectPolicy struct {
	BackoffBase time.Duration
	BackoffMax  time.Duration
	MaxFailures int

	failures int
}

// Healthy resets the failure streak after a stream reached the open state.
func (p *ReconnectPolicy) Healthy() {
	p.failures = 0
}

// Failed records a reconnect whose stream never opened.
func (p *ReconnectPolicy) Failed() {
	p.failures++
}

// Failures returns the current consecutive failure count.
func (p *ReconnectPolicy) Failures() int {
	return p.failures
}

// Tripped reports whether the breaker is open and no further attempts should be made.
func (p *ReconnectPolicy) Tripped() bool {
	return p.MaxFailures > 0 && p.failures >= p.MaxFailures
}

// NextDelay is the wait before the next open. The first reconnect after a
// healthy stream is immediate.
func (p *ReconnectPolicy) NextDelay() time.Duration {
	if p.failures == 0 || p.BackoffBase <= 0 {
		return 0
	}
	limit := p.BackoffMax
	if limit < p.BackoffBase {
		limit = p.BackoffBase
	}
	return ExponentialBackoff(p.failures-1, p.BackoffBase, limit)
}
