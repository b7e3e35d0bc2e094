package reliability

import "time"

// IsRetryableHTTPStatus classifies retryable HTTP status codes.
func IsRetryableHTTPStatus(code int) bool {
	switch code {
	case 408, 429, 500, 502, 503, 504:
		return true
	default:
		return false
	}
}

// CategoryForStatus maps an upstream HTTP-equivalent status to a coarse
// category used in logs and metric labels.
func CategoryForStatus(code int) string {
	switch {
	case code == 0:
		return "transport"
	case code == 401 || code == 403:
		return "auth"
	case code == 408:
		return "timeout"
	case code == 429:
		return "rate_limited"
	case code >= 500:
		return "upstream"
	case code >= 400:
		return "invalid_request"
	default:
		return "unknown"
	}
}

// ExponentialBackoff computes a deterministic capped backoff duration.
func ExponentialBackoff(attempt int, base, cap time.Duration) time.Duration {
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
