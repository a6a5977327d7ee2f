package reliability

import "net/http"

// IsRetryableConnectStatus reports whether a failed connect against the
// control API is worth repeating. A busy client frees up once the previous
// conversation finishes cleaning up; upstream failures are often transient.
// Device and request errors are not retried.
func IsRetryableConnectStatus(status int, code string) bool {
	switch code {
	case "busy", "upstream_unavailable":
		return true
	case "device_unavailable", "invalid_request":
		return false
	}
	switch status {
	case http.StatusTooManyRequests, http.StatusBadGateway, http.StatusServiceUnavailable, http.StatusGatewayTimeout:
		return true
	default:
		return false
	}
}
