package reliability

// Status classes used as metric labels for upstream failures.
const (
	ClassNone        = "none"
	ClassNetwork     = "network"
	ClassRateLimited = "rate_limited"
	ClassClient      = "client"
	ClassServer      = "server"
)

// IsRetryableHTTPStatus classifies retryable HTTP status codes.
func IsRetryableHTTPStatus(code int) bool {
	switch code {
	case 429, 500, 502, 503, 504:
		return true
	default:
		return false
	}
}

// ClassifyHTTPStatus buckets an upstream status. Zero means the request never
// got a response.
func ClassifyHTTPStatus(code int) string {
	switch {
	case code == 0:
		return ClassNetwork
	case code == 429:
		return ClassRateLimited
	case code >= 500:
		return ClassServer
	case code >= 400:
		return ClassClient
	default:
		return ClassNone
	}
}
