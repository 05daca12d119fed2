package resilience

import (
	"errors"
	"net"
	"strings"
	"syscall"
	"time"

	"github.com/sells-group/quakemap/internal/apperr"
)

// RetryAfterError carries a server-provided delay (Retry-After) alongside a
// transient failure.
type RetryAfterError struct {
	Err   error
	After time.Duration
}

func (e *RetryAfterError) Error() string { return e.Err.Error() }

func (e *RetryAfterError) Unwrap() error { return e.Err }

// RetryAfter returns the server-requested delay carried by err, if any.
func RetryAfter(err error) (time.Duration, bool) {
	var ra *RetryAfterError
	if errors.As(err, &ra) && ra.After > 0 {
		return ra.After, true
	}
	return 0, false
}

// IsTransient reports whether err is worth retrying: provider network errors
// with no status or a transient status, network timeouts, connection resets and
// DNS failures. Authentication, data format and coordinate errors never are.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}

	switch apperr.KindOf(err) {
	case apperr.KindAuthentication, apperr.KindDataFormat, apperr.KindCoordinateSystem, apperr.KindInvalidQuery:
		return false
	}

	var ne *apperr.NetworkError
	if errors.As(err, &ne) && ne.StatusCode != 0 {
		return IsTransientHTTPStatus(ne.StatusCode)
	}

	if errors.Is(err, ErrCircuitOpen) {
		return false
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	if errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.ECONNABORTED) {
		return true
	}

	msg := strings.ToLower(err.Error())
	transientPatterns := []string{
		"connection reset by peer",
		"broken pipe",
		"temporary failure in name resolution",
		"tls handshake timeout",
		"i/o timeout",
		"server closed idle connection",
		"transport connection broken",
		"unexpected eof",
	}
	for _, p := range transientPatterns {
		if strings.Contains(msg, p) {
			return true
		}
	}

	// A NetworkError without a status is a transport failure that matched
	// none of the above; treat it as retryable.
	return ne != nil
}

// IsTransientHTTPStatus returns true if the HTTP status code indicates a
// transient server-side issue that is safe to retry.
func IsTransientHTTPStatus(statusCode int) bool {
	switch statusCode {
	case 408, // Request Timeout
		429, // Too Many Requests
		500, // Internal Server Error
		502, // Bad Gateway
		503, // Service Unavailable
		504: // Gateway Timeout
		return true
	default:
		return false
	}
}
