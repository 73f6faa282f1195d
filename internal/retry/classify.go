package retry

import (
	"context"
	"errors"
	"net"
	"net/http"
	"syscall"
)

// StatusCarrier is implemented by errors that know the HTTP status of the
// exchange that produced them. A status of 0 means the request never
// completed (connection refused, reset, timed out).
type StatusCarrier interface {
	HTTPStatus() int
}

// Permanent wraps an error so IsTransient always reports false for it,
// regardless of how the underlying error would classify.
type Permanent struct {
	Err error
}

func (e *Permanent) Error() string { return e.Err.Error() }
func (e *Permanent) Unwrap() error { return e.Err }

// IsTransient reports whether a failed API exchange is worth retrying.
// Network-level failures and 429/5xx responses are transient; everything
// else (including context cancellation) is not.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var perm *Permanent
	if errors.As(err, &perm) {
		return false
	}

	var sc StatusCarrier
	if errors.As(err, &sc) {
		return isTransientStatus(sc.HTTPStatus())
	}

	return isNetworkError(err) || isSyscallError(err)
}

func isTransientStatus(status int) bool {
	switch status {
	case 0, // request never completed
		http.StatusTooManyRequests,
		http.StatusInternalServerError,
		http.StatusBadGateway,
		http.StatusServiceUnavailable,
		http.StatusGatewayTimeout:
		return true
	}
	return false
}

func isNetworkError(err error) bool {
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return true
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return dnsErr.Temporary() || dnsErr.IsTimeout
	}
	return false
}

func isSyscallError(err error) bool {
	var errno syscall.Errno
	if errors.As(err, &errno) {
		switch errno {
		case syscall.ECONNREFUSED, syscall.ECONNRESET, syscall.EPIPE,
			syscall.ETIMEDOUT, syscall.ENETUNREACH, syscall.EHOSTUNREACH:
			return true
		}
	}
	return false
}
