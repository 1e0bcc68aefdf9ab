package lib

import (
	"errors"
	"io"
	"net"
	"syscall"
)

var (
	ErrFolderNotFound  = errors.New("folder not found")
	ErrMessageNotFound = errors.New("message not found")
	ErrMissingPassword = errors.New("password missing from account")
	ErrMissingToken    = errors.New("OAuth2 access token missing from account")
)

// IsTransient reports whether an error is likely to be recovered by
// reconnecting: timeouts, connection resets and other socket-level failures.
// Protocol and application errors (authentication rejected, folder missing,
// server NO/BAD responses) are not transient and must not be retried.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	if errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.ECONNABORTED) ||
		errors.Is(err, syscall.EPIPE) ||
		errors.Is(err, syscall.ETIMEDOUT) {
		return true
	}
	// a dead connection surfaces as EOF from the reader
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return true
	}
	var opErr *net.OpError
	return errors.As(err, &opErr)
}
