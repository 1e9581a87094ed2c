package fault

import (
	"context"
	"errors"
	"io/fs"
	"net"
	"os"
	"strings"
	"syscall"
)

// Classify maps an arbitrary error to a classified *Error. Errors that are
// already classified pass through unchanged. Transport-level conditions map
// to the nearest taxonomy kind; anything unmatched defaults to Internal
// (permanent) so unknown failures are never blindly retried.
func Classify(err error) *Error {
	if err == nil {
		return nil
	}

	var fe *Error
	if errors.As(err, &fe) {
		return fe
	}

	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return Wrap(NetworkTimeout, "operation timed out", err)
	case errors.Is(err, context.Canceled):
		return Wrap(Cancelled, "operation cancelled", err)
	case errors.Is(err, fs.ErrNotExist), errors.Is(err, os.ErrNotExist):
		return Wrap(FileNotFound, "file not found", err)
	case errors.Is(err, syscall.ECONNREFUSED), errors.Is(err, syscall.ECONNRESET):
		return Wrap(NetworkConnection, "connection failed", err)
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return Wrap(NetworkTimeout, "network timeout", err)
	}

	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "rate limit") || strings.Contains(msg, "429"):
		return Wrap(ModelRateLimit, "rate limit exceeded", err)
	case strings.Contains(msg, "timeout") || strings.Contains(msg, "timed out"):
		return Wrap(NetworkTimeout, "operation timed out", err)
	case strings.Contains(msg, "connection refused") || strings.Contains(msg, "no such host"):
		return Wrap(NetworkConnection, "connection failed", err)
	case strings.Contains(msg, "authentication") || strings.Contains(msg, "401") || strings.Contains(msg, "403"):
		return Wrap(GitAuthFailed, "authentication failed", err)
	case strings.Contains(msg, "database is locked"):
		return Wrap(DatabaseLocked, "database locked", err)
	case strings.Contains(msg, "no such file"):
		return Wrap(FileNotFound, "file not found", err)
	}

	return Wrap(Internal, "unexpected error", err)
}
