package remotefs

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"strings"
	"time"
)

// TimeoutPhase identifies which stage of an operation hit its deadline.
type TimeoutPhase string

const (
	// TimeoutInit is a timeout while establishing the transport.
	TimeoutInit TimeoutPhase = "init"
	// TimeoutOperation is a timeout during a remote file operation.
	TimeoutOperation TimeoutPhase = "operation"
	// TimeoutPathExpand is a timeout during home-relative path expansion.
	TimeoutPathExpand TimeoutPhase = "path-expand"
)

// ConnectionError indicates the transport to a host could not be established
// or was lost (refused, reset, unreachable).
type ConnectionError struct {
	Addr string
	Err  error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("connection to %s failed: %v", e.Addr, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// AuthenticationError indicates missing or rejected credentials.
type AuthenticationError struct {
	User string
	Addr string
	Err  error
}

func (e *AuthenticationError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("authentication failed for %s@%s: %v", e.User, e.Addr, e.Err)
	}
	return fmt.Sprintf("authentication failed for %s@%s: no usable credentials", e.User, e.Addr)
}

func (e *AuthenticationError) Unwrap() error { return e.Err }

// TimeoutError indicates an operation exceeded its configured deadline.
type TimeoutError struct {
	Phase TimeoutPhase
	Op    string
	Limit time.Duration
}

func (e *TimeoutError) Error() string {
	switch e.Phase {
	case TimeoutInit:
		return fmt.Sprintf("%s timed out after %v while connecting; the host may be down or slow to accept connections", e.Op, e.Limit)
	case TimeoutPathExpand:
		return fmt.Sprintf("%s timed out after %v while expanding the remote home directory", e.Op, e.Limit)
	default:
		return fmt.Sprintf("%s timed out after %v; increase the operation timeout if the host is slow", e.Op, e.Limit)
	}
}

// PermissionError indicates the remote side denied access to a path.
type PermissionError struct {
	Path string
	Err  error
}

func (e *PermissionError) Error() string {
	return fmt.Sprintf("permission denied: %s", e.Path)
}

func (e *PermissionError) Unwrap() error { return e.Err }

// NotFoundError indicates a remote path does not exist.
type NotFoundError struct {
	Path string
	Err  error
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("no such file or directory: %s", e.Path)
}

func (e *NotFoundError) Unwrap() error { return e.Err }

// ChecksumMismatchError indicates a transferred file failed verification.
type ChecksumMismatchError struct {
	Path string
	Want string
	Got  string
}

func (e *ChecksumMismatchError) Error() string {
	return fmt.Sprintf("checksum mismatch for %s: want %s, got %s", e.Path, e.Want, e.Got)
}

// RetryExhaustedError wraps the last transient error after all retry
// attempts have been used up.
type RetryExhaustedError struct {
	Op       string
	Attempts int
	Err      error
}

func (e *RetryExhaustedError) Error() string {
	return fmt.Sprintf("%s failed after %d attempts: %v", e.Op, e.Attempts, e.Err)
}

func (e *RetryExhaustedError) Unwrap() error { return e.Err }

// CancelledError indicates the caller aborted the operation.
type CancelledError struct {
	Op  string
	Err error
}

func (e *CancelledError) Error() string {
	return fmt.Sprintf("%s cancelled: %v", e.Op, e.Err)
}

func (e *CancelledError) Unwrap() error { return e.Err }

// classifyPathError maps protocol-level failures onto the typed taxonomy.
// The sftp client normalises status codes to os.ErrNotExist/os.ErrPermission,
// so both protocol and local filesystem errors land here.
func classifyPathError(path string, err error) error {
	if err == nil {
		return nil
	}
	var nf *NotFoundError
	var pe *PermissionError
	if errors.As(err, &nf) || errors.As(err, &pe) {
		return err
	}
	switch {
	case errors.Is(err, os.ErrNotExist):
		return &NotFoundError{Path: path, Err: err}
	case errors.Is(err, os.ErrPermission):
		return &PermissionError{Path: path, Err: err}
	}
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "no such file"), strings.Contains(msg, "not found"):
		return &NotFoundError{Path: path, Err: err}
	case strings.Contains(msg, "permission denied"), strings.Contains(msg, "operation not permitted"):
		return &PermissionError{Path: path, Err: err}
	}
	return err
}

// IsRetryableError checks if an error is transient and worth retrying.
func IsRetryableError(err error) bool {
	if err == nil {
		return false
	}

	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}

	var authErr *AuthenticationError
	var permErr *PermissionError
	var notFound *NotFoundError
	var mismatch *ChecksumMismatchError
	var cancelled *CancelledError
	if errors.As(err, &authErr) || errors.As(err, &permErr) ||
		errors.As(err, &notFound) || errors.As(err, &mismatch) ||
		errors.As(err, &cancelled) {
		return false
	}

	var timeout *TimeoutError
	if errors.As(err, &timeout) {
		return true
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return true
		}
	}

	errMsg := strings.ToLower(err.Error())
	retryableMessages := []string{
		"connection refused",
		"connection reset",
		"broken pipe",
		"no route to host",
		"network is unreachable",
		"no such host",
		"i/o timeout",
		"handshake failed",
		"ssh: disconnect",
		"connection lost",
		"temporary failure",
		"too many open files",
	}

	for _, msg := range retryableMessages {
		if strings.Contains(errMsg, msg) {
			return true
		}
	}

	return false
}
