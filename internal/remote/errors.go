package remote

import (
	"errors"
	"fmt"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

var (
	// ErrPermissionDenied is returned when the store rejects the caller's
	// credentials or rules deny access to the path.
	ErrPermissionDenied = errors.New("permission denied")

	// ErrTransport covers every other collection-level failure: network,
	// unavailable backend, unreadable payloads.
	ErrTransport = errors.New("transport error")

	// ErrNotFound is returned by ReadOnce when the entity does not exist.
	ErrNotFound = errors.New("not found")

	// ErrStopped is returned by Subscription.Next after Stop.
	ErrStopped = errors.New("subscription stopped")
)

// Kind classifies a store failure.
type Kind int

const (
	// KindTransport is a non-terminal failure.
	KindTransport Kind = iota
	// KindPermissionDenied is a terminal access failure.
	KindPermissionDenied
	// KindNotFound means the addressed entity is absent.
	KindNotFound
)

// String returns a human-readable representation of the kind.
func (k Kind) String() string {
	switch k {
	case KindTransport:
		return "transport"
	case KindPermissionDenied:
		return "permission_denied"
	case KindNotFound:
		return "not_found"
	default:
		return "unknown"
	}
}

// Error is a classified store failure.
type Error struct {
	Op   string // subscribe, read, write
	Path string
	Kind Kind
	Err  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s %s: %s: %v", e.Op, e.Path, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches the package sentinels by kind, so callers can write
// errors.Is(err, remote.ErrPermissionDenied) regardless of backend.
func (e *Error) Is(target error) bool {
	switch target {
	case ErrPermissionDenied:
		return e.Kind == KindPermissionDenied
	case ErrTransport:
		return e.Kind == KindTransport
	case ErrNotFound:
		return e.Kind == KindNotFound
	}
	return false
}

// IsPermissionDenied reports whether err is a permission failure.
func IsPermissionDenied(err error) bool {
	return errors.Is(err, ErrPermissionDenied)
}

// classifyStatus maps a gRPC status error to an *Error.
func classifyStatus(op, path string, err error) error {
	kind := KindTransport
	switch status.Code(err) {
	case codes.PermissionDenied, codes.Unauthenticated:
		kind = KindPermissionDenied
	case codes.NotFound:
		kind = KindNotFound
	}
	return &Error{Op: op, Path: path, Kind: kind, Err: err}
}
