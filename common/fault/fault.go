// Package fault defines the error taxonomy shared by the orchestrator and the
// slave runtime.
//
// Components tag failures with a Kind instead of growing per-package sentinel
// zoos. The HTTP facade maps kinds onto status codes and serializes them as
// {"error": ..., "kind": ...} bodies; internal callers branch on KindOf.
package fault

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind is a machine-readable failure category.
type Kind string

const (
	// Transport covers network failures, exhausted retries, and open circuits.
	Transport Kind = "transport"
	// Auth is a missing or wrong bearer token.
	Auth Kind = "auth"
	// NotFound is an unknown slave, agent, run, or request id.
	NotFound Kind = "not_found"
	// Conflict is an id collision with a mismatched descriptor.
	Conflict Kind = "conflict"
	// NoCapacity means no eligible slave can host a deploy.
	NoCapacity Kind = "no_capacity"
	// VersionMismatch is an attempted dispatch to a slave whose commit differs
	// from the master's.
	VersionMismatch Kind = "version_mismatch"
	// InvalidStateTransition is an illegal human-request transition.
	InvalidStateTransition Kind = "invalid_state_transition"
	// BadRequest is a malformed or schema-invalid payload.
	BadRequest Kind = "bad_request"

	// Installer failure classes, per installation-pipeline stage.
	InstallerConnectivity Kind = "installer_connectivity"
	InstallerPrereq       Kind = "installer_prereq"
	InstallerClone        Kind = "installer_clone"
	InstallerStrategy     Kind = "installer_strategy"
	InstallerExhausted    Kind = "installer_all_strategies_exhausted"

	// Fatal means the process cannot continue serving (persistence failure,
	// token misconfiguration).
	Fatal Kind = "fatal"
)

// Error is a kind-tagged error with an optional wrapped cause.
type Error struct {
	Kind    Kind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return e.Message + ": " + e.Err.Error()
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.Err }

// New builds a kind-tagged error from a format string.
func New(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap tags an underlying error with a kind and context message.
// Returns nil when err is nil.
func Wrap(kind Kind, err error, format string, args ...any) *Error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), Err: err}
}

// KindOf extracts the Kind from err, unwrapping as needed.
// Untagged errors report an empty Kind.
func KindOf(err error) Kind {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	return ""
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, kind Kind) bool {
	return KindOf(err) == kind
}

// HTTPStatus maps a kind to the status code the facade responds with.
func HTTPStatus(kind Kind) int {
	switch kind {
	case Auth:
		return http.StatusUnauthorized
	case NotFound:
		return http.StatusNotFound
	case Conflict, InvalidStateTransition, VersionMismatch:
		return http.StatusConflict
	case NoCapacity:
		return http.StatusServiceUnavailable
	case BadRequest:
		return http.StatusBadRequest
	case Transport:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
