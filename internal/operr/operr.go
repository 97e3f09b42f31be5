// Package operr defines the error kinds surfaced across the runtime.
// Every failure that crosses a component boundary is tagged with a Kind so
// the CLI, the chat gateway, and session files can report it uniformly.
package operr

import (
	"errors"
	"fmt"
)

// Kind classifies a runtime failure.
type Kind string

const (
	KindConfigInvalid     Kind = "config_invalid"
	KindSecretMissing     Kind = "secret_missing"
	KindDeviceUnavailable Kind = "device_unavailable"
	KindAdbFailed         Kind = "adb_failed"
	KindModelFailed       Kind = "model_failed"
	KindScriptBlocked     Kind = "script_blocked"
	KindScriptTimeout     Kind = "script_timeout"
	KindScriptFailed      Kind = "script_failed"
	KindAuthTimeout       Kind = "auth_timeout"
	KindAuthRejected      Kind = "auth_rejected"
	KindRelayUnreachable  Kind = "relay_unreachable"
	KindMaxSteps          Kind = "max_steps_reached"
	KindCancelled         Kind = "cancelled"
	KindInternal          Kind = "internal"
)

// Error couples a Kind with an underlying cause.
type Error struct {
	Kind Kind
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return string(e.Kind)
	}
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// New creates a tagged error with a formatted message.
func New(kind Kind, format string, args ...any) error {
	return &Error{Kind: kind, Err: fmt.Errorf(format, args...)}
}

// Wrap tags an existing error. A nil err returns nil.
func Wrap(kind Kind, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Err: err}
}

// KindOf extracts the Kind from err, or KindInternal when untagged.
func KindOf(err error) Kind {
	var oe *Error
	if errors.As(err, &oe) {
		return oe.Kind
	}
	return KindInternal
}

// Is reports whether err carries the given kind.
func Is(err error, kind Kind) bool {
	return KindOf(err) == kind
}
