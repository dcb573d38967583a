// Package dderr defines the error taxonomy shared by the host, the
// workers and the RPC surface. Every failure that crosses a process
// boundary is reduced to a Kind plus a human-readable message so the
// other side can reconstruct an equivalent error.
package dderr

import (
	"errors"
	"fmt"
)

// Kind identifies a class of failure.
type Kind string

const (
	// Supervisor / RPC.
	KindWorkerStartFailed  Kind = "WorkerStartFailed"
	KindWorkerTerminated   Kind = "WorkerTerminated"
	KindAlreadyInitialized Kind = "AlreadyInitialized"
	KindUnknownMethod      Kind = "UnknownMethod"

	// Token provider.
	KindAuthRequired       Kind = "AuthRequired"
	KindTokenRefreshFailed Kind = "TokenRefreshFailed"

	// Plugin runtime.
	KindPluginNotLoaded            Kind = "PluginNotLoaded"
	KindPluginInitializationFailed Kind = "PluginInitializationFailed"
	KindCommandUnknown             Kind = "CommandUnknown"
	KindCommandFailed              Kind = "CommandFailed"

	// Multiplexer and common.
	KindEnvironmentNotRegistered Kind = "EnvironmentNotRegistered"
	KindDisposed                 Kind = "Disposed"
	KindCancelled                Kind = "Cancelled"
	KindTimeout                  Kind = "Timeout"

	// Indexer / query.
	KindIndexStartFailed Kind = "IndexStartFailed"
	KindIndexInProgress  Kind = "IndexInProgress"
	KindComponentNotFound Kind = "ComponentNotFound"
	KindLayerNotFound     Kind = "LayerNotFound"

	KindInvalidRequest Kind = "InvalidRequest"

	// KindInternal is the fallback for faults that carry no kind of
	// their own (panics recovered in RPC handlers, driver errors).
	KindInternal Kind = "Internal"
)

// Error is the concrete error type carried across the RPC boundary.
type Error struct {
	Kind    Kind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Message == "" && e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// Is lets errors.Is match on bare kinds: errors.Is(err, dderr.New(KindTimeout, "")).
func (e *Error) Is(target error) bool {
	var de *Error
	if errors.As(target, &de) {
		return e.Kind == de.Kind
	}
	return false
}

// New creates an error of the given kind.
func New(kind Kind, msg string) *Error {
	return &Error{Kind: kind, Message: msg}
}

// Newf creates an error of the given kind with a formatted message.
func Newf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap attaches a kind and message to an underlying error.
func Wrap(kind Kind, msg string, err error) *Error {
	return &Error{Kind: kind, Message: msg, Err: err}
}

// KindOf extracts the kind from err, or KindInternal when err carries none.
func KindOf(err error) Kind {
	var de *Error
	if errors.As(err, &de) {
		return de.Kind
	}
	return KindInternal
}

// HasKind reports whether err carries the given kind.
func HasKind(err error, kind Kind) bool {
	var de *Error
	return errors.As(err, &de) && de.Kind == kind
}

// FromWire reconstructs an error from a (kind, message) pair received
// over the wire. Unknown kinds map to KindInternal.
func FromWire(kind, msg string) *Error {
	if kind == "" {
		kind = string(KindInternal)
	}
	return &Error{Kind: Kind(kind), Message: msg}
}
