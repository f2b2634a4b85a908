package monitor

import "fmt"

// FailureKind classifies connection-lifecycle failures.
type FailureKind string

const (
	// DiscoveryFailed means no eligible device was found.
	DiscoveryFailed FailureKind = "discovery_failed"
	// ConnectionFailed means session, service or characteristic resolution failed.
	ConnectionFailed FailureKind = "connection_failed"
	// ConfigurationFailed means the notify subscription was not acknowledged.
	ConfigurationFailed FailureKind = "configuration_failed"
	// Disposed means the operation was attempted after teardown.
	Disposed FailureKind = "disposed"
	// DecodeSkipped marks an undecodable frame. It is logged, never returned
	// or published.
	DecodeSkipped FailureKind = "decode_skipped"
)

// Error represents any connection-lifecycle problem, tagged with its kind.
type Error struct {
	Kind FailureKind
	Msg  string
	Err  error
}

// Error implements the error interface
func (e *Error) Error() string {
	if e == nil {
		return "<nil>"
	}
	switch {
	case e.Msg == "" && e.Err == nil:
		return string(e.Kind)
	case e.Err == nil:
		return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
	case e.Msg == "":
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	default:
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Msg, e.Err)
	}
}

// Unwrap exposes the underlying cause.
func (e *Error) Unwrap() error {
	return e.Err
}

// Is allows errors.Is to compare Error values by Kind
func (e *Error) Is(target error) bool {
	if e == nil {
		return false
	}
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Kind == t.Kind
}

// Predefined sentinel errors for failure kinds
var (
	ErrDiscoveryFailed     = &Error{Kind: DiscoveryFailed}
	ErrConnectionFailed    = &Error{Kind: ConnectionFailed}
	ErrConfigurationFailed = &Error{Kind: ConfigurationFailed}
	ErrDisposed            = &Error{Kind: Disposed}
)
