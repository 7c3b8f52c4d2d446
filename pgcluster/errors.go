package pgcluster // import "github.com/pgtemp/pgtemp/pgcluster"

import "fmt"

// An ErrorKind classifies why a pgcluster operation failed, so that callers
// can distinguish, say, a missing `initdb` binary from a bind conflict
// without parsing error text.
type ErrorKind string

const (
	// ErrSetupFailed means initdb exited non-zero or was not found on PATH.
	ErrSetupFailed ErrorKind = "SetupFailed"
	// ErrBootFailed means the server process could not be started or exited
	// before becoming ready, or createdb failed for the requested database.
	ErrBootFailed ErrorKind = "BootFailed"
	// ErrTimeout means the boot-time readiness wait was exceeded.
	ErrTimeout ErrorKind = "Timeout"
	// ErrPortUnavailable means bind conflicts persisted past the retry budget.
	ErrPortUnavailable ErrorKind = "PortUnavailable"
	// ErrRootNotAllowed means we refused to boot a server as UID 0.
	ErrRootNotAllowed ErrorKind = "RootNotAllowed"
	// ErrDumpFailed means pg_dump exited non-zero.
	ErrDumpFailed ErrorKind = "DumpFailed"
	// ErrLoadFailed means psql or pg_restore exited non-zero.
	ErrLoadFailed ErrorKind = "LoadFailed"
	// ErrProxyIO means a session transport error occurred; the proxy
	// surfaces it as a warning and terminates only the affected session.
	ErrProxyIO ErrorKind = "ProxyIO"
	// ErrProtocolRewrite means a malformed startup packet was received in
	// single mode; the client connection is closed without a response.
	ErrProtocolRewrite ErrorKind = "ProtocolRewrite"
)

// An Error is a pgcluster operation failure carrying a Kind so that callers
// can errors.As() it instead of matching on error text.
type Error struct {
	Kind  ErrorKind
	msg   string
	cause error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %s", e.Kind, e.msg, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.msg)
}

func (e *Error) Unwrap() error {
	return e.cause
}

// newError builds a *Error the same way utils.MakeError builds a plain
// error, except that it additionally records the Kind. Both the format
// string and its trailing error argument (if any) are rendered into msg, so
// %w is not required for the wrapped cause to appear in Error().
func newError(kind ErrorKind, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, msg: fmt.Sprintf(format, args...)}
}

// wrapError is like newError but keeps cause separately accessible via
// Unwrap, for callers that want errors.As/errors.Is to see through it.
func wrapError(kind ErrorKind, cause error, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, msg: fmt.Sprintf(format, args...), cause: cause}
}
