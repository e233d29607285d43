// Package adaptererr defines the typed error kinds surfaced across the
// ICE adapter's RPC boundary. RPC handlers create these for the conditions
// listed below; failures from lower layers (for example a GPGNet send) are
// returned wrapped with fmt.Errorf("...: %w", ...) and carry no Kind.
package adaptererr

import "errors"

// Kind identifies one of the error categories from the adapter's error
// handling design. The RPC server reports a handler error's Error() text as
// the JSON-RPC error string; no Kind value itself crosses the wire.
type Kind int

const (
	// DuplicateSessionCommand: hostGame/joinGame called while a task is
	// already in flight for the current game-connection session.
	DuplicateSessionCommand Kind = iota
	// UnknownPeer: disconnectFromPeer/setSdp referenced an id with no
	// registered relay.
	UnknownPeer
	// InvalidRpcArity: an RPC method was called with the wrong number of
	// positional arguments.
	InvalidRpcArity
	// InvalidSdp: setSdp's base64 payload didn't decode, or the ICE agent
	// rejected the decoded candidates/credentials.
	InvalidSdp
	// BindFailure: a relay's loopback UDP socket failed to bind.
	BindFailure
	// ResolveFailure: DNS resolution of the STUN or TURN host failed.
	// Fatal at startup.
	ResolveFailure
	// UpstreamDisconnect: the GPGNet game client or an RPC client closed
	// its connection.
	UpstreamDisconnect
)

func (k Kind) String() string {
	switch k {
	case DuplicateSessionCommand:
		return "DuplicateSessionCommand"
	case UnknownPeer:
		return "UnknownPeer"
	case InvalidRpcArity:
		return "InvalidRpcArity"
	case InvalidSdp:
		return "InvalidSdp"
	case BindFailure:
		return "BindFailure"
	case ResolveFailure:
		return "ResolveFailure"
	case UpstreamDisconnect:
		return "UpstreamDisconnect"
	default:
		return "Unknown"
	}
}

// adapterError pairs a Kind with a human-readable message. It implements
// error and supports errors.Is/As via Unwrap of the wrapped cause.
type adapterError struct {
	kind  Kind
	msg   string
	cause error
}

func (e *adapterError) Error() string {
	if e.cause != nil {
		return e.msg + ": " + e.cause.Error()
	}
	return e.msg
}

func (e *adapterError) Unwrap() error { return e.cause }

// New creates an error of the given Kind with a message, optionally
// wrapping a cause.
func New(kind Kind, msg string, cause error) error {
	return &adapterError{kind: kind, msg: msg, cause: cause}
}

// KindOf extracts the Kind from err, if err (or something it wraps) is an
// adapter error. The bool result reports whether a Kind was found.
func KindOf(err error) (Kind, bool) {
	var ae *adapterError
	if errors.As(err, &ae) {
		return ae.kind, true
	}
	return 0, false
}

// Is reports whether err was created with the given Kind.
func Is(err error, kind Kind) bool {
	k, ok := KindOf(err)
	return ok && k == kind
}
