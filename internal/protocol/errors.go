package protocol

import "fmt"

// ErrorKind enumerates the transport and protocol failure kinds. All are
// fatal to the connection that produced them.
type ErrorKind string

const (
	ErrTransportClosed     ErrorKind = "TRANSPORT_CLOSED"
	ErrBackpressureTimeout ErrorKind = "BACKPRESSURE_TIMEOUT"
	ErrProtocol            ErrorKind = "PROTOCOL_ERROR"
)

// ConnError is a fatal connection-level error carrying its kind so callers
// can decide on reconnect semantics without string-matching.
type ConnError struct {
	Kind ErrorKind
	Msg  string
}

func (e *ConnError) Error() string {
	return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
}

// NewProtocolError wraps msg as a PROTOCOL_ERROR ConnError.
func NewProtocolError(format string, args ...any) error {
	return &ConnError{Kind: ErrProtocol, Msg: fmt.Sprintf(format, args...)}
}

// NewTransportClosed wraps msg as a TRANSPORT_CLOSED ConnError.
func NewTransportClosed(format string, args ...any) error {
	return &ConnError{Kind: ErrTransportClosed, Msg: fmt.Sprintf(format, args...)}
}

// NewBackpressureTimeout wraps msg as a BACKPRESSURE_TIMEOUT ConnError.
func NewBackpressureTimeout(format string, args ...any) error {
	return &ConnError{Kind: ErrBackpressureTimeout, Msg: fmt.Sprintf(format, args...)}
}
