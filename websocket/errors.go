package websocket

import (
	"errors"
	"fmt"
)

// Sentinel errors. The typed errors below wrap these, so callers can test
// either with errors.Is (what happened) or errors.As (which layer failed).

var (
	// ErrMalformedRequest indicates handshake bytes that are not an HTTP-like
	// request (no request line, header line without ": " separator).
	ErrMalformedRequest = errors.New("websocket: malformed handshake request")

	// ErrMissingUpgrade indicates a missing Upgrade header or a value other
	// than "websocket".
	ErrMissingUpgrade = errors.New("websocket: missing or invalid Upgrade header")

	// ErrMissingSecKey indicates a missing or empty Sec-WebSocket-Key header.
	ErrMissingSecKey = errors.New("websocket: missing Sec-WebSocket-Key header")

	// ErrHandshakeTooLarge indicates the request head did not fit in the
	// read buffer.
	ErrHandshakeTooLarge = errors.New("websocket: handshake request too large")

	// ErrProtocolError is the generic frame-level violation.
	ErrProtocolError = errors.New("websocket: protocol error")

	// ErrInvalidUTF8 indicates a TEXT message that is not valid UTF-8.
	// RFC 6455 Section 8.1. Status code 1007.
	ErrInvalidUTF8 = errors.New("websocket: invalid UTF-8 in text message")

	// ErrInvalidOpcode indicates a reserved opcode (0x3-0x7, 0xB-0xF).
	ErrInvalidOpcode = errors.New("websocket: invalid opcode")

	// ErrReservedBits indicates RSV1-3 set without a negotiated extension.
	ErrReservedBits = errors.New("websocket: reserved bits must be 0")

	// ErrControlFragmented indicates a control frame with FIN=0.
	ErrControlFragmented = errors.New("websocket: control frame must not be fragmented")

	// ErrControlTooLarge indicates a control frame payload over 125 bytes.
	ErrControlTooLarge = errors.New("websocket: control frame payload too large")

	// ErrUnexpectedContinuation indicates a continuation frame with no
	// fragmented message in progress.
	ErrUnexpectedContinuation = errors.New("websocket: unexpected continuation frame")

	// ErrFragmentInterrupted indicates a new TEXT/BINARY frame arriving
	// before the previous fragmented message finished.
	ErrFragmentInterrupted = errors.New("websocket: data frame inside fragmented message")

	// ErrFrameTooLarge indicates a declared frame length over the limit, or
	// a 64-bit length with the most significant bit set.
	ErrFrameTooLarge = errors.New("websocket: frame too large")

	// ErrMessageTooLarge indicates a reassembled message over MaxMessageSize.
	ErrMessageTooLarge = errors.New("websocket: message too large")

	// ErrUnexpectedPong indicates ExpectPong read a frame that was not a PONG.
	ErrUnexpectedPong = errors.New("websocket: expected pong frame")

	// ErrClosed indicates the connection is closed. Returned by every
	// operation on a CLOSED connection.
	ErrClosed = errors.New("websocket: connection closed")

	// ErrNotOpen indicates message I/O before a successful handshake.
	ErrNotOpen = errors.New("websocket: connection not open")

	// ErrHandshakeDone indicates PerformHandshake was called twice.
	ErrHandshakeDone = errors.New("websocket: handshake already performed")

	// ErrListenerClosed is returned by Serve after Close or Shutdown.
	ErrListenerClosed = errors.New("websocket: listener closed")
)

// MalformedRequestError reports handshake bytes that could not be parsed.
type MalformedRequestError struct {
	Reason string
}

func (e *MalformedRequestError) Error() string {
	return ErrMalformedRequest.Error() + ": " + e.Reason
}

func (e *MalformedRequestError) Unwrap() error { return ErrMalformedRequest }

// HandshakeError reports a required upgrade header that is missing or has
// the wrong value. Field names the header.
type HandshakeError struct {
	Field string
	Err   error
}

func (e *HandshakeError) Error() string {
	return fmt.Sprintf("websocket: handshake failed on %s: %v", e.Field, e.Err)
}

func (e *HandshakeError) Unwrap() error { return e.Err }

// ProtocolError reports a frame or message that violates RFC 6455.
type ProtocolError struct {
	Err error
}

func (e *ProtocolError) Error() string {
	if e.Err == nil || errors.Is(e.Err, ErrProtocolError) {
		return ErrProtocolError.Error()
	}
	return ErrProtocolError.Error() + ": " + e.Err.Error()
}

func (e *ProtocolError) Unwrap() error { return e.Err }

// Is makes every ProtocolError match ErrProtocolError.
func (e *ProtocolError) Is(target error) bool {
	return target == ErrProtocolError
}

// TransportError reports a socket-level read or write failure.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return "websocket: " + e.Op + ": " + e.Err.Error()
}

func (e *TransportError) Unwrap() error { return e.Err }

// CloseError is returned by Receive when the peer sent a CLOSE frame.
type CloseError struct {
	Code   CloseCode
	Reason string
}

func (e *CloseError) Error() string {
	s := fmt.Sprintf("websocket: closed by peer: %d %s", int(e.Code), e.Code)
	if e.Reason != "" {
		s += ": " + e.Reason
	}
	return s
}

func (e *CloseError) Unwrap() error { return ErrClosed }

// protocolErr wraps a frame-level sentinel as a ProtocolError.
func protocolErr(err error) error {
	var pe *ProtocolError
	if errors.As(err, &pe) {
		return err
	}
	return &ProtocolError{Err: err}
}

// transportErr wraps an I/O failure as a TransportError, leaving errors
// that already carry a taxonomy type untouched.
func transportErr(op string, err error) error {
	var (
		pe *ProtocolError
		te *TransportError
	)
	if errors.As(err, &pe) || errors.As(err, &te) {
		return err
	}
	return &TransportError{Op: op, Err: err}
}

// IsCloseError reports whether err means the connection is closed, either
// because the peer sent CLOSE or because it was closed locally.
func IsCloseError(err error) bool {
	return errors.Is(err, ErrClosed)
}
