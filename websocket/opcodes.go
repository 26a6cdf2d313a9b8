// Package websocket implements the server side of the RFC 6455 WebSocket
// protocol directly on top of stream sockets.
//
// The package is layered the way the protocol is:
//   - Frame codec: encodes and decodes wire frames (7/16/64-bit lengths,
//     masking, fin bit, opcodes). No I/O beyond the reader/writer it is given.
//   - Handshake negotiator: parses the HTTP upgrade request, validates it and
//     renders the 101 or 400 response.
//   - Conn: one accepted socket driven through the handshake, then exposing
//     message-oriented Send/Receive with transparent fragment reassembly.
//   - Listener: accept loop that runs one goroutine per connection and hands
//     upgraded connections to an application Handler.
//
// RFC Reference: https://datatracker.ietf.org/doc/html/rfc6455
package websocket

import "fmt"

// Opcode is the 4-bit frame type defined in RFC 6455 Section 5.2.
//
// Opcodes 0x0-0x2 are data frames, 0x8-0xA are control frames.
// Opcodes 0x3-0x7 and 0xB-0xF are reserved.
type Opcode byte

const (
	// OpcodeContinuation marks a continuation fragment (RFC 6455 Section 5.4).
	OpcodeContinuation Opcode = 0x0

	// OpcodeText marks a UTF-8 text frame.
	OpcodeText Opcode = 0x1

	// OpcodeBinary marks a binary frame.
	OpcodeBinary Opcode = 0x2

	// OpcodeClose starts the closing handshake (RFC 6455 Section 5.5.1).
	OpcodeClose Opcode = 0x8

	// OpcodePing is a keepalive request (RFC 6455 Section 5.5.2).
	OpcodePing Opcode = 0x9

	// OpcodePong answers a ping (RFC 6455 Section 5.5.3).
	OpcodePong Opcode = 0xA
)

// String returns the opcode name.
func (op Opcode) String() string {
	switch op {
	case OpcodeContinuation:
		return "Continuation"
	case OpcodeText:
		return "Text"
	case OpcodeBinary:
		return "Binary"
	case OpcodeClose:
		return "Close"
	case OpcodePing:
		return "Ping"
	case OpcodePong:
		return "Pong"
	default:
		return fmt.Sprintf("Opcode(0x%X)", byte(op))
	}
}

// IsControl reports whether op is a control opcode.
//
// RFC 6455 Section 5.5: control frames have the high bit of the opcode set,
// must not be fragmented and carry at most 125 bytes of payload.
func (op Opcode) IsControl() bool {
	return op&0x08 != 0
}

// IsData reports whether op is a data opcode (continuation, text, binary).
func (op Opcode) IsData() bool {
	return op == OpcodeContinuation || op == OpcodeText || op == OpcodeBinary
}

// isValidOpcode returns true if the opcode is defined in RFC 6455.
func isValidOpcode(op Opcode) bool {
	switch op {
	case OpcodeContinuation, OpcodeText, OpcodeBinary,
		OpcodeClose, OpcodePing, OpcodePong:
		return true
	default:
		return false
	}
}
