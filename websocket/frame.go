package websocket

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
)

// Payload length limits and encoding thresholds (RFC 6455 Section 5.2).
const (
	// maxControlPayload is the maximum payload length for control frames.
	maxControlPayload = 125

	// defaultMaxFramePayload bounds a single data frame (implementation limit).
	defaultMaxFramePayload = 32 * 1024 * 1024

	payloadLen7Bit  = 125 // 0-125: stored in 7 bits
	payloadLen16Bit = 126 // 126: followed by 16-bit length
	payloadLen64Bit = 127 // 127: followed by 64-bit length

	maxHeaderSize = 2 + 8 + 4
)

// Header is the decoded fixed part of a frame.
//
// Frame structure:
//
//	 0                   1                   2                   3
//	 0 1 2 3 4 5 6 7 8 9 0 1 2 3 4 5 6 7 8 9 0 1 2 3 4 5 6 7 8 9 0 1
//	+-+-+-+-+-------+-+-------------+-------------------------------+
//	|F|R|R|R| opcode|M| Payload len |    Extended payload length    |
//	|I|S|S|S|  (4)  |A|     (7)     |             (16/64)           |
//	|N|V|V|V|       |S|             |   (if payload len==126/127)   |
//	| |1|2|3|       |K|             |                               |
//	+-+-+-+-+-------+-+-------------+ - - - - - - - - - - - - - - - +
//	|     Extended payload length continued, if payload len == 127  |
//	+ - - - - - - - - - - - - - - - +-------------------------------+
//	|                               |Masking-key, if MASK set to 1  |
//	+-------------------------------+-------------------------------+
//	| Masking-key (continued)       |          Payload Data         |
//	+-------------------------------- - - - - - - - - - - - - - - - +
type Header struct {
	Fin    bool
	Rsv    byte // RSV1-3 in the low three bits
	Opcode Opcode
	Masked bool
	Mask   [4]byte
	Length uint64
}

// frame is one complete frame: header fields plus the (unmasked) payload.
type frame struct {
	fin     bool
	opcode  Opcode
	masked  bool
	mask    [4]byte
	payload []byte
}

// Encode serializes a server-to-client frame.
//
// Byte 0 is (fin<<7)|opcode. The length uses the smallest form that fits:
// one byte below 126, marker 126 plus a big-endian uint16 below 65536,
// otherwise marker 127 plus a big-endian uint64. Server frames are never
// masked (RFC 6455 Section 5.1).
//
// A Go slice can never exceed the 63-bit range of the extended length, so
// every payload is sent as a single frame; splitting outgoing messages into
// continuation frames is not implemented.
func Encode(payload []byte, opcode Opcode, fin bool) []byte {
	return encodeFrame(&frame{fin: fin, opcode: opcode, payload: payload})
}

// encodeFrame builds the wire bytes of f, masking a copy of the payload when
// f.masked is set.
func encodeFrame(f *frame) []byte {
	buf := make([]byte, 0, maxHeaderSize+len(f.payload))
	buf = appendHeader(buf, f)

	start := len(buf)
	buf = append(buf, f.payload...)
	if f.masked {
		ApplyMask(buf[start:], f.mask)
	}

	return buf
}

// appendHeader appends the frame header (including mask key) to dst.
func appendHeader(dst []byte, f *frame) []byte {
	var b0, b1 byte
	if f.fin {
		b0 |= 0x80
	}
	b0 |= byte(f.opcode) & 0x0F

	if f.masked {
		b1 |= 0x80
	}

	n := uint64(len(f.payload))
	switch {
	case n <= payloadLen7Bit:
		dst = append(dst, b0, b1|byte(n))
	case n <= 0xFFFF:
		dst = append(dst, b0, b1|payloadLen16Bit)
		dst = binary.BigEndian.AppendUint16(dst, uint16(n))
	default:
		dst = append(dst, b0, b1|payloadLen64Bit)
		dst = binary.BigEndian.AppendUint64(dst, n)
	}

	if f.masked {
		dst = append(dst, f.mask[:]...)
	}

	return dst
}

// ReadHeader decodes a frame header from r.
//
// It reads the two fixed bytes, then the 16-bit or 64-bit extended length
// when the 7-bit length is 126 or 127, then the 4-byte mask key when the
// MASK bit is set. Every read goes through io.ReadFull: a single read of the
// transport is never assumed to return all requested bytes.
//
// Violations of the base framing rules (reserved opcode, RSV bits, fragmented
// or oversized control frame, 64-bit length with the top bit set) are
// returned as *ProtocolError. I/O failures are returned wrapped with %w.
func ReadHeader(r io.Reader) (Header, error) {
	var h Header

	var b [8]byte
	if _, err := io.ReadFull(r, b[:2]); err != nil {
		return h, fmt.Errorf("read header: %w", err)
	}

	h.Fin = b[0]&0x80 != 0
	h.Rsv = (b[0] >> 4) & 0x07
	h.Opcode = Opcode(b[0] & 0x0F)
	h.Masked = b[1]&0x80 != 0
	h.Length = uint64(b[1] & 0x7F)

	if !isValidOpcode(h.Opcode) {
		return h, protocolErr(fmt.Errorf("%w: 0x%X", ErrInvalidOpcode, byte(h.Opcode)))
	}

	// RSV bits are reserved for extensions; none are negotiated.
	if h.Rsv != 0 {
		return h, protocolErr(ErrReservedBits)
	}

	if h.Opcode.IsControl() && !h.Fin {
		return h, protocolErr(ErrControlFragmented)
	}

	switch h.Length {
	case payloadLen16Bit:
		if _, err := io.ReadFull(r, b[:2]); err != nil {
			return h, fmt.Errorf("read 16-bit length: %w", err)
		}
		h.Length = uint64(binary.BigEndian.Uint16(b[:2]))
	case payloadLen64Bit:
		if _, err := io.ReadFull(r, b[:8]); err != nil {
			return h, fmt.Errorf("read 64-bit length: %w", err)
		}
		h.Length = binary.BigEndian.Uint64(b[:8])
		// RFC 6455 Section 5.2: the most significant bit must be 0.
		if h.Length&(1<<63) != 0 {
			return h, protocolErr(ErrFrameTooLarge)
		}
	}

	if h.Opcode.IsControl() && h.Length > maxControlPayload {
		return h, protocolErr(ErrControlTooLarge)
	}

	if h.Masked {
		if _, err := io.ReadFull(r, h.Mask[:]); err != nil {
			return h, fmt.Errorf("read mask: %w", err)
		}
	}

	return h, nil
}

// readFrame reads one complete frame, rejecting declared lengths above
// maxPayload before allocating. The payload is unmasked in place.
func readFrame(r io.Reader, maxPayload uint64) (*frame, error) {
	h, err := ReadHeader(r)
	if err != nil {
		return nil, err
	}

	if h.Length > maxPayload {
		return nil, protocolErr(fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, h.Length))
	}

	f := &frame{
		fin:    h.Fin,
		opcode: h.Opcode,
		masked: h.Masked,
		mask:   h.Mask,
	}

	if h.Length > 0 {
		f.payload = make([]byte, h.Length)
		if _, err := io.ReadFull(r, f.payload); err != nil {
			return nil, fmt.Errorf("read payload: %w", err)
		}

		if f.masked {
			ApplyMask(f.payload, f.mask)
		}
	}

	return f, nil
}

// writeFrame validates f and writes it to w, flushing the buffer.
func writeFrame(w *bufio.Writer, f *frame) error {
	if !isValidOpcode(f.opcode) {
		return fmt.Errorf("%w: 0x%X", ErrInvalidOpcode, byte(f.opcode))
	}

	if f.opcode.IsControl() {
		if !f.fin {
			return ErrControlFragmented
		}
		if len(f.payload) > maxControlPayload {
			return ErrControlTooLarge
		}
	}

	var hdr [maxHeaderSize]byte
	if _, err := w.Write(appendHeader(hdr[:0], f)); err != nil {
		return fmt.Errorf("write header: %w", err)
	}

	if len(f.payload) > 0 {
		payload := f.payload
		if f.masked {
			// Mask a copy; the caller owns f.payload.
			payload = Unmask(f.payload, f.mask)
		}

		if _, err := w.Write(payload); err != nil {
			return fmt.Errorf("write payload: %w", err)
		}
	}

	if err := w.Flush(); err != nil {
		return fmt.Errorf("flush: %w", err)
	}

	return nil
}

// Unmask returns a copy of payload with byte i XORed with key[i%4].
//
// RFC 6455 Section 5.3. Masking and unmasking are the same operation, so
// Unmask(Unmask(p, k), k) equals p.
func Unmask(payload []byte, key [4]byte) []byte {
	out := make([]byte, len(payload))
	copy(out, payload)
	ApplyMask(out, key)
	return out
}

// ApplyMask XORs data in place with the repeating 4-byte key.
func ApplyMask(data []byte, key [4]byte) {
	for i := range data {
		data[i] ^= key[i&3]
	}
}
