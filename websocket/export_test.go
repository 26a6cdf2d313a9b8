package websocket

// This file exports internal types and functions for the external
// websocket_test package. It is only compiled during tests.

import (
	"bufio"
	"io"
	"net"
)

// FrameForTest is an exported version of frame for testing.
type FrameForTest struct {
	Fin     bool
	Opcode  Opcode
	Masked  bool
	Mask    [4]byte
	Payload []byte
}

// EncodeFrameForTest encodes ft, masking the payload when ft.Masked is set.
// Test clients use it to build client-to-server frames.
func EncodeFrameForTest(ft *FrameForTest) []byte {
	return encodeFrame(&frame{
		fin:     ft.Fin,
		opcode:  ft.Opcode,
		masked:  ft.Masked,
		mask:    ft.Mask,
		payload: ft.Payload,
	})
}

// ReadFrameForTest reads one frame with the default size limit.
func ReadFrameForTest(r io.Reader) (*FrameForTest, error) {
	f, err := readFrame(r, defaultMaxFramePayload)
	if err != nil {
		return nil, err
	}

	return &FrameForTest{
		Fin:     f.fin,
		Opcode:  f.opcode,
		Masked:  f.masked,
		Mask:    f.mask,
		Payload: f.payload,
	}, nil
}

// NewOpenConnForTest wraps rw as a Conn that already completed its
// handshake. netConn may be nil.
func NewOpenConnForTest(netConn net.Conn, r io.Reader, w io.Writer, cfg Config) *Conn {
	c := newConn(netConn, bufio.NewReader(r), bufio.NewWriter(w), cfg.withDefaults())
	c.state.Store(int32(StateOpen))
	return c
}
