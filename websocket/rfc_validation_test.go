package websocket

import (
	"bytes"
	"errors"
	"io"
	"net"
	"testing"
	"time"
)

// TestRFC_ControlFramesDuringFragmentation verifies RFC 6455 Section 5.4.
//
// "An endpoint MUST be capable of handling control frames in the middle of
// a fragmented message.".
func TestRFC_ControlFramesDuringFragmentation(t *testing.T) {
	_, addr := newTestListener(t, Config{Handler: echoHandler})
	c := dialTestListener(t, addr, "/")

	steps := []struct {
		fin     bool
		op      Opcode
		payload string
	}{
		{false, OpcodeText, "Hello, "},
		{true, OpcodePing, "ping"},
		{false, OpcodeContinuation, "World"},
		{true, OpcodeContinuation, "!"},
	}
	for _, s := range steps {
		if err := c.writeFrame(s.fin, s.op, []byte(s.payload)); err != nil {
			t.Fatalf("write %s: %v", s.op, err)
		}
	}

	pong, err := c.readFrame()
	if err != nil {
		t.Fatalf("read pong: %v", err)
	}
	if pong.opcode != OpcodePong || string(pong.payload) != "ping" {
		t.Errorf("first reply = %s %q, want PONG \"ping\"", pong.opcode, pong.payload)
	}

	msg, err := c.readFrame()
	if err != nil {
		t.Fatalf("read message: %v", err)
	}
	if msg.opcode != OpcodeText || string(msg.payload) != "Hello, World!" {
		t.Errorf("message = %s %q, want TEXT \"Hello, World!\"", msg.opcode, msg.payload)
	}
}

// TestRFC_PayloadLengthBoundaries echoes payloads at every length encoding
// boundary (RFC 6455 Section 5.2).
func TestRFC_PayloadLengthBoundaries(t *testing.T) {
	_, addr := newTestListener(t, Config{Handler: echoHandler})
	c := dialTestListener(t, addr, "/")

	tests := []struct {
		name   string
		length int
	}{
		{"zero length", 0},
		{"7-bit max", 125},
		{"16-bit min", 126},
		{"16-bit max", 65535},
		{"64-bit min", 65536},
		{"large", 1 << 20},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			payload := bytes.Repeat([]byte{0xA5}, tt.length)
			if err := c.writeFrame(true, OpcodeBinary, payload); err != nil {
				t.Fatalf("write: %v", err)
			}

			_ = c.conn.SetReadDeadline(time.Now().Add(5 * time.Second))
			h, err := ReadHeader(c.reader)
			if err != nil {
				t.Fatalf("ReadHeader: %v", err)
			}
			if h.Masked {
				t.Error("server frame must NOT be masked")
			}
			if h.Length != uint64(tt.length) {
				t.Fatalf("Length = %d, want %d", h.Length, tt.length)
			}

			got := make([]byte, h.Length)
			if _, err := io.ReadFull(c.reader, got); err != nil {
				t.Fatalf("read payload: %v", err)
			}
			if !bytes.Equal(got, payload) {
				t.Error("echoed payload differs")
			}
		})
	}
}

// TestRFC_ConnectionFailures verifies that framing violations fail the
// connection (RFC 6455 Section 7.1.7): the server closes the socket without
// sending any further frame, and the handler sees a *ProtocolError.
func TestRFC_ConnectionFailures(t *testing.T) {
	tests := []struct {
		name    string
		raw     func() []byte
		wantErr error
	}{
		{
			name: "invalid utf-8 text",
			raw: func() []byte {
				return maskedFrame(true, OpcodeText, []byte{0xCE, 0xBA, 0xE1, 0xBD})
			},
			wantErr: ErrInvalidUTF8,
		},
		{
			name:    "control frame too large",
			raw:     func() []byte { return maskedFrame(true, OpcodePing, make([]byte, 126)) },
			wantErr: ErrControlTooLarge,
		},
		{
			name:    "fragmented control frame",
			raw:     func() []byte { return maskedFrame(false, OpcodePing, []byte("x")) },
			wantErr: ErrControlFragmented,
		},
		{
			name: "reserved bit set",
			raw: func() []byte {
				b := maskedFrame(true, OpcodeText, []byte("x"))
				b[0] |= 0x40
				return b
			},
			wantErr: ErrReservedBits,
		},
		{
			name:    "reserved opcode",
			raw:     func() []byte { return []byte{0x83, 0x80, 0, 0, 0, 0} },
			wantErr: ErrInvalidOpcode,
		},
		{
			name:    "continuation without start",
			raw:     func() []byte { return maskedFrame(true, OpcodeContinuation, []byte("x")) },
			wantErr: ErrUnexpectedContinuation,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			errs := make(chan error, 1)
			_, addr := newTestListener(t, Config{Handler: func(c *Conn, _ string, _ net.Addr) {
				_, err := c.Receive()
				errs <- err
			}})
			c := dialTestListener(t, addr, "/")

			if _, err := c.conn.Write(tt.raw()); err != nil {
				t.Fatalf("write: %v", err)
			}

			select {
			case err := <-errs:
				var pe *ProtocolError
				if !errors.As(err, &pe) || !errors.Is(err, tt.wantErr) {
					t.Errorf("Receive = %v, want ProtocolError(%v)", err, tt.wantErr)
				}
			case <-time.After(5 * time.Second):
				t.Fatal("handler did not return")
			}

			c.expectEOF(t)
		})
	}
}

// TestRFC_CloseHandshake verifies RFC 6455 Section 5.5.1: a CLOSE from the
// client is answered with a CLOSE carrying the same status code, then the
// socket is closed.
func TestRFC_CloseHandshake(t *testing.T) {
	tests := []struct {
		name     string
		payload  []byte
		wantCode CloseCode
	}{
		{"normal closure", append(closePayload(CloseNormalClosure), "done"...), CloseNormalClosure},
		{"going away", closePayload(CloseGoingAway), CloseGoingAway},
		{"no status", nil, CloseNoStatusReceived},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			errs := make(chan error, 1)
			_, addr := newTestListener(t, Config{Handler: func(c *Conn, _ string, _ net.Addr) {
				_, err := c.Receive()
				errs <- err
			}})
			c := dialTestListener(t, addr, "/")

			if err := c.writeFrame(true, OpcodeClose, tt.payload); err != nil {
				t.Fatalf("write close: %v", err)
			}

			reply, err := c.readFrame()
			if err != nil {
				t.Fatalf("read close reply: %v", err)
			}
			if reply.opcode != OpcodeClose {
				t.Fatalf("reply = %s, want CLOSE", reply.opcode)
			}

			// An empty CLOSE is answered with an empty CLOSE.
			if code, _ := parseClosePayload(reply.payload); code != tt.wantCode {
				t.Errorf("echoed code = %d, want %d", code, tt.wantCode)
			}

			var ce *CloseError
			if err := <-errs; !errors.As(err, &ce) || ce.Code != tt.wantCode {
				t.Errorf("Receive = %v, want CloseError %d", err, tt.wantCode)
			}

			c.expectEOF(t)
		})
	}
}

func maskedFrame(fin bool, op Opcode, payload []byte) []byte {
	return encodeFrame(&frame{fin: fin, opcode: op, masked: true, mask: clientMask, payload: payload})
}
