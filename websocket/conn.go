package websocket

import (
	"bufio"
	"bytes"
	"crypto/rand"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"
	"unicode/utf8"

	"github.com/oarkflow/xid"
)

// ConnState is the lifecycle state of a Conn.
//
//	AwaitingHandshake --valid handshake--> Open --close/error--> Closed
//	AwaitingHandshake --bad handshake----> Closed
//
// Closed is terminal.
type ConnState int32

const (
	StateAwaitingHandshake ConnState = iota
	StateOpen
	StateClosed
)

func (s ConnState) String() string {
	switch s {
	case StateAwaitingHandshake:
		return "AwaitingHandshake"
	case StateOpen:
		return "Open"
	case StateClosed:
		return "Closed"
	default:
		return "Unknown"
	}
}

// pingPayloadSize is the largest payload a control frame may carry.
const pingPayloadSize = maxControlPayload

// closeWriteTimeout bounds the CLOSE frame written while closing. A peer
// that stopped reading must not keep the socket open.
const closeWriteTimeout = time.Second

// Conn is one accepted socket speaking the WebSocket protocol.
//
// A Conn exclusively owns its socket and releases it on every exit path:
// a failed handshake, a protocol or transport error, a CLOSE from the peer,
// or an explicit Close. Receive and ExpectPong must be called from a single
// goroutine; Send, Ping and Close may be called concurrently with them.
type Conn struct {
	id     string
	conn   net.Conn      // Underlying stream socket (possibly TLS)
	reader *bufio.Reader // Buffered reader shared by handshake and frames
	writer *bufio.Writer

	maxMessageSize int
	readBufferSize int

	state   atomic.Int32
	request *HandshakeRequest

	writeMu sync.Mutex

	closeSent atomic.Bool
	closeOnce sync.Once
	closeErr  error

	// Fragment reassembly state, touched only by the reading goroutine.
	fragmentBuf  bytes.Buffer
	fragmentType MessageType
	inFragment   bool
}

// NewConn wraps an accepted socket. The Conn starts in StateAwaitingHandshake;
// call PerformHandshake before any message I/O. A nil cfg uses defaults.
func NewConn(netConn net.Conn, cfg *Config) *Conn {
	var c Config
	if cfg != nil {
		c = *cfg
	}
	c = c.withDefaults()

	return newConn(
		netConn,
		bufio.NewReaderSize(netConn, c.ReadBufferSize),
		bufio.NewWriterSize(netConn, c.WriteBufferSize),
		c,
	)
}

func newConn(netConn net.Conn, reader *bufio.Reader, writer *bufio.Writer, cfg Config) *Conn {
	return &Conn{
		id:             xid.New().String(),
		conn:           netConn,
		reader:         reader,
		writer:         writer,
		maxMessageSize: cfg.MaxMessageSize,
		readBufferSize: cfg.ReadBufferSize,
	}
}

// ID returns a unique identifier for the connection, used in logs.
func (c *Conn) ID() string { return c.id }

// State returns the current lifecycle state.
func (c *Conn) State() ConnState { return ConnState(c.state.Load()) }

// Path returns the request path negotiated by the handshake, or "" before it.
func (c *Conn) Path() string {
	if c.request == nil {
		return ""
	}
	return c.request.Path
}

// Request returns the parsed handshake request, or nil before the handshake.
func (c *Conn) Request() *HandshakeRequest { return c.request }

// RemoteAddr returns the peer address.
func (c *Conn) RemoteAddr() net.Addr {
	if c.conn == nil {
		return nil
	}
	return c.conn.RemoteAddr()
}

// LocalAddr returns the local address.
func (c *Conn) LocalAddr() net.Addr {
	if c.conn == nil {
		return nil
	}
	return c.conn.LocalAddr()
}

// SetReadDeadline sets the deadline for socket reads. Timeouts are the
// transport's concern; an expired deadline surfaces as a *TransportError.
func (c *Conn) SetReadDeadline(t time.Time) error {
	return c.conn.SetReadDeadline(t)
}

// SetWriteDeadline sets the deadline for socket writes.
func (c *Conn) SetWriteDeadline(t time.Time) error {
	return c.conn.SetWriteDeadline(t)
}

// PerformHandshake runs the opening handshake and returns the request path.
//
// It reads the request head (at most ReadBufferSize bytes), parses and
// validates it. On any failure the 400 response is written, the socket is
// closed, and the error is returned; the handshake is never retried. On
// success the 101 response is written and the Conn becomes Open.
func (c *Conn) PerformHandshake() (string, error) {
	switch c.State() {
	case StateOpen:
		return "", ErrHandshakeDone
	case StateClosed:
		return "", ErrClosed
	}

	req, err := c.readHandshake()
	if err != nil {
		c.reject()
		return "", err
	}

	accept := AcceptKey(req.key)

	c.writeMu.Lock()
	err = c.writeRaw(RenderSuccess(accept))
	c.writeMu.Unlock()
	if err != nil {
		c.closeSocket()
		return "", transportErr("write handshake", err)
	}

	c.request = req.HandshakeRequest
	if !c.state.CompareAndSwap(int32(StateAwaitingHandshake), int32(StateOpen)) {
		// Closed concurrently while the response was in flight.
		return "", ErrClosed
	}

	return req.Path, nil
}

type validatedRequest struct {
	*HandshakeRequest
	key string
}

func (c *Conn) readHandshake() (validatedRequest, error) {
	head, err := readRequestHead(c.reader, c.readBufferSize)
	if err != nil {
		if errors.Is(err, ErrHandshakeTooLarge) {
			return validatedRequest{}, &MalformedRequestError{
				Reason: fmt.Sprintf("request head exceeds %d bytes", c.readBufferSize),
			}
		}
		return validatedRequest{}, transportErr("read handshake", err)
	}

	req, err := ParseRequest(head)
	if err != nil {
		return validatedRequest{}, err
	}

	key, err := req.Validate()
	if err != nil {
		return validatedRequest{}, err
	}

	return validatedRequest{HandshakeRequest: req, key: key}, nil
}

// reject writes the 400 response (best effort) and closes the socket.
func (c *Conn) reject() {
	c.writeMu.Lock()
	_ = c.writeRaw(RenderRejection())
	c.writeMu.Unlock()
	c.closeSocket()
}

func (c *Conn) writeRaw(p []byte) error {
	if _, err := c.writer.Write(p); err != nil {
		return err
	}
	return c.writer.Flush()
}

// Receive reads the next complete message.
//
// Frames are decoded until one with FIN set arrives; payloads are
// concatenated in arrival order and the message type comes from the first
// frame. Control frames may arrive between fragments: PING is answered with
// PONG, unsolicited PONG is discarded, and CLOSE is echoed, closes the
// connection and yields a *CloseError.
//
// Text messages that are not valid UTF-8, and any other framing violation,
// return a *ProtocolError; I/O failures return a *TransportError. Either way
// the socket is closed without sending further frames.
func (c *Conn) Receive() (Message, error) {
	if err := c.checkOpen(); err != nil {
		return Message{}, err
	}

	for {
		f, err := readFrame(c.reader, c.maxFramePayload())
		if err != nil {
			return Message{}, c.fail(transportErr("read", err))
		}

		switch f.opcode {
		case OpcodePing:
			if err := c.writeFrame(&frame{fin: true, opcode: OpcodePong, payload: f.payload}); err != nil {
				return Message{}, c.fail(transportErr("write pong", err))
			}
			continue

		case OpcodePong:
			continue

		case OpcodeClose:
			return Message{}, c.handleClose(f.payload)

		case OpcodeText, OpcodeBinary:
			if c.inFragment {
				return Message{}, c.fail(protocolErr(ErrFragmentInterrupted))
			}
			c.inFragment = true
			c.fragmentType = MessageType(f.opcode)
			c.fragmentBuf.Reset()

		case OpcodeContinuation:
			if !c.inFragment {
				return Message{}, c.fail(protocolErr(ErrUnexpectedContinuation))
			}
		}

		if c.fragmentBuf.Len()+len(f.payload) > c.maxMessageSize {
			return Message{}, c.fail(protocolErr(
				fmt.Errorf("%w: exceeds %d bytes", ErrMessageTooLarge, c.maxMessageSize)))
		}
		c.fragmentBuf.Write(f.payload)

		if !f.fin {
			continue
		}

		c.inFragment = false
		msg := Message{Type: c.fragmentType, Data: bytes.Clone(c.fragmentBuf.Bytes())}
		c.fragmentBuf.Reset()

		// RFC 6455 Section 8.1: invalid UTF-8 in a text message fails the connection.
		if msg.Type == TextMessage && !utf8.Valid(msg.Data) {
			return Message{}, c.fail(protocolErr(ErrInvalidUTF8))
		}

		if msg.Data == nil {
			msg.Data = []byte{}
		}
		return msg, nil
	}
}

func (c *Conn) maxFramePayload() uint64 {
	return uint64(min(c.maxMessageSize, defaultMaxFramePayload))
}

// handleClose echoes the peer's status code, closes the socket and returns
// the CloseError reported to the caller.
func (c *Conn) handleClose(payload []byte) error {
	code, reason := parseClosePayload(payload)
	c.writeClose(closePayload(code))
	c.closeSocket()
	return &CloseError{Code: code, Reason: reason}
}

// Send writes msg as a single frame: TEXT for text messages, BINARY
// otherwise.
func (c *Conn) Send(msg Message) error {
	if err := c.checkOpen(); err != nil {
		return err
	}

	if msg.Type == TextMessage && !utf8.Valid(msg.Data) {
		return ErrInvalidUTF8
	}

	if err := c.writeFrame(&frame{fin: true, opcode: msg.Type.opcode(), payload: msg.Data}); err != nil {
		return c.fail(transportErr("write", err))
	}
	return nil
}

// SendText sends s as a text message.
func (c *Conn) SendText(s string) error {
	return c.Send(TextMessageOf(s))
}

// SendBinary sends data as a binary message.
func (c *Conn) SendBinary(data []byte) error {
	return c.Send(BinaryMessageOf(data))
}

// Ping sends a PING carrying 125 random bytes, the control frame maximum.
func (c *Conn) Ping() error {
	if err := c.checkOpen(); err != nil {
		return err
	}

	payload := make([]byte, pingPayloadSize)
	if _, err := rand.Read(payload); err != nil {
		return fmt.Errorf("websocket: ping payload: %w", err)
	}

	if err := c.writeFrame(&frame{fin: true, opcode: OpcodePing, payload: payload}); err != nil {
		return c.fail(transportErr("write ping", err))
	}
	return nil
}

// ExpectPong reads the next frame and fails with a *ProtocolError wrapping
// ErrUnexpectedPong unless it is a PONG. A failure closes the connection.
func (c *Conn) ExpectPong() error {
	if err := c.checkOpen(); err != nil {
		return err
	}

	f, err := readFrame(c.reader, maxControlPayload)
	if err != nil {
		return c.fail(transportErr("read", err))
	}

	if f.opcode != OpcodePong {
		return c.fail(protocolErr(fmt.Errorf("%w: got %s", ErrUnexpectedPong, f.opcode)))
	}
	return nil
}

// Close sends a normal-closure CLOSE frame when the connection is open and
// closes the socket. Only the first call has an effect; later calls return
// nil.
func (c *Conn) Close() error {
	return c.CloseWithCode(CloseNormalClosure, "")
}

// CloseWithCode is Close with an explicit status code and reason.
func (c *Conn) CloseWithCode(code CloseCode, reason string) error {
	if c.State() == StateOpen {
		payload := append(closePayload(code), reason...)
		if len(payload) <= maxControlPayload && utf8.ValidString(reason) {
			c.writeClose(payload)
		}
	}
	return c.closeSocket()
}

// writeClose sends a CLOSE frame at most once per connection. The write
// deadline also fails any Send or Ping blocked on the same socket, so the
// caller always gets to closeSocket.
func (c *Conn) writeClose(payload []byte) {
	if !c.closeSent.CompareAndSwap(false, true) {
		return
	}
	if c.conn != nil {
		_ = c.conn.SetWriteDeadline(time.Now().Add(closeWriteTimeout))
	}
	_ = c.writeFrame(&frame{fin: true, opcode: OpcodeClose, payload: payload})
}

// closeSocket moves to StateClosed and closes the socket exactly once.
func (c *Conn) closeSocket() error {
	c.closeOnce.Do(func() {
		c.state.Store(int32(StateClosed))
		if c.conn != nil {
			c.closeErr = c.conn.Close()
		}
	})
	return c.closeErr
}

// fail terminates the connection after an error while Open. If the
// connection was already closed locally, the caller sees ErrClosed rather
// than the I/O error the close provoked.
func (c *Conn) fail(err error) error {
	if c.State() == StateClosed {
		return ErrClosed
	}
	c.closeSocket()
	return err
}

func (c *Conn) checkOpen() error {
	switch c.State() {
	case StateOpen:
		return nil
	case StateClosed:
		return ErrClosed
	default:
		return ErrNotOpen
	}
}

func (c *Conn) writeFrame(f *frame) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return writeFrame(c.writer, f)
}
