package websocket

import (
	"bufio"
	"context"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"io"
	"net"
	"net/http"
	"testing"
	"time"
)

// testClient is a minimal raw-socket WebSocket client for tests. It speaks
// just enough of the protocol to drive the server frame by frame.
type testClient struct {
	conn   net.Conn
	reader *bufio.Reader
	resp   *http.Response
}

// dialRaw connects to addr, sends the opening handshake for path and reads
// the response. A non-101 response is returned, not treated as an error.
func dialRaw(addr, path string) (*testClient, error) {
	conn, err := net.DialTimeout("tcp", addr, 5*time.Second)
	if err != nil {
		return nil, fmt.Errorf("dial failed: %w", err)
	}

	key := make([]byte, 16)
	if _, err := rand.Read(key); err != nil {
		conn.Close()
		return nil, fmt.Errorf("generate key: %w", err)
	}

	return dialRawRequest(conn, handshakeRequest(addr, path, base64.StdEncoding.EncodeToString(key)))
}

func handshakeRequest(host, path, key string) string {
	return fmt.Sprintf("GET %s HTTP/1.1\r\n", path) +
		fmt.Sprintf("Host: %s\r\n", host) +
		"Upgrade: websocket\r\n" +
		"Connection: Upgrade\r\n" +
		fmt.Sprintf("Sec-WebSocket-Key: %s\r\n", key) +
		"Sec-WebSocket-Version: 13\r\n" +
		"\r\n"
}

// dialRawRequest sends an arbitrary handshake request on conn.
func dialRawRequest(conn net.Conn, req string) (*testClient, error) {
	if _, err := io.WriteString(conn, req); err != nil {
		conn.Close()
		return nil, fmt.Errorf("write handshake: %w", err)
	}

	reader := bufio.NewReader(conn)
	resp, err := http.ReadResponse(reader, &http.Request{Method: http.MethodGet})
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("read response: %w", err)
	}

	return &testClient{conn: conn, reader: reader, resp: resp}, nil
}

func (c *testClient) Close() error { return c.conn.Close() }

// writeFrame sends a masked client frame.
func (c *testClient) writeFrame(fin bool, op Opcode, payload []byte) error {
	f := &frame{fin: fin, opcode: op, masked: true, payload: payload}
	if _, err := rand.Read(f.mask[:]); err != nil {
		return err
	}
	_, err := c.conn.Write(encodeFrame(f))
	return err
}

func (c *testClient) writeText(s string) error {
	return c.writeFrame(true, OpcodeText, []byte(s))
}

func (c *testClient) readFrame() (*frame, error) {
	_ = c.conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	return readFrame(c.reader, defaultMaxFramePayload)
}

// expectEOF waits for the server to close the socket.
func (c *testClient) expectEOF(t *testing.T) {
	t.Helper()

	_ = c.conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	rest, err := io.ReadAll(c.reader)
	if err != nil {
		t.Fatalf("waiting for close: %v", err)
	}
	if len(rest) != 0 {
		t.Errorf("unexpected %d bytes before close: %q", len(rest), rest)
	}
}

// newTestListener starts a Listener for cfg on a free loopback port and
// stops it when the test ends.
func newTestListener(tb testing.TB, cfg Config) (*Listener, string) {
	tb.Helper()

	cfg.Host = "127.0.0.1"
	l := NewListener(cfg)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		tb.Fatalf("listen: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	served := make(chan error, 1)
	go func() { served <- l.Serve(ctx, ln) }()

	tb.Cleanup(func() {
		cancel()
		<-served
		sctx, scancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer scancel()
		_ = l.Shutdown(sctx)
	})

	return l, ln.Addr().String()
}

// echoHandler returns every message to its sender until Receive fails.
func echoHandler(c *Conn, _ string, _ net.Addr) {
	for {
		msg, err := c.Receive()
		if err != nil {
			return
		}
		if err := c.Send(msg); err != nil {
			return
		}
	}
}

// dialTestListener dials addr and fails the test unless the handshake
// succeeds.
func dialTestListener(tb testing.TB, addr, path string) *testClient {
	tb.Helper()

	c, err := dialRaw(addr, path)
	if err != nil {
		tb.Fatalf("dialRaw: %v", err)
	}
	if c.resp.StatusCode != http.StatusSwitchingProtocols {
		c.Close()
		tb.Fatalf("handshake status = %d, want 101", c.resp.StatusCode)
	}
	tb.Cleanup(func() { c.Close() })
	return c
}
