package websocket

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"
)

// Default buffer sizes and limits.
const (
	// defaultReadBufferSize is also the budget for the handshake request head.
	defaultReadBufferSize  = 64 * 1024
	defaultWriteBufferSize = 4096
	defaultMaxMessageSize  = 32 * 1024 * 1024

	minAcceptBackoff = 5 * time.Millisecond
	maxAcceptBackoff = time.Second
)

// Handler is invoked once per upgraded connection, on the connection's own
// goroutine. It owns the message loop; when it returns the connection is
// closed if it is still open.
type Handler func(conn *Conn, path string, peer net.Addr)

// Config configures a Listener.
//
// Host, Port, TLSConfig and Handler are the listener's inputs. The remaining
// fields are optional; zero values use defaults.
type Config struct {
	// Host to bind; empty means all interfaces.
	Host string

	// Port to bind; 0 picks a free port (see Listener.Addr).
	Port int

	// TLSConfig, when set, wraps every accepted socket in TLS before the
	// WebSocket handshake begins.
	TLSConfig *tls.Config

	// Handler receives each upgraded connection. Required.
	Handler Handler

	// Logger receives lifecycle logs (default: slog.Default()).
	Logger *slog.Logger

	// ReadBufferSize sets the socket read buffer and the maximum size of the
	// handshake request head (default: 64 KiB).
	ReadBufferSize int

	// WriteBufferSize sets the socket write buffer (default: 4096).
	WriteBufferSize int

	// MaxMessageSize bounds a reassembled message (default: 32 MiB).
	MaxMessageSize int
}

func (c Config) withDefaults() Config {
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	if c.ReadBufferSize <= 0 {
		c.ReadBufferSize = defaultReadBufferSize
	}
	if c.WriteBufferSize <= 0 {
		c.WriteBufferSize = defaultWriteBufferSize
	}
	if c.MaxMessageSize <= 0 {
		c.MaxMessageSize = defaultMaxMessageSize
	}
	return c
}

// Address returns Host:Port in the form accepted by net.Listen.
func (c Config) Address() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

// Status is the lifecycle flag of a Listener.
type Status int32

const (
	// StatusOffline: not started, or stopped.
	StatusOffline Status = iota
	// StatusOnline: accepting connections.
	StatusOnline
	// StatusFailed: bind or listen failed; the accept loop never started.
	StatusFailed
)

func (s Status) String() string {
	switch s {
	case StatusOffline:
		return "Offline"
	case StatusOnline:
		return "Online"
	case StatusFailed:
		return "Failed"
	default:
		return "Unknown"
	}
}

// Listener accepts TCP (optionally TLS) connections and runs each one on its
// own goroutine: handshake, then Handler, then close.
//
// The accept loop does no work per connection beyond starting its goroutine.
// Connections share no state with each other or with the Listener.
//
// Example:
//
//	l := websocket.NewListener(websocket.Config{
//	    Port: 8080,
//	    Handler: func(c *websocket.Conn, path string, peer net.Addr) {
//	        for {
//	            msg, err := c.Receive()
//	            if err != nil {
//	                return
//	            }
//	            _ = c.Send(msg)
//	        }
//	    },
//	})
//	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
//	defer stop()
//	log.Fatal(l.ListenAndServe(ctx))
type Listener struct {
	cfg Config
	log *slog.Logger

	status atomic.Int32

	mu       sync.Mutex
	ln       net.Listener
	stopping bool

	loops sync.WaitGroup // running accept loops
	conns sync.WaitGroup // running connection goroutines
}

// NewListener creates a Listener. It does not bind until ListenAndServe.
func NewListener(cfg Config) *Listener {
	cfg = cfg.withDefaults()
	return &Listener{cfg: cfg, log: cfg.Logger}
}

// Status returns the lifecycle flag.
func (l *Listener) Status() Status { return Status(l.status.Load()) }

// Addr returns the bound address, or nil before binding.
func (l *Listener) Addr() net.Addr {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.ln == nil {
		return nil
	}
	return l.ln.Addr()
}

// ListenAndServe binds Host:Port and serves until ctx is cancelled or Close
// is called, in which case it returns nil. A bind failure is returned
// immediately and leaves the Listener in StatusFailed.
func (l *Listener) ListenAndServe(ctx context.Context) error {
	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", l.cfg.Address())
	if err != nil {
		l.status.Store(int32(StatusFailed))
		l.log.Error("websocket: listen failed", "addr", l.cfg.Address(), "error", err)
		return fmt.Errorf("websocket: listen on %s: %w", l.cfg.Address(), err)
	}

	err = l.Serve(ctx, ln)
	if errors.Is(err, ErrListenerClosed) {
		return nil
	}
	return err
}

// Serve runs the accept loop on ln, which it takes ownership of. It returns
// ErrListenerClosed after Close, Shutdown or cancellation of ctx.
//
// Transient accept errors (timeouts, resource exhaustion) are logged and
// retried with exponential backoff; only a stop request ends the loop.
func (l *Listener) Serve(ctx context.Context, ln net.Listener) error {
	if l.cfg.Handler == nil {
		_ = ln.Close()
		return errors.New("websocket: Config.Handler is nil")
	}

	if l.cfg.TLSConfig != nil {
		ln = tls.NewListener(ln, l.cfg.TLSConfig)
	}

	l.mu.Lock()
	if l.stopping {
		l.mu.Unlock()
		_ = ln.Close()
		return ErrListenerClosed
	}
	l.ln = ln
	l.loops.Add(1)
	l.mu.Unlock()
	defer l.loops.Done()

	l.status.Store(int32(StatusOnline))
	defer l.status.CompareAndSwap(int32(StatusOnline), int32(StatusOffline))

	l.log.Info("websocket: listening", "addr", ln.Addr().String(), "tls", l.cfg.TLSConfig != nil)

	stopWatch := context.AfterFunc(ctx, func() { _ = l.Close() })
	defer stopWatch()

	var backoff time.Duration
	for {
		netConn, err := ln.Accept()
		if err != nil {
			if l.isStopping() {
				return ErrListenerClosed
			}
			if errors.Is(err, net.ErrClosed) {
				l.status.Store(int32(StatusOffline))
				return fmt.Errorf("websocket: accept: %w", err)
			}

			backoff = nextBackoff(backoff)
			l.log.Warn("websocket: accept failed, retrying", "error", err, "retry_in", backoff)
			time.Sleep(backoff)
			continue
		}
		backoff = 0

		c := NewConn(netConn, &l.cfg)
		l.conns.Add(1)
		go l.serveConn(c)
	}
}

func nextBackoff(d time.Duration) time.Duration {
	if d == 0 {
		return minAcceptBackoff
	}
	return min(d*2, maxAcceptBackoff)
}

// serveConn runs one connection to completion. The Conn is closed on every
// path out, including a panicking Handler.
func (l *Listener) serveConn(c *Conn) {
	defer l.conns.Done()

	peer := c.RemoteAddr()
	log := l.log.With("conn_id", c.ID(), "peer", addrString(peer))

	defer func() {
		if r := recover(); r != nil {
			log.Error("websocket: handler panic", "panic", r)
		}
		_ = c.Close()
		log.Debug("websocket: connection closed")
	}()

	path, err := c.PerformHandshake()
	if err != nil {
		log.Debug("websocket: handshake rejected", "error", err)
		return
	}

	log.Debug("websocket: connection open", "path", path)
	l.cfg.Handler(c, path, peer)
}

func addrString(a net.Addr) string {
	if a == nil {
		return ""
	}
	return a.String()
}

func (l *Listener) isStopping() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.stopping
}

// Close stops accepting. Connections already handed to the Handler keep
// running; Close never interrupts their I/O. Safe to call more than once.
func (l *Listener) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.stopping {
		return nil
	}
	l.stopping = true
	l.status.Store(int32(StatusOffline))

	if l.ln == nil {
		return nil
	}
	return l.ln.Close()
}

// Shutdown stops accepting and waits for running connections to finish, or
// for ctx to be done, whichever comes first.
func (l *Listener) Shutdown(ctx context.Context) error {
	err := l.Close()

	done := make(chan struct{})
	go func() {
		// No accept loop may add connections once it has exited.
		l.loops.Wait()
		l.conns.Wait()
		close(done)
	}()

	select {
	case <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}
