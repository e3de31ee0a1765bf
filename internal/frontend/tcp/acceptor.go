package tcp

import (
	"bytes"
	"fmt"
	"net"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/cory-johannsen/sketchrelay/internal/config"
	"github.com/cory-johannsen/sketchrelay/internal/frontend"
	"github.com/cory-johannsen/sketchrelay/internal/relay"
)

// Acceptor listens for TCP clients and bridges each one to the Hub.
type Acceptor struct {
	cfg    config.TCPConfig
	hub    frontend.Hub
	logger *zap.Logger

	listener net.Listener
	wg       sync.WaitGroup
	quit     chan struct{}
	mu       sync.Mutex
	running  bool
	conns    map[*Conn]struct{}
}

// NewAcceptor creates a TCP acceptor.
//
// Precondition: cfg must have a valid port; hub and logger must be non-nil.
// Postcondition: Returns an Acceptor ready to be started with ListenAndServe.
func NewAcceptor(cfg config.TCPConfig, hub frontend.Hub, logger *zap.Logger) *Acceptor {
	return &Acceptor{
		cfg:    cfg,
		hub:    hub,
		logger: logger,
		quit:   make(chan struct{}),
		conns:  make(map[*Conn]struct{}),
	}
}

// ListenAndServe accepts connections until Stop is called.
//
// Precondition: The acceptor must not already be running.
// Postcondition: The listener is closed when this method returns.
func (a *Acceptor) ListenAndServe() error {
	start := time.Now()

	listener, err := net.Listen("tcp", a.cfg.Addr())
	if err != nil {
		return fmt.Errorf("listening on %s: %w", a.cfg.Addr(), err)
	}

	a.mu.Lock()
	a.listener = listener
	a.running = true
	a.mu.Unlock()

	a.logger.Info("tcp acceptor listening",
		zap.String("addr", listener.Addr().String()),
		zap.Duration("startup", time.Since(start)),
	)

	for {
		raw, err := listener.Accept()
		if err != nil {
			select {
			case <-a.quit:
				return nil
			default:
				a.logger.Error("accepting connection", zap.Error(err))
				continue
			}
		}

		conn := NewConn(raw, a.cfg.ReadTimeout, a.cfg.WriteTimeout)
		if !a.track(conn) {
			_ = conn.Close()
			continue
		}
		go a.handleConn(conn)
	}
}

func (a *Acceptor) track(c *Conn) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.running {
		return false
	}
	a.conns[c] = struct{}{}
	a.wg.Add(1)
	return true
}

func (a *Acceptor) untrack(c *Conn) {
	a.mu.Lock()
	delete(a.conns, c)
	a.mu.Unlock()
}

// handleConn runs one client: a writer goroutine drains the outbox while this
// goroutine reads lines and hands them to the hub.
func (a *Acceptor) handleConn(conn *Conn) {
	defer a.wg.Done()
	defer a.untrack(conn)
	start := time.Now()
	addr := conn.RemoteAddr().String()

	box := a.hub.Connect()
	id := box.ID()
	a.logger.Info("client connected",
		zap.String("remote_addr", addr),
		zap.String("conn", id),
	)

	done := make(chan struct{})
	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		a.writeLoop(conn, box, done)
	}()

	err := a.readLoop(conn, id)

	a.hub.Disconnect(id)
	close(done)
	_ = conn.Close()
	<-writerDone

	if err != nil {
		a.logger.Debug("session ended",
			zap.String("remote_addr", addr),
			zap.String("conn", id),
			zap.Error(err),
			zap.Duration("duration", time.Since(start)),
		)
		return
	}
	a.logger.Info("session ended cleanly",
		zap.String("remote_addr", addr),
		zap.String("conn", id),
		zap.Duration("duration", time.Since(start)),
	)
}

// readLoop returns nil when the client closes the connection.
func (a *Acceptor) readLoop(conn *Conn, id string) error {
	for {
		line, err := conn.ReadLine()
		if err != nil {
			if isClosed(err) {
				return nil
			}
			return err
		}
		if len(bytes.TrimSpace(line)) == 0 {
			continue
		}
		a.hub.Deliver(id, line)
	}
}

func (a *Acceptor) writeLoop(conn *Conn, box *relay.Outbox, done <-chan struct{}) {
	for {
		select {
		case data, ok := <-box.Events():
			if !ok {
				return
			}
			if err := conn.WriteLine(data); err != nil {
				a.logger.Debug("write failed",
					zap.String("conn", box.ID()),
					zap.Error(err),
				)
				// Unblock the reader so the session ends.
				_ = conn.Close()
				return
			}
		case <-done:
			return
		}
	}
}

// Stop closes the listener and every live connection, then waits for all
// sessions to finish.
//
// Postcondition: All connections are closed and goroutines have exited.
func (a *Acceptor) Stop() {
	a.mu.Lock()
	if !a.running {
		a.mu.Unlock()
		return
	}
	a.running = false
	close(a.quit)
	if a.listener != nil {
		_ = a.listener.Close()
	}
	for c := range a.conns {
		_ = c.Close()
	}
	a.mu.Unlock()

	a.wg.Wait()
	a.logger.Info("tcp acceptor stopped")
}

// Addr returns the actual listening address, or empty string if not yet listening.
func (a *Acceptor) Addr() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.listener != nil {
		return a.listener.Addr().String()
	}
	return ""
}

// IsRunning returns whether the acceptor is currently accepting connections.
func (a *Acceptor) IsRunning() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.running
}
