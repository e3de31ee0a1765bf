// Package websocket serves the relay protocol to browsers: one JSON envelope
// per text frame, plus a small HTTP diagnostics surface.
package websocket

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/cory-johannsen/sketchrelay/internal/config"
	"github.com/cory-johannsen/sketchrelay/internal/frontend"
	"github.com/cory-johannsen/sketchrelay/internal/relay"
)

// MaxMessageSize is the largest inbound frame accepted.
const MaxMessageSize = 1 << 20

// RoomsPath serves the JSON room listing.
const RoomsPath = "/rooms"

// Server accepts WebSocket clients and bridges each one to the Hub.
type Server struct {
	cfg      config.WebSocketConfig
	hub      frontend.Hub
	rooms    frontend.RoomLister
	logger   *zap.Logger
	upgrader websocket.Upgrader
	http     *http.Server

	mu       sync.Mutex
	listener net.Listener
	running  bool
	stopped  bool
	conns    map[*websocket.Conn]struct{}
	wg       sync.WaitGroup
}

// NewServer creates a WebSocket server.
//
// Precondition: hub, rooms and logger must be non-nil.
// Postcondition: Returns a Server ready to be started with ListenAndServe.
func NewServer(cfg config.WebSocketConfig, hub frontend.Hub, rooms frontend.RoomLister, logger *zap.Logger) *Server {
	s := &Server{
		cfg:    cfg,
		hub:    hub,
		rooms:  rooms,
		logger: logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// Browsers connect from whatever origin serves the client.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		conns: make(map[*websocket.Conn]struct{}),
	}
	s.http = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Handler returns the HTTP routes: the upgrade endpoint at cfg.Path and the
// room listing at RoomsPath.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc(s.cfg.Path, s.serveWS)
	mux.HandleFunc("GET "+RoomsPath, s.serveRooms)
	return mux
}

// ListenAndServe listens on cfg.Addr() and serves until Stop is called.
//
// Postcondition: Returns nil after Stop, or the listen/serve error.
func (s *Server) ListenAndServe() error {
	start := time.Now()
	listener, err := net.Listen("tcp", s.cfg.Addr())
	if err != nil {
		return fmt.Errorf("listening on %s: %w", s.cfg.Addr(), err)
	}

	s.mu.Lock()
	s.listener = listener
	s.running = true
	s.mu.Unlock()

	s.logger.Info("websocket server listening",
		zap.String("addr", listener.Addr().String()),
		zap.String("path", s.cfg.Path),
		zap.Duration("startup", time.Since(start)),
	)

	if err := s.http.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("serving websocket: %w", err)
	}
	return nil
}

// Stop shuts down the HTTP server, closes every live WebSocket and waits for
// their sessions to finish.
func (s *Server) Stop() {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.stopped = true
	s.running = false
	for c := range s.conns {
		_ = c.Close()
	}
	s.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.http.Shutdown(ctx); err != nil {
		s.logger.Warn("websocket server shutdown", zap.Error(err))
	}
	s.wg.Wait()
	s.logger.Info("websocket server stopped")
}

// Addr returns the actual listening address, or empty string if not yet listening.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return ""
}

// IsRunning returns whether the server is accepting connections.
func (s *Server) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

func (s *Server) track(c *websocket.Conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return false
	}
	s.conns[c] = struct{}{}
	s.wg.Add(1)
	return true
}

func (s *Server) untrack(c *websocket.Conn) {
	s.mu.Lock()
	delete(s.conns, c)
	s.mu.Unlock()
	s.wg.Done()
}

func (s *Server) serveRooms(w http.ResponseWriter, r *http.Request) {
	rooms, err := s.rooms.Rooms(r.Context())
	if err != nil {
		s.logger.Warn("listing rooms", zap.Error(err))
		http.Error(w, "unavailable", http.StatusServiceUnavailable)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(rooms)
}

func (s *Server) serveWS(w http.ResponseWriter, r *http.Request) {
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Debug("upgrade failed",
			zap.String("remote_addr", r.RemoteAddr),
			zap.Error(err),
		)
		return
	}
	if !s.track(ws) {
		_ = ws.Close()
		return
	}
	defer s.untrack(ws)
	s.session(ws, r.RemoteAddr)
}

// session runs one client until either side closes.
func (s *Server) session(ws *websocket.Conn, addr string) {
	start := time.Now()
	box := s.hub.Connect()
	id := box.ID()
	s.logger.Info("client connected",
		zap.String("remote_addr", addr),
		zap.String("conn", id),
	)

	done := make(chan struct{})
	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		s.writeLoop(ws, box, done)
	}()

	err := s.readLoop(ws, id)

	s.hub.Disconnect(id)
	close(done)
	_ = ws.Close()
	<-writerDone

	fields := []zap.Field{
		zap.String("remote_addr", addr),
		zap.String("conn", id),
		zap.Duration("duration", time.Since(start)),
	}
	if err != nil {
		s.logger.Debug("session ended", append(fields, zap.Error(err))...)
		return
	}
	s.logger.Info("session ended cleanly", fields...)
}

// readLoop returns nil for a normal close.
func (s *Server) readLoop(ws *websocket.Conn, id string) error {
	ws.SetReadLimit(MaxMessageSize)
	s.extendRead(ws)
	ws.SetPongHandler(func(string) error {
		s.extendRead(ws)
		return nil
	})

	for {
		kind, data, err := ws.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return nil
			}
			return err
		}
		s.extendRead(ws)
		if kind != websocket.TextMessage {
			continue
		}
		s.hub.Deliver(id, data)
	}
}

func (s *Server) extendRead(ws *websocket.Conn) {
	if s.cfg.ReadTimeout > 0 {
		_ = ws.SetReadDeadline(time.Now().Add(s.cfg.ReadTimeout))
	}
}

// writeLoop is the only writer on ws: it drains the outbox in order and
// sends pings to keep idle connections alive.
func (s *Server) writeLoop(ws *websocket.Conn, box *relay.Outbox, done <-chan struct{}) {
	var tick <-chan time.Time
	if s.cfg.PingInterval > 0 {
		ticker := time.NewTicker(s.cfg.PingInterval)
		defer ticker.Stop()
		tick = ticker.C
	}

	for {
		select {
		case data, ok := <-box.Events():
			if !ok {
				s.writeClose(ws)
				return
			}
			if err := s.write(ws, websocket.TextMessage, data); err != nil {
				s.logger.Debug("write failed", zap.String("conn", box.ID()), zap.Error(err))
				_ = ws.Close()
				return
			}
		case <-tick:
			if err := s.write(ws, websocket.PingMessage, nil); err != nil {
				s.logger.Debug("ping failed", zap.String("conn", box.ID()), zap.Error(err))
				_ = ws.Close()
				return
			}
		case <-done:
			return
		}
	}
}

func (s *Server) write(ws *websocket.Conn, kind int, data []byte) error {
	if s.cfg.WriteTimeout > 0 {
		_ = ws.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
	}
	return ws.WriteMessage(kind, data)
}

func (s *Server) writeClose(ws *websocket.Conn) {
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	_ = s.write(ws, websocket.CloseMessage, msg)
}
