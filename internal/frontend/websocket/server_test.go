package websocket

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/cory-johannsen/sketchrelay/internal/config"
	"github.com/cory-johannsen/sketchrelay/internal/protocol"
	"github.com/cory-johannsen/sketchrelay/internal/relay"
)

const wait = 2 * time.Second

func testConfig() config.WebSocketConfig {
	return config.WebSocketConfig{
		Host:         "127.0.0.1",
		Port:         0, // random port
		Path:         "/ws",
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 5 * time.Second,
		PingInterval: time.Second,
	}
}

// startServer runs a coordinator and a server on a random port.
func startServer(t *testing.T, cfg config.WebSocketConfig) (*Server, *relay.Coordinator) {
	t.Helper()
	logger := zaptest.NewLogger(t)
	coord := relay.NewCoordinator(relay.Options{}, logger)

	ctx, cancel := context.WithCancel(context.Background())
	coordDone := make(chan struct{})
	go func() {
		defer close(coordDone)
		_ = coord.Run(ctx)
	}()

	srv := NewServer(cfg, coord, coord, logger)
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	require.Eventually(t, func() bool {
		return srv.IsRunning() && srv.Addr() != ""
	}, wait, 10*time.Millisecond, "server did not start in time")

	t.Cleanup(func() {
		srv.Stop()
		select {
		case err := <-errCh:
			assert.NoError(t, err)
		case <-time.After(5 * time.Second):
			t.Error("server did not stop in time")
		}
		cancel()
		<-coordDone
	})
	return srv, coord
}

type wsClient struct {
	t    *testing.T
	conn *websocket.Conn
}

func dial(t *testing.T, srv *Server) *wsClient {
	t.Helper()
	conn, resp, err := websocket.DefaultDialer.Dial("ws://"+srv.Addr()+"/ws", nil)
	require.NoError(t, err)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	t.Cleanup(func() { conn.Close() })
	return &wsClient{t: t, conn: conn}
}

func (c *wsClient) send(evType string, payload any) {
	c.t.Helper()
	data, err := protocol.Encode(evType, payload)
	require.NoError(c.t, err)
	require.NoError(c.t, c.conn.WriteMessage(websocket.TextMessage, data))
}

func (c *wsClient) expect(evType string) protocol.Envelope {
	c.t.Helper()
	deadline := time.Now().Add(wait)
	for {
		_ = c.conn.SetReadDeadline(deadline)
		kind, data, err := c.conn.ReadMessage()
		require.NoError(c.t, err, "waiting for %s", evType)
		require.Equal(c.t, websocket.TextMessage, kind)
		env, err := protocol.DecodeEnvelope(data)
		require.NoError(c.t, err)
		if env.Type == evType {
			return env
		}
	}
}

func TestServer_CreateJoinAndRelay(t *testing.T) {
	srv, _ := startServer(t, testConfig())

	host := dial(t, srv)
	host.send(protocol.EvCreateRoom, nil)
	created, err := protocol.DecodePayload[protocol.RoomJoined](host.expect(protocol.EvRoomCreated))
	require.NoError(t, err)
	assert.True(t, created.Player.IsHost)
	code := created.RoomCode

	guest := dial(t, srv)
	guest.send(protocol.EvJoinRoom, code)
	joined, err := protocol.DecodePayload[protocol.RoomJoined](guest.expect(protocol.EvJoinedRoom))
	require.NoError(t, err)
	assert.Equal(t, "Player2", joined.Player.Name)
	host.expect(protocol.EvUpdateLobby)

	host.send(protocol.EvSongChosen, protocol.SongChosen{RoomCode: code, Song: "A CAT"})
	masked, err := protocol.DecodePayload[string](guest.expect(protocol.EvSongChosenUpdate))
	require.NoError(t, err)
	assert.Equal(t, "_ ___", masked)

	guest.send(protocol.EvSubmitGuess, protocol.Guess{
		RoomCode: code, Guess: "a song?", Player: protocol.GuessAuthor{Name: "Player2"},
	})
	for _, c := range []*wsClient{host, guest} {
		msg, err := protocol.DecodePayload[protocol.ChatMessage](c.expect(protocol.EvNewMessage))
		require.NoError(t, err)
		assert.Equal(t, protocol.ChatMessage{User: "Player2", Text: "a song?", Type: protocol.MessageCorrect}, msg)
	}
}

func TestServer_IgnoresBinaryAndMalformedFrames(t *testing.T) {
	srv, _ := startServer(t, testConfig())

	c := dial(t, srv)
	require.NoError(t, c.conn.WriteMessage(websocket.BinaryMessage, []byte(`{"type":"create-room"}`)))
	require.NoError(t, c.conn.WriteMessage(websocket.TextMessage, []byte(`{{{`)))
	c.send(protocol.EvJoinRoom, "NOPE1")

	env := c.expect(protocol.EvErrorMessage)
	msg, err := protocol.DecodePayload[string](env)
	require.NoError(t, err)
	assert.Equal(t, "Room not found", msg)
}

func TestServer_CloseNotifiesRoom(t *testing.T) {
	srv, coord := startServer(t, testConfig())

	host := dial(t, srv)
	host.send(protocol.EvCreateRoom, nil)
	created, err := protocol.DecodePayload[protocol.RoomJoined](host.expect(protocol.EvRoomCreated))
	require.NoError(t, err)

	guest := dial(t, srv)
	guest.send(protocol.EvJoinRoom, created.RoomCode)
	guest.expect(protocol.EvJoinedRoom)

	require.NoError(t, host.conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")))
	host.conn.Close()

	players, err := protocol.DecodePayload[[]protocol.Player](guest.expect(protocol.EvPlayerLeft))
	require.NoError(t, err)
	require.Len(t, players, 1)
	assert.Equal(t, "Player2", players[0].Name)
	assert.True(t, players[0].IsHost)

	rooms, err := coord.Rooms(context.Background())
	require.NoError(t, err)
	require.Len(t, rooms, 1)
	assert.Equal(t, 1, rooms[0].Players)
}

func TestServer_RoomsEndpoint(t *testing.T) {
	srv, _ := startServer(t, testConfig())

	c := dial(t, srv)
	c.send(protocol.EvCreateRoom, nil)
	created, err := protocol.DecodePayload[protocol.RoomJoined](c.expect(protocol.EvRoomCreated))
	require.NoError(t, err)

	resp, err := http.Get("http://" + srv.Addr() + RoomsPath)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "application/json", resp.Header.Get("Content-Type"))

	var rooms []relay.RoomSummary
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&rooms))
	assert.Equal(t, []relay.RoomSummary{{Code: created.RoomCode, Players: 1, Phase: "lobby"}}, rooms)
}

type failingRooms struct{}

func (failingRooms) Rooms(context.Context) ([]relay.RoomSummary, error) {
	return nil, errors.New("coordinator stopped")
}

func TestServer_RoomsUnavailable(t *testing.T) {
	logger := zaptest.NewLogger(t)
	coord := relay.NewCoordinator(relay.Options{}, logger)
	srv := NewServer(testConfig(), coord, failingRooms{}, logger)

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, RoomsPath, nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	rec = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, RoomsPath, nil))
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

// countingHub records Connect calls and otherwise does nothing.
type countingHub struct {
	connects atomic.Int32
}

func (h *countingHub) Connect() *relay.Outbox {
	h.connects.Add(1)
	return relay.NewOutbox("counted", 1)
}

func (h *countingHub) Deliver(string, []byte) {}

func (h *countingHub) Disconnect(string) {}

func TestServer_PlainHTTPOnUpgradePathRejected(t *testing.T) {
	hub := &countingHub{}
	srv := NewServer(testConfig(), hub, failingRooms{}, zaptest.NewLogger(t))

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/ws", nil))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, int32(0), hub.connects.Load())
}

func TestServer_SendsPings(t *testing.T) {
	cfg := testConfig()
	cfg.PingInterval = 20 * time.Millisecond
	srv, _ := startServer(t, cfg)

	c := dial(t, srv)
	var pings atomic.Int32
	c.conn.SetPingHandler(func(string) error {
		pings.Add(1)
		return nil
	})
	go func() {
		for {
			if _, _, err := c.conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	require.Eventually(t, func() bool { return pings.Load() >= 2 }, wait, 10*time.Millisecond)
}

func TestServer_StopClosesClients(t *testing.T) {
	srv, _ := startServer(t, testConfig())

	c := dial(t, srv)
	c.send(protocol.EvCreateRoom, nil)
	c.expect(protocol.EvRoomCreated)

	srv.Stop()
	assert.False(t, srv.IsRunning())

	_ = c.conn.SetReadDeadline(time.Now().Add(wait))
	_, _, err := c.conn.ReadMessage()
	require.Error(t, err)
	var ne interface{ Timeout() bool }
	if errors.As(err, &ne) {
		assert.False(t, ne.Timeout(), "connection should be closed, not idle")
	}
}
