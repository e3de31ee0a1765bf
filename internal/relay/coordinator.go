package relay

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/cory-johannsen/sketchrelay/internal/protocol"
)

// DefaultMaxPlayers is the room capacity used when Options leaves it unset.
// It is also the ceiling: larger values are clamped.
const DefaultMaxPlayers = 4

var errStopped = errors.New("coordinator stopped")

// Inbound is one event received from a connection.
type Inbound struct {
	ConnID  string
	Type    string
	Payload json.RawMessage
}

// departure is queued by Disconnect. It is a distinct inbox message so that
// no wire event type can reach the departure handler.
type departure struct {
	connID string
}

// summaryRequest asks the coordinator goroutine for a snapshot of all rooms.
type summaryRequest struct {
	reply chan<- []RoomSummary
}

// Options configures a Coordinator. Zero values select defaults.
type Options struct {
	MaxPlayers   int
	CodeAttempts int
	InboxSize    int
	OutboxSize   int
	Codes        CodeGenerator
	Policy       GuessPolicy
}

// Coordinator is the session state machine. Every event is applied on a single
// goroutine (Run), one at a time: validate, mutate the room, then route the
// resulting events. Routing only enqueues onto outboxes, so no transport I/O
// happens while room state is being changed.
type Coordinator struct {
	registry *Registry
	router   *Router
	codes    CodeGenerator
	policy   GuessPolicy
	logger   *zap.Logger

	maxPlayers   int
	codeAttempts int

	inbox   chan any
	stopped chan struct{}
}

// NewCoordinator creates a Coordinator with an empty registry.
//
// Precondition: logger must be non-nil.
// Postcondition: Returns a Coordinator ready for Run.
func NewCoordinator(opts Options, logger *zap.Logger) *Coordinator {
	if opts.MaxPlayers <= 0 || opts.MaxPlayers > DefaultMaxPlayers {
		opts.MaxPlayers = DefaultMaxPlayers
	}
	if opts.CodeAttempts <= 0 {
		opts.CodeAttempts = 1
	}
	if opts.InboxSize <= 0 {
		opts.InboxSize = 256
	}
	if opts.Codes == nil {
		opts.Codes = NewRandomCodes(DefaultCodeLength)
	}
	if opts.Policy == nil {
		opts.Policy = SubstringPolicy{Answer: "song"}
	}
	return &Coordinator{
		registry:     NewRegistry(),
		router:       NewRouter(opts.OutboxSize, logger),
		codes:        opts.Codes,
		policy:       opts.Policy,
		logger:       logger,
		maxPlayers:   opts.MaxPlayers,
		codeAttempts: opts.CodeAttempts,
		inbox:        make(chan any, opts.InboxSize),
		stopped:      make(chan struct{}),
	}
}

// Run processes queued events until ctx is cancelled.
//
// Postcondition: Returns nil once ctx is done; later Submit calls are dropped.
func (c *Coordinator) Run(ctx context.Context) error {
	defer close(c.stopped)
	c.logger.Info("coordinator running",
		zap.Int("max_players", c.maxPlayers),
	)
	for {
		select {
		case <-ctx.Done():
			c.logger.Info("coordinator stopped",
				zap.Int("rooms", c.registry.Len()),
			)
			return nil
		case msg := <-c.inbox:
			c.process(msg)
		}
	}
}

func (c *Coordinator) process(msg any) {
	switch m := msg.(type) {
	case Inbound:
		c.Handle(m)
	case departure:
		c.depart(m.connID)
	case summaryRequest:
		m.reply <- c.registry.Summaries()
	}
}

// Submit queues an event for the coordinator goroutine. It blocks while the
// inbox is full and returns immediately once Run has exited.
func (c *Coordinator) Submit(in Inbound) {
	c.enqueue(in)
}

func (c *Coordinator) enqueue(msg any) {
	select {
	case c.inbox <- msg:
	case <-c.stopped:
	}
}

// Connect registers a new connection and returns its outbox.
// The outbox id is the connection's identity for every later call.
func (c *Coordinator) Connect() *Outbox {
	id := uuid.NewString()
	box := c.router.Register(id)
	c.logger.Debug("connection registered", zap.String("conn", id))
	return box
}

// Deliver decodes a raw wire message from connID and queues it.
// Malformed messages are logged and dropped.
func (c *Coordinator) Deliver(connID string, raw []byte) {
	env, err := protocol.DecodeEnvelope(raw)
	if err != nil {
		c.logger.Debug("dropping malformed message",
			zap.String("conn", connID),
			zap.Error(err),
		)
		return
	}
	c.Submit(Inbound{ConnID: connID, Type: env.Type, Payload: env.Payload})
}

// Disconnect queues the departure of connID.
func (c *Coordinator) Disconnect(connID string) {
	c.enqueue(departure{connID: connID})
}

// Rooms returns a snapshot of every room, taken on the coordinator goroutine.
func (c *Coordinator) Rooms(ctx context.Context) ([]RoomSummary, error) {
	select {
	case <-c.stopped:
		return nil, errStopped
	default:
	}
	reply := make(chan []RoomSummary, 1)
	select {
	case c.inbox <- summaryRequest{reply: reply}:
	case <-c.stopped:
		return nil, errStopped
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	select {
	case out := <-reply:
		return out, nil
	case <-c.stopped:
		return nil, errStopped
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Handle applies a single event synchronously. It must only be called from
// the goroutine running Run, or from tests that never start Run.
func (c *Coordinator) Handle(in Inbound) {
	switch in.Type {
	case protocol.EvCreateRoom:
		c.handleCreateRoom(in)
	case protocol.EvJoinRoom:
		c.handleJoinRoom(in)
	case protocol.EvStartGame:
		c.handleStartGame(in)
	case protocol.EvSongChosen:
		c.handleSongChosen(in)
	case protocol.EvDrawingData:
		c.handleDrawingData(in)
	case protocol.EvClearCanvas:
		c.handleClearCanvas(in)
	case protocol.EvSubmitGuess:
		c.handleSubmitGuess(in)
	default:
		c.logger.Debug("ignoring unknown event",
			zap.String("conn", in.ConnID),
			zap.String("event", in.Type),
		)
	}
}

func (c *Coordinator) handleCreateRoom(in Inbound) {
	room, err := c.allocateRoom()
	if err != nil {
		c.logger.Warn("room allocation failed",
			zap.String("conn", in.ConnID),
			zap.Int("attempts", c.codeAttempts),
			zap.Error(err),
		)
		c.router.ToSender(in.ConnID, protocol.EvErrorMessage, ErrNoCode.Error())
		return
	}
	// The fresh code can never be the room being left.
	c.leaveCurrent(in.ConnID)

	player := room.AddPlayer(in.ConnID)
	c.registry.Assign(in.ConnID, room.Code)
	c.router.Join(room.Code, in.ConnID)

	c.logger.Info("room created",
		zap.String("room", room.Code),
		zap.String("conn", in.ConnID),
	)
	c.router.ToSender(in.ConnID, protocol.EvRoomCreated, protocol.RoomJoined{
		RoomCode: room.Code,
		Player:   player,
	})
}

// allocateRoom draws codes until one is free, up to codeAttempts tries.
func (c *Coordinator) allocateRoom() (*Room, error) {
	var lastErr error
	for i := 0; i < c.codeAttempts; i++ {
		room, err := c.registry.Create(NormalizeCode(c.codes.Next()))
		if err == nil {
			return room, nil
		}
		c.logger.Debug("room code collision", zap.Error(err))
		lastErr = err
	}
	return nil, lastErr
}

func (c *Coordinator) handleJoinRoom(in Inbound) {
	code, ok := c.decodeCode(in)
	if !ok {
		return
	}

	room, exists := c.registry.Get(code)
	if !exists {
		c.router.ToSender(in.ConnID, protocol.EvErrorMessage, ErrRoomNotFound.Error())
		return
	}
	if i := room.IndexOf(in.ConnID); i >= 0 {
		c.router.ToSender(in.ConnID, protocol.EvJoinedRoom, protocol.RoomJoined{
			RoomCode: room.Code,
			Player:   room.Players[i],
		})
		return
	}
	if room.Len() >= c.maxPlayers {
		c.router.ToSender(in.ConnID, protocol.EvErrorMessage, ErrRoomFull.Error())
		return
	}

	c.leaveCurrent(in.ConnID)

	player := room.AddPlayer(in.ConnID)
	c.registry.Assign(in.ConnID, room.Code)
	c.router.Join(room.Code, in.ConnID)

	c.logger.Info("player joined room",
		zap.String("room", room.Code),
		zap.String("conn", in.ConnID),
		zap.String("player", player.Name),
		zap.Int("players", room.Len()),
	)

	c.router.ToSender(in.ConnID, protocol.EvJoinedRoom, protocol.RoomJoined{
		RoomCode: room.Code,
		Player:   player,
	})
	// Replay the canvas so a late joiner sees what was already drawn.
	for _, stroke := range room.History {
		c.router.ToSender(in.ConnID, protocol.EvDrawingUpdate, stroke)
	}
	c.router.ToAllExcept(room.Code, in.ConnID, protocol.EvUpdateLobby, room.Snapshot())
}

func (c *Coordinator) handleStartGame(in Inbound) {
	code, ok := c.decodeCode(in)
	if !ok {
		return
	}
	room, exists := c.registry.Get(code)
	if !exists || !room.IsLeader(in.ConnID) {
		return
	}
	room.Phase = PhaseInGame
	c.logger.Info("game started",
		zap.String("room", room.Code),
		zap.Int("players", room.Len()),
	)
	c.router.ToAll(room.Code, protocol.EvGameStarted, nil)
}

func (c *Coordinator) handleSongChosen(in Inbound) {
	msg, err := protocol.DecodePayload[protocol.SongChosen](protocol.Envelope{Type: in.Type, Payload: in.Payload})
	if err != nil {
		c.dropMalformed(in, err)
		return
	}
	room, exists := c.registry.Get(msg.RoomCode)
	if !exists {
		return
	}
	room.CurrentSong = msg.Song
	c.router.ToAllExcept(room.Code, in.ConnID, protocol.EvSongChosenUpdate, MaskSong(msg.Song))
}

func (c *Coordinator) handleDrawingData(in Inbound) {
	ref, err := protocol.DecodePayload[protocol.RoomRef](protocol.Envelope{Type: in.Type, Payload: in.Payload})
	if err != nil {
		c.dropMalformed(in, err)
		return
	}
	room, exists := c.registry.Get(ref.RoomCode)
	if !exists {
		return
	}
	room.AppendStroke(in.Payload)
	c.router.ToAllExcept(room.Code, in.ConnID, protocol.EvDrawingUpdate, in.Payload)
}

func (c *Coordinator) handleClearCanvas(in Inbound) {
	code, ok := c.decodeCode(in)
	if !ok {
		return
	}
	room, exists := c.registry.Get(code)
	if !exists {
		return
	}
	room.ClearHistory()
	c.router.ToAll(room.Code, protocol.EvCanvasCleared, nil)
}

func (c *Coordinator) handleSubmitGuess(in Inbound) {
	g, err := protocol.DecodePayload[protocol.Guess](protocol.Envelope{Type: in.Type, Payload: in.Payload})
	if err != nil {
		c.dropMalformed(in, err)
		return
	}
	room, exists := c.registry.Get(g.RoomCode)
	if !exists {
		return
	}
	kind := protocol.MessageNormal
	if c.policy.IsCorrect(g.Guess, room.CurrentSong) {
		kind = protocol.MessageCorrect
	}
	c.router.ToAll(room.Code, protocol.EvNewMessage, protocol.ChatMessage{
		User: g.Player.Name,
		Text: g.Guess,
		Type: kind,
	})
}

// depart removes connID from its room and unregisters its outbox.
func (c *Coordinator) depart(connID string) {
	c.leaveCurrent(connID)
	c.router.Unregister(connID)
	c.logger.Debug("connection unregistered", zap.String("conn", connID))
}

// leaveCurrent removes connID from whatever room it occupies, tearing the
// room down when it empties and otherwise telling the rest of the room.
func (c *Coordinator) leaveCurrent(connID string) {
	code, ok := c.registry.RoomOf(connID)
	if !ok {
		return
	}
	c.registry.Unassign(connID)
	c.router.Leave(code, connID)

	room, exists := c.registry.Get(code)
	if !exists {
		return
	}
	removed, ok := room.RemovePlayer(connID)
	if !ok {
		return
	}

	if room.Empty() {
		c.registry.Delete(code)
		c.logger.Info("room closed",
			zap.String("room", code),
		)
		return
	}

	fields := []zap.Field{
		zap.String("room", code),
		zap.String("player", removed.Name),
		zap.Int("players", room.Len()),
	}
	if removed.IsHost {
		fields = append(fields, zap.String("new_host", room.Players[0].Name))
	}
	c.logger.Info("player left room", fields...)
	c.router.ToAllExcept(code, connID, protocol.EvPlayerLeft, room.Snapshot())
}

// decodeCode reads a bare room-code payload.
func (c *Coordinator) decodeCode(in Inbound) (string, bool) {
	code, err := protocol.DecodePayload[string](protocol.Envelope{Type: in.Type, Payload: in.Payload})
	if err != nil {
		c.dropMalformed(in, err)
		return "", false
	}
	return NormalizeCode(code), true
}

func (c *Coordinator) dropMalformed(in Inbound, err error) {
	c.logger.Debug("dropping malformed payload",
		zap.String("conn", in.ConnID),
		zap.String("event", in.Type),
		zap.Error(err),
	)
}
