// Package protocol defines the JSON wire format exchanged between clients and
// the relay: a typed envelope plus the payload shapes of every event.
package protocol

import "encoding/json"

// Inbound event types (client → relay).
const (
	EvCreateRoom  = "create-room"
	EvJoinRoom    = "join-room"
	EvStartGame   = "start-game"
	EvSongChosen  = "song-chosen"
	EvDrawingData = "drawing-data"
	EvClearCanvas = "clear-canvas"
	EvSubmitGuess = "submit-guess"
)

// Outbound event types (relay → client).
const (
	EvRoomCreated      = "room-created"
	EvJoinedRoom       = "joined-room"
	EvErrorMessage     = "error-message"
	EvUpdateLobby      = "update-lobby"
	EvGameStarted      = "game-started"
	EvSongChosenUpdate = "song-chosen-update"
	EvDrawingUpdate    = "drawing-update"
	EvCanvasCleared    = "canvas-cleared"
	EvNewMessage       = "new-message"
	EvPlayerLeft       = "player-left"
)

// Chat message classifications for new-message.
const (
	MessageNormal  = "normal"
	MessageCorrect = "correct"
)

// Envelope wraps every message on the wire.
type Envelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Player is the public record of a room member.
type Player struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	IsHost bool   `json:"isHost"`
}

// RoomJoined is the payload of room-created and joined-room.
type RoomJoined struct {
	RoomCode string `json:"roomCode"`
	Player   Player `json:"player"`
}

// SongChosen is the payload of song-chosen.
type SongChosen struct {
	RoomCode string `json:"roomCode"`
	Song     string `json:"song"`
}

// RoomRef extracts the room code from an otherwise opaque payload such as drawing-data.
type RoomRef struct {
	RoomCode string `json:"roomCode"`
}

// GuessAuthor is the subset of the player record a guess carries.
type GuessAuthor struct {
	Name string `json:"name"`
}

// Guess is the payload of submit-guess.
type Guess struct {
	RoomCode string      `json:"roomCode"`
	Guess    string      `json:"guess"`
	Player   GuessAuthor `json:"player"`
}

// ChatMessage is the payload of new-message.
type ChatMessage struct {
	User string `json:"user"`
	Text string `json:"text"`
	Type string `json:"type"`
}
