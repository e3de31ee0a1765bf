// Package relay implements the room registry, broadcast router, and the
// session coordinator that drives every room's state machine.
package relay

import (
	"encoding/json"
	"fmt"
	"strings"
	"unicode"

	"github.com/cory-johannsen/sketchrelay/internal/protocol"
)

// Phase is the coarse state of a room.
type Phase int

const (
	// PhaseLobby is the initial phase; players may join and the host may start.
	PhaseLobby Phase = iota
	// PhaseInGame is entered when the host starts the game.
	PhaseInGame
)

// String returns the wire name of the phase.
func (p Phase) String() string {
	switch p {
	case PhaseLobby:
		return "lobby"
	case PhaseInGame:
		return "in-game"
	default:
		return fmt.Sprintf("phase(%d)", int(p))
	}
}

// Room holds the state of one session. It is owned by the Registry and only
// mutated on the coordinator goroutine.
type Room struct {
	Code string
	// Players is ordered by join time. Players[0] is the host slot.
	Players []protocol.Player
	// History holds drawing-data payloads in arrival order.
	History []json.RawMessage
	Phase   Phase
	// CurrentSong is the last song chosen in this room, unmasked.
	CurrentSong string
}

// NewRoom creates an empty room in the lobby phase.
func NewRoom(code string) *Room {
	return &Room{Code: code, Phase: PhaseLobby}
}

// Len returns the number of players.
func (r *Room) Len() int { return len(r.Players) }

// Empty reports whether the room has no players.
func (r *Room) Empty() bool { return len(r.Players) == 0 }

// IndexOf returns the position of the player with the given id, or -1.
func (r *Room) IndexOf(id string) int {
	for i, p := range r.Players {
		if p.ID == id {
			return i
		}
	}
	return -1
}

// AddPlayer appends a player for connection id. The first player becomes the
// host and is named "Player1 (Host)"; later players are named by position.
//
// Precondition: id is not already a member.
// Postcondition: Returns the new record; exactly one player is host.
func (r *Room) AddPlayer(id string) protocol.Player {
	p := protocol.Player{ID: id}
	if r.Empty() {
		p.Name = "Player1 (Host)"
		p.IsHost = true
	} else {
		p.Name = fmt.Sprintf("Player%d", len(r.Players)+1)
	}
	r.Players = append(r.Players, p)
	return p
}

// RemovePlayer removes the player with the given id. If the removed player was
// host and others remain, the player now at index 0 is promoted.
//
// Postcondition: Returns the removed record and true, or false if id was not a member.
func (r *Room) RemovePlayer(id string) (protocol.Player, bool) {
	i := r.IndexOf(id)
	if i < 0 {
		return protocol.Player{}, false
	}
	removed := r.Players[i]
	r.Players = append(r.Players[:i], r.Players[i+1:]...)
	if removed.IsHost && len(r.Players) > 0 {
		r.Players[0].IsHost = true
	}
	return removed, true
}

// IsLeader reports whether id occupies the host slot and holds the host flag.
func (r *Room) IsLeader(id string) bool {
	return len(r.Players) > 0 && r.Players[0].ID == id && r.Players[0].IsHost
}


// Snapshot returns a copy of the player list safe to hand to other goroutines.
func (r *Room) Snapshot() []protocol.Player {
	out := make([]protocol.Player, len(r.Players))
	copy(out, r.Players)
	return out
}

// AppendStroke records a drawing payload. The bytes are copied.
func (r *Room) AppendStroke(payload json.RawMessage) {
	r.History = append(r.History, append(json.RawMessage(nil), payload...))
}

// ClearHistory discards every recorded stroke.
func (r *Room) ClearHistory() {
	r.History = nil
}

// MaskSong hides every non-whitespace rune behind an underscore, keeping
// whitespace in place so word lengths remain visible.
func MaskSong(song string) string {
	var b strings.Builder
	b.Grow(len(song))
	for _, c := range song {
		if unicode.IsSpace(c) {
			b.WriteRune(c)
			continue
		}
		b.WriteByte('_')
	}
	return b.String()
}
