package relay

import (
	"errors"
	"fmt"
	"sort"
)

// The user-facing errors are sent verbatim as error-message payloads.
var (
	// ErrCodeInUse is returned by Create when the code is already registered.
	ErrCodeInUse = errors.New("room code already in use")
	// ErrRoomNotFound is the user-facing error for joins to a missing room.
	ErrRoomNotFound = errors.New("Room not found")
	// ErrRoomFull is the user-facing error for joins to a room at capacity.
	ErrRoomFull = errors.New("Room is full")
	// ErrNoCode is surfaced when every generated code collided.
	ErrNoCode = errors.New("Could not allocate room code")
)

// RoomSummary is a read-only view of a room for diagnostics.
type RoomSummary struct {
	Code    string `json:"code"`
	Players int    `json:"players"`
	Phase   string `json:"phase"`
}

// Registry maps room codes to rooms and connection ids to the code of the
// room they occupy.
//
// Registry is not safe for concurrent use: it is owned by the coordinator
// goroutine, which serializes every mutation.
type Registry struct {
	rooms   map[string]*Room  // code → room
	members map[string]string // conn id → code
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{
		rooms:   make(map[string]*Room),
		members: make(map[string]string),
	}
}

// Create registers a new empty room under code.
//
// Precondition: code is normalized.
// Postcondition: Returns the room, or ErrCodeInUse without touching the existing room.
func (g *Registry) Create(code string) (*Room, error) {
	if _, exists := g.rooms[code]; exists {
		return nil, fmt.Errorf("creating room %q: %w", code, ErrCodeInUse)
	}
	r := NewRoom(code)
	g.rooms[code] = r
	return r, nil
}

// Get returns the room for code, matching case-insensitively.
func (g *Registry) Get(code string) (*Room, bool) {
	r, ok := g.rooms[NormalizeCode(code)]
	return r, ok
}

// Delete removes the room and every reverse-index entry pointing at it.
func (g *Registry) Delete(code string) {
	r, ok := g.rooms[code]
	if !ok {
		return
	}
	for _, p := range r.Players {
		if g.members[p.ID] == code {
			delete(g.members, p.ID)
		}
	}
	delete(g.rooms, code)
}

// Assign records that connID is a member of code.
func (g *Registry) Assign(connID, code string) {
	g.members[connID] = code
}

// Unassign forgets connID's membership.
func (g *Registry) Unassign(connID string) {
	delete(g.members, connID)
}

// RoomOf returns the code of the room connID occupies.
func (g *Registry) RoomOf(connID string) (string, bool) {
	code, ok := g.members[connID]
	return code, ok
}

// Len returns the number of live rooms.
func (g *Registry) Len() int { return len(g.rooms) }

// Summaries returns a code-ordered view of every room.
func (g *Registry) Summaries() []RoomSummary {
	out := make([]RoomSummary, 0, len(g.rooms))
	for code, r := range g.rooms {
		out = append(out, RoomSummary{Code: code, Players: r.Len(), Phase: r.Phase.String()})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Code < out[j].Code })
	return out
}
