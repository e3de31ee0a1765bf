package relay

import (
	"sync"

	"go.uber.org/zap"

	"github.com/cory-johannsen/sketchrelay/internal/protocol"
)

// Router delivers encoded events to connection outboxes. It owns the
// broadcast groups (room code → member connection ids). Delivery is
// fire-and-forget: a closed or full outbox drops the event with a warning.
// All methods are safe for concurrent use.
type Router struct {
	mu     sync.RWMutex
	boxes  map[string]*Outbox             // conn id → outbox
	groups map[string]map[string]struct{} // room code → conn ids
	size   int
	logger *zap.Logger
}

// NewRouter creates a Router whose outboxes hold up to outboxSize events.
//
// Precondition: logger must be non-nil.
func NewRouter(outboxSize int, logger *zap.Logger) *Router {
	return &Router{
		boxes:  make(map[string]*Outbox),
		groups: make(map[string]map[string]struct{}),
		size:   outboxSize,
		logger: logger,
	}
}

// Register creates the outbox for a new connection.
//
// Postcondition: Returns the outbox; a previous outbox for id is closed and replaced.
func (r *Router) Register(id string) *Outbox {
	box := NewOutbox(id, r.size)
	r.mu.Lock()
	old := r.boxes[id]
	r.boxes[id] = box
	r.mu.Unlock()
	if old != nil {
		old.Close()
	}
	return box
}

// Unregister closes and forgets the connection's outbox and group memberships.
func (r *Router) Unregister(id string) {
	r.mu.Lock()
	box := r.boxes[id]
	delete(r.boxes, id)
	for code, members := range r.groups {
		delete(members, id)
		if len(members) == 0 {
			delete(r.groups, code)
		}
	}
	r.mu.Unlock()
	if box != nil {
		box.Close()
	}
}

// Join adds id to the broadcast group of code.
func (r *Router) Join(code, id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	members, ok := r.groups[code]
	if !ok {
		members = make(map[string]struct{})
		r.groups[code] = members
	}
	members[id] = struct{}{}
}

// Leave removes id from the broadcast group of code.
func (r *Router) Leave(code, id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	members, ok := r.groups[code]
	if !ok {
		return
	}
	delete(members, id)
	if len(members) == 0 {
		delete(r.groups, code)
	}
}

// ToSender delivers an event to a single connection.
func (r *Router) ToSender(id, evType string, payload any) {
	data, ok := r.encode(evType, payload)
	if !ok {
		return
	}
	r.mu.RLock()
	box := r.boxes[id]
	r.mu.RUnlock()
	r.push(box, id, evType, data)
}

// ToAll delivers an event to every member of code's group.
func (r *Router) ToAll(code, evType string, payload any) {
	r.fanOut(code, "", evType, payload)
}

// ToAllExcept delivers an event to every member of code's group except sender.
func (r *Router) ToAllExcept(code, sender, evType string, payload any) {
	r.fanOut(code, sender, evType, payload)
}

func (r *Router) fanOut(code, exclude, evType string, payload any) {
	data, ok := r.encode(evType, payload)
	if !ok {
		return
	}

	r.mu.RLock()
	targets := make([]*Outbox, 0, len(r.groups[code]))
	for id := range r.groups[code] {
		if id == exclude {
			continue
		}
		if box := r.boxes[id]; box != nil {
			targets = append(targets, box)
		}
	}
	r.mu.RUnlock()

	for _, box := range targets {
		r.push(box, box.ID(), evType, data)
	}
}

func (r *Router) encode(evType string, payload any) ([]byte, bool) {
	data, err := protocol.Encode(evType, payload)
	if err != nil {
		r.logger.Error("encoding outbound event",
			zap.String("event", evType),
			zap.Error(err),
		)
		return nil, false
	}
	return data, true
}

func (r *Router) push(box *Outbox, id, evType string, data []byte) {
	if box == nil {
		r.logger.Debug("no outbox for connection",
			zap.String("conn", id),
			zap.String("event", evType),
		)
		return
	}
	if err := box.Push(data); err != nil {
		r.logger.Warn("push to outbox failed",
			zap.String("conn", id),
			zap.String("event", evType),
			zap.Error(err),
		)
	}
}
