package relay

import "github.com/cory-johannsen/sketchrelay/internal/protocol"

// connected returns the number of registered connections.
func (r *Router) connected() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.boxes)
}

// members returns the connection ids in code's group, in no particular order.
func (r *Router) members(code string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	group := r.groups[code]
	out := make([]string, 0, len(group))
	for id := range group {
		out = append(out, id)
	}
	return out
}

// host returns the current host, if any.
func (r *Room) host() (protocol.Player, bool) {
	for _, p := range r.Players {
		if p.IsHost {
			return p, true
		}
	}
	return protocol.Player{}, false
}
