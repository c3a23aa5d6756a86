package ws

import (
	"encoding/json"
	"sync"
)

// Hub is the registry of which sessions are in which document room.
type Hub struct {
	mu sync.RWMutex
	// objectID -> sessions; one user may hold several sessions
	rooms map[string]map[*Session]struct{}
}

func NewHub() *Hub {
	return &Hub{rooms: make(map[string]map[*Session]struct{})}
}

// Join adds s to the room and reports whether it was new there.
func (h *Hub) Join(objectID string, s *Session) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.rooms[objectID] == nil {
		h.rooms[objectID] = make(map[*Session]struct{})
	}
	if _, ok := h.rooms[objectID][s]; ok {
		return false
	}
	h.rooms[objectID][s] = struct{}{}
	return true
}

func (h *Hub) Leave(objectID string, s *Session) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if sessions, ok := h.rooms[objectID]; ok {
		delete(sessions, s)
		if len(sessions) == 0 {
			delete(h.rooms, objectID)
		}
	}
}

// Members is the number of sessions in the room.
func (h *Hub) Members(objectID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms[objectID])
}

func (h *Hub) sessions(objectID string) []*Session {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]*Session, 0, len(h.rooms[objectID]))
	for s := range h.rooms[objectID] {
		out = append(out, s)
	}
	return out
}

type PresenceMember struct {
	UserID   string `json:"userId"`
	Username string `json:"username,omitempty"`
}

// BroadcastPresence sends the member list to everyone in the room.
func (h *Hub) BroadcastPresence(objectID string, members []PresenceMember) {
	content, err := json.Marshal(members)
	if err != nil {
		return
	}
	for _, s := range h.sessions(objectID) {
		_ = s.Enqueue(NewEnvelope(objectID, TypeServerPresence, content))
	}
}
