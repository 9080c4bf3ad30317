package gateway

import (
	"sync"
)

// GlobalRoom receives every event; only elevated principals join it.
const GlobalRoom = "global"

// TenantRoom names the tenant-scoped room. Pure function of the tenant id.
func TenantRoom(tenantID string) string {
	return "tenant:" + tenantID
}

// Hub is the instance-local room bookkeeping: which of this instance's
// connections receive a given broadcast. Cluster-wide room semantics are
// realized through the shared store's channel naming, not a shared
// membership table.
type Hub struct {
	mu    sync.RWMutex
	rooms map[string]map[*Client]bool
}

func NewHub() *Hub {
	return &Hub{rooms: make(map[string]map[*Client]bool)}
}

func (h *Hub) Join(room string, c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.rooms[room] == nil {
		h.rooms[room] = make(map[*Client]bool)
	}
	h.rooms[room][c] = true
}

func (h *Hub) Leave(room string, c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if members, ok := h.rooms[room]; ok {
		delete(members, c)
		if len(members) == 0 {
			delete(h.rooms, room)
		}
	}
}

// LeaveAll removes the client from every room and returns the rooms left.
func (h *Hub) LeaveAll(c *Client) []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	var left []string
	for room, members := range h.rooms {
		if members[c] {
			delete(members, c)
			left = append(left, room)
			if len(members) == 0 {
				delete(h.rooms, room)
			}
		}
	}
	return left
}

// Broadcast sends data to every local member of the room. Delivery is
// best-effort per client (slow consumers drop). Returns the member count.
func (h *Hub) Broadcast(room string, data []byte) int {
	h.mu.RLock()
	members := make([]*Client, 0, len(h.rooms[room]))
	for c := range h.rooms[room] {
		members = append(members, c)
	}
	h.mu.RUnlock()

	for _, c := range members {
		c.trySend(data)
	}
	return len(members)
}

// BroadcastExcept sends data to members of room that are not also members of
// except. Used for global deliveries of tenant-scoped events: an elevated
// client in the event's own tenant already received it on the tenant room,
// and must not see it twice.
func (h *Hub) BroadcastExcept(room, except string, data []byte) int {
	h.mu.RLock()
	members := make([]*Client, 0, len(h.rooms[room]))
	for c := range h.rooms[room] {
		if !h.rooms[except][c] {
			members = append(members, c)
		}
	}
	h.mu.RUnlock()

	for _, c := range members {
		c.trySend(data)
	}
	return len(members)
}

func (h *Hub) RoomCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms)
}

// Members returns the number of local members in the room.
func (h *Hub) Members(room string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms[room])
}
