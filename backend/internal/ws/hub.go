package ws

import (
	"sync"

	"collabCore/backend/internal/bus"
	"collabCore/backend/internal/cache"
	"collabCore/backend/internal/presence"
)

// Hub 持有网关这一侧的共享协作方（广播枢纽、在线注册表、redis 镜像），
// 并记着 docID -> 连接集合 的房间表。
// 房间里存的是连接不是用户：一个用户可开多个标签页，广播要逐连接投。
type Hub struct {
	events   *bus.Broadcaster
	presence *presence.Registry
	mirror   cache.PresenceCache // 可为 nil（单机不配 redis）

	mu    sync.RWMutex
	rooms map[string]map[*Conn]struct{}
}

func NewHub(events *bus.Broadcaster, reg *presence.Registry, mirror cache.PresenceCache) *Hub {
	return &Hub{
		events:   events,
		presence: reg,
		mirror:   mirror,
		rooms:    make(map[string]map[*Conn]struct{}),
	}
}

func (h *Hub) Join(docID string, c *Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.rooms[docID] == nil {
		h.rooms[docID] = make(map[*Conn]struct{})
	}
	h.rooms[docID][c] = struct{}{}
}

func (h *Hub) Leave(docID string, c *Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if conns, ok := h.rooms[docID]; ok {
		delete(conns, c)
		if len(conns) == 0 {
			delete(h.rooms, docID)
		}
	}
}

// RoomSize 排查 / 测试用。
func (h *Hub) RoomSize(docID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms[docID])
}
