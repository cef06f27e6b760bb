package sse

import (
	"encoding/json"
	"strconv"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/gigmarket/gigmarket/internal/domain/stream"
)

const defaultBuffer = 100

// Hub keeps one room per watched conversation. A viewer whose buffer is full
// when an event arrives is evicted: its stream ends with a reset so the
// client back-fills over the REST API instead of silently missing events.
type Hub struct {
	buffer int
	logger zerolog.Logger

	mu      sync.Mutex
	rooms   map[uuid.UUID]map[*stream.Viewer]struct{}
	seq     uint64
	stopped bool
}

// NewHub creates a hub. buffer is the per-viewer event backlog.
func NewHub(buffer int, logger zerolog.Logger) *Hub {
	if buffer <= 0 {
		buffer = defaultBuffer
	}
	return &Hub{
		buffer: buffer,
		logger: logger.With().Str("component", "sse_hub").Logger(),
		rooms:  make(map[uuid.UUID]map[*stream.Viewer]struct{}),
	}
}

// Join opens a stream for userID on a conversation. After Stop the returned
// viewer is already closed.
func (h *Hub) Join(userID string, conversationID uuid.UUID) *stream.Viewer {
	v := stream.NewViewer(userID, conversationID, h.buffer)
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.stopped {
		v.Close()
		return v
	}
	room, ok := h.rooms[conversationID]
	if !ok {
		room = make(map[*stream.Viewer]struct{})
		h.rooms[conversationID] = room
	}
	room[v] = struct{}{}
	return v
}

// Leave closes v. Leaving twice, or after eviction, is a no-op.
func (h *Hub) Leave(v *stream.Viewer) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.removeLocked(v)
	v.Close()
}

func (h *Hub) Publish(conversationID uuid.UUID, name string, data json.RawMessage) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	room := h.rooms[conversationID]
	if len(room) == 0 {
		return 0
	}
	h.seq++
	ev := &stream.Event{ID: strconv.FormatUint(h.seq, 10), Name: name, Data: data}

	delivered := 0
	for v := range room {
		select {
		case v.Events <- ev:
			delivered++
		default:
			h.logger.Warn().
				Str("conversation_id", conversationID.String()).
				Str("user_id", v.UserID).
				Msg("evicting lagging viewer")
			h.removeLocked(v)
			v.Evict()
		}
	}
	return delivered
}

func (h *Hub) Viewers(conversationID uuid.UUID) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.rooms[conversationID])
}

// Stop closes every stream and refuses new ones.
func (h *Hub) Stop() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.stopped = true
	for id, room := range h.rooms {
		for v := range room {
			v.Close()
		}
		delete(h.rooms, id)
	}
}

func (h *Hub) removeLocked(v *stream.Viewer) {
	room, ok := h.rooms[v.ConversationID]
	if !ok {
		return
	}
	delete(room, v)
	if len(room) == 0 {
		delete(h.rooms, v.ConversationID)
	}
}
