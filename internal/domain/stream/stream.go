package stream

import (
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// EventReset tells a viewer its stream was cut and it must back-fill.
const EventReset = "stream.reset"

// Event is one server-sent event. IDs increase for the life of the hub.
type Event struct {
	ID   string          `json:"id"`
	Name string          `json:"event"`
	Data json.RawMessage `json:"data"`
}

// Viewer is one open stream of a participant watching a conversation.
type Viewer struct {
	ID             string
	UserID         string
	ConversationID uuid.UUID
	ConnectedAt    time.Time
	Events         chan *Event

	once    sync.Once
	evicted atomic.Bool
}

// NewViewer creates a viewer with room for buffer pending events.
func NewViewer(userID string, conversationID uuid.UUID, buffer int) *Viewer {
	return &Viewer{
		ID:             uuid.NewString(),
		UserID:         userID,
		ConversationID: conversationID,
		ConnectedAt:    time.Now().UTC(),
		Events:         make(chan *Event, buffer),
	}
}

// Close ends the stream. It is safe to call more than once.
func (v *Viewer) Close() {
	v.once.Do(func() { close(v.Events) })
}

// Evict ends the stream because the viewer fell behind.
func (v *Viewer) Evict() {
	v.evicted.Store(true)
	v.Close()
}

// Evicted reports whether the stream ended because events were lost.
func (v *Viewer) Evicted() bool {
	return v.evicted.Load()
}

// Hub fans conversation events out to the participants watching them.
type Hub interface {
	Join(userID string, conversationID uuid.UUID) *Viewer
	Leave(v *Viewer)
	// Publish delivers an event to every viewer of the conversation and
	// returns how many received it.
	Publish(conversationID uuid.UUID, name string, data json.RawMessage) int
	Viewers(conversationID uuid.UUID) int
	Stop()
}
