package message

import (
	"errors"
	"math/rand"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"

	"github.com/gigmarket/gigmarket/internal/domain/attachment"
	"github.com/gigmarket/gigmarket/internal/domain/clock"
)

// Status represents the delivery status of a message.
type Status string

const (
	StatusSending   Status = "sending"
	StatusSent      Status = "sent"
	StatusDelivered Status = "delivered"
	StatusRead      Status = "read"
	StatusRejected  Status = "rejected"
)

// MaxContentLength bounds message text in runes.
const MaxContentLength = 5000

// PendingPrefix marks client keys of messages not yet stored.
const PendingPrefix = "pending-"

var (
	ErrInvalidTransition = errors.New("invalid message status transition")
	ErrEmptyMessage      = errors.New("message must have content or an attachment")
	ErrContentTooLong    = errors.New("message content is too long")
	ErrNotSender         = errors.New("only the sender can delete a message")
)

var progress = map[Status]int{
	StatusSending:   0,
	StatusSent:      1,
	StatusDelivered: 2,
	StatusRead:      3,
}

// CanTransitionTo reports whether s may move to target. Delivery status only
// moves forward; rejection is only possible before the message is stored.
func (s Status) CanTransitionTo(target Status) bool {
	if s == StatusRejected {
		return false
	}
	if target == StatusRejected {
		return s == StatusSending
	}
	from, ok := progress[s]
	if !ok {
		return false
	}
	to, ok := progress[target]
	return ok && to > from
}

// ID identifies a message either by its durable id or, before the store
// acknowledged it, by a client-generated key.
type ID struct {
	durable   uuid.UUID
	clientKey string
}

func Durable(id uuid.UUID) ID     { return ID{durable: id} }
func Pending(clientKey string) ID { return ID{clientKey: clientKey} }
func (i ID) IsPending() bool      { return i.durable == uuid.Nil }
func (i ID) ClientKey() string    { return i.clientKey }

func (i ID) DurableID() (uuid.UUID, bool) {
	return i.durable, i.durable != uuid.Nil
}

func (i ID) String() string {
	if i.IsPending() {
		return i.clientKey
	}
	return i.durable.String()
}

var (
	keyMu      sync.Mutex
	keyEntropy = ulid.Monotonic(rand.New(rand.NewSource(time.Now().UnixNano())), 0)
)

// NewClientKey returns a time-sortable key for an optimistic message.
func NewClientKey() string {
	keyMu.Lock()
	defer keyMu.Unlock()
	return PendingPrefix + ulid.MustNew(ulid.Now(), keyEntropy).String()
}

// IsPendingKey reports whether key was produced by NewClientKey.
func IsPendingKey(key string) bool {
	return strings.HasPrefix(key, PendingPrefix)
}

// Message is one chat entry. Content is nil for attachment-only and deleted messages.
type Message struct {
	ID              int64                  `json:"-"`
	MessageID       uuid.UUID              `json:"id"`
	ClientKey       string                 `json:"clientKey,omitempty"`
	ConversationID  uuid.UUID              `json:"conversationId"`
	SenderID        string                 `json:"senderId"`
	Content         *string                `json:"content,omitempty"`
	Attachment      *attachment.Attachment `json:"attachment,omitempty"`
	Status          Status                 `json:"status"`
	RejectionReason *string                `json:"rejectionReason,omitempty"`
	IsDeleted       bool                   `json:"isDeleted"`
	CreatedAt       time.Time              `json:"createdAt"`
	DeliveredAt     *time.Time             `json:"deliveredAt,omitempty"`
	ReadAt          *time.Time             `json:"readAt,omitempty"`
}

// NewPending creates an optimistic message in the sending state.
func NewPending(conversationID uuid.UUID, senderID string, content string, att *attachment.Attachment) *Message {
	m := &Message{
		ClientKey:      NewClientKey(),
		ConversationID: conversationID,
		SenderID:       senderID,
		Attachment:     att,
		Status:         StatusSending,
		CreatedAt:      clock.Now(),
	}
	if c := strings.TrimSpace(content); c != "" {
		m.Content = &c
	}
	return m
}

// Ref returns the tagged identity of the message.
func (m *Message) Ref() ID {
	if m.MessageID != uuid.Nil {
		return Durable(m.MessageID)
	}
	return Pending(m.ClientKey)
}

// Key is the stable rendering key. A locally originated message keeps its
// client key after the store acknowledges it.
func (m *Message) Key() string {
	if m.ClientKey != "" {
		return "message:" + m.ClientKey
	}
	return "message:" + m.MessageID.String()
}

// Text returns the content or an empty string.
func (m *Message) Text() string {
	if m.Content == nil {
		return ""
	}
	return *m.Content
}

// Clone returns a copy that shares no pointers with m.
func (m *Message) Clone() *Message {
	if m == nil {
		return nil
	}
	c := *m
	if m.Content != nil {
		v := *m.Content
		c.Content = &v
	}
	if m.Attachment != nil {
		a := *m.Attachment
		c.Attachment = &a
	}
	if m.RejectionReason != nil {
		v := *m.RejectionReason
		c.RejectionReason = &v
	}
	if m.DeliveredAt != nil {
		v := *m.DeliveredAt
		c.DeliveredAt = &v
	}
	if m.ReadAt != nil {
		v := *m.ReadAt
		c.ReadAt = &v
	}
	return &c
}

// Acknowledge records the durable identity assigned by the store.
func (m *Message) Acknowledge(id uuid.UUID, createdAt time.Time) error {
	if !m.Status.CanTransitionTo(StatusSent) {
		return ErrInvalidTransition
	}
	m.MessageID = id
	m.Status = StatusSent
	if !createdAt.IsZero() {
		m.CreatedAt = createdAt
	}
	return nil
}

// MarkDelivered marks the message as delivered to the recipient.
func (m *Message) MarkDelivered(at time.Time) error {
	if !m.Status.CanTransitionTo(StatusDelivered) {
		return ErrInvalidTransition
	}
	m.Status = StatusDelivered
	m.DeliveredAt = &at
	return nil
}

// MarkRead marks the message as read by the recipient.
func (m *Message) MarkRead(at time.Time) error {
	if !m.Status.CanTransitionTo(StatusRead) {
		return ErrInvalidTransition
	}
	m.Status = StatusRead
	m.ReadAt = &at
	return nil
}

// Reject marks a send attempt as failed. The entry stays visible.
func (m *Message) Reject(reason string) error {
	if !m.Status.CanTransitionTo(StatusRejected) {
		return ErrInvalidTransition
	}
	m.Status = StatusRejected
	m.RejectionReason = &reason
	return nil
}

// SoftDelete hides the content but keeps the entry in the timeline.
func (m *Message) SoftDelete(by string) error {
	if m.SenderID != by {
		return ErrNotSender
	}
	m.Content = nil
	m.Attachment = nil
	m.IsDeleted = true
	return nil
}

// Merge folds a newer observation of the same message into m. Status never
// regresses and deletion is sticky. The one exception is a send the client
// marked rejected that did reach the store: the stored copy carrying the same
// client key wins.
func (m *Message) Merge(other *Message) {
	committed := m.committedBy(other)
	if other.MessageID != uuid.Nil {
		m.MessageID = other.MessageID
	}
	if (m.Status == StatusSending || committed) && other.Status != StatusSending {
		m.CreatedAt = other.CreatedAt
	}
	switch {
	case committed:
		m.Status = other.Status
		m.RejectionReason = other.RejectionReason
	case m.Status != other.Status && m.Status.CanTransitionTo(other.Status):
		m.Status = other.Status
		m.RejectionReason = other.RejectionReason
	}
	if other.DeliveredAt != nil {
		m.DeliveredAt = other.DeliveredAt
	}
	if other.ReadAt != nil {
		m.ReadAt = other.ReadAt
	}
	if other.IsDeleted {
		m.IsDeleted = true
		m.Content = nil
		m.Attachment = nil
	}
}

// committedBy reports whether other is the stored copy of a send m gave up on.
func (m *Message) committedBy(other *Message) bool {
	return m.Status == StatusRejected && m.MessageID == uuid.Nil &&
		other.MessageID != uuid.Nil && other.Status != StatusRejected &&
		m.ClientKey != "" && other.ClientKey == m.ClientKey
}

// ValidateContent checks a send attempt before any store call.
func ValidateContent(content string, hasAttachment bool) error {
	c := strings.TrimSpace(content)
	if c == "" && !hasAttachment {
		return ErrEmptyMessage
	}
	if utf8.RuneCountInString(c) > MaxContentLength {
		return ErrContentTooLong
	}
	return nil
}

// Cursor points at the oldest loaded message for keyset pagination.
type Cursor struct {
	CreatedAt time.Time
	MessageID uuid.UUID
}

// CursorOf returns the cursor positioned at m.
func CursorOf(m *Message) *Cursor {
	return &Cursor{CreatedAt: m.CreatedAt, MessageID: m.MessageID}
}

// Precedes reports whether m sorts strictly before the cursor position.
func (c *Cursor) Precedes(m *Message) bool {
	if c == nil {
		return true
	}
	if m.CreatedAt.Equal(c.CreatedAt) {
		return m.MessageID.String() < c.MessageID.String()
	}
	return m.CreatedAt.Before(c.CreatedAt)
}
