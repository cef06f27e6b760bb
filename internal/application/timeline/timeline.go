package timeline

import (
	"sort"
	"time"

	"github.com/gigmarket/gigmarket/internal/domain/message"
	"github.com/gigmarket/gigmarket/internal/domain/proposal"
)

// Kind tells message entries from activity entries.
type Kind string

const (
	KindMessage  Kind = "message"
	KindActivity Kind = "activity"
)

// Entry is one row of the merged conversation view.
type Entry struct {
	Key       string             `json:"key"`
	Kind      Kind               `json:"kind"`
	CreatedAt time.Time          `json:"createdAt"`
	Message   *message.Message   `json:"message,omitempty"`
	Activity  *proposal.Activity `json:"activity,omitempty"`
	// Actionable marks the one counter-offer the viewer may answer.
	Actionable bool `json:"actionable"`
}

// Viewer is who the timeline is rendered for.
type Viewer struct {
	ActorID  string
	Proposal *proposal.Proposal
}

// Merger builds the merged view and reuses unchanged entries between
// rebuilds, so callers can compare entries by pointer.
type Merger struct {
	prev map[string]*Entry
	last []*Entry
}

// Merge returns messages and activities ordered by creation time. Ties put
// messages first and then order by key. changed is false when the result is
// identical to the previous call.
func (m *Merger) Merge(messages []*message.Message, activities []*proposal.Activity, viewer Viewer) (entries []*Entry, changed bool) {
	actionable := actionableActivity(activities, viewer)

	next := make(map[string]*Entry, len(messages)+len(activities))
	entries = make([]*Entry, 0, len(messages)+len(activities))

	for _, msg := range messages {
		e := &Entry{Key: msg.Key(), Kind: KindMessage, CreatedAt: msg.CreatedAt, Message: msg}
		entries = append(entries, m.reuse(e, next))
	}
	for _, act := range activities {
		e := &Entry{Key: act.Key(), Kind: KindActivity, CreatedAt: act.CreatedAt, Activity: act, Actionable: act == actionable}
		entries = append(entries, m.reuse(e, next))
	}

	sort.SliceStable(entries, func(i, j int) bool { return less(entries[i], entries[j]) })

	changed = len(entries) != len(m.last)
	for i := 0; !changed && i < len(entries); i++ {
		changed = entries[i] != m.last[i]
	}
	m.prev = next
	m.last = entries
	return entries, changed
}

// reuse returns the previous entry for e.Key when nothing visible changed.
func (m *Merger) reuse(e *Entry, next map[string]*Entry) *Entry {
	if old, ok := m.prev[e.Key]; ok && same(old, e) {
		next[e.Key] = old
		return old
	}
	next[e.Key] = e
	return e
}

func less(a, b *Entry) bool {
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.Before(b.CreatedAt)
	}
	if a.Kind != b.Kind {
		return a.Kind == KindMessage
	}
	return a.Key < b.Key
}

func same(a, b *Entry) bool {
	if a.Kind != b.Kind || !a.CreatedAt.Equal(b.CreatedAt) || a.Actionable != b.Actionable {
		return false
	}
	if a.Kind == KindActivity {
		return a.Activity.ActivityID == b.Activity.ActivityID
	}
	x, y := a.Message, b.Message
	return x.MessageID == y.MessageID &&
		x.Status == y.Status &&
		x.IsDeleted == y.IsDeleted &&
		x.Text() == y.Text() &&
		attachmentURL(x) == attachmentURL(y) &&
		reason(x) == reason(y)
}

func attachmentURL(m *message.Message) string {
	if m.Attachment == nil {
		return ""
	}
	return m.Attachment.URL
}

func reason(m *message.Message) string {
	if m.RejectionReason == nil {
		return ""
	}
	return *m.RejectionReason
}

// actionableActivity picks the latest counter-offer, and only when the
// viewer is the party awaited on a pending proposal.
func actionableActivity(activities []*proposal.Activity, viewer Viewer) *proposal.Activity {
	p := viewer.Proposal
	if p == nil || p.Status != proposal.StatusPending {
		return nil
	}
	party, err := p.PartyOf(viewer.ActorID)
	if err != nil || !p.IsAwaiting(party) {
		return nil
	}
	var latest *proposal.Activity
	for _, a := range activities {
		if a.Type != proposal.ActivityCounterProposal || a.ProposalID != p.ProposalID {
			continue
		}
		if latest == nil || a.CreatedAt.After(latest.CreatedAt) || (a.CreatedAt.Equal(latest.CreatedAt) && a.ID > latest.ID) {
			latest = a
		}
	}
	if latest == nil || latest.ChangedBy == viewer.ActorID {
		return nil
	}
	return latest
}
