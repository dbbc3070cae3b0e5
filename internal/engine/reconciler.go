package engine

import (
	"chatsync/internal/chat"
)

// Reconciler merges the one-shot historical snapshot, the live stream, and
// locally authored messages into the single ordered log the presentation
// layer renders. The log is append-only: once an entry is committed its
// relative position never changes. Live and pending events that arrive
// before the snapshot resolves are buffered and committed right after it,
// preserving their arrival order.
//
// The reconciler is not safe for concurrent use; the engine serializes all
// access under its own lock.
type Reconciler struct {
	log      []chat.Message
	buffered []chat.Message

	snapshotDone bool

	// persisted counts messages known to exist server-side: the snapshot,
	// live arrivals (persisted by the peer's write path), and own writes
	// confirmed by the write API. Used to size the reconnect gap-fill.
	persisted int
}

// NewReconciler returns an empty reconciler for a fresh conversation.
func NewReconciler() *Reconciler {
	return &Reconciler{}
}

// SetSnapshot commits the historical snapshot in server order and flushes
// any buffered local events after it. A failed history fetch resolves as an
// empty snapshot so buffered events still commit. Later snapshots for the
// same conversation go through FillGap instead; a second SetSnapshot is
// ignored.
func (r *Reconciler) SetSnapshot(snapshot []chat.Message) {
	if r.snapshotDone {
		return
	}
	r.snapshotDone = true

	r.log = make([]chat.Message, 0, len(snapshot)+len(r.buffered))
	for _, m := range snapshot {
		m.Origin = chat.OriginHistorical
		r.log = append(r.log, m)
	}
	r.persisted += len(snapshot)

	r.log = append(r.log, r.buffered...)
	r.buffered = nil
}

// AddPending appends a locally authored message immediately, before any
// network confirmation.
func (r *Reconciler) AddPending(m chat.Message) {
	m.Origin = chat.OriginPendingSend
	if m.Status == "" {
		m.Status = chat.DeliveryPending
	}
	if r.snapshotDone {
		r.log = append(r.log, m)
	} else {
		r.buffered = append(r.buffered, m)
	}
}

// AddLive ingests a live payload. An echo of an own pending message, keyed
// by client id and sender, is suppressed: the pending entry is marked
// confirmed and the echo never enters the log. Everything else is appended
// (or buffered while the snapshot is outstanding). Reports whether the
// payload produced a new log entry.
func (r *Reconciler) AddLive(p chat.WirePayload) bool {
	// A suppressed echo does not count toward the persisted total; the
	// write-API confirmation already did.
	if p.ClientID != "" && r.confirmEcho(p) {
		return false
	}
	r.persisted++

	m := chat.Message{
		ID:       p.ClientID,
		Text:     p.Text,
		SenderID: p.SenderID,
		Origin:   chat.OriginLive,
	}
	if r.snapshotDone {
		r.log = append(r.log, m)
	} else {
		r.buffered = append(r.buffered, m)
	}
	return true
}

// confirmEcho finds a pending entry matching the payload's client id and
// sender and marks it confirmed by the channel.
func (r *Reconciler) confirmEcho(p chat.WirePayload) bool {
	if m := r.findPending(p.ClientID, p.SenderID); m != nil {
		m.Status = chat.DeliveryConfirmed
		return true
	}
	return false
}

// MarkConfirmed transitions a pending entry to confirmed on write-API
// success.
func (r *Reconciler) MarkConfirmed(id string) {
	if m := r.find(id); m != nil {
		m.Status = chat.DeliveryConfirmed
	}
}

// MarkFailed transitions a pending entry to failed on write-API failure.
// The entry stays in the log, visually distinguishable, never rolled back.
func (r *Reconciler) MarkFailed(id string) {
	if m := r.find(id); m != nil {
		m.Status = chat.DeliveryFailed
	}
}

// RecordWrite counts a write-API success toward the persisted total.
func (r *Reconciler) RecordWrite() {
	r.persisted++
}

// FillGap merges a re-fetched snapshot after a reconnect. Messages sent by
// the peer during the outage show up as a snapshot tail beyond the count of
// messages already known to be persisted; that tail is appended in server
// order. Reports how many entries were added.
func (r *Reconciler) FillGap(snapshot []chat.Message) int {
	if !r.snapshotDone {
		r.SetSnapshot(snapshot)
		return len(snapshot)
	}

	missing := len(snapshot) - r.persisted
	if missing <= 0 {
		return 0
	}

	for _, m := range snapshot[len(snapshot)-missing:] {
		m.Origin = chat.OriginHistorical
		r.log = append(r.log, m)
	}
	r.persisted += missing
	return missing
}

// Messages returns a read-only copy of the committed log.
func (r *Reconciler) Messages() []chat.Message {
	out := make([]chat.Message, len(r.log))
	copy(out, r.log)
	return out
}

// Reset discards the log entirely. Called when the conversation is closed;
// nothing is cached across conversations.
func (r *Reconciler) Reset() {
	r.log = nil
	r.buffered = nil
	r.snapshotDone = false
	r.persisted = 0
}

func (r *Reconciler) find(id string) *chat.Message {
	for i := range r.log {
		if r.log[i].ID == id && r.log[i].Origin == chat.OriginPendingSend {
			return &r.log[i]
		}
	}
	for i := range r.buffered {
		if r.buffered[i].ID == id && r.buffered[i].Origin == chat.OriginPendingSend {
			return &r.buffered[i]
		}
	}
	return nil
}

func (r *Reconciler) findPending(id string, senderID int64) *chat.Message {
	m := r.find(id)
	if m == nil || m.SenderID != senderID {
		return nil
	}
	return m
}
