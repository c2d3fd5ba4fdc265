package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/agentum-ai/agentum/pkg/models"
)

// replayPage is the page size used when replaying persisted history into a
// new subscriber.
const replayPage = 1000

// Store is the slice of the metadata store the hub needs for sequence
// seeding and history replay.
type Store interface {
	LastSequence(ctx context.Context, sessionID string) (int64, error)
	ListEvents(ctx context.Context, sessionID string, afterSequence int64, limit int) ([]*models.EventRow, error)
}

// Hub is the per-session event pipeline stage. It assigns sequence numbers,
// fans events out to live subscribers, and feeds the persistence writer.
// All methods are safe for concurrent use.
type Hub struct {
	sessionID string
	store     Store
	log       *slog.Logger
	bufSize   int
	feed      chan *Event

	mu     sync.Mutex
	seq    int64
	subs   map[*subscriber]struct{}
	closed bool
}

type subscriber struct {
	ch     chan *Event
	lagged bool
	sent   int64
}

// NewHub creates the hub for a session, seeding the sequence counter from
// the highest persisted sequence so resumed runs continue the same stream.
func NewHub(ctx context.Context, sessionID string, store Store, bufSize int) (*Hub, error) {
	last, err := store.LastSequence(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to seed sequence for session %s: %w", sessionID, err)
	}
	if bufSize <= 0 {
		bufSize = 256
	}
	return &Hub{
		sessionID: sessionID,
		store:     store,
		log:       slog.With("component", "events.hub", "session_id", sessionID),
		bufSize:   bufSize,
		feed:      make(chan *Event, 4096),
		seq:       last,
		subs:      make(map[*subscriber]struct{}),
	}, nil
}

// Feed is the channel the persistence writer drains. It is closed after the
// terminal event has been enqueued.
func (h *Hub) Feed() <-chan *Event { return h.feed }

// LastSequence returns the most recently assigned sequence number.
func (h *Hub) LastSequence() int64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.seq
}

// SubscriberCount returns the number of attached live subscribers.
func (h *Hub) SubscriberCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

// Closed reports whether a terminal event has passed through the hub.
func (h *Hub) Closed() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.closed
}

// Publish assigns the next sequence number and timestamp, enqueues the event
// for persistence, and fans it out to live subscribers. A subscriber whose
// buffer is full is dropped rather than allowed to stall the stream. A
// terminal kind closes every subscriber and the persistence feed.
func (h *Hub) Publish(kind Kind, payload any) *Event {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		h.log.Warn("Event published after terminal event dropped", "type", string(kind))
		return nil
	}
	h.seq++
	ev := &Event{
		SessionID: h.sessionID,
		Kind:      kind,
		Sequence:  h.seq,
		Timestamp: time.Now().UTC(),
		Payload:   payload,
	}

	// Snapshot under lock, send unlocked.
	targets := make([]*subscriber, 0, len(h.subs))
	for s := range h.subs {
		targets = append(targets, s)
	}
	terminal := kind.IsTerminal()
	if terminal {
		h.closed = true
	}
	h.mu.Unlock()

	h.feed <- ev

	var dropped []*subscriber
	for _, s := range targets {
		select {
		case s.ch <- ev:
			s.sent++
		default:
			s.lagged = true
			dropped = append(dropped, s)
		}
	}

	if len(dropped) > 0 || terminal {
		h.mu.Lock()
		for _, s := range dropped {
			if _, ok := h.subs[s]; ok {
				delete(h.subs, s)
				close(s.ch)
				h.log.Warn("Subscriber dropped: buffer full",
					"buffer", h.bufSize, "delivered", s.sent)
			}
		}
		if terminal {
			for s := range h.subs {
				delete(h.subs, s)
				close(s.ch)
			}
		}
		h.mu.Unlock()
	}

	if terminal {
		close(h.feed)
	}
	return ev
}

// Subscribe attaches a consumer to the session stream. Events with sequence
// greater than afterSequence are delivered exactly once and in order:
// persisted history is replayed first, then the live stream, with events
// that arrived during replay deduplicated by sequence number.
//
// The returned channel is closed when the stream ends, the subscriber lags
// behind, or ctx is cancelled. A lagged subscriber receives one synthetic
// error event before the close.
func (h *Hub) Subscribe(ctx context.Context, afterSequence int64) <-chan *Event {
	if afterSequence < 0 {
		afterSequence = 0
	}
	sub := &subscriber{ch: make(chan *Event, h.bufSize)}

	h.mu.Lock()
	streamEnded := h.closed
	if !streamEnded {
		h.subs[sub] = struct{}{}
	}
	h.mu.Unlock()

	out := make(chan *Event, 16)
	go h.deliver(ctx, sub, out, afterSequence, streamEnded)
	return out
}

// Unsubscribe detaches a subscriber early. Safe to call after the stream
// has ended.
func (h *Hub) unsubscribe(sub *subscriber) {
	h.mu.Lock()
	if _, ok := h.subs[sub]; ok {
		delete(h.subs, sub)
		close(sub.ch)
	}
	h.mu.Unlock()
}

func (h *Hub) deliver(ctx context.Context, sub *subscriber, out chan<- *Event, afterSequence int64, streamEnded bool) {
	defer close(out)

	maxSeen := afterSequence
	for {
		rows, err := h.store.ListEvents(ctx, h.sessionID, maxSeen, replayPage)
		if err != nil {
			h.log.Error("History replay failed", "error", err)
			h.unsubscribe(sub)
			return
		}
		for _, row := range rows {
			ev := FromRow(row)
			select {
			case out <- ev:
				maxSeen = ev.Sequence
			case <-ctx.Done():
				h.unsubscribe(sub)
				return
			}
		}
		if len(rows) < replayPage {
			break
		}
	}

	if streamEnded {
		return
	}

	for {
		select {
		case ev, ok := <-sub.ch:
			if !ok {
				if sub.lagged {
					h.sendLagNotice(ctx, out, maxSeen)
				}
				return
			}
			if ev.Sequence <= maxSeen {
				continue
			}
			select {
			case out <- ev:
				maxSeen = ev.Sequence
			case <-ctx.Done():
				h.unsubscribe(sub)
				return
			}
			if ev.Kind.IsTerminal() {
				h.unsubscribe(sub)
				return
			}
		case <-ctx.Done():
			h.unsubscribe(sub)
			return
		}
	}
}

// sendLagNotice pushes the synthetic stream-lag error to a dropped
// subscriber. The notice is not part of the session stream and carries no
// sequence advance.
func (h *Hub) sendLagNotice(ctx context.Context, out chan<- *Event, lastSeq int64) {
	notice := &Event{
		SessionID: h.sessionID,
		Kind:      KindError,
		Sequence:  lastSeq,
		Timestamp: time.Now().UTC(),
		Payload: ErrorPayload{
			Message:   "event stream fell behind; reconnect with ?after= to resume",
			ErrorType: "subscriber_lagged",
		},
	}
	select {
	case out <- notice:
	case <-ctx.Done():
	}
}

// FromRow reconstructs a stream event from its persisted form. The payload
// stays raw JSON.
func FromRow(row *models.EventRow) *Event {
	return &Event{
		SessionID: row.SessionID,
		Kind:      Kind(row.EventType),
		Sequence:  row.Sequence,
		Timestamp: row.Timestamp,
		Payload:   json.RawMessage(row.Data),
	}
}
