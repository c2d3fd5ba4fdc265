// Package events implements the per-session event pipeline: the canonical
// event record, the fan-out hub that assigns sequence numbers and feeds
// live subscribers, and the persistence writer that commits the canonical
// subset to the metadata store.
//
// Two delivery classes flow through the hub:
//
//   - Persisted events: everything except partial message fragments.
//     Fanned out live and committed to the store for replay.
//   - Partial message fragments: fanned out live with a sequence number,
//     never persisted. The final message carries the concatenated
//     full_text and is persisted.
//
// Terminal kinds (agent_complete, error, cancelled) close every
// subscriber stream.
package events

import (
	"encoding/json"
	"time"
)

// Kind identifies the event variant and determines the payload schema.
type Kind string

const (
	KindAgentStart        Kind = "agent_start"
	KindUserMessage       Kind = "user_message"
	KindThinking          Kind = "thinking"
	KindMessage           Kind = "message"
	KindToolStart         Kind = "tool_start"
	KindToolComplete      Kind = "tool_complete"
	KindOutputDisplay     Kind = "output_display"
	KindAgentComplete     Kind = "agent_complete"
	KindMetricsUpdate     Kind = "metrics_update"
	KindError             Kind = "error"
	KindCancelled         Kind = "cancelled"
	KindConversationTurn  Kind = "conversation_turn"
	KindProfileSwitch     Kind = "profile_switch"
	KindHookTriggered     Kind = "hook_triggered"
	KindSessionConnect    Kind = "session_connect"
	KindSessionDisconnect Kind = "session_disconnect"
)

// IsTerminal reports whether the kind ends the stream.
func (k Kind) IsTerminal() bool {
	switch k {
	case KindAgentComplete, KindError, KindCancelled:
		return true
	}
	return false
}

// Event is one record in a session's stream. Sequence numbers are assigned
// by the hub, strictly increasing and dense on the live stream.
type Event struct {
	SessionID string    `json:"session_id"`
	Kind      Kind      `json:"type"`
	Sequence  int64     `json:"sequence"`
	Timestamp time.Time `json:"timestamp"`
	// Payload is one of the typed payload structs in this package, or a
	// json.RawMessage for events read back from the store.
	Payload any `json:"data"`
}

// wireEvent is the documented JSON shape: type, data, timestamp, sequence.
type wireEvent struct {
	Type      Kind            `json:"type"`
	Data      json.RawMessage `json:"data"`
	Timestamp time.Time       `json:"timestamp"`
	Sequence  int64           `json:"sequence"`
	SessionID string          `json:"session_id,omitempty"`
}

// MarshalWire serializes the event to the documented wire shape.
func (e *Event) MarshalWire() ([]byte, error) {
	data, err := json.Marshal(e.Payload)
	if err != nil {
		return nil, err
	}
	return json.Marshal(wireEvent{
		Type:      e.Kind,
		Data:      data,
		Timestamp: e.Timestamp.UTC(),
		Sequence:  e.Sequence,
		SessionID: e.SessionID,
	})
}

// PayloadJSON returns the payload serialized on its own, for persistence.
func (e *Event) PayloadJSON() ([]byte, error) {
	return json.Marshal(e.Payload)
}
