package models

import "time"

// EventRow is the persisted form of a session event. The live wire form
// lives in pkg/events; only the canonical subset of the stream is stored
// (partial message fragments are assigned sequences but never written).
type EventRow struct {
	SessionID string    `db:"session_id" json:"session_id"`
	Sequence  int64     `db:"sequence" json:"sequence"`
	EventType string    `db:"event_type" json:"type"`
	Data      string    `db:"data" json:"-"`
	Timestamp time.Time `db:"timestamp" json:"timestamp"`
}
