package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/agentum-ai/agentum/pkg/models"
	"github.com/agentum-ai/agentum/pkg/storage"
)

// writeAttempts bounds the retries for one event row.
const writeAttempts = 3

// StoreWriter is the insert side of the metadata store.
type StoreWriter interface {
	InsertEvent(ctx context.Context, row *models.EventRow) error
}

// Writer drains a hub's persistence feed and commits the canonical subset
// of the stream. Partial message fragments are skipped; the final message
// is folded so the stored text is the full concatenated content.
type Writer struct {
	store StoreWriter
	log   *slog.Logger

	// OnResumeID is invoked once with the agent-native conversation id
	// extracted from the agent_start event.
	OnResumeID func(resumeID string)

	// OnFailure is invoked when an event cannot be persisted after
	// retries. The run should be aborted; the stream is no longer
	// replayable past this point.
	OnFailure func(err error)
}

// NewWriter creates a persistence writer for one session's feed.
func NewWriter(store StoreWriter, sessionID string) *Writer {
	return &Writer{
		store: store,
		log:   slog.With("component", "events.writer", "session_id", sessionID),
	}
}

// Run consumes the feed until it is closed or a write permanently fails.
// It is meant to run on its own goroutine for the lifetime of the hub.
func (w *Writer) Run(ctx context.Context, feed <-chan *Event) {
	sawResume := false
	for ev := range feed {
		if kind, resumeID := w.inspect(ev); kind == KindAgentStart && resumeID != "" && !sawResume {
			sawResume = true
			if w.OnResumeID != nil {
				w.OnResumeID(resumeID)
			}
		}

		row, persist := w.toRow(ev)
		if !persist {
			continue
		}
		if err := w.writeWithRetry(ctx, row); err != nil {
			if errors.Is(err, storage.ErrDuplicateSequence) {
				w.log.Warn("Duplicate sequence skipped", "sequence", row.Sequence)
				continue
			}
			w.log.Error("Event persistence failed, aborting run",
				"sequence", row.Sequence, "type", row.EventType, "error", err)
			if w.OnFailure != nil {
				w.OnFailure(err)
			}
			return
		}
	}
}

// inspect extracts the resume id from an agent_start payload.
func (w *Writer) inspect(ev *Event) (Kind, string) {
	if ev.Kind != KindAgentStart {
		return ev.Kind, ""
	}
	switch p := ev.Payload.(type) {
	case AgentStartPayload:
		return ev.Kind, p.SessionID
	case *AgentStartPayload:
		return ev.Kind, p.SessionID
	case json.RawMessage:
		var start AgentStartPayload
		if err := json.Unmarshal(p, &start); err == nil {
			return ev.Kind, start.SessionID
		}
	}
	return ev.Kind, ""
}

// toRow converts a stream event to its persisted form, deciding whether it
// should be stored at all.
func (w *Writer) toRow(ev *Event) (*models.EventRow, bool) {
	payload := ev.Payload

	switch p := payload.(type) {
	case MessagePayload:
		if p.IsPartial {
			return nil, false
		}
		payload = foldMessage(p)
	case *MessagePayload:
		if p.IsPartial {
			return nil, false
		}
		payload = foldMessage(*p)
	}

	data, err := json.Marshal(payload)
	if err != nil {
		w.log.Error("Event payload not serializable, skipped",
			"sequence", ev.Sequence, "type", string(ev.Kind), "error", err)
		return nil, false
	}

	seq := ev.Sequence
	if seq < 0 {
		w.log.Warn("Negative sequence clamped", "sequence", seq)
		seq = 0
	}

	return &models.EventRow{
		SessionID: ev.SessionID,
		Sequence:  seq,
		EventType: string(ev.Kind),
		Data:      string(data),
		Timestamp: ev.Timestamp,
	}, true
}

// foldMessage rewrites the final message so the stored text is the complete
// content, not the last delta.
func foldMessage(p MessagePayload) MessagePayload {
	if p.FullText != "" {
		p.Text = p.FullText
		p.FullText = ""
	}
	p.IsPartial = false
	return p
}

func (w *Writer) writeWithRetry(ctx context.Context, row *models.EventRow) error {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 50 * time.Millisecond
	bo.Multiplier = 2
	bo.MaxElapsedTime = 0

	attempt := 0
	op := func() error {
		attempt++
		err := w.store.InsertEvent(ctx, row)
		if err == nil {
			return nil
		}
		if errors.Is(err, storage.ErrDuplicateSequence) {
			return backoff.Permanent(err)
		}
		if attempt >= writeAttempts {
			return backoff.Permanent(fmt.Errorf("after %d attempts: %w", attempt, err))
		}
		w.log.Warn("Event write failed, retrying",
			"sequence", row.Sequence, "attempt", attempt, "error", err)
		return err
	}
	return backoff.Retry(op, backoff.WithContext(bo, ctx))
}
