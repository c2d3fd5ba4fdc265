package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/agentum-ai/agentum/pkg/config"
	"github.com/agentum-ai/agentum/pkg/events"
	"github.com/agentum-ai/agentum/pkg/models"
	"github.com/agentum-ai/agentum/pkg/permissions"
	"github.com/agentum-ai/agentum/pkg/runner"
	"github.com/agentum-ai/agentum/pkg/sessionfs"
	"github.com/agentum-ai/agentum/pkg/storage"
)

const (
	defaultListLimit = 20
	maxListLimit     = 100
	maxTaskBytes     = 64 << 10
)

// cancelledResumePreamble frames the new task when continuing a run that
// was cancelled mid-flight.
const cancelledResumePreamble = "The previous run was cancelled before it finished. " +
	"Review the workspace state and continue.\n\n"

// RunRequest starts a new session.
type RunRequest struct {
	Task           string `json:"task" binding:"required"`
	Model          string `json:"model"`
	MaxTurns       int    `json:"max_turns"`
	TimeoutSeconds int    `json:"timeout_seconds"`
}

// ResumeRequest continues a finished session's conversation. An empty task
// defaults to "continue".
type ResumeRequest struct {
	Task           string `json:"task"`
	Fork           bool   `json:"fork"`
	TimeoutSeconds int    `json:"timeout_seconds"`
}

// TaskResult pairs the final session record with the agent's structured
// output document.
type TaskResult struct {
	Session *models.Session       `json:"session"`
	Result  *sessionfs.TaskOutput `json:"result"`
}

// SessionService implements the session lifecycle: the two-phase create,
// run supervision hand-off, cancel, resume, and result assembly.
type SessionService struct {
	cfg     *config.Config
	store   *storage.Client
	fs      *sessionfs.Manager
	hubs    *events.Registry
	runs    *runner.Registry
	sup     *runner.Supervisor
	profile *permissions.Profile
	log     *slog.Logger

	wg sync.WaitGroup
}

// NewSessionService wires the session service.
func NewSessionService(cfg *config.Config, store *storage.Client, fs *sessionfs.Manager,
	hubs *events.Registry, runs *runner.Registry, sup *runner.Supervisor,
	profile *permissions.Profile) *SessionService {
	return &SessionService{
		cfg:     cfg,
		store:   store,
		fs:      fs,
		hubs:    hubs,
		runs:    runs,
		sup:     sup,
		profile: profile,
		log:     slog.With("component", "sessions"),
	}
}

// Run creates a session and starts its agent run. Creation is two-phase:
// the directory tree first, then the database row; a row failure rolls the
// directory back so the two stores never disagree.
func (s *SessionService) Run(ctx context.Context, userID string, req RunRequest) (*models.Session, error) {
	task := strings.TrimSpace(req.Task)
	if task == "" {
		return nil, NewValidationError("task", "must not be empty")
	}
	if len(task) > maxTaskBytes {
		return nil, NewValidationError("task", fmt.Sprintf("exceeds %d bytes", maxTaskBytes))
	}
	model := req.Model
	if model == "" {
		model = s.cfg.Sessions.DefaultModel
	}
	maxTurns := req.MaxTurns
	if maxTurns <= 0 {
		maxTurns = s.cfg.Sessions.DefaultMaxTurns
	}

	id := sessionfs.GenerateID()

	// Run slots are reserved up front so a full server refuses before it
	// creates anything.
	runCtx, err := s.runs.Admit(context.Background(), id)
	if err != nil {
		return nil, mapRunnerError(err)
	}

	if err := s.fs.Create(id); err != nil {
		s.runs.Release(id)
		return nil, fmt.Errorf("failed to create session workspace: %w", err)
	}

	workspace, err := s.fs.Workspace(id)
	if err != nil {
		s.rollbackCreate(id)
		return nil, err
	}

	sess, err := s.store.CreateSession(ctx, id, userID, task, model, workspace)
	if err != nil {
		s.rollbackCreate(id)
		return nil, err
	}

	// The row exists from here on, so the directory is never rolled back:
	// a failure finalizes the session instead, keeping the two stores in
	// agreement.
	running := models.StatusRunning
	sess, err = s.store.UpdateSession(ctx, id, models.SessionUpdate{Status: &running})
	if err != nil {
		s.runs.Release(id)
		s.failSession(id, fmt.Sprintf("failed to mark session running: %v", err))
		return nil, err
	}
	if err := s.fs.WriteInfo(sess); err != nil {
		s.log.Warn("Failed to write session info", "session_id", id, "error", err)
	}

	hub, err := s.hubs.GetOrCreate(ctx, id, s.cfg.Events.SubscriberBuffer)
	if err != nil {
		s.runs.Release(id)
		s.failSession(id, fmt.Sprintf("event pipeline unavailable: %v", err))
		return nil, err
	}
	hub.Publish(events.KindUserMessage, events.UserMessagePayload{Text: task})

	params := runner.TaskParams{
		SessionID: id,
		Task:      task,
		Model:     model,
		MaxTurns:  maxTurns,
		Timeout:   s.timeout(req.TimeoutSeconds),
	}

	s.log.Info("Session started", "session_id", id, "user_id", userID, "model", model)
	s.wg.Add(1)
	go s.execute(runCtx, sess, params, hub)
	return sess, nil
}

// Resume continues a finished session. The session must be terminal and
// carry a captured agent conversation id. A forked resume reuses the
// conversation without adopting its continuation id, so the original stays
// resumable at its old point.
func (s *SessionService) Resume(ctx context.Context, userID, id string, req ResumeRequest) (*models.Session, error) {
	task := strings.TrimSpace(req.Task)
	if task == "" {
		task = "continue"
	}
	if len(task) > maxTaskBytes {
		return nil, NewValidationError("task", fmt.Sprintf("exceeds %d bytes", maxTaskBytes))
	}

	sess, err := s.Get(ctx, userID, id)
	if err != nil {
		return nil, err
	}
	if !sess.Status.IsTerminal() {
		return nil, ErrAlreadyRunning
	}
	if sess.ResumeID == nil || *sess.ResumeID == "" {
		return nil, ErrNotResumable
	}
	if sess.Status == models.StatusCancelled {
		task = cancelledResumePreamble + task
	}

	runCtx, err := s.runs.Admit(context.Background(), id)
	if err != nil {
		return nil, mapRunnerError(err)
	}

	running := models.StatusRunning
	noCancel := false
	sess, err = s.store.UpdateSession(ctx, id, models.SessionUpdate{
		Status:          &running,
		Task:            &task,
		CancelRequested: &noCancel,
	})
	if err != nil {
		s.runs.Release(id)
		return nil, err
	}
	if err := s.fs.WriteInfo(sess); err != nil {
		s.log.Warn("Failed to write session info", "session_id", id, "error", err)
	}

	hub, err := s.hubs.GetOrCreate(ctx, id, s.cfg.Events.SubscriberBuffer)
	if err != nil {
		s.runs.Release(id)
		s.failSession(id, fmt.Sprintf("event pipeline unavailable: %v", err))
		return nil, err
	}
	hub.Publish(events.KindUserMessage, events.UserMessagePayload{Text: task})

	params := runner.TaskParams{
		SessionID: id,
		Task:      task,
		Model:     sess.Model,
		MaxTurns:  s.cfg.Sessions.DefaultMaxTurns,
		ResumeID:  *sess.ResumeID,
		Fork:      req.Fork,
		Timeout:   s.timeout(req.TimeoutSeconds),
	}

	s.log.Info("Session resumed", "session_id", id, "fork", req.Fork)
	s.wg.Add(1)
	go s.execute(runCtx, sess, params, hub)
	return sess, nil
}

// Get returns the session owned by userID, or ErrNotFound.
func (s *SessionService) Get(ctx context.Context, userID, id string) (*models.Session, error) {
	if err := sessionfs.ValidateID(id); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNotFound, err)
	}
	sess, err := s.store.GetSession(ctx, id, userID)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, ErrNotFound
	}
	return sess, err
}

// List returns one page of the user's sessions, newest first.
func (s *SessionService) List(ctx context.Context, userID string, limit, offset int) (*models.SessionList, error) {
	if limit <= 0 {
		limit = defaultListLimit
	}
	if limit > maxListLimit {
		limit = maxListLimit
	}
	if offset < 0 {
		offset = 0
	}
	return s.store.ListSessions(ctx, userID, limit, offset)
}

// Cancel requests cancellation of a running session. The cancel flag is
// persisted first, then the live run is signalled; a running row without a
// live supervisor (stale after a restart) is finalized directly.
func (s *SessionService) Cancel(ctx context.Context, userID, id string) (*models.Session, error) {
	sess, err := s.Get(ctx, userID, id)
	if err != nil {
		return nil, err
	}
	if sess.Status == models.StatusCancelled {
		// Repeated cancel is a no-op.
		return sess, nil
	}
	if sess.Status != models.StatusRunning && sess.Status != models.StatusPending {
		return nil, ErrNotCancellable
	}

	requested := true
	sess, err = s.store.UpdateSession(ctx, id, models.SessionUpdate{CancelRequested: &requested})
	if err != nil {
		return nil, err
	}

	if !s.runs.Cancel(id) {
		s.log.Warn("Cancel for session without live run, finalizing", "session_id", id)
		cancelled := models.StatusCancelled
		now := time.Now().UTC()
		return s.store.UpdateSession(ctx, id, models.SessionUpdate{
			Status:      &cancelled,
			CompletedAt: &now,
		})
	}
	s.log.Info("Cancel requested", "session_id", id)
	return sess, nil
}

// Result assembles the final result for a terminal session.
func (s *SessionService) Result(ctx context.Context, userID, id string) (*TaskResult, error) {
	sess, err := s.Get(ctx, userID, id)
	if err != nil {
		return nil, err
	}
	if !sess.Status.IsTerminal() {
		return nil, ErrNotFinished
	}
	out, err := s.fs.ParseOutput(id)
	if err != nil {
		return nil, err
	}
	return &TaskResult{Session: sess, Result: out}, nil
}

// Events returns a page of persisted session events.
func (s *SessionService) Events(ctx context.Context, userID, id string, after int64, limit int) ([]*models.EventRow, error) {
	if _, err := s.Get(ctx, userID, id); err != nil {
		return nil, err
	}
	return s.store.ListEvents(ctx, id, after, limit)
}

// Subscribe attaches a consumer to the session's event stream. A live
// session streams replay plus live events; a finished one replays history
// and closes.
func (s *SessionService) Subscribe(ctx context.Context, userID, id string, after int64) (<-chan *events.Event, error) {
	if _, err := s.Get(ctx, userID, id); err != nil {
		return nil, err
	}
	if hub := s.hubs.Get(id); hub != nil && !hub.Closed() {
		return hub.Subscribe(ctx, after), nil
	}
	return s.replayOnly(ctx, id, after), nil
}

// WorkspaceFile resolves a workspace-relative file for download.
func (s *SessionService) WorkspaceFile(ctx context.Context, userID, id, relPath string) (string, error) {
	if _, err := s.Get(ctx, userID, id); err != nil {
		return "", err
	}
	path, err := s.fs.ResolveWorkspaceFile(id, relPath)
	if errors.Is(err, sessionfs.ErrNotFound) {
		return "", ErrNotFound
	}
	return path, err
}

// CleanupStale finalizes sessions left in a live status by an unclean
// shutdown. The latest persisted terminal event decides the final status;
// without one the session is marked failed.
func (s *SessionService) CleanupStale(ctx context.Context) (int, error) {
	finalized := 0
	for _, status := range []models.SessionStatus{models.StatusPending, models.StatusRunning} {
		stale, err := s.store.ListSessionsByStatus(ctx, status)
		if err != nil {
			return finalized, err
		}
		for _, sess := range stale {
			final := models.StatusFailed
			if term, err := s.store.LatestTerminalEvent(ctx, sess.ID); err == nil {
				switch events.Kind(term.EventType) {
				case events.KindAgentComplete:
					final = models.StatusComplete
				case events.KindCancelled:
					final = models.StatusCancelled
				}
			}
			now := time.Now().UTC()
			updated, err := s.store.UpdateSession(ctx, sess.ID, models.SessionUpdate{
				Status:      &final,
				CompletedAt: &now,
			})
			if err != nil {
				s.log.Error("Failed to finalize stale session", "session_id", sess.ID, "error", err)
				continue
			}
			if err := s.fs.WriteInfo(updated); err != nil {
				s.log.Warn("Failed to write session info", "session_id", sess.ID, "error", err)
			}
			s.log.Info("Finalized stale session", "session_id", sess.ID, "status", string(final))
			finalized++
		}
	}
	return finalized, nil
}

// Shutdown cancels live runs and waits for them to finish or ctx to expire.
func (s *SessionService) Shutdown(ctx context.Context) error {
	s.runs.CancelAll()
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("shutdown timed out with %d runs live", s.runs.Active())
	}
}

// execute drives one run to completion on its own goroutine.
func (s *SessionService) execute(runCtx context.Context, sess *models.Session, params runner.TaskParams, hub *events.Hub) {
	defer s.wg.Done()
	defer s.runs.Release(sess.ID)

	// Persistence and record updates must survive run cancellation.
	persistCtx := context.WithoutCancel(runCtx)

	writer := events.NewWriter(s.store, sess.ID)
	if !params.Fork {
		writer.OnResumeID = func(resumeID string) {
			if _, err := s.store.UpdateSession(persistCtx, sess.ID, models.SessionUpdate{ResumeID: &resumeID}); err != nil {
				s.log.Error("Failed to record resume id", "session_id", sess.ID, "error", err)
			}
		}
	}
	writer.OnFailure = func(err error) {
		s.log.Error("Aborting run: event persistence failed", "session_id", sess.ID, "error", err)
		s.runs.Cancel(sess.ID)
	}
	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		writer.Run(persistCtx, hub.Feed())
	}()

	workspace, _ := s.fs.Workspace(sess.ID)
	engine := permissions.NewEngine(s.profile, workspace)

	outcome, err := s.sup.Run(runCtx, params, hub, engine)
	if err != nil {
		s.log.Error("Supervisor error", "session_id", sess.ID, "error", err)
	}
	if outcome == nil {
		outcome = &runner.Outcome{Status: models.StatusFailed}
	}
	if !hub.Closed() {
		hub.Publish(events.KindError, events.ErrorPayload{
			Message:   "run ended without a terminal event",
			ErrorType: "server_error",
		})
	}

	<-writerDone
	s.hubs.Remove(sess.ID)

	now := time.Now().UTC()
	upd := models.SessionUpdate{
		Status:       &outcome.Status,
		CompletedAt:  &now,
		NumTurns:     &outcome.NumTurns,
		DurationMS:   &outcome.DurationMS,
		TotalCostUSD: &outcome.TotalCostUSD,
	}
	if outcome.Model != "" && outcome.Model != sess.Model {
		upd.Model = &outcome.Model
	}
	updated, uerr := s.store.UpdateSession(persistCtx, sess.ID, upd)
	if uerr != nil {
		s.log.Error("Failed to finalize session", "session_id", sess.ID, "error", uerr)
		return
	}
	if err := s.fs.WriteInfo(updated); err != nil {
		s.log.Warn("Failed to write session info", "session_id", sess.ID, "error", err)
	}
}

// replayOnly streams persisted history and closes.
func (s *SessionService) replayOnly(ctx context.Context, id string, after int64) <-chan *events.Event {
	ch := make(chan *events.Event, 16)
	go func() {
		defer close(ch)
		const page = 1000
		for {
			rows, err := s.store.ListEvents(ctx, id, after, page)
			if err != nil {
				s.log.Error("History replay failed", "session_id", id, "error", err)
				return
			}
			for _, row := range rows {
				select {
				case ch <- events.FromRow(row):
					after = row.Sequence
				case <-ctx.Done():
					return
				}
			}
			if len(rows) < page {
				return
			}
		}
	}()
	return ch
}

// failSession force-finalizes a session that could not start.
func (s *SessionService) failSession(id, reason string) {
	failed := models.StatusFailed
	now := time.Now().UTC()
	if _, err := s.store.UpdateSession(context.Background(), id, models.SessionUpdate{
		Status:      &failed,
		CompletedAt: &now,
	}); err != nil {
		s.log.Error("Failed to mark session failed", "session_id", id, "reason", reason, "error", err)
	}
}

// rollbackCreate undoes phase one of session creation.
func (s *SessionService) rollbackCreate(id string) {
	s.runs.Release(id)
	if err := s.fs.Destroy(id); err != nil {
		s.log.Error("Rollback failed, orphan session directory", "session_id", id, "error", err)
	}
}

func (s *SessionService) timeout(seconds int) time.Duration {
	if seconds > 0 {
		return time.Duration(seconds) * time.Second
	}
	return s.cfg.SessionTimeout()
}

func mapRunnerError(err error) error {
	switch {
	case errors.Is(err, runner.ErrCapacity):
		return ErrCapacity
	case errors.Is(err, runner.ErrAlreadyRunning):
		return ErrAlreadyRunning
	default:
		return err
	}
}
