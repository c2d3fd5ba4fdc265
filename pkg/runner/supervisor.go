package runner

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/agentum-ai/agentum/pkg/events"
	"github.com/agentum-ai/agentum/pkg/models"
	"github.com/agentum-ai/agentum/pkg/permissions"
	"github.com/agentum-ai/agentum/pkg/sandbox"
	"github.com/agentum-ai/agentum/pkg/sessionfs"
)

// Outcome summarizes a finished run for the session record update.
type Outcome struct {
	Status       models.SessionStatus
	Resumable    bool
	NumTurns     int
	DurationMS   int64
	TotalCostUSD float64
	Model        string
}

// Supervisor owns the child-process side of a run. One Supervisor serves
// all sessions; per-run state lives on the stack of Run.
type Supervisor struct {
	fs           *sessionfs.Manager
	sandbox      *sandbox.Launcher
	agentCommand string
	maxLineBytes int
	grace        time.Duration
	log          *slog.Logger
}

// NewSupervisor creates the run supervisor.
func NewSupervisor(fs *sessionfs.Manager, sb *sandbox.Launcher, agentCommand string, maxLineBytes int, grace time.Duration) *Supervisor {
	if maxLineBytes <= 0 {
		maxLineBytes = 1 << 20
	}
	return &Supervisor{
		fs:           fs,
		sandbox:      sb,
		agentCommand: agentCommand,
		maxLineBytes: maxLineBytes,
		grace:        grace,
		log:          slog.With("component", "runner"),
	}
}

// runState is the per-run mutable state the stdout reader maintains.
type runState struct {
	mu            sync.Mutex
	sawAgentStart bool
	lastTerminal  events.Kind
	numTurns      int
	totalCost     float64
	durationMS    int64
	model         string
	permReason    string
}

// Run executes one agent child to completion. It always leaves a terminal
// event on the hub and returns the outcome for the session record; the
// returned error covers supervisor failures, not agent task failures.
func (s *Supervisor) Run(ctx context.Context, params TaskParams, hub *events.Hub, engine *permissions.Engine) (*Outcome, error) {
	log := s.log.With("session_id", params.SessionID)
	started := time.Now()

	sessionDir, err := s.fs.Dir(params.SessionID)
	if err != nil {
		return nil, err
	}
	workspace, err := s.fs.Workspace(params.SessionID)
	if err != nil {
		return nil, err
	}
	logPath, err := s.fs.LogFile(params.SessionID)
	if err != nil {
		return nil, err
	}

	argv := s.buildCommand(params)
	wrapped, err := s.sandbox.Wrap(sessionDir, argv)
	if err != nil {
		if errors.Is(err, sandbox.ErrSandboxUnavailable) {
			hub.Publish(events.KindError, events.ErrorPayload{
				Message:   "sandbox required but unavailable on this host",
				ErrorType: "sandbox_unavailable",
			})
			return &Outcome{Status: models.StatusFailed}, err
		}
		return nil, fmt.Errorf("failed to build sandbox command: %w", err)
	}

	cmd := exec.Command(wrapped[0], wrapped[1:]...)
	cmd.Dir = workspace
	// Own process group, so stop signals reach the agent's subprocesses too.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to open stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to open stderr pipe: %w", err)
	}

	capture, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to open agent log: %w", err)
	}
	defer capture.Close()

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start agent: %w", err)
	}
	log.Info("Agent started", "pid", cmd.Process.Pid, "sandboxed", s.sandbox.Enabled())

	state := &runState{}
	permStop := make(chan struct{})
	var permStopOnce sync.Once

	var readers sync.WaitGroup
	readers.Add(2)
	go func() {
		defer readers.Done()
		r := bufio.NewReaderSize(stdout, 64<<10)
		for {
			line, truncated, rerr := readLimitedLine(r, s.maxLineBytes)
			if len(line) > 0 {
				if _, werr := capture.Write(append(line, '\n')); werr != nil {
					log.Warn("Agent log write failed", "error", werr)
				}
				if truncated {
					log.Warn("Agent line truncated", "limit", s.maxLineBytes)
					hub.Publish(events.KindHookTriggered, events.HookTriggeredPayload{
						Hook:   "output_truncated",
						Detail: fmt.Sprintf("agent output line exceeded %d bytes", s.maxLineBytes),
					})
				} else {
					s.handleLine(log, hub, engine, state, line, func(reason string) {
						permStopOnce.Do(func() {
							state.mu.Lock()
							state.permReason = reason
							state.mu.Unlock()
							close(permStop)
						})
					})
				}
			}
			if rerr != nil {
				if !errors.Is(rerr, io.EOF) {
					log.Warn("Agent stdout read ended", "error", rerr)
				}
				return
			}
		}
	}()
	go func() {
		defer readers.Done()
		sc := bufio.NewScanner(stderr)
		sc.Buffer(make([]byte, 64<<10), s.maxLineBytes)
		for sc.Scan() {
			log.Debug("Agent stderr", "line", sc.Text())
		}
	}()

	done := make(chan error, 1)
	go func() {
		readers.Wait()
		done <- cmd.Wait()
	}()

	timer := time.NewTimer(params.Timeout)
	defer timer.Stop()

	var exitErr error
	var cause string
	select {
	case exitErr = <-done:
		cause = "exit"
	case <-ctx.Done():
		cause = "cancel"
		exitErr = s.stopAndReap(log, cmd, done)
	case <-timer.C:
		cause = "timeout"
		log.Warn("Run timed out", "timeout", params.Timeout)
		exitErr = s.stopAndReap(log, cmd, done)
	case <-permStop:
		cause = "permission"
		exitErr = s.stopAndReap(log, cmd, done)
	}

	state.mu.Lock()
	defer state.mu.Unlock()
	if state.durationMS == 0 {
		state.durationMS = time.Since(started).Milliseconds()
	}

	out := &Outcome{
		Resumable:    state.sawAgentStart,
		NumTurns:     state.numTurns,
		DurationMS:   state.durationMS,
		TotalCostUSD: state.totalCost,
		Model:        state.model,
	}

	switch {
	case cause == "cancel":
		out.Status = models.StatusCancelled
		if !hub.Closed() {
			hub.Publish(events.KindCancelled, events.CancelledPayload{
				Message:   "run cancelled",
				Resumable: state.sawAgentStart,
			})
		}
		log.Info("Run cancelled", "cause", context.Cause(ctx), "resumable", state.sawAgentStart)

	case cause == "timeout":
		out.Status = models.StatusFailed
		if !hub.Closed() {
			hub.Publish(events.KindError, events.ErrorPayload{
				Message:   fmt.Sprintf("run exceeded %s timeout", params.Timeout),
				ErrorType: "timeout",
			})
		}

	case cause == "permission":
		out.Status = models.StatusFailed
		if !hub.Closed() {
			hub.Publish(events.KindError, events.ErrorPayload{
				Message:   "run aborted: " + state.permReason,
				ErrorType: "permission_interrupt",
			})
		}

	case state.lastTerminal == events.KindAgentComplete:
		out.Status = models.StatusComplete

	case state.lastTerminal == events.KindCancelled:
		out.Status = models.StatusCancelled

	case exitErr == nil:
		// Clean exit without a terminal event; synthesize completion.
		out.Status = models.StatusComplete
		if !hub.Closed() {
			hub.Publish(events.KindAgentComplete, events.AgentCompletePayload{
				Status:       "complete",
				NumTurns:     state.numTurns,
				DurationMS:   state.durationMS,
				TotalCostUSD: state.totalCost,
				Model:        state.model,
			})
		}

	default:
		out.Status = models.StatusFailed
		if !hub.Closed() {
			hub.Publish(events.KindError, events.ErrorPayload{
				Message:   fmt.Sprintf("agent exited abnormally: %v", exitErr),
				ErrorType: "server_error",
			})
		}
	}

	log.Info("Run finished",
		"status", string(out.Status),
		"turns", out.NumTurns,
		"duration_ms", out.DurationMS,
		"exit_error", exitErr)
	return out, nil
}

// handleLine parses one stdout line, updates run state, enforces tool
// permissions, and publishes the event. Malformed lines are dropped.
func (s *Supervisor) handleLine(log *slog.Logger, hub *events.Hub, engine *permissions.Engine, state *runState, line []byte, interrupt func(reason string)) {
	kind, payload, err := parseLine(line)
	if err != nil {
		log.Warn("Dropped malformed agent line", "error", err)
		return
	}

	state.mu.Lock()
	switch p := payload.(type) {
	case events.AgentStartPayload:
		state.sawAgentStart = true
		if p.Model != "" {
			state.model = p.Model
		}
	case events.MetricsUpdatePayload:
		state.numTurns += p.Turns
		state.totalCost += p.TotalCostUSD
		if p.Model != "" {
			state.model = p.Model
		}
	case events.AgentCompletePayload:
		if p.NumTurns > 0 {
			state.numTurns = p.NumTurns
		}
		if p.DurationMS > 0 {
			state.durationMS = p.DurationMS
		}
		if p.TotalCostUSD > 0 {
			state.totalCost = p.TotalCostUSD
		}
		if p.Model != "" {
			state.model = p.Model
		}
	}
	if kind.IsTerminal() {
		state.lastTerminal = kind
	}
	state.mu.Unlock()

	if ts, ok := payload.(events.ToolStartPayload); ok && engine != nil {
		call := permissions.FormatToolCall(ts.ToolName, ts.ToolInput)
		decision := engine.IsAllowed(call)
		if !decision.Allowed {
			hub.Publish(events.KindHookTriggered, events.HookTriggeredPayload{
				Hook:     "permission_denied",
				ToolName: ts.ToolName,
				Detail:   decision.Reason,
			})
			if decision.Interrupt {
				interrupt(decision.Reason)
			}
		}
	}

	hub.Publish(kind, payload)
}

// readLimitedLine reads one line, returning at most limit bytes of it. The
// remainder of an oversized line is discarded and reported as truncated.
func readLimitedLine(r *bufio.Reader, limit int) ([]byte, bool, error) {
	var buf []byte
	truncated := false
	for {
		chunk, isPrefix, err := r.ReadLine()
		if len(chunk) > 0 {
			room := limit - len(buf)
			if room > len(chunk) {
				room = len(chunk)
			}
			if room > 0 {
				buf = append(buf, chunk[:room]...)
			}
			if room < len(chunk) {
				truncated = true
			}
		}
		if err != nil {
			return buf, truncated, err
		}
		if !isPrefix {
			return buf, truncated, nil
		}
	}
}

// stopAndReap asks the child's process group to stop, escalating to
// SIGKILL after the grace period, and waits for the exit status.
func (s *Supervisor) stopAndReap(log *slog.Logger, cmd *exec.Cmd, done <-chan error) error {
	s.signalGroup(log, cmd, syscall.SIGTERM)
	select {
	case err := <-done:
		return err
	case <-time.After(s.grace):
		log.Warn("Grace period expired, killing agent", "grace", s.grace)
		s.signalGroup(log, cmd, syscall.SIGKILL)
		return <-done
	}
}

func (s *Supervisor) signalGroup(log *slog.Logger, cmd *exec.Cmd, sig syscall.Signal) {
	if cmd.Process == nil {
		return
	}
	if err := syscall.Kill(-cmd.Process.Pid, sig); err != nil {
		// Group may already be gone; fall back to the direct process.
		if err := cmd.Process.Signal(sig); err != nil {
			log.Debug("Stop signal failed", "signal", sig, "error", err)
		}
	}
}

// buildCommand assembles the agent argv before sandbox wrapping.
func (s *Supervisor) buildCommand(params TaskParams) []string {
	argv := strings.Fields(s.agentCommand)
	argv = append(argv,
		"--session-id", params.SessionID,
		"--task", params.Task,
	)
	if params.Model != "" {
		argv = append(argv, "--model", params.Model)
	}
	if params.MaxTurns > 0 {
		argv = append(argv, "--max-turns", strconv.Itoa(params.MaxTurns))
	}
	if params.ResumeID != "" {
		argv = append(argv, "--resume", params.ResumeID)
		if params.Fork {
			argv = append(argv, "--fork")
		}
	}
	return argv
}
