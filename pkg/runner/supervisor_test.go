package runner

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentum-ai/agentum/pkg/events"
	"github.com/agentum-ai/agentum/pkg/models"
	"github.com/agentum-ai/agentum/pkg/permissions"
	"github.com/agentum-ai/agentum/pkg/sandbox"
	"github.com/agentum-ai/agentum/pkg/sessionfs"
)

// memStore satisfies events.Store for hub construction in tests.
type memStore struct{}

func (m *memStore) LastSequence(context.Context, string) (int64, error) {
	return 0, nil
}

func (m *memStore) ListEvents(context.Context, string, int64, int) ([]*models.EventRow, error) {
	return nil, nil
}

func writeScript(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "agent.sh")
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"+body), 0o755))
	return path
}

func setupRun(t *testing.T, script string) (*Supervisor, *events.Hub, string) {
	t.Helper()
	fs, err := sessionfs.NewManager(t.TempDir(), "")
	require.NoError(t, err)
	id := sessionfs.GenerateID()
	require.NoError(t, fs.Create(id))

	cfg := sandbox.DefaultConfig()
	cfg.Enabled = false
	sup := NewSupervisor(fs, sandbox.NewLauncher(cfg, ""), script, 1<<20, 2*time.Second)

	hub, err := events.NewHub(context.Background(), id, &memStore{}, 64)
	require.NoError(t, err)
	return sup, hub, id
}

func collectFeed(hub *events.Hub) func() []*events.Event {
	var mu sync.Mutex
	var got []*events.Event
	done := make(chan struct{})
	go func() {
		defer close(done)
		for ev := range hub.Feed() {
			mu.Lock()
			got = append(got, ev)
			mu.Unlock()
		}
	}()
	return func() []*events.Event {
		<-done
		mu.Lock()
		defer mu.Unlock()
		return got
	}
}

func TestSupervisorCompleteRun(t *testing.T) {
	script := writeScript(t, `
echo '{"type":"agent_start","data":{"session_id":"conv-9","model":"m1"}}'
echo '{"type":"message","data":{"text":"working"}}'
echo '{"type":"metrics_update","data":{"turns":2,"total_cost_usd":0.01,"model":"m1"}}'
echo '{"type":"agent_complete","data":{"status":"complete","num_turns":2,"duration_ms":10,"total_cost_usd":0.01,"model":"m1"}}'
`)
	sup, hub, id := setupRun(t, script)
	collected := collectFeed(hub)

	out, err := sup.Run(context.Background(), TaskParams{
		SessionID: id, Task: "do it", Timeout: 10 * time.Second,
	}, hub, nil)
	require.NoError(t, err)

	assert.Equal(t, models.StatusComplete, out.Status)
	assert.True(t, out.Resumable)
	assert.Equal(t, 2, out.NumTurns)
	assert.Equal(t, "m1", out.Model)
	assert.True(t, hub.Closed())

	evs := collected()
	require.NotEmpty(t, evs)
	assert.Equal(t, events.KindAgentStart, evs[0].Kind)
	assert.Equal(t, events.KindAgentComplete, evs[len(evs)-1].Kind)
	for i, ev := range evs {
		assert.Equal(t, int64(i+1), ev.Sequence)
	}
}

func TestSupervisorCapturesRawStdout(t *testing.T) {
	script := writeScript(t, `
echo '{"type":"message","data":{"text":"one"}}'
echo 'this is not json and gets dropped from the stream'
echo '{"type":"agent_complete","data":{"status":"complete"}}'
`)
	sup, hub, id := setupRun(t, script)
	collected := collectFeed(hub)

	_, err := sup.Run(context.Background(), TaskParams{
		SessionID: id, Task: "t", Timeout: 10 * time.Second,
	}, hub, nil)
	require.NoError(t, err)

	// Malformed lines never reach the hub but stay in the raw capture.
	for _, ev := range collected() {
		assert.NotEqual(t, events.Kind(""), ev.Kind)
	}
	logPath := filepath.Join(mustDir(t, sup, id), "agent.jsonl")
	data, err := os.ReadFile(logPath)
	require.NoError(t, err)
	assert.Contains(t, string(data), "not json")
}

func mustDir(t *testing.T, sup *Supervisor, id string) string {
	t.Helper()
	dir, err := sup.fs.Dir(id)
	require.NoError(t, err)
	return dir
}

func TestSupervisorTruncatesOversizedLines(t *testing.T) {
	script := writeScript(t, `
printf '{"type":"message","data":{"text":"'
head -c 4096 /dev/zero | tr '\0' 'x'
printf '"}}\n'
echo '{"type":"agent_complete","data":{"status":"complete"}}'
`)
	fs, err := sessionfs.NewManager(t.TempDir(), "")
	require.NoError(t, err)
	id := sessionfs.GenerateID()
	require.NoError(t, fs.Create(id))

	cfg := sandbox.DefaultConfig()
	cfg.Enabled = false
	sup := NewSupervisor(fs, sandbox.NewLauncher(cfg, ""), script, 256, 2*time.Second)

	hub, err := events.NewHub(context.Background(), id, &memStore{}, 64)
	require.NoError(t, err)
	collected := collectFeed(hub)

	out, err := sup.Run(context.Background(), TaskParams{
		SessionID: id, Task: "t", Timeout: 10 * time.Second,
	}, hub, nil)
	require.NoError(t, err)
	assert.Equal(t, models.StatusComplete, out.Status)

	// The oversized line becomes a truncation notice, not a stream event,
	// and the run carries on to its terminal event.
	evs := collected()
	var sawNotice bool
	for _, ev := range evs {
		if ev.Kind == events.KindHookTriggered {
			p := ev.Payload.(events.HookTriggeredPayload)
			if p.Hook == "output_truncated" {
				sawNotice = true
			}
		}
	}
	assert.True(t, sawNotice)
	assert.Equal(t, events.KindAgentComplete, evs[len(evs)-1].Kind)
}

func TestSupervisorSynthesizesTerminalOnSilentExit(t *testing.T) {
	script := writeScript(t, `
echo '{"type":"message","data":{"text":"no terminal follows"}}'
`)
	sup, hub, id := setupRun(t, script)
	collected := collectFeed(hub)

	out, err := sup.Run(context.Background(), TaskParams{
		SessionID: id, Task: "t", Timeout: 10 * time.Second,
	}, hub, nil)
	require.NoError(t, err)

	assert.Equal(t, models.StatusComplete, out.Status)
	evs := collected()
	assert.Equal(t, events.KindAgentComplete, evs[len(evs)-1].Kind)
}

func TestSupervisorNonZeroExitFails(t *testing.T) {
	script := writeScript(t, `
echo '{"type":"message","data":{"text":"about to crash"}}'
exit 3
`)
	sup, hub, id := setupRun(t, script)
	collected := collectFeed(hub)

	out, err := sup.Run(context.Background(), TaskParams{
		SessionID: id, Task: "t", Timeout: 10 * time.Second,
	}, hub, nil)
	require.NoError(t, err)

	assert.Equal(t, models.StatusFailed, out.Status)
	evs := collected()
	last := evs[len(evs)-1]
	require.Equal(t, events.KindError, last.Kind)
	payload := last.Payload.(events.ErrorPayload)
	assert.Equal(t, "server_error", payload.ErrorType)
}

func TestSupervisorTimeout(t *testing.T) {
	script := writeScript(t, `
echo '{"type":"agent_start","data":{"session_id":"conv-1"}}'
sleep 30
`)
	sup, hub, id := setupRun(t, script)
	collected := collectFeed(hub)

	out, err := sup.Run(context.Background(), TaskParams{
		SessionID: id, Task: "t", Timeout: 300 * time.Millisecond,
	}, hub, nil)
	require.NoError(t, err)

	assert.Equal(t, models.StatusFailed, out.Status)
	evs := collected()
	last := evs[len(evs)-1]
	require.Equal(t, events.KindError, last.Kind)
	assert.Equal(t, "timeout", last.Payload.(events.ErrorPayload).ErrorType)
}

func TestSupervisorCancel(t *testing.T) {
	script := writeScript(t, `
echo '{"type":"agent_start","data":{"session_id":"conv-1"}}'
sleep 30
`)
	sup, hub, id := setupRun(t, script)
	collected := collectFeed(hub)

	ctx, cancel := context.WithCancelCause(context.Background())
	go func() {
		time.Sleep(300 * time.Millisecond)
		cancel(ErrCancelled)
	}()

	out, err := sup.Run(ctx, TaskParams{
		SessionID: id, Task: "t", Timeout: 30 * time.Second,
	}, hub, nil)
	require.NoError(t, err)

	assert.Equal(t, models.StatusCancelled, out.Status)
	assert.True(t, out.Resumable)
	evs := collected()
	last := evs[len(evs)-1]
	require.Equal(t, events.KindCancelled, last.Kind)
	assert.True(t, last.Payload.(events.CancelledPayload).Resumable)
}

func TestSupervisorPermissionInterrupt(t *testing.T) {
	script := writeScript(t, `
echo '{"type":"agent_start","data":{"session_id":"conv-1"}}'
echo '{"type":"tool_start","data":{"tool_name":"Bash","tool_input":{"command":"curl a"},"tool_id":"1"}}'
echo '{"type":"tool_start","data":{"tool_name":"Bash","tool_input":{"command":"curl b"},"tool_id":"2"}}'
echo '{"type":"tool_start","data":{"tool_name":"Bash","tool_input":{"command":"curl c"},"tool_id":"3"}}'
sleep 30
`)
	sup, hub, id := setupRun(t, script)
	collected := collectFeed(hub)

	// Everything is denied: three same-tool denials force an interrupt.
	engine := permissions.NewEngine(&permissions.Profile{}, "/ws")

	out, err := sup.Run(context.Background(), TaskParams{
		SessionID: id, Task: "t", Timeout: 30 * time.Second,
	}, hub, engine)
	require.NoError(t, err)

	assert.Equal(t, models.StatusFailed, out.Status)
	evs := collected()
	last := evs[len(evs)-1]
	require.Equal(t, events.KindError, last.Kind)
	assert.Equal(t, "permission_interrupt", last.Payload.(events.ErrorPayload).ErrorType)
}

func TestSupervisorSandboxUnavailableFailsClosed(t *testing.T) {
	fs, err := sessionfs.NewManager(t.TempDir(), "")
	require.NoError(t, err)
	id := sessionfs.GenerateID()
	require.NoError(t, fs.Create(id))

	cfg := sandbox.DefaultConfig()
	cfg.BwrapPath = "no-such-isolation-binary"
	sup := NewSupervisor(fs, sandbox.NewLauncher(cfg, ""), "agent", 1<<20, time.Second)

	hub, err := events.NewHub(context.Background(), id, &memStore{}, 8)
	require.NoError(t, err)
	collected := collectFeed(hub)

	out, err := sup.Run(context.Background(), TaskParams{
		SessionID: id, Task: "t", Timeout: time.Second,
	}, hub, nil)
	require.ErrorIs(t, err, sandbox.ErrSandboxUnavailable)
	assert.Equal(t, models.StatusFailed, out.Status)

	evs := collected()
	require.Len(t, evs, 1)
	assert.Equal(t, "sandbox_unavailable", evs[0].Payload.(events.ErrorPayload).ErrorType)
}
