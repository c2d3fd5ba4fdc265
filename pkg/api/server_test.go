package api

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentum-ai/agentum/pkg/config"
	"github.com/agentum-ai/agentum/pkg/events"
	"github.com/agentum-ai/agentum/pkg/permissions"
	"github.com/agentum-ai/agentum/pkg/runner"
	"github.com/agentum-ai/agentum/pkg/sandbox"
	"github.com/agentum-ai/agentum/pkg/services"
	"github.com/agentum-ai/agentum/pkg/sessionfs"
	"github.com/agentum-ai/agentum/pkg/storage"
)

const agentScript = `#!/bin/sh
echo '{"type":"agent_start","data":{"session_id":"conv-1","model":"m1"}}'
echo '{"type":"message","data":{"text":"hello from the agent"}}'
cat > output.yaml <<'EOF'
status: success
output: final answer
result_files: [report.md]
EOF
echo '{"type":"agent_complete","data":{"status":"complete","num_turns":1,"duration_ms":5,"total_cost_usd":0.01,"model":"m1"}}'
`

func newTestServer(t *testing.T) *httptest.Server {
	t.Helper()
	return newTestServerWith(t, agentScript, 30)
}

func newTestServerWith(t *testing.T, script string, heartbeatSeconds int) *httptest.Server {
	t.Helper()

	scriptPath := filepath.Join(t.TempDir(), "agent.sh")
	require.NoError(t, os.WriteFile(scriptPath, []byte(script), 0o755))

	store, err := storage.Open(filepath.Join(t.TempDir(), "api.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	fs, err := sessionfs.NewManager(t.TempDir(), "")
	require.NoError(t, err)

	cfg := &config.Config{
		API: config.APIConfig{Host: "127.0.0.1", Port: 0, CORSOrigins: []string{"*"}},
		Sessions: config.SessionsConfig{
			MaxConcurrent:         4,
			DefaultTimeoutSeconds: 30,
			GracePeriodSeconds:    2,
			DefaultMaxTurns:       10,
			DefaultModel:          "default-model",
			AgentCommand:          scriptPath,
		},
		Events: config.EventsConfig{
			SubscriberBuffer:         64,
			HeartbeatIntervalSeconds: heartbeatSeconds,
			MaxLineBytes:             1 << 20,
		},
	}

	sbCfg := sandbox.DefaultConfig()
	sbCfg.Enabled = false
	sup := runner.NewSupervisor(fs, sandbox.NewLauncher(sbCfg, ""),
		scriptPath, cfg.Events.MaxLineBytes, cfg.GracePeriod())

	sessions := services.NewSessionService(cfg, store, fs,
		events.NewRegistry(store), runner.NewRegistry(4), sup,
		&permissions.Profile{Allow: []string{"Bash(*)"}})

	auth, err := services.NewAuthService(store, filepath.Join(t.TempDir(), "secrets.yaml"))
	require.NoError(t, err)

	srv := httptest.NewServer(NewServer(cfg, auth, sessions, store).Handler())
	t.Cleanup(srv.Close)
	return srv
}

func doJSON(t *testing.T, method, url, token string, body any) (*http.Response, []byte) {
	t.Helper()
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, url, reader)
	require.NoError(t, err)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.NoError(t, resp.Body.Close())
	return resp, data
}

func getToken(t *testing.T, srv *httptest.Server) string {
	t.Helper()
	resp, body := doJSON(t, http.MethodPost, srv.URL+"/api/v1/auth/token", "", nil)
	require.Equal(t, http.StatusCreated, resp.StatusCode, string(body))
	var out struct {
		AccessToken string `json:"access_token"`
	}
	require.NoError(t, json.Unmarshal(body, &out))
	require.NotEmpty(t, out.AccessToken)
	return out.AccessToken
}

func runToCompletion(t *testing.T, srv *httptest.Server, token string) string {
	t.Helper()
	resp, body := doJSON(t, http.MethodPost, srv.URL+"/api/v1/sessions/run", token,
		map[string]any{"task": "do the thing"})
	require.Equal(t, http.StatusCreated, resp.StatusCode, string(body))

	var sess struct {
		ID     string `json:"session_id"`
		Status string `json:"status"`
	}
	require.NoError(t, json.Unmarshal(body, &sess))
	require.Equal(t, "running", sess.Status)

	require.Eventually(t, func() bool {
		resp, body := doJSON(t, http.MethodGet, srv.URL+"/api/v1/sessions/"+sess.ID, token, nil)
		if resp.StatusCode != http.StatusOK {
			return false
		}
		var got struct {
			Status string `json:"status"`
		}
		return json.Unmarshal(body, &got) == nil && got.Status == "complete"
	}, 10*time.Second, 25*time.Millisecond)
	return sess.ID
}

func TestHealthEndpoint(t *testing.T) {
	srv := newTestServer(t)
	resp, body := doJSON(t, http.MethodGet, srv.URL+"/health", "", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), `"status":"ok"`)
	assert.Contains(t, string(body), `"service":"agentum"`)
}

func TestTokenForNamedUser(t *testing.T) {
	srv := newTestServer(t)
	resp, body := doJSON(t, http.MethodPost, srv.URL+"/api/v1/auth/token", "",
		map[string]any{"user_id": "alice"})
	require.Equal(t, http.StatusCreated, resp.StatusCode, string(body))
	assert.Contains(t, string(body), `"user_id":"alice"`)
}

func TestAuthRequired(t *testing.T) {
	srv := newTestServer(t)

	resp, _ := doJSON(t, http.MethodGet, srv.URL+"/api/v1/sessions", "", nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp, _ = doJSON(t, http.MethodGet, srv.URL+"/api/v1/sessions", "garbage-token", nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestRunSessionEndToEnd(t *testing.T) {
	srv := newTestServer(t)
	token := getToken(t, srv)
	id := runToCompletion(t, srv, token)

	resp, body := doJSON(t, http.MethodGet, srv.URL+"/api/v1/sessions/"+id+"/result", token, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))
	assert.Contains(t, string(body), "final answer")

	resp, body = doJSON(t, http.MethodGet, srv.URL+"/api/v1/sessions/"+id+"/events/history", token, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var evs struct {
		Count  int `json:"count"`
		Events []struct {
			Type     string `json:"type"`
			Sequence int64  `json:"sequence"`
		} `json:"events"`
	}
	require.NoError(t, json.Unmarshal(body, &evs))
	require.GreaterOrEqual(t, evs.Count, 4)
	assert.Equal(t, "user_message", evs.Events[0].Type)
	assert.Equal(t, int64(1), evs.Events[0].Sequence)

	resp, body = doJSON(t, http.MethodGet,
		srv.URL+"/api/v1/sessions/"+id+"/files/output.yaml", token, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), "final answer")

	// The documented form addresses the file via the path query param.
	resp, body = doJSON(t, http.MethodGet,
		srv.URL+"/api/v1/sessions/"+id+"/files/?path=output.yaml", token, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), "final answer")
}

func TestListSessions(t *testing.T) {
	srv := newTestServer(t)
	token := getToken(t, srv)
	runToCompletion(t, srv, token)

	resp, body := doJSON(t, http.MethodGet, srv.URL+"/api/v1/sessions?limit=10", token, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var list struct {
		Total int `json:"total"`
	}
	require.NoError(t, json.Unmarshal(body, &list))
	assert.Equal(t, 1, list.Total)

	// Sessions are per user: a second identity sees nothing.
	other := getToken(t, srv)
	resp, body = doJSON(t, http.MethodGet, srv.URL+"/api/v1/sessions", other, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.NoError(t, json.Unmarshal(body, &list))
	assert.Zero(t, list.Total)
}

func TestErrorMapping(t *testing.T) {
	srv := newTestServer(t)
	token := getToken(t, srv)

	// Validation failure.
	resp, _ := doJSON(t, http.MethodPost, srv.URL+"/api/v1/sessions/run", token,
		map[string]any{"task": "   "})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	// Unknown session.
	resp, _ = doJSON(t, http.MethodGet,
		srv.URL+"/api/v1/sessions/20240101_120000_deadbeef", token, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	// Cancel on a finished session conflicts.
	id := runToCompletion(t, srv, token)
	resp, _ = doJSON(t, http.MethodPost,
		srv.URL+"/api/v1/sessions/"+id+"/cancel", token, nil)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	// Result before finish is also a conflict; covered via service tests.
}

func TestEventStreamReplay(t *testing.T) {
	srv := newTestServer(t)
	token := getToken(t, srv)
	id := runToCompletion(t, srv, token)

	// EventSource-style access with the token in the query string.
	url := fmt.Sprintf("%s/api/v1/sessions/%s/events?token=%s", srv.URL, id, token)
	resp, err := http.Get(url)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, resp.Header.Get("Content-Type"), "text/event-stream")

	// The session is finished, so the stream replays and closes.
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	text := string(body)
	assert.Contains(t, text, "id: 1\n")
	assert.Contains(t, text, `"type":"user_message"`)
	assert.Contains(t, text, `"type":"agent_complete"`)
}

func TestEventStreamNoHeartbeatWhileBusy(t *testing.T) {
	// Events arrive every 0.4s for longer than the 2s heartbeat interval;
	// each write rearms the idle timer, so no heartbeat comment appears.
	busyScript := `#!/bin/sh
echo '{"type":"agent_start","data":{"session_id":"conv-1"}}'
i=0
while [ $i -lt 6 ]; do
  echo '{"type":"message","data":{"text":"tick"}}'
  sleep 0.4
  i=$((i+1))
done
echo '{"type":"agent_complete","data":{"status":"complete"}}'
`
	srv := newTestServerWith(t, busyScript, 2)
	token := getToken(t, srv)

	resp, body := doJSON(t, http.MethodPost, srv.URL+"/api/v1/sessions/run", token,
		map[string]any{"task": "busy"})
	require.Equal(t, http.StatusCreated, resp.StatusCode, string(body))
	var sess struct {
		ID string `json:"session_id"`
	}
	require.NoError(t, json.Unmarshal(body, &sess))

	url := fmt.Sprintf("%s/api/v1/sessions/%s/events?token=%s", srv.URL, sess.ID, token)
	streamResp, err := http.Get(url)
	require.NoError(t, err)
	defer streamResp.Body.Close()

	data, err := io.ReadAll(streamResp.Body)
	require.NoError(t, err)
	text := string(data)
	assert.Contains(t, text, `"type":"agent_complete"`)
	assert.NotContains(t, text, ": heartbeat")
}

func TestEventStreamAfterOffset(t *testing.T) {
	srv := newTestServer(t)
	token := getToken(t, srv)
	id := runToCompletion(t, srv, token)

	url := fmt.Sprintf("%s/api/v1/sessions/%s/events?token=%s&after=2", srv.URL, id, token)
	resp, err := http.Get(url)
	require.NoError(t, err)
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	text := string(body)
	assert.NotContains(t, text, "id: 1\n")
	assert.NotContains(t, text, "id: 2\n")
	assert.Contains(t, text, "id: 3\n")
}
