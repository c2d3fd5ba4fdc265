package sessionfs

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// TaskOutput is the structured result the agent writes to
// workspace/output.yaml before completing.
type TaskOutput struct {
	SessionID   string   `yaml:"session_id" json:"session_id"`
	Status      string   `yaml:"status" json:"status"`
	Output      string   `yaml:"output" json:"output"`
	Error       string   `yaml:"error" json:"error"`
	Comments    string   `yaml:"comments" json:"comments"`
	ResultFiles []string `yaml:"result_files" json:"result_files"`
}

// emptyOutput returns the default result shape used when the agent wrote
// nothing usable.
func emptyOutput(sessionID string) *TaskOutput {
	return &TaskOutput{
		SessionID:   sessionID,
		Status:      "failed",
		ResultFiles: []string{},
	}
}

// ParseOutput reads and parses the session's output.yaml. A missing or
// malformed file yields the default failed-shape result rather than an
// error, so the result endpoint always has something to return.
func (m *Manager) ParseOutput(id string) (*TaskOutput, error) {
	path, err := m.OutputFile(id)
	if err != nil {
		return nil, err
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			m.log.Debug("No output.yaml for session", "session_id", id)
			return emptyOutput(id), nil
		}
		return nil, fmt.Errorf("failed to read output.yaml for %s: %w", id, err)
	}

	out := emptyOutput(id)
	if err := yaml.Unmarshal(data, out); err != nil {
		m.log.Warn("Failed to parse output.yaml", "session_id", id, "error", err)
		failed := emptyOutput(id)
		failed.Error = fmt.Sprintf("output.yaml parse error: %v", err)
		return failed, nil
	}
	if out.SessionID == "" {
		out.SessionID = id
	}
	if out.Status == "" {
		out.Status = "failed"
	}
	if out.ResultFiles == nil {
		out.ResultFiles = []string{}
	}
	return out, nil
}
