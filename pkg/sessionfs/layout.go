// Package sessionfs manages the per-session directory tree:
//
//	<root>/<session_id>/
//	  session_info.json   machine-readable session mirror
//	  agent.jsonl         raw per-line child stdout
//	  workspace/
//	    output.yaml       structured final output
//	    skills -> shared skills tree (read-only symlink)
//
// Session ids are validated against a strict pattern before any path join,
// and every resolved path is verified to stay inside the sessions root.
package sessionfs

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/agentum-ai/agentum/pkg/models"
)

// sessionIDPattern is the only id shape ever joined onto the sessions root.
var sessionIDPattern = regexp.MustCompile(`^\d{8}_\d{6}_[a-f0-9]{8}$`)

var (
	// ErrInvalidSessionID is returned for ids that fail the pattern check.
	ErrInvalidSessionID = errors.New("invalid session id")

	// ErrPathEscape is returned when a resolved path leaves its containment root.
	ErrPathEscape = errors.New("path escapes session root")

	// ErrNotFound is returned when a session directory or file is absent.
	ErrNotFound = errors.New("session file not found")
)

// GenerateID returns a fresh session id: YYYYMMDD_HHMMSS_<8 hex chars>.
func GenerateID() string {
	ts := time.Now().Format("20060102_150405")
	uid := strings.ReplaceAll(uuid.New().String(), "-", "")[:8]
	return ts + "_" + uid
}

// ValidateID checks a session id against the required pattern.
func ValidateID(id string) error {
	if !sessionIDPattern.MatchString(id) {
		return fmt.Errorf("%w: %q", ErrInvalidSessionID, id)
	}
	return nil
}

// Manager owns the sessions root directory.
type Manager struct {
	root      string
	skillsDir string
	log       *slog.Logger
}

// NewManager creates a Manager rooted at root. The root directory is
// created if missing. skillsDir is the shared skills tree the per-session
// symlink points at; empty disables skill installation.
func NewManager(root, skillsDir string) (*Manager, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve sessions root: %w", err)
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create sessions root: %w", err)
	}
	return &Manager{
		root:      abs,
		skillsDir: skillsDir,
		log:       slog.With("component", "sessionfs"),
	}, nil
}

// Root returns the absolute sessions root path.
func (m *Manager) Root() string {
	return m.root
}

// Dir returns the directory for a session after validating the id and
// verifying containment.
func (m *Manager) Dir(id string) (string, error) {
	if err := ValidateID(id); err != nil {
		return "", err
	}
	dir := filepath.Join(m.root, id)
	if err := m.checkContained(dir); err != nil {
		return "", err
	}
	return dir, nil
}

// Workspace returns the workspace directory for a session.
func (m *Manager) Workspace(id string) (string, error) {
	dir, err := m.Dir(id)
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "workspace"), nil
}

// OutputFile returns the path of the session's structured output document.
func (m *Manager) OutputFile(id string) (string, error) {
	ws, err := m.Workspace(id)
	if err != nil {
		return "", err
	}
	return filepath.Join(ws, "output.yaml"), nil
}

// LogFile returns the path of the raw agent stdout capture.
func (m *Manager) LogFile(id string) (string, error) {
	dir, err := m.Dir(id)
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "agent.jsonl"), nil
}

// InfoFile returns the path of the session metadata mirror.
func (m *Manager) InfoFile(id string) (string, error) {
	dir, err := m.Dir(id)
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "session_info.json"), nil
}

// Create builds the session directory tree. Used as phase one of the
// two-phase session create; Destroy is its rollback.
func (m *Manager) Create(id string) error {
	dir, err := m.Dir(id)
	if err != nil {
		return err
	}
	ws := filepath.Join(dir, "workspace")
	if err := os.MkdirAll(ws, 0o755); err != nil {
		return fmt.Errorf("failed to create session directory %s: %w", id, err)
	}
	if err := m.installSkillsSymlink(id); err != nil {
		// Skills are optional enrichment; the session stays usable.
		m.log.Warn("Failed to install skills symlink", "session_id", id, "error", err)
	}
	m.log.Info("Created session directory", "session_id", id, "dir", dir)
	return nil
}

// Destroy removes the session directory tree. Only the two-phase creation
// rollback calls this; sessions are never deleted once committed.
func (m *Manager) Destroy(id string) error {
	dir, err := m.Dir(id)
	if err != nil {
		return err
	}
	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("failed to remove session directory %s: %w", id, err)
	}
	m.log.Info("Removed session directory", "session_id", id)
	return nil
}

// Exists reports whether the session directory is present on disk.
func (m *Manager) Exists(id string) bool {
	dir, err := m.Dir(id)
	if err != nil {
		return false
	}
	info, err := os.Stat(dir)
	return err == nil && info.IsDir()
}

// installSkillsSymlink links workspace/skills to the shared skills tree.
func (m *Manager) installSkillsSymlink(id string) error {
	if m.skillsDir == "" {
		return nil
	}
	src, err := filepath.Abs(m.skillsDir)
	if err != nil {
		return err
	}
	if _, err := os.Stat(src); err != nil {
		return fmt.Errorf("skills dir unavailable: %w", err)
	}
	ws, err := m.Workspace(id)
	if err != nil {
		return err
	}
	link := filepath.Join(ws, "skills")
	if _, err := os.Lstat(link); err == nil {
		return nil
	}
	return os.Symlink(src, link)
}

// WriteInfo writes the session metadata mirror for agent consumption.
func (m *Manager) WriteInfo(session *models.Session) error {
	path, err := m.InfoFile(session.ID)
	if err != nil {
		return err
	}
	data, err := json.MarshalIndent(session, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal session info: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write session info: %w", err)
	}
	return nil
}

// ResolveWorkspaceFile resolves a workspace-relative path for reading.
// Absolute paths and any `..` traversal are rejected; symlinks are resolved
// and the final target must stay inside the workspace.
func (m *Manager) ResolveWorkspaceFile(id, relPath string) (string, error) {
	if relPath == "" || filepath.IsAbs(relPath) {
		return "", fmt.Errorf("%w: %q", ErrPathEscape, relPath)
	}
	for _, part := range strings.Split(filepath.ToSlash(relPath), "/") {
		if part == ".." {
			return "", fmt.Errorf("%w: %q", ErrPathEscape, relPath)
		}
	}
	ws, err := m.Workspace(id)
	if err != nil {
		return "", err
	}
	candidate := filepath.Join(ws, relPath)
	resolved, err := filepath.EvalSymlinks(candidate)
	if err != nil {
		if os.IsNotExist(err) {
			return "", fmt.Errorf("%w: %s", ErrNotFound, relPath)
		}
		return "", fmt.Errorf("failed to resolve %s: %w", relPath, err)
	}
	wsResolved, err := filepath.EvalSymlinks(ws)
	if err != nil {
		return "", fmt.Errorf("failed to resolve workspace: %w", err)
	}
	if !contained(wsResolved, resolved) {
		return "", fmt.Errorf("%w: %q", ErrPathEscape, relPath)
	}
	return resolved, nil
}

// checkContained verifies path is a descendant of the sessions root.
func (m *Manager) checkContained(path string) error {
	if !contained(m.root, path) {
		return fmt.Errorf("%w: %s", ErrPathEscape, path)
	}
	return nil
}

func contained(root, path string) bool {
	rel, err := filepath.Rel(root, path)
	if err != nil {
		return false
	}
	return rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}
