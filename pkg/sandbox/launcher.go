package sandbox

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"sort"
)

// ErrSandboxUnavailable is returned when sandboxing is required but the
// isolation binary cannot be found. There is no unsandboxed fallback.
var ErrSandboxUnavailable = errors.New("sandbox binary unavailable")

// sessionMountTarget is the fixed in-sandbox path of the session directory.
const sessionMountTarget = "/session"

// skillsMountTarget is the fixed in-sandbox path of the shared skills tree.
const skillsMountTarget = "/skills"

// Launcher wraps agent command vectors in a bubblewrap invocation.
type Launcher struct {
	cfg       *Config
	skillsDir string
}

// NewLauncher creates a launcher. skillsDir may be empty when no shared
// skills tree is configured.
func NewLauncher(cfg *Config, skillsDir string) *Launcher {
	return &Launcher{cfg: cfg, skillsDir: skillsDir}
}

// Enabled reports whether sandboxing is turned on.
func (l *Launcher) Enabled() bool {
	return l.cfg.Enabled
}

// Available reports whether the isolation binary can be resolved.
func (l *Launcher) Available() bool {
	_, err := exec.LookPath(l.cfg.BwrapPath)
	return err == nil
}

// Wrap returns the sandboxed command vector for running command with the
// given session directory bound read-write at /session. When sandboxing is
// enabled and the isolation binary is missing, Wrap fails with
// ErrSandboxUnavailable; it never degrades to direct execution.
func (l *Launcher) Wrap(sessionDir string, command []string) ([]string, error) {
	if len(command) == 0 {
		return nil, errors.New("empty command")
	}
	if !l.cfg.Enabled {
		return command, nil
	}
	if !l.Available() {
		return nil, fmt.Errorf("%w: %q not found", ErrSandboxUnavailable, l.cfg.BwrapPath)
	}

	placeholders := map[string]string{
		"session_dir": sessionDir,
		"workspace":   sessionDir + "/workspace",
		"skills":      l.skillsDir,
	}

	cmd := []string{l.cfg.BwrapPath}

	if l.cfg.UnsharePID {
		cmd = append(cmd, "--unshare-pid")
	}
	if l.cfg.UnshareUTS {
		cmd = append(cmd, "--unshare-uts")
	}
	if l.cfg.UnshareIPC {
		cmd = append(cmd, "--unshare-ipc")
	}

	cmd = append(cmd, "--die-with-parent", "--new-session")

	// Session directory is the agent's writable world.
	cmd = append(cmd, "--bind", sessionDir, sessionMountTarget)

	// System mounts, skipping sources absent on this host.
	for _, m := range l.cfg.Mounts {
		source := resolvePlaceholders(m.Source, placeholders)
		target := resolvePlaceholders(m.Target, placeholders)
		if _, err := os.Stat(source); err != nil {
			continue
		}
		if m.Mode == "rw" {
			cmd = append(cmd, "--bind", source, target)
		} else {
			cmd = append(cmd, "--ro-bind", source, target)
		}
	}

	// /lib64 symlink is common on Linux and required by dynamic binaries.
	if _, err := os.Stat("/lib64"); err == nil {
		cmd = append(cmd, "--ro-bind", "/lib64", "/lib64")
	}

	if l.skillsDir != "" {
		if _, err := os.Stat(l.skillsDir); err == nil {
			cmd = append(cmd, "--ro-bind", l.skillsDir, skillsMountTarget)
		}
	}

	cmd = append(cmd, "--proc", "/proc")
	cmd = append(cmd, "--dev", "/dev")
	cmd = append(cmd, "--tmpfs", fmt.Sprintf("/tmp:size=%d", l.cfg.TmpfsSize))

	if l.cfg.Env.ClearEnv {
		cmd = append(cmd, "--clearenv")
	}
	cmd = append(cmd, "--setenv", "HOME", l.cfg.Env.Home)
	cmd = append(cmd, "--setenv", "PATH", l.cfg.Env.Path)

	// Deterministic order for reproducible command lines.
	keys := make([]string, 0, len(l.cfg.Env.AdditionalVars))
	for k := range l.cfg.Env.AdditionalVars {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		cmd = append(cmd, "--setenv", k, l.cfg.Env.AdditionalVars[k])
	}

	cmd = append(cmd, "--chdir", l.cfg.Env.Home)
	cmd = append(cmd, "--")
	cmd = append(cmd, command...)

	return cmd, nil
}

// ValidateMountSources returns the configured mount sources missing from
// the host, for startup diagnostics.
func (l *Launcher) ValidateMountSources() []string {
	var missing []string
	for _, m := range l.cfg.Mounts {
		if _, err := os.Stat(m.Source); err != nil {
			missing = append(missing, m.Source)
		}
	}
	return missing
}
