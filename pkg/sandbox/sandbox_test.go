package sandbox

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeSecurityYAML(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "security.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadConfigMissingFileUsesDefaults(t *testing.T) {
	cfg, err := LoadConfig(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)
	assert.True(t, cfg.Enabled)
	assert.Equal(t, "bwrap", cfg.BwrapPath)
	assert.True(t, cfg.UnsharePID)
	assert.Equal(t, int64(100<<20), cfg.TmpfsSize)
	assert.True(t, cfg.Env.ClearEnv)
	assert.Equal(t, "/session/workspace", cfg.Env.Home)
}

func TestLoadConfigExplicitFalseOverridesDefault(t *testing.T) {
	path := writeSecurityYAML(t, `
sandbox:
  enabled: false
  unshare_pid: false
`)
	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.False(t, cfg.Enabled)
	assert.False(t, cfg.UnsharePID)
	// Unmentioned booleans keep their defaults.
	assert.True(t, cfg.UnshareIPC)
}

func TestLoadConfigOverrides(t *testing.T) {
	path := writeSecurityYAML(t, `
sandbox:
  bwrap_path: /usr/local/bin/bwrap
  tmpfs_size: 1048576
  system_mounts:
    - source: /opt/tools
      target: /opt/tools
  environment:
    home: /session
    additional_vars:
      LANG: C.UTF-8
`)
	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, "/usr/local/bin/bwrap", cfg.BwrapPath)
	assert.Equal(t, int64(1048576), cfg.TmpfsSize)
	require.Len(t, cfg.Mounts, 1)
	// Omitted mode defaults to read-only.
	assert.Equal(t, "ro", cfg.Mounts[0].Mode)
	assert.Equal(t, "/session", cfg.Env.Home)
	assert.Equal(t, "C.UTF-8", cfg.Env.AdditionalVars["LANG"])
}

func TestLoadConfigRejectsBadMountMode(t *testing.T) {
	path := writeSecurityYAML(t, `
sandbox:
  system_mounts:
    - source: /opt
      target: /opt
      mode: rwx
`)
	_, err := LoadConfig(path)
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "mode must be ro or rw")
}

func TestWrapDisabledPassesThrough(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Enabled = false
	l := NewLauncher(cfg, "")

	cmd, err := l.Wrap("/sessions/s1", []string{"agent", "--task", "x"})
	require.NoError(t, err)
	assert.Equal(t, []string{"agent", "--task", "x"}, cmd)
}

func TestWrapFailsClosedWhenBinaryMissing(t *testing.T) {
	cfg := DefaultConfig()
	cfg.BwrapPath = "definitely-not-a-real-binary-name"
	l := NewLauncher(cfg, "")

	_, err := l.Wrap("/sessions/s1", []string{"agent"})
	assert.ErrorIs(t, err, ErrSandboxUnavailable)
}

func TestWrapEmptyCommand(t *testing.T) {
	l := NewLauncher(DefaultConfig(), "")
	_, err := l.Wrap("/sessions/s1", nil)
	assert.Error(t, err)
}

func TestWrapCommandShape(t *testing.T) {
	// Use a binary guaranteed to resolve so Wrap builds the full vector.
	cfg := DefaultConfig()
	cfg.BwrapPath = "sh"
	cfg.Env.AdditionalVars = map[string]string{"B_VAR": "2", "A_VAR": "1"}
	l := NewLauncher(cfg, "")

	cmd, err := l.Wrap("/sessions/s1", []string{"agent", "--task", "x"})
	require.NoError(t, err)

	joined := strings.Join(cmd, " ")
	assert.Equal(t, "sh", cmd[0])
	assert.Contains(t, joined, "--unshare-pid")
	assert.Contains(t, joined, "--die-with-parent")
	assert.Contains(t, joined, "--new-session")
	assert.Contains(t, joined, "--bind /sessions/s1 /session")
	assert.Contains(t, joined, "--proc /proc")
	assert.Contains(t, joined, "--dev /dev")
	assert.Contains(t, joined, "--tmpfs /tmp:size=104857600")
	assert.Contains(t, joined, "--clearenv")
	assert.Contains(t, joined, "--setenv HOME /session/workspace")
	assert.Contains(t, joined, "--setenv PATH /usr/bin:/bin")
	// Additional vars appear in sorted order.
	assert.Contains(t, joined, "--setenv A_VAR 1 --setenv B_VAR 2")
	assert.Contains(t, joined, "--chdir /session/workspace")

	// The agent command follows the -- separator untouched.
	sep := -1
	for i, a := range cmd {
		if a == "--" {
			sep = i
			break
		}
	}
	require.GreaterOrEqual(t, sep, 0)
	assert.Equal(t, []string{"agent", "--task", "x"}, cmd[sep+1:])
}

func TestWrapSkipsMissingMountSources(t *testing.T) {
	cfg := DefaultConfig()
	cfg.BwrapPath = "sh"
	cfg.Mounts = []Mount{
		{Source: "/definitely/not/present", Target: "/x", Mode: "ro"},
	}
	l := NewLauncher(cfg, "")

	cmd, err := l.Wrap("/sessions/s1", []string{"agent"})
	require.NoError(t, err)
	assert.NotContains(t, strings.Join(cmd, " "), "/definitely/not/present")
}

func TestResolvePlaceholders(t *testing.T) {
	got := resolvePlaceholders("{workspace}/cache", map[string]string{
		"workspace": "/sessions/s1/workspace",
	})
	assert.Equal(t, "/sessions/s1/workspace/cache", got)
}

func TestValidateMountSources(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Mounts = append(cfg.Mounts, Mount{Source: "/definitely/not/present", Target: "/x"})
	l := NewLauncher(cfg, "")
	missing := l.ValidateMountSources()
	assert.Contains(t, missing, "/definitely/not/present")
}
