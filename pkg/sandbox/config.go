// Package sandbox builds the bubblewrap command line that wraps the agent
// child process. The whole agent runs inside one sandbox, so every
// subprocess it spawns inherits the isolation.
package sandbox

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Mount binds a host path into the sandbox.
type Mount struct {
	Source string `yaml:"source"`
	Target string `yaml:"target"`
	// Mode is "ro" or "rw"; defaults to "ro".
	Mode string `yaml:"mode"`
}

// EnvConfig describes the environment inside the sandbox. The host
// environment is cleared and re-populated from this enumerated set.
type EnvConfig struct {
	ClearEnv       bool              `yaml:"clear_env"`
	Home           string            `yaml:"home"`
	Path           string            `yaml:"path"`
	AdditionalVars map[string]string `yaml:"additional_vars"`
}

// Config is the resolved sandbox configuration.
type Config struct {
	Enabled    bool
	BwrapPath  string
	UnsharePID bool
	UnshareIPC bool
	UnshareUTS bool
	TmpfsSize  int64
	Mounts     []Mount
	Env        EnvConfig
}

// Boolean overrides use pointers so an explicit `false` in YAML is
// distinguishable from an unset field.
type envOverrides struct {
	ClearEnv       *bool             `yaml:"clear_env"`
	Home           string            `yaml:"home"`
	Path           string            `yaml:"path"`
	AdditionalVars map[string]string `yaml:"additional_vars"`
}

type sandboxOverrides struct {
	Enabled    *bool         `yaml:"enabled"`
	BwrapPath  string        `yaml:"bwrap_path"`
	UnsharePID *bool         `yaml:"unshare_pid"`
	UnshareIPC *bool         `yaml:"unshare_ipc"`
	UnshareUTS *bool         `yaml:"unshare_uts"`
	TmpfsSize  int64         `yaml:"tmpfs_size"`
	Mounts     []Mount       `yaml:"system_mounts"`
	Env        *envOverrides `yaml:"environment"`
}

type securityYAML struct {
	Sandbox *sandboxOverrides `yaml:"sandbox"`
}

// DefaultConfig returns the built-in sandbox configuration.
func DefaultConfig() *Config {
	return &Config{
		Enabled:    true,
		BwrapPath:  "bwrap",
		UnsharePID: true,
		UnshareIPC: true,
		UnshareUTS: true,
		TmpfsSize:  100 << 20,
		Mounts: []Mount{
			{Source: "/usr", Target: "/usr", Mode: "ro"},
			{Source: "/lib", Target: "/lib", Mode: "ro"},
			{Source: "/bin", Target: "/bin", Mode: "ro"},
		},
		Env: EnvConfig{
			ClearEnv: true,
			Home:     "/session/workspace",
			Path:     "/usr/bin:/bin",
		},
	}
}

// LoadConfig reads security.yaml, applying user values over the defaults.
// A missing file yields the defaults unchanged.
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read sandbox config %s: %w", path, err)
	}

	var doc securityYAML
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("failed to parse sandbox config %s: %w", path, err)
	}
	if doc.Sandbox == nil {
		return cfg, nil
	}

	o := doc.Sandbox
	if o.Enabled != nil {
		cfg.Enabled = *o.Enabled
	}
	if o.BwrapPath != "" {
		cfg.BwrapPath = o.BwrapPath
	}
	if o.UnsharePID != nil {
		cfg.UnsharePID = *o.UnsharePID
	}
	if o.UnshareIPC != nil {
		cfg.UnshareIPC = *o.UnshareIPC
	}
	if o.UnshareUTS != nil {
		cfg.UnshareUTS = *o.UnshareUTS
	}
	if o.TmpfsSize > 0 {
		cfg.TmpfsSize = o.TmpfsSize
	}
	if len(o.Mounts) > 0 {
		cfg.Mounts = o.Mounts
	}
	if o.Env != nil {
		if o.Env.ClearEnv != nil {
			cfg.Env.ClearEnv = *o.Env.ClearEnv
		}
		if o.Env.Home != "" {
			cfg.Env.Home = o.Env.Home
		}
		if o.Env.Path != "" {
			cfg.Env.Path = o.Env.Path
		}
		if len(o.Env.AdditionalVars) > 0 {
			cfg.Env.AdditionalVars = o.Env.AdditionalVars
		}
	}

	for i := range cfg.Mounts {
		if cfg.Mounts[i].Mode == "" {
			cfg.Mounts[i].Mode = "ro"
		}
		if m := strings.ToLower(cfg.Mounts[i].Mode); m != "ro" && m != "rw" {
			return nil, fmt.Errorf("sandbox mount %s: mode must be ro or rw, got %q",
				cfg.Mounts[i].Source, cfg.Mounts[i].Mode)
		}
	}
	return cfg, nil
}

// resolvePlaceholders substitutes {workspace}, {session_dir} and {skills}
// in a mount path.
func resolvePlaceholders(value string, placeholders map[string]string) string {
	for key, replacement := range placeholders {
		value = strings.ReplaceAll(value, "{"+key+"}", replacement)
	}
	return value
}
