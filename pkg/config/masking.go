package config

import (
	"fmt"
	"log/slog"
	"regexp"
	"strings"
)

// sensitivePattern matches field names whose values must never be logged
// in the clear.
var sensitivePattern = regexp.MustCompile(`(?i)(secret|key|password|token|credential|auth)`)

// MaskValue masks a sensitive value, showing only the first and last few
// characters ("sk-a...wxyz"), or all asterisks when too short to mask safely.
func MaskValue(value string) string {
	const visible = 4
	if len(value) <= visible*2 {
		return strings.Repeat("*", len(value))
	}
	return value[:visible] + "..." + value[len(value)-visible:]
}

// MaskSensitive returns the value masked when the field name matches the
// sensitive pattern, otherwise unchanged.
func MaskSensitive(field, value string) string {
	if value != "" && sensitivePattern.MatchString(field) {
		return MaskValue(value)
	}
	return value
}

// logConfiguration logs the effective configuration at startup.
func logConfiguration(cfg *Config) {
	slog.Info("Agentum configuration",
		"config_dir", cfg.configDir,
		"api.host", cfg.API.Host,
		"api.port", cfg.API.Port,
		"api.cors_origins", strings.Join(cfg.API.CORSOrigins, ","),
		"database.path", cfg.Database.Path,
		"sessions.root", cfg.Sessions.Root,
		"sessions.skills_dir", cfg.Sessions.SkillsDir,
		"sessions.max_concurrent", cfg.Sessions.MaxConcurrent,
		"sessions.default_timeout", cfg.SessionTimeout(),
		"sessions.agent_command", cfg.Sessions.AgentCommand,
		"events.subscriber_buffer", cfg.Events.SubscriberBuffer,
		"events.heartbeat_interval", cfg.HeartbeatInterval(),
	)
}

// String implements fmt.Stringer with sensitive values masked, so a Config
// can be dumped in diagnostics without leaking secrets.
func (c *Config) String() string {
	return fmt.Sprintf("Config{api=%s:%d db=%s sessions_root=%s max_concurrent=%d}",
		c.API.Host, c.API.Port, c.Database.Path, c.Sessions.Root, c.Sessions.MaxConcurrent)
}
