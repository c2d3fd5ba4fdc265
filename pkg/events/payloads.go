package events

// Typed payloads for each event kind. These are the only payload shapes
// the core passes around; serialization to the documented JSON happens at
// the wire boundary.

// AgentStartPayload announces the child agent is up. SessionID here is the
// agent's own opaque conversation id, captured as resume_id.
type AgentStartPayload struct {
	SessionID  string   `json:"session_id"` // agent-native conversation id (resume token)
	Model      string   `json:"model"`
	Tools      []string `json:"tools"`
	WorkingDir string   `json:"working_dir"`
	Task       string   `json:"task"`
}

// UserMessagePayload echoes the submitted task into the stream.
type UserMessagePayload struct {
	Text string `json:"text"`
}

// ThinkingPayload carries model reasoning text.
type ThinkingPayload struct {
	Text string `json:"text"`
}

// MessagePayload carries assistant text. Partial fragments stream deltas;
// the final message repeats the concatenated total in FullText.
type MessagePayload struct {
	Text      string `json:"text"`
	IsPartial bool   `json:"is_partial"`
	FullText  string `json:"full_text,omitempty"` // only on the final message
}

// ToolStartPayload announces a tool invocation.
type ToolStartPayload struct {
	ToolName  string         `json:"tool_name"`
	ToolInput map[string]any `json:"tool_input"`
	ToolID    string         `json:"tool_id"`
}

// ToolCompletePayload reports a tool result.
type ToolCompletePayload struct {
	ToolName   string `json:"tool_name"`
	ToolID     string `json:"tool_id"`
	Result     string `json:"result"`
	DurationMS int64  `json:"duration_ms"`
	IsError    bool   `json:"is_error"`
}

// OutputDisplayPayload mirrors the structured output document.
type OutputDisplayPayload struct {
	Output      string   `json:"output"`
	Error       string   `json:"error"`
	Comments    string   `json:"comments"`
	ResultFiles []string `json:"result_files"`
	Status      string   `json:"status"`
}

// TokenUsage aggregates token counts for a run.
type TokenUsage struct {
	InputTokens      int64 `json:"input_tokens"`
	OutputTokens     int64 `json:"output_tokens"`
	CacheReadTokens  int64 `json:"cache_read_tokens,omitempty"`
	CacheWriteTokens int64 `json:"cache_write_tokens,omitempty"`
}

// AgentCompletePayload is the normal terminal event.
type AgentCompletePayload struct {
	Status       string      `json:"status"` // complete | error | partial
	NumTurns     int         `json:"num_turns"`
	DurationMS   int64       `json:"duration_ms"`
	TotalCostUSD float64     `json:"total_cost_usd"`
	Usage        *TokenUsage `json:"usage,omitempty"`
	Model        string      `json:"model"`
}

// MetricsUpdatePayload carries incremental run metrics.
type MetricsUpdatePayload struct {
	Turns        int     `json:"turns"`
	TokensIn     int64   `json:"tokens_in"`
	TokensOut    int64   `json:"tokens_out"`
	TotalCostUSD float64 `json:"total_cost_usd"`
	Model        string  `json:"model"`
}

// ErrorPayload is the failure terminal event.
type ErrorPayload struct {
	Message   string `json:"message"`
	ErrorType string `json:"error_type"` // server_error | timeout | sandbox_unavailable | subscriber_lagged
}

// CancelledPayload is the cancel terminal event. Resumable is true when
// agent_start was observed, so the conversation can be continued.
type CancelledPayload struct {
	Message   string `json:"message"`
	Resumable bool   `json:"resumable"`
}

// ConversationTurnPayload summarizes one agent turn.
type ConversationTurnPayload struct {
	TurnNumber      int      `json:"turn_number"`
	PromptPreview   string   `json:"prompt_preview"`
	ResponsePreview string   `json:"response_preview"`
	DurationMS      int64    `json:"duration_ms"`
	ToolsUsed       []string `json:"tools_used"`
}

// ProfileSwitchPayload records a mid-run permission profile change.
type ProfileSwitchPayload struct {
	Profile string `json:"profile"`
	Reason  string `json:"reason,omitempty"`
}

// HookTriggeredPayload records a host-side hook firing.
type HookTriggeredPayload struct {
	Hook     string `json:"hook"`
	ToolName string `json:"tool_name,omitempty"`
	Detail   string `json:"detail,omitempty"`
}

// SessionConnectPayload marks a subscriber attaching to the stream.
type SessionConnectPayload struct {
	Subscribers int `json:"subscribers"`
}

// SessionDisconnectPayload marks a subscriber detaching from the stream.
type SessionDisconnectPayload struct {
	Subscribers int `json:"subscribers"`
}
