package runner

import (
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/agentum-ai/agentum/pkg/events"
)

// rawLine is the envelope shape of one child stdout line.
type rawLine struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

// parseLine decodes one stdout line into an event kind and typed payload.
// Unknown but well-formed types pass through with their raw payload so new
// agent versions stream without a server upgrade.
func parseLine(line []byte) (events.Kind, any, error) {
	var raw rawLine
	if err := json.Unmarshal(line, &raw); err != nil {
		return "", nil, fmt.Errorf("malformed event line: %w", err)
	}
	if raw.Type == "" {
		return "", nil, fmt.Errorf("event line missing type")
	}

	kind := events.Kind(raw.Type)
	payload, err := decodePayload(kind, raw.Data)
	if err != nil {
		return "", nil, fmt.Errorf("malformed %s payload: %w", raw.Type, err)
	}
	return kind, payload, nil
}

func decodePayload(kind events.Kind, data json.RawMessage) (any, error) {
	if len(data) == 0 {
		data = json.RawMessage("{}")
	}
	switch kind {
	case events.KindAgentStart:
		return unmarshalAs[events.AgentStartPayload](data)
	case events.KindUserMessage:
		return unmarshalAs[events.UserMessagePayload](data)
	case events.KindThinking:
		return unmarshalAs[events.ThinkingPayload](data)
	case events.KindMessage:
		return unmarshalAs[events.MessagePayload](data)
	case events.KindToolStart:
		return unmarshalAs[events.ToolStartPayload](data)
	case events.KindToolComplete:
		return unmarshalAs[events.ToolCompletePayload](data)
	case events.KindOutputDisplay:
		return unmarshalAs[events.OutputDisplayPayload](data)
	case events.KindAgentComplete:
		return unmarshalAs[events.AgentCompletePayload](data)
	case events.KindMetricsUpdate:
		return unmarshalAs[events.MetricsUpdatePayload](data)
	case events.KindError:
		return unmarshalAs[events.ErrorPayload](data)
	case events.KindCancelled:
		return unmarshalAs[events.CancelledPayload](data)
	case events.KindConversationTurn:
		return unmarshalAs[events.ConversationTurnPayload](data)
	case events.KindProfileSwitch:
		return unmarshalAs[events.ProfileSwitchPayload](data)
	case events.KindHookTriggered:
		return unmarshalAs[events.HookTriggeredPayload](data)
	default:
		slog.Debug("Unrecognized event type passed through", "type", string(kind))
		return data, nil
	}
}

func unmarshalAs[T any](data json.RawMessage) (any, error) {
	var v T
	if err := json.Unmarshal(data, &v); err != nil {
		return nil, err
	}
	return v, nil
}
