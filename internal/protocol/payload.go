package protocol

import "encoding/json"

// Typed views over the open-ended hook payload. The wrapped tool's hook
// system sends snake_case fields; only the ones the concentrator or wrapper
// act on are modeled, everything else rides along in the raw Data.

// SessionStartData is the payload of a SessionStart hook. It is the only
// payload the store inspects: it reveals the tool's own session id, the
// transcript location, and (sometimes) the model.
type SessionStartData struct {
	SessionID      string `json:"session_id"`
	Cwd            string `json:"cwd,omitempty"`
	Model          string `json:"model,omitempty"`
	Source         string `json:"source,omitempty"`
	TranscriptPath string `json:"transcript_path,omitempty"`
}

type UserPromptSubmitData struct {
	SessionID string `json:"session_id"`
	Prompt    string `json:"prompt"`
}

type PreToolUseData struct {
	SessionID string          `json:"session_id"`
	ToolName  string          `json:"tool_name"`
	ToolInput json.RawMessage `json:"tool_input,omitempty"`
}

type PostToolUseData struct {
	SessionID    string          `json:"session_id"`
	ToolName     string          `json:"tool_name"`
	ToolInput    json.RawMessage `json:"tool_input,omitempty"`
	ToolResponse string          `json:"tool_response,omitempty"`
}

type PostToolUseFailureData struct {
	SessionID string          `json:"session_id"`
	ToolName  string          `json:"tool_name"`
	ToolInput json.RawMessage `json:"tool_input,omitempty"`
	Error     string          `json:"error"`
}

type NotificationData struct {
	SessionID        string `json:"session_id"`
	Message          string `json:"message"`
	NotificationType string `json:"notification_type,omitempty"`
}

// DecodeSessionStart extracts the typed SessionStart fields from a raw hook
// payload. Returns false if the payload is not JSON or carries no session id.
func DecodeSessionStart(data json.RawMessage) (SessionStartData, bool) {
	var d SessionStartData
	if len(data) == 0 {
		return d, false
	}
	if err := json.Unmarshal(data, &d); err != nil {
		return SessionStartData{}, false
	}
	return d, d.SessionID != ""
}
