// Package history models conversation history and compresses it when it
// grows past the upstream's input limits: recent turns are kept verbatim,
// earlier turns are replaced by a generated summary.
package history

import (
	"encoding/json"
)

// Roles used by the generic envelope.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// ToolUse is one tool invocation inside an assistant turn.
type ToolUse struct {
	ToolUseID string          `json:"toolUseId,omitempty"`
	Name      string          `json:"name,omitempty"`
	Input     json.RawMessage `json:"input,omitempty"`
}

// ToolResult is one tool outcome carried in a user turn's context.
type ToolResult struct {
	ToolUseID string          `json:"toolUseId,omitempty"`
	Content   json.RawMessage `json:"content,omitempty"`
	Status    string          `json:"status,omitempty"`
}

// UserContext is the kiro envelope's per-turn context block.
type UserContext struct {
	ToolResults []ToolResult `json:"toolResults,omitempty"`
}

// UserMessage is a kiro-framed user turn.
type UserMessage struct {
	Content string       `json:"content"`
	ModelID string       `json:"modelId,omitempty"`
	Origin  string       `json:"origin,omitempty"`
	Context *UserContext `json:"userInputMessageContext,omitempty"`
}

// AssistantMessage is a kiro-framed assistant turn.
type AssistantMessage struct {
	Content  string    `json:"content"`
	ModelID  string    `json:"modelId,omitempty"`
	ToolUses []ToolUse `json:"toolUses,omitempty"`
}

// Entry is one history turn in either envelope. Exactly one of the kiro
// pointers is set for kiro-framed turns; generic turns use Role/Content.
// The envelope survives compression untouched.
type Entry struct {
	UserInput         *UserMessage      `json:"userInputMessage,omitempty"`
	AssistantResponse *AssistantMessage `json:"assistantResponseMessage,omitempty"`

	Role    string `json:"role,omitempty"`
	Content string `json:"content,omitempty"`
}

// IsKiro reports whether the entry uses the kiro envelope.
func (e *Entry) IsKiro() bool {
	return e.UserInput != nil || e.AssistantResponse != nil
}

// IsUser reports whether this is a user turn in either envelope.
func (e *Entry) IsUser() bool {
	return e.UserInput != nil || e.Role == RoleUser
}

// IsAssistant reports whether this is an assistant turn in either envelope.
func (e *Entry) IsAssistant() bool {
	return e.AssistantResponse != nil || e.Role == RoleAssistant
}

// Text returns the turn's textual content.
func (e *Entry) Text() string {
	switch {
	case e.UserInput != nil:
		return e.UserInput.Content
	case e.AssistantResponse != nil:
		return e.AssistantResponse.Content
	default:
		return e.Content
	}
}

// clone returns a copy safe to mutate without aliasing the caller's data.
func (e Entry) clone() Entry {
	if e.UserInput != nil {
		msg := *e.UserInput
		if msg.Context != nil {
			ctx := *msg.Context
			ctx.ToolResults = append([]ToolResult(nil), ctx.ToolResults...)
			msg.Context = &ctx
		}
		e.UserInput = &msg
	}
	if e.AssistantResponse != nil {
		msg := *e.AssistantResponse
		msg.ToolUses = append([]ToolUse(nil), msg.ToolUses...)
		e.AssistantResponse = &msg
	}
	return e
}

// SerializedLen is the canonical size metric: the length of the JSON
// encoding of the entries.
func SerializedLen(entries []Entry) int {
	data, err := json.Marshal(entries)
	if err != nil {
		return 0
	}
	return len(data)
}

func entryLen(e Entry) int {
	data, err := json.Marshal(e)
	if err != nil {
		return 0
	}
	return len(data)
}

// HasKiroEntries reports whether any entry uses the kiro envelope.
func HasKiroEntries(entries []Entry) bool {
	for i := range entries {
		if entries[i].IsKiro() {
			return true
		}
	}
	return false
}
