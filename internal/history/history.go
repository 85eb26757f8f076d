// Package history defines the on-disk message schema shared by the dialog
// store (C2), the tool executor (C6), and the history reconstructor (C8). The
// schema is independent of any LLM provider's wire format: a Client
// implementation is responsible for mapping its own message shape to and from
// these types before anything crosses into persistence.
package history

import "encoding/json"

// Kind identifies which Message variant a row holds.
type Kind string

const (
	KindUser       Kind = "user"
	KindAssistant  Kind = "assistant"
	KindToolResult Kind = "tool_result"
	KindSystem     Kind = "system"
)

// ToolCallRecord is one element of an Assistant message's ordered tool-call
// list. ID is unique within a dialog.
type ToolCallRecord struct {
	ID   string          `json:"id"`
	Name string          `json:"name"`
	Args json.RawMessage `json:"args"`
}

// ResultRef points at a record in the tool-result store (C3).
type ResultRef struct {
	Kind string `json:"kind"` // always "stored"
	ID   string `json:"id"`
	Size int64  `json:"size"`
}

// Envelope is the content that replaces a large tool output in history. The
// slim form persisted to storage never carries InlineResult or
// TruncatedPreview; those are attached only transiently for the model's next
// turn by the tool executor (see agentloop).
type Envelope struct {
	ToolCallID      string          `json:"tool_call_id"`
	ToolName        string          `json:"tool_name"`
	Status          string          `json:"status"` // "success" | "error"
	SizeBytes       int64           `json:"size_bytes"`
	Summary         string          `json:"summary,omitempty"`
	TruncatedPreview string         `json:"truncated_preview,omitempty"`
	ResultPresent   bool            `json:"result_present"`
	ResultRef       *ResultRef      `json:"result_ref,omitempty"`
	InlineResult    json.RawMessage `json:"inline_result,omitempty"`
	HasInlineResult bool            `json:"has_inline_result"`
}

// Slim returns a copy of e with InlineResult and TruncatedPreview stripped,
// the form that is safe to persist to the dialog history.
func (e Envelope) Slim() Envelope {
	e.InlineResult = nil
	e.TruncatedPreview = ""
	return e
}

// Message is one row of a dialog's append-only log.
type Message struct {
	Kind Kind `json:"kind"`

	// User
	Content    string `json:"content,omitempty"`
	Checkpoint string `json:"checkpoint,omitempty"`
	Session    string `json:"session,omitempty"`

	// Assistant
	ToolCalls []ToolCallRecord `json:"tool_calls,omitempty"`

	// ToolResult
	ToolCallID string    `json:"tool_call_id,omitempty"`
	Result     *Envelope `json:"result,omitempty"`
}

// IsEmptyAssistant reports whether m is an assistant message that exists only
// as a carrier for tool_calls (no text content). Such messages are structural
// and are excluded from the visible-message count but still returned by
// Slice so their tool calls can be attached to the reconstructed history.
func (m Message) IsEmptyAssistant() bool {
	return m.Kind == KindAssistant && m.Content == ""
}

// Visible reports whether m counts toward the visible-message cursor used for
// pagination: every kind except ToolResult, and excluding empty-assistant
// carriers.
func (m Message) Visible() bool {
	if m.Kind == KindToolResult {
		return false
	}
	return !m.IsEmptyAssistant()
}

// User constructs a User message.
func User(content, checkpoint, session string) Message {
	return Message{Kind: KindUser, Content: content, Checkpoint: checkpoint, Session: session}
}

// Assistant constructs an Assistant message.
func Assistant(content string, toolCalls []ToolCallRecord) Message {
	return Message{Kind: KindAssistant, Content: content, ToolCalls: toolCalls}
}

// ToolResult constructs a ToolResult message.
func ToolResult(toolCallID string, env Envelope) Message {
	return Message{Kind: KindToolResult, ToolCallID: toolCallID, Result: &env}
}

// System constructs a System message.
func System(content string) Message {
	return Message{Kind: KindSystem, Content: content}
}
