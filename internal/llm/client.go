// Package llm defines the capability boundary the core consumes for talking
// to a large-language-model provider. Wire-level clients (chat completions,
// responses API, or any provider's own SDK) are deliberately out of scope for
// this module; callers inject a Client built on top of whichever provider SDK
// they choose.
package llm

import (
	"context"
	"encoding/json"
)

// Role identifies the speaker of a Message in the wire-agnostic conversation
// shape the core persists and replays. This is intentionally narrower than
// any single provider's message schema (see SPEC_FULL.md §D.2): no provider
// metadata (thought signatures, additional_kwargs, …) crosses this boundary.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// ToolCall is a single function-call emission from the model.
type ToolCall struct {
	ID   string
	Name string
	Args json.RawMessage
}

// Message is one turn in the conversation handed to/received from a Client.
type Message struct {
	Role       Role
	Content    string
	ToolCallID string     // set when Role == RoleTool
	ToolCalls  []ToolCall // set when Role == RoleAssistant and the model requested tools
}

// ToolSchema describes one callable tool for the provider's function-calling
// surface. Parameters is a JSON Schema object.
type ToolSchema struct {
	Name        string
	Description string
	Parameters  map[string]any
}

// Usage is the normalized token accounting for one Client call, after mapping
// whatever provider-specific field names were present; the mapping is done
// by each Client implementation (see openai's normalizeChunk).
type Usage struct {
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
	Model            string
}

// ContentBlock is a normalized fragment of a single streamed chunk. Providers
// surface text, reasoning, tool-call deltas, and usage snapshots through
// differently-shaped wire chunks (see spec.md §4.6.2); a Client implementation
// is responsible for normalizing whatever it receives from its wire format
// into a sequence of ContentBlocks, per the REDESIGN FLAGS guidance against
// threading a tower of ad-hoc dict lookups through the engine itself.
type ContentBlock struct {
	Text             string
	Reasoning        string
	ToolCallIndex    *int
	ToolCallID       string
	ToolCallName     string
	ToolCallArgsPart string
	Usage            *Usage
}

// StreamChunk is delivered to a StreamSink for every unit the provider emits
// during a streaming call. It carries zero or more ContentBlocks; providers
// that multiplex several kinds of content into one wire frame should emit
// more than one block instead of inventing a provider-specific chunk shape.
type StreamChunk struct {
	Blocks []ContentBlock
	Err    error // non-nil marks a terminal transport error; no further chunks follow
}

// StreamSink receives chunks from Client.ChatStream.
type StreamSink func(StreamChunk)

// Client is the capability core depends on to converse with a model. Chat is
// used for non-streaming calls (e.g. summarization); ChatStream drives the
// tool-executor's streaming state machine.
type Client interface {
	Chat(ctx context.Context, msgs []Message, tools []ToolSchema, model string) (Message, Usage, error)
	ChatStream(ctx context.Context, msgs []Message, tools []ToolSchema, model string, sink StreamSink) error
}
