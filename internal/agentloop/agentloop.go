// Package agentloop implements the tool executor / agent loop (C6): a
// cooperative streaming state machine that drives an llm.Client, accumulates
// chat/reasoning/tool-call chunks, executes tools through the registry (C5),
// and feeds results back to the model until it produces a terminal text
// answer. Grounded on the step-loop shape of internal/agent/engine.go's
// runStreamLoop, adapted to the redesigned llm.Client/ContentBlock boundary
// (SPEC_FULL.md §D, REDESIGN FLAGS) so the tower of provider-specific dict
// lookups the teacher threads through its engine has no analogue here.
package agentloop

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"agentsmithy/internal/events"
	"agentsmithy/internal/history"
	"agentsmithy/internal/llm"
	"agentsmithy/internal/resultstore"
	"agentsmithy/internal/toolkit"
)

// DefaultMaxConsecutiveErrors is the loop's error budget (spec §4.6.4).
const DefaultMaxConsecutiveErrors = 10

// mutatingResultTypes are the toolkit.Result.Type values that imply a
// file_edit SSE event should follow, per spec §4.6.3.
var mutatingResultTypes = map[string]bool{
	"write_file_result":   true,
	"delete_file_result":  true,
	"replace_file_result": true,
}

// Persister is the subset of the dialog store (C2) the loop writes through
// while a turn is in flight: the assistant-with-tool-calls message and each
// tool-result message, plus running usage totals.
type Persister interface {
	Append(ctx context.Context, msg history.Message) (int64, error)
	RecordUsage(ctx context.Context, model string, prompt, completion, total int) error
}

// Options configures one Run call. ToolContext.SSESink should forward to the
// same sink as OnEvent so tool-emitted events (e.g. file_edit raised from
// inside a tool's Run) interleave in arrival order with the loop's own
// events.
type Options struct {
	Client               llm.Client
	Model                string
	Registry             *toolkit.Registry
	ToolContext           toolkit.ToolContext
	Results              *resultstore.Store
	DialogID             string
	MaxConsecutiveErrors int
	OnEvent              func(events.Event)
	Persist              Persister
	Log                  zerolog.Logger
}

// Outcome is the terminal result of Run.
type Outcome struct {
	// FinalContent is the model's terminal text answer. Empty when the loop
	// ended in a terminal error.
	FinalContent string
	// Err is set when the loop exited via a terminal error (already emitted
	// as an error+done SSE pair); callers should not emit further events.
	Err error
}

type accumulatedToolCall struct {
	index *int
	id    string
	name  strings.Builder
	args  strings.Builder
}

func (a *accumulatedToolCall) hasName() bool { return a.name.Len() > 0 }

type streamState struct {
	content          strings.Builder
	toolCalls        []*accumulatedToolCall
	current          *accumulatedToolCall
	chatStarted      bool
	reasoningStarted bool
	lastUsage        *llm.Usage
}

// Run drives the loop to completion: repeated ChatStream iterations,
// interleaved tool execution, until the model emits a turn with no tool
// calls or the loop hits a terminal error. conversation is mutated in place
// as messages are appended (assistant-with-tool-calls, tool results); the
// caller (C7) owns flushing any trailing plain-text assistant message to
// history, since C6 never persists those (spec §4.6.2 step 8, §4.7 step 5).
func Run(ctx context.Context, conversation []llm.Message, opts Options) (Outcome, []llm.Message) {
	maxErrors := opts.MaxConsecutiveErrors
	if maxErrors <= 0 {
		maxErrors = DefaultMaxConsecutiveErrors
	}
	toolSchemas := buildToolSchemas(opts.Registry)
	consecutiveErrors := 0

	for {
		st := &streamState{}
		streamErr := opts.Client.ChatStream(ctx, conversation, toolSchemas, opts.Model, func(chunk llm.StreamChunk) {
			if chunk.Err != nil {
				return // surfaced via the ChatStream return value
			}
			for _, b := range chunk.Blocks {
				applyBlock(st, b, opts.OnEvent, opts.DialogID)
			}
		})

		if st.reasoningStarted {
			opts.OnEvent(events.ReasoningEnd(opts.DialogID))
		}
		if st.chatStarted {
			opts.OnEvent(events.ChatEnd(opts.DialogID))
		}

		if streamErr != nil {
			opts.OnEvent(events.Error(opts.DialogID, streamErr.Error()))
			opts.OnEvent(events.Done(opts.DialogID))
			return Outcome{Err: streamErr}, conversation
		}

		if st.current != nil && st.current.hasName() {
			st.toolCalls = append(st.toolCalls, st.current)
			st.current = nil
		}

		if st.lastUsage != nil {
			_ = opts.Persist.RecordUsage(ctx, st.lastUsage.Model, st.lastUsage.PromptTokens, st.lastUsage.CompletionTokens, st.lastUsage.TotalTokens)
		}

		if len(st.toolCalls) == 0 {
			return Outcome{FinalContent: st.content.String()}, conversation
		}

		records, llmToolCalls := materializeToolCalls(st.toolCalls)
		assistantContent := st.content.String()

		persistable := filterEphemeral(opts.Registry, records)
		_, _ = opts.Persist.Append(ctx, history.Assistant(assistantContent, persistable))

		conversation = append(conversation, llm.Message{
			Role:      llm.RoleAssistant,
			Content:   assistantContent,
			ToolCalls: llmToolCalls,
		})

		for i, tc := range llmToolCalls {
			opts.OnEvent(events.ToolCall(opts.DialogID, tc.Name, tc.Args))

			args, parseErr := normalizeArgs(records[i].Args)
			var result toolkit.Result
			if parseErr != nil {
				result = toolkit.Result{Type: "tool_error", Error: &toolkit.ErrorInfo{
					Code: "args_parse_error", Error: parseErr.Error(), ErrorType: "json.SyntaxError",
				}}
			} else {
				result = opts.Registry.RunTool(opts.ToolContext, tc.Name, args)
			}

			if result.Type == "tool_error" {
				consecutiveErrors++
			} else {
				consecutiveErrors = 0
			}

			if mutatingResultTypes[result.Type] {
				emitFileEdit(opts.OnEvent, opts.DialogID, result)
			}

			env, toolMsg := buildEnvelope(ctx, opts, tc, records[i].Args, result)
			slim := env.Slim()
			_, _ = opts.Persist.Append(ctx, history.ToolResult(tc.ID, slim))

			conversation = append(conversation, toolMsg)

			if consecutiveErrors >= maxErrors {
				msg := fmt.Sprintf("maximum consecutive errors (%d) reached", maxErrors)
				opts.OnEvent(events.Error(opts.DialogID, msg))
				opts.OnEvent(events.Done(opts.DialogID))
				return Outcome{Err: fmt.Errorf("agentloop: %s", msg)}, conversation
			}
		}
		// loop again with the updated conversation
	}
}

func applyBlock(st *streamState, b llm.ContentBlock, onEvent func(events.Event), dialogID string) {
	if b.Usage != nil {
		st.lastUsage = b.Usage
	}
	if b.Reasoning != "" {
		if !st.reasoningStarted {
			onEvent(events.ReasoningStart(dialogID))
			st.reasoningStarted = true
		}
		onEvent(events.Reasoning(dialogID, b.Reasoning))
	}
	if b.Text != "" {
		if !st.chatStarted {
			onEvent(events.ChatStart(dialogID))
			st.chatStarted = true
		}
		st.content.WriteString(b.Text)
		onEvent(events.Chat(dialogID, b.Text))
	}
	if b.ToolCallIndex != nil || b.ToolCallName != "" || b.ToolCallArgsPart != "" || b.ToolCallID != "" {
		applyToolCallDelta(st, b)
	}
}

func applyToolCallDelta(st *streamState, b llm.ContentBlock) {
	switch {
	case b.ToolCallIndex != nil && st.current != nil && st.current.index != nil && *st.current.index == *b.ToolCallIndex:
		st.current.name.WriteString(b.ToolCallName)
		st.current.args.WriteString(b.ToolCallArgsPart)
		if st.current.id == "" {
			st.current.id = b.ToolCallID
		}
	case b.ToolCallIndex != nil:
		if st.current != nil && st.current.hasName() {
			st.toolCalls = append(st.toolCalls, st.current)
		}
		idx := *b.ToolCallIndex
		st.current = &accumulatedToolCall{index: &idx, id: b.ToolCallID}
		st.current.name.WriteString(b.ToolCallName)
		st.current.args.WriteString(b.ToolCallArgsPart)
	default:
		if st.current != nil {
			st.current.name.WriteString(b.ToolCallName)
			st.current.args.WriteString(b.ToolCallArgsPart)
			if st.current.id == "" {
				st.current.id = b.ToolCallID
			}
		}
		// an index-less chunk with nothing open to append to is dropped,
		// per spec §4.6.2 point 4.
	}
}

func materializeToolCalls(acc []*accumulatedToolCall) ([]history.ToolCallRecord, []llm.ToolCall) {
	records := make([]history.ToolCallRecord, 0, len(acc))
	calls := make([]llm.ToolCall, 0, len(acc))
	for _, a := range acc {
		id := a.id
		if id == "" {
			id = uuid.NewString()
		}
		raw := json.RawMessage(a.args.String())
		rec := history.ToolCallRecord{ID: id, Name: a.name.String(), Args: raw}
		records = append(records, rec)
		calls = append(calls, llm.ToolCall{ID: id, Name: rec.Name, Args: raw})
	}
	return records, calls
}

func normalizeArgs(raw json.RawMessage) (json.RawMessage, error) {
	trimmed := strings.TrimSpace(string(raw))
	if trimmed == "" {
		return json.RawMessage("{}"), nil
	}
	var v any
	if err := json.Unmarshal([]byte(trimmed), &v); err != nil {
		return nil, err
	}
	return json.RawMessage(trimmed), nil
}

// filterEphemeral strips tool calls that target ephemeral tools before the
// assistant message is persisted, per spec §4.6.6.
func filterEphemeral(reg *toolkit.Registry, records []history.ToolCallRecord) []history.ToolCallRecord {
	out := make([]history.ToolCallRecord, 0, len(records))
	for _, r := range records {
		if t, ok := reg.Lookup(r.Name); ok && t.Ephemeral {
			continue
		}
		out = append(out, r)
	}
	return out
}

func emitFileEdit(onEvent func(events.Event), dialogID string, result toolkit.Result) {
	file, _ := result.Data["path"].(string)
	if file == "" {
		file, _ = result.Data["file"].(string)
	}
	if file == "" {
		return
	}
	var diff *string
	if d, ok := result.Data["diff"].(string); ok {
		diff = &d
	}
	onEvent(events.FileEdit(dialogID, file, diff))
}

// buildEnvelope constructs the ToolResultEnvelope (for history, slimmed by
// the caller) and the llm.Message the model sees on its next turn (carrying
// the inline result), per spec §3's ToolResultEnvelope and §4.6.3's
// persist-slim/feed-inline split.
func buildEnvelope(ctx context.Context, opts Options, tc llm.ToolCall, args json.RawMessage, result toolkit.Result) (history.Envelope, llm.Message) {
	resultJSON, _ := json.Marshal(result)
	status := "success"
	var errMsg string
	if result.Error != nil {
		status = "error"
		errMsg = result.Error.Error
	}

	ephemeral := false
	var summarize resultstore.Summarizer
	if t, ok := opts.Registry.Lookup(tc.Name); ok {
		ephemeral = t.Ephemeral
		if t.Summarize != nil {
			summarize = func(toolName string, a, r json.RawMessage) string { return t.Summarize(a, r) }
		}
	}

	env := history.Envelope{
		ToolCallID:      tc.ID,
		ToolName:        tc.Name,
		Status:          status,
		SizeBytes:       int64(len(resultJSON)),
		ResultPresent:   status == "success",
		InlineResult:    resultJSON,
		HasInlineResult: true,
	}

	if !ephemeral && opts.Results != nil {
		if errMsg != "" {
			_ = opts.Results.StoreError(ctx, opts.DialogID, tc.ID, tc.Name, args, errMsg)
		} else {
			summary, serr := opts.Results.StoreResult(ctx, opts.DialogID, tc.ID, tc.Name, args, resultJSON, summarize)
			if serr == nil {
				env.Summary = summary
			}
		}
		env.ResultRef = &history.ResultRef{Kind: "stored", ID: tc.ID, Size: int64(len(resultJSON))}
		env.TruncatedPreview = resultstore.TruncatedPreview(resultJSON)
		env.HasInlineResult = true // still inline for this turn's model call; slim strips it for history
	}

	toolMsg := llm.Message{Role: llm.RoleTool, ToolCallID: tc.ID, Content: string(mustMarshal(env))}
	return env, toolMsg
}

func mustMarshal(v any) []byte {
	b, err := json.Marshal(v)
	if err != nil {
		return []byte("{}")
	}
	return b
}

func buildToolSchemas(reg *toolkit.Registry) []llm.ToolSchema {
	if reg == nil {
		return nil
	}
	tools := reg.ListTools()
	out := make([]llm.ToolSchema, 0, len(tools))
	for _, t := range tools {
		out = append(out, llm.ToolSchema{Name: t.Name, Description: t.Description, Parameters: t.ArgsSchema})
	}
	return out
}
