package agentloop

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"agentsmithy/internal/events"
	"agentsmithy/internal/history"
	"agentsmithy/internal/llm"
	"agentsmithy/internal/resultstore"
	"agentsmithy/internal/toolkit"
)

// scriptedClient emits a fixed list of ChatStream "turns" in order, replaying
// the next one on every call.
type scriptedClient struct {
	turns [][]llm.StreamChunk
	calls int
}

func (c *scriptedClient) Chat(ctx context.Context, msgs []llm.Message, tools []llm.ToolSchema, model string) (llm.Message, llm.Usage, error) {
	return llm.Message{}, llm.Usage{}, nil
}

func (c *scriptedClient) ChatStream(ctx context.Context, msgs []llm.Message, tools []llm.ToolSchema, model string, sink llm.StreamSink) error {
	turn := c.turns[c.calls]
	c.calls++
	for _, chunk := range turn {
		sink(chunk)
	}
	return nil
}

type fakePersister struct {
	appended []history.Message
	usage    []int
}

func (p *fakePersister) Append(ctx context.Context, msg history.Message) (int64, error) {
	p.appended = append(p.appended, msg)
	return int64(len(p.appended) - 1), nil
}

func (p *fakePersister) RecordUsage(ctx context.Context, model string, prompt, completion, total int) error {
	p.usage = append(p.usage, total)
	return nil
}

func registryWithEcho() *toolkit.Registry {
	reg := toolkit.New()
	reg.Register(toolkit.Tool{
		Name:        "echo",
		Description: "echoes its input",
		ArgsSchema:  map[string]any{"type": "object"},
		Run: func(tc toolkit.ToolContext, args json.RawMessage) (toolkit.Result, error) {
			var a struct {
				Text string `json:"text"`
			}
			_ = json.Unmarshal(args, &a)
			return toolkit.Result{Type: "echo_result", Data: map[string]any{"text": a.Text}}, nil
		},
	})
	return reg
}

func TestRunNoToolCallsReturnsFinalText(t *testing.T) {
	client := &scriptedClient{turns: [][]llm.StreamChunk{
		{{Blocks: []llm.ContentBlock{{Text: "hello "}, {Text: "world"}, {Usage: &llm.Usage{PromptTokens: 10, CompletionTokens: 2, TotalTokens: 12, Model: "test-model"}}}}},
	}}
	persist := &fakePersister{}
	var got []events.Event

	outcome, _ := Run(context.Background(), nil, Options{
		Client:   client,
		Model:    "test-model",
		Registry: toolkit.New(),
		Persist:  persist,
		DialogID: "d1",
		OnEvent:  func(e events.Event) { got = append(got, e) },
	})

	require.NoError(t, outcome.Err)
	require.Equal(t, "hello world", outcome.FinalContent)
	require.Len(t, persist.usage, 1)
	require.Equal(t, 12, persist.usage[0])
	// no tool calls means C6 never persists a message itself.
	require.Empty(t, persist.appended)

	require.Equal(t, events.TypeChatStart, got[0].Type)
	require.Equal(t, events.TypeChat, got[1].Type)
	require.Equal(t, events.TypeChat, got[2].Type)
	require.Equal(t, events.TypeChatEnd, got[3].Type)
}

func TestRunExecutesToolCallThenFinishes(t *testing.T) {
	idx := 0
	client := &scriptedClient{turns: [][]llm.StreamChunk{
		{{Blocks: []llm.ContentBlock{
			{ToolCallIndex: &idx, ToolCallID: "call_1", ToolCallName: "echo", ToolCallArgsPart: `{"text":"hi"}`},
		}}},
		{{Blocks: []llm.ContentBlock{{Text: "done"}}}},
	}}
	persist := &fakePersister{}
	var got []events.Event

	outcome, finalConv := Run(context.Background(), []llm.Message{{Role: llm.RoleUser, Content: "say hi"}}, Options{
		Client:   client,
		Model:    "test-model",
		Registry: registryWithEcho(),
		Persist:  persist,
		DialogID: "d1",
		OnEvent:  func(e events.Event) { got = append(got, e) },
	})

	require.NoError(t, outcome.Err)
	require.Equal(t, "done", outcome.FinalContent)
	require.Equal(t, 2, client.calls)

	// one assistant-with-tool-calls message, one tool-result message.
	require.Len(t, persist.appended, 2)
	require.Equal(t, history.KindAssistant, persist.appended[0].Kind)
	require.Len(t, persist.appended[0].ToolCalls, 1)
	require.Equal(t, "echo", persist.appended[0].ToolCalls[0].Name)
	require.Equal(t, history.KindToolResult, persist.appended[1].Kind)
	require.Equal(t, "call_1", persist.appended[1].ToolCallID)
	require.Nil(t, persist.appended[1].Result.InlineResult, "persisted envelope must be slim")

	// conversation grew by: assistant message + tool message.
	require.Len(t, finalConv, 3)

	var sawToolCall bool
	for _, e := range got {
		if e.Type == events.TypeToolCall {
			sawToolCall = true
		}
	}
	require.True(t, sawToolCall)
}

func TestRunTerminalErrorEmitsErrorThenDone(t *testing.T) {
	client := &erroringClient{}
	persist := &fakePersister{}
	var got []events.Event

	outcome, _ := Run(context.Background(), nil, Options{
		Client:   client,
		Model:    "test-model",
		Registry: toolkit.New(),
		Persist:  persist,
		DialogID: "d1",
		OnEvent:  func(e events.Event) { got = append(got, e) },
	})

	require.Error(t, outcome.Err)
	require.Len(t, got, 2)
	require.Equal(t, events.TypeError, got[0].Type)
	require.Equal(t, events.TypeDone, got[1].Type)
}

type erroringClient struct{}

func (c *erroringClient) Chat(ctx context.Context, msgs []llm.Message, tools []llm.ToolSchema, model string) (llm.Message, llm.Usage, error) {
	return llm.Message{}, llm.Usage{}, nil
}

func (c *erroringClient) ChatStream(ctx context.Context, msgs []llm.Message, tools []llm.ToolSchema, model string, sink llm.StreamSink) error {
	return errTransport
}

var errTransport = &transportError{"simulated transport failure"}

type transportError struct{ msg string }

func (e *transportError) Error() string { return e.msg }

// malformedToolCallClient emits the same single tool call, with JSON args
// that never parse, on every ChatStream call, indefinitely. Used to drive
// the consecutive-error cap (spec §4.6.4, scenario S3).
type malformedToolCallClient struct{ calls int }

func (c *malformedToolCallClient) Chat(ctx context.Context, msgs []llm.Message, tools []llm.ToolSchema, model string) (llm.Message, llm.Usage, error) {
	return llm.Message{}, llm.Usage{}, nil
}

func (c *malformedToolCallClient) ChatStream(ctx context.Context, msgs []llm.Message, tools []llm.ToolSchema, model string, sink llm.StreamSink) error {
	c.calls++
	idx := 0
	sink(llm.StreamChunk{Blocks: []llm.ContentBlock{
		{ToolCallIndex: &idx, ToolCallID: "bad_call", ToolCallName: "echo", ToolCallArgsPart: `{not valid json`},
	}})
	return nil
}

// TestRunErrorLoopCapEmitsSingleTerminalErrorThenDone drives scenario S3
// (spec §8): a model that always emits a malformed tool-call argument
// string never produces an SSE error mid-loop (each malformed call is a
// recoverable error fed back into the conversation), but after
// MaxConsecutiveErrors consecutive failures the loop emits exactly one
// error event substring-matching "maximum consecutive errors" immediately
// followed by done, and stops.
func TestRunErrorLoopCapEmitsSingleTerminalErrorThenDone(t *testing.T) {
	client := &malformedToolCallClient{}
	persist := &fakePersister{}
	var got []events.Event

	const maxErrors = 3
	outcome, _ := Run(context.Background(), nil, Options{
		Client:               client,
		Model:                "test-model",
		Registry:             registryWithEcho(),
		Persist:              persist,
		DialogID:             "d1",
		MaxConsecutiveErrors: maxErrors,
		OnEvent:              func(e events.Event) { got = append(got, e) },
	})

	require.Error(t, outcome.Err)
	require.Contains(t, outcome.Err.Error(), "maximum consecutive errors")
	require.Equal(t, maxErrors, client.calls, "loop must stop exactly at the error cap, not run further iterations")

	var errorIdx = -1
	errorCount := 0
	for i, e := range got {
		if e.Type == events.TypeError {
			errorCount++
			errorIdx = i
			data, ok := e.Data.(events.ErrorData)
			require.True(t, ok)
			require.Contains(t, data.Error, "maximum consecutive errors")
		}
	}
	require.Equal(t, 1, errorCount, "no intermediate SSE error events for recoverable tool errors")
	require.Equal(t, events.TypeDone, got[errorIdx+1].Type, "error must be immediately followed by done")
	require.Equal(t, events.TypeDone, got[len(got)-1].Type, "done must be the last event")

	// Every iteration still emits its tool_call event to the client.
	toolCallCount := 0
	for _, e := range got {
		if e.Type == events.TypeToolCall {
			toolCallCount++
		}
	}
	require.Equal(t, maxErrors, toolCallCount)
}

// TestRunEphemeralToolCallOmittedFromPersistenceButVisibleOnStream drives
// scenario S6 (spec §8): an ephemeral tool's call still reaches the SSE
// stream, but the persisted assistant message never references it and C3
// never gets a record for it.
func TestRunEphemeralToolCallOmittedFromPersistenceButVisibleOnStream(t *testing.T) {
	reg := toolkit.New()
	reg.Register(toolkit.Tool{
		Name:        "set_dialog_title",
		Description: "sets the dialog title",
		ArgsSchema:  map[string]any{"type": "object"},
		Ephemeral:   true,
		Run: func(tc toolkit.ToolContext, args json.RawMessage) (toolkit.Result, error) {
			return toolkit.Result{Type: "set_dialog_title_result", Data: map[string]any{"ok": true}}, nil
		},
	})

	idx := 0
	client := &scriptedClient{turns: [][]llm.StreamChunk{
		{{Blocks: []llm.ContentBlock{
			{ToolCallIndex: &idx, ToolCallID: "call_title", ToolCallName: "set_dialog_title", ToolCallArgsPart: `{"title":"hi"}`},
		}}},
		{{Blocks: []llm.ContentBlock{{Text: "done"}}}},
	}}

	results, err := resultstore.Open(context.Background(), filepath.Join(t.TempDir(), "results.sqlite"), zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { results.Dispose(); _ = results.Close() })

	persist := &fakePersister{}
	var got []events.Event

	outcome, _ := Run(context.Background(), nil, Options{
		Client:   client,
		Model:    "test-model",
		Registry: reg,
		Results:  results,
		DialogID: "d1",
		Persist:  persist,
		OnEvent:  func(e events.Event) { got = append(got, e) },
	})

	require.NoError(t, outcome.Err)
	require.Equal(t, "done", outcome.FinalContent)

	require.Len(t, persist.appended, 2)
	require.Equal(t, history.KindAssistant, persist.appended[0].Kind)
	require.Empty(t, persist.appended[0].ToolCalls, "ephemeral tool call must not be persisted on the assistant message")

	_, getErr := results.Get(context.Background(), "call_title")
	require.ErrorIs(t, getErr, resultstore.ErrNotFound, "ephemeral tool results must never reach C3")

	var sawToolCall bool
	for _, e := range got {
		if e.Type == events.TypeToolCall {
			d, ok := e.Data.(events.ToolCallData)
			require.True(t, ok)
			if d.Name == "set_dialog_title" {
				sawToolCall = true
			}
		}
	}
	require.True(t, sawToolCall, "the SSE stream must still carry the ephemeral tool's tool_call event")
}
