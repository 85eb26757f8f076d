package openai

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestIsThinkingModel(t *testing.T) {
	cases := map[string]bool{
		"o1-pro":      true,
		"o4-mini":     true,
		"gpt-4.1":     false,
		"gpt-4o-mini": false,
		"o":           false,
		"o1":          false,
	}
	for model, want := range cases {
		require.Equal(t, want, isThinkingModel(model), model)
	}
}

func TestApplyTokenBudget(t *testing.T) {
	var req chatRequest
	applyTokenBudget(&req, "o1-pro", 500)
	require.Equal(t, 500, req.MaxCompletionTokens)
	require.Zero(t, req.MaxTokens)

	req = chatRequest{}
	applyTokenBudget(&req, "gpt-4.1", 500)
	require.Equal(t, 500, req.MaxTokens)
	require.Zero(t, req.MaxCompletionTokens)

	req = chatRequest{}
	applyTokenBudget(&req, "gpt-4.1", 0)
	require.Zero(t, req.MaxTokens)
	require.Zero(t, req.MaxCompletionTokens)
}

func TestNormalizeChunkTextAndReasoning(t *testing.T) {
	blocks := normalizeChunk(streamChunk{
		Choices: []streamChoice{{Delta: streamDelta{Content: "hi", ReasoningContent: "thinking"}}},
	}, "gpt-4.1")
	require.Len(t, blocks, 2)
	require.Equal(t, "thinking", blocks[0].Reasoning)
	require.Equal(t, "hi", blocks[1].Text)
}

func TestNormalizeChunkToolCallDelta(t *testing.T) {
	blocks := normalizeChunk(streamChunk{
		Choices: []streamChoice{{Delta: streamDelta{ToolCalls: []streamToolCallDelta{
			{Index: 0, ID: "call_1", Function: streamToolCallFuncDelta{Name: "read_file", Arguments: `{"pa`}},
		}}}},
	}, "gpt-4.1")
	require.Len(t, blocks, 1)
	require.NotNil(t, blocks[0].ToolCallIndex)
	require.Equal(t, 0, *blocks[0].ToolCallIndex)
	require.Equal(t, "call_1", blocks[0].ToolCallID)
	require.Equal(t, "read_file", blocks[0].ToolCallName)
	require.Equal(t, `{"pa`, blocks[0].ToolCallArgsPart)
}

func TestNormalizeChunkUsage(t *testing.T) {
	blocks := normalizeChunk(streamChunk{
		Usage: &wireUsage{PromptTokens: 10, CompletionTokens: 5, TotalTokens: 15},
	}, "gpt-4.1")
	require.Len(t, blocks, 1)
	require.NotNil(t, blocks[0].Usage)
	require.Equal(t, 10, blocks[0].Usage.PromptTokens)
	require.Equal(t, "gpt-4.1", blocks[0].Usage.Model)
}
