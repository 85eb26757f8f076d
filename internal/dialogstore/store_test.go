package dialogstore

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"agentsmithy/internal/history"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "journal.sqlite")
	s, err := Open(context.Background(), path, zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestAppendAndCountVisible(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, err := s.Append(ctx, history.User("hello", "cp1", "session_1"))
	require.NoError(t, err)
	_, err = s.Append(ctx, history.Assistant("hi there", nil))
	require.NoError(t, err)
	_, err = s.Append(ctx, history.Assistant("", []history.ToolCallRecord{{ID: "t1", Name: "read_file"}}))
	require.NoError(t, err)
	_, err = s.Append(ctx, history.ToolResult("t1", history.Envelope{ToolCallID: "t1", ToolName: "read_file", Status: "success"}))
	require.NoError(t, err)

	n, err := s.CountVisible(ctx)
	require.NoError(t, err)
	require.Equal(t, 2, n, "empty-assistant carrier and tool_result are not visible")
}

func TestSliceIncludesTrailingEmptyAssistant(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, err := s.Append(ctx, history.User("q1", "", ""))
	require.NoError(t, err)
	_, err = s.Append(ctx, history.Assistant("", []history.ToolCallRecord{{ID: "t1", Name: "read_file"}}))
	require.NoError(t, err)
	_, err = s.Append(ctx, history.ToolResult("t1", history.Envelope{ToolCallID: "t1"}))
	require.NoError(t, err)

	rows, err := s.Slice(ctx, 0, nil)
	require.NoError(t, err)
	require.Len(t, rows, 2, "user message plus its trailing empty-assistant carrier")
	require.Equal(t, history.KindUser, rows[0].Message.Kind)
	require.True(t, rows[1].Message.IsEmptyAssistant())
	require.Equal(t, "t1", rows[1].Message.ToolCalls[0].ID)
}

func TestSliceRespectsEndBound(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		_, err := s.Append(ctx, history.User("msg", "", ""))
		require.NoError(t, err)
	}

	end := 2
	rows, err := s.Slice(ctx, 0, &end)
	require.NoError(t, err)
	require.Len(t, rows, 2)
}

func TestClearWipesAllRows(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, err := s.Append(ctx, history.User("hello", "", ""))
	require.NoError(t, err)
	require.NoError(t, s.AppendReasoning(ctx, 0, "thinking...", "gpt-test"))
	require.NoError(t, s.RecordUsage(ctx, "gpt-test", 10, 5, 15))

	require.NoError(t, s.Clear(ctx))

	n, err := s.CountVisible(ctx)
	require.NoError(t, err)
	require.Zero(t, n)

	_, err = s.LoadSummary(ctx)
	require.ErrorIs(t, err, ErrNotFound)
}

func TestReasoningRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.AppendReasoning(ctx, 1, "step one thoughts", "model-x"))
	require.NoError(t, s.AppendReasoning(ctx, -1, "orphan thoughts", "model-x"))

	rows, err := s.ReasoningForIndices(ctx, []int64{1})
	require.NoError(t, err)
	require.Len(t, rows, 1)
	require.Equal(t, "step one thoughts", rows[0].Content)

	orphans, err := s.OrphanReasoning(ctx)
	require.NoError(t, err)
	require.Len(t, orphans, 1)
	require.Equal(t, "orphan thoughts", orphans[0].Content)
}

func TestUsageTotalsAccumulate(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.RecordUsage(ctx, "gpt-test", 10, 5, 15))
	require.NoError(t, s.RecordUsage(ctx, "gpt-test", 20, 8, 28))

	last, err := s.LastPromptTokens(ctx)
	require.NoError(t, err)
	require.Equal(t, 20, last)

	var tot UsageTotal
	require.NoError(t, s.db.QueryRowContext(ctx, `SELECT model, prompt_tokens, completion_tokens, total_tokens FROM usage_totals WHERE model = ?`, "gpt-test").Scan(&tot.Model, &tot.PromptTokens, &tot.CompletionTokens, &tot.TotalTokens))
	require.Equal(t, UsageTotal{Model: "gpt-test", PromptTokens: 30, CompletionTokens: 13, TotalTokens: 43}, tot)
}

func TestSessionAndBranchRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.UpsertSession(ctx, Session{Name: "session_1", Ref: "refs/heads/session_1", Status: "active", CreatedAt: 1}))
	active, err := s.ActiveSession(ctx)
	require.NoError(t, err)
	require.Equal(t, "session_1", active.Name)

	require.NoError(t, s.UpsertBranch(ctx, BranchPointer{Type: "main", Ref: "refs/heads/main", Valid: true}))
	bp, err := s.Branch(ctx, "main")
	require.NoError(t, err)
	require.True(t, bp.Valid)
	require.Nil(t, bp.HeadCommit)
}
