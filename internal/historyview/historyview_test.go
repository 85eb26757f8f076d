package historyview

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"agentsmithy/internal/dialogstore"
	"agentsmithy/internal/events"
	"agentsmithy/internal/history"
)

func newTestStore(t *testing.T) *dialogstore.Store {
	t.Helper()
	s, err := dialogstore.Open(context.Background(), filepath.Join(t.TempDir(), "journal.sqlite"), zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestGetHistoryOrdersReasoningMessageToolCallFileEdit(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, err := s.Append(ctx, history.User("hi", "cp1", "session_1"))
	require.NoError(t, err)

	assistantID, err := s.Append(ctx, history.Assistant("", []history.ToolCallRecord{{ID: "t1", Name: "read_file"}}))
	require.NoError(t, err)
	require.NoError(t, s.AppendReasoning(ctx, assistantID, "thinking", "model-x"))
	require.NoError(t, s.AppendFileEdit(ctx, assistantID, "a.go", nil, nil))

	_, err = s.Append(ctx, history.ToolResult("t1", history.Envelope{ToolCallID: "t1", ToolName: "read_file", Status: "success"}))
	require.NoError(t, err)

	res, err := GetHistory(ctx, s, "d1", 20, nil)
	require.NoError(t, err)

	var types []events.Type
	for _, e := range res.Events {
		types = append(types, e.Type)
	}
	want := []events.Type{
		events.TypeUser,
		events.TypeReasoning,
		events.TypeToolCall,
		events.TypeFileEdit,
	}
	if diff := cmp.Diff(want, types); diff != "" {
		t.Fatalf("event ordering mismatch (-want +got):\n%s", diff)
	}
}

func TestGetHistoryIdxSequentialFromStart(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		_, err := s.Append(ctx, history.User("msg", "", ""))
		require.NoError(t, err)
	}

	res, err := GetHistory(ctx, s, "d1", 2, nil)
	require.NoError(t, err)
	require.Len(t, res.Events, 2)
	require.Equal(t, 3, res.FirstIdx)
	require.True(t, res.HasMore)
	require.Equal(t, 3, res.Events[0].Idx)
	require.Equal(t, 4, res.Events[1].Idx)
}

func TestGetHistoryOrphanReasoningAppendedPastSlice(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, err := s.Append(ctx, history.User("hi", "", ""))
	require.NoError(t, err)
	require.NoError(t, s.AppendReasoning(ctx, -1, "orphan", "model-x"))

	res, err := GetHistory(ctx, s, "d1", 20, nil)
	require.NoError(t, err)
	require.Len(t, res.Events, 2)
	require.Equal(t, events.TypeUser, res.Events[0].Type)
	require.Equal(t, events.TypeReasoning, res.Events[1].Type)
}

func TestGetHistoryCursorExcludesOrphanReasoning(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, err := s.Append(ctx, history.User("hi", "", ""))
	require.NoError(t, err)
	require.NoError(t, s.AppendReasoning(ctx, -1, "orphan", "model-x"))

	before := 1
	res, err := GetHistory(ctx, s, "d1", 20, &before)
	require.NoError(t, err)
	require.Len(t, res.Events, 1)
	require.Equal(t, events.TypeUser, res.Events[0].Type)
}

func TestGetHistoryTotalEventsCombinesAllKinds(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, err := s.Append(ctx, history.User("hi", "", ""))
	require.NoError(t, err)
	id, err := s.Append(ctx, history.Assistant("ok", []history.ToolCallRecord{{ID: "t1", Name: "read_file"}}))
	require.NoError(t, err)
	require.NoError(t, s.AppendReasoning(ctx, id, "thinking", "model-x"))
	require.NoError(t, s.AppendFileEdit(ctx, id, "a.go", nil, nil))

	res, err := GetHistory(ctx, s, "d1", 20, nil)
	require.NoError(t, err)
	// 2 visible messages + 1 tool_call + 1 reasoning + 1 file_edit.
	require.Equal(t, 5, res.TotalEvents)
}
