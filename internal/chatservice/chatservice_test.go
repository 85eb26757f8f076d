package chatservice

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"agentsmithy/internal/dialogstore"
	"agentsmithy/internal/events"
	"agentsmithy/internal/history"
	"agentsmithy/internal/llm"
	"agentsmithy/internal/resultstore"
	"agentsmithy/internal/summarize"
	"agentsmithy/internal/toolkit"
	"agentsmithy/internal/versioning"
)

// scriptedClient replays one fixed list of ChatStream chunks per call, in
// the same style as internal/agentloop's test double.
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

func newTestService(t *testing.T, client llm.Client) (*Service, string) {
	t.Helper()
	project := t.TempDir()
	state := t.TempDir()

	repo, err := versioning.Open(context.Background(), project, state, zerolog.Nop())
	require.NoError(t, err)
	store, err := dialogstore.Open(context.Background(), filepath.Join(state, "journal.sqlite"), zerolog.Nop())
	require.NoError(t, err)
	results, err := resultstore.Open(context.Background(), filepath.Join(state, "results.sqlite"), zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close(); results.Dispose() })

	svc := &Service{
		DialogID:             "d1",
		ProjectRoot:          project,
		WorkspaceRoot:        project,
		Repo:                 repo,
		History:              store,
		Results:              results,
		Registry:             toolkit.New(),
		Client:               client,
		Model:                "test-model",
		MaxConsecutiveErrors: 10,
		Log:                  zerolog.Nop(),
	}
	return svc, project
}

func TestStreamChatBasicTurnChecksInCheckpointAndPersists(t *testing.T) {
	client := &scriptedClient{turns: [][]llm.StreamChunk{
		{{Blocks: []llm.ContentBlock{{Text: "hi there"}, {Usage: &llm.Usage{PromptTokens: 5, CompletionTokens: 2, TotalTokens: 7, Model: "test-model"}}}}},
	}}
	svc, _ := newTestService(t, client)

	var got []events.Event
	result, err := svc.StreamChat(context.Background(), TurnInput{Query: "hello"}, func(e events.Event) { got = append(got, e) })
	require.NoError(t, err)
	require.Equal(t, "hi there", result.Content)
	require.Equal(t, "session_1", result.Session)
	require.NotEmpty(t, result.Checkpoint)

	// invariant 1: starts with user, ends with done.
	require.Equal(t, events.TypeUser, got[0].Type)
	require.Equal(t, events.TypeDone, got[len(got)-1].Type)

	// the user message was persisted carrying the pre-turn checkpoint/session.
	rows, err := svc.History.Slice(context.Background(), 0, nil)
	require.NoError(t, err)
	require.NotEmpty(t, rows)
	require.Equal(t, "hello", rows[0].Message.Content)
	require.Equal(t, result.Checkpoint, rows[0].Message.Checkpoint)

	// the final assistant text is flushed as its own message since no tool
	// call was made this turn.
	found := false
	for _, r := range rows {
		if r.Message.Content == "hi there" {
			found = true
		}
	}
	require.True(t, found)
}

func TestApproveThenResetLifecycle(t *testing.T) {
	svc, project := newTestService(t, &scriptedClient{})

	require.NoError(t, os.WriteFile(filepath.Join(project, "a.py"), []byte("v1"), 0o644))
	require.NoError(t, svc.Repo.StageFile("a.py"))
	_, err := svc.Repo.CreateCheckpoint("session_1", "write v1")
	require.NoError(t, err)
	// bootstrap the dialog's active session row the same way a real turn would.
	_, err = svc.ensureActiveSession(context.Background())
	require.NoError(t, err)

	approvedCommit, newSession, commitsApproved, approvedAt, err := svc.Approve(context.Background(), "approve v1")
	require.NoError(t, err)
	require.Equal(t, "session_2", newSession)
	require.Equal(t, 1, commitsApproved)
	require.NotEmpty(t, approvedCommit)
	require.Greater(t, approvedAt, int64(0))

	status, err := svc.SessionStatus(context.Background())
	require.NoError(t, err)
	require.False(t, status.HasUnapproved)

	require.NoError(t, os.WriteFile(filepath.Join(project, "a.py"), []byte("v2"), 0o644))
	require.NoError(t, svc.Repo.StageFile("a.py"))
	_, err = svc.Repo.CreateCheckpoint("session_2", "write v2")
	require.NoError(t, err)

	resetTo, newSession, preReset, err := svc.Reset(context.Background())
	require.NoError(t, err)
	require.Equal(t, "session_3", newSession)
	require.Empty(t, preReset)
	require.Equal(t, approvedCommit, resetTo)

	content, err := os.ReadFile(filepath.Join(project, "a.py"))
	require.NoError(t, err)
	require.Equal(t, "v1", string(content))
}

func TestSessionStatusReportsStagedDiff(t *testing.T) {
	svc, project := newTestService(t, &scriptedClient{})

	require.NoError(t, os.WriteFile(filepath.Join(project, "x.txt"), []byte("a\n"), 0o644))
	require.NoError(t, svc.Repo.StageFile("x.txt"))
	_, err := svc.Repo.CreateCheckpoint("session_1", "baseline")
	require.NoError(t, err)
	_, err = svc.ensureActiveSession(context.Background())
	require.NoError(t, err)
	_, _, _, _, err = svc.Approve(context.Background(), "approve baseline")
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(filepath.Join(project, "x.txt"), []byte("b\n"), 0o644))
	require.NoError(t, svc.Repo.StageFile("x.txt"))

	status, err := svc.SessionStatus(context.Background())
	require.NoError(t, err)
	require.True(t, status.HasUnapproved)
	require.Len(t, status.ChangedFiles, 1)
	require.Equal(t, "x.txt", status.ChangedFiles[0].Path)
	require.Equal(t, "modified", status.ChangedFiles[0].Status)
	require.NotNil(t, status.ChangedFiles[0].Diff)
}

func TestMaybeSummarizeSkipsWithoutSummarizer(t *testing.T) {
	svc, _ := newTestService(t, &scriptedClient{})
	// no Summarizer configured: must be a no-op, not a panic.
	svc.maybeSummarize(context.Background())
}

func TestMaybeSummarizeRunsSynchronouslyWithoutTasksManager(t *testing.T) {
	svc, _ := newTestService(t, &scriptedClient{})
	svc.SummaryCfg = summarize.Config{TriggerBudget: 1, KeepLast: 2}
	svc.Summarizer = &summarize.Trigger{Client: &scriptedSummaryClient{}, Model: "test-model"}

	for i := 0; i < 5; i++ {
		_, err := svc.History.Append(context.Background(), history.User("msg", "", "session_1"))
		require.NoError(t, err)
	}
	require.NoError(t, svc.History.RecordUsage(context.Background(), "test-model", 100, 10, 110))

	svc.maybeSummarize(context.Background())

	_, err := svc.History.LoadSummary(context.Background())
	require.NoError(t, err)
}

type scriptedSummaryClient struct{}

func (c *scriptedSummaryClient) Chat(ctx context.Context, msgs []llm.Message, tools []llm.ToolSchema, model string) (llm.Message, llm.Usage, error) {
	return llm.Message{Role: llm.RoleAssistant, Content: "a short summary"}, llm.Usage{}, nil
}

func (c *scriptedSummaryClient) ChatStream(ctx context.Context, msgs []llm.Message, tools []llm.ToolSchema, model string, sink llm.StreamSink) error {
	sink(llm.StreamChunk{Blocks: []llm.ContentBlock{{Text: "a short summary"}}})
	return nil
}
