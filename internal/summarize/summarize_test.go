package summarize

import (
	"context"
	"encoding/json"
	"testing"

	"agentsmithy/internal/dialogstore"
	"agentsmithy/internal/history"
	"agentsmithy/internal/llm"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

func TestShouldSummarizeDefaults(t *testing.T) {
	cfg := DefaultConfig()

	d := ShouldSummarize(cfg, DefaultTriggerBudget-1)
	require.False(t, d.Summarize)

	d = ShouldSummarize(cfg, DefaultTriggerBudget)
	require.True(t, d.Summarize)
	require.Equal(t, DefaultKeepLast, d.KeepLast)
}

type fakeClient struct{ content string }

func (f *fakeClient) Chat(ctx context.Context, msgs []llm.Message, tools []llm.ToolSchema, model string) (llm.Message, llm.Usage, error) {
	return llm.Message{Role: llm.RoleAssistant, Content: f.content}, llm.Usage{}, nil
}

func (f *fakeClient) ChatStream(ctx context.Context, msgs []llm.Message, tools []llm.ToolSchema, model string, sink llm.StreamSink) error {
	return nil
}

func TestTriggerSummarizePersists(t *testing.T) {
	dir := t.TempDir()
	store, err := dialogstore.Open(context.Background(), dir+"/journal.sqlite", zerolog.Nop())
	require.NoError(t, err)
	defer store.Close()

	trig := &Trigger{Client: &fakeClient{content: "  the user asked about X  "}, Model: "test-model", Log: zerolog.Nop()}
	toSummarize := []history.Message{
		history.User("hello", "", ""),
		history.Assistant("hi there", nil),
		history.Assistant("", []history.ToolCallRecord{{ID: "1", Name: "read_file", Args: json.RawMessage(`{}`)}}),
	}

	sm, err := trig.Summarize(context.Background(), store, 3, toSummarize, 24)
	require.NoError(t, err)
	require.Equal(t, "the user asked about X", sm.SummaryText)
	require.Equal(t, 3, sm.SummarizedCount)

	loaded, err := store.LoadSummary(context.Background())
	require.NoError(t, err)
	require.Equal(t, sm.SummaryText, loaded.SummaryText)
	require.Equal(t, int64(3), loaded.CutoffMessageIndex)
	require.Equal(t, 24, loaded.KeepLast)
}
