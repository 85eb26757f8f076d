// Package summarize implements the summarization trigger (C9): the
// token-budget decision of whether a dialog's context window should be
// compacted, and the summary-generation call itself. Grounded on the
// teacher's rolling-summarization idiom in internal/agent/engine.go
// (maybeSummarize/buildSummarizedMessages), simplified to the spec's static
// trigger-budget/keep-last policy rather than the teacher's dynamic
// context-window arithmetic.
package summarize

import (
	"context"
	"fmt"
	"strings"

	"agentsmithy/internal/dialogstore"
	"agentsmithy/internal/history"
	"agentsmithy/internal/llm"

	"github.com/rs/zerolog"
)

// Defaults for the trigger policy, per spec §4.9.
const (
	DefaultTriggerBudget = 100_000
	DefaultKeepLast      = 24
)

// Config holds the trigger policy's tunables.
type Config struct {
	TriggerBudget int
	KeepLast      int
}

// DefaultConfig returns the spec's default trigger policy.
func DefaultConfig() Config {
	return Config{TriggerBudget: DefaultTriggerBudget, KeepLast: DefaultKeepLast}
}

// Decision is the result of ShouldSummarize.
type Decision struct {
	Summarize bool
	KeepLast  int
}

// ShouldSummarize implements the spec's should_summarize policy: if the last
// recorded prompt_tokens is at or above the trigger budget, summarize and
// keep the last KeepLast messages verbatim.
func ShouldSummarize(cfg Config, lastPromptTokens int) Decision {
	keepLast := cfg.KeepLast
	if keepLast <= 0 {
		keepLast = DefaultKeepLast
	}
	budget := cfg.TriggerBudget
	if budget <= 0 {
		budget = DefaultTriggerBudget
	}
	if lastPromptTokens < budget {
		return Decision{Summarize: false}
	}
	return Decision{Summarize: true, KeepLast: keepLast}
}

// Trigger drives the summary-generation call and persists the result via the
// dialog store.
type Trigger struct {
	Client llm.Client
	Model  string
	Log    zerolog.Logger
}

// Summarize asks Client for a summary of toSummarize and persists it, tagged
// with cutoffIndex (the 0-based message index the summary covers up to) and
// keepLast (how many trailing messages the caller is retaining verbatim).
func (t *Trigger) Summarize(ctx context.Context, store *dialogstore.Store, cutoffIndex int64, toSummarize []history.Message, keepLast int) (dialogstore.Summary, error) {
	prompt := buildSummaryPrompt(toSummarize)
	msgs := []llm.Message{
		{Role: llm.RoleSystem, Content: "You are a concise summarizer. Produce a short, factual summary of the conversation that follows. Keep important facts and decisions; omit chit-chat. Return only the summary text."},
		{Role: llm.RoleUser, Content: prompt},
	}

	reply, _, err := t.Client.Chat(ctx, msgs, nil, t.Model)
	if err != nil {
		return dialogstore.Summary{}, fmt.Errorf("summarize: chat: %w", err)
	}

	sm := dialogstore.Summary{
		CutoffMessageIndex: cutoffIndex,
		SummaryText:        strings.TrimSpace(reply.Content),
		KeepLast:           keepLast,
		SummarizedCount:    len(toSummarize),
	}
	if err := store.SaveSummary(ctx, sm); err != nil {
		return dialogstore.Summary{}, fmt.Errorf("summarize: save summary: %w", err)
	}
	t.Log.Info().Int("summarized_count", len(toSummarize)).Int64("cutoff", cutoffIndex).Msg("dialog_summarized")
	return sm, nil
}

func buildSummaryPrompt(msgs []history.Message) string {
	var b strings.Builder
	b.WriteString("Summarize the following conversation:\n\n")
	for _, m := range msgs {
		switch m.Kind {
		case history.KindUser:
			b.WriteString("User: ")
			b.WriteString(m.Content)
		case history.KindAssistant:
			b.WriteString("Assistant: ")
			b.WriteString(m.Content)
			for _, tc := range m.ToolCalls {
				b.WriteString(fmt.Sprintf(" [called tool %s]", tc.Name))
			}
		case history.KindSystem:
			b.WriteString("System: ")
			b.WriteString(m.Content)
		default:
			continue
		}
		b.WriteString("\n")
	}
	return b.String()
}
