// Package historyview implements the history reconstructor (C8): it replays
// the append-only rows held by the dialog store (C2) -- messages, reasoning
// blocks, and file-edit records -- into the same ordered event stream a live
// turn would have produced over SSE, so a client reloading a dialog sees an
// identical timeline to one that watched it happen.
package historyview

import (
	"context"
	"fmt"
	"sort"

	"agentsmithy/internal/dialogstore"
	"agentsmithy/internal/events"
	"agentsmithy/internal/history"
)

// Result is the response shape for GET /api/dialogs/{id}/history.
type Result struct {
	Events      []events.Event
	TotalEvents int
	HasMore     bool
	FirstIdx    int
	LastIdx     int
}

const (
	priorityReasoning = 0
	priorityMessage   = 1
	priorityToolCall  = 2
	priorityFileEdit  = 3
)

// slot orders one synthesized event within the reconstructed stream before
// the final sort collapses it down to just the event.
type slot struct {
	pos      int64
	priority int
	sub      int
	ev       events.Event
}

// GetHistory implements the C8 algorithm from spec §4.8: load a window of the
// visible message slice (tail load when before is nil, else the limit
// messages just before *before), attach reasoning and file-edit rows keyed by message
// storage id, append orphan reasoning past the window on a tail load, and
// sort the resulting events by (position, priority, sub-index).
func GetHistory(ctx context.Context, store *dialogstore.Store, dialogID string, limit int, before *int) (Result, error) {
	if limit <= 0 {
		limit = 20
	}

	start := 0
	var end *int
	if before != nil {
		b := *before
		if b < 0 {
			b = 0
		}
		s := b - limit
		if s < 0 {
			s = 0
		}
		start = s
		end = &b
	} else {
		total, err := store.CountVisible(ctx)
		if err != nil {
			return Result{}, fmt.Errorf("historyview: count_visible: %w", err)
		}
		s := total - limit
		if s < 0 {
			s = 0
		}
		start = s
	}

	rows, err := store.Slice(ctx, start, end)
	if err != nil {
		return Result{}, fmt.Errorf("historyview: slice: %w", err)
	}

	msgIDs := make([]int64, 0, len(rows))
	for _, r := range rows {
		msgIDs = append(msgIDs, r.StorageID)
	}

	reasoningRows, err := store.ReasoningForIndices(ctx, msgIDs)
	if err != nil {
		return Result{}, fmt.Errorf("historyview: reasoning_for_indices: %w", err)
	}
	fileEditRows, err := store.FileEditsForIndices(ctx, msgIDs)
	if err != nil {
		return Result{}, fmt.Errorf("historyview: file_edits_for_indices: %w", err)
	}

	reasoningByMsg := map[int64][]dialogstore.ReasoningRow{}
	for _, rr := range reasoningRows {
		reasoningByMsg[rr.MessageIndex] = append(reasoningByMsg[rr.MessageIndex], rr)
	}
	fileEditsByMsg := map[int64][]dialogstore.FileEditRow{}
	for _, fr := range fileEditRows {
		fileEditsByMsg[fr.MessageIndex] = append(fileEditsByMsg[fr.MessageIndex], fr)
	}

	var orphanRows []dialogstore.ReasoningRow
	if before == nil {
		orphanRows, err = store.OrphanReasoning(ctx)
		if err != nil {
			return Result{}, fmt.Errorf("historyview: orphan_reasoning: %w", err)
		}
	}

	var slots []slot
	maxPos := int64(start) - 1
	idxCounter := start

	for _, row := range rows {
		pos := row.OriginalIndex
		if pos > maxPos {
			maxPos = pos
		}

		for i, rr := range reasoningByMsg[row.StorageID] {
			slots = append(slots, slot{pos, priorityReasoning, i, events.Reasoning(dialogID, rr.Content)})
		}

		if !row.Message.IsEmptyAssistant() {
			ev := messageEvent(dialogID, row.Message)
			ev = ev.WithIdx(idxCounter)
			idxCounter++
			slots = append(slots, slot{pos, priorityMessage, 0, ev})
		}

		for i, tc := range row.Message.ToolCalls {
			slots = append(slots, slot{pos, priorityToolCall, i, events.ToolCall(dialogID, tc.Name, tc.Args)})
		}

		for i, fe := range fileEditsByMsg[row.StorageID] {
			slots = append(slots, slot{pos, priorityFileEdit, i, events.FileEdit(dialogID, fe.File, fe.Diff)})
		}
	}

	if len(orphanRows) > 0 {
		orphanPos := maxPos + 1
		for i, or := range orphanRows {
			slots = append(slots, slot{orphanPos, priorityReasoning, i, events.Reasoning(dialogID, or.Content)})
		}
	}

	sort.SliceStable(slots, func(i, j int) bool {
		a, b := slots[i], slots[j]
		if a.pos != b.pos {
			return a.pos < b.pos
		}
		if a.priority != b.priority {
			return a.priority < b.priority
		}
		return a.sub < b.sub
	})

	out := make([]events.Event, len(slots))
	for i, s := range slots {
		out[i] = s.ev
	}

	counts, err := store.Counts(ctx)
	if err != nil {
		return Result{}, fmt.Errorf("historyview: counts: %w", err)
	}

	lastIdx := idxCounter - 1
	return Result{
		Events:      out,
		TotalEvents: counts.Messages + counts.ToolCalls + counts.Reasoning + counts.FileEdits,
		HasMore:     start > 0,
		FirstIdx:    start,
		LastIdx:     lastIdx,
	}, nil
}

func messageEvent(dialogID string, msg history.Message) events.Event {
	if msg.Kind == history.KindUser {
		return events.User(dialogID, msg.Content, msg.Checkpoint, msg.Session)
	}
	return events.Chat(dialogID, msg.Content)
}
