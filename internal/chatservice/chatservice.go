// Package chatservice implements the chat service / stream orchestrator
// (C7): the per-turn pipeline that sits between the HTTP/SSE surface and the
// agent loop (C6), wiring in a pre-turn checkpoint (C4), context assembly
// from the dialog history (C2/C9), and the dialog-management operations
// (checkpoints, approve, reset, restore, session status) that share this
// same per-dialog Repo/Store pair. Grounded on the turn-pipeline shape of
// internal/agent/engine.go's RunTurn (checkpoint-then-stream-then-persist),
// adapted to the explicit buffering rules of spec.md §4.7.
package chatservice

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"agentsmithy/internal/agentloop"
	"agentsmithy/internal/dialogstore"
	"agentsmithy/internal/events"
	"agentsmithy/internal/history"
	"agentsmithy/internal/llm"
	"agentsmithy/internal/resultstore"
	"agentsmithy/internal/sandbox"
	"agentsmithy/internal/summarize"
	"agentsmithy/internal/tasks"
	"agentsmithy/internal/toolkit"
	"agentsmithy/internal/versioning"
)

// SyncStats mirrors the external RAGIndex.Sync() return shape (spec §1).
type SyncStats struct {
	Checked   int
	Reindexed int
	Removed   int
}

// RAGIndex is the retrieval capability boundary core consumes; the concrete
// embedding/vector store lives outside this module (spec §1 Non-goals).
type RAGIndex interface {
	Index(ctx context.Context, path string) error
	Reindex(ctx context.Context, path string) error
	DeleteBySource(ctx context.Context, path string) error
	Sync(ctx context.Context) (SyncStats, error)
}

// TurnInput is the caller-supplied content of one turn.
type TurnInput struct {
	Query   string
	Context map[string]any
}

// TurnResult is the terminal {response, metadata} shape of both the
// streaming and non-streaming surfaces (spec §4.7).
type TurnResult struct {
	Content    string
	Checkpoint string
	Session    string
}

// ChangedFile is one entry of SessionStatus.ChangedFiles.
type ChangedFile struct {
	Path      string
	Status    string
	Additions int
	Deletions int
	Diff      *string
}

// SessionStatus is the response shape of GET /api/dialogs/{id}/session.
type SessionStatus struct {
	ActiveSession string
	SessionRef    string
	HasUnapproved bool
	ChangedFiles  []ChangedFile
}

// Service owns one dialog's full stack: its versioning repo (C4), its
// journal (C2), its tool-result store (C3), and the tool registry (C5) bound
// turn-by-turn via a fresh toolkit.ToolContext. One Service per open dialog.
type Service struct {
	DialogID      string
	ProjectRoot   string
	WorkspaceRoot string

	Repo     *versioning.Repo
	History  *dialogstore.Store
	Results  *resultstore.Store
	Registry *toolkit.Registry
	Client   llm.Client
	RAG      RAGIndex
	TasksMgr *tasks.Manager

	Model                string
	MaxConsecutiveErrors int
	FileRestrictions     []string

	// Summarizer is nil-able: a dialog opened without a Client configured
	// for summarization simply never triggers C9.
	Summarizer *summarize.Trigger
	SummaryCfg summarize.Config

	Log zerolog.Logger
}

// ensureActiveSession returns the dialog's active session, bootstrapping
// "session_1" on a brand-new dialog (there is always exactly one active
// session once a dialog has been touched).
func (s *Service) ensureActiveSession(ctx context.Context) (dialogstore.Session, error) {
	sess, err := s.History.ActiveSession(ctx)
	if err == nil {
		return sess, nil
	}
	if !errors.Is(err, dialogstore.ErrNotFound) {
		return dialogstore.Session{}, err
	}
	sess = dialogstore.Session{
		Name:      "session_1",
		Ref:       sessionRefString("session_1"),
		Status:    "active",
		CreatedAt: time.Now().UTC().Unix(),
	}
	if err := s.History.UpsertSession(ctx, sess); err != nil {
		return dialogstore.Session{}, err
	}
	return sess, nil
}

func sessionRefString(name string) string { return "refs/heads/" + name }

// nextSessionName allocates "session_{N+1}" from "session_N"; any other
// shape (shouldn't occur once a dialog has been bootstrapped) falls back to
// "session_2".
func nextSessionName(current string) string {
	const prefix = "session_"
	if !strings.HasPrefix(current, prefix) {
		return prefix + "2"
	}
	n, err := strconv.Atoi(strings.TrimPrefix(current, prefix))
	if err != nil {
		return prefix + "2"
	}
	return fmt.Sprintf("%s%d", prefix, n+1)
}

// turnState accumulates the per-turn buffers described in spec §4.7 step 5.
type turnState struct {
	assistantBuffer strings.Builder
	sawToolCall     bool

	reasoningBuffer     strings.Builder
	reasoningPending    string
	hasReasoningPending bool
	modelName           string

	currentMessageID int64
	haveMessageID     bool
}

// turnPersister wraps the dialog store so that a pending reasoning block is
// flushed and tagged the moment the *next* message is appended — whichever
// message that turns out to be (an assistant-with-tool-calls message C6
// persists itself, or the trailing plain-text assistant message C7 flushes
// at turn end) — matching "tagged with the next message's index" literally.
type turnPersister struct {
	store *dialogstore.Store
	state *turnState
}

func (p *turnPersister) Append(ctx context.Context, msg history.Message) (int64, error) {
	id, err := p.store.Append(ctx, msg)
	if err != nil {
		return id, err
	}
	if msg.Kind == history.KindAssistant {
		p.state.currentMessageID = id
		p.state.haveMessageID = true
	}
	if p.state.hasReasoningPending {
		if rerr := p.store.AppendReasoning(ctx, id, p.state.reasoningPending, p.state.modelName); rerr != nil {
			return id, rerr
		}
		p.state.hasReasoningPending = false
		p.state.reasoningPending = ""
	}
	return id, nil
}

func (p *turnPersister) RecordUsage(ctx context.Context, model string, prompt, completion, total int) error {
	p.state.modelName = model
	return p.store.RecordUsage(ctx, model, prompt, completion, total)
}

// repoVersioningAdapter adapts *versioning.Repo to toolkit.VersioningOps:
// every method but CreateCheckpoint passes straight through, and
// CreateCheckpoint unwraps versioning.Checkpoint down to its commit ID so
// agentloop and the toolkit package never need to import the versioning
// package directly.
type repoVersioningAdapter struct{ repo *versioning.Repo }

func (a repoVersioningAdapter) StartEdit(paths []string) error      { return a.repo.StartEdit(paths) }
func (a repoVersioningAdapter) AbortEdit() error                    { return a.repo.AbortEdit() }
func (a repoVersioningAdapter) FinalizeEdit()                       { a.repo.FinalizeEdit() }
func (a repoVersioningAdapter) StageFile(path string) error         { return a.repo.StageFile(path) }
func (a repoVersioningAdapter) StageFileDeletion(path string) error { return a.repo.StageFileDeletion(path) }

func (a repoVersioningAdapter) CreateCheckpoint(sessionName, message string) (string, error) {
	cp, err := a.repo.CreateCheckpoint(sessionName, message)
	return cp.CommitID, err
}

// StreamChat drives one turn, calling onEvent for every SSE-level event in
// order (the caller is responsible for framing these onto the wire).
func (s *Service) StreamChat(ctx context.Context, in TurnInput, onEvent func(events.Event)) (TurnResult, error) {
	return s.runTurn(ctx, in, onEvent)
}

// Chat drives one turn to completion without streaming events to a caller,
// per spec §4.7 step 7 (the "non-streaming branch" shares the same pipeline,
// it simply has no external event consumer).
func (s *Service) Chat(ctx context.Context, in TurnInput) (TurnResult, error) {
	return s.runTurn(ctx, in, func(events.Event) {})
}

func (s *Service) runTurn(ctx context.Context, in TurnInput, onEvent func(events.Event)) (TurnResult, error) {
	sess, err := s.ensureActiveSession(ctx)
	if err != nil {
		s.emitTerminalError(onEvent, fmt.Errorf("chatservice: resolve active session: %w", err))
		return TurnResult{}, err
	}

	// 1. Pre-turn checkpoint.
	preview := in.Query
	if len(preview) > 80 {
		preview = preview[:80]
	}
	cp, err := s.Repo.CreateCheckpoint(sess.Name, "Before user message: "+preview)
	if err != nil {
		s.emitTerminalError(onEvent, fmt.Errorf("chatservice: create_checkpoint: %w", err))
		return TurnResult{}, err
	}
	checkpointID := cp.CommitID
	result := TurnResult{Checkpoint: checkpointID, Session: sess.Name}

	// 2. Append user message carrying {checkpoint, session}.
	if _, err := s.History.Append(ctx, history.User(in.Query, checkpointID, sess.Name)); err != nil {
		// Persistence failure never aborts the in-flight turn (spec §7).
		s.Log.Warn().Err(err).Str("dialog_id", s.DialogID).Msg("append user message failed")
	}

	// 3. RAG sync: best-effort, never fails the turn.
	if s.RAG != nil {
		if stats, err := s.RAG.Sync(ctx); err != nil {
			s.Log.Warn().Err(err).Str("dialog_id", s.DialogID).Msg("rag sync failed")
		} else {
			s.Log.Info().Int("checked", stats.Checked).Int("reindexed", stats.Reindexed).Int("removed", stats.Removed).Msg("rag sync")
		}
	}

	// 4. Context assembly.
	conversation, err := s.loadContext(ctx)
	if err != nil {
		s.emitTerminalError(onEvent, fmt.Errorf("chatservice: load context: %w", err))
		return result, err
	}

	// 5. Streaming branch.
	onEvent(events.User(s.DialogID, in.Query, checkpointID, sess.Name))

	state := &turnState{}
	wrappedOnEvent := func(e events.Event) {
		switch e.Type {
		case events.TypeChat:
			if d, ok := e.Data.(events.ContentData); ok {
				state.assistantBuffer.WriteString(d.Content)
			}
		case events.TypeReasoning:
			if d, ok := e.Data.(events.ContentData); ok {
				state.reasoningBuffer.WriteString(d.Content)
			}
		case events.TypeReasoningEnd:
			if state.reasoningBuffer.Len() > 0 {
				state.reasoningPending = state.reasoningBuffer.String()
				state.hasReasoningPending = true
				state.reasoningBuffer.Reset()
			}
		case events.TypeToolCall:
			state.sawToolCall = true
		case events.TypeFileEdit:
			if d, ok := e.Data.(events.FileEditData); ok && state.haveMessageID {
				if ferr := s.History.AppendFileEdit(ctx, state.currentMessageID, d.File, d.Diff, nil); ferr != nil {
					s.Log.Warn().Err(ferr).Str("file", d.File).Msg("append file_edit failed")
				}
			}
		}
		onEvent(e)
	}

	toolCtx := toolkit.ToolContext{
		Ctx:              sandbox.WithDialogID(ctx, s.DialogID),
		SSESink:          wrappedOnEvent,
		DialogID:         s.DialogID,
		ProjectRoot:      s.ProjectRoot,
		WorkspaceRoot:    s.WorkspaceRoot,
		FileRestrictions: s.FileRestrictions,
		Versioning:       repoVersioningAdapter{repo: s.Repo},
		ResultsStorage:   resultsStorageAdapter{store: s.Results},
		SessionName:      sess.Name,
	}

	persist := &turnPersister{store: s.History, state: state}
	outcome, _ := agentloop.Run(ctx, conversation, agentloop.Options{
		Client:               s.Client,
		Model:                s.Model,
		Registry:             s.Registry,
		ToolContext:          toolCtx,
		Results:              s.Results,
		DialogID:             s.DialogID,
		MaxConsecutiveErrors: s.MaxConsecutiveErrors,
		OnEvent:              wrappedOnEvent,
		Persist:              persist,
		Log:                  s.Log,
	})

	// 6. Termination. A terminal error means agentloop already emitted
	// error+done; flush buffers best-effort and stop without emitting more.
	if outcome.Err != nil {
		s.flushBuffers(ctx, state)
		return result, outcome.Err
	}

	s.flushBuffers(ctx, state)
	s.maybeSummarize(ctx)
	onEvent(events.Done(s.DialogID))
	result.Content = outcome.FinalContent
	return result, nil
}

// maybeSummarize implements C9's wiring into C7: after a turn's usage is
// recorded, evaluate the trigger-budget decision against the last recorded
// prompt_tokens and, on a "yes," run the summary call and its persistence as
// a tracked background task (C10) so the round-trip never blocks the
// response the caller is already consuming.
func (s *Service) maybeSummarize(ctx context.Context) {
	if s.Summarizer == nil {
		return
	}
	lastPrompt, err := s.History.LastPromptTokens(ctx)
	if err != nil {
		s.Log.Warn().Err(err).Msg("summarize: load last_prompt_tokens failed")
		return
	}
	decision := summarize.ShouldSummarize(s.SummaryCfg, lastPrompt)
	if !decision.Summarize {
		return
	}

	total, err := s.History.CountVisible(ctx)
	if err != nil {
		s.Log.Warn().Err(err).Msg("summarize: count_visible failed")
		return
	}
	cutoff := total - decision.KeepLast
	if cutoff <= 0 {
		return
	}
	rows, err := s.History.Slice(ctx, 0, &cutoff)
	if err != nil {
		s.Log.Warn().Err(err).Msg("summarize: slice failed")
		return
	}
	toSummarize := make([]history.Message, 0, len(rows))
	for _, r := range rows {
		toSummarize = append(toSummarize, r.Message)
	}

	run := func(taskCtx context.Context) error {
		_, serr := s.Summarizer.Summarize(taskCtx, s.History, int64(cutoff), toSummarize, decision.KeepLast)
		return serr
	}
	if s.TasksMgr != nil {
		s.TasksMgr.Create(ctx, "summarize-dialog", run)
		return
	}
	if err := run(ctx); err != nil {
		s.Log.Warn().Err(err).Msg("summarize: run failed")
	}
}

// flushBuffers implements spec §4.7 step 5/6's buffer-flush rules: the
// assistant text buffer is persisted as a new message only if the turn ended
// without C6 already persisting a tool-calls message itself; any reasoning
// left pending with nothing further to attach to is stored orphaned.
func (s *Service) flushBuffers(ctx context.Context, state *turnState) {
	if !state.sawToolCall && state.assistantBuffer.Len() > 0 {
		id, err := s.History.Append(ctx, history.Assistant(state.assistantBuffer.String(), nil))
		if err != nil {
			s.Log.Warn().Err(err).Msg("flush assistant buffer failed")
			return
		}
		if state.hasReasoningPending {
			if err := s.History.AppendReasoning(ctx, id, state.reasoningPending, state.modelName); err != nil {
				s.Log.Warn().Err(err).Msg("flush reasoning buffer failed")
			}
			state.hasReasoningPending = false
		}
		return
	}
	if state.hasReasoningPending {
		if err := s.History.AppendReasoning(ctx, -1, state.reasoningPending, state.modelName); err != nil {
			s.Log.Warn().Err(err).Msg("flush orphan reasoning failed")
		}
		state.hasReasoningPending = false
	}
}

func (s *Service) emitTerminalError(onEvent func(events.Event), err error) {
	s.Log.Error().Err(err).Str("dialog_id", s.DialogID).Msg("turn failed")
	onEvent(events.Error(s.DialogID, err.Error()))
	onEvent(events.Done(s.DialogID))
}

// loadContext implements spec §4.7 step 4: a persisted summary shortens the
// window to its tail K messages, with the summary text prepended as a system
// message; otherwise the full history is loaded.
func (s *Service) loadContext(ctx context.Context) ([]llm.Message, error) {
	summary, err := s.History.LoadSummary(ctx)
	switch {
	case err == nil:
		total, cerr := s.History.CountVisible(ctx)
		if cerr != nil {
			return nil, cerr
		}
		start := total - summary.KeepLast
		if start < 0 {
			start = 0
		}
		rows, serr := s.History.Slice(ctx, start, nil)
		if serr != nil {
			return nil, serr
		}
		conv := make([]llm.Message, 0, len(rows)+1)
		conv = append(conv, llm.Message{Role: llm.RoleSystem, Content: "Summary of earlier conversation: " + summary.SummaryText})
		conv = append(conv, rowsToMessages(rows)...)
		return conv, nil
	case errors.Is(err, dialogstore.ErrNotFound):
		rows, serr := s.History.Slice(ctx, 0, nil)
		if serr != nil {
			return nil, serr
		}
		return rowsToMessages(rows), nil
	default:
		return nil, err
	}
}

func rowsToMessages(rows []dialogstore.Row) []llm.Message {
	out := make([]llm.Message, 0, len(rows))
	for _, r := range rows {
		out = append(out, toLLMMessage(r.Message))
	}
	return out
}

func toLLMMessage(m history.Message) llm.Message {
	switch m.Kind {
	case history.KindUser:
		return llm.Message{Role: llm.RoleUser, Content: m.Content}
	case history.KindAssistant:
		calls := make([]llm.ToolCall, 0, len(m.ToolCalls))
		for _, tc := range m.ToolCalls {
			calls = append(calls, llm.ToolCall{ID: tc.ID, Name: tc.Name, Args: tc.Args})
		}
		return llm.Message{Role: llm.RoleAssistant, Content: m.Content, ToolCalls: calls}
	case history.KindToolResult:
		body, _ := json.Marshal(m.Result)
		return llm.Message{Role: llm.RoleTool, ToolCallID: m.ToolCallID, Content: string(body)}
	default:
		return llm.Message{Role: llm.RoleSystem, Content: m.Content}
	}
}

type resultsStorageAdapter struct{ store *resultstore.Store }

func (a resultsStorageAdapter) Get(ctx context.Context, toolCallID string) (json.RawMessage, error) {
	rec, err := a.store.Get(ctx, toolCallID)
	if err != nil {
		return nil, err
	}
	return rec.Result, nil
}

// Checkpoints lists the active session's checkpoints, newest last.
func (s *Service) Checkpoints(ctx context.Context) ([]versioning.Checkpoint, error) {
	sess, err := s.ensureActiveSession(ctx)
	if err != nil {
		return nil, err
	}
	return s.Repo.ListCheckpoints(sess.Name)
}

// Restore materializes checkpointID on disk and commits a fresh checkpoint
// capturing the restored state, then queues a best-effort RAG reindex of the
// restored paths through C10.
func (s *Service) Restore(ctx context.Context, checkpointID string) (restoredPaths []string, newCheckpoint string, err error) {
	sess, err := s.ensureActiveSession(ctx)
	if err != nil {
		return nil, "", err
	}
	restoredPaths, err = s.Repo.RestoreCheckpoint(checkpointID)
	if err != nil {
		return nil, "", err
	}
	cp, err := s.Repo.CreateCheckpoint(sess.Name, "After restore to "+checkpointID)
	if err != nil {
		return restoredPaths, "", err
	}

	if s.TasksMgr != nil && s.RAG != nil && len(restoredPaths) > 0 {
		paths := append([]string(nil), restoredPaths...)
		s.TasksMgr.Create(ctx, "restore-reindex", func(taskCtx context.Context) error {
			for _, p := range paths {
				if rerr := s.RAG.Reindex(taskCtx, p); rerr != nil {
					s.Log.Warn().Err(rerr).Str("path", p).Msg("post-restore reindex failed")
				}
			}
			return nil
		})
	}
	return restoredPaths, cp.CommitID, nil
}

// Approve fast-forwards main to the active session's head and opens a new
// active session, per spec §9's Approve lifecycle. approvedAt is the unix
// timestamp of the approval, returned so the caller can mirror it onto the
// dialog index's last_approved_at (spec §6's GET .../session response).
func (s *Service) Approve(ctx context.Context, message string) (approvedCommit, newSession string, commitsApproved int, approvedAt int64, err error) {
	sess, err := s.ensureActiveSession(ctx)
	if err != nil {
		return "", "", 0, 0, err
	}
	next := nextSessionName(sess.Name)
	approvedCommit, commitsApproved, err = s.Repo.ApproveAll(sess.Name, next, message)
	if err != nil {
		return "", "", 0, 0, err
	}

	now := time.Now().UTC().Unix()
	approved := approvedCommit
	sess.Status = "merged"
	sess.ClosedAt = &now
	sess.ApprovedCommit = &approved
	if uerr := s.History.UpsertSession(ctx, sess); uerr != nil {
		s.Log.Warn().Err(uerr).Msg("mark session merged failed")
	}
	newSess := dialogstore.Session{Name: next, Ref: sessionRefString(next), Status: "active", CreatedAt: now}
	if uerr := s.History.UpsertSession(ctx, newSess); uerr != nil {
		s.Log.Warn().Err(uerr).Msg("open next session failed")
	}
	return approvedCommit, next, commitsApproved, now, nil
}

// Reset abandons the active session, starts a new one at main, and
// materializes main's tree on disk, per spec §9's Reset lifecycle.
func (s *Service) Reset(ctx context.Context) (resetTo, newSession, preResetCheckpoint string, err error) {
	sess, err := s.ensureActiveSession(ctx)
	if err != nil {
		return "", "", "", err
	}
	next := nextSessionName(sess.Name)
	preResetCheckpoint, err = s.Repo.ResetToApproved(sess.Name, next)
	if err != nil {
		return "", "", "", err
	}
	mainHead, err := s.Repo.MainHead()
	if err != nil {
		return "", "", "", err
	}
	if _, rerr := s.Repo.RestoreCheckpoint(mainHead); rerr != nil {
		s.Log.Warn().Err(rerr).Msg("reset: materialize main failed")
	}
	if cerr := s.Repo.ClearStaging(); cerr != nil {
		s.Log.Warn().Err(cerr).Msg("reset: clear staging failed")
	}

	now := time.Now().UTC().Unix()
	sess.Status = "abandoned"
	sess.ClosedAt = &now
	if uerr := s.History.UpsertSession(ctx, sess); uerr != nil {
		s.Log.Warn().Err(uerr).Msg("mark session abandoned failed")
	}
	newSess := dialogstore.Session{Name: next, Ref: sessionRefString(next), Status: "active", CreatedAt: now}
	if uerr := s.History.UpsertSession(ctx, newSess); uerr != nil {
		s.Log.Warn().Err(uerr).Msg("open next session failed")
	}
	return mainHead, next, preResetCheckpoint, nil
}

// SessionStatus reports whether the active session has unapproved work, per
// spec §8 scenario S5: committed-but-unmerged checkpoints and staged,
// uncommitted changes both count.
func (s *Service) SessionStatus(ctx context.Context) (SessionStatus, error) {
	sess, err := s.History.ActiveSession(ctx)
	if errors.Is(err, dialogstore.ErrNotFound) {
		return SessionStatus{}, nil
	}
	if err != nil {
		return SessionStatus{}, err
	}

	committed, err := s.Repo.GetTreeDiff("main", sess.Name, true)
	if err != nil {
		return SessionStatus{}, err
	}
	staged, err := s.Repo.GetStagedDiff(sess.Name, true)
	if err != nil {
		return SessionStatus{}, err
	}

	byPath := map[string]versioning.DiffEntry{}
	for _, d := range committed {
		byPath[d.Path] = d
	}
	for _, d := range staged {
		byPath[d.Path] = d // working-tree state wins over the last checkpoint
	}

	files := make([]ChangedFile, 0, len(byPath))
	for _, d := range byPath {
		files = append(files, ChangedFile{Path: d.Path, Status: string(d.Status), Additions: d.Additions, Deletions: d.Deletions, Diff: d.Diff})
	}
	sort.Slice(files, func(i, j int) bool { return files[i].Path < files[j].Path })

	return SessionStatus{
		ActiveSession: sess.Name,
		SessionRef:    sess.Ref,
		HasUnapproved: len(byPath) > 0,
		ChangedFiles:  files,
	}, nil
}
