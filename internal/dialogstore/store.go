// Package dialogstore implements the per-dialog relational journal (C2): an
// append-only message log plus the reasoning, file-edit, usage, summary,
// session, and branch-pointer tables that hang off it. One Store wraps one
// dialog's journal.sqlite file.
package dialogstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/klauspost/compress/zstd"
	"github.com/rs/zerolog"
	_ "modernc.org/sqlite"

	"agentsmithy/internal/history"
)

// ErrNotFound is returned when a lookup finds no matching row.
var ErrNotFound = errors.New("dialogstore: not found")

// Store wraps one dialog's journal.sqlite. A single connection is used (as
// the teacher pack does for embedded sqlite journals) so that all callers
// serialize through one writer, which matches the turn-serialization
// discipline the versioning and dialog resources already require.
type Store struct {
	db  *sql.DB
	log zerolog.Logger

	enc *zstd.Encoder
	dec *zstd.Decoder
}

// Open creates or attaches to the sqlite file at path and ensures schema.
func Open(ctx context.Context, path string, log zerolog.Logger) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("dialogstore: open %s: %w", path, err)
	}
	db.SetMaxOpenConns(1)

	enc, err := zstd.NewWriter(nil)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("dialogstore: new zstd encoder: %w", err)
	}
	dec, err := zstd.NewReader(nil)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("dialogstore: new zstd decoder: %w", err)
	}

	s := &Store{db: db, log: log.With().Str("component", "dialogstore").Logger(), enc: enc, dec: dec}
	if err := s.migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) migrate(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS messages (
			ord INTEGER PRIMARY KEY AUTOINCREMENT,
			kind TEXT NOT NULL,
			payload BLOB NOT NULL,
			created_at INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS reasoning (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			message_index INTEGER NOT NULL,
			content BLOB NOT NULL,
			model_name TEXT,
			created_at INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_reasoning_msgidx ON reasoning(message_index)`,
		`CREATE TABLE IF NOT EXISTS file_edits (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			message_index INTEGER NOT NULL,
			file TEXT NOT NULL,
			diff TEXT,
			checkpoint TEXT,
			created_at INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_file_edits_msgidx ON file_edits(message_index)`,
		`CREATE TABLE IF NOT EXISTS usage_events (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			prompt_tokens INTEGER NOT NULL,
			completion_tokens INTEGER NOT NULL,
			total_tokens INTEGER NOT NULL,
			model TEXT NOT NULL,
			created_at INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS usage_totals (
			model TEXT PRIMARY KEY,
			prompt_tokens INTEGER NOT NULL,
			completion_tokens INTEGER NOT NULL,
			total_tokens INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS summaries (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			cutoff_message_index INTEGER NOT NULL,
			summary_text TEXT NOT NULL,
			keep_last INTEGER NOT NULL,
			summarized_count INTEGER NOT NULL,
			created_at INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS sessions (
			name TEXT PRIMARY KEY,
			ref TEXT NOT NULL,
			status TEXT NOT NULL,
			created_at INTEGER NOT NULL,
			closed_at INTEGER,
			approved_commit TEXT,
			checkpoints_count INTEGER NOT NULL DEFAULT 0,
			branch_exists INTEGER NOT NULL DEFAULT 1
		)`,
		`CREATE TABLE IF NOT EXISTS dialog_branches (
			type TEXT PRIMARY KEY,
			ref TEXT NOT NULL,
			head_commit TEXT,
			valid INTEGER NOT NULL DEFAULT 1
		)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("dialogstore: migrate: %w", err)
		}
	}
	return nil
}

// Close releases the underlying connection.
func (s *Store) Close() error { return s.db.Close() }

func (s *Store) compress(v any) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return s.enc.EncodeAll(raw, nil), nil
}

func (s *Store) decompress(b []byte, v any) error {
	raw, err := s.dec.DecodeAll(b, nil)
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, v)
}

// Row pairs a reconstructed Message with its storage identity.
type Row struct {
	Message       history.Message
	OriginalIndex int64 // 0-based position in the full log (ordering, pagination cursor); reasoning/edits are keyed by StorageID
	StorageID     int64
}

// Append writes msg to the log, atomically and in order.
func (s *Store) Append(ctx context.Context, msg history.Message) (int64, error) {
	payload, err := s.compress(msg)
	if err != nil {
		return 0, fmt.Errorf("dialogstore: compress message: %w", err)
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO messages (kind, payload, created_at) VALUES (?, ?, ?)`,
		string(msg.Kind), payload, time.Now().UTC().Unix(),
	)
	if err != nil {
		return 0, fmt.Errorf("dialogstore: append: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("dialogstore: append: %w", err)
	}
	s.log.Debug().Int64("ord", id).Str("kind", string(msg.Kind)).Msg("message appended")
	return id, nil
}

// CountVisible counts messages of Kind != ToolResult, excluding empty
// assistant carriers.
func (s *Store) CountVisible(ctx context.Context) (int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT kind, payload FROM messages ORDER BY ord ASC`)
	if err != nil {
		return 0, fmt.Errorf("dialogstore: count_visible: %w", err)
	}
	defer rows.Close()

	n := 0
	for rows.Next() {
		var kind string
		var payload []byte
		if err := rows.Scan(&kind, &payload); err != nil {
			return 0, err
		}
		var msg history.Message
		if err := s.decompress(payload, &msg); err != nil {
			return 0, err
		}
		if msg.Visible() {
			n++
		}
	}
	return n, rows.Err()
}

// Slice returns the visible messages between [start,end) of the visible
// cursor, plus adjacent empty-assistant carriers so their tool_calls survive
// the trip, per C2's pagination contract. end == nil means "to the tail",
// and in that mode every trailing empty-assistant message is included.
func (s *Store) Slice(ctx context.Context, start int, end *int) ([]Row, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT ord, kind, payload FROM messages ORDER BY ord ASC`)
	if err != nil {
		return nil, fmt.Errorf("dialogstore: slice: %w", err)
	}
	defer rows.Close()

	type decoded struct {
		ord int64
		msg history.Message
	}
	var all []decoded
	for rows.Next() {
		var ord int64
		var kind string
		var payload []byte
		if err := rows.Scan(&ord, &kind, &payload); err != nil {
			return nil, err
		}
		var msg history.Message
		if err := s.decompress(payload, &msg); err != nil {
			return nil, err
		}
		all = append(all, decoded{ord: ord, msg: msg})
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	var out []Row
	visIdx := -1
	for i, d := range all {
		if !d.msg.Visible() {
			continue
		}
		visIdx++
		if visIdx < start {
			continue
		}
		if end != nil && visIdx >= *end {
			break
		}
		out = append(out, Row{Message: d.msg, OriginalIndex: int64(i), StorageID: d.ord})

		// Pull in trailing empty-assistant carriers immediately following
		// this visible message, up to the next visible one or (for a tail
		// load) the end of the log.
		for j := i + 1; j < len(all); j++ {
			if all[j].msg.Visible() {
				break
			}
			if !all[j].msg.IsEmptyAssistant() {
				continue
			}
			if end != nil && visIdx+1 >= *end {
				break
			}
			out = append(out, Row{Message: all[j].msg, OriginalIndex: int64(j), StorageID: all[j].ord})
		}
	}
	return out, nil
}

// Clear wipes all rows for the dialog.
func (s *Store) Clear(ctx context.Context) error {
	tables := []string{"messages", "reasoning", "file_edits", "usage_events", "usage_totals", "summaries", "sessions", "dialog_branches"}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("dialogstore: clear: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck
	for _, t := range tables {
		if _, err := tx.ExecContext(ctx, `DELETE FROM `+t); err != nil {
			return fmt.Errorf("dialogstore: clear %s: %w", t, err)
		}
	}
	return tx.Commit()
}

// ReasoningRow is one persisted reasoning block.
type ReasoningRow struct {
	ID            int64
	MessageIndex  int64
	Content       string
	ModelName     string
	CreatedAt     int64
}

// AppendReasoning stores a reasoning block. messageIndex is -1 for
// unattached (orphan) reasoning.
func (s *Store) AppendReasoning(ctx context.Context, messageIndex int64, content, modelName string) error {
	b, err := s.compress(content)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO reasoning (message_index, content, model_name, created_at) VALUES (?, ?, ?, ?)`,
		messageIndex, b, modelName, time.Now().UTC().Unix(),
	)
	return err
}

// ReasoningForIndices loads reasoning rows whose message_index is in idxs.
func (s *Store) ReasoningForIndices(ctx context.Context, idxs []int64) ([]ReasoningRow, error) {
	if len(idxs) == 0 {
		return nil, nil
	}
	placeholders, args := inClause(idxs)
	q := `SELECT id, message_index, content, model_name, created_at FROM reasoning WHERE message_index IN (` + placeholders + `) ORDER BY id ASC`
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []ReasoningRow
	for rows.Next() {
		var r ReasoningRow
		var content []byte
		var model sql.NullString
		if err := rows.Scan(&r.ID, &r.MessageIndex, &content, &model, &r.CreatedAt); err != nil {
			return nil, err
		}
		if err := s.decompress(content, &r.Content); err != nil {
			return nil, err
		}
		r.ModelName = model.String
		out = append(out, r)
	}
	return out, rows.Err()
}

// OrphanReasoning loads reasoning rows with message_index = -1.
func (s *Store) OrphanReasoning(ctx context.Context) ([]ReasoningRow, error) {
	return s.ReasoningForIndices(ctx, []int64{-1})
}

// FileEditRow is one persisted file-edit record.
type FileEditRow struct {
	ID           int64
	MessageIndex int64
	File         string
	Diff         *string
	Checkpoint   *string
	CreatedAt    int64
}

// AppendFileEdit stores a file-edit record tagged with the message index it
// is attached to.
func (s *Store) AppendFileEdit(ctx context.Context, messageIndex int64, file string, diff, checkpoint *string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO file_edits (message_index, file, diff, checkpoint, created_at) VALUES (?, ?, ?, ?, ?)`,
		messageIndex, file, diff, checkpoint, time.Now().UTC().Unix(),
	)
	return err
}

// FileEditsForIndices loads file-edit rows for the given message indices.
func (s *Store) FileEditsForIndices(ctx context.Context, idxs []int64) ([]FileEditRow, error) {
	if len(idxs) == 0 {
		return nil, nil
	}
	placeholders, args := inClause(idxs)
	q := `SELECT id, message_index, file, diff, checkpoint, created_at FROM file_edits WHERE message_index IN (` + placeholders + `) ORDER BY id ASC`
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []FileEditRow
	for rows.Next() {
		var r FileEditRow
		var diff, checkpoint sql.NullString
		if err := rows.Scan(&r.ID, &r.MessageIndex, &r.File, &diff, &checkpoint, &r.CreatedAt); err != nil {
			return nil, err
		}
		if diff.Valid {
			r.Diff = &diff.String
		}
		if checkpoint.Valid {
			r.Checkpoint = &checkpoint.String
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// RecordUsage upserts a usage event and the running per-model total.
func (s *Store) RecordUsage(ctx context.Context, model string, prompt, completion, total int) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback() //nolint:errcheck

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO usage_events (prompt_tokens, completion_tokens, total_tokens, model, created_at) VALUES (?, ?, ?, ?, ?)`,
		prompt, completion, total, model, time.Now().UTC().Unix(),
	); err != nil {
		return fmt.Errorf("dialogstore: record usage event: %w", err)
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO usage_totals (model, prompt_tokens, completion_tokens, total_tokens) VALUES (?, ?, ?, ?)
		 ON CONFLICT(model) DO UPDATE SET
		   prompt_tokens = prompt_tokens + excluded.prompt_tokens,
		   completion_tokens = completion_tokens + excluded.completion_tokens,
		   total_tokens = total_tokens + excluded.total_tokens`,
		model, prompt, completion, total,
	); err != nil {
		return fmt.Errorf("dialogstore: upsert usage total: %w", err)
	}
	return tx.Commit()
}

// UsageTotal is the running per-model token total.
type UsageTotal struct {
	Model                                     string
	PromptTokens, CompletionTokens, TotalTokens int
}

// LastPromptTokens returns the prompt_tokens of the most recently recorded
// usage event, used by the summarization trigger (C9).
func (s *Store) LastPromptTokens(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT prompt_tokens FROM usage_events ORDER BY id DESC LIMIT 1`).Scan(&n)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	return n, err
}

// Summary is a persisted dialog summary record.
type Summary struct {
	CutoffMessageIndex int64
	SummaryText        string
	KeepLast           int
	SummarizedCount    int
	CreatedAt          int64
}

// SaveSummary persists a new summary, superseding any earlier one on read
// (LoadSummary always returns the most recent row).
func (s *Store) SaveSummary(ctx context.Context, sm Summary) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO summaries (cutoff_message_index, summary_text, keep_last, summarized_count, created_at) VALUES (?, ?, ?, ?, ?)`,
		sm.CutoffMessageIndex, sm.SummaryText, sm.KeepLast, sm.SummarizedCount, time.Now().UTC().Unix(),
	)
	return err
}

// LoadSummary returns the most recently persisted summary, or ErrNotFound.
func (s *Store) LoadSummary(ctx context.Context) (Summary, error) {
	var sm Summary
	err := s.db.QueryRowContext(ctx,
		`SELECT cutoff_message_index, summary_text, keep_last, summarized_count, created_at FROM summaries ORDER BY id DESC LIMIT 1`,
	).Scan(&sm.CutoffMessageIndex, &sm.SummaryText, &sm.KeepLast, &sm.SummarizedCount, &sm.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Summary{}, ErrNotFound
	}
	return sm, err
}

// Session mirrors the Session entity from the data model.
type Session struct {
	Name             string
	Ref              string
	Status           string // active | merged | abandoned
	CreatedAt        int64
	ClosedAt         *int64
	ApprovedCommit   *string
	CheckpointsCount int
	BranchExists     bool
}

// UpsertSession writes or replaces a session row.
func (s *Store) UpsertSession(ctx context.Context, sess Session) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO sessions (name, ref, status, created_at, closed_at, approved_commit, checkpoints_count, branch_exists)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(name) DO UPDATE SET
		   ref=excluded.ref, status=excluded.status, closed_at=excluded.closed_at,
		   approved_commit=excluded.approved_commit, checkpoints_count=excluded.checkpoints_count,
		   branch_exists=excluded.branch_exists`,
		sess.Name, sess.Ref, sess.Status, sess.CreatedAt, sess.ClosedAt, sess.ApprovedCommit,
		sess.CheckpointsCount, boolToInt(sess.BranchExists),
	)
	return err
}

// ActiveSession returns the one session row with status = active, if any.
func (s *Store) ActiveSession(ctx context.Context) (Session, error) {
	var sess Session
	var closedAt sql.NullInt64
	var approvedCommit sql.NullString
	var branchExists int
	err := s.db.QueryRowContext(ctx,
		`SELECT name, ref, status, created_at, closed_at, approved_commit, checkpoints_count, branch_exists
		 FROM sessions WHERE status = 'active' LIMIT 1`,
	).Scan(&sess.Name, &sess.Ref, &sess.Status, &sess.CreatedAt, &closedAt, &approvedCommit, &sess.CheckpointsCount, &branchExists)
	if errors.Is(err, sql.ErrNoRows) {
		return Session{}, ErrNotFound
	}
	if err != nil {
		return Session{}, err
	}
	if closedAt.Valid {
		sess.ClosedAt = &closedAt.Int64
	}
	if approvedCommit.Valid {
		sess.ApprovedCommit = &approvedCommit.String
	}
	sess.BranchExists = branchExists != 0
	return sess, nil
}

// BranchPointer mirrors the Branch pointer entity.
type BranchPointer struct {
	Type       string // main | session
	Ref        string
	HeadCommit *string
	Valid      bool
}

// UpsertBranch writes or replaces a branch-pointer row.
func (s *Store) UpsertBranch(ctx context.Context, bp BranchPointer) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO dialog_branches (type, ref, head_commit, valid) VALUES (?, ?, ?, ?)
		 ON CONFLICT(type) DO UPDATE SET ref=excluded.ref, head_commit=excluded.head_commit, valid=excluded.valid`,
		bp.Type, bp.Ref, bp.HeadCommit, boolToInt(bp.Valid),
	)
	return err
}

// Branch loads the branch-pointer row for typ ("main" or "session").
func (s *Store) Branch(ctx context.Context, typ string) (BranchPointer, error) {
	var bp BranchPointer
	var head sql.NullString
	var valid int
	err := s.db.QueryRowContext(ctx,
		`SELECT type, ref, head_commit, valid FROM dialog_branches WHERE type = ?`, typ,
	).Scan(&bp.Type, &bp.Ref, &head, &valid)
	if errors.Is(err, sql.ErrNoRows) {
		return BranchPointer{}, ErrNotFound
	}
	if err != nil {
		return BranchPointer{}, err
	}
	if head.Valid {
		bp.HeadCommit = &head.String
	}
	bp.Valid = valid != 0
	return bp, nil
}

// Counts reports the totals the history reconstructor (C8) combines into
// total_events: visible (non-empty) messages, tool_calls across every
// assistant message including empty carriers, reasoning rows (orphan
// included), and file_edit rows.
type Counts struct {
	Messages  int
	ToolCalls int
	Reasoning int
	FileEdits int
}

func (s *Store) Counts(ctx context.Context) (Counts, error) {
	var c Counts

	rows, err := s.db.QueryContext(ctx, `SELECT kind, payload FROM messages ORDER BY ord ASC`)
	if err != nil {
		return c, fmt.Errorf("dialogstore: counts: %w", err)
	}
	for rows.Next() {
		var kind string
		var payload []byte
		if err := rows.Scan(&kind, &payload); err != nil {
			rows.Close()
			return c, err
		}
		var msg history.Message
		if err := s.decompress(payload, &msg); err != nil {
			rows.Close()
			return c, err
		}
		if msg.Visible() {
			c.Messages++
		}
		c.ToolCalls += len(msg.ToolCalls)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return c, err
	}
	rows.Close()

	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM reasoning`).Scan(&c.Reasoning); err != nil {
		return c, fmt.Errorf("dialogstore: counts reasoning: %w", err)
	}
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM file_edits`).Scan(&c.FileEdits); err != nil {
		return c, fmt.Errorf("dialogstore: counts file_edits: %w", err)
	}
	return c, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func inClause(idxs []int64) (string, []any) {
	args := make([]any, len(idxs))
	placeholders := make([]byte, 0, len(idxs)*2)
	for i, v := range idxs {
		args[i] = v
		if i > 0 {
			placeholders = append(placeholders, ',')
		}
		placeholders = append(placeholders, '?')
	}
	return string(placeholders), args
}
