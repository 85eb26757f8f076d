// Package resultstore implements the tool-result store (C3): a
// content-keyed, compressed record of every non-ephemeral tool call's
// arguments and output, scoped per project so the same store backs every
// dialog's oversize results.
package resultstore

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
)

// ErrNotFound is returned by Get when no record exists for the given id.
var ErrNotFound = errors.New("resultstore: not found")

// previewBound is the max size, in bytes, of the head+tail preview returned
// by TruncatedPreview.
const previewBound = 2048

// Record is one stored tool call's arguments and result.
type Record struct {
	ToolCallID string
	DialogID   string
	ToolName   string
	Args       json.RawMessage
	Result     json.RawMessage
	Timestamp  int64
	SizeBytes  int64
	Summary    string
	Error      string
}

// Store is a project-scoped store of StoredToolResult records, backed by a
// single sqlite file shared across the project's dialogs.
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
		return nil, fmt.Errorf("resultstore: open %s: %w", path, err)
	}
	db.SetMaxOpenConns(1)

	enc, err := zstd.NewWriter(nil)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("resultstore: new zstd encoder: %w", err)
	}
	dec, err := zstd.NewReader(nil)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("resultstore: new zstd decoder: %w", err)
	}

	s := &Store{db: db, log: log.With().Str("component", "resultstore").Logger(), enc: enc, dec: dec}
	if _, err := db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS tool_results (
		tool_call_id TEXT PRIMARY KEY,
		dialog_id TEXT NOT NULL,
		tool_name TEXT NOT NULL,
		args BLOB NOT NULL,
		result BLOB NOT NULL,
		timestamp INTEGER NOT NULL,
		size_bytes INTEGER NOT NULL,
		summary TEXT,
		error TEXT
	)`); err != nil {
		db.Close()
		return nil, fmt.Errorf("resultstore: migrate: %w", err)
	}
	if _, err := db.ExecContext(ctx, `CREATE INDEX IF NOT EXISTS idx_tool_results_dialog ON tool_results(dialog_id)`); err != nil {
		db.Close()
		return nil, fmt.Errorf("resultstore: migrate: %w", err)
	}
	return s, nil
}

// Close releases the underlying connection; compressor state is freed by
// Dispose.
func (s *Store) Close() error { return s.db.Close() }

// Summarizer computes a short human-readable summary of a tool result. C5
// tools may supply one; when nil, StoreResult leaves Summary empty.
type Summarizer func(toolName string, args, result json.RawMessage) string

// StoreResult writes a compressed record for toolCallID, computing
// size_bytes from the serialized result and an optional summary. The
// computed summary is returned so callers can carry the same string into a
// ToolResultEnvelope's metadata.summary field (spec §3/§4.3) instead of it
// being stranded inside the store.
func (s *Store) StoreResult(ctx context.Context, dialogID, toolCallID, toolName string, args, result json.RawMessage, summarize Summarizer) (string, error) {
	compArgs := s.enc.EncodeAll(args, nil)
	compResult := s.enc.EncodeAll(result, nil)

	var summary string
	if summarize != nil {
		summary = summarize(toolName, args, result)
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO tool_results (tool_call_id, dialog_id, tool_name, args, result, timestamp, size_bytes, summary)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		toolCallID, dialogID, toolName, compArgs, compResult, time.Now().UTC().Unix(), int64(len(result)), summary,
	)
	if err != nil {
		return "", fmt.Errorf("resultstore: store_result %s: %w", toolCallID, err)
	}
	s.log.Debug().Str("tool_call_id", toolCallID).Str("tool", toolName).Int("size_bytes", len(result)).Msg("result stored")
	return summary, nil
}

// StoreError persists a failed tool call's error instead of a result.
func (s *Store) StoreError(ctx context.Context, dialogID, toolCallID, toolName string, args json.RawMessage, errMsg string) error {
	compArgs := s.enc.EncodeAll(args, nil)
	_, err := s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO tool_results (tool_call_id, dialog_id, tool_name, args, result, timestamp, size_bytes, error)
		 VALUES (?, ?, ?, ?, ?, ?, 0, ?)`,
		toolCallID, dialogID, toolName, compArgs, []byte{}, time.Now().UTC().Unix(), errMsg,
	)
	if err != nil {
		return fmt.Errorf("resultstore: store_error %s: %w", toolCallID, err)
	}
	return nil
}

// Get returns the stored record for toolCallID, or ErrNotFound.
func (s *Store) Get(ctx context.Context, toolCallID string) (Record, error) {
	var r Record
	var args, result []byte
	var summary, errMsg sql.NullString
	err := s.db.QueryRowContext(ctx,
		`SELECT tool_call_id, dialog_id, tool_name, args, result, timestamp, size_bytes, summary, error
		 FROM tool_results WHERE tool_call_id = ?`, toolCallID,
	).Scan(&r.ToolCallID, &r.DialogID, &r.ToolName, &args, &result, &r.Timestamp, &r.SizeBytes, &summary, &errMsg)
	if errors.Is(err, sql.ErrNoRows) {
		return Record{}, ErrNotFound
	}
	if err != nil {
		return Record{}, fmt.Errorf("resultstore: get %s: %w", toolCallID, err)
	}

	if len(args) > 0 {
		decArgs, derr := s.dec.DecodeAll(args, nil)
		if derr != nil {
			return Record{}, fmt.Errorf("resultstore: decompress args: %w", derr)
		}
		r.Args = decArgs
	}
	if len(result) > 0 {
		decResult, derr := s.dec.DecodeAll(result, nil)
		if derr != nil {
			return Record{}, fmt.Errorf("resultstore: decompress result: %w", derr)
		}
		r.Result = decResult
	}
	r.Summary = summary.String
	r.Error = errMsg.String
	return r, nil
}

// TruncatedPreview returns a bounded head+tail preview of result, suitable
// for inline envelope metadata. Results shorter than previewBound are
// returned unchanged.
func TruncatedPreview(result []byte) string {
	if len(result) <= previewBound {
		return string(result)
	}
	half := previewBound / 2
	return string(result[:half]) + "\n...[truncated]...\n" + string(result[len(result)-half:])
}

// Dispose releases underlying resources. The store's sqlite connection is
// closed separately via Close; Dispose additionally frees the zstd codec
// state, matching the C3 contract's explicit release step.
func (s *Store) Dispose() {
	s.enc.Close()
	s.dec.Close()
}
