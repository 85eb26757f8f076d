// Package dialogs ties C2 (dialogstore), C3 (resultstore), C4 (versioning),
// C5 (toolkit), C9 (summarize), and C10 (tasks) together into one Manager
// that owns the project's dialog index and lazily opens the per-dialog
// resources a chatservice.Service needs, one Service per open dialog, per
// spec §5's "at most one active turn per dialog" and the Service docstring
// in chatservice.go. Grounded on the teacher's own split between a thin
// process entrypoint and a resource-owning service layer (internal/agent
// playground runner's per-run bookkeeping), generalized to per-dialog
// bookkeeping.
package dialogs

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"agentsmithy/internal/chatservice"
	"agentsmithy/internal/config"
	"agentsmithy/internal/dialogstore"
	"agentsmithy/internal/llm"
	"agentsmithy/internal/resultstore"
	"agentsmithy/internal/summarize"
	"agentsmithy/internal/tasks"
	"agentsmithy/internal/toolkit"
	"agentsmithy/internal/versioning"
)

// ErrNotFound is returned by Get/Patch/Delete for an unknown dialog id.
var ErrNotFound = errors.New("dialogs: not found")

// openDialog bundles the per-dialog resources a chatservice.Service is
// built from, kept open for the lifetime of the process (or until Delete).
type openDialog struct {
	mu      sync.Mutex // serializes turns against this dialog, per spec §5
	store   *dialogstore.Store
	repo    *versioning.Repo
	service *chatservice.Service
}

// Manager owns the project's dialog index plus every currently-open
// dialog's resources. One Manager per project per process.
type Manager struct {
	cfg   config.Config
	log   zerolog.Logger
	idx   *index

	results  *resultstore.Store
	registry *toolkit.Registry
	client   llm.Client
	rag      chatservice.RAGIndex
	tasksMgr *tasks.Manager

	mu      sync.Mutex
	dialogs map[string]*openDialog
}

// New opens (creating if necessary) the project's dialogs/index.json and
// the project-scoped tool-result store (C3), and returns a Manager ready to
// serve dialogs. client may be nil in tests that only exercise
// history/versioning endpoints; it is required for /api/chat to function.
func New(ctx context.Context, cfg config.Config, log zerolog.Logger, client llm.Client, registry *toolkit.Registry, tasksMgr *tasks.Manager, rag chatservice.RAGIndex) (*Manager, error) {
	stateDir := filepath.Join(cfg.ProjectRoot, cfg.Dialogs.StateDirName)
	if err := os.MkdirAll(filepath.Join(stateDir, "dialogs"), 0o755); err != nil {
		return nil, fmt.Errorf("dialogs: mkdir state dir: %w", err)
	}

	idx, err := loadIndex(filepath.Join(stateDir, "dialogs", "index.json"))
	if err != nil {
		return nil, fmt.Errorf("dialogs: load index: %w", err)
	}

	results, err := resultstore.Open(ctx, filepath.Join(stateDir, "tool_results.sqlite"), log)
	if err != nil {
		return nil, fmt.Errorf("dialogs: open result store: %w", err)
	}

	return &Manager{
		cfg:      cfg,
		log:      log.With().Str("component", "dialogs").Logger(),
		idx:      idx,
		results:  results,
		registry: registry,
		client:   client,
		rag:      rag,
		tasksMgr: tasksMgr,
		dialogs:  map[string]*openDialog{},
	}, nil
}

// Close releases every open dialog's journal store and the shared result
// store. Called once, on process shutdown.
func (m *Manager) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, od := range m.dialogs {
		if err := od.store.Close(); err != nil {
			m.log.Warn().Err(err).Str("dialog_id", id).Msg("close dialog store failed")
		}
	}
	m.results.Dispose()
	if err := m.results.Close(); err != nil {
		m.log.Warn().Err(err).Msg("close result store failed")
	}
}

func (m *Manager) dialogStateDir(id string) string {
	return filepath.Join(m.cfg.ProjectRoot, m.cfg.Dialogs.StateDirName, "dialogs", id)
}

// isInspector reports whether id is the reserved per-project inspector
// dialog, which spec §3 excludes from the dialog index and which shares a
// single journal file rather than getting its own directory (spec §6).
func (m *Manager) isInspector(id string) bool {
	return id == m.cfg.Dialogs.InspectorDialogID
}

func (m *Manager) journalPath(id string) string {
	if m.isInspector(id) {
		return filepath.Join(m.cfg.ProjectRoot, m.cfg.Dialogs.StateDirName, "dialogs", "journal.sqlite")
	}
	return filepath.Join(m.dialogStateDir(id), "journal.sqlite")
}

// Create allocates a new dialog id, writes its index row, and optionally
// makes it the project's current dialog.
func (m *Manager) Create(title *string, setCurrent bool) (DialogMeta, error) {
	now := time.Now().UTC().Unix()
	meta := DialogMeta{ID: uuid.NewString(), Title: title, CreatedAt: now, UpdatedAt: now}
	if err := m.idx.upsert(meta); err != nil {
		return DialogMeta{}, fmt.Errorf("dialogs: create: %w", err)
	}
	if setCurrent {
		if err := m.idx.setCurrent(meta.ID); err != nil {
			return meta, fmt.Errorf("dialogs: set current: %w", err)
		}
	}
	return meta, nil
}

// List returns the project's current dialog id (if any) and every
// non-inspector dialog's metadata, per GET /api/dialogs (spec §6).
func (m *Manager) List() (*string, []DialogMeta) {
	return m.idx.list()
}

// Get returns one dialog's index metadata.
func (m *Manager) Get(id string) (DialogMeta, bool) {
	return m.idx.get(id)
}

// Patch updates a dialog's title.
func (m *Manager) Patch(id string, title *string) (DialogMeta, error) {
	meta, ok := m.idx.get(id)
	if !ok {
		return DialogMeta{}, ErrNotFound
	}
	meta.Title = title
	meta.UpdatedAt = time.Now().UTC().Unix()
	if err := m.idx.upsert(meta); err != nil {
		return DialogMeta{}, err
	}
	return meta, nil
}

// Current returns the project's current dialog id, if set.
func (m *Manager) Current() *string { return m.idx.current() }

// SetCurrent sets the project's current dialog id.
func (m *Manager) SetCurrent(id string) error { return m.idx.setCurrent(id) }

// Delete removes a dialog's on-disk directory and its index row, closing any
// open resources first.
func (m *Manager) Delete(id string) error {
	m.mu.Lock()
	if od, ok := m.dialogs[id]; ok {
		_ = od.store.Close()
		delete(m.dialogs, id)
	}
	m.mu.Unlock()

	if !m.isInspector(id) {
		if err := os.RemoveAll(m.dialogStateDir(id)); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("dialogs: remove dialog dir: %w", err)
		}
	}
	return m.idx.remove(id)
}

// touch bumps a dialog's updated_at, per spec §3 ("touching history bumps
// updated_at (except for the inspector)").
func (m *Manager) touch(id string) {
	if m.isInspector(id) {
		return
	}
	meta, ok := m.idx.get(id)
	if !ok {
		return
	}
	meta.UpdatedAt = time.Now().UTC().Unix()
	_ = m.idx.upsert(meta)
}

// recordSession mirrors a dialog's active-session name and last-approved
// timestamp back onto its index row, so GET /api/dialogs stays accurate
// without the index being the source of truth for session state.
func (m *Manager) recordSession(id, sessionName string, approvedAt *int64) {
	if m.isInspector(id) {
		return
	}
	meta, ok := m.idx.get(id)
	if !ok {
		return
	}
	meta.ActiveSession = sessionName
	if approvedAt != nil {
		meta.LastApprovedAt = approvedAt
	}
	_ = m.idx.upsert(meta)
}

// RecordApproval mirrors an approval's timestamp back onto id's index row,
// independent of the active-session bookkeeping WithTurnLock/recordSession
// does, so GET /api/dialogs/{id}/session's last_approved_at (spec §6)
// reflects a successful /approve immediately.
func (m *Manager) RecordApproval(id string, approvedAt int64) {
	if m.isInspector(id) {
		return
	}
	meta, ok := m.idx.get(id)
	if !ok {
		return
	}
	meta.LastApprovedAt = &approvedAt
	_ = m.idx.upsert(meta)
}

// open lazily constructs the dialogstore/versioning/service trio for id,
// caching it for the life of the process.
func (m *Manager) open(ctx context.Context, id string) (*openDialog, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if od, ok := m.dialogs[id]; ok {
		return od, nil
	}

	stateDir := m.dialogStateDir(id)
	if !m.isInspector(id) {
		if err := os.MkdirAll(stateDir, 0o755); err != nil {
			return nil, fmt.Errorf("dialogs: mkdir %s: %w", id, err)
		}
	} else {
		stateDir = filepath.Join(m.cfg.ProjectRoot, m.cfg.Dialogs.StateDirName, "dialogs")
	}

	store, err := dialogstore.Open(ctx, m.journalPath(id), m.log)
	if err != nil {
		return nil, fmt.Errorf("dialogs: open journal for %s: %w", id, err)
	}

	repo, err := versioning.Open(ctx, m.cfg.ProjectRoot, stateDir, m.log)
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("dialogs: open versioning repo for %s: %w", id, err)
	}

	svc := &chatservice.Service{
		DialogID:             id,
		ProjectRoot:          m.cfg.ProjectRoot,
		WorkspaceRoot:        m.cfg.ProjectRoot,
		Repo:                 repo,
		History:              store,
		Results:              m.results,
		Registry:             m.registry,
		Client:               m.client,
		RAG:                  m.rag,
		TasksMgr:             m.tasksMgr,
		Model:                m.cfg.LLM.Model,
		MaxConsecutiveErrors: 0, // agentloop applies its own default (spec §4.6.4)
		Log:                  m.log.With().Str("dialog_id", id).Logger(),
	}
	if m.cfg.Summarization.Enabled && m.client != nil {
		svc.Summarizer = &summarize.Trigger{Client: m.client, Model: m.cfg.Summarization.Model, Log: svc.Log}
		svc.SummaryCfg = summarize.Config{TriggerBudget: m.cfg.Summarization.TriggerBudget, KeepLast: m.cfg.Summarization.KeepLast}
	}

	od := &openDialog{store: store, repo: repo, service: svc}
	m.dialogs[id] = od
	return od, nil
}

// Service returns the chatservice.Service for id, opening its resources if
// this is the first request to touch it this process lifetime. A dialog
// that has no index row yet (e.g. the reserved inspector dialog, or a
// client-supplied id for a dialog created out of band) is opened on demand
// rather than rejected, matching the teacher's lazy-resource idiom.
func (m *Manager) Service(ctx context.Context, id string) (*chatservice.Service, error) {
	od, err := m.open(ctx, id)
	if err != nil {
		return nil, err
	}
	return od.service, nil
}

// WithTurnLock runs fn while holding id's per-dialog turn-serialization
// mutex (spec §5: "at most one active turn per dialog"), bumping the
// dialog's updated_at before releasing the lock.
func (m *Manager) WithTurnLock(ctx context.Context, id string, fn func() error) error {
	od, err := m.open(ctx, id)
	if err != nil {
		return err
	}
	od.mu.Lock()
	defer od.mu.Unlock()
	err = fn()
	m.touch(id)
	if sess, serr := od.service.SessionStatus(ctx); serr == nil {
		m.recordSession(id, sess.ActiveSession, nil)
	}
	return err
}
