package httpapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"agentsmithy/internal/chatservice"
	"agentsmithy/internal/dialogs"
	"agentsmithy/internal/events"
	"agentsmithy/internal/historyview"
	"agentsmithy/internal/validation"
)

// chatRequest is the body of POST /api/chat (spec §6).
type chatRequest struct {
	Messages []chatMessage  `json:"messages"`
	Context  map[string]any `json:"context"`
	Stream   bool           `json:"stream"`
	DialogID string         `json:"dialog_id"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// lastUserQuery returns the content of the last "user"-role message, which
// is the only piece of `messages` the core actually consumes: history for
// every earlier turn already lives in C2, keyed by dialog id.
func lastUserQuery(msgs []chatMessage) string {
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].Role == "user" {
			return msgs[i].Content
		}
	}
	return ""
}

func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	var req chatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, err)
		return
	}

	dialogID, err := validation.DialogID(req.DialogID)
	if err != nil {
		respondError(w, http.StatusBadRequest, err)
		return
	}
	if dialogID == "" {
		if cur := s.mgr.Current(); cur != nil {
			dialogID = *cur
		} else {
			respondError(w, http.StatusBadRequest, errors.New("httpapi: no dialog_id given and no current dialog set"))
			return
		}
	}

	in := chatservice.TurnInput{Query: lastUserQuery(req.Messages), Context: req.Context}

	if !req.Stream {
		var result chatservice.TurnResult
		err := s.mgr.WithTurnLock(r.Context(), dialogID, func() error {
			svc, err := s.mgr.Service(r.Context(), dialogID)
			if err != nil {
				return err
			}
			result, err = svc.Chat(r.Context(), in)
			return err
		})
		if err != nil {
			respondError(w, http.StatusInternalServerError, err)
			return
		}
		respondJSON(w, http.StatusOK, map[string]any{
			"content": result.Content,
			"done":    true,
			"metadata": map[string]any{
				"checkpoint": result.Checkpoint,
				"session":    result.Session,
			},
		})
		return
	}

	s.streamChat(w, r, dialogID, in)
}

// streamChat implements the guarded SSE generator described in spec §4.7/§6:
// text/event-stream framing, exactly one of `done` or nothing-on-disconnect,
// and an `error` event (if any) immediately preceding `done`.
func (s *Server) streamChat(w http.ResponseWriter, r *http.Request, dialogID string, in chatservice.TurnInput) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		respondError(w, http.StatusInternalServerError, errors.New("httpapi: streaming unsupported"))
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	write := func(ev events.Event) bool {
		raw, err := events.Encode(ev)
		if err != nil {
			s.log.Error().Err(err).Msg("encode sse event failed")
			return false
		}
		if _, err := fmt.Fprintf(w, "data: %s\n\n", raw); err != nil {
			return false
		}
		flusher.Flush()
		return true
	}

	ctx := r.Context()
	lockErr := s.mgr.WithTurnLock(ctx, dialogID, func() error {
		svc, err := s.mgr.Service(ctx, dialogID)
		if err != nil {
			return err
		}
		_, _ = svc.StreamChat(ctx, in, func(ev events.Event) {
			if ctx.Err() != nil {
				return
			}
			write(ev)
		})
		return nil
	})

	if ctx.Err() != nil {
		// Client disconnected: neither `error` nor `done` is sent.
		return
	}
	// Once StreamChat runs it emits its own `error` (if any) and `done`;
	// only a failure before the turn starts is framed here.
	if lockErr != nil {
		write(events.Error(dialogID, lockErr.Error()))
		write(events.Done(dialogID))
	}
}

func (s *Server) handleListDialogs(w http.ResponseWriter, r *http.Request) {
	current, list := s.mgr.List()
	respondJSON(w, http.StatusOK, map[string]any{"current_dialog_id": current, "dialogs": list})
}

type createDialogRequest struct {
	Title      *string `json:"title"`
	SetCurrent bool    `json:"set_current"`
}

func (s *Server) handleCreateDialog(w http.ResponseWriter, r *http.Request) {
	var req createDialogRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			respondError(w, http.StatusBadRequest, err)
			return
		}
	}
	meta, err := s.mgr.Create(req.Title, req.SetCurrent)
	if err != nil {
		respondError(w, http.StatusInternalServerError, err)
		return
	}
	respondJSON(w, http.StatusCreated, map[string]any{"id": meta.ID})
}

func (s *Server) handleGetCurrentDialog(w http.ResponseWriter, r *http.Request) {
	cur := s.mgr.Current()
	if cur == nil {
		respondJSON(w, http.StatusOK, map[string]any{})
		return
	}
	meta, _ := s.mgr.Get(*cur)
	respondJSON(w, http.StatusOK, map[string]any{"id": *cur, "meta": meta})
}

func (s *Server) handleSetCurrentDialog(w http.ResponseWriter, r *http.Request) {
	id, err := validation.DialogID(r.URL.Query().Get("id"))
	if err != nil || id == "" {
		respondError(w, http.StatusBadRequest, errors.New("httpapi: missing or invalid id"))
		return
	}
	if err := s.mgr.SetCurrent(id); err != nil {
		respondError(w, http.StatusInternalServerError, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *Server) dialogID(r *http.Request) (string, error) {
	return validation.DialogID(r.PathValue("id"))
}

func (s *Server) handleGetDialog(w http.ResponseWriter, r *http.Request) {
	id, err := s.dialogID(r)
	if err != nil {
		respondError(w, http.StatusBadRequest, err)
		return
	}
	meta, ok := s.mgr.Get(id)
	if !ok {
		respondError(w, http.StatusNotFound, dialogs.ErrNotFound)
		return
	}
	respondJSON(w, http.StatusOK, meta)
}

type patchDialogRequest struct {
	Title *string `json:"title"`
}

func (s *Server) handlePatchDialog(w http.ResponseWriter, r *http.Request) {
	id, err := s.dialogID(r)
	if err != nil {
		respondError(w, http.StatusBadRequest, err)
		return
	}
	var req patchDialogRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, err)
		return
	}
	meta, err := s.mgr.Patch(id, req.Title)
	if errors.Is(err, dialogs.ErrNotFound) {
		respondError(w, http.StatusNotFound, err)
		return
	}
	if err != nil {
		respondError(w, http.StatusInternalServerError, err)
		return
	}
	respondJSON(w, http.StatusOK, meta)
}

func (s *Server) handleDeleteDialog(w http.ResponseWriter, r *http.Request) {
	id, err := s.dialogID(r)
	if err != nil {
		respondError(w, http.StatusBadRequest, err)
		return
	}
	if err := s.mgr.Delete(id); err != nil {
		respondError(w, http.StatusInternalServerError, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	id, err := s.dialogID(r)
	if err != nil {
		respondError(w, http.StatusBadRequest, err)
		return
	}
	svc, err := s.mgr.Service(r.Context(), id)
	if err != nil {
		respondError(w, http.StatusInternalServerError, err)
		return
	}

	limit := 20
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, perr := strconv.Atoi(v); perr == nil {
			limit = n
		}
	}
	var before *int
	if v := r.URL.Query().Get("before"); v != "" {
		if n, perr := strconv.Atoi(v); perr == nil {
			before = &n
		}
	}

	result, err := historyview.GetHistory(r.Context(), svc.History, id, limit, before)
	if err != nil {
		respondError(w, http.StatusInternalServerError, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"dialog_id":    id,
		"events":       result.Events,
		"total_events": result.TotalEvents,
		"has_more":     result.HasMore,
		"first_idx":    result.FirstIdx,
		"last_idx":     result.LastIdx,
	})
}

func (s *Server) handleCheckpoints(w http.ResponseWriter, r *http.Request) {
	id, err := s.dialogID(r)
	if err != nil {
		respondError(w, http.StatusBadRequest, err)
		return
	}
	svc, err := s.mgr.Service(r.Context(), id)
	if err != nil {
		respondError(w, http.StatusInternalServerError, err)
		return
	}
	cps, err := svc.Checkpoints(r.Context())
	if err != nil {
		respondError(w, http.StatusInternalServerError, err)
		return
	}
	meta, _ := s.mgr.Get(id)
	respondJSON(w, http.StatusOK, map[string]any{
		"dialog_id":          id,
		"checkpoints":        cps,
		"initial_checkpoint": meta.InitialCheckpoint,
	})
}

type restoreRequest struct {
	CheckpointID string `json:"checkpoint_id"`
}

func (s *Server) handleRestore(w http.ResponseWriter, r *http.Request) {
	id, err := s.dialogID(r)
	if err != nil {
		respondError(w, http.StatusBadRequest, err)
		return
	}
	var req restoreRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, err)
		return
	}
	err = s.mgr.WithTurnLock(r.Context(), id, func() error {
		svc, serr := s.mgr.Service(r.Context(), id)
		if serr != nil {
			return serr
		}
		_, newCheckpoint, rerr := svc.Restore(r.Context(), req.CheckpointID)
		if rerr != nil {
			return rerr
		}
		respondJSON(w, http.StatusOK, map[string]any{"restored_to": req.CheckpointID, "new_checkpoint": newCheckpoint})
		return nil
	})
	if err != nil {
		respondError(w, http.StatusInternalServerError, err)
	}
}

type approveRequest struct {
	Message string `json:"message"`
}

func (s *Server) handleApprove(w http.ResponseWriter, r *http.Request) {
	id, err := s.dialogID(r)
	if err != nil {
		respondError(w, http.StatusBadRequest, err)
		return
	}
	var req approveRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			respondError(w, http.StatusBadRequest, err)
			return
		}
	}
	err = s.mgr.WithTurnLock(r.Context(), id, func() error {
		svc, serr := s.mgr.Service(r.Context(), id)
		if serr != nil {
			return serr
		}
		approvedCommit, newSession, commitsApproved, approvedAt, aerr := svc.Approve(r.Context(), req.Message)
		if aerr != nil {
			return aerr
		}
		s.mgr.RecordApproval(id, approvedAt)
		respondJSON(w, http.StatusOK, map[string]any{
			"approved_commit":  approvedCommit,
			"new_session":      newSession,
			"commits_approved": commitsApproved,
		})
		return nil
	})
	if err != nil {
		respondError(w, http.StatusInternalServerError, err)
	}
}

func (s *Server) handleReset(w http.ResponseWriter, r *http.Request) {
	id, err := s.dialogID(r)
	if err != nil {
		respondError(w, http.StatusBadRequest, err)
		return
	}
	err = s.mgr.WithTurnLock(r.Context(), id, func() error {
		svc, serr := s.mgr.Service(r.Context(), id)
		if serr != nil {
			return serr
		}
		resetTo, newSession, preResetCheckpoint, rerr := svc.Reset(r.Context())
		if rerr != nil {
			return rerr
		}
		body := map[string]any{"reset_to": resetTo, "new_session": newSession}
		if preResetCheckpoint != "" {
			body["pre_reset_checkpoint"] = preResetCheckpoint
		}
		respondJSON(w, http.StatusOK, body)
		return nil
	})
	if err != nil {
		respondError(w, http.StatusInternalServerError, err)
	}
}

func (s *Server) handleSession(w http.ResponseWriter, r *http.Request) {
	id, err := s.dialogID(r)
	if err != nil {
		respondError(w, http.StatusBadRequest, err)
		return
	}
	svc, err := s.mgr.Service(r.Context(), id)
	if err != nil {
		respondError(w, http.StatusInternalServerError, err)
		return
	}
	status, err := svc.SessionStatus(r.Context())
	if err != nil {
		respondError(w, http.StatusInternalServerError, err)
		return
	}
	meta, _ := s.mgr.Get(id)
	respondJSON(w, http.StatusOK, map[string]any{
		"active_session":   status.ActiveSession,
		"session_ref":      status.SessionRef,
		"has_unapproved":   status.HasUnapproved,
		"last_approved_at": meta.LastApprovedAt,
		"changed_files":    status.ChangedFiles,
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	body := map[string]any{"status": "ok", "server_status": "running", "pid": s.pid, "port": s.port}
	respondJSON(w, http.StatusOK, body)
}

func respondJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func respondError(w http.ResponseWriter, status int, err error) {
	respondJSON(w, status, map[string]any{"error": err.Error()})
}
