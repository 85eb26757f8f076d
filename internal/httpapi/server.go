// Package httpapi implements the HTTP/SSE surface (C7's outer edge)
// described in spec §4.7/§6: a thin net/http router dispatching onto
// dialogs.Manager, framing /api/chat's event stream per the guarded-SSE
// contract. Grounded on the teacher's own net/http 1.22 method+path
// ServeMux idiom (server.go/handlers.go's registerRoutes, respondJSON,
// respondError), generalized from the teacher's playground resource routes
// to the dialog/chat routes this spec describes.
package httpapi

import (
	"net/http"
	"os"

	"github.com/rs/zerolog"

	"agentsmithy/internal/dialogs"
)

// Server exposes the dialog-and-chat HTTP API wired to a dialogs.Manager.
type Server struct {
	mgr    *dialogs.Manager
	status *dialogs.StatusWriter
	log    zerolog.Logger
	mux    *http.ServeMux

	port int
	pid  int
}

// NewServer builds a Server bound to mgr. status may be nil in tests that
// don't exercise /health.
func NewServer(mgr *dialogs.Manager, status *dialogs.StatusWriter, log zerolog.Logger, port int) *Server {
	s := &Server{mgr: mgr, status: status, log: log, mux: http.NewServeMux(), port: port, pid: os.Getpid()}
	s.registerRoutes()
	return s
}

// ServeHTTP satisfies http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

func (s *Server) registerRoutes() {
	s.mux.HandleFunc("POST /api/chat", s.handleChat)

	s.mux.HandleFunc("GET /api/dialogs", s.handleListDialogs)
	s.mux.HandleFunc("POST /api/dialogs", s.handleCreateDialog)
	s.mux.HandleFunc("GET /api/dialogs/current", s.handleGetCurrentDialog)
	s.mux.HandleFunc("PATCH /api/dialogs/current", s.handleSetCurrentDialog)

	s.mux.HandleFunc("GET /api/dialogs/{id}", s.handleGetDialog)
	s.mux.HandleFunc("PATCH /api/dialogs/{id}", s.handlePatchDialog)
	s.mux.HandleFunc("DELETE /api/dialogs/{id}", s.handleDeleteDialog)

	s.mux.HandleFunc("GET /api/dialogs/{id}/history", s.handleHistory)
	s.mux.HandleFunc("GET /api/dialogs/{id}/checkpoints", s.handleCheckpoints)
	s.mux.HandleFunc("POST /api/dialogs/{id}/restore", s.handleRestore)
	s.mux.HandleFunc("POST /api/dialogs/{id}/approve", s.handleApprove)
	s.mux.HandleFunc("POST /api/dialogs/{id}/reset", s.handleReset)
	s.mux.HandleFunc("GET /api/dialogs/{id}/session", s.handleSession)

	s.mux.HandleFunc("GET /health", s.handleHealth)
}
