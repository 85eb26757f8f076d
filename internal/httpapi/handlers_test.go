package httpapi

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"agentsmithy/internal/config"
	"agentsmithy/internal/dialogs"
	"agentsmithy/internal/tasks"
	"agentsmithy/internal/toolkit"
)

func newTestServer(t *testing.T) *Server {
	t.Helper()
	cfg := config.Config{ProjectRoot: t.TempDir()}
	cfg.Dialogs.StateDirName = ".agentsmithy"
	cfg.Dialogs.InspectorDialogID = "inspector"
	log := zerolog.Nop()

	mgr, err := dialogs.New(t.Context(), cfg, log, nil, toolkit.New(), tasks.New(log), nil)
	require.NoError(t, err)

	return NewServer(mgr, nil, log, 8787)
}

func TestCreateAndListDialogs(t *testing.T) {
	srv := newTestServer(t)

	req := httptest.NewRequest(http.MethodPost, "/api/dialogs", bytes.NewReader([]byte(`{"set_current":true}`)))
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)
	require.Equal(t, http.StatusCreated, rec.Code)

	var created map[string]any
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&created))
	id, _ := created["id"].(string)
	require.NotEmpty(t, id)

	req = httptest.NewRequest(http.MethodGet, "/api/dialogs", nil)
	rec = httptest.NewRecorder()
	srv.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	var listed map[string]any
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&listed))
	require.Equal(t, id, listed["current_dialog_id"])
}

func TestGetUnknownDialogReturnsNotFound(t *testing.T) {
	srv := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/api/dialogs/does-not-exist", nil)
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)

	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHealthEndpoint(t *testing.T) {
	srv := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)

	var body map[string]any
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
	require.Equal(t, "ok", body["status"])
}
