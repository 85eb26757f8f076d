// Command agentd is the process entrypoint for the core described in
// spec.md §6: it loads configuration, wires zerolog/OTel, assembles the
// dialog manager (C2-C5, C9, C10) behind an LLM client, and serves the
// HTTP/SSE surface in internal/httpapi until it receives a shutdown signal.
// Grounded on the teacher's own env/flag-driven startup sequence (load .env,
// init logger, init otel, build dependencies top-down, serve with graceful
// shutdown) while dropping the teacher's playground/experiment product
// surface this repo's core never carried.
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"

	"agentsmithy/internal/config"
	"agentsmithy/internal/dialogs"
	"agentsmithy/internal/httpapi"
	openaillm "agentsmithy/internal/llm/openai"
	"agentsmithy/internal/observability"
	"agentsmithy/internal/tasks"
	"agentsmithy/internal/toolkit"
)

func main() {
	// Loading .env before InitLogger runs means LOG_LEVEL/LOG_PATH-style
	// overrides from a local .env are already visible to the logger.
	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}

	observability.InitLogger("", cfg.LogLevel)

	shutdownOTel, err := observability.InitOTel(context.Background(), cfg.Obs)
	if err != nil {
		log.Warn().Err(err).Msg("otel init failed, continuing without observability")
		shutdownOTel = nil
	}
	if shutdownOTel != nil {
		defer func() { _ = shutdownOTel(context.Background()) }()
		observability.EnableOTelBridge("agentd")
	}

	httpClient := &http.Client{Timeout: 2 * time.Minute}
	client := openaillm.New(httpClient, cfg.LLM.BaseURL, cfg.LLM.APIKey)

	registry := toolkit.New()
	toolkit.RegisterDefaults(registry)

	tasksMgr := tasks.New(log.Logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	mgr, err := dialogs.New(ctx, cfg, log.Logger, client, registry, tasksMgr, nil)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to init dialog manager")
	}
	defer mgr.Close()

	statusWriter := dialogs.NewStatusWriter(filepath.Join(cfg.ProjectRoot, cfg.Dialogs.StateDirName))
	pid := os.Getpid()
	port := cfg.HTTP.Port
	if err := statusWriter.Write(dialogs.Status{ServerStatus: "starting", ServerPID: &pid, Port: &port}); err != nil {
		log.Warn().Err(err).Msg("failed to write startup status")
	}

	server := httpapi.NewServer(mgr, statusWriter, log.Logger, cfg.HTTP.Port)

	httpSrv := &http.Server{
		Addr:    cfg.HTTP.Host + ":" + strconv.Itoa(cfg.HTTP.Port),
		Handler: server,
	}

	go func() {
		log.Info().Str("addr", httpSrv.Addr).Msg("agentd listening")
		if err := statusWriter.Write(dialogs.Status{ServerStatus: "ready", ServerPID: &pid, Port: &port}); err != nil {
			log.Warn().Err(err).Msg("failed to write ready status")
		}
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errStr := err.Error()
			_ = statusWriter.Write(dialogs.Status{ServerStatus: "crashed", ServerPID: &pid, Port: &port, ServerError: &errStr})
			log.Fatal().Err(err).Msg("server failed")
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	log.Info().Msg("agentd shutting down")
	if err := statusWriter.Write(dialogs.Status{ServerStatus: "stopping", ServerPID: &pid, Port: &port}); err != nil {
		log.Warn().Err(err).Msg("failed to write stopping status")
	}
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("http server shutdown error")
	}

	cancel()
	timeout := time.Duration(cfg.Tasks.ShutdownTimeoutSeconds) * time.Second
	tasksMgr.Shutdown(timeout)

	if err := statusWriter.Write(dialogs.Status{ServerStatus: "stopped"}); err != nil {
		log.Warn().Err(err).Msg("failed to write stopped status")
	}
}
