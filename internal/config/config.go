// Package config assembles the typed configuration this core's process
// entrypoint needs: where the project root and its .agentsmithy state
// directory live, the HTTP listen address, the LLM client's connection
// details, and the per-subsystem knobs for C2/C4/C9/C10. Grounded on the
// teacher's env-var-driven internal/config.Load (not the yaml-tagged,
// pgxpool-carrying Config in the teacher's older config.go) — same idiom
// of "read every var up front, fall back to a documented default."
package config

import (
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
)

// DialogsConfig controls the per-dialog journal/state layout (C2, §6).
type DialogsConfig struct {
	// StateDirName is the directory name under the project root holding
	// dialogs/, status.json, etc. ("./.agentsmithy" by default).
	StateDirName string
	// InspectorDialogID is the reserved dialog id excluded from the
	// project's dialog index but still addressable by path.
	InspectorDialogID string
}

// VersioningConfig controls the C4 object-store/checkpoint engine.
type VersioningConfig struct {
	// DefaultApproveMessage is used when an /approve call omits one.
	DefaultApproveMessage string
}

// SummarizationConfig mirrors the C9 trigger policy's tunables.
type SummarizationConfig struct {
	Enabled       bool
	TriggerBudget int
	KeepLast      int
	Model         string
}

// TasksConfig controls the C10 background task manager.
type TasksConfig struct {
	ShutdownTimeoutSeconds int
}

// LLMConfig holds the connection details for the llm.Client implementation
// the process wires in; the concrete provider client itself is an external
// collaborator per spec, not core.
type LLMConfig struct {
	Provider string
	APIKey   string
	BaseURL  string
	Model    string
}

// HTTPConfig controls the process's listen address (§6 HTTP/SSE surface).
type HTTPConfig struct {
	Host string
	Port int
}

// ObsConfig controls OpenTelemetry tracing/metrics export, consumed by
// observability.InitOTel. An empty OTLP endpoint disables export entirely.
type ObsConfig struct {
	ServiceName    string
	ServiceVersion string
	Environment    string
	OTLP           string
}

// Config is the process-wide configuration assembled once at startup.
type Config struct {
	ProjectRoot string
	LogLevel    string

	HTTP          HTTPConfig
	LLM           LLMConfig
	Obs           ObsConfig
	Dialogs       DialogsConfig
	Versioning    VersioningConfig
	Summarization SummarizationConfig
	Tasks         TasksConfig
}

// Load reads configuration from environment variables, optionally overlaid
// by a .env file in the working directory (teacher idiom: Overload so
// repository-local .env values win over a stray pre-existing OS env var in
// development).
func Load() (Config, error) {
	_ = godotenv.Overload()

	cfg := Config{
		LogLevel:    firstNonEmpty(strings.TrimSpace(os.Getenv("LOG_LEVEL")), "info"),
		ProjectRoot: firstNonEmpty(strings.TrimSpace(os.Getenv("PROJECT_ROOT")), "."),
	}

	cfg.HTTP.Host = firstNonEmpty(strings.TrimSpace(os.Getenv("HOST")), "127.0.0.1")
	cfg.HTTP.Port = intFromEnv("PORT", 8787)

	cfg.LLM.Provider = strings.TrimSpace(os.Getenv("LLM_PROVIDER"))
	cfg.LLM.APIKey = strings.TrimSpace(os.Getenv("LLM_API_KEY"))
	cfg.LLM.BaseURL = strings.TrimSpace(os.Getenv("LLM_BASE_URL"))
	cfg.LLM.Model = firstNonEmpty(strings.TrimSpace(os.Getenv("LLM_MODEL")), "gpt-4.1")

	cfg.Obs.ServiceName = firstNonEmpty(strings.TrimSpace(os.Getenv("OTEL_SERVICE_NAME")), "agentsmithy")
	cfg.Obs.ServiceVersion = firstNonEmpty(strings.TrimSpace(os.Getenv("SERVICE_VERSION")), "dev")
	cfg.Obs.Environment = firstNonEmpty(strings.TrimSpace(os.Getenv("ENVIRONMENT")), "development")
	cfg.Obs.OTLP = strings.TrimSpace(os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"))

	cfg.Dialogs.StateDirName = firstNonEmpty(strings.TrimSpace(os.Getenv("AGENTSMITHY_STATE_DIR")), ".agentsmithy")
	cfg.Dialogs.InspectorDialogID = firstNonEmpty(strings.TrimSpace(os.Getenv("AGENTSMITHY_INSPECTOR_DIALOG_ID")), "inspector")

	cfg.Versioning.DefaultApproveMessage = firstNonEmpty(strings.TrimSpace(os.Getenv("AGENTSMITHY_DEFAULT_APPROVE_MESSAGE")), "approve")

	cfg.Summarization.Enabled = boolFromEnv("SUMMARY_ENABLED", true)
	cfg.Summarization.TriggerBudget = intFromEnv("SUMMARY_TRIGGER_BUDGET", 100_000)
	cfg.Summarization.KeepLast = intFromEnv("SUMMARY_KEEP_LAST_MESSAGES", 24)
	cfg.Summarization.Model = firstNonEmpty(strings.TrimSpace(os.Getenv("SUMMARY_MODEL")), cfg.LLM.Model)

	cfg.Tasks.ShutdownTimeoutSeconds = intFromEnv("TASKS_SHUTDOWN_TIMEOUT_SECONDS", 30)

	return cfg, nil
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

func intFromEnv(key string, def int) int {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func boolFromEnv(key string, def bool) bool {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return def
}
