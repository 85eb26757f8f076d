// Package toolkit implements the tool registry and contract (C5). A tool is
// a named, schema-described unit of work the agent loop (C6) can invoke; the
// registry itself stays stateless beyond the name->descriptor map, per the
// REDESIGN FLAGS guidance against setter-injected per-tool context — callers
// build a ToolContext once per turn and pass it to Dispatch.
package toolkit

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"agentsmithy/internal/events"
)

// Sink receives SSE-shaped events emitted by a tool while it runs (e.g.
// file_edit for a write). It is part of ToolContext, not registry state.
type Sink func(events.Event)

// VersioningOps is the subset of the versioning engine (C4) a tool needs:
// a best-effort rollback bracket around its on-disk mutation (StartEdit/
// AbortEdit/FinalizeEdit), staging the result, and — for tools whose write
// should be independently restorable — a checkpoint of its own, matching
// the original write_file/replace_in_file tools' per-call
// tracker.create_checkpoint behavior rather than batching across a whole
// turn.
type VersioningOps interface {
	StartEdit(paths []string) error
	AbortEdit() error
	FinalizeEdit()

	StageFile(path string) error
	StageFileDeletion(path string) error

	CreateCheckpoint(sessionName, message string) (commitID string, err error)
}

// ResultsStorage is the subset of the tool-result store (C3) a tool's
// implementation is allowed to touch directly (most tools never need this;
// it exists for tools like "fetch previous result").
type ResultsStorage interface {
	Get(ctx context.Context, toolCallID string) (json.RawMessage, error)
}

// ToolContext is constructed once per turn by the chat service (C7) and
// passed explicitly to every tool invocation in that turn.
type ToolContext struct {
	Ctx              context.Context
	SSESink          Sink
	DialogID         string
	ProjectRoot      string
	WorkspaceRoot    string
	FileRestrictions []string // glob patterns the tool must refuse to touch outside of
	Versioning       VersioningOps
	ResultsStorage   ResultsStorage
	// SessionName is the active versioning session branch this turn is
	// running against, passed through to any tool whose Versioning
	// checkpoints its own write.
	SessionName string
}

// Result is the dict every tool returns. Type begins with the tool family
// name, e.g. "read_file_result", "tool_error".
type Result struct {
	Type  string         `json:"type"`
	Data  map[string]any `json:"-"`
	Error *ErrorInfo     `json:"-"`
}

// ErrorInfo is the structured error envelope for Type == "tool_error".
type ErrorInfo struct {
	Code      string `json:"code"`
	Error     string `json:"error"`
	ErrorType string `json:"error_type"`
}

// MarshalJSON flattens Data/Error alongside Type so a Result serializes as a
// single flat object, matching the dict-shaped results described in C5.
func (r Result) MarshalJSON() ([]byte, error) {
	out := map[string]any{"type": r.Type}
	for k, v := range r.Data {
		out[k] = v
	}
	if r.Error != nil {
		out["code"] = r.Error.Code
		out["error"] = r.Error.Error
		out["error_type"] = r.Error.ErrorType
	}
	return json.Marshal(out)
}

func errArgsValidation(msg string) Result {
	return Result{Type: "tool_error", Error: &ErrorInfo{Code: "args_validation", Error: msg, ErrorType: "ValidationError"}}
}

func errExecutionFailed(err error) Result {
	return Result{Type: "tool_error", Error: &ErrorInfo{Code: "execution_failed", Error: err.Error(), ErrorType: fmt.Sprintf("%T", err)}}
}

// Validator validates a tool call's raw args before Run is invoked.
type Validator func(args json.RawMessage) error

// Tool is a single callable unit.
type Tool struct {
	Name        string
	Description string
	ArgsSchema  map[string]any // JSON Schema, for LLM binding
	Ephemeral   bool
	Validate    Validator
	Run         func(tc ToolContext, args json.RawMessage) (Result, error)
	// Summarize, when set, is handed to C3's StoreResult as the per-tool
	// summarizer for this tool's results.
	Summarize func(args, result json.RawMessage) string
}

// Registry holds a name->Tool mapping. Registration is synchronous and
// idempotent; the registry never panics or errors for an unknown tool at
// dispatch time, it returns an error envelope instead.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]Tool
	order []string
}

// New returns an empty Registry.
func New() *Registry {
	return &Registry{tools: map[string]Tool{}}
}

// Register adds or replaces t. Registering an existing name is idempotent
// (replaces in place, preserving its position in ListTools' order).
func (r *Registry) Register(t Tool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.tools[t.Name]; !exists {
		r.order = append(r.order, t.Name)
	}
	r.tools[t.Name] = t
}

// Unregister removes a tool by name. Unregistering a missing name is a no-op.
func (r *Registry) Unregister(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.tools[name]; !exists {
		return
	}
	delete(r.tools, name)
	for i, n := range r.order {
		if n == name {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
}

// HasTool reports whether name is registered.
func (r *Registry) HasTool(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.tools[name]
	return ok
}

// Lookup returns the tool descriptor for name, for callers (C6) that need to
// inspect Ephemeral before deciding how to persist a result.
func (r *Registry) Lookup(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[name]
	return t, ok
}

// ListTools returns tool descriptors in a stable registration order,
// suitable for binding to an LLM's function-calling surface.
func (r *Registry) ListTools() []Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Tool, 0, len(r.order))
	for _, n := range r.order {
		out = append(out, r.tools[n])
	}
	return out
}

// RunTool validates args against the tool's schema and invokes it. An
// unknown tool name, a validation failure, or a panic/error raised by the
// tool's Run are all captured as a tool_error Result rather than propagated
// as a Go error — matching C5's contract that the registry never raises for
// tool-level failures.
func (r *Registry) RunTool(tc ToolContext, name string, args json.RawMessage) Result {
	t, ok := r.Lookup(name)
	if !ok {
		return errArgsValidation(fmt.Sprintf("unknown tool %q", name))
	}
	if t.Validate != nil {
		if err := t.Validate(args); err != nil {
			return errArgsValidation(err.Error())
		}
	}

	result, err := r.safeRun(t, tc, args)
	if err != nil {
		return errExecutionFailed(err)
	}
	return result
}

func (r *Registry) safeRun(t Tool, tc ToolContext, args json.RawMessage) (res Result, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("tool %s panicked: %v", t.Name, p)
		}
	}()
	return t.Run(tc, args)
}
