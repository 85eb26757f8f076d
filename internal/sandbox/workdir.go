package sandbox

import "context"

// Context key for a dynamic base directory a tool should resolve paths
// against at runtime, overriding its statically-bound workspace root.
type baseDirCtxKey struct{}

// Context keys for the dialog/project identifiers a tool call runs under.
type dialogIDCtxKey struct{}
type projectIDCtxKey struct{}

// WithBaseDir attaches a per-turn base directory to ctx. Tools that resolve
// workspace-relative paths (see resolveWorkspacePath in internal/toolkit)
// prefer this value over the statically-bound ToolContext.WorkspaceRoot, so
// a single registry can be reused across dialogs that have not yet been
// split into distinct workspace roots.
func WithBaseDir(ctx context.Context, dir string) context.Context {
	if ctx == nil {
		return context.WithValue(context.Background(), baseDirCtxKey{}, dir)
	}
	return context.WithValue(ctx, baseDirCtxKey{}, dir)
}

// WithDialogID attaches the dialog id a tool call is running under to ctx.
func WithDialogID(ctx context.Context, id string) context.Context {
	if ctx == nil {
		return context.WithValue(context.Background(), dialogIDCtxKey{}, id)
	}
	return context.WithValue(ctx, dialogIDCtxKey{}, id)
}

// WithProjectID attaches the project root identifier a tool call is scoped
// to ctx.
func WithProjectID(ctx context.Context, id string) context.Context {
	if ctx == nil {
		return context.WithValue(context.Background(), projectIDCtxKey{}, id)
	}
	return context.WithValue(ctx, projectIDCtxKey{}, id)
}

// DialogIDFromContext returns the dialog id previously set with
// WithDialogID. The boolean is false if no value is present.
func DialogIDFromContext(ctx context.Context) (string, bool) {
	if ctx == nil {
		return "", false
	}
	if v := ctx.Value(dialogIDCtxKey{}); v != nil {
		if s, ok := v.(string); ok && s != "" {
			return s, true
		}
	}
	return "", false
}

// ProjectIDFromContext returns the project id previously set with
// WithProjectID. The boolean is false if no value is present.
func ProjectIDFromContext(ctx context.Context) (string, bool) {
	if ctx == nil {
		return "", false
	}
	if v := ctx.Value(projectIDCtxKey{}); v != nil {
		if s, ok := v.(string); ok && s != "" {
			return s, true
		}
	}
	return "", false
}

// BaseDirFromContext returns the base directory previously set with
// WithBaseDir. The boolean is false if no value is present.
func BaseDirFromContext(ctx context.Context) (string, bool) {
	if ctx == nil {
		return "", false
	}
	if v := ctx.Value(baseDirCtxKey{}); v != nil {
		if s, ok := v.(string); ok && s != "" {
			return s, true
		}
	}
	return "", false
}

// ResolveBaseDir returns the base directory attached to ctx when present,
// otherwise defaultDir (the tool's statically-bound workspace root).
func ResolveBaseDir(ctx context.Context, defaultDir string) string {
	if v, ok := BaseDirFromContext(ctx); ok {
		return v
	}
	return defaultDir
}
