// Package validation checks that path-derived identifiers (project_id,
// dialog_id) taken from the HTTP surface (C7) are safe to use as a single
// filesystem path segment before they reach the dialog store (C2) or
// versioning engine (C4). Kept free of internal package dependencies to
// avoid import cycles, same as in the teacher.
package validation

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
)

// ErrInvalidProjectID indicates the project_id value is malformed or attempts path traversal.
var ErrInvalidProjectID = errors.New("invalid project_id")

// ErrInvalidDialogID indicates the dialog_id value is malformed or attempts path traversal.
var ErrInvalidDialogID = errors.New("invalid dialog_id")

// ProjectID checks if a project ID is safe for use in filesystem paths.
// Returns cleaned project ID and error if validation fails.
func ProjectID(projectID string) (string, error) {
	if projectID == "" {
		return "", nil
	}

	// IDs must be a single path segment.
	if projectID == "." || projectID == ".." {
		return "", ErrInvalidProjectID
	}
	if strings.ContainsAny(projectID, `/\\`) {
		return "", ErrInvalidProjectID
	}

	cleanPID := filepath.Clean(projectID)
	if cleanPID != projectID ||
		strings.HasPrefix(cleanPID, "..") ||
		strings.Contains(cleanPID, string(os.PathSeparator)+"..") ||
		filepath.IsAbs(cleanPID) {
		return "", ErrInvalidProjectID
	}

	return cleanPID, nil
}

// DialogID checks if a dialog ID is safe for use as a single filesystem path segment.
func DialogID(dialogID string) (string, error) {
	if dialogID == "" {
		return "", nil
	}

	if dialogID == "." || dialogID == ".." {
		return "", ErrInvalidDialogID
	}
	if strings.ContainsAny(dialogID, `/\\`) {
		return "", ErrInvalidDialogID
	}

	cleanDID := filepath.Clean(dialogID)
	if cleanDID != dialogID ||
		strings.HasPrefix(cleanDID, "..") ||
		strings.Contains(cleanDID, string(os.PathSeparator)+"..") ||
		filepath.IsAbs(cleanDID) {
		return "", ErrInvalidDialogID
	}

	return cleanDID, nil
}
