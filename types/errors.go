package types

import (
	"errors"
	"fmt"
	"strings"
)

// Sentinel errors for pipeline failure classification.
// Use errors.Is(err, ErrXxx) for typed assertions.
var (
	// ErrToolInvocation indicates an external command exited nonzero or could not start.
	ErrToolInvocation = errors.New("tool invocation failed")

	// ErrFormatMismatch indicates an input file extension does not match the operation.
	ErrFormatMismatch = errors.New("format mismatch")

	// ErrMissingPrerequisite indicates a required upstream artifact does not exist.
	ErrMissingPrerequisite = errors.New("missing prerequisite artifact")

	// ErrNoDataForCombination indicates no acquisition exists for a subject/session/protocol.
	// Recoverable: the combination is skipped.
	ErrNoDataForCombination = errors.New("no data for combination")

	// ErrMetadataFieldMissing indicates required sidecar metadata is absent under every known key.
	ErrMetadataFieldMissing = errors.New("metadata field missing")
)

// StageError wraps an underlying error with a failure classification.
// It preserves the original error in the chain for inspection via errors.As.
type StageError struct {
	// Kind is the sentinel error for classification (e.g., ErrFormatMismatch).
	Kind error
	// Op is the operation that failed (e.g., "denoise", "to_nifti").
	Op string
	// Path is the file involved, if any.
	Path string
	// Err is the underlying error, may be nil.
	Err error
}

func (e *StageError) Error() string {
	var b strings.Builder
	b.WriteString(e.Op)
	if e.Path != "" {
		b.WriteString(" ")
		b.WriteString(e.Path)
	}
	b.WriteString(": ")
	b.WriteString(e.Kind.Error())
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

// Unwrap returns the underlying error for errors.Is/As chain traversal.
func (e *StageError) Unwrap() error {
	return e.Err
}

// Is reports whether the error matches the target sentinel.
func (e *StageError) Is(target error) bool {
	return errors.Is(e.Kind, target)
}

// NewStageError creates a classified stage error.
func NewStageError(kind error, op, path string, err error) *StageError {
	return &StageError{Kind: kind, Op: op, Path: path, Err: err}
}

// MissingPrerequisite is shorthand for a MissingPrerequisiteArtifact failure.
func MissingPrerequisite(op, path string) *StageError {
	return NewStageError(ErrMissingPrerequisite, op, path, nil)
}

// ToolError describes a failed external command.
type ToolError struct {
	// Args is the full argument vector, program first.
	Args []string
	// ExitCode is the process exit code, -1 when the process never ran.
	ExitCode int
	// Stderr is the captured standard error, trimmed.
	Stderr string
	// Err is the start or wait error, if any.
	Err error
}

func (e *ToolError) Error() string {
	prog := "<empty>"
	if len(e.Args) > 0 {
		prog = e.Args[0]
	}
	msg := fmt.Sprintf("%s exited with code %d", prog, e.ExitCode)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	if e.Stderr != "" {
		msg += ": " + e.Stderr
	}
	return msg
}

// Unwrap returns the start or wait error.
func (e *ToolError) Unwrap() error {
	return e.Err
}

// Is matches ErrToolInvocation.
func (e *ToolError) Is(target error) bool {
	return target == ErrToolInvocation
}

// Command returns the argument vector joined for display.
func (e *ToolError) Command() string {
	return strings.Join(e.Args, " ")
}

// ErrorKind returns a short stable name for the classification of err,
// used in journals, reports and notifications.
func ErrorKind(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrToolInvocation):
		return "tool_invocation_failure"
	case errors.Is(err, ErrFormatMismatch):
		return "format_mismatch"
	case errors.Is(err, ErrMissingPrerequisite):
		return "missing_prerequisite_artifact"
	case errors.Is(err, ErrNoDataForCombination):
		return "no_data_for_combination"
	case errors.Is(err, ErrMetadataFieldMissing):
		return "metadata_field_missing"
	default:
		return "error"
	}
}
