// Package toolexec runs external neuroimaging tools as argument vectors.
//
// Commands are never passed through a shell. A nonzero exit is reported in the
// Result rather than as a Go error, so stages decide how to classify it.
package toolexec

import (
	"bytes"
	"context"
	"errors"
	"os/exec"
	"strings"
	"syscall"

	"github.com/pithecene-io/dwiflow/log"
	"github.com/pithecene-io/dwiflow/metrics"
	"github.com/pithecene-io/dwiflow/types"
)

// maxLoggedOutput caps how much of each stream is echoed into a log entry.
const maxLoggedOutput = 8 * 1024

// CommandSpec is an ordered argument list plus declared inputs and outputs.
// Built by a stage immediately before invocation and discarded afterwards.
type CommandSpec struct {
	// Args is the argument vector, program first.
	Args []string
	// Dir is the working directory of the child process. Empty inherits.
	Dir string
	// Inputs are files that must exist before the command runs.
	Inputs []string
	// Outputs are the artifacts the command is expected to produce.
	Outputs []string
}

// Command builds a spec from an argument vector.
func Command(args ...string) CommandSpec {
	return CommandSpec{Args: args}
}

// Reads declares required inputs.
func (s CommandSpec) Reads(paths ...string) CommandSpec {
	s.Inputs = append(append([]string(nil), s.Inputs...), paths...)
	return s
}

// Writes declares produced outputs.
func (s CommandSpec) Writes(paths ...string) CommandSpec {
	s.Outputs = append(append([]string(nil), s.Outputs...), paths...)
	return s
}

// In sets the working directory.
func (s CommandSpec) In(dir string) CommandSpec {
	s.Dir = dir
	return s
}

// Program returns the executable name.
func (s CommandSpec) Program() string {
	if len(s.Args) == 0 {
		return ""
	}
	return s.Args[0]
}

// String joins the argument vector for display only.
func (s CommandSpec) String() string {
	return strings.Join(s.Args, " ")
}

// Result is the outcome of one invocation.
type Result struct {
	// ExitCode is the process exit code, -1 if the process never ran.
	ExitCode int
	// Stdout is the captured standard output.
	Stdout []byte
	// Stderr is the captured standard error.
	Stderr []byte
	// Err is a start or wait failure that prevented a normal exit.
	Err error
}

// OK reports a zero exit with no start error.
func (r *Result) OK() bool {
	return r.Err == nil && r.ExitCode == 0
}

// Failure returns nil on success, otherwise a *types.ToolError describing the
// failed command with its exit code and stderr.
func (r *Result) Failure(spec CommandSpec) error {
	if r.OK() {
		return nil
	}
	return &types.ToolError{
		Args:     append([]string(nil), spec.Args...),
		ExitCode: r.ExitCode,
		Stderr:   strings.TrimSpace(string(r.Stderr)),
		Err:      r.Err,
	}
}

// Invoker runs a command synchronously.
// Implementations never panic and always return a non-nil Result.
type Invoker interface {
	Run(ctx context.Context, spec CommandSpec) *Result
}

// ExecInvoker runs commands as child processes.
type ExecInvoker struct {
	logger    *log.Logger
	collector *metrics.Collector
	env       []string
}

// NewExecInvoker creates an invoker that logs every command through logger and
// counts invocations in collector. Both may be nil.
func NewExecInvoker(logger *log.Logger, collector *metrics.Collector) *ExecInvoker {
	if logger == nil {
		logger = log.NewNop()
	}
	return &ExecInvoker{logger: logger, collector: collector}
}

// WithEnv returns a copy of the invoker that appends env to the inherited
// environment of every child (e.g. FSLOUTPUTTYPE=NIFTI_GZ).
func (i *ExecInvoker) WithEnv(env ...string) *ExecInvoker {
	cp := *i
	cp.env = append(append([]string(nil), i.env...), env...)
	return &cp
}

// Run executes spec and blocks until the process exits or ctx is done.
func (i *ExecInvoker) Run(ctx context.Context, spec CommandSpec) *Result {
	i.collector.IncToolInvocation()
	i.logger.Info("running command", map[string]any{
		"args": spec.Args,
		"dir":  spec.Dir,
	})

	if len(spec.Args) == 0 {
		i.collector.IncToolFailure()
		return &Result{ExitCode: -1, Err: errors.New("empty command")}
	}

	cmd := exec.CommandContext(ctx, spec.Args[0], spec.Args[1:]...)
	cmd.Dir = spec.Dir
	if len(i.env) > 0 {
		cmd.Env = append(cmd.Environ(), i.env...)
	}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	result := &Result{}
	err := cmd.Run()
	result.Stdout = stdout.Bytes()
	result.Stderr = stderr.Bytes()

	// Determine exit code
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			if status, ok := exitErr.Sys().(syscall.WaitStatus); ok {
				result.ExitCode = status.ExitStatus()
			} else {
				result.ExitCode = -1
			}
		} else {
			result.ExitCode = -1
			result.Err = err
		}
	}

	fields := map[string]any{
		"program":   spec.Program(),
		"exit_code": result.ExitCode,
		"stdout":    truncate(result.Stdout),
		"stderr":    truncate(result.Stderr),
	}
	if result.Err != nil {
		fields["error"] = result.Err.Error()
	}
	if result.OK() {
		i.logger.Info("command finished", fields)
	} else {
		i.collector.IncToolFailure()
		i.logger.Error("command failed", fields)
	}
	return result
}

func truncate(b []byte) string {
	if len(b) > maxLoggedOutput {
		return string(b[:maxLoggedOutput]) + "...(truncated)"
	}
	return string(b)
}

// Verify ExecInvoker implements Invoker.
var _ Invoker = (*ExecInvoker)(nil)
