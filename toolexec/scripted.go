package toolexec

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"

	"github.com/pithecene-io/dwiflow/types"
)

// Response is a scripted outcome for a matched command.
type Response struct {
	ExitCode int
	Stdout   string
	Stderr   string
	// Effect runs before outputs are materialised, e.g. to write real content.
	Effect func(spec CommandSpec) error
	// NoOutputs suppresses creation of declared outputs on success.
	NoOutputs bool
}

type rule struct {
	match   func(CommandSpec) bool
	respond func(CommandSpec) Response
}

// Scripted is an in-process Invoker for tests and dry runs. It records every
// call and, on success, creates the declared outputs so downstream existence
// checks behave as they would after a real tool run.
type Scripted struct {
	mu    sync.Mutex
	calls []CommandSpec
	rules []rule
}

// NewScripted returns a Scripted invoker where every command succeeds.
func NewScripted() *Scripted {
	return &Scripted{}
}

// On scripts the response for every command whose program is name.
// Later rules take precedence over earlier ones.
func (s *Scripted) On(name string, resp Response) *Scripted {
	return s.When(func(spec CommandSpec) bool { return spec.Program() == name }, resp)
}

// OnArgs scripts the response for a program whose argv contains every arg.
func (s *Scripted) OnArgs(name string, args []string, resp Response) *Scripted {
	return s.When(func(spec CommandSpec) bool {
		if spec.Program() != name {
			return false
		}
		for _, a := range args {
			if !slices.Contains(spec.Args, a) {
				return false
			}
		}
		return true
	}, resp)
}

// When scripts a response for an arbitrary predicate.
func (s *Scripted) When(match func(CommandSpec) bool, resp Response) *Scripted {
	return s.WhenFunc(match, func(CommandSpec) Response { return resp })
}

// WhenFunc scripts a computed response for an arbitrary predicate.
func (s *Scripted) WhenFunc(match func(CommandSpec) bool, respond func(CommandSpec) Response) *Scripted {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rules = append(s.rules, rule{match: match, respond: respond})
	return s
}

// Run records spec and returns the scripted result.
func (s *Scripted) Run(_ context.Context, spec CommandSpec) *Result {
	s.mu.Lock()
	s.calls = append(s.calls, spec)
	resp := Response{}
	for i := len(s.rules) - 1; i >= 0; i-- {
		if s.rules[i].match(spec) {
			resp = s.rules[i].respond(spec)
			break
		}
	}
	s.mu.Unlock()

	result := &Result{
		ExitCode: resp.ExitCode,
		Stdout:   []byte(resp.Stdout),
		Stderr:   []byte(resp.Stderr),
	}
	if resp.ExitCode != 0 {
		return result
	}
	if resp.Effect != nil {
		if err := resp.Effect(spec); err != nil {
			result.ExitCode = 1
			result.Stderr = []byte(err.Error())
			return result
		}
	}
	if !resp.NoOutputs {
		if err := materialise(spec); err != nil {
			result.ExitCode = 1
			result.Stderr = []byte(err.Error())
		}
	}
	return result
}

// materialise creates every declared output that does not already exist.
// Paths without an extension are created as directories.
func materialise(spec CommandSpec) error {
	for _, out := range spec.Outputs {
		if _, err := os.Stat(out); err == nil {
			continue
		}
		if types.FormatOf(out) == types.FormatDirectory {
			if err := os.MkdirAll(out, 0o755); err != nil {
				return err
			}
			continue
		}
		if err := os.MkdirAll(filepath.Dir(out), 0o755); err != nil {
			return err
		}
		if err := os.WriteFile(out, []byte(spec.String()+"\n"), 0o644); err != nil {
			return fmt.Errorf("materialise %s: %w", out, err)
		}
	}
	return nil
}

// Calls returns a copy of every recorded command in order.
func (s *Scripted) Calls() []CommandSpec {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]CommandSpec(nil), s.calls...)
}

// Count returns how many recorded commands ran program name.
func (s *Scripted) Count(name string) int {
	n := 0
	for _, c := range s.Calls() {
		if c.Program() == name {
			n++
		}
	}
	return n
}

// Find returns the recorded commands for program name.
func (s *Scripted) Find(name string) []CommandSpec {
	var out []CommandSpec
	for _, c := range s.Calls() {
		if c.Program() == name {
			out = append(out, c)
		}
	}
	return out
}

// Programs returns the program of each recorded command, in order.
func (s *Scripted) Programs() []string {
	calls := s.Calls()
	out := make([]string, len(calls))
	for i, c := range calls {
		out[i] = c.Program()
	}
	return out
}

// Reset forgets recorded calls but keeps the rules.
func (s *Scripted) Reset() {
	s.mu.Lock()
	s.calls = nil
	s.mu.Unlock()
}

// HasArgSequence reports whether args contains seq contiguously.
func HasArgSequence(args, seq []string) bool {
	return strings.Contains("\x00"+strings.Join(args, "\x00")+"\x00", "\x00"+strings.Join(seq, "\x00")+"\x00")
}

// Verify Scripted implements Invoker.
var _ Invoker = (*Scripted)(nil)
