package journal

import (
	"errors"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/pithecene-io/dwiflow/iox"
	"github.com/pithecene-io/dwiflow/types"
)

// EntryType discriminates journal entries.
type EntryType string

const (
	// EntryStage records the result of one stage.
	EntryStage EntryType = "stage"
	// EntryOutcome records the final outcome of a combination.
	EntryOutcome EntryType = "outcome"
)

// Entry is one journal record.
type Entry struct {
	Version    string            `msgpack:"version" json:"version" yaml:"version"`
	Type       EntryType         `msgpack:"type" json:"type" yaml:"type"`
	RunID      string            `msgpack:"run_id" json:"run_id" yaml:"run_id"`
	Seq        int64             `msgpack:"seq" json:"seq" yaml:"seq"`
	Ts         time.Time         `msgpack:"ts" json:"ts" yaml:"ts"`
	Label      string            `msgpack:"label" json:"label" yaml:"label"`
	Stage      string            `msgpack:"stage,omitempty" json:"stage,omitempty" yaml:"stage,omitempty"`
	Status     string            `msgpack:"status" json:"status" yaml:"status"`
	Message    string            `msgpack:"message,omitempty" json:"message,omitempty" yaml:"message,omitempty"`
	ErrorKind  string            `msgpack:"error_kind,omitempty" json:"error_kind,omitempty" yaml:"error_kind,omitempty"`
	Reused     bool              `msgpack:"reused" json:"reused" yaml:"reused"`
	DurationMs int64             `msgpack:"duration_ms" json:"duration_ms" yaml:"duration_ms"`
	Artifacts  map[string]string `msgpack:"artifacts,omitempty" json:"artifacts,omitempty" yaml:"artifacts,omitempty"`
}

// FromStage builds a stage entry from a result.
func FromStage(label string, res types.StageResult) Entry {
	e := Entry{
		Type:       EntryStage,
		Label:      label,
		Stage:      res.Stage,
		Status:     string(res.Status),
		Message:    res.Message,
		ErrorKind:  types.ErrorKind(res.Err),
		Reused:     res.Reused,
		DurationMs: res.Duration.Milliseconds(),
	}
	if len(res.Artifacts) > 0 {
		e.Artifacts = make(map[string]string, len(res.Artifacts))
		for name, a := range res.Artifacts {
			e.Artifacts[name] = a.Path
		}
	}
	return e
}

// Writer appends entries to a journal file. Safe for concurrent use.
type Writer struct {
	mu    sync.Mutex
	f     *os.File
	runID string
	seq   int64
	now   func() time.Time
}

// Open opens path for appending, creating it and its directory if needed.
func Open(path, runID string) (*Writer, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, err
	}
	return &Writer{f: f, runID: runID, now: time.Now}, nil
}

// Append stamps e with the run id, sequence and time, and writes it as one
// frame followed by an fsync.
func (w *Writer) Append(e Entry) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.seq++
	e.Version = types.JournalVersion
	e.RunID = w.runID
	e.Seq = w.seq
	if e.Ts.IsZero() {
		e.Ts = w.now().UTC()
	}
	frame, err := EncodeFrame(e)
	if err != nil {
		return err
	}
	if _, err := w.f.Write(frame); err != nil {
		return err
	}
	return w.f.Sync()
}

// Close closes the journal file.
func (w *Writer) Close() error {
	return w.f.Close()
}

// Read returns every complete entry of the journal at path. A missing file
// yields no entries. A truncated trailing frame is dropped and reported
// through truncated; any other framing error is returned.
func Read(path string) (entries []Entry, truncated bool, err error) {
	f, err := os.Open(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	defer iox.DiscardClose(f)
	return ReadFrom(f)
}

// ReadFrom decodes entries from r with the semantics of Read.
func ReadFrom(r io.Reader) ([]Entry, bool, error) {
	var entries []Entry
	dec := NewFrameDecoder(r)
	for {
		payload, err := dec.ReadFrame()
		if err == io.EOF {
			return entries, false, nil
		}
		if IsPartialFrame(err) {
			return entries, true, nil
		}
		if err != nil {
			return entries, false, err
		}
		e, err := DecodeEntry(payload)
		if err != nil {
			return entries, false, err
		}
		entries = append(entries, *e)
	}
}

// Latest returns the most recent stage entry per stage, sorted by stage name,
// and the most recent outcome entry, if any.
func Latest(entries []Entry) (stages []Entry, outcome *Entry) {
	byStage := make(map[string]Entry)
	for i := range entries {
		e := entries[i]
		switch e.Type {
		case EntryStage:
			byStage[e.Stage] = e
		case EntryOutcome:
			outcome = &e
		}
	}
	stages = make([]Entry, 0, len(byStage))
	for _, e := range byStage {
		stages = append(stages, e)
	}
	sort.Slice(stages, func(i, j int) bool { return stages[i].Stage < stages[j].Stage })
	return stages, outcome
}
