// Package trace records the logical build events of a run in a canonical,
// hash-stable form.
//
// The trace is observational only and must never affect build behavior.
package trace

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
)

// BuildTrace is the canonical, deterministic record of a run.
//
// Invariants:
//   - Must capture GraphHash and an ordered list of events.
//   - Must contain logical transitions/decisions, not runtime-dependent details.
//   - Must not include timestamps, durations, error strings or stack traces.
//
// Canonical representation:
//   - Events are sorted via Canonicalize() using a fully-specified ordering.
//   - JSON serialization uses a custom marshaler to fix field order and omit absent optional fields.
//
// Two runs that make the same decisions produce byte-identical traces, regardless
// of worker count or completion order.
type BuildTrace struct {
	GraphHash string
	Events    []Event
}

// EventKind is the stable, canonical discriminator for Event.
//
// The string values are part of the trace's canonical bytes; do not rename.
type EventKind string

const (
	EventTargetOutdated       EventKind = "TargetOutdated"
	EventTargetRecovered      EventKind = "TargetRecovered"
	EventTargetSkipped        EventKind = "TargetSkipped"
	EventTargetBuilt          EventKind = "TargetBuilt"
	EventTargetFailed         EventKind = "TargetFailed"
	EventTargetUpstreamFailed EventKind = "TargetUpstreamFailed"
	EventTargetNotAttempted   EventKind = "TargetNotAttempted"
)

// Event is a single logical transition/decision.
//
// Determinism constraints:
//   - No timestamps.
//   - No error strings / stack traces.
//   - No fields derived from pointer identity or map iteration.
//
// Files is canonicalized: empty slices are normalized to nil and entries are sorted.
type Event struct {
	Kind EventKind

	// Target identifies the target this event refers to. Required.
	Target string

	// Reason is a stable, logical reason code (e.g. "command-changed").
	Reason string

	// Cause records a related target: the failed upstream target for
	// TargetUpstreamFailed, or the target whose record was reused for TargetRecovered.
	Cause string

	// Files lists tracked output files recorded for the target.
	Files []string
}

// Validate checks basic invariants and returns a descriptive error.
func (t *BuildTrace) Validate() error {
	if t == nil {
		return errors.New("trace is nil")
	}
	if t.GraphHash == "" {
		return errors.New("graphHash is required")
	}
	for i := range t.Events {
		e := t.Events[i]
		if e.Kind == "" {
			return fmt.Errorf("events[%d].kind is required", i)
		}
		if e.Target == "" {
			return fmt.Errorf("events[%d].target is required for kind %q", i, e.Kind)
		}
		for j, f := range e.Files {
			if f == "" {
				return fmt.Errorf("events[%d].files[%d] is empty", i, j)
			}
		}
	}
	return nil
}

// Canonicalize normalizes and sorts the trace into its canonical form.
//
// Ordering is independent of execution timing or concurrency: events are stably
// sorted by (target, kindOrder, reason, cause, filesLex).
func (t *BuildTrace) Canonicalize() {
	if t == nil {
		return
	}
	for i := range t.Events {
		t.Events[i].Files = canonicalFiles(t.Events[i].Files)
	}

	sort.SliceStable(t.Events, func(i, j int) bool {
		a := t.Events[i]
		b := t.Events[j]

		if a.Target != b.Target {
			return a.Target < b.Target
		}
		if kindOrder(a.Kind) != kindOrder(b.Kind) {
			return kindOrder(a.Kind) < kindOrder(b.Kind)
		}
		if a.Reason != b.Reason {
			return a.Reason < b.Reason
		}
		if a.Cause != b.Cause {
			return a.Cause < b.Cause
		}
		return compareStringSlices(a.Files, b.Files)
	})
}

func canonicalFiles(files []string) []string {
	if len(files) == 0 {
		return nil
	}
	out := make([]string, len(files))
	copy(out, files)
	sort.Strings(out)
	return out
}

func kindOrder(k EventKind) int {
	switch k {
	case EventTargetOutdated:
		return 10
	case EventTargetRecovered:
		return 20
	case EventTargetSkipped:
		return 30
	case EventTargetBuilt:
		return 40
	case EventTargetFailed:
		return 50
	case EventTargetUpstreamFailed:
		return 60
	case EventTargetNotAttempted:
		return 70
	default:
		return 1000
	}
}

func compareStringSlices(a, b []string) bool {
	la := len(a)
	lb := len(b)
	n := la
	if lb < n {
		n = lb
	}
	for i := 0; i < n; i++ {
		if a[i] == b[i] {
			continue
		}
		return a[i] < b[i]
	}
	return la < lb
}

// CanonicalJSON returns the canonical JSON encoding of the trace.
// It canonicalizes a copy of the trace to avoid mutating the caller's slices.
func (t BuildTrace) CanonicalJSON() ([]byte, error) {
	copyTrace := BuildTrace{GraphHash: t.GraphHash}
	copyTrace.Events = make([]Event, len(t.Events))
	copy(copyTrace.Events, t.Events)
	copyTrace.Canonicalize()
	if err := copyTrace.Validate(); err != nil {
		return nil, err
	}
	return json.Marshal(&copyTrace)
}

// Hash returns the deterministic trace hash of the canonical JSON bytes.
func (t BuildTrace) Hash() (string, error) {
	b, err := t.CanonicalJSON()
	if err != nil {
		return "", err
	}
	return ComputeTraceHash(b), nil
}

// WriteFile writes the canonical JSON encoding to path, creating parent directories.
func (t BuildTrace) WriteFile(path string) error {
	b, err := t.CanonicalJSON()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("creating trace dir: %w", err)
	}
	return os.WriteFile(path, append(b, '\n'), 0o644)
}

// MarshalJSON ensures canonical field ordering and omission rules.
func (t BuildTrace) MarshalJSON() ([]byte, error) {
	if t.GraphHash == "" {
		return nil, errors.New("graphHash is required")
	}
	var buf bytes.Buffer
	buf.WriteByte('{')

	buf.WriteString("\"graphHash\":")
	gh, _ := json.Marshal(t.GraphHash)
	buf.Write(gh)
	buf.WriteByte(',')

	buf.WriteString("\"events\":[")
	for i := range t.Events {
		if i > 0 {
			buf.WriteByte(',')
		}
		eb, err := json.Marshal(t.Events[i])
		if err != nil {
			return nil, err
		}
		buf.Write(eb)
	}
	buf.WriteByte(']')

	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// MarshalJSON ensures canonical field ordering and omission of empty optional fields.
func (e Event) MarshalJSON() ([]byte, error) {
	if e.Kind == "" {
		return nil, errors.New("kind is required")
	}
	files := canonicalFiles(e.Files)

	var buf bytes.Buffer
	buf.WriteByte('{')

	// kind (always first)
	buf.WriteString("\"kind\":")
	kb, _ := json.Marshal(string(e.Kind))
	buf.Write(kb)

	writeString := func(key, value string) {
		if value == "" {
			return
		}
		buf.WriteByte(',')
		buf.WriteString("\"" + key + "\":")
		vb, _ := json.Marshal(value)
		buf.Write(vb)
	}
	writeString("target", e.Target)
	writeString("reason", e.Reason)
	writeString("cause", e.Cause)

	if len(files) > 0 {
		buf.WriteByte(',')
		buf.WriteString("\"files\":[")
		for i := range files {
			if i > 0 {
				buf.WriteByte(',')
			}
			fb, _ := json.Marshal(files[i])
			buf.Write(fb)
		}
		buf.WriteByte(']')
	}

	buf.WriteByte('}')
	return buf.Bytes(), nil
}
