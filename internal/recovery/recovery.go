// Package recovery reuses historical values whose fingerprint matches a target's
// current fingerprint, under any target name.
//
// Recovery is opt-in per run. It lets renamed targets and reverted code skip
// recomputation when an equivalent build is in the history log.
package recovery

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"pipeweaver/internal/core"
	"pipeweaver/internal/store"
)

// Index is the part of the store recovery needs.
type Index interface {
	LatestByFingerprint(fp core.Fingerprint) (*store.Record, error)
	Has(h core.ValueHash) (bool, error)
	Append(rec *store.Record) error
}

// Request identifies the target to recover.
type Request struct {
	Target      string
	Fingerprint core.Fingerprint
	Parts       core.FingerprintParts
	RunID       string
}

// Engine looks up recoverable values.
type Engine struct {
	Index Index

	// Harvester checks that files recorded with a candidate are still in place.
	// May be nil when no target tracks output files.
	Harvester *core.Harvester

	Log logrus.FieldLogger
}

// New creates an Engine.
func New(index Index, harvester *core.Harvester, log logrus.FieldLogger) *Engine {
	if log == nil {
		l := logrus.New()
		l.SetLevel(logrus.PanicLevel)
		log = l
	}
	return &Engine{Index: index, Harvester: harvester, Log: log}
}

// Recover tries to satisfy req from the history log.
//
// On a match it appends a recovered record under req.Target with the matched
// value and returns it. It returns (nil, nil) when there is no candidate, and a
// *store.MissingContentError when the candidate's value is gone; the caller then
// executes the command.
func (e *Engine) Recover(ctx context.Context, req Request) (*store.Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	cand, err := e.Index.LatestByFingerprint(req.Fingerprint)
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("recovery lookup for %q: %w", req.Target, err)
	}

	ok, err := e.Index.Has(cand.ValueHash)
	if err != nil {
		return nil, fmt.Errorf("recovery lookup for %q: %w", req.Target, err)
	}
	if !ok {
		return nil, &store.MissingContentError{Target: cand.Target, Hash: cand.ValueHash}
	}

	if len(cand.FileOutputs) > 0 {
		if e.Harvester == nil {
			return nil, nil
		}
		changed, err := e.Harvester.Changed(cand.FileOutputs)
		if err != nil {
			return nil, err
		}
		if len(changed) > 0 {
			e.Log.WithFields(logrus.Fields{"target": req.Target, "files": changed}).
				Debug("recovery candidate outputs changed")
			return nil, nil
		}
	}

	rec := &store.Record{
		Target:        req.Target,
		Fingerprint:   req.Fingerprint,
		Parts:         req.Parts,
		ValueHash:     cand.ValueHash,
		Outcome:       store.OutcomeRecovered,
		Time:          time.Now().UTC(),
		Seed:          req.Parts.Seed,
		RunID:         req.RunID,
		RecoveredFrom: cand.Target,
		FileOutputs:   cand.FileOutputs,
	}
	if err := e.Index.Append(rec); err != nil {
		return nil, err
	}
	e.Log.WithFields(logrus.Fields{
		"target": req.Target,
		"from":   cand.Target,
		"value":  cand.ValueHash.Short(),
	}).Info("recovered")
	return rec, nil
}
