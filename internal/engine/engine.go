// Package engine runs plans: it wires the analyzer, graph builder, staleness
// detector, executor and recovery engine over a content store and history log.
//
// An Engine is stateless between calls; everything it learns is in the store.
package engine

import (
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"pipeweaver/internal/core"
	"pipeweaver/internal/metrics"
	"pipeweaver/internal/recovery/state"
	"pipeweaver/internal/store"
)

const tracerName = "pipeweaver/internal/engine"

// Options configures an Engine.
type Options struct {
	Store *store.Store

	// Ledger receives per-run metadata. May be nil.
	Ledger *state.Store

	// Evaluator runs commands. Defaults to core.NewExprEvaluator().
	Evaluator core.Evaluator

	// WorkDir is the directory tracked file paths resolve against.
	WorkDir string

	FileHash core.FileHashMode

	Log     *logrus.Logger
	Metrics *metrics.Metrics

	// Tracer defaults to the global otel tracer provider.
	Tracer trace.Tracer
}

// Engine builds plans against a store.
type Engine struct {
	store     *store.Store
	ledger    *state.Store
	evaluator core.Evaluator
	workDir   string
	fileHash  core.FileHashMode
	log       *logrus.Entry
	metrics   *metrics.Metrics
	tracer    trace.Tracer
}

// New creates an Engine.
func New(o Options) (*Engine, error) {
	if o.Store == nil {
		return nil, errors.New("engine: store is required")
	}
	if o.Evaluator == nil {
		o.Evaluator = core.NewExprEvaluator()
	}
	if o.WorkDir == "" {
		o.WorkDir = "."
	}
	if o.FileHash == "" {
		o.FileHash = core.FileHashContent
	}
	log := o.Log
	if log == nil {
		log = logrus.New()
		log.SetOutput(io.Discard)
	}
	if o.Tracer == nil {
		o.Tracer = otel.Tracer(tracerName)
	}
	return &Engine{
		store:     o.Store,
		ledger:    o.Ledger,
		evaluator: o.Evaluator,
		workDir:   o.WorkDir,
		fileHash:  o.FileHash,
		log:       log.WithField("component", "engine"),
		metrics:   o.Metrics,
		tracer:    o.Tracer,
	}, nil
}

// Store returns the store the engine builds into.
func (e *Engine) Store() *store.Store { return e.store }

// RunError is returned by Make when targets did not produce a value.
type RunError struct {
	Failed         []string
	UpstreamFailed []string
	NotAttempted   []string
}

func (e *RunError) Error() string {
	var parts []string
	if len(e.Failed) > 0 {
		parts = append(parts, fmt.Sprintf("failed: %s", strings.Join(e.Failed, ", ")))
	}
	if len(e.UpstreamFailed) > 0 {
		parts = append(parts, fmt.Sprintf("upstream failed: %s", strings.Join(e.UpstreamFailed, ", ")))
	}
	if len(e.NotAttempted) > 0 {
		parts = append(parts, fmt.Sprintf("not attempted: %s", strings.Join(e.NotAttempted, ", ")))
	}
	return "build incomplete: " + strings.Join(parts, "; ")
}
