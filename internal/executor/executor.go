// Package executor runs instruction sequences against a Registry.
//
// Steps run strictly in order. A step naming an operation outside the catalog
// (or an entry that is not a well-formed instruction) is skipped and the
// sequence continues. An unresolved input or a failing operation stops the
// sequence, and whatever was produced so far is returned. Nothing panics out
// of Run or Execute: the Result always describes the outcome.
package executor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"tabula/internal/frame"
	"tabula/internal/logging"
	"tabula/internal/metrics"
	"tabula/internal/ops"
	"tabula/internal/plan"
	"tabula/internal/registry"
)

// FinalKey is the reserved output slot holding the most recent value.
const FinalKey = "_FINAL_"

// ErrNotTable is returned when a step input resolves to a non-tabular value.
var ErrNotTable = errors.New("input is not a table")

// =============================================================================
// STEP OUTCOMES
// =============================================================================
// Every step yields a StepReport. Skipped steps leave the sequence running;
// the first failed step ends it and its error becomes Result.Err.

// ExecutionFailure reports an operation that failed while being applied.
type ExecutionFailure struct {
	Step   int
	Op     string
	Output string
	Err    error
}

func (e *ExecutionFailure) Error() string {
	return fmt.Sprintf("step %d (%s -> %s): %v", e.Step, e.Op, e.Output, e.Err)
}

func (e *ExecutionFailure) Unwrap() error { return e.Err }

// Status is the outcome of one step.
type Status int

const (
	StatusOK Status = iota
	StatusSkipped
	StatusFailed
)

func (s Status) String() string {
	switch s {
	case StatusOK:
		return metrics.StatusOK
	case StatusSkipped:
		return metrics.StatusSkipped
	default:
		return metrics.StatusFailed
	}
}

// StepReport describes what happened to one step.
type StepReport struct {
	Index    int
	Output   string
	Op       string
	Inputs   []string
	Status   Status
	Err      error
	Duration time.Duration
	// Repaired is set when the step only succeeded after a StepRepairer
	// rewrote it.
	Repaired bool
}

// Result is the outcome of a sequence run.
type Result struct {
	// Outputs maps every produced output name to its value, plus FinalKey.
	Outputs map[string]any
	Steps   []StepReport
	// Err is the error that stopped the sequence, nil when it ran to the end.
	Err error
}

// Final returns the most recently produced value.
func (r *Result) Final() any { return r.Outputs[FinalKey] }

// FinalTable returns the final value if it is a table.
func (r *Result) FinalTable() (*frame.Table, bool) {
	t, ok := r.Outputs[FinalKey].(*frame.Table)
	return t, ok && t != nil
}

// Complete reports whether every step was attempted.
func (r *Result) Complete() bool { return r.Err == nil }

// Produced returns the output names in the order they were produced.
func (r *Result) Produced() []string {
	var out []string
	for _, s := range r.Steps {
		if s.Status == StatusOK {
			out = append(out, s.Output)
		}
	}
	return out
}

// =============================================================================
// EXECUTOR
// =============================================================================
// Inputs resolve against the registry first, then earlier outputs. Tabular
// outputs are registered as they are produced, so a later step or a later
// sequence can name them. A failing step gets one StepRepairer attempt.

// StepRepairer rewrites a failing step. It is consulted at most once per
// failing step.
type StepRepairer interface {
	RepairStep(ctx context.Context, step plan.Step, cause error, schemas map[string][]string) (plan.Step, error)
}

// Executor runs sequences. The zero value is not usable; call New.
type Executor struct {
	metrics  *metrics.Metrics
	tracer   trace.Tracer
	repairer StepRepairer
}

// Option configures an Executor.
type Option func(*Executor)

// WithMetrics records step counters and durations on m.
func WithMetrics(m *metrics.Metrics) Option {
	return func(e *Executor) { e.metrics = m }
}

// WithTracerProvider emits spans through tp instead of the global provider.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(e *Executor) { e.tracer = tp.Tracer("tabula/executor") }
}

// WithStepRepairer enables one repair attempt for each failing step.
func WithStepRepairer(r StepRepairer) Option {
	return func(e *Executor) { e.repairer = r }
}

// New creates an Executor.
func New(opts ...Option) *Executor {
	e := &Executor{tracer: otel.Tracer("tabula/executor")}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Run recovers a sequence from generator text and executes it. A payload
// that cannot be recovered is reported on the Result.
func (e *Executor) Run(ctx context.Context, text string, reg *registry.Registry) *Result {
	seq, err := plan.Parse(text)
	if err != nil {
		logging.ExecutorWarn("sequence payload rejected: %v", err)
		return &Result{Outputs: map[string]any{FinalKey: nil}, Err: err}
	}
	return e.Execute(ctx, seq, reg)
}

// Execute runs seq against reg. Tabular outputs are written back into reg
// so that later steps and callers observe them.
func (e *Executor) Execute(ctx context.Context, seq plan.Sequence, reg *registry.Registry) *Result {
	ctx, span := e.tracer.Start(ctx, "executor.Execute",
		trace.WithAttributes(attribute.Int("steps", len(seq))))
	defer span.End()

	timer := logging.StartTimer(logging.CategoryExecutor, "Execute")
	defer timer.Stop()

	res := &Result{Outputs: map[string]any{FinalKey: nil}}
	for _, step := range seq {
		if err := ctx.Err(); err != nil {
			res.Err = err
			break
		}
		report := e.runStep(ctx, step, reg, res)
		res.Steps = append(res.Steps, report)
		if report.Status == StatusFailed {
			res.Err = report.Err
			break
		}
	}

	e.metrics.ObserveSequence(res.Err == nil)
	span.SetAttributes(attribute.Int("produced", len(res.Produced())))
	if res.Err != nil {
		span.RecordError(res.Err)
		span.SetStatus(codes.Error, "sequence stopped early")
		logging.ExecutorWarn("sequence stopped after %d/%d steps: %v", len(res.Steps), len(seq), res.Err)
	} else {
		logging.Executor("sequence complete: %d steps, %d produced", len(seq), len(res.Produced()))
	}
	return res
}

func (e *Executor) runStep(ctx context.Context, step plan.Step, reg *registry.Registry, res *Result) StepReport {
	ctx, span := e.tracer.Start(ctx, "executor.step", trace.WithAttributes(
		attribute.Int("index", step.Index),
		attribute.String("op", step.Op),
		attribute.String("output", step.Output),
		attribute.StringSlice("inputs", step.Inputs),
	))
	defer span.End()

	report := StepReport{Index: step.Index, Output: step.Output, Op: step.Op, Inputs: step.Inputs}
	if step.Skipped() {
		report.Status = StatusSkipped
		report.Err = step.Err
		span.SetAttributes(attribute.String("status", report.Status.String()))
		e.metrics.ObserveStep(step.Op, metrics.StatusSkipped, 0)
		logging.ExecutorWarn("skipping step %d: %v", step.Index, step.Err)
		return report
	}

	start := time.Now()
	value, err := apply(step, reg, res.Outputs)
	if err != nil && e.repairer != nil {
		if fixed, ok := e.repair(ctx, step, err, reg, res.Outputs); ok {
			value, err = apply(fixed, reg, res.Outputs)
			if err == nil {
				report.Repaired = true
				report.Output, report.Op, report.Inputs = fixed.Output, fixed.Op, fixed.Inputs
				step = fixed
			}
		}
	}
	report.Duration = time.Since(start)

	if err != nil {
		report.Status = StatusFailed
		report.Err = err
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		e.metrics.ObserveStep(step.Op, metrics.StatusFailed, report.Duration)
		return report
	}

	res.Outputs[step.Output] = value
	res.Outputs[FinalKey] = value
	if t, ok := value.(*frame.Table); ok {
		if perr := reg.Put(step.Output, t); perr != nil {
			logging.ExecutorWarn("step %d: write-back of %q failed: %v", step.Index, step.Output, perr)
		}
	}
	span.SetAttributes(attribute.String("status", StatusOK.String()))
	e.metrics.ObserveStep(step.Op, metrics.StatusOK, report.Duration)
	logging.ExecutorDebug("step %d: %s(%v) -> %s in %v", step.Index, step.Op, step.Inputs, step.Output, report.Duration)
	return report
}

// apply resolves the inputs of step and applies its operation.
func apply(step plan.Step, reg *registry.Registry, outputs map[string]any) (any, error) {
	inputs := make([]*frame.Table, 0, len(step.Inputs))
	for _, name := range step.Inputs {
		t, err := resolve(step, name, reg, outputs)
		if err != nil {
			return nil, err
		}
		inputs = append(inputs, t)
	}
	if step.Err != nil {
		return nil, &ExecutionFailure{Step: step.Index, Op: step.Op, Output: step.Output, Err: step.Err}
	}
	value, err := safeApply(step.Kind, inputs, step.Params)
	if err != nil {
		return nil, &ExecutionFailure{Step: step.Index, Op: step.Op, Output: step.Output, Err: err}
	}
	return value, nil
}

// resolve prefers the live registry and falls back to earlier outputs.
func resolve(step plan.Step, name string, reg *registry.Registry, outputs map[string]any) (*frame.Table, error) {
	if t, ok := reg.Get(name); ok {
		return t, nil
	}
	v, ok := outputs[name]
	if !ok || name == FinalKey {
		return nil, &plan.ReferenceError{Step: step.Index, Name: name}
	}
	t, ok := v.(*frame.Table)
	if !ok || t == nil {
		return nil, &ExecutionFailure{Step: step.Index, Op: step.Op, Output: step.Output,
			Err: fmt.Errorf("%w: %q holds %T", ErrNotTable, name, v)}
	}
	return t, nil
}

// safeApply converts a panic inside an operation into an error.
func safeApply(k ops.Kind, inputs []*frame.Table, p ops.Params) (v any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("operation panicked: %v", r)
		}
	}()
	return ops.Apply(k, inputs, p)
}

func (e *Executor) repair(ctx context.Context, step plan.Step, cause error, reg *registry.Registry, outputs map[string]any) (plan.Step, bool) {
	schemas := reg.Headers()
	for name, v := range outputs {
		if t, ok := v.(*frame.Table); ok && t != nil && name != FinalKey {
			if _, exists := schemas[name]; !exists {
				schemas[name] = t.Names()
			}
		}
	}
	fixed, err := e.repairer.RepairStep(ctx, step, cause, schemas)
	if err != nil {
		logging.ExecutorWarn("step %d: repair failed: %v", step.Index, err)
		return plan.Step{}, false
	}
	if fixed.Skipped() {
		logging.ExecutorWarn("step %d: repaired step unusable: %v", step.Index, fixed.Err)
		return plan.Step{}, false
	}
	fixed.Index = step.Index
	logging.Executor("step %d: repaired as %s", step.Index, fixed)
	return fixed, true
}
