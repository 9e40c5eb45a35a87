// Package repair drives the bounded generate, run, critique and regenerate
// cycle for generated code.
//
// Every attempt asks the generator for code, extracts the executable payload
// and runs it in the sandbox. A failed run turns into a feedback prompt that
// embeds the failing code, its truncated trace and the current table
// summaries. The loop never calls the generator more than MaxAttempts times
// and never returns an error directly: the Outcome reports what happened.
package repair

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"tabula/internal/llm"
	"tabula/internal/logging"
	"tabula/internal/metrics"
	"tabula/internal/parse"
	"tabula/internal/registry"
	"tabula/internal/sandbox"
)

// ErrRetryExhausted is recorded when no attempt produced a successful run.
var ErrRetryExhausted = errors.New("repair attempts exhausted")

// Attempt outcomes, also used as metric labels.
const (
	OutcomeSuccess        = "success"
	OutcomeSandboxFailure = "sandbox_failure"
	OutcomeGeneratorError = "generator_error"
)

// DefaultSystemPrompt describes the execution environment to the generator.
const DefaultSystemPrompt = `You write Go code that analyses in-memory tables.
The code runs in an interpreter, either as statements or as a package main with func Run() error.
Tables are available as env.Tables (map[string]*env.Table), already loaded and cleaned.
Helpers: env.Get(name), env.Set(name, t), env.Names(), env.Apply(op, []*env.Table{...}, map[string]any{...}),
env.ApplyTable(...), env.NewTable(header, rows), env.Show(t), env.Println(args...).
fmt, math, sort, strconv and strings are imported for you. Do not read files or use the network.`

// Config bounds a Loop.
type Config struct {
	MaxAttempts           int
	TraceLimit            int
	SimplifyOnLastAttempt bool
	SystemPrompt          string
}

// DefaultConfig returns the standard bounds.
func DefaultConfig() Config {
	return Config{
		MaxAttempts:           3,
		TraceLimit:            1000,
		SimplifyOnLastAttempt: true,
		SystemPrompt:          DefaultSystemPrompt,
	}
}

// Runner executes code against a registry. *sandbox.Runner implements it.
type Runner interface {
	Run(ctx context.Context, code string, reg *registry.Registry) *sandbox.Result
}

// Attempt records one iteration.
type Attempt struct {
	Number   int
	Prompt   string
	Code     string
	Result   *sandbox.Result
	Err      error
	Duration time.Duration
}

// =============================================================================
// REPAIR LOOP
// =============================================================================
// Each attempt asks the generator for code, runs it and feeds the trace of a
// failed run into the next prompt. The loop stops at the first successful run
// or after Config.MaxAttempts.

// Outcome is the terminal state of a loop run.
type Outcome struct {
	// Code and Result belong to the last attempt that produced code.
	Code     string
	Result   *sandbox.Result
	Attempts []Attempt
	// Err is nil on success and wraps ErrRetryExhausted otherwise.
	Err error
}

// Success reports whether the final run succeeded.
func (o *Outcome) Success() bool {
	return o.Err == nil && o.Result != nil && o.Result.Success
}

// Loop is the repair loop.
type Loop struct {
	cfg     Config
	client  llm.Client
	runner  Runner
	prompts PromptBuilder
	metrics *metrics.Metrics
	tracer  trace.Tracer
}

// Option configures a Loop.
type Option func(*Loop)

// WithMetrics records attempt outcomes on m.
func WithMetrics(m *metrics.Metrics) Option {
	return func(l *Loop) { l.metrics = m }
}

// WithTracerProvider emits spans through tp instead of the global provider.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(l *Loop) { l.tracer = tp.Tracer("tabula/repair") }
}

// New creates a Loop. Zero fields of cfg take their defaults.
func New(client llm.Client, runner Runner, cfg Config, opts ...Option) *Loop {
	def := DefaultConfig()
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = def.MaxAttempts
	}
	if cfg.TraceLimit <= 0 {
		cfg.TraceLimit = def.TraceLimit
	}
	if cfg.SystemPrompt == "" {
		cfg.SystemPrompt = def.SystemPrompt
	}
	l := &Loop{
		cfg:    cfg,
		client: client,
		runner: runner,
		prompts: PromptBuilder{
			TraceLimit:            cfg.TraceLimit,
			SimplifyOnLastAttempt: cfg.SimplifyOnLastAttempt,
		},
		tracer: otel.Tracer("tabula/repair"),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Run generates and runs code for prompt until a run succeeds or the attempts
// are used up.
func (l *Loop) Run(ctx context.Context, prompt string, reg *registry.Registry) *Outcome {
	ctx, span := l.tracer.Start(ctx, "repair.Run",
		trace.WithAttributes(attribute.Int("repair.max_attempts", l.cfg.MaxAttempts)))
	defer span.End()

	out := &Outcome{}
	current := prompt
	var lastCause error

	for n := 1; n <= l.cfg.MaxAttempts; n++ {
		if err := ctx.Err(); err != nil {
			lastCause = err
			break
		}
		att := l.attempt(ctx, n, current, reg)
		out.Attempts = append(out.Attempts, att)

		if att.Err != nil {
			l.metrics.ObserveRepair(OutcomeGeneratorError)
			logging.RepairWarn("attempt %d/%d: generator failed: %v", n, l.cfg.MaxAttempts, att.Err)
			lastCause = att.Err
			continue
		}
		out.Code, out.Result = att.Code, att.Result
		if att.Result.Success {
			l.metrics.ObserveRepair(OutcomeSuccess)
			logging.Repair("attempt %d/%d succeeded", n, l.cfg.MaxAttempts)
			span.SetAttributes(attribute.Int("repair.attempts", n))
			return out
		}

		l.metrics.ObserveRepair(OutcomeSandboxFailure)
		logging.RepairWarn("attempt %d/%d failed: %s", n, l.cfg.MaxAttempts, firstLine(att.Result.Trace))
		lastCause = errors.New(firstLine(att.Result.Trace))
		current = l.prompts.Build(Feedback{
			Code:        att.Code,
			Trace:       att.Result.Trace,
			Tables:      reg.DescribeAll(),
			Attempt:     n,
			MaxAttempts: l.cfg.MaxAttempts,
		})
	}

	out.Err = fmt.Errorf("%w after %d attempts: %v", ErrRetryExhausted, len(out.Attempts), lastCause)
	span.SetAttributes(attribute.Int("repair.attempts", len(out.Attempts)))
	span.RecordError(out.Err)
	span.SetStatus(codes.Error, out.Err.Error())
	logging.Get(logging.CategoryRepair).Warn("all %d attempts failed", l.cfg.MaxAttempts)
	return out
}

func (l *Loop) attempt(ctx context.Context, n int, prompt string, reg *registry.Registry) Attempt {
	ctx, span := l.tracer.Start(ctx, "repair.attempt", trace.WithAttributes(attribute.Int("repair.attempt", n)))
	defer span.End()

	start := time.Now()
	att := Attempt{Number: n, Prompt: prompt}
	resp, err := l.client.CompleteWithSystem(ctx, l.cfg.SystemPrompt, prompt)
	if err != nil {
		att.Err = err
		att.Duration = time.Since(start)
		span.RecordError(err)
		span.SetStatus(codes.Error, "generator failed")
		return att
	}
	att.Code = parse.Code(resp)
	att.Result = l.runner.Run(ctx, att.Code, reg)
	att.Duration = time.Since(start)
	if !att.Result.Success {
		span.SetStatus(codes.Error, firstLine(att.Result.Trace))
	}
	return att
}

func firstLine(s string) string {
	line, _, _ := strings.Cut(s, "\n")
	return line
}
