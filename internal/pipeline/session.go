// Package pipeline orchestrates a question end to end for one session: plan
// the analysis, compile the plan into an instruction sequence, validate and
// execute it, and summarize the result. When the sequence yields no table,
// the question can fall back to generated code run through the repair loop.
//
// Each Session owns its Registry. Sessions share nothing, so any number may
// run concurrently.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"

	"tabula/internal/config"
	"tabula/internal/executor"
	"tabula/internal/frame"
	"tabula/internal/llm"
	"tabula/internal/logging"
	"tabula/internal/metrics"
	"tabula/internal/ops"
	"tabula/internal/plan"
	"tabula/internal/registry"
	"tabula/internal/repair"
	"tabula/internal/sandbox"
)

// NoResults is the summary when nothing tabular or printable was produced.
const NoResults = "No results to summarize."

// Options configures a Session.
type Options struct {
	Describe          registry.DescribeOptions
	ValidateColumns   bool
	RepairSteps       bool
	ValidationRetries int
	CodeFallback      bool
	SummaryRows       int
	Sandbox           sandbox.Config
	Repair            repair.Config

	Metrics        *metrics.Metrics
	TracerProvider trace.TracerProvider
}

// DefaultOptions mirrors config.DefaultConfig.
func DefaultOptions() Options {
	return FromConfig(config.DefaultConfig())
}

// FromConfig maps the configuration file sections onto Options.
func FromConfig(cfg *config.Config) Options {
	return Options{
		Describe: registry.DescribeOptions{
			MaxCols:    cfg.Registry.MaxColumns,
			MaxRows:    cfg.Registry.MaxRows,
			MaxUniques: cfg.Registry.MaxUniques,
		},
		ValidateColumns:   cfg.Executor.ValidateColumns,
		RepairSteps:       cfg.Executor.RepairSteps,
		ValidationRetries: cfg.Pipeline.ValidationRetries,
		CodeFallback:      cfg.Pipeline.CodeFallback,
		SummaryRows:       cfg.Pipeline.SummaryRows,
		Sandbox: sandbox.Config{
			Timeout:        cfg.GetSandboxTimeout(),
			AllowedImports: cfg.Sandbox.AllowedImports,
		},
		Repair: repair.Config{
			MaxAttempts:           cfg.Repair.MaxAttempts,
			TraceLimit:            cfg.Repair.TraceLimit,
			SimplifyOnLastAttempt: cfg.Repair.SimplifyOnLastAttempt,
		},
	}
}

// =============================================================================
// SESSION
// =============================================================================
// A Session binds one registry to the executor, the sandbox and the repair
// loop. Sessions share nothing, so a batch can run one per goroutine.

// Session is one isolated analysis context.
type Session struct {
	id     string
	opts   Options
	reg    *registry.Registry
	client llm.Client
	exec   *executor.Executor
	runner *sandbox.Runner
	loop   *repair.Loop
	log    *logging.Logger
}

// NewSession creates a session with an empty registry. client may be nil for
// sessions that only execute given sequences or code.
func NewSession(client llm.Client, opts Options) *Session {
	if opts.SummaryRows <= 0 {
		opts.SummaryRows = 8
	}
	id := uuid.NewString()
	s := &Session{
		id:     id,
		opts:   opts,
		reg:    registry.New(opts.Describe),
		client: client,
		runner: sandbox.NewRunner(opts.Sandbox, opts.Metrics),
		log:    logging.WithSession(logging.CategoryPipeline, id),
	}

	execOpts := []executor.Option{executor.WithMetrics(opts.Metrics)}
	loopOpts := []repair.Option{repair.WithMetrics(opts.Metrics)}
	if opts.TracerProvider != nil {
		execOpts = append(execOpts, executor.WithTracerProvider(opts.TracerProvider))
		loopOpts = append(loopOpts, repair.WithTracerProvider(opts.TracerProvider))
	}
	if opts.RepairSteps && client != nil {
		execOpts = append(execOpts, executor.WithStepRepairer(&stepRepairer{client: client}))
	}
	s.exec = executor.New(execOpts...)
	if client != nil {
		s.loop = repair.New(client, s.runner, opts.Repair, loopOpts...)
	}
	return s
}

// ID returns the session identifier.
func (s *Session) ID() string { return s.id }

// Registry returns the session's registry.
func (s *Session) Registry() *registry.Registry { return s.reg }

// ErrNoGenerator is returned by operations that need a generator when the
// session has none.
var ErrNoGenerator = errors.New("session has no generator")

// Plan asks the generator for numbered analysis steps.
func (s *Session) Plan(ctx context.Context, query string) (string, error) {
	if s.client == nil {
		return "", ErrNoGenerator
	}
	out, err := s.client.CompleteWithSystem(ctx, plannerSystem, planPrompt(query, s.reg.Headers()))
	if err != nil {
		return "", fmt.Errorf("planning failed: %w", err)
	}
	return strings.TrimSpace(out), nil
}

// Compile asks the generator to turn plan steps into an instruction array.
// feedback describes why a previous answer was rejected and may be empty.
func (s *Session) Compile(ctx context.Context, steps, feedback string) (string, error) {
	if s.client == nil {
		return "", ErrNoGenerator
	}
	prompt := compilePrompt(ops.Docs(), s.reg.DescribeAll(), steps, feedback)
	out, err := s.client.CompleteWithSystem(ctx, compilerSystem, prompt)
	if err != nil {
		return "", fmt.Errorf("compilation failed: %w", err)
	}
	return out, nil
}

// Execute runs an instruction array against the session registry.
func (s *Session) Execute(ctx context.Context, text string) *executor.Result {
	return s.exec.Run(ctx, text, s.reg)
}

// RunCode drives the repair loop for a code generation prompt.
func (s *Session) RunCode(ctx context.Context, prompt string) (*repair.Outcome, error) {
	if s.loop == nil {
		return nil, ErrNoGenerator
	}
	return s.loop.Run(ctx, prompt, s.reg), nil
}

// RunSnippet runs code once in the sandbox, without a generator.
func (s *Session) RunSnippet(ctx context.Context, code string) *sandbox.Result {
	return s.runner.Run(ctx, code, s.reg)
}

// Report is everything Analyze produced.
type Report struct {
	SessionID string
	Query     string
	Plan      string
	// Sequence is the accepted generator answer.
	Sequence string
	// Rejected holds the reasons earlier answers were sent back.
	Rejected  []error
	Execution *executor.Result
	Code      *repair.Outcome
	Summary   string
}

// Analyze answers query end to end. Generator failures are returned as
// errors; execution problems are recorded on the Report.
func (s *Session) Analyze(ctx context.Context, query string) (*Report, error) {
	timer := logging.StartTimer(logging.CategoryPipeline, "Analyze")
	defer timer.Stop()

	rep := &Report{SessionID: s.id, Query: query}
	steps, err := s.Plan(ctx, query)
	if err != nil {
		return rep, err
	}
	rep.Plan = steps
	s.log.Debug("plan:\n%s", steps)

	seq, err := s.compileValid(ctx, rep)
	if err != nil {
		return rep, err
	}
	if seq != nil {
		rep.Execution = s.exec.Execute(ctx, seq, s.reg)
	} else {
		rep.Execution = s.exec.Run(ctx, rep.Sequence, s.reg)
	}

	results := s.resultText(rep.Execution)
	if results == "" && s.opts.CodeFallback {
		s.log.Info("sequence produced no table, falling back to generated code")
		rep.Code = s.loop.Run(ctx, codePrompt(query, steps, s.reg.DescribeAll()), s.reg)
		if rep.Code.Success() {
			results = rep.Code.Result.Stdout
		}
	}
	if strings.TrimSpace(results) == "" {
		rep.Summary = NoResults
		return rep, nil
	}

	summary, err := s.client.CompleteWithSystem(ctx, summarySystem, summaryPrompt(query, results))
	if err != nil {
		return rep, fmt.Errorf("summary failed: %w", err)
	}
	rep.Summary = strings.TrimSpace(summary)
	return rep, nil
}

// compileValid compiles the plan, sending back answers that do not parse or
// name missing columns, up to ValidationRetries times. It returns nil when
// the final answer did not parse; the caller executes the raw text so the
// failure is reported the usual way.
func (s *Session) compileValid(ctx context.Context, rep *Report) (plan.Sequence, error) {
	feedback := ""
	for attempt := 0; ; attempt++ {
		text, err := s.Compile(ctx, rep.Plan, feedback)
		if err != nil {
			return nil, err
		}
		rep.Sequence = text
		retry := attempt < s.opts.ValidationRetries

		seq, perr := plan.Parse(text)
		if perr != nil {
			rep.Rejected = append(rep.Rejected, perr)
			if !retry {
				return nil, nil
			}
			feedback = "It was not a JSON array: " + firstLine(perr.Error())
			continue
		}
		if !s.opts.ValidateColumns {
			return seq, nil
		}
		verr := plan.ValidateColumns(seq, s.reg.Headers())
		if verr == nil || !retry {
			if verr != nil {
				s.log.Warn("executing despite validation error: %v", verr)
			}
			return seq, nil
		}
		rep.Rejected = append(rep.Rejected, verr)
		s.log.Info("sequence rejected (attempt %d): %v", attempt+1, verr)
		feedback = verr.Error()
	}
}

// resultText renders what the summary is written from: the final value,
// plus the last table produced when the final value is not tabular.
func (s *Session) resultText(res *executor.Result) string {
	if t, ok := res.FinalTable(); ok {
		if t.NumRows() == 0 {
			return ""
		}
		return t.Head(s.opts.SummaryRows).Markdown()
	}
	var parts []string
	switch v := res.Final().(type) {
	case nil:
	case []*frame.Table:
		for _, t := range v {
			parts = append(parts, t.Head(s.opts.SummaryRows).Markdown())
		}
		return strings.Join(parts, "\n\n")
	default:
		parts = append(parts, fmt.Sprintf("%s = %s", lastName(res), frame.FormatValue(v)))
	}
	produced := res.Produced()
	for i := len(produced) - 1; i >= 0; i-- {
		if t, ok := res.Outputs[produced[i]].(*frame.Table); ok && t != nil && t.NumRows() > 0 {
			parts = append(parts, t.Head(s.opts.SummaryRows).Markdown())
			break
		}
	}
	return strings.Join(parts, "\n\n")
}

func lastName(res *executor.Result) string {
	p := res.Produced()
	if len(p) == 0 {
		return "result"
	}
	return p[len(p)-1]
}

func firstLine(s string) string {
	line, _, _ := strings.Cut(s, "\n")
	return line
}

// stepRepairer asks the generator to rewrite a single failing step.
type stepRepairer struct {
	client llm.Client
}

func (r *stepRepairer) RepairStep(ctx context.Context, step plan.Step, cause error, schemas map[string][]string) (plan.Step, error) {
	out, err := r.client.CompleteWithSystem(ctx, compilerSystem, stepRepairPrompt(step.String(), cause.Error(), schemas))
	if err != nil {
		return plan.Step{}, err
	}
	seq, err := plan.Parse(out)
	if err != nil {
		return plan.Step{}, err
	}
	if len(seq) != 1 {
		return plan.Step{}, fmt.Errorf("expected one step, got %d", len(seq))
	}
	fixed := seq[0]
	if fixed.Err != nil {
		return plan.Step{}, fixed.Err
	}
	fixed.Index = step.Index
	fixed.Output = step.Output
	return fixed, nil
}
