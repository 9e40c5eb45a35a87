// Package sandbox runs generated Go code against the tables of a Registry.
//
// Code is interpreted by yaegi. Every run gets a fresh interpreter whose env
// package exposes the registry tables (env.Tables) and a few helpers. Output
// printed by the code is captured, failures of any kind (syntax, type,
// runtime error, panic, timeout) come back as a textual trace, and every
// table the code stored in env.Tables is registered back into the Registry
// whether or not the run succeeded.
package sandbox

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"sort"
	"strings"
	"time"

	"github.com/traefik/yaegi/interp"
	"github.com/traefik/yaegi/stdlib"

	"tabula/internal/frame"
	"tabula/internal/logging"
	"tabula/internal/metrics"
	"tabula/internal/registry"
)

var (
	// ErrForbiddenImport is reported for imports outside the allow-list.
	ErrForbiddenImport = errors.New("forbidden import")

	// ErrNoEntryPoint is reported for a package without Run or main.
	ErrNoEntryPoint = errors.New("no Run or main function")
)

// DefaultTimeout bounds one run when Config.Timeout is zero.
const DefaultTimeout = 10 * time.Second

// =============================================================================
// RUNNER
// =============================================================================
// A Runner owns no interpreter state between runs. Each Run builds a new
// yaegi interpreter, exposes a snapshot of the registry as env.Tables and
// races the evaluation against Config.Timeout. Only a run that finishes, with
// or without an error, has its new or replaced tables written back.

// Config controls a Runner.
type Config struct {
	Timeout        time.Duration
	AllowedImports []string
}

// Result describes one run.
type Result struct {
	Success bool
	// Stdout is everything the code printed.
	Stdout string
	// Trace is the failure description, empty on success.
	Trace string
	// Source is the program that was interpreted.
	Source string
	// Written lists the tables registered back, sorted.
	Written  []string
	Duration time.Duration
}

// Runner executes generated code.
type Runner struct {
	timeout time.Duration
	allowed map[string]bool
	metrics *metrics.Metrics
}

// NewRunner creates a Runner. m may be nil.
func NewRunner(cfg Config, m *metrics.Metrics) *Runner {
	r := &Runner{timeout: cfg.Timeout, allowed: map[string]bool{}, metrics: m}
	if r.timeout <= 0 {
		r.timeout = DefaultTimeout
	}
	imports := cfg.AllowedImports
	if len(imports) == 0 {
		imports = DefaultAllowedImports
	}
	for _, p := range imports {
		r.allowed[p] = true
	}
	return r
}

// Run interprets code with the tables of reg in scope.
func (r *Runner) Run(ctx context.Context, code string, reg *registry.Registry) *Result {
	start := time.Now()
	res := r.run(ctx, code, reg)
	res.Duration = time.Since(start)
	r.metrics.ObserveSandbox(res.Success, res.Duration)
	if res.Success {
		logging.Sandbox("run succeeded in %v, wrote back %v", res.Duration, res.Written)
	} else {
		logging.SandboxDebug("run failed in %v: %s", res.Duration, firstLine(res.Trace))
	}
	return res
}

func (r *Runner) run(ctx context.Context, code string, reg *registry.Registry) *Result {
	prog, err := prepare(code)
	res := &Result{Source: prog.source}
	if err != nil {
		res.Trace = err.Error()
		return res
	}
	if err := checkImports(prog.source, r.allowed); err != nil {
		res.Trace = err.Error()
		return res
	}

	out := &syncBuffer{}
	seed := reg.Snapshot()
	ns := &namespace{tables: reg.Snapshot(), out: out}

	i := interp.New(interp.Options{Stdout: out, Stderr: out})
	if err := i.Use(stdlib.Symbols); err != nil {
		res.Trace = fmt.Sprintf("loading stdlib: %v", err)
		return res
	}
	if err := i.Use(ns.exports()); err != nil {
		res.Trace = fmt.Sprintf("loading env bindings: %v", err)
		return res
	}

	runCtx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	err = evaluate(runCtx, i, prog)
	res.Stdout = out.String()
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		// The interpreter goroutine may still be unwinding; its tables are
		// not trusted.
		res.Trace = fmt.Sprintf("execution interrupted after %v: %v", r.timeout, err)
		return res
	}
	res.Written = writeBack(ns.tables, seed, reg)
	if err != nil {
		res.Trace = trace(err)
		return res
	}
	res.Success = true
	return res
}

// =============================================================================
// EVALUATION AND WRITE-BACK
// =============================================================================

// evaluate loads the program and calls its entry point.
func evaluate(ctx context.Context, i *interp.Interpreter, prog program) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("panic: %v", rec)
		}
	}()
	if _, err := i.EvalWithContext(ctx, prog.source); err != nil {
		return err
	}
	v, err := i.EvalWithContext(ctx, prog.call)
	if err != nil {
		return err
	}
	if v.IsValid() && v.Kind() == reflect.String && v.String() != "" {
		return errors.New(v.String())
	}
	return nil
}

// writeBack registers every table that is new or was replaced during the run.
func writeBack(tables, seed map[string]*frame.Table, reg *registry.Registry) []string {
	var written []string
	for name, t := range tables {
		if t == nil || seed[name] == t {
			continue
		}
		if err := reg.Register(name, t); err != nil {
			logging.Get(logging.CategorySandbox).Warn("write-back of %q failed: %v", name, err)
			continue
		}
		written = append(written, name)
	}
	sort.Strings(written)
	return written
}

func trace(err error) string {
	var p interp.Panic
	if errors.As(err, &p) {
		return fmt.Sprintf("panic: %v\n\n%s", p.Value, p.Stack)
	}
	return err.Error()
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}
