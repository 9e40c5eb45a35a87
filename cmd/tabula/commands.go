package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"tabula/internal/executor"
	"tabula/internal/frame"
	"tabula/internal/ingest"
	"tabula/internal/llm"
	"tabula/internal/pipeline"
	"tabula/internal/registry"
)

var (
	planPath     string
	exportSQLite string
	exportCSV    string
	codePath     string
	showPlan     bool
)

// newGenerator builds the configured generator. Tests replace it.
var newGenerator = func(ctx context.Context) (llm.Client, error) {
	client, err := llm.NewClient(ctx, llm.Config{
		Provider:    cfg.LLM.Provider,
		Model:       cfg.LLM.Model,
		APIKey:      cfg.LLM.APIKey,
		BaseURL:     cfg.LLM.BaseURL,
		Temperature: cfg.LLM.Temperature,
		Timeout:     cfg.GetLLMTimeout(),
	})
	if err != nil {
		return nil, err
	}
	provider := cfg.LLM.Provider
	if provider == "" {
		p, _ := llm.DetectProvider()
		provider = string(p)
	}
	return llm.Instrument(client, provider, collectors), nil
}

var opsCmd = &cobra.Command{
	Use:   "ops",
	Short: "List the operation catalog",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		fmt.Fprint(cmd.OutOrStdout(), renderCatalog())
		return nil
	},
}

var describeCmd = &cobra.Command{
	Use:   "describe",
	Short: "Print the structural summary the generator sees for the loaded tables",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		s := newSession(nil)
		if err := loadTables(cmd.Context(), s.Registry()); err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), s.Registry().DescribeAll())
		return nil
	},
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Execute an instruction array against the loaded tables",
	Long: `Executes a JSON instruction array, one step per element:

  [["avg", "group_by_mean", "D1", {"key": "STATE", "cols": "RAINFALL"}],
   ["top", "sort_rows", "avg", {"by": "RAINFALL", "ascending": false}]]

Unknown operations are skipped; the first failing step stops the sequence.`,
	Args: cobra.NoArgs,
	RunE: runPlan,
}

var codeCmd = &cobra.Command{
	Use:   "code",
	Short: "Run a Go snippet once in the sandbox",
	Long: `Interprets Go code with the loaded tables available as env.Tables.
Tables the snippet stores in env.Tables are registered whenever the run
finishes, even if the snippet then fails. A timed-out run registers nothing.`,
	Args: cobra.NoArgs,
	RunE: runCode,
}

var askCmd = &cobra.Command{
	Use:   "ask [question]",
	Short: "Answer a question about the loaded tables with the configured LLM",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runAsk,
}

var batchCmd = &cobra.Command{
	Use:   "batch [plan.json...]",
	Short: "Execute several instruction arrays concurrently, each in its own session",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runBatch,
}

func newSession(client llm.Client) *pipeline.Session {
	opts := pipeline.FromConfig(cfg)
	opts.Metrics = collectors
	if tracerProvider != nil {
		opts.TracerProvider = tracerProvider
	}
	return pipeline.NewSession(client, opts)
}

// loadTables fills reg from the --table and --query flags.
func loadTables(ctx context.Context, reg *registry.Registry) error {
	bindings, err := parseBindings(tableArgs)
	if err != nil {
		return err
	}
	if err := ingest.LoadCSVs(reg, bindings); err != nil {
		return err
	}

	if len(queryArgs) == 0 {
		return nil
	}
	if sqlitePath == "" {
		return errors.New("--query requires --sqlite")
	}
	queries, err := parseBindings(queryArgs)
	if err != nil {
		return err
	}
	db, err := ingest.OpenSQLite(sqlitePath)
	if err != nil {
		return err
	}
	defer db.Close()
	return db.LoadQueries(ctx, reg, queries)
}

func parseBindings(args []string) ([]ingest.Binding, error) {
	out := make([]ingest.Binding, 0, len(args))
	for _, a := range args {
		b, err := ingest.ParseBinding(a)
		if err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, nil
}

func readSource(cmd *cobra.Command, path string) (string, error) {
	var (
		data []byte
		err  error
	)
	if path == "-" {
		data, err = io.ReadAll(cmd.InOrStdin())
	} else {
		data, err = os.ReadFile(path)
	}
	if err != nil {
		return "", fmt.Errorf("failed to read %s: %w", path, err)
	}
	return string(data), nil
}

func runPlan(cmd *cobra.Command, args []string) error {
	text, err := readSource(cmd, planPath)
	if err != nil {
		return err
	}
	s := newSession(nil)
	if err := loadTables(cmd.Context(), s.Registry()); err != nil {
		return err
	}

	res := s.Execute(cmd.Context(), text)
	out := cmd.OutOrStdout()
	fmt.Fprintln(out, renderSteps(res.Steps))
	if produced := res.Produced(); len(produced) > 0 {
		fmt.Fprintln(out, renderValue(produced[len(produced)-1], res.Final()))
	}

	if err := exportResults(cmd.Context(), res); err != nil {
		return err
	}
	if !res.Complete() {
		return fmt.Errorf("sequence stopped: %w", res.Err)
	}
	return nil
}

func exportResults(ctx context.Context, res *executor.Result) error {
	if exportCSV != "" {
		t, ok := res.FinalTable()
		if !ok {
			return errors.New("--csv: final value is not a table")
		}
		f, err := os.Create(exportCSV)
		if err != nil {
			return fmt.Errorf("failed to create %s: %w", exportCSV, err)
		}
		if err := ingest.WriteCSV(f, t); err != nil {
			f.Close()
			return err
		}
		if err := f.Close(); err != nil {
			return err
		}
		logger.Info("wrote final table", zap.String("path", exportCSV))
	}

	if exportSQLite != "" {
		db, err := ingest.OpenSQLite(exportSQLite)
		if err != nil {
			return err
		}
		defer db.Close()
		for _, name := range res.Produced() {
			if t, ok := res.Outputs[name].(*frame.Table); ok && t != nil {
				if err := db.Export(ctx, name, t); err != nil {
					return err
				}
			}
		}
	}
	return nil
}

func runCode(cmd *cobra.Command, args []string) error {
	code, err := readSource(cmd, codePath)
	if err != nil {
		return err
	}
	s := newSession(nil)
	if err := loadTables(cmd.Context(), s.Registry()); err != nil {
		return err
	}

	res := s.RunSnippet(cmd.Context(), code)
	fmt.Fprint(cmd.OutOrStdout(), res.Stdout)
	for _, name := range res.Written {
		if t, ok := s.Registry().Get(name); ok {
			fmt.Fprintln(cmd.OutOrStdout(), renderValue(name, t))
		}
	}
	if !res.Success {
		fmt.Fprintln(cmd.ErrOrStderr(), errorStyle.Render(res.Trace))
		return errors.New("snippet failed")
	}
	return nil
}

func runAsk(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	client, err := newGenerator(ctx)
	if err != nil {
		return err
	}
	s := newSession(client)
	if err := loadTables(ctx, s.Registry()); err != nil {
		return err
	}
	if s.Registry().Len() == 0 {
		return errors.New("no tables loaded: use --table or --sqlite/--query")
	}

	question := strings.Join(args, " ")
	rep, err := s.Analyze(ctx, question)
	out := cmd.OutOrStdout()
	if showPlan && rep != nil {
		fmt.Fprintln(out, titleStyle.Render("Plan"))
		fmt.Fprintln(out, rep.Plan)
		fmt.Fprintln(out, titleStyle.Render("Instructions"))
		fmt.Fprintln(out, strings.TrimSpace(rep.Sequence))
		if rep.Execution != nil {
			fmt.Fprintln(out, renderSteps(rep.Execution.Steps))
		}
	}
	if err != nil {
		return err
	}
	if rep.Code != nil && !rep.Code.Success() {
		logger.Warn("code fallback failed", zap.Int("attempts", len(rep.Code.Attempts)), zap.Error(rep.Code.Err))
	}
	renderMarkdown(out, rep.Summary)
	return nil
}

type batchResult struct {
	plan    string
	session string
	result  *executor.Result
}

func runBatch(cmd *cobra.Command, args []string) error {
	base := registry.New(registry.DefaultDescribeOptions())
	if err := loadTables(cmd.Context(), base); err != nil {
		return err
	}
	tables := base.Snapshot()

	results := make([]batchResult, len(args))
	g, ctx := errgroup.WithContext(cmd.Context())
	g.SetLimit(cfg.Pipeline.BatchConcurrency)
	for i, path := range args {
		i, path := i, path
		g.Go(func() error {
			text, err := os.ReadFile(path)
			if err != nil {
				return fmt.Errorf("failed to read %s: %w", path, err)
			}
			s := newSession(nil)
			for name, t := range tables {
				if err := s.Registry().Put(name, t); err != nil {
					return err
				}
			}
			results[i] = batchResult{plan: path, session: s.ID(), result: s.Execute(ctx, string(text))}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	failed := 0
	for _, r := range results {
		fmt.Fprintln(out, titleStyle.Render(filepath.Base(r.plan))+" "+mutedStyle.Render(r.session))
		fmt.Fprintln(out, renderSteps(r.result.Steps))
		if produced := r.result.Produced(); len(produced) > 0 {
			fmt.Fprintln(out, renderValue(produced[len(produced)-1], r.result.Final()))
		}
		if !r.result.Complete() {
			failed++
		}
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d plans stopped early", failed, len(results))
	}
	return nil
}
