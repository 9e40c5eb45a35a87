package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"golang.org/x/sync/errgroup"

	"tabula/internal/config"
	"tabula/internal/frame"
	"tabula/internal/llm"
	"tabula/internal/ops"
	"tabula/internal/repair"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// fakeGenerator answers by role, replaying compile answers in order.
type fakeGenerator struct {
	mu       sync.Mutex
	plan     string
	compiles []string
	code     string
	fix      string
	summary  string

	compilePrompts []string
	summaryPrompts []string
	codeCalls      int
	fixCalls       int
}

func (f *fakeGenerator) client() llm.Client {
	return llm.Func(func(_ context.Context, system, user string) (string, error) {
		f.mu.Lock()
		defer f.mu.Unlock()
		switch system {
		case plannerSystem:
			return f.plan, nil
		case compilerSystem:
			if strings.HasPrefix(user, "This analysis step failed") {
				f.fixCalls++
				return f.fix, nil
			}
			i := len(f.compilePrompts)
			f.compilePrompts = append(f.compilePrompts, user)
			if i >= len(f.compiles) {
				i = len(f.compiles) - 1
			}
			return f.compiles[i], nil
		case summarySystem:
			f.summaryPrompts = append(f.summaryPrompts, user)
			return f.summary, nil
		case repair.DefaultSystemPrompt:
			f.codeCalls++
			return f.code, nil
		}
		return "", fmt.Errorf("unexpected system prompt %q", system)
	})
}

func production() *frame.Table {
	return frame.MustNew(
		frame.NewText("State", "Kerala", "Goa", "Kerala", "Goa"),
		frame.NewNumeric("YEAR", 2019, 2019, 2020, 2020),
		frame.NewNumeric("Production", 10, 20, 30, 40),
	)
}

func newSession(t *testing.T, gen *fakeGenerator, mutate func(*Options)) *Session {
	t.Helper()
	opts := DefaultOptions()
	if mutate != nil {
		mutate(&opts)
	}
	var client llm.Client
	if gen != nil {
		client = gen.client()
	}
	s := NewSession(client, opts)
	require.NoError(t, s.Registry().Register("D1", production()))
	return s
}

const goodSequence = "```json\n" + `[
	["avg", "group_by_mean", "D1", {"key": "State", "cols": "Production"}],
	["ranked", "sort_rows", "avg", {"by": "Production", "ascending": false}]
]` + "\n```"

func TestAnalyze(t *testing.T) {
	gen := &fakeGenerator{
		plan:     "1) D1 group by State compute mean(Production)\n2) sort descending",
		compiles: []string{goodSequence},
		summary:  "Goa leads with 30.",
	}
	s := newSession(t, gen, nil)
	rep, err := s.Analyze(context.Background(), "Which state produces more?")
	require.NoError(t, err)

	assert.Equal(t, s.ID(), rep.SessionID)
	assert.Equal(t, gen.plan, rep.Plan)
	assert.Empty(t, rep.Rejected)
	require.NotNil(t, rep.Execution)
	require.NoError(t, rep.Execution.Err)
	assert.Nil(t, rep.Code)
	assert.Equal(t, "Goa leads with 30.", rep.Summary)

	require.Len(t, gen.compilePrompts, 1)
	assert.Contains(t, gen.compilePrompts[0], ops.Docs())
	assert.Contains(t, gen.compilePrompts[0], s.Registry().DescribeAll())
	assert.Contains(t, gen.compilePrompts[0], gen.plan)

	require.Len(t, gen.summaryPrompts, 1)
	assert.Contains(t, gen.summaryPrompts[0], "| State | Production |")
	assert.Contains(t, gen.summaryPrompts[0], "| Goa | 30 |")

	_, ok := s.Registry().Get("ranked")
	assert.True(t, ok)
}

func TestAnalyzeRegeneratesOnValidationError(t *testing.T) {
	gen := &fakeGenerator{
		plan: "1) mean by state",
		compiles: []string{
			`[["avg", "group_by_mean", "D1", {"key": "STATE", "cols": "Production"}]]`,
			goodSequence,
		},
		summary: "ok",
	}
	s := newSession(t, gen, nil)
	rep, err := s.Analyze(context.Background(), "q")
	require.NoError(t, err)

	require.Len(t, rep.Rejected, 1)
	assert.Contains(t, rep.Rejected[0].Error(), `no column(s) STATE`)
	require.Len(t, gen.compilePrompts, 2)
	assert.Contains(t, gen.compilePrompts[1], "Your previous answer was rejected")
	assert.Contains(t, gen.compilePrompts[1], "STATE")
	assert.NoError(t, rep.Execution.Err)
}

func TestAnalyzeExecutesAfterRetriesRunOut(t *testing.T) {
	bad := `[["avg", "group_by_mean", "D1", {"key": "STATE", "cols": "Production"}]]`
	gen := &fakeGenerator{plan: "1) x", compiles: []string{bad}, summary: "unused"}
	s := newSession(t, gen, func(o *Options) { o.CodeFallback = false })
	rep, err := s.Analyze(context.Background(), "q")
	require.NoError(t, err)

	assert.Len(t, gen.compilePrompts, 2)
	assert.ErrorIs(t, rep.Execution.Err, ops.ErrColumnNotFound)
	assert.Equal(t, NoResults, rep.Summary)
	assert.Empty(t, gen.summaryPrompts)
}

func TestAnalyzeFallsBackToCode(t *testing.T) {
	gen := &fakeGenerator{
		plan:     "1) x",
		compiles: []string{"I cannot do that."},
		code:     "```go\nenv.Println(\"answer\", 42)\n```",
		summary:  "The answer is 42.",
	}
	s := newSession(t, gen, nil)
	rep, err := s.Analyze(context.Background(), "q")
	require.NoError(t, err)

	require.Len(t, rep.Rejected, 2)
	assert.Error(t, rep.Execution.Err)
	require.NotNil(t, rep.Code)
	assert.True(t, rep.Code.Success())
	assert.Equal(t, 1, gen.codeCalls)
	require.Len(t, gen.summaryPrompts, 1)
	assert.Contains(t, gen.summaryPrompts[0], "answer 42")
	assert.Equal(t, "The answer is 42.", rep.Summary)
}

func TestAnalyzeSummarizesScalar(t *testing.T) {
	gen := &fakeGenerator{
		plan: "1) x",
		compiles: []string{`[
			["recent", "filter_rows", "D1", {"condition": "YEAR == 2020"}],
			["goa", "lookup_value", "recent", {"key_col": "State", "key_val": "Goa", "target_col": "Production"}]
		]`},
		summary: "Goa produced 40.",
	}
	s := newSession(t, gen, nil)
	_, err := s.Analyze(context.Background(), "q")
	require.NoError(t, err)

	require.Len(t, gen.summaryPrompts, 1)
	assert.Contains(t, gen.summaryPrompts[0], "goa = 40")
	assert.Contains(t, gen.summaryPrompts[0], "| Kerala | 2020 | 30 |")
}

func TestAnalyzeGeneratorFailure(t *testing.T) {
	boom := errors.New("connection refused")
	s := NewSession(llm.Func(func(context.Context, string, string) (string, error) { return "", boom }), DefaultOptions())
	_, err := s.Analyze(context.Background(), "q")
	assert.ErrorIs(t, err, boom)
	assert.ErrorContains(t, err, "planning failed")
}

func TestStepRepair(t *testing.T) {
	gen := &fakeGenerator{
		plan:     "1) sort",
		compiles: []string{`[["sorted", "sort_rows", "D1", {"by": "Year"}]]`},
		fix:      `["whatever", "sort_rows", "D1", {"by": "YEAR"}]`,
		summary:  "sorted",
	}
	s := newSession(t, gen, func(o *Options) {
		o.ValidateColumns = false
		o.RepairSteps = true
	})
	rep, err := s.Analyze(context.Background(), "q")
	require.NoError(t, err)

	assert.Equal(t, 1, gen.fixCalls)
	require.NoError(t, rep.Execution.Err)
	require.Len(t, rep.Execution.Steps, 1)
	assert.True(t, rep.Execution.Steps[0].Repaired)
	assert.Equal(t, "sorted", rep.Execution.Steps[0].Output)
	_, ok := s.Registry().Get("sorted")
	assert.True(t, ok)
}

func TestSessionWithoutGenerator(t *testing.T) {
	s := newSession(t, nil, nil)
	_, err := s.Plan(context.Background(), "q")
	assert.ErrorIs(t, err, ErrNoGenerator)
	_, err = s.RunCode(context.Background(), "q")
	assert.ErrorIs(t, err, ErrNoGenerator)

	res := s.RunSnippet(context.Background(), `env.Println(env.Get("D1").NumRows())`)
	require.True(t, res.Success, res.Trace)
	assert.Contains(t, res.Stdout, "4")

	out := s.Execute(context.Background(), `[["n", "group_by_count", "D1", {"key": "State"}]]`)
	require.NoError(t, out.Err)
	_, ok := out.FinalTable()
	assert.True(t, ok)
}

func TestSessionsAreIsolated(t *testing.T) {
	const n = 4
	sessions := make([]*Session, n)
	for i := range sessions {
		sessions[i] = newSession(t, nil, nil)
	}

	g, ctx := errgroup.WithContext(context.Background())
	for i, s := range sessions {
		i, s := i, s
		g.Go(func() error {
			out := s.Execute(ctx, fmt.Sprintf(
				`[["only_%d", "filter_rows", "D1", {"condition": "YEAR == 2020"}], ["D1", "select_columns", "only_%d", {"cols": ["State"]}]]`, i, i))
			return out.Err
		})
	}
	require.NoError(t, g.Wait())

	for i, s := range sessions {
		assert.Equal(t, []string{"D1", fmt.Sprintf("only_%d", i)}, s.Registry().Names())
		d1, _ := s.Registry().Get("D1")
		assert.Equal(t, []string{"State"}, d1.Names())
		assert.NotEqual(t, sessions[(i+1)%n].ID(), s.ID())
	}
}

func TestFromConfig(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Registry.MaxColumns = 4
	cfg.Sandbox.Timeout = "2s"
	cfg.Repair.MaxAttempts = 5
	cfg.Pipeline.CodeFallback = false

	opts := FromConfig(cfg)
	assert.Equal(t, 4, opts.Describe.MaxCols)
	assert.Equal(t, "2s", opts.Sandbox.Timeout.String())
	assert.Equal(t, 5, opts.Repair.MaxAttempts)
	assert.False(t, opts.CodeFallback)
	assert.True(t, opts.ValidateColumns)
	assert.Equal(t, 1, opts.ValidationRetries)
}
