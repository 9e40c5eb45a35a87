package sandbox

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"tabula/internal/frame"
	"tabula/internal/metrics"
	"tabula/internal/registry"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func rainfall(t *testing.T) *registry.Registry {
	t.Helper()
	reg := registry.New(registry.DefaultDescribeOptions())
	require.NoError(t, reg.Register("D1", frame.MustNew(
		frame.NewNumeric("Year", 2020, 2021, 2022),
		frame.NewNumeric("Rain", 100, 120, 140),
	)))
	return reg
}

func TestSnippetSeesTablesAndPrints(t *testing.T) {
	reg := rainfall(t)
	res := NewRunner(Config{}, nil).Run(context.Background(), `
t := env.Get("D1")
fmt.Printf("rows=%d\n", t.NumRows())
env.Println("names", strings.Join(env.Names(), ","))
`, reg)

	require.True(t, res.Success, res.Trace)
	assert.Contains(t, res.Stdout, "rows=3")
	assert.Contains(t, res.Stdout, "names D1")
	assert.Empty(t, res.Written)
}

func TestTablesAreWrittenBack(t *testing.T) {
	reg := rainfall(t)
	res := NewRunner(Config{}, nil).Run(context.Background(), `
sorted, err := env.ApplyTable("sort_rows", []*env.Table{env.Tables["D1"]}, map[string]any{"by": "Rain", "ascending": false})
if err != nil {
	return err
}
env.Tables["Sorted"] = sorted
env.Show(sorted)
`, reg)

	require.True(t, res.Success, res.Trace)
	assert.Equal(t, []string{"Sorted"}, res.Written)
	got, ok := reg.Get("Sorted")
	require.True(t, ok)
	c, _ := got.Column("Rain")
	assert.Equal(t, []any{140.0, 120.0, 100.0}, c.Values())
	assert.Contains(t, res.Stdout, "| Year | Rain |")
}

func TestDivisionByZeroKeepsSummaryReadable(t *testing.T) {
	reg := rainfall(t)
	res := NewRunner(Config{}, nil).Run(context.Background(), `
zero := 0.0
env.Tables["R"], _ = env.NewTable([]string{"ratio"}, [][]any{{1.0 / zero}, {2.0}})
`, reg)

	require.True(t, res.Success, res.Trace)
	assert.Equal(t, []string{"R"}, res.Written)
	r, ok := reg.Get("R")
	require.True(t, ok)
	c, _ := r.Column("ratio")
	assert.Equal(t, []any{2.0, 2.0}, c.Values())

	summary := reg.DescribeAll()
	assert.Contains(t, summary, `"D1"`)
	assert.Contains(t, summary, `"R"`)
	assert.Contains(t, summary, `"Rain"`)
}

func TestFailureStillWritesBack(t *testing.T) {
	reg := rainfall(t)
	res := NewRunner(Config{}, nil).Run(context.Background(), `
head, err := env.NewTable([]string{"x"}, [][]any{{1.0}, {2.0}})
if err != nil {
	return err
}
env.Set("Partial", head)
_, err = env.Apply("sort_rows", []*env.Table{head}, map[string]any{"by": "missing"})
return err
`, reg)

	assert.False(t, res.Success)
	assert.Contains(t, res.Trace, "column not found")
	assert.Equal(t, []string{"Partial"}, res.Written)
	_, ok := reg.Get("Partial")
	assert.True(t, ok)
}

func TestPanicIsCaptured(t *testing.T) {
	res := NewRunner(Config{}, nil).Run(context.Background(), `panic("boom")`, rainfall(t))
	assert.False(t, res.Success)
	assert.Contains(t, res.Trace, "boom")
}

func TestRejectedPrograms(t *testing.T) {
	tests := []struct {
		name  string
		code  string
		trace string
	}{
		{"forbidden import", "import \"os\"\nos.Exit(1)", "forbidden import: os"},
		{"forbidden in package", "package main\n\nimport \"os/exec\"\n\nfunc Run() { exec.Command(\"ls\") }", "forbidden import: os/exec"},
		{"no entry point", "package main\n\nfunc helper() {}", ErrNoEntryPoint.Error()},
		{"syntax error", "x := (", ""},
		{"empty", "   ", "no code"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := NewRunner(Config{}, nil).Run(context.Background(), tt.code, rainfall(t))
			assert.False(t, res.Success)
			assert.NotEmpty(t, res.Trace)
			assert.Contains(t, res.Trace, tt.trace)
		})
	}
}

func TestProgramShapes(t *testing.T) {
	tests := []struct {
		name string
		code string
		want string
	}{
		{
			name: "package with Run error",
			code: "package main\n\nimport \"tabula/env\"\n\nfunc Run() error {\n\tenv.Println(\"run\")\n\treturn nil\n}\n",
			want: "run",
		},
		{
			name: "package with plain Run",
			code: "package main\n\nimport \"tabula/env\"\n\nfunc Run() {\n\tenv.Println(\"plain\")\n}\n",
			want: "plain",
		},
		{
			name: "package with main",
			code: "package main\n\nimport \"tabula/env\"\n\nfunc main() {\n\tenv.Println(\"main\")\n}\n",
			want: "main",
		},
		{
			name: "file body with helper",
			code: "func double(x float64) float64 { return 2 * x }\n\nfunc Run() error {\n\tenv.Println(double(21))\n\treturn nil\n}\n",
			want: "42",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := NewRunner(Config{}, nil).Run(context.Background(), tt.code, rainfall(t))
			require.True(t, res.Success, res.Trace)
			assert.Contains(t, res.Stdout, tt.want)
		})
	}
}

func TestTimeout(t *testing.T) {
	reg := rainfall(t)
	res := NewRunner(Config{Timeout: 50 * time.Millisecond}, nil).Run(context.Background(), `
n := 0
for {
	n++
}
`, reg)
	assert.False(t, res.Success)
	assert.Contains(t, res.Trace, "interrupted")
	assert.Empty(t, res.Written)
}

func TestMetrics(t *testing.T) {
	promReg := prometheus.NewRegistry()
	r := NewRunner(Config{}, metrics.New(promReg))
	r.Run(context.Background(), `env.Println(1)`, rainfall(t))
	r.Run(context.Background(), `import "net"`, rainfall(t))

	n, err := testutil.GatherAndCount(promReg, "tabula_sandbox_runs_total")
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestPrepareSnippet(t *testing.T) {
	prog, err := prepare("import str \"strings\"\nimport \"fmt\"\nfmt.Println(str.ToUpper(\"x\"))")
	require.NoError(t, err)
	assert.Contains(t, prog.source, "\tstr \"strings\"\n")
	assert.Contains(t, prog.source, "var _ = math.Abs")
	assert.NotContains(t, prog.source, "var _ = fmt.Sprint")
	assert.Contains(t, prog.source, "func Run() error {\n\tfmt.Println(str.ToUpper(\"x\"))\n\treturn nil\n}")
	assert.Equal(t, "main.tabulaEntry()", prog.call)
	require.NoError(t, checkImports(prog.source, map[string]bool{"fmt": true, "math": true, "sort": true, "strconv": true, "strings": true}))
}

func TestPrepareRenamesPackage(t *testing.T) {
	prog, err := prepare("package analysis\n\nfunc Run() {}\n")
	require.NoError(t, err)
	assert.Contains(t, prog.source, "package main")
	assert.NotContains(t, prog.source, "package analysis")
}
