package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tabula/internal/frame"
	"tabula/internal/ingest"
	"tabula/internal/llm"
)

const productionCSV = "State,YEAR,Production\nKerala,2019,10\nGoa,2019,20\nKerala,2020,30\nGoa,2020,40\n"

const rankPlan = `[
	["avg", "group_by_mean", "D1", {"key": "State", "cols": "Production"}],
	["ranked", "sort_rows", "avg", {"by": "Production", "ascending": false}]
]`

// execute runs the root command with fresh flag state and a config path that
// does not exist, so defaults apply.
func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	return executeWithInput(t, "", args...)
}

func executeWithInput(t *testing.T, stdin string, args ...string) (string, error) {
	t.Helper()
	tableArgs, queryArgs = nil, nil
	sqlitePath, planPath, codePath, exportCSV, exportSQLite, metricsAddr = "", "", "", "", "", ""
	showPlan, verbose, traceSpans = false, false, false

	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&out)
	rootCmd.SetIn(strings.NewReader(stdin))
	rootCmd.SetArgs(append([]string{"--config", filepath.Join(t.TempDir(), "tabula.yaml")}, args...))
	err := rootCmd.ExecuteContext(context.Background())
	return out.String(), err
}

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func TestOpsCmd(t *testing.T) {
	out, err := execute(t, "ops")
	require.NoError(t, err)
	assert.Contains(t, out, "Aggregation & grouping")
	assert.Contains(t, out, "group_by_mean(")
	assert.Contains(t, out, "filter_rows(")
}

func TestMetricsServerLifecycle(t *testing.T) {
	_, err := execute(t, "--metrics-addr", "127.0.0.1:0", "ops")
	require.NoError(t, err)
	assert.Nil(t, metricsServer, "server should be shut down after the command")

	_, err = execute(t, "--metrics-addr", "not an address", "ops")
	assert.ErrorContains(t, err, "failed to listen")
}

func TestDescribeCmd(t *testing.T) {
	dir := t.TempDir()
	csv := writeFile(t, dir, "production.csv", productionCSV)

	out, err := execute(t, "describe", "--table", "D1="+csv)
	require.NoError(t, err)
	assert.Contains(t, out, `"D1"`)
	assert.Contains(t, out, "Production")
}

func TestDescribeFromSQLite(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "data.sqlite")
	db, err := ingest.OpenSQLite(dbPath)
	require.NoError(t, err)
	require.NoError(t, db.Export(context.Background(), "crops", frame.MustNew(
		frame.NewText("State", "Goa"),
		frame.NewNumeric("Yield", 1.5),
	)))
	require.NoError(t, db.Close())

	out, err := execute(t, "describe", "--sqlite", dbPath, "--query", "Q1=SELECT * FROM crops")
	require.NoError(t, err)
	assert.Contains(t, out, `"Q1"`)
	assert.Contains(t, out, "Yield")

	_, err = execute(t, "describe", "--query", "Q1=SELECT 1")
	assert.ErrorContains(t, err, "--query requires --sqlite")
}

func TestRunCmd(t *testing.T) {
	dir := t.TempDir()
	csv := writeFile(t, dir, "production.csv", productionCSV)
	plan := writeFile(t, dir, "plan.json", rankPlan)
	outCSV := filepath.Join(dir, "ranked.csv")
	outDB := filepath.Join(dir, "out.sqlite")

	out, err := execute(t, "run", "--table", "D1="+csv, "--plan", plan, "--csv", outCSV, "--export-sqlite", outDB)
	require.NoError(t, err)
	assert.Contains(t, out, "group_by_mean")
	assert.Contains(t, out, "ranked")
	assert.Contains(t, out, "Goa")

	data, err := os.ReadFile(outCSV)
	require.NoError(t, err)
	assert.Equal(t, "State,Production\nGoa,30\nKerala,20\n", string(data))

	db, err := ingest.OpenSQLite(outDB)
	require.NoError(t, err)
	defer db.Close()
	avg, err := db.Query(context.Background(), "SELECT * FROM avg")
	require.NoError(t, err)
	assert.Equal(t, 2, avg.NumRows())
}

func TestRunCmdReportsStoppedSequence(t *testing.T) {
	dir := t.TempDir()
	csv := writeFile(t, dir, "production.csv", productionCSV)
	plan := writeFile(t, dir, "plan.json", `[
		["skipped", "no_such_op", "D1", {}],
		["bad", "sort_rows", "D1", {"by": "Nope"}]
	]`)

	out, err := execute(t, "run", "-t", "D1="+csv, "-p", plan)
	assert.ErrorContains(t, err, "sequence stopped")
	assert.Contains(t, out, "skipped")
	assert.Contains(t, out, "failed")
}

func TestRunCmdFromStdin(t *testing.T) {
	dir := t.TempDir()
	csv := writeFile(t, dir, "production.csv", productionCSV)

	out, err := executeWithInput(t, rankPlan, "run", "-t", "D1="+csv, "-p", "-")
	require.NoError(t, err)
	assert.Contains(t, out, "Kerala")
}

func TestCodeCmd(t *testing.T) {
	dir := t.TempDir()
	csv := writeFile(t, dir, "production.csv", productionCSV)
	ok := writeFile(t, dir, "ok.go", `env.Println("rows:", env.Get("D1").NumRows())`)
	bad := writeFile(t, dir, "bad.go", `env.Println(undefinedThing)`)

	out, err := execute(t, "code", "--table", "D1="+csv, "--file", ok)
	require.NoError(t, err)
	assert.Contains(t, out, "rows: 4")

	out, err = execute(t, "code", "--table", "D1="+csv, "--file", bad)
	assert.ErrorContains(t, err, "snippet failed")
	assert.Contains(t, out, "undefinedThing")
}

func TestCodeCmdShowsTablesWrittenBeforeFailure(t *testing.T) {
	dir := t.TempDir()
	csv := writeFile(t, dir, "production.csv", productionCSV)
	snippet := writeFile(t, dir, "partial.go", `env.Tables["Top"] = env.Get("D1").Head(1)
panic("later step broke")`)

	out, err := execute(t, "code", "--table", "D1="+csv, "--file", snippet)
	assert.ErrorContains(t, err, "snippet failed")
	assert.Contains(t, out, "Top")
	assert.Contains(t, out, "Kerala")
	assert.Contains(t, out, "later step broke")
	assert.Contains(t, codeCmd.Long, "even if the snippet then fails")
}

func TestBatchCmd(t *testing.T) {
	dir := t.TempDir()
	csv := writeFile(t, dir, "production.csv", productionCSV)
	p1 := writeFile(t, dir, "one.json", rankPlan)
	p2 := writeFile(t, dir, "two.json", `[["recent", "filter_rows", "D1", {"condition": "YEAR == 2020"}]]`)

	out, err := execute(t, "batch", "--table", "D1="+csv, p1, p2)
	require.NoError(t, err)
	assert.Contains(t, out, "one.json")
	assert.Contains(t, out, "two.json")
	assert.Contains(t, out, "ranked")
	assert.Contains(t, out, "recent")

	p3 := writeFile(t, dir, "three.json", `[["x", "sort_rows", "D1", {"by": "Nope"}]]`)
	_, err = execute(t, "batch", "--table", "D1="+csv, p1, p3)
	assert.ErrorContains(t, err, "1 of 2 plans stopped early")
}

func TestAskCmd(t *testing.T) {
	dir := t.TempDir()
	csv := writeFile(t, dir, "production.csv", productionCSV)

	var summaryPrompt string
	orig := newGenerator
	newGenerator = func(context.Context) (llm.Client, error) {
		return llm.Func(func(_ context.Context, _, user string) (string, error) {
			switch {
			case strings.HasPrefix(user, "Given a query"):
				return "1) D1 group by State compute mean(Production)\n2) sort descending", nil
			case strings.HasPrefix(user, "Use only the following functions"):
				return "```json\n" + rankPlan + "\n```", nil
			default:
				summaryPrompt = user
				return "Goa leads production.", nil
			}
		}), nil
	}
	defer func() { newGenerator = orig }()

	out, err := execute(t, "ask", "--table", "D1="+csv, "--show-plan", "Which", "state", "leads?")
	require.NoError(t, err)
	assert.Contains(t, out, "group by State")
	assert.Contains(t, out, "Goa leads production.")
	assert.Contains(t, summaryPrompt, `"Which state leads?"`)

	_, err = execute(t, "ask", "anything")
	assert.ErrorContains(t, err, "no tables loaded")
}

func TestLoggingFollowsConfig(t *testing.T) {
	dir := t.TempDir()
	logPath := filepath.Join(dir, "tabula.log")
	path := writeFile(t, dir, "tabula.yaml", "logging:\n  level: warn\n  format: json\n  file: "+logPath+"\n")

	_, err := execute(t, "--config", path, "--verbose", "ops")
	require.NoError(t, err)
	data, err := os.ReadFile(logPath)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"logging initialized level=debug json=true"`)
	assert.Contains(t, string(data), `"logger":"boot"`)

	quiet := filepath.Join(dir, "quiet.log")
	path = writeFile(t, dir, "quiet.yaml", "logging:\n  level: debug\n  format: json\n  file: "+quiet+"\n  categories:\n    boot: false\n")
	_, err = execute(t, "--config", path, "ops")
	require.NoError(t, err)
	data, err = os.ReadFile(quiet)
	require.NoError(t, err)
	assert.NotContains(t, string(data), "logging initialized")
}

func TestInvalidConfig(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "tabula.yaml", "repair:\n  max_attempts: 0\n")

	rootCmd.SetArgs([]string{"--config", path, "ops"})
	rootCmd.SetOut(&bytes.Buffer{})
	rootCmd.SetErr(&bytes.Buffer{})
	err := rootCmd.ExecuteContext(context.Background())
	assert.ErrorContains(t, err, "invalid config")
}
