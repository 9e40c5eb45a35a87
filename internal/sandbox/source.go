package sandbox

import (
	"fmt"
	"go/parser"
	"go/token"
	"regexp"
	"sort"
	"strconv"
	"strings"
)

// DefaultAllowedImports are the packages generated code may import besides
// the env bindings.
var DefaultAllowedImports = []string{
	"fmt", "math", "sort", "strconv", "strings", "time",
	"errors", "regexp", "bytes", "unicode", "encoding/json",
}

// snippetImports are added to every snippet.
var snippetImports = []string{"fmt", "math", "sort", "strconv", "strings", EnvImportPath}

// keepAlive references one symbol per auto-imported package so that unused
// imports never fail a snippet.
var keepAlive = map[string]string{
	"fmt":         "fmt.Sprint",
	"math":        "math.Abs",
	"sort":        "sort.Strings",
	"strconv":     "strconv.Itoa",
	"strings":     "strings.TrimSpace",
	EnvImportPath: "env.Get",
}

var (
	packageClause = regexp.MustCompile(`(?m)^\s*package\s+\w+`)
	topLevelFunc  = regexp.MustCompile(`(?m)^func\s`)
	runErrFunc    = regexp.MustCompile(`(?m)^func\s+Run\s*\(\s*\)\s*error\b`)
	runFunc       = regexp.MustCompile(`(?m)^func\s+Run\s*\(\s*\)`)
	mainFunc      = regexp.MustCompile(`(?m)^func\s+main\s*\(\s*\)`)
	importLine    = regexp.MustCompile(`^import\s+((?:\w+\s+)?"[^"]+")\s*$`)
)

// entryName is the function appended to every program. It calls the entry
// point and reports a returned error as a string, which survives the trip
// out of the interpreter unchanged.
const entryName = "tabulaEntry"

// program is generated code prepared for the interpreter.
type program struct {
	source string
	// call evaluates to the error text of the run, empty on success.
	call string
}

// prepare turns generated code into a complete main package. Three shapes
// are accepted: a full package main defining Run or main, a file body with
// top-level declarations, and a bare statement snippet that becomes the body
// of Run.
func prepare(code string) (program, error) {
	code = strings.TrimSpace(code)
	if code == "" {
		return program{}, fmt.Errorf("no code to run")
	}
	var src string
	if packageClause.MatchString(code) {
		src = packageClause.ReplaceAllString(code, "package main")
	} else {
		imports, body := splitImports(code)
		if !topLevelFunc.MatchString(body) {
			body = "func Run() error {\n" + indent(body) + "\n\treturn nil\n}\n"
		}
		src = render(imports, body)
	}
	shim, err := entryShim(src)
	if err != nil {
		return program{source: src}, err
	}
	return program{source: src + "\n" + shim, call: "main." + entryName + "()"}, nil
}

func entryShim(src string) (string, error) {
	switch {
	case runErrFunc.MatchString(src):
		return "func " + entryName + "() string {\n\tif err := Run(); err != nil {\n\t\treturn err.Error()\n\t}\n\treturn \"\"\n}\n", nil
	case runFunc.MatchString(src):
		return "func " + entryName + "() string {\n\tRun()\n\treturn \"\"\n}\n", nil
	case mainFunc.MatchString(src):
		// The interpreter runs main itself when the package is loaded.
		return "func " + entryName + "() string {\n\treturn \"\"\n}\n", nil
	}
	return "", ErrNoEntryPoint
}

// splitImports removes import declarations from a snippet.
func splitImports(code string) ([]string, string) {
	var imports []string
	var body []string
	inBlock := false
	for _, line := range strings.Split(code, "\n") {
		trimmed := strings.TrimSpace(line)
		switch {
		case inBlock:
			if trimmed == ")" {
				inBlock = false
				continue
			}
			if trimmed != "" {
				imports = append(imports, trimmed)
			}
		case trimmed == "import (":
			inBlock = true
		case importLine.MatchString(trimmed):
			imports = append(imports, importLine.FindStringSubmatch(trimmed)[1])
		default:
			body = append(body, line)
		}
	}
	return imports, strings.Join(body, "\n")
}

func render(extra []string, body string) string {
	seen := map[string]bool{}
	var specs []string
	for _, imp := range extra {
		path := imp
		if fields := strings.Fields(imp); len(fields) > 0 {
			path = fields[len(fields)-1]
		}
		if unq, err := strconv.Unquote(path); err == nil {
			seen[unq] = true
		}
		specs = append(specs, imp)
	}
	var guards []string
	for _, path := range snippetImports {
		if seen[path] {
			continue
		}
		specs = append(specs, strconv.Quote(path))
		guards = append(guards, "var _ = "+keepAlive[path])
	}
	sort.Strings(guards)

	var sb strings.Builder
	sb.WriteString("package main\n\nimport (\n")
	for _, s := range specs {
		sb.WriteString("\t" + s + "\n")
	}
	sb.WriteString(")\n\n")
	for _, g := range guards {
		sb.WriteString(g + "\n")
	}
	sb.WriteString("\n" + body + "\n")
	return sb.String()
}

func indent(body string) string {
	lines := strings.Split(body, "\n")
	for i, l := range lines {
		if strings.TrimSpace(l) != "" {
			lines[i] = "\t" + l
		}
	}
	return strings.Join(lines, "\n")
}

// checkImports rejects imports outside the allow-list. The env bindings are
// always allowed.
func checkImports(src string, allowed map[string]bool) error {
	f, err := parser.ParseFile(token.NewFileSet(), "main.go", src, parser.ImportsOnly)
	if err != nil {
		return fmt.Errorf("syntax error: %w", err)
	}
	var forbidden []string
	for _, imp := range f.Imports {
		path, err := strconv.Unquote(imp.Path.Value)
		if err != nil {
			return fmt.Errorf("bad import %s: %w", imp.Path.Value, err)
		}
		if path != EnvImportPath && !allowed[path] {
			forbidden = append(forbidden, path)
		}
	}
	if len(forbidden) > 0 {
		sort.Strings(forbidden)
		return fmt.Errorf("%w: %s", ErrForbiddenImport, strings.Join(forbidden, ", "))
	}
	return nil
}
