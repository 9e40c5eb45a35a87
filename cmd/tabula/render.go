package main

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/charmbracelet/glamour"
	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"

	"tabula/internal/executor"
	"tabula/internal/frame"
	"tabula/internal/ops"
)

var (
	borderColor = lipgloss.Color("#8BC34A")
	mutedColor  = lipgloss.Color("#6B7B8C")
	errorColor  = lipgloss.Color("#e53935")

	headerStyle = lipgloss.NewStyle().Bold(true).Padding(0, 1)
	cellStyle   = lipgloss.NewStyle().Padding(0, 1)
	titleStyle  = lipgloss.NewStyle().Bold(true).Foreground(borderColor)
	mutedStyle  = lipgloss.NewStyle().Foreground(mutedColor)
	errorStyle  = lipgloss.NewStyle().Foreground(errorColor)
	boxStyle    = lipgloss.NewStyle().Border(lipgloss.RoundedBorder()).BorderForeground(borderColor).Padding(0, 1)
)

// maxRenderRows caps how many rows a rendered table shows.
var maxRenderRows = 20

func newTable(headers ...string) *table.Table {
	return table.New().
		Border(lipgloss.RoundedBorder()).
		BorderStyle(lipgloss.NewStyle().Foreground(borderColor)).
		StyleFunc(func(row, col int) lipgloss.Style {
			if row == table.HeaderRow {
				return headerStyle
			}
			return cellStyle
		}).
		Headers(headers...)
}

func renderFrame(t *frame.Table) string {
	view := t.Head(maxRenderRows)
	cols := view.Columns()
	tbl := newTable(view.Names()...)
	for i := 0; i < view.NumRows(); i++ {
		row := make([]string, len(cols))
		for j, c := range cols {
			row[j] = frame.FormatValue(c.Value(i))
		}
		tbl.Row(row...)
	}
	out := tbl.String()
	if hidden := t.NumRows() - view.NumRows(); hidden > 0 {
		out += "\n" + mutedStyle.Render(fmt.Sprintf("... %d more rows", hidden))
	}
	return out
}

// renderValue renders any operation result.
func renderValue(name string, v any) string {
	switch x := v.(type) {
	case *frame.Table:
		return titleStyle.Render(name) + "\n" + renderFrame(x)
	case []*frame.Table:
		parts := make([]string, len(x))
		for i, t := range x {
			parts[i] = titleStyle.Render(fmt.Sprintf("%s[%d]", name, i)) + "\n" + renderFrame(t)
		}
		return strings.Join(parts, "\n")
	case nil:
		return mutedStyle.Render(name + ": no value")
	default:
		return boxStyle.Render(fmt.Sprintf("%s = %s", name, frame.FormatValue(x)))
	}
}

func renderSteps(steps []executor.StepReport) string {
	tbl := newTable("#", "Output", "Operation", "Inputs", "Status", "Time", "Error")
	for _, s := range steps {
		status := s.Status.String()
		if s.Repaired {
			status += " (repaired)"
		}
		errText := ""
		if s.Err != nil {
			errText = errorStyle.Render(firstLine(s.Err.Error()))
		}
		tbl.Row(
			fmt.Sprint(s.Index+1),
			s.Output,
			s.Op,
			strings.Join(s.Inputs, ", "),
			status,
			s.Duration.Round(10*time.Microsecond).String(),
			errText,
		)
	}
	return tbl.String()
}

func renderCatalog() string {
	var sb strings.Builder
	var current ops.Category
	var tbl *table.Table
	flush := func() {
		if tbl != nil {
			sb.WriteString(tbl.String())
			sb.WriteString("\n")
		}
	}
	for _, s := range ops.Specs() {
		if s.Category != current {
			flush()
			current = s.Category
			sb.WriteString(titleStyle.Render(string(current)))
			sb.WriteString("\n")
			tbl = newTable("Operation", "Description")
		}
		tbl.Row(s.Signature(), s.Doc)
	}
	flush()
	return sb.String()
}

// renderMarkdown renders generator prose for the terminal, falling back to
// the raw text when no renderer can be built.
func renderMarkdown(w io.Writer, md string) {
	r, err := glamour.NewTermRenderer(
		glamour.WithAutoStyle(),
		glamour.WithWordWrap(80),
	)
	if err == nil {
		if out, err := r.Render(md); err == nil {
			fmt.Fprint(w, out)
			return
		}
	}
	fmt.Fprintln(w, md)
}

func firstLine(s string) string {
	line, _, _ := strings.Cut(s, "\n")
	return line
}
