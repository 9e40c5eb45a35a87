package repair

import (
	"fmt"
	"strings"
	"unicode/utf8"
)

// Feedback is what the next prompt is built from after a failed attempt.
type Feedback struct {
	Code        string
	Trace       string
	Tables      string
	Attempt     int
	MaxAttempts int
}

// PromptBuilder renders feedback prompts.
type PromptBuilder struct {
	// TraceLimit bounds the number of trace characters embedded.
	TraceLimit int
	// SimplifyOnLastAttempt adds a simplification section before the last
	// attempt.
	SimplifyOnLastAttempt bool
}

// Build renders the prompt for the attempt after fb.Attempt.
func (pb PromptBuilder) Build(fb Feedback) string {
	var sb strings.Builder

	sb.WriteString("The previous Go code failed to execute.\n\n")
	sb.WriteString("## Code that failed:\n```go\n")
	sb.WriteString(strings.TrimSpace(fb.Code))
	sb.WriteString("\n```\n\n")

	sb.WriteString("## Error (truncated):\n```\n")
	sb.WriteString(truncate(fb.Trace, pb.TraceLimit))
	sb.WriteString("\n```\n\n")

	sb.WriteString("## Available tables:\n```json\n")
	sb.WriteString(strings.TrimSpace(fb.Tables))
	sb.WriteString("\n```\n\n")

	sb.WriteString("## Instructions:\n")
	sb.WriteString("- DO NOT redefine or reload any table (D1, D2, ...); they are already in env.Tables.\n")
	sb.WriteString("- Produce a fresh, fully runnable program that fixes the error above.\n")
	sb.WriteString("- The program must run end to end without loading data itself.\n")
	sb.WriteString("- Always print the final result (env.Show for tables, env.Println otherwise).\n")
	sb.WriteString("- Output ONLY the corrected Go code. No explanations.\n")

	next := fb.Attempt + 1
	if pb.SimplifyOnLastAttempt && fb.MaxAttempts > 0 && next >= fb.MaxAttempts {
		sb.WriteString("\n## FINAL ATTEMPT - Simplification Required:\n")
		sb.WriteString(fmt.Sprintf("This is attempt %d of %d. Please:\n", next, fb.MaxAttempts))
		sb.WriteString("1. Use only tables listed above and only columns they contain\n")
		sb.WriteString("2. Prefer env.Apply with catalog operations over hand-written loops\n")
		sb.WriteString("3. Keep the program as short as possible\n")
	}
	return sb.String()
}

// truncate keeps the first limit bytes of s, never splitting a UTF-8 rune.
func truncate(s string, limit int) string {
	s = strings.TrimSpace(s)
	if limit <= 0 || len(s) <= limit {
		return s
	}
	cut := limit
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + "\n... (truncated)"
}
