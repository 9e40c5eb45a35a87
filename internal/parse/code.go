package parse

import (
	"regexp"
	"strings"
)

var (
	goFencePattern  = regexp.MustCompile("(?s)```(?:go|golang)[ \t]*\r?\n(.*?)```")
	anyFencePattern = regexp.MustCompile("(?s)```[A-Za-z0-9_+-]*[ \t]*\r?\n(.*?)```")
)

// Code extracts an executable payload from generator output: the last Go
// fenced block, else the first fenced block of any language, else the
// trimmed text.
func Code(text string) string {
	if blocks := goFencePattern.FindAllStringSubmatch(text, -1); len(blocks) > 0 {
		return strings.TrimSpace(blocks[len(blocks)-1][1])
	}
	if m := anyFencePattern.FindStringSubmatch(text); m != nil {
		return strings.TrimSpace(m[1])
	}
	return strings.TrimSpace(text)
}
