package pipeline

import (
	"fmt"
	"sort"
	"strings"
)

const plannerSystem = "You are an analytical planner. Answer with numbered steps only, no explanations or commentary."

const compilerSystem = "You are an analysis compiler. Answer with a single JSON array and nothing else."

const summarySystem = "You are an analytical assistant. Be short and factual."

func planPrompt(query string, headers map[string][]string) string {
	names := make([]string, 0, len(headers))
	for n := range headers {
		names = append(names, n)
	}
	sort.Strings(names)

	var sb strings.Builder
	sb.WriteString("Given a query and dataset metadata, write explicit numbered steps to answer the query.\n")
	sb.WriteString("Use this compact line-based format with no explanations or commentary:\n")
	sb.WriteString("Example:\n")
	sb.WriteString("1) D1[STATE,YEAR,RAINFALL_MM] filter STATE == 'Tamil Nadu'\n")
	sb.WriteString("2) D1 group by YEAR compute mean(RAINFALL_MM)\n")
	sb.WriteString("3) answer = trend(D1.mean_rainfall_mm)\n")
	sb.WriteString("---\n")
	fmt.Fprintf(&sb, "Query: %s\n", query)
	sb.WriteString("Datasets:\n")
	for _, n := range names {
		fmt.Fprintf(&sb, "%s: %s\n", n, strings.Join(headers[n], ", "))
	}
	return sb.String()
}

func compilePrompt(catalog, tables, steps, feedback string) string {
	var sb strings.Builder
	sb.WriteString("Use only the following functions:\n\n")
	sb.WriteString(catalog)
	sb.WriteString("\n\nInput datasets:\n")
	sb.WriteString(tables)
	sb.WriteString("\n\nPlan:\n")
	sb.WriteString(strings.TrimSpace(steps))
	sb.WriteString(`

Output a JSON array of operations.
Each operation must strictly follow this format:
["output_name", "function_name", "input_name", {"arg1": value1, "arg2": value2}]

Rules:
- "output_name" is a short label for storing this step's result (e.g. "filtered", "year_avg", "joined").
- "input_name" is a dataset name or an earlier output_name; use a list for functions taking several tables.
- Use only dataset or output names that exist earlier in the sequence.
- Use only column names that exist in the input at that step.
- Output only the JSON array, no explanations or comments.
`)
	if feedback != "" {
		sb.WriteString("\nYour previous answer was rejected:\n")
		sb.WriteString(feedback)
		sb.WriteString("\nFix it and output the complete corrected array.\n")
	}
	return sb.String()
}

func summaryPrompt(query, results string) string {
	return fmt.Sprintf(`The following is the final analytical output of a local data analysis pipeline.
The user originally asked: %q

Here are the final results:
%s

Write 3-4 short, factual insights that can be derived from this data.
If numerical trends are visible, mention them.
Do NOT say that data is insufficient or uncertain.
End with one clear concluding statement.
`, query, strings.TrimSpace(results))
}

func codePrompt(query, steps, tables string) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Write Go code that answers: %q\n\n", query)
	if strings.TrimSpace(steps) != "" {
		sb.WriteString("Suggested steps:\n")
		sb.WriteString(strings.TrimSpace(steps))
		sb.WriteString("\n\n")
	}
	sb.WriteString("Available tables (already in env.Tables):\n")
	sb.WriteString(tables)
	sb.WriteString("\n\nStore every result table in env.Tables under a new name and print the final answer.\n")
	sb.WriteString("Output only Go code.\n")
	return sb.String()
}

func stepRepairPrompt(step, cause string, schemas map[string][]string) string {
	names := make([]string, 0, len(schemas))
	for n := range schemas {
		names = append(names, n)
	}
	sort.Strings(names)

	var sb strings.Builder
	sb.WriteString("This analysis step failed:\n")
	sb.WriteString(step)
	sb.WriteString("\n\nError:\n")
	sb.WriteString(cause)
	sb.WriteString("\n\nTables and their columns:\n")
	for _, n := range names {
		fmt.Fprintf(&sb, "%s: %s\n", n, strings.Join(schemas[n], ", "))
	}
	sb.WriteString("\nReturn the corrected step as a JSON array of the same shape, keeping the output name.\n")
	sb.WriteString("Output only the JSON array.\n")
	return sb.String()
}
