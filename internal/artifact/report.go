// Package artifact renders terminal job outcomes into plain-text reports and persists them.
package artifact

import (
	"FinDocAnalyzer/internal/models"
	"fmt"
	"sort"
	"strings"
	"time"
)

const reportTitle = "Financial Document Analysis Report"

// Report is everything a rendered report shows.
type Report struct {
	JobID     string
	Query     string
	FilePath  string
	Generated time.Time
	Outcome   models.Outcome
}

// Render produces the report text. The layout is stable; downstream tooling greps it.
func Render(r Report) string {
	var result, errMsg string
	switch v := r.Outcome.(type) {
	case models.Success:
		result = v.Text
		errMsg = "None"
	case models.Failure:
		result = "None"
		errMsg = v.Reason
	}

	var b strings.Builder
	b.WriteString(reportTitle + "\n")
	b.WriteString(strings.Repeat("=", len(reportTitle)) + "\n\n")
	fmt.Fprintf(&b, "Analysis ID: %s\n", r.JobID)
	fmt.Fprintf(&b, "Query: %s\n", r.Query)
	fmt.Fprintf(&b, "Generated: %s\n", r.Generated.UTC().Format("2006-01-02T15:04:05.000000"))
	fmt.Fprintf(&b, "Status: %s\n\n", r.Outcome.Status())
	fmt.Fprintf(&b, "Processing Time: %.2f seconds\n\n", r.Outcome.Duration().Seconds())
	fmt.Fprintf(&b, "Analysis Result:\n%s\n\n", result)
	fmt.Fprintf(&b, "Error Message:\n%s\n\n", errMsg)
	b.WriteString("Metadata:\n")
	for _, line := range metadataLines(models.OutcomeMetadata(r.Outcome)) {
		b.WriteString(line + "\n")
	}
	fmt.Fprintf(&b, "- File Path: %s", orNA(r.FilePath))
	return b.String()
}

func metadataLines(md map[string]interface{}) []string {
	keys := make([]string, 0, len(md))
	for k := range md {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	lines := make([]string, 0, len(keys))
	for _, k := range keys {
		// 页脚已输出 File Path
		if k == "file_path" {
			continue
		}
		lines = append(lines, fmt.Sprintf("- %s: %s", labelFor(k), formatValue(md[k])))
	}
	return lines
}

// labelFor turns "tasks_executed" into "Tasks Executed".
func labelFor(key string) string {
	parts := strings.Split(key, "_")
	for i, p := range parts {
		if p != "" {
			parts[i] = strings.ToUpper(p[:1]) + p[1:]
		}
	}
	return strings.Join(parts, " ")
}

func formatValue(v interface{}) string {
	switch t := v.(type) {
	case nil:
		return "N/A"
	case []string:
		return orNA(strings.Join(t, ", "))
	case []interface{}:
		parts := make([]string, len(t))
		for i, e := range t {
			parts[i] = fmt.Sprint(e)
		}
		return orNA(strings.Join(parts, ", "))
	default:
		return fmt.Sprint(t)
	}
}

func orNA(s string) string {
	if s == "" {
		return "N/A"
	}
	return s
}
