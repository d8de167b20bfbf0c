package storage

import (
	"encoding/json"
	"fmt"
	"strings"
)

// ExportMarkdown renders runs as a markdown report, one section per run.
func ExportMarkdown(runs []Run) string {
	var b strings.Builder

	b.WriteString("# jvis runs\n\n")
	if len(runs) == 0 {
		b.WriteString("No runs recorded.\n")
		return b.String()
	}

	for _, r := range runs {
		b.WriteString(fmt.Sprintf("## %s\n\n", r.ID))
		b.WriteString(fmt.Sprintf("- **Status:** %s\n", r.Status))
		b.WriteString(fmt.Sprintf("- **Session:** %s\n", r.SessionID))
		b.WriteString(fmt.Sprintf("- **Mode:** %s\n", r.Mode))
		b.WriteString(fmt.Sprintf("- **Entry:** `%s`\n", r.Entry))
		b.WriteString(fmt.Sprintf("- **Started:** %s\n", r.StartedAt.Format("2006-01-02 15:04:05")))
		if r.FinishedAt != nil {
			b.WriteString(fmt.Sprintf("- **Finished:** %s\n", r.FinishedAt.Format("2006-01-02 15:04:05")))
		}
		if r.Message != "" {
			b.WriteString(fmt.Sprintf("\n```\n%s\n```\n", r.Message))
		}
		b.WriteString("\n")
	}

	return b.String()
}

// ExportJSON renders runs as formatted JSON.
func ExportJSON(runs []Run) ([]byte, error) {
	if runs == nil {
		runs = []Run{}
	}
	export := struct {
		Count int   `json:"count"`
		Runs  []Run `json:"runs"`
	}{
		Count: len(runs),
		Runs:  runs,
	}
	return json.MarshalIndent(export, "", "  ")
}
