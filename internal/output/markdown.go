package output

import (
	"strings"

	"github.com/quotaguard/quotaguard/internal/core"
)

// MarkdownFormatter renders snapshots as a markdown table.
type MarkdownFormatter struct{}

// FormatSnapshots renders snapshots as Markdown.
func (f *MarkdownFormatter) FormatSnapshots(snapshots []core.ScopeSnapshot) (string, error) {
	var sb strings.Builder
	sb.WriteString("## Governor scopes\n\n")
	if len(snapshots) == 0 {
		sb.WriteString("_No scopes have been governed yet._\n")
		return sb.String(), nil
	}

	writeMarkdownRow(&sb, rowHeader)
	sep := make([]string, len(rowHeader))
	for i := range sep {
		sep[i] = "---"
	}
	writeMarkdownRow(&sb, sep)

	for _, s := range snapshots {
		writeMarkdownRow(&sb, rowFor(s).cells())
	}
	return sb.String(), nil
}

func writeMarkdownRow(sb *strings.Builder, cells []string) {
	sb.WriteString("|")
	for _, c := range cells {
		sb.WriteString(" ")
		sb.WriteString(escapeMarkdownCell(c))
		sb.WriteString(" |")
	}
	sb.WriteString("\n")
}

func escapeMarkdownCell(value string) string {
	return strings.ReplaceAll(value, "|", "\\|")
}
