package output

import (
	"fmt"

	"github.com/jedib0t/go-pretty/v6/table"

	"github.com/quotaguard/quotaguard/internal/core"
)

// TableFormatter renders snapshots as an ASCII table.
type TableFormatter struct{}

// FormatSnapshots renders snapshots as a table.
func (f *TableFormatter) FormatSnapshots(snapshots []core.ScopeSnapshot) (string, error) {
	t := table.NewWriter()
	t.SetStyle(table.StyleRounded)

	header := make(table.Row, 0, len(rowHeader))
	for _, h := range rowHeader {
		header = append(header, h)
	}
	t.AppendHeader(header)

	blocked := 0
	for _, s := range snapshots {
		row := rowFor(s)
		cells := make(table.Row, 0, len(rowHeader))
		for _, c := range row.cells() {
			cells = append(cells, c)
		}
		t.AppendRow(cells)
		if row.BlockedUntil != "-" {
			blocked++
		}
	}

	t.AppendFooter(table.Row{
		fmt.Sprintf("%d scopes", len(snapshots)),
		"", "", "",
		fmt.Sprintf("%d blocked", blocked),
		"", "",
	})

	return t.Render(), nil
}
