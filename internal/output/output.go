package output

import (
	"fmt"
	"strings"
	"time"

	"github.com/quotaguard/quotaguard/internal/core"
)

// Format represents an output format.
type Format string

const (
	FormatTable    Format = "table"
	FormatJSON     Format = "json"
	FormatMarkdown Format = "markdown"
)

// Formatter renders governor scope snapshots.
type Formatter interface {
	FormatSnapshots(snapshots []core.ScopeSnapshot) (string, error)
}

// ParseFormat validates and normalizes a format string.
func ParseFormat(value string) (Format, error) {
	normalized := strings.ToLower(strings.TrimSpace(value))
	switch normalized {
	case "", string(FormatTable):
		return FormatTable, nil
	case string(FormatJSON):
		return FormatJSON, nil
	case string(FormatMarkdown), "md":
		return FormatMarkdown, nil
	default:
		return "", fmt.Errorf("unsupported output format: %s", value)
	}
}

// NewFormatter returns a formatter for the requested format.
func NewFormatter(format Format) Formatter {
	switch format {
	case FormatJSON:
		return &JSONFormatter{Indent: true}
	case FormatMarkdown:
		return &MarkdownFormatter{}
	default:
		return &TableFormatter{}
	}
}

// snapshotRow is the flattened view shared by the table and markdown formats.
type snapshotRow struct {
	Scope        string
	Calls        string
	WindowReset  string
	LastCall     string
	BlockedUntil string
	NextCall     string
	Cache        string
}

func rowFor(s core.ScopeSnapshot) snapshotRow {
	blocked := "-"
	if s.State.Blocked(s.CapturedAt) {
		blocked = formatTime(*s.State.BlockedUntil)
	}

	next := "now"
	if s.NextCallIn > 0 {
		next = s.NextCallIn.Round(time.Second).String()
		if s.NextCallIn < time.Second {
			next = s.NextCallIn.Round(time.Millisecond).String()
		}
	}

	return snapshotRow{
		Scope:        s.Scope,
		Calls:        fmt.Sprintf("%d", s.State.CallCount),
		WindowReset:  formatTime(s.State.WindowResetAt),
		LastCall:     formatTime(s.State.LastCallAt),
		BlockedUntil: blocked,
		NextCall:     next,
		Cache:        fmt.Sprintf("%d (%d hit / %d miss)", s.Cache.Entries, s.Cache.Hits, s.Cache.Misses),
	}
}

var rowHeader = []string{"Scope", "Calls", "Window Reset", "Last Call", "Blocked Until", "Next Call", "Cache"}

func (r snapshotRow) cells() []string {
	return []string{r.Scope, r.Calls, r.WindowReset, r.LastCall, r.BlockedUntil, r.NextCall, r.Cache}
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.UTC().Format(time.RFC3339)
}
