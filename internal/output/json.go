package output

import (
	"encoding/json"

	"github.com/quotaguard/quotaguard/internal/core"
)

// JSONFormatter renders snapshots as JSON.
type JSONFormatter struct {
	Indent bool
}

// FormatSnapshots renders snapshots as a JSON array.
func (f *JSONFormatter) FormatSnapshots(snapshots []core.ScopeSnapshot) (string, error) {
	if snapshots == nil {
		snapshots = []core.ScopeSnapshot{}
	}

	var (
		data []byte
		err  error
	)

	if f.Indent {
		data, err = json.MarshalIndent(snapshots, "", "  ")
	} else {
		data, err = json.Marshal(snapshots)
	}
	if err != nil {
		return "", err
	}

	return string(data), nil
}
