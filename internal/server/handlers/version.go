package handlers

import (
	"net/http"
	"runtime"
	"sync"

	"github.com/fulmenhq/gofulmen/crucible"
)

const serviceName = "quotaguard"

var (
	buildMu sync.RWMutex
	build   = BuildInfo{Version: "dev", Commit: "unknown", BuildDate: "unknown"}
)

// BuildInfo is stamped into the binary via ldflags.
type BuildInfo struct {
	Version   string `json:"version"`
	Commit    string `json:"git_commit"`
	BuildDate string `json:"build_date"`
}

// SetVersionInfo records the build reported by GET /version.
func SetVersionInfo(version, commit, buildDate string) {
	buildMu.Lock()
	defer buildMu.Unlock()
	build = BuildInfo{Version: version, Commit: commit, BuildDate: buildDate}
}

// CurrentBuild returns the recorded build.
func CurrentBuild() BuildInfo {
	buildMu.RLock()
	defer buildMu.RUnlock()
	return build
}

// VersionResponse is the body of GET /version.
type VersionResponse struct {
	Name         string       `json:"name"`
	Build        BuildInfo    `json:"build"`
	GoVersion    string       `json:"go_version"`
	Dependencies DepInfo      `json:"dependencies"`
	Governor     GovernorInfo `json:"governor"`
}

type DepInfo struct {
	Gofulmen string `json:"gofulmen"`
	Crucible string `json:"crucible"`
}

// GovernorInfo describes where gate state lives. SharedAdmission is true
// when replicas on the same backend draw on one budget.
type GovernorInfo struct {
	StateBackend    string `json:"state_backend"`
	SharedAdmission bool   `json:"shared_admission"`
}

// VersionHandler serves GET /version.
type VersionHandler struct {
	Governor GovernorInfo
}

func (h VersionHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	deps := crucible.GetVersion()
	governor := h.Governor
	if governor.StateBackend == "" {
		governor.StateBackend = "memory"
	}

	writeJSON(w, http.StatusOK, VersionResponse{
		Name:      serviceName,
		Build:     CurrentBuild(),
		GoVersion: runtime.Version(),
		Dependencies: DepInfo{
			Gofulmen: deps.Gofulmen,
			Crucible: deps.Crucible,
		},
		Governor: governor,
	})
}
