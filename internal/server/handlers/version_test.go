package handlers

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestVersionHandlerReportsBuildAndBackend(t *testing.T) {
	original := CurrentBuild()
	t.Cleanup(func() { SetVersionInfo(original.Version, original.Commit, original.BuildDate) })
	SetVersionInfo("1.2.3", "abcd123", "2026-01-02T03:04:05Z")

	rec := httptest.NewRecorder()
	handler := VersionHandler{Governor: GovernorInfo{StateBackend: "redis", SharedAdmission: true}}
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/version", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var resp VersionResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	require.Equal(t, "quotaguard", resp.Name)
	require.Equal(t, BuildInfo{Version: "1.2.3", Commit: "abcd123", BuildDate: "2026-01-02T03:04:05Z"}, resp.Build)
	require.Equal(t, "redis", resp.Governor.StateBackend)
	require.True(t, resp.Governor.SharedAdmission)
	require.NotEmpty(t, resp.Dependencies.Gofulmen)
	require.NotEmpty(t, resp.Dependencies.Crucible)
}

func TestVersionHandlerDefaultsToMemoryBackend(t *testing.T) {
	rec := httptest.NewRecorder()
	VersionHandler{}.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/version", nil))

	var resp VersionResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	require.Equal(t, "memory", resp.Governor.StateBackend)
	require.False(t, resp.Governor.SharedAdmission)
}
