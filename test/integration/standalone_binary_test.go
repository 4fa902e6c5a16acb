package integration

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/quotaguard/quotaguard/internal/core"
	"github.com/quotaguard/quotaguard/internal/core/redisstore"
)

// buildBinary compiles cmd/quotaguard and copies it outside the repo so no
// repo-relative config or identity files are picked up.
func buildBinary(t *testing.T) string {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("standalone binary tests are unix-only")
	}

	goMod, err := exec.Command("go", "env", "GOMOD").Output()
	require.NoError(t, err)
	repoRoot := filepath.Dir(strings.TrimSpace(string(goMod)))
	require.NotEqual(t, ".", repoRoot)

	built := filepath.Join(t.TempDir(), "quotaguard")
	build := exec.Command("go", "build",
		"-ldflags", "-X main.version=9.9.9-test",
		"-o", built, "./cmd/quotaguard")
	build.Dir = repoRoot
	build.Env = os.Environ()
	out, err := build.CombinedOutput()
	require.NoError(t, err, "go build: %s", out)

	data, err := os.ReadFile(built)
	require.NoError(t, err)
	copied := filepath.Join(t.TempDir(), "quotaguard")
	require.NoError(t, os.WriteFile(copied, data, 0o755))
	return copied
}

func runBinary(t *testing.T, binary string, env []string, args ...string) (string, int) {
	t.Helper()
	cmd := exec.Command(binary, args...)
	cmd.Dir = t.TempDir()
	cmd.Env = append([]string{
		"HOME=" + t.TempDir(),
		"XDG_CONFIG_HOME=" + t.TempDir(),
		"PATH=" + os.Getenv("PATH"),
	}, env...)
	out, err := cmd.CombinedOutput()
	if exitErr, ok := err.(*exec.ExitError); ok {
		return string(out), exitErr.ExitCode()
	}
	require.NoError(t, err)
	return string(out), 0
}

func TestStandaloneBinary(t *testing.T) {
	binary := buildBinary(t)

	t.Run("version", func(t *testing.T) {
		out, code := runBinary(t, binary, nil, "version")
		require.Zero(t, code, out)
		require.Contains(t, out, "9.9.9-test")
	})

	t.Run("help lists governor commands", func(t *testing.T) {
		out, code := runBinary(t, binary, nil, "--help")
		require.Zero(t, code, out)
		for _, sub := range []string{"serve", "fetch", "governor", "health"} {
			require.Contains(t, out, sub)
		}
	})

	t.Run("status needs a persistent backend", func(t *testing.T) {
		out, code := runBinary(t, binary, []string{"QUOTAGUARD_STATE_BACKEND=memory"}, "governor", "status")
		require.NotZero(t, code)
		require.Contains(t, out, "keeps no persisted state")
	})

	t.Run("fetch refuses unknown scope", func(t *testing.T) {
		out, code := runBinary(t, binary, nil, "fetch", "me", "--scope", "act_missing")
		require.NotZero(t, code)
		require.Contains(t, out, "act_missing")
	})
}

func TestStandaloneBinaryReadsAndResetsSharedRedisState(t *testing.T) {
	binary := buildBinary(t)

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	states := redisstore.New(rdb)

	ctx := context.Background()
	now := time.Now().UTC()
	require.NoError(t, states.SaveGateState(ctx, "act_1", core.RateLimitState{
		CallCount:     4,
		LastCallAt:    now,
		WindowResetAt: now.Add(time.Hour),
	}))

	env := []string{
		"QUOTAGUARD_STATE_BACKEND=redis",
		"QUOTAGUARD_REDIS_ADDR=" + mr.Addr(),
	}

	out, code := runBinary(t, binary, env, "governor", "status", "--output-format", "json")
	require.Zero(t, code, out)
	require.Contains(t, out, "act_1")

	out, code = runBinary(t, binary, env, "governor", "reset", "--scope", "act_1", "--yes")
	require.Zero(t, code, out)

	state, err := states.LoadGateState(ctx, "act_1")
	require.NoError(t, err)
	require.Nil(t, state)
}
