package cmd

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/stretchr/testify/require"

	"github.com/quotaguard/quotaguard/internal/core/governor"
	apperrors "github.com/quotaguard/quotaguard/internal/errors"
)

func TestExitCodeFor(t *testing.T) {
	ctx := context.Background()
	tests := []struct {
		name string
		err  error
		want foundry.ExitCode
	}{
		{"plain error", errors.New("boom"), foundry.ExitFailure},
		{"config", apperrors.WrapConfigInvalid(ctx, errors.New("bad"), "config reload failed"), foundry.ExitConfigInvalid},
		{"state backend", apperrors.WrapDatabaseError(ctx, errors.New("refused"), "state backend unavailable"), foundry.ExitDatabaseUnavailable},
		{"bad input", apperrors.NewInvalidInputError("scope is required"), foundry.ExitInvalidArgument},
		{"local throttle", &governor.LocalThrottleError{Scope: "act_1"}, foundry.ExitExternalServiceUnavailable},
		{"wrapped upstream throttle", fmt.Errorf("fetch: %w", &governor.UpstreamThrottleError{Scope: "act_1"}), foundry.ExitExternalServiceUnavailable},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.Equal(t, tt.want, ExitCodeFor(tt.err))
		})
	}
}
