package cmd

import (
	stderrors "errors"
	"fmt"
	"os"

	"github.com/fulmenhq/gofulmen/errors"
	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/fulmenhq/gofulmen/logging"
	"go.uber.org/zap"

	"github.com/quotaguard/quotaguard/internal/core/governor"
	apperrors "github.com/quotaguard/quotaguard/internal/errors"
)

// ExitCodeFor maps a command error to a foundry exit code by its envelope code.
func ExitCodeFor(err error) foundry.ExitCode {
	if stderrors.Is(err, governor.ErrLocalThrottle) || stderrors.Is(err, governor.ErrUpstreamThrottle) {
		return foundry.ExitExternalServiceUnavailable
	}
	var envelope *errors.ErrorEnvelope
	if !stderrors.As(err, &envelope) {
		return foundry.ExitFailure
	}
	switch envelope.Code {
	case apperrors.CodeConfigInvalid:
		return foundry.ExitConfigInvalid
	case apperrors.CodeInvalidInput, apperrors.CodeValidationFailed:
		return foundry.ExitInvalidArgument
	case apperrors.CodeDatabase:
		return foundry.ExitDatabaseUnavailable
	case apperrors.CodeRateLimited, apperrors.CodeUpstreamRateLimited, apperrors.CodeExternalService:
		return foundry.ExitExternalServiceUnavailable
	case apperrors.CodeTimeout:
		return foundry.ExitOperationTimeout
	}
	return foundry.ExitFailure
}

// ExitWithCode logs err with foundry exit code metadata and exits the process.
// A nil logger falls back to stderr.
func ExitWithCode(logger *logging.Logger, exitCode foundry.ExitCode, msg string, err error) {
	info, ok := foundry.GetExitCodeInfo(exitCode)
	if !ok {
		fmt.Fprintf(os.Stderr, "FATAL: %s: %v (exit code: %d)\n", msg, err, exitCode)
		os.Exit(int(exitCode))
	}

	if logger == nil {
		writeFatal(msg, err)
		fmt.Fprintf(os.Stderr, "Exit Code: %d (%s) - %s\n", info.Code, info.Name, info.Description)
		os.Exit(info.Code)
	}

	fields := []zap.Field{
		zap.Int("exit_code", info.Code),
		zap.String("exit_name", info.Name),
		zap.String("exit_category", info.Category),
	}

	var envelope *errors.ErrorEnvelope
	if stderrors.As(err, &envelope) {
		fields = append(fields,
			zap.String("error_code", envelope.Code),
			zap.String("error_message", envelope.Message),
			zap.String("correlation_id", envelope.CorrelationID),
		)
		if envelope.Context != nil {
			fields = append(fields, zap.Any("error_context", envelope.Context))
		}
		if original, ok := envelope.Original.(error); ok {
			err = original
		}
	}

	fields = append(fields, zap.Error(err))
	logger.Error(msg, fields...)
	os.Exit(info.Code)
}

// ExitWithCodeStderr is ExitWithCode for failures before the logger exists.
func ExitWithCodeStderr(exitCode foundry.ExitCode, msg string, err error) {
	info, ok := foundry.GetExitCodeInfo(exitCode)
	if !ok {
		writeFatal(msg, err)
		os.Exit(int(exitCode))
	}

	writeFatal(msg, err)
	fmt.Fprintf(os.Stderr, "Exit Code: %d (%s) - %s\n", info.Code, info.Name, info.Description)
	os.Exit(info.Code)
}

func writeFatal(msg string, err error) {
	var envelope *errors.ErrorEnvelope
	switch {
	case err == nil:
		fmt.Fprintf(os.Stderr, "FATAL: %s\n", msg)
	case stderrors.As(err, &envelope):
		fmt.Fprintf(os.Stderr, "FATAL: %s [%s]: %s (correlation: %s)\n",
			msg, envelope.Code, envelope.Message, envelope.CorrelationID)
		if original, ok := envelope.Original.(error); ok {
			fmt.Fprintf(os.Stderr, "Underlying error: %v\n", original)
		}
	default:
		fmt.Fprintf(os.Stderr, "FATAL: %s: %v\n", msg, err)
	}
}
