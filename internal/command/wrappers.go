package command

import (
	"context"

	"go.uber.org/zap"

	"github.com/agor/agor/internal/common/logger"
)

// Logging wraps a Runner, logging every invocation and its outcome.
type Logging struct {
	Inner Runner
	Log   *logger.Logger
}

// Unwrap exposes the wrapped Runner so callers (ExecWithInput's SudoCli
// check) can see through the wrapper chain.
func (l Logging) Unwrap() Runner { return l.Inner }

func (l Logging) Run(ctx context.Context, spec Spec) (Result, error) {
	l.Log.Debug("running command", zap.String("command", spec.String()), zap.String("dir", spec.Dir))

	result, err := l.Inner.Run(ctx, spec)
	if err != nil {
		l.Log.Error("command failed to start", zap.String("command", spec.String()), zap.Error(err))
		return result, err
	}

	if result.ExitCode != 0 {
		l.Log.Warn("command exited non-zero",
			zap.String("command", spec.String()),
			zap.Int("exit_code", result.ExitCode),
			zap.String("stderr", result.Stderr))
	} else {
		l.Log.Debug("command completed", zap.String("command", spec.String()))
	}
	return result, err
}

// ReadOnlyClassifier reports whether a Spec mutates system state. DryRun
// uses it to decide whether a command must actually run (probes, "check"
// style reads) or can be simulated.
type ReadOnlyClassifier func(spec Spec) bool

// DryRun replaces side-effectful calls with logged intent while still
// running read-only probes (e.g. `id -nG`, `getent passwd`) for real, so
// a dry-run admin invocation reports accurate pre-state.
type DryRun struct {
	Inner     Runner
	Log       *logger.Logger
	ReadOnly  ReadOnlyClassifier
}

// Unwrap exposes the wrapped Runner so callers (ExecWithInput's SudoCli
// check) can see through the wrapper chain.
func (d DryRun) Unwrap() Runner { return d.Inner }

func (d DryRun) Run(ctx context.Context, spec Spec) (Result, error) {
	if d.ReadOnly != nil && d.ReadOnly(spec) {
		return d.Inner.Run(ctx, spec)
	}

	d.Log.Info("dry-run: would execute", zap.String("command", spec.String()), zap.String("dir", spec.Dir))
	return Result{ExitCode: 0}, nil
}

// Throwing wraps a Runner, converting a non-zero exit code into a
// *CommandError rather than a successful Result.
type Throwing struct {
	Inner Runner
}

// Unwrap exposes the wrapped Runner so callers (ExecWithInput's SudoCli
// check) can see through the wrapper chain.
func (t Throwing) Unwrap() Runner { return t.Inner }

func (t Throwing) Run(ctx context.Context, spec Spec) (Result, error) {
	result, err := t.Inner.Run(ctx, spec)
	if err != nil {
		return result, err
	}
	if result.ExitCode != 0 {
		return result, &CommandError{
			Command:  spec.String(),
			Stdout:   result.Stdout,
			Stderr:   result.Stderr,
			ExitCode: result.ExitCode,
		}
	}
	return result, nil
}
