package command

import (
	"context"
	"errors"
)

// ErrSudoCliUnsupportsInput reports an ExecWithInput call against a SudoCli
// runner (or a wrapper around one). §4.1 reserves stdin-piped secrets for
// Direct/SudoDirect: SudoCli routes through `sudo -n agor admin <subcommand>
// <args>`, and the Admin Gateway subcommands it invokes take no stdin input
// of their own, so a secret piped there would simply be discarded rather
// than reaching anything that could use it.
var ErrSudoCliUnsupportsInput = errors.New("ExecWithInput is unsupported by SudoCli")

// unwrapper is implemented by the Runner wrappers (Logging, DryRun,
// Throwing) so ExecWithInput can see past them to the underlying Runner.
type unwrapper interface {
	Unwrap() Runner
}

func usesSudoCli(r Runner) bool {
	for {
		if _, ok := r.(SudoCli); ok {
			return true
		}
		u, ok := r.(unwrapper)
		if !ok {
			return false
		}
		r = u.Unwrap()
	}
}

// Exec runs a single command and returns its Result as-is (no error on
// non-zero exit unless the Runner is wrapped in Throwing).
func Exec(ctx context.Context, r Runner, spec Spec) (Result, error) {
	return r.Run(ctx, spec)
}

// ExecAll runs specs sequentially, stopping at the first error (including
// a *CommandError when r is wrapped in Throwing). Returns every Result
// gathered so far, including the one that failed.
func ExecAll(ctx context.Context, r Runner, specs []Spec) ([]Result, error) {
	results := make([]Result, 0, len(specs))
	for _, spec := range specs {
		result, err := r.Run(ctx, spec)
		results = append(results, result)
		if err != nil {
			return results, err
		}
	}
	return results, nil
}

// ExecWithInput runs spec with secret piped over stdin rather than placed
// on the command line, where it would be visible to other users via `ps`.
// Unsupported by SudoCli (§4.1); returns ErrSudoCliUnsupportsInput rather
// than silently running without the secret reaching anything.
func ExecWithInput(ctx context.Context, r Runner, spec Spec, secret []byte) (Result, error) {
	if usesSudoCli(r) {
		return Result{}, ErrSudoCliUnsupportsInput
	}
	spec.Stdin = secret
	return r.Run(ctx, spec)
}

// ExecSync is an alias for Exec kept for call sites that want to make the
// blocking nature of the call explicit (Runner.Run always blocks until the
// child exits or ctx is cancelled; there is no async variant).
func ExecSync(ctx context.Context, r Runner, spec Spec) (Result, error) {
	return Exec(ctx, r, spec)
}

// Check runs spec and reports only whether it exited zero, for use in
// idempotent admin subcommands that probe pre-state before mutating
// (e.g. "does this unix user already exist").
func Check(ctx context.Context, r Runner, spec Spec) (bool, error) {
	result, err := r.Run(ctx, spec)
	if err != nil {
		return false, err
	}
	return result.ExitCode == 0, nil
}
