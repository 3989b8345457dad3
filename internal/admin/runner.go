package admin

import (
	"strings"

	"github.com/agor/agor/internal/command"
	"github.com/agor/agor/internal/common/logger"
)

// buildRunner composes the command.Runner each subcommand executes against,
// per the --dry-run/--verbose flags every Admin CLI surface accepts
// (spec.md §6). The base Runner is Direct: by the time `agor admin …` runs,
// sudo has already done its job getting the daemon's invocation to root.
func buildRunner(log *logger.Logger, dryRun, verbose bool) command.Runner {
	var runner command.Runner = command.Throwing{Inner: command.Direct{}}

	if dryRun {
		runner = command.DryRun{Inner: runner, Log: log, ReadOnly: isReadOnlyProbe}
	}
	if verbose {
		runner = command.Logging{Inner: runner, Log: log}
	}
	return runner
}

// isReadOnlyProbe classifies the check-style commands this package's
// subcommands run before mutating, so --dry-run still reports accurate
// pre-state (spec.md §4.1's DryRun wrapper contract).
func isReadOnlyProbe(spec command.Spec) bool {
	switch spec.Name {
	case "getent":
		return true
	case "sh":
		// IsUserInGroup builds an `sh -c "id -nG … | … grep -qx …"` probe;
		// everything else this package runs through `sh -c` (SetupWorktreesDir)
		// is mutating.
		return len(spec.Args) > 0 && strings.Contains(spec.Args[len(spec.Args)-1], "id -nG")
	default:
		return false
	}
}
