// Package admin implements the Admin Gateway (C3): the narrow, idempotent
// set of privileged sub-commands invoked as `sudo -n agor admin <subcommand>`
// (command.SudoCli), the only path by which the daemon triggers the Unix
// Isolation Layer (C2). Grounded on giantswarm-klaus's cmd/root.go cobra
// tree, adapted from one app-wide root command into a narrow subcommand
// group with its own --dry-run/--verbose flags per spec.md §6.
package admin

import (
	"github.com/spf13/cobra"

	"github.com/agor/agor/internal/common/logger"
)

// NewCommand builds the `admin` subcommand tree. log is the parent process's
// logger; each subcommand derives its own component-scoped logger from it.
func NewCommand(log *logger.Logger) *cobra.Command {
	root := &cobra.Command{
		Use:          "admin",
		Short:        "Privileged Unix isolation operations (invoked via sudo -n)",
		SilenceUsage: true,
	}

	root.AddCommand(
		newCreateWorktreeGroupCmd(log),
		newDeleteWorktreeGroupCmd(log),
		newEnsureUserCmd(log),
		newDeleteUserCmd(log),
		newRemoveFromWorktreeGroupCmd(log),
		newRemoveSymlinkCmd(log),
		newSyncUserSymlinksCmd(log),
	)

	return root
}
