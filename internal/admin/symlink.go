package admin

import (
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/agor/agor/internal/command"
	"github.com/agor/agor/internal/common/logger"
	"github.com/agor/agor/internal/unixisolation"
)

func newRemoveSymlinkCmd(log *logger.Logger) *cobra.Command {
	var username, worktreeName, homeBase string
	var dryRun, verbose bool

	cmd := &cobra.Command{
		Use:   "remove-symlink",
		Short: "Remove the worktree symlink inside a user's home directory",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			l := log.WithFields(zap.String("subcommand", "remove-symlink"))
			if homeBase == "" {
				homeBase = defaultHomeBase
			}
			runner := buildRunner(l, dryRun, verbose)

			linkPath := unixisolation.WorktreeSymlinkPath(homeBase, username, worktreeName)
			// rm -f is inherently idempotent; no pre-state probe is needed.
			if _, err := command.Exec(ctx, runner, unixisolation.RemoveSymlink(linkPath)); err != nil {
				return fmt.Errorf("remove symlink %s: %w", linkPath, err)
			}
			l.Info("symlink removed", zap.String("path", linkPath))
			return nil
		},
	}

	cmd.Flags().StringVar(&username, "username", "", "unix username")
	cmd.Flags().StringVar(&worktreeName, "worktree-name", "", "worktree slug")
	cmd.Flags().StringVar(&homeBase, "home-base", "", "home directory root (default /home)")
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "log intent without mutating")
	cmd.Flags().BoolVar(&verbose, "verbose", false, "log every command run")
	_ = cmd.MarkFlagRequired("username")
	_ = cmd.MarkFlagRequired("worktree-name")

	return cmd
}

func newSyncUserSymlinksCmd(log *logger.Logger) *cobra.Command {
	var username, homeBase string
	var dryRun, verbose bool

	cmd := &cobra.Command{
		Use:   "sync-user-symlinks",
		Short: "Garbage-collect broken worktree symlinks left by destroyed worktrees",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			l := log.WithFields(zap.String("subcommand", "sync-user-symlinks"))
			if homeBase == "" {
				homeBase = defaultHomeBase
			}
			runner := buildRunner(l, dryRun, verbose)

			dir := unixisolation.WorktreesDir(homeBase, username)
			if _, err := command.Exec(ctx, runner, unixisolation.RemoveBrokenSymlinks(dir)); err != nil {
				return fmt.Errorf("sync symlinks under %s: %w", dir, err)
			}
			l.Info("broken symlinks pruned", zap.String("dir", dir))
			return nil
		},
	}

	cmd.Flags().StringVar(&username, "username", "", "unix username")
	cmd.Flags().StringVar(&homeBase, "home-base", "", "home directory root (default /home)")
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "log intent without mutating")
	cmd.Flags().BoolVar(&verbose, "verbose", false, "log every command run")
	_ = cmd.MarkFlagRequired("username")

	return cmd
}
