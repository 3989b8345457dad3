package admin

import (
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/agor/agor/internal/command"
	"github.com/agor/agor/internal/common/logger"
	"github.com/agor/agor/internal/unixisolation"
)

func newCreateWorktreeGroupCmd(log *logger.Logger) *cobra.Command {
	var worktreeID string
	var dryRun, verbose bool

	cmd := &cobra.Command{
		Use:   "create-worktree-group",
		Short: "Idempotently create the agor_wt_<hex8> group for a worktree",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			l := log.WithFields(zap.String("subcommand", "create-worktree-group"))
			runner := buildRunner(l, dryRun, verbose)

			group := unixisolation.WorktreeGroupName(worktreeID)

			exists, err := command.Check(ctx, runner, unixisolation.GroupExists(group))
			if err != nil {
				return fmt.Errorf("probe group %s: %w", group, err)
			}
			if exists {
				l.Info("group already exists, nothing to do", zap.String("group", group))
				return nil
			}

			if _, err := command.Exec(ctx, runner, unixisolation.CreateGroup(group)); err != nil {
				return fmt.Errorf("create group %s: %w", group, err)
			}
			l.Info("group created", zap.String("group", group))
			return nil
		},
	}

	cmd.Flags().StringVar(&worktreeID, "worktree-id", "", "worktree id to derive the group name from")
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "log intent without mutating")
	cmd.Flags().BoolVar(&verbose, "verbose", false, "log every command run")
	_ = cmd.MarkFlagRequired("worktree-id")

	return cmd
}

func newDeleteWorktreeGroupCmd(log *logger.Logger) *cobra.Command {
	var group string
	var dryRun, verbose bool

	cmd := &cobra.Command{
		Use:   "delete-worktree-group",
		Short: "Idempotently remove a worktree's agor_wt_<hex8> group",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			l := log.WithFields(zap.String("subcommand", "delete-worktree-group"))
			runner := buildRunner(l, dryRun, verbose)

			exists, err := command.Check(ctx, runner, unixisolation.GroupExists(group))
			if err != nil {
				return fmt.Errorf("probe group %s: %w", group, err)
			}
			if !exists {
				l.Info("group already gone, nothing to do", zap.String("group", group))
				return nil
			}

			if _, err := command.Exec(ctx, runner, unixisolation.DeleteGroup(group)); err != nil {
				return fmt.Errorf("delete group %s: %w", group, err)
			}
			l.Info("group deleted", zap.String("group", group))
			return nil
		},
	}

	cmd.Flags().StringVar(&group, "group", "", "group name to remove")
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "log intent without mutating")
	cmd.Flags().BoolVar(&verbose, "verbose", false, "log every command run")
	_ = cmd.MarkFlagRequired("group")

	return cmd
}

func newRemoveFromWorktreeGroupCmd(log *logger.Logger) *cobra.Command {
	var username, group string
	var dryRun, verbose bool

	cmd := &cobra.Command{
		Use:   "remove-from-worktree-group",
		Short: "Idempotently remove a user's secondary membership in a worktree group",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			l := log.WithFields(zap.String("subcommand", "remove-from-worktree-group"))
			runner := buildRunner(l, dryRun, verbose)

			member, err := command.Check(ctx, runner, unixisolation.IsUserInGroup(username, group))
			if err != nil {
				return fmt.Errorf("probe membership of %s in %s: %w", username, group, err)
			}
			if !member {
				l.Info("user already not a member, nothing to do", zap.String("username", username), zap.String("group", group))
				return nil
			}

			if _, err := command.Exec(ctx, runner, unixisolation.RemoveUserFromGroup(username, group)); err != nil {
				return fmt.Errorf("remove %s from %s: %w", username, group, err)
			}
			l.Info("user removed from group", zap.String("username", username), zap.String("group", group))
			return nil
		},
	}

	cmd.Flags().StringVar(&username, "username", "", "unix username")
	cmd.Flags().StringVar(&group, "group", "", "worktree group name")
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "log intent without mutating")
	cmd.Flags().BoolVar(&verbose, "verbose", false, "log every command run")
	_ = cmd.MarkFlagRequired("username")
	_ = cmd.MarkFlagRequired("group")

	return cmd
}
