package admin

import (
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/agor/agor/internal/command"
	"github.com/agor/agor/internal/common/logger"
	"github.com/agor/agor/internal/unixisolation"
)

const defaultHomeBase = "/home"

func newEnsureUserCmd(log *logger.Logger) *cobra.Command {
	var username, homeBase string
	var dryRun, verbose bool

	cmd := &cobra.Command{
		Use:   "ensure-user",
		Short: "Idempotently create a Unix user and its worktrees directory",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			l := log.WithFields(zap.String("subcommand", "ensure-user"))

			if !unixisolation.ValidUsername(username) {
				return fmt.Errorf("invalid unix username %q", username)
			}
			if homeBase == "" {
				homeBase = defaultHomeBase
			}
			runner := buildRunner(l, dryRun, verbose)

			exists, err := command.Check(ctx, runner, unixisolation.UserExists(username))
			if err != nil {
				return fmt.Errorf("probe user %s: %w", username, err)
			}
			if !exists {
				if _, err := command.Exec(ctx, runner, unixisolation.EnsureUser(username, homeBase)); err != nil {
					return fmt.Errorf("create user %s: %w", username, err)
				}
				l.Info("user created", zap.String("username", username))
			} else {
				l.Info("user already exists, nothing to do", zap.String("username", username))
			}

			if _, err := command.Exec(ctx, runner, unixisolation.SetupWorktreesDir(username, homeBase)); err != nil {
				return fmt.Errorf("set up worktrees dir for %s: %w", username, err)
			}
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

func newDeleteUserCmd(log *logger.Logger) *cobra.Command {
	var username string
	var deleteHome, dryRun, verbose bool

	cmd := &cobra.Command{
		Use:   "delete-user",
		Short: "Idempotently remove a Unix user",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			l := log.WithFields(zap.String("subcommand", "delete-user"))
			runner := buildRunner(l, dryRun, verbose)

			exists, err := command.Check(ctx, runner, unixisolation.UserExists(username))
			if err != nil {
				return fmt.Errorf("probe user %s: %w", username, err)
			}
			if !exists {
				l.Info("user already gone, nothing to do", zap.String("username", username))
				return nil
			}

			spec := unixisolation.DeleteUser(username)
			if deleteHome {
				spec = unixisolation.DeleteUserWithHome(username)
			}
			if _, err := command.Exec(ctx, runner, spec); err != nil {
				return fmt.Errorf("delete user %s: %w", username, err)
			}
			l.Info("user deleted", zap.String("username", username), zap.Bool("delete_home", deleteHome))
			return nil
		},
	}

	cmd.Flags().StringVar(&username, "username", "", "unix username")
	cmd.Flags().BoolVar(&deleteHome, "delete-home", false, "also remove the user's home directory")
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "log intent without mutating")
	cmd.Flags().BoolVar(&verbose, "verbose", false, "log every command run")
	_ = cmd.MarkFlagRequired("username")

	return cmd
}
