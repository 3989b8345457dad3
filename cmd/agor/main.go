// Command agor is the operator-facing CLI: it wires in the Admin Gateway
// (C3) as `agor admin <subcommand>` (spec.md §6's `sudo -n agor admin …`
// invocation contract) and a thin `session`/`task` client that dials the
// orchestratord control socket to submit and stop prompts, reusing C4's
// JSON-RPC transport rather than a bespoke HTTP client.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/agor/agor/internal/admin"
	"github.com/agor/agor/internal/common/config"
	"github.com/agor/agor/internal/common/logger"
	"github.com/agor/agor/internal/jsonrpc"
)

func main() {
	log := logger.Default()

	root := &cobra.Command{
		Use:          "agor",
		Short:        "Agor multi-user AI coding agent control plane",
		SilenceUsage: true,
	}

	var socketFlag string
	root.PersistentFlags().StringVar(&socketFlag, "socket", "", "path to the orchestratord control socket (defaults to paths.dataHome/control.sock)")

	root.AddCommand(admin.NewCommand(log))
	root.AddCommand(newSessionCmd(&socketFlag))
	root.AddCommand(newTaskCmd(&socketFlag))

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// resolveSocket falls back to the configured data home when --socket is
// left unset, mirroring orchestratord's own controlSocketPath derivation.
func resolveSocket(socketFlag string) (string, error) {
	if socketFlag != "" {
		return socketFlag, nil
	}
	cfg, err := config.Load()
	if err != nil {
		return "", fmt.Errorf("load configuration: %w", err)
	}
	base := cfg.Paths.DataHome
	if base == "" {
		base = os.TempDir()
	}
	return filepath.Join(base, "control.sock"), nil
}

// call dials the control socket for exactly one request/response round
// trip; the CLI never holds a persistent connection between invocations.
func call(socketFlag, method string, params, result any) error {
	socketPath, err := resolveSocket(socketFlag)
	if err != nil {
		return err
	}

	log := logger.Default()
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	conn, err := jsonrpc.Dial(ctx, socketPath, log, 30*time.Second, nil, nil)
	if err != nil {
		return fmt.Errorf("dial control socket %s: %w", socketPath, err)
	}
	defer conn.Close()

	return conn.Call(ctx, requestID(), method, params, result)
}

// requestID mints a short, process-unique id for one-shot CLI calls; it has
// no meaning beyond matching this request to its response.
func requestID() string {
	return fmt.Sprintf("agor-cli-%d", os.Getpid())
}

func newSessionCmd(socketFlag *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "session",
		Short: "Manage sessions against a running orchestratord",
	}

	var worktreeID, userID, tool string
	createCmd := &cobra.Command{
		Use:   "create",
		Short: "Create a new session bound to a worktree",
		RunE: func(cc *cobra.Command, args []string) error {
			var result json.RawMessage
			params := map[string]string{"worktree_id": worktreeID, "user_id": userID, "agentic_tool": tool}
			if err := call(*socketFlag, "create_session", params, &result); err != nil {
				return err
			}
			fmt.Println(string(result))
			return nil
		},
	}
	createCmd.Flags().StringVar(&worktreeID, "worktree-id", "", "worktree to attach the session to (required)")
	createCmd.Flags().StringVar(&userID, "user-id", "", "creating user (required)")
	createCmd.Flags().StringVar(&tool, "tool", "", "agentic tool: claude-code, codex, gemini, opencode (required)")
	_ = createCmd.MarkFlagRequired("worktree-id")
	_ = createCmd.MarkFlagRequired("user-id")
	_ = createCmd.MarkFlagRequired("tool")

	cmd.AddCommand(createCmd)
	return cmd
}

func newTaskCmd(socketFlag *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "task",
		Short: "Submit and stop tasks against a running orchestratord",
	}

	var sessionID, userID, prompt string
	startCmd := &cobra.Command{
		Use:   "start",
		Short: "Submit a prompt to a session",
		RunE: func(cc *cobra.Command, args []string) error {
			var result json.RawMessage
			params := map[string]string{"session_id": sessionID, "user_id": userID, "prompt": prompt}
			if err := call(*socketFlag, "start_task", params, &result); err != nil {
				return err
			}
			fmt.Println(string(result))
			return nil
		},
	}
	startCmd.Flags().StringVar(&sessionID, "session-id", "", "target session (required)")
	startCmd.Flags().StringVar(&userID, "user-id", "", "submitting user (required)")
	startCmd.Flags().StringVar(&prompt, "prompt", "", "prompt text (required)")
	_ = startCmd.MarkFlagRequired("session-id")
	_ = startCmd.MarkFlagRequired("user-id")
	_ = startCmd.MarkFlagRequired("prompt")

	var stopSessionID, stopTaskID string
	stopCmd := &cobra.Command{
		Use:   "stop",
		Short: "Stop a running task",
		RunE: func(cc *cobra.Command, args []string) error {
			var result json.RawMessage
			params := map[string]string{"session_id": stopSessionID, "task_id": stopTaskID}
			if err := call(*socketFlag, "stop_task", params, &result); err != nil {
				return err
			}
			fmt.Println(string(result))
			return nil
		},
	}
	stopCmd.Flags().StringVar(&stopSessionID, "session-id", "", "session owning the task (required)")
	stopCmd.Flags().StringVar(&stopTaskID, "task-id", "", "task to stop (required)")
	_ = stopCmd.MarkFlagRequired("session-id")
	_ = stopCmd.MarkFlagRequired("task-id")

	cmd.AddCommand(startCmd, stopCmd)
	return cmd
}
