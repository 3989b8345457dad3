// Package cliadapter provides the one concrete executorrt.ToolAdapter this
// repo ships: a generic subprocess driver that execs a configured CLI
// binary, feeds it the prompt on stdin (the same secret-safe-argv idiom
// command.Spec.Stdin uses for credentials, spec.md §4.1), and streams its
// stdout back line-by-line through StreamCallbacks.
//
// The concrete wire protocol each real agent SDK speaks (Claude Code's
// stream-json, Codex's event stream, …) is explicitly out of scope
// (spec.md §1 Non-goals); this adapter never parses agent-specific framing,
// so the same type serves all four agentic_tool values by construction —
// only the binary name and extra argv differ.
package cliadapter

import (
	"bufio"
	"context"
	"fmt"
	"os/exec"

	"github.com/agor/agor/internal/executorrt"
	"github.com/agor/agor/internal/model"
)

// Adapter execs Binary with Args appended, piping req.Prompt to stdin and
// req.APIKey in under CredentialEnv (when non-empty).
type Adapter struct {
	Tool          model.AgenticTool
	Binary        string
	Args          []string
	CredentialEnv string
}

// New builds the Adapter for tool using the corpus's conventional CLI name
// for each agent product; ExecutorBinary-style overriding (an explicit
// --bin flag) is left to deployment configuration, not hardcoded here.
func New(tool model.AgenticTool) *Adapter {
	switch tool {
	case model.ToolClaudeCode:
		return &Adapter{Tool: tool, Binary: "claude", Args: []string{"--print"}, CredentialEnv: "ANTHROPIC_API_KEY"}
	case model.ToolCodex:
		return &Adapter{Tool: tool, Binary: "codex", Args: []string{"exec"}, CredentialEnv: "OPENAI_API_KEY"}
	case model.ToolGemini:
		return &Adapter{Tool: tool, Binary: "gemini", Args: nil, CredentialEnv: "GEMINI_API_KEY"}
	case model.ToolOpenCode:
		return &Adapter{Tool: tool, Binary: "opencode", Args: []string{"run"}}
	default:
		return &Adapter{Tool: tool, Binary: string(tool)}
	}
}

// Name identifies which agentic_tool this instance drives.
func (a *Adapter) Name() model.AgenticTool { return a.Tool }

// Run execs the adapter's binary for one prompt, streaming stdout as chunks
// and returning once the process exits or ctx is cancelled (a validated
// task_stop, per spec.md §4.7 — the child's context is the same one the
// Runtime cancels on AbortController-equivalent stop).
func (a *Adapter) Run(ctx context.Context, req executorrt.RunRequest, cb executorrt.StreamCallbacks) (executorrt.RunResult, error) {
	cmd := exec.CommandContext(ctx, a.Binary, append(append([]string{}, a.Args...), req.Tools...)...)
	cmd.Dir = req.Cwd
	if a.CredentialEnv != "" && req.APIKey != "" {
		cmd.Env = append(cmd.Environ(), fmt.Sprintf("%s=%s", a.CredentialEnv, req.APIKey))
	}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return executorrt.RunResult{}, fmt.Errorf("stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return executorrt.RunResult{}, fmt.Errorf("stdout pipe: %w", err)
	}
	cmd.Stderr = nil

	if err := cmd.Start(); err != nil {
		return executorrt.RunResult{}, fmt.Errorf("start %s: %w", a.Binary, err)
	}

	go func() {
		defer stdin.Close()
		_, _ = stdin.Write([]byte(req.Prompt))
	}()

	cb.OnStreamStart()
	messageCount := 0
	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			continue
		}
		cb.OnStreamChunk(line)
		messageCount++
	}
	cb.OnStreamEnd()

	waitErr := cmd.Wait()
	if ctx.Err() != nil {
		return executorrt.RunResult{MessageCount: messageCount}, ctx.Err()
	}
	if waitErr != nil {
		return executorrt.RunResult{MessageCount: messageCount}, fmt.Errorf("%s exited: %w", a.Binary, waitErr)
	}
	return executorrt.RunResult{MessageCount: messageCount}, nil
}
