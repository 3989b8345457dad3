// Package pool implements the Executor Pool (C8): spawning, tracking, and
// terminating the ephemeral Executor child processes that run one Task
// each. Grounded on the teacher's internal/agent/agentctl/launcher.Launcher
// (subprocess spawn/monitor/graceful-stop shape), generalized here from a
// single long-lived subprocess to a pool of short-lived, per-task children,
// one of which may run as a different Unix user than the daemon itself.
package pool

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/agor/agor/internal/command"
	"github.com/agor/agor/internal/common/logger"
	"github.com/agor/agor/internal/jsonrpc"
	"github.com/agor/agor/internal/unixisolation"
)

// Mode is the impersonation mode selected once at daemon startup (spec.md §4.8).
type Mode int

const (
	// ModeDisabled runs every Executor as the daemon's own Unix identity.
	ModeDisabled Mode = iota
	// ModeSudo runs each Executor as its Session's stamped Unix user via sudo.
	ModeSudo
)

func (m Mode) String() string {
	if m == ModeSudo {
		return "sudo"
	}
	return "disabled"
}

const (
	// socketPollInterval is how often Spawn polls for the executor's socket
	// to appear (spec.md §4.8: "50 ms polling, 5 s ceiling").
	socketPollInterval = 50 * time.Millisecond
	// socketWaitCeiling bounds the total time Spawn waits for the socket.
	socketWaitCeiling = 5 * time.Second
)

// Config controls how the Pool decides impersonation mode and locates the
// executor binary.
type Config struct {
	// RunAsUnixUser mirrors execution.run_as_unix_user; when false the Pool
	// never probes sudo and always runs ModeDisabled.
	RunAsUnixUser bool
	// ExecutorBinary overrides auto-detection of the executor entry point.
	ExecutorBinary string
	// SocketDir is where IPC-mode Unix sockets are created; defaults to
	// os.TempDir() when empty.
	SocketDir string
}

// Instance is one running Executor child, keyed by ExecutorID in the Pool's
// in-memory map (spec.md §4.8).
type Instance struct {
	ExecutorID   string
	UserID       string
	UnixUsername string
	SocketPath   string
	Client       *jsonrpc.Conn
	CreatedAt    time.Time

	cmd    *exec.Cmd
	cancel context.CancelFunc
	exited chan struct{}
}

// Wait blocks until the instance's child process has exited.
func (i *Instance) Wait() { <-i.exited }

// Pool tracks every live Executor, probing the impersonation mode once at
// startup and keeping its instance map safe for concurrent access from the
// Orchestrator's single scheduling domain (spec.md §5).
type Pool struct {
	cfg Config
	log *logger.Logger

	mu   sync.Mutex
	mode Mode
	set  map[string]*Instance
}

// NewPool constructs an idle Pool; call DetectMode once before the first Spawn.
func NewPool(cfg Config, log *logger.Logger) *Pool {
	return &Pool{
		cfg:  cfg,
		log:  log.WithFields(zap.String("component", "executor-pool")),
		mode: ModeDisabled,
		set:  make(map[string]*Instance),
	}
}

// DetectMode probes `sudo -n -l` once at startup (spec.md §4.8: "Probing is
// done once at startup"). It never errors: an unusable sudo configuration
// simply leaves the Pool in ModeDisabled, matching the "otherwise" clause
// of the mode table.
func (p *Pool) DetectMode(ctx context.Context) Mode {
	if !p.cfg.RunAsUnixUser {
		p.setMode(ModeDisabled)
		return ModeDisabled
	}

	ok, err := command.Check(ctx, command.Direct{}, command.Spec{Name: "sudo", Args: []string{"-n", "-l"}})
	if err != nil || !ok {
		p.log.Warn("sudo -n -l probe failed; running executors as the daemon's own identity", zap.Error(err))
		p.setMode(ModeDisabled)
		return ModeDisabled
	}

	p.setMode(ModeSudo)
	return ModeSudo
}

func (p *Pool) setMode(m Mode) {
	p.mu.Lock()
	p.mode = m
	p.mu.Unlock()
}

// CurrentMode reports the mode DetectMode last resolved.
func (p *Pool) CurrentMode() Mode {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.mode
}

// BuildSpawnArgs derives the argv the Executor is spawned with, per spec.md
// §6's three forms. asUser=="" yields (bin, args) byte-for-byte (L5). A
// non-empty asUser wraps in sudo -n -u (freshGroups==false) or the
// login-shell sudo -n su - … -c "…" escalation (freshGroups==true, needed
// right after the daemon has granted asUser a new group membership — C2-FG).
func BuildSpawnArgs(bin string, args []string, asUser string, freshGroups bool, env map[string]string) command.Spec {
	if asUser == "" {
		return command.Spec{Name: bin, Args: args}
	}
	if !freshGroups {
		return unixisolation.RunAsUser(asUser, bin, args)
	}
	inner := unixisolation.RunAsUserWithFreshGroups(asUser, bin, args, env)
	return command.Spec{Name: "sudo", Args: append([]string{"-n", inner.Name}, inner.Args...)}
}

// findExecutorBinary prefers a pre-built artifact over a source entry point,
// and falls back to PATH, per spec.md §4.8.
func findExecutorBinary(configured string) string {
	if configured != "" {
		return configured
	}

	if exe, err := os.Executable(); err == nil {
		candidate := filepath.Join(filepath.Dir(exe), "agor-executor")
		if _, err := os.Stat(candidate); err == nil {
			return candidate
		}
	}

	for _, candidate := range []string{"./bin/agor-executor", "./agor-executor"} {
		if _, err := os.Stat(candidate); err == nil {
			if abs, err := filepath.Abs(candidate); err == nil {
				return abs
			}
			return candidate
		}
	}

	if path, err := exec.LookPath("agor-executor"); err == nil {
		return path
	}
	return "agor-executor"
}

// SpawnRequest describes a single Task's Executor.
type SpawnRequest struct {
	ExecutorID        string
	SessionID         string
	TaskID            string
	SessionToken      string
	UserID            string
	UnixUsername      string // empty => no impersonation, run as the daemon
	FreshGroupsNeeded bool   // true right after the session's user joined a new worktree group
	Env               map[string]string
}

// Spawn starts one Executor child in IPC mode (spec.md §4.7): the child owns
// a Unix socket at --socket, and Spawn polls for it to appear before dialing
// in as the JSON-RPC client. onRequest/onNotification handle the Executor's
// get_api_key/request_permission requests and report_message/daemon_command
// notifications (spec.md §4.8: "register handlers").
func (p *Pool) Spawn(ctx context.Context, req SpawnRequest, onRequest jsonrpc.Handler, onNotification jsonrpc.NotificationHandler) (*Instance, error) {
	bin := findExecutorBinary(p.cfg.ExecutorBinary)

	socketDir := p.cfg.SocketDir
	if socketDir == "" {
		socketDir = os.TempDir()
	}
	socketPath := filepath.Join(socketDir, fmt.Sprintf("agor-executor-%s.sock", req.ExecutorID))
	_ = os.Remove(socketPath)

	args := []string{
		"--socket", socketPath,
		"--session-token", req.SessionToken,
		"--session-id", req.SessionID,
		"--task-id", req.TaskID,
	}

	var asUser string
	p.mu.Lock()
	mode := p.mode
	p.mu.Unlock()
	if mode == ModeSudo && req.UnixUsername != "" {
		asUser = req.UnixUsername
	}

	spec := BuildSpawnArgs(bin, args, asUser, req.FreshGroupsNeeded, req.Env)

	cmd := exec.Command(spec.Name, spec.Args...)
	// Working directory defaults to the executor's own package directory so
	// module/dependency resolution stays deterministic regardless of the
	// daemon's cwd (spec.md §4.8).
	cmd.Dir = filepath.Dir(bin)
	cmd.Env = os.Environ()
	cmd.SysProcAttr = &syscall.SysProcAttr{Pdeathsig: syscall.SIGTERM}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("executor stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("executor stderr pipe: %w", err)
	}

	log := p.log.WithFields(zap.String("executor_id", req.ExecutorID), zap.String("task_id", req.TaskID))

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("spawn executor: %w", err)
	}
	log.Info("executor spawned", zap.Int("pid", cmd.Process.Pid), zap.String("mode", mode.String()))

	go pipeOutput(log, "stdout", stdout)
	go pipeOutput(log, "stderr", stderr)

	if err := waitForSocket(ctx, socketPath, socketPollInterval, socketWaitCeiling); err != nil {
		_ = cmd.Process.Kill()
		return nil, fmt.Errorf("executor socket %s did not appear: %w", socketPath, err)
	}

	conn, err := jsonrpc.Dial(ctx, socketPath, p.log, 30*time.Second, onRequest, onNotification)
	if err != nil {
		_ = cmd.Process.Kill()
		return nil, fmt.Errorf("dial executor socket: %w", err)
	}

	instCtx, cancel := context.WithCancel(context.Background())
	inst := &Instance{
		ExecutorID:   req.ExecutorID,
		UserID:       req.UserID,
		UnixUsername: req.UnixUsername,
		SocketPath:   socketPath,
		Client:       conn,
		CreatedAt:    time.Now(),
		cmd:          cmd,
		cancel:       cancel,
		exited:       make(chan struct{}),
	}

	go func() {
		if err := conn.Serve(instCtx); err != nil {
			log.Debug("executor connection ended", zap.Error(err))
		}
	}()

	p.mu.Lock()
	p.set[req.ExecutorID] = inst
	p.mu.Unlock()

	go p.watchExit(log, inst)

	return inst, nil
}

func (p *Pool) watchExit(log *logger.Logger, inst *Instance) {
	err := inst.cmd.Wait()
	inst.cancel()
	close(inst.exited)

	p.mu.Lock()
	delete(p.set, inst.ExecutorID)
	p.mu.Unlock()

	if err != nil {
		log.Warn("executor exited non-zero", zap.Error(err))
	} else {
		log.Info("executor exited")
	}
}

func waitForSocket(ctx context.Context, path string, interval, ceiling time.Duration) error {
	deadline := time.Now().Add(ceiling)
	for {
		if _, err := os.Stat(path); err == nil {
			return nil
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("timed out after %s", ceiling)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(interval):
		}
	}
}

// pipeOutput relays an executor child's stdout/stderr into the pool's
// logger, the way launcher.go's pipeOutput does for agentctl.
func pipeOutput(log *logger.Logger, stream string, r interface{ Read([]byte) (int, error) }) {
	buf := make([]byte, 4096)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			log.Debug(string(buf[:n]), zap.String("stream", stream))
		}
		if err != nil {
			return
		}
	}
}

// Get returns the live Instance for executorID, if any.
func (p *Pool) Get(executorID string) (*Instance, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	inst, ok := p.set[executorID]
	return inst, ok
}

// Shutdown gracefully stops one Executor: it sends a shutdown request, waits
// up to timeout for the child to exit on its own, then escalates to SIGTERM
// before dropping it from the pool (spec.md §4.8).
func (p *Pool) Shutdown(ctx context.Context, executorID string, timeout time.Duration) error {
	inst, ok := p.Get(executorID)
	if !ok {
		return nil
	}

	if inst.Client != nil {
		shutdownCtx, cancel := context.WithTimeout(ctx, timeout)
		_ = inst.Client.Call(shutdownCtx, executorID+"-shutdown", jsonrpc.MethodShutdown, jsonrpc.ShutdownParams{TimeoutMs: int(timeout.Milliseconds())}, nil)
		cancel()
	}

	select {
	case <-inst.exited:
		return nil
	case <-time.After(timeout):
		if inst.cmd.Process != nil {
			_ = inst.cmd.Process.Signal(syscall.SIGTERM)
		}
	}

	select {
	case <-inst.exited:
	case <-time.After(2 * time.Second):
		if inst.cmd.Process != nil {
			_ = inst.cmd.Process.Kill()
		}
	}
	return nil
}

// Len reports how many executors are currently live, for diagnostics.
func (p *Pool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.set)
}

// ExecutorIDs returns a snapshot of every live ExecutorID, for callers (daemon
// shutdown) that need to drain the pool without reaching into its internals.
func (p *Pool) ExecutorIDs() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	ids := make([]string, 0, len(p.set))
	for id := range p.set {
		ids = append(ids, id)
	}
	return ids
}
