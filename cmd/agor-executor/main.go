// Command agor-executor is the Executor Runtime (C7) entry point: a
// short-lived child process the Orchestrator spawns to run exactly one
// Task. It runs in IPC mode (spec.md §4.7/§6): it owns a Unix socket at
// --socket and accepts exactly one connection, from the Orchestrator that
// spawned it.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/agor/agor/internal/cliadapter"
	"github.com/agor/agor/internal/common/logger"
	"github.com/agor/agor/internal/executorrt"
	"github.com/agor/agor/internal/jsonrpc"
	"github.com/agor/agor/internal/model"
)

var (
	socketFlag       = flag.String("socket", "", "path of the Unix socket this executor listens on (IPC mode)")
	sessionTokenFlag = flag.String("session-token", "", "bearer token authenticating this executor back to the daemon")
	sessionIDFlag    = flag.String("session-id", "", "the session this task belongs to")
	taskIDFlag       = flag.String("task-id", "", "the task this executor process runs")
	logLevelFlag     = flag.String("log-level", "info", "log level (debug, info, warn, error)")
	logFormatFlag    = flag.String("log-format", "", "log format (console, json); json when left empty")
)

func main() {
	flag.Parse()

	log, err := logger.NewLogger(logger.LoggingConfig{Level: *logLevelFlag, Format: *logFormatFlag, OutputPath: "stderr"})
	if err != nil {
		fmt.Fprintf(os.Stderr, "agor-executor: failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	if *socketFlag == "" || *sessionTokenFlag == "" || *sessionIDFlag == "" || *taskIDFlag == "" {
		log.Error("missing required flags",
			zap.String("socket", *socketFlag), zap.String("session_id", *sessionIDFlag), zap.String("task_id", *taskIDFlag))
		os.Exit(1)
	}

	rt := executorrt.NewRuntime(nil, log, *sessionTokenFlag)
	for _, tool := range []model.AgenticTool{model.ToolClaudeCode, model.ToolCodex, model.ToolGemini, model.ToolOpenCode} {
		rt.RegisterAdapter(cliadapter.New(tool))
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	exitCode := make(chan int, 1)

	srv := &jsonrpc.Server{
		SocketPath:     *socketFlag,
		Log:            log,
		DefaultTimeout: 30 * time.Second,
		OnRequest:      requestHandler(rt, exitCode),
		OnNotification: rt.HandleNotification,
	}
	// OnConn is assigned after construction: the Runtime needs the accepted
	// Conn to issue get_api_key/request_permission calls and report_message/
	// daemon_command notifications back to the one peer that dials in
	// (spec.md §4.4: "accepts exactly one connection from the Orchestrator").
	srv.OnConn = func(c *jsonrpc.Conn) { rt.SetConn(c) }

	if err := srv.Listen(); err != nil {
		log.Error("failed to listen on executor socket", zap.String("socket", *socketFlag), zap.Error(err))
		os.Exit(1)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	serveErr := make(chan error, 1)
	go func() { serveErr <- srv.Serve(ctx) }()

	select {
	case <-sigCh:
		log.Info("agor-executor received signal, shutting down")
		cancel()
		_ = srv.Close()
	case code := <-exitCode:
		cancel()
		_ = srv.Close()
		<-serveErr
		log.Info("agor-executor shutdown complete", zap.Int("exit_code", code))
		os.Exit(code)
	case err := <-serveErr:
		if err != nil {
			log.Error("executor socket server ended with error", zap.Error(err))
		}
	}
}

// requestHandler intercepts the one request Runtime does not itself answer
// (shutdown, spec.md §4.8 graceful termination) and otherwise delegates to
// rt.HandleRequest. Signaling exitCode (rather than cancelling directly)
// lets main's select drive the actual srv.Close()/os.Exit sequence.
func requestHandler(rt *executorrt.Runtime, exitCode chan<- int) jsonrpc.Handler {
	return func(ctx context.Context, method string, params json.RawMessage) (any, error) {
		if method == jsonrpc.MethodShutdown {
			go func() {
				time.Sleep(50 * time.Millisecond) // let the shutdown response flush first
				exitCode <- 0
			}()
			return struct{}{}, nil
		}
		return rt.HandleRequest(ctx, method, params)
	}
}
