// Command orchestratord is the Orchestrator daemon entry point: it wires
// together the Authorization Kernel, Permission Broker, Executor Pool, Stop
// Protocol, and Streaming Fan-out into orchestrator.Service, then exposes
// the daemon's two in-scope wire surfaces — the streaming hub's websocket
// endpoint for authenticated subscribers (C11) and a control-plane
// JSON-RPC socket the `agor` CLI (or any operator tooling) dials into to
// submit prompts and stop tasks. The relational schema, the full REST API,
// and any browser-facing UI are out of scope (spec.md §1) and are not
// served here.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"

	"github.com/agor/agor/internal/common/config"
	"github.com/agor/agor/internal/common/logger"
	bus "github.com/agor/agor/internal/eventbus"
	"github.com/agor/agor/internal/jsonrpc"
	"github.com/agor/agor/internal/model"
	"github.com/agor/agor/internal/orchestrator"
	"github.com/agor/agor/internal/orchestrator/memstore"
	"github.com/agor/agor/internal/orchestrator/sqlstore"
	"github.com/agor/agor/internal/store"
	"github.com/agor/agor/internal/streaming"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "orchestratord: failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	log, err := logger.NewLogger(logger.LoggingConfig{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		OutputPath: cfg.Logging.OutputPath,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "orchestratord: failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()
	logger.SetDefault(log)

	log.Info("starting orchestratord")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	st, msgStore, closeStore, err := openStores(cfg)
	if err != nil {
		log.Fatal("failed to open stores", zap.Error(err))
	}
	defer closeStore()

	provided, closeBus, err := bus.Provide(cfg, log)
	if err != nil {
		log.Fatal("failed to provision event bus", zap.Error(err))
	}
	defer closeBus()

	svc := orchestrator.NewService(cfg, log, st, msgStore, provided.Bus, true)
	if err := svc.Start(ctx); err != nil {
		log.Fatal("failed to start orchestrator service", zap.Error(err))
	}

	httpServer := startStreamingServer(cfg, log, svc, st)
	controlServer, err := startControlServer(ctx, cfg, log, svc)
	if err != nil {
		log.Fatal("failed to start control socket", zap.Error(err))
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("shutting down orchestratord")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Warn("http server shutdown error", zap.Error(err))
	}
	_ = controlServer.Close()

	if err := svc.Stop(shutdownCtx); err != nil {
		log.Warn("orchestrator service stop error", zap.Error(err))
	}

	log.Info("orchestratord stopped")
}

// openStores picks memstore for a dev run (database.dialect "memory", or
// empty) and sqlstore for any other dialect, using database.url as the DSN
// when it is set and database.path otherwise, per SPEC_FULL.md's dual
// sqlite/postgres domain stack.
func openStores(cfg *config.Config) (orchestrator.Store, store.MessageStore, func(), error) {
	if cfg.Database.Dialect == "" || cfg.Database.Dialect == "memory" {
		return memstore.New(), newMemoryMessageStore(), func() {}, nil
	}

	dsn := cfg.Database.Path
	if cfg.Database.URL != "" {
		dsn = cfg.Database.URL
	}

	sqlSt, err := sqlstore.Open(cfg.Database.Dialect, dsn)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("open sqlstore: %w", err)
	}
	if _, err := sqlSt.DB().Exec(store.Schema); err != nil {
		return nil, nil, nil, fmt.Errorf("apply message schema: %w", err)
	}
	msgStore := store.NewSQLiteMessageStore(sqlSt.DB())

	return sqlSt, msgStore, func() { _ = sqlSt.Close() }, nil
}

// newMemoryMessageStore backs the in-memory dev path with a throwaway
// sqlite-in-memory database rather than a bespoke fake, so MessageStore has
// exactly one implementation to maintain.
func newMemoryMessageStore() store.MessageStore {
	db, err := sqlx.Open("sqlite3", ":memory:")
	if err != nil {
		panic(fmt.Sprintf("open in-memory message store: %v", err))
	}
	if _, err := db.Exec(store.Schema); err != nil {
		panic(fmt.Sprintf("apply in-memory message schema: %v", err))
	}
	return store.NewSQLiteMessageStore(db.DB)
}

// startStreamingServer serves the Hub's websocket endpoint (C11) and a
// plain health check; both listen on cfg.Server.Host:Port.
func startStreamingServer(cfg *config.Config, log *logger.Logger, svc *orchestrator.Service, st orchestrator.Store) *http.Server {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.HandleFunc("/ws", func(w http.ResponseWriter, r *http.Request) {
		handleWebsocket(w, r, log, svc, st)
	})

	srv := &http.Server{
		Addr:    fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler: mux,
	}
	go func() {
		log.Info("streaming http server listening", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("streaming http server error", zap.Error(err))
		}
	}()
	return srv
}

// handleWebsocket upgrades the connection and authenticates it against a
// SessionToken carried in the ?token= query parameter (spec.md §4.11: "a
// connection starts membership-less; it joins the authenticated channel
// only after a successful login ... or as a service token").
func handleWebsocket(w http.ResponseWriter, r *http.Request, log *logger.Logger, svc *orchestrator.Service, st orchestrator.Store) {
	token := r.URL.Query().Get("token")
	tok, err := st.GetSessionToken(r.Context(), token)
	if err != nil || tok.Expired(time.Now()) {
		http.Error(w, "invalid or expired token", http.StatusUnauthorized)
		return
	}

	client, err := streaming.UpgradeAndRegister(w, r, uuid.New().String(), svc.Hub(), log)
	if err != nil {
		log.Warn("websocket upgrade failed", zap.Error(err))
		return
	}
	client.Authenticate(tok.UserID)
}

// startControlServer serves the narrow JSON-RPC control plane the `agor`
// CLI dials to submit/stop prompts, reusing C4's transport (spec.md §4.4 is
// symmetric: nothing about it is executor-specific) rather than adding a
// second wire format.
func startControlServer(ctx context.Context, cfg *config.Config, log *logger.Logger, svc *orchestrator.Service) (*jsonrpc.Server, error) {
	socketPath := controlSocketPath(cfg)
	if err := os.MkdirAll(filepath.Dir(socketPath), 0755); err != nil {
		return nil, fmt.Errorf("create control socket dir: %w", err)
	}

	srv := &jsonrpc.Server{
		SocketPath:     socketPath,
		Log:            log,
		DefaultTimeout: 30 * time.Second,
		OnRequest:      controlRequestHandler(svc),
	}
	if err := srv.Listen(); err != nil {
		return nil, fmt.Errorf("listen on control socket: %w", err)
	}

	go func() {
		if err := srv.Serve(ctx); err != nil {
			log.Debug("control socket server ended", zap.Error(err))
		}
	}()
	log.Info("control socket listening", zap.String("socket", socketPath))
	return srv, nil
}

func controlSocketPath(cfg *config.Config) string {
	base := cfg.Paths.DataHome
	if base == "" {
		base = os.TempDir()
	}
	return filepath.Join(base, "control.sock")
}

type createSessionControlParams struct {
	WorktreeID  string `json:"worktree_id"`
	UserID      string `json:"user_id"`
	AgenticTool string `json:"agentic_tool"`
}

type startTaskControlParams struct {
	SessionID string `json:"session_id"`
	UserID    string `json:"user_id"`
	Prompt    string `json:"prompt"`
}

type stopTaskControlParams struct {
	SessionID string `json:"session_id"`
	TaskID    string `json:"task_id"`
}

// controlRequestHandler dispatches the three operator-facing methods onto
// the Service's own request-scoped APIs; anything else is unsupported.
func controlRequestHandler(svc *orchestrator.Service) jsonrpc.Handler {
	return func(ctx context.Context, method string, raw json.RawMessage) (any, error) {
		switch method {
		case "create_session":
			var p createSessionControlParams
			if err := unmarshalParams(raw, &p); err != nil {
				return nil, err
			}
			return svc.CreateSession(ctx, orchestrator.CreateSessionRequest{
				WorktreeID:  p.WorktreeID,
				UserID:      p.UserID,
				AgenticTool: model.AgenticTool(p.AgenticTool),
			})
		case "start_task":
			var p startTaskControlParams
			if err := unmarshalParams(raw, &p); err != nil {
				return nil, err
			}
			return svc.StartTask(ctx, orchestrator.StartTaskRequest{
				SessionID: p.SessionID,
				UserID:    p.UserID,
				Prompt:    p.Prompt,
			})
		case "stop_task":
			var p stopTaskControlParams
			if err := unmarshalParams(raw, &p); err != nil {
				return nil, err
			}
			return svc.StopTask(ctx, p.SessionID, p.TaskID)
		default:
			return nil, fmt.Errorf("unsupported control method %q", method)
		}
	}
}

func unmarshalParams(raw json.RawMessage, v any) error {
	if len(raw) == 0 {
		return fmt.Errorf("missing params")
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("invalid params: %w", err)
	}
	return nil
}
