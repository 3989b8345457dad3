package jsonrpc

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/agor/agor/internal/common/logger"
)

func newTestServer(t *testing.T, onRequest Handler) (*Server, string) {
	t.Helper()
	log := logger.NewNop()
	sockPath := filepath.Join(t.TempDir(), "agor.sock")

	srv := &Server{
		SocketPath:     sockPath,
		Log:            log,
		DefaultTimeout: 2 * time.Second,
		OnRequest:      onRequest,
	}
	require.NoError(t, srv.Listen())

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go srv.Serve(ctx)

	return srv, sockPath
}

func pingHandler(ctx context.Context, method string, params json.RawMessage) (any, error) {
	if method != MethodPing {
		return nil, NewError(CodeMethodNotFound, fmt.Sprintf("unknown method %q", method), "")
	}
	return PingResult{Pong: true, Timestamp: 1}, nil
}

func TestPingRoundTrip(t *testing.T) {
	_, sockPath := newTestServer(t, pingHandler)
	log := logger.NewNop()

	conn, err := Dial(context.Background(), sockPath, log, 2*time.Second, nil, nil)
	require.NoError(t, err)
	defer conn.Close()
	go conn.Serve(context.Background())

	var result PingResult
	err = conn.Call(context.Background(), "req-1", MethodPing, map[string]any{}, &result)
	require.NoError(t, err)
	require.True(t, result.Pong)
}

func TestUnknownMethodReturnsMethodNotFound(t *testing.T) {
	_, sockPath := newTestServer(t, pingHandler)
	log := logger.NewNop()

	conn, err := Dial(context.Background(), sockPath, log, 2*time.Second, nil, nil)
	require.NoError(t, err)
	defer conn.Close()
	go conn.Serve(context.Background())

	var result PingResult
	err = conn.Call(context.Background(), "req-1", "does_not_exist", map[string]any{}, &result)
	require.Error(t, err)

	rpcErr, ok := err.(*Error)
	require.True(t, ok)
	require.Equal(t, CodeMethodNotFound, rpcErr.Code)
}

func TestConcurrentConnectionsEachGetOwnResponses(t *testing.T) {
	_, sockPath := newTestServer(t, pingHandler)
	log := logger.NewNop()

	const numConns = 2
	const pingsPerConn = 5

	var wg sync.WaitGroup
	for i := 0; i < numConns; i++ {
		wg.Add(1)
		go func(connIdx int) {
			defer wg.Done()
			conn, err := Dial(context.Background(), sockPath, log, 2*time.Second, nil, nil)
			require.NoError(t, err)
			defer conn.Close()
			go conn.Serve(context.Background())

			for j := 0; j < pingsPerConn; j++ {
				var result PingResult
				id := fmt.Sprintf("conn-%d-req-%d", connIdx, j)
				err := conn.Call(context.Background(), id, MethodPing, map[string]any{}, &result)
				require.NoError(t, err)
				require.True(t, result.Pong)
			}
		}(i)
	}
	wg.Wait()
}

func TestNotificationDispatch(t *testing.T) {
	received := make(chan string, 1)
	log := logger.NewNop()
	sockPath := filepath.Join(t.TempDir(), "agor.sock")

	srv := &Server{
		SocketPath:     sockPath,
		Log:            log,
		DefaultTimeout: 2 * time.Second,
		OnNotification: func(ctx context.Context, method string, params json.RawMessage) {
			received <- method
		},
	}
	require.NoError(t, srv.Listen())
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go srv.Serve(ctx)

	conn, err := Dial(context.Background(), sockPath, log, 2*time.Second, nil, nil)
	require.NoError(t, err)
	defer conn.Close()
	go conn.Serve(context.Background())

	require.NoError(t, conn.Notify(NotificationReportMessage, ReportMessageParams{TaskID: "t1"}))

	select {
	case method := <-received:
		require.Equal(t, NotificationReportMessage, method)
	case <-time.After(2 * time.Second):
		t.Fatal("notification not received")
	}
}

func TestCallTimesOutWhenNoResponse(t *testing.T) {
	log := logger.NewNop()
	sockPath := filepath.Join(t.TempDir(), "agor.sock")

	// Server accepts but never answers requests.
	srv := &Server{
		SocketPath:     sockPath,
		Log:            log,
		DefaultTimeout: 2 * time.Second,
		OnRequest: func(ctx context.Context, method string, params json.RawMessage) (any, error) {
			<-ctx.Done()
			return nil, ctx.Err()
		},
	}
	require.NoError(t, srv.Listen())
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go srv.Serve(ctx)

	conn, err := Dial(context.Background(), sockPath, log, 50*time.Millisecond, nil, nil)
	require.NoError(t, err)
	defer conn.Close()
	go conn.Serve(context.Background())

	var result PingResult
	err = conn.Call(context.Background(), "req-1", MethodPing, map[string]any{}, &result)
	require.Error(t, err)
}
