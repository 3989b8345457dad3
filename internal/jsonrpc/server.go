package jsonrpc

import (
	"context"
	"fmt"
	"net"
	"os"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/agor/agor/internal/common/logger"
)

// Server accepts connections on a Unix domain socket and serves each one as
// a jsonrpc.Conn. The socket path is chmod'd 0666 after listen so that an
// executor running under a different unix user can dial in (spec.md §4.4).
type Server struct {
	SocketPath     string
	Log            *logger.Logger
	DefaultTimeout time.Duration
	OnRequest      Handler
	OnNotification NotificationHandler
	OnConn         func(*Conn)

	ln net.Listener

	mu    sync.Mutex
	conns map[*Conn]struct{}
}

// Listen binds the Unix socket, removing any stale file left by a prior run.
func (s *Server) Listen() error {
	if err := os.RemoveAll(s.SocketPath); err != nil {
		return fmt.Errorf("remove stale socket: %w", err)
	}

	ln, err := net.Listen("unix", s.SocketPath)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", s.SocketPath, err)
	}
	if err := os.Chmod(s.SocketPath, 0666); err != nil {
		ln.Close()
		return fmt.Errorf("chmod socket: %w", err)
	}

	s.ln = ln
	s.conns = make(map[*Conn]struct{})
	return nil
}

// Serve accepts connections until ctx is cancelled or Close is called.
func (s *Server) Serve(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		s.Close()
	}()

	for {
		nc, err := s.ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
				return err
			}
		}

		conn := NewConn(nc, s.Log, s.DefaultTimeout, s.OnRequest, s.OnNotification)
		s.mu.Lock()
		s.conns[conn] = struct{}{}
		s.mu.Unlock()

		if s.OnConn != nil {
			s.OnConn(conn)
		}

		go func() {
			defer func() {
				s.mu.Lock()
				delete(s.conns, conn)
				s.mu.Unlock()
			}()
			if err := conn.Serve(ctx); err != nil {
				s.Log.Debug("jsonrpc connection ended", zap.Error(err))
			}
		}()
	}
}

// Close stops accepting new connections and closes any still open.
func (s *Server) Close() error {
	if s.ln != nil {
		s.ln.Close()
	}

	s.mu.Lock()
	conns := make([]*Conn, 0, len(s.conns))
	for c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()

	for _, c := range conns {
		c.Close()
	}
	return os.RemoveAll(s.SocketPath)
}

// Dial connects to a Unix socket as a jsonrpc client Conn.
func Dial(ctx context.Context, socketPath string, log *logger.Logger, defaultTimeout time.Duration, onRequest Handler, onNotification NotificationHandler) (*Conn, error) {
	var d net.Dialer
	nc, err := d.DialContext(ctx, "unix", socketPath)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", socketPath, err)
	}
	return NewConn(nc, log, defaultTimeout, onRequest, onNotification), nil
}
