package queue

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/agor/agor/internal/common/logger"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Service holds queued prompts in memory, keyed by session id. Queued
// prompts are best-effort and transient: a daemon restart loses them, the
// same way an in-flight Task's executor does.
type Service struct {
	mu     sync.RWMutex
	queued map[string]*QueuedPrompt
	logger *logger.Logger
}

// NewService creates a new prompt queue service.
func NewService(log *logger.Logger) *Service {
	return &Service{
		queued: make(map[string]*QueuedPrompt),
		logger: log.WithFields(zap.String("component", "prompt-queue")),
	}
}

// Enqueue queues a prompt for a session, replacing any prompt already queued
// for it.
func (s *Service) Enqueue(ctx context.Context, sessionID, content, agenticTool, userID string) *QueuedPrompt {
	s.mu.Lock()
	defer s.mu.Unlock()

	p := &QueuedPrompt{
		ID:          uuid.New().String(),
		SessionID:   sessionID,
		Content:     content,
		AgenticTool: agenticTool,
		QueuedAt:    time.Now(),
		QueuedBy:    userID,
	}
	s.queued[sessionID] = p
	s.logger.Info("prompt queued",
		zap.String("session_id", sessionID),
		zap.Int("content_length", len(content)))
	return p
}

// Take retrieves and removes the queued prompt for a session, if any. The
// caller (the queue runner) is responsible for checking the session's
// ready_for_prompt flag before calling Take — this store has no opinion on
// when it is safe to resume (see spec.md's open question on the promotion
// algorithm).
func (s *Service) Take(ctx context.Context, sessionID string) (*QueuedPrompt, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.queued[sessionID]
	if !ok {
		return nil, false
	}
	delete(s.queued, sessionID)
	s.logger.Info("prompt dequeued", zap.String("session_id", sessionID), zap.String("queue_id", p.ID))
	return p, true
}

// Cancel removes a queued prompt without consuming it, e.g. when the user
// edits it away or the session is stopped.
func (s *Service) Cancel(ctx context.Context, sessionID string) (*QueuedPrompt, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.queued[sessionID]
	if !ok {
		return nil, fmt.Errorf("no queued prompt for session %s", sessionID)
	}
	delete(s.queued, sessionID)
	s.logger.Info("queued prompt cancelled", zap.String("session_id", sessionID))
	return p, nil
}

// Status reports the queue state for a session.
func (s *Service) Status(ctx context.Context, sessionID string) Status {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.queued[sessionID]
	return Status{IsQueued: ok, Prompt: p}
}

// Update replaces the content of a still-queued prompt (editing before it
// is taken).
func (s *Service) Update(ctx context.Context, sessionID, content string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.queued[sessionID]
	if !ok {
		return fmt.Errorf("no queued prompt for session %s", sessionID)
	}
	p.Content = content
	return nil
}
