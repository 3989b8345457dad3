// Package secrets resolves the per-User Credentials named in spec.md §3
// (ANTHROPIC_API_KEY, OPENAI_API_KEY, GEMINI_API_KEY, …) for the get_api_key
// JSON-RPC call an Executor makes just after it starts (spec.md §4.7).
//
// Grounded on the teacher's internal/agent/credentials package: a small
// provider-chain Manager with an in-memory cache, generalized from "find a
// secret for an agent container" to "find a secret for a specific User",
// since Agor's credentials are scoped per-User rather than per-deployment.
package secrets

import (
	"context"
	"fmt"
	"os"
	"sync"

	"go.uber.org/zap"

	"github.com/agor/agor/internal/common/logger"
	"github.com/agor/agor/internal/model"
)

// Provider resolves one credential value from a particular source.
type Provider interface {
	// GetCredential returns the value of key for userID, or an error if this
	// provider has nothing for it.
	GetCredential(ctx context.Context, userID, key string) (string, error)
	// Name identifies the provider for logging.
	Name() string
}

// Store is the minimal persistence surface a StoreProvider needs; the
// concrete implementation owns the at-rest encryption (spec.md §3 calls
// Credential values "encrypted secrets" — decryption is this Store's job,
// out of this package's scope).
type Store interface {
	GetCredential(ctx context.Context, userID, key string) (*model.Credential, error)
}

// StoreProvider resolves credentials from the persisted, per-User Credential
// table.
type StoreProvider struct {
	Store Store
}

func (p StoreProvider) Name() string { return "store" }

func (p StoreProvider) GetCredential(ctx context.Context, userID, key string) (string, error) {
	cred, err := p.Store.GetCredential(ctx, userID, key)
	if err != nil {
		return "", fmt.Errorf("credential %s not found for user %s: %w", key, userID, err)
	}
	return cred.Value, nil
}

// EnvProvider falls back to the daemon process's own environment, matching
// the "environment-variable fallback is permitted" clause of spec.md §3 —
// useful for single-operator/dev deployments with no per-User credential
// store configured.
type EnvProvider struct{}

func (EnvProvider) Name() string { return "env" }

func (EnvProvider) GetCredential(ctx context.Context, userID, key string) (string, error) {
	if v := os.Getenv(key); v != "" {
		return v, nil
	}
	return "", fmt.Errorf("no environment variable set for %s", key)
}

// cacheKey identifies a cached value by user as well as key, since the same
// key (e.g. ANTHROPIC_API_KEY) may resolve differently per user.
type cacheKey struct {
	userID string
	key    string
}

// Manager tries each registered Provider in order and caches the first hit.
// Mirrors credentials.Manager's provider-chain-plus-cache shape.
type Manager struct {
	mu        sync.RWMutex
	providers []Provider
	cache     map[cacheKey]string
	log       *logger.Logger
}

// NewManager constructs a Manager with no providers registered yet; callers
// add them in priority order via AddProvider (store before env, so an
// operator-configured secret always wins over a same-named ambient env var).
func NewManager(log *logger.Logger) *Manager {
	return &Manager{
		cache: make(map[cacheKey]string),
		log:   log.WithFields(zap.String("component", "secrets-manager")),
	}
}

// AddProvider appends provider to the resolution chain.
func (m *Manager) AddProvider(provider Provider) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.providers = append(m.providers, provider)
}

// GetCredential resolves key for userID against every provider in order,
// caching the first hit.
func (m *Manager) GetCredential(ctx context.Context, userID, key string) (string, error) {
	ck := cacheKey{userID: userID, key: key}

	m.mu.RLock()
	if v, ok := m.cache[ck]; ok {
		m.mu.RUnlock()
		return v, nil
	}
	providers := m.providers
	m.mu.RUnlock()

	for _, p := range providers {
		v, err := p.GetCredential(ctx, userID, key)
		if err == nil {
			m.mu.Lock()
			m.cache[ck] = v
			m.mu.Unlock()
			m.log.Debug("credential resolved", zap.String("key", key), zap.String("source", p.Name()))
			return v, nil
		}
	}
	return "", fmt.Errorf("credential not found: %s", key)
}

// ResolveForTool resolves the credential an Executor running tool needs, per
// model.AgenticTool.CredentialKey(). opencode's "NONE" credential key
// resolves to an empty string with no error — it takes no API key.
func (m *Manager) ResolveForTool(ctx context.Context, userID string, tool model.AgenticTool) (string, error) {
	key := tool.CredentialKey()
	if key == "NONE" {
		return "", nil
	}
	return m.GetCredential(ctx, userID, key)
}

// ClearCache drops every cached resolution, forcing the next GetCredential
// call to re-consult providers (e.g. after a Credential is rotated).
func (m *Manager) ClearCache() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cache = make(map[cacheKey]string)
}
