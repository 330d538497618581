package session

import (
	"context"
	"fmt"
	"sync"
	"time"

	idp "github.com/chimerakang/idp-go"
)

// DefaultCleanupInterval is how often expired entries are swept.
const DefaultCleanupInterval = 5 * time.Minute

type timedEntry[T any] struct {
	value     T
	expiresAt time.Time
}

// MemoryBackend keeps codes and refresh tokens in process. Expired entries
// are invisible at lookup and removed by a background sweep.
type MemoryBackend struct {
	mu            sync.RWMutex
	codes         map[string]*timedEntry[idp.AuthorizationCode]
	refreshTokens map[string]*timedEntry[idp.RefreshToken]

	now             func() time.Time
	cleanupInterval time.Duration
	stopCleanup     chan struct{}
	cleanupDone     chan struct{}
	closeOnce       sync.Once
}

var _ Backend = (*MemoryBackend)(nil)

// MemoryOption configures the MemoryBackend.
type MemoryOption func(*MemoryBackend)

// WithCleanupInterval sets how often expired entries are swept.
// Zero or negative disables the sweep.
func WithCleanupInterval(d time.Duration) MemoryOption {
	return func(m *MemoryBackend) { m.cleanupInterval = d }
}

// WithMemoryClock overrides the time source.
func WithMemoryClock(now func() time.Time) MemoryOption {
	return func(m *MemoryBackend) { m.now = now }
}

// NewMemoryBackend creates a MemoryBackend and starts its sweep goroutine.
// Call Close to stop it.
func NewMemoryBackend(opts ...MemoryOption) *MemoryBackend {
	m := &MemoryBackend{
		codes:           make(map[string]*timedEntry[idp.AuthorizationCode]),
		refreshTokens:   make(map[string]*timedEntry[idp.RefreshToken]),
		now:             time.Now,
		cleanupInterval: DefaultCleanupInterval,
		stopCleanup:     make(chan struct{}),
		cleanupDone:     make(chan struct{}),
	}
	for _, o := range opts {
		o(m)
	}
	if m.cleanupInterval > 0 {
		go m.cleanupLoop()
	} else {
		close(m.cleanupDone)
	}
	return m
}

// SaveCode stores a copy of the code.
func (m *MemoryBackend) SaveCode(_ context.Context, code *idp.AuthorizationCode) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.codes[key(code.Code)] = &timedEntry[idp.AuthorizationCode]{value: *code, expiresAt: code.ExpiresAt}
	return nil
}

// TakeCode removes and returns the code under the write lock.
func (m *MemoryBackend) TakeCode(_ context.Context, code string) (*idp.AuthorizationCode, error) {
	k := key(code)
	m.mu.Lock()
	e, ok := m.codes[k]
	if ok {
		delete(m.codes, k)
	}
	m.mu.Unlock()

	if !ok || !m.now().Before(e.expiresAt) {
		return nil, fmt.Errorf("code: %w", idp.ErrNotFound)
	}
	v := e.value
	return &v, nil
}

// SaveRefreshToken stores a copy of the refresh token.
func (m *MemoryBackend) SaveRefreshToken(_ context.Context, rt *idp.RefreshToken) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.refreshTokens[key(rt.Token)] = &timedEntry[idp.RefreshToken]{value: *rt, expiresAt: rt.ExpiresAt}
	return nil
}

// GetRefreshToken returns a copy of the refresh token.
func (m *MemoryBackend) GetRefreshToken(_ context.Context, handle string) (*idp.RefreshToken, error) {
	m.mu.RLock()
	e, ok := m.refreshTokens[key(handle)]
	m.mu.RUnlock()

	if !ok || !m.now().Before(e.expiresAt) {
		return nil, fmt.Errorf("refresh token: %w", idp.ErrNotFound)
	}
	v := e.value
	return &v, nil
}

// TakeRefreshToken removes and returns the refresh token under the write lock.
func (m *MemoryBackend) TakeRefreshToken(_ context.Context, handle string) (*idp.RefreshToken, error) {
	k := key(handle)
	m.mu.Lock()
	e, ok := m.refreshTokens[k]
	if ok {
		delete(m.refreshTokens, k)
	}
	m.mu.Unlock()

	if !ok || !m.now().Before(e.expiresAt) {
		return nil, fmt.Errorf("refresh token: %w", idp.ErrNotFound)
	}
	v := e.value
	return &v, nil
}

// RevokeRefreshToken deletes the refresh token if present.
func (m *MemoryBackend) RevokeRefreshToken(_ context.Context, handle string) error {
	m.mu.Lock()
	delete(m.refreshTokens, key(handle))
	m.mu.Unlock()
	return nil
}

// Len returns the number of stored codes and refresh tokens, expired or not.
func (m *MemoryBackend) Len() (codes, refreshTokens int) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.codes), len(m.refreshTokens)
}

// Close stops the sweep goroutine. It is safe to call more than once.
func (m *MemoryBackend) Close() error {
	m.closeOnce.Do(func() {
		if m.cleanupInterval > 0 {
			close(m.stopCleanup)
		}
		<-m.cleanupDone
	})
	return nil
}

func (m *MemoryBackend) cleanupLoop() {
	defer close(m.cleanupDone)

	ticker := time.NewTicker(m.cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.stopCleanup:
			return
		case <-ticker.C:
			m.Sweep()
		}
	}
}

// Sweep removes expired entries. Keys are collected under the read lock and
// deleted under the write lock, re-checking expiry in case an entry was
// replaced in between.
func (m *MemoryBackend) Sweep() {
	now := m.now()

	m.mu.RLock()
	var codes, tokens []string
	for k, e := range m.codes {
		if !now.Before(e.expiresAt) {
			codes = append(codes, k)
		}
	}
	for k, e := range m.refreshTokens {
		if !now.Before(e.expiresAt) {
			tokens = append(tokens, k)
		}
	}
	m.mu.RUnlock()

	if len(codes) == 0 && len(tokens) == 0 {
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	for _, k := range codes {
		if e, ok := m.codes[k]; ok && !now.Before(e.expiresAt) {
			delete(m.codes, k)
		}
	}
	for _, k := range tokens {
		if e, ok := m.refreshTokens[k]; ok && !now.Before(e.expiresAt) {
			delete(m.refreshTokens, k)
		}
	}
}
