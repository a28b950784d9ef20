// Package ledger records which cases have already been handed to the record service,
// so a case is persisted at most once even across restarts or replicas.
package ledger

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"rural-triage/server/internal/config"
)

// Ledger hands out one persistence claim per case.
type Ledger interface {
	// Claim returns true for the first caller for caseID and false for every later one.
	Claim(ctx context.Context, caseID string) (bool, error)
	Close() error
}

// New builds the ledger selected by cfg.Driver.
func New(cfg config.LedgerConfig, logger *logrus.Logger) (Ledger, error) {
	switch cfg.Driver {
	case "", "memory":
		return NewMemory(cfg.TTL, nil), nil
	case "redis":
		return NewRedis(cfg, logger)
	}
	return nil, fmt.Errorf("unsupported ledger driver %q", cfg.Driver)
}

// Memory is a process-local ledger.
type Memory struct {
	mu     sync.Mutex
	ttl    time.Duration
	now    func() time.Time
	claims map[string]time.Time
	pruned time.Time
}

// NewMemory creates an in-process ledger. Claims older than ttl are forgotten; zero keeps them forever.
func NewMemory(ttl time.Duration, now func() time.Time) *Memory {
	if now == nil {
		now = time.Now
	}
	return &Memory{ttl: ttl, now: now, claims: make(map[string]time.Time)}
}

func (m *Memory) Claim(_ context.Context, caseID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	m.pruneLocked(now)
	if at, ok := m.claims[caseID]; ok && (m.ttl <= 0 || now.Sub(at) < m.ttl) {
		return false, nil
	}
	m.claims[caseID] = now
	return true, nil
}

// pruneLocked drops expired claims, at most once per half ttl.
func (m *Memory) pruneLocked(now time.Time) {
	if m.ttl <= 0 || now.Sub(m.pruned) < m.ttl/2 {
		return
	}
	m.pruned = now
	for id, at := range m.claims {
		if now.Sub(at) >= m.ttl {
			delete(m.claims, id)
		}
	}
}

// Len reports how many claims are held.
func (m *Memory) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.claims)
}

func (m *Memory) Close() error { return nil }
