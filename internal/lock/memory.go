package lock

import (
	"context"
	"sync"
	"time"

	"github.com/bookwatch/bookwatch/internal/clock"
)

// Memory implements Lease in process, for development mode and tests.
type Memory struct {
	mu        sync.Mutex
	clk       clock.Clock
	owner     string
	expiresAt time.Time
}

// NewMemory creates an unheld in-process lease.
func NewMemory(clk clock.Clock) *Memory {
	if clk == nil {
		clk = clock.NewSystem()
	}
	return &Memory{clk: clk}
}

var _ Lease = (*Memory)(nil)

func (l *Memory) Acquire(_ context.Context, owner string, ttl time.Duration) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.clk.Now()
	if l.owner != "" && l.owner != owner && l.expiresAt.After(now) {
		return ErrAlreadyHeld
	}
	l.owner = owner
	l.expiresAt = now.Add(ttl)
	return nil
}

func (l *Memory) Renew(_ context.Context, owner string, ttl time.Duration) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.clk.Now()
	if l.owner != owner || !l.expiresAt.After(now) {
		return ErrNotHeld
	}
	l.expiresAt = now.Add(ttl)
	return nil
}

func (l *Memory) Release(_ context.Context, owner string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.owner == owner {
		l.owner = ""
		l.expiresAt = time.Time{}
	}
	return nil
}

func (l *Memory) Held(_ context.Context, owner string) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.owner == owner && l.expiresAt.After(l.clk.Now()), nil
}
