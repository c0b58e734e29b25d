// Package memory records published change events for inspection in tests
// and development mode.
package memory

import (
	"context"
	"fmt"
	"sync"

	"github.com/bookwatch/bookwatch/internal/catalog"
)

// Publisher stores events in order of publication.
type Publisher struct {
	mu     sync.RWMutex
	events []catalog.ChangeEvent
}

// New returns an empty memory publisher.
func New() *Publisher {
	return &Publisher{}
}

// Publish records the event and returns a pseudo message ID.
func (p *Publisher) Publish(_ context.Context, event catalog.ChangeEvent) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, event)
	return fmt.Sprintf("memory-%d", len(p.events)), nil
}

// Events returns a copy of everything published so far.
func (p *Publisher) Events() []catalog.ChangeEvent {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]catalog.ChangeEvent, len(p.events))
	copy(out, p.events)
	return out
}
