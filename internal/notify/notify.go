// Package notify fans detected changes out to downstream consumers.
// Events are published after their transaction commits; delivery is
// best-effort and a failed publish never fails the crawl.
package notify

import (
	"context"

	"github.com/bookwatch/bookwatch/internal/catalog"
)

// Publisher delivers one committed change event to a topic and returns
// the broker's message ID.
type Publisher interface {
	Publish(ctx context.Context, event catalog.ChangeEvent) (string, error)
}

// NopPublisher drops all events, for deployments without a broker.
type NopPublisher struct{}

// Publish discards the event.
func (NopPublisher) Publish(_ context.Context, _ catalog.ChangeEvent) (string, error) {
	return "", nil
}
