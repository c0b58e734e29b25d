// Package pubsub implements change-event delivery over Google Cloud
// Pub/Sub.
package pubsub

import (
	"context"
	"encoding/json"
	"fmt"

	"cloud.google.com/go/pubsub"

	"github.com/bookwatch/bookwatch/internal/catalog"
)

// Publisher publishes change events to one Pub/Sub topic.
type Publisher struct {
	topic *pubsub.Topic
}

// New wraps an existing topic handle.
func New(topic *pubsub.Topic) *Publisher {
	return &Publisher{topic: topic}
}

// Publish marshals the event to JSON, attaches routing attributes, and
// waits for the broker to acknowledge.
func (p *Publisher) Publish(ctx context.Context, event catalog.ChangeEvent) (string, error) {
	if p.topic == nil {
		return "", fmt.Errorf("pubsub topic is not configured")
	}
	data, err := json.Marshal(event)
	if err != nil {
		return "", fmt.Errorf("marshal change event: %w", err)
	}
	result := p.topic.Publish(ctx, &pubsub.Message{
		Data: data,
		Attributes: map[string]string{
			"change_type": string(event.ChangeType),
			"book_id":     event.BookID,
		},
	})
	id, err := result.Get(ctx)
	if err != nil {
		return "", fmt.Errorf("publish change event: %w", err)
	}
	return id, nil
}

// Stop flushes buffered messages; call it on shutdown.
func (p *Publisher) Stop() {
	if p.topic != nil {
		p.topic.Stop()
	}
}
