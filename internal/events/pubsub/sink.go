// Package pubsub publishes engine events to a Google Cloud Pub/Sub topic.
package pubsub

import (
	"context"
	"encoding/json"
	"fmt"

	"cloud.google.com/go/pubsub"

	"github.com/pagevault/acquire/internal/engine"
)

// Sink wraps a Pub/Sub topic. Implements engine.EventSink.
type Sink struct {
	topic *pubsub.Topic
}

// New creates a Sink for the provided topic.
func New(topic *pubsub.Topic) *Sink {
	return &Sink{topic: topic}
}

// Publish marshals the event to JSON and publishes it. The event type rides
// along as a message attribute so subscribers can filter without decoding.
func (s *Sink) Publish(ctx context.Context, evt engine.Event) error {
	if s.topic == nil {
		return fmt.Errorf("pubsub topic is not configured")
	}
	data, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	msg := &pubsub.Message{
		Data: data,
		Attributes: map[string]string{
			"event_type": string(evt.Type),
		},
	}
	result := s.topic.Publish(ctx, msg)
	if _, err := result.Get(ctx); err != nil {
		return fmt.Errorf("publish event: %w", err)
	}
	return nil
}

// Stop flushes pending messages.
func (s *Sink) Stop() {
	if s.topic != nil {
		s.topic.Stop()
	}
}
