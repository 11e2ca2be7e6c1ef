// Package publisher defines the outbound message contract used to announce
// completed resolutions to downstream consumers.
package publisher

import "context"

// Publisher sends a payload to a topic and returns the broker-assigned message ID.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// Attributer is implemented by payloads that carry message attributes in
// addition to their JSON body.
type Attributer interface {
	Attributes() map[string]string
}
