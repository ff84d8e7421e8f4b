// Package eventbus publishes domain events through a transactional outbox:
// entries are written on the connection of the surrounding transaction and
// relayed to the broker only after that transaction commits.
package eventbus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// ErrInvalidMessage is returned for messages that cannot be published.
var ErrInvalidMessage = errors.New("invalid message")

// Producer publishes messages to a broker.
type Producer interface {
	// Publish sends message to topic. It returns once the broker accepted
	// the message or the context ends.
	Publish(ctx context.Context, topic string, message *Message) error

	// Close shuts the producer down.
	Close() error
}

// Message is a serialized event with its routing metadata.
type Message struct {
	ID          string
	Key         string
	Value       []byte
	Headers     map[string]string
	ContentType string
	Timestamp   time.Time
}

// NewJSONMessage encodes payload as JSON under a fresh message id.
func NewJSONMessage(key string, payload any) (*Message, error) {
	if payload == nil {
		return nil, fmt.Errorf("%w: nil payload", ErrInvalidMessage)
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("json serialization failed: %w", err)
	}
	return &Message{
		ID:          uuid.NewString(),
		Key:         key,
		Value:       data,
		ContentType: "application/json",
		Timestamp:   time.Now().UTC(),
	}, nil
}

// Decode unmarshals a JSON message value into target.
func (m *Message) Decode(target any) error {
	if m == nil || len(m.Value) == 0 {
		return fmt.Errorf("%w: empty message", ErrInvalidMessage)
	}
	if err := json.Unmarshal(m.Value, target); err != nil {
		return fmt.Errorf("json deserialization failed: %w", err)
	}
	return nil
}
