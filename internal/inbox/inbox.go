// Package inbox is the receiving side of same-node delivery. When sender
// and recipient live on the same node the dispatcher hands the message
// over in process instead of going through a wire backend; the payload is
// identical to what a remote node would have received.
package inbox

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Message is a received federation message
type Message struct {
	ID        string
	Sender    string
	Recipient string
	Payload   json.RawMessage
	Received  time.Time
}

// Receiver accepts inbound messages
type Receiver interface {
	Receive(ctx context.Context, msg *Message) error
}

// MemoryStore keeps received messages in memory
type MemoryStore struct {
	mu       sync.RWMutex
	messages []*Message
}

// NewMemoryStore creates an empty inbox
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (s *MemoryStore) Receive(ctx context.Context, msg *Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	copy := *msg
	if copy.ID == "" {
		copy.ID = uuid.New().String()
	}
	if copy.Received.IsZero() {
		copy.Received = time.Now()
	}
	s.messages = append(s.messages, &copy)
	return nil
}

// List returns all received messages in arrival order
func (s *MemoryStore) List() []*Message {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*Message, len(s.messages))
	copy(out, s.messages)
	return out
}
