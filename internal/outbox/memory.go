package outbox

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ErrMessageNotFound is returned for unknown message IDs
var ErrMessageNotFound = errors.New("outbox message not found")

// MemoryStore is an in-memory Store for tests and single-node setups
type MemoryStore struct {
	mu       sync.Mutex
	messages map[string]*Message
	order    []string
}

// NewMemoryStore creates an empty in-memory outbox store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{messages: make(map[string]*Message)}
}

func (s *MemoryStore) Insert(ctx context.Context, msg *Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if msg.ID == "" {
		msg.ID = uuid.New().String()
	}
	if msg.Created.IsZero() {
		msg.Created = time.Now()
	}
	copy := *msg
	s.messages[msg.ID] = &copy
	s.order = append(s.order, msg.ID)
	return nil
}

func (s *MemoryStore) Get(ctx context.Context, id string) (*Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	msg, ok := s.messages[id]
	if !ok {
		return nil, ErrMessageNotFound
	}
	copy := *msg
	return &copy, nil
}

func (s *MemoryStore) ListUnprocessed(ctx context.Context) ([]*Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*Message
	for _, id := range s.order {
		msg := s.messages[id]
		if !msg.Processed && !msg.Processing {
			copy := *msg
			out = append(out, &copy)
		}
	}
	return out, nil
}

func (s *MemoryStore) MarkProcessing(ctx context.Context, id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	msg, ok := s.messages[id]
	if !ok {
		return false, ErrMessageNotFound
	}
	if msg.Processing || msg.Processed {
		return false, nil
	}
	msg.Processing = true
	msg.Tries++
	return true, nil
}

func (s *MemoryStore) Complete(ctx context.Context, id string, statusCode *int, body string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	msg, ok := s.messages[id]
	if !ok {
		return ErrMessageNotFound
	}
	msg.Processing = false
	msg.Processed = true
	msg.StatusCode = statusCode
	msg.ResponseBody = body
	msg.Error = ""
	return nil
}

func (s *MemoryStore) Fail(ctx context.Context, id string, statusCode *int, body, errMsg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	msg, ok := s.messages[id]
	if !ok {
		return ErrMessageNotFound
	}
	msg.Processing = false
	msg.Processed = false
	msg.StatusCode = statusCode
	msg.ResponseBody = body
	msg.Error = errMsg
	return nil
}

func (s *MemoryStore) ResetForReplay(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	msg, ok := s.messages[id]
	if !ok {
		return ErrMessageNotFound
	}
	msg.Processing = false
	msg.Processed = false
	msg.StatusCode = nil
	msg.ResponseBody = ""
	msg.Error = ""
	return nil
}
