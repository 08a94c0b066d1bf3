// Package event keeps the audit trail of share activity on this node.
package event

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Verb classifies an event
type Verb string

const (
	VerbShareCreate  Verb = "share-create"
	VerbShareReceive Verb = "share-receive"
	VerbShareRetract Verb = "share-retract"
)

// Event is one audit record
type Event struct {
	ID        string
	Actor     string
	Verb      Verb
	ProjectID string
	ShareID   string
	Created   time.Time
}

// Recorder appends events
type Recorder interface {
	Record(ctx context.Context, ev *Event) error
}

// MemoryRecorder keeps events in memory
type MemoryRecorder struct {
	mu     sync.RWMutex
	events []*Event
}

// NewMemoryRecorder creates an empty recorder
func NewMemoryRecorder() *MemoryRecorder {
	return &MemoryRecorder{}
}

func (r *MemoryRecorder) Record(ctx context.Context, ev *Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	copy := *ev
	if copy.ID == "" {
		copy.ID = uuid.New().String()
	}
	if copy.Created.IsZero() {
		copy.Created = time.Now()
	}
	r.events = append(r.events, &copy)
	return nil
}

// List returns all recorded events
func (r *MemoryRecorder) List() []*Event {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*Event, len(r.events))
	copy(out, r.events)
	return out
}
