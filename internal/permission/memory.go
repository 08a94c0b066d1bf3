package permission

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

type tupleKey struct {
	Action           Action
	Value            Value
	UserID           string
	ObjectIdentifier string
}

// MemoryEngine is an in-memory Engine for tests and single-node setups.
// It honors the same uniqueness and provenance semantics as the Postgres
// engine.
type MemoryEngine struct {
	mu     sync.Mutex
	grants map[tupleKey]*Permission
	links  map[string]map[tupleKey]bool // share id -> introduced tuples
}

// NewMemoryEngine creates an empty in-memory grant engine
func NewMemoryEngine() *MemoryEngine {
	return &MemoryEngine{
		grants: make(map[tupleKey]*Permission),
		links:  make(map[string]map[tupleKey]bool),
	}
}

func (e *MemoryEngine) Grant(ctx context.Context, batch GrantBatch) (int64, error) {
	if batch.Value == "" {
		batch.Value = Allow
	}
	if len(batch.ObjectIdentifiers) == 0 || len(batch.Actions) == 0 || len(batch.Recipients) == 0 {
		return 0, nil
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	links := e.links[batch.ShareID]
	if links == nil && batch.ShareID != "" {
		links = make(map[tupleKey]bool)
		e.links[batch.ShareID] = links
	}

	now := time.Now()
	var inserted int64
	for _, ident := range batch.ObjectIdentifiers {
		for _, action := range batch.Actions {
			for _, recipient := range batch.Recipients {
				key := tupleKey{Action: action, Value: batch.Value, UserID: recipient, ObjectIdentifier: ident}
				if links != nil {
					links[key] = true
				}
				if _, exists := e.grants[key]; exists {
					continue
				}
				e.grants[key] = &Permission{
					ID:               uuid.New().String(),
					ObjectIdentifier: ident,
					Action:           action,
					Value:            batch.Value,
					UserID:           recipient,
					CreatedByID:      batch.GrantedBy,
					DateCreated:      now,
					LastModified:     now,
				}
				inserted++
			}
		}
	}
	return inserted, nil
}

func (e *MemoryEngine) Revoke(ctx context.Context, shareID string) (int64, error) {
	if shareID == "" {
		return 0, &GrantError{Err: fmt.Errorf("share id is required for revocation")}
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	links := e.links[shareID]
	if links == nil {
		return 0, nil
	}

	var removed int64
	for key := range links {
		if e.linkedElsewhere(shareID, key) {
			continue
		}
		if _, exists := e.grants[key]; exists {
			delete(e.grants, key)
			removed++
		}
	}
	delete(e.links, shareID)
	return removed, nil
}

func (e *MemoryEngine) linkedElsewhere(shareID string, key tupleKey) bool {
	for other, tuples := range e.links {
		if other != shareID && tuples[key] {
			return true
		}
	}
	return false
}

func (e *MemoryEngine) Check(ctx context.Context, userID, objectIdentifier string, action Action) (Value, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if _, ok := e.grants[tupleKey{Action: action, Value: Allow, UserID: userID, ObjectIdentifier: objectIdentifier}]; ok {
		return Allow, nil
	}
	// default is deny
	return Deny, nil
}

// Count returns the total number of grant rows
func (e *MemoryEngine) Count() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.grants)
}
