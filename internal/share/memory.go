package share

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryStore is an in-memory Store for tests and single-node setups
type MemoryStore struct {
	mu     sync.RWMutex
	shares map[string]*Share
	tokens map[string][]*ShareToken
}

// NewMemoryStore creates an empty in-memory share store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		shares: make(map[string]*Share),
		tokens: make(map[string][]*ShareToken),
	}
}

func (s *MemoryStore) CreateShare(ctx context.Context, share *Share, tokens []*ShareToken) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if share.ID == "" {
		share.ID = uuid.New().String()
	}
	if share.Created.IsZero() {
		share.Created = time.Now()
	}

	copied := copyShare(share)
	s.shares[share.ID] = copied

	stored := make([]*ShareToken, 0, len(tokens))
	for _, token := range tokens {
		if token.ID == "" {
			token.ID = uuid.New().String()
		}
		token.ShareID = share.ID
		copy := *token
		stored = append(stored, &copy)
	}
	s.tokens[share.ID] = stored
	return nil
}

func (s *MemoryStore) GetShare(ctx context.Context, id string) (*Share, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	share, ok := s.shares[id]
	if !ok {
		return nil, ErrShareNotFound
	}
	return copyShare(share), nil
}

func (s *MemoryStore) GetShareByIdentifier(ctx context.Context, identifier string) (*Share, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, share := range s.shares {
		if share.Identifier == identifier {
			return copyShare(share), nil
		}
	}
	return nil, ErrShareNotFound
}

func (s *MemoryStore) ListShares(ctx context.Context, projectID string) ([]*Share, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*Share
	for _, share := range s.shares {
		if projectID == "" || share.ProjectID == projectID {
			out = append(out, copyShare(share))
		}
	}
	return out, nil
}

func (s *MemoryStore) DeleteShare(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.shares[id]; !ok {
		return ErrShareNotFound
	}
	delete(s.shares, id)
	delete(s.tokens, id)
	return nil
}

func (s *MemoryStore) GetTokens(ctx context.Context, shareID string) ([]*ShareToken, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	tokens := s.tokens[shareID]
	out := make([]*ShareToken, 0, len(tokens))
	for _, token := range tokens {
		copy := *token
		out = append(out, &copy)
	}
	return out, nil
}

func (s *MemoryStore) Retract(ctx context.Context, shareID string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	share, ok := s.shares[shareID]
	if !ok {
		return ErrShareNotFound
	}
	share.Retracted = true
	for _, token := range s.tokens[shareID] {
		if token.ValidUntil.After(at) {
			token.ValidUntil = at
		}
	}
	return nil
}

func copyShare(share *Share) *Share {
	copied := *share
	copied.FileQuery = append([]byte(nil), share.FileQuery...)
	copied.Content = append([]byte(nil), share.Content...)
	copied.CaseIDs = append([]string(nil), share.CaseIDs...)
	copied.FileIDs = append([]string(nil), share.FileIDs...)
	copied.FileIdentifiers = append([]string(nil), share.FileIdentifiers...)
	copied.CodeIDs = append([]string(nil), share.CodeIDs...)
	copied.CodeSystemIDs = append([]string(nil), share.CodeSystemIDs...)
	return &copied
}
