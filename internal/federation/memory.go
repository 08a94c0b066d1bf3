package federation

import (
	"context"
	"sync"
)

// MemoryStore is an in-memory Store for tests and single-node setups
type MemoryStore struct {
	mu         sync.RWMutex
	nodes      map[string]*Node
	identities map[string]*Identity
}

// NewMemoryStore creates an empty in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		nodes:      make(map[string]*Node),
		identities: make(map[string]*Identity),
	}
}

func (s *MemoryStore) CreateNode(ctx context.Context, node *Node) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	copy := *node
	s.nodes[node.ID] = &copy
	return nil
}

func (s *MemoryStore) GetNode(ctx context.Context, id string) (*Node, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	node, ok := s.nodes[id]
	if !ok {
		return nil, ErrNodeNotFound
	}
	copy := *node
	return &copy, nil
}

func (s *MemoryStore) GetNodeByIdentifier(ctx context.Context, identifier string) (*Node, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, node := range s.nodes {
		if node.Identifier == identifier {
			copy := *node
			return &copy, nil
		}
	}
	return nil, ErrNodeNotFound
}

func (s *MemoryStore) ListNodes(ctx context.Context) ([]*Node, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	nodes := make([]*Node, 0, len(s.nodes))
	for _, node := range s.nodes {
		copy := *node
		nodes = append(nodes, &copy)
	}
	return nodes, nil
}

func (s *MemoryStore) UpsertIdentity(ctx context.Context, identity *Identity) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	copy := *identity
	s.identities[identity.Identifier] = &copy
	return nil
}

func (s *MemoryStore) ResolveIdentity(ctx context.Context, identity string) (*Node, error) {
	s.mu.RLock()
	id, ok := s.identities[identity]
	s.mu.RUnlock()
	if !ok {
		return nil, ErrIdentityUnknown
	}
	return s.GetNode(ctx, id.NodeID)
}
