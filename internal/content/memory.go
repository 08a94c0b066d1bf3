package content

import (
	"context"
	"sync"
)

// MemoryStore is an in-memory content store for tests and small nodes
type MemoryStore struct {
	mu    sync.RWMutex
	files map[string]*File
	cases map[string]*Case
	codes map[string]*Code
}

// NewMemoryStore creates an empty in-memory content store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		files: make(map[string]*File),
		cases: make(map[string]*Case),
		codes: make(map[string]*Code),
	}
}

// AddFile registers a file
func (s *MemoryStore) AddFile(f *File) {
	s.mu.Lock()
	defer s.mu.Unlock()
	copy := *f
	s.files[f.ID] = &copy
}

// AddCase registers a case
func (s *MemoryStore) AddCase(c *Case) {
	s.mu.Lock()
	defer s.mu.Unlock()
	copy := *c
	s.cases[c.ID] = &copy
}

// AddCode registers a code
func (s *MemoryStore) AddCode(c *Code) {
	s.mu.Lock()
	defer s.mu.Unlock()
	copy := *c
	s.codes[c.ID] = &copy
}

func (s *MemoryStore) inScope(f *File, projectID, ownerID string) bool {
	if projectID != "" && f.ProjectID != projectID {
		return false
	}
	if ownerID != "" && f.OwnerID != ownerID {
		return false
	}
	return true
}

func (s *MemoryStore) FilesByProject(ctx context.Context, projectID, ownerID string) ([]*File, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*File
	for _, f := range s.files {
		if s.inScope(f, projectID, ownerID) {
			copy := *f
			out = append(out, &copy)
		}
	}
	return out, nil
}

func (s *MemoryStore) FilesByIDs(ctx context.Context, projectID, ownerID string, ids []string) ([]*File, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*File
	for _, id := range ids {
		f, ok := s.files[id]
		if ok && s.inScope(f, projectID, ownerID) {
			copy := *f
			out = append(out, &copy)
		}
	}
	return out, nil
}

func (s *MemoryStore) FilesByCases(ctx context.Context, projectID, ownerID string, caseIDs []string) ([]*File, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	wanted := make(map[string]bool, len(caseIDs))
	for _, id := range caseIDs {
		wanted[id] = true
	}
	var out []*File
	for _, f := range s.files {
		if wanted[f.CaseID] && s.inScope(f, projectID, ownerID) {
			copy := *f
			out = append(out, &copy)
		}
	}
	return out, nil
}

func (s *MemoryStore) CasesByIDs(ctx context.Context, ids []string) ([]*Case, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*Case
	for _, id := range ids {
		if c, ok := s.cases[id]; ok {
			copy := *c
			out = append(out, &copy)
		}
	}
	return out, nil
}

func (s *MemoryStore) CodesByIDs(ctx context.Context, ids []string) ([]*Code, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*Code
	for _, id := range ids {
		if c, ok := s.codes[id]; ok {
			copy := *c
			out = append(out, &copy)
		}
	}
	return out, nil
}
