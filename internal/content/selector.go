package content

import (
	"context"
	"fmt"
	"math/rand"
	"sort"
	"time"

	"github.com/datafedhq/datafed/internal/query"
	"github.com/datafedhq/datafed/pkg/logger"
)

// SelectionError is an empty or out-of-scope selection. It is surfaced to
// the caller synchronously and never silently ignored.
type SelectionError struct {
	Reason string
}

func (e *SelectionError) Error() string {
	return "selection: " + e.Reason
}

// FileRegistry is the field registry for the "file" content type
func FileRegistry() query.Registry {
	return query.Registry{
		"codes":      query.KindSet,
		"case_id":    query.KindScalar,
		"project_id": query.KindScalar,
		"identifier": query.KindScalar,
	}
}

// SelectionInput describes what a share should contain
type SelectionInput struct {
	ContentType string
	ProjectID   string
	OwnerID     string

	// Explicit selection, identifier lists
	CaseIDs []string
	FileIDs []string

	// Declarative selection, serialized query tree
	QueryTree []byte

	// Percentage sampling over the query/case-resolved set, 0-100.
	// Explicitly listed files are always kept.
	Percentage int
}

// ContentSet is a resolved selection with its derived secondary entities
type ContentSet struct {
	Files           []*File
	FileIdentifiers []string
	CaseIDs         []string
	CodeIDs         []string
	CodeSystemIDs   []string
}

// Selector resolves selections against a content store
type Selector struct {
	store  Store
	logger *logger.Logger
	rng    *rand.Rand
}

// NewSelector creates a content selector. A rand source can be injected
// for reproducible sampling; by default it is time-seeded.
func NewSelector(store Store, log *logger.Logger, opts ...SelectorOption) *Selector {
	s := &Selector{
		store:  store,
		logger: log,
		rng:    rand.New(rand.NewSource(time.Now().UnixNano())),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// SelectorOption configures a Selector
type SelectorOption func(*Selector)

// WithRand injects the sampling source
func WithRand(rng *rand.Rand) SelectorOption {
	return func(s *Selector) {
		s.rng = rng
	}
}

// Select resolves the input into a content set. The primary content is
// resolved first (explicit identifiers, case membership, or a compiled
// query), then the codes and code systems of every selected file are
// derived for denormalized inclusion in the share.
func (s *Selector) Select(ctx context.Context, in SelectionInput) (*ContentSet, error) {
	if in.ContentType != "file" {
		return nil, &SelectionError{Reason: fmt.Sprintf("unsupported content type %q", in.ContentType)}
	}
	if len(in.CaseIDs) == 0 && len(in.FileIDs) == 0 && len(in.QueryTree) == 0 {
		return nil, &SelectionError{Reason: "empty selection"}
	}
	if in.Percentage < 0 || in.Percentage > 100 {
		return nil, &SelectionError{Reason: fmt.Sprintf("percentage %d out of range", in.Percentage)}
	}

	var explicit, resolved []*File

	if len(in.FileIDs) > 0 {
		files, err := s.store.FilesByIDs(ctx, in.ProjectID, in.OwnerID, in.FileIDs)
		if err != nil {
			return nil, fmt.Errorf("failed to resolve file list: %w", err)
		}
		explicit = files
	}

	if len(in.CaseIDs) > 0 {
		files, err := s.store.FilesByCases(ctx, in.ProjectID, in.OwnerID, in.CaseIDs)
		if err != nil {
			return nil, fmt.Errorf("failed to resolve case files: %w", err)
		}
		resolved = append(resolved, files...)
	}

	if len(in.QueryTree) > 0 {
		files, err := s.selectByQuery(ctx, in)
		if err != nil {
			return nil, err
		}
		resolved = append(resolved, files...)
	}

	resolved = s.sample(dedupeFiles(resolved), in.Percentage)

	files := dedupeFiles(append(explicit, resolved...))
	if len(files) == 0 && in.Percentage != 0 {
		// percentage 0 legitimately strips the resolved set down to the
		// explicit identifiers, which may themselves be empty
		return nil, &SelectionError{Reason: "selection matched no content"}
	}

	return s.derive(ctx, files)
}

func (s *Selector) selectByQuery(ctx context.Context, in SelectionInput) ([]*File, error) {
	tree, err := query.Parse(in.QueryTree)
	if err != nil {
		return nil, err
	}
	pred, err := query.Compile(tree, FileRegistry())
	if err != nil {
		return nil, err
	}

	candidates, err := s.store.FilesByProject(ctx, in.ProjectID, in.OwnerID)
	if err != nil {
		return nil, fmt.Errorf("failed to list project files: %w", err)
	}

	var matched []*File
	for _, f := range candidates {
		if pred(f) {
			matched = append(matched, f)
		}
	}
	return matched, nil
}

// sample keeps floor(len*pct/100) files, unbiased via a random
// permutation over an ID-sorted slice so results do not depend on store
// iteration order.
func (s *Selector) sample(files []*File, percentage int) []*File {
	if percentage >= 100 || len(files) == 0 {
		return files
	}

	total := len(files) * percentage / 100
	if total == 0 {
		return nil
	}

	sort.Slice(files, func(i, j int) bool { return files[i].ID < files[j].ID })
	perm := s.rng.Perm(len(files))

	sampled := make([]*File, 0, total)
	for _, idx := range perm[:total] {
		sampled = append(sampled, files[idx])
	}
	return sampled
}

func (s *Selector) derive(ctx context.Context, files []*File) (*ContentSet, error) {
	set := &ContentSet{Files: files}

	caseSeen := make(map[string]bool)
	codeSeen := make(map[string]bool)
	for _, f := range files {
		set.FileIdentifiers = append(set.FileIdentifiers, f.Identifier)
		if f.CaseID != "" && !caseSeen[f.CaseID] {
			caseSeen[f.CaseID] = true
			set.CaseIDs = append(set.CaseIDs, f.CaseID)
		}
		for _, c := range f.CodeIDs {
			if !codeSeen[c] {
				codeSeen[c] = true
				set.CodeIDs = append(set.CodeIDs, c)
			}
		}
	}

	codes, err := s.store.CodesByIDs(ctx, set.CodeIDs)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve codes: %w", err)
	}
	systemSeen := make(map[string]bool)
	for _, c := range codes {
		if c.CodeSystemID != "" && !systemSeen[c.CodeSystemID] {
			systemSeen[c.CodeSystemID] = true
			set.CodeSystemIDs = append(set.CodeSystemIDs, c.CodeSystemID)
		}
	}

	return set, nil
}

func dedupeFiles(files []*File) []*File {
	seen := make(map[string]bool, len(files))
	out := files[:0]
	for _, f := range files {
		if seen[f.ID] {
			continue
		}
		seen[f.ID] = true
		out = append(out, f)
	}
	return out
}
