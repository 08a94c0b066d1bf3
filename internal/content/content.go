// Package content models the shareable content of a node (files grouped
// into cases, annotated with terminology codes) and resolves share
// selections against it.
package content

import (
	"context"
)

// File is the primary shareable content unit
type File struct {
	ID         string
	Identifier string
	CaseID     string
	ProjectID  string
	OwnerID    string
	CodeIDs    []string
}

// Case groups files of one subject
type Case struct {
	ID         string
	Identifier string
	ProjectID  string
}

// Code is a terminology code attached to files
type Code struct {
	ID           string
	Identifier   string
	CodeSystemID string
}

// Store is the read contract the selector works against. Every method is
// already scoped: it returns only content owned by ownerID within the
// project, so a selection can never escape the actor's own data.
type Store interface {
	FilesByProject(ctx context.Context, projectID, ownerID string) ([]*File, error)
	FilesByIDs(ctx context.Context, projectID, ownerID string, ids []string) ([]*File, error)
	FilesByCases(ctx context.Context, projectID, ownerID string, caseIDs []string) ([]*File, error)
	CasesByIDs(ctx context.Context, ids []string) ([]*Case, error)
	CodesByIDs(ctx context.Context, ids []string) ([]*Code, error)
}

// Attr implements query.Entity
func (f *File) Attr(field string) (string, bool) {
	switch field {
	case "case_id":
		return f.CaseID, true
	case "project_id":
		return f.ProjectID, true
	case "identifier":
		return f.Identifier, true
	default:
		return "", false
	}
}

// Related implements query.Entity
func (f *File) Related(field string) ([]string, bool) {
	if field == "codes" {
		return f.CodeIDs, true
	}
	return nil, false
}
