// Package share owns the share lifecycle: creation with a frozen content
// snapshot, one capability token per recipient node, and retraction. A
// share's content set is fixed at creation; later changes to the
// underlying data never alter an already-issued share.
package share

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

var (
	// ErrShareNotFound is returned for unknown share IDs
	ErrShareNotFound = errors.New("share not found")
)

// Share is an immutable-content snapshot handed out to recipient nodes
type Share struct {
	ID         string
	Identifier string
	Name       string
	ProjectID  string
	CreatedBy  string
	Origin     string

	// FileQuery keeps the serialized query tree when the share was
	// selected declaratively, for audit
	FileQuery []byte

	// Content is the JSON payload snapshot announced to recipients
	Content json.RawMessage

	CaseIDs         []string
	FileIDs         []string
	FileIdentifiers []string
	CodeIDs         []string
	CodeSystemIDs   []string

	Retracted bool
	Created   time.Time
}

// ShareToken is the capability handed to one recipient node
type ShareToken struct {
	ID                string
	Identifier        string
	ShareID           string
	Recipient         string
	ProjectIdentifier string
	CreatedBy         string
	ValidFrom         time.Time
	ValidUntil        time.Time
}

// IsValid reports whether the token is usable at the given instant
func (t *ShareToken) IsValid(now time.Time) bool {
	return !now.Before(t.ValidFrom) && now.Before(t.ValidUntil)
}

// Store persists shares and their tokens. CreateShare writes the share,
// its associations and all tokens atomically: either everything exists
// afterwards or nothing does.
type Store interface {
	CreateShare(ctx context.Context, share *Share, tokens []*ShareToken) error
	GetShare(ctx context.Context, id string) (*Share, error)
	GetShareByIdentifier(ctx context.Context, identifier string) (*Share, error)
	ListShares(ctx context.Context, projectID string) ([]*Share, error)
	DeleteShare(ctx context.Context, id string) error

	GetTokens(ctx context.Context, shareID string) ([]*ShareToken, error)

	// Retract marks the share retracted and caps every token's validity
	// at the given instant, in one atomic write
	Retract(ctx context.Context, shareID string, at time.Time) error
}
