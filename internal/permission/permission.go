// Package permission stores the durable authorization grants a node hands
// out when it shares content. Grants are keyed on stable content
// identifiers rather than row keys, so they survive object re-imports on
// either side of the federation.
package permission

import (
	"context"
	"fmt"
	"time"
)

// Action is an operation a recipient may perform on shared content
type Action string

const (
	ActionView     Action = "view"
	ActionDownload Action = "download"
	ActionShare    Action = "share"
	ActionTransfer Action = "transfer"
)

// ParseAction validates an action name
func ParseAction(s string) (Action, error) {
	switch Action(s) {
	case ActionView, ActionDownload, ActionShare, ActionTransfer:
		return Action(s), nil
	}
	return "", fmt.Errorf("unknown action %q", s)
}

// Value is the effect of a grant
type Value string

const (
	Allow Value = "allow"
	Deny  Value = "deny"
)

// Permission is one durable grant row. Uniqueness is enforced on
// (action, permission value, user, object identifier) by the store.
type Permission struct {
	ID               string
	ObjectIdentifier string
	Action           Action
	Value            Value
	UserID           string
	GroupID          string
	CreatedByID      string
	DateCreated      time.Time
	LastModified     time.Time
}

// GrantBatch is the cross product (identifiers x actions x recipients)
// to be granted in one all-or-nothing transaction. ShareID records
// provenance so a later retraction touches only what this share added.
type GrantBatch struct {
	ObjectIdentifiers []string
	Actions           []Action
	Recipients        []string
	Value             Value
	GrantedBy         string
	ShareID           string
}

// Size returns the number of candidate rows in the batch
func (b GrantBatch) Size() int {
	return len(b.ObjectIdentifiers) * len(b.Actions) * len(b.Recipients)
}

// GrantError is a failed staging/merge transaction. The store state is
// unchanged and the whole Grant call is safe to retry.
type GrantError struct {
	Err error
}

func (e *GrantError) Error() string {
	return fmt.Sprintf("grant: %v", e.Err)
}

func (e *GrantError) Unwrap() error {
	return e.Err
}

// Engine is the bulk, idempotent grant contract
type Engine interface {
	// Grant merges the batch's cross product into the store and returns
	// the number of newly inserted rows. Re-granting existing tuples is
	// a no-op, never an error and never a duplicate row.
	Grant(ctx context.Context, batch GrantBatch) (int64, error)

	// Revoke removes the grants a share introduced, leaving grants that
	// another share also links to untouched. Returns rows removed.
	Revoke(ctx context.Context, shareID string) (int64, error)

	// Check returns the effective value for one tuple; absent means deny
	Check(ctx context.Context, userID, objectIdentifier string, action Action) (Value, error)
}
