// Package federation tracks the autonomous nodes of the federation and
// resolves member identities to the node that owns them. Delivery backends
// use the directory to find a recipient's network address or ledger DID.
package federation

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrNodeNotFound is returned when a node is not registered
	ErrNodeNotFound = errors.New("node not found")
	// ErrIdentityUnknown is returned when an identity resolves to no node
	ErrIdentityUnknown = errors.New("identity not owned by any known node")
)

// Node is an autonomous federation participant
type Node struct {
	ID         string    `json:"id"`
	Identifier string    `json:"identifier"`
	Name       string    `json:"name"`
	APIAddress string    `json:"api_address"`
	DID        string    `json:"did"`
	Created    time.Time `json:"created"`
}

// Identity is a member identity hosted on exactly one node. Sender and
// recipient of outbox messages are identities, never nodes directly.
type Identity struct {
	Identifier string `json:"identifier"`
	NodeID     string `json:"node_id"`
}

// Store is the persistence contract for nodes and identities
type Store interface {
	CreateNode(ctx context.Context, node *Node) error
	GetNode(ctx context.Context, id string) (*Node, error)
	GetNodeByIdentifier(ctx context.Context, identifier string) (*Node, error)
	ListNodes(ctx context.Context) ([]*Node, error)

	UpsertIdentity(ctx context.Context, identity *Identity) error
	// ResolveIdentity returns the node owning the given identity
	ResolveIdentity(ctx context.Context, identity string) (*Node, error)
}
