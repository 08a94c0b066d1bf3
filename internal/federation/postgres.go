package federation

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/datafedhq/datafed/pkg/database"
	"github.com/datafedhq/datafed/pkg/logger"
)

// PostgresStore persists nodes and identities in PostgreSQL
type PostgresStore struct {
	db     *database.PostgreSQL
	logger *logger.Logger
}

// NewPostgresStore creates a Postgres-backed node store
func NewPostgresStore(db *database.PostgreSQL, logger *logger.Logger) *PostgresStore {
	return &PostgresStore{db: db, logger: logger}
}

func (s *PostgresStore) CreateNode(ctx context.Context, node *Node) error {
	query := `
		INSERT INTO nodes (node_id, node_identifier, node_name, api_address, did)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING created
	`
	err := s.db.Pool().QueryRow(ctx, query,
		node.ID, node.Identifier, node.Name, node.APIAddress, node.DID).Scan(&node.Created)
	if err != nil {
		s.logger.Errorf("Failed to create node: %v", err)
		return err
	}
	return nil
}

func (s *PostgresStore) GetNode(ctx context.Context, id string) (*Node, error) {
	return s.getNode(ctx, "node_id", id)
}

func (s *PostgresStore) GetNodeByIdentifier(ctx context.Context, identifier string) (*Node, error) {
	return s.getNode(ctx, "node_identifier", identifier)
}

func (s *PostgresStore) getNode(ctx context.Context, column, value string) (*Node, error) {
	query := fmt.Sprintf(`
		SELECT node_id, node_identifier, node_name, api_address, did, created
		FROM nodes
		WHERE %s = $1
	`, column)

	var node Node
	err := s.db.Pool().QueryRow(ctx, query, value).Scan(
		&node.ID,
		&node.Identifier,
		&node.Name,
		&node.APIAddress,
		&node.DID,
		&node.Created,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNodeNotFound
		}
		s.logger.Errorf("Failed to get node: %v", err)
		return nil, err
	}
	return &node, nil
}

func (s *PostgresStore) ListNodes(ctx context.Context) ([]*Node, error) {
	query := `
		SELECT node_id, node_identifier, node_name, api_address, did, created
		FROM nodes
		ORDER BY node_name
	`

	rows, err := s.db.Pool().Query(ctx, query)
	if err != nil {
		s.logger.Errorf("Failed to list nodes: %v", err)
		return nil, err
	}
	defer rows.Close()

	var nodes []*Node
	for rows.Next() {
		var node Node
		err := rows.Scan(
			&node.ID,
			&node.Identifier,
			&node.Name,
			&node.APIAddress,
			&node.DID,
			&node.Created,
		)
		if err != nil {
			s.logger.Errorf("Failed to scan node: %v", err)
			return nil, err
		}
		nodes = append(nodes, &node)
	}

	if err = rows.Err(); err != nil {
		return nil, err
	}
	return nodes, nil
}

func (s *PostgresStore) UpsertIdentity(ctx context.Context, identity *Identity) error {
	query := `
		INSERT INTO identities (identity_identifier, node_id)
		VALUES ($1, $2)
		ON CONFLICT (identity_identifier) DO UPDATE SET node_id = EXCLUDED.node_id
	`
	_, err := s.db.Pool().Exec(ctx, query, identity.Identifier, identity.NodeID)
	if err != nil {
		s.logger.Errorf("Failed to upsert identity: %v", err)
		return err
	}
	return nil
}

func (s *PostgresStore) ResolveIdentity(ctx context.Context, identity string) (*Node, error) {
	query := `
		SELECT n.node_id, n.node_identifier, n.node_name, n.api_address, n.did, n.created
		FROM identities i
		JOIN nodes n ON n.node_id = i.node_id
		WHERE i.identity_identifier = $1
	`

	var node Node
	err := s.db.Pool().QueryRow(ctx, query, identity).Scan(
		&node.ID,
		&node.Identifier,
		&node.Name,
		&node.APIAddress,
		&node.DID,
		&node.Created,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrIdentityUnknown
		}
		s.logger.Errorf("Failed to resolve identity: %v", err)
		return nil, err
	}
	return &node, nil
}
