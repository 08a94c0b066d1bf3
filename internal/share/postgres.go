package share

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/datafedhq/datafed/pkg/database"
	"github.com/datafedhq/datafed/pkg/logger"
)

// PostgresStore persists shares and tokens in PostgreSQL
type PostgresStore struct {
	db     *database.PostgreSQL
	logger *logger.Logger
}

// NewPostgresStore creates a Postgres-backed share store
func NewPostgresStore(db *database.PostgreSQL, logger *logger.Logger) *PostgresStore {
	return &PostgresStore{db: db, logger: logger}
}

const shareColumns = `share_id, share_identifier, share_name, project_id, created_by, origin,
	file_query, content, case_ids, file_ids, file_identifiers, code_ids, code_system_ids,
	retracted, created`

func (s *PostgresStore) CreateShare(ctx context.Context, share *Share, tokens []*ShareToken) error {
	if share.ID == "" {
		share.ID = uuid.New().String()
	}
	if share.Created.IsZero() {
		share.Created = time.Now()
	}

	tx, err := s.db.Pool().Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx, `
		INSERT INTO shares (`+shareColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
	`,
		share.ID, share.Identifier, share.Name, share.ProjectID, share.CreatedBy, share.Origin,
		share.FileQuery, []byte(share.Content), share.CaseIDs, share.FileIDs,
		share.FileIdentifiers, share.CodeIDs, share.CodeSystemIDs,
		share.Retracted, share.Created)
	if err != nil {
		s.logger.Errorf("Failed to insert share: %v", err)
		return err
	}

	for _, token := range tokens {
		if token.ID == "" {
			token.ID = uuid.New().String()
		}
		token.ShareID = share.ID
		_, err = tx.Exec(ctx, `
			INSERT INTO share_tokens (token_id, token_identifier, share_id, recipient,
				project_identifier, created_by, valid_from, valid_until)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		`,
			token.ID, token.Identifier, token.ShareID, token.Recipient,
			token.ProjectIdentifier, token.CreatedBy, token.ValidFrom, token.ValidUntil)
		if err != nil {
			s.logger.Errorf("Failed to insert share token: %v", err)
			return err
		}
	}

	return tx.Commit(ctx)
}

func (s *PostgresStore) GetShare(ctx context.Context, id string) (*Share, error) {
	return s.getShare(ctx, `SELECT `+shareColumns+` FROM shares WHERE share_id = $1`, id)
}

func (s *PostgresStore) GetShareByIdentifier(ctx context.Context, identifier string) (*Share, error) {
	return s.getShare(ctx, `SELECT `+shareColumns+` FROM shares WHERE share_identifier = $1`, identifier)
}

func (s *PostgresStore) getShare(ctx context.Context, query, arg string) (*Share, error) {
	share, err := scanShare(s.db.Pool().QueryRow(ctx, query, arg))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrShareNotFound
		}
		return nil, err
	}
	return share, nil
}

func (s *PostgresStore) ListShares(ctx context.Context, projectID string) ([]*Share, error) {
	query := `SELECT ` + shareColumns + ` FROM shares`
	args := []interface{}{}
	if projectID != "" {
		query += ` WHERE project_id = $1`
		args = append(args, projectID)
	}
	query += ` ORDER BY created DESC`

	rows, err := s.db.Pool().Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var shares []*Share
	for rows.Next() {
		share, err := scanShare(rows)
		if err != nil {
			return nil, err
		}
		shares = append(shares, share)
	}
	return shares, rows.Err()
}

func (s *PostgresStore) DeleteShare(ctx context.Context, id string) error {
	tag, err := s.db.Pool().Exec(ctx, `DELETE FROM shares WHERE share_id = $1`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrShareNotFound
	}
	return nil
}

func (s *PostgresStore) GetTokens(ctx context.Context, shareID string) ([]*ShareToken, error) {
	rows, err := s.db.Pool().Query(ctx, `
		SELECT token_id, token_identifier, share_id, recipient, project_identifier,
			created_by, valid_from, valid_until
		FROM share_tokens
		WHERE share_id = $1
	`, shareID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var tokens []*ShareToken
	for rows.Next() {
		var token ShareToken
		err := rows.Scan(&token.ID, &token.Identifier, &token.ShareID, &token.Recipient,
			&token.ProjectIdentifier, &token.CreatedBy, &token.ValidFrom, &token.ValidUntil)
		if err != nil {
			return nil, err
		}
		tokens = append(tokens, &token)
	}
	return tokens, rows.Err()
}

func (s *PostgresStore) Retract(ctx context.Context, shareID string, at time.Time) error {
	tx, err := s.db.Pool().Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx, `UPDATE shares SET retracted = true WHERE share_id = $1`, shareID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrShareNotFound
	}

	_, err = tx.Exec(ctx, `
		UPDATE share_tokens SET valid_until = $2
		WHERE share_id = $1 AND valid_until > $2
	`, shareID, at)
	if err != nil {
		return err
	}

	return tx.Commit(ctx)
}

func scanShare(row pgx.Row) (*Share, error) {
	var share Share
	var content []byte
	err := row.Scan(
		&share.ID, &share.Identifier, &share.Name, &share.ProjectID, &share.CreatedBy,
		&share.Origin, &share.FileQuery, &content, &share.CaseIDs, &share.FileIDs,
		&share.FileIdentifiers, &share.CodeIDs, &share.CodeSystemIDs,
		&share.Retracted, &share.Created,
	)
	if err != nil {
		return nil, err
	}
	share.Content = content
	return &share, nil
}
