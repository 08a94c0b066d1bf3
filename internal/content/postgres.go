package content

import (
	"context"

	"github.com/datafedhq/datafed/pkg/database"
	"github.com/datafedhq/datafed/pkg/logger"
)

// PostgresStore reads content from PostgreSQL. Code membership is stored
// as a text array on files; identifiers are the cross-node stable keys.
type PostgresStore struct {
	db     *database.PostgreSQL
	logger *logger.Logger
}

// NewPostgresStore creates a Postgres-backed content store
func NewPostgresStore(db *database.PostgreSQL, logger *logger.Logger) *PostgresStore {
	return &PostgresStore{db: db, logger: logger}
}

const fileColumns = `file_id, file_identifier, COALESCE(case_id, '') as case_id, project_id, owner_id, COALESCE(code_ids, '{}') as code_ids`

func (s *PostgresStore) FilesByProject(ctx context.Context, projectID, ownerID string) ([]*File, error) {
	query := `
		SELECT ` + fileColumns + `
		FROM files
		WHERE project_id = $1 AND owner_id = $2
		ORDER BY file_id
	`
	return s.queryFiles(ctx, query, projectID, ownerID)
}

func (s *PostgresStore) FilesByIDs(ctx context.Context, projectID, ownerID string, ids []string) ([]*File, error) {
	query := `
		SELECT ` + fileColumns + `
		FROM files
		WHERE project_id = $1 AND owner_id = $2 AND file_id = ANY($3)
		ORDER BY file_id
	`
	return s.queryFiles(ctx, query, projectID, ownerID, ids)
}

func (s *PostgresStore) FilesByCases(ctx context.Context, projectID, ownerID string, caseIDs []string) ([]*File, error) {
	query := `
		SELECT ` + fileColumns + `
		FROM files
		WHERE project_id = $1 AND owner_id = $2 AND case_id = ANY($3)
		ORDER BY file_id
	`
	return s.queryFiles(ctx, query, projectID, ownerID, caseIDs)
}

func (s *PostgresStore) queryFiles(ctx context.Context, query string, args ...interface{}) ([]*File, error) {
	rows, err := s.db.Pool().Query(ctx, query, args...)
	if err != nil {
		s.logger.Errorf("Failed to query files: %v", err)
		return nil, err
	}
	defer rows.Close()

	var files []*File
	for rows.Next() {
		var f File
		err := rows.Scan(
			&f.ID,
			&f.Identifier,
			&f.CaseID,
			&f.ProjectID,
			&f.OwnerID,
			&f.CodeIDs,
		)
		if err != nil {
			s.logger.Errorf("Failed to scan file: %v", err)
			return nil, err
		}
		files = append(files, &f)
	}

	if err = rows.Err(); err != nil {
		return nil, err
	}
	return files, nil
}

func (s *PostgresStore) CasesByIDs(ctx context.Context, ids []string) ([]*Case, error) {
	query := `
		SELECT case_id, case_identifier, project_id
		FROM cases
		WHERE case_id = ANY($1)
		ORDER BY case_id
	`

	rows, err := s.db.Pool().Query(ctx, query, ids)
	if err != nil {
		s.logger.Errorf("Failed to query cases: %v", err)
		return nil, err
	}
	defer rows.Close()

	var cases []*Case
	for rows.Next() {
		var c Case
		if err := rows.Scan(&c.ID, &c.Identifier, &c.ProjectID); err != nil {
			return nil, err
		}
		cases = append(cases, &c)
	}
	return cases, rows.Err()
}

func (s *PostgresStore) CodesByIDs(ctx context.Context, ids []string) ([]*Code, error) {
	query := `
		SELECT code_id, code_identifier, codesystem_id
		FROM codes
		WHERE code_id = ANY($1)
		ORDER BY code_id
	`

	rows, err := s.db.Pool().Query(ctx, query, ids)
	if err != nil {
		s.logger.Errorf("Failed to query codes: %v", err)
		return nil, err
	}
	defer rows.Close()

	var codes []*Code
	for rows.Next() {
		var c Code
		if err := rows.Scan(&c.ID, &c.Identifier, &c.CodeSystemID); err != nil {
			return nil, err
		}
		codes = append(codes, &c)
	}
	return codes, rows.Err()
}
