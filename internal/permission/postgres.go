package permission

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/datafedhq/datafed/pkg/database"
	"github.com/datafedhq/datafed/pkg/logger"
)

// stagingColumns is the fixed staging contract: the temp table mirrors
// the permissions table, and rows are bulk-copied against these columns.
var stagingColumns = []string{
	"date_created", "last_modified", "id",
	"object_identifier", "permission", "action",
	"group_id", "user_id", "created_by_id",
}

// PostgresEngine merges grant batches through a staging table. A naive
// per-row get-or-create loop does not survive the fan-outs this engine
// sees (thousands of files x actions x recipients), so candidate rows are
// bulk-copied into a temp table and merged with a single set-based
// insert that ignores conflicts on the uniqueness key.
type PostgresEngine struct {
	db     *database.PostgreSQL
	logger *logger.Logger
}

// NewPostgresEngine creates a Postgres-backed grant engine
func NewPostgresEngine(db *database.PostgreSQL, logger *logger.Logger) *PostgresEngine {
	return &PostgresEngine{db: db, logger: logger}
}

func (e *PostgresEngine) Grant(ctx context.Context, batch GrantBatch) (int64, error) {
	if batch.Value == "" {
		batch.Value = Allow
	}
	if batch.Size() == 0 {
		return 0, nil
	}

	tx, err := e.db.Pool().Begin(ctx)
	if err != nil {
		return 0, &GrantError{Err: err}
	}
	defer tx.Rollback(ctx)

	inserted, err := e.grantInTx(ctx, tx, batch)
	if err != nil {
		e.logger.Errorf("Grant batch of %d rows failed: %v", batch.Size(), err)
		return 0, &GrantError{Err: err}
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, &GrantError{Err: err}
	}

	e.logger.Infof("Granted %d new permissions (%d candidates)", inserted, batch.Size())
	return inserted, nil
}

func (e *PostgresEngine) grantInTx(ctx context.Context, tx pgx.Tx, batch GrantBatch) (int64, error) {
	tmp := tempTableName()

	// clone the permissions table structure, then truncate the copied row
	if _, err := tx.Exec(ctx, fmt.Sprintf("CREATE TEMP TABLE %s AS SELECT * FROM permissions LIMIT 1", tmp)); err != nil {
		return 0, fmt.Errorf("failed to create staging table: %w", err)
	}
	if _, err := tx.Exec(ctx, fmt.Sprintf("TRUNCATE TABLE %s", tmp)); err != nil {
		return 0, fmt.Errorf("failed to truncate staging table: %w", err)
	}

	now := time.Now()
	rows := make([][]interface{}, 0, batch.Size())
	for _, ident := range batch.ObjectIdentifiers {
		for _, action := range batch.Actions {
			for _, recipient := range batch.Recipients {
				var createdBy interface{}
				if batch.GrantedBy != "" {
					createdBy = batch.GrantedBy
				}
				rows = append(rows, []interface{}{
					now, now, uuid.New().String(),
					ident, string(batch.Value), string(action),
					nil, recipient, createdBy,
				})
			}
		}
	}

	if _, err := tx.CopyFrom(ctx, pgx.Identifier{tmp}, stagingColumns, pgx.CopyFromRows(rows)); err != nil {
		return 0, fmt.Errorf("failed to copy into staging table: %w", err)
	}

	// set-based merge; the unique constraint on
	// (action, permission, user_id, object_identifier) absorbs retries
	tag, err := tx.Exec(ctx, fmt.Sprintf("INSERT INTO permissions SELECT * FROM %s ON CONFLICT DO NOTHING", tmp))
	if err != nil {
		return 0, fmt.Errorf("failed to merge staging table: %w", err)
	}
	inserted := tag.RowsAffected()

	if batch.ShareID != "" {
		query := fmt.Sprintf(`
			INSERT INTO share_permissions (share_id, object_identifier, permission, action, user_id)
			SELECT $1, object_identifier, permission, action, user_id FROM %s
			ON CONFLICT DO NOTHING
		`, tmp)
		if _, err := tx.Exec(ctx, query, batch.ShareID); err != nil {
			return 0, fmt.Errorf("failed to record grant provenance: %w", err)
		}
	}

	if _, err := tx.Exec(ctx, fmt.Sprintf("DROP TABLE %s", tmp)); err != nil {
		return 0, fmt.Errorf("failed to drop staging table: %w", err)
	}

	return inserted, nil
}

func (e *PostgresEngine) Revoke(ctx context.Context, shareID string) (int64, error) {
	if shareID == "" {
		return 0, &GrantError{Err: errors.New("share id is required for revocation")}
	}

	tx, err := e.db.Pool().Begin(ctx)
	if err != nil {
		return 0, &GrantError{Err: err}
	}
	defer tx.Rollback(ctx)

	// remove only grants no other share still links to
	tag, err := tx.Exec(ctx, `
		DELETE FROM permissions p
		USING share_permissions sp
		WHERE sp.share_id = $1
		  AND p.action = sp.action
		  AND p.permission = sp.permission
		  AND p.user_id = sp.user_id
		  AND p.object_identifier = sp.object_identifier
		  AND NOT EXISTS (
			SELECT 1 FROM share_permissions o
			WHERE o.share_id <> $1
			  AND o.action = sp.action
			  AND o.permission = sp.permission
			  AND o.user_id = sp.user_id
			  AND o.object_identifier = sp.object_identifier
		  )
	`, shareID)
	if err != nil {
		return 0, &GrantError{Err: fmt.Errorf("failed to revoke grants: %w", err)}
	}

	if _, err := tx.Exec(ctx, "DELETE FROM share_permissions WHERE share_id = $1", shareID); err != nil {
		return 0, &GrantError{Err: fmt.Errorf("failed to drop grant provenance: %w", err)}
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, &GrantError{Err: err}
	}

	removed := tag.RowsAffected()
	e.logger.Infof("Revoked %d permissions for share %s", removed, shareID)
	return removed, nil
}

func (e *PostgresEngine) Check(ctx context.Context, userID, objectIdentifier string, action Action) (Value, error) {
	var value string
	err := e.db.Pool().QueryRow(ctx, `
		SELECT permission FROM permissions
		WHERE user_id = $1 AND object_identifier = $2 AND action = $3
		ORDER BY CASE permission WHEN 'deny' THEN 0 ELSE 1 END
		LIMIT 1
	`, userID, objectIdentifier, string(action)).Scan(&value)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			// default is deny
			return Deny, nil
		}
		return Deny, err
	}
	return Value(value), nil
}

// tempTableName returns a short random staging table name, unique
// enough within one session
func tempTableName() string {
	const letters = "ABCDEFGHIJKLMNOPQRSTUVWXYZ"
	b := make([]byte, 5)
	for i := range b {
		b[i] = letters[rand.Intn(len(letters))]
	}
	return "staging_" + string(b)
}
