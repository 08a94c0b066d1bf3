package outbox

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/datafedhq/datafed/pkg/database"
	"github.com/datafedhq/datafed/pkg/logger"
)

// PostgresStore persists outbox messages in PostgreSQL
type PostgresStore struct {
	db     *database.PostgreSQL
	logger *logger.Logger
}

// NewPostgresStore creates a Postgres-backed outbox store
func NewPostgresStore(db *database.PostgreSQL, logger *logger.Logger) *PostgresStore {
	return &PostgresStore{db: db, logger: logger}
}

const messageColumns = `message_id, sender, recipient, payload, extra_data, processing, processed, status_code, response_body, error, tries, created`

// Terminal-state transitions. The error and response_body columns are
// NOT NULL in the schema, so clearing them writes '' rather than NULL.
const (
	sqlCompleteMessage = `
		UPDATE outbox_messages
		SET processing = false, processed = true, status_code = $2, response_body = $3, error = ''
		WHERE message_id = $1
	`
	sqlFailMessage = `
		UPDATE outbox_messages
		SET processing = false, processed = false, status_code = $2, response_body = $3, error = $4
		WHERE message_id = $1
	`
	sqlResetMessage = `
		UPDATE outbox_messages
		SET processing = false, processed = false, status_code = NULL, response_body = '', error = ''
		WHERE message_id = $1
	`
)

func (s *PostgresStore) Insert(ctx context.Context, msg *Message) error {
	if msg.ID == "" {
		msg.ID = uuid.New().String()
	}
	if msg.Created.IsZero() {
		msg.Created = time.Now()
	}

	extra, err := json.Marshal(msg.ExtraData)
	if err != nil {
		return err
	}

	query := `
		INSERT INTO outbox_messages (message_id, sender, recipient, payload, extra_data, created)
		VALUES ($1, $2, $3, $4, $5, $6)
	`
	_, err = s.db.Pool().Exec(ctx, query,
		msg.ID, msg.Sender, msg.Recipient, []byte(msg.Payload), extra, msg.Created)
	if err != nil {
		s.logger.Errorf("Failed to insert outbox message: %v", err)
		return err
	}
	return nil
}

func (s *PostgresStore) Get(ctx context.Context, id string) (*Message, error) {
	query := `SELECT ` + messageColumns + ` FROM outbox_messages WHERE message_id = $1`

	msg, err := s.scanMessage(s.db.Pool().QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrMessageNotFound
		}
		return nil, err
	}
	return msg, nil
}

func (s *PostgresStore) ListUnprocessed(ctx context.Context) ([]*Message, error) {
	query := `
		SELECT ` + messageColumns + `
		FROM outbox_messages
		WHERE NOT processed AND NOT processing
		ORDER BY created
	`

	rows, err := s.db.Pool().Query(ctx, query)
	if err != nil {
		s.logger.Errorf("Failed to list unprocessed messages: %v", err)
		return nil, err
	}
	defer rows.Close()

	var messages []*Message
	for rows.Next() {
		msg, err := s.scanMessage(rows)
		if err != nil {
			return nil, err
		}
		messages = append(messages, msg)
	}
	return messages, rows.Err()
}

func (s *PostgresStore) MarkProcessing(ctx context.Context, id string) (bool, error) {
	// the guard makes the transition atomic: a message claimed by a
	// concurrent sweep or already processed is simply not matched
	tag, err := s.db.Pool().Exec(ctx, `
		UPDATE outbox_messages
		SET processing = true, tries = tries + 1
		WHERE message_id = $1 AND NOT processing AND NOT processed
	`, id)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

func (s *PostgresStore) Complete(ctx context.Context, id string, statusCode *int, body string) error {
	_, err := s.db.Pool().Exec(ctx, sqlCompleteMessage, id, statusCode, body)
	return err
}

func (s *PostgresStore) Fail(ctx context.Context, id string, statusCode *int, body, errMsg string) error {
	_, err := s.db.Pool().Exec(ctx, sqlFailMessage, id, statusCode, body, errMsg)
	return err
}

func (s *PostgresStore) ResetForReplay(ctx context.Context, id string) error {
	_, err := s.db.Pool().Exec(ctx, sqlResetMessage, id)
	return err
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func (s *PostgresStore) scanMessage(row rowScanner) (*Message, error) {
	var msg Message
	var payload, extra []byte
	var recipient *string

	err := row.Scan(
		&msg.ID,
		&msg.Sender,
		&recipient,
		&payload,
		&extra,
		&msg.Processing,
		&msg.Processed,
		&msg.StatusCode,
		&msg.ResponseBody,
		&msg.Error,
		&msg.Tries,
		&msg.Created,
	)
	if err != nil {
		return nil, err
	}

	if recipient != nil {
		msg.Recipient = *recipient
	}
	msg.Payload = json.RawMessage(payload)
	if len(extra) > 0 {
		if err := json.Unmarshal(extra, &msg.ExtraData); err != nil {
			s.logger.Warnf("Outbox message %s has corrupt extra data: %v", msg.ID, err)
		}
	}
	return &msg, nil
}
