package event

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/datafedhq/datafed/pkg/database"
	"github.com/datafedhq/datafed/pkg/logger"
)

// PostgresRecorder appends events to the events table
type PostgresRecorder struct {
	db     *database.PostgreSQL
	logger *logger.Logger
}

// NewPostgresRecorder creates a Postgres-backed recorder
func NewPostgresRecorder(db *database.PostgreSQL, logger *logger.Logger) *PostgresRecorder {
	return &PostgresRecorder{db: db, logger: logger}
}

func (r *PostgresRecorder) Record(ctx context.Context, ev *Event) error {
	id := ev.ID
	if id == "" {
		id = uuid.New().String()
	}
	created := ev.Created
	if created.IsZero() {
		created = time.Now()
	}

	_, err := r.db.Pool().Exec(ctx, `
		INSERT INTO events (event_id, actor, verb, project_id, share_id, created)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, id, ev.Actor, string(ev.Verb), ev.ProjectID, ev.ShareID, created)
	return err
}

// List returns all events in chronological order
func (r *PostgresRecorder) List(ctx context.Context) ([]*Event, error) {
	rows, err := r.db.Pool().Query(ctx, `
		SELECT event_id, actor, verb, project_id, share_id, created
		FROM events
		ORDER BY created, event_id
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []*Event
	for rows.Next() {
		var ev Event
		var verb string
		if err := rows.Scan(&ev.ID, &ev.Actor, &verb, &ev.ProjectID, &ev.ShareID, &ev.Created); err != nil {
			return nil, err
		}
		ev.Verb = Verb(verb)
		events = append(events, &ev)
	}
	return events, rows.Err()
}
