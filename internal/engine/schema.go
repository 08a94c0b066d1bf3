package engine

import (
	"context"
	"fmt"
)

// DatabaseSchema contains the complete hub database schema.
// This is embedded directly in the code to avoid security risks of external SQL files.
const DatabaseSchema = `
-- =============================================================================
-- FEDERATION DIRECTORY
-- =============================================================================

CREATE TABLE IF NOT EXISTS nodes (
    node_id         TEXT PRIMARY KEY,
    node_identifier TEXT NOT NULL UNIQUE,
    node_name       TEXT NOT NULL DEFAULT '',
    api_address     TEXT NOT NULL DEFAULT '',
    did             TEXT NOT NULL DEFAULT '',
    created         TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS identities (
    identity_identifier TEXT PRIMARY KEY,
    node_id             TEXT NOT NULL REFERENCES nodes(node_id) ON DELETE CASCADE
);

-- =============================================================================
-- CONTENT
-- =============================================================================

CREATE TABLE IF NOT EXISTS cases (
    case_id         TEXT PRIMARY KEY,
    case_identifier TEXT NOT NULL UNIQUE,
    project_id      TEXT NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS codes (
    code_id         TEXT PRIMARY KEY,
    code_identifier TEXT NOT NULL UNIQUE,
    codesystem_id   TEXT NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS files (
    file_id         TEXT PRIMARY KEY,
    file_identifier TEXT NOT NULL UNIQUE,
    case_id         TEXT REFERENCES cases(case_id),
    project_id      TEXT NOT NULL,
    owner_id        TEXT NOT NULL,
    code_ids        TEXT[] NOT NULL DEFAULT '{}'
);

CREATE INDEX IF NOT EXISTS idx_files_project_owner ON files(project_id, owner_id);
CREATE INDEX IF NOT EXISTS idx_files_case ON files(case_id);

-- =============================================================================
-- PERMISSIONS
-- =============================================================================

CREATE TABLE IF NOT EXISTS permissions (
    date_created      TIMESTAMPTZ NOT NULL DEFAULT now(),
    last_modified     TIMESTAMPTZ NOT NULL DEFAULT now(),
    id                TEXT PRIMARY KEY,
    object_identifier TEXT NOT NULL,
    permission        TEXT NOT NULL,
    action            TEXT NOT NULL,
    group_id          TEXT,
    user_id           TEXT NOT NULL,
    created_by_id     TEXT,
    UNIQUE (action, permission, user_id, object_identifier)
);

CREATE INDEX IF NOT EXISTS idx_permissions_user ON permissions(user_id);

-- provenance: which share introduced which grant tuple
CREATE TABLE IF NOT EXISTS share_permissions (
    share_id          TEXT NOT NULL,
    object_identifier TEXT NOT NULL,
    permission        TEXT NOT NULL,
    action            TEXT NOT NULL,
    user_id           TEXT NOT NULL,
    PRIMARY KEY (share_id, object_identifier, permission, action, user_id)
);

-- =============================================================================
-- SHARES
-- =============================================================================

CREATE TABLE IF NOT EXISTS shares (
    share_id         TEXT PRIMARY KEY,
    share_identifier TEXT NOT NULL UNIQUE,
    share_name       TEXT NOT NULL,
    project_id       TEXT NOT NULL,
    created_by       TEXT NOT NULL,
    origin           TEXT NOT NULL DEFAULT '',
    file_query       BYTEA,
    content          JSONB,
    case_ids         TEXT[] NOT NULL DEFAULT '{}',
    file_ids         TEXT[] NOT NULL DEFAULT '{}',
    file_identifiers TEXT[] NOT NULL DEFAULT '{}',
    code_ids         TEXT[] NOT NULL DEFAULT '{}',
    code_system_ids  TEXT[] NOT NULL DEFAULT '{}',
    retracted        BOOLEAN NOT NULL DEFAULT false,
    created          TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS share_tokens (
    token_id           TEXT PRIMARY KEY,
    token_identifier   TEXT NOT NULL UNIQUE,
    share_id           TEXT NOT NULL REFERENCES shares(share_id) ON DELETE CASCADE,
    recipient          TEXT NOT NULL,
    project_identifier TEXT NOT NULL DEFAULT '',
    created_by         TEXT NOT NULL DEFAULT '',
    valid_from         TIMESTAMPTZ NOT NULL,
    valid_until        TIMESTAMPTZ NOT NULL,
    UNIQUE (share_id, recipient)
);

-- =============================================================================
-- EVENTS
-- =============================================================================

CREATE TABLE IF NOT EXISTS events (
    event_id   TEXT PRIMARY KEY,
    actor      TEXT NOT NULL DEFAULT '',
    verb       TEXT NOT NULL,
    project_id TEXT NOT NULL DEFAULT '',
    share_id   TEXT NOT NULL DEFAULT '',
    created    TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_events_share ON events(share_id);

-- =============================================================================
-- OUTBOX
-- =============================================================================

CREATE TABLE IF NOT EXISTS outbox_messages (
    message_id    TEXT PRIMARY KEY,
    sender        TEXT NOT NULL,
    recipient     TEXT,
    payload       JSONB NOT NULL,
    extra_data    JSONB,
    processing    BOOLEAN NOT NULL DEFAULT false,
    processed     BOOLEAN NOT NULL DEFAULT false,
    status_code   INTEGER,
    response_body TEXT NOT NULL DEFAULT '',
    error         TEXT NOT NULL DEFAULT '',
    tries         INTEGER NOT NULL DEFAULT 0,
    created       TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_outbox_pending ON outbox_messages(created) WHERE NOT processed;
`

// InitializeSchema applies the schema to the connected database. Every
// statement is idempotent, so running it against an already initialized
// database is safe.
func (e *Engine) InitializeSchema(ctx context.Context) error {
	if e.db == nil {
		return fmt.Errorf("schema initialization needs a database connection")
	}
	if _, err := e.db.Pool().Exec(ctx, DatabaseSchema); err != nil {
		return fmt.Errorf("failed to apply schema: %w", err)
	}
	e.logger.Infof("Database schema applied")
	return nil
}
