package checkpoint

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/kadirpekel/priam/pkg/config"
	"github.com/kadirpekel/priam/pkg/session"

	_ "github.com/go-sql-driver/mysql"
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
)

// SQLStore is the default durable Store. One row per checkpoint version
// keyed by (tenant_id, session_id, version); history messages live in a
// session_messages side table, written once and shared across versions.
type SQLStore struct {
	db      *sql.DB
	dialect string
}

const (
	createCheckpointsTableSQL = `
CREATE TABLE IF NOT EXISTS checkpoints (
    tenant_id VARCHAR(255) NOT NULL,
    session_id VARCHAR(255) NOT NULL,
    version BIGINT NOT NULL,
    state_tag VARCHAR(32) NOT NULL,
    history_len BIGINT NOT NULL,
    payload TEXT NOT NULL,
    created_at TIMESTAMP NOT NULL,
    PRIMARY KEY (tenant_id, session_id, version)
);

CREATE INDEX IF NOT EXISTS idx_checkpoints_state_tag ON checkpoints(state_tag);
CREATE INDEX IF NOT EXISTS idx_checkpoints_created_at ON checkpoints(created_at);
`

	createMessagesTableSQL = `
CREATE TABLE IF NOT EXISTS session_messages (
    tenant_id VARCHAR(255) NOT NULL,
    session_id VARCHAR(255) NOT NULL,
    message_id VARCHAR(255) NOT NULL,
    step_index INTEGER NOT NULL,
    sequence_num BIGINT NOT NULL,
    message_json TEXT NOT NULL,
    created_at TIMESTAMP NOT NULL,
    PRIMARY KEY (tenant_id, session_id, message_id)
);

CREATE INDEX IF NOT EXISTS idx_session_messages_seq ON session_messages(tenant_id, session_id, sequence_num);
`
)

// NewSQLStore creates a Store on an existing database connection.
// Supported dialects: "postgres", "mysql", "sqlite".
func NewSQLStore(db *sql.DB, dialect string) (*SQLStore, error) {
	if db == nil {
		return nil, fmt.Errorf("database connection is required")
	}

	switch dialect {
	case "postgres", "mysql", "sqlite":

	default:
		return nil, fmt.Errorf("unsupported dialect: %s (supported: postgres, mysql, sqlite)", dialect)
	}

	s := &SQLStore{
		db:      db,
		dialect: dialect,
	}

	if err := s.initSchema(); err != nil {
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return s, nil
}

// NewSQLStoreFromConfig opens a connection described by cfg and creates a
// Store on it.
func NewSQLStoreFromConfig(cfg *config.DatabaseConfig) (*SQLStore, error) {
	if cfg == nil {
		return nil, fmt.Errorf("database configuration is required")
	}

	cfg.SetDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	db, err := sql.Open(cfg.DriverName(), cfg.DSN())
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(cfg.MaxConns)
	db.SetMaxIdleConns(cfg.MaxIdle)
	db.SetConnMaxLifetime(time.Hour)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to %s database '%s' at %s:%d: %w\n"+
			"  💡 Troubleshooting:\n"+
			"     - Ensure the database server is running\n"+
			"     - Check that the host and port are correct\n"+
			"     - Verify network connectivity\n"+
			"     - Confirm database credentials are correct\n"+
			"     - For Docker: ensure the container is running (docker ps)",
			cfg.Driver, cfg.Database, cfg.Host, cfg.Port, err)
	}

	return NewSQLStore(db, cfg.Dialect())
}

func (s *SQLStore) initSchema() error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	checkpointsSQL := createCheckpointsTableSQL
	messagesSQL := createMessagesTableSQL

	if s.dialect == "mysql" {
		// MySQL has no CREATE INDEX IF NOT EXISTS; declare indexes
		// inline so each statement stands alone.
		checkpointsSQL = `
CREATE TABLE IF NOT EXISTS checkpoints (
    tenant_id VARCHAR(255) NOT NULL,
    session_id VARCHAR(255) NOT NULL,
    version BIGINT NOT NULL,
    state_tag VARCHAR(32) NOT NULL,
    history_len BIGINT NOT NULL,
    payload TEXT NOT NULL,
    created_at TIMESTAMP NOT NULL,
    PRIMARY KEY (tenant_id, session_id, version),
    INDEX idx_checkpoints_state_tag (state_tag),
    INDEX idx_checkpoints_created_at (created_at)
);
`
		messagesSQL = `
CREATE TABLE IF NOT EXISTS session_messages (
    tenant_id VARCHAR(255) NOT NULL,
    session_id VARCHAR(255) NOT NULL,
    message_id VARCHAR(255) NOT NULL,
    step_index INTEGER NOT NULL,
    sequence_num BIGINT NOT NULL,
    message_json TEXT NOT NULL,
    created_at TIMESTAMP NOT NULL,
    PRIMARY KEY (tenant_id, session_id, message_id),
    INDEX idx_session_messages_seq (tenant_id, session_id, sequence_num)
);
`
	}

	if _, err := s.db.ExecContext(ctx, checkpointsSQL); err != nil {
		return fmt.Errorf("failed to create checkpoints table: %w", err)
	}

	if _, err := s.db.ExecContext(ctx, messagesSQL); err != nil {
		return fmt.Errorf("failed to create session_messages table: %w", err)
	}

	return nil
}

// Save persists the checkpoint in one transaction: the new history tail
// goes to the side table, the version row carries everything else.
func (s *SQLStore) Save(ctx context.Context, cp *Checkpoint) (uint64, error) {
	if err := cp.Validate(); err != nil {
		return 0, fmt.Errorf("invalid checkpoint: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}

	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	// Latest committed version and its history high-water mark.
	headQuery := `
SELECT version, history_len FROM checkpoints
WHERE tenant_id = ? AND session_id = ?
ORDER BY version DESC LIMIT 1
`
	if s.dialect == "postgres" {
		headQuery = `
SELECT version, history_len FROM checkpoints
WHERE tenant_id = $1 AND session_id = $2
ORDER BY version DESC LIMIT 1
`
	}

	var prevVersion uint64
	var committed int
	if scanErr := tx.QueryRowContext(ctx, headQuery, cp.TenantID, cp.SessionID).Scan(&prevVersion, &committed); scanErr != nil && !errors.Is(scanErr, sql.ErrNoRows) {
		err = fmt.Errorf("failed to read latest version: %w", scanErr)
		return 0, err
	}

	if committed > len(cp.History) {
		err = fmt.Errorf("history shrank: %d messages committed, checkpoint carries %d", committed, len(cp.History))
		return 0, err
	}

	version := prevVersion + 1
	now := time.Now()

	// Messages past the committed mark belong to no durable version;
	// a re-executed transition may have replaced them.
	deleteStraysQuery := `DELETE FROM session_messages WHERE tenant_id = ? AND session_id = ? AND sequence_num >= ?`
	if s.dialect == "postgres" {
		deleteStraysQuery = `DELETE FROM session_messages WHERE tenant_id = $1 AND session_id = $2 AND sequence_num >= $3`
	}
	if _, err = tx.ExecContext(ctx, deleteStraysQuery, cp.TenantID, cp.SessionID, committed); err != nil {
		err = fmt.Errorf("failed to clear uncommitted messages: %w", err)
		return 0, err
	}

	insertMessageQuery := `
INSERT INTO session_messages (tenant_id, session_id, message_id, step_index, sequence_num, message_json, created_at)
VALUES (?, ?, ?, ?, ?, ?, ?)
`
	if s.dialect == "postgres" {
		insertMessageQuery = `
INSERT INTO session_messages (tenant_id, session_id, message_id, step_index, sequence_num, message_json, created_at)
VALUES ($1, $2, $3, $4, $5, $6, $7)
`
	}

	for i := committed; i < len(cp.History); i++ {
		msg := cp.History[i]

		messageJSON, marshalErr := json.Marshal(msg)
		if marshalErr != nil {
			err = fmt.Errorf("failed to marshal message at index %d: %w", i, marshalErr)
			return 0, err
		}

		_, execErr := tx.ExecContext(ctx, insertMessageQuery,
			cp.TenantID, cp.SessionID, msg.ID, msg.StepIndex, i, string(messageJSON), now,
		)
		if execErr != nil {
			err = fmt.Errorf("failed to insert message at index %d: %w", i, execErr)
			return 0, err
		}
	}

	// The version row stores the checkpoint without its history; the
	// high-water mark says how much of the side table belongs to it.
	meta := *cp
	meta.Version = version
	meta.CreatedAt = now
	meta.HistoryLen = len(cp.History)
	meta.History = nil

	payload, marshalErr := meta.Serialize()
	if marshalErr != nil {
		err = fmt.Errorf("failed to serialize checkpoint: %w", marshalErr)
		return 0, err
	}

	insertCheckpointQuery := `
INSERT INTO checkpoints (tenant_id, session_id, version, state_tag, history_len, payload, created_at)
VALUES (?, ?, ?, ?, ?, ?, ?)
`
	if s.dialect == "postgres" {
		insertCheckpointQuery = `
INSERT INTO checkpoints (tenant_id, session_id, version, state_tag, history_len, payload, created_at)
VALUES ($1, $2, $3, $4, $5, $6, $7)
`
	}

	_, err = tx.ExecContext(ctx, insertCheckpointQuery,
		cp.TenantID, cp.SessionID, version, string(meta.State), meta.HistoryLen, string(payload), now,
	)
	if err != nil {
		err = fmt.Errorf("failed to insert checkpoint: %w", err)
		return 0, err
	}

	if err = tx.Commit(); err != nil {
		err = fmt.Errorf("failed to commit checkpoint: %w", err)
		return 0, err
	}

	return version, nil
}

// LoadLatest returns the newest checkpoint for the session, or nil.
func (s *SQLStore) LoadLatest(ctx context.Context, key session.Key) (*Checkpoint, error) {
	query := `
SELECT payload FROM checkpoints
WHERE tenant_id = ? AND session_id = ?
ORDER BY version DESC LIMIT 1
`
	if s.dialect == "postgres" {
		query = `
SELECT payload FROM checkpoints
WHERE tenant_id = $1 AND session_id = $2
ORDER BY version DESC LIMIT 1
`
	}

	return s.loadOne(ctx, key, query, key.TenantID, key.SessionID)
}

// LoadAt returns the newest checkpoint with version at most the given
// one, or nil when none is that old.
func (s *SQLStore) LoadAt(ctx context.Context, key session.Key, version uint64) (*Checkpoint, error) {
	query := `
SELECT payload FROM checkpoints
WHERE tenant_id = ? AND session_id = ? AND version <= ?
ORDER BY version DESC LIMIT 1
`
	if s.dialect == "postgres" {
		query = `
SELECT payload FROM checkpoints
WHERE tenant_id = $1 AND session_id = $2 AND version <= $3
ORDER BY version DESC LIMIT 1
`
	}

	return s.loadOne(ctx, key, query, key.TenantID, key.SessionID, version)
}

func (s *SQLStore) loadOne(ctx context.Context, key session.Key, query string, args ...any) (*Checkpoint, error) {
	var payload string
	err := s.db.QueryRowContext(ctx, query, args...).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query checkpoint: %w", err)
	}

	cp, err := Deserialize([]byte(payload))
	if err != nil {
		return nil, err
	}

	history, err := s.loadHistory(ctx, key, cp.HistoryLen)
	if err != nil {
		return nil, err
	}
	cp.History = history

	return cp, nil
}

func (s *SQLStore) loadHistory(ctx context.Context, key session.Key, historyLen int) ([]session.Message, error) {
	if historyLen <= 0 {
		return nil, nil
	}

	query := `
SELECT message_json FROM session_messages
WHERE tenant_id = ? AND session_id = ? AND sequence_num < ?
ORDER BY sequence_num ASC
`
	if s.dialect == "postgres" {
		query = `
SELECT message_json FROM session_messages
WHERE tenant_id = $1 AND session_id = $2 AND sequence_num < $3
ORDER BY sequence_num ASC
`
	}

	rows, err := s.db.QueryContext(ctx, query, key.TenantID, key.SessionID, historyLen)
	if err != nil {
		return nil, fmt.Errorf("failed to query messages: %w", err)
	}
	defer rows.Close()

	messages := make([]session.Message, 0, historyLen)
	for rows.Next() {
		var messageJSON string
		if err := rows.Scan(&messageJSON); err != nil {
			return nil, fmt.Errorf("failed to scan message: %w", err)
		}

		var msg session.Message
		if err := json.Unmarshal([]byte(messageJSON), &msg); err != nil {
			return nil, fmt.Errorf("failed to unmarshal message: %w", err)
		}

		messages = append(messages, msg)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating messages: %w", err)
	}

	if len(messages) != historyLen {
		return nil, fmt.Errorf("checkpoint expects %d messages, side table has %d", historyLen, len(messages))
	}

	return messages, nil
}

// ListVersions returns versions newest first.
func (s *SQLStore) ListVersions(ctx context.Context, key session.Key, limit int) ([]uint64, error) {
	query := `
SELECT version FROM checkpoints
WHERE tenant_id = ? AND session_id = ?
ORDER BY version DESC
`
	args := []any{key.TenantID, key.SessionID}

	if s.dialect == "postgres" {
		query = `
SELECT version FROM checkpoints
WHERE tenant_id = $1 AND session_id = $2
ORDER BY version DESC
`
	}

	if limit > 0 {
		if s.dialect == "postgres" {
			query += `LIMIT $3
`
		} else {
			query += `LIMIT ?
`
		}
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query versions: %w", err)
	}
	defer rows.Close()

	var versions []uint64
	for rows.Next() {
		var v uint64
		if err := rows.Scan(&v); err != nil {
			return nil, fmt.Errorf("failed to scan version: %w", err)
		}
		versions = append(versions, v)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating versions: %w", err)
	}

	return versions, nil
}

// Prune removes all but the newest keepLast versions. History messages
// stay: every surviving version still references them.
func (s *SQLStore) Prune(ctx context.Context, key session.Key, keepLast int) error {
	if keepLast <= 0 {
		return nil
	}

	versions, err := s.ListVersions(ctx, key, 1)
	if err != nil {
		return err
	}
	if len(versions) == 0 || versions[0] <= uint64(keepLast) {
		return nil
	}
	threshold := versions[0] - uint64(keepLast)

	query := `DELETE FROM checkpoints WHERE tenant_id = ? AND session_id = ? AND version <= ?`
	if s.dialect == "postgres" {
		query = `DELETE FROM checkpoints WHERE tenant_id = $1 AND session_id = $2 AND version <= $3`
	}

	if _, err := s.db.ExecContext(ctx, query, key.TenantID, key.SessionID, threshold); err != nil {
		return fmt.Errorf("failed to prune checkpoints: %w", err)
	}

	return nil
}

// ListByState returns keys whose latest checkpoint is in one of states.
func (s *SQLStore) ListByState(ctx context.Context, states ...session.State) ([]session.Key, error) {
	if len(states) == 0 {
		return nil, nil
	}

	placeholders := ""
	args := make([]any, 0, len(states))
	for i, st := range states {
		if i > 0 {
			placeholders += ", "
		}
		if s.dialect == "postgres" {
			placeholders += fmt.Sprintf("$%d", i+1)
		} else {
			placeholders += "?"
		}
		args = append(args, string(st))
	}

	query := fmt.Sprintf(`
SELECT c.tenant_id, c.session_id FROM checkpoints c
JOIN (
    SELECT tenant_id, session_id, MAX(version) AS version
    FROM checkpoints
    GROUP BY tenant_id, session_id
) latest ON c.tenant_id = latest.tenant_id
        AND c.session_id = latest.session_id
        AND c.version = latest.version
WHERE c.state_tag IN (%s)
ORDER BY c.tenant_id, c.session_id
`, placeholders)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query sessions by state: %w", err)
	}
	defer rows.Close()

	var keys []session.Key
	for rows.Next() {
		var key session.Key
		if err := rows.Scan(&key.TenantID, &key.SessionID); err != nil {
			return nil, fmt.Errorf("failed to scan session key: %w", err)
		}
		keys = append(keys, key)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating session keys: %w", err)
	}

	return keys, nil
}

// Drop removes every checkpoint and history row for the session.
func (s *SQLStore) Drop(ctx context.Context, key session.Key) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	deleteCheckpoints := `DELETE FROM checkpoints WHERE tenant_id = ? AND session_id = ?`
	deleteMessages := `DELETE FROM session_messages WHERE tenant_id = ? AND session_id = ?`
	if s.dialect == "postgres" {
		deleteCheckpoints = `DELETE FROM checkpoints WHERE tenant_id = $1 AND session_id = $2`
		deleteMessages = `DELETE FROM session_messages WHERE tenant_id = $1 AND session_id = $2`
	}

	if _, err = tx.ExecContext(ctx, deleteCheckpoints, key.TenantID, key.SessionID); err != nil {
		err = fmt.Errorf("failed to delete checkpoints: %w", err)
		return err
	}
	if _, err = tx.ExecContext(ctx, deleteMessages, key.TenantID, key.SessionID); err != nil {
		err = fmt.Errorf("failed to delete messages: %w", err)
		return err
	}

	if err = tx.Commit(); err != nil {
		err = fmt.Errorf("failed to commit drop: %w", err)
		return err
	}

	return nil
}

// Close closes the underlying database connection.
func (s *SQLStore) Close() error {
	return s.db.Close()
}
