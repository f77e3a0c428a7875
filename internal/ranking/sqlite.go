package ranking

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// SQLiteStore keeps agent idle-since scores in a sqlite table.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens dsn and creates the agents table if needed.
func NewSQLiteStore(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// For in-memory SQLite, multiple connections create separate databases.
	// Keep a single connection to avoid schema/data disappearing across goroutines.
	if dsn == ":memory:" || strings.Contains(dsn, "mode=memory") {
		db.SetMaxOpenConns(1)
		db.SetMaxIdleConns(1)
	}

	store := &SQLiteStore{db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return store, nil
}

func (s *SQLiteStore) migrate() error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS agents (
			agent_id TEXT PRIMARY KEY,
			idle_since INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_agents_idle ON agents(idle_since, agent_id)`,
	}

	for _, m := range migrations {
		if _, err := s.db.Exec(m); err != nil {
			return err
		}
	}
	return nil
}

func (s *SQLiteStore) Upsert(ctx context.Context, agentID string, idleSince time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO agents (agent_id, idle_since) VALUES (?, ?)
		ON CONFLICT(agent_id) DO UPDATE SET idle_since = excluded.idle_since
	`, agentID, toScore(idleSince))
	if err != nil {
		return fmt.Errorf("failed to upsert agent %s: %w", agentID, err)
	}
	return nil
}

func (s *SQLiteStore) Remove(ctx context.Context, agentID string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM agents WHERE agent_id = ?`, agentID); err != nil {
		return fmt.Errorf("failed to remove agent %s: %w", agentID, err)
	}
	return nil
}

const selectLongestIdle = `SELECT agent_id FROM agents ORDER BY idle_since ASC, agent_id ASC LIMIT 1`

func (s *SQLiteStore) LongestIdle(ctx context.Context) (string, bool, error) {
	var agentID string
	err := s.db.QueryRowContext(ctx, selectLongestIdle).Scan(&agentID)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("failed to read longest idle agent: %w", err)
	}
	return agentID, true, nil
}

func (s *SQLiteStore) PopLongestIdle(ctx context.Context) (string, bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", false, fmt.Errorf("failed to begin pop: %w", err)
	}
	defer tx.Rollback()

	var agentID string
	err = tx.QueryRowContext(ctx, selectLongestIdle).Scan(&agentID)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("failed to read longest idle agent: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM agents WHERE agent_id = ?`, agentID); err != nil {
		return "", false, fmt.Errorf("failed to claim agent %s: %w", agentID, err)
	}
	if err := tx.Commit(); err != nil {
		return "", false, fmt.Errorf("failed to commit pop: %w", err)
	}
	return agentID, true, nil
}

func (s *SQLiteStore) ClaimLongestIdle(ctx context.Context, prefix string) (string, bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", false, fmt.Errorf("failed to begin claim: %w", err)
	}
	defer tx.Rollback()

	var agentID string
	err = tx.QueryRowContext(ctx, `
		SELECT agent_id FROM agents
		WHERE substr(agent_id, 1, ?) = ?
		ORDER BY idle_since ASC, agent_id ASC LIMIT 1
	`, len(prefix), prefix).Scan(&agentID)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("failed to read longest idle agent: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM agents WHERE agent_id = ?`, agentID); err != nil {
		return "", false, fmt.Errorf("failed to claim agent %s: %w", agentID, err)
	}
	if err := tx.Commit(); err != nil {
		return "", false, fmt.Errorf("failed to commit claim: %w", err)
	}
	return agentID, true, nil
}

func (s *SQLiteStore) IdleSince(ctx context.Context, agentID string) (time.Time, bool, error) {
	var score int64
	err := s.db.QueryRowContext(ctx, `SELECT idle_since FROM agents WHERE agent_id = ?`, agentID).Scan(&score)
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, fmt.Errorf("failed to read score for %s: %w", agentID, err)
	}
	return fromScore(score), true, nil
}

func (s *SQLiteStore) Len(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM agents`).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count agents: %w", err)
	}
	return n, nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
