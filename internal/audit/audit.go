// Package audit records every privileged command invocation to a local
// sqlite database, so partial failures in multi-step operations can be
// diagnosed after the fact.
package audit

import (
	"database/sql"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog"
)

// Log stores command execution records with time-based retention.
type Log struct {
	logger    zerolog.Logger
	db        *sql.DB
	retention time.Duration
}

func Open(logger zerolog.Logger, stateDir string) (*Log, error) {
	dbPath := filepath.Join(stateDir, "audit.db")
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open audit database: %w", err)
	}
	for _, pragma := range []string{
		"PRAGMA synchronous = NORMAL",
		"PRAGMA journal_mode = WAL",
	} {
		if _, err := db.Exec(pragma); err != nil {
			return nil, fmt.Errorf("failed to set pragma: %w", err)
		}
	}
	schema := `CREATE TABLE IF NOT EXISTS commands (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		cmd_id TEXT NOT NULL,
		command TEXT NOT NULL,
		args TEXT,
		exit_code INTEGER NOT NULL,
		duration_ms INTEGER NOT NULL,
		stderr TEXT,
		at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_commands_at ON commands(at);`
	if _, err := db.Exec(schema); err != nil {
		return nil, fmt.Errorf("failed to create audit schema: %w", err)
	}
	l := &Log{
		logger:    logger.With().Str("component", "audit").Logger(),
		db:        db,
		retention: 30 * 24 * time.Hour,
	}
	go l.pruneLoop()
	return l, nil
}

// Record implements shell.Recorder. Failures are logged, never surfaced:
// a broken audit trail must not fail storage operations.
func (l *Log) Record(id, name string, args []string, code int, duration time.Duration, stderr string) {
	_, err := l.db.Exec(
		"INSERT INTO commands (cmd_id, command, args, exit_code, duration_ms, stderr, at) VALUES (?, ?, ?, ?, ?, ?, ?)",
		id, name, strings.Join(args, " "), code, duration.Milliseconds(), stderr, time.Now().Unix(),
	)
	if err != nil {
		l.logger.Warn().Err(err).Str("cmd", name).Msg("audit insert failed")
	}
}

// Recent returns the newest n command records.
func (l *Log) Recent(n int) ([]Entry, error) {
	rows, err := l.db.Query(
		"SELECT cmd_id, command, args, exit_code, duration_ms, stderr, at FROM commands ORDER BY at DESC, id DESC LIMIT ?", n)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Entry
	for rows.Next() {
		var e Entry
		var at int64
		if err := rows.Scan(&e.CmdID, &e.Command, &e.Args, &e.ExitCode, &e.DurationMS, &e.Stderr, &at); err != nil {
			return nil, err
		}
		e.At = time.Unix(at, 0)
		out = append(out, e)
	}
	return out, rows.Err()
}

type Entry struct {
	CmdID      string    `json:"cmdId"`
	Command    string    `json:"command"`
	Args       string    `json:"args"`
	ExitCode   int       `json:"exitCode"`
	DurationMS int64     `json:"durationMs"`
	Stderr     string    `json:"stderr,omitempty"`
	At         time.Time `json:"at"`
}

func (l *Log) pruneLoop() {
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()
	for range ticker.C {
		cutoff := time.Now().Add(-l.retention).Unix()
		if _, err := l.db.Exec("DELETE FROM commands WHERE at < ?", cutoff); err != nil {
			l.logger.Warn().Err(err).Msg("audit prune failed")
		}
	}
}

func (l *Log) Close() error { return l.db.Close() }
