// Package store persists transcripts and synthesized procedures in
// SQLite. The retrieval core never touches this package directly; it
// receives already-loaded records from callers.
package store

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/kshen3778/preceptra/internal/sop"
	"github.com/kshen3778/preceptra/internal/transcript"
)

//go:embed schema.sql
var schemaSQL string

// Open opens the database at dbPath and ensures the schema exists.
func Open(dbPath string) (*sql.DB, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Pragmas for performance + concurrency.
	// WAL allows concurrent readers while a writer is active.
	// busy_timeout reduces SQLITE_BUSY errors under contention.
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")
	_, _ = db.Exec("PRAGMA busy_timeout = 5000")
	_, _ = db.Exec("PRAGMA foreign_keys = ON")

	if _, err := db.Exec(schemaSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create schema: %w", err)
	}

	return db, nil
}

// SaveTranscript stores a transcript for a task, replacing any previous
// record for the same video (re-ingesting a dropped file is an overwrite,
// not an error).
func SaveTranscript(ctx context.Context, db *sql.DB, taskName string, t *transcript.Transcript) error {
	if t.VideoName == "" {
		return fmt.Errorf("store: transcript has no video name")
	}

	payload, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("store: marshal transcript: %w", err)
	}

	_, err = db.ExecContext(ctx, `
		INSERT OR REPLACE INTO transcripts (task_name, video_name, payload, created_at)
		VALUES (?, ?, ?, ?)
	`, taskName, t.VideoName, string(payload), time.Now().Unix())
	if err != nil {
		return fmt.Errorf("store: insert transcript: %w", err)
	}
	return nil
}

// Transcripts loads every transcript for a task, ordered by video name.
func Transcripts(ctx context.Context, db *sql.DB, taskName string) ([]transcript.Transcript, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT payload FROM transcripts WHERE task_name = ? ORDER BY video_name
	`, taskName)
	if err != nil {
		return nil, fmt.Errorf("store: query transcripts: %w", err)
	}
	defer rows.Close()

	var transcripts []transcript.Transcript
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, fmt.Errorf("store: scan transcript: %w", err)
		}
		var t transcript.Transcript
		if err := json.Unmarshal([]byte(payload), &t); err != nil {
			return nil, fmt.Errorf("store: unmarshal transcript: %w", err)
		}
		transcripts = append(transcripts, t)
	}
	return transcripts, rows.Err()
}

// Tasks lists all task names with at least one transcript.
func Tasks(ctx context.Context, db *sql.DB) ([]string, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT DISTINCT task_name FROM transcripts ORDER BY task_name
	`)
	if err != nil {
		return nil, fmt.Errorf("store: query tasks: %w", err)
	}
	defer rows.Close()

	var tasks []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("store: scan task: %w", err)
		}
		tasks = append(tasks, name)
	}
	return tasks, rows.Err()
}

// SaveSOP stores a new procedure version. ID and CreatedAt are assigned
// when unset; records are never updated in place.
func SaveSOP(ctx context.Context, db *sql.DB, s *sop.SOP) error {
	if s.TaskName == "" {
		return fmt.Errorf("store: sop has no task name")
	}
	if s.ID == "" {
		s.ID = uuid.New().String()
	}
	if s.CreatedAt.IsZero() {
		s.CreatedAt = time.Now()
	}

	_, err := db.ExecContext(ctx, `
		INSERT INTO sops (id, task_name, markdown, notes, created_at)
		VALUES (?, ?, ?, ?, ?)
	`, s.ID, s.TaskName, s.Markdown, s.Notes, s.CreatedAt.Unix())
	if err != nil {
		return fmt.Errorf("store: insert sop: %w", err)
	}
	return nil
}

// LatestSOP returns the newest procedure for a task, or nil when the task
// has none.
func LatestSOP(ctx context.Context, db *sql.DB, taskName string) (*sop.SOP, error) {
	row := db.QueryRowContext(ctx, `
		SELECT id, task_name, markdown, notes, created_at
		FROM sops
		WHERE task_name = ?
		ORDER BY created_at DESC, id
		LIMIT 1
	`, taskName)

	s, err := scanSOP(row.Scan)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("store: query latest sop: %w", err)
	}
	return s, nil
}

// SOPs lists a task's procedure versions, newest first.
func SOPs(ctx context.Context, db *sql.DB, taskName string) ([]sop.SOP, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT id, task_name, markdown, notes, created_at
		FROM sops
		WHERE task_name = ?
		ORDER BY created_at DESC, id
	`, taskName)
	if err != nil {
		return nil, fmt.Errorf("store: query sops: %w", err)
	}
	defer rows.Close()

	var sops []sop.SOP
	for rows.Next() {
		s, err := scanSOP(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("store: scan sop: %w", err)
		}
		sops = append(sops, *s)
	}
	return sops, rows.Err()
}

func scanSOP(scan func(...any) error) (*sop.SOP, error) {
	var s sop.SOP
	var createdAt int64
	if err := scan(&s.ID, &s.TaskName, &s.Markdown, &s.Notes, &createdAt); err != nil {
		return nil, err
	}
	s.CreatedAt = time.Unix(createdAt, 0)
	return &s, nil
}
