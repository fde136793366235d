// Package history keeps a local journal of deployment operations. Each
// install, update, repair, or uninstall appends one event, so an operator on
// the host can answer "what ran here, when, and how did it go" without
// central logging.
package history

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	_ "modernc.org/sqlite"

	"github.com/camhub/camdeploy/internal/validate"
)

// Outcomes recorded per event.
const (
	OutcomeOK      = "ok"
	OutcomeFailed  = "failed"
	OutcomeAborted = "aborted"
)

// Event is one journal entry.
type Event struct {
	ID          string `validate:"omitempty,ulid"`
	Action      string `validate:"required"`
	Branch      string
	Version     string
	IssuesFound int
	IssuesFixed int
	Outcome     string `validate:"required,oneof=ok failed aborted"`
	Detail      string
	StartedAt   time.Time
	FinishedAt  time.Time
}

// Journal is the sqlite-backed event log.
type Journal struct {
	db *sql.DB
	mu sync.Mutex
}

// Open creates or opens the journal under dataDir.
func Open(dataDir string) (*Journal, error) {
	if err := os.MkdirAll(dataDir, 0o700); err != nil {
		return nil, fmt.Errorf("create data directory: %w", err)
	}

	dbPath := filepath.Join(dataDir, "history.db")
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// WAL keeps the journal readable while a deploy is writing.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable WAL mode: %w", err)
	}

	j := &Journal{db: db}
	if err := j.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate database: %w", err)
	}
	return j, nil
}

func (j *Journal) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS events (
		id TEXT PRIMARY KEY,
		action TEXT NOT NULL,
		branch TEXT DEFAULT '',
		version TEXT DEFAULT '',
		issues_found INTEGER NOT NULL DEFAULT 0,
		issues_fixed INTEGER NOT NULL DEFAULT 0,
		outcome TEXT NOT NULL,
		detail TEXT DEFAULT '',
		started_at DATETIME NOT NULL,
		finished_at DATETIME NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_events_started ON events(started_at);
	`
	_, err := j.db.Exec(schema)
	return err
}

// Record appends an event. A zero ID is assigned; a zero FinishedAt is set
// to now.
func (j *Journal) Record(ev *Event) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	if err := validate.Struct(ev); err != nil {
		return err
	}
	if ev.ID == "" {
		ev.ID = ulid.Make().String()
	}
	if ev.FinishedAt.IsZero() {
		ev.FinishedAt = time.Now().UTC()
	}

	_, err := j.db.Exec(`
		INSERT INTO events (id, action, branch, version, issues_found, issues_fixed, outcome, detail, started_at, finished_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		ev.ID, ev.Action, ev.Branch, ev.Version, ev.IssuesFound, ev.IssuesFixed,
		ev.Outcome, ev.Detail, ev.StartedAt.UTC(), ev.FinishedAt.UTC())
	if err != nil {
		return fmt.Errorf("record event: %w", err)
	}
	return nil
}

// Recent returns the newest events, most recent first.
func (j *Journal) Recent(limit int) ([]*Event, error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	rows, err := j.db.Query(`
		SELECT id, action, branch, version, issues_found, issues_fixed, outcome, detail, started_at, finished_at
		FROM events ORDER BY started_at DESC, id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer rows.Close()

	var events []*Event
	for rows.Next() {
		ev := &Event{}
		if err := rows.Scan(&ev.ID, &ev.Action, &ev.Branch, &ev.Version,
			&ev.IssuesFound, &ev.IssuesFixed, &ev.Outcome, &ev.Detail,
			&ev.StartedAt, &ev.FinishedAt); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		events = append(events, ev)
	}
	return events, rows.Err()
}

// Close closes the underlying database.
func (j *Journal) Close() error {
	return j.db.Close()
}
