// Package archive keeps finished consensus sessions in SQLite for
// post-mortem inspection after their bus documents have expired.
package archive

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/jrc1883/meshbrain/logging"
	"github.com/jrc1883/meshbrain/protocol"
)

// ErrNotFound is returned by Get for unknown session ids.
var ErrNotFound = errors.New("archived session not found")

// migrations are applied in order; PRAGMA user_version records progress.
var migrations = []string{
	`CREATE TABLE IF NOT EXISTS sessions (
		id TEXT PRIMARY KEY,
		topic TEXT NOT NULL,
		trigger_type TEXT NOT NULL,
		outcome TEXT NOT NULL,
		rounds INTEGER NOT NULL DEFAULT 0,
		approval REAL NOT NULL DEFAULT 0,
		participants TEXT NOT NULL,
		created_at TEXT NOT NULL,
		resolved_at TEXT NOT NULL,
		document TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_sessions_outcome ON sessions(outcome);
	CREATE INDEX IF NOT EXISTS idx_sessions_resolved_at ON sessions(resolved_at);`,
	`ALTER TABLE sessions ADD COLUMN reason TEXT NOT NULL DEFAULT '';`,
}

// Summary is one row of List.
type Summary struct {
	ID               string         `json:"id"`
	Topic            string         `json:"topic"`
	Trigger          string         `json:"trigger"`
	Outcome          protocol.Phase `json:"outcome"`
	Rounds           int            `json:"rounds"`
	ApprovalFraction float64        `json:"approval_fraction"`
	Participants     []string       `json:"participants"`
	Reason           string         `json:"reason,omitempty"`
	CreatedAt        time.Time      `json:"created_at"`
	ResolvedAt       time.Time      `json:"resolved_at"`
}

// ListOptions filter List.
type ListOptions struct {
	// Outcome restricts the result to one terminal phase.
	Outcome protocol.Phase
	// Limit caps the number of rows; zero means 50.
	Limit int
}

// Options configure a Store.
type Options struct {
	Logger logging.Logger
}

// Store is the SQLite session archive.
type Store struct {
	db     *sql.DB
	logger logging.Logger
}

// Open opens or creates the archive at path and migrates it.
func Open(path string, optFns ...func(o *Options)) (*Store, error) {
	opts := Options{Logger: logging.NoOpLogger{}}
	for _, fn := range optFns {
		fn(&opts)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create archive directory: %w", err)
	}
	db, err := sql.Open("sqlite", path+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("open archive: %w", err)
	}
	// One writer at a time.
	db.SetMaxOpenConns(1)

	s := &Store{db: db, logger: opts.Logger}
	if err := s.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate archive: %w", err)
	}
	return s, nil
}

func (s *Store) migrate(ctx context.Context) error {
	var version int
	if err := s.db.QueryRowContext(ctx, `PRAGMA user_version`).Scan(&version); err != nil {
		return err
	}
	for i := version; i < len(migrations); i++ {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, migrations[i]); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("migration %d: %w", i+1, err)
		}
		if _, err := tx.ExecContext(ctx, fmt.Sprintf(`PRAGMA user_version = %d`, i+1)); err != nil {
			_ = tx.Rollback()
			return err
		}
		if err := tx.Commit(); err != nil {
			return err
		}
		s.logger.Debug("Archive migrated", "version", i+1)
	}
	return nil
}

// Close closes the database.
func (s *Store) Close() error { return s.db.Close() }

// Save stores s, replacing an earlier copy with the same id. Sessions
// that have not reached a terminal phase are rejected.
func (s *Store) Save(ctx context.Context, sess *protocol.Session) error {
	if !sess.Phase.Terminal() {
		return fmt.Errorf("archive session %s: phase %s is not terminal", sess.ID, sess.Phase)
	}
	doc, err := json.Marshal(sess)
	if err != nil {
		return fmt.Errorf("marshal session %s: %w", sess.ID, err)
	}
	var (
		rounds     int
		approval   float64
		reason     string
		resolvedAt = sess.UpdatedAt
	)
	if r := sess.Resolution; r != nil {
		rounds, approval, reason, resolvedAt = r.Rounds, r.ApprovalFraction, r.Reason, r.ResolvedAt
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO sessions (id, topic, trigger_type, outcome, rounds, approval, participants, reason, created_at, resolved_at, document)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
		   topic = excluded.topic, trigger_type = excluded.trigger_type, outcome = excluded.outcome,
		   rounds = excluded.rounds, approval = excluded.approval, participants = excluded.participants,
		   reason = excluded.reason, created_at = excluded.created_at, resolved_at = excluded.resolved_at,
		   document = excluded.document`,
		sess.ID, sess.Topic, string(sess.Trigger), string(sess.Phase), rounds, approval,
		strings.Join(sess.RingOrder, ","), reason, formatTime(sess.CreatedAt), formatTime(resolvedAt), string(doc),
	)
	if err != nil {
		return fmt.Errorf("insert session %s: %w", sess.ID, err)
	}
	return nil
}

// Get returns the archived session with id.
func (s *Store) Get(ctx context.Context, id string) (*protocol.Session, error) {
	var doc string
	err := s.db.QueryRowContext(ctx, `SELECT document FROM sessions WHERE id = ?`, id).Scan(&doc)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("query session %s: %w", id, err)
	}
	var sess protocol.Session
	if err := json.Unmarshal([]byte(doc), &sess); err != nil {
		return nil, fmt.Errorf("decode session %s: %w", id, err)
	}
	return &sess, nil
}

// List returns archived sessions, most recently resolved first.
func (s *Store) List(ctx context.Context, opts ListOptions) ([]Summary, error) {
	query := `SELECT id, topic, trigger_type, outcome, rounds, approval, participants, reason, created_at, resolved_at FROM sessions`
	var args []any
	if opts.Outcome != "" {
		query += ` WHERE outcome = ?`
		args = append(args, string(opts.Outcome))
	}
	limit := opts.Limit
	if limit <= 0 {
		limit = 50
	}
	query += ` ORDER BY resolved_at DESC, id LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query sessions: %w", err)
	}
	defer rows.Close()

	var out []Summary
	for rows.Next() {
		var (
			sum                   Summary
			outcome, participants string
			created, resolved     string
		)
		if err := rows.Scan(&sum.ID, &sum.Topic, &sum.Trigger, &outcome, &sum.Rounds, &sum.ApprovalFraction,
			&participants, &sum.Reason, &created, &resolved); err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		sum.Outcome = protocol.Phase(outcome)
		if participants != "" {
			sum.Participants = strings.Split(participants, ",")
		}
		sum.CreatedAt = parseTime(created)
		sum.ResolvedAt = parseTime(resolved)
		out = append(out, sum)
	}
	return out, rows.Err()
}

// Count returns the number of archived sessions per outcome.
func (s *Store) Count(ctx context.Context) (map[protocol.Phase]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT outcome, COUNT(*) FROM sessions GROUP BY outcome`)
	if err != nil {
		return nil, fmt.Errorf("count sessions: %w", err)
	}
	defer rows.Close()
	out := make(map[protocol.Phase]int)
	for rows.Next() {
		var outcome string
		var n int
		if err := rows.Scan(&outcome, &n); err != nil {
			return nil, err
		}
		out[protocol.Phase(outcome)] = n
	}
	return out, rows.Err()
}

// formatTime uses a fixed-width layout so that text order is time order.
func formatTime(t time.Time) string { return t.UTC().Format("2006-01-02T15:04:05.000000000Z") }

func parseTime(s string) time.Time {
	t, err := time.Parse("2006-01-02T15:04:05.000000000Z", s)
	if err != nil {
		return time.Time{}
	}
	return t
}
