// Package journal writes sessions, finalized messages and turn transitions to
// SQLite for offline review. Nothing is ever restored from it.
package journal

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"Prosper/internal/session"
)

// ErrClosed is returned by Flush after Close
var ErrClosed = errors.New("journal closed")

const schema = `
CREATE TABLE IF NOT EXISTS sessions (
	id TEXT PRIMARY KEY,
	variant TEXT,
	start_time DATETIME,
	backend TEXT
);
CREATE TABLE IF NOT EXISTS messages (
	id TEXT PRIMARY KEY,
	session_id TEXT,
	seq INTEGER,
	role TEXT,
	content TEXT,
	display TEXT,
	parts TEXT,
	timestamp DATETIME,
	FOREIGN KEY(session_id) REFERENCES sessions(id)
);
CREATE TABLE IF NOT EXISTS transitions (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	session_id TEXT,
	from_state TEXT,
	to_state TEXT,
	reason TEXT,
	recorded_at DATETIME,
	FOREIGN KEY(session_id) REFERENCES sessions(id)
);`

// Journal records asynchronously so callers on the event loop never wait on
// disk. Writes are applied in call order.
type Journal struct {
	db     *sql.DB
	logger *slog.Logger
	now    func() time.Time

	ops  chan func(context.Context) error
	done chan struct{}

	mu     sync.Mutex
	closed bool
}

// Open opens or creates the journal database at path
func Open(path string, logger *slog.Logger) (*Journal, error) {
	if logger == nil {
		logger = slog.Default()
	}
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create tables: %w", err)
	}

	j := &Journal{
		db:     db,
		logger: logger,
		now:    time.Now,
		ops:    make(chan func(context.Context) error, 256),
		done:   make(chan struct{}),
	}
	go j.run()
	return j, nil
}

func (j *Journal) run() {
	defer close(j.done)
	for op := range j.ops {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := op(ctx); err != nil {
			j.logger.Error("journal write failed", "error", err)
		}
		cancel()
	}
}

func (j *Journal) enqueue(op func(context.Context) error) bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.closed {
		return false
	}
	select {
	case j.ops <- op:
		return true
	default:
		j.logger.Warn("journal queue full, dropping record")
		return false
	}
}

// RecordSession stores a new session
func (j *Journal) RecordSession(sess *session.Session, backend string) {
	id, variant, start := sess.ID, sess.Variant, sess.StartTime
	j.enqueue(func(ctx context.Context) error {
		_, err := j.db.ExecContext(ctx,
			"INSERT OR REPLACE INTO sessions (id, variant, start_time, backend) VALUES (?, ?, ?, ?)",
			id, variant, start, backend)
		if err != nil {
			return fmt.Errorf("failed to save session: %w", err)
		}
		return nil
	})
}

// RecordMessage stores a finalized message
func (j *Journal) RecordMessage(sessionID string, msg session.Message) {
	parts, err := json.Marshal(msg.Parts)
	if err != nil {
		j.logger.Warn("failed to encode message parts", "message_id", msg.ID, "error", err)
		parts = []byte("[]")
	}
	j.enqueue(func(ctx context.Context) error {
		tx, err := j.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("failed to begin transaction: %w", err)
		}
		defer tx.Rollback()

		if _, err := tx.ExecContext(ctx,
			`INSERT OR REPLACE INTO messages (id, session_id, seq, role, content, display, parts, timestamp)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			msg.ID, sessionID, msg.Seq, string(msg.Role), msg.Text(), msg.Display, string(parts), msg.Timestamp,
		); err != nil {
			return fmt.Errorf("failed to insert message: %w", err)
		}
		return tx.Commit()
	})
}

// RecordTransition stores a turn state change
func (j *Journal) RecordTransition(sessionID, from, to, reason string) {
	at := j.now()
	j.enqueue(func(ctx context.Context) error {
		_, err := j.db.ExecContext(ctx,
			"INSERT INTO transitions (session_id, from_state, to_state, reason, recorded_at) VALUES (?, ?, ?, ?, ?)",
			sessionID, from, to, reason, at)
		if err != nil {
			return fmt.Errorf("failed to insert transition: %w", err)
		}
		return nil
	})
}

// Flush waits until every record queued before the call is written
func (j *Journal) Flush(ctx context.Context) error {
	done := make(chan struct{})
	if !j.enqueue(func(context.Context) error { close(done); return nil }) {
		return ErrClosed
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close drains pending records and closes the database
func (j *Journal) Close() error {
	j.mu.Lock()
	if j.closed {
		j.mu.Unlock()
		return nil
	}
	j.closed = true
	close(j.ops)
	j.mu.Unlock()

	<-j.done
	return j.db.Close()
}

// Entry is a journaled message
type Entry struct {
	ID      string
	Seq     uint64
	Role    session.Role
	Content string
	Display string
}

// Messages returns a session's journaled messages in order
func (j *Journal) Messages(ctx context.Context, sessionID string) ([]Entry, error) {
	rows, err := j.db.QueryContext(ctx,
		"SELECT id, seq, role, content, display FROM messages WHERE session_id = ? ORDER BY seq", sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to query messages: %w", err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var e Entry
		var role string
		if err := rows.Scan(&e.ID, &e.Seq, &role, &e.Content, &e.Display); err != nil {
			return nil, fmt.Errorf("failed to scan message: %w", err)
		}
		e.Role = session.Role(role)
		out = append(out, e)
	}
	return out, rows.Err()
}

// Transition is a journaled state change
type Transition struct {
	From   string
	To     string
	Reason string
}

// Transitions returns a session's journaled state changes in order
func (j *Journal) Transitions(ctx context.Context, sessionID string) ([]Transition, error) {
	rows, err := j.db.QueryContext(ctx,
		"SELECT from_state, to_state, reason FROM transitions WHERE session_id = ? ORDER BY id", sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to query transitions: %w", err)
	}
	defer rows.Close()

	var out []Transition
	for rows.Next() {
		var t Transition
		if err := rows.Scan(&t.From, &t.To, &t.Reason); err != nil {
			return nil, fmt.Errorf("failed to scan transition: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}
