package store

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/golang-migrate/migrate/v4"
	msqlite "github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

var tracer = otel.Tracer("dispatch/store")

// DB wraps the sqlite handle shared by the event store and the workspace
// index.
type DB struct {
	conn *sql.DB
}

// NewDB opens (and creates, if necessary) the database at path and runs any
// pending migrations. Parent directories are created with 0700.
func NewDB(path string) (*DB, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0700); err != nil {
			return nil, fmt.Errorf("create database directory: %w", err)
		}
	}

	dsn := "file:" + path + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)"
	conn, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// sqlite allows a single writer; one connection sidesteps SQLITE_BUSY
	// races between the event log and the workspace index.
	conn.SetMaxOpenConns(1)

	if err := runMigrations(conn); err != nil {
		conn.Close()
		return nil, err
	}

	return &DB{conn: conn}, nil
}

func runMigrations(conn *sql.DB) error {
	src, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("load migrations: %w", err)
	}

	driver, err := msqlite.WithInstance(conn, &msqlite.Config{})
	if err != nil {
		return fmt.Errorf("migration driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", src, "sqlite", driver)
	if err != nil {
		return fmt.Errorf("migrator: %w", err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("run migrations: %w", err)
	}
	return nil
}

// Conn exposes the underlying handle for collaborators that share the
// database (the workspace index).
func (d *DB) Conn() *sql.DB { return d.conn }

// Close closes the database.
func (d *DB) Close() error { return d.conn.Close() }

// SQLiteStore implements Store on the shared sqlite database.
type SQLiteStore struct {
	db *DB
}

// NewSQLiteStore creates an event store backed by db.
func NewSQLiteStore(db *DB) *SQLiteStore {
	return &SQLiteStore{db: db}
}

var _ Store = (*SQLiteStore)(nil)

// Append persists the event with the next sequence number for the session.
// The seq assignment and insert are a single statement, so concurrent
// appends for the same session cannot interleave into a gap or duplicate.
func (s *SQLiteStore) Append(ctx context.Context, sessionID string, ev Event) (int64, error) {
	ctx, span := tracer.Start(ctx, "store.Append")
	defer span.End()
	span.SetAttributes(
		attribute.String("session.id", sessionID),
		attribute.String("event.channel", ev.Channel),
	)

	ts := ev.Timestamp
	if ts.IsZero() {
		ts = time.Now().UTC()
	}

	var seq int64
	err := s.db.conn.QueryRowContext(ctx,
		`INSERT INTO session_events (session_id, seq, channel, event_type, payload, created_at)
		 SELECT ?, COALESCE(MAX(seq), 0) + 1, ?, ?, ?, ?
		 FROM session_events WHERE session_id = ?
		 RETURNING seq`,
		sessionID, ev.Channel, ev.Type, ev.Payload, ts.UnixMilli(), sessionID,
	).Scan(&seq)
	if err != nil {
		return 0, &StorageError{Op: "append", Err: err}
	}

	span.SetAttributes(attribute.Int64("event.seq", seq))
	return seq, nil
}

// Events returns all events for the session with seq > afterSeq, ascending.
func (s *SQLiteStore) Events(ctx context.Context, sessionID string, afterSeq int64) ([]Event, error) {
	ctx, span := tracer.Start(ctx, "store.Events")
	defer span.End()
	span.SetAttributes(
		attribute.String("session.id", sessionID),
		attribute.Int64("after.seq", afterSeq),
	)

	rows, err := s.db.conn.QueryContext(ctx,
		`SELECT seq, channel, event_type, payload, created_at
		 FROM session_events
		 WHERE session_id = ? AND seq > ?
		 ORDER BY seq ASC`,
		sessionID, afterSeq,
	)
	if err != nil {
		return nil, &StorageError{Op: "read", Err: err}
	}
	defer func() { _ = rows.Close() }()

	var events []Event
	for rows.Next() {
		ev := Event{SessionID: sessionID}
		var createdAt int64
		if err := rows.Scan(&ev.Seq, &ev.Channel, &ev.Type, &ev.Payload, &createdAt); err != nil {
			return nil, &StorageError{Op: "scan", Err: err}
		}
		ev.Timestamp = time.UnixMilli(createdAt).UTC()
		events = append(events, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, &StorageError{Op: "iterate", Err: err}
	}

	return events, nil
}
