// Package workspace persists the workspace→session association so clients
// can rediscover sessions for a directory after a full restart. The index
// is a side effect of session create/stop, never a source of truth for
// event ordering.
package workspace

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/fwdslsh/dispatch-sub014/internal/router"
	"github.com/fwdslsh/dispatch-sub014/internal/store"
)

// Entry is one remembered session under a workspace.
type Entry struct {
	SessionID string    `json:"sessionId"`
	Type      string    `json:"type"`
	Title     string    `json:"title"`
	CreatedAt time.Time `json:"createdAt"`
}

// Index stores workspace associations in the shared sqlite database.
type Index struct {
	conn *sql.DB
}

// NewIndex creates an Index on the shared database.
func NewIndex(db *store.DB) *Index {
	return &Index{conn: db.Conn()}
}

// Remember upserts the session under its workspace path.
func (i *Index) Remember(ctx context.Context, d router.Descriptor) error {
	_, err := i.conn.ExecContext(ctx,
		`INSERT OR REPLACE INTO workspace_sessions
		 (workspace_path, session_id, session_type, title, created_at)
		 VALUES (?, ?, ?, ?, ?)`,
		d.WorkspacePath, d.ID, string(d.Type), d.Title, d.CreatedAt.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("remember session: %w", err)
	}
	return nil
}

// Remove drops the association. Removing an absent row is not an error.
func (i *Index) Remove(ctx context.Context, workspacePath, sessionID string) error {
	_, err := i.conn.ExecContext(ctx,
		`DELETE FROM workspace_sessions WHERE workspace_path = ? AND session_id = ?`,
		workspacePath, sessionID,
	)
	if err != nil {
		return fmt.Errorf("remove session: %w", err)
	}
	return nil
}

// Sessions lists the remembered sessions for a workspace, oldest first.
func (i *Index) Sessions(ctx context.Context, workspacePath string) ([]Entry, error) {
	rows, err := i.conn.QueryContext(ctx,
		`SELECT session_id, session_type, title, created_at
		 FROM workspace_sessions
		 WHERE workspace_path = ?
		 ORDER BY created_at ASC`,
		workspacePath,
	)
	if err != nil {
		return nil, fmt.Errorf("list workspace sessions: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var entries []Entry
	for rows.Next() {
		var e Entry
		var createdAt int64
		if err := rows.Scan(&e.SessionID, &e.Type, &e.Title, &createdAt); err != nil {
			return nil, fmt.Errorf("scan workspace session: %w", err)
		}
		e.CreatedAt = time.UnixMilli(createdAt).UTC()
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate workspace sessions: %w", err)
	}
	return entries, nil
}
