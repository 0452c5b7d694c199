package store

import (
	"context"
	"fmt"
	"time"

	"github.com/joss/kado/internal/memory"
)

var _ memory.History = (*Archive)(nil)

// Append records one conversation turn for sessionID.
func (a *Archive) Append(ctx context.Context, sessionID string, m memory.Message) error {
	if sessionID == "" {
		return ErrInvalidID
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if err := a.check(); err != nil {
		return err
	}
	if m.Timestamp.IsZero() {
		m.Timestamp = time.Now()
	}
	_, err := a.db.ExecContext(ctx,
		`INSERT INTO messages (session_id, role, content, created_at) VALUES (?, ?, ?, ?)`,
		sessionID, m.Role, m.Content, m.Timestamp.UTC())
	if err != nil {
		return fmt.Errorf("insert message: %w", err)
	}
	return nil
}

// Recent returns up to n of the latest turns of sessionID, oldest first.
func (a *Archive) Recent(ctx context.Context, sessionID string, n int) ([]memory.Message, error) {
	if n <= 0 {
		return nil, nil
	}
	a.mu.RLock()
	defer a.mu.RUnlock()
	if err := a.check(); err != nil {
		return nil, err
	}

	rows, err := a.db.QueryContext(ctx, `
		SELECT role, content, created_at FROM (
			SELECT seq, role, content, created_at FROM messages
			WHERE session_id = ? ORDER BY seq DESC LIMIT ?
		) ORDER BY seq ASC
	`, sessionID, n)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []memory.Message
	for rows.Next() {
		var m memory.Message
		if err := rows.Scan(&m.Role, &m.Content, &m.Timestamp); err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// ClearHistory forgets every turn of sessionID.
func (a *Archive) ClearHistory(ctx context.Context, sessionID string) (int, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if err := a.check(); err != nil {
		return 0, err
	}
	res, err := a.db.ExecContext(ctx, `DELETE FROM messages WHERE session_id = ?`, sessionID)
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}
