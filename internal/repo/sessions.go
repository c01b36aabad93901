package repo

import (
	"context"
	"database/sql"
	"errors"

	"clawcontrol/internal/domain"
)

func (r Repo) GetSession(ctx context.Context, tx DBTX, key string) (domain.Session, error) {
	var s domain.Session
	err := r.q(tx).QueryRowContext(ctx, `SELECT key,agent_id,work_order_id,operation_id,created_at,last_used_at FROM sessions WHERE key=?`, key).
		Scan(&s.Key, &s.AgentID, &s.WorkOrderID, &s.OperationID, &s.CreatedAt, &s.LastUsedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return s, ErrNotFound
	}
	return s, err
}

// OpenSession inserts the session or touches last_used_at when it exists.
// It reports whether an existing session was reused.
func (r Repo) OpenSession(ctx context.Context, tx DBTX, s domain.Session) (domain.Session, bool, error) {
	existing, err := r.GetSession(ctx, tx, s.Key)
	switch {
	case err == nil:
		if _, err := r.q(tx).ExecContext(ctx, `UPDATE sessions SET last_used_at=? WHERE key=?`, s.LastUsedAt, s.Key); err != nil {
			return existing, true, err
		}
		existing.LastUsedAt = s.LastUsedAt
		return existing, true, nil
	case !errors.Is(err, ErrNotFound):
		return s, false, err
	}
	_, err = r.q(tx).ExecContext(ctx, `INSERT INTO sessions(key,agent_id,work_order_id,operation_id,created_at,last_used_at) VALUES (?,?,?,?,?,?)`,
		s.Key, s.AgentID, s.WorkOrderID, s.OperationID, s.CreatedAt, s.LastUsedAt)
	return s, false, err
}

func (r Repo) ListSessions(ctx context.Context, agentID string) ([]domain.Session, error) {
	query := `SELECT key,agent_id,work_order_id,operation_id,created_at,last_used_at FROM sessions`
	var args []any
	if agentID != "" {
		query += ` WHERE agent_id=?`
		args = append(args, agentID)
	}
	query += ` ORDER BY last_used_at DESC`
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Session
	for rows.Next() {
		var s domain.Session
		if err := rows.Scan(&s.Key, &s.AgentID, &s.WorkOrderID, &s.OperationID, &s.CreatedAt, &s.LastUsedAt); err != nil {
			return nil, err
		}
		res = append(res, s)
	}
	return res, rows.Err()
}
