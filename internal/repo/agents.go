package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"clawcontrol/internal/domain"
)

const agentColumns = `id,name,status,wip_limit,capabilities,COALESCE(current_work_order_id,''),created_at,updated_at`

func scanAgent(row rowScanner) (domain.Agent, error) {
	var a domain.Agent
	var caps string
	err := row.Scan(&a.ID, &a.Name, &a.Status, &a.WIPLimit, &caps, &a.CurrentWorkOrderID, &a.CreatedAt, &a.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return a, ErrNotFound
	}
	if err != nil {
		return a, err
	}
	if a.Capabilities, err = decodeList(caps); err != nil {
		return a, fmt.Errorf("agent %s capabilities: %w", a.ID, err)
	}
	return a, nil
}

func (r Repo) InsertAgent(ctx context.Context, tx DBTX, a domain.Agent) error {
	_, err := r.q(tx).ExecContext(ctx, `INSERT INTO agents(id,name,status,wip_limit,capabilities,current_work_order_id,created_at,updated_at) VALUES (?,?,?,?,?,?,?,?)`,
		a.ID, a.Name, string(a.Status), a.WIPLimit, encodeList(a.Capabilities), nullable(a.CurrentWorkOrderID), a.CreatedAt, a.UpdatedAt)
	return err
}

func (r Repo) GetAgent(ctx context.Context, tx DBTX, id string) (domain.Agent, error) {
	return scanAgent(r.q(tx).QueryRowContext(ctx, `SELECT `+agentColumns+` FROM agents WHERE id=?`, id))
}

func (r Repo) ListAgents(ctx context.Context, tx DBTX, statuses ...domain.AgentStatus) ([]domain.Agent, error) {
	query := `SELECT ` + agentColumns + ` FROM agents`
	var args []any
	if len(statuses) > 0 {
		marks := make([]string, len(statuses))
		for i, st := range statuses {
			marks[i] = "?"
			args = append(args, string(st))
		}
		query += ` WHERE status IN (` + strings.Join(marks, ",") + `)`
	}
	query += ` ORDER BY created_at, id`
	rows, err := r.q(tx).QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Agent
	for rows.Next() {
		a, err := scanAgent(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, a)
	}
	return res, rows.Err()
}

func (r Repo) UpdateAgentStatus(ctx context.Context, tx DBTX, id string, status domain.AgentStatus, updatedAt string) error {
	res, err := r.q(tx).ExecContext(ctx, `UPDATE agents SET status=?, updated_at=? WHERE id=?`, string(status), updatedAt, id)
	if err != nil {
		return err
	}
	return affectedOrNotFound(res)
}

func (r Repo) SetAgentWorkOrder(ctx context.Context, tx DBTX, id, workOrderID, updatedAt string) error {
	res, err := r.q(tx).ExecContext(ctx, `UPDATE agents SET current_work_order_id=?, updated_at=? WHERE id=?`, nullable(workOrderID), updatedAt, id)
	if err != nil {
		return err
	}
	return affectedOrNotFound(res)
}

type AgentFields struct {
	Name         *string
	WIPLimit     *int
	Capabilities []string
}

func (r Repo) UpdateAgentFields(ctx context.Context, tx DBTX, id string, f AgentFields, updatedAt string) error {
	var (
		fields []string
		args   []any
	)
	if f.Name != nil {
		fields = append(fields, "name=?")
		args = append(args, *f.Name)
	}
	if f.WIPLimit != nil {
		fields = append(fields, "wip_limit=?")
		args = append(args, *f.WIPLimit)
	}
	if f.Capabilities != nil {
		fields = append(fields, "capabilities=?")
		args = append(args, encodeList(f.Capabilities))
	}
	if len(fields) == 0 {
		return nil
	}
	fields = append(fields, "updated_at=?")
	args = append(args, updatedAt, id)
	res, err := r.q(tx).ExecContext(ctx, fmt.Sprintf(`UPDATE agents SET %s WHERE id=?`, strings.Join(fields, ",")), args...)
	if err != nil {
		return err
	}
	return affectedOrNotFound(res)
}
