package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"clawcontrol/internal/domain"
)

const operationColumns = `id,work_order_id,stage,stage_index,key,title,station,status,assignee_agent_ids,depends_on_operation_ids,COALESCE(blocked_reason,''),COALESCE(escalation_reason,''),COALESCE(output,''),COALESCE(notes,''),created_at,updated_at,completed_at`

func scanOperation(row rowScanner) (domain.Operation, error) {
	var op domain.Operation
	var assignees, deps string
	var completedAt sql.NullString
	err := row.Scan(&op.ID, &op.WorkOrderID, &op.Stage, &op.StageIndex, &op.Key, &op.Title, &op.Station, &op.Status,
		&assignees, &deps, &op.BlockedReason, &op.EscalationReason, &op.Output, &op.Notes, &op.CreatedAt, &op.UpdatedAt, &completedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return op, ErrNotFound
	}
	if err != nil {
		return op, err
	}
	if op.AssigneeAgentIDs, err = decodeList(assignees); err != nil {
		return op, fmt.Errorf("operation %s assignees: %w", op.ID, err)
	}
	if op.DependsOnOperationIDs, err = decodeList(deps); err != nil {
		return op, fmt.Errorf("operation %s dependencies: %w", op.ID, err)
	}
	if completedAt.Valid {
		op.CompletedAt = &completedAt.String
	}
	return op, nil
}

// InsertOperation stores a new operation. New operations always start todo.
func (r Repo) InsertOperation(ctx context.Context, tx DBTX, op domain.Operation) error {
	_, err := r.q(tx).ExecContext(ctx, `INSERT INTO operations(id,work_order_id,stage,stage_index,key,title,station,status,assignee_agent_ids,depends_on_operation_ids,notes,created_at,updated_at)
VALUES (?,?,?,?,?,?,?,'todo',?,?,?,?,?)`,
		op.ID, op.WorkOrderID, op.Stage, op.StageIndex, op.Key, op.Title, op.Station,
		encodeList(op.AssigneeAgentIDs), encodeList(op.DependsOnOperationIDs), nullable(op.Notes), op.CreatedAt, op.UpdatedAt)
	return err
}

func (r Repo) GetOperation(ctx context.Context, tx DBTX, id string) (domain.Operation, error) {
	return scanOperation(r.q(tx).QueryRowContext(ctx, `SELECT `+operationColumns+` FROM operations WHERE id=?`, id))
}

type OperationFilters struct {
	WorkOrderID string
	Status      domain.OperationStatus
	AgentID     string
	Limit       int
}

func (r Repo) ListOperations(ctx context.Context, tx DBTX, f OperationFilters) ([]domain.Operation, error) {
	clauses := []string{"1=1"}
	var args []any
	if f.WorkOrderID != "" {
		clauses = append(clauses, "work_order_id=?")
		args = append(args, f.WorkOrderID)
	}
	if f.Status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, string(f.Status))
	}
	if f.AgentID != "" {
		clauses = append(clauses, "EXISTS (SELECT 1 FROM json_each(operations.assignee_agent_ids) WHERE value=?)")
		args = append(args, f.AgentID)
	}
	query := fmt.Sprintf(`SELECT %s FROM operations WHERE %s ORDER BY work_order_id, stage_index, created_at, key`, operationColumns, strings.Join(clauses, " AND "))
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.q(tx).QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Operation
	for rows.Next() {
		op, err := scanOperation(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, op)
	}
	return res, rows.Err()
}

// OperationFields are the plain fields editable outside the workflow engine.
type OperationFields struct {
	Title         *string
	Notes         *string
	BlockedReason *string
}

func (f OperationFields) Empty() bool {
	return f.Title == nil && f.Notes == nil && f.BlockedReason == nil
}

func (r Repo) UpdateOperationFields(ctx context.Context, tx DBTX, id string, f OperationFields, updatedAt string) error {
	var (
		fields []string
		args   []any
	)
	if f.Title != nil {
		fields = append(fields, "title=?")
		args = append(args, *f.Title)
	}
	if f.Notes != nil {
		fields = append(fields, "notes=?")
		args = append(args, nullable(*f.Notes))
	}
	if f.BlockedReason != nil {
		fields = append(fields, "blocked_reason=?")
		args = append(args, nullable(*f.BlockedReason))
	}
	if len(fields) == 0 {
		return nil
	}
	fields = append(fields, "updated_at=?")
	args = append(args, updatedAt, id)
	res, err := r.q(tx).ExecContext(ctx, fmt.Sprintf(`UPDATE operations SET %s WHERE id=?`, strings.Join(fields, ",")), args...)
	if err != nil {
		return err
	}
	return affectedOrNotFound(res)
}

// ActiveLoadByAgent counts in-progress operations per assigned agent.
func (r Repo) ActiveLoadByAgent(ctx context.Context, tx DBTX) (map[string]int, error) {
	rows, err := r.q(tx).QueryContext(ctx, `SELECT j.value, COUNT(*) FROM operations o, json_each(o.assignee_agent_ids) j
WHERE o.status='in_progress' GROUP BY j.value`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := map[string]int{}
	for rows.Next() {
		var agentID string
		var n int
		if err := rows.Scan(&agentID, &n); err != nil {
			return nil, err
		}
		res[agentID] = n
	}
	return res, rows.Err()
}
