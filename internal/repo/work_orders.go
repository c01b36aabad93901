package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"clawcontrol/internal/domain"
)

const workOrderColumns = `id,code,title,COALESCE(goal,''),priority,state,workflow_id,COALESCE(current_stage,''),COALESCE(blocked_reason,''),COALESCE(notes,''),created_at,updated_at,shipped_at`

func scanWorkOrder(row rowScanner) (domain.WorkOrder, error) {
	var wo domain.WorkOrder
	var shippedAt sql.NullString
	err := row.Scan(&wo.ID, &wo.Code, &wo.Title, &wo.Goal, &wo.Priority, &wo.State, &wo.WorkflowID,
		&wo.CurrentStage, &wo.BlockedReason, &wo.Notes, &wo.CreatedAt, &wo.UpdatedAt, &shippedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return wo, ErrNotFound
	}
	if err != nil {
		return wo, err
	}
	if shippedAt.Valid {
		wo.ShippedAt = &shippedAt.String
	}
	return wo, nil
}

// NextWorkOrderSeq returns the next sequence number for work order codes.
func (r Repo) NextWorkOrderSeq(ctx context.Context, tx DBTX) (int, error) {
	var seq int
	if err := r.q(tx).QueryRowContext(ctx, `SELECT COALESCE(MAX(seq),0)+1 FROM work_orders`).Scan(&seq); err != nil {
		return 0, err
	}
	return seq, nil
}

// InsertWorkOrder stores a new work order. New work orders always start planned.
func (r Repo) InsertWorkOrder(ctx context.Context, tx DBTX, seq int, wo domain.WorkOrder) error {
	_, err := r.q(tx).ExecContext(ctx, `INSERT INTO work_orders(id,code,seq,title,goal,priority,state,workflow_id,current_stage,notes,created_at,updated_at)
VALUES (?,?,?,?,?,?,'planned',?,?,?,?,?)`,
		wo.ID, wo.Code, seq, wo.Title, nullable(wo.Goal), wo.Priority, wo.WorkflowID, nullable(wo.CurrentStage), nullable(wo.Notes), wo.CreatedAt, wo.UpdatedAt)
	return err
}

// GetWorkOrder loads a work order by id or code.
func (r Repo) GetWorkOrder(ctx context.Context, tx DBTX, ref string) (domain.WorkOrder, error) {
	return scanWorkOrder(r.q(tx).QueryRowContext(ctx, `SELECT `+workOrderColumns+` FROM work_orders WHERE id=? OR code=?`, ref, ref))
}

type WorkOrderFilters struct {
	States      []domain.WorkOrderState
	WorkflowID  string
	Limit       int
	OldestFirst bool
}

func (r Repo) ListWorkOrders(ctx context.Context, tx DBTX, f WorkOrderFilters) ([]domain.WorkOrder, error) {
	clauses := []string{"1=1"}
	var args []any
	if len(f.States) > 0 {
		marks := make([]string, len(f.States))
		for i, st := range f.States {
			marks[i] = "?"
			args = append(args, string(st))
		}
		clauses = append(clauses, "state IN ("+strings.Join(marks, ",")+")")
	}
	if f.WorkflowID != "" {
		clauses = append(clauses, "workflow_id=?")
		args = append(args, f.WorkflowID)
	}
	order := "created_at DESC, seq DESC"
	if f.OldestFirst {
		order = "created_at ASC, seq ASC"
	}
	query := fmt.Sprintf(`SELECT %s FROM work_orders WHERE %s ORDER BY %s`, workOrderColumns, strings.Join(clauses, " AND "), order)
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.q(tx).QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.WorkOrder
	for rows.Next() {
		wo, err := scanWorkOrder(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, wo)
	}
	return res, rows.Err()
}

// WorkOrderFields are the plain fields editable outside the workflow engine.
type WorkOrderFields struct {
	Title    *string
	Goal     *string
	Notes    *string
	Priority *int
}

func (f WorkOrderFields) Empty() bool {
	return f.Title == nil && f.Goal == nil && f.Notes == nil && f.Priority == nil
}

func (r Repo) UpdateWorkOrderFields(ctx context.Context, tx DBTX, id string, f WorkOrderFields, updatedAt string) error {
	var (
		fields []string
		args   []any
	)
	if f.Title != nil {
		fields = append(fields, "title=?")
		args = append(args, *f.Title)
	}
	if f.Goal != nil {
		fields = append(fields, "goal=?")
		args = append(args, nullable(*f.Goal))
	}
	if f.Notes != nil {
		fields = append(fields, "notes=?")
		args = append(args, nullable(*f.Notes))
	}
	if f.Priority != nil {
		fields = append(fields, "priority=?")
		args = append(args, *f.Priority)
	}
	if len(fields) == 0 {
		return nil
	}
	fields = append(fields, "updated_at=?")
	args = append(args, updatedAt, id)
	res, err := r.q(tx).ExecContext(ctx, fmt.Sprintf(`UPDATE work_orders SET %s WHERE id=?`, strings.Join(fields, ",")), args...)
	if err != nil {
		return err
	}
	return affectedOrNotFound(res)
}

// CountWorkOrdersByState returns counts keyed by state.
func (r Repo) CountWorkOrdersByState(ctx context.Context) (map[string]int, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT state, COUNT(*) FROM work_orders GROUP BY state`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := map[string]int{}
	for rows.Next() {
		var st string
		var n int
		if err := rows.Scan(&st, &n); err != nil {
			return nil, err
		}
		res[st] = n
	}
	return res, rows.Err()
}
