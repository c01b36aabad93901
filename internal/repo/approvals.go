package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"clawcontrol/internal/domain"
)

const approvalColumns = `id,work_order_id,operation_id,type,status,question_md,requested_by,COALESCE(decided_by,''),decided_at,resume_suppressed,created_at`

func scanApproval(row rowScanner) (domain.Approval, error) {
	var a domain.Approval
	var decidedAt sql.NullString
	var suppressed int
	err := row.Scan(&a.ID, &a.WorkOrderID, &a.OperationID, &a.Type, &a.Status, &a.QuestionMD, &a.RequestedBy,
		&a.DecidedBy, &decidedAt, &suppressed, &a.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return a, ErrNotFound
	}
	if err != nil {
		return a, err
	}
	if decidedAt.Valid {
		a.DecidedAt = &decidedAt.String
	}
	a.ResumeSuppressed = suppressed != 0
	return a, nil
}

func (r Repo) InsertApproval(ctx context.Context, tx DBTX, a domain.Approval) error {
	_, err := r.q(tx).ExecContext(ctx, `INSERT INTO approvals(id,work_order_id,operation_id,type,status,question_md,requested_by,created_at) VALUES (?,?,?,?,?,?,?,?)`,
		a.ID, a.WorkOrderID, a.OperationID, string(a.Type), string(a.Status), a.QuestionMD, a.RequestedBy, a.CreatedAt)
	return err
}

func (r Repo) GetApproval(ctx context.Context, tx DBTX, id string) (domain.Approval, error) {
	return scanApproval(r.q(tx).QueryRowContext(ctx, `SELECT `+approvalColumns+` FROM approvals WHERE id=?`, id))
}

type ApprovalFilters struct {
	WorkOrderID string
	OperationID string
	Type        domain.ApprovalType
	Status      domain.ApprovalStatus
	Limit       int
}

func (r Repo) ListApprovals(ctx context.Context, tx DBTX, f ApprovalFilters) ([]domain.Approval, error) {
	clauses := []string{"1=1"}
	var args []any
	if f.WorkOrderID != "" {
		clauses = append(clauses, "work_order_id=?")
		args = append(args, f.WorkOrderID)
	}
	if f.OperationID != "" {
		clauses = append(clauses, "operation_id=?")
		args = append(args, f.OperationID)
	}
	if f.Type != "" {
		clauses = append(clauses, "type=?")
		args = append(args, string(f.Type))
	}
	if f.Status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, string(f.Status))
	}
	query := fmt.Sprintf(`SELECT %s FROM approvals WHERE %s ORDER BY created_at DESC, id DESC`, approvalColumns, strings.Join(clauses, " AND "))
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.q(tx).QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Approval
	for rows.Next() {
		a, err := scanApproval(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, a)
	}
	return res, rows.Err()
}

// DecideApproval records a decision on a pending approval. It reports false
// when the approval was already decided.
func (r Repo) DecideApproval(ctx context.Context, tx DBTX, id string, status domain.ApprovalStatus, decidedBy, decidedAt string) (bool, error) {
	res, err := r.q(tx).ExecContext(ctx, `UPDATE approvals SET status=?, decided_by=?, decided_at=? WHERE id=? AND status='pending'`,
		string(status), decidedBy, decidedAt, id)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

func (r Repo) MarkApprovalResumeSuppressed(ctx context.Context, tx DBTX, id string) error {
	res, err := r.q(tx).ExecContext(ctx, `UPDATE approvals SET resume_suppressed=1 WHERE id=?`, id)
	if err != nil {
		return err
	}
	return affectedOrNotFound(res)
}
