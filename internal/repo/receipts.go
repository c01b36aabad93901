package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"clawcontrol/internal/domain"
)

const receiptColumns = `id,action_kind,command_name,actor_id,COALESCE(target_kind,''),COALESCE(target_id,''),status,exit_code,stdout,stderr,started_at,ended_at`

func scanReceipt(row rowScanner) (domain.Receipt, error) {
	var rc domain.Receipt
	var exitCode sql.NullInt64
	var endedAt sql.NullString
	err := row.Scan(&rc.ID, &rc.ActionKind, &rc.CommandName, &rc.ActorID, &rc.TargetKind, &rc.TargetID, &rc.Status,
		&exitCode, &rc.Stdout, &rc.Stderr, &rc.StartedAt, &endedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return rc, ErrNotFound
	}
	if err != nil {
		return rc, err
	}
	if exitCode.Valid {
		v := int(exitCode.Int64)
		rc.ExitCode = &v
	}
	if endedAt.Valid {
		rc.EndedAt = &endedAt.String
	}
	return rc, nil
}

func (r Repo) InsertReceipt(ctx context.Context, tx DBTX, rc domain.Receipt) error {
	_, err := r.q(tx).ExecContext(ctx, `INSERT INTO receipts(id,action_kind,command_name,actor_id,target_kind,target_id,status,started_at) VALUES (?,?,?,?,?,?,'running',?)`,
		rc.ID, rc.ActionKind, rc.CommandName, rc.ActorID, nullable(rc.TargetKind), nullable(rc.TargetID), rc.StartedAt)
	return err
}

func (r Repo) GetReceipt(ctx context.Context, tx DBTX, id string) (domain.Receipt, error) {
	return scanReceipt(r.q(tx).QueryRowContext(ctx, `SELECT `+receiptColumns+` FROM receipts WHERE id=?`, id))
}

type ReceiptFilters struct {
	ActionKind string
	TargetKind string
	TargetID   string
	Status     domain.ReceiptStatus
	Limit      int
}

func (r Repo) ListReceipts(ctx context.Context, f ReceiptFilters) ([]domain.Receipt, error) {
	clauses := []string{"1=1"}
	var args []any
	if f.ActionKind != "" {
		clauses = append(clauses, "action_kind=?")
		args = append(args, f.ActionKind)
	}
	if f.TargetKind != "" {
		clauses = append(clauses, "target_kind=?")
		args = append(args, f.TargetKind)
	}
	if f.TargetID != "" {
		clauses = append(clauses, "target_id=?")
		args = append(args, f.TargetID)
	}
	if f.Status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, string(f.Status))
	}
	query := fmt.Sprintf(`SELECT %s FROM receipts WHERE %s ORDER BY started_at DESC, id DESC`, receiptColumns, strings.Join(clauses, " AND "))
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Receipt
	for rows.Next() {
		rc, err := scanReceipt(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, rc)
	}
	return res, rows.Err()
}

// AppendReceiptOutput appends to stdout or stderr of a running receipt.
// It reports false when the receipt is already finalized.
func (r Repo) AppendReceiptOutput(ctx context.Context, tx DBTX, id string, stderr bool, chunk string) (bool, error) {
	column := "stdout"
	if stderr {
		column = "stderr"
	}
	res, err := r.q(tx).ExecContext(ctx, fmt.Sprintf(`UPDATE receipts SET %[1]s = %[1]s || ? WHERE id=? AND status='running'`, column), chunk, id)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// FinalizeReceipt closes a running receipt. It reports false when the
// receipt was already finalized.
func (r Repo) FinalizeReceipt(ctx context.Context, tx DBTX, id string, status domain.ReceiptStatus, exitCode int, endedAt string) (bool, error) {
	res, err := r.q(tx).ExecContext(ctx, `UPDATE receipts SET status=?, exit_code=?, ended_at=? WHERE id=? AND status='running'`,
		string(status), exitCode, endedAt, id)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}
