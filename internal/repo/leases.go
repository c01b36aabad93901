package repo

import (
	"context"
	"database/sql"
	"errors"

	"clawcontrol/internal/domain"
)

func (r Repo) UpsertLease(ctx context.Context, tx DBTX, lease domain.Lease) error {
	_, err := r.q(tx).ExecContext(ctx, `INSERT INTO leases(name,owner_id,acquired_at,expires_at) VALUES (?,?,?,?)
ON CONFLICT(name) DO UPDATE SET owner_id=excluded.owner_id, acquired_at=excluded.acquired_at, expires_at=excluded.expires_at`,
		lease.Name, lease.OwnerID, lease.AcquiredAt, lease.ExpiresAt)
	return err
}

// DeleteLease removes the lease only if it is still held by owner.
func (r Repo) DeleteLease(ctx context.Context, tx DBTX, name, owner string) error {
	_, err := r.q(tx).ExecContext(ctx, `DELETE FROM leases WHERE name=? AND owner_id=?`, name, owner)
	return err
}

// RenewLease pushes the expiry of a lease still held by owner. It reports
// false when the lease was lost.
func (r Repo) RenewLease(ctx context.Context, tx DBTX, name, owner, expiresAt string) (bool, error) {
	res, err := r.q(tx).ExecContext(ctx, `UPDATE leases SET expires_at=? WHERE name=? AND owner_id=?`, expiresAt, name, owner)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

func (r Repo) GetLease(ctx context.Context, tx DBTX, name string) (domain.Lease, error) {
	var l domain.Lease
	err := r.q(tx).QueryRowContext(ctx, `SELECT name,owner_id,acquired_at,expires_at FROM leases WHERE name=?`, name).
		Scan(&l.Name, &l.OwnerID, &l.AcquiredAt, &l.ExpiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return l, ErrNotFound
	}
	return l, err
}
