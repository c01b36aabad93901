package repo

import (
	"context"
	"database/sql"
	"errors"

	"clawcontrol/internal/domain"
)

const packageColumns = `id,name,version,blocked_by_scan,COALESCE(scan_findings,''),deployed_at,COALESCE(deployed_by,''),created_at`

func scanPackage(row rowScanner) (domain.Package, error) {
	var p domain.Package
	var blocked int
	var deployedAt sql.NullString
	err := row.Scan(&p.ID, &p.Name, &p.Version, &blocked, &p.ScanFindings, &deployedAt, &p.DeployedBy, &p.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return p, ErrNotFound
	}
	if err != nil {
		return p, err
	}
	p.BlockedByScan = blocked != 0
	if deployedAt.Valid {
		p.DeployedAt = &deployedAt.String
	}
	return p, nil
}

func (r Repo) InsertPackage(ctx context.Context, tx DBTX, p domain.Package) error {
	_, err := r.q(tx).ExecContext(ctx, `INSERT INTO packages(id,name,version,blocked_by_scan,scan_findings,created_at) VALUES (?,?,?,?,?,?)`,
		p.ID, p.Name, p.Version, boolInt(p.BlockedByScan), nullable(p.ScanFindings), p.CreatedAt)
	return err
}

func (r Repo) GetPackage(ctx context.Context, tx DBTX, id string) (domain.Package, error) {
	return scanPackage(r.q(tx).QueryRowContext(ctx, `SELECT `+packageColumns+` FROM packages WHERE id=?`, id))
}

func (r Repo) ListPackages(ctx context.Context) ([]domain.Package, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+packageColumns+` FROM packages ORDER BY name, version`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Package
	for rows.Next() {
		p, err := scanPackage(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, p)
	}
	return res, rows.Err()
}

func (r Repo) MarkPackageDeployed(ctx context.Context, tx DBTX, id, deployedBy, deployedAt string) error {
	res, err := r.q(tx).ExecContext(ctx, `UPDATE packages SET deployed_at=?, deployed_by=? WHERE id=?`, deployedAt, deployedBy, id)
	if err != nil {
		return err
	}
	return affectedOrNotFound(res)
}
