package repo

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"clawcontrol/internal/domain"
)

const activityColumns = `id,ts,type,COALESCE(action_kind,''),entity_kind,COALESCE(entity_id,''),actor_id,actor_type,payload_json`

type ActivityFilters struct {
	Type       string
	ActionKind string
	EntityKind string
	EntityID   string
	// Before pages backwards from an activity id.
	Before int64
	Limit  int
}

func scanActivities(rows *sql.Rows) ([]domain.Activity, error) {
	defer rows.Close()
	var res []domain.Activity
	for rows.Next() {
		var a domain.Activity
		if err := rows.Scan(&a.ID, &a.TS, &a.Type, &a.ActionKind, &a.EntityKind, &a.EntityID, &a.ActorID, &a.ActorType, &a.Payload); err != nil {
			return nil, err
		}
		res = append(res, a)
	}
	return res, rows.Err()
}

// ListActivities returns the latest activities, newest first.
func (r Repo) ListActivities(ctx context.Context, tx DBTX, f ActivityFilters) ([]domain.Activity, error) {
	clauses := []string{"1=1"}
	var args []any
	if f.Type != "" {
		clauses = append(clauses, "type=?")
		args = append(args, f.Type)
	}
	if f.ActionKind != "" {
		clauses = append(clauses, "action_kind=?")
		args = append(args, f.ActionKind)
	}
	if f.EntityKind != "" {
		clauses = append(clauses, "entity_kind=?")
		args = append(args, f.EntityKind)
	}
	if f.EntityID != "" {
		clauses = append(clauses, "entity_id=?")
		args = append(args, f.EntityID)
	}
	if f.Before > 0 {
		clauses = append(clauses, "id<?")
		args = append(args, f.Before)
	}
	limit := f.Limit
	if limit <= 0 {
		limit = 50
	}
	query := fmt.Sprintf(`SELECT %s FROM activities WHERE %s ORDER BY id DESC LIMIT ?`, activityColumns, strings.Join(clauses, " AND "))
	args = append(args, limit)
	rows, err := r.q(tx).QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	return scanActivities(rows)
}

// ActivitiesAfter returns activities with IDs greater than the cursor in ascending order.
func (r Repo) ActivitiesAfter(ctx context.Context, limit int, cursor int64) ([]domain.Activity, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := r.DB.QueryContext(ctx, `SELECT `+activityColumns+` FROM activities WHERE id>? ORDER BY id ASC LIMIT ?`, cursor, limit)
	if err != nil {
		return nil, err
	}
	return scanActivities(rows)
}

// LatestActivityID returns the most recent activity ID.
func (r Repo) LatestActivityID(ctx context.Context) (int64, error) {
	var id int64
	if err := r.DB.QueryRowContext(ctx, `SELECT COALESCE(MAX(id),0) FROM activities`).Scan(&id); err != nil {
		return 0, err
	}
	return id, nil
}
