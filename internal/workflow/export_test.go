package workflow

import (
	"context"
	"database/sql"

	"clawcontrol/internal/domain"
)

// StartWorkOrder runs the engine's start routine directly.
func (e Engine) StartWorkOrder(ctx context.Context, ref string, actor domain.Actor) (domain.WorkOrder, error) {
	var wo domain.WorkOrder
	err := e.inTx(ctx, func(tx *sql.Tx) error {
		var err error
		wo, err = e.Repo.GetWorkOrder(ctx, tx, ref)
		if err != nil {
			return notFound(err, "work order", ref)
		}
		wo, err = e.startWorkOrder(ctx, tx, wo, actor)
		return err
	})
	return wo, err
}
