// Package dispatch runs serialized passes that assign ready operations to agents.
package dispatch

import (
	"context"
	"log/slog"
	"sort"
	"time"

	"clawcontrol/internal/activity"
	"clawcontrol/internal/apperr"
	"clawcontrol/internal/domain"
	"clawcontrol/internal/governor"
	"clawcontrol/internal/logger"
	"clawcontrol/internal/repo"
	"clawcontrol/internal/telemetry"
	"clawcontrol/internal/workflow"
)

type Options struct {
	// Limit caps how many work orders one pass scans. Zero uses the configured batch limit.
	Limit  int
	DryRun bool
	Actor  domain.Actor
}

type PassAssignment struct {
	WorkOrderID   string `json:"work_order_id"`
	WorkOrderCode string `json:"work_order_code"`
	OperationID   string `json:"operation_id"`
	OperationKey  string `json:"operation_key"`
	AgentID       string `json:"agent_id"`
	SessionKey    string `json:"session_key"`
}

type PassSkip struct {
	WorkOrderCode string `json:"work_order_code"`
	OperationID   string `json:"operation_id"`
	OperationKey  string `json:"operation_key"`
	Reason        string `json:"reason"`
}

type PassResult struct {
	DryRun   bool             `json:"dry_run"`
	Scanned  int              `json:"scanned"`
	Assigned []PassAssignment `json:"assigned"`
	Skipped  []PassSkip       `json:"skipped"`
}

// Coordinator is the only caller of workflow.Engine.Assign. Passes and manual
// assignments both hold the dispatch lock while they assign.
type Coordinator struct {
	Engine     workflow.Engine
	Lock       Locker
	BatchLimit int
	Logger     *slog.Logger
	Metrics    *telemetry.Metrics
}

func NewCoordinator(engine workflow.Engine, lock Locker, batchLimit int) *Coordinator {
	return &Coordinator{
		Engine:     engine,
		Lock:       lock,
		BatchLimit: batchLimit,
		Logger:     engine.Logger,
		Metrics:    engine.Metrics,
	}
}

func (c *Coordinator) log() *slog.Logger {
	if c.Logger != nil {
		return c.Logger
	}
	return logger.Discard()
}

// RunPass scans planned and active work orders oldest first and assigns every
// ready operation to the least-loaded capable agent below its WIP limit.
func (c *Coordinator) RunPass(ctx context.Context, opts Options) (PassResult, error) {
	start := time.Now()
	if err := c.Engine.Governor.Require(ctx, governor.DispatchRun, governor.Input{}); err != nil {
		return PassResult{}, err
	}
	if opts.Actor.ID == "" {
		opts.Actor = domain.SystemActor
	}
	release, err := c.Lock.Acquire(ctx)
	if err != nil {
		if apperr.Is(err, apperr.CodeDispatchAlreadyRunning) {
			c.Metrics.DispatchPass(ctx, "already_running", time.Since(start).Seconds(), 0)
			c.log().InfoContext(ctx, "dispatch pass skipped", "reason", "lock held")
		}
		return PassResult{}, err
	}
	defer release()

	res, err := c.pass(ctx, opts)
	outcome := "ok"
	if err != nil {
		outcome = "error"
	} else if opts.DryRun {
		outcome = "dry_run"
	}
	c.Metrics.DispatchPass(ctx, outcome, time.Since(start).Seconds(), len(res.Assigned))
	if err != nil {
		c.log().ErrorContext(ctx, "dispatch pass failed", "err", err)
		return res, err
	}
	c.log().InfoContext(ctx, "dispatch pass", "dry_run", opts.DryRun, "scanned", res.Scanned, "assigned", len(res.Assigned), "skipped", len(res.Skipped))
	if !opts.DryRun {
		if err := c.Engine.Activity.Append(ctx, c.Engine.DB, activity.Entry{
			Type:       activity.TypeDispatchPass,
			ActionKind: string(governor.DispatchRun),
			EntityKind: activity.EntityDispatch,
			Actor:      opts.Actor,
			Payload:    activity.Payload{"scanned": res.Scanned, "assigned": len(res.Assigned), "skipped": len(res.Skipped)},
		}); err != nil {
			return res, err
		}
	}
	return res, nil
}

// Assign hands one operation to a named agent under the dispatch lock.
func (c *Coordinator) Assign(ctx context.Context, opts workflow.AssignOptions) (workflow.Assignment, error) {
	if err := c.Engine.Governor.Require(ctx, governor.DispatchRun, governor.Input{}); err != nil {
		return workflow.Assignment{}, err
	}
	if opts.Actor.ID == "" {
		opts.Actor = domain.SystemActor
	}
	release, err := c.Lock.Acquire(ctx)
	if err != nil {
		return workflow.Assignment{}, err
	}
	defer release()
	return c.Engine.Assign(ctx, opts)
}

func (c *Coordinator) pass(ctx context.Context, opts Options) (PassResult, error) {
	res := PassResult{DryRun: opts.DryRun, Assigned: []PassAssignment{}, Skipped: []PassSkip{}}
	limit := opts.Limit
	if limit <= 0 {
		limit = c.BatchLimit
	}
	r := c.Engine.Repo
	workOrders, err := r.ListWorkOrders(ctx, nil, repo.WorkOrderFilters{
		States:      []domain.WorkOrderState{domain.WorkOrderPlanned, domain.WorkOrderActive},
		OldestFirst: true,
		Limit:       limit,
	})
	if err != nil {
		return res, err
	}
	agents, err := r.ListAgents(ctx, nil, domain.AgentIdle, domain.AgentActive)
	if err != nil {
		return res, err
	}
	load, err := r.ActiveLoadByAgent(ctx, nil)
	if err != nil {
		return res, err
	}
	res.Scanned = len(workOrders)
	for _, wo := range workOrders {
		ops, err := r.ListOperations(ctx, nil, repo.OperationFilters{WorkOrderID: wo.ID})
		if err != nil {
			return res, err
		}
		for _, op := range readyOperations(wo, ops) {
			agent, ok := pickAgent(agents, load, op.Station)
			if !ok {
				res.Skipped = append(res.Skipped, PassSkip{WorkOrderCode: wo.Code, OperationID: op.ID, OperationKey: op.Key, Reason: "no eligible agent"})
				continue
			}
			planned := PassAssignment{
				WorkOrderID:   wo.ID,
				WorkOrderCode: wo.Code,
				OperationID:   op.ID,
				OperationKey:  op.Key,
				AgentID:       agent.ID,
				SessionKey:    workflow.SessionKey(agent.ID, wo.ID, op.ID),
			}
			if !opts.DryRun {
				a, err := c.Engine.Assign(ctx, workflow.AssignOptions{OperationID: op.ID, AgentID: agent.ID, Actor: opts.Actor})
				if err != nil {
					if ae, ok := apperr.As(err); ok && ae.Code == apperr.CodeInvalidTransition {
						res.Skipped = append(res.Skipped, PassSkip{WorkOrderCode: wo.Code, OperationID: op.ID, OperationKey: op.Key, Reason: ae.Message})
						continue
					}
					return res, err
				}
				planned.SessionKey = a.Session.Key
			}
			load[agent.ID]++
			res.Assigned = append(res.Assigned, planned)
		}
	}
	return res, nil
}

// readyOperations returns operations of the current stage that are todo or
// rework and whose dependencies are all done.
func readyOperations(wo domain.WorkOrder, ops []domain.Operation) []domain.Operation {
	byID := make(map[string]domain.Operation, len(ops))
	for _, op := range ops {
		byID[op.ID] = op
	}
	var ready []domain.Operation
	for _, op := range ops {
		if wo.CurrentStage != "" && op.Stage != wo.CurrentStage {
			continue
		}
		if op.Status != domain.OperationTodo && op.Status != domain.OperationRework {
			continue
		}
		blocked := false
		for _, dep := range op.DependsOnOperationIDs {
			if byID[dep].Status != domain.OperationDone {
				blocked = true
				break
			}
		}
		if !blocked {
			ready = append(ready, op)
		}
	}
	return ready
}

// pickAgent returns the least-loaded capable agent with spare capacity.
func pickAgent(agents []domain.Agent, load map[string]int, station string) (domain.Agent, bool) {
	var candidates []domain.Agent
	for _, a := range agents {
		if a.HasCapability(station) && load[a.ID] < a.Capacity() {
			candidates = append(candidates, a)
		}
	}
	if len(candidates) == 0 {
		return domain.Agent{}, false
	}
	sort.SliceStable(candidates, func(i, j int) bool {
		li, lj := load[candidates[i].ID], load[candidates[j].ID]
		if li != lj {
			return li < lj
		}
		return candidates[i].ID < candidates[j].ID
	})
	return candidates[0], true
}
