package main

import (
	"context"
	"fmt"
	"strings"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"clawcontrol/internal/app"
	"clawcontrol/internal/approval"
	"clawcontrol/internal/dispatch"
	"clawcontrol/internal/domain"
	"clawcontrol/internal/governor"
	"clawcontrol/internal/repo"
	"clawcontrol/internal/workflow"
)

func workOrderCmd() *cobra.Command {
	wo := &cobra.Command{
		Use:     "workorder",
		Aliases: []string{"wo"},
		Short:   "Manage work orders",
		Long:    "Work orders move planned -> active -> review -> done -> shipped. State changes happen through actions (block, resume, accept, ship, cancel), never by editing the state directly. Dispatch starts a work order when it assigns its first operation.",
	}
	wo.AddCommand(workOrderCreateCmd())
	wo.AddCommand(workOrderListCmd())
	wo.AddCommand(workOrderShowCmd())
	wo.AddCommand(workOrderEditCmd())
	wo.AddCommand(workOrderBlockCmd())
	wo.AddCommand(workOrderConfirmedCmd("resume", "Resume a blocked work order", governor.WorkOrderResume, func(e workflow.Engine) confirmedAction { return e.ResumeWorkOrder }))
	wo.AddCommand(workOrderConfirmedCmd("cancel", "Cancel a work order (confirm with its code)", governor.WorkOrderCancel, func(e workflow.Engine) confirmedAction { return e.CancelWorkOrder }))
	wo.AddCommand(workOrderConfirmedCmd("ship", "Ship a done work order", governor.WorkOrderShip, func(e workflow.Engine) confirmedAction { return e.ShipWorkOrder }))
	wo.AddCommand(workOrderAcceptCmd())
	wo.AddCommand(workOrderReworkCmd())
	return wo
}

type confirmedAction func(ctx context.Context, ref string, opts workflow.ResumeOptions) (domain.WorkOrder, error)

func workOrderCreateCmd() *cobra.Command {
	var title, goal, notes, workflowID string
	var priority int
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a work order from a workflow",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				act, err := actor(a, governor.WorkOrderCreate)
				if err != nil {
					return err
				}
				wo, ops, err := a.Engine.CreateWorkOrder(ctx, workflow.CreateWorkOrderOptions{
					Title: title, Goal: goal, Notes: notes, Priority: priority, WorkflowID: workflowID, Actor: act,
				})
				if err != nil {
					return err
				}
				return printOperations(map[string]any{"work_order": wo, "operations": ops}, wo, ops)
			})
		},
	}
	cmd.Flags().StringVar(&title, "title", "", "title")
	cmd.Flags().StringVar(&goal, "goal", "", "goal")
	cmd.Flags().StringVar(&notes, "notes", "", "notes")
	cmd.Flags().StringVar(&workflowID, "workflow", "", "workflow id")
	cmd.Flags().IntVar(&priority, "priority", 0, "priority (higher first)")
	_ = cmd.MarkFlagRequired("title")
	_ = cmd.MarkFlagRequired("workflow")
	return cmd
}

func workOrderListCmd() *cobra.Command {
	var states, workflowID string
	var limit int
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List work orders",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				var st []domain.WorkOrderState
				for _, s := range splitCSV(states) {
					st = append(st, domain.WorkOrderState(s))
				}
				items, err := a.Repo.ListWorkOrders(ctx, nil, repo.WorkOrderFilters{States: st, WorkflowID: workflowID, Limit: limit})
				if err != nil {
					return err
				}
				rows := make([]table.Row, 0, len(items))
				for _, wo := range items {
					rows = append(rows, table.Row{wo.Code, wo.Title, wo.State, wo.CurrentStage, wo.WorkflowID, wo.Priority})
				}
				return printTable(items, table.Row{"Code", "Title", "State", "Stage", "Workflow", "Priority"}, rows)
			})
		},
	}
	cmd.Flags().StringVar(&states, "state", "", "comma-separated states")
	cmd.Flags().StringVar(&workflowID, "workflow", "", "workflow id")
	cmd.Flags().IntVar(&limit, "limit", 50, "max rows")
	return cmd
}

func workOrderShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <code|id>",
		Short: "Show a work order and its operations",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				wo, ops, err := a.Engine.GetWorkOrder(ctx, args[0])
				if err != nil {
					return err
				}
				return printOperations(map[string]any{"work_order": wo, "operations": ops}, wo, ops)
			})
		},
	}
}

func workOrderEditCmd() *cobra.Command {
	var title, goal, notes string
	var priority int
	cmd := &cobra.Command{
		Use:   "edit <code|id>",
		Short: "Edit title, goal, notes or priority",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				act, err := actor(a, governor.WorkOrderEdit)
				if err != nil {
					return err
				}
				var patch workflow.WorkOrderPatch
				if cmd.Flags().Changed("title") {
					patch.Title = &title
				}
				if cmd.Flags().Changed("goal") {
					patch.Goal = &goal
				}
				if cmd.Flags().Changed("notes") {
					patch.Notes = &notes
				}
				if cmd.Flags().Changed("priority") {
					patch.Priority = &priority
				}
				wo, err := a.Engine.PatchWorkOrder(ctx, args[0], patch, act)
				if err != nil {
					return err
				}
				return printJSON(wo)
			})
		},
	}
	cmd.Flags().StringVar(&title, "title", "", "title")
	cmd.Flags().StringVar(&goal, "goal", "", "goal")
	cmd.Flags().StringVar(&notes, "notes", "", "notes")
	cmd.Flags().IntVar(&priority, "priority", 0, "priority")
	return cmd
}

func workOrderBlockCmd() *cobra.Command {
	var reason string
	cmd := &cobra.Command{
		Use:   "block <code|id>",
		Short: "Put a work order on hold",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				act, err := actor(a, governor.WorkOrderEdit)
				if err != nil {
					return err
				}
				wo, err := a.Engine.BlockWorkOrder(ctx, args[0], reason, act)
				if err != nil {
					return err
				}
				return printJSON(wo)
			})
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "", "reason")
	return cmd
}

func workOrderConfirmedCmd(use, short string, kind governor.ActionKind, pick func(workflow.Engine) confirmedAction) *cobra.Command {
	var confirm string
	cmd := &cobra.Command{
		Use:   use + " <code|id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				act, err := actor(a, kind)
				if err != nil {
					return err
				}
				wo, err := pick(a.Engine)(ctx, args[0], workflow.ResumeOptions{TypedConfirmText: optionalString(confirm), Actor: act})
				if err != nil {
					return err
				}
				return printJSON(wo)
			})
		},
	}
	cmd.Flags().StringVar(&confirm, "confirm", "", "typed confirmation")
	return cmd
}

func workOrderAcceptCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "accept <code|id>",
		Short: "Accept a work order in review and open its ship gate",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				act, err := actor(a, governor.WorkOrderReview)
				if err != nil {
					return err
				}
				wo, gate, err := a.Engine.AcceptReview(ctx, args[0], act)
				if err != nil {
					return err
				}
				return printJSON(map[string]any{"work_order": wo, "ship_gate": gate})
			})
		},
	}
}

func workOrderReworkCmd() *cobra.Command {
	var notes string
	cmd := &cobra.Command{
		Use:   "rework <code|id>",
		Short: "Return a work order in review for rework",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				act, err := actor(a, governor.WorkOrderReview)
				if err != nil {
					return err
				}
				wo, op, err := a.Engine.ReturnForRework(ctx, args[0], notes, act)
				if err != nil {
					return err
				}
				return printJSON(map[string]any{"work_order": wo, "operation": op})
			})
		},
	}
	cmd.Flags().StringVar(&notes, "notes", "", "rework notes")
	return cmd
}

func printOperations(v any, wo domain.WorkOrder, ops []domain.Operation) error {
	rows := make([]table.Row, 0, len(ops))
	for _, op := range ops {
		rows = append(rows, table.Row{op.ID, op.Stage, op.Key, op.Status, op.Station, strings.Join(op.AssigneeAgentIDs, ",")})
	}
	if !jsonOutput() {
		fmt.Printf("%s %s [%s] stage=%s\n", wo.Code, wo.Title, wo.State, wo.CurrentStage)
	}
	return printTable(v, table.Row{"ID", "Stage", "Key", "Status", "Station", "Assignees"}, rows)
}

func operationCmd() *cobra.Command {
	op := &cobra.Command{Use: "operation", Aliases: []string{"op"}, Short: "Inspect and signal operations"}
	op.AddCommand(operationListCmd())
	op.AddCommand(operationCompleteCmd())
	op.AddCommand(operationReviewCmd())
	op.AddCommand(operationUnblockCmd())
	return op
}

func operationListCmd() *cobra.Command {
	var workOrder, status, agentID string
	var limit int
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List operations",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				f := repo.OperationFilters{Status: domain.OperationStatus(status), AgentID: agentID, Limit: limit}
				if workOrder != "" {
					wo, _, err := a.Engine.GetWorkOrder(ctx, workOrder)
					if err != nil {
						return err
					}
					f.WorkOrderID = wo.ID
				}
				items, err := a.Repo.ListOperations(ctx, nil, f)
				if err != nil {
					return err
				}
				rows := make([]table.Row, 0, len(items))
				for _, op := range items {
					rows = append(rows, table.Row{op.ID, op.Stage, op.Key, op.Status, op.BlockedReason, strings.Join(op.AssigneeAgentIDs, ",")})
				}
				return printTable(items, table.Row{"ID", "Stage", "Key", "Status", "Blocked", "Assignees"}, rows)
			})
		},
	}
	cmd.Flags().StringVar(&workOrder, "work-order", "", "work order code or id")
	cmd.Flags().StringVar(&status, "status", "", "status")
	cmd.Flags().StringVar(&agentID, "agent", "", "assigned agent id")
	cmd.Flags().IntVar(&limit, "limit", 100, "max rows")
	return cmd
}

func operationCompleteCmd() *cobra.Command {
	var status, output, blockReason, question string
	cmd := &cobra.Command{
		Use:   "complete <operation-id>",
		Short: "Report a completion signal (done, review, rework, blocked)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				act, err := actor(a, governor.OperationComplete)
				if err != nil {
					return err
				}
				out, err := a.Engine.AdvanceOnCompletion(ctx, args[0], workflow.Signal{
					Status:      domain.OperationStatus(status),
					Output:      output,
					BlockReason: blockReason,
					Question:    question,
				}, act)
				if err != nil {
					return err
				}
				return printJSON(out)
			})
		},
	}
	cmd.Flags().StringVar(&status, "status", "done", "signal status")
	cmd.Flags().StringVar(&output, "output", "", "operation output")
	cmd.Flags().StringVar(&blockReason, "block-reason", "", "block reason when status is blocked")
	cmd.Flags().StringVar(&question, "question", "", "question for the operator when blocked")
	return cmd
}

func operationReviewCmd() *cobra.Command {
	var reject bool
	cmd := &cobra.Command{
		Use:   "review <operation-id>",
		Short: "Accept (or --reject) an operation in review",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				act, err := actor(a, governor.WorkOrderReview)
				if err != nil {
					return err
				}
				out, err := a.Engine.CompleteReview(ctx, args[0], !reject, act)
				if err != nil {
					return err
				}
				return printJSON(out)
			})
		},
	}
	cmd.Flags().BoolVar(&reject, "reject", false, "send the operation back for rework")
	return cmd
}

func operationUnblockCmd() *cobra.Command {
	var confirm string
	cmd := &cobra.Command{
		Use:   "unblock <operation-id>",
		Short: "Lift a block; security vetoes need CONFIRM and an approved security review",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				act, err := actor(a, governor.WorkOrderResume)
				if err != nil {
					return err
				}
				out, err := a.Engine.UnblockOperation(ctx, args[0], workflow.UnblockOptions{TypedConfirmText: optionalString(confirm), Actor: act})
				if err != nil {
					return err
				}
				return printJSON(out)
			})
		},
	}
	cmd.Flags().StringVar(&confirm, "confirm", "", "typed confirmation")
	return cmd
}

func approvalCmd() *cobra.Command {
	ap := &cobra.Command{Use: "approval", Short: "Request and decide approvals"}
	ap.AddCommand(approvalListCmd())
	ap.AddCommand(approvalCreateCmd())
	ap.AddCommand(approvalDecideCmd("approve", domain.ApprovalApproved, governor.ApprovalApprove))
	ap.AddCommand(approvalDecideCmd("reject", domain.ApprovalRejected, governor.ApprovalReject))
	return ap
}

func approvalListCmd() *cobra.Command {
	var workOrderID, status, typ string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List approvals",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				items, err := a.Approvals.List(ctx, repo.ApprovalFilters{
					WorkOrderID: workOrderID,
					Status:      domain.ApprovalStatus(status),
					Type:        domain.ApprovalType(typ),
				})
				if err != nil {
					return err
				}
				rows := make([]table.Row, 0, len(items))
				for _, ap := range items {
					rows = append(rows, table.Row{ap.ID, ap.Type, ap.Status, ap.WorkOrderID, ap.OperationID, ap.RequestedBy})
				}
				return printTable(items, table.Row{"ID", "Type", "Status", "Work order", "Operation", "Requested by"}, rows)
			})
		},
	}
	cmd.Flags().StringVar(&workOrderID, "work-order-id", "", "work order id")
	cmd.Flags().StringVar(&status, "status", "pending", "status")
	cmd.Flags().StringVar(&typ, "type", "", "approval type")
	return cmd
}

func approvalCreateCmd() *cobra.Command {
	var workOrderID, operationID, typ, question string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Request an operator decision",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				act, err := actor(a, governor.ApprovalCreate)
				if err != nil {
					return err
				}
				ap, err := a.Approvals.Create(ctx, approval.CreateOptions{
					WorkOrderID: workOrderID,
					OperationID: operationID,
					Type:        domain.ApprovalType(typ),
					QuestionMD:  question,
					Actor:       act,
				})
				if err != nil {
					return err
				}
				return printJSON(ap)
			})
		},
	}
	cmd.Flags().StringVar(&workOrderID, "work-order-id", "", "work order id")
	cmd.Flags().StringVar(&operationID, "operation-id", "", "operation id")
	cmd.Flags().StringVar(&typ, "type", string(domain.ApprovalRiskyAction), "approval type")
	cmd.Flags().StringVar(&question, "question", "", "question (markdown)")
	_ = cmd.MarkFlagRequired("work-order-id")
	return cmd
}

func approvalDecideCmd(use string, status domain.ApprovalStatus, kind governor.ActionKind) *cobra.Command {
	return &cobra.Command{
		Use:   use + " <approval-id>",
		Short: strings.ToUpper(use[:1]) + use[1:] + " a pending approval",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				act, err := actor(a, kind)
				if err != nil {
					return err
				}
				d, err := a.Approvals.Decide(ctx, args[0], status, act)
				if err != nil {
					return err
				}
				return printJSON(d)
			})
		},
	}
}

func dispatchCmd() *cobra.Command {
	d := &cobra.Command{Use: "dispatch", Short: "Assign ready operations to agents"}
	var dryRun bool
	var limit int
	run := &cobra.Command{
		Use:   "run",
		Short: "Run one dispatch pass",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				act, err := actor(a, governor.DispatchRun)
				if err != nil {
					return err
				}
				res, err := a.Dispatch.RunPass(ctx, dispatch.Options{Limit: limit, DryRun: dryRun, Actor: act})
				if err != nil {
					return err
				}
				rows := make([]table.Row, 0, len(res.Assigned)+len(res.Skipped))
				for _, as := range res.Assigned {
					rows = append(rows, table.Row{as.WorkOrderCode, as.OperationKey, "assigned", as.AgentID})
				}
				for _, sk := range res.Skipped {
					rows = append(rows, table.Row{sk.WorkOrderCode, sk.OperationKey, "skipped", sk.Reason})
				}
				return printTable(res, table.Row{"Work order", "Operation", "Result", "Agent / reason"}, rows)
			})
		},
	}
	run.Flags().BoolVar(&dryRun, "dry-run", false, "plan without assigning")
	run.Flags().IntVar(&limit, "limit", 0, "max work orders to scan (default from config)")
	d.AddCommand(run)
	return d
}
