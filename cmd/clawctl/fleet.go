package main

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"clawcontrol/internal/access"
	"clawcontrol/internal/agents"
	"clawcontrol/internal/app"
	"clawcontrol/internal/domain"
	"clawcontrol/internal/governor"
	"clawcontrol/internal/packages"
	"clawcontrol/internal/repo"
)

func agentCmd() *cobra.Command {
	ag := &cobra.Command{Use: "agent", Short: "Manage agents"}
	ag.AddCommand(agentRegisterCmd())
	ag.AddCommand(agentListCmd())
	ag.AddCommand(agentEditCmd())
	ag.AddCommand(agentRestartCmd())
	ag.AddCommand(agentTurnCmd())
	return ag
}

func agentRegisterCmd() *cobra.Command {
	var id, name, caps string
	var wip int
	cmd := &cobra.Command{
		Use:   "register",
		Short: "Register an agent",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				act, err := actor(a, governor.AgentCreate)
				if err != nil {
					return err
				}
				ag, err := a.Agents.Register(ctx, agents.RegisterOptions{
					ID: id, Name: name, WIPLimit: wip, Capabilities: splitCSV(caps), Actor: act,
				})
				if err != nil {
					return err
				}
				return printJSON(ag)
			})
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "agent id (generated when empty)")
	cmd.Flags().StringVar(&name, "name", "", "display name")
	cmd.Flags().IntVar(&wip, "wip", 1, "WIP limit")
	cmd.Flags().StringVar(&caps, "capabilities", "*", "comma-separated stations")
	_ = cmd.MarkFlagRequired("name")
	return cmd
}

func agentListCmd() *cobra.Command {
	var status string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List agents",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				var st []domain.AgentStatus
				for _, s := range splitCSV(status) {
					st = append(st, domain.AgentStatus(s))
				}
				items, err := a.Agents.List(ctx, st...)
				if err != nil {
					return err
				}
				rows := make([]table.Row, 0, len(items))
				for _, ag := range items {
					rows = append(rows, table.Row{ag.ID, ag.Name, ag.Status, ag.WIPLimit, strings.Join(ag.Capabilities, ","), ag.CurrentWorkOrderID})
				}
				return printTable(items, table.Row{"ID", "Name", "Status", "WIP", "Capabilities", "Work order"}, rows)
			})
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "comma-separated statuses")
	return cmd
}

func agentEditCmd() *cobra.Command {
	var name, caps string
	var wip int
	cmd := &cobra.Command{
		Use:   "edit <agent-id>",
		Short: "Edit name, WIP limit or capabilities",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				act, err := actor(a, governor.AgentEdit)
				if err != nil {
					return err
				}
				var f repo.AgentFields
				if cmd.Flags().Changed("name") {
					f.Name = &name
				}
				if cmd.Flags().Changed("wip") {
					f.WIPLimit = &wip
				}
				if cmd.Flags().Changed("capabilities") {
					f.Capabilities = splitCSV(caps)
				}
				ag, err := a.Agents.Update(ctx, args[0], f, act)
				if err != nil {
					return err
				}
				return printJSON(ag)
			})
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "display name")
	cmd.Flags().IntVar(&wip, "wip", 1, "WIP limit")
	cmd.Flags().StringVar(&caps, "capabilities", "", "comma-separated stations")
	return cmd
}

func agentRestartCmd() *cobra.Command {
	var confirm string
	cmd := &cobra.Command{
		Use:   "restart <agent-id>",
		Short: "Restart an agent in the runtime (CONFIRM)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				act, err := actor(a, governor.AgentRestart)
				if err != nil {
					return err
				}
				ag, rc, err := a.Agents.Restart(ctx, args[0], agents.RestartOptions{TypedConfirmText: optionalString(confirm), Actor: act})
				if err != nil {
					return err
				}
				return printJSON(map[string]any{"agent": ag, "receipt": rc})
			})
		},
	}
	cmd.Flags().StringVar(&confirm, "confirm", "", "typed confirmation")
	return cmd
}

func agentTurnCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "turn <agent-id> <message>",
		Short: "Send a message to an agent and stream its reply",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				act, err := actor(a, governor.AgentTurn)
				if err != nil {
					return err
				}
				rc, err := a.Agents.Turn(ctx, agents.TurnOptions{AgentID: args[0], Message: args[1], Actor: act}, func(text string) error {
					if jsonOutput() {
						return nil
					}
					_, err := fmt.Fprint(os.Stdout, text)
					return err
				})
				if err != nil && rc.ID == "" {
					return err
				}
				if jsonOutput() {
					return printJSON(rc)
				}
				fmt.Printf("\nreceipt %s: %s\n", rc.ID, rc.Status)
				return err
			})
		},
	}
}

func packageCmd() *cobra.Command {
	pk := &cobra.Command{Use: "package", Aliases: []string{"pkg"}, Short: "Register and deploy packages"}
	pk.AddCommand(packageRegisterCmd())
	pk.AddCommand(packageListCmd())
	pk.AddCommand(packageDeployCmd())
	return pk
}

func packageRegisterCmd() *cobra.Command {
	var name, version, findings, confirm string
	var blocked bool
	cmd := &cobra.Command{
		Use:   "register",
		Short: "Register a package with its scan result (CONFIRM)",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				act, err := actor(a, governor.PackageImport)
				if err != nil {
					return err
				}
				p, err := a.Packages.Register(ctx, packages.RegisterOptions{
					Name:             name,
					Version:          version,
					BlockedByScan:    blocked,
					ScanFindings:     findings,
					TypedConfirmText: optionalString(confirm),
					Actor:            act,
				})
				if err != nil {
					return err
				}
				return printJSON(p)
			})
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "package name")
	cmd.Flags().StringVar(&version, "version", "", "package version")
	cmd.Flags().BoolVar(&blocked, "blocked-by-scan", false, "the security scan blocked this package")
	cmd.Flags().StringVar(&findings, "scan-findings", "", "scan findings")
	cmd.Flags().StringVar(&confirm, "confirm", "", "typed confirmation")
	return cmd
}

func packageListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List packages",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				items, err := a.Packages.List(ctx)
				if err != nil {
					return err
				}
				rows := make([]table.Row, 0, len(items))
				for _, p := range items {
					deployed := ""
					if p.DeployedAt != nil {
						deployed = *p.DeployedAt
					}
					rows = append(rows, table.Row{p.ID, p.Name, p.Version, p.BlockedByScan, deployed})
				}
				return printTable(items, table.Row{"ID", "Name", "Version", "Blocked", "Deployed"}, rows)
			})
		},
	}
}

func packageDeployCmd() *cobra.Command {
	var confirm, overrideConfirm string
	var override bool
	cmd := &cobra.Command{
		Use:   "deploy <package-id>",
		Short: "Deploy a package (CONFIRM; OVERRIDE_SCAN_BLOCK for blocked packages)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				kind := governor.PackageDeploy
				if override {
					kind = governor.PackageDeployOverrideScan
				}
				act, err := actor(a, kind)
				if err != nil {
					return err
				}
				p, rc, err := a.Packages.Deploy(ctx, args[0], packages.DeployOptions{
					TypedConfirmText:    optionalString(confirm),
					OverrideScanBlock:   override,
					OverrideConfirmText: optionalString(overrideConfirm),
					Actor:               act,
				})
				if err != nil {
					return err
				}
				return printJSON(map[string]any{"package": p, "receipt": rc})
			})
		},
	}
	cmd.Flags().StringVar(&confirm, "confirm", "", "typed confirmation")
	cmd.Flags().BoolVar(&override, "override-scan-block", false, "deploy despite a blocking scan")
	cmd.Flags().StringVar(&overrideConfirm, "override-confirm", "", "typed override confirmation")
	return cmd
}

func policyCmd() *cobra.Command {
	pc := &cobra.Command{Use: "policy", Short: "Inspect action policies"}
	pc.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List action policies",
		RunE: func(cmd *cobra.Command, args []string) error {
			items := governor.Policies()
			rows := make([]table.Row, 0, len(items))
			for _, p := range items {
				rows = append(rows, table.Row{p.Kind, p.RiskLevel, p.ConfirmMode, p.RequiresApproval, p.Description})
			}
			return printTable(items, table.Row{"Kind", "Risk", "Confirm", "Approval", "Description"}, rows)
		},
	})
	var confirm string
	check := &cobra.Command{
		Use:   "check <action-kind>",
		Short: "Evaluate a policy without running the action",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				kind := governor.ActionKind(args[0])
				if _, ok := governor.Lookup(kind); !ok {
					return fmt.Errorf("unknown action kind %q", args[0])
				}
				res := a.Governor.Check(ctx, kind, governor.Input{TypedConfirmText: optionalString(confirm)})
				return printJSON(res)
			})
		},
	}
	check.Flags().StringVar(&confirm, "confirm", "", "typed confirmation")
	pc.AddCommand(check)
	return pc
}

func receiptCmd() *cobra.Command {
	rc := &cobra.Command{Use: "receipt", Short: "Inspect receipts"}
	var kind, targetID, status string
	var limit int
	list := &cobra.Command{
		Use:   "list",
		Short: "List receipts, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				items, err := a.Receipts.List(ctx, repo.ReceiptFilters{
					ActionKind: kind, TargetID: targetID, Status: domain.ReceiptStatus(status), Limit: limit,
				})
				if err != nil {
					return err
				}
				rows := make([]table.Row, 0, len(items))
				for _, r := range items {
					rows = append(rows, table.Row{r.ID, r.ActionKind, r.Status, r.TargetID, r.ActorID, r.StartedAt})
				}
				return printTable(items, table.Row{"ID", "Kind", "Status", "Target", "Actor", "Started"}, rows)
			})
		},
	}
	list.Flags().StringVar(&kind, "kind", "", "action kind")
	list.Flags().StringVar(&targetID, "target-id", "", "target id")
	list.Flags().StringVar(&status, "status", "", "status")
	list.Flags().IntVar(&limit, "limit", 50, "max rows")
	rc.AddCommand(list)
	rc.AddCommand(&cobra.Command{
		Use:   "show <receipt-id>",
		Short: "Show a receipt with its output",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				r, err := a.Receipts.Get(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSON(r)
			})
		},
	})
	return rc
}

func activityCmd() *cobra.Command {
	ac := &cobra.Command{Use: "activity", Short: "Read the audit trail"}
	var typ, entityKind, entityID string
	var n int
	tail := &cobra.Command{
		Use:   "tail",
		Short: "Show recent activity",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				items, err := a.Repo.ListActivities(ctx, nil, repo.ActivityFilters{
					Type: typ, EntityKind: entityKind, EntityID: entityID, Limit: n,
				})
				if err != nil {
					return err
				}
				rows := make([]table.Row, 0, len(items))
				for _, it := range items {
					rows = append(rows, table.Row{it.ID, it.TS, it.Type, it.EntityKind, it.EntityID, it.ActorID})
				}
				return printTable(items, table.Row{"ID", "At", "Type", "Entity", "Entity ID", "Actor"}, rows)
			})
		},
	}
	tail.Flags().StringVar(&typ, "type", "", "activity type")
	tail.Flags().StringVar(&entityKind, "entity-kind", "", "entity kind")
	tail.Flags().StringVar(&entityID, "entity-id", "", "entity id")
	tail.Flags().IntVarP(&n, "n", "n", 20, "number of entries")
	ac.AddCommand(tail)
	return ac
}

func apiKeyCmd() *cobra.Command {
	ak := &cobra.Command{Use: "apikey", Short: "Manage API keys"}
	var actorID, actorType, name string
	create := &cobra.Command{
		Use:   "create",
		Short: "Create an API key; the secret is printed once",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				act, err := actor(a, governor.APIKeyCreate)
				if err != nil {
					return err
				}
				key, secret, err := a.Keys.Create(ctx, access.CreateKeyOptions{
					ActorID: actorID, ActorType: domain.ActorType(actorType), Name: name, Actor: act,
				})
				if err != nil {
					return err
				}
				key.KeyHash = ""
				return printJSON(map[string]any{"key": key, "secret": secret})
			})
		},
	}
	create.Flags().StringVar(&actorID, "for", "", "actor id the key authenticates as")
	create.Flags().StringVar(&actorType, "type", string(domain.ActorAgent), "actor type")
	create.Flags().StringVar(&name, "name", "", "label")
	_ = create.MarkFlagRequired("for")
	ak.AddCommand(create)

	var listActor string
	list := &cobra.Command{
		Use:   "list",
		Short: "List API keys",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				items, err := a.Keys.List(ctx, listActor)
				if err != nil {
					return err
				}
				rows := make([]table.Row, 0, len(items))
				for i := range items {
					items[i].KeyHash = ""
					k := items[i]
					rows = append(rows, table.Row{k.ID, k.ActorID, k.ActorType, k.Name, k.CreatedAt})
				}
				return printTable(items, table.Row{"ID", "Actor", "Type", "Name", "Created"}, rows)
			})
		},
	}
	list.Flags().StringVar(&listActor, "actor", "", "actor id")
	ak.AddCommand(list)

	ak.AddCommand(&cobra.Command{
		Use:   "delete <key-id>",
		Short: "Delete an API key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				if _, err := actor(a, governor.APIKeyCreate); err != nil {
					return err
				}
				if err := a.Keys.Delete(ctx, args[0]); err != nil {
					return err
				}
				fmt.Println("deleted", args[0])
				return nil
			})
		},
	})
	return ak
}
