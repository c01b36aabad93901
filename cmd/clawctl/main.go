package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"clawcontrol/internal/app"
	"clawcontrol/internal/config"
	"clawcontrol/internal/db"
	"clawcontrol/internal/domain"
	"clawcontrol/internal/governor"
	"clawcontrol/internal/server"
)

var rootCmd = &cobra.Command{
	Use:   "clawctl",
	Short: "ClawControl CLI",
	Long: `ClawControl governs a fleet of AI agents working through work orders.
- Work orders: units of work expanded from a workflow into stage-scoped operations.
- Operations: todo -> in_progress -> review/done; blocked operations wait on an approval.
- Dispatch: the only path that assigns operations to agents.
- Governor: every mutating action has a policy (risk, confirmation, approval).
- Receipts: audited records of every runtime side effect.`,
	SilenceUsage: true,
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("CLAWCONTROL")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("actor-id", "local-operator", "actor identifier")
	rootCmd.PersistentFlags().String("actor-type", "operator", "actor type (operator, agent, system)")
	rootCmd.PersistentFlags().Bool("mock", false, "use the in-process fake runtime instead of the gateway")
	for _, name := range []string{"workspace", "json", "actor-id", "actor-type", "mock"} {
		_ = viper.BindPFlag(name, rootCmd.PersistentFlags().Lookup(name))
	}
}

func registerCommands() {
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(statusCmd())
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(workOrderCmd())
	rootCmd.AddCommand(operationCmd())
	rootCmd.AddCommand(approvalCmd())
	rootCmd.AddCommand(dispatchCmd())
	rootCmd.AddCommand(agentCmd())
	rootCmd.AddCommand(packageCmd())
	rootCmd.AddCommand(policyCmd())
	rootCmd.AddCommand(receiptCmd())
	rootCmd.AddCommand(activityCmd())
	rootCmd.AddCommand(apiKeyCmd())
}

func configCmd() *cobra.Command {
	cfg := &cobra.Command{Use: "config", Short: "Manage clawcontrol.yml"}
	cfg.AddCommand(&cobra.Command{
		Use:   "init",
		Short: "Write a default clawcontrol.yml into the workspace",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			if _, err := db.EnsureWorkspace(workspace); err != nil {
				return err
			}
			path := config.Path(workspace)
			if _, err := os.Stat(path); err == nil {
				return fmt.Errorf("%s already exists", path)
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault()), 0o644); err != nil {
				return err
			}
			fmt.Println("wrote", path)
			return nil
		},
	})
	cfg.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Print the effective config",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := config.LoadOrDefault(viper.GetString("workspace"))
			if err != nil {
				return err
			}
			return printJSON(c)
		},
	})
	cfg.AddCommand(&cobra.Command{
		Use:   "validate",
		Short: "Validate clawcontrol.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := config.Load(viper.GetString("workspace")); err != nil {
				return err
			}
			fmt.Println("config ok")
			return nil
		},
	})
	return cfg
}

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show runtime availability and work order counts",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				counts, err := a.Repo.CountWorkOrdersByState(ctx)
				if err != nil {
					return err
				}
				st := a.Monitor.Status(ctx)
				if jsonOutput() {
					return printJSON(map[string]any{"runtime": st, "work_order_counts": counts})
				}
				fmt.Printf("Runtime: %s (%dms)\n", st.Status, st.LatencyMs)
				fmt.Println("Work orders:")
				for state, c := range counts {
					fmt.Printf("  %s: %d\n", state, c)
				}
				return nil
			})
		},
	}
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	var devLogin, legacyHeader bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API server with the dispatch scheduler and notification relay",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				if addr == "" {
					addr = a.Config.Server.Addr
				}
				if basePath == "" {
					basePath = a.Config.Server.BasePath
				}
				authCfg := server.AuthConfig{
					JWTSecret:              viper.GetString("jwt_secret"),
					AllowLegacyActorHeader: legacyHeader,
					DevLogin:               devLogin,
				}
				if authCfg.JWTSecret == "" && !legacyHeader {
					a.Logger.Warn("CLAWCONTROL_JWT_SECRET is not set; only API keys will authenticate")
				}
				handler, err := server.New(server.Config{App: a, BasePath: basePath, Auth: authCfg})
				if err != nil {
					return err
				}
				a.Start(ctx)
				srv := &http.Server{Addr: addr, Handler: handler, ReadHeaderTimeout: 10 * time.Second}
				go func() {
					<-ctx.Done()
					sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
					defer cancel()
					_ = srv.Shutdown(sctx)
				}()
				a.Logger.Info("serving ClawControl API", "addr", addr, "base_path", basePath, "docs", basePath+"/docs")
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					return err
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (default from config)")
	cmd.Flags().StringVar(&basePath, "base-path", "", "API base path (default from config)")
	cmd.Flags().BoolVar(&devLogin, "dev-login", false, "expose POST /auth/dev/login (development only)")
	cmd.Flags().BoolVar(&legacyHeader, "allow-legacy-actor-header", false, "accept X-Actor-Id without credentials")
	return cmd
}

// --- helpers ---

func withApp(ctx context.Context, fn func(context.Context, *app.App) error) error {
	a, err := app.Open(ctx, app.Options{
		Workspace: viper.GetString("workspace"),
		Mock:      viper.GetBool("mock"),
	})
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(ctx, a)
}

// actor returns the CLI caller and checks it may run kind.
func actor(a *app.App, kind governor.ActionKind) (domain.Actor, error) {
	act := domain.Actor{
		ID:   viper.GetString("actor-id"),
		Type: domain.ActorType(viper.GetString("actor-type")),
	}
	if kind != "" {
		if err := a.Access.Require(act, string(kind)); err != nil {
			return domain.Actor{}, err
		}
	}
	return act, nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func jsonOutput() bool { return viper.GetBool("json") }

// printTable renders rows unless --json is set, in which case v is printed.
func printTable(v any, header table.Row, rows []table.Row) error {
	if jsonOutput() {
		return printJSON(v)
	}
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.AppendHeader(header)
	tw.AppendRows(rows)
	tw.Render()
	return nil
}

func optionalString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func splitCSV(raw string) []string {
	var out []string
	for _, p := range strings.Split(raw, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
