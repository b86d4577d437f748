package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"govline/internal/app"
	"govline/internal/config"
	"govline/internal/db"
	"govline/internal/domain"
	"govline/internal/engine"
	"govline/internal/migrate"
	"govline/internal/repo"
	"govline/internal/server"
)

var rootCmd = &cobra.Command{
	Use:   "gv",
	Short: "Govline CLI",
	Long: `Govline mediates privileged agent operations behind multi-party approval.
Concepts:
- Workspace: the .govline directory holding the database; config lives in govline.yml and is mirrored into the DB.
- Request: one privileged operation (spawn, terminate, hibernate, wake, install-plugin, configure-agent, critical-operation, transfer) against a target agent, with justification and rollback plan.
- Approvals: each request pins its required roles (source/target manager, source/target chief of staff) to concrete principals at creation; a single rejection is final.
- Escalation: undecided requests get a reminder, then an urgent nudge, then an automatic outcome; spawn and wake proceed on timeout, everything else aborts.
- Governance password: critical-risk requests need the shared password verified before any approval counts.
- Event log: the audit diary of every decision, view with 'gv log tail'.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		workspace := viper.GetString("workspace")
		if _, err := db.EnsureWorkspace(workspace); err != nil {
			return err
		}
		return nil
	},
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	if err := rootCmd.Execute(); err != nil {
		fmt.Println("error:", err)
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("GOVLINE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("actor-id", "local-user", "actor identifier")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("actor-id", rootCmd.PersistentFlags().Lookup("actor-id"))
}

func registerCommands() {
	rootCmd.AddCommand(requestCmd())
	rootCmd.AddCommand(escalateCmd())
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(statusCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(apikeyCmd())
	rootCmd.AddCommand(serveCmd())
}

func requestCmd() *cobra.Command {
	req := &cobra.Command{Use: "request", Short: "Manage governance requests"}
	req.AddCommand(requestCreateCmd())
	req.AddCommand(requestShowCmd())
	req.AddCommand(requestListCmd())
	req.AddCommand(requestDecideCmd("approve", "Approve a request"))
	req.AddCommand(requestDecideCmd("reject", "Reject a request"))
	req.AddCommand(requestPasswordCmd())
	req.AddCommand(requestExecuteCmd())
	req.AddCommand(requestWaitCmd())
	return req
}

func requestCreateCmd() *cobra.Command {
	var opts engine.RequestCreateOptions
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Submit a governance request",
		RunE: func(cmd *cobra.Command, args []string) error {
			opts.Submitter = viper.GetString("actor-id")
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				req, err := e.CreateRequest(ctx, opts)
				if err != nil {
					return err
				}
				return printJSONOrTable(req)
			})
		},
	}
	cmd.Flags().StringVar(&opts.ID, "id", "", "request id (optional, GR-<timestamp>-<hex> if omitted)")
	cmd.Flags().StringVar(&opts.OperationType, "operation", "", "operation type (spawn, terminate, hibernate, wake, install-plugin, configure-agent, critical-operation, transfer)")
	cmd.Flags().StringVar(&opts.Scope, "scope", "local", "scope (local, cross-team)")
	cmd.Flags().StringVar(&opts.RiskLevel, "risk", "", "risk level (low, medium, high, critical)")
	cmd.Flags().StringVar(&opts.TargetAgent, "target-agent", "", "target agent id")
	cmd.Flags().StringVar(&opts.SourceTeam, "source-team", "", "source team id")
	cmd.Flags().StringVar(&opts.TargetTeam, "target-team", "", "target team id (transfers and cross-team scope)")
	cmd.Flags().StringVar(&opts.Justification, "justification", "", "why this operation is needed")
	cmd.Flags().StringVar(&opts.RollbackPlan, "rollback-plan", "", "how to undo it (required for high and critical risk)")
	cmd.Flags().StringVar(&opts.GovernancePassword, "password", "", "governance password (required for critical risk)")
	_ = cmd.MarkFlagRequired("operation")
	_ = cmd.MarkFlagRequired("risk")
	_ = cmd.MarkFlagRequired("target-agent")
	_ = cmd.MarkFlagRequired("source-team")
	_ = cmd.MarkFlagRequired("justification")
	return cmd
}

func requestShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <id>",
		Short: "Show a request",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				req, err := e.GetRequest(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(req)
			})
		},
	}
	return cmd
}

func requestListCmd() *cobra.Command {
	var f repo.RequestFilters
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List requests",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				reqs, err := e.ListRequests(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(reqs)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Operation", "Target", "Risk", "Status", "Approvals", "Created"})
				for _, r := range reqs {
					tw.AppendRow(table.Row{
						r.ID, r.OperationType, r.TargetAgent, r.RiskLevel, r.Status,
						fmt.Sprintf("%d/%d", approveCount(r), len(r.RequiredApprovals)), r.CreatedAt,
					})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&f.Status, "status", "", "status filter")
	cmd.Flags().IntVar(&f.MinAgeSeconds, "min-age", 0, "minimum age in seconds")
	cmd.Flags().IntVar(&f.Limit, "limit", 50, "max rows")
	return cmd
}

func approveCount(r domain.Request) int {
	n := 0
	for _, a := range r.Approvals {
		if a.Decision == domain.DecisionApprove {
			n++
		}
	}
	return n
}

func requestDecideCmd(decision, short string) *cobra.Command {
	var role, comment, password string
	cmd := &cobra.Command{
		Use:   decision + " <id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				req, err := e.SubmitApproval(ctx, engine.ApprovalOptions{
					RequestID:          args[0],
					ActorID:            viper.GetString("actor-id"),
					Decision:           decision,
					Role:               role,
					Comment:            comment,
					GovernancePassword: password,
				})
				if err != nil {
					return err
				}
				return printJSONOrTable(req)
			})
		},
	}
	cmd.Flags().StringVar(&role, "role", "", "authority role being exercised (inferred when omitted)")
	cmd.Flags().StringVar(&comment, "comment", "", "decision comment")
	cmd.Flags().StringVar(&password, "password", "", "governance password (critical risk)")
	return cmd
}

func requestPasswordCmd() *cobra.Command {
	var password string
	cmd := &cobra.Command{
		Use:   "password <id>",
		Short: "Verify the governance password for a critical request",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				req, err := e.VerifyPassword(ctx, args[0], viper.GetString("actor-id"), password)
				if err != nil {
					return err
				}
				return printJSONOrTable(req)
			})
		},
	}
	cmd.Flags().StringVar(&password, "password", "", "governance password")
	_ = cmd.MarkFlagRequired("password")
	return cmd
}

func requestExecuteCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "execute <id>",
		Short: "Execute a dual-approved request",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				req, err := e.ExecuteRequest(ctx, args[0], viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(req)
			})
		},
	}
	return cmd
}

func requestWaitCmd() *cobra.Command {
	var timeoutSeconds, intervalSeconds int
	cmd := &cobra.Command{
		Use:   "wait <id>",
		Short: "Poll a request until it is decided",
		Long:  "Blocks until the request reaches dual-approved, executed, or rejected, reconciling escalations on every poll.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				deadline := time.Now().Add(time.Duration(timeoutSeconds) * time.Second)
				interval := time.Duration(intervalSeconds) * time.Second
				for {
					req, err := e.GetRequest(ctx, args[0])
					if err != nil {
						return err
					}
					if domain.IsTerminal(req.Status) || req.Status == domain.StatusDualApproved {
						return printJSONOrTable(req)
					}
					if time.Now().After(deadline) {
						return fmt.Errorf("timed out waiting for %s (status %s)", req.ID, req.Status)
					}
					select {
					case <-ctx.Done():
						return ctx.Err()
					case <-time.After(interval):
					}
				}
			})
		},
	}
	cmd.Flags().IntVar(&timeoutSeconds, "timeout", 300, "max seconds to wait")
	cmd.Flags().IntVar(&intervalSeconds, "interval", 2, "poll interval in seconds")
	return cmd
}

func escalateCmd() *cobra.Command {
	esc := &cobra.Command{
		Use:   "escalate",
		Short: "Escalation schedule",
		Long:  "Escalations fire from the wall clock when someone looks: run this periodically (cron it) or rely on reads reconciling each request lazily.",
	}
	esc.AddCommand(escalateRunCmd())
	return esc
}

func escalateRunCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Fire every overdue escalation stage across active requests",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				fired, err := e.ReconcileAll(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(fired)
				}
				if len(fired) == 0 {
					fmt.Println("nothing due")
					return nil
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Request", "Stage", "Fired at"})
				for _, esc := range fired {
					tw.AppendRow(table.Row{esc.RequestID, esc.Stage, esc.FiredAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	return cmd
}

func configCmd() *cobra.Command {
	cfg := &cobra.Command{
		Use:   "config",
		Short: "Inspect engine config",
		Long:  "Config is the rulebook: role sets per request shape, autonomy directives, escalation offsets, rate limits, and the team roster. Lives in govline.yml.",
	}
	cfg.AddCommand(configShowCmd())
	cfg.AddCommand(configValidateCmd())
	cfg.AddCommand(configInitCmd())
	return cfg
}

func configShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Show loaded config",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				return printJSONOrTable(e.Config)
			})
		},
	}
	return cmd
}

func configValidateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate stored config",
		RunE: func(cmd *cobra.Command, args []string) error {
			err := withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				return e.Config.Validate()
			})
			if viper.GetBool("json") {
				return printJSON(map[string]any{"ok": err == nil, "error": fmt.Sprint(err)})
			}
			if err != nil {
				return err
			}
			fmt.Println("config OK")
			return nil
		},
	}
	return cmd
}

func configInitCmd() *cobra.Command {
	var engineID string
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a default govline.yml into the workspace",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			path := config.Path(workspace)
			if _, err := os.Stat(path); err == nil {
				return fmt.Errorf("%s already exists", path)
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault(engineID)), 0o644); err != nil {
				return err
			}
			fmt.Printf("Wrote %s\n", path)
			return nil
		},
	}
	cmd.Flags().StringVar(&engineID, "engine-id", "default", "engine id")
	return cmd
}

func statusCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Request counts by status",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				counts, err := e.Repo.CountRequestsByStatus(ctx)
				if err != nil {
					return err
				}
				return printJSONOrTable(map[string]any{
					"engine_id":      e.Config.Engine.ID,
					"request_counts": counts,
				})
			})
		},
	}
	return cmd
}

func logCmd() *cobra.Command {
	log := &cobra.Command{
		Use:   "log",
		Short: "Event log",
		Long:  "The audit diary: request lifecycle, approvals, password checks, escalations.",
	}
	log.AddCommand(logTailCmd())
	return log
}

func logTailCmd() *cobra.Command {
	var n int
	var evtType, requestID string
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Tail events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				events, err := e.Repo.LatestEvents(ctx, n, requestID, evtType)
				if err != nil {
					return err
				}
				return printJSONOrTable(events)
			})
		},
	}
	cmd.Flags().IntVar(&n, "n", 20, "number of events")
	cmd.Flags().StringVar(&evtType, "type", "", "event type filter")
	cmd.Flags().StringVar(&requestID, "request", "", "request id filter")
	return cmd
}

func apikeyCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "apikey",
		Short: "API key management",
	}
	cmd.AddCommand(apikeyCreateCmd())
	cmd.AddCommand(apikeyListCmd())
	cmd.AddCommand(apikeyRevokeCmd())
	return cmd
}

func apikeyCreateCmd() *cobra.Command {
	var actorID, name string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create an API key",
		Long:  "Prints the raw key once; only its hash is stored.",
		RunE: func(cmd *cobra.Command, args []string) error {
			if actorID == "" {
				actorID = viper.GetString("actor-id")
			}
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				raw := strings.ReplaceAll(uuid.New().String()+uuid.New().String(), "-", "")
				key := domain.APIKey{
					ID:      uuid.New().String(),
					ActorID: actorID,
					Name:    name,
					KeyHash: repo.HashAPIKey(raw),
				}
				if err := r.InsertAPIKey(ctx, nil, key); err != nil {
					return err
				}
				return printJSONOrTable(map[string]string{
					"id":       key.ID,
					"actor_id": key.ActorID,
					"name":     key.Name,
					"api_key":  raw,
				})
			})
		},
	}
	cmd.Flags().StringVar(&actorID, "actor", "", "actor the key authenticates as")
	cmd.Flags().StringVar(&name, "name", "", "key label")
	return cmd
}

func apikeyListCmd() *cobra.Command {
	var actorID string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List API keys",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				keys, err := r.ListAPIKeys(ctx, actorID)
				if err != nil {
					return err
				}
				return printJSONOrTable(keys)
			})
		},
	}
	cmd.Flags().StringVar(&actorID, "actor", "", "filter by actor")
	return cmd
}

func apikeyRevokeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "revoke <id>",
		Short: "Revoke an API key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				return r.DeleteAPIKey(ctx, args[0])
			})
		},
	}
	return cmd
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	var throttleRPS int
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			if _, err := db.EnsureWorkspace(workspace); err != nil {
				return err
			}
			conn, err := db.Open(db.Config{Workspace: workspace})
			if err != nil {
				return err
			}
			defer conn.Close()
			if err := migrate.Migrate(conn); err != nil {
				return err
			}
			r := repo.Repo{DB: conn}
			_, cfg, err := app.ResolveConfig(cmd.Context(), workspace, viper.GetString("engine-id"), r)
			if err != nil {
				return err
			}
			e := engine.New(conn, cfg)
			authCfg := server.AuthConfig{JWTSecret: os.Getenv("GOVLINE_JWT_SECRET")}
			if authCfg.JWTSecret == "" {
				return fmt.Errorf("GOVLINE_JWT_SECRET is required for bearer auth")
			}
			handler, err := server.New(server.Config{
				Engine:      e,
				BasePath:    basePath,
				Auth:        authCfg,
				ThrottleRPS: throttleRPS,
			})
			if err != nil {
				return err
			}
			srv := &http.Server{Addr: addr, Handler: handler}
			go func() {
				<-cmd.Context().Done()
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				srv.Shutdown(ctx)
			}()
			fmt.Printf("Serving Govline API on http://%s%s (OpenAPI at %s/openapi.json, Swagger UI at /docs)\n", addr, basePath, basePath)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v1", "API base path")
	cmd.Flags().IntVar(&throttleRPS, "throttle-rps", 50, "per-IP requests per second (0 disables)")
	return cmd
}

// --- helpers ---

func withEngine(ctx context.Context, fn func(context.Context, engine.Engine) error) error {
	workspace := viper.GetString("workspace")
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := migrate.Migrate(conn); err != nil {
		return err
	}
	r := repo.Repo{DB: conn}
	_, cfg, err := app.ResolveConfig(ctx, workspace, viper.GetString("engine-id"), r)
	if err != nil {
		return err
	}
	e := engine.New(conn, cfg)
	return fn(ctx, e)
}

func withRepo(ctx context.Context, fn func(context.Context, repo.Repo) error) error {
	workspace := viper.GetString("workspace")
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := migrate.Migrate(conn); err != nil {
		return err
	}
	return fn(ctx, repo.Repo{DB: conn})
}

func printJSONOrTable(v any) error {
	if viper.GetBool("json") {
		return printJSON(v)
	}
	b, _ := json.MarshalIndent(v, "", "  ")
	fmt.Println(string(b))
	return nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
