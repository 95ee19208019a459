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

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"dispatchline/internal/app"
	"dispatchline/internal/db"
	"dispatchline/internal/domain"
	"dispatchline/internal/engine"
	"dispatchline/internal/repo"
	"dispatchline/internal/server"
	"dispatchline/internal/verify"
)

var rootCmd = &cobra.Command{
	Use:   "dl",
	Short: "Dispatchline CLI",
	Long: `Dispatchline routes work orders to domain executors with hard gates.
Core concepts:
- Work orders: approved tasks that need a domain decision before anyone works on them.
- Classification: explicit domain wins; otherwise path and keyword tables decide, and
  multiple matches become a mixed order split into ordered stages.
- Guardrails: a concrete domain may only touch its own paths. Violations stop dispatch.
- Policy gate: duplicate and sensitivity rules run before dispatch; a critical failure blocks.
- Leases: a claim is time-bounded and exclusive. Expired leases go back to the pool.
- Verification: completion claims are checked by an independent capability before a task
  can finish. The kill switch (dl disarm) stops all claiming and routing instantly.`,
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
	viper.SetEnvPrefix("DISPATCHLINE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("worker-id", "", "acting worker id")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("worker-id", rootCmd.PersistentFlags().Lookup("worker-id"))
}

func registerCommands() {
	rootCmd.AddCommand(taskCmd())
	rootCmd.AddCommand(routeCmd())
	rootCmd.AddCommand(workerCmd())
	rootCmd.AddCommand(sweepCmd())
	rootCmd.AddCommand(armCmd())
	rootCmd.AddCommand(disarmCmd())
	rootCmd.AddCommand(statusCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(tokenCmd())
	rootCmd.AddCommand(serveCmd())
}

func taskCmd() *cobra.Command {
	task := &cobra.Command{
		Use:   "task",
		Short: "Manage tasks",
		Long:  "Tasks are routed work orders. They flow scheduled -> in_progress -> completed/failed; a terminal task never moves again.",
	}
	task.AddCommand(taskCreateCmd())
	task.AddCommand(taskListCmd())
	task.AddCommand(taskShowCmd())
	task.AddCommand(taskPendingCmd())
	task.AddCommand(taskClaimCmd())
	task.AddCommand(taskReleaseCmd())
	task.AddCommand(taskProgressCmd())
	task.AddCommand(taskCompleteCmd())
	task.AddCommand(taskFinalizeCmd())
	return task
}

func taskCreateCmd() *cobra.Command {
	var id, title, domainFlag string
	var approved bool
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a task",
		RunE: func(cmd *cobra.Command, args []string) error {
			d, ok := domain.ParseDomain(domainFlag)
			if !ok {
				return fmt.Errorf("unknown domain %q", domainFlag)
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				t, err := e.CreateTask(ctx, engine.TaskCreateOptions{
					ID:           id,
					Title:        title,
					Domain:       d,
					SpecApproved: approved,
				})
				if err != nil {
					return err
				}
				return printJSONOrTable(t)
			})
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "task id (e.g. TASK-1001)")
	cmd.Flags().StringVar(&title, "title", "", "task title")
	cmd.Flags().StringVar(&domainFlag, "domain", "", "explicit domain (frontend, backend, memory, mixed)")
	cmd.Flags().BoolVar(&approved, "approved", false, "mark spec approved")
	_ = cmd.MarkFlagRequired("id")
	_ = cmd.MarkFlagRequired("title")
	return cmd
}

func taskListCmd() *cobra.Command {
	var status, domainFlag, workerID string
	var limit int
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List tasks",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				tasks, err := e.Repo.ListTasks(ctx, repo.TaskFilters{
					Status:   status,
					Domain:   domainFlag,
					WorkerID: workerID,
					Limit:    limit,
				})
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(tasks)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Title", "Domain", "Status", "Claimed By", "Retries"})
				for _, t := range tasks {
					claimed := ""
					if t.ClaimedBy != nil {
						claimed = *t.ClaimedBy
					}
					tw.AppendRow(table.Row{t.ID, t.Title, t.Domain, t.Status, claimed, t.RetryCount})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "status filter")
	cmd.Flags().StringVar(&domainFlag, "domain", "", "domain filter")
	cmd.Flags().StringVar(&workerID, "claimed-by", "", "claiming worker filter")
	cmd.Flags().IntVar(&limit, "limit", 50, "max rows")
	return cmd
}

func taskShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <id>",
		Short: "Show a task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				t, err := e.Repo.GetTask(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(t)
			})
		},
	}
	return cmd
}

func taskPendingCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "pending",
		Short: "List claimable tasks, oldest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				tasks, err := e.ListPending(ctx, limit)
				if err != nil {
					return err
				}
				return printJSONOrTable(tasks)
			})
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 50, "max rows")
	return cmd
}

func taskClaimCmd() *cobra.Command {
	var ttl int
	cmd := &cobra.Command{
		Use:   "claim <id>",
		Short: "Claim a task lease",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			workerID, err := requireWorkerFlag()
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				res, err := e.Claim(ctx, args[0], workerID, ttl)
				if err != nil {
					return err
				}
				if !res.Claimed {
					fmt.Printf("Task %s is held by another worker\n", args[0])
					return nil
				}
				return printJSONOrTable(res)
			})
		},
	}
	cmd.Flags().IntVar(&ttl, "ttl-minutes", 0, "lease TTL in minutes (0 uses default)")
	return cmd
}

func taskReleaseCmd() *cobra.Command {
	var reason string
	cmd := &cobra.Command{
		Use:   "release <id>",
		Short: "Release a task lease",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			workerID, err := requireWorkerFlag()
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				return e.Release(ctx, args[0], workerID, reason)
			})
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "", "release reason")
	return cmd
}

func taskProgressCmd() *cobra.Command {
	var stage, message string
	cmd := &cobra.Command{
		Use:   "progress <id>",
		Short: "Report execution progress",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			workerID, err := requireWorkerFlag()
			if err != nil {
				return err
			}
			if message == "" {
				return fmt.Errorf("--message required")
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				return e.ReportProgress(ctx, args[0], workerID, stage, message, nil)
			})
		},
	}
	cmd.Flags().StringVar(&stage, "stage", "", "pipeline stage label")
	cmd.Flags().StringVar(&message, "message", "", "progress message")
	return cmd
}

func taskCompleteCmd() *cobra.Command {
	var domainFlag, runID, summary, skipKey, skipReason string
	var changes []string
	cmd := &cobra.Command{
		Use:   "complete <id>",
		Short: "Complete a claimed task through verification",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			workerID, err := requireWorkerFlag()
			if err != nil {
				return err
			}
			d, ok := domain.ParseDomain(domainFlag)
			if !ok {
				return fmt.Errorf("unknown domain %q", domainFlag)
			}
			result, err := buildResult(summary, changes, skipKey, skipReason)
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				res, err := e.CompleteSubagent(ctx, args[0], d, runID, workerID, result)
				if err != nil {
					return err
				}
				return printJSONOrTable(res)
			})
		},
	}
	cmd.Flags().StringVar(&domainFlag, "domain", "", "task domain")
	cmd.Flags().StringVar(&runID, "run-id", "", "pipeline run id")
	cmd.Flags().StringVar(&summary, "summary", "", "claimed output summary")
	cmd.Flags().StringArrayVar(&changes, "change", nil, "claimed change as path:action (repeatable)")
	cmd.Flags().StringVar(&skipKey, "skip-key", "", "verification skip key")
	cmd.Flags().StringVar(&skipReason, "skip-reason", "", "verification skip reason")
	return cmd
}

func taskFinalizeCmd() *cobra.Command {
	var runID, summary, skipKey, skipReason string
	var changes []string
	cmd := &cobra.Command{
		Use:   "finalize <id>",
		Short: "Finalize a composite work order",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			result, err := buildResult(summary, changes, skipKey, skipReason)
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				res, err := e.CompleteOrchestrator(ctx, args[0], runID, result)
				if err != nil {
					return err
				}
				return printJSONOrTable(res)
			})
		},
	}
	cmd.Flags().StringVar(&runID, "run-id", "", "pipeline run id")
	cmd.Flags().StringVar(&summary, "summary", "", "claimed output summary")
	cmd.Flags().StringArrayVar(&changes, "change", nil, "claimed change as path:action (repeatable)")
	cmd.Flags().StringVar(&skipKey, "skip-key", "", "verification skip key")
	cmd.Flags().StringVar(&skipReason, "skip-reason", "", "verification skip reason")
	return cmd
}

func routeCmd() *cobra.Command {
	var taskID, title, domainFlag, specFile, runID string
	var paths []string
	var maxFiles, maxDirs int
	cmd := &cobra.Command{
		Use:   "route",
		Short: "Route a work order",
		Long:  "Runs classification, guardrails and the policy gate, then records the routing decision. Mixed orders are split into ordered, gated stage tasks.",
		RunE: func(cmd *cobra.Command, args []string) error {
			d, ok := domain.ParseDomain(domainFlag)
			if !ok {
				return fmt.Errorf("unknown domain %q", domainFlag)
			}
			spec := ""
			if specFile != "" {
				data, err := os.ReadFile(specFile)
				if err != nil {
					return err
				}
				spec = string(data)
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				res, err := e.Route(ctx, domain.WorkOrder{
					TaskID:      taskID,
					Title:       title,
					Domain:      d,
					SpecContent: spec,
					Paths:       paths,
					MaxFiles:    maxFiles,
					MaxDirs:     maxDirs,
					RunID:       runID,
				})
				if err != nil {
					return err
				}
				return printJSONOrTable(res)
			})
		},
	}
	cmd.Flags().StringVar(&taskID, "task", "", "task id")
	cmd.Flags().StringVar(&title, "title", "", "work order title (defaults to task title)")
	cmd.Flags().StringVar(&domainFlag, "domain", "", "explicit domain override")
	cmd.Flags().StringVar(&specFile, "spec-file", "", "path to spec content")
	cmd.Flags().StringArrayVar(&paths, "path", nil, "proposed file path (repeatable)")
	cmd.Flags().IntVar(&maxFiles, "max-files", 0, "declared change budget: files")
	cmd.Flags().IntVar(&maxDirs, "max-dirs", 0, "declared change budget: directories")
	cmd.Flags().StringVar(&runID, "run-id", "", "pipeline run id (generated when empty)")
	_ = cmd.MarkFlagRequired("task")
	return cmd
}

func workerCmd() *cobra.Command {
	worker := &cobra.Command{
		Use:   "worker",
		Short: "Manage workers",
	}
	worker.AddCommand(workerRegisterCmd())
	worker.AddCommand(workerListCmd())
	worker.AddCommand(workerUnregisterCmd())
	worker.AddCommand(workerHeartbeatCmd())
	return worker
}

func workerRegisterCmd() *cobra.Command {
	var id string
	var capabilities []string
	var maxConcurrency int
	cmd := &cobra.Command{
		Use:   "register",
		Short: "Register a worker and issue an API key",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				w, secret, err := e.RegisterWorker(ctx, id, capabilities, maxConcurrency)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{"worker": w, "api_key": secret})
				}
				fmt.Printf("Registered worker %s\n", w.ID)
				fmt.Printf("API key (shown once): %s\n", secret)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "worker id")
	cmd.Flags().StringArrayVar(&capabilities, "capability", nil, "capability (repeatable)")
	cmd.Flags().IntVar(&maxConcurrency, "max-concurrency", 1, "max concurrent claims")
	_ = cmd.MarkFlagRequired("id")
	return cmd
}

func workerListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List workers",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				workers, err := e.Repo.ListWorkers(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(workers)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Status", "Capabilities", "Last Heartbeat"})
				for _, w := range workers {
					hb := ""
					if w.LastHeartbeatAt != nil {
						hb = *w.LastHeartbeatAt
					}
					tw.AppendRow(table.Row{w.ID, w.Status, strings.Join(w.Capabilities, ","), hb})
				}
				tw.Render()
				return nil
			})
		},
	}
	return cmd
}

func workerUnregisterCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "unregister <id>",
		Short: "Unregister a worker and force-release its claims",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				return e.UnregisterWorker(ctx, args[0])
			})
		},
	}
	return cmd
}

func workerHeartbeatCmd() *cobra.Command {
	var taskID string
	cmd := &cobra.Command{
		Use:   "heartbeat",
		Short: "Record liveness and renew a held lease",
		RunE: func(cmd *cobra.Command, args []string) error {
			workerID, err := requireWorkerFlag()
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				return e.Heartbeat(ctx, workerID, taskID)
			})
		},
	}
	cmd.Flags().StringVar(&taskID, "task", "", "task lease to renew")
	return cmd
}

func sweepCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sweep",
		Short: "Return expired leases to the pending pool",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				swept, err := e.SweepExpired(ctx)
				if err != nil {
					return err
				}
				fmt.Printf("Swept %d expired lease(s)\n", swept)
				return nil
			})
		},
	}
	return cmd
}

func armCmd() *cobra.Command {
	var reason string
	cmd := &cobra.Command{
		Use:   "arm",
		Short: "Arm execution",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				return e.SetArmed(ctx, true, reason)
			})
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "", "audit reason")
	return cmd
}

func disarmCmd() *cobra.Command {
	var reason string
	cmd := &cobra.Command{
		Use:   "disarm",
		Short: "Disarm execution (kill switch)",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				return e.SetArmed(ctx, false, reason)
			})
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "", "audit reason")
	return cmd
}

func statusCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show pipeline status",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				counts, err := e.Repo.CountTasksByStatus(ctx)
				if err != nil {
					return err
				}
				armed, err := e.Repo.ExecutionArmed(ctx)
				if err != nil {
					return err
				}
				out := map[string]any{
					"armed":       armed,
					"task_counts": counts,
				}
				if viper.GetBool("json") {
					return printJSON(out)
				}
				state := "DISARMED"
				if armed {
					state = "armed"
				}
				fmt.Printf("Execution: %s\n", state)
				fmt.Println("Tasks:")
				for status, c := range counts {
					fmt.Printf("  %s: %d\n", status, c)
				}
				return nil
			})
		},
	}
	return cmd
}

func logCmd() *cobra.Command {
	log := &cobra.Command{Use: "log", Short: "Inspect the event log"}
	log.AddCommand(logTailCmd())
	return log
}

func logTailCmd() *cobra.Command {
	var n int
	var taskID, runID, stage, status string
	var after int64
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Tail events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				var (
					events []domain.Event
					err    error
				)
				if after > 0 {
					events, err = e.Repo.EventsAfter(ctx, n, after, taskID)
				} else {
					events, err = e.Repo.LatestEvents(ctx, repo.EventFilters{
						TaskID: taskID,
						RunID:  runID,
						Stage:  stage,
						Status: status,
						Limit:  n,
					})
				}
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(events)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "TS", "Task", "Stage", "Status", "Message"})
				for _, ev := range events {
					tw.AppendRow(table.Row{ev.ID, ev.TS, ev.TaskID, ev.Stage, ev.Status, ev.Message})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&n, "n", 20, "number of events")
	cmd.Flags().StringVar(&taskID, "task", "", "task id filter")
	cmd.Flags().StringVar(&runID, "run", "", "run id filter")
	cmd.Flags().StringVar(&stage, "stage", "", "stage filter")
	cmd.Flags().StringVar(&status, "status", "", "event status filter")
	cmd.Flags().Int64Var(&after, "after", 0, "replay events after this cursor id")
	return cmd
}

func tokenCmd() *cobra.Command {
	var subject string
	var roles []string
	var ttl time.Duration
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint an operator JWT for the HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			secret := os.Getenv("DISPATCHLINE_JWT_SECRET")
			tok, err := server.MintToken(secret, subject, roles, ttl)
			if err != nil {
				return err
			}
			fmt.Println(tok)
			return nil
		},
	}
	cmd.Flags().StringVar(&subject, "subject", "local-operator", "token subject")
	cmd.Flags().StringArrayVar(&roles, "role", []string{"operator"}, "role claim (repeatable)")
	cmd.Flags().DurationVar(&ttl, "ttl", 12*time.Hour, "token lifetime")
	return cmd
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			e, closeDB, err := app.NewEngine(workspace)
			if err != nil {
				return err
			}
			defer closeDB()
			authCfg := server.AuthConfig{JWTSecret: os.Getenv("DISPATCHLINE_JWT_SECRET")}
			if authCfg.JWTSecret == "" {
				return fmt.Errorf("DISPATCHLINE_JWT_SECRET is required for bearer auth")
			}
			handler, err := server.New(server.Config{Engine: e, BasePath: basePath, Auth: authCfg})
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
			fmt.Printf("Serving Dispatchline API on http://%s%s\n", addr, basePath)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v0", "API base path")
	return cmd
}

// --- helpers ---

func withEngine(ctx context.Context, fn func(context.Context, engine.Engine) error) error {
	e, closeDB, err := app.NewEngine(viper.GetString("workspace"))
	if err != nil {
		return err
	}
	defer closeDB()
	return fn(ctx, e)
}

func requireWorkerFlag() (string, error) {
	workerID := strings.TrimSpace(viper.GetString("worker-id"))
	if workerID == "" {
		return "", fmt.Errorf("--worker-id required (or DISPATCHLINE_WORKER_ID)")
	}
	return workerID, nil
}

func buildResult(summary string, rawChanges []string, skipKey, skipReason string) (verify.Result, error) {
	var changes []domain.ClaimedChange
	for _, raw := range rawChanges {
		path, action, ok := strings.Cut(raw, ":")
		if !ok || path == "" || action == "" {
			return verify.Result{}, fmt.Errorf("invalid --change %q; expected path:action", raw)
		}
		changes = append(changes, domain.ClaimedChange{Path: path, Action: action})
	}
	return verify.Result{
		Summary:    summary,
		Changes:    changes,
		SkipKey:    skipKey,
		SkipReason: skipReason,
	}, nil
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
