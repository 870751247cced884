package cli

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/Helsinki-Code/shelvey-unleashed-sub005/internal/adapter"
	"github.com/Helsinki-Code/shelvey-unleashed-sub005/internal/config"
	internal_http "github.com/Helsinki-Code/shelvey-unleashed-sub005/internal/http"
	"github.com/Helsinki-Code/shelvey-unleashed-sub005/internal/log"
	"github.com/Helsinki-Code/shelvey-unleashed-sub005/internal/observability"
	internal_storage "github.com/Helsinki-Code/shelvey-unleashed-sub005/internal/storage"
	"github.com/Helsinki-Code/shelvey-unleashed-sub005/pkg/api"
	"github.com/Helsinki-Code/shelvey-unleashed-sub005/pkg/service"
	"github.com/Helsinki-Code/shelvey-unleashed-sub005/pkg/storage"
	"github.com/bytedance/sonic"
	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
)

// app is everything one command needs, built from the environment.
type app struct {
	cfg        config.Config
	orch       *service.Orchestrator
	dispatcher *api.Dispatcher
	closers    []func() error
}

func (rt *app) Close() {
	for i := len(rt.closers) - 1; i >= 0; i-- {
		if err := rt.closers[i](); err != nil {
			log.GetLogger().Warnf("Error during shutdown: %v", err)
		}
	}
}

func buildApp(cmd *cobra.Command) (*app, error) {
	cfg, err := config.Load(func(c *config.Config) {
		if store := flag(cmd, "store"); store != "" {
			c.StoreBackend = store
		}
		if policy := flag(cmd, "policy"); policy != "" {
			c.PolicyFile = policy
		}
	})
	if err != nil {
		return nil, errors.Wrap(err, "invalid configuration")
	}
	log.Configure(cfg.LogLevel, cfg.LogFormat)
	logger := log.GetLogger()

	policy, err := config.LoadPolicy(cfg.PolicyFile)
	if err != nil {
		return nil, errors.Wrap(err, "failed to load policy")
	}

	rt := &app{cfg: cfg}
	shutdown, err := observability.InitTracing("orchestrator", cfg.OTelExporter, cfg.OTelEndpoint)
	if err != nil {
		return nil, errors.Wrap(err, "failed to initialize tracing")
	}
	rt.closers = append(rt.closers, func() error {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return shutdown(ctx)
	})

	logger.Debugf("Opening %s store", cfg.StoreBackend)
	store, err := internal_storage.InitStore(cfg.StoreBackend, cfg.DatabaseURL)
	if err != nil {
		rt.Close()
		return nil, errors.Wrap(err, "failed to initialize store")
	}
	rt.closers = append(rt.closers, store.Close)

	var history storage.ExecutionHistory
	if cfg.HistoryBackend == "redis" {
		rdb := redis.NewUniversalClient(&redis.UniversalOptions{
			Addrs:    []string{cfg.RedisAddr},
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		ctx, cancel := context.WithTimeout(cmd.Context(), 5*time.Second)
		err := rdb.Ping(ctx).Err()
		cancel()
		if err != nil {
			_ = rdb.Close()
			rt.Close()
			return nil, errors.Wrapf(err, "failed to reach redis at %s", cfg.RedisAddr)
		}
		h := internal_storage.NewRedisHistory(rdb, policy.HistoryWindow)
		rt.closers = append(rt.closers, h.Close)
		history = h
	}

	registry := adapter.NewRegistry(policy.Providers, cfg.ExecutorURLs, adapter.NewDryRunDriver(), nil)
	rt.orch = service.NewOrchestrator(policy, store, history, registry, logger)
	rt.dispatcher = api.NewDispatcher(rt.orch, logger)
	return rt, nil
}

// withApp runs fn against a freshly built app and exits on error.
func withApp(fn func(cmd *cobra.Command, rt *app) error) func(cmd *cobra.Command, args []string) {
	return func(cmd *cobra.Command, args []string) {
		rt, err := buildApp(cmd)
		if err != nil {
			log.GetLogger().Errorf("%v", err)
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		err = fn(cmd, rt)
		rt.Close()
		if err != nil {
			log.GetLogger().Errorf("%s failed: %v", cmd.Name(), err)
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
	}
}

// dispatch sends one action through the dispatcher and prints the response.
func dispatch(cmd *cobra.Command, rt *app, group, action string, data any) error {
	raw, err := sonic.Marshal(data)
	if err != nil {
		return errors.Wrap(err, "failed to encode action data")
	}
	resp := rt.dispatcher.Dispatch(cmd.Context(), group, api.Request{Action: action, Data: raw})
	if err := printJSON(cmd.OutOrStdout(), resp); err != nil {
		return err
	}
	if !resp.Success {
		return fmt.Errorf("%s: %s", resp.Code, resp.Error)
	}
	return nil
}

func printJSON(w io.Writer, v any) error {
	b, err := sonic.ConfigStd.MarshalIndent(v, "", "  ")
	if err != nil {
		return errors.Wrap(err, "failed to encode output")
	}
	_, err = fmt.Fprintln(w, string(b))
	return err
}

// actionCmd builds a command that forwards its flags as one action's data.
func actionCmd(use, short, group, action string, flags func(cmd *cobra.Command), data func(cmd *cobra.Command) (map[string]any, error)) *cobra.Command {
	cmd := &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.NoArgs,
		Run: withApp(func(cmd *cobra.Command, rt *app) error {
			d, err := data(cmd)
			if err != nil {
				return err
			}
			return dispatch(cmd, rt, group, action, d)
		}),
	}
	if flags != nil {
		flags(cmd)
	}
	return cmd
}

func taskFlags(cmd *cobra.Command) {
	cmd.Flags().String("task", "", "Task ID")
	cmd.Flags().String("user", "", "Owning user ID")
}

func sessionFlags(cmd *cobra.Command) {
	cmd.Flags().String("session", "", "Session ID")
	cmd.Flags().String("user", "", "Owning user ID")
}

func taskData(cmd *cobra.Command) (map[string]any, error) {
	return map[string]any{"task_id": flag(cmd, "task"), "user_id": flag(cmd, "user")}, nil
}

func sessionData(cmd *cobra.Command) (map[string]any, error) {
	return map[string]any{"session_id": flag(cmd, "session"), "user_id": flag(cmd, "user")}, nil
}

func flag(cmd *cobra.Command, name string) string {
	v, _ := cmd.Flags().GetString(name)
	return v
}

func none(*cobra.Command) (map[string]any, error) { return map[string]any{}, nil }

func SetupCLI(rootCmd *cobra.Command) {
	rootCmd.PersistentFlags().String("store", "", "Store backend: postgres or memory (overrides ORCH_STORE)")
	rootCmd.PersistentFlags().String("policy", "", "Policy YAML file (overrides ORCH_POLICY_FILE)")

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the scheduler, failover and compliance endpoints over HTTP",
		Args:  cobra.NoArgs,
		Run: withApp(func(cmd *cobra.Command, rt *app) error {
			port := rt.cfg.Port
			if p := flag(cmd, "port"); p != "" {
				port = p
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return internal_http.StartServer(ctx, port, rt.dispatcher)
		}),
	}
	serveCmd.Flags().String("port", "", "Listen port (overrides PORT)")

	submitCmd := actionCmd("submit", "Submit a task to a session queue", api.SchedulerGroup, "submit_task",
		func(cmd *cobra.Command) {
			sessionFlags(cmd)
			f := cmd.Flags()
			f.String("name", "", "Task name")
			f.Int("priority", service.DefaultPriority, "Priority, lower runs first")
			f.String("depends-on", "", "ID of a task that must complete first")
			f.Int("max-retries", service.DefaultMaxRetries, "Maximum attempts")
			f.Int("complexity", 0, "Complexity from 0 to 10")
			f.Int("timeout", service.DefaultTimeoutSeconds, "Timeout in seconds")
			f.Bool("vision", false, "Task requires a vision-capable provider")
			f.Bool("high-risk", false, "Task is high risk")
			f.String("instructions", "", "Free-form instructions for the provider")
			f.String("actions", "", "JSON array of browser actions")
		},
		func(cmd *cobra.Command) (map[string]any, error) {
			f := cmd.Flags()
			priority, _ := f.GetInt("priority")
			maxRetries, _ := f.GetInt("max-retries")
			complexity, _ := f.GetInt("complexity")
			timeout, _ := f.GetInt("timeout")
			vision, _ := f.GetBool("vision")
			highRisk, _ := f.GetBool("high-risk")
			d := map[string]any{
				"session_id":         flag(cmd, "session"),
				"user_id":            flag(cmd, "user"),
				"name":               flag(cmd, "name"),
				"priority":           priority,
				"depends_on_task_id": flag(cmd, "depends-on"),
				"max_retries":        maxRetries,
				"complexity":         complexity,
				"timeout_seconds":    timeout,
				"requires_vision":    vision,
				"is_high_risk":       highRisk,
				"instructions":       flag(cmd, "instructions"),
			}
			if raw := flag(cmd, "actions"); raw != "" {
				var actions []any
				if err := sonic.UnmarshalString(raw, &actions); err != nil {
					return nil, errors.Wrap(err, "invalid --actions")
				}
				d["actions"] = actions
			}
			return d, nil
		})

	scheduleCmd := actionCmd("schedule", "Queue a pending task, optionally for a later time", api.SchedulerGroup, "schedule_task",
		func(cmd *cobra.Command) {
			taskFlags(cmd)
			cmd.Flags().String("at", "", "RFC3339 time to run at")
		},
		func(cmd *cobra.Command) (map[string]any, error) {
			d, _ := taskData(cmd)
			if at := flag(cmd, "at"); at != "" {
				t, err := time.Parse(time.RFC3339, at)
				if err != nil {
					return nil, errors.Wrap(err, "invalid --at")
				}
				d["scheduled_time"] = t
			}
			return d, nil
		})

	executeCmd := actionCmd("execute-next", "Run the most urgent runnable task of a session", api.SchedulerGroup, "execute_next", sessionFlags, sessionData)
	retryCmd := actionCmd("retry", "Put a task back in the queue", api.SchedulerGroup, "retry_task", taskFlags, taskData)
	cancelCmd := actionCmd("cancel", "Cancel a pending or queued task", api.SchedulerGroup, "cancel_task", taskFlags, taskData)
	getTaskCmd := actionCmd("get-task", "Show a task", api.SchedulerGroup, "get_task", taskFlags, taskData)
	queueCmd := actionCmd("queue-status", "Count a session's tasks by status", api.SchedulerGroup, "get_queue_status", sessionFlags, sessionData)

	healthCmd := actionCmd("health", "Show the health of every provider", api.FailoverGroup, "get_all_health", nil, none)
	monitorCmd := actionCmd("monitor", "Evaluate provider health and list alerts", api.FailoverGroup, "monitor_health", nil, none)
	selectCmd := actionCmd("select-provider", "Pick a provider for a task profile", api.FailoverGroup, "select_provider",
		func(cmd *cobra.Command) {
			cmd.Flags().Int("complexity", 0, "Complexity from 0 to 10")
			cmd.Flags().Bool("vision", false, "Task requires a vision-capable provider")
			cmd.Flags().Bool("high-risk", false, "Task is high risk")
		},
		func(cmd *cobra.Command) (map[string]any, error) {
			complexity, _ := cmd.Flags().GetInt("complexity")
			vision, _ := cmd.Flags().GetBool("vision")
			highRisk, _ := cmd.Flags().GetBool("high-risk")
			return map[string]any{"task_complexity": complexity, "requires_vision": vision, "is_high_risk": highRisk}, nil
		})
	resetCmd := actionCmd("reset-circuit", "Report a provider's circuit after a manual reset", api.FailoverGroup, "reset_circuit_breaker",
		func(cmd *cobra.Command) { cmd.Flags().String("provider", "", "Provider name") },
		func(cmd *cobra.Command) (map[string]any, error) {
			return map[string]any{"provider": flag(cmd, "provider")}, nil
		})

	checkCmd := actionCmd("check", "Run the compliance checks for a domain and action", api.ComplianceGroup, "check_compliance",
		func(cmd *cobra.Command) {
			cmd.Flags().String("domain", "", "Target domain or URL")
			cmd.Flags().String("action", "", "Action type")
		},
		func(cmd *cobra.Command) (map[string]any, error) {
			return map[string]any{"domain": flag(cmd, "domain"), "action_type": flag(cmd, "action")}, nil
		})
	redactCmd := &cobra.Command{
		Use:   "redact [text]",
		Short: "Mask the PII in a piece of text",
		Args:  cobra.ExactArgs(1),
		Run: withApp(func(cmd *cobra.Command, rt *app) error {
			return dispatch(cmd, rt, api.ComplianceGroup, "redact_pii", map[string]any{"text": cmd.Flags().Arg(0)})
		}),
	}
	reportCmd := actionCmd("report", "Build the compliance report of a session", api.ComplianceGroup, "get_compliance_report", sessionFlags, sessionData)
	verifyCmd := actionCmd("verify-chain", "Verify a session's audit hash chain", api.ComplianceGroup, "verify_audit_chain",
		func(cmd *cobra.Command) { cmd.Flags().String("session", "", "Session ID") },
		func(cmd *cobra.Command) (map[string]any, error) {
			return map[string]any{"session_id": flag(cmd, "session")}, nil
		})

	drainCmd := &cobra.Command{
		Use:   "drain",
		Short: "Execute a session's tasks on a worker pool until none is runnable",
		Args:  cobra.NoArgs,
		Run: withApp(func(cmd *cobra.Command, rt *app) error {
			workers, _ := cmd.Flags().GetInt("workers")
			if workers <= 0 {
				workers = rt.cfg.Workers
			}
			pool := service.NewWorkerPool(cmd.Context(), rt.orch.Scheduler, log.GetLogger())
			pool.Start(workers)
			defer pool.Stop()
			report, err := pool.Drain(cmd.Context(), flag(cmd, "session"), flag(cmd, "user"))
			if perr := printJSON(cmd.OutOrStdout(), report); perr != nil {
				return perr
			}
			return err
		}),
	}
	sessionFlags(drainCmd)
	drainCmd.Flags().Int("workers", 0, "Worker count (overrides ORCH_WORKERS)")

	invokeCmd := &cobra.Command{
		Use:   "invoke [group] [request-json]",
		Short: "Send a raw {action, data} request to an action group",
		Args:  cobra.ExactArgs(2),
		Run: withApp(func(cmd *cobra.Command, rt *app) error {
			resp := rt.dispatcher.DispatchJSON(cmd.Context(), cmd.Flags().Arg(0), []byte(cmd.Flags().Arg(1)))
			if err := printJSON(cmd.OutOrStdout(), resp); err != nil {
				return err
			}
			if !resp.Success {
				return fmt.Errorf("%s: %s", resp.Code, resp.Error)
			}
			return nil
		}),
	}

	rootCmd.AddCommand(serveCmd, submitCmd, scheduleCmd, executeCmd, retryCmd, cancelCmd, getTaskCmd, queueCmd,
		healthCmd, monitorCmd, selectCmd, resetCmd,
		checkCmd, redactCmd, reportCmd, verifyCmd,
		drainCmd, invokeCmd)
}
