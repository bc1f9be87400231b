package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/dbos-inc/dbos-transact-golang/dbos"
	"github.com/spf13/cobra"

	"github.com/cloud-shuttle/metabuilder/internal/agents"
	"github.com/cloud-shuttle/metabuilder/internal/breaker"
	"github.com/cloud-shuttle/metabuilder/internal/budget"
	"github.com/cloud-shuttle/metabuilder/internal/distexec"
	"github.com/cloud-shuttle/metabuilder/internal/events"
	"github.com/cloud-shuttle/metabuilder/internal/orchestrator"
	"github.com/cloud-shuttle/metabuilder/internal/pool"
	"github.com/cloud-shuttle/metabuilder/internal/scheduler"
	"github.com/cloud-shuttle/metabuilder/internal/store"
	"github.com/cloud-shuttle/metabuilder/internal/webhooks"
	"github.com/cloud-shuttle/metabuilder/internal/workflow"
	"github.com/cloud-shuttle/metabuilder/pkg/types"
)

// core bundles the wired execution stack for one CLI invocation
type core struct {
	pool    *pool.Pool
	exec    *distexec.Executor
	sched   *scheduler.CostAwareScheduler
	monitor *scheduler.SLAMonitor
	store   store.RunStore
	bus     *events.Bus
	orch    *orchestrator.Orchestrator
	hooks   *webhooks.Manager
}

// buildCore wires the pool, executor, scheduler, store, and orchestrator
// from configuration
func buildCore(inMemory bool) (*core, error) {
	var st store.RunStore
	if inMemory {
		st = store.NewMemoryStore()
	} else {
		if err := os.MkdirAll(filepath.Dir(cfg.StorePath), 0755); err != nil {
			return nil, fmt.Errorf("creating store directory: %w", err)
		}
		sqlStore, err := store.OpenSQLite(cfg.StorePath)
		if err != nil {
			return nil, err
		}
		st = sqlStore
	}

	p := pool.New(pool.Config{
		MaxWorkers:    cfg.MaxWorkers,
		LeaseDuration: cfg.LeaseDuration,
	})
	exec := distexec.New(p, distexec.Config{
		SweepInterval: cfg.SweepInterval,
	})
	sched := scheduler.New(scheduler.DefaultCatalog())
	monitor := scheduler.NewSLAMonitor()
	bus := events.NewBus()

	orch := orchestrator.New(exec, sched, monitor, st, bus, orchestrator.Config{
		SLOs: budget.RunSLOs{
			MaxWallClock:    cfg.MaxWallClock,
			MaxCost:         cfg.MaxCost,
			MaxAttempts:     cfg.MaxAttempts,
			MaxRepairPhases: cfg.MaxRepairPhases,
		},
		CounterPolicy: orchestrator.CounterPolicy(cfg.CounterPolicy),
		BreakerConfig: breaker.Config{
			FailureThreshold: cfg.BreakerFailureThreshold,
			RecoveryTimeout:  cfg.BreakerRecoveryTimeout,
		},
		DefaultBudget: budget.DefaultBudget(),
		DefaultSLA:    budget.DefaultSLA(),
		MaxBackoff:    cfg.MaxBackoff,
	})

	c := &core{
		pool:    p,
		exec:    exec,
		sched:   sched,
		monitor: monitor,
		store:   st,
		bus:     bus,
		orch:    orch,
	}

	if cfg.WebhookURL != "" {
		c.hooks = webhooks.NewManager()
		if err := c.hooks.Register(&webhooks.Endpoint{
			ID:      "default",
			URL:     cfg.WebhookURL,
			Secret:  cfg.WebhookSecret,
			Enabled: true,
		}); err != nil {
			return nil, err
		}
		c.hooks.Start(2)
		orch.SetNotifier(c.hooks)
	}

	return c, nil
}

// shutdown stops the background machinery in dependency order
func (c *core) shutdown() {
	c.exec.Stop()
	if c.hooks != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		c.hooks.Stop(ctx)
	}
	c.bus.Close()
	c.store.Close()
}

func runCmd() *cobra.Command {
	var (
		tenant   string
		specFile string
		slaClass string
		maxCost  float64
		dbosURL  string
		inMemory bool
	)

	cmd := &cobra.Command{
		Use:   "run [spec]",
		Short: "Start a build run through the agent pipeline",
		Long: `Start a build run. The spec may be given inline or via --spec-file.

By default the pipeline executes on the in-process worker pool with
self-healing repair. With --dbos-url the pipeline instead runs as DBOS
durable workflows backed by PostgreSQL.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			spec := ""
			if len(args) > 0 {
				spec = args[0]
			}
			if specFile != "" {
				data, err := os.ReadFile(specFile)
				if err != nil {
					return fmt.Errorf("reading spec file: %w", err)
				}
				spec = string(data)
			}
			if spec == "" {
				return fmt.Errorf("a spec is required (inline argument or --spec-file)")
			}
			if dbosURL == "" {
				dbosURL = cfg.DBOSDatabaseURL
			}
			if dbosURL != "" {
				return runWithDBOS(tenant, spec, dbosURL)
			}
			return runInProcess(tenant, spec, slaClass, maxCost, inMemory)
		},
	}

	cmd.Flags().StringVar(&tenant, "tenant", "default", "tenant the run belongs to")
	cmd.Flags().StringVar(&specFile, "spec-file", "", "read the build spec from a file")
	cmd.Flags().StringVar(&slaClass, "sla", "normal", "SLA class: fast, normal, or thorough")
	cmd.Flags().Float64Var(&maxCost, "max-cost", 10.0, "run cost ceiling in dollars")
	cmd.Flags().StringVar(&dbosURL, "dbos-url", "", "PostgreSQL URL for DBOS durable execution")
	cmd.Flags().BoolVar(&inMemory, "memory", false, "use the in-memory store instead of SQLite")

	return cmd
}

// runInProcess executes a run on the worker pool with self-healing
func runInProcess(tenant, spec, slaClass string, maxCost float64, inMemory bool) error {
	c, err := buildCore(inMemory)
	if err != nil {
		return err
	}
	defer c.shutdown()

	c.exec.Start()

	agent := agents.NewSimulatedAgent(c.sched)
	runnerCfg := agents.RunnerConfig{
		PollInterval:      cfg.PollInterval,
		HeartbeatInterval: cfg.HeartbeatInterval,
		TaskTimeout:       cfg.TaskTimeout,
	}

	classes := []types.QueueClass{types.QueueClassLLM, types.QueueClassCPU, types.QueueClassIO, types.QueueClassLow}
	var runners []*agents.Runner
	for _, class := range classes {
		for i := 0; i < cfg.WorkersPerClass; i++ {
			r := agents.NewRunner(fmt.Sprintf("worker-%s-%d", class, i), class, c.pool, agent, c.orch, runnerCfg)
			if !r.Start() {
				return fmt.Errorf("starting worker for queue class %s: pool rejected registration", class)
			}
			runners = append(runners, r)
		}
	}
	defer func() {
		for _, r := range runners {
			r.Stop()
		}
	}()

	sla := slaForClass(slaClass)
	b := budget.DefaultBudget()
	b.MaxCost = maxCost
	sla.CostCeiling = maxCost

	run, err := c.orch.StartRun(tenant, spec, b, sla)
	if err != nil {
		return err
	}
	fmt.Printf("Started run %s (%d steps)\n", run.ID, len(run.Steps))

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-sigCh:
			fmt.Println("\nInterrupted, shutting down")
			return nil
		case <-ticker.C:
			status, err := c.orch.GetRunStatus(run.ID)
			if err != nil {
				return err
			}
			if status.State.Terminal() {
				printRun(status)
				if status.State != types.RunStateCompleted {
					return fmt.Errorf("run %s finished in state %s", status.ID, status.State)
				}
				return nil
			}
		}
	}
}

// runWithDBOS executes the pipeline as DBOS durable workflows
func runWithDBOS(tenant, spec, dbosURL string) error {
	dbosCtx, err := dbos.NewDBOSContext(context.Background(), dbos.Config{
		AppName:     "metabuilder",
		DatabaseURL: dbosURL,
	})
	if err != nil {
		return fmt.Errorf("initializing DBOS: %w", err)
	}

	sched := scheduler.New(scheduler.DefaultCatalog())
	agent := agents.NewSimulatedAgent(sched)

	// Queues and workflows must be registered before Launch
	pipeline := workflow.NewDBOSPipeline(dbosCtx, agent)
	pipeline.RegisterWorkflows()

	if err := dbos.Launch(dbosCtx); err != nil {
		return fmt.Errorf("launching DBOS: %w", err)
	}
	defer dbos.Shutdown(dbosCtx, 5*time.Second)

	runID := fmt.Sprintf("run-%d", time.Now().UnixNano())
	handle, err := dbos.RunWorkflow(dbosCtx, pipeline.ExecutePipeline, workflow.PipelineInput{
		RunID:    runID,
		TenantID: tenant,
		Spec:     spec,
	})
	if err != nil {
		return fmt.Errorf("starting pipeline workflow: %w", err)
	}

	stats, err := handle.GetResult()
	if err != nil {
		return fmt.Errorf("pipeline failed: %w", err)
	}
	pipeline.PrintStats(stats)
	return nil
}

func statusCmd() *cobra.Command {
	var inMemory bool

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show stored runs and their states",
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := openStore(inMemory)
			if err != nil {
				return err
			}
			defer st.Close()

			runs, err := st.ListRuns()
			if err != nil {
				return err
			}
			if len(runs) == 0 {
				fmt.Println("No runs recorded")
				return nil
			}

			for _, run := range runs {
				printRun(run)
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&inMemory, "memory", false, "use the in-memory store instead of SQLite")
	return cmd
}

func modelsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "models",
		Short: "Show the model catalog by tier",
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Printf("%-10s %-12s %-20s %12s %10s\n", "TIER", "PROVIDER", "MODEL", "COST/1K", "LATENCY")
			for _, m := range scheduler.DefaultCatalog() {
				fmt.Printf("%-10s %-12s %-20s %11.4f$ %8dms\n",
					m.Tier, m.Provider, m.Model, m.CostPer1KTokens, m.EstimatedLatencyMS)
			}
			return nil
		},
	}
}

func statsCmd() *cobra.Command {
	var inMemory bool

	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Show aggregate run statistics",
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := openStore(inMemory)
			if err != nil {
				return err
			}
			defer st.Close()

			runs, err := st.ListRuns()
			if err != nil {
				return err
			}

			byState := make(map[types.RunState]int)
			totalCost := 0.0
			totalRepairs := 0
			for _, run := range runs {
				byState[run.State]++
				totalCost += run.CurrentCost
				totalRepairs += len(run.RepairHistory)
			}

			fmt.Printf("Runs:           %d\n", len(runs))
			fmt.Printf("  running:      %d\n", byState[types.RunStateRunning])
			fmt.Printf("  completed:    %d\n", byState[types.RunStateCompleted])
			fmt.Printf("  failed:       %d\n", byState[types.RunStateFailed])
			fmt.Printf("  escalated:    %d\n", byState[types.RunStateEscalated])
			fmt.Printf("Total cost:     $%.4f\n", totalCost)
			fmt.Printf("Repair actions: %d\n", totalRepairs)
			return nil
		},
	}

	cmd.Flags().BoolVar(&inMemory, "memory", false, "use the in-memory store instead of SQLite")
	return cmd
}

func openStore(inMemory bool) (store.RunStore, error) {
	if inMemory {
		return store.NewMemoryStore(), nil
	}
	return store.OpenSQLite(cfg.StorePath)
}

// slaForClass maps the CLI flag to SLA requirements
func slaForClass(class string) budget.SLARequirements {
	switch class {
	case "fast":
		return budget.SLARequirements{Class: types.SLAFast, MaxDuration: 10 * time.Minute, CostCeiling: 10.0, Priority: 3}
	case "thorough":
		return budget.SLARequirements{Class: types.SLAThorough, MaxDuration: 2 * time.Hour, CostCeiling: 10.0, Priority: 1}
	default:
		return budget.DefaultSLA()
	}
}

func printRun(run *types.Run) {
	fmt.Printf("%s  tenant=%s  state=%s  phase=%s  attempts=%d  cost=$%.4f\n",
		run.ID, run.TenantID, run.State, run.Phase, run.AttemptCount, run.CurrentCost)
	for _, step := range run.Steps {
		fmt.Printf("    %-32s %s\n", step.StepID, step.Status)
	}
	if len(run.RepairHistory) > 0 {
		fmt.Printf("    repairs:\n")
		for _, att := range run.RepairHistory {
			fmt.Printf("      %s phase=%s strategy=%s ok=%v  %s\n",
				att.StepID, att.Phase, att.Strategy, att.Success, att.Result)
		}
	}
}
