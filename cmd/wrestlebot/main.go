package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/owdb/wrestlebot/internal/config"
	"github.com/owdb/wrestlebot/internal/pipeline"
	"github.com/owdb/wrestlebot/internal/process"
	"github.com/owdb/wrestlebot/internal/publish"
	"github.com/owdb/wrestlebot/internal/status"
	"github.com/owdb/wrestlebot/internal/store"
)

var version = "dev"

var (
	verbose    bool
	configPath string
	cfg        *config.Config
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:     "wrestlebot",
	Short:   "Automated wrestling data collection",
	Long:    "WrestleBot discovers, processes, and publishes professional wrestling data from external sources into the content platform.",
	Version: version,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if verbose {
			log.SetFlags(log.LstdFlags | log.Lshortfile)
		} else {
			log.SetFlags(log.LstdFlags)
		}

		// Skip config loading for init and version
		if cmd.Name() == "init" || cmd.Name() == "version" {
			return nil
		}

		path, err := config.ResolveConfigPath(configPath)
		if err != nil {
			return err
		}
		cfg, err = config.Load(path)
		if err != nil {
			return fmt.Errorf("loading config: %w", err)
		}
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable verbose output")
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Path to config file")

	rootCmd.AddCommand(initCmd)
	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(collectCmd)
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(tasksCmd)
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Println("wrestlebot", version)
	},
}

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize configuration in ~/.config/wrestlebot/",
	RunE: func(cmd *cobra.Command, args []string) error {
		target := filepath.Join(config.ConfigDir(), "config.yaml")
		if _, err := os.Stat(target); err == nil {
			fmt.Printf("Config already exists: %s\n", target)
			return nil
		}

		if err := os.MkdirAll(config.ConfigDir(), 0o755); err != nil {
			return fmt.Errorf("creating config directory: %w", err)
		}

		if err := os.WriteFile(target, config.DefaultConfigYAML, 0o644); err != nil {
			return fmt.Errorf("writing config: %w", err)
		}

		fmt.Printf("Created config: %s\n", target)
		fmt.Println("Edit it to configure sources, rate limits, and the API endpoint.")
		return nil
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show pipeline and retry queue status",
	RunE: func(cmd *cobra.Command, args []string) error {
		db, err := openStore()
		if err != nil {
			return err
		}
		defer db.Close()

		orch, err := buildOrchestrator(db)
		if err != nil {
			return err
		}
		report, err := orch.Report()
		if err != nil {
			return err
		}

		fmt.Println("Sources:")
		names := make([]string, 0, len(report.Breakers))
		for name := range report.Breakers {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			b := report.Breakers[name]
			l := report.RateLimits[name]
			fmt.Printf("  %s: circuit %s, budget %d/%d this minute, %d/%d this hour\n",
				name, b.State, l.MinuteUsed, l.PerMinute, l.HourUsed, l.PerHour)
		}

		fmt.Println("\nRetry queue:")
		fmt.Printf("  Pending: %d\n", report.Queue.Pending)
		fmt.Printf("  Due now: %d\n", report.Queue.Due)
		fmt.Printf("  Dead-lettered: %d\n", report.Queue.Dead)

		fmt.Println("\nCollaborator:")
		pub := buildPublisher(db)
		ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Second)
		defer cancel()
		if err := pub.Health(ctx); err != nil {
			fmt.Printf("  Unreachable: %v\n", err)
		} else {
			fmt.Println("  Healthy")
		}
		return nil
	},
}

// --- collect command ---

var collectCmd = &cobra.Command{
	Use:   "collect",
	Short: "Run one collection cycle and exit",
	RunE: func(cmd *cobra.Command, args []string) error {
		db, err := openStore()
		if err != nil {
			return err
		}
		defer db.Close()

		orch, err := buildOrchestrator(db)
		if err != nil {
			return err
		}

		fmt.Println("Running collection cycle...")
		stats := orch.Cycle(cmd.Context())

		fmt.Println("\nCycle complete:")
		fmt.Printf("  Records fetched: %d\n", stats.Fetched)
		fmt.Printf("  Published: %d\n", stats.Published)
		fmt.Printf("  Filtered out: %d\n", stats.Filtered)
		fmt.Printf("  Queued for retry: %d\n", stats.Queued)
		fmt.Printf("  Retries replayed: %d\n", stats.Replayed)
		fmt.Printf("  Sources skipped: %d\n", stats.Skipped)
		fmt.Printf("  Errors: %d\n", stats.Errors)
		return nil
	},
}

// --- run command ---

var cycleInterval time.Duration

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run as a service: collect on an interval with a status endpoint",
	RunE: func(cmd *cobra.Command, args []string) error {
		db, err := openStore()
		if err != nil {
			return err
		}
		defer db.Close()

		orch, err := buildOrchestrator(db)
		if err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		srv := status.NewServer(orch, cfg.Status.Port)
		go func() {
			if err := srv.Start(); err != nil {
				log.Printf("status server: %v", err)
			}
		}()

		fmt.Printf("WrestleBot running, status at http://localhost:%d/status\n", cfg.Status.Port)
		fmt.Println("Press Ctrl+C to stop")

		err = orch.Run(ctx, cycleInterval)

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if serr := srv.Shutdown(shutdownCtx); serr != nil {
			log.Printf("shutting down status server: %v", serr)
		}

		if err == context.Canceled {
			fmt.Println("\nStopped.")
			return nil
		}
		return err
	},
}

func init() {
	runCmd.Flags().DurationVar(&cycleInterval, "interval", pipeline.DefaultCycleInterval, "Pause between collection cycles")
}

// --- tasks command ---

var listDead bool

var tasksCmd = &cobra.Command{
	Use:   "tasks",
	Short: "Inspect and manage the retry queue",
}

var tasksListCmd = &cobra.Command{
	Use:   "list",
	Short: "List queued retry tasks",
	RunE: func(cmd *cobra.Command, args []string) error {
		db, err := openStore()
		if err != nil {
			return err
		}
		defer db.Close()

		var tasks []store.FailedTask
		if listDead {
			tasks, err = db.DeadTasks()
		} else {
			tasks, err = db.PendingTasks()
		}
		if err != nil {
			return err
		}

		if len(tasks) == 0 {
			fmt.Println("No tasks.")
			return nil
		}

		for _, t := range tasks {
			fmt.Printf("  %s  attempts=%d  next=%s\n", t.ID, t.Attempts, t.NextRetryAt.Format(time.RFC3339))
			if t.LastError != "" {
				errMsg := t.LastError
				if len(errMsg) > 80 {
					errMsg = errMsg[:80] + "..."
				}
				fmt.Printf("      last error: %s\n", errMsg)
			}
		}
		return nil
	},
}

var tasksRequeueCmd = &cobra.Command{
	Use:   "requeue [id]",
	Short: "Return a dead-lettered task to the retry queue",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		db, err := openStore()
		if err != nil {
			return err
		}
		defer db.Close()

		if err := db.Requeue(args[0], time.Now()); err != nil {
			return err
		}
		fmt.Printf("Requeued task %s; it is due on the next cycle.\n", args[0])
		return nil
	},
}

func init() {
	tasksListCmd.Flags().BoolVar(&listDead, "dead", false, "List dead-lettered tasks instead of pending ones")
	tasksCmd.AddCommand(tasksListCmd)
	tasksCmd.AddCommand(tasksRequeueCmd)
}

func openStore() (*store.Store, error) {
	dataDir := cfg.GetDataDir()
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("creating data directory: %w", err)
	}
	return store.Open(filepath.Join(dataDir, "wrestlebot.db"))
}

func buildPublisher(db *store.Store) *publish.Publisher {
	client := publish.NewClient(cfg.API.BaseURL, cfg.APIToken())
	return publish.NewPublisher(client, db, cfg.RetrySchedule())
}

func buildOrchestrator(db *store.Store) (*pipeline.Orchestrator, error) {
	var verifier process.Verifier
	if cfg.Verifier.Enabled {
		verifier = process.NewHTTPVerifier(cfg.Verifier.BaseURL)
	}
	return pipeline.New(cfg, db, process.New(verifier), buildPublisher(db))
}
