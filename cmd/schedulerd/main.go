package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/cuemby/shardsched/pkg/admission"
	"github.com/cuemby/shardsched/pkg/collector"
	"github.com/cuemby/shardsched/pkg/config"
	"github.com/cuemby/shardsched/pkg/cron"
	"github.com/cuemby/shardsched/pkg/events"
	"github.com/cuemby/shardsched/pkg/filter"
	"github.com/cuemby/shardsched/pkg/log"
	"github.com/cuemby/shardsched/pkg/metrics"
	"github.com/cuemby/shardsched/pkg/ports"
	"github.com/cuemby/shardsched/pkg/preempter"
	"github.com/cuemby/shardsched/pkg/quota"
	"github.com/cuemby/shardsched/pkg/scheduler"
	"github.com/cuemby/shardsched/pkg/state"
	"github.com/cuemby/shardsched/pkg/storage"
	"github.com/cuemby/shardsched/pkg/types"
	"github.com/cuemby/shardsched/pkg/update"
)

var (
	// Version information (set via ldflags during build)
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:     "schedulerd",
	Short:   "Cluster workload scheduling core",
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"schedulerd version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))
	rootCmd.AddCommand(runCmd)
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the scheduling core",
	RunE:  runRun,
}

func init() {
	runCmd.Flags().String("config", "", "path to a YAML config file (optional, defaults are used otherwise)")
	runCmd.Flags().Bool("standalone", true, "use the in-process fake driver and a static attribute loader instead of real cluster-manager wiring")
	runCmd.Flags().String("data-dir", "./data", "data directory for the bolt-backed store (ignored with --backend=mem)")
	runCmd.Flags().String("backend", "mem", "storage backend: mem or bolt")
	runCmd.Flags().String("http-addr", ":9090", "address to serve /metrics on")
}

func runRun(cmd *cobra.Command, args []string) error {
	cfgPath, _ := cmd.Flags().GetString("config")
	standalone, _ := cmd.Flags().GetBool("standalone")
	dataDir, _ := cmd.Flags().GetString("data-dir")
	backend, _ := cmd.Flags().GetString("backend")
	httpAddr, _ := cmd.Flags().GetString("http-addr")

	cfg := config.Default()
	if cfgPath != "" {
		loaded, err := config.Load(cfgPath)
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		cfg = loaded
	}
	if dataDir != "" {
		cfg.DataDir = dataDir
	}
	if httpAddr != "" {
		cfg.HTTPAddr = httpAddr
	}

	log.Init(log.Config{Level: log.InfoLevel})

	var backendStore storage.StoreProvider
	switch backend {
	case "bolt":
		b, err := storage.NewBoltStore(cfg.DataDir)
		if err != nil {
			return fmt.Errorf("failed to open bolt store: %w", err)
		}
		backendStore = b
	default:
		backendStore = storage.NewMemStore()
	}
	defer backendStore.Close()

	broker := events.NewBroker()
	broker.Start()
	defer broker.Stop()

	store := storage.New(backendStore, broker, cfg.SlowQueryLogThreshold)

	if !standalone {
		return fmt.Errorf("non-standalone wiring (real cluster-manager driver) is out of scope for this module; run with --standalone")
	}

	driver := ports.NewFakeDriver()

	if err := storage.Recover(store); err != nil {
		return fmt.Errorf("recovery failed: %w", err)
	}
	if err := seedStandaloneHosts(store); err != nil {
		return fmt.Errorf("failed to seed standalone hosts: %w", err)
	}

	stateMgr := state.New(store, driver)
	stateMgr.Start()
	defer stateMgr.Stop()

	f := filter.Notifying(filter.New(store, cfg), broker)

	sched := scheduler.New(store, f, stateMgr, driver)
	sched.Start()
	defer sched.Stop()

	pre := preempter.New(store, f, stateMgr, preempter.DefaultInterval, cfg.PreemptionCandidacyDelay)
	pre.Start()
	defer pre.Stop()

	quotas := quota.New(store)
	gate := admission.New(cfg, quotas)

	cronSched := cron.NewTickerScheduler()
	cronMgr := cron.New(store, stateMgr, cronSched, broker, gate, cfg.CronStartInitialBackoff, cfg.CronStartMaxBackoff)
	cronMgr.Start()
	defer cronMgr.Stop()

	updateMgr := update.New(store, stateMgr)

	col := collector.NewCollector(store)
	col.Start()
	defer col.Stop()

	metrics.SetVersion(Version)
	metrics.RegisterComponent("storage", true, "")
	metrics.RegisterComponent("scheduler", true, "")
	metrics.RegisterComponent("cron", true, "")

	httpServer := &http.Server{Addr: cfg.HTTPAddr, Handler: metricsMux(updateMgr)}
	errCh := make(chan error, 1)
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- fmt.Errorf("metrics server error: %w", err)
		}
	}()

	fmt.Println("schedulerd running (standalone). Press Ctrl+C to stop.")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case <-sigCh:
		fmt.Println("\nshutting down...")
	case err := <-errCh:
		fmt.Fprintf(os.Stderr, "\n%v\n", err)
	}

	return httpServer.Close()
}

func metricsMux(updateMgr *update.Manager) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	mux.HandleFunc("/health", metrics.HealthHandler())
	mux.HandleFunc("/ready", metrics.ReadyHandler())
	mux.HandleFunc("/live", metrics.LivenessHandler())
	mux.Handle("/updates/", update.Handler(updateMgr))
	return mux
}

// seedStandaloneHosts gives the scheduler and preempter a small fixed pool
// of hosts to evaluate placements against, since --standalone has no real
// cluster manager feeding pkg/storage's AttributeStore. The fixed pool is
// defined through a StaticAttributeLoader rather than literal
// types.HostAttributes values so the same seeding path a real
// AttributeLoader-backed deployment would use (Load/LoadAll against an
// external attribute source, then a copy into storage) is exercised here
// too.
func seedStandaloneHosts(store *storage.Storage) error {
	loader := ports.NewStaticAttributeLoader(
		types.HostAttributes{Host: "standalone-1", Attributes: map[string]types.Attribute{
			types.RackConstraint: {Name: types.RackConstraint, Values: map[string]bool{"rack-a": true}},
		}},
		types.HostAttributes{Host: "standalone-2", Attributes: map[string]types.Attribute{
			types.RackConstraint: {Name: types.RackConstraint, Values: map[string]bool{"rack-b": true}},
		}},
	)

	hosts, err := loader.LoadAll(context.Background())
	if err != nil {
		return err
	}
	return store.Write("seed_standalone_hosts", func(txn *storage.Txn) error {
		for _, h := range hosts {
			if err := txn.Attributes().SaveHostAttributes(h); err != nil {
				return err
			}
		}
		return nil
	})
}
