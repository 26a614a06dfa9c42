package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/itskum47/scnms/monitor/alarm"
	"github.com/itskum47/scnms/monitor/config"
	"github.com/itskum47/scnms/monitor/coordination"
	"github.com/itskum47/scnms/monitor/dispatch"
	"github.com/itskum47/scnms/monitor/engine"
	"github.com/itskum47/scnms/monitor/ingest"
	"github.com/itskum47/scnms/monitor/inventory"
	"github.com/itskum47/scnms/monitor/protocol"
	"github.com/itskum47/scnms/monitor/resilience"
	"github.com/itskum47/scnms/monitor/scheduler"
	"github.com/itskum47/scnms/monitor/store"
	"github.com/itskum47/scnms/monitor/streaming"
	"github.com/itskum47/scnms/monitor/timeline"
)

const shutdownTimeout = 10 * time.Second

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the polling engine and alarm manager",
	RunE:  runServe,
}

func init() {
	serveCmd.Flags().StringP("inventory", "i", "", "inventory file to seed devices, jobs and rules from (overrides config)")
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, logger, err := bootstrap(cmd)
	if err != nil {
		return err
	}
	defer logger.Sync()

	if path, _ := cmd.Flags().GetString("inventory"); path != "" {
		cfg.Inventory = path
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	if err := seedInventory(ctx, cfg.Inventory, a.store, logger); err != nil {
		return err
	}

	hub := streaming.NewHub(logger.Named("ws"))
	go hub.Run(ctx)
	a.addPublisher(hub)

	clock := scheduler.RealClock{}
	disp := dispatch.New(protocol.NewDefaultTable(cfg.Protocols), dispatchConfig(cfg), clock, logger.Named("dispatch"))
	disp.Start()
	defer disp.Stop()

	manager := a.manager(clock)
	sched := scheduler.NewJobScheduler(clock)
	breaker := resilience.NewCircuitBreaker(cfg.Polling.BreakerThreshold, cfg.Polling.BreakerCooldown)
	rounds := timeline.NewStore(timeline.DefaultCapacity)

	eng := engine.New(engine.Components{
		Inventory:  a.store,
		Scheduler:  sched,
		Dispatcher: disp,
		Writer:     ingest.NewWriter(a.store, logger.Named("ingest")),
		Evaluator:  alarm.NewEvaluator(a.store, logger.Named("evaluator")),
		Alarms:     manager,
		Bus:        a.bus(),
		Breaker:    breaker,
		Timeline:   rounds,
	}, engine.Config{
		RoundInterval: cfg.Polling.Interval,
		RoundTimeout:  cfg.Polling.RoundTimeout,
		Concurrency:   cfg.Polling.MaxConcurrentPolls,
		NodeID:        cfg.NodeID,
	}, logger.Named("engine"))

	for _, sub := range a.subscribers() {
		s, err := eng.SubscribeTraps(sub)
		if err != nil {
			return fmt.Errorf("subscribe traps: %w", err)
		}
		defer s.Unsubscribe()
	}

	sweeper := coordination.NewRetentionSweeper(manager, cfg.Alarms.Retention, cfg.Alarms.CleanupInterval, logger.Named("retention"))
	work := func(ctx context.Context) {
		sweeper.Start(ctx)
		eng.Run(ctx)
	}

	var (
		runner  leaderRun
		elector *coordination.LeaderElector
	)
	if cfg.Leader.Enabled {
		elector = coordination.NewLeaderElector(store.NewRedisCoordinator(a.redis), cfg.NodeID, cfg.Leader.TTL, logger.Named("leader"))
		elector.SetCallbacks(
			func(lctx context.Context) {
				runner.Run(func() { work(lctx) })
			},
			func() {
				logger.Warn("leadership lost, polling paused")
			},
		)
		elector.Start(ctx)
	} else {
		logger.Info("leader election disabled, polling as the only instance")
		runner.Run(func() { work(ctx) })
	}

	srv := &http.Server{
		Addr: cfg.HTTP.Addr,
		Handler: newOpsRouter(opsDeps{
			NodeID:    cfg.NodeID,
			Alarms:    hub,
			Timeline:  rounds,
			Scheduler: sched,
			Breaker:   breaker,
			Elector:   elector,
			Logger:    logger.Named("http"),
		}),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errChan := make(chan error, 1)
	go func() {
		logger.Info("ops server listening", zap.String("addr", cfg.HTTP.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	var serveErr error
	select {
	case <-ctx.Done():
		logger.Info("shutting down")
	case serveErr = <-errChan:
		logger.Error("ops server failed", zap.Error(serveErr))
		stop()
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("ops server shutdown", zap.Error(err))
	}
	if elector != nil {
		<-elector.Done()
	}
	runner.Wait()

	logger.Info("monitor stopped")
	return serveErr
}

func dispatchConfig(cfg *config.Config) dispatch.Config {
	dc := dispatch.DefaultConfig()
	dc.Workers = cfg.Polling.MaxConcurrentPolls
	dc.DeviceRate = cfg.Polling.DeviceRate
	dc.DeviceBurst = cfg.Polling.DeviceBurst
	return dc
}

func seedInventory(ctx context.Context, path string, s store.Seeder, logger *zap.Logger) error {
	if path == "" {
		logger.Warn("no inventory file configured, polling what the store already holds")
		return nil
	}
	inv, err := inventory.Load(path)
	if err != nil {
		return err
	}
	if err := inv.Seed(ctx, s); err != nil {
		return err
	}
	logger.Info("inventory seeded",
		zap.String("path", path),
		zap.Int("devices", len(inv.Devices)),
		zap.Int("jobs", len(inv.Jobs)),
		zap.Int("rules", len(inv.Rules)))
	return nil
}

// leaderRun tracks polling work started on election so shutdown can wait
// for the in-flight round. Work offered after Wait has begun is refused.
type leaderRun struct {
	mu     sync.Mutex
	wg     sync.WaitGroup
	closed bool
}

func (r *leaderRun) Run(f func()) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return false
	}
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		f()
	}()
	return true
}

func (r *leaderRun) Wait() {
	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()
	r.wg.Wait()
}
