// Package core wires the control plane together: store, bus, dispatcher,
// scheduler, reconciler, retention, and the WebSocket gateway, with the
// periodic work registered on a shared job scheduler.
package core

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/go-co-op/gocron/v2"

	"crawlplane/internal/bus"
	"crawlplane/internal/clock"
	"crawlplane/internal/config"
	"crawlplane/internal/dispatcher"
	"crawlplane/internal/gateway"
	"crawlplane/internal/logging"
	"crawlplane/internal/model"
	"crawlplane/internal/reconciler"
	"crawlplane/internal/retention"
	"crawlplane/internal/scheduler"
	"crawlplane/internal/store"
)

var (
	ErrAlreadyRunning = errors.New("core already running")
	ErrNotRunning     = errors.New("core not running")
)

// shutdownTimeout bounds the gateway drain during Stop.
const shutdownTimeout = 10 * time.Second

// Core owns every component and their lifecycle.
type Core struct {
	cfg    config.Config
	logger *slog.Logger

	clk        *clock.Clock
	store      *store.Store
	bus        *bus.Bus
	backplane  *bus.Kafka
	dispatcher *dispatcher.Dispatcher
	scheduler  *scheduler.Scheduler
	reconciler *reconciler.Reconciler
	retention  *retention.Manager
	gateway    *gateway.Server

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	jobs    gocron.Scheduler
	wg      sync.WaitGroup
	gwWg    sync.WaitGroup
}

// New builds a core from configuration. Nothing runs until Start.
func New(cfg config.Config, logger *slog.Logger) (*Core, error) {
	logger = logging.Default(logger)

	clk, err := clock.New(cfg.Timezone)
	if err != nil {
		return nil, fmt.Errorf("timezone: %w", err)
	}

	st, err := store.Open(cfg.DBURL, store.Options{
		OpTimeout:  cfg.DBTimeout,
		MaxRetries: cfg.DBMaxRetries,
		Logger:     logger,
	})
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}

	var busOpts []bus.Option
	var backplane *bus.Kafka
	if len(cfg.KafkaBrokers) > 0 {
		backplane, err = bus.NewKafka(bus.KafkaConfig{
			Brokers: cfg.KafkaBrokers,
			Topic:   cfg.KafkaTopic,
			Logger:  logger,
		})
		if err != nil {
			_ = st.Close()
			return nil, err
		}
		busOpts = append(busOpts, bus.WithBackplane(backplane))
	}
	b := bus.New(logger, busOpts...)

	disp := dispatcher.New(cfg, st, b, clk, logger)

	c := &Core{
		cfg:        cfg,
		logger:     logger.With("component", "core"),
		clk:        clk,
		store:      st,
		bus:        b,
		backplane:  backplane,
		dispatcher: disp,
		scheduler:  scheduler.New(cfg, st, b, clk, disp, logger),
		reconciler: reconciler.New(cfg, st, b, clk, disp, logger),
		retention:  retention.New(cfg, disp, clk, logger),
	}
	if cfg.ListenAddr != "" {
		c.gateway = gateway.New(b, logger)
	}
	return c, nil
}

// Store exposes the task store, for the CLI and for tests.
func (c *Core) Store() *store.Store { return c.store }

// Dispatcher exposes task submission and cancellation.
func (c *Core) Dispatcher() *dispatcher.Dispatcher { return c.dispatcher }

// Bus exposes event subscription.
func (c *Core) Bus() *bus.Bus { return c.bus }

// GatewayAddr returns the gateway's bound address, or "" when disabled.
func (c *Core) GatewayAddr() string {
	if c.gateway == nil {
		return ""
	}
	return c.gateway.Addr()
}

// ReconcileOnce runs a single reconciliation pass without starting the core.
func (c *Core) ReconcileOnce(ctx context.Context) error {
	return c.reconciler.RunOnce(ctx)
}

// CreateSchedule persists a new schedule and nudges the scheduler so the
// row gets its next_run without waiting for the periodic refresh.
func (c *Core) CreateSchedule(ctx context.Context, sc *model.Schedule) error {
	if err := c.store.CreateSchedule(ctx, sc); err != nil {
		return err
	}
	c.scheduler.Invalidate()
	return nil
}

// SetScheduleActive pauses or resumes a schedule and refreshes the cache.
func (c *Core) SetScheduleActive(ctx context.Context, id string, active bool) error {
	if err := c.store.SetScheduleActive(ctx, id, active); err != nil {
		return err
	}
	c.scheduler.Invalidate()
	return nil
}

// DeleteSchedule removes a schedule and refreshes the cache so the
// scheduler stops firing it immediately.
func (c *Core) DeleteSchedule(ctx context.Context, id string) error {
	if err := c.store.DeleteSchedule(ctx, id); err != nil {
		return err
	}
	c.scheduler.Invalidate()
	return nil
}

// Close releases the store and bus of a core that was never started.
// A running core is shut down with Stop instead.
func (c *Core) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.running {
		return ErrAlreadyRunning
	}
	if err := c.bus.Close(); err != nil {
		c.logger.Warn("bus close", "error", err)
	}
	return c.store.Close()
}

// Start launches the dispatcher workers, the gateway, the backplane
// consumer, and the periodic jobs. It returns once everything is running.
func (c *Core) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.running {
		return ErrAlreadyRunning
	}

	runCtx, cancel := context.WithCancel(ctx)

	c.wg.Go(func() {
		if err := c.dispatcher.Run(runCtx); err != nil && !errors.Is(err, context.Canceled) {
			c.logger.Error("dispatcher stopped", "error", err)
		}
	})

	c.wg.Go(func() {
		c.scheduler.WatchInvalidations(runCtx)
	})

	if c.backplane != nil {
		c.wg.Go(func() {
			if err := c.backplane.Run(runCtx, c.bus.DeliverRemote); err != nil && !errors.Is(err, context.Canceled) {
				c.logger.Error("backplane consumer stopped", "error", err)
			}
		})
	}

	if c.gateway != nil {
		listener, err := net.Listen("tcp", c.cfg.ListenAddr)
		if err != nil {
			cancel()
			c.wg.Wait()
			return fmt.Errorf("gateway listen: %w", err)
		}
		c.gwWg.Go(func() {
			if err := c.gateway.Serve(listener); err != nil {
				c.logger.Error("gateway stopped", "error", err)
			}
		})
	}

	fail := func(err error) error {
		cancel()
		c.wg.Wait()
		if c.gateway != nil {
			sctx, cancelGw := context.WithTimeout(context.Background(), shutdownTimeout)
			_ = c.gateway.Shutdown(sctx)
			cancelGw()
			c.gwWg.Wait()
		}
		return err
	}

	// Seed next_run for every active schedule before the tick job starts.
	if err := c.scheduler.Refresh(runCtx); err != nil {
		return fail(fmt.Errorf("initial schedule refresh: %w", err))
	}

	jobs, err := c.registerJobs(runCtx)
	if err != nil {
		return fail(err)
	}
	jobs.Start()

	c.jobs = jobs
	c.cancel = cancel
	c.running = true
	c.logger.Info("core started",
		"workers", c.cfg.MaxConcurrentTasks,
		"gateway", c.cfg.ListenAddr,
		"backplane", len(c.cfg.KafkaBrokers) > 0)
	return nil
}

// registerJobs puts all periodic work on one shared scheduler, driven by
// the same clock as the rest of the core.
func (c *Core) registerJobs(ctx context.Context) (gocron.Scheduler, error) {
	jobs, err := gocron.NewScheduler(gocron.WithClock(c.clk.Clockwork()))
	if err != nil {
		return nil, fmt.Errorf("job scheduler: %w", err)
	}

	add := func(name string, every time.Duration, fn func(context.Context) error) error {
		_, err := jobs.NewJob(
			gocron.DurationJob(every),
			gocron.NewTask(func() {
				if err := fn(ctx); err != nil {
					c.logger.Error("periodic job failed", "job", name, "error", err)
				}
			}),
			gocron.WithName(name),
		)
		if err != nil {
			return fmt.Errorf("register job %s: %w", name, err)
		}
		return nil
	}

	for _, j := range []struct {
		name  string
		every time.Duration
		fn    func(context.Context) error
	}{
		{"scheduler-refresh", c.cfg.SyncInterval, c.scheduler.Refresh},
		{"scheduler-tick", c.cfg.TickInterval, c.scheduler.Tick},
		{"reconcile", c.cfg.ReconcileInterval, c.reconciler.RunOnce},
		{"retention", c.cfg.RetentionInterval, c.retention.Sweep},
	} {
		if err := add(j.name, j.every, j.fn); err != nil {
			_ = jobs.Shutdown()
			return nil, err
		}
	}
	return jobs, nil
}

// Stop shuts the core down in stages: periodic jobs first so nothing new
// fires, then the dispatcher (terminating subprocesses and draining their
// tailers), then the gateway, bus, backplane, and store.
func (c *Core) Stop() error {
	c.mu.Lock()
	if !c.running {
		c.mu.Unlock()
		return ErrNotRunning
	}
	cancel := c.cancel
	jobs := c.jobs
	c.running = false
	c.cancel = nil
	c.jobs = nil
	c.mu.Unlock()

	if err := jobs.Shutdown(); err != nil {
		c.logger.Warn("job scheduler shutdown", "error", err)
	}

	cancel()
	c.wg.Wait()

	if c.gateway != nil {
		ctx, cancelGw := context.WithTimeout(context.Background(), shutdownTimeout)
		if err := c.gateway.Shutdown(ctx); err != nil {
			c.logger.Warn("gateway shutdown", "error", err)
		}
		cancelGw()
		c.gwWg.Wait()
	}

	if err := c.bus.Close(); err != nil {
		c.logger.Warn("bus close", "error", err)
	}
	if err := c.store.Close(); err != nil {
		return fmt.Errorf("close store: %w", err)
	}
	c.logger.Info("core stopped")
	return nil
}
