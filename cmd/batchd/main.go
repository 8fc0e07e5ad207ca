// batchd is the batch scheduling daemon: it registers the local host as
// an execution node, watches a spool directory, serves the HTTP API and
// dispatches queued jobs.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"

	"github.com/psantana5/batchd/internal/api"
	"github.com/psantana5/batchd/internal/spool"
	"github.com/psantana5/batchd/pkg/envmod"
	"github.com/psantana5/batchd/pkg/logging"
	"github.com/psantana5/batchd/pkg/models"
	"github.com/psantana5/batchd/pkg/scheduler"
	"github.com/psantana5/batchd/pkg/shutdown"
	"github.com/psantana5/batchd/pkg/store"
	"github.com/psantana5/batchd/pkg/submit"
	"github.com/psantana5/batchd/pkg/sysinfo"
	"github.com/psantana5/batchd/pkg/tracing"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "batchd: %v\n", err)
		os.Exit(1)
	}
}

func loadConfig() error {
	viper.SetConfigName("batchd")
	viper.SetConfigType("yaml")
	viper.AddConfigPath("/etc/batchd")
	viper.AddConfigPath(".")
	viper.SetEnvPrefix("BATCHD")
	viper.AutomaticEnv()

	viper.SetDefault("listen", ":8080")
	viper.SetDefault("store.type", "sqlite")
	viper.SetDefault("store.dsn", "batchd.db")
	viper.SetDefault("spool.dir", "/var/spool/batchd")
	viper.SetDefault("spool.enabled", true)
	viper.SetDefault("scripts.dir", "/var/spool/batchd/scripts")
	viper.SetDefault("modules.file", "")
	viper.SetDefault("node.slots", 0) // 0 = one slot per host
	viper.SetDefault("scheduler.check_interval", "5s")
	viper.SetDefault("log.level", "info")
	viper.SetDefault("log.json", false)
	viper.SetDefault("tracing.enabled", false)
	viper.SetDefault("tracing.endpoint", "localhost:4318")
	viper.SetDefault("tracing.environment", "production")

	if err := viper.ReadInConfig(); err != nil {
		// A config file is optional; defaults and env vars suffice
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return fmt.Errorf("failed to read config: %w", err)
		}
	}
	return nil
}

func run() error {
	if err := loadConfig(); err != nil {
		return err
	}

	logger, err := logging.NewFileLogger("batchd", logging.ParseLevel(viper.GetString("log.level")), viper.GetBool("log.json"))
	if err != nil {
		return err
	}

	st, err := store.NewStore(store.Config{
		Type: viper.GetString("store.type"),
		DSN:  viper.GetString("store.dsn"),
	})
	if err != nil {
		return fmt.Errorf("failed to open store: %w", err)
	}

	var catalog *envmod.Catalog
	if path := viper.GetString("modules.file"); path != "" {
		catalog, err = envmod.LoadCatalog(path)
		if err != nil {
			return fmt.Errorf("failed to load module catalog: %w", err)
		}
		logger.Info("module catalog loaded", map[string]interface{}{"modules": len(catalog.Names()), "path": path})
	}

	tracer, err := tracing.New(tracing.Config{
		ServiceName:    "batchd",
		ServiceVersion: "dev",
		Environment:    viper.GetString("tracing.environment"),
		OTLPEndpoint:   viper.GetString("tracing.endpoint"),
		Enabled:        viper.GetBool("tracing.enabled"),
	})
	if err != nil {
		return fmt.Errorf("failed to init tracing: %w", err)
	}

	node, err := registerLocalNode(st, viper.GetInt("node.slots"))
	if err != nil {
		return err
	}
	logger.Info("node registered", map[string]interface{}{
		"node": node.Name, "slots": node.Slots, "cpu_threads": node.CPUThreads,
	})

	metrics := api.NewMetrics(st)
	sched := scheduler.New(st, node, scheduler.Options{
		CheckInterval: viper.GetDuration("scheduler.check_interval"),
		Catalog:       catalog,
		Tracing:       tracer,
		OnJobFinished: metrics.JobFinished,
	})
	sched.Start()

	submitter := submit.NewService(st, catalog)
	server := &http.Server{
		Addr:    viper.GetString("listen"),
		Handler: api.NewServer(st, submitter, metrics, viper.GetString("scripts.dir"), tracer),
	}

	sm := shutdown.New(30 * time.Second)
	sm.Register(shutdown.CloseResource(st, "store"))
	sm.Register(shutdown.CloseResource(logger, "logger"))
	sm.Register(func(ctx context.Context) error {
		return tracer.Shutdown(ctx)
	})
	sm.Register(func(ctx context.Context) error {
		sched.Drain()
		sched.Stop()
		return nil
	})
	sm.Register(shutdown.StopHTTPServer(server, "api"))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		<-sm.Done()
		cancel()
	}()

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logger.Info("api listening", map[string]interface{}{"addr": server.Addr})
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	})

	if viper.GetBool("spool.enabled") {
		spoolDir := viper.GetString("spool.dir")
		if err := os.MkdirAll(spoolDir, 0755); err != nil {
			return fmt.Errorf("failed to create spool dir: %w", err)
		}
		watcher, err := spool.New(spoolDir, submitter)
		if err != nil {
			return err
		}
		g.Go(func() error {
			if err := watcher.Run(ctx); err != nil && err != context.Canceled {
				return err
			}
			return nil
		})
	}

	g.Go(func() error {
		heartbeat(ctx, st, node.ID)
		return nil
	})

	go sm.Wait()

	if err := g.Wait(); err != nil {
		sm.Shutdown()
		return err
	}
	return nil
}

// registerLocalNode detects local hardware and registers this host as
// the execution node
func registerLocalNode(st store.Store, slots int) (*models.Node, error) {
	reg, err := sysinfo.DetectNode(slots)
	if err != nil {
		return nil, fmt.Errorf("failed to detect node hardware: %w", err)
	}
	if slots <= 0 {
		reg.Slots = 1
	}

	node := &models.Node{
		ID:            uuid.New().String(),
		Name:          reg.Name,
		CPUThreads:    reg.CPUThreads,
		CPUModel:      reg.CPUModel,
		RAMTotalBytes: reg.RAMTotalBytes,
		Slots:         reg.Slots,
		Labels:        reg.Labels,
		Status:        "available",
		LastHeartbeat: time.Now(),
		RegisteredAt:  time.Now(),
	}
	if err := st.RegisterNode(node); err != nil {
		return nil, fmt.Errorf("failed to register node: %w", err)
	}
	return node, nil
}

// heartbeat keeps the node record fresh with load and free memory
func heartbeat(ctx context.Context, st store.Store, nodeID string) {
	ticker := time.NewTicker(15 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			node, err := st.GetNode(nodeID)
			if err != nil {
				continue
			}
			node.LoadPercent = sysinfo.LoadPercent()
			node.RAMFreeBytes = sysinfo.FreeRAMBytes()
			node.LastHeartbeat = time.Now()
			if err := st.UpdateNode(node); err != nil {
				continue
			}
		}
	}
}
