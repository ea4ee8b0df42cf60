package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/cuemby/jobbroker/internal/config"
	"github.com/cuemby/jobbroker/pkg/admission"
	"github.com/cuemby/jobbroker/pkg/authorizer"
	"github.com/cuemby/jobbroker/pkg/cleanup"
	"github.com/cuemby/jobbroker/pkg/cluster"
	"github.com/cuemby/jobbroker/pkg/events"
	"github.com/cuemby/jobbroker/pkg/executor"
	"github.com/cuemby/jobbroker/pkg/log"
	"github.com/cuemby/jobbroker/pkg/metrics"
	"github.com/cuemby/jobbroker/pkg/orchestrator"
	"github.com/cuemby/jobbroker/pkg/plugins"
	"github.com/cuemby/jobbroker/pkg/registry"
	"github.com/cuemby/jobbroker/pkg/security"
	"github.com/cuemby/jobbroker/pkg/storage"
	"github.com/cuemby/jobbroker/pkg/types"
)

var (
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
	Use:   "broker",
	Short: "jobbroker - a job submission broker for Kubernetes clusters",
	Long: `jobbroker accepts job submissions over HTTP, provisions a work
queue and a parallel Kubernetes job per submission, and drives each
through to a terminal status while reporting progress through pluggable
monitor/controller/visualizer sidecars.`,
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"jobbroker version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	rootCmd.PersistentFlags().String("log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("log-json", false, "Output logs in JSON format")

	cobra.OnInitialize(initLogging)

	rootCmd.AddCommand(serveCmd)
}

func initLogging() {
	logLevel, _ := rootCmd.PersistentFlags().GetString("log-level")
	logJSON, _ := rootCmd.PersistentFlags().GetBool("log-json")

	log.Init(log.Config{
		Level:      log.Level(logLevel),
		JSONOutput: logJSON,
	})
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the broker's admission HTTP server",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfgPath, _ := cmd.Flags().GetString("config")

		cfg := config.Default()
		if cfgPath != "" {
			loaded, err := config.Load(cfgPath)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			cfg = loaded
		}

		logger := log.WithComponent("broker")
		logger.Info().Str("engine", cfg.PersistenceEngine).Msg("starting broker")

		if err := security.SetBrokerEncryptionKey(security.DeriveKeyFromBrokerSecret(cfg.Secret)); err != nil {
			return fmt.Errorf("set encryption key: %w", err)
		}

		store, closeStore, err := openStore(cfg)
		if err != nil {
			return fmt.Errorf("open storage: %w", err)
		}
		defer closeStore()

		reg := registry.New(store)
		catalog := plugins.New(store)
		clusters := cluster.New(cfg.ClusterProfileRoot, cfg.K8sConfPath, store)
		broker := events.NewBroker()
		broker.Start()
		defer broker.Stop()

		eventSub := broker.Subscribe()
		defer broker.Unsubscribe(eventSub)
		go logEvents(eventSub)

		if err := catalog.Rehydrate(); err != nil {
			return fmt.Errorf("rehydrate plugin catalog: %w", err)
		}
		if err := catalog.Seed(basicPlugins()); err != nil {
			return fmt.Errorf("seed plugin catalog: %w", err)
		}
		if err := clusters.Rehydrate(); err != nil {
			return fmt.Errorf("rehydrate cluster registry: %w", err)
		}

		orch, err := buildOrchestrator(cfg)
		if err != nil {
			return fmt.Errorf("build orchestrator: %w", err)
		}

		factory := &executor.Factory{
			Registry:          reg,
			Orchestrator:      orch,
			Clusters:          clusters,
			Events:            broker,
			MonitorBaseURL:    cfg.MonitorURL,
			ControllerBaseURL: cfg.ControllerURL,
			VisualizerBaseURL: cfg.VisualizerURL,
		}
		scheduler := cleanup.New(&cleanupDeleter{registry: reg, factory: factory})
		factory.Scheduler = scheduler

		ctx := context.Background()
		if err := reg.Rehydrate(ctx, factory, scheduler); err != nil {
			logger.Error().Err(err).Msg("submission rehydrate failed")
		}

		var authz *authorizer.Client
		if cfg.EnableAuth {
			authz = authorizer.New(cfg.AuthorizationURL)
		} else {
			authz = authorizer.New("")
		}

		server := admission.New(admission.Config{
			Registry:         reg,
			Factory:          factory,
			Plugins:          catalog,
			Clusters:         clusters,
			Authorizer:       authz,
			EnableAuth:       cfg.EnableAuth,
			SSHPublicKeyPath: cfg.SSHPublicKeyPath,
		})

		mux := http.NewServeMux()
		mux.Handle("/metrics", metrics.Handler())
		mux.Handle("/", server)

		addr := fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)
		httpServer := &http.Server{Addr: addr, Handler: mux}

		errCh := make(chan error, 1)
		go func() {
			logger.Info().Str("addr", addr).Msg("admission server listening")
			if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				errCh <- err
			}
		}()

		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

		select {
		case <-sigCh:
			logger.Info().Msg("shutting down")
		case err := <-errCh:
			logger.Error().Err(err).Msg("admission server error")
		}

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("shutdown: %w", err)
		}

		logger.Info().Msg("shutdown complete")
		return nil
	},
}

func init() {
	serveCmd.Flags().String("config", "", "Path to broker.cfg (INI-style); defaults are used if omitted")
}

func openStore(cfg config.Config) (storage.Store, func(), error) {
	switch cfg.PersistenceEngine {
	case "redis":
		client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		store := storage.NewRedisStore(client)
		return store, func() { _ = store.Close() }, nil
	default:
		store, err := storage.NewBoltStore(cfg.DataDir)
		if err != nil {
			return nil, nil, err
		}
		return store, func() { _ = store.Close() }, nil
	}
}

// buildOrchestrator builds an Adapter from the current-context
// kubeconfig file the Cluster-Profile Registry keeps up to date as
// profiles are activated.
func buildOrchestrator(cfg config.Config) (*orchestrator.Adapter, error) {
	return orchestrator.NewFromKubeconfig(cfg.K8sConfPath, "default")
}

// logEvents drains a submission-event subscription to the broker's
// own log, until the broker closes the channel on shutdown. This is
// the event stream's one built-in consumer; an operator wiring an
// SSE or webhook sink would subscribe the same way.
func logEvents(sub events.Subscriber) {
	logger := log.WithComponent("events")
	for ev := range sub {
		logger.Info().
			Str("type", string(ev.Type)).
			Str("app_id", ev.Metadata["app_id"]).
			Str("message", ev.Message).
			Time("event_time", ev.Timestamp).
			Msg("submission event")
	}
}

// cleanupDeleter adapts the Submission Registry and Executor Factory
// into the cleanup.Deleter the Scheduler fires into: it looks up the
// submission by id and rebinds an Executor to tear it down.
type cleanupDeleter struct {
	registry *registry.Registry
	factory  *executor.Factory
}

func (d *cleanupDeleter) DeleteJobResources(appID string) {
	sub, err := d.registry.Get(appID)
	if err != nil {
		return
	}
	d.factory.New(sub).DeleteJobResources(appID)
}

func basicPlugins() []types.PluginRecord {
	return []types.PluginRecord{
		{Name: "kubejobs", Component: types.ComponentController, Source: "builtin", Module: "controller.fcfs"},
		{Name: "kubejobs", Component: types.ComponentMonitor, Source: "builtin", Module: "monitor.default"},
		{Name: "kubejobs", Component: types.ComponentVisualizer, Source: "builtin", Module: "visualizer.default"},
		{Name: "kubejobs", Component: types.ComponentManager, Source: "builtin", Module: "manager.kubejobs"},
	}
}
