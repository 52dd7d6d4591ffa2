package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/druso/photoflow/pkg/api"
	"github.com/druso/photoflow/pkg/config"
	"github.com/druso/photoflow/pkg/events"
	"github.com/druso/photoflow/pkg/fsstore"
	"github.com/druso/photoflow/pkg/imaging"
	"github.com/druso/photoflow/pkg/jobs"
	"github.com/druso/photoflow/pkg/log"
	"github.com/druso/photoflow/pkg/pipeline"
	"github.com/druso/photoflow/pkg/storage"
	"github.com/druso/photoflow/pkg/tasks"
	"github.com/druso/photoflow/pkg/types"
	"github.com/druso/photoflow/pkg/worker"
)

var (
	// Version information (set via ldflags during build)
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

var configPath string

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "photoflow",
	Short: "Photoflow - single-tenant photo management server",
	Long: `Photoflow ingests photo originals, tracks their lifecycle, serves
derivatives, and shares public photos via hashed links. All side-effecting
work runs through a durable SQLite-backed job pipeline with a bounded
worker pool, priority lanes, and crash recovery.`,
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"Photoflow version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to config file (YAML)")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(migrateCmd)
	rootCmd.AddCommand(maintenanceCmd)
}

func loadConfig() (*config.Config, error) {
	if configPath == "" {
		return config.Default(), nil
	}
	return config.Load(configPath)
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the API server and worker pool",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		log.Init(log.Config{Level: log.Level(cfg.Log.Level), JSONOutput: cfg.Log.JSONOutput})

		store, err := storage.Open(cfg.DBRoot, cfg.TenantID)
		if err != nil {
			return fmt.Errorf("failed to open store: %w", err)
		}
		defer store.Close()

		broker := events.NewBroker(cfg.SSE.SubscriberBuffer, cfg.SSE.CoalesceWindow)
		broker.Start()
		defer broker.Stop()

		repo := jobs.NewRepository(store)
		repo.SetNotifier(broker)

		files := fsstore.New(cfg.ProjectsRoot)
		caps := &tasks.Capabilities{
			Jobs:   repo,
			Store:  store,
			Images: imaging.NewProcessor(),
			Files:  files,
			Events: broker,
			Opts: tasks.Options{
				ThumbnailMaxDim:     cfg.Derivatives.ThumbnailMaxDim,
				ThumbnailQuality:    cfg.Derivatives.ThumbnailQual,
				PreviewMaxDim:       cfg.Derivatives.PreviewMaxDim,
				PreviewQuality:      cfg.Derivatives.PreviewQual,
				HashTTL:             time.Duration(cfg.PublicLinks.TTLDays) * 24 * time.Hour,
				HashRotationHorizon: time.Duration(cfg.PublicLinks.RotationAfterDays) * 24 * time.Hour,
			},
		}

		orch := pipeline.New(repo, cfg.Workers.FanoutWidth)
		pool := worker.NewPool(cfg.Workers, repo, tasks.NewRegistry(caps), orch, broker)
		pool.Start()
		defer pool.Stop()

		server := api.NewServer(cfg, store, repo, broker, files)
		errCh := make(chan error, 1)
		go func() {
			errCh <- server.Start()
		}()

		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

		select {
		case sig := <-sigCh:
			log.WithComponent("main").Info().Str("signal", sig.String()).Msg("shutting down")
		case err := <-errCh:
			if err != nil {
				return fmt.Errorf("server error: %w", err)
			}
		}

		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if err := server.Shutdown(ctx); err != nil {
			log.WithComponent("main").Warn().Err(err).Msg("http shutdown incomplete")
		}
		return nil
	},
}

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply database migrations and exit",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		log.Init(log.Config{Level: log.Level(cfg.Log.Level), JSONOutput: cfg.Log.JSONOutput})

		// Opening the store runs all pending migrations.
		store, err := storage.Open(cfg.DBRoot, cfg.TenantID)
		if err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
		defer store.Close()
		fmt.Printf("database ready: %s/%s.db\n", cfg.DBRoot, cfg.TenantID)
		return nil
	},
}

var maintenanceCmd = &cobra.Command{
	Use:   "maintenance",
	Short: "Enqueue maintenance jobs (hash rotation) and exit",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		log.Init(log.Config{Level: log.Level(cfg.Log.Level), JSONOutput: cfg.Log.JSONOutput})

		store, err := storage.Open(cfg.DBRoot, cfg.TenantID)
		if err != nil {
			return fmt.Errorf("failed to open store: %w", err)
		}
		defer store.Close()

		repo := jobs.NewRepository(store)
		job, err := repo.Enqueue(jobs.EnqueueRequest{
			Type:     types.JobHashRotation,
			Scope:    types.ScopeTenant,
			Priority: types.PriorityNormal,
		})
		if err != nil {
			return fmt.Errorf("failed to enqueue hash rotation: %w", err)
		}
		fmt.Printf("hash rotation enqueued as job %d\n", job.ID)
		return nil
	},
}
