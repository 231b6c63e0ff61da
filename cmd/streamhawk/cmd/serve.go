package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"

	"github.com/streamhawk/streamhawk/internal/database"
	"github.com/streamhawk/streamhawk/internal/detect"
	"github.com/streamhawk/streamhawk/internal/enrich"
	"github.com/streamhawk/streamhawk/internal/fanout"
	"github.com/streamhawk/streamhawk/internal/fetch"
	"github.com/streamhawk/streamhawk/internal/helper"
	internalhttp "github.com/streamhawk/streamhawk/internal/http"
	"github.com/streamhawk/streamhawk/internal/http/handlers"
	"github.com/streamhawk/streamhawk/internal/ingest"
	"github.com/streamhawk/streamhawk/internal/orchestrator"
	"github.com/streamhawk/streamhawk/internal/preview"
	"github.com/streamhawk/streamhawk/internal/ratelimit"
	"github.com/streamhawk/streamhawk/internal/registry"
	"github.com/streamhawk/streamhawk/internal/repository"
	"github.com/streamhawk/streamhawk/internal/scheduler"
	"github.com/streamhawk/streamhawk/internal/version"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the streamhawk daemon",
	Long: `Start the streamhawk HTTP server and API.

The server provides:
- REST API for stream detection events, downloads, and settings
- SSE observer feed with live download progress
- Health check endpoint
- OpenAPI documentation at /docs`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().String("host", "127.0.0.1", "Host to bind to")
	serveCmd.Flags().Int("port", 8674, "Port to listen on")
	serveCmd.Flags().String("database", "streamhawk.db", "Database DSN")
	serveCmd.Flags().String("helper-binary", "", "Path to the helper binary")

	mustBindPFlag("server.host", serveCmd.Flags().Lookup("host"))
	mustBindPFlag("server.port", serveCmd.Flags().Lookup("port"))
	mustBindPFlag("database.dsn", serveCmd.Flags().Lookup("database"))
	mustBindPFlag("helper.binary_path", serveCmd.Flags().Lookup("helper-binary"))
}

func mustBindPFlag(key string, flag *pflag.Flag) {
	if err := viper.BindPFlag(key, flag); err != nil {
		panic(fmt.Sprintf("binding flag to key %q: %v", key, err))
	}
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger := slog.Default()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Database and repositories.
	db, err := database.New(cfg.Database, logger)
	if err != nil {
		return fmt.Errorf("initializing database: %w", err)
	}
	defer db.Close()

	if err := db.Migrate(); err != nil {
		return fmt.Errorf("running migrations: %w", err)
	}

	downloadRepo := repository.NewDownloadRepository(db.DB)
	historyRepo := repository.NewHistoryRepository(db.DB)
	scrollRepo := repository.NewScrollRepository(db.DB)
	settingsRepo := repository.NewSettingsRepository(db.DB)

	// Observer fan-out.
	hub := fanout.NewHub(logger)

	// Helper subprocess connection.
	spawner := helper.NewSpawner(cfg.Helper, logger)
	helperClient := helper.NewClient(cfg.Helper, spawner, logger)
	helperClient.OnStateChange(func(connected bool) {
		hub.Broadcast(fanout.Message{
			Type: fanout.TypeHelperState,
			Data: map[string]bool{"connected": connected},
		})
	})
	helperClient.Start()
	defer helperClient.Close()

	// Detection pipeline.
	limiter := ratelimit.New(cfg.Limiter, logger)
	defer limiter.Close()

	reg := registry.New(logger)
	detectStore := detect.NewStore(logger)
	headerCache := detect.NewHeaderCache()
	fetcher := fetch.New(cfg.Fetch, logger)

	enricher := enrich.New(reg, limiter, helperClient, fetcher, detectStore, headerCache, settingsRepo, logger)

	// Download orchestration.
	orch := orchestrator.New(helperClient, downloadRepo, historyRepo, settingsRepo, headerCache, hub, cfg.Downloads, logger)
	defer orch.Close()
	if err := orch.Restore(ctx); err != nil {
		return fmt.Errorf("restoring downloads: %w", err)
	}

	sweeper, err := scheduler.NewSweeper(downloadRepo, historyRepo, settingsRepo, cfg.Downloads, logger)
	if err != nil {
		return fmt.Errorf("initializing sweeper: %w", err)
	}
	if err := sweeper.Start(ctx); err != nil {
		return fmt.Errorf("starting sweeper: %w", err)
	}
	defer sweeper.Stop()

	// Event ingestion.
	svc := ingest.New(reg, detectStore, headerCache, enricher, scrollRepo, settingsRepo, hub, logger)

	previewCache := preview.NewCache()

	// HTTP server and handlers.
	server := internalhttp.NewServer(cfg.Server, logger, version.Version)

	healthHandler := handlers.NewHealthHandler(version.Version).
		WithDB(db).
		WithHelper(helperClient).
		WithHub(hub)
	healthHandler.Register(server.API())

	eventsHandler := handlers.NewEventsHandler(svc)
	eventsHandler.Register(server.API())

	videosHandler := handlers.NewVideosHandler(svc, scrollRepo)
	videosHandler.Register(server.API())

	downloadsHandler := handlers.NewDownloadsHandler(orch, historyRepo)
	downloadsHandler.Register(server.API())

	settingsHandler := handlers.NewSettingsHandler(settingsRepo, hub)
	settingsHandler.Register(server.API())

	previewHandler := handlers.NewPreviewHandler(helperClient, headerCache, previewCache, hub)
	previewHandler.Register(server.API())

	observerHandler := handlers.NewObserverHandler(hub, svc, logger).
		WithDownloads(orch).
		WithSettings(settingsRepo).
		WithHelper(helperClient)
	observerHandler.Register(server.API())
	observerHandler.RegisterSSE(server.Router())

	logger.Info("starting streamhawk daemon",
		slog.String("address", cfg.Server.Address()),
		slog.String("version", version.Version),
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return server.Start()
	})
	g.Go(func() error {
		<-gctx.Done()
		return server.Shutdown(context.Background())
	})

	return g.Wait()
}
