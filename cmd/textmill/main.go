package main

import (
	"context"
	"database/sql"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gin-contrib/gzip"
	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"
	"github.com/xxxsen/common/logger"
	"github.com/xxxsen/common/logutil"
	"github.com/xxxsen/common/webapi"
	"go.uber.org/zap"

	"github.com/xxxsen/textmill/internal/ai"
	"github.com/xxxsen/textmill/internal/config"
	"github.com/xxxsen/textmill/internal/db"
	"github.com/xxxsen/textmill/internal/filestore"
	"github.com/xxxsen/textmill/internal/handler"
	"github.com/xxxsen/textmill/internal/job"
	"github.com/xxxsen/textmill/internal/middleware"
	"github.com/xxxsen/textmill/internal/ratelimit"
	"github.com/xxxsen/textmill/internal/repo"
	"github.com/xxxsen/textmill/internal/schedule"
	"github.com/xxxsen/textmill/internal/service"
	"github.com/xxxsen/textmill/internal/ws"
)

func main() {
	var configPath string

	rootCmd := &cobra.Command{
		Use:   "textmill",
		Short: "textmill dispatch server",
	}

	runCmd := &cobra.Command{
		Use:   "run",
		Short: "run textmill server",
		RunE: func(cmd *cobra.Command, args []string) error {
			if configPath == "" {
				return fmt.Errorf("--config is required")
			}
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			logger.Init(
				cfg.LogConfig.File,
				cfg.LogConfig.Level,
				int(cfg.LogConfig.FileCount),
				int(cfg.LogConfig.FileSize),
				int(cfg.LogConfig.KeepDays),
				cfg.LogConfig.Console,
			)
			logutil.GetLogger(context.Background()).Info("config loaded", zap.String("config", configPath))

			conn, err := db.Open(cfg.Database)
			if err != nil {
				return fmt.Errorf("open db: %w", err)
			}
			if err := db.ApplyMigrations(conn); err != nil {
				return fmt.Errorf("migrations: %w", err)
			}
			return runServer(cfg, conn)
		},
	}

	runCmd.Flags().StringVar(&configPath, "config", "", "path to config.json")
	rootCmd.AddCommand(runCmd)

	if err := rootCmd.Execute(); err != nil {
		logutil.GetLogger(context.Background()).Fatal("startup error", zap.Error(err))
	}
}

func buildProviders(cfg config.ProvidersConfig) (map[string]ai.IProvider, error) {
	providers := make(map[string]ai.IProvider, len(cfg))
	for name, args := range cfg {
		provider, err := ai.NewProvider(name, args)
		if err != nil {
			return nil, fmt.Errorf("init provider %s: %w", name, err)
		}
		providers[strings.ToLower(name)] = provider
	}
	return providers, nil
}

func runServer(cfg *config.Config, conn *sql.DB) error {
	logutil.GetLogger(context.Background()).Info(
		"starting server",
		zap.Int("port", cfg.Port),
		zap.String("file_store", cfg.FileStore.Type),
	)

	jobRepo := repo.NewJobRepo(conn)
	fileStatusRepo := repo.NewFileStatusRepo(conn)
	cacheRepo := repo.NewCacheRepo(conn)
	rateRepo := repo.NewRateLimitRepo(conn)
	batchRepo := repo.NewBatchRepo(conn)
	errorRepo := repo.NewErrorRepo(conn)

	providers, err := buildProviders(cfg.Providers)
	if err != nil {
		return err
	}

	store, err := filestore.New(cfg.FileStore)
	if err != nil {
		return fmt.Errorf("init file store: %w", err)
	}

	limiters := ratelimit.NewManager(rateRepo, ratelimit.Config{
		MaxRPM:   cfg.RateLimit.MaxRPM,
		MaxRPH:   cfg.RateLimit.MaxRPH,
		Cooldown: time.Duration(cfg.RateLimit.CooldownSeconds * float64(time.Second)),
	})
	hub := ws.NewHub()
	mailSender := service.NewEmailSender(cfg.Mail)
	errorService := service.NewErrorLogService(errorRepo)
	cacheService := service.NewCacheService(cacheRepo)
	dispatchService := service.NewDispatchService(cacheService, limiters, errorService, cfg.Process)
	jobService := service.NewJobService(jobRepo, fileStatusRepo, dispatchService,
		providers, store, hub, mailSender, cfg.Process)

	var batchClient ai.IBatchClient
	if args, ok := cfg.Providers["anthropic"]; ok {
		client, err := ai.NewAnthropicBatchClient(args)
		if err != nil {
			logutil.GetLogger(context.Background()).Warn("batch client unavailable", zap.Error(err))
		} else {
			batchClient = client
		}
	}
	batchService := service.NewBatchService(batchRepo, batchClient, hub, mailSender, cfg.Batch)

	deps := handler.RouterDeps{
		Processing:     handler.NewProcessingHandler(jobService),
		Batches:        handler.NewBatchHandler(batchService),
		Callback:       handler.NewCallbackHandler(batchService),
		Cache:          handler.NewCacheHandler(cacheService),
		Files:          handler.NewFileHandler(store),
		Usage:          handler.NewUsageHandler(limiters),
		Errors:         handler.NewErrorHandler(errorService),
		WS:             handler.NewWSHandler(hub),
		JWTSecret:      []byte(cfg.JWTSecret),
		CallbackWindow: time.Second,
	}

	engine, err := webapi.NewEngine(
		"/api/v1",
		fmt.Sprintf("0.0.0.0:%d", cfg.Port),
		webapi.WithRegister(func(group *gin.RouterGroup) {
			handler.RegisterRoutes(group, deps)
		}),
		webapi.WithExtraMiddlewares(
			middleware.CORS(cfg.CORS),
			gzip.Gzip(gzip.DefaultCompression),
		),
	)
	if err != nil {
		return fmt.Errorf("init web engine: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if batchClient != nil {
		if err := batchService.ResumePollers(ctx); err != nil {
			logutil.GetLogger(ctx).Warn("failed to resume batch pollers", zap.Error(err))
		}
	}

	scheduler := schedule.NewCronScheduler()
	if batchClient != nil {
		if err := scheduler.AddJob(job.NewBatchResumeJob(batchService), "*/5 * * * *"); err != nil {
			return err
		}
	}
	if err := scheduler.AddJob(job.NewErrorLogCleanupJob(errorService, 30*24*time.Hour), "0 3 * * *"); err != nil {
		return err
	}
	scheduler.Start(ctx)

	logutil.GetLogger(ctx).Info("http server listening", zap.String("addr", fmt.Sprintf("0.0.0.0:%d", cfg.Port)))
	go func() {
		if err := engine.Run(); err != nil && err != http.ErrServerClosed {
			logutil.GetLogger(context.Background()).Error("server error", zap.Error(err))
		}
	}()

	<-ctx.Done()
	logutil.GetLogger(context.Background()).Info("server stopping...")
	scheduler.Stop()
	batchService.Shutdown()
	return nil
}
