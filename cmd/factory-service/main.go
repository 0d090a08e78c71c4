package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"

	"github.com/scriptfactory/script-factory-be/internal/api/handler"
	"github.com/scriptfactory/script-factory-be/internal/api/router"
	"github.com/scriptfactory/script-factory-be/internal/archive"
	"github.com/scriptfactory/script-factory-be/internal/config"
	"github.com/scriptfactory/script-factory-be/internal/events"
	"github.com/scriptfactory/script-factory-be/internal/generation"
	"github.com/scriptfactory/script-factory-be/internal/pipeline"
	"github.com/scriptfactory/script-factory-be/internal/schedule"
	"github.com/scriptfactory/script-factory-be/internal/scheduler"
	"github.com/scriptfactory/script-factory-be/internal/templates"
	"github.com/scriptfactory/script-factory-be/shared/logger"
	"github.com/scriptfactory/script-factory-be/shared/postgresql"
	"github.com/scriptfactory/script-factory-be/shared/rabbitmq"
)

func main() {
	if err := run(); err != nil {
		log.Fatal(err)
	}
}

func run() error {
	// Load .env file if it exists
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found, using environment variables or flags")
	}

	// Parse command-line flags
	defaultConfigPath := os.Getenv("FACTORY_SERVICE_CONFIG_PATH")
	if defaultConfigPath == "" {
		defaultConfigPath = "configs/factory-service/config.yaml"
	}
	configPath := flag.String("config", defaultConfigPath, "Path to configuration file")
	flag.Parse()

	// Load configuration
	cfg, err := config.Load(*configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	// Initialize logger
	appLogger, err := initLogger(&cfg.Logging)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}

	appLogger.Info("Starting factory service",
		slog.String("app", cfg.App.Name),
		slog.String("version", cfg.App.Version),
		slog.String("environment", cfg.App.Environment),
	)

	// Initialize generation client from the key pool in the environment
	genClient, err := generation.NewClient(generation.KeysFromEnv(), generation.Config{
		Model:          cfg.Generation.Model,
		BaseURL:        cfg.Generation.BaseURL,
		RequestTimeout: cfg.Generation.RequestTimeout,
	}, appLogger)
	if err != nil {
		return fmt.Errorf("failed to initialize generation client: %w", err)
	}

	// Load prompt templates
	registry, err := templates.Load(cfg.Templates.ManifestPath)
	if err != nil {
		return fmt.Errorf("failed to load templates: %w", err)
	}

	// Build the scheduler around the pipeline runner
	sched := scheduler.New(
		genClient.Capacity,
		func(scheduleCfg schedule.Config, opts pipeline.Options, progress pipeline.ProgressFunc) scheduler.JobRunner {
			return pipeline.NewRunner(genClient, registry, scheduleCfg, opts, appLogger, progress)
		},
		appLogger,
	)
	sched.Subscribe(events.NewLogObserver(appLogger))

	// Optional PostgreSQL run archive
	var archiveStore *archive.Store
	var dbClient *postgresql.Client
	if cfg.Database.Enabled {
		dbClient, err = initPostgreSQL(&cfg.Database, appLogger)
		if err != nil {
			return fmt.Errorf("failed to initialize database: %w", err)
		}

		archiveStore = archive.NewStore(dbClient, appLogger)

		schemaCtx, cancelSchema := context.WithTimeout(context.Background(), 10*time.Second)
		err = archiveStore.EnsureSchema(schemaCtx)
		cancelSchema()
		if err != nil {
			return fmt.Errorf("failed to prepare archive schema: %w", err)
		}

		sched.AddSink(archiveStore)
		appLogger.Info("Run archive enabled")
	}

	// Optional RabbitMQ event publishing
	var rabbitClient *rabbitmq.Client
	var amqpObserver *events.AMQPObserver
	if cfg.RabbitMQ.Enabled {
		rabbitClient, err = initRabbitMQ(&cfg.RabbitMQ, appLogger)
		if err != nil {
			return fmt.Errorf("failed to initialize RabbitMQ: %w", err)
		}

		amqpObserver = events.NewAMQPObserver(rabbitClient, appLogger)
		sched.Subscribe(amqpObserver)
		appLogger.Info("Event publishing enabled",
			slog.String("exchange", cfg.RabbitMQ.Exchange.Name),
		)
	}

	// Initialize router
	r := initRouter(cfg, appLogger, sched, registry, archiveStore, genClient.Capacity)

	// Create HTTP server
	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      r,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	// Start server in goroutine
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			appLogger.Error("Server failed to start",
				slog.Any("error", err),
			)
			os.Exit(1)
		}
	}()

	appLogger.Info("Factory service is running",
		slog.String("address", addr),
		slog.Int("api_keys", genClient.Capacity()),
	)

	// Wait for interrupt signal to gracefully shutdown the server
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	appLogger.Info("Shutting down server...")

	// Stop any active drain before closing outward connections
	sched.Cancel()

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	cleanup := func() {
		cancel()
		if dbClient != nil {
			dbClient.Close()
		}
		if amqpObserver != nil {
			amqpObserver.Close()
		}
		if rabbitClient != nil {
			rabbitClient.Close()
		}
	}
	defer cleanup()

	if err := srv.Shutdown(ctx); err != nil {
		appLogger.Error("Server forced to shutdown",
			slog.Any("error", err),
		)
		return err
	}

	appLogger.Info("Server shutdown complete")
	return nil
}

// initLogger initializes and configures the application logger
func initLogger(cfg *config.LoggingConfig) (*slog.Logger, error) {
	loggerCfg := &logger.Config{
		Level:        cfg.Level,
		Format:       cfg.Format,
		Output:       cfg.Output,
		EnableSource: cfg.EnableCaller,
		TimeFormat:   time.RFC3339,
	}

	return logger.New(loggerCfg)
}

// initPostgreSQL initializes the PostgreSQL database client
func initPostgreSQL(cfg *config.DatabaseConfig, logger *slog.Logger) (*postgresql.Client, error) {
	dbConfig := &postgresql.Config{
		Host:            cfg.Host,
		Port:            cfg.Port,
		User:            cfg.User,
		Password:        cfg.Password,
		Database:        cfg.Database,
		SSLMode:         cfg.SSLMode,
		MaxOpenConns:    cfg.MaxOpenConns,
		MaxIdleConns:    cfg.MaxIdleConns,
		ConnMaxLifetime: cfg.ConnMaxLifetime,
		ConnMaxIdleTime: cfg.ConnMaxIdleTime,
	}

	return postgresql.NewClient(dbConfig, logger)
}

// initRabbitMQ initializes the RabbitMQ publishing client
func initRabbitMQ(cfg *config.RabbitMQConfig, logger *slog.Logger) (*rabbitmq.Client, error) {
	rabbitConfig := &rabbitmq.Config{
		Host:               cfg.Host,
		Port:               cfg.Port,
		User:               cfg.User,
		Password:           cfg.Password,
		VHost:              cfg.VHost,
		ExchangeName:       cfg.Exchange.Name,
		ExchangeType:       cfg.Exchange.Type,
		ExchangeDurable:    cfg.Exchange.Durable,
		ExchangeAutoDelete: cfg.Exchange.AutoDelete,
		RoutingKey:         cfg.RoutingKey,
		RetryAttempts:      cfg.Connection.RetryAttempts,
		RetryInterval:      cfg.Connection.RetryInterval,
		Heartbeat:          cfg.Connection.Heartbeat,
		PublishRetries:     cfg.Publish.RetryAttempts,
		PublishRetryDelay:  cfg.Publish.RetryInterval,
		PublishBackoffMult: cfg.Publish.BackoffMultiplier,
	}

	return rabbitmq.NewClient(rabbitConfig, logger)
}

// initRouter initializes the Gin router with all routes and middleware
func initRouter(
	cfg *config.Config,
	logger *slog.Logger,
	sched *scheduler.Scheduler,
	registry *templates.Registry,
	archiveStore *archive.Store,
	capacity func() int,
) *gin.Engine {
	if cfg.App.Environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	} else {
		gin.SetMode(gin.DebugMode)
	}

	handlerDeps := &handler.Dependencies{
		Logger:    logger,
		Scheduler: sched,
		Registry:  registry,
		Archive:   archiveStore,
		Capacity:  capacity,
		Defaults: handler.RunDefaults{
			SceneCount:       cfg.Pipeline.DefaultSceneCount,
			MinWordsPerScene: cfg.Pipeline.MinWordsPerScene,
			MaxWordsPerScene: cfg.Pipeline.MaxWordsPerScene,
		},
	}

	return router.SetupRouter(handlerDeps)
}
