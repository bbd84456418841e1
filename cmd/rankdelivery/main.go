package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"
	_ "time/tzdata"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sesv2"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/joho/godotenv"
	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"rankdelivery/internal/app/deliveries"
	"rankdelivery/internal/auth"
	"rankdelivery/internal/config"
	auth_http "rankdelivery/internal/handler/http/auth"
	deliveries_http "rankdelivery/internal/handler/http/deliveries"
	kafka_handler "rankdelivery/internal/handler/kafka"
	"rankdelivery/internal/infrastructure/database"
	kafka_infra "rankdelivery/internal/infrastructure/kafka"
	"rankdelivery/internal/notification"
	"rankdelivery/internal/repository/delivery_repo"
	"rankdelivery/internal/repository/delivery_repo/dynamo"
	"rankdelivery/internal/repository/delivery_repo/postgres"
	"rankdelivery/internal/repository/delivery_repo/sqlite"
)

func main() {
	_ = godotenv.Load()

	cfg, err := config.LoadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading configuration: %v\n", err)
		os.Exit(1)
	}

	zapConfig := zap.NewProductionConfig()
	zapConfig.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	zapConfig.EncoderConfig.TimeKey = "timestamp"

	appLogger, err := zapConfig.Build()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to create zap logger: %v\n", err)
		os.Exit(1)
	}
	defer appLogger.Sync()
	appLogger.Info("Rank Delivery Service starting...", zap.String("store_driver", cfg.StoreDriver))

	startedAt := time.Now()
	ctxMain, cancelMain := context.WithCancel(context.Background())
	defer cancelMain()

	repo, closeStore, err := openStore(ctxMain, cfg, appLogger)
	if err != nil {
		appLogger.Fatal("Failed to open delivery store", zap.Error(err))
	}
	defer closeStore()

	var producer kafka_infra.Producer
	if cfg.KafkaEnabled() {
		topicsCtx, cancel := context.WithTimeout(ctxMain, 10*time.Second)
		err = kafka_infra.EnsureTopics(topicsCtx, cfg.GetKafkaBrokers(),
			[]string{cfg.KafkaDeliveryEventsTopic, cfg.KafkaDeliveryRequestsTopic},
			appLogger.With(zap.String("component", "KafkaAdmin")))
		cancel()
		if err != nil {
			appLogger.Fatal("Failed to ensure Kafka topics", zap.Error(err))
		}

		producer = kafka_infra.NewProducer(cfg.GetKafkaBrokers(), appLogger.With(zap.String("component", "KafkaProducer")))
		defer func() {
			if err := producer.Close(); err != nil {
				appLogger.Error("Error closing Kafka producer", zap.Error(err))
			}
		}()
	}

	notifier, err := buildNotifier(ctxMain, cfg, producer, appLogger)
	if err != nil {
		appLogger.Fatal("Failed to configure notifications", zap.Error(err))
	}

	deliveryService := deliveries.NewDeliveryService(
		repo,
		notifier,
		appLogger.With(zap.String("component", "DeliveryService")),
		deliveries.Options{
			MaxBatchSize:  cfg.PendingBatchSize,
			NotifyTimeout: cfg.NotifyTimeout,
		},
	)
	appLogger.Info("Delivery Service initialized.")

	issuer := auth.NewTokenIssuer(cfg.JWTSecret, cfg.JWTTTL)

	router := chi.NewRouter()
	router.Use(middleware.RequestID)
	router.Use(middleware.RealIP)
	router.Use(middleware.Logger)
	router.Use(middleware.Recoverer)
	router.Use(middleware.Timeout(cfg.HTTPRequestTimeout))
	router.Use(cors.Handler(cors.Options{
		AllowedOrigins:   cfg.CORSOrigins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-API-Key"},
		AllowCredentials: true,
		MaxAge:           300,
	}))
	auth_http.RegisterRoutes(router, issuer, cfg.AdminPassword, appLogger)
	deliveries_http.RegisterRoutes(router, deliveryService, deliveries_http.RouteConfig{
		Issuer:       issuer,
		PluginAPIKey: cfg.PluginAPIKey,
		StartedAt:    startedAt,
	}, appLogger)

	httpServer := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.HTTPPort),
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: cfg.HTTPRequestTimeout + 5*time.Second,
		IdleTimeout:  60 * time.Second,
	}

	var requestConsumer *kafka_infra.Consumer
	if cfg.KafkaEnabled() {
		requestConsumer = kafka_infra.NewConsumer(
			cfg.GetKafkaBrokers(),
			cfg.KafkaDeliveryRequestsTopic,
			cfg.KafkaConsumerGroup,
			kafka_handler.DeliveryRequestMessageHandler(
				deliveryService,
				appLogger.With(zap.String("component", "DeliveryRequestHandler")),
			),
			appLogger.With(zap.String("component", "DeliveryRequestConsumer")),
		)
	}

	go func() {
		appLogger.Info("Starting HTTP server", zap.String("address", httpServer.Addr))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			appLogger.Fatal("HTTP server failed", zap.Error(err))
		}
	}()

	consumerDone := make(chan struct{})
	if requestConsumer != nil {
		go func() {
			defer close(consumerDone)
			if err := requestConsumer.Consume(ctxMain); err != nil &&
				!errors.Is(err, context.Canceled) && !errors.Is(err, kafka.ErrGroupClosed) {
				appLogger.Error("Delivery request consumer failed", zap.Error(err))
			}
			appLogger.Info("Delivery request consumer stopped.")
		}()
	} else {
		close(consumerDone)
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan
	appLogger.Info("Shutting down application...")

	cancelMain()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer shutdownCancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		appLogger.Error("HTTP server graceful shutdown failed", zap.Error(err))
	} else {
		appLogger.Info("HTTP server gracefully shut down.")
	}

	if requestConsumer != nil {
		if err := requestConsumer.Close(); err != nil {
			appLogger.Error("Error closing delivery request consumer", zap.Error(err))
		}
	}
	select {
	case <-consumerDone:
	case <-shutdownCtx.Done():
		appLogger.Warn("Delivery request consumer did not stop before shutdown timeout.")
	}

	appLogger.Info("Application gracefully shut down.")
}

func openStore(ctx context.Context, cfg *config.Config, logger *zap.Logger) (delivery_repo.DeliveryRepository, func(), error) {
	repoLogger := logger.With(zap.String("component", "DeliveryRepository"))

	switch cfg.StoreDriver {
	case config.StoreDriverPostgres:
		dbConfig := database.DBConfig{
			Host:     cfg.DBConfig.Host,
			Port:     cfg.DBConfig.Port,
			User:     cfg.DBConfig.User,
			Password: cfg.DBConfig.Password,
			DBName:   cfg.DBConfig.Name,
			SSLMode:  cfg.DBConfig.SSLMode,
		}

		logger.Info("Waiting for database to be available...")
		var (
			db  *sql.DB
			err error
		)
		for i := 0; i < cfg.DBConnectRetries; i++ {
			db, err = database.NewPostgresDB(dbConfig)
			if err == nil {
				logger.Info("Successfully connected to PostgreSQL database!")
				break
			}
			logger.Warn(fmt.Sprintf("Failed to connect to database (attempt %d/%d): %v. Retrying in %s...",
				i+1, cfg.DBConnectRetries, err, cfg.DBRetryDelay))
			select {
			case <-ctx.Done():
				return nil, nil, ctx.Err()
			case <-time.After(cfg.DBRetryDelay):
			}
		}
		if db == nil {
			return nil, nil, fmt.Errorf("could not connect to database after %d attempts: %w", cfg.DBConnectRetries, err)
		}

		logger.Info("Running database migrations...")
		if err := database.Migrate(dbConfig.MigrationURL()); err != nil {
			db.Close()
			return nil, nil, err
		}
		logger.Info("Database migrations completed successfully (or no new migrations).")
		return postgres.NewDeliveryRepository(db, repoLogger), closeDB(db, logger), nil

	case config.StoreDriverSQLite:
		db, err := sqlite.Open(cfg.SQLitePath)
		if err != nil {
			return nil, nil, err
		}
		logger.Info("Opened SQLite database", zap.String("path", cfg.SQLitePath))
		return sqlite.NewDeliveryRepository(db, repoLogger), closeDB(db, logger), nil

	case config.StoreDriverDynamoDB:
		client, err := dynamo.NewClient(ctx, cfg.AWSRegion, cfg.DynamoEndpoint)
		if err != nil {
			return nil, nil, err
		}
		if cfg.DynamoCreateTable {
			if err := dynamo.EnsureTable(ctx, client, cfg.DynamoTable); err != nil {
				return nil, nil, err
			}
		}
		logger.Info("Using DynamoDB store", zap.String("table", cfg.DynamoTable), zap.String("endpoint", cfg.DynamoEndpoint))
		return dynamo.NewDeliveryRepository(client, cfg.DynamoTable, repoLogger), func() {}, nil
	}
	return nil, nil, fmt.Errorf("unknown store driver %q", cfg.StoreDriver)
}

func closeDB(db *sql.DB, logger *zap.Logger) func() {
	return func() {
		if err := db.Close(); err != nil {
			logger.Error("Error closing database connection", zap.Error(err))
			return
		}
		logger.Info("Database connection closed.")
	}
}

func buildNotifier(ctx context.Context, cfg *config.Config, producer kafka_infra.Producer, logger *zap.Logger) (notification.Notifier, error) {
	var sinks notification.Multi

	if cfg.DiscordWebhookURL != "" {
		loc, err := time.LoadLocation(cfg.DiscordTimezone)
		if err != nil {
			return nil, fmt.Errorf("invalid DISCORD_TIMEZONE %q: %w", cfg.DiscordTimezone, err)
		}
		sinks = append(sinks, notification.NewDiscord(cfg.DiscordWebhookURL, loc, nil,
			logger.With(zap.String("component", "DiscordNotifier"))))
	} else {
		logger.Warn("Discord webhook URL not configured")
	}

	if producer != nil {
		sinks = append(sinks, notification.NewKafka(producer, cfg.KafkaDeliveryEventsTopic,
			logger.With(zap.String("component", "KafkaNotifier"))))
	}

	if len(cfg.NotifyEmailTo) > 0 {
		awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.AWSRegion))
		if err != nil {
			return nil, fmt.Errorf("failed to load aws config for SES: %w", err)
		}
		sinks = append(sinks, notification.NewSES(sesv2.NewFromConfig(awsCfg), cfg.SESFromEmail, cfg.NotifyEmailTo,
			logger.With(zap.String("component", "SESNotifier"))))
	}

	switch len(sinks) {
	case 0:
		return notification.Nop{}, nil
	case 1:
		return sinks[0], nil
	}
	return sinks, nil
}
