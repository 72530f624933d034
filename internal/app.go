package internal

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"notification-service/internal/adapters/connregistry"
	"notification-service/internal/adapters/history"
	"notification-service/internal/adapters/idempotency"
	"notification-service/internal/adapters/identity"
	logger_adapter "notification-service/internal/adapters/logger"
	postgres_adapter "notification-service/internal/adapters/postgres"
	rabbitmq_adapter "notification-service/internal/adapters/rabbitmq"
	"notification-service/internal/adapters/rest"
	"notification-service/internal/configs"
	"notification-service/internal/constants"
	"notification-service/internal/contracts"
	"notification-service/internal/core/port"
	"notification-service/internal/core/usecase"
	fluentlogger "notification-service/pkg/fluent_logger"
	"notification-service/pkg/postgres"
	"notification-service/pkg/rabbitmq/rabbitmq_common"
	"notification-service/pkg/rabbitmq/rabbitmq_consumer"
	"notification-service/pkg/rabbitmq/rabbitmq_producer"
	"notification-service/schemas"

	"github.com/fluent/fluent-logger-golang/fluent"
	"github.com/jackc/pgx/v5/pgxpool"
	goredis "github.com/redis/go-redis/v9"
)

type App struct {
	config      *configs.AppConfig
	connManager *rabbitmq_common.ConnectionManager
	dbPool      *pgxpool.Pool
	redisClient *goredis.Client
	apiServer   *rest.Server

	lifecycle            *usecase.ConnectionLifecycleManager
	historyRecorder      *history.AsyncRecorder
	publisher            *rabbitmq_producer.Publisher
	notificationListener *rabbitmq_adapter.NotificationConsumerAdapter
	deadLetterListener   *rabbitmq_adapter.DLQConsumerAdapter

	logger       port.LoggerPort
	fluentClient *fluent.Fluent
}

func NewApp() (*App, error) {
	appConfig, err := configs.LoadConfig()
	if err != nil {
		return nil, fmt.Errorf("error loading application configuration: %w", err)
	}

	// --- 1. ИНИЦИАЛИЗАЦИЯ ЛОГГЕРОВ ---
	var activeLoggers []port.LoggerPort

	stdoutLevel, stdoutLevelKnown := logger_adapter.ParseLevel(appConfig.StdoutLogger.Level)
	stdoutLogger := logger_adapter.NewSlogAdapter(logger_adapter.SlogConfig{
		Level:    stdoutLevel,
		IsJSON:   appConfig.StdoutLogger.JSON,
		UseColor: !appConfig.StdoutLogger.JSON,
	})
	activeLoggers = append(activeLoggers, stdoutLogger)
	if !stdoutLevelKnown {
		stdoutLogger.Warn("Unknown log level, defaulting to info", port.Fields{"level": appConfig.StdoutLogger.Level})
	}

	var fluentClient *fluent.Fluent
	if appConfig.FluentBit.Enabled {
		fluentClient, err = fluentlogger.NewClient(fluentlogger.Config{
			Host:      appConfig.FluentBit.Host,
			Port:      appConfig.FluentBit.Port,
			TagPrefix: appConfig.AppName,
			Async:     true,
		})
		if err != nil {
			stdoutLogger.Error("Failed to create fluentbit client", err, nil)
			return nil, fmt.Errorf("failed to create fluentbit client: %w", err)
		}

		fluentLevel, _ := logger_adapter.ParseLevel(appConfig.FluentBit.Level)
		fluentAdapter, err := logger_adapter.NewFluentLoggerAdapter(fluentClient, fluentLevel)
		if err != nil {
			stdoutLogger.Error("Failed to create fluentbit adapter", err, nil)
			fluentClient.Close()
			return nil, err
		}
		activeLoggers = append(activeLoggers, fluentAdapter)
	}

	multiLogger, err := logger_adapter.NewMultiloggerAdapter(activeLoggers...)
	if err != nil {
		return nil, fmt.Errorf("failed to create multi-logger: %w", err)
	}

	// --- 2. БАЗОВЫЙ ЛОГГЕР ПРИЛОЖЕНИЯ ---
	baseLogger := multiLogger.WithFields(port.Fields{
		"service_name": appConfig.AppName,
	})

	appLogger := baseLogger.WithFields(port.Fields{"component": "app"})
	appLogger.Info("Logger system initialized", port.Fields{
		"active_loggers": len(activeLoggers), "fluent_enabled": appConfig.FluentBit.Enabled,
	})

	app := &App{config: appConfig, logger: appLogger, fluentClient: fluentClient}
	// при ошибке инициализации закрываем то, что успели открыть
	ok := false
	defer func() {
		if !ok {
			app.closeResources(context.Background())
			if fluentClient != nil {
				fluentClient.Close()
			}
		}
	}()

	// --- 3. ШИНА ---
	connManagerLogger := baseLogger.WithFields(port.Fields{"component": "rabbitmq_conn_manager"})
	app.connManager, err = rabbitmq_common.NewManager(appConfig.RabbitMQ.URL, rabbitmq_adapter.NewPkgLoggerBridge(connManagerLogger))
	if err != nil {
		appLogger.Error("Failed to create connection manager", err, nil)
		return nil, fmt.Errorf("failed to create connection manager: %w", err)
	}
	appLogger.Info("RabbitMQ Connection Manager initialized.", nil)

	// --- 4. ИДЕМПОТЕНТНОСТЬ ---
	var tracker port.IdempotencyTrackerPort
	switch appConfig.Idempotency.Backend {
	case configs.IdempotencyBackendRedis:
		app.redisClient, err = idempotency.NewRedisClient(context.Background(), idempotency.RedisConfig{
			Addr:     appConfig.Idempotency.RedisAddr,
			Password: appConfig.Idempotency.RedisPassword,
			DB:       appConfig.Idempotency.RedisDB,
		})
		if err != nil {
			appLogger.Error("Failed to connect to Redis", err, nil)
			return nil, fmt.Errorf("failed to connect to redis: %w", err)
		}
		tracker, err = idempotency.NewRedisTracker(app.redisClient, "", appConfig.Idempotency.Retention)
		if err != nil {
			return nil, fmt.Errorf("failed to create redis idempotency tracker: %w", err)
		}
	default:
		tracker = idempotency.NewMemoryTracker(idempotency.MemoryTrackerConfig{
			Retention:  appConfig.Idempotency.Retention,
			MaxEntries: appConfig.Idempotency.MaxEntries,
		})
	}
	appLogger.Info("Idempotency tracker initialized.", port.Fields{"backend": appConfig.Idempotency.Backend})

	// --- 5. ИСТОРИЯ ---
	var historyRepo port.HistoryRepositoryPort
	var historyRecorder port.HistoryRecorderPort
	if appConfig.HistoryEnabled() {
		app.dbPool, err = postgres.NewClient(context.Background(), postgres.Config{
			DatabaseURL: appConfig.Database.URL,
			MaxConns:    appConfig.Database.MaxConns,
		})
		if err != nil {
			appLogger.Error("Failed to connect to PostgreSQL", err, nil)
			return nil, fmt.Errorf("failed to connect to PostgreSQL: %w", err)
		}
		appLogger.Info("Successfully connected to PostgreSQL pool!", nil)

		repo, err := postgres_adapter.NewPostgresHistoryRepository(app.dbPool)
		if err != nil {
			return nil, fmt.Errorf("failed to create history repository: %w", err)
		}
		schemaCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		err = repo.EnsureSchema(schemaCtx)
		cancel()
		if err != nil {
			appLogger.Error("Failed to ensure history schema", err, nil)
			return nil, fmt.Errorf("failed to ensure history schema: %w", err)
		}

		app.historyRecorder = history.NewAsyncRecorder(repo, appConfig.History.QueueSize, appConfig.History.WriteTimeout, baseLogger)
		historyRepo = repo
		historyRecorder = app.historyRecorder
	} else {
		appLogger.Warn("DATABASE_URL is not set, notification history is disabled", nil)
	}

	// --- 6. ИДЕНТИЧНОСТЬ ---
	var identityProvider port.IdentityProviderPort
	credential := rest.GatewayCredential
	if appConfig.Identity.Mode == configs.IdentityModeJWT {
		identityProvider, err = identity.NewJWTProvider(appConfig.Identity.JWTSigningKey, appConfig.Identity.JWTIssuer)
		if err != nil {
			return nil, fmt.Errorf("failed to create jwt identity provider: %w", err)
		}
		credential = rest.BearerCredential
	} else {
		identityProvider = identity.NewHeaderProvider()
	}

	// --- 7. ПУБЛИКАЦИЯ ---
	publisherLogger := baseLogger.WithFields(port.Fields{"component": "rabbitmq_publisher"})
	app.publisher, err = rabbitmq_producer.NewPublisher(rabbitmq_producer.PublisherConfig{
		Config:                   rabbitmq_common.Config{URL: appConfig.RabbitMQ.URL},
		ExchangeName:             constants.MainExchange,
		ExchangeType:             "topic",
		DurableExchange:          true,
		DeclareExchangeIfMissing: true,
		Logger:                   rabbitmq_adapter.NewPkgLoggerBridge(publisherLogger),
	}, app.connManager)
	if err != nil {
		appLogger.Error("Failed to create publisher", err, nil)
		return nil, fmt.Errorf("failed to create publisher: %w", err)
	}
	notificationPublisher := rabbitmq_adapter.NewNotificationPublisher(app.publisher, constants.RoutingKeyNotificationRequested)

	// --- 8. USE CASES ---
	registry := connregistry.NewRegistry(baseLogger)
	app.lifecycle = usecase.NewConnectionLifecycleManager(identityProvider, registry, usecase.LifecycleConfig{
		IdentityTimeout:          appConfig.Identity.Timeout,
		MaxConnectionsPerSubject: appConfig.Connections.MaxPerSubject,
		AdmissionRate:            appConfig.Connections.AdmissionRate,
		AdmissionBurst:           appConfig.Connections.AdmissionBurst,
	}, baseLogger)
	dispatchUC := usecase.NewDispatchNotificationUseCase(registry, tracker, historyRecorder, usecase.NewSubjectSequencer(), usecase.DispatchConfig{
		PushTimeout:       appConfig.Delivery.PushTimeout,
		MaxParallelPushes: appConfig.Delivery.MaxParallelPushes,
	})
	getHistoryUC := usecase.NewGetHistoryUseCase(historyRepo)
	publishUC := usecase.NewPublishNotificationUseCase(notificationPublisher)
	deadLetterUC := usecase.NewRecordDeadLetterUseCase(historyRecorder)
	appLogger.Info("All use cases initialized.", nil)

	// --- 9. REST API ---
	handlers := rest.NewNotificationHandler(app.lifecycle, getHistoryUC, publishUC, rest.HandlerConfig{
		StreamBuffer: appConfig.Delivery.StreamBuffer,
		KeepAlive:    appConfig.Delivery.KeepAlive,
		Credential:   credential,
	})
	app.apiServer = rest.NewServer(rest.ServerConfig{
		Port:           appConfig.Rest.PORT,
		AllowedOrigins: appConfig.Rest.AllowedOrigins,
		Identity:       identityProvider,
		Credential:     credential,
	}, handlers, baseLogger)
	appLogger.Info("REST API server configured.", nil)

	// --- 10. СЛУШАТЕЛИ ШИНЫ ---
	validator, err := contracts.NewValidator(schemas.SchemasFS, "events")
	if err != nil {
		appLogger.Error("Failed to compile event schemas", err, nil)
		return nil, fmt.Errorf("failed to compile event schemas: %w", err)
	}

	consumerCfg := rabbitmq_consumer.ConsumerConfig{
		Config:                 rabbitmq_common.Config{URL: appConfig.RabbitMQ.URL},
		QueueName:              constants.QueueNotificationEvents,
		RoutingKeyForBind:      constants.RoutingKeyNotificationRequested,
		ExchangeNameForBind:    constants.MainExchange,
		DeclareExchangeForBind: true,
		ExchangeTypeForBind:    "topic",
		DurableExchangeForBind: true,
		PrefetchCount:          appConfig.RabbitMQ.PrefetchCount,
		DurableQueue:           true,
		ConsumerTag:            constants.ConsumerTagNotifications,
		DeclareQueue:           true,

		EnableRetryMechanism: true,
		RetryExchange:        constants.RetryExchange,
		RetryQueue:           constants.WaitQueue,
		RetryTTL:             int(appConfig.RabbitMQ.RetryTTL / time.Millisecond),
		FinalDLXExchange:     constants.FinalDLXExchange,
		FinalDLQ:             constants.FinalDLQ,
		FinalDLQRoutingKey:   constants.FinalDLQRoutingKey,
		MaxRetries:           appConfig.RabbitMQ.MaxRetries,
	}

	app.notificationListener, err = rabbitmq_adapter.NewNotificationConsumerAdapter(
		consumerCfg,
		appConfig.RabbitMQ.ConsumerWorkers,
		validator,
		dispatchUC,
		rabbitmq_adapter.ReconnectConfig{MaxElapsed: appConfig.RabbitMQ.BusMaxElapsed},
		baseLogger,
		app.connManager,
	)
	if err != nil {
		appLogger.Error("Failed to create notification consumer", err, nil)
		return nil, fmt.Errorf("failed to create notification consumer adapter: %w", err)
	}

	dlqCfg := rabbitmq_consumer.ConsumerConfig{
		Config:        rabbitmq_common.Config{URL: appConfig.RabbitMQ.URL},
		QueueName:     constants.FinalDLQ,
		DeclareQueue:  true,
		DurableQueue:  true,
		PrefetchCount: 5,
		ConsumerTag:   constants.ConsumerTagDeadLetters,
	}
	app.deadLetterListener, err = rabbitmq_adapter.NewDLQConsumerAdapter(
		dlqCfg,
		deadLetterUC,
		rabbitmq_adapter.ReconnectConfig{MaxElapsed: appConfig.RabbitMQ.BusMaxElapsed},
		baseLogger,
		app.connManager,
	)
	if err != nil {
		appLogger.Error("Failed to create dead letter consumer", err, nil)
		return nil, fmt.Errorf("failed to create dead letter consumer adapter: %w", err)
	}
	appLogger.Info("All RabbitMQ listeners initialized.", nil)

	ok = true
	return app, nil
}

func (a *App) Run() error {
	// Единый контекст слушателей: его отмена - перестать брать новые события
	appCtx, cancelApp := context.WithCancel(context.Background())
	defer cancelApp()

	var wg sync.WaitGroup
	errorsCh := make(chan error, 3)

	quit := make(chan os.Signal, 2)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(quit)

	a.logger.Info("Application is starting...", nil)

	go func() {
		if err := a.apiServer.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errorsCh <- fmt.Errorf("HTTP server start error: %w", err)
		}
	}()

	// Функция-хелпер для запуска слушателей
	startListener := func(name string, listener port.EventListenerPort) {
		defer wg.Done()
		listenerLogger := a.logger.WithFields(port.Fields{"listener": name})
		listenerLogger.Info("Starting listener...", nil)

		if err := listener.Start(appCtx); err != nil {
			listenerLogger.Error("Listener stopped with an unexpected error", err, nil)
			errorsCh <- fmt.Errorf("%s error: %w", name, err)
		} else {
			listenerLogger.Info("Listener stopped gracefully.", nil)
		}
	}

	wg.Add(2)
	go startListener("Notification Events Listener", a.notificationListener)
	go startListener("Dead Letter Listener", a.deadLetterListener)

	a.logger.Info("Application running. Waiting for signals or component error...", nil)
	var runErr error
	select {
	case receivedSignal := <-quit:
		a.logger.Warn("Received OS signal, shutting down...", port.Fields{"signal": receivedSignal.String()})
	case err := <-errorsCh:
		a.logger.Error("A critical component failed, shutting down", err, nil)
		runErr = err
	}

	a.shutdown(cancelApp, &wg, quit)
	return runErr
}

// shutdown: слушатели -> обработчики в полете -> сессии и реестр -> HTTP -> история -> пулы.
// Повторный сигнал или таймаут прерывает обработчики: их сообщения останутся без ack.
func (a *App) shutdown(cancelApp context.CancelFunc, wg *sync.WaitGroup, quit <-chan os.Signal) {
	a.logger.Info("Shutdown sequence initiated...", nil)
	deadline := time.Now().Add(a.config.ShutdownTimeout)

	cancelApp()

	drained := make(chan struct{})
	go func() {
		wg.Wait()
		close(drained)
	}()

	a.logger.Info("Waiting for in-flight notifications to finish...", nil)
	select {
	case <-drained:
		a.logger.Info("All background processes finished.", nil)
	case sig := <-quit:
		a.logger.Warn("Second signal received, forcing shutdown", port.Fields{"signal": sig.String()})
		a.notificationListener.Abort()
	case <-time.After(time.Until(deadline)):
		a.logger.Warn("Shutdown timeout reached, forcing shutdown", nil)
		a.notificationListener.Abort()
	}

	a.lifecycle.Shutdown()

	stopCtx, cancel := context.WithDeadline(context.Background(), deadline.Add(5*time.Second))
	defer cancel()

	if err := a.apiServer.Stop(stopCtx); err != nil {
		a.logger.Error("Error during API server shutdown", err, nil)
	}

	a.closeResources(stopCtx)
	a.logger.Info("Application shut down.", nil)

	if a.fluentClient != nil {
		if err := a.fluentClient.Close(); err != nil {
			fmt.Printf("ERROR: Error closing fluent client: %v\n", err)
		}
	}
}

// closeResources закрывает все, что было открыто; nil-поля пропускаются
func (a *App) closeResources(ctx context.Context) {
	if a.notificationListener != nil {
		if err := a.notificationListener.Close(); err != nil {
			a.logger.Error("Error closing notification listener", err, nil)
		}
	}
	if a.deadLetterListener != nil {
		if err := a.deadLetterListener.Close(); err != nil {
			a.logger.Error("Error closing dead letter listener", err, nil)
		}
	}
	if a.historyRecorder != nil {
		if err := a.historyRecorder.Close(ctx); err != nil {
			a.logger.Error("History writer did not drain in time", err, port.Fields{"dropped": a.historyRecorder.Dropped()})
		}
	}
	if a.publisher != nil {
		if err := a.publisher.Close(); err != nil {
			a.logger.Error("Error closing publisher", err, nil)
		}
	}
	if a.redisClient != nil {
		if err := a.redisClient.Close(); err != nil {
			a.logger.Error("Error closing redis client", err, nil)
		}
	}
	if a.dbPool != nil {
		a.dbPool.Close()
		a.logger.Info("PostgreSQL pool closed.", nil)
	}
	if a.connManager != nil {
		if err := a.connManager.Close(); err != nil {
			a.logger.Error("Error closing RabbitMQ connection manager", err, nil)
		}
	}
}
