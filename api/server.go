package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/sync/errgroup"

	"github.com/voicefly/credits-service/config/database"
	"github.com/voicefly/credits-service/config/kafka"
	"github.com/voicefly/credits-service/config/redis"
	"github.com/voicefly/credits-service/ledger"
	"github.com/voicefly/credits-service/models"
	"github.com/voicefly/credits-service/utils"
)

const (
	envEnv                            = "ENV"
	envDatabaseURL                    = "DATABASE_URL"
	envVoiceflyDatabaseMaxConnections = "VOICEFLY_DATABASE_MAX_CONNECTIONS"
	envVoiceflyDeductionOrder         = "VOICEFLY_DEDUCTION_ORDER"
	envVoiceflyHTTPPort               = "VOICEFLY_HTTP_PORT"
	envVoiceflyKafkaAlertsTopic       = "VOICEFLY_KAFKA_ALERTS_TOPIC"
	envVoiceflyKafkaBootstrapServers  = "VOICEFLY_KAFKA_BOOTSTRAP_SERVERS"
	envVoiceflyKafkaDeadLetterTopic   = "VOICEFLY_KAFKA_DEAD_LETTER_TOPIC"
	envVoiceflyKafkaPassword          = "VOICEFLY_KAFKA_PASSWORD"
	envVoiceflyKafkaScramAlgorithm    = "VOICEFLY_KAFKA_SCRAM_ALGORITHM"
	envVoiceflyKafkaTLS               = "VOICEFLY_KAFKA_TLS"
	envVoiceflyKafkaUsageTopic        = "VOICEFLY_KAFKA_USAGE_TOPIC"
	envVoiceflyKafkaUsername          = "VOICEFLY_KAFKA_USERNAME"
	envVoiceflyLowBalanceFlagSet      = "VOICEFLY_LOW_BALANCE_FLAG_SET"
	envVoiceflyLowBalanceThreshold    = "VOICEFLY_LOW_BALANCE_THRESHOLD"
	envVoiceflyPurchaseURL            = "VOICEFLY_PURCHASE_URL"
	envVoiceflyRedisCacheDB           = "VOICEFLY_REDIS_CACHE_DB"
	envVoiceflyRedisCachePassword     = "VOICEFLY_REDIS_CACHE_PASSWORD"
	envVoiceflyRedisCacheTLS          = "VOICEFLY_REDIS_CACHE_TLS"
	envVoiceflyRedisCacheURL          = "VOICEFLY_REDIS_CACHE_URL"
	envVoiceflyReplayGuardTTL         = "VOICEFLY_REPLAY_GUARD_TTL"
	envVoiceflyRolloverSweepInterval  = "VOICEFLY_ROLLOVER_SWEEP_INTERVAL"
	envVoiceflyStripeWebhookSecret    = "VOICEFLY_STRIPE_WEBHOOK_SECRET"
	envVoiceflyTierDefaults           = "VOICEFLY_TIER_DEFAULTS"
	envVoiceflyUpgradeURL             = "VOICEFLY_UPGRADE_URL"
	envOtelExporterOtlpEndpoint       = "OTEL_EXPORTER_OTLP_ENDPOINT"
)

// serverDeps carries everything StartServer wires together, so tests can
// build a router without touching the environment.
type serverDeps struct {
	db        *database.DB
	store     *models.LedgerStore
	service   *ledger.Service
	handler   *Handler
	logger    *slog.Logger
	port      string
	sweepEach time.Duration
}

func initProducer(ctx context.Context, kafkaConfig kafka.ServerConfig, topicEnv string) utils.Result[*kafka.Producer] {
	topic := os.Getenv(topicEnv)
	if topic == "" {
		return utils.FailedResult[*kafka.Producer](fmt.Errorf("%s variable is required", topicEnv))
	}

	producer, err := kafka.NewProducer(
		kafkaConfig,
		&kafka.ProducerConfig{
			Topic: topic,
		})
	if err != nil {
		return utils.FailedResult[*kafka.Producer](err)
	}

	err = producer.Ping(ctx)
	if err != nil {
		return utils.FailedResult[*kafka.Producer](err)
	}

	return utils.SuccessResult(producer)
}

func initRedisDB(ctx context.Context, useTelemetry bool) (*redis.RedisDB, error) {
	redisDb, err := utils.GetEnvAsInt(envVoiceflyRedisCacheDB, 0)
	if err != nil {
		return nil, err
	}

	redisConfig := redis.RedisConfig{
		Address:   os.Getenv(envVoiceflyRedisCacheURL),
		Password:  os.Getenv(envVoiceflyRedisCachePassword),
		DB:        redisDb,
		UseTracer: useTelemetry,
		UseTLS:    utils.GetEnvAsBool(envVoiceflyRedisCacheTLS, os.Getenv(envEnv) == "production"),
	}

	return redis.NewRedisDB(ctx, redisConfig)
}

// parseTierDefaults reads "starter:500,professional:2000" style overrides.
func parseTierDefaults(raw string) (models.TierDefaults, error) {
	if raw == "" {
		return ledger.DefaultTierDefaults, nil
	}

	defaults := models.TierDefaults{}
	for _, pair := range strings.Split(raw, ",") {
		parts := strings.SplitN(strings.TrimSpace(pair), ":", 2)
		if len(parts) != 2 {
			return nil, fmt.Errorf("malformed tier default %q", pair)
		}

		credits, err := strconv.Atoi(parts[1])
		if err != nil || credits < 0 {
			return nil, fmt.Errorf("malformed tier allotment %q", pair)
		}

		defaults[parts[0]] = credits
	}

	return defaults, nil
}

func parseDeductionOrder(raw string) (models.DeductionOrder, error) {
	switch models.DeductionOrder(raw) {
	case "", models.DeductMonthlyFirst:
		return models.DeductMonthlyFirst, nil
	case models.DeductPurchasedFirst:
		return models.DeductPurchasedFirst, nil
	default:
		return "", fmt.Errorf("unknown deduction order %q", raw)
	}
}

func buildDeps(ctx context.Context, logger *slog.Logger) (*serverDeps, error) {
	otelEndpoint := os.Getenv(envOtelExporterOtlpEndpoint)

	serverBrokers := utils.ParseBrokersEnv(os.Getenv(envVoiceflyKafkaBootstrapServers))
	if len(serverBrokers) == 0 {
		return nil, errors.New("brokers not found")
	}

	kafkaConfig := kafka.ServerConfig{
		ScramAlgorithm: os.Getenv(envVoiceflyKafkaScramAlgorithm),
		TLS:            os.Getenv(envVoiceflyKafkaTLS) == "true",
		Servers:        serverBrokers,
		UseTelemetry:   otelEndpoint != "",
		UserName:       os.Getenv(envVoiceflyKafkaUsername),
		Password:       os.Getenv(envVoiceflyKafkaPassword),
	}

	usageProducerResult := initProducer(ctx, kafkaConfig, envVoiceflyKafkaUsageTopic)
	if usageProducerResult.Failure() {
		utils.CaptureErrorResult(usageProducerResult)
		return nil, usageProducerResult.Error()
	}

	alertsProducerResult := initProducer(ctx, kafkaConfig, envVoiceflyKafkaAlertsTopic)
	if alertsProducerResult.Failure() {
		utils.CaptureErrorResult(alertsProducerResult)
		return nil, alertsProducerResult.Error()
	}

	deadLetterProducerResult := initProducer(ctx, kafkaConfig, envVoiceflyKafkaDeadLetterTopic)
	if deadLetterProducerResult.Failure() {
		utils.CaptureErrorResult(deadLetterProducerResult)
		return nil, deadLetterProducerResult.Error()
	}

	maxConns, err := utils.GetEnvAsInt(envVoiceflyDatabaseMaxConnections, 50)
	if err != nil {
		return nil, err
	}

	db, err := database.NewConnection(database.DBConfig{
		Url:      os.Getenv(envDatabaseURL),
		MaxConns: int32(maxConns),
	})
	if err != nil {
		return nil, err
	}

	redisDB, err := initRedisDB(ctx, otelEndpoint != "")
	if err != nil {
		return nil, err
	}

	var cacher models.Cacher = models.NewCacheStore(ctx, redisDB)
	balanceCache := models.NewBalanceCache(&cacher)

	flagSet := utils.GetEnv(envVoiceflyLowBalanceFlagSet, "credits:low_balance_tenants")
	flagStore := models.NewFlagStore(ctx, redisDB, flagSet)

	guardTTL, err := utils.GetEnvAsDuration(envVoiceflyReplayGuardTTL, 24*time.Hour)
	if err != nil {
		return nil, err
	}
	replayGuard := models.NewReplayGuard(ctx, redisDB, guardTTL)

	tierDefaults, err := parseTierDefaults(os.Getenv(envVoiceflyTierDefaults))
	if err != nil {
		return nil, err
	}

	order, err := parseDeductionOrder(os.Getenv(envVoiceflyDeductionOrder))
	if err != nil {
		return nil, err
	}

	lowBalanceThreshold, err := utils.GetEnvAsInt(envVoiceflyLowBalanceThreshold, 50)
	if err != nil {
		return nil, err
	}

	store := models.NewLedgerStore(db)

	costs := ledger.NewCostTable()
	overridesResult := costs.LoadOverrides(store)
	if overridesResult.Failure() {
		// Compiled-in costs still serve, so a missing table is not fatal.
		logger.Warn("could not load feature cost overrides",
			slog.String("error", overridesResult.ErrorMsg()))
	} else if overridesResult.Value() > 0 {
		logger.Info("feature cost overrides loaded",
			slog.Int("count", overridesResult.Value()))
	}

	service := ledger.NewService(ledger.ServiceConfig{
		Store:               store,
		Costs:               costs,
		Producers:           ledger.NewProducerService(usageProducerResult.Value(), alertsProducerResult.Value(), deadLetterProducerResult.Value(), logger),
		BalanceCache:        balanceCache,
		FlagStore:           flagStore,
		ReplayGuard:         replayGuard,
		TierDefaults:        tierDefaults,
		Order:               order,
		LowBalanceThreshold: lowBalanceThreshold,
		Logger:              logger,
	})

	handler := NewHandler(HandlerConfig{
		Service:       service,
		Store:         store,
		DB:            db,
		Logger:        logger,
		WebhookSecret: os.Getenv(envVoiceflyStripeWebhookSecret),
		UpgradeURL:    utils.GetEnv(envVoiceflyUpgradeURL, "https://app.voicefly.com/settings/billing/upgrade"),
		PurchaseURL:   utils.GetEnv(envVoiceflyPurchaseURL, "https://app.voicefly.com/settings/billing/credits"),
	})

	sweepEach, err := utils.GetEnvAsDuration(envVoiceflyRolloverSweepInterval, 0)
	if err != nil {
		return nil, err
	}

	return &serverDeps{
		db:        db,
		store:     store,
		service:   service,
		handler:   handler,
		logger:    logger,
		port:      utils.GetEnv(envVoiceflyHTTPPort, "8080"),
		sweepEach: sweepEach,
	}, nil
}

func setupRouter(deps *serverDeps) *gin.Engine {
	if os.Getenv(envEnv) == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	router.Use(requestLogger(deps.logger))
	router.Use(gin.Recovery())

	deps.handler.RegisterRoutes(router)

	return router
}

// StartServer wires the ledger and serves it until the context is cancelled.
// When a sweep interval is configured, the rollover sweeper runs in-process
// alongside the HTTP server.
func StartServer(ctx context.Context, logger *slog.Logger) error {
	deps, err := buildDeps(ctx, logger)
	if err != nil {
		logger.Error("failed to initialize server", slog.String("error", err.Error()))
		utils.CaptureError(err)
		return err
	}
	defer deps.db.Close()

	srv := &http.Server{
		Addr:         ":" + deps.port,
		Handler:      setupRouter(deps),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	group, groupCtx := errgroup.WithContext(ctx)

	group.Go(func() error {
		deps.logger.Info("starting http server", slog.String("port", deps.port))

		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	group.Go(func() error {
		<-groupCtx.Done()

		deps.logger.Info("shutting down http server")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		return srv.Shutdown(shutdownCtx)
	})

	if deps.sweepEach > 0 {
		group.Go(func() error {
			ticker := time.NewTicker(deps.sweepEach)
			defer ticker.Stop()

			for {
				select {
				case <-groupCtx.Done():
					return nil
				case <-ticker.C:
					if _, err := deps.service.SweepRollovers(); err != nil {
						deps.logger.Error("rollover sweep failed", slog.String("error", err.Error()))
						utils.CaptureError(err)
					}
				}
			}
		})
	}

	return group.Wait()
}
