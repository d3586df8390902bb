// Command server starts the streamloop session manager HTTP service.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sort"
	"strconv"
	"strings"
	"syscall"
	"time"

	"streamloop/internal/api"
	"streamloop/internal/auth"
	"streamloop/internal/events"
	"streamloop/internal/observability/logging"
	"streamloop/internal/observability/metrics"
	"streamloop/internal/recovery"
	"streamloop/internal/schedule"
	"streamloop/internal/server"
	"streamloop/internal/storage"
	"streamloop/internal/stream"
	"streamloop/internal/supervisor"
	"streamloop/internal/videos"
)

type keyValueFlag map[string]string

func (kv *keyValueFlag) String() string {
	if kv == nil || len(*kv) == 0 {
		return ""
	}
	parts := make([]string, 0, len(*kv))
	for key, value := range *kv {
		parts = append(parts, fmt.Sprintf("%s=%s", key, value))
	}
	sort.Strings(parts)
	return strings.Join(parts, ",")
}

func (kv *keyValueFlag) Set(value string) error {
	owner, token, found := strings.Cut(value, "=")
	owner = strings.TrimSpace(owner)
	token = strings.TrimSpace(token)
	if !found || owner == "" || token == "" {
		return fmt.Errorf("invalid format %q, expected owner=token", value)
	}
	if *kv == nil {
		*kv = make(map[string]string)
	}
	(*kv)[owner] = token
	return nil
}

func main() {
	addr := flag.String("addr", "", "HTTP listen address")
	mode := flag.String("mode", "", "server runtime mode (development or production)")
	dataPath := flag.String("data", "", "path to the JSON session store")
	storageDriver := flag.String("storage-driver", "", "session store driver (json or postgres)")
	postgresDSN := flag.String("postgres-dsn", "", "Postgres connection string")
	postgresMaxConns := flag.Int("postgres-max-conns", 0, "maximum connections in the Postgres pool")
	postgresMinConns := flag.Int("postgres-min-conns", 0, "minimum idle connections maintained by the Postgres pool")
	postgresMaxConnLifetime := flag.Duration("postgres-max-conn-lifetime", 0, "maximum lifetime for a pooled Postgres connection")
	postgresMaxConnIdle := flag.Duration("postgres-max-conn-idle", 0, "maximum idle time for a pooled Postgres connection")
	postgresHealthInterval := flag.Duration("postgres-health-interval", 0, "interval between Postgres health checks")
	postgresAppName := flag.String("postgres-app-name", "", "application_name reported to Postgres")
	lockTimeout := flag.Duration("store-lock-timeout", 0, "how long a store operation waits for the exclusive lock")
	videosDir := flag.String("videos-dir", "", "directory holding source video files")
	unitPrefix := flag.String("unit-prefix", "", "prefix for generated systemd unit names")
	unitDir := flag.String("unit-dir", "", "directory where unit files are written")
	ffmpegPath := flag.String("ffmpeg-path", "", "path to the ffmpeg binary")
	systemctlPath := flag.String("systemctl-path", "", "path to the systemctl binary")
	supervisorDriver := flag.String("supervisor-driver", "", "process supervisor driver (systemd or noop)")
	tlsCert := flag.String("tls-cert", "", "path to TLS certificate file")
	tlsKey := flag.String("tls-key", "", "path to TLS private key file")
	logLevel := flag.String("log-level", "info", "log level (debug, info, warn, error)")
	logFormat := flag.String("log-format", "", "log output format (json or text)")
	globalRPS := flag.Float64("rate-global-rps", 0, "global request rate limit in requests per second")
	globalBurst := flag.Int("rate-global-burst", 0, "global rate limit burst allowance")
	reconcileInterval := flag.Duration("reconcile-interval", 0, "interval between background reconciliation sweeps")
	queueDriver := flag.String("events-queue-driver", "", "event queue driver (memory or redis)")
	redisAddr := flag.String("events-redis-addr", "", "Redis address for event fan-out")
	redisUsername := flag.String("events-redis-username", "", "Redis username for event fan-out")
	redisPassword := flag.String("events-redis-password", "", "Redis password for event fan-out")
	redisStream := flag.String("events-redis-stream", "", "Redis stream key for update events")
	redisGroup := flag.String("events-redis-group", "", "Redis consumer group for update events")
	redisPoolSize := flag.Int("events-redis-pool-size", 0, "maximum Redis connections for event fan-out")
	redisTLSCA := flag.String("events-redis-tls-ca", "", "path to Redis TLS CA certificate")
	redisTLSCert := flag.String("events-redis-tls-cert", "", "path to Redis TLS client certificate")
	redisTLSKey := flag.String("events-redis-tls-key", "", "path to Redis TLS client key")
	redisTLSServerName := flag.String("events-redis-tls-server-name", "", "override Redis TLS server name")
	redisTLSSkipVerify := flag.Bool("events-redis-tls-skip-verify", false, "skip Redis TLS verification")
	var apiTokens keyValueFlag
	flag.Var(&apiTokens, "api-token", "API token pair (owner=token), repeatable")
	flag.Parse()

	logger := logging.Init(logging.Config{
		Level:  firstNonEmpty(*logLevel, os.Getenv("STREAMLOOP_LOG_LEVEL")),
		Format: resolveLogFormat(*logFormat, os.Getenv("STREAMLOOP_LOG_FORMAT")),
	})
	recorder := metrics.Default()

	serverMode := modeValue(*mode, os.Getenv("STREAMLOOP_MODE"))
	listenAddr := resolveListenAddr(*addr, serverMode, os.Getenv("STREAMLOOP_ADDR"))

	tokens, err := resolveTokens(apiTokens, os.Getenv("STREAMLOOP_API_TOKENS"))
	if err != nil {
		logger.Error("failed to parse api tokens", "error", err)
		os.Exit(1)
	}
	authenticator, err := auth.NewAuthenticator(tokens)
	if err != nil {
		logger.Error("failed to configure authentication", "error", err)
		os.Exit(1)
	}
	if !authenticator.Enabled() {
		if serverMode == "production" {
			logger.Error("production mode requires at least one api token (STREAMLOOP_API_TOKENS)")
			os.Exit(1)
		}
		logger.Warn("no api tokens configured, all requests act as the default owner", "owner", auth.DefaultOwner)
	}

	var options []storage.Option
	if timeout := resolveDuration(*lockTimeout, "STREAMLOOP_STORE_LOCK_TIMEOUT", 0); timeout > 0 {
		options = append(options, storage.WithLockTimeout(timeout))
	}

	postgresDefaultDSN := resolvePostgresDSN(*postgresDSN)
	driver := resolveStorageDriver(*storageDriver, os.Getenv("STREAMLOOP_STORAGE_DRIVER"), postgresDefaultDSN)
	var store storage.Repository
	switch driver {
	case "json":
		dataFile := resolveDataPath(*dataPath, os.Getenv("STREAMLOOP_DATA"))
		store, err = storage.NewJSONRepository(dataFile, options...)
	case "postgres":
		if postgresDefaultDSN == "" {
			logger.Error("postgres storage selected without DSN")
			os.Exit(1)
		}
		pgOptions := append([]storage.Option(nil), options...)
		maxConns := resolveInt(*postgresMaxConns, "STREAMLOOP_POSTGRES_MAX_CONNS")
		minConns := resolveInt(*postgresMinConns, "STREAMLOOP_POSTGRES_MIN_CONNS")
		if maxConns > 0 || minConns > 0 {
			pgOptions = append(pgOptions, storage.WithPostgresPoolLimits(int32(maxConns), int32(minConns)))
		}
		maxLifetime := resolveDuration(*postgresMaxConnLifetime, "STREAMLOOP_POSTGRES_MAX_CONN_LIFETIME", 0)
		maxIdle := resolveDuration(*postgresMaxConnIdle, "STREAMLOOP_POSTGRES_MAX_CONN_IDLE", 0)
		healthInterval := resolveDuration(*postgresHealthInterval, "STREAMLOOP_POSTGRES_HEALTH_INTERVAL", 0)
		if maxLifetime > 0 || maxIdle > 0 || healthInterval > 0 {
			pgOptions = append(pgOptions, storage.WithPostgresPoolDurations(maxLifetime, maxIdle, healthInterval))
		}
		if appName := firstNonEmpty(*postgresAppName, os.Getenv("STREAMLOOP_POSTGRES_APP_NAME")); appName != "" {
			pgOptions = append(pgOptions, storage.WithPostgresApplicationName(appName))
		}
		store, err = storage.NewPostgresRepository(postgresDefaultDSN, pgOptions...)
	default:
		logger.Error("unsupported storage driver", "driver", driver)
		os.Exit(1)
	}
	if err != nil {
		logger.Error("failed to open session store", "error", err)
		os.Exit(1)
	}

	library, err := videos.NewLibrary(resolveVideosDir(*videosDir, os.Getenv("STREAMLOOP_VIDEOS_DIR")))
	if err != nil {
		logger.Error("failed to open video library", "error", err)
		os.Exit(1)
	}

	sup, err := configureSupervisor(*supervisorDriver, supervisor.SystemdConfig{
		UnitPrefix:    firstNonEmpty(*unitPrefix, os.Getenv("STREAMLOOP_UNIT_PREFIX")),
		UnitDir:       firstNonEmpty(*unitDir, os.Getenv("STREAMLOOP_UNIT_DIR")),
		SystemctlPath: firstNonEmpty(*systemctlPath, os.Getenv("STREAMLOOP_SYSTEMCTL_PATH")),
		FFmpegPath:    firstNonEmpty(*ffmpegPath, os.Getenv("STREAMLOOP_FFMPEG_PATH")),
		Logger:        logger,
	}, logger)
	if err != nil {
		logger.Error("failed to configure supervisor", "error", err)
		os.Exit(1)
	}

	queueCfg := events.RedisQueueConfig{
		Addr:     firstNonEmpty(*redisAddr, os.Getenv("STREAMLOOP_EVENTS_REDIS_ADDR")),
		Username: firstNonEmpty(*redisUsername, os.Getenv("STREAMLOOP_EVENTS_REDIS_USERNAME")),
		Password: firstNonEmpty(*redisPassword, os.Getenv("STREAMLOOP_EVENTS_REDIS_PASSWORD")),
		Stream:   firstNonEmpty(*redisStream, os.Getenv("STREAMLOOP_EVENTS_REDIS_STREAM")),
		Group:    firstNonEmpty(*redisGroup, os.Getenv("STREAMLOOP_EVENTS_REDIS_GROUP")),
		PoolSize: resolveInt(*redisPoolSize, "STREAMLOOP_EVENTS_REDIS_POOL_SIZE"),
		TLS: events.RedisTLSConfig{
			CAFile:             firstNonEmpty(*redisTLSCA, os.Getenv("STREAMLOOP_EVENTS_REDIS_TLS_CA")),
			CertFile:           firstNonEmpty(*redisTLSCert, os.Getenv("STREAMLOOP_EVENTS_REDIS_TLS_CERT")),
			KeyFile:            firstNonEmpty(*redisTLSKey, os.Getenv("STREAMLOOP_EVENTS_REDIS_TLS_KEY")),
			ServerName:         firstNonEmpty(*redisTLSServerName, os.Getenv("STREAMLOOP_EVENTS_REDIS_TLS_SERVER_NAME")),
			InsecureSkipVerify: resolveBool(*redisTLSSkipVerify, "STREAMLOOP_EVENTS_REDIS_TLS_SKIP_VERIFY"),
		},
	}
	queue, err := configureEventQueue(*queueDriver, queueCfg, logger)
	if err != nil {
		logger.Error("failed to configure event queue", "error", err)
		os.Exit(1)
	}

	notifier, err := events.NewNotifier(events.NotifierConfig{
		Queue:  queue,
		Store:  store,
		Videos: library,
		Logger: logger,
	})
	if err != nil {
		logger.Error("failed to configure notifier", "error", err)
		os.Exit(1)
	}
	gateway := events.NewGateway(events.GatewayConfig{
		Queue:  queue,
		Logger: logger,
	})

	manager, err := stream.NewManager(stream.Config{
		Store:      store,
		Supervisor: sup,
		Videos:     library,
		Logger:     logger,
		Recorder:   recorder,
	})
	if err != nil {
		logger.Error("failed to configure lifecycle manager", "error", err)
		os.Exit(1)
	}
	reconciler, err := recovery.NewReconciler(recovery.Config{
		Store:      store,
		Supervisor: sup,
		Videos:     library,
		Logger:     logger,
		Recorder:   recorder,
	})
	if err != nil {
		logger.Error("failed to configure reconciler", "error", err)
		os.Exit(1)
	}
	scheduler, err := schedule.NewScheduler(schedule.Config{
		Store:     store,
		Lifecycle: manager,
		Videos:    library,
		Logger:    logger,
		Recorder:  recorder,
		OnChange: func(kind string) {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			switch kind {
			case "schedules":
				notifier.SchedulesUpdated(ctx)
			case "sessions":
				notifier.SessionsUpdated(ctx)
			}
		},
	})
	if err != nil {
		logger.Error("failed to configure scheduler", "error", err)
		os.Exit(1)
	}

	bootCtx, bootCancel := context.WithTimeout(context.Background(), time.Minute)
	if result, err := reconciler.Run(bootCtx); err != nil {
		logger.Error("startup reconciliation failed", "error", err)
	} else {
		logger.Info("startup reconciliation complete",
			"recovered", result.Recovered,
			"moved_to_inactive", result.MovedToInactive,
			"orphans_removed", result.OrphansRemoved)
	}
	if rearmed, err := scheduler.Restore(bootCtx); err != nil {
		logger.Error("failed to restore schedules", "error", err)
	} else {
		logger.Info("schedules restored", "rearmed", rearmed)
	}
	bootCancel()

	handler := &api.Handler{
		Store:      store,
		Manager:    manager,
		Reconciler: reconciler,
		Scheduler:  scheduler,
		Videos:     library,
		Auth:       authenticator,
		Gateway:    gateway,
		Notifier:   notifier,
		Logger:     logger,
	}

	workerCtx, workerCancel := context.WithCancel(context.Background())
	defer workerCancel()
	interval := resolveDuration(*reconcileInterval, "STREAMLOOP_RECONCILE_INTERVAL", 5*time.Minute)
	reconcileStop := startReconcileWorker(workerCtx, logging.WithComponent(logger, "reconcile-worker"), reconciler, notifier, interval)
	defer reconcileStop()

	srv, err := server.New(handler, server.Config{
		Addr: listenAddr,
		TLS: server.TLSConfig{
			CertFile: firstNonEmpty(*tlsCert, os.Getenv("STREAMLOOP_TLS_CERT")),
			KeyFile:  firstNonEmpty(*tlsKey, os.Getenv("STREAMLOOP_TLS_KEY")),
		},
		RateLimit: server.RateLimitConfig{
			GlobalRPS:   resolveFloat(*globalRPS, "STREAMLOOP_RATE_GLOBAL_RPS"),
			GlobalBurst: resolveInt(*globalBurst, "STREAMLOOP_RATE_GLOBAL_BURST"),
		},
		Logger:  logger,
		Metrics: recorder,
	})
	if err != nil {
		logger.Error("failed to initialise server", "error", err)
		os.Exit(1)
	}

	errs := make(chan error, 1)
	go func() {
		logger.Info("streamloop API listening", "addr", listenAddr, "mode", serverMode, "storage_driver", driver)
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errs <- err
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-quit:
		logger.Info("received shutdown signal", "signal", sig.String())
	case err := <-errs:
		logger.Error("server error", "error", err)
	}

	workerCancel()
	reconcileStop()
	scheduler.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		logger.Warn("graceful shutdown failed", "error", err)
	}
	gateway.Close()
	if err := store.Close(ctx); err != nil {
		logger.Warn("failed to close session store", "error", err)
	}

	logger.Info("server stopped")
}

func configureSupervisor(driver string, cfg supervisor.SystemdConfig, logger *slog.Logger) (supervisor.Supervisor, error) {
	driver = strings.ToLower(strings.TrimSpace(firstNonEmpty(driver, os.Getenv("STREAMLOOP_SUPERVISOR_DRIVER"))))
	switch driver {
	case "", "systemd":
		cfg.Logger = logging.WithComponent(logger, "supervisor")
		return supervisor.NewSystemd(cfg), nil
	case "noop":
		return supervisor.NoopSupervisor{}, nil
	default:
		return nil, fmt.Errorf("unsupported supervisor driver %q", driver)
	}
}

func configureEventQueue(driver string, cfg events.RedisQueueConfig, logger *slog.Logger) (events.Queue, error) {
	driver = strings.ToLower(strings.TrimSpace(firstNonEmpty(driver, os.Getenv("STREAMLOOP_EVENTS_QUEUE_DRIVER"))))
	switch driver {
	case "redis":
		if strings.TrimSpace(cfg.Addr) == "" {
			return nil, fmt.Errorf("redis addr is required for the event queue")
		}
		cfg.Logger = logging.WithComponent(logger, "event-queue")
		return events.NewRedisQueue(cfg)
	case "", "memory":
		return events.NewMemoryQueue(128), nil
	default:
		return nil, fmt.Errorf("unsupported event queue driver %q", driver)
	}
}

func resolveTokens(flagTokens map[string]string, envTokens string) (map[string]string, error) {
	if len(flagTokens) > 0 {
		return flagTokens, nil
	}
	if strings.TrimSpace(envTokens) == "" {
		return nil, nil
	}
	return auth.ParsePairs(splitAndTrim(envTokens))
}

func resolveLogFormat(flagValue, envValue string) string {
	raw := strings.ToLower(strings.TrimSpace(firstNonEmpty(flagValue, envValue)))
	if raw == string(logging.FormatText) {
		return string(logging.FormatText)
	}
	return string(logging.FormatJSON)
}

func resolveListenAddr(flagValue, mode, envAddr string) string {
	listenAddr := strings.TrimSpace(flagValue)
	if listenAddr == "" {
		listenAddr = strings.TrimSpace(envAddr)
	}
	if listenAddr == "" {
		listenAddr = defaultListenForMode(mode)
	}
	return listenAddr
}

func modeValue(flagMode, envMode string) string {
	mode := strings.ToLower(strings.TrimSpace(flagMode))
	if mode == "" {
		mode = strings.ToLower(strings.TrimSpace(envMode))
	}
	if mode == "" {
		mode = "development"
	}
	return mode
}

func defaultListenForMode(mode string) string {
	if mode == "production" {
		return ":80"
	}
	return ":8080"
}

func resolveStorageDriver(flagValue, envValue, postgresDSN string) string {
	if driver := strings.ToLower(strings.TrimSpace(flagValue)); driver != "" {
		return driver
	}
	if driver := strings.ToLower(strings.TrimSpace(envValue)); driver != "" {
		return driver
	}
	if strings.TrimSpace(postgresDSN) != "" {
		return "postgres"
	}
	return "json"
}

func resolveDataPath(flagValue, envValue string) string {
	if flagValue != "" {
		return flagValue
	}
	if env := strings.TrimSpace(envValue); env != "" {
		return env
	}
	return "data/sessions.json"
}

func resolveVideosDir(flagValue, envValue string) string {
	if flagValue != "" {
		return flagValue
	}
	if env := strings.TrimSpace(envValue); env != "" {
		return env
	}
	return "videos"
}

func resolvePostgresDSN(flagValue string) string {
	return strings.TrimSpace(firstNonEmpty(flagValue, os.Getenv("STREAMLOOP_POSTGRES_DSN"), os.Getenv("DATABASE_URL")))
}

func firstNonEmpty(values ...string) string {
	for _, value := range values {
		trimmed := strings.TrimSpace(value)
		if trimmed != "" {
			return trimmed
		}
	}
	return ""
}

func splitAndTrim(raw string) []string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed != "" {
			out = append(out, trimmed)
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

func resolveFloat(flagValue float64, envKey string) float64 {
	if flagValue > 0 {
		return flagValue
	}
	if env := os.Getenv(envKey); env != "" {
		if value, err := strconv.ParseFloat(strings.TrimSpace(env), 64); err == nil {
			return value
		}
	}
	return 0
}

func resolveInt(flagValue int, envKey string) int {
	if flagValue > 0 {
		return flagValue
	}
	if env := os.Getenv(envKey); env != "" {
		if value, err := strconv.Atoi(strings.TrimSpace(env)); err == nil {
			return value
		}
	}
	return 0
}

func resolveDuration(flagValue time.Duration, envKey string, fallback time.Duration) time.Duration {
	if flagValue > 0 {
		return flagValue
	}
	if env := os.Getenv(envKey); env != "" {
		if value, err := time.ParseDuration(env); err == nil {
			return value
		}
	}
	if fallback > 0 {
		return fallback
	}
	return 0
}

func resolveBool(flagValue bool, envKey string) bool {
	if flagValue {
		return true
	}
	if env, ok := os.LookupEnv(envKey); ok {
		if value, err := strconv.ParseBool(strings.TrimSpace(env)); err == nil {
			return value
		}
	}
	return false
}
