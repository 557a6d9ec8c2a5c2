package main

import (
	"context"
	"errors"
	"fmt"
	"math"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	intDatabase "callsignal-backend/internal/database"
	callHandler "callsignal-backend/internal/handler/http/call"
	pushHandler "callsignal-backend/internal/handler/http/push"
	wsHandler "callsignal-backend/internal/handler/ws"
	"callsignal-backend/internal/middleware"
	"callsignal-backend/internal/repository/cockroach"
	"callsignal-backend/internal/repository/memory"
	redisRepo "callsignal-backend/internal/repository/redis"
	callService "callsignal-backend/internal/service/call"
	"callsignal-backend/pkg/config"
	"callsignal-backend/pkg/constants"
	pkgDatabase "callsignal-backend/pkg/database"
	"callsignal-backend/pkg/jwt"
	"callsignal-backend/pkg/logger"
	"callsignal-backend/pkg/metrics"
	"callsignal-backend/pkg/push"
)

func main() {
	// 1. Load configuration
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid configuration: %v\n", err)
		os.Exit(1)
	}

	if err := logger.Init(&logger.Config{
		Level:    cfg.Log.Level,
		Format:   cfg.Log.Format,
		Output:   cfg.Log.Output,
		FilePath: cfg.Log.FilePath,
	}); err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	ctx, stop := context.WithCancel(context.Background())
	defer stop()

	productionMode := cfg.Server.Environment == "production"

	// 2. Setup JWT Manager
	jwtSecret := cfg.JWT.Secret
	if jwtSecret == "" {
		if productionMode {
			logger.Fatal("JWT_SECRET environment variable is required")
		}
		jwtSecret = "development-only-secret-change-me-please"
		logger.Warn("JWT_SECRET not set, using the development secret")
	}
	jwtManager := jwt.NewJWTManager(jwtSecret, cfg.JWT.AccessTokenExpiry)

	// 3. Initialize Metrics
	appMetrics := metrics.NewMetrics(cfg.Server.ServiceName)
	prometheusMiddleware := middleware.NewPrometheusMiddleware(appMetrics)

	// 4. Connect to CockroachDB with exponential backoff retry
	db, err := connectCockroach(ctx, cfg.Database)
	var callRepo callService.Repository
	if err != nil {
		if productionMode {
			logger.Fatal("Failed to connect to CockroachDB", zap.Error(err))
		}
		logger.Warn("Running with in-memory call storage; calls are lost on restart", zap.Error(err))
		callRepo = memory.NewCallRepository()
	} else {
		defer db.Close()
		cockroachRepo := cockroach.NewCallRepository(db.Pool)
		if err := cockroachRepo.EnsureSchema(ctx); err != nil {
			logger.Fatal("Failed to prepare call schema", zap.Error(err))
		}
		callRepo = cockroachRepo
	}

	// 5. Initialize Redis with degraded mode support
	redisDB := intDatabase.NewRedisClient(cfg.Redis, appMetrics)
	defer redisDB.Close()
	if err := redisDB.HealthCheck(ctx); err != nil {
		logger.Warn("Redis unavailable, starting in degraded mode", zap.Error(err))
	} else {
		logger.Info("Connected to Redis")
	}
	go redisDB.StartHealthCheck(ctx, 10*time.Second)

	// 6. Initialize Push Service
	pushProvider, err := push.NewProvider(ctx, cfg.Push)
	if err != nil {
		if productionMode {
			logger.Fatal("Failed to initialize push provider", zap.Error(err))
		}
		logger.Warn("Falling back to mock push provider", zap.Error(err))
		pushProvider = &push.MockProvider{}
	}
	pushSvc := push.NewService(pushProvider, redisRepo.NewPushTokenRepository(redisDB))

	// 7. Initialize call event hub and the call service
	callEvents := redisRepo.NewCallEventRepository(redisDB)
	eventHub := wsHandler.NewCallEventHub(callEvents, appMetrics, wsHandler.HubConfig{
		AllowedOrigins: cfg.Server.AllowedOrigins,
	})

	callSvc := callService.NewService(callRepo,
		callService.Config{
			RingTimeout:  cfg.Call.RingTimeout,
			HistoryLimit: cfg.Call.HistoryLimit,
		},
		callService.WithPublisher(wsHandler.NewFallbackPublisher(callEvents, eventHub)),
		callService.WithNotifier(pushSvc),
		callService.WithMetrics(appMetrics),
	)

	if cfg.Call.RingTimeout > 0 {
		go callSvc.RunSweeper(ctx, cfg.Call.SweepInterval)
		logger.Info("Call sweeper started",
			zap.Duration("ring_timeout", cfg.Call.RingTimeout),
			zap.Duration("interval", cfg.Call.SweepInterval))
	}

	// 8. Initialize Handlers
	callHdlr := callHandler.NewHandler(callSvc, cfg.ICE)
	pushHdlr := pushHandler.NewHandler(pushSvc)

	// 9. Setup Gin Router
	if productionMode {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	if err := router.SetTrustedProxies(nil); err != nil {
		logger.Warn("Failed to configure trusted proxies", zap.Error(err))
	}

	router.Use(middleware.Recovery())
	router.Use(middleware.RequestLogger())
	router.Use(middleware.SecurityHeaders())
	router.Use(middleware.CORSMiddleware(cfg.Server.AllowedOrigins))
	router.Use(prometheusMiddleware.Handler())
	router.Use(middleware.Timeout(cfg.Server.RequestTimeout))
	if db != nil {
		router.Use(middleware.NewDBPoolLimiter(db.Pool, 0.9).Middleware())
	}

	router.GET("/health", func(c *gin.Context) {
		status := "healthy"
		if redisDB.IsDegraded() {
			status = "degraded"
		}
		c.JSON(http.StatusOK, gin.H{
			"status":  status,
			"service": cfg.Server.ServiceName,
			"time":    time.Now().UTC(),
		})
	})
	router.GET("/metrics", middleware.MetricsHandler(appMetrics))

	revocationChecker := middleware.NewRedisRevocationChecker(redisDB)

	v1 := router.Group("/v1")
	v1.Use(middleware.AuthMiddleware(jwtManager, revocationChecker))
	if cfg.Server.RateLimit > 0 {
		v1.Use(middleware.NewRateLimiter(redisDB, cfg.Server.RateLimit, time.Minute).Middleware())
	}
	{
		v1.GET("/calls/ws", eventHub.ServeWS(callSvc))
		callHdlr.RegisterRoutes(v1)
		pushHdlr.RegisterRoutes(v1)
	}

	// 10. Start server
	server := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info("Call service starting",
			zap.Int("port", cfg.Server.Port),
			zap.String("environment", cfg.Server.Environment),
			zap.Int("ice_servers", len(cfg.ICE)))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("Failed to start server", zap.Error(err))
		}
	}()

	// 11. Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down server...")
	stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), constants.GracefulShutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("Server forced to shutdown", zap.Error(err))
	}
	// Hijacked WebSocket connections outlive Shutdown
	eventHub.Close()

	logger.Info("Server exited")
}

// connectCockroach dials with exponential backoff: 1s, 2s, 4s... capped at 30s
func connectCockroach(ctx context.Context, cfg config.DatabaseConfig) (*pkgDatabase.CockroachDB, error) {
	const maxRetries = 5
	baseDelay := 1 * time.Second
	maxDelay := 30 * time.Second

	db, err := pkgDatabase.NewCockroachDB(ctx, cfg)
	if err == nil {
		logger.Info("Connected to CockroachDB")
		return db, nil
	}

	for attempt := 2; attempt <= maxRetries; attempt++ {
		delay := time.Duration(float64(baseDelay) * math.Pow(2, float64(attempt-2)))
		if delay > maxDelay {
			delay = maxDelay
		}
		logger.Warn("CockroachDB connection failed, retrying",
			zap.Int("attempt", attempt-1),
			zap.Duration("retry_in", delay),
			zap.Error(err))

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(delay):
		}

		db, err = pkgDatabase.NewCockroachDB(ctx, cfg)
		if err == nil {
			logger.Info("Connected to CockroachDB", zap.Int("attempt", attempt))
			return db, nil
		}
	}
	return nil, fmt.Errorf("connect to CockroachDB after %d attempts: %w", maxRetries, err)
}
