package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	otelgin "go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"go.uber.org/zap"

	"github.com/opentalk-go/controller/backend/go/internal/v1/auth"
	"github.com/opentalk-go/controller/backend/go/internal/v1/automod"
	"github.com/opentalk-go/controller/backend/go/internal/v1/bus"
	"github.com/opentalk-go/controller/backend/go/internal/v1/cache"
	"github.com/opentalk-go/controller/backend/go/internal/v1/config"
	"github.com/opentalk-go/controller/backend/go/internal/v1/health"
	"github.com/opentalk-go/controller/backend/go/internal/v1/logging"
	"github.com/opentalk-go/controller/backend/go/internal/v1/media"
	"github.com/opentalk-go/controller/backend/go/internal/v1/middleware"
	"github.com/opentalk-go/controller/backend/go/internal/v1/modhost"
	"github.com/opentalk-go/controller/backend/go/internal/v1/ratelimit"
	"github.com/opentalk-go/controller/backend/go/internal/v1/runtime"
	"github.com/opentalk-go/controller/backend/go/internal/v1/sfupool"
	"github.com/opentalk-go/controller/backend/go/internal/v1/tracing"
)

// .env is optional; in containers config comes from the environment directly.
func loadDotEnv() {
	for _, path := range []string{".env", "../.env", "../../.env"} {
		if err := godotenv.Load(path); err == nil {
			return
		}
	}
}

func main() {
	loadDotEnv()

	cfg, err := config.ValidateEnv()
	if err != nil {
		panic(err)
	}

	if err := logging.Initialize(cfg.DevelopmentMode); err != nil {
		panic(err)
	}
	log := logging.GetLogger()
	defer log.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if collectorAddr := os.Getenv("OTEL_COLLECTOR_ADDR"); collectorAddr != "" {
		tp, err := tracing.InitTracer(ctx, "opentalk-controller", collectorAddr)
		if err != nil {
			log.Warn("tracing disabled: failed to initialize tracer provider", zap.Error(err))
		} else {
			defer func() {
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				_ = tp.Shutdown(shutdownCtx)
			}()
		}
	}

	cacheGw, err := cache.New(cfg.RedisAddr, cfg.RedisPassword, 0)
	if err != nil {
		log.Fatal("failed to connect cache gateway", zap.Error(err))
	}
	defer cacheGw.Close()

	busGw, err := bus.New(cfg.RedisAddr, cfg.RedisPassword, 0)
	if err != nil {
		log.Fatal("failed to connect bus gateway", zap.Error(err))
	}
	defer busGw.Close()

	pool := sfupool.New(cacheGw, busGw, cfg.RoomConfig, log)
	if err := pool.Start(ctx, cfg.SFUBackends); err != nil {
		log.Fatal("failed to start sfu pool", zap.Error(err))
	}
	defer pool.Close(context.Background())

	registry := modhost.NewRegistry()
	registry.Register(media.Namespace, media.NewFactory(pool, log))
	registry.Register(automod.Namespace, automod.NewFactory(log))

	var validator runtime.TokenValidator
	if cfg.SkipAuth {
		log.Warn("SKIP_AUTH is enabled, accepting every websocket token unchecked")
		validator = &auth.MockValidator{}
	} else {
		v, err := auth.NewValidator(ctx, cfg.Auth0Domain, cfg.Auth0Audience)
		if err != nil {
			log.Fatal("failed to build auth validator", zap.Error(err))
		}
		validator = v
	}

	allowedOrigins := auth.GetAllowedOriginsFromEnv("ALLOWED_ORIGINS", []string{"http://localhost:3000"})

	hub := runtime.NewHub(validator, cacheGw, busGw, registry, allowedOrigins, log)

	var redisClient *redis.Client
	if cfg.RedisEnabled {
		redisClient = redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
	}
	limiter, err := ratelimit.NewRateLimiter(cfg, redisClient)
	if err != nil {
		log.Fatal("failed to build rate limiter", zap.Error(err))
	}

	healthHandler := health.NewHandler(cacheGw, busGw, pool)

	if cfg.GoEnv == "production" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(otelgin.Middleware("opentalk-controller"))
	router.Use(middleware.CorrelationID())

	corsConfig := cors.DefaultConfig()
	corsConfig.AllowOrigins = allowedOrigins
	corsConfig.AllowCredentials = true
	corsConfig.AllowHeaders = append(corsConfig.AllowHeaders, "Authorization")
	router.Use(cors.New(corsConfig))

	router.Use(limiter.GlobalMiddleware())

	router.GET("/health/live", healthHandler.Liveness)
	router.GET("/health/ready", healthHandler.Readiness)
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	signalingGroup := router.Group("/signaling")
	signalingGroup.GET("/hub/:roomId", hub.ServeWs)

	srv := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: router,
	}

	go func() {
		log.Info("controller listening", zap.String("port", cfg.Port))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("http server failed", zap.Error(err))
		}
	}()

	<-ctx.Done()
	log.Info("shutdown signal received, draining connections")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	hub.Shutdown(shutdownCtx)
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("http server shutdown error", zap.Error(err))
	}
}
