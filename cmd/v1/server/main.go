package main

import (
	"context"
	"log/slog"
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

	"github.com/playdicee/dicee-server/internal/v1/auth"
	"github.com/playdicee/dicee-server/internal/v1/config"
	"github.com/playdicee/dicee-server/internal/v1/health"
	"github.com/playdicee/dicee-server/internal/v1/lobby"
	"github.com/playdicee/dicee-server/internal/v1/logging"
	"github.com/playdicee/dicee-server/internal/v1/ratelimit"
	"github.com/playdicee/dicee-server/internal/v1/room"
	"github.com/playdicee/dicee-server/internal/v1/store"
	"github.com/playdicee/dicee-server/internal/v1/tracing"
	"github.com/playdicee/dicee-server/internal/v1/transport"
	"github.com/playdicee/dicee-server/internal/v1/types"
)

func main() {
	// Load .env for local development; production relies on real env vars.
	envPaths := []string{".env", "../../../.env", "../../.env"}
	var envLoaded bool
	for _, path := range envPaths {
		if err := godotenv.Load(path); err == nil {
			slog.Info("Loaded environment from", "path", path)
			envLoaded = true
			break
		}
	}
	if !envLoaded {
		slog.Warn("No .env file found, relying on environment variables")
	}

	cfg, err := config.ValidateEnv()
	if err != nil {
		slog.Error("Environment validation failed", "error", err)
		os.Exit(1)
	}

	if err := logging.Initialize(cfg.DevelopmentMode); err != nil {
		slog.Error("Failed to initialize logger", "error", err)
		os.Exit(1)
	}

	// --- Tracing (optional) ---
	if cfg.TracingEnabled {
		tp, err := tracing.InitTracer(context.Background(), "dicee-server", cfg.OTLPEndpoint)
		if err != nil {
			slog.Error("Failed to initialize tracing", "error", err)
			os.Exit(1)
		}
		defer func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = tp.Shutdown(ctx)
		}()
		slog.Info("Tracing initialized", "endpoint", cfg.OTLPEndpoint)
	}

	// --- Auth ---
	skipAuth := cfg.SkipAuth
	if !skipAuth && cfg.DevelopmentMode && (cfg.AuthDomain == "" || cfg.AuthAudience == "") {
		slog.Warn("Development mode without auth credentials, auto-enabling SKIP_AUTH")
		skipAuth = true
	}

	var validator types.TokenValidator
	if skipAuth {
		slog.Warn("Authentication DISABLED - do not use in production")
		validator = &auth.MockValidator{}
	} else {
		if cfg.AuthDomain == "" || cfg.AuthAudience == "" {
			slog.Error("AUTH_DOMAIN and AUTH_AUDIENCE must be set when SKIP_AUTH=false")
			os.Exit(1)
		}
		v, err := auth.NewValidator(context.Background(), cfg.AuthDomain, cfg.AuthAudience)
		if err != nil {
			slog.Error("Failed to create auth validator", "error", err)
			os.Exit(1)
		}
		validator = v
		slog.Info("Auth validator initialized", "domain", cfg.AuthDomain)
	}

	// --- Storage (optional) ---
	// Without Redis the server runs ephemeral: rooms and the lobby live only
	// in process memory and nothing survives a restart.
	var st *store.Store
	if cfg.RedisEnabled {
		st, err = store.NewStore(cfg.RedisAddr, cfg.RedisPassword)
		if err != nil {
			slog.Error("Failed to connect to Redis", "error", err)
			os.Exit(1)
		}
		slog.Info("Redis storage initialized", "addr", cfg.RedisAddr)
	} else {
		slog.Info("Running ephemeral (Redis disabled)")
	}

	limiter, err := ratelimit.NewRateLimiter(cfg, storeClient(st))
	if err != nil {
		slog.Error("Failed to build rate limiter", "error", err)
		os.Exit(1)
	}

	allowedOrigins := auth.GetAllowedOriginsFromEnv("ALLOWED_ORIGINS", []string{"http://localhost:3000"})

	hub := transport.NewHub(validator, st, limiter, transport.Options{
		RoomSettings: room.Settings{
			ReconnectWindow:  cfg.ReconnectWindow,
			TurnGrace:        cfg.TurnGrace,
			AfkWarningWindow: cfg.AfkWarningWindow,
			PauseDebounce:    cfg.PauseDebounce,
			CleanupWindow:    cfg.CleanupWindow,
			ChatHistoryLimit: cfg.ChatHistoryLimit,
		},
		LobbySettings: lobby.Settings{
			InviteTTL:        cfg.InviteTTL,
			JoinRequestTTL:   cfg.JoinRequestTTL,
			StaleThreshold:   cfg.StaleThreshold,
			ChatHistoryLimit: cfg.ChatHistoryLimit,
		},
		AllowedOrigins: allowedOrigins,
	})

	// --- HTTP surface ---
	if !cfg.DevelopmentMode {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.Default()

	corsConfig := cors.DefaultConfig()
	corsConfig.AllowOrigins = allowedOrigins
	router.Use(cors.New(corsConfig))
	router.Use(gin.Recovery())

	wsGroup := router.Group("/ws")
	{
		wsGroup.GET("/lobby", hub.ServeLobbyWs)
		wsGroup.GET("/room/:code", hub.ServeRoomWs)
	}

	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	healthHandler := health.NewHandler(st)
	router.GET("/health/live", healthHandler.Liveness)
	router.GET("/health/ready", healthHandler.Readiness)

	srv := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: router,
	}

	go func() {
		slog.Info("Server starting", "port", cfg.Port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("Failed to run server", "error", err)
			syscall.Kill(os.Getpid(), syscall.SIGTERM)
		}
	}()

	// --- Graceful shutdown ---
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	slog.Info("Shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := hub.Shutdown(ctx); err != nil {
		slog.Error("Error during hub shutdown", "error", err)
	}
	if err := srv.Shutdown(ctx); err != nil {
		slog.Error("Server forced to shutdown", "error", err)
	}
	if st != nil {
		if err := st.Close(); err != nil {
			slog.Error("Failed to close Redis connection", "error", err)
		}
	}

	slog.Info("Server exiting")
}

// storeClient unwraps the raw Redis client for collaborators that speak
// go-redis directly, tolerating a nil store.
func storeClient(st *store.Store) *redis.Client {
	if st == nil {
		return nil
	}
	return st.Client()
}
