package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog"
	zlog "github.com/rs/zerolog/log"

	"github.com/ksred/klear-netting/internal/auth"
	"github.com/ksred/klear-netting/internal/config"
	"github.com/ksred/klear-netting/internal/database"
	"github.com/ksred/klear-netting/internal/netting"
	"github.com/ksred/klear-netting/internal/offset"
	"github.com/ksred/klear-netting/pkg/middleware"

	"github.com/gin-gonic/gin"
)

// setupLogging enables pretty printing outside production and debug
// logging when server.debug is set
func setupLogging(cfg *config.Config) {
	if !cfg.IsProduction() {
		output := zerolog.ConsoleWriter{
			Out:        os.Stdout,
			TimeFormat: time.RFC3339,
		}
		zlog.Logger = zerolog.New(output).With().Timestamp().Logger()
	}

	zerolog.SetGlobalLevel(zerolog.InfoLevel)
	if cfg.Server.Debug {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	}
}

// main runs the netting API server with graceful shutdown support
func main() {
	configPath := flag.String("config", os.Getenv("KLEAR_CONFIG"), "path to a YAML config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		zlog.Fatal().Err(err).Msg("Failed to load configuration")
	}
	setupLogging(cfg)

	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	db, err := database.NewDatabase(cfg.Database.Path, cfg.Server.Debug)
	if err != nil {
		zlog.Fatal().Err(err).Msg("Failed to initialize database")
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	authService := auth.NewService(cfg.Auth.JWTSecret, cfg.Auth.TokenTTL)
	for _, client := range cfg.Auth.Clients {
		authService.RegisterAPICredentials(client.APIKey, client.APISecret, client.Permissions...)
	}

	repo := netting.NewDatabase(db)
	optimizer := netting.NewOptimizer(netting.OptimizerConfig{
		Epsilon:        cfg.Netting.Epsilon,
		ResidualPolicy: netting.ResidualPolicy(cfg.Netting.ResidualPolicy),
	})
	optimizerCfg := optimizer.Config()
	zlog.Info().
		Int64("epsilon", optimizerCfg.Epsilon).
		Str("residual_policy", string(optimizerCfg.ResidualPolicy)).
		Msg("Netting optimizer configured")

	engine := netting.NewEngine(
		repo,
		optimizer,
		netting.WithMetrics(netting.NewMetrics(registry)),
		netting.WithIdempotencyTTL(cfg.Netting.IdempotencyTTL),
	)

	rateLimiter := middleware.NewRateLimiter(middleware.RateLimits{
		Auth:  cfg.RateLimit.Auth,
		Write: cfg.RateLimit.Write,
		Read:  cfg.RateLimit.Read,
	})
	backgroundCtx, backgroundCancel := context.WithCancel(context.Background())
	defer backgroundCancel()
	go rateLimiter.Cleanup(backgroundCtx)
	go netting.NewSweeper(repo, cfg.Netting.SweepInterval, cfg.Netting.IdempotencyRetention).Start(backgroundCtx)

	router := newRouter(routerDeps{
		cfg:         cfg,
		registry:    registry,
		authService: authService,
		netting:     netting.NewGinHandlers(engine),
		offsets:     offset.NewGinHandlers(offset.NewService(offset.NewDatabase(db))),
		rateLimiter: rateLimiter,
	})

	srv := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	go func() {
		zlog.Info().Str("addr", srv.Addr).Str("env", cfg.Server.Env).Msg("Starting netting server")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			zlog.Fatal().Err(err).Msg("listen")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	zlog.Info().Msg("Shutting down server...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		zlog.Fatal().Err(err).Msg("Server forced to shutdown")
	}

	zlog.Info().Msg("Server exiting")
}
