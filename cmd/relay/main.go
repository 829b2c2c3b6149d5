package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"relaycast/internal/core/domain"
	"relaycast/internal/core/services"
	httphandlers "relaycast/internal/handlers/http"
	"relaycast/internal/infrastructure/middleware"
	"relaycast/internal/infrastructure/monitoring"
	"relaycast/internal/infrastructure/relay"
	repositories "relaycast/internal/infrastructure/repositories"
	"relaycast/internal/infrastructure/transcoder"
	"relaycast/pkg/config"
	"relaycast/pkg/logger"
	"relaycast/pkg/tracing"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func main() {
	// Try multiple config paths
	configPaths := []string{
		"configs/config.yaml",
		"./configs/config.yaml",
		"/etc/relaycast/config.yaml",
		"config.yaml",
	}

	var cfg *config.Config
	var err error

	for _, path := range configPaths {
		cfg, err = config.Load(path)
		if err == nil {
			break
		}
	}

	if err != nil {
		// Fallback to defaults if config cannot be loaded
		cfg = config.DefaultConfig()
	}

	// Initialize logger
	zapLogger := logger.New(cfg.Logging.Level, cfg.Logging.Format)
	defer zapLogger.Sync()

	log := zapLogger.Sugar()

	// Initialize tracing
	tracerProvider, err := tracing.Init(tracing.Config{
		Enabled:     cfg.Tracing.Enabled,
		ServiceName: cfg.Tracing.ServiceName,
		JaegerURL:   cfg.Tracing.JaegerURL,
		Environment: cfg.Tracing.Environment,
		SampleRate:  cfg.Tracing.SampleRate,
	})
	if err != nil {
		log.Fatalw("failed to initialize tracing", "error", err)
	}

	// Initialize repository factory
	repoFactory, err := repositories.NewRepositoryFactory(cfg, log)
	if err != nil {
		log.Fatalw("failed to create repository factory", "error", err)
	}
	defer repoFactory.Close()

	sessionRepo := repoFactory.CreateSessionRepository()

	// Initialize services
	sessionService := services.NewSessionService(sessionRepo, log)
	endpointService := services.NewEndpointService(
		endpointTemplatesFromConfig(cfg),
		profilesFromConfig(cfg),
	)

	// Initialize monitoring
	collector := monitoring.NewPrometheusCollector()

	// Initialize transcoder factory and websocket relay
	transcoderFactory := transcoder.NewFactory(cfg.Transcoder.BinaryPath, log)
	wsServer := relay.NewWebSocketServer(cfg, sessionService, endpointService, transcoderFactory, collector, log)

	// Initialize HTTP handlers
	sessionHandler := httphandlers.NewSessionHandler(sessionService, repoFactory.HealthCheck)

	// Configure Gin
	if cfg.Logging.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.Default()

	// Global HTTP rate limiting (if enabled)
	router.Use(middleware.NewHTTPRateLimitMiddleware(cfg))
	router.Use(middleware.RequestLoggerMiddleware(logger.NewContextLogger(zapLogger)))
	if cfg.Tracing.Enabled {
		router.Use(middleware.TracingMiddleware())
	}

	// Session bookkeeping + health endpoints
	sessionHandler.SetupRoutes(router)

	// Publisher control channel
	router.GET("/ws", gin.WrapF(wsServer.HandleWebSocket))

	// Prometheus metrics endpoint
	if cfg.Monitoring.PrometheusEnabled {
		router.GET("/metrics", gin.WrapH(promhttp.Handler()))
		log.Info("Prometheus metrics enabled")
	}

	// Create HTTP server with timeouts
	srv := &http.Server{
		Addr:         cfg.Server.Address,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	// Start server in goroutine
	serverErr := make(chan error, 1)
	go func() {
		log.Infof("Starting relaycast server on %s", cfg.Server.Address)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serverErr <- err
		}
	}()

	// Wait for shutdown signals or server error
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-serverErr:
		log.Fatalw("Server failed", "error", err)
	case sig := <-sigChan:
		log.Infow("Received shutdown signal", "signal", sig)
	}

	log.Info("Shutting down relaycast server...")

	// Create shutdown context with timeout
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()

	// Shutdown HTTP server gracefully
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Errorw("Error during server shutdown", "error", err)
		// Force close if graceful shutdown fails
		if closeErr := srv.Close(); closeErr != nil {
			log.Errorw("Error force closing server", "error", closeErr)
		}
	} else {
		log.Info("Server shutdown gracefully")
	}

	// Flush traces before exit
	traceCtx, traceCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer traceCancel()
	if err := tracerProvider.Shutdown(traceCtx); err != nil {
		log.Errorw("Error shutting down tracer provider", "error", err)
	}
}

// endpointTemplatesFromConfig maps configured URI templates onto the
// platform enum; nil selects the built-in defaults.
func endpointTemplatesFromConfig(cfg *config.Config) map[domain.Platform]string {
	if len(cfg.Transcoder.Endpoints) == 0 {
		return nil
	}

	templates := services.DefaultEndpointTemplates()
	for name, tmpl := range cfg.Transcoder.Endpoints {
		templates[domain.ParsePlatform(name)] = tmpl
	}
	return templates
}

// profilesFromConfig maps configured quality tiers onto the quality enum;
// nil selects the built-in defaults.
func profilesFromConfig(cfg *config.Config) map[domain.Quality]domain.Profile {
	if len(cfg.Transcoder.Profiles) == 0 {
		return nil
	}

	profiles := services.DefaultProfiles()
	for name, p := range cfg.Transcoder.Profiles {
		profiles[domain.ParseQuality(name)] = domain.Profile{
			BitrateKbps: p.BitrateKbps,
			FPS:         p.FPS,
			CRF:         p.CRF,
		}
	}
	return profiles
}
