package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"novalink/internal/core/domain"
	"novalink/internal/core/services"
	httphandlers "novalink/internal/handlers/http"
	"novalink/internal/infrastructure/media"
	"novalink/internal/infrastructure/middleware"
	"novalink/internal/infrastructure/monitoring"
	signalinfra "novalink/internal/infrastructure/signal"
	webrtcinfra "novalink/internal/infrastructure/webrtc"
	"novalink/pkg/config"
	"novalink/pkg/logger"
	"novalink/pkg/tracing"
	"novalink/pkg/utils"
)

const shutdownTimeout = 10 * time.Second

func main() {
	// Try multiple config paths
	configPaths := []string{
		"configs/config.yaml",
		"./configs/config.yaml",
		"/etc/novalink/config.yaml",
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

	zapLogger := logger.New(cfg.Logging.Level, cfg.Logging.Format)
	defer zapLogger.Sync()

	clientID := utils.GenerateClientID()
	log := logger.Named(zapLogger, "client", clientID)

	tp, err := tracing.Init(tracing.Config{
		Enabled:     cfg.Tracing.Enabled,
		ServiceName: "novalink",
		JaegerURL:   cfg.Tracing.JaegerURL,
		Environment: "production",
		SampleRate:  cfg.Tracing.SampleRate,
	})
	if err != nil {
		log.Fatalw("failed to initialize tracing", "error", err)
	}

	token, err := signalinfra.LoadToken(cfg)
	if err != nil {
		log.Fatalw("failed to load auth token", "error", err)
	}
	if identity, err := signalinfra.InspectToken(token); err != nil {
		log.Warnw("auth token is not a readable JWT", "error", err)
	} else if identity.Expired() {
		log.Fatalw("auth token is expired, refusing to dial",
			"subject", identity.Subject,
			"expires_at", identity.ExpiresAt,
		)
	} else {
		log.Infow("loaded identity", "subject", identity.Subject, "nickname", identity.Nickname)
	}

	mediaSource, err := media.NewSource(cfg, logger.Named(zapLogger, "media", clientID))
	if err != nil {
		log.Fatalw("failed to build media source", "error", err)
	}

	factory, err := webrtcinfra.NewFactory(
		webrtcinfra.FactoryOptionsFromConfig(cfg),
		mediaSource,
		logger.Named(zapLogger, "webrtc", clientID),
	)
	if err != nil {
		log.Fatalw("failed to build peer factory", "error", err)
	}

	channel := signalinfra.NewWebSocketChannel(
		signalinfra.OptionsFromConfig(cfg, token),
		logger.Named(zapLogger, "signal", clientID),
	)

	collector := monitoring.NewPrometheusCollector()

	session := services.NewSessionService(
		logger.Named(zapLogger, "session", clientID),
		mediaSource,
		channel,
		factory,
		collector,
		services.ResilienceConfig{
			MaxRestarts: cfg.Resilience.MaxICERestarts,
			Grace:       cfg.Resilience.DisconnectGrace,
		},
	)

	health := monitoring.NewHealthChecker()
	health.AddSignalCheck(session, 2*time.Second)

	if cfg.Logging.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(
		middleware.RecoveryMiddleware(log),
		middleware.ErrorHandlerMiddleware(log),
		middleware.TracingMiddleware(),
		middleware.RateLimitMiddleware(50, 100),
		middleware.LocalAuthMiddleware(token),
	)
	httphandlers.NewSessionHandler(session, health).SetupRoutes(router)

	srv := &http.Server{
		Addr:         cfg.API.Address,
		Handler:      router,
		ReadTimeout:  cfg.API.ReadTimeout,
		WriteTimeout: cfg.API.WriteTimeout,
	}

	serverErr := make(chan error, 1)
	go func() {
		log.Infow("control API listening", "address", cfg.API.Address)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serverErr <- err
		}
	}()

	var metricsSrv *http.Server
	if cfg.Monitoring.PrometheusEnabled {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		metricsSrv = &http.Server{
			Addr:    fmt.Sprintf(":%d", cfg.Monitoring.PrometheusPort),
			Handler: mux,
		}
		go func() {
			log.Infow("prometheus metrics listening", "port", cfg.Monitoring.PrometheusPort)
			if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Errorw("metrics server failed", "error", err)
			}
		}()
	}

	runCtx, cancelRun := context.WithCancel(context.Background())
	defer cancelRun()

	runErr := make(chan error, 1)
	go func() {
		runErr <- session.Run(runCtx)
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-serverErr:
		log.Errorw("control API failed", "error", err)
	case err := <-runErr:
		if errors.Is(err, domain.ErrLoggedOut) {
			log.Infow("server forced a logout")
		} else if err != nil && !errors.Is(err, context.Canceled) {
			log.Errorw("session loop failed", "error", err)
		}
		runErr <- err // keep the drain below from blocking
	case sig := <-sigChan:
		log.Infow("received shutdown signal", "signal", sig)
	}

	log.Info("shutting down")

	cancelRun()
	select {
	case <-runErr:
	case <-time.After(shutdownTimeout):
		log.Warn("session loop did not stop in time")
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Errorw("error during control API shutdown", "error", err)
	}
	if metricsSrv != nil {
		if err := metricsSrv.Shutdown(shutdownCtx); err != nil {
			log.Errorw("error during metrics server shutdown", "error", err)
		}
	}
	if err := tp.Shutdown(shutdownCtx); err != nil {
		log.Errorw("error during tracer shutdown", "error", err)
	}

	log.Info("stopped")
}
