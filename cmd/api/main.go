package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/gin-gonic/gin"
	"github.com/lckrugel/payment-dispatch/internal/config"
	"github.com/lckrugel/payment-dispatch/internal/dtos"
	"github.com/lckrugel/payment-dispatch/internal/handlers"
	"github.com/lckrugel/payment-dispatch/internal/observability"
	"github.com/lckrugel/payment-dispatch/internal/processors"
	"github.com/lckrugel/payment-dispatch/internal/repositories"
	"github.com/lckrugel/payment-dispatch/internal/services"
	"github.com/lckrugel/payment-dispatch/internal/workers"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

func setupRouter() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())

	return r
}

func setupMetrics(cfg config.MetricsConfig) (*observability.Metrics, http.Handler) {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	metrics := observability.NewMetrics("payment_dispatch", reg)
	if !cfg.Enabled {
		return metrics, nil
	}
	return metrics, promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger := observability.NewLogger(cfg.Log.Level, os.Stdout)

	if err := run(cfg, logger); err != nil {
		logger.Fatal().Err(err).Msg("Service stopped with error")
	}
	logger.Info().Msg("Service exited")
}

func run(cfg *config.Config, logger zerolog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	redisRepo, err := repositories.Connect(ctx, cfg.Redis, logger)
	if err != nil {
		return err
	}
	defer redisRepo.Close()

	metrics, metricsHandler := setupMetrics(cfg.Metrics)

	clients := processors.NewClients(cfg.Processors, logger,
		processors.WithHalfOpenRequests(cfg.Processors.HalfOpenRequests(cfg.Worker.Concurrency())),
	)
	probers := make(map[dtos.Processor]workers.HealthProber, len(clients))
	senders := make(map[dtos.Processor]workers.PaymentSender, len(clients))
	for p, client := range clients {
		probers[p] = client
		senders[p] = client
	}

	tracker := workers.NewHealthTracker(redisRepo, probers, cfg.Health, metrics, logger)
	selector := workers.NewServiceSelector(logger)
	router := workers.NewRouter(tracker, senders, selector, cfg.Processors, metrics, logger)
	paymentWorkers := workers.NewWorkers(workers.NewPendingQueue(), redisRepo, router, cfg.Worker, metrics, logger)
	summary := services.NewSummaryService(redisRepo, cfg.Summary.PollInterval, metrics, logger)

	if err := handlers.RegisterValidators(); err != nil {
		return err
	}
	paymentHandlers := handlers.NewPaymentHandlers(paymentWorkers, summary, redisRepo, logger)

	r := setupRouter()
	handlers.RegisterRoutes(r, paymentHandlers, metricsHandler)

	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Server.Port),
		Handler: r,
	}

	g, gCtx := errgroup.WithContext(ctx)

	if cfg.Health.MonitorEnabled {
		healthChecker := workers.NewHealthCheckWorker(tracker, cfg.Health.MonitorInterval, logger)
		g.Go(func() error {
			healthChecker.Start(gCtx)
			return nil
		})
	}

	g.Go(func() error {
		paymentWorkers.StartWorkers(gCtx, cfg.Worker.Count)
		return nil
	})

	g.Go(func() error {
		logger.Info().Str("addr", srv.Addr).Msg("API is running")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gCtx.Done()
		logger.Info().Msg("Shutting down server...")

		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(gCtx), cfg.Server.ShutdownTimeout)
		defer cancel()

		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Error().Err(err).Msg("Server forced to shutdown")
		}
		return nil
	})

	err = g.Wait()

	if pending := paymentWorkers.Pending(); pending > 0 {
		logger.Warn().Int("pending", pending).Msg("Dropping payments still pending at exit")
	}

	return err
}
