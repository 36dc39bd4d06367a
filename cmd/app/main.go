// File: cmd/app/main.go
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"subscription-billing/internal/config"
	"subscription-billing/internal/domain/ports/adapter"
	pg "subscription-billing/internal/infra/db/postgres"
	"subscription-billing/internal/infra/logging"
	"subscription-billing/internal/infra/metrics"
	"subscription-billing/internal/infra/payment"
	red "subscription-billing/internal/infra/redis"
	"subscription-billing/internal/infra/sched"
	"subscription-billing/internal/infra/web"
	"subscription-billing/internal/usecase"
)

func main() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// ---- CLI flags ----
	cfgPath := flag.String("config", "config.yaml", "path to YAML config file")
	devMode := flag.Bool("dev", false, "enable developer mode (console logs, sandbox gateway)")
	flag.Parse()

	cfg, err := config.LoadConfig(*cfgPath, *devMode)
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	logger := logging.New(cfg.Log, cfg.Runtime.Dev)
	if cfg.Runtime.Dev {
		logger.Warn().Msg("[DEV MODE] Enabled")
	}
	metrics.MustRegister()

	// ---- Postgres ----
	pool, err := pg.NewPgxPool(ctx, cfg.Database.URL, int32(cfg.Database.PoolSize))
	if err != nil {
		logger.Fatal().Err(err).Msg("postgres")
	}
	defer pool.Close()

	// ---- Redis (advisory replay cache; the service runs without it) ----
	var replayCache usecase.ReplayCache
	if cfg.Redis.URL != "" {
		redisClient, err := red.NewClient(ctx, &cfg.Redis)
		if err != nil {
			logger.Warn().Err(err).Msg("redis unavailable; replay fast-path disabled")
		} else {
			defer redisClient.Close()
			replayCache = red.NewReplayCache(redisClient, cfg.Redis.TTL)
		}
	}

	// ---- Repositories ----
	intentRepo := pg.NewIntentRepo(pool)
	ledgerRepo := pg.NewLedgerRepo(pool)
	orphanRepo := pg.NewOrphanRepo(pool)
	planRepo := pg.NewPlanRepo(pool)
	subRepo := pg.NewSubscriptionRepo(pool)
	invoiceRepo := pg.NewInvoiceRepo(pool)
	tm := pg.NewTxManager(pool)

	// ---- Payment gateways ----
	registry := buildRegistry(cfg, logger)

	// ---- Use cases ----
	resolver := usecase.NewCorrelationResolver(intentRepo, planRepo, invoiceRepo, logger)
	activators := usecase.ActivatorSet{
		Plan:    usecase.NewPlanActivator(planRepo, subRepo, logger),
		Invoice: usecase.NewInvoiceActivator(invoiceRepo, logger),
	}
	reconcileUC := usecase.NewReconcileUseCase(registry, resolver, intentRepo, ledgerRepo, orphanRepo, activators, tm, replayCache, logger)
	intentUC := usecase.NewIntentUseCase(intentRepo, planRepo, invoiceRepo, registry, cfg.Server.CallbackURL, logger)

	// ---- HTTP server ----
	srv := web.NewServer(reconcileUC, intentUC, orphanRepo, cfg.Server.APIKey, cfg.Server.JWTSecret, logger)
	server := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           srv.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		logger.Info().Str("addr", server.Addr).Msg("http listening")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error().Err(err).Msg("http server error")
		}
	}()

	// ---- Stale-intent reconciler ----
	worker := sched.NewPollReconciler(reconcileUC, intentRepo, cfg.Reconciler.Interval, cfg.Reconciler.StaleAfter, cfg.Reconciler.BatchLimit, logger)
	go worker.Start(ctx)

	// ---- Graceful shutdown ----
	sigc := make(chan os.Signal, 1)
	signal.Notify(sigc, syscall.SIGINT, syscall.SIGTERM)
	<-sigc
	logger.Info().Msg("shutdown requested")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("http shutdown")
	}
}

// buildRegistry wires every gateway that has credentials configured. The
// sandbox gateway only ships in dev mode.
func buildRegistry(cfg *config.Config, logger *zerolog.Logger) *payment.Registry {
	var gws []adapter.GatewayAdapter
	if cfg.Payment.ZarinPal.MerchantID != "" {
		gws = append(gws, payment.NewZarinPalGateway(cfg.Payment.ZarinPal.MerchantID, cfg.Payment.ZarinPal.Sandbox))
	}
	if cfg.Payment.PayPing.Token != "" {
		gws = append(gws, payment.NewPayPingGateway(cfg.Payment.PayPing.Token, cfg.Payment.PayPing.WebhookSecret))
	}
	if cfg.Payment.IDPay.APIKey != "" {
		gws = append(gws, payment.NewIDPayGateway(cfg.Payment.IDPay.APIKey, cfg.Payment.IDPay.Sandbox))
	}
	if cfg.Runtime.Dev {
		gws = append(gws, payment.NewNoopGateway())
	}
	if len(gws) == 0 {
		logger.Fatal().Msg("no payment gateway configured")
	}
	reg := payment.NewRegistry(gws...)
	logger.Info().Strs("providers", reg.Names()).Msg("payment gateways registered")
	return reg
}
