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

	"digital-fulfillment/internal/client"
	"digital-fulfillment/internal/config"
	"digital-fulfillment/internal/logging"
	"digital-fulfillment/internal/repository"
	"digital-fulfillment/internal/server"
	"digital-fulfillment/internal/service"

	"github.com/caarlos0/env/v10"
	"github.com/google/uuid"
	"github.com/joho/godotenv"
)

func main() {
	// load .env into os.Environ
	if err := godotenv.Load(); err != nil {
		fmt.Println("No .env file found (ok in prod)")
	}

	cfg := &config.Config{}
	if err := env.Parse(cfg); err != nil {
		fmt.Printf("Failed to parse config: %v\n", err)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		fmt.Printf("Invalid config: %v\n", err)
		os.Exit(1)
	}

	logger := logging.New(cfg.Log)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	db, err := client.InitDBClient(cfg.Database)
	if err != nil {
		logger.Error("init database", "error", err)
		os.Exit(1)
	}

	orderRepo := repository.NewOrderRepository(db)
	productRepo := repository.NewProductRepository(db)
	txnRepo := repository.NewPaymentTransactionRepository(db)
	webhookEventRepo := repository.NewWebhookEventRepository(db)
	grantRepo := repository.NewGrantRepository(db)

	if cfg.CatalogSeedFile != "" {
		products, err := config.LoadCatalog(cfg.CatalogSeedFile)
		if err != nil {
			logger.Error("load catalog", "error", err)
			os.Exit(1)
		}
		if err := productRepo.Seed(ctx, products); err != nil {
			logger.Error("seed catalog", "error", err)
			os.Exit(1)
		}
		logger.Info("catalog seeded", "products", len(products))
	}

	publisher, err := client.NewPublisher(cfg.Notify, logger)
	if err != nil {
		logger.Error("init notification publisher", "error", err)
		os.Exit(1)
	}
	defer publisher.Close()

	gateways := []service.Gateway{
		service.NewPaypalGateway(client.NewPaypalClient(&cfg.Paypal)),
		service.NewCODGateway(),
	}
	if cfg.BrainTree.Enabled() {
		gateways = append(gateways, service.NewBraintreeGateway(client.NewBraintreeClient(&cfg.BrainTree)))
	}

	originPolicy, err := service.NewOriginPolicy(cfg.Origin.Policy, cfg.Origin.IPv4Prefix, cfg.Origin.IPv6Prefix)
	if err != nil {
		logger.Error("init origin policy", "error", err)
		os.Exit(1)
	}
	fingerprinter := service.NewFingerprinter(cfg.Grant.FingerprintSecret, originPolicy)

	catalog := service.NewCatalog(productRepo)
	ledgerService := service.NewLedgerService(db, catalog, orderRepo, logger)
	entitlementService := service.NewEntitlementService(db, orderRepo, grantRepo, cfg.Grant.Lifetime, publisher, logger)
	paymentService := service.NewPaymentService(
		db,
		ledgerService,
		entitlementService,
		orderRepo,
		txnRepo,
		webhookEventRepo,
		gateways,
		service.PaymentConfig{
			BaseURL:        cfg.BaseURL,
			GatewayTimeout: cfg.GatewayTimeout,
			NotifyTimeout:  cfg.Notify.Timeout,
		},
		publisher,
		logger,
	)
	validator := service.NewValidator(grantRepo, fingerprinter, logger)
	deliveryService := service.NewDeliveryService(
		validator,
		client.NewFSContentStore(cfg.Content.Dir),
		grantRepo,
		cfg.Watermark.Enabled,
		publisher,
		logger,
	)

	if cfg.Sweeper.Enabled {
		var locker service.Locker
		if cfg.Redis.Addr != "" {
			rdb, err := client.InitRedisClient(ctx, cfg.Redis)
			if err != nil {
				logger.Error("init redis", "error", err)
				os.Exit(1)
			}
			defer rdb.Close()
			locker = client.NewRedisLocker(rdb, uuid.NewString())
		}
		go service.NewSweeper(grantRepo, locker, cfg.Sweeper.Interval, logger).Run(ctx)
	}

	srv := server.NewServer(cfg, server.Services{
		Ledger:      ledgerService,
		Payment:     paymentService,
		Entitlement: entitlementService,
		Delivery:    deliveryService,
	}, logger)

	serverAddr := cfg.HTTP.Host + ":" + cfg.HTTP.Port
	logger.Info("starting HTTP server", "addr", serverAddr, "environment", cfg.Environment.Name)
	go func() {
		if err := srv.Start(serverAddr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("HTTP server error", "error", err)
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("signal received, starting graceful shutdown")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP server shutdown error", "error", err)
	}
}
