package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"astroxgear/configs"
	"astroxgear/internal/bakong"
	"astroxgear/internal/cache"
	"astroxgear/internal/domain"
	"astroxgear/internal/events"
	httpapi "astroxgear/internal/http"
	"astroxgear/internal/http/middleware"
	"astroxgear/internal/khqr"
	"astroxgear/internal/logging"
	"astroxgear/internal/repository"
	"astroxgear/internal/service"
	"astroxgear/internal/worker"

	_ "astroxgear/docs"
)

//go:generate swag init --dir ../ --generalInfo cmd/main.go --output ../docs --parseInternal

// @title Astroxgear API
// @version 1.0
// @description Storefront backend: catalog, cart, checkout and KHQR payments.
// @BasePath /api/v1
// @securityDefinitions.apikey BearerAuth
// @in header
// @name Authorization
func main() {
	configDir := flag.String("config", "configs", "directory with base.yaml and <env>.yaml")
	envName := flag.String("env", os.Getenv("APP_ENV"), "config overlay name")
	flag.Parse()

	cfg, err := configs.Load(*configDir, *envName)
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	logger := logging.Init(cfg.App.Name, cfg.App.LogFile, cfg.App.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("fatal", slog.Any("err", err))
		os.Exit(1)
	}
}

type storage struct {
	products repository.ProductRepository
	carts    repository.CartRepository
	orders   repository.OrderRepository
	tx       repository.TxManager
	close    func()
}

func openStorage(ctx context.Context, cfg configs.Config) (storage, error) {
	if cfg.Storage.Driver == "postgres" {
		if cfg.Postgres.Migrate {
			if err := repository.Migrate(cfg.Postgres.URL); err != nil {
				return storage{}, fmt.Errorf("migrate: %w", err)
			}
		}
		pool, err := repository.OpenPostgres(ctx, cfg.Postgres.URL, cfg.Postgres.MaxConns)
		if err != nil {
			return storage{}, err
		}
		store := repository.NewPostgresStore(pool)
		return storage{
			products: store,
			carts:    repository.NewPostgresCarts(store),
			orders:   repository.NewPostgresOrders(store),
			tx:       repository.NewPostgresTx(pool),
			close:    pool.Close,
		}, nil
	}
	store := repository.NewMemoryStore()
	return storage{
		products: store,
		carts:    repository.NewMemoryCarts(store),
		orders:   repository.NewMemoryOrders(store),
		tx:       repository.NewMemoryTx(store),
		close:    func() {},
	}, nil
}

func run(ctx context.Context, cfg configs.Config, logger *slog.Logger) error {
	st, err := openStorage(ctx, cfg)
	if err != nil {
		return fmt.Errorf("storage: %w", err)
	}
	defer st.close()
	logger.Info("storage ready", slog.String("driver", cfg.Storage.Driver))

	taxRate, _ := cfg.TaxRate()
	shipping, _ := cfg.ShippingFlat()
	pricing := domain.Pricing{TaxRate: taxRate, ShippingFlat: shipping}

	var publisher events.Publisher = events.NopPublisher{}
	if len(cfg.Kafka.Brokers) > 0 {
		kp := events.NewKafkaPublisher(events.NewKafkaWriter(cfg.Kafka.Brokers, cfg.Kafka.Topic))
		defer func() {
			if err := kp.Close(); err != nil {
				logger.Warn("kafka close", slog.Any("err", err))
			}
		}()
		publisher = kp
		logger.Info("kafka events enabled", slog.String("topic", cfg.Kafka.Topic))
	}

	orderOpts := []service.OrderOption{
		service.WithCurrency(cfg.Pricing.Currency),
		service.WithPublisher(publisher),
	}
	if cfg.Redis.Addr != "" {
		rdb, err := cache.NewClient(ctx, cfg.Redis.Addr, cfg.Redis.Password)
		if err != nil {
			return fmt.Errorf("redis: %w", err)
		}
		defer rdb.Close()
		orderOpts = append(orderOpts, service.WithIdempotency(cache.NewRedisIdempotencyStore(rdb, cfg.Redis.IdempotencyTTL)))
		logger.Info("checkout idempotency enabled")
	}

	gateway := bakong.NewClient(bakong.Config{
		BaseURL:     cfg.Bakong.BaseURL,
		AccessToken: cfg.Bakong.AccessToken,
		Timeout:     cfg.Bakong.Timeout,
	})
	if !gateway.Configured() {
		logger.Warn("bakong gateway not configured, payment checks will fail")
	}
	builder := khqr.NewBuilder(khqr.Merchant{
		AccountID: cfg.Bakong.AccountUsername,
		Name:      cfg.Bakong.AccountName,
		City:      cfg.Bakong.MerchantCity,
	}, khqr.WithTTL(cfg.Bakong.CodeTTL))

	productsSvc := service.NewProductService(st.products)
	cartsSvc := service.NewCartService(st.products, st.carts, st.tx)
	ordersSvc := service.NewOrderService(st.products, st.carts, st.orders, st.tx, pricing, orderOpts...)
	paymentsSvc := service.NewPaymentService(st.orders, st.tx, builder, gateway, service.WithPaymentPublisher(publisher))

	if cfg.Reconciler.Enabled && gateway.Configured() {
		rec := worker.NewReconciler(st.orders, paymentsSvc, worker.Config{
			Interval:    cfg.Reconciler.Interval,
			BatchSize:   cfg.Reconciler.BatchSize,
			CallTimeout: cfg.Reconciler.CallTimeout,
		})
		go rec.Run(ctx)
	}

	srv := httpapi.NewServer(productsSvc, cartsSvc, ordersSvc, paymentsSvc, middleware.NewAuthz(cfg), logging.New("http"))
	httpServer := &http.Server{
		Addr:         cfg.App.HTTPAddr,
		Handler:      otelhttp.NewHandler(srv.Engine(), cfg.App.Name),
		ReadTimeout:  cfg.HTTP.ReadTimeout,
		WriteTimeout: cfg.HTTP.WriteTimeout,
		IdleTimeout:  cfg.HTTP.IdleTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("HTTP server listening", slog.String("addr", httpServer.Addr))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("http server: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown error", slog.Any("err", err))
	}
	logger.Info("stopped")
	return nil
}
