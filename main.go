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

	"github.com/kuldeep-zigg/wendor-placement/internal/application/checkout"
	"github.com/kuldeep-zigg/wendor-placement/internal/application/dispatch"
	"github.com/kuldeep-zigg/wendor-placement/internal/application/ledger"
	appvend "github.com/kuldeep-zigg/wendor-placement/internal/application/vend"
	"github.com/kuldeep-zigg/wendor-placement/internal/config"
	"github.com/kuldeep-zigg/wendor-placement/internal/domain/catalog"
	"github.com/kuldeep-zigg/wendor-placement/internal/domain/dispense"
	"github.com/kuldeep-zigg/wendor-placement/internal/infrastructure/device"
	"github.com/kuldeep-zigg/wendor-placement/internal/infrastructure/devicelink"
	"github.com/kuldeep-zigg/wendor-placement/internal/infrastructure/filestore"
	"github.com/kuldeep-zigg/wendor-placement/internal/infrastructure/id"
	"github.com/kuldeep-zigg/wendor-placement/internal/infrastructure/memory"
	infraobs "github.com/kuldeep-zigg/wendor-placement/internal/infrastructure/observability"
	"github.com/kuldeep-zigg/wendor-placement/internal/infrastructure/observability/oteltrace"
	"github.com/kuldeep-zigg/wendor-placement/internal/infrastructure/observability/prometrics"
	"github.com/kuldeep-zigg/wendor-placement/internal/infrastructure/observability/zaplogger"
	"github.com/kuldeep-zigg/wendor-placement/internal/infrastructure/outbox"
	"github.com/kuldeep-zigg/wendor-placement/internal/infrastructure/redisstore"
	"github.com/kuldeep-zigg/wendor-placement/internal/observability"
	"github.com/kuldeep-zigg/wendor-placement/internal/pkg/logging"
	"github.com/kuldeep-zigg/wendor-placement/internal/pkg/retry"
	httppresentation "github.com/kuldeep-zigg/wendor-placement/internal/presentation/http"
	workerpresentation "github.com/kuldeep-zigg/wendor-placement/internal/presentation/worker"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// kioskStore is what every catalog backend provides to the kiosk role.
type kioskStore interface {
	catalog.Repository
	dispense.Repository
	Deduct(ctx context.Context, adj []catalog.Adjustment, req *dispense.Request) error
	Restock(ctx context.Context, adj []catalog.Adjustment, req *dispense.Request) error
}

func main() {
	cfg := config.Load()

	baseLogger := logging.MustNewLogger(logging.Options{
		Service: cfg.ServiceName,
		Env:     cfg.Env,
		Level:   cfg.LogLevel,
	})
	defer func() { _ = baseLogger.Sync() }()
	zap.ReplaceGlobals(baseLogger)

	systemLogger := logging.WithTrace(baseLogger, logging.SystemTraceID, logging.SystemSpanID)

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	counters, histograms := infraobs.RegisterKioskMetrics(prometrics.New(reg, "", ""))
	tel := infraobs.New(
		oteltrace.New(cfg.ServiceName),
		zaplogger.New(baseLogger, observability.F("role", string(cfg.Role))),
		counters,
		histograms,
	)
	metricsHandler := promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var servers []*http.Server
	var shutdown []func(context.Context) error

	if cfg.Serves(config.RoleDevice) {
		srv, closeDevice := buildDevice(ctx, cfg, tel, metricsHandler)
		servers = append(servers, srv)
		shutdown = append(shutdown, closeDevice)
	}
	if cfg.Serves(config.RoleKiosk) {
		srv, closeKiosk, err := buildKiosk(ctx, cfg, tel, metricsHandler)
		if err != nil {
			systemLogger.Fatal("kiosk_init_failed", zap.Error(err))
		}
		servers = append(servers, srv)
		shutdown = append(shutdown, closeKiosk)
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, srv := range servers {
		srv := srv
		g.Go(func() error {
			systemLogger.Info("http_server_start", zap.String("addr", srv.Addr))
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("serve %s: %w", srv.Addr, err)
			}
			return nil
		})
	}
	g.Go(func() error {
		<-gctx.Done()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()

		var errs []error
		for _, srv := range servers {
			if err := srv.Shutdown(shutdownCtx); err != nil {
				errs = append(errs, fmt.Errorf("shutdown %s: %w", srv.Addr, err))
			}
		}
		// Components stop in reverse build order.
		for i := len(shutdown) - 1; i >= 0; i-- {
			if err := shutdown[i](shutdownCtx); err != nil {
				errs = append(errs, err)
			}
		}
		return errors.Join(errs...)
	})

	if err := g.Wait(); err != nil {
		systemLogger.Error("http_server_error", zap.Error(err))
		os.Exit(1)
	}
	systemLogger.Info("http_server_stopped")
}

// buildDevice wires the vend controller behind the WebSocket device server.
func buildDevice(ctx context.Context, cfg config.Config, tel observability.Observability, metrics http.Handler) (*http.Server, func(context.Context) error) {
	bus := outbox.NewBus(tel.Logger())
	controller := appvend.NewController(appvend.Config{
		TickInterval:     cfg.VendTick,
		DispenseDuration: cfg.VendDuration,
	}, bus, id.NewUUIDGenerator(), tel)

	srv := device.NewServer(controller, cfg.LinkWriteTimeout, tel)
	bus.Subscribe(outbox.Wildcard, workerpresentation.WithEventContext(tel.Logger(), "device_server")(srv.Handle))
	bus.Start(ctx)

	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics)
	mux.Handle("/", srv.Router())

	closeFn := func(ctx context.Context) error {
		err := controller.Close()
		bus.Stop(ctx)
		srv.Close()
		return err
	}
	return &http.Server{Addr: cfg.DeviceAddr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}, closeFn
}

// buildKiosk wires the ledger, checkout, dispatcher and device link behind the REST API.
func buildKiosk(ctx context.Context, cfg config.Config, tel observability.Observability, metrics http.Handler) (*http.Server, func(context.Context) error, error) {
	store, closeStore, err := openStore(ctx, cfg)
	if err != nil {
		return nil, nil, err
	}

	link := devicelink.New(devicelink.Config{
		URL:               cfg.DeviceURL,
		ReconnectInterval: cfg.LinkReconnect,
		WriteTimeout:      cfg.LinkWriteTimeout,
	}, tel)
	monitor := appvend.NewMonitor(tel)
	link.Subscribe(workerpresentation.WithEventContext(tel.Logger(), "vend_monitor")(monitor.Handle))

	dispatcher := dispatch.New(store, link, dispatch.Config{
		Policy: retry.Policy{
			InitialInterval:    cfg.RetryInitial,
			BackoffCoefficient: cfg.RetryCoefficient,
			MaximumInterval:    cfg.RetryMax,
			MaximumAttempts:    cfg.RetryAttempts,
		},
		AckTimeout: cfg.DispenseAck,
	}, tel)

	l := ledger.New(store, tel, ledger.WithLockTimeout(cfg.LedgerLockTimeout))
	svc := checkout.NewService(l, store, dispatcher, id.NewUUIDGenerator(), tel)

	link.Start(ctx)
	dispatcher.Start(ctx)

	handler := httppresentation.NewHandler(httppresentation.Deps{
		Cart:      l,
		Checkout:  svc,
		Dispenses: dispatcher,
		Catalog:   store,
		Vend:      monitor,
		Metrics:   metrics,
	}, tel)

	closeFn := func(ctx context.Context) error {
		return errors.Join(dispatcher.Stop(ctx), link.Stop(ctx), closeStore())
	}
	return &http.Server{Addr: cfg.HTTPAddr, Handler: handler.Router(), ReadHeaderTimeout: 5 * time.Second}, closeFn, nil
}

func openStore(ctx context.Context, cfg config.Config) (kioskStore, func() error, error) {
	noop := func() error { return nil }
	switch cfg.StoreBackend {
	case config.BackendFile:
		s, err := filestore.Open(cfg.StorePath)
		if err != nil {
			return nil, nil, err
		}
		return s, noop, nil
	case config.BackendRedis:
		client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		if err := client.Ping(ctx).Err(); err != nil {
			_ = client.Close()
			return nil, nil, fmt.Errorf("redis ping %s: %w", cfg.RedisAddr, err)
		}
		s := redisstore.New(client, cfg.RedisPrefix)
		if err := s.Seed(ctx, memory.DefaultCatalog()); err != nil {
			_ = client.Close()
			return nil, nil, err
		}
		return s, client.Close, nil
	default:
		return memory.NewStore(), noop, nil
	}
}
