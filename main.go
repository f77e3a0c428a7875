package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"golang.org/x/sync/errgroup"

	"github.com/xiaot623/gogo/dispatcher/internal/config"
	"github.com/xiaot623/gogo/dispatcher/internal/dispatch"
	"github.com/xiaot623/gogo/dispatcher/internal/hub"
	internalhttp "github.com/xiaot623/gogo/dispatcher/internal/http"
	"github.com/xiaot623/gogo/dispatcher/internal/logger"
	"github.com/xiaot623/gogo/dispatcher/internal/natsbridge"
	"github.com/xiaot623/gogo/dispatcher/internal/policy"
	"github.com/xiaot623/gogo/dispatcher/internal/ranking"
	"github.com/xiaot623/gogo/dispatcher/internal/telephony"
	"github.com/xiaot623/gogo/dispatcher/internal/transport/rpc"
	"github.com/xiaot623/gogo/dispatcher/internal/ws"
)

func main() {
	if err := run(); err != nil {
		logger.Fatal().Err(err).Msg("Dispatcher failed")
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if err := logger.Init(cfg.Log); err != nil {
		return fmt.Errorf("failed to init logger: %w", err)
	}

	logger.Info().
		Str("instance_id", cfg.InstanceID).
		Int("ws_port", cfg.WSPort).
		Int("http_port", cfg.HTTPPort).
		Int("rpc_port", cfg.RPCPort).
		Str("store", cfg.StoreBackend).
		Str("telephony", cfg.TelephonyBackend).
		Dur("offer_timeout", cfg.OfferTimeout).
		Msg("Starting dispatcher...")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Ranked agent store
	store, err := ranking.Open(ctx, ranking.Options{
		Backend:     cfg.StoreBackend,
		RedisURL:    cfg.RedisURL,
		RedisKey:    cfg.RedisKey,
		DatabaseURL: cfg.DatabaseURL,
	})
	if err != nil {
		return fmt.Errorf("failed to open %s store: %w", cfg.StoreBackend, err)
	}
	defer store.Close()

	// Telephony queue inspection
	lister, err := newLister(cfg)
	if err != nil {
		return err
	}
	queuePolicy, err := loadPolicy(ctx, cfg.QueuePolicyFile)
	if err != nil {
		return err
	}
	inspector := telephony.NewInspector(lister, queuePolicy, cfg.TelephonyTimeout, logger.WithComponent("telephony"))

	// Metrics
	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := dispatch.NewMetrics(registry)

	// Connections and dispatch engine
	connectionHub := hub.NewHub(logger.WithComponent("hub"))
	engine := dispatch.NewEngine(store, inspector, connectionHub, dispatch.Options{
		OfferTimeout: cfg.OfferTimeout,
		StoreTimeout: cfg.StoreTimeout,
		InstanceID:   cfg.InstanceID,
		Metrics:      metrics,
	}, logger.WithComponent("dispatch"))

	// WebSocket server
	wsEcho := echo.New()
	wsEcho.HideBanner = true
	wsEcho.HidePort = true
	wsEcho.Use(middleware.Logger())
	wsEcho.Use(middleware.Recover())
	ws.NewServer(cfg, connectionHub, engine, logger.WithComponent("ws")).Register(wsEcho)

	// Internal HTTP server
	httpServer := internalhttp.NewServer(connectionHub, engine, store, registry, logger.WithComponent("http"))

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		connectionHub.Run(gctx)
		return nil
	})
	g.Go(func() error {
		engine.RunOfferTimeoutMonitor(gctx, cfg.OfferSweepInterval)
		return nil
	})
	g.Go(func() error {
		addr := fmt.Sprintf(":%d", cfg.WSPort)
		if err := wsEcho.Start(addr); err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("websocket server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		addr := fmt.Sprintf(":%d", cfg.HTTPPort)
		if err := httpServer.Start(addr); err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	var rpcServer *rpc.Server
	if cfg.RPCPort > 0 {
		rpcServer, err = rpc.NewServer(engine, cfg.StoreTimeout, logger.WithComponent("rpc"))
		if err != nil {
			return fmt.Errorf("failed to create rpc server: %w", err)
		}
		if err := rpcServer.Listen(fmt.Sprintf(":%d", cfg.RPCPort)); err != nil {
			return fmt.Errorf("failed to listen for rpc: %w", err)
		}
		g.Go(rpcServer.Serve)
	}

	var subscriber *natsbridge.Subscriber
	if cfg.NATSURL != "" {
		subscriber = natsbridge.NewSubscriber(natsbridge.Config{
			URL:        cfg.NATSURL,
			Subject:    cfg.NATSSubject,
			QueueGroup: cfg.NATSQueueGroup,
			Timeout:    cfg.StoreTimeout,
		}, engine, logger.WithComponent("nats"))
		if err := subscriber.Start(); err != nil {
			return err
		}
	}

	logger.Info().Msg("Dispatcher started")

	g.Go(func() error {
		<-gctx.Done()
		logger.Info().Msg("Shutting down dispatcher...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		if subscriber != nil {
			if err := subscriber.Close(); err != nil {
				logger.Warn().Err(err).Msg("Failed to drain NATS subscription")
			}
		}
		if rpcServer != nil {
			if err := rpcServer.Shutdown(shutdownCtx); err != nil {
				logger.Warn().Err(err).Msg("Failed to shutdown RPC server gracefully")
			}
		}
		if err := wsEcho.Shutdown(shutdownCtx); err != nil {
			logger.Warn().Err(err).Msg("Failed to shutdown WebSocket server gracefully")
		}
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Warn().Err(err).Msg("Failed to shutdown HTTP server gracefully")
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		return err
	}

	logger.Info().Msg("Dispatcher stopped")
	return nil
}

func newLister(cfg *config.Config) (telephony.Lister, error) {
	switch cfg.TelephonyBackend {
	case "static":
		return telephony.NewStaticLister(cfg.StaticQueueSnapshots()...), nil
	default:
		lister, err := telephony.NewTwilioLister(cfg.TwilioSID, cfg.TwilioToken)
		if err != nil {
			return nil, fmt.Errorf("failed to create twilio client: %w", err)
		}
		return lister, nil
	}
}

func loadPolicy(ctx context.Context, path string) (*policy.Engine, error) {
	if path == "" {
		return policy.NewEngine(ctx, policy.DefaultPolicy)
	}
	engine, err := policy.LoadEngine(ctx, path)
	if err != nil {
		return nil, fmt.Errorf("failed to load queue policy: %w", err)
	}
	return engine, nil
}
