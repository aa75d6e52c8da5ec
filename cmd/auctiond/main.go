package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/jensholdgaard/cricket-auctiond/internal/auction"
	"github.com/jensholdgaard/cricket-auctiond/internal/auth"
	"github.com/jensholdgaard/cricket-auctiond/internal/clock"
	"github.com/jensholdgaard/cricket-auctiond/internal/config"
	"github.com/jensholdgaard/cricket-auctiond/internal/event"
	"github.com/jensholdgaard/cricket-auctiond/internal/event/rabbitmq"
	"github.com/jensholdgaard/cricket-auctiond/internal/health"
	"github.com/jensholdgaard/cricket-auctiond/internal/httpapi"
	"github.com/jensholdgaard/cricket-auctiond/internal/hub"
	"github.com/jensholdgaard/cricket-auctiond/internal/leader"
	"github.com/jensholdgaard/cricket-auctiond/internal/metrics"
	"github.com/jensholdgaard/cricket-auctiond/internal/router"
	"github.com/jensholdgaard/cricket-auctiond/internal/store"
	"github.com/jensholdgaard/cricket-auctiond/internal/store/postgres"
	"github.com/jensholdgaard/cricket-auctiond/internal/telemetry"
	"github.com/jensholdgaard/cricket-auctiond/internal/ws"

	// Register the in-memory driver alongside postgres.
	_ "github.com/jensholdgaard/cricket-auctiond/internal/store/memory"
)

var version = "dev"

func main() {
	configPath := flag.String("config", "config.yaml", "path to configuration file")
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Println(version)
		os.Exit(0)
	}

	if err := run(*configPath); err != nil {
		slog.Error("fatal error", slog.Any("error", err))
		os.Exit(1)
	}
}

func run(configPath string) error {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	cfg.Telemetry.ServiceVersion = version

	tp, err := telemetry.Setup(ctx, cfg.Telemetry)
	if err != nil {
		slog.Warn("telemetry setup failed, continuing without OTEL export", slog.Any("error", err))
		tp = telemetry.NewNopProvider()
	}
	defer func() {
		if shutdownErr := tp.Shutdown(context.Background()); shutdownErr != nil {
			slog.Error("telemetry shutdown error", slog.Any("error", shutdownErr))
		}
	}()

	logger := tp.Logger
	clk := clock.Real{}

	ledger, err := store.Open(ctx, cfg.Database, clk)
	if err != nil {
		return fmt.Errorf("opening store (driver=%s): %w", cfg.Database.Driver, err)
	}
	defer ledger.Close()

	logger.InfoContext(ctx, "connected to database", slog.String("driver", cfg.Database.Driver))

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	if pg, ok := ledger.(*postgres.Ledger); ok {
		reg.MustRegister(collectors.NewDBStatsCollector(pg.DB(), "auctiond"))
	}
	m := metrics.New(reg)

	var events event.Publisher = event.Nop{}
	if cfg.Events.AMQPURL != "" {
		pub, pubErr := rabbitmq.NewPublisher(cfg.Events.AMQPURL, cfg.Events.Exchange,
			rabbitmq.WithLogger(logger),
			rabbitmq.WithRetryDelay(cfg.Events.RetryDelay),
		)
		if pubErr != nil {
			return fmt.Errorf("connecting event publisher: %w", pubErr)
		}
		defer pub.Close()

		// Room operations only enqueue; the broker is written from the
		// queue's worker.
		queue := event.NewQueue(pub,
			event.WithCapacity(cfg.Events.QueueSize),
			event.WithPublishTimeout(cfg.Events.PublishTimeout),
			event.WithRecorder(m),
			event.WithLogger(logger),
		)
		defer func() {
			drainCtx, drainCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
			defer drainCancel()
			if err := queue.Close(drainCtx); err != nil {
				logger.Error("event queue shutdown error", slog.Any("error", err))
			}
		}()
		events = queue
		logger.InfoContext(ctx, "publishing domain events",
			slog.String("exchange", cfg.Events.Exchange),
			slog.Int("queue_size", cfg.Events.QueueSize),
		)
	}

	factory := func(ctx context.Context, auctionID int64) (*auction.Machine, error) {
		return auction.NewMachine(ctx, auctionID, ledger, events, logger, tp.TracerProvider, clk)
	}
	h := hub.New(factory, cfg.Hub.SendBuffer, logger, tp.TracerProvider, m)
	rt := router.New(h, logger, tp.TracerProvider, m)
	authn := auth.NewAuthenticator(cfg.Auth.JWTSecret, cfg.Auth.Issuer, ledger)

	healthHandler := health.NewHandler(clk, version,
		health.Checker{
			Name:  "database",
			Check: ledger.Ping,
		},
	)

	httpServer := &http.Server{
		Addr: fmt.Sprintf(":%d", cfg.Server.Port),
		Handler: httpapi.SetupRoutes(httpapi.Routes{
			Health:   healthHandler,
			Gatherer: reg,
			Auction:  ws.NewHandler(authn, h, rt, cfg.Hub, logger),
		}),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.InfoContext(ctx, "starting http server", slog.Int("port", cfg.Server.Port))
		if listenErr := httpServer.ListenAndServe(); listenErr != nil && listenErr != http.ErrServerClosed {
			logger.ErrorContext(ctx, "http server error", slog.Any("error", listenErr))
			cancel()
		}
	}()

	// Rooms live in process memory, so only the leader takes connections.
	leaderErr := leader.Run(ctx, cfg.LeaderElection, logger, leader.Callbacks{
		OnStartedLeading: func(ctx context.Context) {
			healthHandler.SetReady(true)
			logger.InfoContext(ctx, "auctiond is serving auctions", slog.String("version", version))
			<-ctx.Done()
			healthHandler.SetReady(false)
		},
		OnStoppedLeading: func() {
			healthHandler.SetReady(false)
			logger.Info("shutting down...")
			cancel()
		},
	})
	if leaderErr != nil {
		return fmt.Errorf("leader election: %w", leaderErr)
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()

	h.Close()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown error", slog.Any("error", err))
	}

	logger.Info("shutdown complete")
	return nil
}
