package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"golang.org/x/sync/errgroup"

	"github.com/jensholdgaard/chess-knockout/internal/bracket"
	"github.com/jensholdgaard/chess-knockout/internal/cache"
	"github.com/jensholdgaard/chess-knockout/internal/clock"
	"github.com/jensholdgaard/chess-knockout/internal/config"
	"github.com/jensholdgaard/chess-knockout/internal/health"
	"github.com/jensholdgaard/chess-knockout/internal/httpapi"
	"github.com/jensholdgaard/chess-knockout/internal/leader"
	"github.com/jensholdgaard/chess-knockout/internal/ledger"
	"github.com/jensholdgaard/chess-knockout/internal/lichess"
	"github.com/jensholdgaard/chess-knockout/internal/notify"
	"github.com/jensholdgaard/chess-knockout/internal/poller"
	"github.com/jensholdgaard/chess-knockout/internal/store"
	"github.com/jensholdgaard/chess-knockout/internal/telemetry"
	"github.com/jensholdgaard/chess-knockout/internal/tournament"

	// Register store drivers so they are available via store.Open.
	_ "github.com/jensholdgaard/chess-knockout/internal/store/memory"
	_ "github.com/jensholdgaard/chess-knockout/internal/store/postgres"
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

	// A missing .env is fine; secrets may come from the real environment.
	_ = godotenv.Load()

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

	metrics, err := telemetry.NewMetrics(tp.MeterProvider)
	if err != nil {
		return fmt.Errorf("creating metrics: %w", err)
	}

	repos, err := store.Open(ctx, cfg.Database, clk)
	if err != nil {
		return fmt.Errorf("opening store (driver=%s): %w", cfg.Database.Driver, err)
	}
	defer repos.Closer.Close()

	logger.InfoContext(ctx, "connected to database", slog.String("driver", cfg.Database.Driver))

	checkers := []health.Checker{{Name: "database", Check: repos.Ping}}

	var lichessOpts []lichess.Option
	if cfg.Cache.Enabled() {
		rc, cacheErr := cache.NewRedis(ctx, cfg.Cache, "knockout:")
		if cacheErr != nil {
			return fmt.Errorf("connecting to redis: %w", cacheErr)
		}
		defer rc.Close()
		lichessOpts = append(lichessOpts, lichess.WithCache(rc, cfg.Cache.OutcomeTTL, cfg.Cache.ProfileTTL))
		checkers = append(checkers, health.Checker{Name: "redis", Check: rc.Ping})
		logger.InfoContext(ctx, "redis cache enabled", slog.String("addr", cfg.Cache.RedisAddr))
	}
	lc := lichess.New(cfg.Lichess, logger, tp.TracerProvider, lichessOpts...)

	var notifier notify.Notifier = notify.NewLog(logger)
	if cfg.Discord.Enabled() {
		d, discordErr := notify.NewDiscord(cfg.Discord, logger, tp.TracerProvider)
		if discordErr != nil {
			return fmt.Errorf("creating discord notifier: %w", discordErr)
		}
		notifier = d
	}

	ledgerMgr := ledger.NewManager(repos.Accounts, repos.Events, clk, logger, tp.TracerProvider)
	builder := bracket.NewBuilder(lc, cfg.Lichess.CreationDelay, logger, tp.TracerProvider, clk)
	tournamentMgr := tournament.NewManager(repos.Tournaments, repos.Events, ledgerMgr, builder, logger, tp.TracerProvider, clk,
		tournament.WithNotifier(notifier),
		tournament.WithMetrics(metrics),
	)
	resultPoller := poller.New(tournamentMgr, lc, cfg.Poller.Interval, clk, metrics, logger, tp.TracerProvider)

	if cfg.Poller.Enabled {
		checkers = append(checkers, health.Freshness("poller", clk, 10*cfg.Poller.Interval, resultPoller.LastCycle))
	}
	healthHandler := health.NewHandler(clk, checkers...)

	api := httpapi.NewServer(tournamentMgr, ledgerMgr, lc, healthHandler, logger, tp.TracerProvider)
	httpServer := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           api.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)

	// The HTTP API runs on all replicas.
	g.Go(func() error {
		logger.InfoContext(gctx, "starting http server", slog.Int("port", cfg.Server.Port))
		if listenErr := httpServer.ListenAndServe(); listenErr != nil && !errors.Is(listenErr, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", listenErr)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		healthHandler.SetReady(false)

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer shutdownCancel()
		if shutdownErr := httpServer.Shutdown(shutdownCtx); shutdownErr != nil {
			logger.Error("http server shutdown error", slog.Any("error", shutdownErr))
		}
		return nil
	})

	// Only the leader polls the chess server.
	if cfg.Poller.Enabled {
		gate := leader.NewGate(cfg.LeaderElection, logger)
		g.Go(func() error {
			if cfg.LeaderElection.Enabled {
				logger.InfoContext(gctx, "leader election enabled, waiting for leadership...")
			}
			return gate.Run(gctx, func(ctx context.Context) {
				logger.InfoContext(ctx, "result poller running", slog.Duration("interval", cfg.Poller.Interval))
				if pollErr := resultPoller.Run(ctx); pollErr != nil {
					logger.ErrorContext(ctx, "result poller stopped", slog.Any("error", pollErr))
				}
			})
		})
	}

	healthHandler.SetReady(true)
	logger.InfoContext(ctx, "knockout is running", slog.String("version", version))

	if err := g.Wait(); err != nil {
		return err
	}

	logger.Info("shutdown complete")
	return nil
}
