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

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/me/gosched/internal/auth"
	"github.com/me/gosched/internal/config"
	"github.com/me/gosched/internal/dispatch"
	"github.com/me/gosched/internal/election"
	"github.com/me/gosched/internal/events"
	"github.com/me/gosched/internal/gateway"
	"github.com/me/gosched/internal/generation"
	"github.com/me/gosched/internal/logging"
	"github.com/me/gosched/internal/logpipe"
	"github.com/me/gosched/internal/scheduler"
	"github.com/me/gosched/internal/server"
	"github.com/me/gosched/internal/store"
)

var version = "dev"

// handlerRelay lets the gateway be built before the result handler, which
// depends on the dispatcher, which depends on the gateway.
type handlerRelay struct {
	gateway.Handler
}

func main() {
	configFile := flag.String("config", "", "Path to YAML config file")
	envFile := flag.String("env-file", ".env", "Path to .env file (ignored if missing)")
	addr := flag.String("addr", "", "Public listen address")
	internalAddr := flag.String("internal-addr", "", "Loopback listen address for token generation")
	dbPath := flag.String("db", "", "Database path")
	serverID := flag.String("server-id", "", "Server id (default: generated)")
	logLevel := flag.String("log-level", "", "Log level (debug, info, warn, error)")
	logFormat := flag.String("log-format", "", "Log format (text, json)")
	debug := flag.Bool("debug", false, "Shorthand for --log-level=debug")
	dev := flag.Bool("dev", false, "Single-node development mode (allows an ephemeral token key)")
	flag.Parse()

	cfg, err := config.LoadServer(*configFile, *envFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}
	setIf(&cfg.Addr, *addr)
	setIf(&cfg.InternalAddr, *internalAddr)
	setIf(&cfg.DBPath, *dbPath)
	setIf(&cfg.ServerID, *serverID)
	setIf(&cfg.Log.Level, *logLevel)
	setIf(&cfg.Log.Format, *logFormat)
	if *debug {
		cfg.Log.Level = "debug"
	}
	if *dev {
		cfg.Dev = true
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "invalid config: %v\n", err)
		os.Exit(1)
	}
	if cfg.ServerID == "" {
		cfg.ServerID = "srv-" + uuid.New().String()
	}

	logger, closer := logging.New(cfg.Log)
	defer closer.Close()
	logger = logger.With("server_id", cfg.ServerID)

	if err := run(cfg, logger); err != nil {
		logger.Error("server failed", "error", err)
		closer.Close()
		os.Exit(1)
	}
	logger.Info("server stopped")
}

func setIf(dst *string, v string) {
	if v != "" {
		*dst = v
	}
}

func run(cfg config.ServerConfig, logger *slog.Logger) error {
	st, err := store.NewSQLiteStore(cfg.DBPath, logger)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer st.Close()
	if err := st.Migrate(context.Background()); err != nil {
		return fmt.Errorf("migrate database: %w", err)
	}
	logger.Info("database ready", "path", cfg.DBPath)

	var pub events.Publisher = events.Nop{}
	if cfg.Events.NATSURL != "" {
		np, err := events.NewNATSPublisher(cfg.Events.NATSURL, cfg.Events.Prefix, cfg.ServerID, logger)
		if err != nil {
			return fmt.Errorf("connect nats: %w", err)
		}
		pub = np
		logger.Info("publishing lifecycle events", "nats", cfg.Events.NATSURL, "prefix", cfg.Events.Prefix)
	}
	defer pub.Close()

	advertise := cfg.AdvertiseAddr
	if advertise == "" {
		advertise = cfg.Addr
	}
	elector := election.New(st, election.Config{
		Namespace:     cfg.Election.Namespace,
		LeaseTTL:      cfg.Election.LeaseTTL,
		RenewInterval: cfg.Election.RenewInterval,
	}, cfg.ServerID, advertise, logger)

	key, err := auth.LoadOrGenerateKey(cfg.Auth.KeyFile, logger)
	if err != nil {
		return fmt.Errorf("load token key: %w", err)
	}
	tokens, err := auth.NewTokenService(key, auth.Config{
		Issuer:     cfg.Auth.Issuer,
		Audience:   cfg.Auth.Audience,
		DefaultTTL: cfg.Auth.TokenTTL,
		Leeway:     cfg.Auth.Leeway,
	}, cfg.ServerID)
	if err != nil {
		return fmt.Errorf("token service: %w", err)
	}

	sink, err := logpipe.NewFileSink(cfg.TaskLogs.Dir, cfg.TaskLogs.MaxSizeMB, cfg.TaskLogs.MaxBackups)
	if err != nil {
		return fmt.Errorf("task log sink: %w", err)
	}
	defer sink.CloseAll()
	collector := logpipe.NewCollector(sink, logpipe.Config{
		GapTimeout:  cfg.TaskLogs.GapTimeout,
		MaxBuffered: cfg.TaskLogs.MaxBuffered,
		IdleTimeout: cfg.TaskLogs.IdleTimeout,
	}, logger)

	gwCfg := gateway.DefaultConfig()
	gwCfg.Namespace = cfg.Election.Namespace
	gwCfg.RegisterTimeout = cfg.Gateway.RegisterTimeout
	gwCfg.HeartbeatTimeout = cfg.Gateway.HeartbeatTimeout
	gwCfg.DropTimeout = cfg.Gateway.DropTimeout
	gwCfg.SendQueue = cfg.Gateway.SendQueue
	relay := &handlerRelay{}
	gw := gateway.New(st, tokens, elector, relay, gwCfg, pub, logger)

	gen := generation.New(st, generation.Config{
		Lookahead:      cfg.Scheduler.Lookahead,
		MisfireGrace:   cfg.Scheduler.MisfireGrace,
		MaxPerSchedule: cfg.Scheduler.MaxPerSchedule,
		BatchSize:      cfg.Scheduler.BatchSize,
	}, pub, logger)
	disp := dispatch.New(st, gw, nil, dispatch.Config{
		BatchSize:     cfg.Scheduler.BatchSize,
		AckTimeout:    cfg.Scheduler.AckTimeout,
		OrphanTimeout: cfg.Gateway.DropTimeout,
	}, pub, logger)
	relay.Handler = scheduler.NewResults(st, elector, disp, collector, pub, logger)

	elector.OnChange(func(isLeader bool) {
		if !isLeader {
			gw.CloseAll("leadership lost")
		}
	})

	var loop scheduler.Scheduler = scheduler.NewLoop(elector, gen, disp, scheduler.Config{
		PollInterval:     cfg.Scheduler.PollInterval,
		GenerateInterval: cfg.Scheduler.GenerateInterval,
	}, logger)

	srv := server.New(st, elector, logger,
		server.WithTriggerer(gen),
		server.WithCanceller(disp),
		server.WithLogReader(sink),
		server.WithGateway(gw),
		server.WithTokenIssuer(tokens, cfg.Auth.RatePerMin, cfg.Auth.Burst),
		server.WithVersion(version),
	)
	public := &http.Server{Addr: cfg.Addr, Handler: srv.Handler(), ReadHeaderTimeout: 10 * time.Second}
	internal := &http.Server{Addr: cfg.InternalAddr, Handler: srv.InternalHandler(), ReadHeaderTimeout: 10 * time.Second}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		elector.Run(gctx)
		return nil
	})
	g.Go(func() error {
		if err := loop.Start(gctx); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		gw.Run(gctx, cfg.Gateway.SweepInterval)
		return nil
	})
	g.Go(func() error {
		collector.Run(gctx, cfg.TaskLogs.SweepInterval)
		return nil
	})
	g.Go(func() error { return serve(public, logger, "public") })
	g.Go(func() error { return serve(internal, logger, "internal") })
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")
		gw.CloseAll("server shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return errors.Join(public.Shutdown(shutdownCtx), internal.Shutdown(shutdownCtx))
	})

	return g.Wait()
}

func serve(s *http.Server, logger *slog.Logger, name string) error {
	logger.Info("listening", "listener", name, "addr", s.Addr)
	if err := s.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("%s listener: %w", name, err)
	}
	return nil
}
