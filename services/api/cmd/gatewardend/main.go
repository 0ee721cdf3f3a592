package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"gatewarden/pkg/bus"
	"gatewarden/pkg/config"
	"gatewarden/pkg/db"
	"gatewarden/pkg/protocol"
	"gatewarden/pkg/s3"
	"gatewarden/pkg/telemetry"
	"gatewarden/services/access"
	"gatewarden/services/api"
	"gatewarden/services/audit"
	"gatewarden/services/auth"
	"gatewarden/services/commands"
	"gatewarden/services/denylist"
	"gatewarden/services/events"
	"gatewarden/services/gateway"
	"gatewarden/services/keys"
	"gatewarden/services/proxy"
	"gatewarden/services/routepass"
	"gatewarden/services/timesync"
)

const (
	serviceName  = "gatewardend"
	streamMaxAge = 7 * 24 * time.Hour
	outboxSize   = 1024
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	_ = godotenv.Load()

	zerolog.TimeFieldFormat = time.RFC3339Nano
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	if err := run(ctx); err != nil {
		log.Fatal().Err(err).Msg(serviceName)
	}
}

func run(ctx context.Context) error {
	cfg, err := config.Load(ctx)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger, err := telemetry.NewLogger(serviceName, cfg.LogLevel, cfg.LogFormat, os.Stderr)
	if err != nil {
		return err
	}
	log.Logger = logger

	shutdownTelemetry, httpMiddleware, err := telemetry.Init(ctx, serviceName, cfg.OTLPEndpoint, logger)
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTelemetry(shutdownCtx); err != nil {
			logger.Error().Err(err).Msg("shutdown telemetry")
		}
	}()

	pool, err := db.Open(ctx, cfg.DBDSN)
	if err != nil {
		return fmt.Errorf("connect database: %w", err)
	}
	defer pool.Close()

	if err := db.Migrate(ctx, pool); err != nil {
		return fmt.Errorf("migrate database: %w", err)
	}
	orm, err := db.OpenORM(pool)
	if err != nil {
		return fmt.Errorf("open orm: %w", err)
	}

	rootKey, err := keys.ParsePublicKey(cfg.RootPublicKey)
	if err != nil {
		return fmt.Errorf("ROOT_PUBLIC_KEY: %w", err)
	}
	var opsSigner *keys.Signer
	if cfg.OpsSigningKey != "" {
		if opsSigner, err = keys.LoadSigner(cfg.OpsSigningKey); err != nil {
			return fmt.Errorf("OPS_SIGNING_KEY: %w", err)
		}
	} else {
		logger.Warn().Msg("no OPS signing key; route passes and signed commands are unavailable")
	}

	auditStore, err := audit.NewStore(pool)
	if err != nil {
		return err
	}

	hub := events.NewHub()
	sinks := []events.Sink{hub}
	var eventBus *bus.Bus
	if cfg.NATSURL != "" {
		if eventBus, err = bus.New(cfg.NATSURL); err != nil {
			return fmt.Errorf("connect nats: %w", err)
		}
		defer eventBus.Close()
		if err := eventBus.EnsureStream(streamMaxAge); err != nil {
			return fmt.Errorf("ensure stream: %w", err)
		}
		sinks = append(sinks, events.BusSink{Bus: eventBus})
	}
	outbox := events.NewOutbox(outboxSize, logger, sinks...)

	tokens, err := auth.NewTokens(cfg.JWTSigningKey)
	if err != nil {
		return err
	}
	registry, err := gateway.NewRegistry(tokens, outbox, logger, gateway.Options{
		HeartbeatInterval: cfg.HeartbeatInterval,
		HeartbeatTimeout:  cfg.HeartbeatTimeout,
	})
	if err != nil {
		return err
	}

	queue, err := commands.NewQueue(orm, outbox, commands.Config{
		MaxAttempts: cfg.CommandMaxAttempts,
		BaseBackoff: cfg.CommandBackoffBase,
		MaxBackoff:  cfg.CommandBackoffMax,
	})
	if err != nil {
		return err
	}

	manager, err := keys.NewManager(orm, rootKey, opsSigner, auditStore)
	if err != nil {
		return err
	}
	if err := manager.EnsureRoot(ctx); err != nil {
		return fmt.Errorf("register root key: %w", err)
	}

	dir, err := access.NewDirectory(orm)
	if err != nil {
		return err
	}
	passes, err := routepass.NewService(orm, dir, manager, cfg.RoutePassTTL())
	if err != nil {
		return err
	}
	dl, err := denylist.NewService(orm, manager, passes, queue, dir)
	if err != nil {
		return err
	}
	accessSvc, err := access.NewService(orm, dir, dl, auditStore, logger)
	if err != nil {
		return err
	}

	dispatcher, err := commands.NewDispatcher(queue, registry, logger, commands.DispatcherOptions{
		Interval:   cfg.DispatchInterval,
		AckTimeout: cfg.CommandAckTimeout,
		Sealers: map[protocol.CmdType]commands.Sealer{
			protocol.CmdSecureTimeSync: timesync.Sealer(manager, dir, nil),
		},
	})
	if err != nil {
		return err
	}
	scheduler, err := timesync.NewScheduler(queue, dir, cfg.TimeSyncSchedule, logger)
	if err != nil {
		return err
	}
	registry.OnConnect(func(ctx context.Context, facilityID string) {
		dispatcher.Kick()
		scheduler.OnConnect(ctx, facilityID)
	})

	internal, err := api.InternalRoutes(api.InternalDeps{Access: accessSvc, Denylist: dl, Keys: manager})
	if err != nil {
		return err
	}
	bridge, err := proxy.NewBridge(internal, cfg.ProxyTimeout, logger)
	if err != nil {
		return err
	}
	registry.SetInboundHandler(bridge.HandleInboundRequest)

	deps := api.Deps{
		Tokens:     tokens,
		Registry:   registry,
		Queue:      queue,
		Dispatcher: dispatcher,
		Bridge:     bridge,
		Denylist:   dl,
		RoutePass:  passes,
		Keys:       manager,
		Access:     accessSvc,
		Hub:        hub,
		Audit:      auditStore,
		Health:     func(ctx context.Context) error { return db.Ping(ctx, pool) },
		Middleware: []func(http.Handler) http.Handler{httpMiddleware},
		Log:        logger,
	}
	if cfg.KeyBundleBucket != "" {
		store, err := s3.NewClient(ctx, s3.Options{
			Endpoint:       cfg.S3.Endpoint,
			AccessKey:      cfg.S3.AccessKey,
			SecretKey:      cfg.S3.SecretKey,
			Region:         cfg.S3.Region,
			DisableTLS:     cfg.S3.DisableTLS,
			ForcePathStyle: cfg.S3.ForcePathStyle,
		})
		if err != nil {
			return fmt.Errorf("init s3: %w", err)
		}
		deps.Bundles = store
	}

	a, err := api.New(deps, api.Config{AllowedOrigins: cfg.AllowedOrigins, BundleBucket: cfg.KeyBundleBucket})
	if err != nil {
		return err
	}
	handler, err := a.Routes()
	if err != nil {
		return err
	}

	var wg sync.WaitGroup
	background := func(fn func(context.Context)) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			fn(ctx)
		}()
	}
	background(outbox.Run)
	background(dispatcher.Run)
	background(registry.RunHeartbeat)

	if err := scheduler.Start(ctx); err != nil {
		return err
	}
	defer scheduler.Stop()

	if eventBus != nil {
		var sub io.Closer
		if sub, err = accessSvc.ConsumeTenantEvents(ctx, eventBus); err != nil {
			return fmt.Errorf("subscribe tenant events: %w", err)
		}
		defer sub.Close()
	}

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errc := make(chan error, 1)
	go func() {
		logger.Info().Str("addr", cfg.Addr).Msg("starting " + serviceName)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errc <- err
		}
		close(errc)
	}()

	select {
	case <-ctx.Done():
	case err := <-errc:
		if err != nil {
			return fmt.Errorf("http server: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	// Hijacked gateway sockets are not tracked by Shutdown.
	registry.CloseAll()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("shutdown server")
	}
	wg.Wait()
	return nil
}
