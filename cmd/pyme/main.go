package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/cterryc/pyme-sub001/internal/adapter/auth"
	"github.com/cterryc/pyme-sub001/internal/adapter/eventbus"
	"github.com/cterryc/pyme-sub001/internal/adapter/fsm"
	otelAdapter "github.com/cterryc/pyme-sub001/internal/adapter/otel"
	"github.com/cterryc/pyme-sub001/internal/adapter/push"
	relay "github.com/cterryc/pyme-sub001/internal/adapter/redis"
	riverAdapter "github.com/cterryc/pyme-sub001/internal/adapter/river"
	"github.com/cterryc/pyme-sub001/internal/adapter/sqlite"
	"github.com/cterryc/pyme-sub001/internal/app"
	"github.com/cterryc/pyme-sub001/internal/config"
	"github.com/cterryc/pyme-sub001/internal/logging"

	handler "github.com/cterryc/pyme-sub001/internal/adapter/http"
)

func main() {
	var err error
	if len(os.Args) > 1 && os.Args[1] == "token" {
		err = issueToken(os.Stdout, os.Args[2:])
	} else {
		err = run()
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "pyme: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	logger, err := logging.New(cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	srv, cleanup, err := newServer(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer cleanup()

	errCh := make(chan error, 1)
	go func() {
		logger.Info("pyme listening", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	// RegisterOnShutdown closes the event bus, which ends every push stream.
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	logger.Info("stopped")
	return nil
}

// newServer wires every adapter and returns the HTTP server together with a
// cleanup func that releases what was started, in reverse order.
func newServer(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*http.Server, func(), error) {
	var closers []func()
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}
	fail := func(err error) (*http.Server, func(), error) {
		cleanup()
		return nil, func() {}, err
	}

	// --- Telemetry ---
	providers, err := otelAdapter.Setup(ctx, cfg.Telemetry)
	if err != nil {
		return fail(fmt.Errorf("otel: %w", err))
	}
	closers = append(closers, func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := providers.Shutdown(flushCtx); err != nil {
			logger.Warn("otel shutdown", zap.Error(err))
		}
	})

	// --- Adapters (out) ---
	db, err := otelAdapter.OpenDB(cfg.DatabasePath)
	if err != nil {
		return fail(fmt.Errorf("database: %w", err))
	}
	repo, err := sqlite.NewFromDB(db)
	if err != nil {
		_ = db.Close()
		return fail(fmt.Errorf("database: %w", err))
	}
	closers = append(closers, func() { _ = repo.Close() })

	riverClient, err := riverAdapter.Setup(ctx, db, logger.Named("river"))
	if err != nil {
		return fail(fmt.Errorf("river: %w", err))
	}
	if err := riverClient.Start(ctx); err != nil {
		return fail(fmt.Errorf("river start: %w", err))
	}
	closers = append(closers, func() {
		stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := riverClient.Stop(stopCtx); err != nil {
			logger.Warn("river stop", zap.Error(err))
		}
	})

	bus := eventbus.New(cfg.Push.BufferSize, logger)
	closers = append(closers, bus.Close)

	publishers := app.MultiPublisher{
		otelAdapter.NewTracingPublisher("eventbus", bus),
		otelAdapter.NewTracingPublisher("river", riverAdapter.NewPublisher(riverClient)),
	}

	if cfg.Redis.Enabled() {
		client, err := relay.Open(ctx, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
		if err != nil {
			return fail(fmt.Errorf("redis: %w", err))
		}
		closers = append(closers, func() { _ = client.Close() })

		r := relay.NewRelay(client, cfg.Redis.Channel, bus, logger)
		if err := r.Start(ctx); err != nil {
			return fail(fmt.Errorf("redis relay: %w", err))
		}
		closers = append(closers, func() { _ = r.Close() })
		publishers = append(publishers, otelAdapter.NewTracingPublisher("redis", r))
		logger.Info("redis relay enabled", zap.String("channel", cfg.Redis.Channel), zap.String("origin", r.Origin()))
	}

	// --- Application ---
	tracedRepo := otelAdapter.NewTracingRepository(repo)
	engine := app.NewEngine(tracedRepo, fsm.New(), publishers, logger)
	svc := app.NewApplicationService(tracedRepo, engine)

	manager := push.NewManager(bus, push.Config{
		HeartbeatInterval: cfg.Push.HeartbeatInterval,
		MaxPerOwner:       cfg.Push.MaxPerOwner,
		MaxGlobal:         cfg.Push.MaxGlobal,
	}, logger)

	// --- Adapters (in) ---
	router := handler.NewRouter(handler.RouterConfig{
		ServiceName:    cfg.Telemetry.ServiceName,
		Version:        cfg.Telemetry.ServiceVersion,
		Service:        svc,
		Push:           manager,
		Verifier:       auth.NewVerifier([]byte(cfg.Auth.JWTSecret), cfg.Auth.Issuer),
		Limiter:        handler.NewActorLimiter(cfg.RateLimit.RPS, cfg.RateLimit.Burst),
		AllowedOrigins: cfg.Push.AllowedOrigins,
		Metrics:        providers.MetricsHandler,
		Ready:          db.PingContext,
		Logger:         logger,
	})

	// WriteTimeout stays zero: push streams set per-write deadlines instead.
	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       2 * time.Minute,
	}
	srv.RegisterOnShutdown(bus.Close)

	return srv, cleanup, nil
}

// issueToken prints a signed credential: pyme token <subject> [role].
func issueToken(w io.Writer, args []string) error {
	if len(args) < 1 || len(args) > 2 {
		return errors.New("usage: pyme token <subject> [applicant|admin]")
	}
	role := auth.RoleApplicant
	if len(args) == 2 {
		role = args[1]
	}
	if role != auth.RoleApplicant && role != auth.RoleAdmin {
		return fmt.Errorf("unknown role %q", role)
	}

	cfg, err := config.Load()
	if err != nil {
		return err
	}

	token, err := auth.NewIssuer([]byte(cfg.Auth.JWTSecret), cfg.Auth.Issuer, cfg.Auth.TokenTTL).Issue(args[0], role)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(w, token)
	return err
}
