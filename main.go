package main

import (
	"context"
	"embed"
	"fmt"
	"io/fs"
	"log/slog"
	"net"
	"net/http"
	"net/netip"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/MGallo-Code/aegis/internal/api"
	"github.com/MGallo-Code/aegis/internal/apikey"
	"github.com/MGallo-Code/aegis/internal/audit"
	"github.com/MGallo-Code/aegis/internal/config"
	"github.com/MGallo-Code/aegis/internal/guard"
	"github.com/MGallo-Code/aegis/internal/lock"
	"github.com/MGallo-Code/aegis/internal/metrics"
	"github.com/MGallo-Code/aegis/internal/mfa"
	"github.com/MGallo-Code/aegis/internal/ratelimit"
	"github.com/MGallo-Code/aegis/internal/store"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
)

// Embeds the migration files INTO the go bin

//go:embed migrations/*.sql
var migrationsDir embed.FS

// cfg is loaded once by the root command before any subcommand runs.
var cfg *config.Config

var rootCmd = &cobra.Command{
	Use:           "aegis",
	Short:         "Trust and access control service",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		c, err := config.LoadConfig()
		if err != nil {
			return err
		}
		cfg = c

		// Include source location in log entries at debug level only.
		slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
			Level:     cfg.LogLevel,
			AddSource: cfg.LogLevel == slog.LevelDebug,
		})))
		return nil
	},
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP server",
	RunE: func(cmd *cobra.Command, args []string) error {
		// Cancel ctx on SIGINT/SIGTERM; run() shuts down when ctx is done.
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()
		return run(ctx, cfg, nil)
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func main() {
	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		slog.Error("fatal", "err", err)
		os.Exit(1)
	}
}

// app holds every wired component. Built once per process by newApp.
type app struct {
	ps       *store.PostgresStore
	rdb      *redis.Client
	durable  *store.RedisKV
	local    *store.MemoryKV
	shared   *store.FallbackKV
	auditLog *audit.Log
	profiles *ratelimit.Profiles
	limiter  *ratelimit.Limiter
	locks    *lock.Manager
	mfa      *mfa.Service
	keys     *apikey.Manager
	guard    *guard.Guard

	closers []func()
}

// newApp connects to Postgres and Redis, applies migrations and wires the
// components. Close releases everything newApp opened, even on partial failure.
func newApp(ctx context.Context, cfg *config.Config) (_ *app, err error) {
	a := &app{}
	defer func() {
		if err != nil {
			a.Close()
		}
	}()

	a.ps, err = store.NewPostgresStore(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to set up postgres store: %w", err)
	}
	a.closers = append(a.closers, a.ps.Close)

	// Run database migrations
	migrationsFS, err := fs.Sub(migrationsDir, "migrations")
	if err != nil {
		return nil, fmt.Errorf("failed to access embedded migrations: %w", err)
	}
	if err := a.ps.Migrate(ctx, migrationsFS); err != nil {
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	// Shared Redis client; locks use it directly, rate limits through the local fallback.
	a.rdb, err = store.NewRedisClient(ctx, cfg.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to set up redis client: %w", err)
	}
	a.closers = append(a.closers, func() { a.rdb.Close() })
	a.durable = store.NewRedisKV(a.rdb)
	a.local = store.NewMemoryKV()
	a.shared = store.NewFallbackKV(a.durable, a.local)

	var auditStore audit.Store
	switch cfg.AuditBackend {
	case "sqlite":
		sq, err := store.NewSQLiteAuditStore(cfg.AuditSQLitePath)
		if err != nil {
			return nil, fmt.Errorf("failed to open sqlite audit store: %w", err)
		}
		a.closers = append(a.closers, func() { sq.Close() })
		auditStore = sq
	case "memory":
		slog.Warn("audit log is in memory only; events are lost on restart")
		auditStore = audit.NewMemoryStore()
	default:
		auditStore = a.ps
	}
	a.auditLog = audit.NewLog(auditStore)

	var overrides map[string]ratelimit.Profile
	if cfg.RateLimitProfilesFile != "" {
		overrides, err = ratelimit.LoadProfilesFile(cfg.RateLimitProfilesFile)
		if err != nil {
			return nil, fmt.Errorf("failed to load rate limit profiles: %w", err)
		}
	}
	a.profiles = ratelimit.NewProfiles(overrides)
	a.limiter = ratelimit.NewLimiter(a.shared, a.profiles, a.auditLog)
	a.locks = lock.NewManager(a.durable, a.auditLog, cfg.LockDefaultTTL)

	sealer, err := mfa.NewSealer(cfg.MFAEncryptionKey)
	if err != nil {
		return nil, fmt.Errorf("failed to set up mfa sealing: %w", err)
	}
	if sealer == nil {
		slog.Warn("MFA_ENCRYPTION_KEY not set; totp secrets stored unsealed")
	}
	a.mfa = mfa.NewService(a.ps, a.auditLog, a.locks, a.limiter, sealer, cfg.MFAIssuer)

	hasher, err := apikey.NewHasher(cfg.APIKeyHash)
	if err != nil {
		return nil, err
	}
	a.keys, err = apikey.NewManager(a.ps, hasher, a.limiter, a.auditLog)
	if err != nil {
		return nil, fmt.Errorf("failed to set up api key manager: %w", err)
	}

	a.guard = guard.New(a.limiter, a.locks, a.mfa, a.keys, a.auditLog)
	return a, nil
}

// Close releases connections in reverse order of opening.
func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}

// handler builds the HTTP handler set over the wired components.
func (a *app) handler(cfg *config.Config) *api.Handler {
	return &api.Handler{
		MFA:          a.mfa,
		Keys:         a.keys,
		Audit:        a.auditLog,
		Locks:        a.locks,
		Guard:        a.guard,
		DB:           a.ps,
		KV:           a.durable,
		Fallback:     a.shared,
		MaxBodyBytes: int64(cfg.MaxRequestBytes),
	}
}

// run holds all server logic and returns error instead of calling os.Exit,
// so deferred resource cleanup always runs.
// Shuts down when ctx is cancelled (signal handling is the caller's concern).
// If ready is non-nil, the server's base URL is sent on it once the listener is bound.
func run(ctx context.Context, cfg *config.Config, ready chan<- string) error {
	a, err := newApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	// Background tasks stop when run() returns.
	bgCtx, cancelBg := context.WithCancel(ctx)
	defer cancelBg()

	go a.local.Run(bgCtx, cfg.FallbackSweepInterval)

	if cfg.RateLimitProfilesFile != "" {
		go func() {
			if err := a.profiles.Watch(bgCtx, cfg.RateLimitProfilesFile); err != nil {
				slog.Error("rate limit profile watcher stopped", "error", err)
			}
		}()
	}

	sched := audit.NewScheduler(a.auditLog, cfg.AuditVerifySchedule)
	if err := sched.Start(bgCtx); err != nil {
		return fmt.Errorf("failed to start audit integrity schedule: %w", err)
	}

	// Bind listener; ":0" picks a free port (useful in tests).
	ln, err := net.Listen("tcp", ":"+cfg.Port)
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}

	server := &http.Server{
		Handler:           buildRouter(a.handler(cfg), a.limiter, cfg.TrustedProxies),
		ReadHeaderTimeout: 10 * time.Second,
	}

	// Start server in a goroutine; run() continues past this.
	errCh := make(chan error, 1)
	go func() {
		slog.Info("aegis listening", "addr", ln.Addr().String())
		// Send error only if server stops for a reason other than explicit shutdown.
		if err := server.Serve(ln); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	// Signal readiness to caller (used by tests; nil in production).
	if ready != nil {
		ready <- "http://" + ln.Addr().String()
	}

	// Wait for server error or shutdown signal from ctx.
	select {
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	case <-ctx.Done():
	}

	slog.Info("shutting down server...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	// Stops accepting new conns and waits for in-flight requests, up to 30s.
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown error: %w", err)
	}

	slog.Info("server stopped")
	return nil
}

// buildRouter wires all routes and middleware.
// Called from run() and from smoke tests. Forwarding headers are honored only
// from peers in trustedProxies.
func buildRouter(h *api.Handler, limiter *ratelimit.Limiter, trustedProxies []netip.Prefix) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(api.TrustedRealIP(trustedProxies))
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))

	r.Get("/health", h.CheckHealth)
	r.Handle("/metrics", metrics.Handler())
	r.Mount("/v1", h.Routes(limiter))

	return r
}
