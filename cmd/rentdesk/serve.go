package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/alecgard/rentdesk/internal/account"
	"github.com/alecgard/rentdesk/internal/api"
	"github.com/alecgard/rentdesk/internal/audit"
	"github.com/alecgard/rentdesk/internal/auth"
	"github.com/alecgard/rentdesk/internal/config"
	"github.com/alecgard/rentdesk/internal/mail"
	"github.com/alecgard/rentdesk/internal/metrics"
	"github.com/alecgard/rentdesk/internal/ratelimit"
	"github.com/alecgard/rentdesk/internal/role"
	"github.com/alecgard/rentdesk/internal/token"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/cobra"
)

const loginCodeSweepInterval = time.Hour

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the rentdesk server",
	RunE:  runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	slog.SetDefault(logger)

	cfg, err := config.Load(cfgFile)
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	pool, err := pgxpool.New(ctx, cfg.Database.URL)
	if err != nil {
		return err
	}
	defer pool.Close()

	if err := pool.Ping(ctx); err != nil {
		return err
	}
	slog.Info("connected to database")

	m := metrics.New()
	m.RegisterDBPoolCollector(metrics.StatFuncFrom(func() metrics.PoolStater { return pool.Stat() }))

	accounts := account.NewStore(pool)
	auditStore := audit.NewStore(pool)
	collector := audit.NewCollector(auditStore, cfg.Audit.BatchSize, cfg.Audit.FlushInterval)
	collector.OnFlush(m.ObserveAuditFlush)
	collectorDone := make(chan struct{})
	go func() {
		collector.Start(ctx)
		close(collectorDone)
	}()

	mailer, err := newMailer(cfg)
	if err != nil {
		return err
	}

	limiter, closeLimiter, err := newLimiter(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeLimiter()

	issuer, err := token.NewIssuer(cfg.Auth.SessionSecret, cfg.Auth.Issuer, cfg.Auth.Audience, cfg.Auth.SessionTTL)
	if err != nil {
		return err
	}

	authService, err := auth.NewService(auth.Deps{
		Store:    account.NewAuthAdapter(accounts),
		Tokens:   issuer,
		Roles:    role.NewResolver(accounts, cfg.Auth.AdminEmails),
		Mailer:   mailer,
		Audit:    collector,
		Observer: m,
	}, auth.Options{
		BaseURL:          cfg.Site.BaseURL,
		MailFrom:         cfg.Mail.From,
		ResetTTL:         cfg.Auth.ResetTokenTTL,
		MagicLinkTTL:     cfg.Auth.MagicLinkTTL,
		MinPasswordChars: cfg.Auth.MinPasswordChars,
	})
	if err != nil {
		return err
	}

	guard := auth.NewGuard(authService, auth.Policy{
		RefreshAfter:  cfg.Auth.RefreshAfter,
		SecureCookies: cfg.SecureCookies(),
	})

	proxies, err := cfg.TrustedProxyNets()
	if err != nil {
		return err
	}

	router := api.NewRouter(api.RouterDeps{
		Auth:           authService,
		Guard:          guard,
		Accounts:       accounts,
		Events:         auditStore,
		Audit:          collector,
		Limiter:        limiter,
		Metrics:        m,
		DB:             pool,
		AllowedOrigins: cfg.CORS.AllowedOrigins,
		TrustedProxies: proxies,
		SecureCookies:  cfg.SecureCookies(),
		RequestTimeout: cfg.Database.QueryTimeout,
	})

	go sweepLoginCodes(ctx, accounts)

	srv := &http.Server{
		Addr:         cfg.Addr(),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		slog.Info("server starting", "addr", cfg.Addr(), "environment", cfg.Server.Environment)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	<-sigCh
	slog.Info("shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	err = srv.Shutdown(shutdownCtx)

	// Background mail records audit events, so drain it before the collector.
	authService.Wait()
	collector.Stop()
	<-collectorDone

	return err
}

func newMailer(cfg *config.Config) (mail.Mailer, error) {
	switch cfg.Mail.Driver {
	case "amqp":
		slog.Info("mail delivery via queue", "queue", cfg.Mail.Queue)
		return mail.NewQueueMailer(cfg.Mail.AMQPURL, cfg.Mail.Queue)
	default:
		slog.Warn("mail driver is log: emails are written to the log, not delivered")
		return mail.NewLogMailer(slog.Default()), nil
	}
}

// newLimiter builds the auth rate limit backend. A zero request budget
// disables limiting.
func newLimiter(ctx context.Context, cfg *config.Config) (ratelimit.Backend, func(), error) {
	rl := cfg.RateLimit
	if rl.Requests == 0 {
		slog.Warn("auth rate limiting disabled")
		return nil, func() {}, nil
	}

	if rl.Backend == "redis" {
		client, err := ratelimit.NewRedisClient(ctx, rl.RedisURL)
		if err != nil {
			return nil, nil, err
		}
		slog.Info("rate limiting via redis")
		return ratelimit.NewRedis(client, "rentdesk:ratelimit:", rl.Requests, rl.Window), func() { _ = client.Close() }, nil
	}

	limiter := ratelimit.New(rl.Requests, rl.Window)
	go func() {
		ticker := time.NewTicker(rl.Window)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if n := limiter.Sweep(); n > 0 {
					slog.Debug("swept idle rate limit buckets", "count", n)
				}
			}
		}
	}()
	return limiter, func() {}, nil
}

// sweepLoginCodes removes expired magic-link codes until ctx is done.
func sweepLoginCodes(ctx context.Context, accounts *account.Store) {
	ticker := time.NewTicker(loginCodeSweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := accounts.CleanExpiredLoginCodes(ctx)
			if err != nil {
				slog.Error("cleaning login codes", "error", err)
				continue
			}
			if n > 0 {
				slog.Info("cleaned expired login codes", "count", n)
			}
		}
	}
}
