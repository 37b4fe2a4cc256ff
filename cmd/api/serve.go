package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/samber/oops"
	"github.com/spf13/cobra"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/ovaphlow/pitchfork/service-account/internal/config"
	"github.com/ovaphlow/pitchfork/service-account/internal/metrics"
	"github.com/ovaphlow/pitchfork/service-account/internal/notify"
	"github.com/ovaphlow/pitchfork/service-account/internal/ratelimit"
	"github.com/ovaphlow/pitchfork/service-account/internal/router"
	"github.com/ovaphlow/pitchfork/service-account/internal/telemetry"
	"github.com/ovaphlow/pitchfork/service-account/internal/token"
	"github.com/ovaphlow/pitchfork/service-account/internal/user"
	userrepo "github.com/ovaphlow/pitchfork/service-account/internal/user/repo"
	"github.com/ovaphlow/pitchfork/service-account/pkg/database"
	"github.com/ovaphlow/pitchfork/service-account/pkg/utilities"
)

const serviceName = "service-account"

// NewServeCmd creates the serve subcommand.
func NewServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API",
		RunE:  runServe,
	}
}

func runServe(cmd *cobra.Command, _ []string) error {
	lg, err := newLogger()
	if err != nil {
		return oops.Code("LOGGER_FAILED").Wrap(err)
	}
	defer lg.Sync()
	sugar := lg.Sugar()

	cfg, err := config.FromEnv()
	if err != nil {
		sugar.Errorw("invalid configuration", "err", err)
		return err
	}
	sugar.Infow("starting "+serviceName, "addr", cfg.HTTPAddr)

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTracing := telemetry.Setup(ctx, serviceName, cfg.Tracing, sugar)

	db, err := database.Open(database.ConfigFromEnv())
	if err != nil {
		return oops.Code("DB_CONNECT_FAILED").With("operation", "connect to database").Wrap(err)
	}
	defer db.Close()

	ids, err := utilities.NewIDGenerator(cfg.SnowflakeNode)
	if err != nil {
		return oops.Code("CONFIG_INVALID").With("key", "SNOWFLAKE_NODE").Wrap(err)
	}
	repo := userrepo.NewUserRepo(db, ids)
	if err := repo.EnsureTable(ctx); err != nil {
		return oops.Code("SCHEMA_FAILED").With("operation", "ensure users table").Wrap(err)
	}

	issuer, err := token.NewIssuer(cfg.JWTSecret)
	if err != nil {
		return oops.Code("CONFIG_INVALID").With("key", "JWT_SECRET").Wrap(err)
	}

	reg, m := metrics.NewRegistry()

	var rdb *redis.Client
	if cfg.RedisAddr != "" {
		rdb = redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
		defer rdb.Close()
		if err := rdb.Ping(ctx).Err(); err != nil {
			sugar.Warnw("redis unreachable, rate limiting fails open until it recovers", "addr", cfg.RedisAddr, "err", err)
		}
	} else {
		sugar.Warn("REDIS_ADDR not set, rate limiting disabled")
	}
	limiter := ratelimit.New(rdb, cfg.RateLimitPerMinute, cfg.RateLimitBurst, ratelimit.WithTrustedProxies(cfg.TrustedProxies))

	svc := user.NewUserService(repo, issuer, notify.New(cfg.SMTP, sugar), sugar,
		user.WithMetrics(m),
		user.WithLinks(cfg.Links),
		user.WithMailTimeout(cfg.MailTimeout),
	)

	handler := router.RegisterRoutes(router.Deps{
		Users:          user.NewHandler(svc, sugar),
		Auth:           svc,
		Limiter:        limiter,
		Metrics:        m,
		MetricsHandler: metrics.Handler(reg),
		Logger:         sugar,
	})
	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           otelhttp.NewHandler(handler, serviceName),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()
	sugar.Info("service is running; press Ctrl+C to stop")

	select {
	case <-ctx.Done():
	case err := <-errCh:
		if err != nil {
			return oops.Code("HTTP_FAILED").With("addr", cfg.HTTPAddr).Wrap(err)
		}
	}

	sugar.Info("shutting down")
	doneCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(doneCtx); err != nil {
		sugar.Warnw("http server shutdown failed", "err", err)
	}
	// each pending mail gives up once its mail timeout expires
	svc.Wait()
	if err := shutdownTracing(doneCtx); err != nil {
		sugar.Warnw("tracing shutdown failed", "err", err)
	}
	sugar.Info("goodbye")
	return nil
}
