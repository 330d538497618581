// Command idpd serves the identity provider over HTTP.
//
// Settings come from an optional YAML file (-config) and IDP_* environment
// variables; see package config.
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

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	idp "github.com/chimerakang/idp-go"
	"github.com/chimerakang/idp-go/audit"
	"github.com/chimerakang/idp-go/config"
	"github.com/chimerakang/idp-go/endpoint"
	"github.com/chimerakang/idp-go/internal/call"
	"github.com/chimerakang/idp-go/jwks"
	"github.com/chimerakang/idp-go/metrics"
	"github.com/chimerakang/idp-go/registry"
	"github.com/chimerakang/idp-go/session"
	"github.com/chimerakang/idp-go/user"
)

const shutdownTimeout = 10 * time.Second

func main() {
	configPath := flag.String("config", "", "path to the YAML configuration file")
	flag.Parse()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, *configPath); err != nil {
		slog.Error("idpd failed", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	logger, err := newLogger(cfg)
	if err != nil {
		return err
	}
	slog.SetDefault(logger)

	srv, err := newServer(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := srv.Close(); err != nil {
			logger.Warn("closing collaborators", "error", err)
		}
	}()

	var auditLog *audit.Logger
	if cfg.Audit.Enabled {
		auditLog = audit.New(cfg.Audit.BufferSize, audit.WithSlogHandler(logger.With("component", "audit")))
		defer func() { _ = auditLog.Close() }()
	}

	hashKey, blockKey, err := cfg.CookieKeys()
	if err != nil {
		return err
	}
	if hashKey == nil {
		logger.Warn("no cookie keys configured; login sessions will not survive a restart")
	}

	if level, _ := cfg.LogLevelValue(); level > slog.LevelDebug {
		gin.SetMode(gin.ReleaseMode)
	}
	m := metrics.New(cfg.Metrics.Enabled)
	handler := endpoint.New(srv,
		endpoint.WithMetrics(m),
		endpoint.WithAudit(auditLog),
		endpoint.WithCookieKeys(hashKey, blockKey),
		endpoint.WithSecureCookies(cfg.Cookie.Secure),
		endpoint.WithSessionTTL(cfg.Cookie.TTL),
	)

	httpSrv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           handler.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("identity provider listening", "addr", cfg.ListenAddr, "issuer", cfg.Issuer)
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		sctx, scancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer scancel()
		return httpSrv.Shutdown(sctx)
	})

	if cfg.Metrics.Enabled && cfg.MetricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		metricsSrv := &http.Server{Addr: cfg.MetricsAddr, Handler: mux, ReadHeaderTimeout: 10 * time.Second}
		g.Go(func() error {
			logger.Info("metrics listening", "addr", cfg.MetricsAddr)
			if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("metrics server: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			sctx, scancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer scancel()
			return metricsSrv.Shutdown(sctx)
		})
		g.Go(func() error { return handler.ReportStoreStats(gctx, 15*time.Second) })
	}

	err = g.Wait()
	logger.Info("identity provider stopped")
	return err
}

func newLogger(cfg *config.Config) (*slog.Logger, error) {
	level, err := cfg.LogLevelValue()
	if err != nil {
		return nil, err
	}
	opts := &slog.HandlerOptions{Level: level}
	if cfg.LogFormat == "json" {
		return slog.New(slog.NewJSONHandler(os.Stderr, opts)), nil
	}
	return slog.New(slog.NewTextHandler(os.Stderr, opts)), nil
}

// newServer builds the registry, signer, stores and engine from cfg.
func newServer(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*idp.Server, error) {
	reg, err := loadRegistry(cfg, logger)
	if err != nil {
		return nil, err
	}

	var signer *jwks.Signer
	if cfg.SigningKeyFile != "" {
		signer, err = jwks.LoadSigner(cfg.SigningKeyFile, cfg.KeyID)
	} else {
		logger.Warn("no signing key configured; generating an ephemeral key")
		signer, err = jwks.GenerateSigner(cfg.KeyID)
	}
	if err != nil {
		return nil, err
	}

	var store *session.Service
	switch cfg.Session.Backend {
	case config.BackendRedis:
		store, err = session.NewRedisStore(ctx, cfg.RedisConfig(), session.WithLogger(logger))
		if err != nil {
			return nil, err
		}
	default:
		store = session.NewMemoryStore(session.WithCleanupInterval(cfg.Session.CleanupInterval))
	}

	var backend user.Backend
	switch cfg.Users.Backend {
	case config.BackendMySQL:
		db, err := user.OpenMySQL(ctx, cfg.MySQLConfig())
		if err != nil {
			_ = store.Close()
			return nil, err
		}
		backend = user.NewSQLBackend(db, cfg.Users.MySQL.Table)
	default:
		backend = user.NewRegistryBackend(reg)
	}
	users := user.New(backend,
		user.WithLogger(logger),
		user.WithPolicy(call.Policy{
			Timeout: cfg.Collaborator.Timeout,
			Retries: cfg.Collaborator.Retries,
			Logger:  logger,
		}),
	)

	return idp.New(cfg.Engine(),
		idp.WithLogger(logger),
		idp.WithRegistry(reg),
		idp.WithUserStore(users),
		idp.WithSigner(signer),
		idp.WithSessionStore(store),
		idp.WithTokenVerifier(signer.Verifier(jwks.WithIssuer(cfg.Issuer))),
	)
}

func loadRegistry(cfg *config.Config, logger *slog.Logger) (*registry.Registry, error) {
	if cfg.RegistryFile == "" {
		logger.Warn("no registry file configured; serving the sample registry")
		return registry.Default()
	}
	return registry.LoadFile(cfg.RegistryFile)
}
