package commands

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"nexusdash/api/internal/app"
	"nexusdash/api/internal/calendar"
	"nexusdash/api/internal/config"
	"nexusdash/api/internal/email"
	"nexusdash/api/internal/export"
	"nexusdash/api/internal/gitrepo"
	"nexusdash/api/internal/metrics"
	"nexusdash/api/internal/search"
	"nexusdash/api/internal/session"
	"nexusdash/api/internal/storage"
	"nexusdash/api/internal/store"
)

const maintenanceInterval = 15 * time.Minute

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP API server",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServe(cmd.Context())
	},
}

// runtime holds everything a command needs plus the teardown for it.
type runtime struct {
	cfg     config.Config
	log     *zap.Logger
	metrics *metrics.Metrics
	store   *store.PostgresStore
	search  *search.Service
	service *app.Service
	closers []func()
}

func (r *runtime) Close() {
	for i := len(r.closers) - 1; i >= 0; i-- {
		r.closers[i]()
	}
	_ = r.log.Sync()
}

// buildRuntime wires the service graph from configuration. Optional backends
// (Redis, Meilisearch, history, SMTP, Google) are skipped when unset.
func buildRuntime(ctx context.Context) (*runtime, error) {
	cfg, logger, err := bootstrap()
	if err != nil {
		return nil, err
	}
	rt := &runtime{cfg: cfg, log: logger, metrics: metrics.New()}

	dataStore, _, closeDB, err := openStore(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}
	rt.store = dataStore
	rt.closers = append(rt.closers, closeDB)

	var (
		sessions app.SessionStore
		states   calendar.StateStore = dataStore
	)
	if strings.TrimSpace(cfg.RedisURL) != "" {
		redisStore, err := session.NewRedisStore(cfg.RedisURL)
		if err != nil {
			rt.Close()
			return nil, fmt.Errorf("redis connection failed: %w", err)
		}
		rt.closers = append(rt.closers, func() { _ = redisStore.Close() })
		sessions = redisStore
		states = redisStore
		logger.Info("using redis for refresh tokens and oauth states")
	} else {
		logger.Info("using postgres for refresh tokens and oauth states")
	}

	objects, err := storage.New(ctx, cfg, rt.metrics)
	if err != nil {
		rt.Close()
		return nil, fmt.Errorf("storage init failed: %w", err)
	}
	logger.Info("attachment storage ready", zap.String("provider", objects.Name()))

	pgfts := search.NewPgFTS(dataStore.DB())
	var primary search.Index
	if strings.TrimSpace(cfg.MeiliURL) != "" {
		meiliClient := search.NewMeili(cfg.MeiliURL, cfg.MeiliMasterKey, logger)
		rt.closers = append(rt.closers, meiliClient.Close)
		primary = meiliClient
	}
	rt.search = search.NewService(primary, pgfts, pgfts, logger)

	var history *gitrepo.Service
	if dir := strings.TrimSpace(cfg.HistoryDir); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			rt.Close()
			return nil, fmt.Errorf("create history dir: %w", err)
		}
		history = gitrepo.New(dir)
	}

	rt.service = app.New(cfg, app.Dependencies{
		Store:    dataStore,
		Sessions: sessions,
		Objects:  objects,
		Search:   rt.search,
		History:  history,
		Exporter: export.NewService(export.ChromePDF),
		Calendar: calendar.New(cfg.Google, dataStore, states),
		Mailer: email.NewService(email.Config{
			Host:     cfg.SMTPHost,
			Port:     cfg.SMTPPort,
			Username: cfg.SMTPUsername,
			Password: cfg.SMTPPassword,
			From:     cfg.SMTPFrom,
			FromName: cfg.SMTPFromName,
		}),
		Metrics: rt.metrics,
		Logger:  logger,
	})
	return rt, nil
}

func runServe(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	rt, err := buildRuntime(ctx)
	if err != nil {
		return err
	}
	defer rt.Close()

	httpServer := app.NewHTTPServer(rt.service, rt.cfg.CORSOrigin)
	server := &http.Server{
		Addr:              rt.cfg.Addr,
		Handler:           httpServer.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		// Storage and upload handlers raise these per request to STORAGE_TRANSFER_TIMEOUT.
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		rt.log.Info("api listening", zap.String("addr", rt.cfg.Addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server failed: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		runMaintenance(gctx, rt)
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			rt.log.Warn("shutdown error", zap.Error(err))
		}
		return nil
	})
	err = g.Wait()
	rt.log.Info("api stopped")
	return err
}

// runMaintenance sweeps abandoned uploads and prunes expired auth rows until
// ctx is done.
func runMaintenance(ctx context.Context, rt *runtime) {
	ticker := time.NewTicker(maintenanceInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			maintain(ctx, rt, time.Now())
		}
	}
}

func maintain(ctx context.Context, rt *runtime, now time.Time) {
	if _, err := rt.service.SweepExpiredUploads(ctx, now); err != nil {
		rt.log.Warn("upload sweep failed", zap.Error(err))
	}
	if err := rt.store.PruneExpiredTokens(ctx, now); err != nil {
		rt.log.Warn("token prune failed", zap.Error(err))
	}
	if err := rt.store.PruneOAuthStates(ctx, now); err != nil {
		rt.log.Warn("oauth state prune failed", zap.Error(err))
	}
}
