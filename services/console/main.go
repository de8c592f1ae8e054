package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os/signal"
	"syscall"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"

	"github.com/vgold/heatwatch/services/console/internal/archive"
	"github.com/vgold/heatwatch/services/console/internal/config"
	"github.com/vgold/heatwatch/services/console/internal/directory"
	httpserver "github.com/vgold/heatwatch/services/console/internal/http"
	"github.com/vgold/heatwatch/services/console/internal/logger"
	"github.com/vgold/heatwatch/services/console/internal/notify"
	"github.com/vgold/heatwatch/services/console/internal/provision"
	"github.com/vgold/heatwatch/services/console/internal/push"
	"github.com/vgold/heatwatch/services/console/internal/session"
	"github.com/vgold/heatwatch/services/console/internal/telemetry"
	"github.com/vgold/heatwatch/services/console/internal/upstream"
)

const sessionKey = "heatwatch:session"

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config error: %v", err)
	}

	lg, err := logger.New(cfg.LogLevel, cfg.LogFormat, "heatwatch-console")
	if err != nil {
		log.Fatalf("logger error: %v", err)
	}
	defer func() { _ = lg.Sync() }()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, cfg, lg); err != nil {
		lg.Fatal("console failed", zap.Error(err))
	}
}

func run(ctx context.Context, cfg config.Config, lg *zap.Logger) error {
	api := upstream.New(cfg.APIBaseURL, cfg.RequestTimeout, lg.Named("upstream"))

	persister, closePersister, err := newPersister(ctx, cfg)
	if err != nil {
		return err
	}
	defer closePersister()

	holder := session.NewHolder(api, persister, lg.Named("session"))
	api.SetTokenSource(holder)
	api.OnUnauthorized(holder.ForceLogout)

	if err := holder.Restore(ctx); err != nil {
		lg.Warn("failed to restore session", zap.Error(err))
	}
	if err := holder.Validate(ctx); err != nil && !errors.Is(err, session.ErrNotLoggedIn) {
		lg.Info("stored session rejected, login required", zap.Error(err))
	}

	center := notify.NewCenter(cfg.ToastTTL)
	dir := directory.NewCache(api, center, lg.Named("directory"))

	channel := push.New(cfg.PushURL, holder.Token, cfg.ReconnectDelay, lg.Named("push"))
	channel.Start(ctx)
	defer channel.Stop()

	store := telemetry.NewStore(api, center, lg.Named("telemetry"),
		telemetry.WithGate(holder.LoggedIn),
		telemetry.WithSyncDelay(cfg.SyncDelay),
		telemetry.WithPageLimit(cfg.SensorPageLimit),
		telemetry.WithHistoryPageSize(cfg.HistoryPageSize),
	)
	detach := store.AttachPush(channel)
	defer detach()
	stopPolling := store.StartPolling(ctx, cfg.PollInterval)
	defer stopPolling()

	workflow := provision.New(channel, api, store, lg.Named("provision"))
	// A logout abandons any pairing session in progress.
	holder.OnLogout(workflow.Stop)

	if cfg.DatabaseURL != "" {
		arch, err := archive.New(ctx, cfg.DatabaseURL)
		if err != nil {
			return err
		}
		defer arch.Close()
		if err := arch.EnsureSchema(ctx); err != nil {
			return err
		}
		recorder := archive.NewRecorder(arch, store, lg.Named("archive"), cfg.ArchiveMinInterval, cfg.ArchiveEpsilon)
		go recorder.Run(ctx)
		lg.Info("archiving readings to postgres")
	}

	srv := httpserver.New(cfg, httpserver.Deps{
		Session:       holder,
		Sensors:       store,
		Directory:     dir,
		Notifications: center,
		Provisioning:  workflow,
	}, lg.Named("http"))
	lg.Info("console listening", zap.String("addr", cfg.ListenAddr()), zap.String("api", cfg.APIBaseURL))

	return srv.Run(ctx)
}

// newPersister keeps sessions in Redis when REDIS_ADDR is set and in a local
// file otherwise.
func newPersister(ctx context.Context, cfg config.Config) (session.Persister, func(), error) {
	if cfg.RedisAddr == "" {
		return session.NewFilePersister(cfg.SessionFile), func() {}, nil
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, nil, fmt.Errorf("connect redis %s: %w", cfg.RedisAddr, err)
	}
	return session.NewRedisPersister(client, sessionKey), func() { _ = client.Close() }, nil
}
