package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/cooodecat/otto-handler-sub000/internal/app/migrate"
	"github.com/cooodecat/otto-handler-sub000/internal/gateway"
	httpx "github.com/cooodecat/otto-handler-sub000/internal/http"
	"github.com/cooodecat/otto-handler-sub000/internal/idempotency"
	"github.com/cooodecat/otto-handler-sub000/internal/logsource/cloudwatch"
	"github.com/cooodecat/otto-handler-sub000/internal/logstream"
	"github.com/cooodecat/otto-handler-sub000/internal/metrics"
	provisionaws "github.com/cooodecat/otto-handler-sub000/internal/provision/aws"
	"github.com/cooodecat/otto-handler-sub000/internal/repository"
	"github.com/cooodecat/otto-handler-sub000/internal/repository/postgres"
	"github.com/cooodecat/otto-handler-sub000/internal/service/build"
	"github.com/cooodecat/otto-handler-sub000/internal/service/cleanup"
	"github.com/cooodecat/otto-handler-sub000/internal/service/deploy"
	"github.com/cooodecat/otto-handler-sub000/internal/ws"
	"github.com/cooodecat/otto-handler-sub000/pkg/config"
	"github.com/cooodecat/otto-handler-sub000/pkg/logger"
)

func main() {
	cfg := config.LoadEngineConfig()
	log := logger.New("engine", logger.ParseLevel(cfg.LogLevel))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Error("failed to connect to database", "error", err)
		os.Exit(1)
	}

	runner, err := migrate.New(pool, cfg.DatabaseURL, cfg.MigrationsDir, log)
	if err != nil {
		log.Error("failed to configure migrations", "error", err)
		os.Exit(1)
	}
	defer runner.Close()
	if err := runner.Ping(ctx); err != nil {
		log.Error("database ping failed", "error", err)
		os.Exit(1)
	}
	if err := runner.Ensure(ctx); err != nil {
		log.Error("migrations failed", "error", err)
		os.Exit(1)
	}

	repo := postgres.New(pool)
	m := metrics.New()

	store, err := idempotency.NewRedisStore(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
	if err != nil {
		// At-least-once delivery is tolerated downstream; a missing store
		// only widens the duplicate window.
		log.Warn("redis idempotency store unavailable, falling back to in-memory dedup", "error", err)
		store = idempotency.NewMemoryStore()
	}
	defer store.Close()

	hub := ws.NewHub()
	var notifier logstream.Notifier
	fanout, err := logstream.NewFanout(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB, hub, log)
	if err != nil {
		log.Warn("redis fanout unavailable, streaming stays instance-local", "error", err)
		notifier = logstream.NewLocalNotifier(hub)
	} else {
		defer fanout.Close()
		go fanout.Run(ctx)
		notifier = fanout
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.AWSRegion))
	if err != nil {
		log.Error("failed to load aws configuration", "error", err)
		os.Exit(1)
	}

	stream := logstream.New(repo, cloudwatch.New(awsCfg), notifier, log, m, logstream.Config{
		Interval:       cfg.LogPollInterval,
		MaxFailures:    cfg.LogPollMaxFails,
		BufferCapacity: cfg.LogBufferCapacity,
		BufferIdleTTL:  cfg.LogBufferIdleTTL,
	})
	go stream.Run(ctx)

	provisioner := provisionaws.New(awsCfg, provisionaws.Config{
		Cluster:          cfg.ECSCluster,
		VpcID:            cfg.VpcID,
		SubnetIDs:        splitCSV(cfg.SubnetIDs),
		SecurityGroupIDs: splitCSV(cfg.SecurityGroupIDs),
		ExecutionRoleArn: cfg.ExecutionRoleArn,
		TaskRoleArn:      cfg.TaskRoleArn,
		Region:           cfg.AWSRegion,
		HostedZoneID:     cfg.HostedZoneID,
		EventBusName:     cfg.EventBusName,
		EngineTargetArn:  cfg.EngineTargetArn,
	})

	cleaner := cleanup.New(repo, repo, repo, provisioner, store, stream, log, cleanup.Config{
		SharedIngressName: cfg.SharedIngress,
		StepTimeout:       cfg.ProvisionTimeout,
	})

	orchestrator := deploy.New(repo, repo, provisioner, cleaner, notifier, log, m, deploy.Config{
		SharedIngressName: cfg.SharedIngress,
		DomainSuffix:      cfg.DomainSuffix,
		StepTimeout:       cfg.ProvisionTimeout,
		QueueSize:         cfg.DeployQueueSize,
	})
	go orchestrator.Run(ctx)

	tracker := build.New(repo, repo, stream, orchestrator, notifier, log)
	gw := gateway.New(store, repo, tracker, orchestrator, log, m, cfg.EventTTL)

	go sweepEvents(ctx, repo, cfg.EventSweepEvery, cfg.EventTTL, log)

	router := httpx.NewRouter(log, gw, repo, repo, repo, stream, hub, pool.Ping)

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errorCh := make(chan error, 1)
	go func() {
		log.Info("engine server starting", "addr", cfg.Addr)
		errorCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Error("graceful shutdown failed", "error", err)
		}
		log.Info("engine server stopped")
	case err := <-errorCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("server error", "error", err)
			os.Exit(1)
		}
	}
}

// sweepEvents prunes the inbound event audit trail on an interval, keeping
// it roughly aligned with the idempotency window.
func sweepEvents(ctx context.Context, events repository.EventRepository, every, ttl time.Duration, log *slog.Logger) {
	if every <= 0 {
		return
	}
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			removed, err := events.DeleteEventsBefore(ctx, time.Now().Add(-ttl))
			if err != nil {
				log.Warn("event audit sweep failed", "error", err)
				continue
			}
			if removed > 0 {
				log.Info("event audit swept", "removed", removed)
			}
		}
	}
}

func splitCSV(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
