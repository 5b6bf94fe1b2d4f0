package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/breez/offline-sync/config"
	"github.com/breez/offline-sync/connectivity"
	"github.com/breez/offline-sync/store/postgres"
	"github.com/breez/offline-sync/store/sqlite"
	"github.com/breez/offline-sync/syncer"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

// app holds the long lived components shared by the commands.
type app struct {
	config       *config.Config
	log          *zap.Logger
	local        *sqlite.LocalAdapter
	remote       *postgres.RemoteAdapter
	monitor      *connectivity.Monitor
	orchestrator *syncer.Orchestrator
	registry     *prometheus.Registry
	healthConn   *grpc.ClientConn
}

func newApp(config *config.Config, logger *zap.Logger) (*app, error) {
	if config.PgDatabaseUrl == "" {
		return nil, errors.New("DATABASE_URL is required")
	}
	a := &app{config: config, log: logger, registry: prometheus.NewRegistry()}
	a.registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	local, err := sqlite.NewLocalAdapter(config.SQLitePath, sqlite.WithLogger(logger))
	if err != nil {
		return nil, err
	}
	a.local = local

	remoteOpts := []postgres.Option{
		postgres.WithLogger(logger),
		postgres.WithProbeTiming(config.ProbeCacheTTL, config.ProbeTimeout),
	}
	if config.RemoteHealthGrpcAddress != "" {
		conn, err := grpc.NewClient(config.RemoteHealthGrpcAddress, grpc.WithTransportCredentials(insecure.NewCredentials()))
		if err != nil {
			a.Close()
			return nil, fmt.Errorf("failed to create health client: %w", err)
		}
		a.healthConn = conn
		remoteOpts = append(remoteOpts, postgres.WithProbe(connectivity.GRPCHealthProbe(conn, "")))
	}
	remote, err := postgres.NewRemoteAdapter(config.PgDatabaseUrl, remoteOpts...)
	if err != nil {
		a.Close()
		return nil, err
	}
	a.remote = remote

	a.monitor = connectivity.NewMonitor(remote, connectivity.Config{
		ProbeInterval:    config.ProbeInterval,
		RecoveryInterval: config.RecoveryProbeInterval,
		WatchPaths:       config.NetworkWatchPaths,
	}, logger)

	metrics := syncer.NewMetrics()
	if err := metrics.Register(a.registry); err != nil {
		a.Close()
		return nil, fmt.Errorf("failed to register metrics: %w", err)
	}
	a.orchestrator = syncer.New(local, remote, a.monitor,
		syncer.WithLogger(logger),
		syncer.WithMetrics(metrics),
		syncer.WithDrainInterval(config.DrainInterval),
		syncer.WithCleanup(syncer.DefaultCleanupInterval, config.QueueRetention),
	)
	return a, nil
}

// migrateRemote applies the remote schema. Being offline is not fatal: the
// local store keeps serving and the migration runs on the next start.
func (a *app) migrateRemote(ctx context.Context) {
	if err := a.remote.Migrate(ctx); err != nil {
		a.log.Warn("remote migration skipped", zap.Error(err))
	}
}

func (a *app) Close() {
	if a.orchestrator != nil {
		a.orchestrator.Close()
	}
	if a.remote != nil {
		a.remote.Close()
	}
	if a.healthConn != nil {
		a.healthConn.Close()
	}
	if a.local != nil {
		a.local.Close()
	}
}
