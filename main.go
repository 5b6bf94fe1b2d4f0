package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/breez/offline-sync/backup"
	"github.com/breez/offline-sync/config"
	"github.com/breez/offline-sync/logger"
	"github.com/breez/offline-sync/middleware"
	"github.com/breez/offline-sync/model"
	"github.com/breez/offline-sync/store"
	"github.com/breez/offline-sync/store/sqlite"
	"github.com/breez/offline-sync/syncer"
	grpcprom "github.com/grpc-ecosystem/go-grpc-middleware/providers/prometheus"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/keepalive"
)

type cli struct {
	config *config.Config
	log    *zap.Logger
}

func main() {
	if err := newRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	c := &cli{}
	root := &cobra.Command{
		Use:          "offline-sync",
		Short:        "Offline-first data layer with a local SQLite store and a remote Postgres store",
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			config, err := config.NewConfig()
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}
			log, err := logger.New(logger.Config{
				Env:     config.LogEnv,
				Level:   config.LogLevel,
				File:    config.LogFile,
				Service: "offline-sync",
			})
			if err != nil {
				return fmt.Errorf("failed to create logger: %w", err)
			}
			c.config = config
			c.log = log
			return nil
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			if c.log != nil {
				_ = c.log.Sync()
			}
		},
	}
	root.AddCommand(
		c.serveCommand(),
		c.syncCommand(),
		c.statusCommand(),
		c.cleanupCommand(),
		c.migrateCommand(),
		c.backupCommand(),
		c.restoreCommand(),
	)
	return root
}

func (c *cli) serveCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the sync engine with the status API and gRPC health service",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return c.serve(ctx)
		},
	}
}

func (c *cli) serve(ctx context.Context) error {
	a, err := newApp(c.config, c.log)
	if err != nil {
		return err
	}
	defer a.Close()

	a.migrateRemote(ctx)
	if err := a.orchestrator.Start(ctx); err != nil {
		return err
	}

	healthServer := health.NewServer()
	srvMetrics := grpcprom.NewServerMetrics(grpcprom.WithServerHandlingTimeHistogram())
	a.registry.MustRegister(srvMetrics)
	grpcServer := CreateServer(c.config, srvMetrics, healthServer)

	statusServer := NewStatusServer(c.config, a.orchestrator, healthServer, a.registry, c.log)
	statusServer.Start()
	defer statusServer.Stop()

	grpcListener, err := net.Listen("tcp", c.config.GrpcListenAddress)
	if err != nil {
		return fmt.Errorf("failed to listen: %w", err)
	}
	httpServer := &http.Server{
		Addr:              c.config.StatusListenAddress,
		Handler:           statusServer.Handler(grpcServer),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errs := make(chan error, 2)
	go func() {
		c.log.Info("gRPC server listening", zap.String("address", c.config.GrpcListenAddress))
		errs <- grpcServer.Serve(grpcListener)
	}()
	go func() {
		c.log.Info("status server listening", zap.String("address", c.config.StatusListenAddress))
		if err := httpServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			errs <- err
		}
	}()

	select {
	case <-ctx.Done():
		c.log.Info("shutting down")
	case err = <-errs:
		c.log.Error("server failed", zap.Error(err))
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	httpServer.Shutdown(shutdownCtx)
	healthServer.Shutdown()
	grpcServer.GracefulStop()
	return err
}

func CreateServer(config *config.Config, srvMetrics *grpcprom.ServerMetrics, healthServer *health.Server) *grpc.Server {
	s := grpc.NewServer(
		grpc.KeepaliveEnforcementPolicy(keepalive.EnforcementPolicy{
			MinTime:             time.Second * 5,
			PermitWithoutStream: true,
		}),
		grpc.ChainUnaryInterceptor(
			srvMetrics.UnaryServerInterceptor(),
			middleware.UnaryServerInterceptor(config.StatusToken),
		),
		grpc.ChainStreamInterceptor(
			srvMetrics.StreamServerInterceptor(),
			middleware.StreamServerInterceptor(config.StatusToken),
		),
	)
	healthpb.RegisterHealthServer(s, healthServer)
	srvMetrics.InitializeMetrics(s)
	return s
}

func (c *cli) syncCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "sync",
		Short: "Replay the local queue against the remote store once",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := newApp(c.config, c.log)
			if err != nil {
				return err
			}
			defer a.Close()

			if !a.remote.Probe(ctx) {
				return syncer.ErrOffline
			}
			result, err := a.orchestrator.SyncNow(ctx)
			if err != nil {
				return err
			}
			return printJSON(result)
		},
	}
}

func (c *cli) statusCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Print the local queue counters",
		RunE: func(cmd *cobra.Command, args []string) error {
			local, err := sqlite.NewLocalAdapter(c.config.SQLitePath, sqlite.WithLogger(c.log))
			if err != nil {
				return err
			}
			defer local.Close()

			stats, err := local.LocalQueue().Stats(cmd.Context())
			if err != nil {
				return err
			}
			return printJSON(map[string]any{
				"pendingChanges": stats[store.StatusPending] + stats[store.StatusError],
				"byStatus":       stats,
			})
		},
	}
}

func (c *cli) cleanupCommand() *cobra.Command {
	var maxAge time.Duration
	cmd := &cobra.Command{
		Use:   "cleanup",
		Short: "Purge failed queue entries older than the retention window",
		RunE: func(cmd *cobra.Command, args []string) error {
			local, err := sqlite.NewLocalAdapter(c.config.SQLitePath, sqlite.WithLogger(c.log))
			if err != nil {
				return err
			}
			defer local.Close()

			if maxAge == 0 {
				maxAge = c.config.QueueRetention
			}
			removed, err := local.Queue().Cleanup(cmd.Context(), maxAge)
			if err != nil {
				return err
			}
			return printJSON(map[string]int64{"removed": removed})
		},
	}
	cmd.Flags().DurationVar(&maxAge, "max-age", 0, "retention window (default QUEUE_RETENTION)")
	return cmd
}

func (c *cli) migrateCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply the schema to the remote store",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(c.config, c.log)
			if err != nil {
				return err
			}
			defer a.Close()
			return a.remote.Migrate(cmd.Context())
		},
	}
}

func (c *cli) backupCommand() *cobra.Command {
	var fromLocal bool
	cmd := &cobra.Command{
		Use:   "backup",
		Short: "Snapshot every business table to S3",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			service, err := c.backupService(ctx)
			if err != nil {
				return err
			}
			a, err := newApp(c.config, c.log)
			if err != nil {
				return err
			}
			defer a.Close()

			var source store.Adapter = a.remote
			if fromLocal {
				source = a.local
			}
			manifest, err := service.Snapshot(ctx, source, model.Tables)
			if err != nil {
				return err
			}
			return printJSON(manifest)
		},
	}
	cmd.Flags().BoolVar(&fromLocal, "local", false, "snapshot the local store instead of the remote one")
	return cmd
}

func (c *cli) restoreCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "restore <snapshot>",
		Short: "Upsert a snapshot into the remote store",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			service, err := c.backupService(ctx)
			if err != nil {
				return err
			}
			a, err := newApp(c.config, c.log)
			if err != nil {
				return err
			}
			defer a.Close()

			manifest, err := service.Restore(ctx, args[0], a.remote)
			if err != nil {
				return err
			}
			return printJSON(manifest)
		},
	}
}

func (c *cli) backupService(ctx context.Context) (*backup.Service, error) {
	objects, err := backup.NewS3Store(ctx, backup.S3Config{
		Bucket:   c.config.BackupS3Bucket,
		Region:   c.config.BackupS3Region,
		Endpoint: c.config.BackupS3Endpoint,
		Prefix:   c.config.BackupS3Prefix,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create backup store: %w", err)
	}
	return backup.NewService(objects, c.log), nil
}

func printJSON(v any) error {
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	return nil
}
