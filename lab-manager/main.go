package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/kavos113/quicklab/lab-manager/config"
	"github.com/kavos113/quicklab/lab-manager/domain"
	"github.com/kavos113/quicklab/lab-manager/infrastructure/ops"
	"github.com/kavos113/quicklab/lab-manager/scheduler"
	"github.com/kavos113/quicklab/lib/logger"
)

const (
	serviceName = "lab-manager"

	healthInterval  = 30 * time.Second
	shutdownTimeout = 30 * time.Second
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	var configFile string

	root := &cobra.Command{
		Use:          serviceName,
		Short:        "Provision, monitor and clean up lab instances",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return serve(cmd.Context(), configFile)
		},
	}
	root.PersistentFlags().StringVar(&configFile, "config", "", "optional config file (yaml, json or toml)")

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the schedulers, the ops HTTP server and the gRPC health server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return serve(cmd.Context(), configFile)
		},
	}

	runCmd := &cobra.Command{
		Use:       "run <cleanup|monitoring|scans>",
		Short:     "Run one pass of a scheduled job and exit",
		Args:      cobra.ExactArgs(1),
		ValidArgs: []string{domain.JobCleanup, domain.JobMonitoring, "scans"},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runOnce(cmd.Context(), configFile, args[0])
		},
	}

	root.AddCommand(serveCmd, runCmd)
	return root
}

func loadConfig(file string) (*config.Config, *slog.Logger) {
	cfg, err := config.Load(config.New(), file)
	if err != nil {
		log.Fatalf("invalid configuration: %v", err)
	}
	l := logger.New(serviceName, cfg.LogLevel)
	slog.SetDefault(l)
	return cfg, l
}

func signalContext(parent context.Context) (context.Context, context.CancelFunc) {
	if parent == nil {
		parent = context.Background()
	}
	return signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
}

func serve(ctx context.Context, configFile string) error {
	cfg, l := loadConfig(configFile)

	ctx, stop := signalContext(ctx)
	defer stop()

	a, err := newApp(ctx, cfg, l)
	if err != nil {
		log.Fatalf("failed to start %s: %v", serviceName, err)
	}
	defer a.Close()

	lis, err := net.Listen("tcp", fmt.Sprintf(":%s", cfg.GRPCPort))
	if err != nil {
		log.Fatalf("failed to listen: %v", err)
	}
	grpcServer, healthServer := ops.NewGRPCServer(l)

	opsServer := ops.NewServer(ops.Options{
		Health:   a.backend,
		Gatherer: a.registry,
		Queue:    a.scans,
		Depth:    a.depth,
		Metrics:  a.latest,
		Jobs:     a.jobs(),
		Logger:   l,
	})

	g, ctx := errgroup.WithContext(ctx)

	for _, r := range a.runners() {
		g.Go(func() error {
			return r.Run(ctx)
		})
	}

	g.Go(func() error {
		ops.WatchHealth(ctx, healthServer, a.backend, healthInterval, l)
		return nil
	})
	g.Go(func() error {
		l.Info("gRPC health server listening", "port", cfg.GRPCPort)
		return grpcServer.Serve(lis)
	})
	g.Go(func() error {
		return opsServer.Start(fmt.Sprintf(":%s", cfg.OpsPort))
	})
	g.Go(func() error {
		<-ctx.Done()
		l.Info("shutting down gracefully")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		grpcServer.GracefulStop()
		return opsServer.Shutdown(shutdownCtx)
	})

	err = g.Wait()
	a.scans.Wait()
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func runOnce(ctx context.Context, configFile, name string) error {
	cfg, l := loadConfig(configFile)

	ctx, stop := signalContext(ctx)
	defer stop()

	a, err := newApp(ctx, cfg, l)
	if err != nil {
		log.Fatalf("failed to start %s: %v", serviceName, err)
	}
	defer a.Close()

	var job scheduler.Job
	switch name {
	case domain.JobCleanup:
		job = a.cleanup
	case domain.JobMonitoring:
		job = a.monitoring
	case "scans", domain.JobScanQueue:
		job = a.scans
	default:
		return fmt.Errorf("unknown job %q", name)
	}

	m, err := job.Tick(ctx)
	a.scans.Wait()
	if err != nil {
		return fmt.Errorf("%s run failed: %w", name, err)
	}

	l.Info("run finished", "job", name, "counts", m.Counts, "duration", m.Duration.String())
	return nil
}
