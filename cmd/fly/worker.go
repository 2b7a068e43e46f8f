package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/linkdata/fly"
	"github.com/linkdata/fly/internal/config"
	"github.com/linkdata/fly/internal/logger"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

func newWorkerCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:    "worker",
		Short:  "Run the worker (started by serve)",
		Hidden: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath, cmd.Flags())
			if err != nil {
				return err
			}
			return runWorker(cmd.Context(), cfg)
		},
	}
	addWorkerFlags(cmd.Flags())
	return cmd
}

func newWorkerResponder(cfg *config.Config, log *zap.Logger, metrics *fly.Metrics) (*fly.Responder, error) {
	policy, err := fly.ParseHeaderPolicy(cfg.HeaderPolicy)
	if err != nil {
		return nil, err
	}
	rsp := fly.NewResponder()
	rsp.HeaderPolicy = policy
	rsp.EndOnComplete = cfg.EndOnComplete
	rsp.WriteTimeout = cfg.WriteTimeout
	rsp.LingerTimeout = cfg.LingerTimeout
	rsp.StatsCollector = metrics
	rsp.Metrics = metrics
	rsp.Logger = log.Named("responder")
	return rsp, nil
}

func runWorker(parent context.Context, cfg *config.Config) error {
	if parent == nil {
		parent = context.Background()
	}
	// the front-end decides when we stop by closing the channel;
	// a terminal ^C reaches the whole process group.
	signal.Ignore(os.Interrupt)
	ctx, stop := signal.NotifyContext(parent, syscall.SIGTERM)
	defer stop()

	ch, err := fly.OpenWorkerChannel()
	if err != nil {
		return err
	}
	return serveChannel(ctx, cfg, ch)
}

// serveChannel runs a worker on ch until the front-end closes it, ctx is
// done or a protocol violation occurs. The last case is an exitError with
// codeProtocol.
func serveChannel(ctx context.Context, cfg *config.Config, ch *fly.Channel) error {
	log, err := logger.New(cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		ch.Close()
		return err
	}
	log = log.Named("worker").With(zap.Int("pid", os.Getpid()))
	defer log.Sync()

	ctx, stop := context.WithCancel(ctx)
	defer stop()

	reg := prometheus.NewRegistry()
	metrics := fly.NewMetrics(reg)
	ch.StatsCollector = metrics

	rsp, err := newWorkerResponder(cfg, log, metrics)
	if err != nil {
		ch.Close()
		return err
	}

	w := fly.NewWorker(ch, rsp)
	w.Logger = log
	w.SweepInterval = cfg.SweepInterval
	w.Table.Logger = log.Named("table")
	w.Table.Metrics = metrics
	w.Table.OrphanTTL = cfg.OrphanTTL
	w.Table.RejectDuplicates = cfg.RejectDuplicateIDs

	log.Info("worker ready",
		zap.Stringer("header_policy", rsp.HeaderPolicy),
		zap.Duration("orphan_ttl", cfg.OrphanTTL),
		zap.Bool("reject_duplicate_ids", cfg.RejectDuplicateIDs))

	g, gctx := errgroup.WithContext(ctx)
	serveMetrics(gctx, g, cfg.Metrics.WorkerListen, reg)
	g.Go(func() error {
		defer stop()
		return w.Serve(gctx)
	})
	err = g.Wait()

	done := make(chan struct{})
	go func() {
		w.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(cfg.ShutdownTimeout):
		log.Warn("responses still streaming at shutdown")
	}

	if fly.IsProtocolError(err) {
		log.Error("protocol violation, exiting", zap.Error(err))
		return exitError{code: codeProtocol, err: err}
	}
	return err
}
