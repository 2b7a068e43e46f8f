package main

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/linkdata/fly"
	"github.com/linkdata/fly/internal/config"
	"github.com/linkdata/fly/internal/logger"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

func newServeCommand() *cobra.Command {
	var printURL bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP front-end and its worker",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath, cmd.Flags())
			if err != nil {
				return err
			}
			return serve(cmd.Context(), cfg, printURL)
		},
	}
	fs := cmd.Flags()
	fs.String("listen", "127.0.0.1:4005", "the address the HTTP server should listen on")
	fs.StringSlice("extensions", nil, "only delegate files with these extensions")
	fs.StringSlice("match", nil, "only delegate URL paths matching one of these patterns")
	fs.StringSlice("not-match", nil, "never delegate URL paths matching one of these patterns")
	fs.String("existence", "none", "existence check before delegating: none, stat or static")
	fs.String("metrics-listen", "", "address for the front-end's /metrics endpoint")
	fs.BoolVar(&printURL, "printurl", false, "print the listen URL on stdout")
	addWorkerFlags(fs)
	return cmd
}

func newResolver(cfg *config.Config, log *zap.Logger) (*fly.PathResolver, error) {
	pr, err := fly.NewPathResolver(cfg.BasePath)
	if err != nil {
		return nil, err
	}
	pr.Extensions = cfg.Extensions
	if pr.Match, pr.NotMatch, err = cfg.Matchers(); err != nil {
		return nil, err
	}
	switch cfg.Existence {
	case "stat":
		pr.Checker = fly.StatChecker{}
	case "static":
		set, err := fly.ScanDir(pr.BasePath)
		if err != nil {
			return nil, err
		}
		log.Info("static file set built", zap.Int("files", len(set)))
		pr.Checker = set
	}
	return pr, nil
}

func serveMetrics(ctx context.Context, g *errgroup.Group, addr string, reg *prometheus.Registry) {
	if addr == "" {
		return
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	ms := &http.Server{Addr: addr, Handler: mux}
	g.Go(func() error {
		if err := ms.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return errors.Wrap(err, "metrics server")
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		return ms.Close()
	})
}

func serve(parent context.Context, cfg *config.Config, printURL bool) error {
	if parent == nil {
		parent = context.Background()
	}
	log, err := logger.New(cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		return err
	}
	defer log.Sync()

	res, err := newResolver(cfg, log)
	if err != nil {
		return err
	}

	exe, err := config.Executable()
	if err != nil {
		return err
	}
	wp, err := fly.SpawnWorker(exe, append([]string{"worker"}, cfg.WorkerArgs()...), log.Named("spawn"))
	if err != nil {
		return err
	}
	defer wp.Stop(cfg.ShutdownTimeout)

	reg := prometheus.NewRegistry()
	metrics := fly.NewMetrics(reg)
	wp.StatsCollector = metrics

	d := fly.NewDispatcher(res, wp, http.NotFoundHandler())
	d.Logger = log.Named("dispatcher")
	d.Metrics = metrics

	ln, err := net.Listen("tcp", cfg.Listen)
	if err != nil {
		return errors.WithStack(err)
	}
	hs := &http.Server{Handler: d}

	if printURL {
		fmt.Fprintf(os.Stdout, "http://%s/\n", ln.Addr().String())
	}
	log.Info("listening", zap.String("addr", ln.Addr().String()), zap.String("base_path", cfg.BasePath))

	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()
	g, ctx := errgroup.WithContext(ctx)

	serveMetrics(ctx, g, cfg.Metrics.Listen, reg)
	g.Go(func() error {
		if err := hs.Serve(ln); err != nil && err != http.ErrServerClosed {
			return errors.WithStack(err)
		}
		return nil
	})
	g.Go(func() error {
		select {
		case <-wp.Done():
			if err := wp.Err(); err != nil {
				return errors.Wrap(err, "worker process exited")
			}
			return errors.New("worker process exited")
		case <-ctx.Done():
			return nil
		}
	})
	g.Go(func() error {
		<-ctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		return hs.Shutdown(sctx)
	})
	return g.Wait()
}
