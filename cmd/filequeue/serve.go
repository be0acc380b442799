// Copyright 2016-present Oliver Eilhard. All rights reserved.
// Use of this source code is governed by a MIT-license.
// See http://olivere.mit-license.org/license.txt for details.

package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/olivere/filequeue/metrics"
	"github.com/olivere/filequeue/ui/server"
)

func newServeCommand(ctx *commandContext) *cobra.Command {
	var staticDir string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the workers, the WebSocket server and the metrics endpoint",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := ctx.openApp()
			if err != nil {
				return err
			}
			defer ctx.close()

			if err := a.registerWorkers(); err != nil {
				return err
			}
			runCtx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return a.serve(runCtx, staticDir)
		},
	}

	cmd.Flags().StringVar(&staticDir, "static", "", "Directory with static files served at /")
	return cmd
}

// serve starts the manager and blocks until ctx is done or a listener
// fails.
func (a *app) serve(ctx context.Context, staticDir string) error {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		metrics.NewCollector(a.manager, 5*time.Second, a.qlogger),
	)
	recorder, err := metrics.NewRecorder(reg)
	if err != nil {
		return err
	}

	metricEvents, unsubscribeMetrics := a.manager.Subscribe(256)
	defer unsubscribeMetrics()
	uiEvents, unsubscribeUI := a.manager.Subscribe(256)
	defer unsubscribeUI()

	if err := a.manager.Start(); err != nil {
		return err
	}

	srv := server.New(a.manager, a.aggregator,
		server.WithLogger(a.qlogger),
		server.WithPushInterval(a.cfg.Server.PushInterval()),
		server.WithStaticDir(staticDir),
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		recorder.Run(gctx, metricEvents)
		return nil
	})
	g.Go(func() error {
		return srv.Serve(gctx, a.cfg.Server.HTTPAddr, uiEvents)
	})
	if addr := a.cfg.Server.MetricsAddr; addr != "" {
		g.Go(func() error {
			return serveMetrics(gctx, addr, reg)
		})
	}

	a.logger.Info("serving",
		zap.String("http_addr", a.cfg.Server.HTTPAddr),
		zap.String("metrics_addr", a.cfg.Server.MetricsAddr),
		zap.String("broker", a.cfg.Broker.Type),
		zap.String("metadata", a.cfg.Metadata.Type),
	)
	err = g.Wait()
	a.logger.Info("shutting down", zap.Error(err))
	return err
}

func serveMetrics(ctx context.Context, addr string, reg *prometheus.Registry) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
	httpSrv := &http.Server{Addr: addr, Handler: mux}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		httpSrv.Shutdown(shutdownCtx)
	}()
	if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
