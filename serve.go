package main

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"library-circulation/api"
	"library-circulation/library"
	"library-circulation/obs"
)

func (a *app) serveCommand() *cobra.Command {
	var (
		addr      string
		holdSweep time.Duration
		queueSize int
		workers   int
	)
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API, the follow-up workers and the hold monitor",
		RunE: func(cmd *cobra.Command, args []string) error {
			// The server logs requests, so it defaults to info.
			if !cmd.Flags().Changed("log-level") && getenv("LIBRARY_LOG_LEVEL", "") == "" {
				a.logLevel = "info"
			}
			return a.serve(cmd.Context(), addr, holdSweep, queueSize, workers)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", getenv("LIBRARY_ADDR", ":8080"), "listen address")
	cmd.Flags().DurationVar(&holdSweep, "hold-sweep", time.Minute, "interval between expired hold sweeps")
	cmd.Flags().IntVar(&queueSize, "followup-queue", 1024, "follow-up task buffer size")
	cmd.Flags().IntVar(&workers, "followup-workers", 4, "follow-up worker goroutines")
	return cmd
}

func (a *app) serve(ctx context.Context, addr string, holdSweep time.Duration, queueSize, workers int) error {
	log, err := a.logger()
	if err != nil {
		return err
	}
	metrics := obs.NewMetrics(prometheus.DefaultRegisterer)
	queue := library.NewTaskQueue(queueSize, workers, log, metrics)

	mgr, err := a.manager(ctx,
		library.WithMetrics(metrics),
		library.WithFollowups(queue),
	)
	if err != nil {
		return err
	}

	apiServer := api.NewServer(mgr, log)
	mon := library.NewHoldMonitor(mgr, log, holdSweep)

	mux := http.NewServeMux()
	mux.Handle("/", apiServer.Handler())
	mux.Handle("/metrics", promhttp.Handler())

	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	runCtx, stop := context.WithCancel(ctx)
	defer stop()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		mon.Run(runCtx)
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		log.Info("librarian up", zap.String("addr", addr), zap.String("driver", mgr.Database().Driver()))
		// ListenAndServe returns http.ErrServerClosed on graceful shutdown.
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("http server error", zap.Error(err))
			stop()
		}
	}()

	<-runCtx.Done()
	log.Info("shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warn("http shutdown error", zap.Error(err))
	}
	wg.Wait()

	// Drain follow-ups before the store closes.
	if err := queue.Close(shutdownCtx); err != nil {
		log.Warn("follow-up queue did not drain", zap.Error(err))
	}
	log.Info("librarian stopped")
	return nil
}
