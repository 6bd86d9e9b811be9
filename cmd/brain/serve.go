package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/zekerdoodle/SecondBrain-sub003/internal/logging"
	"github.com/zekerdoodle/SecondBrain-sub003/internal/mcpserver"
	"github.com/zekerdoodle/SecondBrain-sub003/internal/pipeline"
)

var (
	metricsAddr string
	runTimeout  time.Duration
	runAtStart  bool
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the stages on their schedule and serve /metrics",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openPipeline()
		if err != nil {
			return err
		}
		defer a.close()

		sched, err := pipeline.NewScheduler(a.runner, cfg.Schedule, runTimeout)
		if err != nil {
			return err
		}

		mux := http.NewServeMux()
		mux.Handle("/metrics", a.metrics.Handler())
		mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
			w.Write([]byte("ok"))
		})
		srv := &http.Server{Addr: metricsAddr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
		go func() {
			logging.Info("main", "metrics on %s/metrics", metricsAddr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logging.Error("main", "metrics server: %v", err)
			}
		}()

		sched.Start()
		if runAtStart {
			go func() {
				for _, stage := range pipeline.Stages {
					sched.RunNow(cmd.Context(), stage)
				}
			}()
		}

		// Wait for shutdown signal
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
		sig := <-sigChan
		logging.Info("main", "received %s, shutting down", sig)

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(ctx); err != nil {
			logging.Warn("main", "metrics shutdown: %v", err)
		}
		return sched.Shutdown()
	},
}

func init() {
	serveCmd.Flags().StringVar(&metricsAddr, "metrics-addr", "127.0.0.1:9464", "Address for the Prometheus endpoint")
	serveCmd.Flags().DurationVar(&runTimeout, "run-timeout", 30*time.Minute, "Maximum duration of one stage run")
	serveCmd.Flags().BoolVar(&runAtStart, "run-now", false, "Run every stage once at startup")
}

var mcpCmd = &cobra.Command{
	Use:   "mcp",
	Short: "Serve memory tools to agents over MCP (stdio)",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openStore()
		if err != nil {
			return err
		}
		defer a.close()

		return mcpserver.Serve(&mcpserver.Dependencies{
			Store:              a.store,
			Thresholds:         cfg.Threads.Thresholds,
			ConversationPrefix: cfg.Threads.ConversationPrefix,
			Version:            Version,
		})
	},
}
