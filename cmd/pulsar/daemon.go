package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/oriys/pulsar/internal/config"
	"github.com/oriys/pulsar/internal/logging"
	"github.com/oriys/pulsar/internal/metrics"
	"github.com/oriys/pulsar/internal/observability"
	"github.com/oriys/pulsar/internal/relay"
)

func daemonCmd() *cobra.Command {
	var (
		configFile    string
		queueEnabled  bool
		queueCapacity int
		metricsAddr   string
		logLevel      string
		logFormat     string
		requestLog    string
	)

	cmd := &cobra.Command{
		Use:   "daemon",
		Short: "Run the relay daemon",
		Long:  "Run the relay that accepts editor registrations and brokers client commands to them",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.DefaultConfig()
			if configFile != "" {
				loaded, err := config.LoadFromFile(configFile)
				if err != nil {
					return fmt.Errorf("load config: %w", err)
				}
				cfg = loaded
			}
			config.LoadFromEnv(cfg)

			// Explicit flags win over file and environment.
			if cmd.Flags().Changed("host") {
				cfg.Server.Bind = relayHost
			}
			if cmd.Flags().Changed("port") {
				cfg.Server.Port = relayPort
			}
			if cmd.Flags().Changed("queue") {
				cfg.Server.QueueEnabled = queueEnabled
			}
			if cmd.Flags().Changed("queue-capacity") {
				cfg.Server.QueueCapacity = queueCapacity
			}
			if cmd.Flags().Changed("metrics") {
				cfg.Server.MetricsAddr = metricsAddr
			}
			if cmd.Flags().Changed("log-level") {
				cfg.Logging.Level = logLevel
			}
			if cmd.Flags().Changed("log-format") {
				cfg.Logging.Format = logFormat
			}
			if cmd.Flags().Changed("request-log") {
				cfg.Logging.RequestLogPath = requestLog
			}

			logging.InitStructured(cfg.Logging.Format, cfg.Logging.Level)

			if err := observability.Init(context.Background(), observability.Config{
				Enabled:     cfg.Tracing.Enabled,
				Endpoint:    cfg.Tracing.Endpoint,
				ServiceName: cfg.Tracing.ServiceName,
				SampleRate:  cfg.Tracing.SampleRate,
			}); err != nil {
				return fmt.Errorf("init tracing: %w", err)
			}
			defer observability.Shutdown(context.Background())

			if cfg.Server.MetricsAddr != "" {
				metrics.InitPrometheus("pulsar", nil)
			}

			reqlog := logging.NewRequestLogger(true)
			if cfg.Logging.RequestLogPath != "" {
				if err := reqlog.SetOutput(cfg.Logging.RequestLogPath); err != nil {
					return fmt.Errorf("open request log: %w", err)
				}
			}
			defer reqlog.Close()

			r := relay.New(cfg, relay.WithRequestLogger(reqlog))
			if err := r.Start(); err != nil {
				return fmt.Errorf("listen on %s: %w", cfg.ListenAddr(), err)
			}

			logging.Op().Info("relay daemon started",
				"addr", r.Addr(),
				"queue_enabled", cfg.Server.QueueEnabled,
				"heartbeat_interval", cfg.HeartbeatInterval(),
			)

			var metricsServer *http.Server
			if cfg.Server.MetricsAddr != "" {
				metricsServer = startMetricsServer(cfg.Server.MetricsAddr, r)
			}

			sigCh := make(chan os.Signal, 1)
			signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
			sig := <-sigCh
			logging.Op().Info("shutting down", "signal", sig.String())

			if metricsServer != nil {
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				metricsServer.Shutdown(ctx)
				cancel()
			}
			return r.Close()
		},
	}

	cmd.Flags().StringVar(&configFile, "config", "", "Path to JSON config file")
	cmd.Flags().BoolVar(&queueEnabled, "queue", false, "Queue requests for busy instances instead of rejecting them")
	cmd.Flags().IntVar(&queueCapacity, "queue-capacity", 10, "Max queued requests per instance")
	cmd.Flags().StringVar(&metricsAddr, "metrics", "", "Metrics HTTP listen address (e.g. :9090; empty disables)")
	cmd.Flags().StringVar(&logLevel, "log-level", "info", "Log level (debug, info, warn, error)")
	cmd.Flags().StringVar(&logFormat, "log-format", "text", "Log format (text, json)")
	cmd.Flags().StringVar(&requestLog, "request-log", "", "Append one JSON record per completed request to this file")

	return cmd
}

func startMetricsServer(addr string, r *relay.Relay) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.PrometheusHandler())
	mux.Handle("/metrics.json", metrics.Global().JSONHandler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, req *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		fmt.Fprintf(w, `{"status":"ok","uptime_seconds":%d,"instances":%d}`,
			int64(time.Since(metrics.StartTime()).Seconds()), r.Registry().Len())
	})

	server := &http.Server{
		Addr:    addr,
		Handler: observability.HTTPMiddleware(mux),
	}

	go func() {
		logging.Op().Info("metrics server listening", "addr", addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logging.Op().Error("metrics server error", "error", err)
		}
	}()

	return server
}
