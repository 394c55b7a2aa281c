package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"

	sidecarapi "github.com/Comfy-Org/comfyui-sidecar/pkg/api"
	"github.com/Comfy-Org/comfyui-sidecar/pkg/config"
	"github.com/Comfy-Org/comfyui-sidecar/pkg/launcher"
	"github.com/Comfy-Org/comfyui-sidecar/pkg/logging"
	"github.com/Comfy-Org/comfyui-sidecar/pkg/metrics"
	"github.com/Comfy-Org/comfyui-sidecar/pkg/retry"
	"github.com/Comfy-Org/comfyui-sidecar/pkg/shutdown"
	"github.com/Comfy-Org/comfyui-sidecar/pkg/store"
	"github.com/Comfy-Org/comfyui-sidecar/pkg/supervisor"
)

func main() {
	cfgFile := flag.String("config", "", "Path to config file (YAML)")
	listenAddr := flag.String("listen", "", "Control API listen address (overrides config)")
	metricsAddr := flag.String("metrics-listen", "", "Metrics listen address (overrides config)")
	logLevel := flag.String("log-level", "", "Log level: debug, info, warn, error (overrides config)")
	flag.Parse()

	cfg, err := config.Load(*cfgFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}
	if *listenAddr != "" {
		cfg.ListenAddr = *listenAddr
	}
	if *metricsAddr != "" {
		cfg.MetricsListenAddr = *metricsAddr
	}
	if *logLevel != "" {
		cfg.LogLevel = *logLevel
	}

	logger := logging.NewLogger(logging.ParseLevel(cfg.LogLevel), cfg.LogFormat == "json")

	logger.Info("Starting ComfyUI sidecar supervisor", map[string]interface{}{
		"listen":         cfg.ListenAddr,
		"metrics_listen": cfg.MetricsListenAddr,
		"store":          cfg.StoreType,
	})

	st, err := store.NewStore(store.Config{
		Type: cfg.StoreType,
		DSN:  cfg.StoreDSN,
	})
	if err != nil {
		logger.Fatal("Failed to initialize job store", map[string]interface{}{"error": err.Error()})
	}

	m := metrics.New(st)
	limiter := launcher.NewCgroupLimiter(cfg.CgroupRoot, cfg.CgroupNamespace)
	launch := launcher.New(limiter, cfg.WorkerEnv(), logger.WithField("component", "launcher"))

	sup := supervisor.New(supervisor.Config{
		Store:           st,
		Runner:          supervisor.LauncherRunner{Launcher: launch},
		Policy:          cfg.Policy,
		WriteRetry:      retry.DefaultConfig(),
		StopGracePeriod: cfg.StopGracePeriod,
		Logger:          logger.WithField("component", "supervisor"),
		Metrics:         m,
	})

	// Resolve jobs orphaned by a previous crash before taking traffic
	if err := sup.Recover(); err != nil {
		logger.Fatal("Startup recovery failed", map[string]interface{}{"error": err.Error()})
	}

	handler := sidecarapi.NewHandler(sup, st, sidecarapi.Defaults{
		MemoryLimitBytes: cfg.DefaultMemoryLimitBytes,
		MaxAttempts:      cfg.DefaultMaxAttempts,
	}, logger.WithField("component", "api"))

	apiServer := &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: handler.Router(),
	}

	metricsMux := http.NewServeMux()
	metricsMux.Handle("/metrics", m.Handler())
	metricsServer := &http.Server{
		Addr:    cfg.MetricsListenAddr,
		Handler: metricsMux,
	}

	shutdownMgr := shutdown.New(cfg.ShutdownTimeout)
	shutdownMgr.Register(shutdown.CloseResource(st, "job store"))
	shutdownMgr.Register(sup.Shutdown)
	shutdownMgr.Register(shutdown.StopHTTPServer(metricsServer, "metrics"))
	shutdownMgr.Register(shutdown.StopHTTPServer(apiServer, "control API"))

	go func() {
		logger.Info("Control API listening", map[string]interface{}{"addr": cfg.ListenAddr})
		if err := apiServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("Control API server failed", map[string]interface{}{"error": err.Error()})
		}
	}()

	go func() {
		logger.Info("Metrics listening", map[string]interface{}{"addr": cfg.MetricsListenAddr})
		if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("Metrics server failed", map[string]interface{}{"error": err.Error()})
		}
	}()

	if err := shutdownMgr.WaitWithContext(context.Background()); err != nil {
		logger.Error("Shutdown error", map[string]interface{}{"error": err.Error()})
	}
	logger.Info("Supervisor stopped")
}
