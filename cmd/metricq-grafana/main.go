// Copyright (C) 2024 metricq-grafana-go contributors.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.
package main

import (
	"context"
	"flag"
	"io"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/go-co-op/gocron/v2"
	"github.com/google/gops/agent"
	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"

	"github.com/metricq/metricq-grafana-go/internal/bus"
	"github.com/metricq/metricq-grafana-go/internal/config"
	"github.com/metricq/metricq-grafana-go/internal/coordinator"
	"github.com/metricq/metricq-grafana-go/internal/httpapi"
	"github.com/metricq/metricq-grafana-go/internal/metrics"
	"github.com/metricq/metricq-grafana-go/pkg/cache"
	clog "github.com/metricq/metricq-grafana-go/pkg/log"
)

func main() {
	var flagConfigFile, flagEnvFile string
	var flagDebug, flagGops bool
	flag.StringVar(&flagConfigFile, "config", "./config.json", "Load configuration from `file`")
	flag.StringVar(&flagEnvFile, "env", "./.env", "Load bus-token/CORS-origin overrides from `file`")
	flag.BoolVar(&flagDebug, "dev", false, "Raise the log level to debug regardless of config.json")
	flag.BoolVar(&flagGops, "gops", false, "Listen via github.com/google/gops/agent (for debugging)")
	flag.Parse()

	if flagGops {
		if err := agent.Listen(agent.Options{}); err != nil {
			clog.Fatalf("gops/agent.Listen failed: %s", err)
		}
	}

	cfg, err := config.Load(flagConfigFile, flagEnvFile)
	if err != nil {
		clog.Fatal(err)
	}
	if cfg.Debug || flagDebug {
		clog.SetLogLevel("debug")
	}
	if cfg.Journal != "" {
		f, err := os.OpenFile(cfg.Journal, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			clog.Fatalf("opening journal file: %s", err)
		}
		clog.SetJournal(f)
	}

	ttl, err := cfg.CacheTTL()
	if err != nil {
		clog.Fatalf("metadata-cache-ttl: %s", err)
	}

	client, err := bus.Dial(bus.Config{
		URL:                cfg.BusURL,
		Token:              cfg.BusToken,
		ManagementExchange: cfg.ManagementExchange,
		HistoryExchange:    cfg.HistoryExchange,
		RequestsPerSecond:  cfg.RequestsPerSecond,
	})
	if err != nil {
		clog.Fatal(err)
	}
	defer client.Close()

	metricsCache := cache.New[bus.MetricsResult](ttl)
	metrics.NewCacheSizeGauge("metrics", metricsCache.Len)

	co := &coordinator.Coordinator{
		Bus:   bus.Instrumented{Client: client},
		Cache: metricsCache,
	}

	sched, err := gocron.NewScheduler()
	if err != nil {
		clog.Fatalf("creating scheduler: %s", err)
	}
	if _, err := sched.NewJob(
		gocron.DurationJob(ttl),
		gocron.NewTask(metricsCache.Sweep),
	); err != nil {
		clog.Fatalf("scheduling cache sweep: %s", err)
	}
	sched.Start()

	api := &httpapi.API{Coordinator: co}
	router := mux.NewRouter()
	api.MountRoutes(router)

	router.Use(handlers.CompressHandler)
	router.Use(handlers.RecoveryHandler(handlers.PrintRecoveryStack(true)))
	router.Use(handlers.CORS(
		handlers.AllowedHeaders([]string{"Content-Type"}),
		handlers.AllowedMethods([]string{"GET", "POST"}),
		handlers.AllowedOrigins([]string{cfg.CORSOrigin})))

	loggedRouter := handlers.CustomLoggingHandler(io.Discard, router, func(_ io.Writer, params handlers.LogFormatterParams) {
		clog.Debugf("%s %s (%d, %dms)",
			params.Request.Method, params.URL.RequestURI(),
			params.StatusCode, time.Since(params.TimeStamp).Milliseconds())
	})

	server := &http.Server{
		Addr:         cfg.Addr,
		Handler:      loggedRouter,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
	}

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		clog.Printf("HTTP server listening at %s...", cfg.Addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			clog.Fatal(err)
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	<-ctx.Done()

	clog.Print("shutting down...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		clog.Errorf("server shutdown: %s", err)
	}
	if err := sched.Shutdown(); err != nil {
		clog.Errorf("scheduler shutdown: %s", err)
	}

	wg.Wait()
	clog.Print("graceful shutdown complete")
}
