// main.go
package main

import (
	"context"
	"fmt"
	"net/http"
	_ "net/http/pprof"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/phuslu/log"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"vkcapture/internal/collectors/capturestats"
	"vkcapture/internal/config"
	"vkcapture/internal/events"
	"vkcapture/internal/layer"
	"vkcapture/internal/logger"
	"vkcapture/internal/tracker"
)

var (
	version = "0.1.0"
)

func main() {
	cfg, err := config.NewConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}
	if cfg == nil {
		// One-shot flag (config generation) handled.
		return
	}

	if err := logger.ConfigureLogging(cfg.Logging); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to configure loggers: %v\n", err)
		os.Exit(1)
	}

	log.Info().
		Str("version", version).
		Uint32("slots_per_device", cfg.Capture.SlotsPerDevice).
		Bool("drain_on_present", cfg.Capture.DrainOnPresent).
		Str("listen_address", cfg.Server.ListenAddress).
		Str("metrics_path", cfg.Server.MetricsPath).
		Msg("Starting vkcapture replay")

	// Create context for graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigChan
		cancel()
	}()

	// Capture core: buffered sink, tracker, hook layer.
	sink := events.NewBufferedSink(cfg.Capture.EventBufferSize)
	st := tracker.New(tracker.Config{
		SlotsPerDevice:      cfg.Capture.SlotsPerDevice,
		CalibrationInterval: time.Duration(cfg.Capture.CalibrationIntervalS) * time.Second,
	}, sink)
	hooks := layer.New(st, layer.Options{DrainOnPresent: cfg.Capture.DrainOnPresent})
	log.Debug().Msg("- Capture core created")

	// Event consumer: drains the sink and logs each completed region.
	consumerDone := make(chan struct{})
	go func() {
		defer close(consumerDone)
		eventLog := logger.NewLoggerWithContext("events")
		for e := range sink.Events() {
			eventLog.Info().
				Str("label", e.Label).
				Uint64("device", uint64(e.Device)).
				Uint64("queue", uint64(e.Queue)).
				Int64("begin_ns", e.BeginNs).
				Int64("duration_ns", e.DurationNs()).
				Int64("submitted_ns", e.SubmittedNs).
				Uint64("generation", e.Generation).
				Msg("Timed region")
		}
	}()

	// Metrics registry and collector.
	registry := prometheus.NewRegistry()
	registry.MustRegister(capturestats.NewCaptureCollector(st, sink))
	log.Debug().Msg("- Metrics initialized")

	if cfg.Server.PprofEnabled {
		go func() {
			log.Info().Msg("Starting pprof HTTP server on localhost:6060")
			http.ListenAndServe("localhost:6060", nil)
		}()
	}

	mux := http.NewServeMux()
	mux.Handle(cfg.Server.MetricsPath, promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`<html>
            <head><title>vkcapture</title></head>
            <body>
            <h1>vkcapture v` + version + `</h1>
            <p><a href="` + cfg.Server.MetricsPath + `">Metrics</a></p>
            </body>
            </html>`))
	})

	log.Info().Str("address", cfg.Server.ListenAddress).Msg("Starting HTTP server")
	srv := &http.Server{Addr: cfg.Server.ListenAddress, Handler: mux}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("Failed to start HTTP server")
		}
	}()

	// Synthetic workload standing in for an intercepted application.
	replay := newReplay(hooks, cfg.Replay)
	replayDone := make(chan struct{})
	go func() {
		defer close(replayDone)
		replay.run(ctx)
	}()

	log.Info().Msg("vkcapture is ready and replaying frames...")

	select {
	case <-ctx.Done():
		log.Info().Msg("Received shutdown signal, shutting down gracefully...")
	case <-replayDone:
		log.Info().Msg("Replay finished, shutting down...")
	}
	cancel()
	<-replayDone

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Error shutting down HTTP server")
	}

	st.Close()
	sink.Close()
	<-consumerDone

	stats := st.Stats()
	log.Info().
		Uint64("events", stats.EventsEmitted.Load()).
		Uint64("dropped", sink.Dropped()).
		Uint64("submissions", stats.Submissions.Load()).
		Uint64("violations", stats.ContractViolations.Load()).
		Msg("vkcapture stopped gracefully")
}
