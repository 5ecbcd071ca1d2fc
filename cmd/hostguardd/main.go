// Package main is the entry point for the hostguard event pipeline daemon.
package main

import (
	"context"
	"encoding/json"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"hostguard/internal/alert"
	"hostguard/internal/archive"
	"hostguard/internal/bus"
	"hostguard/internal/collector"
	"hostguard/internal/config"
	"hostguard/internal/detect"
	"hostguard/internal/detect/intrusion"
	"hostguard/internal/detect/ransomware"
	"hostguard/internal/forward"
	"hostguard/internal/listener"
	"hostguard/internal/logging"
	"hostguard/internal/quarantine"
	"hostguard/internal/schema"
	"hostguard/internal/startup"
	"hostguard/internal/wal"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		logging.Setup("info", "json").Error("failed to load config", "error", err)
		os.Exit(1)
	}
	logger := logging.Setup(cfg.Logging.Level, cfg.Logging.Format)

	if err := cfg.Validate(); err != nil {
		logger.Error("invalid config", "error", err)
		os.Exit(1)
	}

	logger.Info("configuration loaded",
		"http_addr", cfg.Server.HTTPAddr,
		"log_dir", cfg.Log.Dir,
		"tcp_enabled", cfg.TCP.Enabled,
		"dtls_enabled", cfg.DTLS.Enabled,
	)

	diag := startup.NewDiagnostics(cfg, logger)
	diag.RunAll()
	if diag.HasErrors() {
		logger.Error("startup diagnostics failed")
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Quarantine, validation and the bus.
	qsink, err := quarantine.New(cfg.Quarantine, logger)
	if err != nil {
		logger.Error("failed to open quarantine sink", "error", err)
		os.Exit(1)
	}
	validator := schema.NewValidator()
	eventBus := bus.New(validator, qsink, cfg.Bus, logger)

	// Durable log. Recovery runs inside Open; the recovered sequence
	// seeds the bus so restarts continue the series without gaps.
	writer, err := wal.Open(cfg.Log, logger)
	if err != nil {
		logger.Error("failed to open event log", "error", err)
		os.Exit(1)
	}
	eventBus.SeedSequence(writer.LastSequence())
	logger.Info("event log recovered", "last_sequence", writer.LastSequence())

	// Segment archiver hooks into seal notifications.
	var archiver *archive.Uploader
	if cfg.Archive.Enabled {
		archiver, err = archive.NewUploader(ctx, cfg.Archive, logger)
		if err != nil {
			logger.Error("failed to init segment archiver", "error", err)
			os.Exit(1)
		}
		writer.OnSeal(func(info wal.SegmentInfo, _ *wal.Seal) {
			archiver.Enqueue(info.Path)
		})
		go archiver.Run(ctx)
	}

	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		writer.Run(ctx, eventBus.WriterQueue())
	}()

	// Detection engine and alert emitter.
	emitter := alert.NewEmitter(eventBus, cfg.Alerts.Emitter, logger)
	emitter.AddChannel(alert.NewLogChannel(logger))
	for _, wh := range cfg.Alerts.Webhooks {
		emitter.AddChannel(alert.NewWebhookChannel(wh.Name, wh.URL, wh.Headers))
	}
	if cfg.Alerts.Redis.Enabled {
		emitter.AddChannel(alert.NewRedisChannel(
			cfg.Alerts.Redis.Addr,
			cfg.Alerts.Redis.Password,
			cfg.Alerts.Redis.DB,
			cfg.Alerts.Redis.Channel,
		))
	}

	engine := detect.NewEngine(cfg.Engine, emitter.Emit, logger)
	engine.Register(ransomware.New(cfg.Ransomware))
	engine.Register(intrusion.New(cfg.Intrusion))

	detectSub := eventBus.Subscribe("detect", bus.Filter{Types: engine.EventTypes()})
	wg.Add(1)
	go func() {
		defer wg.Done()
		engine.Run(ctx, detectSub.Events())
	}()

	// Downstream forwarder.
	var sinks []forward.Sink
	if cfg.Forward.Kafka.Enabled {
		sinks = append(sinks, forward.NewKafkaSink(cfg.Forward.Kafka, logger))
	}
	if cfg.Forward.NATS.Enabled {
		natsSink, err := forward.NewNATSSink(cfg.Forward.NATS, logger)
		if err != nil {
			logger.Error("failed to connect NATS sink", "error", err)
			os.Exit(1)
		}
		sinks = append(sinks, natsSink)
	}
	if len(sinks) > 0 {
		forwardSub := eventBus.Subscribe("forward", bus.Filter{})
		forwarder := forward.New(cfg.Forward, forwardSub, sinks, logger)
		wg.Add(1)
		go func() {
			defer wg.Done()
			forwarder.Run(ctx)
		}()
	}

	// Retention pruner.
	pruner := wal.NewPruner(cfg.Log.Dir, cfg.Retention, logger)
	go pruner.Run(ctx)

	// Built-in filesystem collector.
	if cfg.FSWatch.Enabled {
		fsc, err := collector.NewFSCollector(cfg.FSWatch, eventBus, logger)
		if err != nil {
			logger.Error("failed to init filesystem collector", "error", err)
			os.Exit(1)
		}
		go fsc.Run(ctx)
	}

	// Network listeners.
	var tcpServer *listener.TCPServer
	if cfg.TCP.Enabled {
		tcpServer = listener.NewTCPServer(cfg.TCP.TCPConfig, eventBus, logger)
		if err := tcpServer.Start(ctx); err != nil {
			logger.Error("failed to start TCP listener", "error", err)
			os.Exit(1)
		}
	}

	var dtlsServer *listener.DTLSServer
	if cfg.DTLS.Enabled {
		dtlsServer, err = listener.NewDTLSServer(cfg.DTLS.DTLSConfig, eventBus, logger)
		if err != nil {
			logger.Error("failed to init DTLS listener", "error", err)
			os.Exit(1)
		}
		if err := dtlsServer.Start(ctx); err != nil {
			logger.Error("failed to start DTLS listener", "error", err)
			os.Exit(1)
		}
	}

	// Admin HTTP endpoint.
	mux := http.NewServeMux()
	mux.Handle("GET /metrics", promhttp.Handler())
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	mux.HandleFunc("GET /stats", func(w http.ResponseWriter, _ *http.Request) {
		stats := map[string]any{
			"bus":        eventBus.Stats(),
			"quarantine": qsink.Counts(),
			"errored":    engine.ErroredKeys(),
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(stats)
	})

	server := &http.Server{
		Addr:         cfg.Server.HTTPAddr,
		Handler:      mux,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}
	go func() {
		logger.Info("admin endpoint started", "address", server.Addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("admin server error", "error", err)
		}
	}()

	// Wait for shutdown signal.
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	sig := <-quit
	logger.Info("shutdown signal received", "signal", sig.String())

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	server.Shutdown(shutdownCtx)

	// Stop producers first so no new events enter the bus.
	if tcpServer != nil {
		tcpServer.Stop()
	}
	if dtlsServer != nil {
		dtlsServer.Stop()
	}

	// Closing the bus closes the writer queue and subscriber channels;
	// the writer drains and syncs, the engine and forwarder drain their
	// subscriptions.
	eventBus.Close()
	cancel()
	wg.Wait()

	if archiver != nil {
		archiver.Wait()
	}
	if err := writer.Close(); err != nil {
		logger.Error("event log close error", "error", err)
	}
	qsink.Close()

	logger.Info("shutdown complete",
		"last_sequence", eventBus.Sequence(),
		"quarantined", qsink.Total(),
	)
}
