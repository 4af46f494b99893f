package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/KimMachineGun/automemlimit"
	_ "go.uber.org/automaxprocs"

	"github.com/edgefleet/edgefleet/internal/agent"
	"github.com/edgefleet/edgefleet/internal/channel"
	"github.com/edgefleet/edgefleet/internal/config"
	"github.com/edgefleet/edgefleet/internal/errors"
	"github.com/edgefleet/edgefleet/internal/health"
	"github.com/edgefleet/edgefleet/internal/observability"
	"github.com/edgefleet/edgefleet/internal/telemetry"
	"github.com/edgefleet/edgefleet/pkg/model"
)

func main() {
	// 1. Load and validate config.
	cfg := config.Load()
	if err := cfg.Validate(); err != nil {
		slog.Error("invalid configuration", "error", err)
		os.Exit(1)
	}

	// 2. Create context with signal handling.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	go func() {
		sig := <-sigCh
		slog.Info("shutdown signal received", "signal", sig)
		cancel()
	}()

	slog.Info("edge-agent starting",
		"device_id", cfg.DeviceID,
		"fleet_id", cfg.FleetID,
		"brokers", cfg.BrokerURLs,
		"heartbeat_interval", cfg.HeartbeatInterval,
	)

	// 3. Create shared infrastructure.
	metrics := observability.NewMetrics()
	errCollector := errors.NewErrorCollector(errors.RealClock{})

	// 4. Telemetry: host sampler plus optional accelerator scraper.
	var accel telemetry.AcceleratorProvider
	if cfg.AcceleratorExporterURL != "" {
		accel = telemetry.NewExporterScraper(cfg.AcceleratorExporterURL, &http.Client{Timeout: 10 * time.Second})
		slog.Info("accelerator scraping enabled", "endpoint", cfg.AcceleratorExporterURL)
	}
	sampler := telemetry.NewSampler("/", cfg.MetricsWindowSize, accel)

	// 5. Control channel transport.
	codec, err := channel.NewCodec(cfg.CompressThresholdBytes)
	if err != nil {
		slog.Error("failed to create codec", "error", err)
		os.Exit(1)
	}
	codec.SetObserver(metrics.ObservePayload)
	dialer := channel.NewMQTTDialer(channel.MQTTOptions{
		BrokerURLs: cfg.BrokerURLs,
		FleetID:    cfg.FleetID,
		Username:   cfg.MQTTUsername,
		Password:   cfg.MQTTPassword,
	}, codec)

	// 6. Build the device descriptor from one telemetry sample.
	probe := sampler.Sample(ctx)
	info := model.DeviceInfo{
		DeviceID:          cfg.DeviceID,
		DeviceType:        model.DeviceType(cfg.DeviceType),
		SoftwareVersion:   cfg.SoftwareVersion,
		MemoryTotalBytes:  probe.MemoryTotalBytes,
		StorageTotalBytes: probe.DiskTotalBytes,
	}
	if probe.Accelerator != nil {
		info.AcceleratorCount = 1
	}

	ag := agent.NewAgent(cfg, info, dialer, sampler, errCollector, metrics, slog.Default())

	// 7. Start health server.
	healthSrv := health.NewServer(cfg.HealthPort, metrics, ag, nil, nil, nil, cfg.DebugEndpoints)
	if err := healthSrv.Start(); err != nil {
		slog.Error("failed to start health server", "error", err)
		os.Exit(1)
	}

	// 8. Start the memory guard; under pressure the agent trims its
	// telemetry window and returns freed heap to the OS.
	guard := agent.NewMemoryGuard(0.8, 30*time.Second, ag.RelieveMemoryPressure, slog.Default())
	guard.Start()

	// 9. Run agent (blocks until context is canceled or the reconnection
	// budget is exhausted).
	if err := ag.Run(ctx); err != nil && ctx.Err() == nil {
		slog.Error("agent exited with error", "error", err)
	}

	// 10. Graceful shutdown.
	guard.Stop()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := healthSrv.Stop(shutdownCtx); err != nil {
		slog.Error("health server shutdown error", "error", err)
	}

	slog.Info("edge-agent stopped")
}
