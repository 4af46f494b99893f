package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/KimMachineGun/automemlimit"
	_ "go.uber.org/automaxprocs"

	"github.com/edgefleet/edgefleet/internal/channel"
	"github.com/edgefleet/edgefleet/internal/config"
	"github.com/edgefleet/edgefleet/internal/gateway"
	"github.com/edgefleet/edgefleet/internal/health"
	"github.com/edgefleet/edgefleet/internal/observability"
	"github.com/edgefleet/edgefleet/internal/orchestrator"
	"github.com/edgefleet/edgefleet/internal/registry"
	"github.com/edgefleet/edgefleet/internal/router"
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

	slog.Info("control-plane starting",
		"fleet_id", cfg.FleetID,
		"brokers", cfg.BrokerURLs,
		"health_port", cfg.HealthPort,
	)

	// 3. Shared infrastructure.
	metrics := observability.NewMetrics()

	// 4. Control channel listener.
	codec, err := channel.NewCodec(cfg.CompressThresholdBytes)
	if err != nil {
		slog.Error("failed to create codec", "error", err)
		os.Exit(1)
	}
	codec.SetObserver(metrics.ObservePayload)
	listener, err := channel.NewMQTTListener(ctx, channel.MQTTOptions{
		BrokerURLs: cfg.BrokerURLs,
		FleetID:    cfg.FleetID,
		Username:   cfg.MQTTUsername,
		Password:   cfg.MQTTPassword,
	}, codec)
	if err != nil {
		slog.Error("failed to connect to broker", "error", err)
		os.Exit(1)
	}
	defer listener.Close()

	// 5. Fleet registry and device gateway.
	reg := registry.NewFleetRegistry(cfg.HeartbeatInterval, nil, slog.Default())
	hub := gateway.NewHub(listener, reg, metrics, cfg.CommandTimeout, slog.Default())

	// 6. Deployment orchestrator, fed by device status updates through the hub.
	svc := orchestrator.NewService(hub, reg, metrics, orchestrator.Options{
		DeviceWaitTimeout:    cfg.DeviceWaitTimeout,
		DeviceWaitPollEvery:  cfg.DeviceWaitPollEvery,
		SequentialTimeout:    cfg.SequentialTimeout,
		SequentialPollEvery:  cfg.SequentialPollEvery,
		MaxConcurrentDeploys: cfg.MaxConcurrentDeploys,
		GateCanary:           cfg.GateCanary,
	}, nil, nil, slog.Default())
	hub.SetDeploymentStatusHandler(svc.HandleDeploymentStatus)

	// 7. Inference router.
	policy := router.DefaultPolicy()
	if cfg.RoutingPolicyFile != "" {
		policy, err = router.LoadPolicyFile(cfg.RoutingPolicyFile)
		if err != nil {
			slog.Error("failed to load routing policy", "error", err)
			os.Exit(1)
		}
		slog.Info("routing policy loaded", "path", cfg.RoutingPolicyFile)
	}
	if policy.CloudEndpoint == "" {
		policy.CloudEndpoint = cfg.CloudEndpoint
	}
	rt := router.New(reg,
		router.NewGatewayEdgeExecutor(hub),
		router.NewHTTPCloudExecutor(policy.CloudEndpoint, nil),
		policy, cfg.HistoryLimit, metrics, nil, slog.Default())

	// 8. Health server with fleet, job, and routing debug views.
	healthSrv := health.NewServer(cfg.HealthPort, metrics, hub, reg, svc, rt, cfg.DebugEndpoints)
	if err := healthSrv.Start(); err != nil {
		slog.Error("failed to start health server", "error", err)
		os.Exit(1)
	}

	// 9. Accept device connections (blocks until context is canceled).
	if err := hub.Run(ctx); err != nil && ctx.Err() == nil {
		slog.Error("gateway exited with error", "error", err)
	}

	// 10. Graceful shutdown.
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := healthSrv.Stop(shutdownCtx); err != nil {
		slog.Error("health server shutdown error", "error", err)
	}

	slog.Info("control-plane stopped")
}
