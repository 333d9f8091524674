// Command corewatchd is the BLE battery-fleet monitoring daemon: it
// wires the connection pool, protocol codecs, scheduler, orchestrator,
// and MQTT resilience client together and runs until signaled. It
// registers Prometheus metrics but never serves them itself — scraping
// is the embedding deployment's concern.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/battery-hawk/corewatch/internal/bletransport"
	"github.com/battery-hawk/corewatch/internal/config"
	"github.com/battery-hawk/corewatch/internal/metrics"
	"github.com/battery-hawk/corewatch/internal/mqttclient"
	"github.com/battery-hawk/corewatch/internal/orchestrator"
	"github.com/battery-hawk/corewatch/internal/storage"
)

func main() {
	configPath := flag.String("config", "", "path to config file (default: ~/.config/corewatch/config.yaml)")
	flag.Parse()

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "config validation: %v\n", err)
		os.Exit(1)
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: config.ParseLogLevel(cfg.Logging.Level)}))
	slog.SetDefault(logger)

	adapter, err := bletransport.NewBluetoothAdapter()
	if err != nil {
		logger.Error("failed to enable BLE adapter", "error", err)
		os.Exit(1)
	}

	store := orchestrator.NewFileStore(cfg.Registry.DevicesPath, cfg.Registry.VehiclesPath)

	sink := storage.Sink(storage.NoopSink{})
	if cfg.Storage.Enabled {
		logger.Warn("storage backend configured but no concrete sink is wired; readings will be dropped", "backend", cfg.Storage.Backend)
	}

	var mqttClient *mqttclient.Client
	if cfg.MQTT.Enabled {
		mqttClient = mqttclient.New(cfg.MQTT, "corewatchd")
	}

	if err := metrics.Register(prometheus.DefaultRegisterer); err != nil {
		logger.Error("failed to register metrics", "error", err)
		os.Exit(1)
	}

	orch, err := orchestrator.New(cfg, adapter, store, sink, mqttClient, logger)
	if err != nil {
		logger.Error("failed to build orchestrator", "error", err)
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	logger.Info("corewatchd starting",
		"mqtt_enabled", cfg.MQTT.Enabled,
		"storage_enabled", cfg.Storage.Enabled,
		"bluetooth_adapter", cfg.Bluetooth.Adapter,
	)

	if err := orch.Start(ctx); err != nil {
		logger.Error("orchestrator exited with error", "error", err)
		os.Exit(1)
	}
	logger.Info("corewatchd stopped")
}

// loadConfig loads the config from path, or falls back to the default
// config path, or uses built-in defaults.
func loadConfig(path string) (*config.Config, error) {
	if path != "" {
		return config.Load(path)
	}

	defaultPath := config.DefaultConfigPath()
	if _, err := os.Stat(defaultPath); err == nil {
		cfg, err := config.Load(defaultPath)
		if err != nil {
			return nil, fmt.Errorf("loading %s: %w", defaultPath, err)
		}
		return cfg, nil
	}

	return config.Default(), nil
}
