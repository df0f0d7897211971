// Command pluginhostd runs the plugin host as a standalone daemon: it
// loads every package discovered under its plugin directories, serves
// Prometheus metrics, and accepts cross-process IPC connections for
// plugins or management tools running outside this process.
package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/connectias/pluginhost/internal/ipc"
	"github.com/connectias/pluginhost/internal/manager"
	"github.com/connectias/pluginhost/internal/obs/config"
	"github.com/connectias/pluginhost/internal/obs/logging"
	"github.com/connectias/pluginhost/internal/registry"
	"github.com/connectias/pluginhost/internal/verify"
)

func main() {
	configPath := flag.String("config", "", "Path to host policy file (YAML); defaults baked in when empty")
	pluginDir := flag.String("plugin-dir", "./plugins", "Directory to scan for .zip/.pkg plugin packages at startup")
	metricsAddr := flag.String("metrics-addr", ":9090", "Listen address for the /metrics endpoint")
	ipcSocket := flag.String("ipc-socket", "/run/pluginhost/pluginhost.sock", "Unix-domain socket path for cross-process IPC")
	flag.Parse()

	log := logging.NewFromEnv("pluginhostd")

	cfg, err := config.LoadHostConfig(*configPath)
	if err != nil {
		log.WithField("err", err).Fatal("failed to load host config")
	}

	keys, err := loadTrustedKeys(cfg.TrustedKeyFiles)
	if err != nil {
		log.WithField("err", err).Fatal("failed to load trusted signing keys")
	}

	m := manager.New(toManagerConfig(cfg), keys, log)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	m.Run(ctx)

	loadDiscoveredPlugins(ctx, m, *pluginDir, log)

	ln, err := startIPCListener(*ipcSocket, m, log)
	if err != nil {
		log.WithField("err", err).Warn("IPC listener disabled")
	} else {
		defer ln.Close()
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	server := &http.Server{Addr: *metricsAddr, Handler: mux}
	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.WithField("err", err).Error("metrics server stopped unexpectedly")
		}
	}()
	log.WithField("addr", *metricsAddr).Info("metrics server listening")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	log.Info("shutdown signal received")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	_ = server.Shutdown(shutdownCtx)
	cancel()
}

// toManagerConfig narrows the host policy file down to the fields the
// manager's constructor needs.
func toManagerConfig(cfg *config.HostConfig) manager.HostConfig {
	return manager.HostConfig{
		MaxMemoryBytes:              cfg.ResourceLimits.MaxMemoryBytes,
		MaxCPUPercent:               float64(cfg.ResourceLimits.MaxCPUPercent),
		MaxStorageBytes:             cfg.ResourceLimits.MaxStorageBytes,
		MaxNetworkRequestsPerMin:    cfg.ResourceLimits.MaxNetworkReqsPerMin,
		MaxExecutionTime:            time.Duration(cfg.ResourceLimits.MaxExecutionTimeSecs) * time.Second,
		MaxFuelUnits:                cfg.ResourceLimits.MaxFuelUnits,
		BrokerInternalRatePerMinute: cfg.Broker.InternalRatePerMinute,
		BrokerPluginRatePerMinute:   cfg.Broker.PluginRatePerMinute,
		BrokerHistoryPerTopic:       cfg.Broker.HistoryPerTopic,
		BrokerQueueCapacity:         cfg.Broker.QueueCapacity,
		MonitorSampleInterval:       cfg.Monitoring.SampleInterval,
		MonitorSoftThreshold:        cfg.Monitoring.SoftThreshold,
	}
}

// loadTrustedKeys reads every PEM file named in paths into a single
// TrustedKeySet. An empty list is valid (every package then fails
// verification, which is a safe default for an unconfigured host).
func loadTrustedKeys(paths []string) (*verify.TrustedKeySet, error) {
	blocks := make([][]byte, 0, len(paths))
	for _, p := range paths {
		data, err := os.ReadFile(p)
		if err != nil {
			return nil, err
		}
		blocks = append(blocks, data)
	}
	return verify.NewTrustedKeySet(blocks...)
}

// loadDiscoveredPlugins scans pluginDir for packages and loads each one,
// logging (rather than failing startup on) any individual load error so
// one bad package never blocks the rest of the host from coming up.
func loadDiscoveredPlugins(ctx context.Context, m *manager.Manager, pluginDir string, log *logging.Logger) {
	if _, err := os.Stat(pluginDir); err != nil {
		log.WithField("dir", pluginDir).Info("plugin directory not present, skipping discovery")
		return
	}
	result := registry.Discover([]string{pluginDir})
	for _, path := range result.Discovered {
		id, err := m.LoadPlugin(ctx, path)
		if err != nil {
			log.WithField("path", path).WithField("err", err).Warn("failed to load discovered plugin")
			continue
		}
		log.WithPlugin(id.String()).Info("plugin loaded at startup")
	}
}

// startIPCListener opens the Unix-domain socket and accepts connections
// in the background, publishing every received frame onto the broker so
// cross-process plugins participate in the same pub/sub fabric as
// in-process ones.
func startIPCListener(socketPath string, m *manager.Manager, log *logging.Logger) (*ipc.Listener, error) {
	if err := os.MkdirAll(filepath.Dir(socketPath), 0o755); err != nil {
		return nil, err
	}
	ln, err := ipc.Listen(socketPath, log)
	if err != nil {
		return nil, err
	}
	go acceptLoop(ln, m, log)
	return ln, nil
}

func acceptLoop(ln *ipc.Listener, m *manager.Manager, log *logging.Logger) {
	for {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		go func() {
			for {
				msg, err := conn.Receive()
				if err != nil {
					return
				}
				if err := m.Broker().Publish(msg); err != nil {
					log.WithField("topic", msg.Topic).WithField("err", err).Warn("failed to publish IPC-received message")
				}
			}
		}()
	}
}
