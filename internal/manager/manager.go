// Package manager implements the plugin manager (C10, spec §4.10): the
// top-level orchestrator that composes verification, the registry,
// permissions, quotas, the sandbox engine, the message broker, and the
// threat detector behind a narrow load/unload/execute/list API.
package manager

import (
	"context"
	"encoding/json"
	"os"
	"sync"
	"time"

	"github.com/connectias/pluginhost/internal/broker"
	"github.com/connectias/pluginhost/internal/domain/plugin"
	"github.com/connectias/pluginhost/internal/domain/threat"
	"github.com/connectias/pluginhost/internal/fuel"
	herr "github.com/connectias/pluginhost/internal/obs/errors"
	"github.com/connectias/pluginhost/internal/obs/logging"
	"github.com/connectias/pluginhost/internal/obs/metrics"
	"github.com/connectias/pluginhost/internal/permissions"
	"github.com/connectias/pluginhost/internal/quota"
	"github.com/connectias/pluginhost/internal/registry"
	"github.com/connectias/pluginhost/internal/sandbox"
	"github.com/connectias/pluginhost/internal/threatdetect"
	"github.com/connectias/pluginhost/internal/verify"
)

// HostConfig is the subset of obs/config.HostConfig the manager needs to
// build per-plugin governance; kept narrow so this package does not
// import the full config struct just to read a handful of fields.
type HostConfig struct {
	MaxMemoryBytes             int64
	MaxCPUPercent              float64
	MaxStorageBytes            int64
	MaxNetworkRequestsPerMin   int
	MaxExecutionTime           time.Duration
	MaxFuelUnits               uint64

	BrokerInternalRatePerMinute int
	BrokerPluginRatePerMinute   int
	BrokerHistoryPerTopic       int
	BrokerQueueCapacity         int

	MonitorSampleInterval time.Duration
	MonitorSoftThreshold  float64
}

// Manager owns every long-lived component and the per-plugin runtime
// state (sandbox instance, fuel meter, quota tracker) that only it needs
// to reach directly; everything else is exposed through the narrow
// load/unload/execute/list operations spec §4.10 names.
type Manager struct {
	mu sync.Mutex

	cfg HostConfig
	log *logging.Logger

	verifier *verify.Verifier
	registry *registry.Registry
	perms    *permissions.Store
	engine   *sandbox.Engine
	broker   *broker.Broker
	detector *threatdetect.Detector
	monitor  *quota.Monitor

	instances map[plugin.ID]*sandbox.Instance
	meters    map[plugin.ID]*fuel.Meter
	trackers  map[plugin.ID]*quota.Tracker
}

// New wires every component (spec §4.10's data-flow diagram, spec §9's
// "single Host value initialized once is the anchor") and returns a
// Manager ready to have Run called once background loops should start.
func New(cfg HostConfig, keys *verify.TrustedKeySet, log *logging.Logger) *Manager {
	if log == nil {
		log = logging.Default()
	}
	perms := permissions.New(log)

	m := &Manager{
		cfg:       cfg,
		log:       log,
		verifier:  verify.New(keys, log),
		registry:  registry.New(log),
		perms:     perms,
		engine:    sandbox.New(log),
		monitor:   quota.NewMonitor(cfg.MonitorSampleInterval, cfg.MonitorSoftThreshold, log),
		instances: make(map[plugin.ID]*sandbox.Instance),
		meters:    make(map[plugin.ID]*fuel.Meter),
		trackers:  make(map[plugin.ID]*quota.Tracker),
	}
	m.detector = threatdetect.New(m, log)
	m.broker = broker.New(perms, log,
		broker.WithRates(cfg.BrokerInternalRatePerMinute, cfg.BrokerPluginRatePerMinute),
		broker.WithHistoryCap(cfg.BrokerHistoryPerTopic),
		broker.WithQueueCapacity(cfg.BrokerQueueCapacity),
		broker.WithDeliveryFailureHook(m.onDeliveryFailure),
	)
	return m
}

// Broker exposes the wired message broker so callers (e.g. the daemon's
// IPC accept loop) can publish inbound cross-process frames onto it.
func (m *Manager) Broker() *broker.Broker { return m.broker }

// Run starts every background loop (broker dispatch, quota sampling,
// threat baseline decay) and returns immediately; each loop stops when
// ctx is cancelled.
func (m *Manager) Run(ctx context.Context) {
	go m.broker.Run(ctx)
	go func() {
		if err := m.monitor.Start(ctx); err != nil && ctx.Err() == nil {
			m.log.WithField("err", err).Warn("quota monitor stopped unexpectedly")
		}
	}()
	go func() {
		if err := m.detector.StartBaselineRecompute(ctx); err != nil && ctx.Err() == nil {
			m.log.WithField("err", err).Warn("threat baseline recompute stopped unexpectedly")
		}
	}()
}

func (m *Manager) limits() plugin.ResourceLimits {
	return plugin.ResourceLimits{
		MaxMemoryBytes:             m.cfg.MaxMemoryBytes,
		MaxCPUPercent:              m.cfg.MaxCPUPercent,
		MaxStorageBytes:            m.cfg.MaxStorageBytes,
		MaxNetworkRequestsPerMinute: m.cfg.MaxNetworkRequestsPerMin,
		MaxExecutionTime:           m.cfg.MaxExecutionTime,
		MaxFuelUnits:               m.cfg.MaxFuelUnits,
	}
}

// LoadPlugin implements load_plugin(path) -> PluginId (spec §4.10):
// verify the package, register its manifest, grant its declared
// permissions, instantiate the sandbox, invoke init(context), and
// transition the registry entry to Loaded.
func (m *Manager) LoadPlugin(ctx context.Context, path string) (plugin.ID, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return "", herr.MalformedPackage("unable to read package file: " + err.Error())
	}

	result, err := m.verifier.VerifyPackage(raw)
	if err != nil {
		return "", err
	}
	info := result.Manifest
	id := info.ID

	if err := m.registry.Register(info, path); err != nil {
		return "", err
	}

	res := m.registry.Resolve(id)
	if !res.Resolvable {
		_ = m.registry.Transition(id, plugin.StateError)
		missing := make([]string, len(res.Missing))
		for i, d := range res.Missing {
			missing[i] = d.String()
		}
		circular := make([]string, len(res.Circular))
		for i, d := range res.Circular {
			circular[i] = d.String()
		}
		return "", herr.DependencyUnresolved(missing, circular)
	}

	if err := m.perms.Set(id, info.Permissions); err != nil {
		_ = m.registry.Transition(id, plugin.StateError)
		return "", err
	}

	limits := m.limits()
	meter := fuel.New(limits.MaxFuelUnits)
	tracker := quota.New(id.String(), limits)

	inst, err := m.engine.Load(ctx, id, result.EntryBytes, limits, meter, m.perms, tracker)
	if err != nil {
		_ = m.registry.Transition(id, plugin.StateError)
		return "", err
	}

	initCtx, _ := json.Marshal(map[string]any{"plugin_id": id.String()})
	if err := inst.Init(ctx, initCtx); err != nil {
		_ = m.registry.Transition(id, plugin.StateError)
		return "", err
	}

	if err := m.registry.Transition(id, plugin.StateLoaded); err != nil {
		return "", err
	}

	m.mu.Lock()
	m.instances[id] = inst
	m.meters[id] = meter
	m.trackers[id] = tracker
	m.mu.Unlock()

	m.monitor.Register(id.String(), tracker)
	m.log.LogAudit(ctx, "load_plugin", id.String(), "loaded")
	return id, nil
}

// UnloadPlugin implements unload_plugin(id) (spec §4.10): invoke
// cleanup, tear down the sandbox, release the fuel meter, revoke
// transient permissions, and transition to Stopped while keeping the
// registry entry.
func (m *Manager) UnloadPlugin(ctx context.Context, id plugin.ID) error {
	m.mu.Lock()
	inst, ok := m.instances[id]
	if !ok {
		m.mu.Unlock()
		return herr.NotFound("plugin", id.String())
	}
	delete(m.instances, id)
	delete(m.meters, id)
	delete(m.trackers, id)
	m.mu.Unlock()

	unloadErr := inst.Unload(ctx)
	_ = m.perms.Set(id, nil)
	m.monitor.Unregister(id.String())

	if err := m.registry.Transition(id, plugin.StateStopped); err != nil {
		return err
	}
	m.log.LogAudit(ctx, "unload_plugin", id.String(), "stopped")
	return unloadErr
}

// ExecutePlugin implements execute_plugin(id, command, args) -> string
// (spec §4.10): quota check, fuel-metered call into execute(command,
// args), performance recording, and threat observation. The call is
// cancelable: if the per-plugin execution-time deadline elapses first,
// the fuel meter is force-exhausted so every later fuel check fails
// (host imports then return a denied status; they do not trap), the
// guest run is stopped by the expired context the wazero runtime closes
// the module on, and Timeout is returned (spec §4.10 cancellation note).
func (m *Manager) ExecutePlugin(ctx context.Context, id plugin.ID, command string, args []byte) (string, error) {
	m.mu.Lock()
	inst, ok := m.instances[id]
	meter := m.meters[id]
	tracker := m.trackers[id]
	m.mu.Unlock()
	if !ok {
		return "", herr.NotFound("plugin", id.String())
	}

	if tracker != nil {
		if err := tracker.CheckAndEnforce(time.Now()); err != nil {
			return "", err
		}
	}
	if err := meter.Consume(fuel.CategoryCall, 1); err != nil {
		metrics.FuelExhaustions.WithLabelValues(id.String()).Inc()
		return "", err
	}

	execCtx := ctx
	var cancel context.CancelFunc
	if m.cfg.MaxExecutionTime > 0 {
		execCtx, cancel = context.WithTimeout(ctx, m.cfg.MaxExecutionTime)
		defer cancel()
	}

	type outcome struct {
		out string
		err error
	}
	resultCh := make(chan outcome, 1)
	start := time.Now()
	go func() {
		out, err := inst.Execute(execCtx, command, args)
		resultCh <- outcome{out, err}
	}()

	var out string
	var err error
	select {
	case r := <-resultCh:
		out, err = r.out, r.err
	case <-execCtx.Done():
		meter.ForceExhaust()
		out, err = "", herr.Timeout(command)
	}
	duration := time.Since(start)

	failed := err != nil
	_ = m.registry.UpdatePerformance(id, duration, failed)
	if tracker != nil {
		tracker.RecordExecutionTime(duration)
	}

	outcomeLabel := "success"
	if failed {
		outcomeLabel = "error"
	}
	metrics.PluginExecutions.WithLabelValues(id.String(), outcomeLabel).Inc()
	metrics.ExecutionDuration.WithLabelValues(id.String()).Observe(duration.Seconds())

	event := threat.Event{
		PluginID:  id.String(),
		Operation: command,
		Context:   map[string]any{"args_len": len(args)},
		Duration:  duration,
		Occurred:  start,
	}
	if tracker != nil {
		event.Memory = tracker.Usage().MemoryBytes
	}
	m.detector.Observe(ctx, event, threatdetect.Options{Respond: true})

	return out, err
}

// ListPlugins implements list_plugins() -> [PluginRegistryEntry].
func (m *Manager) ListPlugins() []plugin.RegistryEntry {
	return m.registry.List()
}

// onDeliveryFailure is the broker's WithDeliveryFailureHook callback: a
// plugin the broker promoted to Disabled for persistent delivery
// failures gets the same transition mirrored onto the registry.
func (m *Manager) onDeliveryFailure(pluginID string, err error) {
	id := plugin.ID(pluginID)
	_ = m.registry.Transition(id, plugin.StateStopped)
	_ = m.registry.Transition(id, plugin.StateDisabled)
	m.log.WithPlugin(pluginID).WithField("err", err).Warn("plugin disabled after persistent delivery failures")
}
