package manager

import (
	"context"
	"crypto/rsa"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/connectias/pluginhost/internal/domain/plugin"
	"github.com/connectias/pluginhost/internal/domain/threat"
	"github.com/connectias/pluginhost/internal/testsign"
	"github.com/connectias/pluginhost/internal/threatdetect"
	"github.com/connectias/pluginhost/internal/verify"
)

func testManager(t *testing.T) *Manager {
	t.Helper()
	keys, err := verify.NewTrustedKeySet()
	require.NoError(t, err)
	return New(HostConfig{
		MaxFuelUnits:                1_000_000,
		MaxExecutionTime:            time.Second,
		BrokerInternalRatePerMinute: 100,
		BrokerPluginRatePerMinute:   60,
		BrokerHistoryPerTopic:       10,
		BrokerQueueCapacity:         16,
		MonitorSampleInterval:       time.Minute,
		MonitorSoftThreshold:        0.5,
	}, keys, nil)
}

// testManagerTrusting builds a Manager whose trusted key set accepts
// packages signed by priv, for tests that load a real signed package
// end-to-end rather than registering a manifest directly.
func testManagerTrusting(t *testing.T, priv *rsa.PrivateKey) *Manager {
	t.Helper()
	pubPEM, err := testsign.PublicKeyPEM(priv)
	require.NoError(t, err)
	keys, err := verify.NewTrustedKeySet(pubPEM)
	require.NoError(t, err)
	return New(HostConfig{
		MaxFuelUnits:                1_000_000,
		MaxExecutionTime:            time.Second,
		BrokerInternalRatePerMinute: 100,
		BrokerPluginRatePerMinute:   60,
		BrokerHistoryPerTopic:       10,
		BrokerQueueCapacity:         16,
		MonitorSampleInterval:       time.Minute,
		MonitorSoftThreshold:        0.5,
	}, keys, nil)
}

func mustRegister(t *testing.T, m *Manager, id plugin.ID, perms []string) {
	t.Helper()
	info := plugin.Info{
		ID:             id,
		Name:           "test plugin",
		Version:        "1.0.0",
		EntryPoint:     "plugin.wasm",
		MinCoreVersion: "1.0.0",
		Permissions:    perms,
	}
	require.NoError(t, m.registry.Register(info, "/tmp/"+string(id)+".zip"))
	require.NoError(t, m.perms.Set(id, perms))
}

func TestRespond_SuspendPlugin_DisablesEntry(t *testing.T) {
	m := testManager(t)
	id := plugin.ID("com.example.bad")
	mustRegister(t, m, id, nil)
	require.NoError(t, m.registry.Transition(id, plugin.StateLoaded))
	require.NoError(t, m.registry.Transition(id, plugin.StateRunning))

	m.Respond(context.Background(), id.String(), threatdetect.ActionSuspendPlugin, threat.Assessment{Severity: threat.SeverityCritical})

	entry, err := m.registry.Get(id)
	require.NoError(t, err)
	assert.Equal(t, plugin.StateDisabled, entry.State)
}

func TestRespond_RestrictPermissions_ClearsGrants(t *testing.T) {
	m := testManager(t)
	id := plugin.ID("com.example.noisy")
	mustRegister(t, m, id, []string{"storage:read", "network:https"})
	require.True(t, m.perms.Has(id, plugin.CapStorageRead))

	m.Respond(context.Background(), id.String(), threatdetect.ActionRestrictPermissions, threat.Assessment{Severity: threat.SeverityCritical})

	assert.False(t, m.perms.Has(id, plugin.CapStorageRead))
	assert.False(t, m.perms.Has(id, plugin.CapNetworkHTTPS))
}

func TestRespond_BlockNetworkAccess_RevokesOnlyNetworkCaps(t *testing.T) {
	m := testManager(t)
	id := plugin.ID("com.example.leaky")
	mustRegister(t, m, id, []string{"Storage", "Network"})

	m.Respond(context.Background(), id.String(), threatdetect.ActionBlockNetworkAccess, threat.Assessment{Severity: threat.SeverityCritical})

	assert.False(t, m.perms.Has(id, plugin.CapNetwork))
	assert.True(t, m.perms.Has(id, plugin.CapStorageRead))
}

func TestExecutePlugin_UnknownPluginReturnsNotFound(t *testing.T) {
	m := testManager(t)
	_, err := m.ExecutePlugin(context.Background(), plugin.ID("com.example.ghost"), "echo", nil)
	require.Error(t, err)
}

func TestListPlugins_ReturnsRegisteredEntriesSorted(t *testing.T) {
	m := testManager(t)
	mustRegister(t, m, plugin.ID("com.example.b"), nil)
	mustRegister(t, m, plugin.ID("com.example.a"), nil)

	entries := m.ListPlugins()
	require.Len(t, entries, 2)
	assert.Equal(t, plugin.ID("com.example.a"), entries[0].Info.ID)
	assert.Equal(t, plugin.ID("com.example.b"), entries[1].Info.ID)
}

func TestLoadPlugin_EndToEndWithRealWASMFixture(t *testing.T) {
	priv, err := testsign.GenerateKey()
	require.NoError(t, err)

	manifest := `{
  "id": "com.example.hello",
  "name": "Hello Plugin",
  "version": "1.0.0",
  "min_core_version": "1.0.0",
  "entry_point": "main.wasm",
  "permissions": ["storage:read"]
}`
	files := []testsign.File{
		{Path: "plugin.json", Content: []byte(manifest)},
		{Path: "main.wasm", Content: testsign.BuildFixtureWASM()},
	}
	pkg, err := testsign.BuildSignedPackage(priv, files)
	require.NoError(t, err)

	path := filepath.Join(t.TempDir(), "hello.zip")
	require.NoError(t, os.WriteFile(path, pkg, 0o644))

	m := testManagerTrusting(t, priv)
	ctx := context.Background()

	id, err := m.LoadPlugin(ctx, path)
	require.NoError(t, err)
	assert.Equal(t, plugin.ID("com.example.hello"), id)

	entry, err := m.registry.Get(id)
	require.NoError(t, err)
	assert.Equal(t, plugin.StateLoaded, entry.State)

	out, err := m.ExecutePlugin(ctx, id, "echo", []byte(`{"msg":"hi"}`))
	require.NoError(t, err)
	assert.Equal(t, "hi", out)

	require.NoError(t, m.UnloadPlugin(ctx, id))
	entry, err = m.registry.Get(id)
	require.NoError(t, err)
	assert.Equal(t, plugin.StateStopped, entry.State)
}

func TestOnDeliveryFailure_TransitionsToDisabled(t *testing.T) {
	m := testManager(t)
	id := plugin.ID("com.example.flaky")
	mustRegister(t, m, id, nil)
	require.NoError(t, m.registry.Transition(id, plugin.StateLoaded))
	require.NoError(t, m.registry.Transition(id, plugin.StateRunning))

	m.onDeliveryFailure(id.String(), assertErr("delivery failed"))

	entry, err := m.registry.Get(id)
	require.NoError(t, err)
	assert.Equal(t, plugin.StateDisabled, entry.State)
}

type assertErr string

func (e assertErr) Error() string { return string(e) }
