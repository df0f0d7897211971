package manager

import (
	"context"

	"github.com/connectias/pluginhost/internal/domain/plugin"
	"github.com/connectias/pluginhost/internal/domain/threat"
	"github.com/connectias/pluginhost/internal/quota"
	"github.com/connectias/pluginhost/internal/threatdetect"
)

// networkCapabilities lists every capability that grants outbound
// network access, revoked together by ActionBlockNetworkAccess.
var networkCapabilities = []string{
	string(plugin.CapNetwork),
	string(plugin.CapNetworkHTTPS),
}

// Respond implements threatdetect.Responder: it effects the Critical-
// severity response rule table (spec §4.9) through the permission
// store and the registry, exactly the components the spec names
// ("effected through the Permission Store, the Monitoring subsystem...
// and the Manager").
func (m *Manager) Respond(ctx context.Context, pluginID string, action threatdetect.ResponseAction, assessment threat.Assessment) {
	id := plugin.ID(pluginID)

	switch action {
	case threatdetect.ActionSuspendPlugin:
		_ = m.registry.Transition(id, plugin.StateStopped)
		_ = m.registry.Transition(id, plugin.StateDisabled)

	case threatdetect.ActionRestrictPermissions:
		_ = m.perms.Restrict(id, nil)

	case threatdetect.ActionBlockNetworkAccess:
		_ = m.perms.Revoke(id, networkCapabilities)

	case threatdetect.ActionIncreaseMonitoring:
		if tracker, ok := m.trackerFor(id); ok {
			m.monitor.Register(pluginID, tracker)
		}

	case threatdetect.ActionAlertAdministrator:
		m.log.LogSecurityEvent(ctx, "threat_response", map[string]any{
			"plugin_id": pluginID,
			"action":    string(action),
			"score":     assessment.Score,
			"severity":  string(assessment.Severity),
		})
	}

	m.log.LogAudit(ctx, "threat_response:"+string(action), pluginID, string(assessment.Severity))
}

func (m *Manager) trackerFor(id plugin.ID) (*quota.Tracker, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.trackers[id]
	return t, ok
}
