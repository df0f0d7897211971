package threatdetect

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/connectias/pluginhost/internal/domain/threat"
)

type recordingResponder struct {
	actions []ResponseAction
}

func (r *recordingResponder) Respond(_ context.Context, _ string, action ResponseAction, _ threat.Assessment) {
	r.actions = append(r.actions, action)
}

func TestObserve_BenignOperationScoresLow(t *testing.T) {
	d := New(nil, nil)
	now := time.Now()

	for i := 0; i < 20; i++ {
		d.Observe(context.Background(), threat.Event{
			PluginID: "plugin.a", Operation: "storage.get", Duration: 5 * time.Millisecond, Memory: 1024, Occurred: now,
		}, Options{})
	}

	assessment := d.Observe(context.Background(), threat.Event{
		PluginID: "plugin.a", Operation: "storage.get", Duration: 5 * time.Millisecond, Memory: 1024, Occurred: now,
	}, Options{})

	assert.Equal(t, threat.SeverityLow, assessment.Severity)
}

func TestObserve_KnownBadPatternScoresHigh(t *testing.T) {
	d := New(nil, nil)
	assessment := d.Observe(context.Background(), threat.Event{
		PluginID:  "plugin.evil",
		Operation: "network.request",
		Context:   map[string]any{"url": "beacon.c2-callback.example:1337"},
		Occurred:  time.Now(),
	}, Options{})

	assert.Contains(t, []threat.Severity{threat.SeverityHigh, threat.SeverityCritical}, assessment.Severity)
}

func TestObserve_CriticalTriggersResponseActions(t *testing.T) {
	responder := &recordingResponder{}
	d := New(responder, nil)

	d.Observe(context.Background(), threat.Event{
		PluginID:  "plugin.evil",
		Operation: "network.request",
		Context:   map[string]any{"url": "beacon.c2-callback.example:1337.4444.6667"},
		Occurred:  time.Now(),
	}, Options{Respond: true})

	require.NotEmpty(t, responder.actions)
	assert.Contains(t, responder.actions, ActionSuspendPlugin)
}

func TestObserve_RespondFalseSuppressesActions(t *testing.T) {
	responder := &recordingResponder{}
	d := New(responder, nil)

	d.Observe(context.Background(), threat.Event{
		PluginID:  "plugin.evil",
		Operation: "network.request",
		Context:   map[string]any{"url": "beacon.c2-callback.example:1337.4444.6667"},
		Occurred:  time.Now(),
	}, Options{Respond: false})

	assert.Empty(t, responder.actions)
}

func TestRateLimiter_SharedAcrossCalls(t *testing.T) {
	d := New(nil, nil)
	b1 := d.RateLimiter("plugin.a", "op", 10, time.Minute)
	b2 := d.RateLimiter("plugin.a", "op", 10, time.Minute)
	assert.Same(t, b1, b2)
}
