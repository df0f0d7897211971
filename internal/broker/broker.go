// Package broker implements the inter-plugin publish/subscribe message
// broker (C7, spec §4.7): topic routing, filters, rate limiting,
// request/response correlation, and ordered dispatch.
package broker

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/connectias/pluginhost/internal/domain/message"
	"github.com/connectias/pluginhost/internal/domain/plugin"
	herr "github.com/connectias/pluginhost/internal/obs/errors"
	"github.com/connectias/pluginhost/internal/obs/logging"
	"github.com/connectias/pluginhost/internal/obs/metrics"
	"github.com/connectias/pluginhost/internal/permissions"
)

const (
	defaultInternalRatePerMinute = 100
	defaultPluginRatePerMinute   = 60
	defaultHistoryPerTopic       = 1000
	defaultQueueCapacity         = 4096
	heartbeatSilenceDefault      = 90 * time.Second
)

// Transport is the subset of internal/ipc's client the broker needs to
// hand a frame to a remote peer in MultiProcess mode. Defined here
// (rather than imported concretely) so the broker never depends on the
// transport's connection-management details.
type Transport interface {
	Send(target string, msg message.Message) error
}

// Mode selects whether the broker only dispatches to in-process
// subscribers or also forwards to a Transport for cross-process peers.
type Mode int

const (
	ModeSingleProcess Mode = iota
	ModeMultiProcess
)

type pendingResponse struct {
	ch chan message.Message
}

type connectionState struct {
	lastSeen    time.Time
	failStreak  int
}

// Broker owns topic subscriptions, per-topic history, the dispatch
// queue, and the IPC fallback for multi-process delivery.
type Broker struct {
	mu sync.RWMutex

	mode      Mode
	transport Transport
	perms     *permissions.Store
	log       *logging.Logger

	subs    map[string][]message.Subscription // keyed by topic pattern
	history map[string][]message.Message       // keyed by exact topic
	historyN int

	rateLimits map[string]*message.RateLimitBucket // keyed by "plugin_id:operation"
	internalRatePerMin int
	pluginRatePerMin   int

	pending map[string]pendingResponse // keyed by request_id

	connections map[string]*connectionState
	heartbeatSilence time.Duration

	queue chan message.Message

	disabled map[string]struct{}
	failCounts map[string]int

	onDeliveryFailure func(pluginID string, err error)
}

// Option configures a Broker at construction time.
type Option func(*Broker)

// WithMode sets the delivery mode (single- or multi-process).
func WithMode(mode Mode, transport Transport) Option {
	return func(b *Broker) {
		b.mode = mode
		b.transport = transport
	}
}

// WithRates overrides the default internal/plugin rate-limit buckets.
func WithRates(internalPerMin, pluginPerMin int) Option {
	return func(b *Broker) {
		b.internalRatePerMin = internalPerMin
		b.pluginRatePerMin = pluginPerMin
	}
}

// WithHistoryCap overrides the default per-topic history ring size.
func WithHistoryCap(n int) Option {
	return func(b *Broker) { b.historyN = n }
}

// WithQueueCapacity overrides the default bounded dispatch queue size.
func WithQueueCapacity(n int) Option {
	return func(b *Broker) {
		b.queue = make(chan message.Message, n)
	}
}

// WithDeliveryFailureHook installs a callback invoked when a plugin's
// persistent delivery failures promote it to Disabled (spec §4.7), used
// by the manager to drive the registry's lifecycle transition and by the
// threat detector to observe the event.
func WithDeliveryFailureHook(fn func(pluginID string, err error)) Option {
	return func(b *Broker) { b.onDeliveryFailure = fn }
}

// New constructs a single-process Broker with spec-default tuning;
// apply Options to customize.
func New(perms *permissions.Store, log *logging.Logger, opts ...Option) *Broker {
	if log == nil {
		log = logging.Default()
	}
	b := &Broker{
		mode:               ModeSingleProcess,
		perms:              perms,
		log:                log,
		subs:               make(map[string][]message.Subscription),
		history:            make(map[string][]message.Message),
		historyN:           defaultHistoryPerTopic,
		rateLimits:         make(map[string]*message.RateLimitBucket),
		internalRatePerMin: defaultInternalRatePerMinute,
		pluginRatePerMin:   defaultPluginRatePerMinute,
		pending:            make(map[string]pendingResponse),
		connections:        make(map[string]*connectionState),
		heartbeatSilence:   heartbeatSilenceDefault,
		queue:              make(chan message.Message, defaultQueueCapacity),
		disabled:           make(map[string]struct{}),
		failCounts:         make(map[string]int),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// bucketFor returns (creating if needed) the rate-limit bucket for
// pluginID's operation, using the plugin-visible rate unless pluginID
// names an internal caller ("" or "_host").
func (b *Broker) bucketFor(pluginID, operation string) *message.RateLimitBucket {
	key := pluginID + ":" + operation
	b.mu.Lock()
	defer b.mu.Unlock()
	bucket, ok := b.rateLimits[key]
	if !ok {
		rate := b.pluginRatePerMin
		if pluginID == "" || pluginID == "_host" {
			rate = b.internalRatePerMin
		}
		bucket = message.NewRateLimitBucket(rate, time.Minute)
		b.rateLimits[key] = bucket
	}
	return bucket
}

// Subscribe registers handler for topicPattern on behalf of pluginID,
// subject to the topic allow-list in perms.
func (b *Broker) Subscribe(pluginID, topicPattern string, handler message.Handler, filter *message.Filter) error {
	if err := b.checkPermission(pluginID, plugin.CapMessageReceive); err != nil {
		return err
	}
	sub := message.Subscription{Topic: topicPattern, PluginID: pluginID, Handler: handler, Filter: filter}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs[topicPattern] = append(b.subs[topicPattern], sub)
	return nil
}

// Unsubscribe removes every subscription pluginID holds on topicPattern.
func (b *Broker) Unsubscribe(pluginID, topicPattern string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	existing := b.subs[topicPattern]
	filtered := existing[:0]
	for _, s := range existing {
		if s.PluginID != pluginID {
			filtered = append(filtered, s)
		}
	}
	b.subs[topicPattern] = filtered
}

// checkPermission enforces the MessageBrokerManager's permission overlay
// (spec §4.7): publish/subscribe without the relevant capability fails
// with PermissionDenied. Internal/host-originated calls bypass the
// check, matching the fuel/quota trackers' treatment of "_host".
func (b *Broker) checkPermission(pluginID string, required plugin.Capability) error {
	if b.perms == nil || pluginID == "" || pluginID == "_host" {
		return nil
	}
	if !b.perms.Has(plugin.ID(pluginID), required) {
		return herr.PermissionDenied(pluginID, string(required))
	}
	return nil
}

// Publish validates, filters, rate-limits, assigns identity, records
// history, and enqueues msg for dispatch. It returns as soon as the
// message is queued; delivery happens asynchronously via Run's
// dispatcher loop.
func (b *Broker) Publish(msg message.Message) error {
	if err := b.checkPermission(msg.SenderID, plugin.CapMessageSend); err != nil {
		return err
	}

	bucket := b.bucketFor(msg.SenderID, "publish")
	if !bucket.Allow(time.Now()) {
		metrics.BrokerDeliveries.WithLabelValues(msg.Topic, "rate_limited").Inc()
		return herr.RateLimited(msg.SenderID, "publish")
	}

	filtered, err := b.applyFilters(msg)
	if err != nil {
		metrics.BrokerDeliveries.WithLabelValues(msg.Topic, "filtered").Inc()
		return err
	}
	msg = filtered

	if msg.MessageID == "" {
		msg.MessageID = uuid.NewString()
	}
	if msg.Timestamp == 0 {
		msg.Timestamp = time.Now().UTC().Unix()
	}
	if err := msg.Validate(); err != nil {
		return err
	}

	if msg.Type == message.TypeHeartbeat {
		b.recordHeartbeat(msg.SenderID)
	}

	b.mu.Lock()
	hist := append(b.history[msg.Topic], msg)
	if len(hist) > b.historyN {
		hist = hist[len(hist)-b.historyN:]
	}
	b.history[msg.Topic] = hist
	b.mu.Unlock()

	select {
	case b.queue <- msg:
	default:
		metrics.BrokerDeliveries.WithLabelValues(msg.Topic, "queue_full").Inc()
		return herr.Internal("broker dispatch queue is full", nil)
	}

	if b.mode == ModeMultiProcess && b.transport != nil && msg.RecipientID != "" {
		if err := b.transport.Send(msg.RecipientID, msg); err != nil {
			b.log.WithPlugin(msg.SenderID).WithField("err", err).Warn("IPC forward failed, falling back to local delivery only")
		}
	}

	if msg.Type == message.TypeResponse && msg.RequestID != "" {
		b.mu.Lock()
		if p, ok := b.pending[msg.RequestID]; ok {
			select {
			case p.ch <- msg:
			default:
			}
		}
		b.mu.Unlock()
	}

	return nil
}

// applyFilters runs every matching filter (across all topic patterns,
// not only the publish topic) against msg. Filters under one topic
// pattern run in registration order; the order between different
// patterns is not defined.
func (b *Broker) applyFilters(msg message.Message) (message.Message, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, subs := range b.subs {
		for _, sub := range subs {
			if sub.Filter == nil {
				continue
			}
			var ok bool
			msg, ok = sub.Filter.Apply(msg)
			if !ok {
				return msg, herr.FilteredOut(msg.Topic)
			}
		}
	}
	return msg, nil
}

func (b *Broker) recordHeartbeat(pluginID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	conn, ok := b.connections[pluginID]
	if !ok {
		conn = &connectionState{}
		b.connections[pluginID] = conn
	}
	conn.lastSeen = time.Now()
}

// IsAlive reports whether pluginID has sent a heartbeat within the
// configured silence window.
func (b *Broker) IsAlive(pluginID string, now time.Time) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	conn, ok := b.connections[pluginID]
	if !ok {
		return true // never having sent a heartbeat is not itself a failure
	}
	return now.Sub(conn.lastSeen) <= b.heartbeatSilence
}

// Run starts the dispatcher loop; it blocks until ctx is cancelled.
func (b *Broker) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-b.queue:
			b.dispatch(msg)
		}
	}
}

// dispatch looks up every subscription whose pattern matches msg.Topic
// and invokes each handler, isolating panics so one bad handler cannot
// affect its siblings (spec §4.7, §9). Handlers subscribed under the same
// pattern run in subscription order; the order between handlers of
// different matching patterns is not defined.
func (b *Broker) dispatch(msg message.Message) {
	b.mu.RLock()
	var matched []message.Subscription
	for pattern, subs := range b.subs {
		if message.MatchTopic(pattern, msg.Topic) {
			matched = append(matched, subs...)
		}
	}
	b.mu.RUnlock()

	for _, sub := range matched {
		b.invokeHandler(sub, msg)
	}
}

func (b *Broker) invokeHandler(sub message.Subscription, msg message.Message) {
	defer func() {
		if r := recover(); r != nil {
			b.log.WithPlugin(sub.PluginID).WithField("panic", r).Error("subscription handler panicked; isolating")
			b.recordDeliveryFailure(sub.PluginID, herr.Internal("handler panic", nil))
			metrics.BrokerDeliveries.WithLabelValues(msg.Topic, "handler_panic").Inc()
		}
	}()
	sub.Handler(msg)
	metrics.BrokerDeliveries.WithLabelValues(msg.Topic, "delivered").Inc()
}

const maxDeliveryFailuresBeforeDisable = 5

// recordDeliveryFailure tracks persistent per-plugin delivery failures;
// crossing the threshold promotes the plugin to Disabled via the
// installed hook (spec §4.7 "Failure semantics").
func (b *Broker) recordDeliveryFailure(pluginID string, err error) {
	b.mu.Lock()
	b.failCounts[pluginID]++
	count := b.failCounts[pluginID]
	_, alreadyDisabled := b.disabled[pluginID]
	if count >= maxDeliveryFailuresBeforeDisable && !alreadyDisabled {
		b.disabled[pluginID] = struct{}{}
	}
	b.mu.Unlock()

	if count >= maxDeliveryFailuresBeforeDisable && !alreadyDisabled && b.onDeliveryFailure != nil {
		b.onDeliveryFailure(pluginID, err)
	}
}

// Request publishes a Request message and blocks for a matching
// Response (correlated by request_id) or timeout.
func (b *Broker) Request(ctx context.Context, topic, senderID string, payload []byte, timeout time.Duration) (message.Message, error) {
	requestID := uuid.NewString()
	respCh := make(chan message.Message, 1)

	b.mu.Lock()
	b.pending[requestID] = pendingResponse{ch: respCh}
	b.mu.Unlock()
	defer func() {
		b.mu.Lock()
		delete(b.pending, requestID)
		b.mu.Unlock()
	}()

	req := message.New(topic, senderID, payload, message.TypeRequest, message.PriorityNormal)
	req.RequestID = requestID
	if err := b.Publish(req); err != nil {
		return message.Message{}, err
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case resp := <-respCh:
		return resp, nil
	case <-timer.C:
		return message.Message{}, herr.Timeout("broker.request")
	case <-ctx.Done():
		return message.Message{}, herr.Timeout("broker.request")
	}
}

// History returns a copy of topic's retained message ring.
func (b *Broker) History(topic string) []message.Message {
	b.mu.RLock()
	defer b.mu.RUnlock()
	hist := b.history[topic]
	out := make([]message.Message, len(hist))
	copy(out, hist)
	return out
}

// IsDisabled reports whether pluginID has been promoted to Disabled by
// persistent delivery failures.
func (b *Broker) IsDisabled(pluginID string) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	_, ok := b.disabled[pluginID]
	return ok
}
