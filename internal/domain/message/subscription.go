package message

import "strings"

// Handler receives an immutable view of a dispatched message. The broker
// invokes Handler inside a panic-catching boundary (spec §4.7, §9); a
// panic is recovered, logged, and counted as a delivery failure for the
// subscribing plugin, and sibling handlers still run. The subscription
// itself stays active; only after repeated failures is the plugin as a
// whole marked disabled by the broker.
type Handler func(Message)

// Subscription binds a handler to a topic pattern for one plugin. Handler
// ownership is conceptually shared between the broker (which dispatches
// it) and the subscribing plugin (which owns its lifetime); Go's garbage
// collector makes the explicit Arc<dyn Fn> of the original source
// unnecessary; the struct itself is freely copyable/shareable by value
// once constructed, which is what "cheaply cloneable for snapshotting"
// amounts to here.
type Subscription struct {
	Topic    string
	PluginID string
	Handler  Handler
	Filter   *Filter
}

// FilterAction enumerates what a MessageFilter does to a matching message.
type FilterAction string

const (
	FilterBlock   FilterAction = "Block"
	FilterAllow   FilterAction = "Allow"
	FilterRewrite FilterAction = "Rewrite"
)

// Filter is evaluated before a message is queued for dispatch (spec §4.7).
type Filter struct {
	TopicPattern     string
	SenderPattern    string // optional, empty matches any sender
	PayloadSubstring string // optional, empty matches any payload
	Action           FilterAction
	Replacement      []byte // used when Action == FilterRewrite
}

// Matches reports whether m satisfies every non-empty predicate on f.
func (f Filter) Matches(m Message) bool {
	if !MatchTopic(f.TopicPattern, m.Topic) {
		return false
	}
	if f.SenderPattern != "" && !MatchTopic(f.SenderPattern, m.SenderID) {
		return false
	}
	if f.PayloadSubstring != "" && !strings.Contains(string(m.Payload), f.PayloadSubstring) {
		return false
	}
	return true
}

// Apply runs the filter against m, returning the (possibly rewritten)
// message and whether the message survives (false => FilterBlock fired).
// A non-matching filter is a no-op, not a block: it returns m unchanged
// and true.
func (f Filter) Apply(m Message) (Message, bool) {
	if !f.Matches(m) {
		return m, true
	}
	switch f.Action {
	case FilterBlock:
		return m, false
	case FilterRewrite:
		m.Payload = f.Replacement
		return m, true
	default: // FilterAllow
		return m, true
	}
}

// MatchTopic implements the broker's wildcard rule: "*" is a trailing
// suffix-match segment (e.g. "orders.*" matches "orders.created"); any
// pattern without a trailing "*" must match exactly.
func MatchTopic(pattern, topic string) bool {
	if pattern == topic {
		return true
	}
	if strings.HasSuffix(pattern, "*") {
		prefix := strings.TrimSuffix(pattern, "*")
		return strings.HasPrefix(topic, prefix)
	}
	return false
}
