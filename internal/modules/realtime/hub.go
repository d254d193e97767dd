// README: Realtime hub: per-user subscriptions, role broadcast and fan-out through the bridge.
package realtime

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/sirupsen/logrus"

	"propmove/internal/metrics"
	"propmove/internal/types"
)

type Subscription struct {
	UserID types.ID
	Role   types.Role
	sink   Sink
	hub    *Hub
}

// Close removes the subscription from its hub. Safe to call more than once.
func (s *Subscription) Close() {
	s.hub.Unsubscribe(s)
}

// Hub is constructed by the composition root and shared by all modules.
// Publishing never blocks and never fails the caller.
type Hub struct {
	bridge  *Bridge
	log     logrus.FieldLogger
	metrics *metrics.Metrics

	mu   sync.RWMutex
	subs map[types.ID]map[*Subscription]struct{}
}

// NewHub builds a hub. A nil bridge keeps delivery local to this instance.
func NewHub(bridge *Bridge, log logrus.FieldLogger, m *metrics.Metrics) *Hub {
	return &Hub{
		bridge:  bridge,
		log:     log.WithField("module", "realtime"),
		metrics: m,
		subs:    map[types.ID]map[*Subscription]struct{}{},
	}
}

func (h *Hub) Start(ctx context.Context) {
	if h.bridge != nil {
		h.bridge.Start(ctx, h.deliverRemote)
	}
}

func (h *Hub) Stop() {
	if h.bridge != nil {
		h.bridge.Stop()
	}
}

func (h *Hub) Health() Health {
	if h.bridge == nil {
		return Health{Broker: "none"}
	}
	return h.bridge.Health()
}

func (h *Hub) Subscribe(userID types.ID, role types.Role, sink Sink) *Subscription {
	sub := &Subscription{UserID: userID, Role: role, sink: sink, hub: h}
	h.mu.Lock()
	defer h.mu.Unlock()
	set, ok := h.subs[userID]
	if !ok {
		set = map[*Subscription]struct{}{}
		h.subs[userID] = set
	}
	set[sub] = struct{}{}
	return sub
}

func (h *Hub) Unsubscribe(sub *Subscription) {
	h.mu.Lock()
	defer h.mu.Unlock()
	set, ok := h.subs[sub.UserID]
	if !ok {
		return
	}
	delete(set, sub)
	if len(set) == 0 {
		delete(h.subs, sub.UserID)
	}
}

// SubscriberCount returns how many local subscriptions userID has.
func (h *Hub) SubscriberCount(userID types.ID) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs[userID])
}

// SendToUser delivers to the user's local subscribers and to every instance
// through the tenant:, driver: and user: channels.
func (h *Hub) SendToUser(userID types.ID, event string, data any) {
	raw, ok := h.encode(event, data)
	if !ok {
		return
	}
	h.deliverLocal(h.userSubs(userID, nil), Event{Name: event, Data: raw})
	for _, ch := range userChannels(userID) {
		h.publish(ch, event, raw)
	}
}

// NotifyDrivers is SendToUser for each driver id.
func (h *Hub) NotifyDrivers(driverIDs []types.ID, event string, data any) {
	raw, ok := h.encode(event, data)
	if !ok {
		return
	}
	for _, id := range driverIDs {
		h.SendToUser(id, event, raw)
	}
}

func (h *Hub) BroadcastToRole(role types.Role, event string, data any) {
	raw, ok := h.encode(event, data)
	if !ok {
		return
	}
	h.deliverLocal(h.roleSubs(role), Event{Name: event, Data: raw})
	h.publish(channel(prefixRole, string(role)), event, raw)
}

// deliverRemote routes a message from another instance. Per-user channels
// reach only the local sinks whose role listens on that prefix.
func (h *Hub) deliverRemote(msg Message) {
	prefix, id, ok := splitChannel(msg.Channel)
	if !ok {
		return
	}
	e := Event{Name: msg.Event, Data: msg.Data}
	if prefix == prefixRole {
		h.deliverLocal(h.roleSubs(types.Role(id)), e)
		return
	}
	h.deliverLocal(h.userSubs(types.ID(id), func(r types.Role) bool { return prefixForRole(r) == prefix }), e)
}

func (h *Hub) userSubs(userID types.ID, keep func(types.Role) bool) []*Subscription {
	h.mu.RLock()
	defer h.mu.RUnlock()
	set := h.subs[userID]
	out := make([]*Subscription, 0, len(set))
	for sub := range set {
		if keep == nil || keep(sub.Role) {
			out = append(out, sub)
		}
	}
	return out
}

func (h *Hub) roleSubs(role types.Role) []*Subscription {
	h.mu.RLock()
	defer h.mu.RUnlock()
	var out []*Subscription
	for _, set := range h.subs {
		for sub := range set {
			if sub.Role == role {
				out = append(out, sub)
			}
		}
	}
	return out
}

func (h *Hub) deliverLocal(subs []*Subscription, e Event) {
	for _, sub := range subs {
		if sub.sink.Deliver(e) {
			h.metrics.IncDelivery(e.Name)
		} else {
			h.log.WithFields(logrus.Fields{"user_id": sub.UserID, "event": e.Name}).Debug("slow subscriber, event dropped")
		}
	}
}

func (h *Hub) publish(ch, event string, raw json.RawMessage) {
	if h.bridge == nil {
		return
	}
	h.bridge.Enqueue(Message{Channel: ch, Event: event, Data: raw})
}

func (h *Hub) encode(event string, data any) (json.RawMessage, bool) {
	if raw, ok := data.(json.RawMessage); ok {
		return raw, true
	}
	raw, err := json.Marshal(data)
	if err != nil {
		h.log.WithError(err).WithField("event", event).Error("encode realtime payload")
		return nil, false
	}
	return raw, true
}
