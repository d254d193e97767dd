// README: Prometheus collectors for the transport core (realtime bridge, dispatch, pricing, trips).
package metrics

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics groups the collectors. A nil *Metrics is valid and records nothing.
type Metrics struct {
	bridgeConnected prometheus.Gauge
	bridgeQueue     prometheus.Gauge
	bridgeDropped   prometheus.Counter
	deliveries      *prometheus.CounterVec
	dispatchNotices *prometheus.CounterVec
	pricing         *prometheus.CounterVec
	transitions     *prometheus.CounterVec
}

// New registers the collectors on reg (the default registerer when nil).
// Collectors that are already registered are reused.
func New(reg prometheus.Registerer) (*Metrics, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	m := &Metrics{
		bridgeConnected: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "propmove_realtime_bridge_connected",
			Help: "1 when the cross-instance realtime bridge holds a broker connection",
		}),
		bridgeQueue: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "propmove_realtime_bridge_queue_depth",
			Help: "Outbound realtime messages waiting for the broker",
		}),
		bridgeDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "propmove_realtime_bridge_dropped_total",
			Help: "Outbound realtime messages dropped because the queue was full",
		}),
		deliveries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "propmove_realtime_deliveries_total",
			Help: "Realtime events handed to local subscribers",
		}, []string{"event"}),
		dispatchNotices: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "propmove_dispatch_notifications_total",
			Help: "Drivers notified of a transport request, by radius band",
		}, []string{"band"}),
		pricing: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "propmove_pricing_calculations_total",
			Help: "Price calculations by vehicle type and whether surge applied",
		}, []string{"vehicle_type", "surge"}),
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "propmove_trip_transitions_total",
			Help: "Trip state transitions by target status",
		}, []string{"status"}),
	}

	var err error
	if m.bridgeConnected, err = register(reg, m.bridgeConnected); err != nil {
		return nil, err
	}
	if m.bridgeQueue, err = register(reg, m.bridgeQueue); err != nil {
		return nil, err
	}
	if m.bridgeDropped, err = register(reg, m.bridgeDropped); err != nil {
		return nil, err
	}
	if m.deliveries, err = register(reg, m.deliveries); err != nil {
		return nil, err
	}
	if m.dispatchNotices, err = register(reg, m.dispatchNotices); err != nil {
		return nil, err
	}
	if m.pricing, err = register(reg, m.pricing); err != nil {
		return nil, err
	}
	if m.transitions, err = register(reg, m.transitions); err != nil {
		return nil, err
	}
	return m, nil
}

func register[C prometheus.Collector](reg prometheus.Registerer, c C) (C, error) {
	if err := reg.Register(c); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(C); ok {
				return existing, nil
			}
		}
		return c, err
	}
	return c, nil
}

func (m *Metrics) SetBridgeConnected(connected bool) {
	if m == nil {
		return
	}
	if connected {
		m.bridgeConnected.Set(1)
	} else {
		m.bridgeConnected.Set(0)
	}
}

func (m *Metrics) SetBridgeQueueDepth(n int) {
	if m == nil {
		return
	}
	m.bridgeQueue.Set(float64(n))
}

func (m *Metrics) IncBridgeDropped() {
	if m == nil {
		return
	}
	m.bridgeDropped.Inc()
}

func (m *Metrics) IncDelivery(event string) {
	if m == nil {
		return
	}
	m.deliveries.WithLabelValues(event).Inc()
}

func (m *Metrics) AddDispatchNotifications(band int, n int) {
	if m == nil || n == 0 {
		return
	}
	m.dispatchNotices.WithLabelValues(strconv.Itoa(band)).Add(float64(n))
}

func (m *Metrics) IncPricing(vehicleType string, surge bool) {
	if m == nil {
		return
	}
	m.pricing.WithLabelValues(vehicleType, strconv.FormatBool(surge)).Inc()
}

func (m *Metrics) IncTransition(status string) {
	if m == nil {
		return
	}
	m.transitions.WithLabelValues(status).Inc()
}
