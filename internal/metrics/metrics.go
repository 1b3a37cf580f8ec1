package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "marketplace"

// Metrics groups the counters the core reports. A nil *Metrics is valid and
// records nothing.
type Metrics struct {
	Reservations     *prometheus.CounterVec // outcome
	SweptHolds       prometheus.Counter
	Checkouts        *prometheus.CounterVec // outcome
	CheckoutDuration prometheus.Histogram
	WebhookEvents    *prometheus.CounterVec // type, outcome
	DeadLetters      *prometheus.CounterVec // reason
	Transitions      *prometheus.CounterVec // from, to
	Notifications    *prometheus.CounterVec // outcome
}

func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Reservations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "ledger", Name: "reservations_total",
			Help: "Reserve calls by outcome.",
		}, []string{"outcome"}),
		SweptHolds: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "ledger", Name: "swept_holds_total",
			Help: "Expired holds released by the sweeper.",
		}),
		Checkouts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "checkout", Name: "attempts_total",
			Help: "BeginCheckout calls by outcome.",
		}, []string{"outcome"}),
		CheckoutDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "checkout", Name: "duration_seconds",
			Help:    "BeginCheckout latency.",
			Buckets: prometheus.DefBuckets,
		}),
		WebhookEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "webhook", Name: "events_total",
			Help: "Payment webhook events by type and outcome.",
		}, []string{"type", "outcome"}),
		DeadLetters: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "webhook", Name: "dead_letters_total",
			Help: "Webhook events routed to the dead-letter topic.",
		}, []string{"reason"}),
		Transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "orders", Name: "transitions_total",
			Help: "Applied order status transitions.",
		}, []string{"from", "to"}),
		Notifications: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "notify", Name: "sent_total",
			Help: "Customer notifications by outcome.",
		}, []string{"outcome"}),
	}
	if reg != nil {
		reg.MustRegister(m.Reservations, m.SweptHolds, m.Checkouts, m.CheckoutDuration,
			m.WebhookEvents, m.DeadLetters, m.Transitions, m.Notifications)
	}
	return m
}

func (m *Metrics) Reservation(outcome string) {
	if m == nil {
		return
	}
	m.Reservations.WithLabelValues(outcome).Inc()
}

func (m *Metrics) Swept(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.SweptHolds.Add(float64(n))
}

func (m *Metrics) Checkout(outcome string, seconds float64) {
	if m == nil {
		return
	}
	m.Checkouts.WithLabelValues(outcome).Inc()
	m.CheckoutDuration.Observe(seconds)
}

func (m *Metrics) Webhook(eventType, outcome string) {
	if m == nil {
		return
	}
	m.WebhookEvents.WithLabelValues(eventType, outcome).Inc()
}

func (m *Metrics) DeadLetter(reason string) {
	if m == nil {
		return
	}
	m.DeadLetters.WithLabelValues(reason).Inc()
}

func (m *Metrics) Transition(from, to string) {
	if m == nil {
		return
	}
	m.Transitions.WithLabelValues(from, to).Inc()
}

func (m *Metrics) Notification(outcome string) {
	if m == nil {
		return
	}
	m.Notifications.WithLabelValues(outcome).Inc()
}
