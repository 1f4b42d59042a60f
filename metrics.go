package chatsync

import "github.com/prometheus/client_golang/prometheus"

// Metrics exposes sync core counters. A nil *Metrics is valid and records nothing.
type Metrics struct {
	appended     prometheus.Counter
	duplicates   prometheus.Counter
	reconciled   prometheus.Counter
	staleDropped prometheus.Counter
	sendFailures prometheus.Counter
	polls        prometheus.Counter
	loadFailures *prometheus.CounterVec
	transitions  *prometheus.CounterVec
	mode         prometheus.Gauge
}

// NewMetrics creates the collectors and registers them with reg when it is non-nil.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		appended: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "chatsync",
			Name:      "messages_appended_total",
			Help:      "Messages appended to the active conversation.",
		}),
		duplicates: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "chatsync",
			Name:      "messages_duplicate_total",
			Help:      "Inbound messages dropped because their id was already processed.",
		}),
		reconciled: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "chatsync",
			Name:      "sends_reconciled_total",
			Help:      "Optimistic placeholders replaced by their server echo.",
		}),
		staleDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "chatsync",
			Name:      "stale_completions_total",
			Help:      "Async completions discarded because the conversation changed.",
		}),
		sendFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "chatsync",
			Name:      "send_failures_total",
			Help:      "Sends that failed on the REST path.",
		}),
		polls: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "chatsync",
			Name:      "fallback_polls_total",
			Help:      "History reloads issued by the fallback poller.",
		}),
		loadFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "chatsync",
			Name:      "history_load_failures_total",
			Help:      "Failed history loads.",
		}, []string{"background"}),
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "chatsync",
			Name:      "transport_transitions_total",
			Help:      "Transport mode changes by target mode.",
		}, []string{"mode"}),
		mode: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "chatsync",
			Name:      "fallback_active",
			Help:      "1 while the engine is polling instead of receiving push events.",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.appended, m.duplicates, m.reconciled, m.staleDropped,
			m.sendFailures, m.polls, m.loadFailures, m.transitions, m.mode)
	}
	return m
}

func (m *Metrics) messageAppended() {
	if m != nil {
		m.appended.Inc()
	}
}

func (m *Metrics) duplicateDropped() {
	if m != nil {
		m.duplicates.Inc()
	}
}

func (m *Metrics) sendReconciled() {
	if m != nil {
		m.reconciled.Inc()
	}
}

func (m *Metrics) staleCompletion() {
	if m != nil {
		m.staleDropped.Inc()
	}
}

func (m *Metrics) sendFailed() {
	if m != nil {
		m.sendFailures.Inc()
	}
}

func (m *Metrics) pollIssued() {
	if m != nil {
		m.polls.Inc()
	}
}

func (m *Metrics) loadFailed(background bool) {
	if m == nil {
		return
	}
	label := "false"
	if background {
		label = "true"
	}
	m.loadFailures.WithLabelValues(label).Inc()
}

func (m *Metrics) modeChanged(mode TransportMode) {
	if m == nil {
		return
	}
	m.transitions.WithLabelValues(string(mode)).Inc()
	if mode == ModeFallbackPoll {
		m.mode.Set(1)
	} else {
		m.mode.Set(0)
	}
}
