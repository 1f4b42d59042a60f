package chatsync

import "time"

// TransportMode is the engine's current source of inbound messages.
type TransportMode string

const (
	ModePush         TransportMode = "push"
	ModeFallbackPoll TransportMode = "fallback-poll"
)

// transportMonitor tracks push connectivity. Loss of connection only degrades
// to polling after the grace period; recovery is immediate.
type transportMonitor struct {
	e *Engine

	mode      TransportMode
	connected bool
	grace     *time.Timer
	gen       uint64
}

func (m *transportMonitor) setConnected(connected bool) {
	was := m.connected
	m.connected = connected
	e := m.e

	if connected {
		m.disarm()
		if m.mode == ModeFallbackPoll {
			m.transition(ModePush)
		}
		if !was {
			e.onPushConnected()
		}
		return
	}

	if m.mode == ModePush && m.grace == nil {
		m.gen++
		gen := m.gen
		m.grace = e.loop.after(e.cfg.FallbackGrace, func() { m.expire(gen) })
		e.log.Debug("push channel down, grace period started", "grace", e.cfg.FallbackGrace)
	}
}

func (m *transportMonitor) expire(gen uint64) {
	if gen != m.gen {
		return
	}
	m.grace = nil
	if !m.connected && m.mode == ModePush {
		m.transition(ModeFallbackPoll)
	}
}

func (m *transportMonitor) disarm() {
	if m.grace != nil {
		m.grace.Stop()
		m.grace = nil
	}
	m.gen++
}

func (m *transportMonitor) transition(to TransportMode) {
	e := m.e
	m.mode = to
	e.metrics.modeChanged(to)
	e.log.Info("transport mode changed", "mode", to)

	switch to {
	case ModeFallbackPoll:
		e.typing.disable()
		if e.session != nil {
			e.poller.arm(e.session.conv)
		}
	case ModePush:
		e.poller.disarm()
	}
	e.events.emit(TopicMode, to)
}
