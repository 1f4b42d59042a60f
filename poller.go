package chatsync

import "time"

// fallbackPoller reloads the active conversation on a fixed interval while
// the push channel is unavailable. At most one ticker runs at a time.
type fallbackPoller struct {
	e *Engine

	conv ConversationID
	stop chan struct{}
	gen  uint64
}

func (p *fallbackPoller) active() bool { return p.stop != nil }

func (p *fallbackPoller) arm(conv ConversationID) {
	p.disarm()
	if conv.IsZero() {
		return
	}
	p.gen++
	gen := p.gen
	stop := make(chan struct{})
	p.stop = stop
	p.conv = conv

	e := p.e
	interval := e.cfg.PollInterval
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				e.loop.post(func() { p.tick(gen) })
			}
		}
	}()
	e.log.Debug("fallback poller armed", "conversation", conv, "interval", interval)
}

func (p *fallbackPoller) disarm() {
	if p.stop == nil {
		return
	}
	close(p.stop)
	p.stop = nil
	p.conv = ConversationID{}
	p.gen++
}

func (p *fallbackPoller) tick(gen uint64) {
	e := p.e
	if gen != p.gen || e.monitor.mode != ModeFallbackPoll {
		return
	}
	if e.session == nil || e.session.conv != p.conv {
		return
	}
	if e.loader.inFlight {
		return
	}
	e.metrics.pollIssued()
	e.loader.load(p.conv, LoadOptions{Force: true})
}
