package chatsync

import (
	"context"
	"sync"
	"time"
)

// eventLoop runs posted closures one at a time on a single goroutine. All
// session-scoped state is touched only from inside those closures.
type eventLoop struct {
	inbox    chan func()
	stopped  chan struct{}
	stopOnce sync.Once
}

func newEventLoop(size int) *eventLoop {
	return &eventLoop{
		inbox:   make(chan func(), size),
		stopped: make(chan struct{}),
	}
}

// post queues fn. It returns false once the loop has stopped.
func (l *eventLoop) post(fn func()) bool {
	select {
	case <-l.stopped:
		return false
	default:
	}
	select {
	case l.inbox <- fn:
		return true
	case <-l.stopped:
		return false
	}
}

// call runs fn on the loop and waits for it. Never use it from inside the loop.
func (l *eventLoop) call(ctx context.Context, fn func()) error {
	done := make(chan struct{})
	if !l.post(func() { fn(); close(done) }) {
		return ErrClosed
	}
	select {
	case <-done:
		return nil
	case <-l.stopped:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// after posts fn to the loop once d has elapsed.
func (l *eventLoop) after(d time.Duration, fn func()) *time.Timer {
	return time.AfterFunc(d, func() { l.post(fn) })
}

func (l *eventLoop) run(ctx context.Context) {
	defer l.stop()
	for {
		select {
		case <-ctx.Done():
			return
		case fn := <-l.inbox:
			fn()
		}
	}
}

func (l *eventLoop) stop() {
	l.stopOnce.Do(func() { close(l.stopped) })
}
