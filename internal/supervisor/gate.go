package supervisor

import (
	"sync"

	"github.com/tevino/abool"
)

// pauseGate is the binary gate a running execution's log-reader and memory
// sampler block on while the task is paused. abool alone records open/closed
// atomically but cannot block a waiter, so a channel that is recreated on
// every close/reopen cycle supplies the actual wait — abool stays the fast
// non-blocking check every loop iteration makes, the channel only comes into
// play once the gate is actually closed.
type pauseGate struct {
	open   *abool.AtomicBool
	mu     sync.Mutex
	resume chan struct{}
}

func newPauseGate() *pauseGate {
	return &pauseGate{open: abool.NewBool(true)}
}

// Close blocks subsequent Wait calls until Open is called.
func (g *pauseGate) Close() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.open.IsSet() {
		g.open.UnSet()
		g.resume = make(chan struct{})
	}
}

// Open releases any goroutine blocked in Wait.
func (g *pauseGate) Open() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if !g.open.IsSet() {
		g.open.Set()
		close(g.resume)
		g.resume = nil
	}
}

// Wait returns immediately if the gate is open, otherwise blocks until Open
// is called.
func (g *pauseGate) Wait() {
	for {
		if g.open.IsSet() {
			return
		}
		g.mu.Lock()
		ch := g.resume
		g.mu.Unlock()
		if ch == nil {
			return
		}
		<-ch
	}
}
