package transfer

import (
	"context"
	"sync"
	"time"
)

// Liveness is a single shared "peer alive" latch. Any received ACK or
// FILE_META calls Signal; three consecutive no-progress rounds in the
// sender call Interrupt. There is no per-destination state and no
// exponential backoff: the latch is global per peer.
type Liveness struct {
	mu    sync.Mutex
	alive bool
}

// NewLiveness returns a Liveness latch, initially not alive: the sender
// blocks until the first ACK or FILE_META arrives from the peer.
func NewLiveness() *Liveness {
	return &Liveness{}
}

// Signal marks the peer alive.
func (l *Liveness) Signal() {
	l.mu.Lock()
	l.alive = true
	l.mu.Unlock()
}

// Interrupt marks the peer not alive, forcing the next WaitAlive call to
// block until a new Signal arrives.
func (l *Liveness) Interrupt() {
	l.mu.Lock()
	l.alive = false
	l.mu.Unlock()
}

// WaitAlive spins with 10ms sleeps until the latch is alive, or ctx is
// cancelled.
func (l *Liveness) WaitAlive(ctx context.Context) {
	for {
		l.mu.Lock()
		alive := l.alive
		l.mu.Unlock()
		if alive {
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(10 * time.Millisecond):
		}
	}
}
