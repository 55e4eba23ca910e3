package state

import (
	"sync"
	"sync/atomic"
)

// State captures the state of an overlay node: Bootstrapping, Running or
// Shutdown.
type State uint32

const (
	// Bootstrapping is the state in which a node has started its services and
	// is still trying to reach a seed node.
	Bootstrapping State = iota

	// Running is the state in which a node is connected to the overlay, or
	// runs as the first node of a new one.
	Running

	// Shutdown is the state in which a node has closed its connections and
	// its store.
	Shutdown
)

// WGLIMIT is the maximum number of goroutines that can be launched through
// Manager.GoFunc
const WGLIMIT = 20

// String returns the string representation of a State
func (s State) String() string {
	switch s {
	case Bootstrapping:
		return "Bootstrapping"
	case Running:
		return "Running"
	case Shutdown:
		return "Shutdown"
	default:
		return "Unknown"
	}
}

// Manager wraps a State with get and set methods. It is also used to limit the
// number of goroutines launched by the node, and to wait for all of them to
// complete.
type Manager struct {
	state   State
	wg      sync.WaitGroup
	wgCount int32
}

// GetState returns the current state.
func (b *Manager) GetState() State {
	stateAddr := (*uint32)(&b.state)
	return State(atomic.LoadUint32(stateAddr))
}

// SetState sets the state.
func (b *Manager) SetState(s State) {
	stateAddr := (*uint32)(&b.state)
	atomic.StoreUint32(stateAddr, uint32(s))
}

// CompareAndSetState moves from old to s, and reports whether it did.
func (b *Manager) CompareAndSetState(old, s State) bool {
	stateAddr := (*uint32)(&b.state)
	return atomic.CompareAndSwapUint32(stateAddr, uint32(old), uint32(s))
}

// GoFunc launches a goroutine for a given function, if there are currently
// less than WGLIMIT running. It increments the waitgroup and reports whether
// the goroutine was launched.
func (b *Manager) GoFunc(f func()) bool {
	tempWgCount := atomic.LoadInt32(&b.wgCount)
	if tempWgCount >= WGLIMIT {
		return false
	}
	b.wg.Add(1)
	atomic.AddInt32(&b.wgCount, 1)
	go func() {
		defer b.wg.Done()
		defer atomic.AddInt32(&b.wgCount, -1)
		f()
	}()
	return true
}

// WaitRoutines waits for all the goroutines in the waitgroup.
func (b *Manager) WaitRoutines() {
	b.wg.Wait()
}
