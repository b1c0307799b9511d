// Package lifecycle carries explicit process readiness state into components
// that must tolerate being called before storage is available.
package lifecycle

import "sync/atomic"

// Gate is a readiness flag. A nil *Gate reports ready so tests and
// single-shot tools can skip lifecycle wiring.
type Gate struct {
	ready atomic.Bool
}

func NewGate(ready bool) *Gate {
	g := &Gate{}
	g.ready.Store(ready)
	return g
}

func (g *Gate) MarkReady() {
	if g != nil {
		g.ready.Store(true)
	}
}

func (g *Gate) MarkNotReady() {
	if g != nil {
		g.ready.Store(false)
	}
}

func (g *Gate) Ready() bool {
	if g == nil {
		return true
	}
	return g.ready.Load()
}
