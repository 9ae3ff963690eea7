// Package velocity derives per-agent velocity from consecutive world-frame
// positions by single-step finite difference.
package velocity

import (
	"sync"

	"gonum.org/v1/gonum/spatial/r3"

	"github.com/banshee-data/fleet.align/internal/pose"
)

// MinDT is the smallest timestamp difference that produces a new estimate.
// Closer samples leave the previous estimate in place.
const MinDT = 1e-4

type track struct {
	pos      r3.Vec
	t        float64
	vel      r3.Vec
	hasVel   bool
	hasPrior bool
}

// Estimator keeps the last observation of every agent.
type Estimator struct {
	minDT float64

	mu     sync.Mutex
	tracks map[pose.AgentID]*track
}

// NewEstimator returns an estimator using MinDT.
func NewEstimator() *Estimator {
	return &Estimator{minDT: MinDT, tracks: make(map[pose.AgentID]*track)}
}

// Observe records the position of id at time t and returns the current
// velocity estimate. The estimate is zero until two samples at least MinDT
// apart have been seen.
func (e *Estimator) Observe(id pose.AgentID, pos r3.Vec, t float64) r3.Vec {
	e.mu.Lock()
	defer e.mu.Unlock()

	tr, ok := e.tracks[id]
	if !ok {
		tr = &track{}
		e.tracks[id] = tr
	}
	if tr.hasPrior {
		if dt := t - tr.t; dt > e.minDT {
			tr.vel = r3.Scale(1/dt, r3.Sub(pos, tr.pos))
			tr.hasVel = true
		}
	}
	tr.pos = pos
	tr.t = t
	tr.hasPrior = true
	return tr.vel
}

// Velocity returns the latest estimate for id. The second result is false
// until a finite difference has been computed.
func (e *Estimator) Velocity(id pose.AgentID) (r3.Vec, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	tr, ok := e.tracks[id]
	if !ok || !tr.hasVel {
		return r3.Vec{}, false
	}
	return tr.vel, true
}

// Forget removes all state for id.
func (e *Estimator) Forget(id pose.AgentID) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.tracks, id)
}
