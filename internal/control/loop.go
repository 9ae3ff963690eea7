package control

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/banshee-data/fleet.align/internal/anchor"
	"github.com/banshee-data/fleet.align/internal/config"
	"github.com/banshee-data/fleet.align/internal/fusion"
	"github.com/banshee-data/fleet.align/internal/monitoring"
	"github.com/banshee-data/fleet.align/internal/pose"
	"github.com/banshee-data/fleet.align/internal/safety"
	"github.com/banshee-data/fleet.align/internal/timeutil"
)

const (
	defaultTickInterval  = 20 * time.Millisecond
	defaultStatsInterval = 5 * time.Second
	defaultRadius        = 0.5
)

// LoopConfig holds the loop's collaborators. Queue, Engine, Health and
// Predictor are required; everything else is optional.
type LoopConfig struct {
	Clock     timeutil.Clock
	Queue     *SampleQueue
	Engine    *fusion.Engine
	Health    *anchor.Controller
	Predictor *safety.Predictor

	Confidence safety.ConfidenceConfig
	// Radius returns an agent's safety radius in metres.
	Radius func(pose.AgentID) float64

	TickInterval  time.Duration
	StatsInterval time.Duration // periodic quality/drift log; zero uses 5s

	PoseSinks []PoseSink
	Limiters  []MotionLimiter
	Observers []Observer
	Recorders []EventRecorder
}

// LoopConfigFromTuning builds the engine, anchor controller, predictor
// and queue described by cfg. Sinks and observers are left for the
// caller to attach.
func LoopConfigFromTuning(cfg *config.TuningConfig, clock timeutil.Clock) LoopConfig {
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	return LoopConfig{
		Clock:        clock,
		Queue:        NewSampleQueue(cfg.GetQueueCapacity(), clock),
		Engine:       fusion.NewEngine(fusion.ConfigFromTuning(cfg)),
		Health:       anchor.NewController(anchor.ConfigFromTuning(cfg), 0),
		Predictor:    safety.NewPredictor(safety.ConfigFromTuning(cfg)),
		Confidence:   safety.ConfidenceConfigFromTuning(cfg),
		Radius:       func(id pose.AgentID) float64 { return cfg.SafetyRadius(int(id)) },
		TickInterval: cfg.GetTickInterval(),
	}
}

// Loop is the single goroutine that owns the fusion engine. Other
// goroutines interact with it only through the sample queue,
// RequestRelocalize and the published snapshot.
type Loop struct {
	cfg     LoopConfig
	session *timeutil.Session

	relocalize atomic.Bool
	snapshot   atomic.Pointer[Snapshot]

	seq            uint64
	anchorState    anchor.State
	noCandidate    bool
	collision      bool
	lastStatsLog   float64
	lastDroppedLog uint64
}

// NewLoop starts the loop's session clock. Health controllers built with
// a start time of zero measure their startup grace from this call.
func NewLoop(cfg LoopConfig) *Loop {
	if cfg.Clock == nil {
		cfg.Clock = timeutil.RealClock{}
	}
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = defaultTickInterval
	}
	if cfg.StatsInterval <= 0 {
		cfg.StatsInterval = defaultStatsInterval
	}
	if cfg.Radius == nil {
		cfg.Radius = func(pose.AgentID) float64 { return defaultRadius }
	}
	return &Loop{
		cfg:     cfg,
		session: timeutil.NewSession(cfg.Clock),
	}
}

// Queue returns the sink providers should push samples into.
func (l *Loop) Queue() *SampleQueue { return l.cfg.Queue }

// Engine returns the fusion engine. It must only be used from the loop
// goroutine or before Run starts.
func (l *Loop) Engine() *fusion.Engine { return l.cfg.Engine }

// Session returns the loop's session clock.
func (l *Loop) Session() *timeutil.Session { return l.session }

// AddObserver attaches an observer. It must be called before Run.
func (l *Loop) AddObserver(o Observer) { l.cfg.Observers = append(l.cfg.Observers, o) }

// AddRecorder attaches an event recorder. It must be called before Run.
func (l *Loop) AddRecorder(r EventRecorder) { l.cfg.Recorders = append(l.cfg.Recorders, r) }

// AddPoseSink attaches a pose consumer. It must be called before Run.
func (l *Loop) AddPoseSink(s PoseSink) { l.cfg.PoseSinks = append(l.cfg.PoseSinks, s) }

// AddLimiter attaches a motion limiter. It must be called before Run.
func (l *Loop) AddLimiter(m MotionLimiter) { l.cfg.Limiters = append(l.cfg.Limiters, m) }

// RequestRelocalize asks the loop to start a manual relocalization on its
// next tick. Safe to call from any goroutine.
func (l *Loop) RequestRelocalize() {
	l.relocalize.Store(true)
}

// Snapshot returns the state published by the most recent tick, or nil
// before the first tick.
func (l *Loop) Snapshot() *Snapshot {
	return l.snapshot.Load()
}

// Run ticks until ctx is cancelled.
func (l *Loop) Run(ctx context.Context) error {
	ticker := l.cfg.Clock.NewTicker(l.cfg.TickInterval)
	defer ticker.Stop()

	monitoring.Logf("[control] loop started: interval=%v anchor=%d", l.cfg.TickInterval, l.cfg.Engine.AnchorID())
	for {
		select {
		case <-ctx.Done():
			monitoring.Logf("[control] loop stopping: %v", ctx.Err())
			return nil
		case <-ticker.C():
			l.Tick()
		}
	}
}

// Tick runs one iteration and returns the snapshot it published.
func (l *Loop) Tick() *Snapshot {
	now := l.session.Seconds()
	eng := l.cfg.Engine
	var events []Event

	for _, r := range l.cfg.Queue.Drain() {
		at := r.At.Sub(l.session.Start()).Seconds()
		world, ok := eng.Ingest(r.Sample, at)
		if !ok {
			continue
		}
		for _, s := range l.cfg.PoseSinks {
			s.UpdatePose(r.Sample.Agent, world)
		}
	}

	for _, c := range eng.ClassifyStaleness(now) {
		kind := EventAgentFresh
		if c.Stale {
			kind = EventAgentStale
			monitoring.Warnf("[control] agent %d stale: no packet for %.3fs", c.Agent, c.Age)
		} else {
			monitoring.Logf("[control] agent %d receiving again", c.Agent)
		}
		events = append(events, Event{Kind: kind, Time: now, Agent: c.Agent, Detail: fmt.Sprintf("age=%.3fs", c.Age)})
	}

	events = append(events, l.recheckAnchor(now)...)
	events = append(events, l.stepRelocalization(now)...)

	states := eng.Agents()
	inputs := make([]safety.Agent, 0, len(states))
	for _, a := range states {
		if !a.HasWorld {
			continue
		}
		inputs = append(inputs, safety.Agent{
			ID:          a.ID,
			Position:    a.World.Pos,
			Velocity:    a.Velocity,
			HasVelocity: a.HasVelocity,
			Radius:      l.cfg.Radius(a.ID),
		})
	}
	res := l.cfg.Predictor.Evaluate(now, inputs)
	events = append(events, l.collisionEvents(now, res)...)

	snap := &Snapshot{
		Time:         now,
		Wall:         l.cfg.Clock.Now(),
		Anchor:       eng.AnchorID(),
		AnchorState:  l.cfg.Health.State(),
		Correction:   eng.Correction(),
		Blend:        eng.Blend(now),
		Collision:    res,
		Events:       events,
		QueueDropped: l.cfg.Queue.Dropped(),
	}
	snap.Drift, snap.HasDrift = eng.Drift()

	snap.Agents = make([]AgentSnapshot, 0, len(states))
	for _, a := range states {
		rej := res.Rejections[a.ID]
		cmd := safety.BuildCommand(a.ID, res.ScaleFor(a.ID), rej, a.Confidence, a.HasConfidence, l.cfg.Confidence)
		for _, m := range l.cfg.Limiters {
			m.ApplyCommand(cmd)
		}
		as := AgentSnapshot{AgentState: a, Radius: l.cfg.Radius(a.ID), Command: cmd}
		as.Quality, as.HasQuality = eng.Quality(a.ID, now)
		as.AlignmentError, as.HasAlignment = eng.AlignmentError(a.ID)
		snap.Agents = append(snap.Agents, as)
	}
	snap.MinSeparation, snap.HasSeparation = minSeparation(snap.Agents)

	l.seq++
	snap.Seq = l.seq
	l.snapshot.Store(snap)

	for _, o := range l.cfg.Observers {
		o.Observe(snap)
	}
	for _, ev := range events {
		for _, r := range l.cfg.Recorders {
			r.RecordEvent(ev)
		}
	}

	l.logStats(now, snap)
	return snap
}

func (l *Loop) recheckAnchor(now float64) []Event {
	var events []Event
	d, err := l.cfg.Health.Recheck(now, l.cfg.Engine)

	if d.Switched {
		events = append(events, Event{
			Kind:   EventAnchorSwitched,
			Time:   now,
			Agent:  d.To,
			Other:  d.From,
			Detail: fmt.Sprintf("anchor %d -> %d after %.2fs unhealthy (%s)", d.From, d.To, d.UnhealthyFor, d.Reason),
		})
		l.anchorState = d.State
		l.noCandidate = false
		return events
	}

	if d.State != l.anchorState {
		switch d.State {
		case anchor.Unhealthy:
			events = append(events, Event{Kind: EventAnchorUnhealthy, Time: now, Agent: d.Anchor, Detail: d.Reason})
		case anchor.Failed:
			events = append(events, Event{Kind: EventAnchorFailed, Time: now, Agent: d.Anchor, Detail: d.Reason})
		case anchor.Healthy:
			events = append(events, Event{Kind: EventAnchorRecovered, Time: now, Agent: d.Anchor})
		}
		l.anchorState = d.State
	}

	switch {
	case errors.Is(err, anchor.ErrNoCandidate):
		if !l.noCandidate {
			events = append(events, Event{Kind: EventNoCandidate, Time: now, Agent: d.Anchor, Detail: d.Reason})
		}
		l.noCandidate = true
	case err != nil:
		events = append(events, Event{Kind: EventAnchorFailed, Time: now, Agent: d.Anchor, Detail: err.Error()})
	case d.Checked:
		l.noCandidate = false
	}
	return events
}

func (l *Loop) stepRelocalization(now float64) []Event {
	var events []Event
	eng := l.cfg.Engine
	if l.relocalize.Swap(false) {
		if err := eng.Relocalize("manual", now); err != nil {
			monitoring.Warnf("[relocalize] manual request ignored: %v", err)
			events = append(events, Event{Kind: EventRelocalizeFailed, Time: now, Agent: eng.AnchorID(), Detail: err.Error()})
		} else {
			events = append(events, Event{Kind: EventRelocalizeStarted, Time: now, Agent: eng.AnchorID(), Detail: "manual"})
		}
	}

	sr := eng.Step(now)
	if sr.AutoTriggered {
		events = append(events, Event{
			Kind:   EventRelocalizeStarted,
			Time:   now,
			Agent:  eng.AnchorID(),
			Detail: fmt.Sprintf("auto drift=%.3fm", sr.Drift),
		})
	}
	if sr.BlendCompleted {
		events = append(events, Event{Kind: EventRelocalizeDone, Time: now, Agent: eng.AnchorID()})
	}
	return events
}

func (l *Loop) collisionEvents(now float64, res safety.Result) []Event {
	var events []Event
	if res.Active && !l.collision {
		ev := Event{Kind: EventCollisionStarted, Time: now}
		switch {
		case len(res.Violations) > 0:
			v := res.Violations[0]
			ev.Agent, ev.Other = v.A, v.B
			ev.Detail = fmt.Sprintf("barrier d=%.2fm h=%.3f hdot=%.3f", v.Distance, v.H, v.HDot)
		case len(res.Predictions) > 0:
			p := res.Predictions[0]
			ev.Agent, ev.Other = p.A, p.B
			ev.Detail = fmt.Sprintf("ttc=%.2fs closing=%.2fm/s", p.TimeToClosest, p.ClosingSpeed)
		}
		monitoring.Warnf("[safety] collision risk %d<->%d: %s", ev.Agent, ev.Other, ev.Detail)
		events = append(events, ev)
	}
	if !res.Active && l.collision {
		events = append(events, Event{Kind: EventCollisionCleared, Time: now})
	}
	l.collision = res.Active
	return events
}

func (l *Loop) logStats(now float64, snap *Snapshot) {
	if now-l.lastStatsLog < l.cfg.StatsInterval.Seconds() {
		return
	}
	l.lastStatsLog = now
	l.cfg.Engine.LogQuality(now)
	if snap.HasDrift {
		monitoring.Logf("[fusion] anchor=%d drift=%.3fm", snap.Anchor, snap.Drift)
	}
	if snap.QueueDropped > l.lastDroppedLog {
		monitoring.Warnf("[control] sample queue dropped %d samples since last report", snap.QueueDropped-l.lastDroppedLog)
		l.lastDroppedLog = snap.QueueDropped
	}
}
