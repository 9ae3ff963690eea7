// Package fusion maps every agent's SLAM-frame pose into one shared world
// frame. The Engine owns the single WorldCorrection and the identity of
// the anchor agent; both are mutated only from the control loop.
package fusion

import (
	"errors"
	"fmt"
	"sort"

	"gonum.org/v1/gonum/spatial/r3"

	"github.com/banshee-data/fleet.align/internal/config"
	"github.com/banshee-data/fleet.align/internal/monitoring"
	"github.com/banshee-data/fleet.align/internal/pose"
	"github.com/banshee-data/fleet.align/internal/quality"
	"github.com/banshee-data/fleet.align/internal/velocity"
)

var (
	ErrNoGroundTruth          = errors.New("no ground truth for anchor")
	ErrNoAnchorPose           = errors.New("no anchor pose received yet")
	ErrUnknownAgent           = errors.New("unknown agent")
	ErrRelocalizationDisabled = errors.New("relocalization disabled")
)

// Config controls fusion and relocalization. Times are in seconds.
type Config struct {
	AnchorID pose.AgentID
	// Agents lists the configured agents in failover order. Agents that
	// report without being configured are appended in arrival order.
	Agents []pose.AgentID

	EnableRelocalization    bool
	RelocalizeBlend         float64
	AutoRelocalizeThreshold float64 // metres; zero disables
	AutoRelocalizeCooldown  float64
	StaleAfter              float64
	FreezeOnStale           bool

	Quality quality.Config
}

// DefaultConfig returns the engine defaults with agent 0 as anchor.
func DefaultConfig() Config {
	return Config{
		EnableRelocalization:   true,
		RelocalizeBlend:        0.75,
		AutoRelocalizeCooldown: 2.0,
		StaleAfter:             0.25,
		FreezeOnStale:          true,
		Quality:                quality.DefaultConfig(),
	}
}

// ConfigFromTuning builds an engine Config from the tuning file.
func ConfigFromTuning(cfg *config.TuningConfig) Config {
	agents := make([]pose.AgentID, 0, len(cfg.Agents))
	for _, id := range cfg.AgentIDs() {
		agents = append(agents, pose.AgentID(id))
	}
	return Config{
		AnchorID:                pose.AgentID(cfg.GetAnchorID()),
		Agents:                  agents,
		EnableRelocalization:    cfg.GetEnableRelocalization(),
		RelocalizeBlend:         cfg.GetRelocalizeBlend().Seconds(),
		AutoRelocalizeThreshold: cfg.GetAutoRelocalizeThreshold(),
		AutoRelocalizeCooldown:  cfg.GetAutoRelocalizeCooldown().Seconds(),
		StaleAfter:              cfg.GetStaleAfter().Seconds(),
		FreezeOnStale:           cfg.GetFreezeOnStale(),
		Quality:                 quality.ConfigFromTuning(cfg),
	}
}

// AgentState is the runtime record kept for every agent that has
// reported at least once.
type AgentState struct {
	ID pose.AgentID

	Raw    pose.Pose
	HasRaw bool

	World    pose.Pose
	HasWorld bool

	Confidence    pose.Confidence
	HasConfidence bool

	LastTimestamp float64 // sample clock
	LastReceived  float64 // receive clock
	Stale         bool

	Velocity    r3.Vec
	HasVelocity bool
}

// StaleChange reports an agent crossing the staleness threshold.
type StaleChange struct {
	Agent pose.AgentID
	Stale bool
	Age   float64
}

// Engine fuses raw samples into world poses.
type Engine struct {
	cfg      Config
	quality  *quality.Monitor
	velocity *velocity.Estimator
	truth    GroundTruth

	agents map[pose.AgentID]*AgentState
	order  []pose.AgentID

	anchor     pose.AgentID
	correction pose.Pose
	blend      blend

	lastAutoTrigger float64
	autoTriggered   bool

	trueOffsets map[pose.AgentID]pose.Pose
}

// NewEngine creates an engine with an identity WorldCorrection.
func NewEngine(cfg Config) *Engine {
	e := &Engine{
		cfg:         cfg,
		quality:     quality.NewMonitor(cfg.Quality),
		velocity:    velocity.NewEstimator(),
		agents:      make(map[pose.AgentID]*AgentState),
		anchor:      cfg.AnchorID,
		correction:  pose.Identity(),
		trueOffsets: make(map[pose.AgentID]pose.Pose),
	}
	e.order = append(e.order, cfg.Agents...)
	return e
}

// SetGroundTruth installs an optional ground-truth source and computes
// the truth-relative offsets for the current anchor.
func (e *Engine) SetGroundTruth(gt GroundTruth) {
	e.truth = gt
	e.recomputeTrueOffsets()
}

// Ingest processes one raw sample received at now. It returns the world
// pose to hand to the agent's pose consumer, or false when no pose should
// be emitted: the agent is frozen as stale, or it is a client and no
// anchor pose has arrived yet.
func (e *Engine) Ingest(s pose.Sample, now float64) (pose.Pose, bool) {
	a := e.agent(s.Agent)
	e.quality.NotePacket(s.Agent, now)
	a.LastReceived = now
	a.Raw = s.Pose
	a.HasRaw = true

	if a.Stale && e.cfg.FreezeOnStale {
		return pose.Pose{}, false
	}

	a.Confidence = s.Confidence
	a.HasConfidence = true
	a.LastTimestamp = s.Timestamp

	world, ok := e.worldPose(s.Agent, s.Pose)
	if !ok {
		return pose.Pose{}, false
	}
	a.World = world
	a.HasWorld = true
	a.Velocity = e.velocity.Observe(s.Agent, world.Pos, s.Timestamp)
	_, a.HasVelocity = e.velocity.Velocity(s.Agent)
	return world, true
}

// worldPose maps raw into the world frame. Clients are re-expressed
// through the anchor's latest raw pose so they inherit its drift.
func (e *Engine) worldPose(id pose.AgentID, raw pose.Pose) (pose.Pose, bool) {
	if id == e.anchor {
		return pose.Compose(e.correction, raw), true
	}
	anchor, ok := e.agents[e.anchor]
	if !ok || !anchor.HasRaw {
		return pose.Pose{}, false
	}
	relative := pose.Compose(pose.Inverse(anchor.Raw), raw)
	aligned := pose.Compose(anchor.Raw, relative)
	return pose.Compose(e.correction, aligned), true
}

// ClassifyStaleness updates every agent's stale flag from the packet age
// at now and returns the agents whose flag changed.
func (e *Engine) ClassifyStaleness(now float64) []StaleChange {
	var changes []StaleChange
	for _, id := range e.order {
		a, ok := e.agents[id]
		if !ok {
			continue
		}
		age, ok := e.quality.SinceLast(id, now)
		if !ok {
			continue
		}
		stale := age > e.cfg.StaleAfter
		if stale != a.Stale {
			a.Stale = stale
			changes = append(changes, StaleChange{Agent: id, Stale: stale, Age: age})
		}
	}
	return changes
}

// Deregister removes every trace of id. The anchor cannot be removed.
func (e *Engine) Deregister(id pose.AgentID) error {
	if id == e.anchor {
		return fmt.Errorf("cannot deregister anchor %d", id)
	}
	if _, ok := e.agents[id]; !ok {
		return fmt.Errorf("deregister %d: %w", id, ErrUnknownAgent)
	}
	delete(e.agents, id)
	delete(e.trueOffsets, id)
	e.quality.Forget(id)
	e.velocity.Forget(id)
	for i, o := range e.order {
		if o == id {
			e.order = append(e.order[:i], e.order[i+1:]...)
			break
		}
	}
	return nil
}

func (e *Engine) agent(id pose.AgentID) *AgentState {
	a, ok := e.agents[id]
	if ok {
		return a
	}
	a = &AgentState{ID: id}
	e.agents[id] = a
	known := false
	for _, o := range e.order {
		if o == id {
			known = true
			break
		}
	}
	if !known {
		e.order = append(e.order, id)
		monitoring.Logf("[fusion] first pose from unconfigured agent %d", id)
	}
	return a
}

// AnchorID returns the current anchor.
func (e *Engine) AnchorID() pose.AgentID { return e.anchor }

// Correction returns the current WorldCorrection.
func (e *Engine) Correction() pose.Pose { return e.correction }

// AgentIDs returns the agents in failover order, including configured
// agents that have not reported yet.
func (e *Engine) AgentIDs() []pose.AgentID {
	return append([]pose.AgentID(nil), e.order...)
}

// Agent returns a copy of the state kept for id.
func (e *Engine) Agent(id pose.AgentID) (AgentState, bool) {
	a, ok := e.agents[id]
	if !ok {
		return AgentState{}, false
	}
	return *a, true
}

// Agents returns copies of every agent record, sorted by id.
func (e *Engine) Agents() []AgentState {
	out := make([]AgentState, 0, len(e.agents))
	for _, a := range e.agents {
		out = append(out, *a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Quality returns the timing statistics for id at now.
func (e *Engine) Quality(id pose.AgentID, now float64) (quality.Stats, bool) {
	return e.quality.Stats(id, now)
}

// LogQuality writes the per-agent timing summary.
func (e *Engine) LogQuality(now float64) {
	e.quality.LogStats(now)
}

// WorldPose maps id's latest raw pose through the current correction. It
// reflects the correction at call time, unlike AgentState.World which is
// the pose last emitted.
func (e *Engine) WorldPose(id pose.AgentID) (pose.Pose, bool) {
	a, ok := e.agents[id]
	if !ok || !a.HasRaw {
		return pose.Pose{}, false
	}
	return e.worldPose(id, a.Raw)
}
