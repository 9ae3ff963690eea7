package safety

import (
	"math"
	"sort"

	"gonum.org/v1/gonum/spatial/r3"

	"github.com/banshee-data/fleet.align/internal/config"
	"github.com/banshee-data/fleet.align/internal/pose"
)

// minSeparation is the distance below which two agents are treated as
// coincident and no direction between them is defined.
const minSeparation = 1e-6

// Config holds the collision prediction and barrier parameters. Times are
// in seconds, distances in metres.
type Config struct {
	Enabled bool

	Horizon          float64
	MinRelativeSpeed float64

	SlowDownDistance       float64
	HardStopDistance       float64
	AggressiveClosingSpeed float64
	ClosingSpeedFloor      float64

	BarrierStartDistance float64
	BarrierHardDistance  float64
	BarrierAlpha         float64

	Hold float64
}

// DefaultConfig returns the stock safety tuning.
func DefaultConfig() Config {
	return Config{
		Enabled:                true,
		Horizon:                2.0,
		MinRelativeSpeed:       0.05,
		SlowDownDistance:       2.5,
		HardStopDistance:       1.5,
		AggressiveClosingSpeed: 1.5,
		ClosingSpeedFloor:      0.2,
		BarrierStartDistance:   2.0,
		BarrierHardDistance:    1.0,
		BarrierAlpha:           3.0,
		Hold:                   0.25,
	}
}

// ConfigFromTuning reads the safety settings from the tuning file.
func ConfigFromTuning(cfg *config.TuningConfig) Config {
	return Config{
		Enabled:                cfg.GetEnableCollisionPrevention(),
		Horizon:                cfg.GetPredictionHorizon().Seconds(),
		MinRelativeSpeed:       cfg.GetMinRelativeSpeed(),
		SlowDownDistance:       cfg.GetSlowDownDistance(),
		HardStopDistance:       cfg.GetHardStopDistance(),
		AggressiveClosingSpeed: cfg.GetAggressiveClosingSpeed(),
		ClosingSpeedFloor:      cfg.GetClosingSpeedFloor(),
		BarrierStartDistance:   cfg.GetBarrierStartDistance(),
		BarrierHardDistance:    cfg.GetBarrierHardDistance(),
		BarrierAlpha:           cfg.GetBarrierAlpha(),
		Hold:                   cfg.GetCollisionHold().Seconds(),
	}
}

// Agent is the per-tick input for one agent.
type Agent struct {
	ID          pose.AgentID
	Position    r3.Vec
	Velocity    r3.Vec
	HasVelocity bool
	Radius      float64
}

// ProximityRisk flags two agents already inside their combined radii.
type ProximityRisk struct {
	A, B     pose.AgentID
	Distance float64
	Limit    float64
}

// Prediction is a predicted loss of separation within the horizon.
type Prediction struct {
	A, B           pose.AgentID
	TimeToClosest  float64
	FutureDistance float64
	Distance       float64
	ClosingSpeed   float64
	Scale          float64
}

// BarrierViolation records a pair approaching the hard radius faster than
// the barrier allows.
type BarrierViolation struct {
	A, B     pose.AgentID
	Distance float64
	H, HDot  float64
}

// Result is the collision state for one tick.
type Result struct {
	// Active stays set for Hold seconds after the last detection.
	Active   bool
	Detected bool

	TimeToClosest float64
	ClosingSpeed  float64

	Scales     map[pose.AgentID]float64
	Rejections map[pose.AgentID]MotionRejection

	Risks       []ProximityRisk
	Predictions []Prediction
	Violations  []BarrierViolation
}

// ScaleFor returns the collision speed scale for id, 1 when unconstrained.
func (r Result) ScaleFor(id pose.AgentID) float64 {
	if s, ok := r.Scales[id]; ok {
		return s
	}
	return 1
}

// Predictor evaluates every agent pair once per tick. Only the reporting
// hold carries over between ticks.
type Predictor struct {
	cfg Config

	holdUntil   float64
	lastTTC     float64
	lastClosing float64
}

// NewPredictor returns a predictor for cfg.
func NewPredictor(cfg Config) *Predictor {
	return &Predictor{cfg: cfg}
}

// Config returns the predictor's configuration.
func (p *Predictor) Config() Config { return p.cfg }

// Evaluate runs the proximity, barrier and predictive checks over all
// unordered pairs of agents.
func (p *Predictor) Evaluate(now float64, agents []Agent) Result {
	res := Result{
		Scales:     make(map[pose.AgentID]float64, len(agents)),
		Rejections: make(map[pose.AgentID]MotionRejection),
	}
	for _, a := range agents {
		res.Scales[a.ID] = 1
	}
	if !p.cfg.Enabled {
		return res
	}

	sorted := append([]Agent(nil), agents...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].ID < sorted[j].ID })

	rejectDist := make(map[pose.AgentID]float64)
	bestTTC := math.Inf(1)
	for i := 0; i < len(sorted); i++ {
		for j := i + 1; j < len(sorted); j++ {
			a, b := sorted[i], sorted[j]
			pRel := r3.Sub(b.Position, a.Position)
			d := r3.Norm(pRel)

			if limit := a.Radius + b.Radius; d < limit {
				res.Risks = append(res.Risks, ProximityRisk{A: a.ID, B: b.ID, Distance: d, Limit: limit})
			}
			if !a.HasVelocity || !b.HasVelocity {
				continue
			}
			vRel := r3.Sub(b.Velocity, a.Velocity)

			if v, ok := p.barrier(a, b, pRel, vRel, d); ok {
				res.Violations = append(res.Violations, v)
				if d > minSeparation {
					n := r3.Scale(1/d, pRel)
					setRejection(res.Rejections, rejectDist, a.ID, n, d)
					setRejection(res.Rejections, rejectDist, b.ID, r3.Scale(-1, n), d)
				}
			}

			pred, ok := p.predict(a, b, pRel, vRel, d)
			if !ok {
				continue
			}
			res.Predictions = append(res.Predictions, pred)
			if pred.TimeToClosest < bestTTC {
				bestTTC = pred.TimeToClosest
				res.TimeToClosest = pred.TimeToClosest
				res.ClosingSpeed = pred.ClosingSpeed
			}
			if d <= minSeparation {
				res.Scales[a.ID] = math.Min(res.Scales[a.ID], pred.Scale)
				res.Scales[b.ID] = math.Min(res.Scales[b.ID], pred.Scale)
				continue
			}
			toB := r3.Scale(1/d, pRel)
			if r3.Dot(a.Velocity, toB) > 0 {
				res.Scales[a.ID] = math.Min(res.Scales[a.ID], pred.Scale)
			}
			if r3.Dot(b.Velocity, r3.Scale(-1, toB)) > 0 {
				res.Scales[b.ID] = math.Min(res.Scales[b.ID], pred.Scale)
			}
		}
	}

	res.Detected = len(res.Predictions) > 0 || len(res.Violations) > 0
	if res.Detected {
		p.holdUntil = now + p.cfg.Hold
		if len(res.Predictions) > 0 {
			p.lastTTC = res.TimeToClosest
			p.lastClosing = res.ClosingSpeed
		}
	}
	res.Active = res.Detected || now < p.holdUntil
	if res.Active && len(res.Predictions) == 0 {
		res.TimeToClosest = p.lastTTC
		res.ClosingSpeed = p.lastClosing
	}
	return res
}

// barrier checks ḣ ≥ -α·h for h = d² - r_hard².
func (p *Predictor) barrier(a, b Agent, pRel, vRel r3.Vec, d float64) (BarrierViolation, bool) {
	if d >= p.cfg.BarrierStartDistance {
		return BarrierViolation{}, false
	}
	h := d*d - p.cfg.BarrierHardDistance*p.cfg.BarrierHardDistance
	hDot := 2 * r3.Dot(pRel, vRel)
	if hDot >= -p.cfg.BarrierAlpha*h {
		return BarrierViolation{}, false
	}
	return BarrierViolation{A: a.ID, B: b.ID, Distance: d, H: h, HDot: hDot}, true
}

// predict extrapolates both agents at constant velocity to their closest
// approach and reports a loss of separation inside the horizon.
func (p *Predictor) predict(a, b Agent, pRel, vRel r3.Vec, d float64) (Prediction, bool) {
	speed2 := r3.Norm2(vRel)
	if speed2 < p.cfg.MinRelativeSpeed*p.cfg.MinRelativeSpeed || speed2 == 0 {
		return Prediction{}, false
	}
	tStar := -r3.Dot(pRel, vRel) / speed2
	if tStar <= 0 || tStar > p.cfg.Horizon {
		return Prediction{}, false
	}
	futureA := r3.Add(a.Position, r3.Scale(tStar, a.Velocity))
	futureB := r3.Add(b.Position, r3.Scale(tStar, b.Velocity))
	future := r3.Norm(r3.Sub(futureB, futureA))
	if future >= a.Radius+b.Radius {
		return Prediction{}, false
	}

	closing := 0.0
	if d > minSeparation {
		closing = math.Max(0, -r3.Dot(vRel, r3.Scale(1/d, pRel)))
	}
	return Prediction{
		A:              a.ID,
		B:              b.ID,
		TimeToClosest:  tStar,
		FutureDistance: future,
		Distance:       d,
		ClosingSpeed:   closing,
		Scale:          p.cfg.SpeedScale(future, closing),
	}, true
}

// setRejection keeps, per agent, the rejection toward its nearest
// violating neighbour.
func setRejection(rej map[pose.AgentID]MotionRejection, dist map[pose.AgentID]float64,
	id pose.AgentID, dir r3.Vec, d float64) {
	if prev, ok := dist[id]; ok && prev <= d {
		return
	}
	dist[id] = d
	rej[id] = MotionRejection{Active: true, Direction: dir}
}
