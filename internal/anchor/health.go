// Package anchor watches the health of the anchor agent and fails over
// to another agent when the anchor has been unhealthy for too long.
package anchor

import (
	"errors"
	"fmt"

	"github.com/banshee-data/fleet.align/internal/config"
	"github.com/banshee-data/fleet.align/internal/fusion"
	"github.com/banshee-data/fleet.align/internal/monitoring"
	"github.com/banshee-data/fleet.align/internal/pose"
)

// ErrNoCandidate is returned when the anchor has failed and no other agent
// is fit to replace it.
var ErrNoCandidate = errors.New("no healthy anchor candidate")

// State is the anchor health state.
type State int

const (
	Healthy State = iota
	Unhealthy
	Failed
)

func (s State) String() string {
	switch s {
	case Healthy:
		return "healthy"
	case Unhealthy:
		return "unhealthy"
	case Failed:
		return "failed"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// Fleet is the view of the fusion engine the controller needs.
// *fusion.Engine satisfies it.
type Fleet interface {
	AnchorID() pose.AgentID
	AgentIDs() []pose.AgentID
	Agent(id pose.AgentID) (fusion.AgentState, bool)
	SwitchAnchor(id pose.AgentID) error
}

// Config holds the failover timing. Times are in seconds.
type Config struct {
	MinConfidence   pose.Confidence
	RecheckInterval float64
	FailureAfter    float64
	SwitchCooldown  float64
	StartupGrace    float64
}

// DefaultConfig returns the stock failover timing.
func DefaultConfig() Config {
	return Config{
		MinConfidence:   pose.ConfidenceDegraded,
		RecheckInterval: 0.5,
		FailureAfter:    10,
		SwitchCooldown:  5,
		StartupGrace:    2,
	}
}

// ConfigFromTuning reads the failover settings from the tuning file.
func ConfigFromTuning(cfg *config.TuningConfig) Config {
	return Config{
		MinConfidence:   pose.Confidence(cfg.GetMinAnchorConfidence()),
		RecheckInterval: cfg.GetAnchorRecheckInterval().Seconds(),
		FailureAfter:    cfg.GetAnchorFailureAfter().Seconds(),
		SwitchCooldown:  cfg.GetAnchorSwitchCooldown().Seconds(),
		StartupGrace:    cfg.GetStartupGrace().Seconds(),
	}
}

// Decision describes the outcome of one Recheck call.
type Decision struct {
	Checked        bool // false when throttled or inside the startup grace
	State          State
	Anchor         pose.AgentID
	Reason         string // why the anchor is unhealthy
	UnhealthyFor   float64
	Switched       bool
	From, To       pose.AgentID
	CooldownActive bool
}

// Controller is the anchor health state machine.
type Controller struct {
	cfg       Config
	startedAt float64

	state          State
	unhealthySince float64

	lastCheck float64
	checked   bool

	lastSwitch float64
	switched   bool
}

// NewController starts the controller at now. No failover logic runs
// until the startup grace has elapsed.
func NewController(cfg Config, now float64) *Controller {
	return &Controller{cfg: cfg, startedAt: now}
}

// State returns the current health state.
func (c *Controller) State() State { return c.state }

// UnhealthySince returns when the current unhealthy period began. The
// second result is false while healthy.
func (c *Controller) UnhealthySince() (float64, bool) {
	if c.state == Healthy {
		return 0, false
	}
	return c.unhealthySince, true
}

// Recheck evaluates the anchor at now, at most once per recheck interval,
// and switches anchors when it has failed. A failed anchor with no
// candidate returns ErrNoCandidate and leaves the anchor in place; the
// next recheck tries again.
func (c *Controller) Recheck(now float64, fleet Fleet) (Decision, error) {
	anchor := fleet.AnchorID()
	d := Decision{State: c.state, Anchor: anchor}
	if now-c.startedAt < c.cfg.StartupGrace {
		return d, nil
	}
	if c.checked && now-c.lastCheck < c.cfg.RecheckInterval {
		return d, nil
	}
	c.lastCheck = now
	c.checked = true
	d.Checked = true

	reason := c.unhealthyReason(fleet, anchor)
	if reason == "" {
		if c.state != Healthy {
			monitoring.Logf("[anchor] anchor %d healthy again after %.2fs", anchor, now-c.unhealthySince)
		}
		c.state = Healthy
		d.State = Healthy
		return d, nil
	}

	if c.state == Healthy {
		c.state = Unhealthy
		c.unhealthySince = now
		monitoring.Warnf("[anchor] anchor %d unhealthy: %s", anchor, reason)
	}
	d.Reason = reason
	d.UnhealthyFor = now - c.unhealthySince
	// An anchor that has never reported leaves every client without output,
	// so it fails without waiting out the failure window.
	if d.UnhealthyFor <= c.cfg.FailureAfter && c.hasReported(fleet, anchor) {
		d.State = c.state
		return d, nil
	}

	c.state = Failed
	d.State = Failed
	if c.switched && now-c.lastSwitch < c.cfg.SwitchCooldown {
		d.CooldownActive = true
		return d, nil
	}

	candidate, ok := c.findCandidate(fleet, anchor)
	if !ok {
		monitoring.Errorf("[anchor] anchor %d failed (%s, %.1fs) and no candidate is healthy; keeping it",
			anchor, reason, d.UnhealthyFor)
		return d, ErrNoCandidate
	}
	if err := fleet.SwitchAnchor(candidate); err != nil {
		monitoring.Errorf("[anchor] switch %d -> %d failed: %v", anchor, candidate, err)
		return d, fmt.Errorf("switch anchor %d -> %d: %w", anchor, candidate, err)
	}

	c.state = Healthy
	c.unhealthySince = 0
	c.lastSwitch = now
	c.switched = true
	d.State = Healthy
	d.Switched = true
	d.From = anchor
	d.To = candidate
	d.Anchor = candidate
	return d, nil
}

func (c *Controller) hasReported(fleet Fleet, id pose.AgentID) bool {
	a, ok := fleet.Agent(id)
	return ok && a.HasRaw
}

// unhealthyReason returns "" for a healthy agent.
func (c *Controller) unhealthyReason(fleet Fleet, id pose.AgentID) string {
	a, ok := fleet.Agent(id)
	switch {
	case !ok || !a.HasRaw:
		return "no pose received"
	case a.Stale:
		return "stale"
	case !a.HasConfidence:
		return "confidence unknown"
	case a.Confidence < c.cfg.MinConfidence:
		return fmt.Sprintf("confidence %s below %s", a.Confidence, c.cfg.MinConfidence)
	}
	return ""
}

// findCandidate returns the first agent, in configured order, that could
// serve as anchor right now.
func (c *Controller) findCandidate(fleet Fleet, anchor pose.AgentID) (pose.AgentID, bool) {
	for _, id := range fleet.AgentIDs() {
		if id == anchor {
			continue
		}
		if c.unhealthyReason(fleet, id) == "" {
			return id, true
		}
	}
	return 0, false
}
