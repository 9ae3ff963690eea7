package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// DefaultConfigPath is the path to the canonical tuning defaults file.
const DefaultConfigPath = "config/fleet.defaults.json"

// AgentConfig describes one agent in the fleet. The order of the agents in
// TuningConfig.Agents is the order in which anchor failover considers
// candidates.
type AgentConfig struct {
	ID           int      `json:"id"`
	SafetyRadius *float64 `json:"safety_radius,omitempty"`
	UDPPort      *int     `json:"udp_port,omitempty"`
	SerialPort   string   `json:"serial_port,omitempty"`
	CommandAddr  string   `json:"command_addr,omitempty"` // host:port for motion commands
}

// TuningConfig is the root configuration for the fusion, failover and
// safety layers. Every field is optional; the Get* methods supply the
// defaults for anything left out.
type TuningConfig struct {
	// Control loop
	TickInterval  *string `json:"tick_interval,omitempty"` // duration string like "20ms"
	QueueCapacity *int    `json:"queue_capacity,omitempty"`

	// Fusion and relocalization
	AnchorID                *int     `json:"anchor_id,omitempty"`
	EnableRelocalization    *bool    `json:"enable_relocalization,omitempty"`
	RelocalizeBlend         *string  `json:"relocalize_blend,omitempty"`
	AutoRelocalizeThreshold *float64 `json:"auto_relocalize_threshold,omitempty"` // metres, 0 disables
	AutoRelocalizeCooldown  *string  `json:"auto_relocalize_cooldown,omitempty"`
	StaleAfter              *string  `json:"stale_after,omitempty"`
	FreezeOnStale           *bool    `json:"freeze_on_stale,omitempty"`

	// Anchor failover
	MinAnchorConfidence   *int    `json:"min_anchor_confidence,omitempty"`
	AnchorRecheckInterval *string `json:"anchor_recheck_interval,omitempty"`
	AnchorFailureAfter    *string `json:"anchor_failure_after,omitempty"`
	AnchorSwitchCooldown  *string `json:"anchor_switch_cooldown,omitempty"`
	StartupGrace          *string `json:"startup_grace,omitempty"`

	// Collision prediction and barrier
	EnableCollisionPrevention *bool    `json:"enable_collision_prevention,omitempty"`
	PredictionHorizon         *string  `json:"prediction_horizon,omitempty"`
	MinRelativeSpeed          *float64 `json:"min_relative_speed,omitempty"`
	SlowDownDistance          *float64 `json:"slow_down_distance,omitempty"`
	HardStopDistance          *float64 `json:"hard_stop_distance,omitempty"`
	BarrierStartDistance      *float64 `json:"barrier_start_distance,omitempty"`
	BarrierHardDistance       *float64 `json:"barrier_hard_distance,omitempty"`
	BarrierAlpha              *float64 `json:"barrier_alpha,omitempty"`
	AggressiveClosingSpeed    *float64 `json:"aggressive_closing_speed,omitempty"`
	ClosingSpeedFloor         *float64 `json:"closing_speed_floor,omitempty"`
	CollisionHold             *string  `json:"collision_hold,omitempty"`
	DefaultSafetyRadius       *float64 `json:"default_safety_radius,omitempty"`

	// Confidence degradation
	EnableConfidenceScaling *bool    `json:"enable_confidence_scaling,omitempty"`
	GoodConfidenceScale     *float64 `json:"good_confidence_scale,omitempty"`
	DegradedConfidenceScale *float64 `json:"degraded_confidence_scale,omitempty"`
	PoorConfidenceScale     *float64 `json:"poor_confidence_scale,omitempty"`

	// Quality monitor
	QualityWindow   *string  `json:"quality_window,omitempty"`
	QualityEMAAlpha *float64 `json:"quality_ema_alpha,omitempty"`

	// Recorder
	MetricsRecordInterval *string `json:"metrics_record_interval,omitempty"`

	Agents []AgentConfig `json:"agents,omitempty"`
}

// Helper functions to create pointers
func ptrFloat64(v float64) *float64 { return &v }
func ptrBool(v bool) *bool          { return &v }
func ptrString(v string) *string    { return &v }
func ptrInt(v int) *int             { return &v }

// EmptyTuningConfig returns a TuningConfig with all fields set to nil.
// Use LoadTuningConfig to load actual values from the defaults file.
func EmptyTuningConfig() *TuningConfig {
	return &TuningConfig{}
}

// LoadTuningConfig loads a TuningConfig from a JSON file.
// The file is validated to ensure it has a .json extension and is under the max file size.
// Fields omitted from the JSON file fall back to the Get* defaults, so
// partial configs are safe.
func LoadTuningConfig(path string) (*TuningConfig, error) {
	cleanPath := filepath.Clean(path)
	if ext := filepath.Ext(cleanPath); ext != ".json" {
		return nil, fmt.Errorf("config file must have .json extension, got %q", ext)
	}

	// Check file size for safety (max 1MB)
	fileInfo, err := os.Stat(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}
	const maxFileSize = 1 * 1024 * 1024 // 1MB
	if fileInfo.Size() > maxFileSize {
		return nil, fmt.Errorf("config file too large: %d bytes (max %d)", fileInfo.Size(), maxFileSize)
	}

	data, err := os.ReadFile(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := EmptyTuningConfig()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config JSON: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// MustLoadDefaultConfig loads the canonical tuning defaults from DefaultConfigPath.
// It searches for the file in the current directory and common parent directories.
// Panics if the file cannot be loaded, intended for test setup.
func MustLoadDefaultConfig() *TuningConfig {
	candidates := []string{
		DefaultConfigPath,
		"../../" + DefaultConfigPath,    // from internal/<pkg>/
		"../../../" + DefaultConfigPath, // deeper packages
	}
	for _, path := range candidates {
		if cfg, err := LoadTuningConfig(path); err == nil {
			return cfg
		}
	}
	panic("cannot find " + DefaultConfigPath + " - run tests from repository root")
}

// Validate checks that the configuration values are valid.
func (c *TuningConfig) Validate() error {
	durations := map[string]*string{
		"tick_interval":            c.TickInterval,
		"relocalize_blend":         c.RelocalizeBlend,
		"auto_relocalize_cooldown": c.AutoRelocalizeCooldown,
		"stale_after":              c.StaleAfter,
		"anchor_recheck_interval":  c.AnchorRecheckInterval,
		"anchor_failure_after":     c.AnchorFailureAfter,
		"anchor_switch_cooldown":   c.AnchorSwitchCooldown,
		"startup_grace":            c.StartupGrace,
		"prediction_horizon":       c.PredictionHorizon,
		"collision_hold":           c.CollisionHold,
		"quality_window":           c.QualityWindow,
		"metrics_record_interval":  c.MetricsRecordInterval,
	}
	for name, v := range durations {
		if v == nil || *v == "" {
			continue
		}
		d, err := time.ParseDuration(*v)
		if err != nil {
			return fmt.Errorf("invalid %s '%s': %w", name, *v, err)
		}
		if d < 0 {
			return fmt.Errorf("%s must be non-negative, got %s", name, *v)
		}
	}

	if c.TickInterval != nil && c.GetTickInterval() <= 0 {
		return fmt.Errorf("tick_interval must be positive, got %s", *c.TickInterval)
	}
	if c.QueueCapacity != nil && *c.QueueCapacity <= 0 {
		return fmt.Errorf("queue_capacity must be positive, got %d", *c.QueueCapacity)
	}
	if c.AutoRelocalizeThreshold != nil && *c.AutoRelocalizeThreshold < 0 {
		return fmt.Errorf("auto_relocalize_threshold must be non-negative, got %f", *c.AutoRelocalizeThreshold)
	}
	if c.QualityEMAAlpha != nil && (*c.QualityEMAAlpha <= 0 || *c.QualityEMAAlpha > 1) {
		return fmt.Errorf("quality_ema_alpha must be in (0, 1], got %f", *c.QualityEMAAlpha)
	}
	if c.MinRelativeSpeed != nil && *c.MinRelativeSpeed < 0 {
		return fmt.Errorf("min_relative_speed must be non-negative, got %f", *c.MinRelativeSpeed)
	}
	if c.GetHardStopDistance() >= c.GetSlowDownDistance() {
		return fmt.Errorf("hard_stop_distance (%f) must be less than slow_down_distance (%f)",
			c.GetHardStopDistance(), c.GetSlowDownDistance())
	}
	if c.GetBarrierHardDistance() >= c.GetBarrierStartDistance() {
		return fmt.Errorf("barrier_hard_distance (%f) must be less than barrier_start_distance (%f)",
			c.GetBarrierHardDistance(), c.GetBarrierStartDistance())
	}
	if c.BarrierAlpha != nil && *c.BarrierAlpha <= 0 {
		return fmt.Errorf("barrier_alpha must be positive, got %f", *c.BarrierAlpha)
	}
	if c.AggressiveClosingSpeed != nil && *c.AggressiveClosingSpeed <= 0 {
		return fmt.Errorf("aggressive_closing_speed must be positive, got %f", *c.AggressiveClosingSpeed)
	}

	unitScales := map[string]*float64{
		"closing_speed_floor":       c.ClosingSpeedFloor,
		"good_confidence_scale":     c.GoodConfidenceScale,
		"degraded_confidence_scale": c.DegradedConfidenceScale,
		"poor_confidence_scale":     c.PoorConfidenceScale,
	}
	for name, v := range unitScales {
		if v != nil && (*v < 0 || *v > 1) {
			return fmt.Errorf("%s must be between 0 and 1, got %f", name, *v)
		}
	}
	if c.DefaultSafetyRadius != nil && *c.DefaultSafetyRadius < 0 {
		return fmt.Errorf("default_safety_radius must be non-negative, got %f", *c.DefaultSafetyRadius)
	}

	seen := make(map[int]bool, len(c.Agents))
	for _, a := range c.Agents {
		if seen[a.ID] {
			return fmt.Errorf("duplicate agent id %d", a.ID)
		}
		seen[a.ID] = true
		if a.SafetyRadius != nil && *a.SafetyRadius < 0 {
			return fmt.Errorf("agent %d: safety_radius must be non-negative, got %f", a.ID, *a.SafetyRadius)
		}
		if a.UDPPort != nil && (*a.UDPPort <= 0 || *a.UDPPort > 65535) {
			return fmt.Errorf("agent %d: udp_port out of range: %d", a.ID, *a.UDPPort)
		}
	}
	if c.AnchorID != nil && len(c.Agents) > 0 && !seen[*c.AnchorID] {
		return fmt.Errorf("anchor_id %d is not a configured agent", *c.AnchorID)
	}

	return nil
}

func durationOr(v *string, def time.Duration) time.Duration {
	if v == nil || *v == "" {
		return def
	}
	d, err := time.ParseDuration(*v)
	if err != nil {
		return def // default on parse error
	}
	return d
}

func floatOr(v *float64, def float64) float64 {
	if v == nil {
		return def
	}
	return *v
}

func boolOr(v *bool, def bool) bool {
	if v == nil {
		return def
	}
	return *v
}

// GetTickInterval returns the control loop period.
func (c *TuningConfig) GetTickInterval() time.Duration {
	return durationOr(c.TickInterval, 20*time.Millisecond)
}

// GetQueueCapacity returns the bound on samples waiting for the next tick.
func (c *TuningConfig) GetQueueCapacity() int {
	if c.QueueCapacity == nil {
		return 1024
	}
	return *c.QueueCapacity
}

// GetAnchorID returns the initial anchor. Without an explicit value the
// first configured agent is used, then agent 0.
func (c *TuningConfig) GetAnchorID() int {
	if c.AnchorID != nil {
		return *c.AnchorID
	}
	if len(c.Agents) > 0 {
		return c.Agents[0].ID
	}
	return 0
}

// GetEnableRelocalization reports whether relocalization may run at all.
func (c *TuningConfig) GetEnableRelocalization() bool { return boolOr(c.EnableRelocalization, true) }

// GetRelocalizeBlend returns how long WorldCorrection takes to reach a new target.
func (c *TuningConfig) GetRelocalizeBlend() time.Duration {
	return durationOr(c.RelocalizeBlend, 750*time.Millisecond)
}

// GetAutoRelocalizeThreshold returns the drift in metres that triggers an
// automatic relocalization. Zero disables the trigger.
func (c *TuningConfig) GetAutoRelocalizeThreshold() float64 {
	return floatOr(c.AutoRelocalizeThreshold, 0)
}

// GetAutoRelocalizeCooldown returns the minimum spacing of automatic triggers.
func (c *TuningConfig) GetAutoRelocalizeCooldown() time.Duration {
	return durationOr(c.AutoRelocalizeCooldown, 2*time.Second)
}

// GetStaleAfter returns the packet age beyond which an agent is stale.
func (c *TuningConfig) GetStaleAfter() time.Duration {
	return durationOr(c.StaleAfter, 250*time.Millisecond)
}

// GetFreezeOnStale reports whether stale agents stop producing world poses.
func (c *TuningConfig) GetFreezeOnStale() bool { return boolOr(c.FreezeOnStale, true) }

// GetMinAnchorConfidence returns the lowest confidence an anchor may report.
func (c *TuningConfig) GetMinAnchorConfidence() int {
	if c.MinAnchorConfidence == nil {
		return 1
	}
	return *c.MinAnchorConfidence
}

func (c *TuningConfig) GetAnchorRecheckInterval() time.Duration {
	return durationOr(c.AnchorRecheckInterval, 500*time.Millisecond)
}

func (c *TuningConfig) GetAnchorFailureAfter() time.Duration {
	return durationOr(c.AnchorFailureAfter, 10*time.Second)
}

func (c *TuningConfig) GetAnchorSwitchCooldown() time.Duration {
	return durationOr(c.AnchorSwitchCooldown, 5*time.Second)
}

func (c *TuningConfig) GetStartupGrace() time.Duration {
	return durationOr(c.StartupGrace, 2*time.Second)
}

func (c *TuningConfig) GetEnableCollisionPrevention() bool {
	return boolOr(c.EnableCollisionPrevention, true)
}

func (c *TuningConfig) GetPredictionHorizon() time.Duration {
	return durationOr(c.PredictionHorizon, 2*time.Second)
}

func (c *TuningConfig) GetMinRelativeSpeed() float64 { return floatOr(c.MinRelativeSpeed, 0.05) }
func (c *TuningConfig) GetSlowDownDistance() float64 { return floatOr(c.SlowDownDistance, 2.5) }
func (c *TuningConfig) GetHardStopDistance() float64 { return floatOr(c.HardStopDistance, 1.5) }

func (c *TuningConfig) GetBarrierStartDistance() float64 {
	return floatOr(c.BarrierStartDistance, 2.0)
}

func (c *TuningConfig) GetBarrierHardDistance() float64 {
	return floatOr(c.BarrierHardDistance, 1.0)
}

func (c *TuningConfig) GetBarrierAlpha() float64 { return floatOr(c.BarrierAlpha, 3.0) }

func (c *TuningConfig) GetAggressiveClosingSpeed() float64 {
	return floatOr(c.AggressiveClosingSpeed, 1.5)
}

func (c *TuningConfig) GetClosingSpeedFloor() float64 { return floatOr(c.ClosingSpeedFloor, 0.2) }

func (c *TuningConfig) GetCollisionHold() time.Duration {
	return durationOr(c.CollisionHold, 250*time.Millisecond)
}

func (c *TuningConfig) GetDefaultSafetyRadius() float64 {
	return floatOr(c.DefaultSafetyRadius, 0.5)
}

func (c *TuningConfig) GetEnableConfidenceScaling() bool {
	return boolOr(c.EnableConfidenceScaling, true)
}

func (c *TuningConfig) GetGoodConfidenceScale() float64 {
	return floatOr(c.GoodConfidenceScale, 1.0)
}

func (c *TuningConfig) GetDegradedConfidenceScale() float64 {
	return floatOr(c.DegradedConfidenceScale, 0.5)
}

func (c *TuningConfig) GetPoorConfidenceScale() float64 {
	return floatOr(c.PoorConfidenceScale, 0.25)
}

func (c *TuningConfig) GetQualityWindow() time.Duration {
	return durationOr(c.QualityWindow, time.Second)
}

func (c *TuningConfig) GetQualityEMAAlpha() float64 { return floatOr(c.QualityEMAAlpha, 0.1) }

// GetMetricsRecordInterval returns how often tick metrics are written to
// the session recorder.
func (c *TuningConfig) GetMetricsRecordInterval() time.Duration {
	return durationOr(c.MetricsRecordInterval, time.Second)
}

// SafetyRadius returns the configured safety radius for agent id, or the
// default radius for unconfigured agents.
func (c *TuningConfig) SafetyRadius(id int) float64 {
	for _, a := range c.Agents {
		if a.ID == id && a.SafetyRadius != nil {
			return *a.SafetyRadius
		}
	}
	return c.GetDefaultSafetyRadius()
}

// AgentIDs returns the configured agent ids in configuration order.
func (c *TuningConfig) AgentIDs() []int {
	ids := make([]int, 0, len(c.Agents))
	for _, a := range c.Agents {
		ids = append(ids, a.ID)
	}
	return ids
}
