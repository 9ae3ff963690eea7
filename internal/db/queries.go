package db

import (
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// ErrSessionNotFound is returned when a session id is unknown.
var ErrSessionNotFound = errors.New("session not found")

// Session is one recorded run.
type Session struct {
	ID        string     `json:"session_id"`
	StartedAt time.Time  `json:"started_at"`
	EndedAt   *time.Time `json:"ended_at,omitempty"`
	AnchorID  int        `json:"anchor_id"`
	Label     string     `json:"label,omitempty"`
}

// TickMetric is one recorded tick summary.
type TickMetric struct {
	T               float64  `json:"t"`
	Seq             int64    `json:"seq"`
	AnchorID        int      `json:"anchor_id"`
	AnchorState     string   `json:"anchor_state"`
	Drift           *float64 `json:"drift,omitempty"`
	MinSeparation   *float64 `json:"min_separation,omitempty"`
	CollisionActive bool     `json:"collision_active"`
	BlendActive     bool     `json:"blend_active"`
}

// EventRow is one recorded event.
type EventRow struct {
	T       float64 `json:"t"`
	Kind    string  `json:"kind"`
	AgentID int     `json:"agent_id"`
	OtherID int     `json:"other_id"`
	Detail  string  `json:"detail,omitempty"`
}

// PoseRow is one agent's recorded corrected position.
type PoseRow struct {
	T          float64 `json:"t"`
	AgentID    int     `json:"agent_id"`
	X, Y, Z    float64
	Stale      bool    `json:"stale"`
	SpeedScale float64 `json:"speed_scale"`
}

func scanTime(v any) (time.Time, error) {
	switch t := v.(type) {
	case time.Time:
		return t, nil
	case string:
		for _, layout := range []string{time.RFC3339Nano, "2006-01-02 15:04:05.999999999-07:00", "2006-01-02 15:04:05"} {
			if parsed, err := time.Parse(layout, t); err == nil {
				return parsed, nil
			}
		}
		return time.Time{}, fmt.Errorf("unrecognised timestamp %q", t)
	default:
		return time.Time{}, fmt.Errorf("unexpected timestamp type %T", v)
	}
}

// Sessions lists recorded sessions, newest first.
func (db *DB) Sessions() ([]Session, error) {
	rows, err := db.Query(`SELECT session_id, started_at, ended_at, anchor_id, COALESCE(label, '')
		FROM sessions ORDER BY started_at DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Session
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// LatestSession returns the most recently started session.
func (db *DB) LatestSession() (Session, error) {
	row := db.QueryRow(`SELECT session_id, started_at, ended_at, anchor_id, COALESCE(label, '')
		FROM sessions ORDER BY started_at DESC LIMIT 1`)
	s, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Session{}, ErrSessionNotFound
	}
	return s, err
}

type scanner interface {
	Scan(dest ...any) error
}

func scanSession(sc scanner) (Session, error) {
	var (
		s       Session
		started any
		ended   any
	)
	if err := sc.Scan(&s.ID, &started, &ended, &s.AnchorID, &s.Label); err != nil {
		return Session{}, err
	}
	t, err := scanTime(started)
	if err != nil {
		return Session{}, err
	}
	s.StartedAt = t
	if ended != nil {
		e, err := scanTime(ended)
		if err != nil {
			return Session{}, err
		}
		s.EndedAt = &e
	}
	return s, nil
}

// TickMetrics returns a session's tick summaries in time order.
func (db *DB) TickMetrics(sessionID string) ([]TickMetric, error) {
	rows, err := db.Query(`SELECT t, seq, anchor_id, anchor_state, drift, min_separation, collision_active, blend_active
		FROM tick_metrics WHERE session_id = ? ORDER BY t`, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []TickMetric
	for rows.Next() {
		var (
			m          TickMetric
			drift, sep sql.NullFloat64
		)
		if err := rows.Scan(&m.T, &m.Seq, &m.AnchorID, &m.AnchorState, &drift, &sep, &m.CollisionActive, &m.BlendActive); err != nil {
			return nil, err
		}
		if drift.Valid {
			m.Drift = &drift.Float64
		}
		if sep.Valid {
			m.MinSeparation = &sep.Float64
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// Events returns a session's events in time order.
func (db *DB) Events(sessionID string) ([]EventRow, error) {
	rows, err := db.Query(`SELECT t, kind, COALESCE(agent_id, 0), COALESCE(other_id, 0), COALESCE(detail, '')
		FROM events WHERE session_id = ? ORDER BY t, rowid`, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []EventRow
	for rows.Next() {
		var e EventRow
		if err := rows.Scan(&e.T, &e.Kind, &e.AgentID, &e.OtherID, &e.Detail); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// Poses returns the recorded corrected positions of one agent.
func (db *DB) Poses(sessionID string, agentID int) ([]PoseRow, error) {
	rows, err := db.Query(`SELECT t, agent_id, world_x, world_y, world_z, stale, COALESCE(speed_scale, 1)
		FROM pose_samples WHERE session_id = ? AND agent_id = ? AND world_x IS NOT NULL ORDER BY t`,
		sessionID, agentID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []PoseRow
	for rows.Next() {
		var p PoseRow
		if err := rows.Scan(&p.T, &p.AgentID, &p.X, &p.Y, &p.Z, &p.Stale, &p.SpeedScale); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}
