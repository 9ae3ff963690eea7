package db

import (
	"compress/gzip"
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/spatial/r3"

	"github.com/banshee-data/fleet.align/internal/anchor"
	"github.com/banshee-data/fleet.align/internal/control"
	"github.com/banshee-data/fleet.align/internal/fusion"
	"github.com/banshee-data/fleet.align/internal/monitoring"
	"github.com/banshee-data/fleet.align/internal/pose"
	"github.com/banshee-data/fleet.align/internal/safety"
)

func newTestDB(t *testing.T) *DB {
	t.Helper()
	prev := monitoring.Logf
	monitoring.SetLogger(nil)
	t.Cleanup(func() { monitoring.SetLogger(prev) })

	db, err := NewDB(filepath.Join(t.TempDir(), "fleet.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func TestNewDB_PragmasAndSchema(t *testing.T) {
	db := newTestDB(t)

	var journalMode string
	require.NoError(t, db.QueryRow("PRAGMA journal_mode").Scan(&journalMode))
	assert.Equal(t, "wal", journalMode)

	var fk int
	require.NoError(t, db.QueryRow("PRAGMA foreign_keys").Scan(&fk))
	assert.Equal(t, 1, fk)

	version, dirty, err := db.MigrateVersion()
	require.NoError(t, err)
	assert.Equal(t, uint(2), version)
	assert.False(t, dirty)

	for _, table := range []string{"sessions", "pose_samples", "events", "tick_metrics"} {
		var name string
		err := db.QueryRow(`SELECT name FROM sqlite_master WHERE type='table' AND name=?`, table).Scan(&name)
		assert.NoError(t, err, "table %s", table)
	}
}

func TestNewDB_ReopenIsIdempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "fleet.db")
	prev := monitoring.Logf
	monitoring.SetLogger(nil)
	t.Cleanup(func() { monitoring.SetLogger(prev) })

	db, err := NewDB(path)
	require.NoError(t, err)
	require.NoError(t, db.Close())

	db, err = NewDB(path)
	require.NoError(t, err)
	defer db.Close()
	version, _, err := db.MigrateVersion()
	require.NoError(t, err)
	assert.Equal(t, uint(2), version)
}

func TestMigrateDown(t *testing.T) {
	db := newTestDB(t)
	require.NoError(t, db.MigrateDown())
	version, _, err := db.MigrateVersion()
	require.NoError(t, err)
	assert.Equal(t, uint(1), version)

	var n int
	require.NoError(t, db.QueryRow(`SELECT COUNT(*) FROM sqlite_master WHERE name='tick_metrics'`).Scan(&n))
	assert.Zero(t, n)
	require.NoError(t, db.MigrateUp())
}

func testSnapshot(seq uint64, t float64) *control.Snapshot {
	return &control.Snapshot{
		Seq:           seq,
		Time:          t,
		Anchor:        0,
		AnchorState:   anchor.Healthy,
		Drift:         0.02,
		HasDrift:      true,
		MinSeparation: 2.5,
		HasSeparation: true,
		Agents: []control.AgentSnapshot{
			{
				AgentState: fusion.AgentState{
					ID:            0,
					Raw:           pose.New(r3.Vec{X: 1}, r3.Rotation{Real: 1}),
					HasRaw:        true,
					World:         pose.New(r3.Vec{X: 1 + t}, r3.Rotation{Real: 1}),
					HasWorld:      true,
					Confidence:    pose.ConfidenceGood,
					HasConfidence: true,
				},
				Command: safety.Command{Agent: 0, SpeedScale: 1},
			},
			{
				AgentState: fusion.AgentState{ID: 1, Raw: pose.Identity(), HasRaw: true},
				Command:    safety.Command{Agent: 1, SpeedScale: 0.5},
			},
			{AgentState: fusion.AgentState{ID: 2}},
		},
	}
}

func TestRecorder_WritesThrottledSnapshotsAndEvents(t *testing.T) {
	db := newTestDB(t)
	rec, err := NewRecorder(db, RecorderConfig{
		Interval:      time.Second,
		FlushInterval: 10 * time.Millisecond,
		Label:         "bench",
		Config:        map[string]int{"anchor_id": 0},
	})
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() { done <- rec.Run(context.Background()) }()

	for i, ts := range []float64{0, 0.5, 1.0, 1.4, 2.1} {
		rec.Observe(testSnapshot(uint64(i+1), ts))
	}
	rec.RecordEvent(control.Event{Kind: control.EventAnchorSwitched, Time: 1.2, Agent: 1, Other: 0, Detail: "failover"})
	rec.Stop()
	require.NoError(t, <-done)

	metrics, err := db.TickMetrics(rec.SessionID())
	require.NoError(t, err)
	require.Len(t, metrics, 3)
	assert.Equal(t, []float64{0, 1.0, 2.1}, []float64{metrics[0].T, metrics[1].T, metrics[2].T})
	assert.Equal(t, "healthy", metrics[0].AnchorState)
	require.NotNil(t, metrics[0].Drift)
	assert.Equal(t, 0.02, *metrics[0].Drift)

	events, err := db.Events(rec.SessionID())
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, EventRow{T: 1.2, Kind: "anchor_switched", AgentID: 1, OtherID: 0, Detail: "failover"}, events[0])

	poses, err := db.Poses(rec.SessionID(), 0)
	require.NoError(t, err)
	require.Len(t, poses, 3)
	assert.Equal(t, 2.0, poses[1].X)

	// Agent 1 has only a raw pose and agent 2 nothing at all.
	var rawOnly, total int
	require.NoError(t, db.QueryRow(`SELECT COUNT(*) FROM pose_samples WHERE agent_id = 1 AND world_x IS NULL`).Scan(&rawOnly))
	require.NoError(t, db.QueryRow(`SELECT COUNT(*) FROM pose_samples WHERE agent_id = 2`).Scan(&total))
	assert.Equal(t, 3, rawOnly)
	assert.Zero(t, total)

	sessions, err := db.Sessions()
	require.NoError(t, err)
	require.Len(t, sessions, 1)
	assert.Equal(t, rec.SessionID(), sessions[0].ID)
	assert.Equal(t, "bench", sessions[0].Label)
	assert.NotNil(t, sessions[0].EndedAt)

	written, dropped := rec.Stats()
	assert.Equal(t, int64(3+6+1), written)
	assert.Zero(t, dropped)
}

func TestRecorder_DropsWhenBufferFull(t *testing.T) {
	db := newTestDB(t)
	rec, err := NewRecorder(db, RecorderConfig{Buffer: 2})
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		rec.RecordEvent(control.Event{Kind: control.EventAgentStale, Time: float64(i)})
	}
	_, dropped := rec.Stats()
	assert.Equal(t, int64(3), dropped)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.NoError(t, rec.Run(ctx))
	events, err := db.Events(rec.SessionID())
	require.NoError(t, err)
	assert.Len(t, events, 2)
}

func TestLatestSession(t *testing.T) {
	db := newTestDB(t)
	_, err := db.LatestSession()
	assert.ErrorIs(t, err, ErrSessionNotFound)

	rec, err := NewRecorder(db, RecorderConfig{AnchorID: 2})
	require.NoError(t, err)
	s, err := db.LatestSession()
	require.NoError(t, err)
	assert.Equal(t, rec.SessionID(), s.ID)
	assert.Equal(t, 2, s.AnchorID)
	assert.Nil(t, s.EndedAt)
}

func TestAttachAdminRoutes(t *testing.T) {
	db := newTestDB(t)
	mux := http.NewServeMux()
	require.NoError(t, db.AttachAdminRoutes(mux))

	for _, path := range []string{"/debug/backup", "/debug/tailsql/"} {
		req := httptest.NewRequest(http.MethodGet, path, nil)
		w := httptest.NewRecorder()
		mux.ServeHTTP(w, req)
		assert.NotEqual(t, http.StatusNotFound, w.Code, "route %s should be registered", path)
	}
}

func TestHandleBackup(t *testing.T) {
	db := newTestDB(t)
	_, err := NewRecorder(db, RecorderConfig{Label: "backup-me"})
	require.NoError(t, err)

	w := httptest.NewRecorder()
	db.handleBackup(w, httptest.NewRequest(http.MethodGet, "/debug/backup", nil))
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "application/gzip", w.Header().Get("Content-Type"))

	gz, err := gzip.NewReader(w.Body)
	require.NoError(t, err)
	data, err := io.ReadAll(gz)
	require.NoError(t, err)
	assert.Equal(t, "SQLite format 3\x00", string(data[:16]))
}
