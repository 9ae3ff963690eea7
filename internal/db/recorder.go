package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"gonum.org/v1/gonum/num/quat"

	"github.com/banshee-data/fleet.align/internal/control"
	"github.com/banshee-data/fleet.align/internal/monitoring"
)

const (
	defaultRecordBuffer  = 4096
	defaultFlushInterval = 500 * time.Millisecond
	defaultBatchSize     = 256
)

// RecorderConfig configures a Recorder.
type RecorderConfig struct {
	// Interval throttles how often snapshots are written, in session
	// seconds. Zero records every snapshot. Events are always recorded.
	Interval time.Duration
	// FlushInterval bounds how long rows wait before being committed.
	FlushInterval time.Duration
	BatchSize     int
	Buffer        int
	Label         string
	AnchorID      int
	Config        any // stored as JSON with the session
}

// row is one pending insert.
type row struct {
	query string
	args  []any
}

// Recorder persists snapshots and events for one session. Observe and
// RecordEvent never block the control loop; rows that do not fit in the
// buffer are dropped and counted.
type Recorder struct {
	db        *DB
	cfg       RecorderConfig
	sessionID string

	mu           sync.Mutex
	lastRecorded float64
	recorded     bool

	rows    chan row
	dropped atomic.Int64
	written atomic.Int64

	stopOnce sync.Once
	stopCh   chan struct{}
	doneCh   chan struct{}
}

// NewRecorder creates a session row and returns a recorder for it. Run
// must be called to start writing.
func NewRecorder(db *DB, cfg RecorderConfig) (*Recorder, error) {
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = defaultFlushInterval
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = defaultBatchSize
	}
	if cfg.Buffer <= 0 {
		cfg.Buffer = defaultRecordBuffer
	}
	var cfgJSON sql.NullString
	if cfg.Config != nil {
		b, err := json.Marshal(cfg.Config)
		if err != nil {
			return nil, fmt.Errorf("encode session config: %w", err)
		}
		cfgJSON = sql.NullString{String: string(b), Valid: true}
	}

	id := uuid.New().String()
	if _, err := db.Exec(
		`INSERT INTO sessions (session_id, started_at, anchor_id, label, config_json) VALUES (?, ?, ?, ?, ?)`,
		id, time.Now().UTC(), cfg.AnchorID, cfg.Label, cfgJSON,
	); err != nil {
		return nil, fmt.Errorf("create session: %w", err)
	}
	return &Recorder{
		db:        db,
		cfg:       cfg,
		sessionID: id,
		rows:      make(chan row, cfg.Buffer),
		stopCh:    make(chan struct{}),
		doneCh:    make(chan struct{}),
	}, nil
}

// SessionID identifies the recorded session.
func (r *Recorder) SessionID() string { return r.sessionID }

// Stats returns the number of rows written and dropped so far.
func (r *Recorder) Stats() (written, dropped int64) {
	return r.written.Load(), r.dropped.Load()
}

// Observe implements control.Observer.
func (r *Recorder) Observe(s *control.Snapshot) {
	r.mu.Lock()
	due := !r.recorded || s.Time-r.lastRecorded >= r.cfg.Interval.Seconds()
	if due {
		r.recorded = true
		r.lastRecorded = s.Time
	}
	r.mu.Unlock()
	if !due {
		return
	}

	r.enqueue(row{
		query: `INSERT INTO tick_metrics (session_id, t, seq, anchor_id, anchor_state, drift, min_separation,
			collision_active, blend_active, queue_dropped) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		args: []any{
			r.sessionID, s.Time, int64(s.Seq), int(s.Anchor), s.AnchorState.String(),
			nullFloat(s.Drift, s.HasDrift), nullFloat(s.MinSeparation, s.HasSeparation),
			s.Collision.Active, s.Blend.Active, int64(s.QueueDropped),
		},
	})
	for _, a := range s.Agents {
		if !a.HasRaw && !a.HasWorld {
			continue
		}
		var rawX, rawY, rawZ sql.NullFloat64
		if a.HasRaw {
			rawX, rawY, rawZ = nf(a.Raw.Pos.X), nf(a.Raw.Pos.Y), nf(a.Raw.Pos.Z)
		}
		var wx, wy, wz, qw, qx, qy, qz sql.NullFloat64
		if a.HasWorld {
			q := quat.Number(a.World.Rot)
			wx, wy, wz = nf(a.World.Pos.X), nf(a.World.Pos.Y), nf(a.World.Pos.Z)
			qw, qx, qy, qz = nf(q.Real), nf(q.Imag), nf(q.Jmag), nf(q.Kmag)
		}
		var conf sql.NullInt64
		if a.HasConfidence {
			conf = sql.NullInt64{Int64: int64(a.Confidence), Valid: true}
		}
		r.enqueue(row{
			query: `INSERT INTO pose_samples (session_id, t, agent_id, raw_x, raw_y, raw_z,
				world_x, world_y, world_z, world_qw, world_qx, world_qy, world_qz,
				confidence, stale, speed_scale, alignment_error)
				VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			args: []any{
				r.sessionID, s.Time, int(a.ID), rawX, rawY, rawZ,
				wx, wy, wz, qw, qx, qy, qz,
				conf, a.Stale, a.Command.SpeedScale, nullFloat(a.AlignmentError, a.HasAlignment),
			},
		})
	}
}

// RecordEvent implements control.EventRecorder.
func (r *Recorder) RecordEvent(ev control.Event) {
	r.enqueue(row{
		query: `INSERT INTO events (session_id, t, kind, agent_id, other_id, detail) VALUES (?, ?, ?, ?, ?, ?)`,
		args:  []any{r.sessionID, ev.Time, string(ev.Kind), int(ev.Agent), int(ev.Other), ev.Detail},
	})
}

func (r *Recorder) enqueue(rw row) {
	select {
	case r.rows <- rw:
	default:
		r.dropped.Add(1)
	}
}

// Run writes queued rows in batches until ctx is cancelled or Stop is
// called, then flushes what remains and closes the session.
func (r *Recorder) Run(ctx context.Context) error {
	defer close(r.doneCh)
	ticker := time.NewTicker(r.cfg.FlushInterval)
	defer ticker.Stop()
	monitoring.Logf("[db] recording session %s to %s", r.sessionID, r.db.Path())

	batch := make([]row, 0, r.cfg.BatchSize)
	flush := func() {
		if len(batch) == 0 {
			return
		}
		if err := r.write(batch); err != nil {
			monitoring.Errorf("[db] failed to write %d rows: %v", len(batch), err)
		} else {
			r.written.Add(int64(len(batch)))
		}
		batch = batch[:0]
	}

	for {
		select {
		case <-ctx.Done():
			return r.finish(&batch, flush)
		case <-r.stopCh:
			return r.finish(&batch, flush)
		case rw := <-r.rows:
			batch = append(batch, rw)
			if len(batch) >= r.cfg.BatchSize {
				flush()
			}
		case <-ticker.C:
			flush()
		}
	}
}

func (r *Recorder) finish(batch *[]row, flush func()) error {
	for drained := false; !drained; {
		select {
		case rw := <-r.rows:
			*batch = append(*batch, rw)
			if len(*batch) >= r.cfg.BatchSize {
				flush()
			}
		default:
			drained = true
		}
	}
	flush()
	if _, err := r.db.Exec(`UPDATE sessions SET ended_at = ? WHERE session_id = ?`, time.Now().UTC(), r.sessionID); err != nil {
		return fmt.Errorf("close session: %w", err)
	}
	written, dropped := r.Stats()
	monitoring.Logf("[db] session %s closed: %d rows written, %d dropped", r.sessionID, written, dropped)
	return nil
}

// Stop ends Run and waits for the final flush. Safe to call more than
// once, but only after Run has been started.
func (r *Recorder) Stop() {
	r.stopOnce.Do(func() { close(r.stopCh) })
	<-r.doneCh
}

func (r *Recorder) write(batch []row) error {
	tx, err := r.db.Begin()
	if err != nil {
		return err
	}
	for _, rw := range batch {
		if _, err := tx.Exec(rw.query, rw.args...); err != nil {
			tx.Rollback()
			return err
		}
	}
	return tx.Commit()
}

func nf(v float64) sql.NullFloat64 { return sql.NullFloat64{Float64: v, Valid: true} }

func nullFloat(v float64, ok bool) sql.NullFloat64 {
	return sql.NullFloat64{Float64: v, Valid: ok}
}
