// Package report renders recorded sessions offline: a text summary and a
// PNG with anchor drift and minimum separation over time.
package report

import (
	"errors"
	"fmt"
	"image/color"
	"io"
	"math"
	"os"
	"strings"

	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"
	"gonum.org/v1/plot/vg/draw"
	"gonum.org/v1/plot/vg/vgimg"

	"github.com/banshee-data/fleet.align/internal/db"
)

// ErrNoMetrics is returned when a session has no tick metrics to plot.
var ErrNoMetrics = errors.New("session has no recorded metrics")

var (
	driftColor    = color.RGBA{R: 0xd6, G: 0x27, B: 0x28, A: 0xff}
	sepColor      = color.RGBA{R: 0x1f, G: 0x77, B: 0xb4, A: 0xff}
	collideColor  = color.RGBA{R: 0xff, G: 0x7f, B: 0x0e, A: 0xff}
	thresholdGrey = color.Gray{Y: 0x80}
)

// Report is a loaded session.
type Report struct {
	Session db.Session
	Metrics []db.TickMetric
	Events  []db.EventRow
}

// Load reads a session from the database. An empty id loads the most
// recent session.
func Load(d *db.DB, sessionID string) (*Report, error) {
	var (
		s   db.Session
		err error
	)
	if sessionID == "" {
		s, err = d.LatestSession()
	} else {
		s, err = findSession(d, sessionID)
	}
	if err != nil {
		return nil, err
	}
	metrics, err := d.TickMetrics(s.ID)
	if err != nil {
		return nil, fmt.Errorf("load tick metrics: %w", err)
	}
	events, err := d.Events(s.ID)
	if err != nil {
		return nil, fmt.Errorf("load events: %w", err)
	}
	return &Report{Session: s, Metrics: metrics, Events: events}, nil
}

func findSession(d *db.DB, id string) (db.Session, error) {
	sessions, err := d.Sessions()
	if err != nil {
		return db.Session{}, err
	}
	for _, s := range sessions {
		if s.ID == id {
			return s, nil
		}
	}
	return db.Session{}, fmt.Errorf("%w: %s", db.ErrSessionNotFound, id)
}

// Summary aggregates a session's metrics.
type Summary struct {
	Duration          float64
	Ticks             int
	MaxDrift          float64
	MeanDrift         float64
	HasDrift          bool
	MinSeparation     float64
	HasSeparation     bool
	CollisionFraction float64
	AnchorSwitches    int
	Relocalizations   int
	EventCounts       map[string]int
}

// Summarize computes the summary of r.
func (r *Report) Summarize() Summary {
	s := Summary{Ticks: len(r.Metrics), EventCounts: map[string]int{}}
	if len(r.Metrics) > 0 {
		s.Duration = r.Metrics[len(r.Metrics)-1].T - r.Metrics[0].T
	}
	var driftSum float64
	var driftN, collisions int
	s.MinSeparation = math.Inf(1)
	for _, m := range r.Metrics {
		if m.Drift != nil {
			driftSum += *m.Drift
			driftN++
			s.MaxDrift = math.Max(s.MaxDrift, *m.Drift)
		}
		if m.MinSeparation != nil && *m.MinSeparation < s.MinSeparation {
			s.MinSeparation = *m.MinSeparation
			s.HasSeparation = true
		}
		if m.CollisionActive {
			collisions++
		}
	}
	if driftN > 0 {
		s.HasDrift = true
		s.MeanDrift = driftSum / float64(driftN)
	}
	if !s.HasSeparation {
		s.MinSeparation = 0
	}
	if s.Ticks > 0 {
		s.CollisionFraction = float64(collisions) / float64(s.Ticks)
	}
	for _, e := range r.Events {
		s.EventCounts[e.Kind]++
	}
	s.AnchorSwitches = s.EventCounts["anchor_switched"]
	s.Relocalizations = s.EventCounts["relocalize_done"]
	return s
}

// WriteSummary prints a human-readable summary.
func (r *Report) WriteSummary(w io.Writer) error {
	s := r.Summarize()
	var b strings.Builder
	fmt.Fprintf(&b, "session %s", r.Session.ID)
	if r.Session.Label != "" {
		fmt.Fprintf(&b, " (%s)", r.Session.Label)
	}
	fmt.Fprintf(&b, "\nstarted %s, initial anchor %d\n", r.Session.StartedAt.Format("2006-01-02 15:04:05"), r.Session.AnchorID)
	fmt.Fprintf(&b, "duration %.1fs over %d ticks\n", s.Duration, s.Ticks)
	if s.HasDrift {
		fmt.Fprintf(&b, "drift: max %.3fm, mean %.3fm\n", s.MaxDrift, s.MeanDrift)
	}
	if s.HasSeparation {
		fmt.Fprintf(&b, "min separation: %.3fm\n", s.MinSeparation)
	}
	fmt.Fprintf(&b, "collision layer active %.1f%% of ticks\n", 100*s.CollisionFraction)
	fmt.Fprintf(&b, "anchor switches: %d, relocalizations: %d\n", s.AnchorSwitches, s.Relocalizations)
	_, err := io.WriteString(w, b.String())
	return err
}

// PlotOptions controls PNG rendering.
type PlotOptions struct {
	Width, Height vg.Length
	// SafetyDistance draws a reference line on the separation plot when > 0.
	SafetyDistance float64
}

func (o PlotOptions) withDefaults() PlotOptions {
	if o.Width <= 0 {
		o.Width = 12 * vg.Inch
	}
	if o.Height <= 0 {
		o.Height = 8 * vg.Inch
	}
	return o
}

func newPlot(title, ylabel string) *plot.Plot {
	p := plot.New()
	p.Title.Text = title
	p.X.Label.Text = "Session time (s)"
	p.Y.Label.Text = ylabel
	p.Add(plotter.NewGrid())
	p.Legend.Top = true
	p.Legend.Left = false
	p.Legend.XOffs = -10
	p.Legend.YOffs = -10
	return p
}

func addLine(p *plot.Plot, label string, pts plotter.XYs, c color.Color) error {
	if len(pts) == 0 {
		return nil
	}
	line, err := plotter.NewLine(pts)
	if err != nil {
		return err
	}
	line.Color = c
	line.Width = vg.Points(1)
	p.Add(line)
	p.Legend.Add(label, line)
	return nil
}

// Plots builds the drift and separation plots.
func (r *Report) Plots(opts PlotOptions) (drift, separation *plot.Plot, err error) {
	if len(r.Metrics) == 0 {
		return nil, nil, ErrNoMetrics
	}
	t0 := r.Metrics[0].T
	driftPts := make(plotter.XYs, 0, len(r.Metrics))
	sepPts := make(plotter.XYs, 0, len(r.Metrics))
	collidePts := make(plotter.XYs, 0)
	for _, m := range r.Metrics {
		t := m.T - t0
		if m.Drift != nil {
			driftPts = append(driftPts, plotter.XY{X: t, Y: *m.Drift})
		}
		if m.MinSeparation != nil {
			sepPts = append(sepPts, plotter.XY{X: t, Y: *m.MinSeparation})
			if m.CollisionActive {
				collidePts = append(collidePts, plotter.XY{X: t, Y: *m.MinSeparation})
			}
		}
	}

	drift = newPlot("Anchor drift", "Distance (m)")
	if err := addLine(drift, "drift", driftPts, driftColor); err != nil {
		return nil, nil, err
	}

	separation = newPlot("Minimum separation", "Distance (m)")
	if err := addLine(separation, "separation", sepPts, sepColor); err != nil {
		return nil, nil, err
	}
	if len(collidePts) > 0 {
		sc, err := plotter.NewScatter(collidePts)
		if err != nil {
			return nil, nil, err
		}
		sc.GlyphStyle.Color = collideColor
		sc.GlyphStyle.Radius = vg.Points(2)
		separation.Add(sc)
		separation.Legend.Add("collision active", sc)
	}
	if opts.SafetyDistance > 0 {
		d := opts.SafetyDistance
		ref := plotter.NewFunction(func(float64) float64 { return d })
		ref.Color = thresholdGrey
		ref.Dashes = []vg.Length{vg.Points(4), vg.Points(2)}
		separation.Add(ref)
		separation.Legend.Add("safety distance", ref)
	}
	return drift, separation, nil
}

// WritePNG renders both plots stacked into one PNG.
func (r *Report) WritePNG(w io.Writer, opts PlotOptions) error {
	opts = opts.withDefaults()
	drift, sep, err := r.Plots(opts)
	if err != nil {
		return err
	}
	img := vgimg.New(opts.Width, opts.Height)
	dc := draw.New(img)
	tiles := draw.Tiles{Rows: 2, Cols: 1, PadY: vg.Millimeter * 4, PadTop: vg.Millimeter * 2}
	canvases := plot.Align([][]*plot.Plot{{drift}, {sep}}, tiles, dc)
	drift.Draw(canvases[0][0])
	sep.Draw(canvases[1][0])

	_, err = vgimg.PngCanvas{Canvas: img}.WriteTo(w)
	return err
}

// SavePNG writes the PNG to path.
func (r *Report) SavePNG(path string, opts PlotOptions) (err error) {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := f.Close(); err == nil {
			err = cerr
		}
	}()
	return r.WritePNG(f, opts)
}
