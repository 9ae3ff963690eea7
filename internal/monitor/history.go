package monitor

import (
	"fmt"
	"io"
	"sort"
	"strconv"
	"sync"

	"github.com/go-echarts/go-echarts/v2/charts"
	"github.com/go-echarts/go-echarts/v2/components"
	"github.com/go-echarts/go-echarts/v2/opts"

	"github.com/banshee-data/fleet.align/internal/control"
	"github.com/banshee-data/fleet.align/internal/pose"
)

// DefaultHistorySize holds roughly five minutes at one point per second.
const DefaultHistorySize = 300

// HistoryPoint is one sampled snapshot.
type HistoryPoint struct {
	Time          float64
	Drift         float64
	HasDrift      bool
	MinSeparation float64
	HasSeparation bool
	Scales        map[pose.AgentID]float64
}

// History keeps a bounded ring of snapshot summaries for charting. It
// implements control.Observer and samples at most once per Interval
// session seconds.
type History struct {
	mu       sync.Mutex
	points   []HistoryPoint
	next     int
	full     bool
	interval float64
	last     float64
	seen     bool
}

// NewHistory returns a ring of size points sampled every interval seconds.
func NewHistory(size int, interval float64) *History {
	if size <= 0 {
		size = DefaultHistorySize
	}
	return &History{points: make([]HistoryPoint, size), interval: interval}
}

// Observe implements control.Observer.
func (h *History) Observe(s *control.Snapshot) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.seen && s.Time-h.last < h.interval {
		return
	}
	h.seen = true
	h.last = s.Time

	p := HistoryPoint{
		Time:          s.Time,
		Drift:         s.Drift,
		HasDrift:      s.HasDrift,
		MinSeparation: s.MinSeparation,
		HasSeparation: s.HasSeparation,
		Scales:        make(map[pose.AgentID]float64, len(s.Agents)),
	}
	for _, a := range s.Agents {
		p.Scales[a.ID] = a.Command.SpeedScale
	}
	h.points[h.next] = p
	h.next = (h.next + 1) % len(h.points)
	if h.next == 0 {
		h.full = true
	}
}

// Points returns the retained points, oldest first.
func (h *History) Points() []HistoryPoint {
	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.full {
		return append([]HistoryPoint(nil), h.points[:h.next]...)
	}
	out := make([]HistoryPoint, 0, len(h.points))
	out = append(out, h.points[h.next:]...)
	return append(out, h.points[:h.next]...)
}

// Render writes an HTML page with drift, separation and speed-scale
// charts of the retained history.
func (h *History) Render(w io.Writer) error {
	pts := h.Points()
	xs := make([]string, len(pts))
	drift := make([]opts.LineData, len(pts))
	sep := make([]opts.LineData, len(pts))
	agentSet := map[pose.AgentID]bool{}
	for i, p := range pts {
		xs[i] = strconv.FormatFloat(p.Time, 'f', 1, 64)
		drift[i] = lineValue(p.Drift, p.HasDrift)
		sep[i] = lineValue(p.MinSeparation, p.HasSeparation)
		for id := range p.Scales {
			agentSet[id] = true
		}
	}
	agents := make([]pose.AgentID, 0, len(agentSet))
	for id := range agentSet {
		agents = append(agents, id)
	}
	sort.Slice(agents, func(i, j int) bool { return agents[i] < agents[j] })

	subtitle := fmt.Sprintf("%d points", len(pts))
	driftChart := newLineChart("Anchor drift", subtitle, "m")
	driftChart.SetXAxis(xs).AddSeries("drift", drift)

	sepChart := newLineChart("Minimum separation", subtitle, "m")
	sepChart.SetXAxis(xs).AddSeries("separation", sep)

	scaleChart := newLineChart("Speed scale", subtitle, "scale")
	scaleChart.SetXAxis(xs)
	for _, id := range agents {
		data := make([]opts.LineData, len(pts))
		for i, p := range pts {
			s, ok := p.Scales[id]
			data[i] = lineValue(s, ok)
		}
		scaleChart.AddSeries(id.String(), data)
	}

	page := components.NewPage()
	page.SetPageTitle("Fleet alignment history")
	page.AddCharts(driftChart, sepChart, scaleChart)
	return page.Render(w)
}

func newLineChart(title, subtitle, unit string) *charts.Line {
	line := charts.NewLine()
	line.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{Theme: "dark", Width: "1000px", Height: "320px"}),
		charts.WithTitleOpts(opts.Title{Title: title, Subtitle: subtitle}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true), Trigger: "axis"}),
		charts.WithXAxisOpts(opts.XAxis{Name: "t (s)"}),
		charts.WithYAxisOpts(opts.YAxis{Name: unit}),
	)
	return line
}

func lineValue(v float64, ok bool) opts.LineData {
	if !ok {
		return opts.LineData{Value: "-"}
	}
	return opts.LineData{Value: v}
}
