// Command fleet-report summarises a recorded session and renders its
// drift and separation history to PNG.
package main

import (
	"flag"
	"fmt"
	"io"
	"log"
	"os"

	"gonum.org/v1/plot/vg"

	"github.com/banshee-data/fleet.align/internal/db"
	"github.com/banshee-data/fleet.align/internal/report"
	"github.com/banshee-data/fleet.align/internal/security"
)

var (
	dbPath         = flag.String("db", "fleet.db", "SQLite session database")
	sessionID      = flag.String("session", "", "Session id (default: most recent)")
	outPath        = flag.String("out", "", "PNG output path (default: fleet-report-<session label>.png)")
	plotPNG        = flag.Bool("plot", true, "Render the drift and separation PNG")
	safetyDistance = flag.Float64("safety-distance", 0, "Draw a reference line at this separation (m)")
	widthIn        = flag.Float64("width", 12, "Plot width in inches")
	heightIn       = flag.Float64("height", 8, "Plot height in inches")
	listSessions   = flag.Bool("list", false, "List recorded sessions and exit")
)

func main() {
	flag.Parse()
	if err := run(os.Stdout); err != nil {
		log.Fatalf("fleet-report: %v", err)
	}
}

func run(w io.Writer) error {
	if _, err := os.Stat(*dbPath); err != nil {
		return fmt.Errorf("database %s: %w", *dbPath, err)
	}
	d, err := db.NewDB(*dbPath)
	if err != nil {
		return err
	}
	defer d.Close()

	if *listSessions {
		return printSessions(w, d)
	}

	r, err := report.Load(d, *sessionID)
	if err != nil {
		return err
	}
	if err := r.WriteSummary(w); err != nil {
		return err
	}
	if !*plotPNG {
		return nil
	}
	out := *outPath
	if out == "" {
		name := r.Session.Label
		if name == "" {
			name = r.Session.ID
		}
		out = "fleet-report-" + security.SanitizeFilename(name) + ".png"
	}
	if err := security.ValidateOutputPath(out); err != nil {
		return err
	}
	opts := report.PlotOptions{
		Width:          vg.Length(*widthIn) * vg.Inch,
		Height:         vg.Length(*heightIn) * vg.Inch,
		SafetyDistance: *safetyDistance,
	}
	if err := r.SavePNG(out, opts); err != nil {
		return fmt.Errorf("render %s: %w", out, err)
	}
	fmt.Fprintf(w, "wrote %s\n", out)
	return nil
}

func printSessions(w io.Writer, d *db.DB) error {
	sessions, err := d.Sessions()
	if err != nil {
		return err
	}
	for _, s := range sessions {
		ended := "running"
		if s.EndedAt != nil {
			ended = s.EndedAt.Sub(s.StartedAt).Round(1e9).String()
		}
		fmt.Fprintf(w, "%s  %s  anchor=%d  %-8s %s\n", s.ID, s.StartedAt.Format("2006-01-02 15:04:05"), s.AnchorID, ended, s.Label)
	}
	return nil
}
