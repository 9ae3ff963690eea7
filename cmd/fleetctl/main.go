// Command fleetctl queries and drives a running fleetd.
//
//	fleetctl [-addr URL] status
//	fleetctl [-addr URL] relocalize
//	fleetctl [-addr URL] events [-since SECONDS]
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"strconv"
	"time"

	"github.com/banshee-data/fleet.align/internal/monitor"
)

var (
	addr    = flag.String("addr", "http://localhost:8090", "fleetd base URL")
	timeout = flag.Duration("timeout", 5*time.Second, "Request timeout")
)

func main() {
	flag.Usage = func() {
		fmt.Fprintf(flag.CommandLine.Output(), "usage: fleetctl [flags] status|relocalize|events [since]\n")
		flag.PrintDefaults()
	}
	flag.Parse()

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()
	if err := run(ctx, monitor.NewClient(*addr, nil), flag.Args(), os.Stdout); err != nil {
		log.Fatalf("fleetctl: %v", err)
	}
}

func run(ctx context.Context, c *monitor.Client, args []string, w io.Writer) error {
	if len(args) == 0 {
		return fmt.Errorf("missing command")
	}
	switch args[0] {
	case "status":
		st, err := c.Status(ctx)
		if err != nil {
			return err
		}
		printStatus(w, st)
	case "relocalize":
		if err := c.Relocalize(ctx); err != nil {
			return err
		}
		fmt.Fprintln(w, "relocalization requested")
	case "events":
		var since float64
		if len(args) > 1 {
			f, err := strconv.ParseFloat(args[1], 64)
			if err != nil {
				return fmt.Errorf("invalid since %q: %w", args[1], err)
			}
			since = f
		}
		evs, err := c.Events(ctx, since, 0)
		if err != nil {
			return err
		}
		for _, ev := range evs {
			fmt.Fprintln(w, ev.String())
		}
	default:
		return fmt.Errorf("unknown command %q", args[0])
	}
	return nil
}

func printStatus(w io.Writer, st monitor.StatusView) {
	fmt.Fprintf(w, "t=%.2fs seq=%d anchor=%d (%s)", st.Time, st.Seq, st.Anchor, st.AnchorState)
	if st.Drift != nil {
		fmt.Fprintf(w, " drift=%.3fm", *st.Drift)
	}
	if st.MinSeparation != nil {
		fmt.Fprintf(w, " min_sep=%.3fm", *st.MinSeparation)
	}
	if st.Blend.Active {
		fmt.Fprintf(w, " relocalizing=%.0f%%", 100*st.Blend.Progress)
	}
	if st.Collision.Active {
		fmt.Fprint(w, " COLLISION")
	}
	fmt.Fprintln(w)
	for _, a := range st.Agents {
		pos := "-"
		if a.World != nil {
			pos = fmt.Sprintf("(%.2f, %.2f, %.2f)", a.World.Position.X, a.World.Position.Y, a.World.Position.Z)
		}
		stale := ""
		if a.Stale {
			stale = " stale"
		}
		fmt.Fprintf(w, "  agent %d %s %s scale=%.2f%s\n", a.ID, pos, a.Confidence, a.SpeedScale, stale)
	}
}
