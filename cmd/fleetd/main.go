// Command fleetd runs the fleet alignment control loop: it ingests agent
// poses from UDP, serial or a pcap replay, maintains the shared world
// frame, limits motion near collisions and serves diagnostics over HTTP.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"golang.org/x/sync/errgroup"
	"gonum.org/v1/gonum/spatial/r3"

	"github.com/banshee-data/fleet.align/internal/actuator"
	"github.com/banshee-data/fleet.align/internal/config"
	"github.com/banshee-data/fleet.align/internal/control"
	"github.com/banshee-data/fleet.align/internal/db"
	"github.com/banshee-data/fleet.align/internal/fusion"
	"github.com/banshee-data/fleet.align/internal/monitor"
	"github.com/banshee-data/fleet.align/internal/monitoring"
	"github.com/banshee-data/fleet.align/internal/pose"
	"github.com/banshee-data/fleet.align/internal/provider"
	"github.com/banshee-data/fleet.align/internal/timeutil"
	"github.com/banshee-data/fleet.align/internal/version"
)

var (
	configPath  = flag.String("config", "", "Tuning config JSON (default: "+config.DefaultConfigPath+" when present)")
	listen      = flag.String("listen", ":8090", "HTTP listen address for status, metrics and charts")
	udpHost     = flag.String("udp-host", "", "Address to bind pose UDP sockets on (empty for all interfaces)")
	udpBasePort = flag.Int("udp-base-port", provider.DefaultUDPBasePort, "First UDP port; agents without udp_port use base+index")
	serialPath  = flag.String("serial", "", "Serial device carrying line-delimited pose JSON")
	serialBaud  = flag.Int("serial-baud", 115200, "Serial baud rate")
	replayPath  = flag.String("replay", "", "pcap capture to replay instead of listening on UDP")
	replaySpeed = flag.Float64("replay-speed", 1, "Replay speed multiplier; 0 replays as fast as possible")
	dbPath      = flag.String("db", "", "SQLite database for session recording (empty disables)")
	label       = flag.String("label", "", "Label stored with the recorded session")
	truthPort   = flag.Int("truth-port", 0, "UDP port receiving ground-truth poses (0 disables drift measurement)")
	showVersion = flag.Bool("version", false, "Print version and exit")

	commandAddrs addrList
)

func init() {
	flag.Var(&commandAddrs, "command-addr", "Agent command address as agent=host:port (repeatable; overrides config)")
}

// addrList collects a repeatable flag.
type addrList []string

func (l *addrList) String() string { return strings.Join(*l, ",") }

func (l *addrList) Set(v string) error {
	*l = append(*l, v)
	return nil
}

type options struct {
	ConfigPath   string
	Listen       string
	UDPHost      string
	UDPBasePort  int
	Serial       string
	SerialBaud   int
	Replay       string
	ReplaySpeed  float64
	DBPath       string
	Label        string
	CommandAddrs []string
	TruthPort    int
}

func optionsFromFlags() options {
	return options{
		ConfigPath:   *configPath,
		Listen:       *listen,
		UDPHost:      *udpHost,
		UDPBasePort:  *udpBasePort,
		Serial:       *serialPath,
		SerialBaud:   *serialBaud,
		Replay:       *replayPath,
		ReplaySpeed:  *replaySpeed,
		DBPath:       *dbPath,
		Label:        *label,
		CommandAddrs: commandAddrs,
		TruthPort:    *truthPort,
	}
}

func main() {
	flag.Parse()

	if *showVersion {
		fmt.Println("fleetd", version.Get())
		return
	}
	opts := optionsFromFlags()
	if err := opts.validate(); err != nil {
		log.Fatal(err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, opts); err != nil {
		log.Fatalf("fleetd: %v", err)
	}
}

// validate rejects flag combinations run cannot start with. A serial
// source may run alongside either UDP or a replay.
func (o options) validate() error {
	if o.Listen == "" {
		return errors.New("listen address is required")
	}
	if o.ReplaySpeed < 0 {
		return fmt.Errorf("replay speed %v must not be negative", o.ReplaySpeed)
	}
	if _, err := actuator.ParseAddrOverrides(o.CommandAddrs); err != nil {
		return err
	}
	return nil
}

// loadConfig reads path, or the canonical defaults when path is empty and
// the defaults file exists, or falls back to built-in defaults.
func loadConfig(path string) (*config.TuningConfig, error) {
	if path != "" {
		return config.LoadTuningConfig(path)
	}
	if _, err := os.Stat(config.DefaultConfigPath); err == nil {
		return config.LoadTuningConfig(config.DefaultConfigPath)
	}
	monitoring.Warnf("[fleetd] %s not found, using built-in defaults", config.DefaultConfigPath)
	return config.EmptyTuningConfig(), nil
}

// namedSource pairs a pose source with the name its stats are served under.
type namedSource struct {
	name   string
	source control.PoseSource
	stats  *provider.PacketStats
}

// buildSources picks the pose providers for opts. A replay replaces the
// UDP listeners; a serial device is added alongside them.
func buildSources(cfg *config.TuningConfig, opts options) []namedSource {
	clock := timeutil.RealClock{}
	ports := provider.PortsFromTuning(cfg, opts.UDPBasePort)

	var out []namedSource
	if opts.Replay != "" {
		portList := make([]int, 0, len(ports))
		for _, p := range ports {
			portList = append(portList, p)
		}
		stats := provider.NewPacketStats("replay", clock)
		out = append(out, namedSource{"replay", provider.NewReplaySource(provider.ReplayConfig{
			Path:  opts.Replay,
			Ports: portList,
			Speed: opts.ReplaySpeed,
			Stats: stats,
		}), stats})
	} else {
		stats := provider.NewPacketStats("udp", clock)
		out = append(out, namedSource{"udp", provider.NewUDPSource(provider.UDPConfig{
			Host:  opts.UDPHost,
			Ports: ports,
			Stats: stats,
		}), stats})
	}
	if opts.Serial != "" {
		stats := provider.NewPacketStats("serial", clock)
		out = append(out, namedSource{"serial", provider.NewSerialSource(provider.SerialConfig{
			Path:    opts.Serial,
			Options: provider.PortOptions{BaudRate: opts.SerialBaud},
			Stats:   stats,
		}), stats})
	}
	return out
}

func run(ctx context.Context, opts options) error {
	cfg, err := loadConfig(opts.ConfigPath)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	monitoring.Logf("[fleetd] %s starting: %d agents, anchor %d", version.Get(), len(cfg.Agents), cfg.GetAnchorID())
	loop := control.NewLoop(control.LoopConfigFromTuning(cfg, nil))
	statsBySource := make(map[string]*provider.PacketStats)

	if opts.TruthPort > 0 {
		truth := fusion.NewTruthTable()
		loop.Engine().SetGroundTruth(truth)
		stats := provider.NewPacketStats("truth", timeutil.RealClock{})
		src := provider.NewUDPSource(provider.UDPConfig{
			Host:  opts.UDPHost,
			Ports: map[pose.AgentID]int{pose.AgentID(cfg.GetAnchorID()): opts.TruthPort},
			Stats: stats,
		})
		if err := src.Start(ctx, truth); err != nil {
			return fmt.Errorf("start truth listener: %w", err)
		}
		defer src.Close()
		statsBySource["truth"] = stats
	}

	metrics := monitor.NewMetrics()
	history := monitor.NewHistory(monitor.DefaultHistorySize, 1)
	events := monitor.NewEventLog(monitor.DefaultEventLogSize)
	loop.AddObserver(metrics)
	loop.AddObserver(history)
	loop.AddRecorder(metrics)
	loop.AddRecorder(events)

	g, gctx := errgroup.WithContext(ctx)

	var database *db.DB
	if opts.DBPath != "" {
		database, err = db.NewDB(opts.DBPath)
		if err != nil {
			return fmt.Errorf("open database: %w", err)
		}
		defer database.Close()

		rec, err := db.NewRecorder(database, db.RecorderConfig{
			Interval: cfg.GetMetricsRecordInterval(),
			Label:    opts.Label,
			AnchorID: cfg.GetAnchorID(),
			Config:   cfg,
		})
		if err != nil {
			return fmt.Errorf("start session recorder: %w", err)
		}
		monitoring.Logf("[fleetd] recording session %s to %s", rec.SessionID(), database.Path())
		loop.AddObserver(rec)
		loop.AddRecorder(rec)
		g.Go(func() error { return rec.Run(gctx) })
	}

	var fwd *actuator.Forwarder
	overrides, err := actuator.ParseAddrOverrides(opts.CommandAddrs)
	if err != nil {
		cancel()
		_ = g.Wait()
		return err
	}
	if addrs := actuator.AddrsFromTuning(cfg, overrides); len(addrs) > 0 {
		fwd, err = actuator.NewForwarder(actuator.Config{Addrs: addrs, Now: loop.Session().Seconds})
		if err != nil {
			cancel()
			_ = g.Wait()
			return err
		}
		fwd.Start(gctx)
		loop.AddLimiter(fwd)
		loop.AddPoseSink(fwd)
	} else {
		monitoring.Logf("[fleetd] no command addresses configured, logging motion limits only")
		loop.AddLimiter(actuator.NewLogLimiter(r3.Vec{}, 0))
	}

	sources := buildSources(cfg, opts)
	for _, s := range sources {
		if err := s.source.Start(gctx, loop.Queue()); err != nil {
			for _, started := range sources {
				started.source.Close()
			}
			cancel()
			_ = g.Wait()
			if fwd != nil {
				fwd.Close()
			}
			return fmt.Errorf("start %s source: %w", s.name, err)
		}
		statsBySource[s.name] = s.stats
		if r, ok := s.source.(*provider.ReplaySource); ok {
			g.Go(func() error {
				select {
				case <-r.Done():
					if err := r.Err(); err != nil {
						monitoring.Warnf("[fleetd] replay ended: %v", err)
					} else {
						monitoring.Logf("[fleetd] replay finished; serving last state until shutdown")
					}
				case <-gctx.Done():
				}
				return nil
			})
		}
	}

	srv, err := monitor.NewServer(monitor.ServerConfig{
		Address:    opts.Listen,
		Controller: loop,
		Metrics:    metrics,
		History:    history,
		Events:     events,
		Sources:    statsBySource,
		DB:         database,
	})
	if err != nil {
		cancel()
		_ = g.Wait()
		for _, s := range sources {
			s.source.Close()
		}
		if fwd != nil {
			fwd.Close()
		}
		return err
	}

	g.Go(func() error { return srv.Start(gctx) })
	g.Go(func() error { return loop.Run(gctx) })

	err = g.Wait()
	for _, s := range sources {
		if cerr := s.source.Close(); cerr != nil {
			monitoring.Warnf("[fleetd] close %s source: %v", s.name, cerr)
		}
	}
	if fwd != nil {
		if cerr := fwd.Close(); cerr != nil {
			monitoring.Warnf("[fleetd] close forwarder: %v", cerr)
		}
	}
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
