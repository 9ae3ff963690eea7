package monitor

import (
	"bytes"
	"context"
	"errors"
	"math"
	"net/http"
	"sort"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/banshee-data/fleet.align/internal/control"
	"github.com/banshee-data/fleet.align/internal/db"
	"github.com/banshee-data/fleet.align/internal/httputil"
	"github.com/banshee-data/fleet.align/internal/monitoring"
	"github.com/banshee-data/fleet.align/internal/provider"
	"github.com/banshee-data/fleet.align/internal/version"
)

// Controller is the part of the control loop the server drives.
type Controller interface {
	Snapshot() *control.Snapshot
	RequestRelocalize()
}

// ServerConfig wires the server to its data sources. Only Address and
// Controller are required.
type ServerConfig struct {
	Address    string
	Controller Controller
	Metrics    *Metrics
	History    *History
	Events     *EventLog
	Sources    map[string]*provider.PacketStats
	DB         *db.DB
}

// Server is the fleet's diagnostics HTTP server.
type Server struct {
	cfg    ServerConfig
	server *http.Server
	mux    *http.ServeMux
}

// NewServer builds the server and its routes.
func NewServer(cfg ServerConfig) (*Server, error) {
	if cfg.Controller == nil {
		return nil, errors.New("monitor: controller is required")
	}
	s := &Server{cfg: cfg}
	mux, err := s.setupRoutes()
	if err != nil {
		return nil, err
	}
	s.mux = mux
	s.server = &http.Server{
		Addr:              cfg.Address,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s, nil
}

// Handler returns the route multiplexer.
func (s *Server) Handler() http.Handler { return s.mux }

// Start serves until ctx is cancelled, then shuts down.
func (s *Server) Start(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		monitoring.Logf("[monitor] listening on %s", s.cfg.Address)
		if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err, ok := <-errCh:
		if ok {
			return err
		}
		return nil
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := s.server.Shutdown(shutdownCtx); err != nil {
		monitoring.Warnf("[monitor] shutdown error: %v", err)
		if err := s.server.Close(); err != nil {
			monitoring.Warnf("[monitor] force close error: %v", err)
		}
	}
	monitoring.Logf("[monitor] stopped")
	return nil
}

func (s *Server) setupRoutes() (*http.ServeMux, error) {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/api/status", s.handleStatus)
	mux.HandleFunc("/api/relocalize", s.handleRelocalize)
	mux.HandleFunc("/api/events", s.handleEvents)
	mux.HandleFunc("/api/sources", s.handleSources)
	if s.cfg.Metrics != nil {
		mux.Handle("/metrics", promhttp.HandlerFor(s.cfg.Metrics.Registry(), promhttp.HandlerOpts{}))
	}
	if s.cfg.History != nil {
		mux.HandleFunc("/debug/charts", s.handleCharts)
	}
	if s.cfg.DB != nil {
		mux.HandleFunc("/api/sessions", s.handleSessions)
		if err := s.cfg.DB.AttachAdminRoutes(mux); err != nil {
			return nil, err
		}
	}
	return mux, nil
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	httputil.WriteJSONOK(w, struct {
		Status string `json:"status"`
		version.Info
	}{Status: "ok", Info: version.Get()})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w, http.MethodGet)
		return
	}
	snap := s.cfg.Controller.Snapshot()
	if snap == nil {
		httputil.ServiceUnavailable(w, "no snapshot yet")
		return
	}
	httputil.WriteJSONOK(w, NewStatusView(snap))
}

func (s *Server) handleRelocalize(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		httputil.MethodNotAllowed(w, http.MethodPost)
		return
	}
	s.cfg.Controller.RequestRelocalize()
	monitoring.Logf("[monitor] manual relocalization requested from %s", r.RemoteAddr)
	httputil.WriteJSON(w, http.StatusAccepted, map[string]string{"status": "requested"})
}

// handleEvents returns recent events.
// Query params:
//
//	since (optional, session seconds, exclusive)
//	limit (optional, default 100)
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Events == nil {
		httputil.NotFound(w, "event log disabled")
		return
	}
	since := math.Inf(-1)
	if v := r.URL.Query().Get("since"); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			httputil.BadRequest(w, "invalid 'since' parameter")
			return
		}
		since = f
	}
	limit := 100
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			httputil.BadRequest(w, "invalid 'limit' parameter")
			return
		}
		limit = n
	}
	httputil.WriteJSONOK(w, s.cfg.Events.Since(since, limit))
}

type sourceView struct {
	Name  string                  `json:"name"`
	Total int64                   `json:"total"`
	Last  *provider.StatsSnapshot `json:"last,omitempty"`
}

func (s *Server) handleSources(w http.ResponseWriter, r *http.Request) {
	names := make([]string, 0, len(s.cfg.Sources))
	for name := range s.cfg.Sources {
		names = append(names, name)
	}
	sort.Strings(names)
	out := make([]sourceView, 0, len(names))
	for _, name := range names {
		ps := s.cfg.Sources[name]
		out = append(out, sourceView{Name: name, Total: ps.Total(), Last: ps.LatestSnapshot()})
	}
	httputil.WriteJSONOK(w, out)
}

func (s *Server) handleSessions(w http.ResponseWriter, r *http.Request) {
	sessions, err := s.cfg.DB.Sessions()
	if err != nil {
		httputil.InternalServerError(w, err.Error())
		return
	}
	if sessions == nil {
		sessions = []db.Session{}
	}
	httputil.WriteJSONOK(w, sessions)
}

func (s *Server) handleCharts(w http.ResponseWriter, r *http.Request) {
	var buf bytes.Buffer
	if err := s.cfg.History.Render(&buf); err != nil {
		http.Error(w, "failed to render charts: "+err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = w.Write(buf.Bytes())
}
