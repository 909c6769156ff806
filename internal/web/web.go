package web

import (
	"bytes"
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"meetrecon/internal/config"
	"meetrecon/internal/export"
	appLog "meetrecon/internal/log"
	"meetrecon/internal/model"
	"meetrecon/internal/reconcile"
	"meetrecon/internal/syncer"
)

// Syncer is the part of syncer.Service the HTTP API depends on.
type Syncer interface {
	SyncOnce(ctx context.Context) (*syncer.Snapshot, error)
	Latest() (*syncer.Snapshot, error)
}

// Server provides HTTP APIs over the latest reconciliation snapshot.
type Server struct {
	cfg  *config.Config
	sync Syncer
	mux  *http.ServeMux
}

// NewServer constructs a new Server.
func NewServer(cfg *config.Config, s Syncer) *Server {
	srv := &Server{
		cfg:  cfg,
		sync: s,
		mux:  http.NewServeMux(),
	}
	srv.registerRoutes()
	return srv
}

// Handler returns the underlying http.Handler for this server.
func (s *Server) Handler() http.Handler {
	h := http.Handler(s.mux)
	if s.basicAuthEnabled() {
		appLog.Info("HTTP basic auth enabled", "listen", "http://"+s.cfg.Listen)
		return s.basicAuthMiddleware(h)
	}
	return h
}

// basicAuthEnabled reports whether HTTP Basic Auth is configured.
func (s *Server) basicAuthEnabled() bool {
	if s.cfg == nil || s.cfg.BasicAuth == nil {
		return false
	}
	// Empty username or password disables auth.
	if s.cfg.BasicAuth.Username == "" || s.cfg.BasicAuth.Password == "" {
		return false
	}
	return true
}

// basicAuthMiddleware wraps all handlers except /health with HTTP Basic Auth.
func (s *Server) basicAuthMiddleware(next http.Handler) http.Handler {
	username := s.cfg.BasicAuth.Username
	password := s.cfg.BasicAuth.Password

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/health" {
			next.ServeHTTP(w, r)
			return
		}

		u, p, ok := r.BasicAuth()
		if !ok || !secureCompare(u, username) || !secureCompare(p, password) {
			w.Header().Set("WWW-Authenticate", `Basic realm="meetrecon", charset="UTF-8"`)
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// secureCompare compares two strings in constant time.
func secureCompare(a, b string) bool {
	if len(a) != len(b) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

func (s *Server) registerRoutes() {
	s.mux.HandleFunc("GET /health", s.handleHealth)
	s.mux.HandleFunc("GET /api/occurrences", s.handleOccurrences)
	s.mux.HandleFunc("GET /api/series", s.handleSeries)
	s.mux.HandleFunc("POST /api/refresh", s.handleRefresh)
	s.mux.HandleFunc("GET /calendar.ics", s.handleCalendar)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

// occurrenceDTO is a JSON-friendly view of occurrences.
type occurrenceDTO struct {
	SeriesKey   string    `json:"series_key"`
	SourceID    string    `json:"source_id"`
	InstanceKey string    `json:"instance_key"`
	Subject     string    `json:"subject"`
	Location    string    `json:"location"`
	Kind        string    `json:"kind"`
	Start       time.Time `json:"start"`
	End         time.Time `json:"end"`
}

// occurrencesResponse is the JSON response shape for /api/occurrences.
type occurrencesResponse struct {
	RunID           string          `json:"run_id"`
	SyncedAt        time.Time       `json:"synced_at"`
	RangeStart      time.Time       `json:"range_start"`
	RangeEnd        time.Time       `json:"range_end"`
	DisplayTimeZone string          `json:"display_timezone"`
	Occurrences     []occurrenceDTO `json:"occurrences"`
	TruncatedSeries []string        `json:"truncated_series,omitempty"`
	Errors          []string        `json:"errors,omitempty"`
}

// seriesResponse is the JSON response shape for /api/series.
type seriesResponse struct {
	RunID  string                   `json:"run_id"`
	Series []reconcile.SeriesReport `json:"series"`
	Notes  []reconcile.Note         `json:"notes"`
}

// latest writes 503 and returns nil when no sync has completed yet.
func (s *Server) latest(w http.ResponseWriter) *syncer.Snapshot {
	snap, err := s.sync.Latest()
	if err != nil {
		if errors.Is(err, syncer.ErrNoSnapshot) {
			writeError(w, http.StatusServiceUnavailable, "no snapshot yet")
			return nil
		}
		appLog.Error("snapshot lookup failed", err)
		writeError(w, http.StatusInternalServerError, "snapshot lookup failed")
		return nil
	}
	return snap
}

// handleOccurrences returns the latest reconciled occurrences.
//
// GET /api/occurrences?series=<key>&from=<RFC3339>&to=<RFC3339>
//   - series: only occurrences of that series
//   - from/to: only occurrences starting in [from, to)
func (s *Server) handleOccurrences(w http.ResponseWriter, r *http.Request) {
	snap := s.latest(w)
	if snap == nil {
		return
	}

	q := r.URL.Query()
	from, err := parseTimeParam(q.Get("from"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid from")
		return
	}
	to, err := parseTimeParam(q.Get("to"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid to")
		return
	}
	series := q.Get("series")

	loc := resolveLocationOrLocal(s.cfg.Timezone)
	dtos := make([]occurrenceDTO, 0, len(snap.Occurrences))
	for _, o := range filterOccurrences(snap.Occurrences, series, from, to) {
		dtos = append(dtos, occurrenceDTO{
			SeriesKey:   o.SeriesKey,
			SourceID:    o.SourceID,
			InstanceKey: o.InstanceKey,
			Subject:     o.Subject,
			Location:    o.Location,
			Kind:        o.Kind.String(),
			Start:       o.Start.In(loc),
			End:         o.End.In(loc),
		})
	}

	writeJSON(w, http.StatusOK, occurrencesResponse{
		RunID:           snap.Run.ID,
		SyncedAt:        snap.Run.FinishedAt,
		RangeStart:      snap.Run.WindowStart.In(loc),
		RangeEnd:        snap.Run.WindowEnd.In(loc),
		DisplayTimeZone: loc.String(),
		Occurrences:     dtos,
		TruncatedSeries: snap.Run.TruncatedSeries,
		Errors:          snap.Run.Errors,
	})
}

func filterOccurrences(occ []model.Occurrence, series string, from, to time.Time) []model.Occurrence {
	if series == "" && from.IsZero() && to.IsZero() {
		return occ
	}
	out := make([]model.Occurrence, 0, len(occ))
	for _, o := range occ {
		if series != "" && o.SeriesKey != series {
			continue
		}
		if !from.IsZero() && o.Start.Before(from) {
			continue
		}
		if !to.IsZero() && !o.Start.Before(to) {
			continue
		}
		out = append(out, o)
	}
	return out
}

// handleSeries exposes per-series diagnostics and data-quality notes.
func (s *Server) handleSeries(w http.ResponseWriter, _ *http.Request) {
	snap := s.latest(w)
	if snap == nil {
		return
	}
	resp := seriesResponse{
		RunID:  snap.Run.ID,
		Series: snap.Series,
		Notes:  snap.Notes,
	}
	if resp.Series == nil {
		resp.Series = []reconcile.SeriesReport{}
	}
	if resp.Notes == nil {
		resp.Notes = []reconcile.Note{}
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleRefresh runs a sync and reports its outcome. Source failures do
// not fail the request; they are listed in the response.
func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	snap, err := s.sync.SyncOnce(r.Context())
	if snap == nil {
		appLog.Error("refresh failed", err)
		if errors.Is(err, syncer.ErrAllSourcesFailed) {
			writeError(w, http.StatusBadGateway, "every source failed; previous snapshot kept")
			return
		}
		writeError(w, http.StatusInternalServerError, "refresh failed")
		return
	}
	if err != nil {
		appLog.Warn("refresh completed with errors", "error", err.Error())
	}

	type refreshResponse struct {
		RunID       string   `json:"run_id"`
		Occurrences int      `json:"occurrences"`
		Series      int      `json:"series"`
		Notes       int      `json:"notes"`
		Errors      []string `json:"errors,omitempty"`
	}
	writeJSON(w, http.StatusOK, refreshResponse{
		RunID:       snap.Run.ID,
		Occurrences: len(snap.Occurrences),
		Series:      len(snap.Series),
		Notes:       len(snap.Notes),
		Errors:      snap.Run.Errors,
	})
}

// handleCalendar serves the latest snapshot as an iCalendar feed.
func (s *Server) handleCalendar(w http.ResponseWriter, _ *http.Request) {
	snap := s.latest(w)
	if snap == nil {
		return
	}
	var buf bytes.Buffer
	if err := export.Write(&buf, snap.Occurrences, snap.Run.FinishedAt); err != nil {
		appLog.Error("calendar export failed", err, "run_id", snap.Run.ID)
		writeError(w, http.StatusInternalServerError, "calendar export failed")
		return
	}
	w.Header().Set("Content-Type", "text/calendar; charset=utf-8")
	_, _ = buf.WriteTo(w)
}

func parseTimeParam(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t, nil
	}
	// Also accept unix seconds.
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return time.Time{}, err
	}
	return time.Unix(n, 0), nil
}

func resolveLocationOrLocal(name string) *time.Location {
	if name == "" {
		return time.Local
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		appLog.Error("failed to load timezone; falling back to local", err, "name", name)
		return time.Local
	}
	return loc
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		appLog.Error("failed to write JSON response", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	type errResp struct {
		Error string `json:"error"`
	}
	writeJSON(w, status, errResp{Error: msg})
}
