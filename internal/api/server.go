// Package api serves the read-only status surface of a running link: the
// current mode, the active recording, inference statistics and the session
// journal.
package api

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-echarts/go-echarts/v2/charts"
	"github.com/go-echarts/go-echarts/v2/components"
	"github.com/go-echarts/go-echarts/v2/opts"
	"tailscale.com/tsweb"

	"github.com/oomwoo/raspberry-pi/internal/autonomy"
	"github.com/oomwoo/raspberry-pi/internal/db"
	"github.com/oomwoo/raspberry-pi/internal/link"
	"github.com/oomwoo/raspberry-pi/internal/monitoring"
	"github.com/oomwoo/raspberry-pi/internal/recording"
	"github.com/oomwoo/raspberry-pi/internal/version"
)

// ANSI escape codes for cyan and reset
const colorCyan = "\033[36m"
const colorReset = "\033[0m"
const colorYellow = "\033[33m"
const colorBoldGreen = "\033[1;32m"
const colorBoldRed = "\033[1;31m"

const defaultSessionLimit = 20

// ModeSource reports the controller state.
type ModeSource interface {
	Mode() autonomy.Mode
	Stats() autonomy.StatsSnapshot
}

// SessionSource reports the active recording, if any.
type SessionSource interface {
	Active() (recording.Session, bool)
}

type Server struct {
	mode     ModeSource
	sessions SessionSource
	db       *db.DB
	runID    string
}

// NewServer builds the status server. journal may be nil when journaling is
// disabled, in which case /api/sessions answers 404.
func NewServer(mode ModeSource, sessions SessionSource, journal *db.DB, runID string) *Server {
	return &Server{mode: mode, sessions: sessions, db: journal, runID: runID}
}

type loggingResponseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (lrw *loggingResponseWriter) WriteHeader(code int) {
	lrw.statusCode = code
	lrw.ResponseWriter.WriteHeader(code)
}

func (lrw *loggingResponseWriter) Flush() {
	if flusher, ok := lrw.ResponseWriter.(http.Flusher); ok {
		flusher.Flush()
	}
}

func statusCodeColor(statusCode int) string {
	switch {
	case statusCode >= 200 && statusCode < 300:
		return colorBoldGreen + strconv.Itoa(statusCode) + colorReset
	case statusCode >= 300 && statusCode < 400:
		return colorYellow + strconv.Itoa(statusCode) + colorReset
	case statusCode >= 400:
		return colorBoldRed + strconv.Itoa(statusCode) + colorReset
	default:
		return strconv.Itoa(statusCode)
	}
}

// LoggingMiddleware logs method, path, status and duration at debug level.
// Requests arrive while the robot drives, so they stay out of the normal log.
func LoggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		lrw := &loggingResponseWriter{w, http.StatusOK}
		next.ServeHTTP(lrw, r)
		monitoring.Debugf(
			"[%s] %s %s%s%s %vms",
			statusCodeColor(lrw.statusCode), r.Method,
			colorCyan, r.RequestURI, colorReset,
			float64(time.Since(start).Nanoseconds())/1e6,
		)
	})
}

// ServeMux returns the status routes. The decisions chart is mounted on the
// shared debug page of mux's tsweb debugger.
func (s *Server) ServeMux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/status", s.showStatus)
	mux.HandleFunc("/api/sessions", s.listSessions)
	mux.Handle("/metrics", monitoring.MetricsHandler())

	debug := tsweb.Debugger(mux)
	debug.Handle("decisions", "Drive decisions chart", http.HandlerFunc(s.handleDecisionsChart))
	return mux
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		monitoring.Logf("failed to encode response: %v", err)
	}
}

func writeJSONError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// Status is the /api/status payload.
type Status struct {
	Mode      string                 `json:"mode"`
	Recording *recording.Session     `json:"recording"`
	RunID     string                 `json:"run_id,omitempty"`
	Version   string                 `json:"version"`
	Decisions autonomy.StatsSnapshot `json:"decisions"`
}

func (s *Server) showStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeJSONError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}
	st := Status{
		Mode:      s.mode.Mode().String(),
		RunID:     s.runID,
		Version:   version.String(),
		Decisions: s.mode.Stats(),
	}
	if sess, ok := s.sessions.Active(); ok {
		st.Recording = &sess
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) listSessions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeJSONError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}
	if s.db == nil {
		writeJSONError(w, http.StatusNotFound, "journal disabled")
		return
	}

	limit := defaultSessionLimit
	if l := r.URL.Query().Get("limit"); l != "" {
		parsed, err := strconv.Atoi(l)
		if err != nil || parsed < 1 {
			writeJSONError(w, http.StatusBadRequest, "Invalid 'limit' parameter")
			return
		}
		limit = parsed
	}

	sessions, err := s.db.RecentSessions(limit)
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, fmt.Sprintf("failed to list sessions: %v", err))
		return
	}
	if sessions == nil {
		sessions = []db.SessionRecord{}
	}
	writeJSON(w, http.StatusOK, sessions)
}

// handleDecisionsChart renders a bar chart of drive decisions per label.
func (s *Server) handleDecisionsChart(w http.ResponseWriter, r *http.Request) {
	snap := s.mode.Stats()

	x := make([]string, 0, len(link.Labels)+1)
	y := make([]opts.BarData, 0, len(link.Labels)+1)
	for _, l := range link.Labels {
		x = append(x, l.String())
		y = append(y, opts.BarData{Value: snap.Counts[l.String()]})
	}
	x = append(x, "failed")
	y = append(y, opts.BarData{Value: snap.Failures})

	bar := charts.NewBar()
	bar.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{Width: "100%", Height: "480px"}),
		charts.WithTitleOpts(opts.Title{
			Title:    "Drive decisions",
			Subtitle: fmt.Sprintf("mode %s, mean latency %s", s.mode.Mode(), snap.MeanLatency),
		}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true)}),
	)
	bar.SetXAxis(x).
		AddSeries("decisions", y,
			charts.WithLabelOpts(opts.Label{Show: opts.Bool(true), Position: "top"}),
		)

	page := components.NewPage()
	page.AddCharts(bar)

	var buf bytes.Buffer
	if err := page.Render(&buf); err != nil {
		writeJSONError(w, http.StatusInternalServerError, fmt.Sprintf("render error: %v", err))
		return
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = w.Write(buf.Bytes())
}
