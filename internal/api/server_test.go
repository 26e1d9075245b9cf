package api

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/oomwoo/raspberry-pi/internal/autonomy"
	"github.com/oomwoo/raspberry-pi/internal/db"
	"github.com/oomwoo/raspberry-pi/internal/recording"
	"github.com/oomwoo/raspberry-pi/internal/version"
)

type stubMode struct {
	mode  autonomy.Mode
	stats autonomy.StatsSnapshot
}

func (s stubMode) Mode() autonomy.Mode {
	return s.mode
}

func (s stubMode) Stats() autonomy.StatsSnapshot {
	return s.stats
}

type stubSessions struct {
	active *recording.Session
}

func (s stubSessions) Active() (recording.Session, bool) {
	if s.active == nil {
		return recording.Session{}, false
	}
	return *s.active, true
}

func localHostRequest(method, path string) *http.Request {
	req := httptest.NewRequest(method, path, nil)
	req.RemoteAddr = "127.0.0.1:12345"
	return req
}

func newJournal(t *testing.T) *db.DB {
	t.Helper()
	journal, err := db.NewDB(filepath.Join(t.TempDir(), "journal.db"))
	if err != nil {
		t.Fatalf("NewDB failed: %v", err)
	}
	t.Cleanup(func() { journal.Close() })
	return journal
}

func TestShowStatus(t *testing.T) {
	started := time.Date(2016, 5, 1, 12, 0, 0, 0, time.UTC)
	sess := &recording.Session{Index: 3, VideoPath: "rec00003.h264", LogPath: "rec00003.txt", StartedAt: started}
	stats := autonomy.StatsSnapshot{
		Counts:   map[string]int{"forward": 4, "left": 1, "right": 0, "backward": 0},
		Failures: 1,
	}
	s := NewServer(stubMode{mode: autonomy.Manual, stats: stats}, stubSessions{active: sess}, nil, "run-1")

	rec := httptest.NewRecorder()
	s.ServeMux().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/status", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status code = %d, body %s", rec.Code, rec.Body.String())
	}

	var got Status
	if err := json.NewDecoder(rec.Body).Decode(&got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	want := Status{
		Mode:      "manual",
		Recording: sess,
		RunID:     "run-1",
		Version:   version.String(),
		Decisions: stats,
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("status mismatch (-want +got):\n%s", diff)
	}
}

func TestShowStatus_Idle(t *testing.T) {
	s := NewServer(stubMode{mode: autonomy.Autonomous}, stubSessions{}, nil, "")

	rec := httptest.NewRecorder()
	s.ServeMux().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/status", nil))

	var body map[string]any
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body["mode"] != "autonomous" {
		t.Errorf("mode = %v", body["mode"])
	}
	if v, ok := body["recording"]; !ok || v != nil {
		t.Errorf("expected explicit null recording, got %v (present=%v)", v, ok)
	}
}

func TestMethodNotAllowed(t *testing.T) {
	s := NewServer(stubMode{}, stubSessions{}, newJournal(t), "")
	for _, path := range []string{"/api/status", "/api/sessions"} {
		rec := httptest.NewRecorder()
		s.ServeMux().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, path, nil))
		if rec.Code != http.StatusMethodNotAllowed {
			t.Errorf("POST %s = %d, want 405", path, rec.Code)
		}
	}
}

func TestListSessions(t *testing.T) {
	journal := newJournal(t)
	now := time.Unix(1462100000, 0)
	run, err := journal.BeginRun("/dev/ttyAMA0", "dev", now)
	if err != nil {
		t.Fatalf("BeginRun failed: %v", err)
	}
	for i := 0; i < 3; i++ {
		sess := recording.Session{Index: i, VideoPath: "v", LogPath: "l", StartedAt: now}
		if err := run.SessionStarted(sess); err != nil {
			t.Fatalf("SessionStarted failed: %v", err)
		}
	}

	s := NewServer(stubMode{}, stubSessions{}, journal, run.RunID())
	mux := s.ServeMux()

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/sessions?limit=2", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status code = %d, body %s", rec.Code, rec.Body.String())
	}
	var got []db.SessionRecord
	if err := json.NewDecoder(rec.Body).Decode(&got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(got) != 2 || got[0].Index != 2 || got[1].Index != 1 {
		t.Errorf("unexpected sessions: %+v", got)
	}

	for _, bad := range []string{"0", "-1", "abc"} {
		rec := httptest.NewRecorder()
		mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/sessions?limit="+bad, nil))
		if rec.Code != http.StatusBadRequest {
			t.Errorf("limit=%s: status %d, want 400", bad, rec.Code)
		}
	}
}

func TestListSessions_EmptyAndDisabled(t *testing.T) {
	rec := httptest.NewRecorder()
	NewServer(stubMode{}, stubSessions{}, newJournal(t), "").ServeMux().
		ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/sessions", nil))
	if strings.TrimSpace(rec.Body.String()) != "[]" {
		t.Errorf("expected empty list, got %q", rec.Body.String())
	}

	rec = httptest.NewRecorder()
	NewServer(stubMode{}, stubSessions{}, nil, "").ServeMux().
		ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/sessions", nil))
	if rec.Code != http.StatusNotFound {
		t.Errorf("disabled journal: status %d, want 404", rec.Code)
	}
}

func TestDecisionsChart(t *testing.T) {
	stats := autonomy.StatsSnapshot{Counts: map[string]int{"forward": 7, "left": 2}}
	s := NewServer(stubMode{mode: autonomy.Autonomous, stats: stats}, stubSessions{}, nil, "")

	rec := httptest.NewRecorder()
	s.ServeMux().ServeHTTP(rec, localHostRequest(http.MethodGet, "/debug/decisions"))
	if rec.Code != http.StatusOK {
		t.Fatalf("status code = %d", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); !strings.HasPrefix(ct, "text/html") {
		t.Errorf("content type = %q", ct)
	}
	body := rec.Body.String()
	for _, want := range []string{"Drive decisions", "forward", "backward", "failed"} {
		if !strings.Contains(body, want) {
			t.Errorf("chart missing %q", want)
		}
	}
}

func TestMetricsRoute(t *testing.T) {
	rec := httptest.NewRecorder()
	NewServer(stubMode{}, stubSessions{}, nil, "").ServeMux().
		ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusOK {
		t.Errorf("metrics status %d", rec.Code)
	}
}

func TestLoggingMiddleware(t *testing.T) {
	h := LoggingMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/status", nil))
	if rec.Code != http.StatusTeapot {
		t.Errorf("middleware altered status: %d", rec.Code)
	}
}

func TestStatusCodeColor(t *testing.T) {
	tests := map[int]string{
		200: colorBoldGreen + "200" + colorReset,
		304: colorYellow + "304" + colorReset,
		404: colorBoldRed + "404" + colorReset,
		503: colorBoldRed + "503" + colorReset,
		100: "100",
	}
	for code, want := range tests {
		if got := statusCodeColor(code); got != want {
			t.Errorf("statusCodeColor(%d) = %q, want %q", code, got, want)
		}
	}
}
