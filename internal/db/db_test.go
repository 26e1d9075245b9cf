package db

import (
	"compress/gzip"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"testing/fstest"
	"time"

	"github.com/oomwoo/raspberry-pi/internal/autonomy"
	"github.com/oomwoo/raspberry-pi/internal/recording"
)

func newTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := NewDB(filepath.Join(t.TempDir(), "journal.db"))
	if err != nil {
		t.Fatalf("NewDB failed: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func TestPragmasApplied(t *testing.T) {
	db := newTestDB(t)

	var journalMode string
	if err := db.QueryRow("PRAGMA journal_mode").Scan(&journalMode); err != nil {
		t.Fatalf("Failed to query journal_mode: %v", err)
	}
	if journalMode != "wal" {
		t.Errorf("Expected journal_mode=wal, got %s", journalMode)
	}

	var busyTimeout int
	if err := db.QueryRow("PRAGMA busy_timeout").Scan(&busyTimeout); err != nil {
		t.Fatalf("Failed to query busy_timeout: %v", err)
	}
	if busyTimeout != 5000 {
		t.Errorf("Expected busy_timeout=5000, got %d", busyTimeout)
	}

	var foreignKeys int
	if err := db.QueryRow("PRAGMA foreign_keys").Scan(&foreignKeys); err != nil {
		t.Fatalf("Failed to query foreign_keys: %v", err)
	}
	if foreignKeys != 1 {
		t.Errorf("Expected foreign_keys=1, got %d", foreignKeys)
	}
}

func TestSchemaVersion(t *testing.T) {
	db := newTestDB(t)

	version, dirty, err := db.SchemaVersion()
	if err != nil {
		t.Fatalf("SchemaVersion failed: %v", err)
	}
	if version != 2 || dirty {
		t.Errorf("Expected clean version 2, got %d (dirty=%v)", version, dirty)
	}

	// reopening is a no-op migration
	db2, err := NewDB(db.path)
	if err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	db2.Close()
}

func TestMigrateDownAndUp(t *testing.T) {
	db, err := OpenDB(filepath.Join(t.TempDir(), "steps.db"))
	if err != nil {
		t.Fatalf("OpenDB failed: %v", err)
	}
	defer db.Close()

	migrations := fstest.MapFS{
		"000001_init.up.sql":   &fstest.MapFile{Data: []byte("CREATE TABLE t1 (id INTEGER PRIMARY KEY);")},
		"000001_init.down.sql": &fstest.MapFile{Data: []byte("DROP TABLE t1;")},
	}
	if err := db.MigrateUp(migrations); err != nil {
		t.Fatalf("MigrateUp failed: %v", err)
	}
	if err := db.MigrateUp(migrations); err != nil {
		t.Fatalf("second MigrateUp should be a no-op: %v", err)
	}
	if err := db.MigrateDown(migrations); err != nil {
		t.Fatalf("MigrateDown failed: %v", err)
	}
	version, _, err := db.MigrateVersion(migrations)
	if err != nil {
		t.Fatalf("MigrateVersion failed: %v", err)
	}
	if version != 0 {
		t.Errorf("Expected version 0 after rollback, got %d", version)
	}
}

func TestMigrateUp_ClosedDB(t *testing.T) {
	db, err := OpenDB(filepath.Join(t.TempDir(), "closed.db"))
	if err != nil {
		t.Fatalf("OpenDB failed: %v", err)
	}
	db.Close()

	migrations, _ := getMigrationsFS()
	err = db.MigrateUp(migrations)
	if err == nil || !strings.Contains(err.Error(), "failed to create sqlite driver") {
		t.Errorf("expected sqlite driver error, got %v", err)
	}
}

func TestRunJournal(t *testing.T) {
	db := newTestDB(t)
	t0 := time.Date(2016, 5, 1, 12, 0, 0, 0, time.UTC)

	j, err := db.BeginRun("/dev/ttyAMA0", "dev", t0)
	if err != nil {
		t.Fatalf("BeginRun failed: %v", err)
	}
	if len(j.RunID()) != 36 {
		t.Errorf("expected a uuid run id, got %q", j.RunID())
	}

	first := recording.Session{Index: 0, VideoPath: "rec00000.h264", LogPath: "rec00000.txt", StartedAt: t0}
	steps := []error{
		j.SessionStarted(first),
		j.SessionEnded(first, recording.EndDiscarded, t0.Add(time.Second)),
		j.SessionStarted(first),
		j.SessionEnded(first, recording.EndStopped, t0.Add(time.Minute)),
		j.ModeChanged(autonomy.Manual, autonomy.Autonomous, t0.Add(2*time.Minute)),
		j.ModeChanged(autonomy.Autonomous, autonomy.Manual, t0.Add(3*time.Minute)),
	}
	for i, err := range steps {
		if err != nil {
			t.Fatalf("step %d failed: %v", i, err)
		}
	}

	sessions, err := db.RecentSessions(10)
	if err != nil {
		t.Fatalf("RecentSessions failed: %v", err)
	}
	if len(sessions) != 2 {
		t.Fatalf("expected 2 session rows, got %d", len(sessions))
	}
	if sessions[0].EndReason != recording.EndStopped || sessions[1].EndReason != recording.EndDiscarded {
		t.Errorf("unexpected end reasons: %q, %q", sessions[0].EndReason, sessions[1].EndReason)
	}
	if sessions[0].EndedAt == nil || !sessions[0].EndedAt.Equal(t0.Add(time.Minute)) {
		t.Errorf("unexpected end time %v", sessions[0].EndedAt)
	}
	if !sessions[1].StartedAt.Equal(t0) {
		t.Errorf("unexpected start time %v", sessions[1].StartedAt)
	}

	transitions, err := db.Transitions(j.RunID())
	if err != nil {
		t.Fatalf("Transitions failed: %v", err)
	}
	if len(transitions) != 2 || transitions[0].To != "autonomous" || transitions[1].To != "manual" {
		t.Errorf("unexpected transitions: %+v", transitions)
	}
}

func TestPendingUploads(t *testing.T) {
	db := newTestDB(t)
	now := time.Unix(1462100000, 0)

	plain, _ := db.BeginRun("/dev/ttyS0", "dev", now)
	s := recording.Session{Index: 0, VideoPath: "rec00000.h264", LogPath: "rec00000.txt", StartedAt: now}
	plain.SessionStarted(s)
	plain.SessionEnded(s, recording.EndStopped, now)
	if err := plain.Finish("terminate", false, now); err != nil {
		t.Fatalf("Finish failed: %v", err)
	}

	upload, _ := db.BeginRun("/dev/ttyS0", "dev", now)
	kept := recording.Session{Index: 1, VideoPath: "rec00001.h264", LogPath: "rec00001.txt", StartedAt: now}
	dropped := recording.Session{Index: 2, VideoPath: "rec00002.h264", LogPath: "rec00002.txt", StartedAt: now}
	upload.SessionStarted(kept)
	upload.SessionEnded(kept, recording.EndStopped, now)
	upload.SessionStarted(dropped)
	upload.SessionEnded(dropped, recording.EndDiscarded, now)
	if err := upload.Finish("terminate_upload", true, now); err != nil {
		t.Fatalf("Finish failed: %v", err)
	}

	pending, err := db.PendingUploads()
	if err != nil {
		t.Fatalf("PendingUploads failed: %v", err)
	}
	if len(pending) != 1 || pending[0].Index != 1 || pending[0].RunID != upload.RunID() {
		t.Fatalf("unexpected pending uploads: %+v", pending)
	}

	if err := db.MarkUploaded(upload.RunID(), now); err != nil {
		t.Fatalf("MarkUploaded failed: %v", err)
	}
	pending, _ = db.PendingUploads()
	if len(pending) != 0 {
		t.Errorf("expected no pending uploads, got %+v", pending)
	}

	if err := db.MarkUploaded("nope", now); !errors.Is(err, ErrUnknownRun) {
		t.Errorf("expected ErrUnknownRun, got %v", err)
	}
}

func TestSessionForUnknownRunRejected(t *testing.T) {
	db := newTestDB(t)
	j := &RunJournal{db: db, runID: "missing"}
	if err := j.SessionStarted(recording.Session{VideoPath: "v", LogPath: "l"}); err == nil {
		t.Error("expected foreign key violation for an unknown run")
	}
}

func TestAdminRoutes(t *testing.T) {
	db := newTestDB(t)
	if _, err := db.BeginRun("/dev/ttyAMA0", "dev", time.Now()); err != nil {
		t.Fatalf("BeginRun failed: %v", err)
	}

	mux := http.NewServeMux()
	if err := db.AttachAdminRoutes(mux); err != nil {
		t.Fatalf("AttachAdminRoutes failed: %v", err)
	}

	req := httptest.NewRequest(http.MethodGet, "/debug/backup", nil)
	req.RemoteAddr = "127.0.0.1:12345"
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("backup returned %d: %s", rec.Code, rec.Body.String())
	}
	if got := rec.Header().Get("Content-Encoding"); got != "gzip" {
		t.Errorf("expected gzip encoding, got %q", got)
	}
	zr, err := gzip.NewReader(rec.Body)
	if err != nil {
		t.Fatalf("gzip reader: %v", err)
	}
	data, err := io.ReadAll(zr)
	if err != nil {
		t.Fatalf("read backup: %v", err)
	}
	if !strings.HasPrefix(string(data), "SQLite format 3") {
		t.Errorf("backup is not a sqlite database")
	}
}
