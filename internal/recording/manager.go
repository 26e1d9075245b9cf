// Package recording owns the video and log file pair written while an
// operator collects training data.
package recording

import (
	"errors"
	"fmt"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/oomwoo/raspberry-pi/internal/camera"
	"github.com/oomwoo/raspberry-pi/internal/fsutil"
	"github.com/oomwoo/raspberry-pi/internal/monitoring"
	"github.com/oomwoo/raspberry-pi/internal/timeutil"
)

// ErrNoSession is returned by Discard when nothing is being recorded.
var ErrNoSession = errors.New("no active recording session")

// MaxIndex is the largest index that fits the five-digit file names.
const MaxIndex = 99999

const indexDigits = "[0-9][0-9][0-9][0-9][0-9]"

// LeaseHolder identifies the recording manager on the camera lease.
const LeaseHolder = "recording"

// Config selects where and how sessions are written.
type Config struct {
	Dir      string `mapstructure:"dir"`
	Prefix   string `mapstructure:"prefix"`
	VideoExt string `mapstructure:"video_ext"`
	LogExt   string `mapstructure:"log_ext"`
	Quality  int    `mapstructure:"quality"`
}

// DefaultConfig mirrors the file naming the robot's training tools expect.
func DefaultConfig() Config {
	return Config{Dir: ".", Prefix: "rec", VideoExt: ".h264", LogExt: ".txt", Quality: 23}
}

// Session is one contiguous video and log recording.
type Session struct {
	Index     int       `json:"index"`
	VideoPath string    `json:"video_path"`
	LogPath   string    `json:"log_path"`
	StartedAt time.Time `json:"started_at"`
}

// Session end reasons passed to Journal.SessionEnded.
const (
	EndStopped   = "stopped"
	EndDiscarded = "discarded"
)

// Journal receives session lifecycle events. Failures are logged and never
// affect recording.
type Journal interface {
	SessionStarted(s Session) error
	SessionEnded(s Session, reason string, at time.Time) error
}

// Manager owns the active session. At most one session exists at a time and
// it exists exactly while the camera is writing video for it.
type Manager struct {
	cfg   Config
	fs    fsutil.FileSystem
	cam   camera.Device
	lease *camera.Lease
	clock timeutil.Clock

	mu      sync.Mutex
	journal Journal
	active  *Session
	sink    *LogSink
}

// NewManager wires a manager to its collaborators.
func NewManager(cfg Config, fs fsutil.FileSystem, cam camera.Device, lease *camera.Lease, clock timeutil.Clock) *Manager {
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	return &Manager{cfg: cfg, fs: fs, cam: cam, lease: lease, clock: clock}
}

// SetJournal attaches a session journal.
func (m *Manager) SetJournal(j Journal) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.journal = j
}

func (m *Manager) path(index int, ext string) string {
	return filepath.Join(m.cfg.Dir, fmt.Sprintf("%s%05d%s", m.cfg.Prefix, index, ext))
}

// maxIndex returns one past the highest index among files with ext, or 0.
func (m *Manager) maxIndex(ext string) (int, error) {
	pattern := filepath.Join(fsutil.EscapeGlob(m.cfg.Dir),
		fsutil.EscapeGlob(m.cfg.Prefix)+indexDigits+fsutil.EscapeGlob(ext))
	names, err := m.fs.Glob(pattern)
	if err != nil {
		return 0, fmt.Errorf("scan %s: %w", pattern, err)
	}
	next := 0
	for _, name := range names {
		base := filepath.Base(name)
		digits := base[len(m.cfg.Prefix) : len(base)-len(ext)]
		n, err := strconv.Atoi(digits)
		if err != nil {
			continue
		}
		next = max(next, n+1)
	}
	return next, nil
}

// NextIndex scans existing videos and logs and returns the larger of their
// next indices, so a crash that left only one file of a pair never causes an
// overwrite.
func (m *Manager) NextIndex() (int, error) {
	v, err := m.maxIndex(m.cfg.VideoExt)
	if err != nil {
		return 0, err
	}
	l, err := m.maxIndex(m.cfg.LogExt)
	if err != nil {
		return 0, err
	}
	n := max(v, l)
	if n > MaxIndex {
		return 0, fmt.Errorf("recording index space exhausted under %s", m.cfg.Prefix)
	}
	return n, nil
}

// Start opens a new session. It returns false without side effects when a
// session is already active.
func (m *Manager) Start() (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.startLocked()
}

func (m *Manager) startLocked() (bool, error) {
	if m.active != nil {
		return false, nil
	}
	if err := m.lease.TryAcquire(LeaseHolder); err != nil {
		return false, err
	}

	s, sink, err := m.open()
	if err != nil {
		m.lease.Release(LeaseHolder)
		monitoring.IncSessionEvent("start_failed")
		return false, err
	}

	m.active, m.sink = &s, sink
	if err := m.cam.SetIndicator(true); err != nil {
		monitoring.Logf("recording indicator: %v", err)
	}
	if m.journal != nil {
		if err := m.journal.SessionStarted(s); err != nil {
			monitoring.Logf("journal session start: %v", err)
		}
	}
	monitoring.SetRecording(true)
	monitoring.IncSessionEvent("started")
	monitoring.Debugf("Recording to %s", s.LogPath)
	return true, nil
}

// open allocates the index, creates the log and starts the camera. On error
// nothing is left behind. An existing log at the allocated index fails the
// start rather than being truncated.
func (m *Manager) open() (Session, *LogSink, error) {
	if m.cfg.Dir != "" {
		if err := m.fs.MkdirAll(m.cfg.Dir, 0o755); err != nil {
			return Session{}, nil, fmt.Errorf("create %s: %w", m.cfg.Dir, err)
		}
	}
	idx, err := m.NextIndex()
	if err != nil {
		return Session{}, nil, err
	}
	s := Session{
		Index:     idx,
		VideoPath: m.path(idx, m.cfg.VideoExt),
		LogPath:   m.path(idx, m.cfg.LogExt),
		StartedAt: m.clock.Now(),
	}

	w, err := m.fs.CreateNew(s.LogPath)
	if err != nil {
		return Session{}, nil, fmt.Errorf("create log: %w", err)
	}
	if err := m.cam.StartRecording(s.VideoPath, m.cfg.Quality); err != nil {
		w.Close()
		if rerr := m.fs.Remove(s.LogPath); rerr != nil {
			monitoring.Logf("remove orphaned log %s: %v", s.LogPath, rerr)
		}
		return Session{}, nil, fmt.Errorf("start video %s: %w", s.VideoPath, err)
	}
	return s, &LogSink{w: w, path: s.LogPath}, nil
}

// Stop finalises the active session. It is a no-op when idle. The session is
// closed even if finalising the video or the log fails.
func (m *Manager) Stop() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, err := m.stopLocked(EndStopped)
	return err
}

func (m *Manager) stopLocked(reason string) (*Session, error) {
	if m.active == nil {
		return nil, nil
	}
	s := m.active
	monitoring.Debugf("Stopping recording %s", s.VideoPath)

	var errs []error
	if err := m.cam.StopRecording(); err != nil {
		errs = append(errs, fmt.Errorf("stop video: %w", err))
	}
	if err := m.sink.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close log: %w", err))
	}
	if err := m.cam.SetIndicator(false); err != nil {
		monitoring.Logf("recording indicator: %v", err)
	}
	m.active, m.sink = nil, nil
	m.lease.Release(LeaseHolder)

	if m.journal != nil {
		if err := m.journal.SessionEnded(*s, reason, m.clock.Now()); err != nil {
			monitoring.Logf("journal session end: %v", err)
		}
	}
	monitoring.SetRecording(false)
	monitoring.IncSessionEvent(reason)
	return s, errors.Join(errs...)
}

// Discard stops the active session, deletes both of its files and starts a
// replacement. Deletion failures are reported but do not prevent the
// replacement from starting. The returned bool reports whether a replacement
// session is active.
func (m *Manager) Discard() (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.active == nil {
		return false, ErrNoSession
	}

	monitoring.Debugf("Discarding current recording")
	s, stopErr := m.stopLocked(EndDiscarded)
	errs := []error{stopErr}
	for _, p := range []string{s.VideoPath, s.LogPath} {
		if err := m.fs.Remove(p); err != nil {
			errs = append(errs, fmt.Errorf("discard: %w", err))
		}
	}

	ok, err := m.startLocked()
	errs = append(errs, err)
	return ok, errors.Join(errs...)
}

// Log appends a received record to the active session's log. It is a no-op
// when no session is active.
func (m *Manager) Log(raw []byte, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sink == nil {
		return nil
	}
	if err := m.sink.Append(raw, at); err != nil {
		return fmt.Errorf("append %s: %w", m.sink.Path(), err)
	}
	monitoring.Debugf("%s %s", FormatTimestamp(at), raw)
	return nil
}

// Active returns a copy of the active session.
func (m *Manager) Active() (Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.active == nil {
		return Session{}, false
	}
	return *m.active, true
}
