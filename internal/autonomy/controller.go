// Package autonomy implements the manual/autonomous mode switch and the
// background loop that drives the robot while it is autonomous.
package autonomy

import (
	"context"
	"fmt"
	"image"
	"image/png"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/oomwoo/raspberry-pi/internal/camera"
	"github.com/oomwoo/raspberry-pi/internal/classifier"
	"github.com/oomwoo/raspberry-pi/internal/fsutil"
	"github.com/oomwoo/raspberry-pi/internal/link"
	"github.com/oomwoo/raspberry-pi/internal/monitoring"
	"github.com/oomwoo/raspberry-pi/internal/timeutil"
)

// Mode is the operating mode of the robot.
type Mode int32

const (
	Manual Mode = iota
	Autonomous
)

func (m Mode) String() string {
	if m == Autonomous {
		return "autonomous"
	}
	return "manual"
}

// LeaseHolder identifies the inference loop on the camera lease.
const LeaseHolder = "inference"

// Default timings.
const (
	DefaultSlowJoinWarning = 5 * time.Second
	DefaultErrorBackoff    = 100 * time.Millisecond
)

// Recorder is the part of the recording manager the controller needs.
type Recorder interface {
	Stop() error
}

// Sender writes a line to the motion controller.
type Sender interface {
	SendCommand(string) error
}

// Journal receives mode transitions. Failures are logged only.
type Journal interface {
	ModeChanged(from, to Mode, at time.Time) error
}

// Config tunes the inference loop.
type Config struct {
	// DebugDir, when set, receives every classified frame as capture<N>.png.
	DebugDir string `mapstructure:"debug_dir"`
	// SlowJoinWarning is how often a pending return to manual is logged.
	SlowJoinWarning time.Duration `mapstructure:"slow_join_warning"`
	// ErrorBackoff is the pause after a failed iteration.
	ErrorBackoff time.Duration `mapstructure:"error_backoff"`
}

// Controller owns the operating mode and the inference loop. Transitions are
// serialised; the loop runs exactly while the mode is Autonomous.
type Controller struct {
	cfg   Config
	cam   camera.Device
	lease *camera.Lease
	clf   classifier.Classifier
	out   Sender
	rec   Recorder
	fs    fsutil.FileSystem
	clock timeutil.Clock
	stats Stats

	mode atomic.Int32

	mu      sync.Mutex
	journal Journal
	cancel  context.CancelFunc
	done    chan struct{}
}

// NewController wires the mode controller. fs is only used for debug frames
// and may be nil when cfg.DebugDir is empty.
func NewController(cfg Config, cam camera.Device, lease *camera.Lease, clf classifier.Classifier,
	out Sender, rec Recorder, fs fsutil.FileSystem, clock timeutil.Clock) *Controller {
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	if cfg.SlowJoinWarning <= 0 {
		cfg.SlowJoinWarning = DefaultSlowJoinWarning
	}
	return &Controller{cfg: cfg, cam: cam, lease: lease, clf: clf, out: out, rec: rec, fs: fs, clock: clock}
}

// SetJournal attaches a transition journal.
func (c *Controller) SetJournal(j Journal) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.journal = j
}

// Mode returns the current mode without waiting on a transition in progress.
func (c *Controller) Mode() Mode {
	return Mode(c.mode.Load())
}

// Stats returns the decision statistics.
func (c *Controller) Stats() StatsSnapshot {
	return c.stats.Snapshot()
}

// EnterAutonomous stops any recording and starts the inference loop. It is a
// no-op when already autonomous. On error the mode stays Manual.
func (c *Controller) EnterAutonomous() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.Mode() == Autonomous {
		return nil
	}

	if err := c.rec.Stop(); err != nil {
		// the session is closed regardless; only finalising failed
		monitoring.Logf("stop recording before autonomy: %v", err)
	}
	if err := c.lease.TryAcquire(LeaseHolder); err != nil {
		return fmt.Errorf("enter autonomous: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	c.done = make(chan struct{})
	c.setMode(Autonomous)
	go c.run(ctx, c.done)
	return nil
}

// EnterManual stops the inference loop and blocks until it has exited, so no
// drive command is sent after it returns. An iteration in flight is allowed
// to finish. It is a no-op when already manual.
func (c *Controller) EnterManual() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.Mode() == Manual {
		return nil
	}

	c.cancel()
	start := c.clock.Now()
	for waiting := true; waiting; {
		select {
		case <-c.done:
			waiting = false
		case <-c.clock.After(c.cfg.SlowJoinWarning):
			monitoring.Logf("Still waiting for the autonomous loop to exit after %s", c.clock.Since(start).Round(time.Millisecond))
		}
	}
	monitoring.Debugf("Autonomous loop has terminated")

	c.cancel, c.done = nil, nil
	c.lease.Release(LeaseHolder)
	c.setMode(Manual)
	return nil
}

func (c *Controller) setMode(to Mode) {
	from := Mode(c.mode.Swap(int32(to)))
	monitoring.SetAutonomous(to == Autonomous)
	if to == Autonomous {
		monitoring.Logf("Transferring control to robot")
	} else {
		monitoring.Logf("Transferring control to human")
	}
	if c.journal != nil {
		if err := c.journal.ModeChanged(from, to, c.clock.Now()); err != nil {
			monitoring.Logf("journal mode change: %v", err)
		}
	}
}

// run is the inference loop. Cancellation is observed only between
// iterations.
func (c *Controller) run(ctx context.Context, done chan struct{}) {
	defer close(done)
	monitoring.Debugf("Autonomous loop started")

	iterCtx := context.WithoutCancel(ctx)
	frame := 0
	for {
		if ctx.Err() != nil {
			monitoring.Debugf("Exiting autonomous loop")
			return
		}
		if err := c.step(iterCtx, &frame); err != nil {
			monitoring.Logf("inference: %v", err)
			monitoring.IncInferenceFailure()
			c.stats.fail()
			select {
			case <-ctx.Done():
			case <-c.clock.After(c.cfg.ErrorBackoff):
			}
		}
	}
}

// step captures, classifies and sends one drive command.
func (c *Controller) step(ctx context.Context, frame *int) error {
	img, err := c.cam.CaptureStill(ctx)
	if err != nil {
		return fmt.Errorf("capture still: %w", err)
	}
	start := c.clock.Now()
	monitoring.Debugf("Grabbed a still frame")

	if c.cfg.DebugDir != "" {
		if err := c.dumpFrame(img, *frame); err != nil {
			monitoring.Logf("debug frame: %v", err)
		}
		*frame++
	}

	label, err := c.clf.Infer(ctx, img)
	if err != nil {
		return fmt.Errorf("classify: %w", err)
	}
	if !label.Valid() {
		return fmt.Errorf("classify: invalid label %d", label)
	}
	latency := c.clock.Since(start)
	monitoring.Debugf("--- %.4f seconds per decision --- %s", latency.Seconds(), label)

	if err := c.out.SendCommand(link.EncodeDrive(label)); err != nil {
		return fmt.Errorf("send drive command: %w", err)
	}
	c.stats.record(Decision{Label: label, At: c.clock.Now(), Latency: latency})
	monitoring.IncDecision(label.String())
	monitoring.ObserveDecisionLatency(latency)
	return nil
}

// dumpFrame writes the frame as the classifier sees it when the classifier
// exposes its preprocessing, and as captured otherwise.
func (c *Controller) dumpFrame(img image.Image, n int) error {
	if p, ok := c.clf.(interface{ Preprocessor() classifier.Preprocessor }); ok {
		img = p.Preprocessor().Resize(img)
	}
	if err := c.fs.MkdirAll(c.cfg.DebugDir, 0o755); err != nil {
		return err
	}
	w, err := c.fs.Create(filepath.Join(c.cfg.DebugDir, fmt.Sprintf("capture%d.png", n)))
	if err != nil {
		return err
	}
	if err := png.Encode(w, img); err != nil {
		w.Close()
		return err
	}
	return w.Close()
}
