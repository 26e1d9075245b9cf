package camera

import (
	"context"
	"fmt"
	"image"
	"image/color"
	"sync"
	"time"

	"github.com/oomwoo/raspberry-pi/internal/fsutil"
)

// FakeDevice is an in-process Device for tests and dev mode. Recordings are
// materialised as small files on FS so index scans see them.
type FakeDevice struct {
	FS fsutil.FileSystem

	// StartErr, when set, fails the next StartRecording.
	StartErr error
	// StillErr, when set, fails every CaptureStill.
	StillErr error
	// StillDelay simulates exposure time.
	StillDelay time.Duration
	// Still, when set, is returned by CaptureStill instead of a test pattern.
	Still image.Image

	mu        sync.Mutex
	settings  Settings
	recording string
	indicator bool
	stills    int
	events    []string
}

// NewFakeDevice returns a fake camera writing placeholder videos to fs.
func NewFakeDevice(fs fsutil.FileSystem) *FakeDevice {
	return &FakeDevice{FS: fs, settings: Settings{Width: 160, Height: 120}}
}

func (f *FakeDevice) record(event string) {
	f.events = append(f.events, event)
}

func (f *FakeDevice) Configure(s Settings) error {
	if err := s.Validate(); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.settings = s
	f.record("configure")
	return nil
}

func (f *FakeDevice) StartRecording(path string, quality int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.StartErr != nil {
		err := f.StartErr
		f.StartErr = nil
		return err
	}
	if f.recording != "" {
		return ErrAlreadyRecording
	}
	if f.FS != nil {
		header := fmt.Sprintf("fake h264 %dx%d q=%d\n", f.settings.Width, f.settings.Height, quality)
		if err := f.FS.WriteFile(path, []byte(header), 0o644); err != nil {
			return fmt.Errorf("create video: %w", err)
		}
	}
	f.recording = path
	f.record("start " + path)
	return nil
}

func (f *FakeDevice) StopRecording() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.recording == "" {
		return ErrNotRecording
	}
	f.record("stop " + f.recording)
	f.recording = ""
	return nil
}

func (f *FakeDevice) Recording() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.recording != ""
}

// CaptureStill returns Still or a diagonal gradient at the configured size.
func (f *FakeDevice) CaptureStill(ctx context.Context) (image.Image, error) {
	f.mu.Lock()
	if f.recording != "" {
		f.mu.Unlock()
		return nil, fmt.Errorf("%w: video recording in progress", ErrDeviceBusy)
	}
	delay, stillErr, still, s := f.StillDelay, f.StillErr, f.Still, f.settings
	f.stills++
	f.record("still")
	f.mu.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if stillErr != nil {
		return nil, stillErr
	}
	if still != nil {
		return still, nil
	}

	img := image.NewRGBA(image.Rect(0, 0, s.Width, s.Height))
	for y := 0; y < s.Height; y++ {
		for x := 0; x < s.Width; x++ {
			img.Set(x, y, color.RGBA{R: uint8(x), G: uint8(y), B: uint8(x + y), A: 255})
		}
	}
	return img, nil
}

func (f *FakeDevice) SetIndicator(on bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.indicator = on
	if on {
		f.record("indicator on")
	} else {
		f.record("indicator off")
	}
	return nil
}

func (f *FakeDevice) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.recording = ""
	f.indicator = false
	f.record("close")
	return nil
}

// Indicator reports the last indicator state.
func (f *FakeDevice) Indicator() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.indicator
}

// RecordingPath returns the path being written, or "".
func (f *FakeDevice) RecordingPath() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.recording
}

// Stills returns how many stills have been requested.
func (f *FakeDevice) Stills() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.stills
}

// Events returns a copy of the call log.
func (f *FakeDevice) Events() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.events...)
}

var _ Device = (*FakeDevice)(nil)
