// Package camera drives the capture device shared by the recording manager
// and the inference loop.
package camera

import (
	"context"
	"errors"
	"fmt"
	"image"
	"sync"
)

var (
	// ErrDeviceBusy is returned when another holder has the device checked out.
	ErrDeviceBusy = errors.New("capture device busy")
	// ErrNotRecording is returned by StopRecording when no video is being written.
	ErrNotRecording = errors.New("capture device is not recording")
	// ErrAlreadyRecording is returned by StartRecording while video is being written.
	ErrAlreadyRecording = errors.New("capture device is already recording")
)

// Settings is the capture configuration applied once at start-up.
type Settings struct {
	Width     int  `json:"width" mapstructure:"width"`
	Height    int  `json:"height" mapstructure:"height"`
	Framerate int  `json:"framerate" mapstructure:"framerate"` // 0 keeps the camera default
	ISO       int  `json:"iso" mapstructure:"iso"`             // 0 keeps the camera default
	Bitrate   int  `json:"bitrate" mapstructure:"bitrate"`     // 0 is unlimited
	HFlip     bool `json:"hflip" mapstructure:"hflip"`
	VFlip     bool `json:"vflip" mapstructure:"vflip"`
}

// Validate reports settings the camera cannot honour.
func (s Settings) Validate() error {
	if s.Width <= 0 || s.Height <= 0 {
		return fmt.Errorf("invalid resolution %dx%d", s.Width, s.Height)
	}
	if s.Framerate < 0 {
		return fmt.Errorf("invalid framerate %d", s.Framerate)
	}
	if s.ISO < 0 || s.ISO > 800 {
		return fmt.Errorf("invalid ISO %d: expected 0 or 100..800", s.ISO)
	}
	if s.Bitrate < 0 {
		return fmt.Errorf("invalid bitrate %d", s.Bitrate)
	}
	return nil
}

// Device is the capture hardware.
type Device interface {
	// Configure applies resolution, framerate and mirror settings.
	Configure(Settings) error
	// StartRecording begins writing encoded video to path.
	StartRecording(path string, quality int) error
	// StopRecording finalises the video started by StartRecording.
	StopRecording() error
	// Recording reports whether video is being written.
	Recording() bool
	// CaptureStill grabs a single RGB frame at the configured resolution.
	CaptureStill(ctx context.Context) (image.Image, error)
	// SetIndicator switches the operator-facing recording light.
	SetIndicator(on bool) error
	Close() error
}

// Lease hands the device to one holder at a time. The recording manager and
// the inference loop both acquire it before touching the camera.
type Lease struct {
	mu     sync.Mutex
	holder string
}

// TryAcquire checks the device out to holder. Re-acquiring by the current
// holder succeeds.
func (l *Lease) TryAcquire(holder string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.holder != "" && l.holder != holder {
		return fmt.Errorf("%w: held by %s", ErrDeviceBusy, l.holder)
	}
	l.holder = holder
	return nil
}

// Release returns the device if holder has it checked out.
func (l *Lease) Release(holder string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.holder == holder {
		l.holder = ""
	}
}

// Holder returns the current holder, or "" when the device is free.
func (l *Lease) Holder() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.holder
}
