package camera

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/png"
	"os/exec"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/oomwoo/raspberry-pi/internal/fsutil"
	"github.com/oomwoo/raspberry-pi/internal/monitoring"
)

// Default tool names from the Raspberry Pi camera stack.
const (
	DefaultVideoBinary = "rpicam-vid"
	DefaultStillBinary = "rpicam-still"
	DefaultLEDPath     = "/sys/class/leds/led0/brightness"
)

// StopTimeout bounds how long StopRecording waits for the encoder to flush
// after SIGINT before it is killed.
const StopTimeout = 5 * time.Second

// RPiCamera drives the camera through the rpicam command-line tools. Video is
// written by a long-running rpicam-vid process; stills are taken by a
// short-lived rpicam-still that streams PNG on stdout.
type RPiCamera struct {
	VideoBinary string
	StillBinary string
	// LEDPath is the sysfs brightness file of the indicator; empty disables it.
	LEDPath string
	FS      fsutil.FileSystem

	mu       sync.Mutex
	settings Settings
	cmd      *exec.Cmd
	waitCh   chan error
	path     string
}

// NewRPiCamera returns a camera using the default tool names and LED path.
func NewRPiCamera(fs fsutil.FileSystem) *RPiCamera {
	return &RPiCamera{
		VideoBinary: DefaultVideoBinary,
		StillBinary: DefaultStillBinary,
		LEDPath:     DefaultLEDPath,
		FS:          fs,
	}
}

// Configure validates s and checks the capture tools are installed.
func (c *RPiCamera) Configure(s Settings) error {
	if err := s.Validate(); err != nil {
		return err
	}
	for _, bin := range []string{c.VideoBinary, c.StillBinary} {
		if _, err := exec.LookPath(bin); err != nil {
			return fmt.Errorf("camera tool %s: %w", bin, err)
		}
	}
	c.mu.Lock()
	c.settings = s
	c.mu.Unlock()
	monitoring.Logf("Camera configured: %dx%d fps=%d iso=%d hflip=%t vflip=%t",
		s.Width, s.Height, s.Framerate, s.ISO, s.HFlip, s.VFlip)
	return c.SetIndicator(false)
}

// commonArgs renders the geometry and orientation flags shared by both tools.
func commonArgs(s Settings) []string {
	args := []string{
		"--nopreview",
		"--width", strconv.Itoa(s.Width),
		"--height", strconv.Itoa(s.Height),
	}
	if s.ISO > 0 {
		// rpicam expresses sensitivity as analogue gain, ISO 100 = gain 1
		args = append(args, "--gain", strconv.FormatFloat(float64(s.ISO)/100, 'f', 2, 64))
	}
	if s.HFlip {
		args = append(args, "--hflip")
	}
	if s.VFlip {
		args = append(args, "--vflip")
	}
	return args
}

// videoArgs renders the rpicam-vid invocation for path. The hardware h264
// encoder is steered by bitrate only, so quality is not forwarded.
func videoArgs(s Settings, path string) []string {
	args := append(commonArgs(s), "--timeout", "0", "--codec", "h264", "--inline")
	if s.Framerate > 0 {
		args = append(args, "--framerate", strconv.Itoa(s.Framerate))
	}
	if s.Bitrate > 0 {
		args = append(args, "--bitrate", strconv.Itoa(s.Bitrate))
	}
	return append(args, "--output", path)
}

// stillArgs renders the rpicam-still invocation that writes PNG to stdout.
func stillArgs(s Settings) []string {
	return append(commonArgs(s), "--timeout", "1", "--immediate", "--encoding", "png", "--output", "-")
}

// StartRecording spawns rpicam-vid writing to path.
func (c *RPiCamera) StartRecording(path string, quality int) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cmd != nil {
		return ErrAlreadyRecording
	}

	cmd := exec.Command(c.VideoBinary, videoArgs(c.settings, path)...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start %s: %w", c.VideoBinary, err)
	}

	waitCh := make(chan error, 1)
	go func() {
		err := cmd.Wait()
		if err != nil && stderr.Len() > 0 {
			monitoring.Debugf("%s stderr: %s", c.VideoBinary, stderr.String())
		}
		waitCh <- err
	}()

	c.cmd = cmd
	c.waitCh = waitCh
	c.path = path
	monitoring.Debugf("Camera recording to %s (pid %d, quality %d)", path, cmd.Process.Pid, quality)
	return nil
}

// StopRecording asks rpicam-vid to finish the file and waits for it to exit.
func (c *RPiCamera) StopRecording() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cmd == nil {
		return ErrNotRecording
	}
	cmd, waitCh, path := c.cmd, c.waitCh, c.path
	c.cmd, c.waitCh, c.path = nil, nil, ""

	if err := cmd.Process.Signal(syscall.SIGINT); err != nil {
		// already gone; collect the exit status below
		monitoring.Debugf("signal %s: %v", c.VideoBinary, err)
	}

	select {
	case err := <-waitCh:
		if err != nil && !isSignalExit(err) {
			return fmt.Errorf("%s exited while writing %s: %w", c.VideoBinary, path, err)
		}
		return nil
	case <-time.After(StopTimeout):
		cmd.Process.Kill()
		<-waitCh
		return fmt.Errorf("%s did not stop within %s; killed", c.VideoBinary, StopTimeout)
	}
}

func isSignalExit(err error) bool {
	exitErr, ok := err.(*exec.ExitError)
	if !ok {
		return false
	}
	ws, ok := exitErr.Sys().(syscall.WaitStatus)
	return ok && ws.Signaled() && ws.Signal() == syscall.SIGINT
}

// Recording reports whether rpicam-vid is running.
func (c *RPiCamera) Recording() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cmd != nil
}

// CaptureStill runs rpicam-still and decodes its PNG output.
func (c *RPiCamera) CaptureStill(ctx context.Context) (image.Image, error) {
	c.mu.Lock()
	if c.cmd != nil {
		c.mu.Unlock()
		return nil, fmt.Errorf("%w: video recording in progress", ErrDeviceBusy)
	}
	args := stillArgs(c.settings)
	c.mu.Unlock()

	cmd := exec.CommandContext(ctx, c.StillBinary, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("%s: %w (%s)", c.StillBinary, err, bytes.TrimSpace(stderr.Bytes()))
	}

	img, err := png.Decode(&stdout)
	if err != nil {
		return nil, fmt.Errorf("decode still: %w", err)
	}
	return img, nil
}

// SetIndicator writes the LED brightness file.
func (c *RPiCamera) SetIndicator(on bool) error {
	if c.LEDPath == "" || c.FS == nil {
		return nil
	}
	v := []byte("0\n")
	if on {
		v = []byte("1\n")
	}
	if err := c.FS.WriteFile(c.LEDPath, v, 0o644); err != nil {
		return fmt.Errorf("set indicator: %w", err)
	}
	return nil
}

// Close stops any recording in progress and turns the indicator off.
func (c *RPiCamera) Close() error {
	var err error
	if c.Recording() {
		err = c.StopRecording()
	}
	if ierr := c.SetIndicator(false); err == nil {
		err = ierr
	}
	return err
}

var _ Device = (*RPiCamera)(nil)
