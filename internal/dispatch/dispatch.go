// Package dispatch runs the top-level link loop: it reads records from the
// motion controller, decodes them and routes link commands to the recording
// manager and the mode controller.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/oomwoo/raspberry-pi/internal/autonomy"
	"github.com/oomwoo/raspberry-pi/internal/link"
	"github.com/oomwoo/raspberry-pi/internal/monitoring"
	"github.com/oomwoo/raspberry-pi/internal/recording"
	"github.com/oomwoo/raspberry-pi/internal/serialmux"
)

// Outcome tells the caller why Run returned.
type Outcome int

const (
	// Continue is returned by Handle for records that do not end the run.
	Continue Outcome = iota
	// Canceled means the context ended the loop.
	Canceled
	// Terminate is a graceful LFF.
	Terminate
	// TerminateUpload is a graceful LFE; the run is flagged for upload.
	TerminateUpload
	// LinkLost means the transport failed.
	LinkLost
)

func (o Outcome) String() string {
	switch o {
	case Terminate:
		return "terminate"
	case TerminateUpload:
		return "terminate_upload"
	case LinkLost:
		return "link_lost"
	case Canceled:
		return "canceled"
	default:
		return "continue"
	}
}

// Upload reports whether the run ended with an upload request.
func (o Outcome) Upload() bool { return o == TerminateUpload }

// FrameReader is the inbound side of the transport.
type FrameReader interface {
	ReadFrame(context.Context) (serialmux.Frame, error)
}

// Recorder is the recording manager as seen by the dispatcher.
type Recorder interface {
	Start() (bool, error)
	Stop() error
	Discard() (bool, error)
	Log(raw []byte, at time.Time) error
}

// ModeSwitch is the mode controller as seen by the dispatcher.
type ModeSwitch interface {
	Mode() autonomy.Mode
	EnterManual() error
	EnterAutonomous() error
}

// logPolicy places the session log write relative to the action.
type logPolicy int

const (
	// logBefore writes the record before the action runs.
	logBefore logPolicy = iota
	// logOnSuccess writes the record after the action, only when it opened
	// a session, so the command becomes the first line of the new log.
	logOnSuccess
)

// handler runs one command. applied reports that the action took effect; it
// may be true alongside a non-nil error for partially failed actions.
type handler func(d *Dispatcher) (applied bool, stop Outcome, err error)

type entry struct {
	log logPolicy
	// always lets the command through while autonomous.
	always bool
	run    handler
}

var commands = map[link.Opcode]entry{
	link.OpManual: {log: logBefore, always: true, run: func(d *Dispatcher) (bool, Outcome, error) {
		return true, Continue, d.mode.EnterManual()
	}},
	link.OpAutonomous: {log: logBefore, run: func(d *Dispatcher) (bool, Outcome, error) {
		return true, Continue, d.mode.EnterAutonomous()
	}},
	link.OpStartRecording: {log: logOnSuccess, run: func(d *Dispatcher) (bool, Outcome, error) {
		started, err := d.rec.Start()
		if err == nil && !started {
			monitoring.Debugf("Recording already in progress")
		}
		return started, Continue, err
	}},
	link.OpStopRecording: {log: logBefore, run: func(d *Dispatcher) (bool, Outcome, error) {
		return true, Continue, d.rec.Stop()
	}},
	link.OpDiscard: {log: logOnSuccess, run: func(d *Dispatcher) (bool, Outcome, error) {
		monitoring.Debugf("Discarding current recording")
		started, err := d.rec.Discard()
		if errors.Is(err, recording.ErrNoSession) {
			monitoring.Debugf("Nothing to discard")
			return false, Continue, nil
		}
		return started, Continue, err
	}},
	link.OpTerminateUpload: {log: logBefore, always: true, run: func(d *Dispatcher) (bool, Outcome, error) {
		monitoring.Debugf("Terminating link and uploading data")
		return true, TerminateUpload, nil
	}},
	link.OpTerminate: {log: logBefore, always: true, run: func(d *Dispatcher) (bool, Outcome, error) {
		monitoring.Debugf("Terminating link")
		return true, Terminate, nil
	}},
}

// Supported reports whether op has a handler.
func Supported(op link.Opcode) bool {
	_, ok := commands[op]
	return ok
}

// Dispatcher owns the receive loop. It is the only writer of the session log.
type Dispatcher struct {
	in   FrameReader
	rec  Recorder
	mode ModeSwitch
}

// New returns a dispatcher reading from in.
func New(in FrameReader, rec Recorder, mode ModeSwitch) *Dispatcher {
	return &Dispatcher{in: in, rec: rec, mode: mode}
}

// Run reads and dispatches records until a terminate command, ctx
// cancellation or a transport failure. Read timeouts and per-command failures
// never end the loop.
func (d *Dispatcher) Run(ctx context.Context) (Outcome, error) {
	for {
		frame, err := d.in.ReadFrame(ctx)
		switch {
		case err == nil:
		case errors.Is(err, serialmux.ErrTimeout):
			monitoring.Debugf("Timeout receiving command")
			continue
		case ctx.Err() != nil:
			return Canceled, nil
		default:
			return LinkLost, fmt.Errorf("read link: %w", err)
		}

		if out := d.Handle(link.Decode(frame.Data, frame.ReceivedAt)); out != Continue {
			return out, nil
		}
	}
}

// Handle routes one decoded record. It returns Terminate or TerminateUpload
// when the record ends the run.
func (d *Dispatcher) Handle(rec link.Record) Outcome {
	monitoring.IncFrame(rec.Kind.String())

	switch rec.Kind {
	case link.KindPlain:
		d.log(rec)
		return Continue
	case link.KindMalformed:
		d.log(rec)
		monitoring.Logf("Unsupported link command %q: %v", rec.Raw, rec.Err)
		monitoring.IncCommand("malformed", "unsupported")
		return Continue
	}

	op := rec.Opcode
	cmd, ok := commands[op]
	if !ok {
		d.log(rec)
		monitoring.Logf("Unsupported link command %s", op.Hex())
		monitoring.IncCommand(op.Hex(), "unsupported")
		return Continue
	}
	if !cmd.always && d.mode.Mode() == autonomy.Autonomous {
		monitoring.Debugf("Ignoring %s while autonomous", op)
		monitoring.IncCommand(op.Hex(), "ignored")
		return Continue
	}

	if cmd.log == logBefore {
		d.log(rec)
	}
	applied, stop, err := cmd.run(d)
	if applied && cmd.log == logOnSuccess {
		d.log(rec)
	}

	outcome := "ok"
	switch {
	case err != nil:
		outcome = "error"
		monitoring.Logf("link command %s: %v", op, err)
	case !applied:
		outcome = "noop"
	}
	monitoring.IncCommand(op.Hex(), outcome)
	return stop
}

func (d *Dispatcher) log(rec link.Record) {
	if err := d.rec.Log(rec.Raw, rec.At); err != nil {
		monitoring.Logf("write session log: %v", err)
	}
}
