// Serialmux provides an abstraction over the UART link to the motion
// controller: newline-framed reads with an idle timeout, serialised command
// writes, and a tap that lets debug clients follow the traffic in both
// directions.
package serialmux

import (
	"bytes"
	"context"
	crand "crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"tailscale.com/tsweb"

	"github.com/oomwoo/raspberry-pi/internal/monitoring"
	"github.com/oomwoo/raspberry-pi/internal/timeutil"
)

var (
	ErrWriteFailed = errors.New("failed to write to serial port")

	// ErrTimeout is returned by ReadFrame when the port's read timeout elapsed
	// without a complete record. It is the normal idle condition of the link.
	ErrTimeout = errors.New("serial read timeout")

	// ErrClosed is returned by ReadFrame after Close.
	ErrClosed = errors.New("serial mux closed")
)

// MaxFrameLen bounds a single record. Longer runs without a newline are
// delivered as a frame of this size.
const MaxFrameLen = 1024

// Frame is one newline-terminated record received from the port, without its
// line terminator.
type Frame struct {
	Data       []byte
	ReceivedAt time.Time
}

// SerialMux is a generic serial port multiplexer. One reader pulls frames
// while any number of writers send commands, and subscribers observe both
// directions.
type SerialMux[T SerialPorter] struct {
	port         T
	clock        timeutil.Clock
	readMu       sync.Mutex
	pending      []byte
	chunk        []byte
	subscribers  map[string]chan string
	subscriberMu sync.Mutex
	commandMu    sync.Mutex
	closing      bool
	closingMu    sync.Mutex
}

// SerialMuxInterface defines the interface for the SerialMux type.
type SerialMuxInterface interface {
	// ReadFrame blocks for at most one port read timeout waiting for a
	// complete record.
	ReadFrame(context.Context) (Frame, error)
	// Subscribe creates a new channel for receiving line events in both
	// directions. The channel ID is used when unsubscribing.
	Subscribe() (string, chan string)
	// Unsubscribe removes a channel from the list of subscribers.
	Unsubscribe(string)
	// SendCommand writes the provided command to the serial port.
	SendCommand(string) error
	// Close closes all subscribed channels and closes the serial port.
	Close() error

	// AttachAdminRoutes attaches admin debugging endpoints to the given HTTP
	// mux served at /debug/.
	AttachAdminRoutes(*http.ServeMux)
}

// NewSerialMux creates a SerialMux instance backed by the given port.
func NewSerialMux[T SerialPorter](port T) *SerialMux[T] {
	return &SerialMux[T]{
		port:        port,
		clock:       timeutil.RealClock{},
		chunk:       make([]byte, 256),
		subscribers: make(map[string]chan string),
	}
}

// SetClock replaces the clock used to stamp received frames.
func (s *SerialMux[T]) SetClock(c timeutil.Clock) {
	s.readMu.Lock()
	defer s.readMu.Unlock()
	s.clock = c
}

// randomID generates a random channel ID (8 byte random hex encoded value)
func randomID() string {
	b := make([]byte, 8)
	crand.Read(b)
	return hex.EncodeToString(b)
}

func (s *SerialMux[T]) Subscribe() (string, chan string) {
	id := randomID()
	ch := make(chan string, 16)
	s.subscriberMu.Lock()
	defer s.subscriberMu.Unlock()
	s.subscribers[id] = ch
	return id, ch
}

// Unsubscribe removes a subscriber from the serial mux.
func (s *SerialMux[T]) Unsubscribe(id string) {
	s.subscriberMu.Lock()
	defer s.subscriberMu.Unlock()
	if ch, ok := s.subscribers[id]; ok {
		close(ch)
		delete(s.subscribers, id)
	}
}

func (s *SerialMux[T]) publish(direction string, line []byte) {
	s.subscriberMu.Lock()
	defer s.subscriberMu.Unlock()
	if len(s.subscribers) == 0 {
		return
	}
	event := direction + " " + string(line)
	for _, ch := range s.subscribers {
		select {
		case ch <- event:
		default:
			// slow subscribers miss lines rather than stall the link
		}
	}
}

func (s *SerialMux[T]) isClosing() bool {
	s.closingMu.Lock()
	defer s.closingMu.Unlock()
	return s.closing
}

// ReadFrame returns the next newline-terminated record. A port read that
// yields no bytes returns ErrTimeout; bytes of an unfinished record stay
// buffered for the next call. At end of stream any unterminated remainder is
// delivered as a final frame before io.EOF is returned.
func (s *SerialMux[T]) ReadFrame(ctx context.Context) (Frame, error) {
	s.readMu.Lock()
	defer s.readMu.Unlock()

	for {
		if f, ok := s.takeFrame(); ok {
			return f, nil
		}
		if err := ctx.Err(); err != nil {
			return Frame{}, err
		}
		if s.isClosing() {
			return Frame{}, ErrClosed
		}

		n, err := s.port.Read(s.chunk)
		if n > 0 {
			s.pending = append(s.pending, s.chunk[:n]...)
			if len(s.pending) >= MaxFrameLen && bytes.IndexByte(s.pending, '\n') < 0 {
				return s.flush(MaxFrameLen), nil
			}
		}
		switch {
		case errors.Is(err, io.EOF):
			if f, ok := s.takeFrame(); ok {
				return f, nil
			}
			if len(s.pending) > 0 {
				return s.flush(len(s.pending)), nil
			}
			return Frame{}, io.EOF
		case err != nil:
			if s.isClosing() {
				return Frame{}, ErrClosed
			}
			return Frame{}, fmt.Errorf("serial read: %w", err)
		case n == 0:
			monitoring.IncReadTimeout()
			return Frame{}, ErrTimeout
		}
	}
}

// takeFrame pops the first complete line out of the pending buffer.
func (s *SerialMux[T]) takeFrame() (Frame, bool) {
	i := bytes.IndexByte(s.pending, '\n')
	if i < 0 {
		return Frame{}, false
	}
	line := bytes.TrimSuffix(s.pending[:i], []byte("\r"))
	data := append([]byte(nil), line...)
	s.pending = append(s.pending[:0], s.pending[i+1:]...)
	s.publish("rx", data)
	return Frame{Data: data, ReceivedAt: s.clock.Now()}, true
}

func (s *SerialMux[T]) flush(n int) Frame {
	data := append([]byte(nil), s.pending[:n]...)
	s.pending = append(s.pending[:0], s.pending[n:]...)
	s.publish("rx", data)
	return Frame{Data: data, ReceivedAt: s.clock.Now()}
}

// SendCommand sends a command to the serial port.
func (s *SerialMux[T]) SendCommand(command string) error {
	s.commandMu.Lock()
	defer s.commandMu.Unlock()
	if !strings.HasSuffix(command, "\n") {
		command += "\n" // ensure command ends with a newline
	}
	n, err := s.port.Write([]byte(command))
	if err != nil {
		return fmt.Errorf("%w: %w", ErrWriteFailed, err)
	}
	if n != len(command) {
		return ErrWriteFailed
	}
	s.publish("tx", []byte(strings.TrimSuffix(command, "\n")))
	return nil
}

func (s *SerialMux[T]) Close() error {
	s.closingMu.Lock()
	if s.closing {
		s.closingMu.Unlock()
		return nil
	}
	s.closing = true
	s.closingMu.Unlock()

	s.subscriberMu.Lock()
	for id, ch := range s.subscribers {
		close(ch)
		delete(s.subscribers, id)
	}
	s.subscriberMu.Unlock()
	return s.port.Close()
}

func (s *SerialMux[T]) AttachAdminRoutes(mux *http.ServeMux) {
	debug := tsweb.Debugger(mux)

	// API endpoint to write a raw line to the motion controller
	debug.HandleSilentFunc("send-command-api", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}
		command := strings.TrimSpace(r.FormValue("command"))
		if command == "" {
			http.Error(w, "Missing command", http.StatusBadRequest)
			return
		}
		if err := s.SendCommand(command); err != nil {
			http.Error(w, "Failed to write command", http.StatusInternalServerError)
			return
		}
		io.WriteString(w, fmt.Sprintf("Wrote command %q to serial port", command))
	})

	// API endpoint to issue Server-Side Events (SSE) for every line crossing the link.
	debug.HandleSilentFunc("tail", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}
		flusher, ok := w.(http.Flusher)
		if !ok {
			http.Error(w, "Streaming unsupported", http.StatusInternalServerError)
			return
		}

		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")
		w.Header().Set("X-Accel-Buffering", "no") // Disable buffering for nginx

		id, c := s.Subscribe()
		defer s.Unsubscribe(id)

		// Send initial ping to establish connection
		w.Write([]byte(": ping\n\n"))
		flusher.Flush()

		for {
			select {
			case payload, ok := <-c:
				if !ok {
					return
				}
				if _, err := fmt.Fprintf(w, "data: %s\n\n", payload); err != nil {
					return
				}
				flusher.Flush()
			case <-r.Context().Done():
				return
			}
		}
	})
}
