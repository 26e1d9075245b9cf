package recording

import (
	"fmt"
	"io"
	"time"
)

// LogSink appends timestamped link records to a session's log file.
type LogSink struct {
	w    io.WriteCloser
	path string
}

// Path returns the file the sink writes to.
func (s *LogSink) Path() string { return s.path }

// Append writes one `<unix seconds>.<micros> <record>` line.
func (s *LogSink) Append(raw []byte, at time.Time) error {
	_, err := fmt.Fprintf(s.w, "%s %s\n", FormatTimestamp(at), raw)
	return err
}

// Close closes the underlying file.
func (s *LogSink) Close() error { return s.w.Close() }

// FormatTimestamp renders t as fractional Unix seconds with microsecond
// precision. Times before the epoch are not supported.
func FormatTimestamp(t time.Time) string {
	us := t.UnixMicro()
	return fmt.Sprintf("%d.%06d", us/1e6, us%1e6)
}
