package autonomy

import (
	"sync"
	"time"

	"github.com/oomwoo/raspberry-pi/internal/link"
)

// Decision is one drive command emitted by the inference loop.
type Decision struct {
	Label   link.Label    `json:"label"`
	At      time.Time     `json:"at"`
	Latency time.Duration `json:"latency"`
}

// StatsSnapshot is a point-in-time copy of Stats.
type StatsSnapshot struct {
	Counts   map[string]int `json:"counts"`
	Failures int            `json:"failures"`
	Last     *Decision      `json:"last,omitempty"`
	// MeanLatency is averaged over successful decisions.
	MeanLatency time.Duration `json:"mean_latency"`
}

// Stats accumulates decisions across autonomous stints.
type Stats struct {
	mu       sync.Mutex
	counts   [4]int
	failures int
	total    time.Duration
	last     *Decision
}

func (s *Stats) record(d Decision) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if d.Label.Valid() {
		s.counts[d.Label]++
	}
	s.total += d.Latency
	s.last = &d
}

func (s *Stats) fail() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures++
}

// Snapshot returns the current counters keyed by label name.
func (s *Stats) Snapshot() StatsSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap := StatsSnapshot{Counts: make(map[string]int, len(link.Labels)), Failures: s.failures}
	n := 0
	for _, l := range link.Labels {
		snap.Counts[l.String()] = s.counts[l]
		n += s.counts[l]
	}
	if n > 0 {
		snap.MeanLatency = s.total / time.Duration(n)
	}
	if s.last != nil {
		last := *s.last
		snap.Last = &last
	}
	return snap
}
