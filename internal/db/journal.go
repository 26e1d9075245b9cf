package db

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/oomwoo/raspberry-pi/internal/autonomy"
	"github.com/oomwoo/raspberry-pi/internal/recording"
)

// ErrUnknownRun is returned when a run id is not in the journal.
var ErrUnknownRun = errors.New("unknown link run")

func unixSeconds(t time.Time) float64 {
	return float64(t.UnixNano()) / 1e9
}

func fromUnix(v float64) time.Time {
	sec := int64(v)
	return time.Unix(sec, int64((v-float64(sec))*1e9)).UTC()
}

// RunJournal records one link run. It satisfies both recording.Journal and
// autonomy.Journal.
type RunJournal struct {
	db    *DB
	runID string
}

// BeginRun inserts a new link run and returns its journal.
func (db *DB) BeginRun(tty, version string, at time.Time) (*RunJournal, error) {
	id := uuid.NewString()
	_, err := db.Exec(
		`INSERT INTO link_runs (run_id, started_unix, tty, version) VALUES (?, ?, ?, ?)`,
		id, unixSeconds(at), tty, version,
	)
	if err != nil {
		return nil, fmt.Errorf("begin run: %w", err)
	}
	return &RunJournal{db: db, runID: id}, nil
}

// RunID returns the identifier of the run.
func (j *RunJournal) RunID() string { return j.runID }

func (j *RunJournal) SessionStarted(s recording.Session) error {
	_, err := j.db.Exec(
		`INSERT INTO recording_sessions (run_id, session_index, video_path, log_path, started_unix)
		VALUES (?, ?, ?, ?, ?)`,
		j.runID, s.Index, s.VideoPath, s.LogPath, unixSeconds(s.StartedAt),
	)
	return err
}

// SessionEnded closes the most recent open row for the session's index.
func (j *RunJournal) SessionEnded(s recording.Session, reason string, at time.Time) error {
	_, err := j.db.Exec(
		`UPDATE recording_sessions SET ended_unix = ?, end_reason = ?
		WHERE session_id = (
			SELECT MAX(session_id) FROM recording_sessions
			WHERE run_id = ? AND session_index = ? AND ended_unix IS NULL
		)`,
		unixSeconds(at), reason, j.runID, s.Index,
	)
	return err
}

func (j *RunJournal) ModeChanged(from, to autonomy.Mode, at time.Time) error {
	_, err := j.db.Exec(
		`INSERT INTO mode_transitions (run_id, from_mode, to_mode, at_unix) VALUES (?, ?, ?, ?)`,
		j.runID, from.String(), to.String(), unixSeconds(at),
	)
	return err
}

// Finish stamps the run's end and outcome. upload flags the run's stopped
// sessions for transfer.
func (j *RunJournal) Finish(outcome string, upload bool, at time.Time) error {
	res, err := j.db.Exec(
		`UPDATE link_runs SET ended_unix = ?, outcome = ?, upload_requested = ? WHERE run_id = ?`,
		unixSeconds(at), outcome, upload, j.runID,
	)
	if err != nil {
		return fmt.Errorf("finish run: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s", ErrUnknownRun, j.runID)
	}
	return nil
}

var (
	_ recording.Journal = (*RunJournal)(nil)
	_ autonomy.Journal  = (*RunJournal)(nil)
)

// SessionRecord is a journaled recording session.
type SessionRecord struct {
	RunID     string     `json:"run_id"`
	Index     int        `json:"index"`
	VideoPath string     `json:"video_path"`
	LogPath   string     `json:"log_path"`
	StartedAt time.Time  `json:"started_at"`
	EndedAt   *time.Time `json:"ended_at,omitempty"`
	EndReason string     `json:"end_reason,omitempty"`
}

const sessionColumns = `s.run_id, s.session_index, s.video_path, s.log_path,
	s.started_unix, s.ended_unix, s.end_reason`

func scanSessions(rows *sql.Rows) ([]SessionRecord, error) {
	defer rows.Close()
	var out []SessionRecord
	for rows.Next() {
		var (
			rec     SessionRecord
			started float64
			ended   sql.NullFloat64
			reason  sql.NullString
		)
		if err := rows.Scan(&rec.RunID, &rec.Index, &rec.VideoPath, &rec.LogPath,
			&started, &ended, &reason); err != nil {
			return nil, err
		}
		rec.StartedAt = fromUnix(started)
		if ended.Valid {
			t := fromUnix(ended.Float64)
			rec.EndedAt = &t
		}
		rec.EndReason = reason.String
		out = append(out, rec)
	}
	return out, rows.Err()
}

// RecentSessions returns the newest sessions first.
func (db *DB) RecentSessions(limit int) ([]SessionRecord, error) {
	rows, err := db.Query(
		`SELECT `+sessionColumns+` FROM recording_sessions s
		ORDER BY s.session_id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	return scanSessions(rows)
}

// PendingUploads lists kept sessions of runs that ended with an upload
// request not yet marked done. Discarded sessions are excluded.
func (db *DB) PendingUploads() ([]SessionRecord, error) {
	rows, err := db.Query(
		`SELECT `+sessionColumns+` FROM recording_sessions s
		JOIN link_runs r ON r.run_id = s.run_id
		WHERE r.upload_requested = 1 AND r.uploaded_unix IS NULL
			AND s.end_reason = ?
		ORDER BY s.session_id`, recording.EndStopped)
	if err != nil {
		return nil, err
	}
	return scanSessions(rows)
}

// MarkUploaded records that the run's sessions have been transferred.
func (db *DB) MarkUploaded(runID string, at time.Time) error {
	res, err := db.Exec(`UPDATE link_runs SET uploaded_unix = ? WHERE run_id = ?`, unixSeconds(at), runID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s", ErrUnknownRun, runID)
	}
	return nil
}

// Transition is a journaled mode change.
type Transition struct {
	RunID string    `json:"run_id"`
	From  string    `json:"from"`
	To    string    `json:"to"`
	At    time.Time `json:"at"`
}

// Transitions returns the mode changes of a run in order.
func (db *DB) Transitions(runID string) ([]Transition, error) {
	rows, err := db.Query(
		`SELECT run_id, from_mode, to_mode, at_unix FROM mode_transitions
		WHERE run_id = ? ORDER BY transition_id`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Transition
	for rows.Next() {
		var tr Transition
		var at float64
		if err := rows.Scan(&tr.RunID, &tr.From, &tr.To, &at); err != nil {
			return nil, err
		}
		tr.At = fromUnix(at)
		out = append(out, tr)
	}
	return out, rows.Err()
}
