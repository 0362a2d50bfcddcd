package orchestrator

import (
	"errors"
	"time"

	"github.com/maastricht-university/workout-coach/motion"
	"github.com/maastricht-university/workout-coach/session"
)

// ErrSessionAborted is what Await returns when a session is toggled off
// before it reaches Ended.
var ErrSessionAborted = errors.New("session aborted")

// ErrRunning is returned by Run when the pipeline is already running.
var ErrRunning = errors.New("pipeline already running")

// LiveResult is one gated window, published as soon as it is known.
type LiveResult struct {
	SessionID  string        `json:"session_id"`
	Generation uint64        `json:"generation"`
	Phase      session.Phase `json:"phase"`
	Result     motion.Result `json:"result"`
	Text       string        `json:"text"`
	At         time.Time     `json:"at"`
}

type Progress struct {
	SessionID string        `json:"session_id"`
	Elapsed   int           `json:"elapsed"`
	Countdown int           `json:"countdown"`
	Remaining int           `json:"remaining"`
	Phase     session.Phase `json:"phase"`
	// Evidence is the live frame weight per label so far.
	Evidence map[string]int `json:"evidence,omitempty"`
}

// Summary is the end-of-session report. NoEvidence separates "nothing was
// classified" from a session with results.
type Summary struct {
	SessionID       string                      `json:"session_id"`
	Workout         string                      `json:"workout"`
	Results         []session.DisplayableResult `json:"results"`
	NoEvidence      bool                        `json:"no_evidence"`
	ExerciseSeconds int                         `json:"exercise_seconds"`
	DroppedWindows  uint64                      `json:"dropped_windows"`
	EndedAt         time.Time                   `json:"ended_at"`
}

// Sink receives everything the pipeline produces. Calls come from the
// pipeline's own goroutines and must not block for long.
type Sink interface {
	Prediction(r LiveResult)
	Cue(sessionID string, c session.Cue)
	Progress(p Progress)
	Phase(sessionID string, t session.Transition)
	Summary(s Summary)
	SessionError(sessionID string, err error)
}

// timelineRow is one verdict in the session timeline export.
type timelineRow struct {
	AtUnixMS   int64   `parquet:"name=at_unix_ms, type=INT64"`
	Generation int64   `parquet:"name=generation, type=INT64"`
	Elapsed    int32   `parquet:"name=elapsed_s, type=INT32"`
	Phase      string  `parquet:"name=phase, type=BYTE_ARRAY, convertedtype=UTF8, encoding=PLAIN_DICTIONARY"`
	Kind       string  `parquet:"name=kind, type=BYTE_ARRAY, convertedtype=UTF8, encoding=PLAIN_DICTIONARY"`
	Label      string  `parquet:"name=label, type=BYTE_ARRAY, convertedtype=UTF8, encoding=PLAIN_DICTIONARY"`
	Confidence float64 `parquet:"name=confidence, type=DOUBLE"`
	Weight     int32   `parquet:"name=frame_weight, type=INT32"`
	Counted    bool    `parquet:"name=counted, type=BOOLEAN"`
}
