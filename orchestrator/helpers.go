package orchestrator

import (
	"time"

	"github.com/maastricht-university/workout-coach/session"
)

// summarize builds the summary of the current session from the aggregator.
// Durations are spread over the exercise part of the schedule only.
func (p *Pipeline) summarize(at time.Time) Summary {
	secs := p.workout.Schedule.ExerciseDuration()
	results := p.agg.Finalize(float64(secs))
	return Summary{
		SessionID:       p.cur.sessionID,
		Workout:         p.workout.ID,
		Results:         results,
		NoEvidence:      p.agg.Empty(),
		ExerciseSeconds: secs,
		DroppedWindows:  p.dropped.Load() - p.cur.droppedBase,
		EndedAt:         at,
	}
}

func newTimelineRow(m evidenceMsg, phase session.Phase, elapsed int, counted bool) timelineRow {
	r := m.verdict.Result
	return timelineRow{
		AtUnixMS:   m.at.UnixMilli(),
		Generation: int64(m.gen),
		Elapsed:    int32(elapsed),
		Phase:      phase.String(),
		Kind:       r.Kind.String(),
		Label:      r.Label,
		Confidence: r.Confidence,
		Weight:     int32(m.verdict.FrameWeight),
		Counted:    counted,
	}
}
