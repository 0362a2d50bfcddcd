package emitter

import (
	"github.com/maastricht-university/workout-coach/orchestrator"
	"github.com/maastricht-university/workout-coach/session"
)

// Multi fans every event out to each sink in order.
type Multi []orchestrator.Sink

func (m Multi) Prediction(r orchestrator.LiveResult) {
	for _, s := range m {
		s.Prediction(r)
	}
}

func (m Multi) Cue(sessionID string, c session.Cue) {
	for _, s := range m {
		s.Cue(sessionID, c)
	}
}

func (m Multi) Progress(p orchestrator.Progress) {
	for _, s := range m {
		s.Progress(p)
	}
}

func (m Multi) Phase(sessionID string, t session.Transition) {
	for _, s := range m {
		s.Phase(sessionID, t)
	}
}

func (m Multi) Summary(sum orchestrator.Summary) {
	for _, s := range m {
		s.Summary(sum)
	}
}

func (m Multi) SessionError(sessionID string, err error) {
	for _, s := range m {
		s.SessionError(sessionID, err)
	}
}
