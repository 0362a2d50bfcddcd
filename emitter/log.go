package emitter

import (
	"github.com/sirupsen/logrus"

	"github.com/maastricht-university/workout-coach/motion"
	"github.com/maastricht-university/workout-coach/orchestrator"
	"github.com/maastricht-university/workout-coach/session"
)

// Log writes pipeline events as structured log lines. Per-tick progress
// goes out at debug level.
type Log struct {
	log logrus.FieldLogger
}

func NewLog(log logrus.FieldLogger) *Log {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Log{log: log}
}

func (l *Log) Prediction(r orchestrator.LiveResult) {
	e := l.log.WithFields(logrus.Fields{
		"session_id": r.SessionID,
		"phase":      r.Phase,
		"kind":       r.Result.Kind,
	})
	if r.Result.Kind == motion.Classified {
		e = e.WithFields(logrus.Fields{"label": r.Result.Label, "confidence": r.Result.ConfidenceText()})
	}
	e.Debug("prediction")
}

func (l *Log) Cue(sessionID string, c session.Cue) {
	if !c.Changed {
		return
	}
	l.log.WithFields(logrus.Fields{
		"session_id": sessionID,
		"elapsed":    c.Elapsed,
		"exercise":   c.Exercise,
	}).Info(c.Text)
}

func (l *Log) Progress(p orchestrator.Progress) {
	l.log.WithFields(logrus.Fields{
		"session_id": p.SessionID,
		"elapsed":    p.Elapsed,
		"countdown":  p.Countdown,
		"remaining":  p.Remaining,
		"evidence":   p.Evidence,
	}).Debug("tick")
}

func (l *Log) Phase(sessionID string, t session.Transition) {
	l.log.WithFields(logrus.Fields{
		"session_id": sessionID,
		"from":       t.From,
		"to":         t.To,
	}).Info("phase")
}

func (l *Log) Summary(s orchestrator.Summary) {
	e := l.log.WithFields(logrus.Fields{"session_id": s.SessionID, "workout": s.Workout})
	if s.NoEvidence {
		e.Info("session ended without any classified exercise")
		return
	}
	for _, r := range s.Results {
		e.WithFields(logrus.Fields{
			"label":      r.Label,
			"duration":   r.DurationText(),
			"percentage": r.PercentageText(),
		}).Info("result")
	}
}

func (l *Log) SessionError(sessionID string, err error) {
	l.log.WithField("session_id", sessionID).WithError(err).Error("session error")
}
