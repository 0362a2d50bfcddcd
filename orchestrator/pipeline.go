package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	cfg "github.com/maastricht-university/workout-coach/config"
	"github.com/maastricht-university/workout-coach/motion"
	"github.com/maastricht-university/workout-coach/session"
)

// Source yields pose features; io.EOF ends the stream.
type Source interface {
	Next(ctx context.Context) (motion.PoseFeature, error)
}

type Option func(*Pipeline)

// WithClock replaces the wall-clock ticker, mostly for tests.
func WithClock(c session.Clock) Option { return func(p *Pipeline) { p.clock = c } }

func WithLogger(l logrus.FieldLogger) Option { return func(p *Pipeline) { p.log = l } }

// job is a complete window together with the session generation and phase
// its frames were collected in.
type job struct {
	gen    uint64
	phase  session.Phase
	window motion.Window
}

type msgKind int

const (
	msgVerdict msgKind = iota
	msgReset
	msgPhase
	msgFinalize
)

// evidenceMsg is the only input of the evidence loop. Verdicts and control
// messages share one channel so a reset can never overtake a verdict.
type evidenceMsg struct {
	kind      msgKind
	gen       uint64
	sessionID string
	phase     session.Phase
	verdict   motion.Verdict
	at        time.Time
}

type fatalErr struct {
	gen uint64
	err error
}

type toggleReq struct {
	reply chan session.Transition
}

type outcome struct {
	summary Summary
	err     error
}

// evidenceState is the evidence loop's view of the current session.
type evidenceState struct {
	gen         uint64
	sessionID   string
	phase       session.Phase
	droppedBase uint64
	finalized   bool
}

type Pipeline struct {
	cfg     *cfg.Root
	workout session.Workout
	sink    Sink
	log     logrus.FieldLogger
	clock   session.Clock

	collector *motion.Collector
	gate      *motion.Gate
	machine   *session.Machine
	agg       *session.Aggregator

	// ingest
	feedMu      sync.Mutex
	window      motion.Window
	windowGen   uint64
	windowPhase session.Phase
	dropped     atomic.Uint64

	backlog  chan job
	evidence chan evidenceMsg
	toggles  chan toggleReq
	fatal    chan fatalErr

	// owned by the clock loop
	sessionID string

	// owned by the evidence loop
	cur      evidenceState
	timeline []timelineRow

	outMu    sync.Mutex
	awaitGen uint64
	outcomes chan outcome

	running atomic.Bool
}

func New(c *cfg.Root, w session.Workout, clf motion.Classifier, sink Sink, opts ...Option) (*Pipeline, error) {
	if err := w.Validate(); err != nil {
		return nil, err
	}
	col, err := motion.NewCollector(c.Stream.WindowSize, c.Stream.Stride)
	if err != nil {
		return nil, err
	}
	backlog := c.Stream.Backlog
	if backlog <= 0 {
		backlog = 8
	}

	p := &Pipeline{
		cfg:       c,
		workout:   w,
		sink:      sink,
		log:       logrus.StandardLogger(),
		collector: col,
		machine:   session.NewMachine(w.Schedule),
		agg:       session.NewAggregator(),
		backlog:   make(chan job, backlog),
		evidence:  make(chan evidenceMsg, 64),
		toggles:   make(chan toggleReq),
		fatal:     make(chan fatalErr, 1),
		outcomes:  make(chan outcome, 1),
	}
	for _, o := range opts {
		o(p)
	}
	p.log = p.log.WithField("workout", w.ID)
	p.gate = motion.NewGate(col, clf, motion.GateConfig{
		Shape:         motion.DefaultFeatureShape,
		PresenceRatio: c.Classifier.PresenceRatio,
		MinConfidence: c.Classifier.MinConfidence,
		Labels:        c.Classifier.Labels,
	}, p.log)
	return p, nil
}

func (p *Pipeline) Machine() *session.Machine { return p.machine }

// Dropped is the number of complete windows discarded because the
// classifier was still busy.
func (p *Pipeline) Dropped() uint64 { return p.dropped.Load() }

// Feed hands one frame to the pipeline. It never blocks: when the
// classifier backlog is full the completed window is dropped, the frame
// itself is always collected. Frames are only collected during Setup and
// Started, and every phase change starts a fresh window, so no window ever
// mixes countdown frames with exercise frames.
func (p *Pipeline) Feed(f motion.PoseFeature) {
	phase, gen := p.machine.State()

	p.feedMu.Lock()
	if gen != p.windowGen || phase != p.windowPhase {
		p.window = nil
		p.windowGen = gen
		p.windowPhase = phase
	}
	if !phase.Active() {
		p.feedMu.Unlock()
		return
	}
	p.window = p.collector.Collect(p.window, f)
	w := p.window
	complete := p.collector.IsComplete(w)
	p.feedMu.Unlock()

	if !complete {
		return
	}
	select {
	case p.backlog <- job{gen: gen, phase: phase, window: w}:
	default:
		n := p.dropped.Add(1)
		if n == 1 || n%50 == 0 {
			p.log.WithFields(logrus.Fields{"dropped": n, "backlog": cap(p.backlog)}).
				Warn("classifier backlog full, dropping window")
		}
	}
}

// Consume feeds frames from src until it is exhausted or ctx ends.
func (p *Pipeline) Consume(ctx context.Context, src Source) error {
	for {
		f, err := src.Next(ctx)
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("pose source: %w", err)
		}
		p.Feed(f)
	}
}

// Run drives the classification worker, the evidence loop and the session
// clock until ctx is cancelled.
func (p *Pipeline) Run(ctx context.Context) error {
	if !p.running.CompareAndSwap(false, true) {
		return ErrRunning
	}
	defer p.running.Store(false)

	if p.clock == nil {
		p.clock = session.NewTickerClock(p.cfg.TickInterval())
	}
	defer p.clock.Stop()

	var wg sync.WaitGroup
	wg.Add(2)
	go func() { defer wg.Done(); p.classifyLoop(ctx) }()
	go func() { defer wg.Done(); p.evidenceLoop(ctx) }()

	p.log.WithFields(logrus.Fields{
		"window": p.collector.Size(),
		"stride": p.collector.Stride(),
		"total":  p.workout.Schedule.Total,
	}).Info("pipeline running")

	p.clockLoop(ctx)
	wg.Wait()
	p.log.Info("pipeline stopped")
	return nil
}

// Toggle starts a session when none is active and aborts the current one
// otherwise. Run must be active.
func (p *Pipeline) Toggle(ctx context.Context) (session.Transition, error) {
	req := toggleReq{reply: make(chan session.Transition, 1)}
	select {
	case p.toggles <- req:
	case <-ctx.Done():
		return session.Transition{}, ctx.Err()
	}
	select {
	case t := <-req.reply:
		return t, nil
	case <-ctx.Done():
		return session.Transition{}, ctx.Err()
	}
}

// Await blocks until the current session ends or is aborted.
func (p *Pipeline) Await(ctx context.Context) (Summary, error) {
	select {
	case o := <-p.outcomes:
		return o.summary, o.err
	case <-ctx.Done():
		return Summary{}, ctx.Err()
	}
}

// RunSession runs the pipeline for exactly one session and returns its
// summary.
func (p *Pipeline) RunSession(ctx context.Context) (Summary, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- p.Run(ctx) }()

	// stop prefers the error Run itself returned, which explains why a
	// toggle or await could not complete.
	stop := func(s Summary, err error) (Summary, error) {
		cancel()
		if runErr := <-done; runErr != nil {
			return Summary{}, runErr
		}
		return s, err
	}

	if p.machine.Phase() != session.Inactive {
		return stop(Summary{}, errors.New("a session is already active"))
	}
	if _, err := p.Toggle(ctx); err != nil {
		return stop(Summary{}, err)
	}
	return stop(p.Await(ctx))
}

func (p *Pipeline) classifyLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case j := <-p.backlog:
			p.classify(ctx, j)
		}
	}
}

func (p *Pipeline) classify(ctx context.Context, j job) {
	v, err := p.gate.Evaluate(ctx, j.window)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		select {
		case p.fatal <- fatalErr{gen: j.gen, err: err}:
		default:
			p.log.WithError(err).Debug("fatal classifier error already pending")
		}
		return
	}
	p.post(ctx, evidenceMsg{kind: msgVerdict, gen: j.gen, phase: j.phase, verdict: v, at: time.Now()})
}

func (p *Pipeline) post(ctx context.Context, m evidenceMsg) {
	select {
	case p.evidence <- m:
	case <-ctx.Done():
	}
}

func (p *Pipeline) evidenceLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case m := <-p.evidence:
			p.handleEvidence(m)
		}
	}
}

func (p *Pipeline) handleEvidence(m evidenceMsg) {
	switch m.kind {
	case msgReset:
		p.agg.Reset()
		p.timeline = nil
		p.cur = evidenceState{gen: m.gen, sessionID: m.sessionID, phase: m.phase, droppedBase: p.dropped.Load()}

	case msgPhase:
		if m.gen == p.cur.gen {
			p.cur.phase = m.phase
		}

	case msgVerdict:
		if m.gen != p.cur.gen {
			p.log.WithFields(logrus.Fields{"generation": m.gen, "current": p.cur.gen}).
				Debug("discarding verdict from an earlier session")
			return
		}
		r := m.verdict.Result
		p.sink.Prediction(LiveResult{
			SessionID:  p.cur.sessionID,
			Generation: m.gen,
			Phase:      p.cur.phase,
			Result:     r,
			Text:       r.Text(),
			At:         m.at,
		})
		// Both the window and the session must be in Started: a window
		// collected during Setup never becomes evidence.
		counted := m.phase == session.Started && p.cur.phase == session.Started &&
			p.agg.Accumulate(r, m.verdict.FrameWeight)
		if p.cur.sessionID != "" {
			p.timeline = append(p.timeline, newTimelineRow(m, p.cur.phase, p.machine.Elapsed(), counted))
		}

	case msgFinalize:
		if m.gen != p.cur.gen || p.cur.finalized {
			return
		}
		p.cur.phase = session.Ended
		p.cur.finalized = true
		s := p.summarize(m.at)
		p.sink.Summary(s)
		if p.cfg.Report.Enabled {
			rep, err := persist(p.cfg.Paths.Outputs, s, p.timeline, p.cfg.Report.Timeline)
			if err != nil {
				p.log.WithError(err).Error("write session report")
			} else {
				p.log.WithField("dir", rep.Dir).Info("session report written")
			}
		}
		p.deliver(m.gen, s, nil)
	}
}

func (p *Pipeline) clockLoop(ctx context.Context) {
	ticks := p.clock.Ticks()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticks:
			p.tick(ctx)
		case req := <-p.toggles:
			req.reply <- p.toggle(ctx, nil)
		case f := <-p.fatal:
			p.fail(ctx, f)
		}
	}
}

func (p *Pipeline) tick(ctx context.Context) {
	tk, ok := p.machine.Tick()
	if !ok {
		return
	}
	sid := p.sessionID
	if tk.Transition != nil {
		p.post(ctx, evidenceMsg{kind: msgPhase, gen: tk.Transition.Generation, phase: tk.Transition.To})
		p.sink.Phase(sid, *tk.Transition)
	}
	if tk.Cue != nil {
		if tk.Cue.Changed {
			p.log.WithFields(logrus.Fields{"session_id": sid, "elapsed": tk.Elapsed, "exercise": tk.Cue.Exercise}).Debug("cue")
		}
		p.sink.Cue(sid, *tk.Cue)
	}
	p.sink.Progress(Progress{
		SessionID: sid,
		Elapsed:   tk.Elapsed,
		Countdown: tk.Countdown,
		Remaining: tk.Remaining,
		Phase:     tk.Phase,
		Evidence:  p.agg.Snapshot(),
	})
	if tk.Ended {
		p.post(ctx, evidenceMsg{kind: msgFinalize, gen: p.machine.Generation(), at: time.Now()})
	}
}

// toggle applies a toggle on the clock loop. cause, when set, is the
// reason an active session is being aborted.
func (p *Pipeline) toggle(ctx context.Context, cause error) session.Transition {
	prevID := p.sessionID
	t := p.machine.Toggle()

	switch {
	case t.To == session.Setup:
		p.sessionID = uuid.NewString()
		p.outMu.Lock()
		p.awaitGen = t.Generation
		select {
		case <-p.outcomes:
		default:
		}
		p.outMu.Unlock()
	case t.From != session.Ended:
		p.sessionID = ""
		err := ErrSessionAborted
		if cause != nil {
			err = fmt.Errorf("%w: %w", ErrSessionAborted, cause)
		}
		p.deliver(t.Generation-1, Summary{SessionID: prevID, Workout: p.workout.ID}, err)
	default:
		p.sessionID = ""
	}

	p.post(ctx, evidenceMsg{kind: msgReset, gen: t.Generation, sessionID: p.sessionID, phase: t.To})

	sid := p.sessionID
	if sid == "" {
		sid = prevID
	}
	p.log.WithFields(logrus.Fields{
		"session_id": sid,
		"from":       t.From,
		"to":         t.To,
		"generation": t.Generation,
	}).Info("session toggled")
	p.sink.Phase(sid, t)
	if t.To == session.Setup {
		p.sink.Prediction(LiveResult{
			SessionID:  sid,
			Generation: t.Generation,
			Phase:      t.To,
			Result:     motion.StartingResult(),
			Text:       motion.StartingResult().Text(),
			At:         time.Now(),
		})
	}
	return t
}

func (p *Pipeline) fail(ctx context.Context, f fatalErr) {
	phase, gen := p.machine.State()
	if f.gen != gen {
		p.log.WithError(f.err).Debug("ignoring classifier error from an earlier session")
		return
	}
	p.log.WithFields(logrus.Fields{"session_id": p.sessionID, "generation": gen}).
		WithError(f.err).Error("classifier failed")
	p.sink.SessionError(p.sessionID, f.err)
	if phase.Active() {
		p.toggle(ctx, f.err)
	}
}

// deliver hands a session outcome to Await. Outcomes of sessions nobody is
// waiting for any more are dropped.
func (p *Pipeline) deliver(gen uint64, s Summary, err error) {
	p.outMu.Lock()
	defer p.outMu.Unlock()
	if gen != p.awaitGen {
		return
	}
	select {
	case <-p.outcomes:
	default:
	}
	p.outcomes <- outcome{summary: s, err: err}
}
