package orchestrator

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	cfg "github.com/maastricht-university/workout-coach/config"
	"github.com/maastricht-university/workout-coach/motion"
	"github.com/maastricht-university/workout-coach/session"
)

type mockClassifier struct {
	mu           sync.Mutex
	ClassifyFunc func(n int) (motion.Prediction, error)
	CallCount    int
}

func (m *mockClassifier) Classify(_ context.Context, _ motion.Tensor) (motion.Prediction, error) {
	m.mu.Lock()
	m.CallCount++
	n := m.CallCount
	m.mu.Unlock()
	if m.ClassifyFunc != nil {
		return m.ClassifyFunc(n)
	}
	return predict("Squats", 0.9), nil
}

func (m *mockClassifier) calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.CallCount
}

func predict(label string, p float64) motion.Prediction {
	return motion.Prediction{Label: label, Probabilities: map[string]float64{label: p}}
}

// recordingSink keeps everything it is given.
type recordingSink struct {
	mu          sync.Mutex
	predictions []LiveResult
	cues        []session.Cue
	progress    []Progress
	phases      []session.Transition
	summaries   []Summary
	errs        []error
}

func (s *recordingSink) Prediction(r LiveResult) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.predictions = append(s.predictions, r)
}

func (s *recordingSink) Cue(_ string, c session.Cue) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cues = append(s.cues, c)
}

func (s *recordingSink) Progress(p Progress) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.progress = append(s.progress, p)
}

func (s *recordingSink) Phase(_ string, t session.Transition) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.phases = append(s.phases, t)
}

func (s *recordingSink) Summary(sum Summary) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.summaries = append(s.summaries, sum)
}

func (s *recordingSink) SessionError(_ string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.errs = append(s.errs, err)
}

func quietLogger() logrus.FieldLogger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

// testWorkout: 2s countdown then 4s of squats.
func testWorkout(t *testing.T) session.Workout {
	t.Helper()
	s, err := session.NewSchedule(6, []session.Segment{
		{Start: 0, End: 2},
		{Start: 2, End: 6, Exercise: "Squat", Animation: "lower_squat"},
	})
	if err != nil {
		t.Fatalf("NewSchedule: %v", err)
	}
	return session.Workout{ID: "test", Title: "Test", Schedule: s}
}

func testConfig(t *testing.T) *cfg.Root {
	c := &cfg.Root{}
	c.Stream = cfg.Stream{FPS: 30, WindowSize: 4, Stride: 2, Backlog: 8}
	c.Classifier = cfg.Classifier{PresenceRatio: 0.6, MinConfidence: 0.6}
	c.Session.TickMS = 1000
	c.Paths.Outputs = t.TempDir()
	c.Report = cfg.Report{Enabled: true, Timeline: true}
	return c
}

func newTestPipeline(t *testing.T, c *cfg.Root, clf motion.Classifier, sink Sink, opts ...Option) *Pipeline {
	t.Helper()
	opts = append([]Option{WithLogger(quietLogger())}, opts...)
	p, err := New(c, testWorkout(t), clf, sink, opts...)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return p
}

func present() motion.PoseFeature {
	return make(motion.PoseFeature, motion.DefaultFeatureShape.Len())
}

// classifyPending runs the classification worker inline over the backlog.
func (p *Pipeline) classifyPending(ctx context.Context) {
	for {
		select {
		case j := <-p.backlog:
			p.classify(ctx, j)
		default:
			return
		}
	}
}

// drainEvidence runs the evidence loop inline until its queue is empty.
func (p *Pipeline) drainEvidence() {
	for {
		select {
		case m := <-p.evidence:
			p.handleEvidence(m)
		default:
			return
		}
	}
}

func feedN(p *Pipeline, n int) {
	for i := 0; i < n; i++ {
		p.Feed(present())
	}
}

func TestNewRejectsBadWindow(t *testing.T) {
	c := testConfig(t)
	c.Stream.Stride = 5
	if _, err := New(c, testWorkout(t), &mockClassifier{}, &recordingSink{}); err == nil {
		t.Fatal("expected error for stride larger than window")
	}
}

func TestSessionLifecycle(t *testing.T) {
	ctx := context.Background()
	labels := []string{"Squats", "Squats", "Squats", "Jumping Jacks"}
	clf := &mockClassifier{ClassifyFunc: func(n int) (motion.Prediction, error) {
		return predict(labels[(n-1)%len(labels)], 0.9), nil
	}}
	sink := &recordingSink{}
	c := testConfig(t)
	p := newTestPipeline(t, c, clf, sink)

	tr := p.toggle(ctx, nil)
	if tr.To != session.Setup {
		t.Fatalf("expected Setup, got %v", tr.To)
	}
	if len(sink.predictions) != 1 || sink.predictions[0].Result.Kind != motion.Starting {
		t.Fatalf("expected Starting prediction on setup, got %+v", sink.predictions)
	}

	// One window during Setup: forwarded live, never counted.
	feedN(p, 4)
	p.classifyPending(ctx)
	p.drainEvidence()
	if !p.agg.Empty() {
		t.Fatal("setup window must not feed the aggregator")
	}
	if len(sink.predictions) != 2 {
		t.Fatalf("expected setup verdict forwarded, got %d predictions", len(sink.predictions))
	}

	p.tick(ctx)
	p.tick(ctx)
	if p.machine.Phase() != session.Started {
		t.Fatalf("expected Started at 2s, got %v", p.machine.Phase())
	}
	if len(sink.cues) != 1 || !sink.cues[0].Changed || sink.cues[0].Exercise != "Squat" {
		t.Fatalf("unexpected cues %+v", sink.cues)
	}

	// The window restarts at Started: one full window, then two strides.
	for _, n := range []int{4, 2, 2} {
		feedN(p, n)
		p.drainEvidence()
		p.classifyPending(ctx)
		p.drainEvidence()
	}
	snap := p.agg.Snapshot()
	if snap["Squats"] != 4 || snap["Jumping Jacks"] != 2 {
		t.Fatalf("unexpected evidence %v", snap)
	}

	for i := 0; i < 4; i++ {
		p.tick(ctx)
	}
	if p.machine.Phase() != session.Ended {
		t.Fatalf("expected Ended, got %v", p.machine.Phase())
	}
	p.drainEvidence()

	last := sink.progress[len(sink.progress)-1]
	if last.Phase != session.Ended || last.Evidence["Squats"] != 4 {
		t.Errorf("expected live evidence on the final progress, got %+v", last)
	}

	s, err := p.Await(ctx)
	if err != nil {
		t.Fatalf("Await: %v", err)
	}
	if s.NoEvidence || len(s.Results) != 2 {
		t.Fatalf("unexpected summary %+v", s)
	}
	if s.Results[0].Label != "Squats" || s.ExerciseSeconds != 4 {
		t.Errorf("unexpected first result %+v", s.Results[0])
	}
	if got := s.Results[1].Duration; got < 1.33 || got > 1.34 {
		t.Errorf("expected ~1.33s of jumping jacks, got %v", got)
	}
	if len(sink.summaries) != 1 {
		t.Errorf("expected one summary, got %d", len(sink.summaries))
	}

	// A tick after Ended changes nothing.
	p.tick(ctx)
	if p.machine.Elapsed() != 6 {
		t.Errorf("timer moved after Ended: %d", p.machine.Elapsed())
	}

	dirs, _ := os.ReadDir(c.Paths.Outputs)
	if len(dirs) != 1 {
		t.Fatalf("expected one report dir, got %d", len(dirs))
	}
	for _, name := range []string{"summary.json", "timeline.parquet"} {
		if _, err := os.Stat(filepath.Join(c.Paths.Outputs, dirs[0].Name(), name)); err != nil {
			t.Errorf("missing %s: %v", name, err)
		}
	}
}

func TestAbortDiscardsLateVerdicts(t *testing.T) {
	ctx := context.Background()
	sink := &recordingSink{}
	p := newTestPipeline(t, testConfig(t), &mockClassifier{}, sink)

	p.toggle(ctx, nil)
	p.tick(ctx)
	p.tick(ctx)
	p.drainEvidence()
	feedN(p, 4) // a full window, still queued

	tr := p.toggle(ctx, nil)
	if tr.To != session.Inactive {
		t.Fatalf("expected abort to Inactive, got %v", tr.To)
	}
	if _, err := p.Await(ctx); !errors.Is(err, ErrSessionAborted) {
		t.Fatalf("expected ErrSessionAborted, got %v", err)
	}

	before := len(sink.predictions)
	p.classifyPending(ctx)
	p.drainEvidence()
	if len(sink.predictions) != before {
		t.Error("verdict from the aborted session was forwarded")
	}
	if !p.agg.Empty() {
		t.Error("aborted session left evidence behind")
	}

	p.Feed(present())
	if len(p.window) != 0 || len(p.backlog) != 0 {
		t.Errorf("expected no collection while inactive, window %d backlog %d", len(p.window), len(p.backlog))
	}
}

func TestSetupWindowsNeverCountAsEvidence(t *testing.T) {
	ctx := context.Background()
	sink := &recordingSink{}
	p := newTestPipeline(t, testConfig(t), &mockClassifier{}, sink)

	p.toggle(ctx, nil)
	feedN(p, 4) // complete window of countdown frames
	feedN(p, 1) // partial window straddling the start
	p.tick(ctx)
	p.tick(ctx)
	if p.machine.Phase() != session.Started {
		t.Fatalf("expected Started, got %v", p.machine.Phase())
	}

	p.classifyPending(ctx)
	p.drainEvidence()
	if snap := p.agg.Snapshot(); len(snap) != 0 {
		t.Fatalf("countdown window was counted as evidence: %v", snap)
	}
	if got := sink.predictions[len(sink.predictions)-1]; got.Phase != session.Started || got.Result.Kind != motion.Classified {
		t.Errorf("expected countdown verdict still shown live, got %+v", got)
	}

	// Three exercise frames on top of the countdown frame would complete a
	// straddling window; the restart means they do not.
	feedN(p, 3)
	if len(p.backlog) != 0 || len(p.window) != 3 {
		t.Fatalf("expected fresh window at Started, window %d backlog %d", len(p.window), len(p.backlog))
	}
	feedN(p, 1)
	p.classifyPending(ctx)
	p.drainEvidence()
	if snap := p.agg.Snapshot(); snap["Squats"] != 2 {
		t.Errorf("expected one exercise window of weight 2, got %v", snap)
	}
}

func TestIdlePipelineDoesNotClassify(t *testing.T) {
	ctx := context.Background()
	clf := &mockClassifier{}
	c := testConfig(t)
	c.Report.Enabled = false
	p := newTestPipeline(t, c, clf, &recordingSink{})

	feedN(p, 8)
	p.classifyPending(ctx)
	if clf.calls() != 0 {
		t.Fatalf("classifier called %d times with no session", clf.calls())
	}

	p.toggle(ctx, nil)
	for i := 0; i < 6; i++ {
		p.tick(ctx)
	}
	if p.machine.Phase() != session.Ended {
		t.Fatalf("expected Ended, got %v", p.machine.Phase())
	}
	feedN(p, 8)
	p.classifyPending(ctx)
	if clf.calls() != 0 {
		t.Errorf("classifier called %d times after the session ended", clf.calls())
	}
}

func TestRunSessionReturnsRunError(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	c := testConfig(t)
	c.Report.Enabled = false
	p := newTestPipeline(t, c, &mockClassifier{}, &recordingSink{}, WithClock(session.NewManualClock()))
	p.running.Store(true) // as if another Run owned the pipeline

	if _, err := p.RunSession(ctx); !errors.Is(err, ErrRunning) {
		t.Fatalf("expected ErrRunning, got %v", err)
	}
}

func TestEmptySessionHasNoEvidence(t *testing.T) {
	ctx := context.Background()
	c := testConfig(t)
	c.Report.Enabled = false
	p := newTestPipeline(t, c, &mockClassifier{}, &recordingSink{})

	p.toggle(ctx, nil)
	for i := 0; i < 6; i++ {
		p.Feed(nil)
		p.tick(ctx)
	}
	p.classifyPending(ctx)
	p.drainEvidence()

	s, err := p.Await(ctx)
	if err != nil {
		t.Fatalf("Await: %v", err)
	}
	if !s.NoEvidence || len(s.Results) != 0 || s.Results == nil {
		t.Errorf("expected empty, non-nil results, got %+v", s)
	}
}

func TestFatalClassifierErrorAbortsSession(t *testing.T) {
	ctx := context.Background()
	clf := &mockClassifier{ClassifyFunc: func(int) (motion.Prediction, error) {
		return motion.Prediction{}, motion.ErrInputShape
	}}
	sink := &recordingSink{}
	p := newTestPipeline(t, testConfig(t), clf, sink)

	p.toggle(ctx, nil)
	feedN(p, 4)
	p.classifyPending(ctx)
	p.fail(ctx, <-p.fatal)

	if p.machine.Phase() != session.Inactive {
		t.Fatalf("expected Inactive after fatal error, got %v", p.machine.Phase())
	}
	if len(sink.errs) != 1 {
		t.Fatalf("expected one session error, got %d", len(sink.errs))
	}
	_, err := p.Await(ctx)
	if !errors.Is(err, ErrSessionAborted) || !errors.Is(err, motion.ErrInputShape) {
		t.Errorf("expected aborted input-shape error, got %v", err)
	}
}

func TestFeedDropsWindowsWhenBacklogFull(t *testing.T) {
	c := testConfig(t)
	c.Stream.Backlog = 1
	clf := &mockClassifier{}
	p := newTestPipeline(t, c, clf, &recordingSink{})
	p.toggle(context.Background(), nil)

	feedN(p, 4) // first window queued
	feedN(p, 2) // second window has nowhere to go
	feedN(p, 2)

	if got := p.Dropped(); got != 2 {
		t.Errorf("expected 2 dropped windows, got %d", got)
	}
	if clf.calls() != 0 {
		t.Errorf("Feed must not classify inline, got %d calls", clf.calls())
	}
	if len(p.window) != 4 {
		t.Errorf("frames must keep being collected, window has %d", len(p.window))
	}
}

type sliceSource struct {
	frames []motion.PoseFeature
}

func (s *sliceSource) Next(context.Context) (motion.PoseFeature, error) {
	if len(s.frames) == 0 {
		return nil, io.EOF
	}
	f := s.frames[0]
	s.frames = s.frames[1:]
	return f, nil
}

func TestRunWithManualClock(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	clock := session.NewManualClock()
	c := testConfig(t)
	c.Report.Enabled = false
	sink := &recordingSink{}
	clf := &mockClassifier{}
	p := newTestPipeline(t, c, clf, sink, WithClock(clock))

	runCtx, stop := context.WithCancel(ctx)
	done := make(chan error, 1)
	go func() { done <- p.Run(runCtx) }()

	if _, err := p.Toggle(ctx); err != nil {
		t.Fatalf("Toggle: %v", err)
	}
	for i := 0; i < 2; i++ {
		if err := clock.Advance(ctx); err != nil {
			t.Fatalf("Advance: %v", err)
		}
	}

	src := &sliceSource{}
	for i := 0; i < 8; i++ {
		src.frames = append(src.frames, present())
	}
	if err := p.Consume(ctx, src); err != nil {
		t.Fatalf("Consume: %v", err)
	}

	for i := 0; i < 4; i++ {
		if err := clock.Advance(ctx); err != nil {
			t.Fatalf("Advance: %v", err)
		}
	}
	s, err := p.Await(ctx)
	if err != nil {
		t.Fatalf("Await: %v", err)
	}
	if s.SessionID == "" || s.Workout != "test" {
		t.Errorf("unexpected summary %+v", s)
	}

	stop()
	if err := <-done; err != nil {
		t.Errorf("Run: %v", err)
	}
	if p.machine.Phase() != session.Ended {
		t.Errorf("expected Ended, got %v", p.machine.Phase())
	}
}
