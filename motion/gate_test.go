package motion

import (
	"context"
	"errors"
	"io"
	"testing"

	"github.com/sirupsen/logrus"
)

// mockClassifier records how often it was called and what it saw.
type mockClassifier struct {
	ClassifyFunc func(ctx context.Context, in Tensor) (Prediction, error)
	CallCount    int
	LastInput    Tensor
}

func (m *mockClassifier) Classify(ctx context.Context, in Tensor) (Prediction, error) {
	m.CallCount++
	m.LastInput = in
	if m.ClassifyFunc != nil {
		return m.ClassifyFunc(ctx, in)
	}
	return Prediction{Label: "Squats", Probabilities: map[string]float64{"Squats": 0.9}}, nil
}

func quietLogger() logrus.FieldLogger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

func windowWith(size, present int) Window {
	w := make(Window, size)
	for i := 0; i < present; i++ {
		w[i] = feature(1)
	}
	return w
}

func newTestGate(t *testing.T, clf Classifier, cfg GateConfig) *Gate {
	t.Helper()
	c, err := NewCollector(60, 10)
	if err != nil {
		t.Fatalf("NewCollector: %v", err)
	}
	return NewGate(c, clf, cfg, quietLogger())
}

func TestGatePresenceThreshold(t *testing.T) {
	g := newTestGate(t, &mockClassifier{}, GateConfig{})
	if got := g.PresenceThreshold(); got != 36 {
		t.Fatalf("expected presence threshold 36 for window 60, got %d", got)
	}
}

func TestGateNoPersonSkipsClassifier(t *testing.T) {
	clf := &mockClassifier{}
	g := newTestGate(t, clf, GateConfig{})

	v, err := g.Evaluate(context.Background(), windowWith(60, 35))
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if v.Result.Kind != NoPerson {
		t.Errorf("expected NoPerson, got %s", v.Result.Kind)
	}
	if v.FrameWeight != 10 {
		t.Errorf("expected frame weight 10, got %d", v.FrameWeight)
	}
	if clf.CallCount != 0 {
		t.Errorf("expected classifier not to be called, called %d times", clf.CallCount)
	}
}

func TestGateClassifiesAtThreshold(t *testing.T) {
	clf := &mockClassifier{}
	g := newTestGate(t, clf, GateConfig{})

	v, err := g.Evaluate(context.Background(), windowWith(60, 36))
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if clf.CallCount != 1 {
		t.Fatalf("expected 1 classifier call, got %d", clf.CallCount)
	}
	if v.Result.Kind != Classified || v.Result.Label != "Squats" {
		t.Errorf("expected Classified Squats, got %+v", v.Result)
	}
}

func TestGateZeroFillsAbsentFrames(t *testing.T) {
	clf := &mockClassifier{}
	g := newTestGate(t, clf, GateConfig{})

	w := windowWith(60, 60)
	w[0] = nil
	w[59] = nil
	if _, err := g.Evaluate(context.Background(), w); err != nil {
		t.Fatalf("Evaluate: %v", err)
	}

	in := clf.LastInput
	if len(in.Shape) != 3 || in.Shape[0] != 60 || in.Shape[1] != 3 || in.Shape[2] != 18 {
		t.Fatalf("unexpected tensor shape %v", in.Shape)
	}
	if len(in.Data) != 60*54 {
		t.Fatalf("expected %d values, got %d", 60*54, len(in.Data))
	}
	if in.Data[0] != 0 || in.Data[len(in.Data)-1] != 0 {
		t.Error("expected absent frames to be zero-filled")
	}
	if in.Data[54] != 1 {
		t.Errorf("expected present frame values to be copied, got %v", in.Data[54])
	}
}

func TestGateConfidence(t *testing.T) {
	cases := []struct {
		name       string
		confidence float64
		want       Kind
	}{
		{"below threshold", 0.59, LowConfidence},
		{"at threshold", 0.6, Classified},
		{"high", 0.95, Classified},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			clf := &mockClassifier{
				ClassifyFunc: func(ctx context.Context, in Tensor) (Prediction, error) {
					return Prediction{
						Label:         "Jumping Jacks",
						Probabilities: map[string]float64{"Jumping Jacks": c.confidence, "Squats": 1 - c.confidence},
					}, nil
				},
			}
			g := newTestGate(t, clf, GateConfig{})
			v, err := g.Evaluate(context.Background(), windowWith(60, 60))
			if err != nil {
				t.Fatalf("Evaluate: %v", err)
			}
			if v.Result.Kind != c.want {
				t.Errorf("expected %s, got %s", c.want, v.Result.Kind)
			}
			if c.want == LowConfidence && v.Result.Label != "" {
				t.Errorf("low confidence result should carry no label, got %q", v.Result.Label)
			}
		})
	}
}

func TestGateMissingProbabilityIsFatal(t *testing.T) {
	clf := &mockClassifier{
		ClassifyFunc: func(ctx context.Context, in Tensor) (Prediction, error) {
			return Prediction{Label: "Burpees", Probabilities: map[string]float64{"Squats": 0.9}}, nil
		},
	}
	g := newTestGate(t, clf, GateConfig{})
	_, err := g.Evaluate(context.Background(), windowWith(60, 60))
	if !errors.Is(err, ErrUnknownLabel) {
		t.Fatalf("expected ErrUnknownLabel, got %v", err)
	}
}

func TestGateLabelOutsideConfiguredSet(t *testing.T) {
	clf := &mockClassifier{
		ClassifyFunc: func(ctx context.Context, in Tensor) (Prediction, error) {
			return Prediction{Label: "Burpees", Probabilities: map[string]float64{"Burpees": 0.9}}, nil
		},
	}
	g := newTestGate(t, clf, GateConfig{Labels: []string{"Squats", "Jumping Jacks", "Other"}})
	_, err := g.Evaluate(context.Background(), windowWith(60, 60))
	if !errors.Is(err, ErrUnknownLabel) {
		t.Fatalf("expected ErrUnknownLabel, got %v", err)
	}
}

func TestGateClassifierFailureIsLowConfidence(t *testing.T) {
	clf := &mockClassifier{
		ClassifyFunc: func(ctx context.Context, in Tensor) (Prediction, error) {
			return Prediction{}, errors.New("connection refused")
		},
	}
	g := newTestGate(t, clf, GateConfig{})
	v, err := g.Evaluate(context.Background(), windowWith(60, 60))
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if v.Result.Kind != LowConfidence {
		t.Errorf("expected LowConfidence, got %s", v.Result.Kind)
	}
}

func TestGateShapeErrors(t *testing.T) {
	clf := &mockClassifier{
		ClassifyFunc: func(ctx context.Context, in Tensor) (Prediction, error) {
			return Prediction{}, ErrInputShape
		},
	}
	g := newTestGate(t, clf, GateConfig{})

	if _, err := g.Evaluate(context.Background(), windowWith(59, 59)); !errors.Is(err, ErrInputShape) {
		t.Errorf("incomplete window: expected ErrInputShape, got %v", err)
	}

	w := windowWith(60, 60)
	w[3] = PoseFeature{1, 2, 3}
	if _, err := g.Evaluate(context.Background(), w); !errors.Is(err, ErrInputShape) {
		t.Errorf("short feature: expected ErrInputShape, got %v", err)
	}
	if clf.CallCount != 0 {
		t.Errorf("expected classifier not to be called for local shape errors, got %d", clf.CallCount)
	}

	if _, err := g.Evaluate(context.Background(), windowWith(60, 60)); !errors.Is(err, ErrInputShape) {
		t.Errorf("classifier rejection: expected ErrInputShape, got %v", err)
	}
}

func TestResultText(t *testing.T) {
	if got := ClassifiedResult("Squats", 0.87).ConfidenceText(); got != "87 %" {
		t.Errorf("unexpected confidence text %q", got)
	}
	if got := NoPersonResult().Text(); got != "No Person" {
		t.Errorf("unexpected no-person text %q", got)
	}
	b, _ := LowConfidence.MarshalText()
	var k Kind
	if err := k.UnmarshalText(b); err != nil || k != LowConfidence {
		t.Errorf("kind text round trip failed: %v %v", k, err)
	}
}
