package motion

import (
	"context"
	"errors"
	"fmt"
	"math"

	"github.com/sirupsen/logrus"
)

const (
	DefaultPresenceRatio = 0.6
	DefaultMinConfidence = 0.6
)

// GateConfig tunes the two gates. Zero values fall back to the defaults.
type GateConfig struct {
	Shape         FeatureShape
	PresenceRatio float64
	MinConfidence float64
	// Labels, when set, is the closed set of labels the model may return.
	Labels []string
}

func (c *GateConfig) applyDefaults() {
	if c.Shape == (FeatureShape{}) {
		c.Shape = DefaultFeatureShape
	}
	if c.PresenceRatio == 0 {
		c.PresenceRatio = DefaultPresenceRatio
	}
	if c.MinConfidence == 0 {
		c.MinConfidence = DefaultMinConfidence
	}
}

// Verdict is the outcome of one complete window. FrameWeight is how many
// real frames the verdict stands for when evidence is aggregated.
type Verdict struct {
	Result      Result
	FrameWeight int
}

// Gate decides whether a window is worth classifying and whether the
// classifier's answer is worth reporting.
type Gate struct {
	size       int
	stride     int
	cfg        GateConfig
	labels     map[string]struct{}
	classifier Classifier
	log        logrus.FieldLogger
}

func NewGate(c *Collector, clf Classifier, cfg GateConfig, log logrus.FieldLogger) *Gate {
	cfg.applyDefaults()
	g := &Gate{
		size:       c.Size(),
		stride:     c.Stride(),
		cfg:        cfg,
		classifier: clf,
		log:        log,
	}
	if len(cfg.Labels) > 0 {
		g.labels = make(map[string]struct{}, len(cfg.Labels))
		for _, l := range cfg.Labels {
			g.labels[l] = struct{}{}
		}
	}
	return g
}

// PresenceThreshold is the minimum number of present frames a window needs
// before the classifier is consulted.
func (g *Gate) PresenceThreshold() int {
	// the epsilon keeps 60*0.6 at 36 rather than 35.999...
	return int(math.Floor(float64(g.size)*g.cfg.PresenceRatio + 1e-9))
}

// Evaluate turns a complete window into a verdict. Only integration faults
// (ErrInputShape, ErrUnknownLabel) are returned as errors; a classifier
// that merely fails to answer yields LowConfidence.
func (g *Gate) Evaluate(ctx context.Context, w Window) (Verdict, error) {
	v := Verdict{FrameWeight: g.stride}
	if len(w) != g.size {
		return v, fmt.Errorf("%w: window has %d frames, want %d", ErrInputShape, len(w), g.size)
	}

	if w.PresentCount() < g.PresenceThreshold() {
		v.Result = NoPersonResult()
		return v, nil
	}

	in, err := g.tensor(w)
	if err != nil {
		return v, err
	}

	pred, err := g.classifier.Classify(ctx, in)
	if err != nil {
		if errors.Is(err, ErrInputShape) {
			return v, err
		}
		g.log.WithError(err).Warn("classifier unavailable, window reported as low confidence")
		v.Result = LowConfidenceResult()
		return v, nil
	}

	confidence, ok := pred.Probabilities[pred.Label]
	if !ok {
		return v, fmt.Errorf("%w: %q has no probability", ErrUnknownLabel, pred.Label)
	}
	if g.labels != nil {
		if _, known := g.labels[pred.Label]; !known {
			return v, fmt.Errorf("%w: %q is not a configured label", ErrUnknownLabel, pred.Label)
		}
	}

	if confidence < g.cfg.MinConfidence {
		v.Result = LowConfidenceResult()
		return v, nil
	}
	v.Result = ClassifiedResult(pred.Label, confidence)
	return v, nil
}

// tensor concatenates the window in temporal order, zero-filling gaps.
func (g *Gate) tensor(w Window) (Tensor, error) {
	n := g.cfg.Shape.Len()
	data := make([]float32, len(w)*n)
	for i, f := range w {
		if !f.Present() {
			continue
		}
		if len(f) != n {
			return Tensor{}, fmt.Errorf("%w: frame %d has %d values, want %d", ErrInputShape, i, len(f), n)
		}
		copy(data[i*n:], f)
	}
	return Tensor{
		Shape: []int{len(w), g.cfg.Shape.Channels, g.cfg.Shape.Keypoints},
		Data:  data,
	}, nil
}
