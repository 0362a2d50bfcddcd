// Package motion turns a stream of per-frame pose features into exercise
// classifications: fixed-size strided windows, a presence gate in front of
// the classifier and a confidence gate behind it.
package motion

import (
	"context"
	"errors"
	"fmt"
)

var (
	// ErrInputShape means a window or feature does not match the classifier's
	// declared input shape. It is an integration bug, never retried.
	ErrInputShape = errors.New("classifier input shape mismatch")
	// ErrUnknownLabel means the classifier returned a label it has no
	// probability for (or one outside the configured label set).
	ErrUnknownLabel = errors.New("classifier returned unknown label")
)

// FeatureShape is the per-frame layout of a pose feature.
type FeatureShape struct {
	Channels  int // x, y, confidence
	Keypoints int
}

// DefaultFeatureShape matches the body-pose model: 3 channels over 18
// keypoints (nose, neck, shoulders, elbows, wrists, hips, knees, ankles,
// eyes, ears).
var DefaultFeatureShape = FeatureShape{Channels: 3, Keypoints: 18}

// Len is the number of values in one present feature.
func (s FeatureShape) Len() int { return s.Channels * s.Keypoints }

// PoseFeature is one frame of keypoint values. nil means nobody was detected.
type PoseFeature []float32

func (f PoseFeature) Present() bool { return f != nil }

// Window is an ordered run of features, most recent last.
type Window []PoseFeature

// PresentCount counts the frames that carry a detection.
func (w Window) PresentCount() int {
	n := 0
	for _, f := range w {
		if f.Present() {
			n++
		}
	}
	return n
}

// Tensor is the fixed-shape classifier input: [window, channels, keypoints]
// flattened in row-major order.
type Tensor struct {
	Shape []int     `json:"shape"`
	Data  []float32 `json:"data"`
}

// Prediction is the raw classifier output.
type Prediction struct {
	Label         string
	Probabilities map[string]float64
}

// Classifier is the black-box exercise model.
type Classifier interface {
	Classify(ctx context.Context, in Tensor) (Prediction, error)
}

// Kind discriminates the result variants.
type Kind int

const (
	NoPerson Kind = iota
	Starting
	LowConfidence
	Classified
)

var kindNames = [...]string{"no_person", "starting", "low_confidence", "classified"}

func (k Kind) String() string {
	if k < 0 || int(k) >= len(kindNames) {
		return fmt.Sprintf("kind(%d)", int(k))
	}
	return kindNames[k]
}

func (k Kind) MarshalText() ([]byte, error) { return []byte(k.String()), nil }

func (k *Kind) UnmarshalText(b []byte) error {
	for i, n := range kindNames {
		if n == string(b) {
			*k = Kind(i)
			return nil
		}
	}
	return fmt.Errorf("unknown result kind %q", b)
}

// Result is what one window amounts to. Label and Confidence are only set
// for Classified.
type Result struct {
	Kind       Kind    `json:"kind"`
	Label      string  `json:"label,omitempty"`
	Confidence float64 `json:"confidence,omitempty"`
}

func NoPersonResult() Result      { return Result{Kind: NoPerson} }
func StartingResult() Result      { return Result{Kind: Starting} }
func LowConfidenceResult() Result { return Result{Kind: LowConfidence} }

func ClassifiedResult(label string, confidence float64) Result {
	return Result{Kind: Classified, Label: label, Confidence: confidence}
}

// Text is the on-screen label for the result.
func (r Result) Text() string {
	switch r.Kind {
	case NoPerson:
		return "No Person"
	case Starting:
		return "Starting...\nPlace your entire body in the screen"
	case LowConfidence:
		return "????"
	default:
		return r.Label
	}
}

// ConfidenceText renders the confidence as a whole percentage.
func (r Result) ConfidenceText() string {
	return fmt.Sprintf("%2.0f %%", r.Confidence*100)
}
