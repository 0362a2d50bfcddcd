package stream

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/maastricht-university/workout-coach/motion"
)

// Record is one line of a pose recording. A null keypoints array is a
// frame with nobody in it.
type Record struct {
	T         float64   `json:"t"`
	Keypoints []float32 `json:"keypoints"`
}

// Replay plays back a JSONL pose recording. When paced, frames are released
// at their recorded offsets; otherwise as fast as they are read.
type Replay struct {
	sc     *bufio.Scanner
	closer io.Closer
	paced  bool
	shape  motion.FeatureShape

	line    int
	started time.Time
	t0      float64
	first   bool
}

func NewReplay(r io.Reader, paced bool) *Replay {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), 4*1024*1024)
	rp := &Replay{sc: sc, paced: paced, shape: motion.DefaultFeatureShape, first: true}
	if c, ok := r.(io.Closer); ok {
		rp.closer = c
	}
	return rp
}

func OpenReplay(path string, paced bool) (*Replay, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open replay: %w", err)
	}
	return NewReplay(f, paced), nil
}

func (r *Replay) Next(ctx context.Context) (motion.PoseFeature, error) {
	for r.sc.Scan() {
		r.line++
		text := strings.TrimSpace(r.sc.Text())
		if text == "" {
			continue
		}
		var rec Record
		if err := json.Unmarshal([]byte(text), &rec); err != nil {
			return nil, fmt.Errorf("replay line %d: %w", r.line, err)
		}
		if rec.Keypoints != nil && len(rec.Keypoints) != r.shape.Len() {
			return nil, fmt.Errorf("%w: replay line %d has %d values, want %d",
				motion.ErrInputShape, r.line, len(rec.Keypoints), r.shape.Len())
		}
		if err := r.wait(ctx, rec.T); err != nil {
			return nil, err
		}
		return motion.PoseFeature(rec.Keypoints), nil
	}
	if err := r.sc.Err(); err != nil {
		return nil, fmt.Errorf("replay line %d: %w", r.line+1, err)
	}
	return nil, io.EOF
}

func (r *Replay) wait(ctx context.Context, t float64) error {
	if r.first {
		r.first = false
		r.started = time.Now()
		r.t0 = t
	}
	if !r.paced {
		return ctx.Err()
	}
	due := r.started.Add(time.Duration((t - r.t0) * float64(time.Second)))
	d := time.Until(due)
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (r *Replay) Close() error {
	if r.closer == nil {
		return nil
	}
	return r.closer.Close()
}
