package stream

import (
	"context"
	"io"
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/maastricht-university/workout-coach/motion"
)

type MockConfig struct {
	FPS int
	// Presence is the fraction of frames that carry a person, in [0, 1].
	Presence float64
	// Limit stops the stream after this many frames; 0 means endless.
	Limit int
	Seed  int64
}

type Stats struct {
	TraceID  string
	Frames   uint64
	Present  uint64
	FPS      int
	FPSReal  float64
	Duration time.Duration
}

// Mock generates synthetic poses at a fixed rate. Each present frame is a
// gently oscillating skeleton, enough to exercise the pipeline end to end.
type Mock struct {
	cfg     MockConfig
	traceID string
	log     logrus.FieldLogger

	mu      sync.Mutex
	rnd     *rand.Rand
	ticker  *time.Ticker
	frames  uint64
	present uint64
	start   time.Time
}

func NewMock(cfg MockConfig, log logrus.FieldLogger) *Mock {
	if cfg.Seed == 0 {
		cfg.Seed = time.Now().UnixNano()
	}
	if log == nil {
		log = logrus.StandardLogger()
	}
	id := uuid.New().String()
	m := &Mock{
		cfg:     cfg,
		traceID: id,
		log:     log.WithField("trace_id", id),
		rnd:     rand.New(rand.NewSource(cfg.Seed)),
	}
	if cfg.FPS > 0 {
		m.ticker = time.NewTicker(time.Second / time.Duration(cfg.FPS))
	}
	m.log.WithFields(logrus.Fields{"fps": cfg.FPS, "presence": cfg.Presence}).Info("mock stream starting")
	return m
}

func (m *Mock) Next(ctx context.Context) (motion.PoseFeature, error) {
	m.mu.Lock()
	if m.cfg.Limit > 0 && m.frames >= uint64(m.cfg.Limit) {
		m.mu.Unlock()
		return nil, io.EOF
	}
	m.mu.Unlock()

	if m.ticker != nil {
		select {
		case <-m.ticker.C:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	} else if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.frames == 0 {
		m.start = time.Now()
	}
	seq := m.frames
	m.frames++
	if m.rnd.Float64() >= m.cfg.Presence {
		return nil, nil
	}
	m.present++
	return skeleton(seq, m.cfg.FPS), nil
}

// skeleton lays out 18 keypoints as x, y, confidence, bobbing vertically
// about once a second.
func skeleton(seq uint64, fps int) motion.PoseFeature {
	if fps <= 0 {
		fps = 30
	}
	shape := motion.DefaultFeatureShape
	f := make(motion.PoseFeature, shape.Len())
	phase := 2 * math.Pi * float64(seq) / float64(fps)
	for k := 0; k < shape.Keypoints; k++ {
		x := 0.5 + 0.02*float64(k%3-1)
		y := 0.1 + 0.045*float64(k) + 0.05*math.Sin(phase)
		f[k] = float32(x)
		f[shape.Keypoints+k] = float32(y)
		f[2*shape.Keypoints+k] = 0.9
	}
	return f
}

func (m *Mock) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := Stats{TraceID: m.traceID, Frames: m.frames, Present: m.present, FPS: m.cfg.FPS}
	if m.frames > 0 {
		s.Duration = time.Since(m.start)
		if secs := s.Duration.Seconds(); secs > 0 {
			s.FPSReal = float64(m.frames) / secs
		}
	}
	return s
}

func (m *Mock) Close() error {
	if m.ticker != nil {
		m.ticker.Stop()
	}
	st := m.Stats()
	m.log.WithFields(logrus.Fields{"frames": st.Frames, "present": st.Present, "duration": st.Duration}).
		Info("mock stream stopped")
	return nil
}
