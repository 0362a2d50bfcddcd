package clients

import (
	"bufio"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/maastricht-university/workout-coach/motion"
)

// maxFrame bounds a single worker message.
const maxFrame = 16 << 20

type workerRequest struct {
	Seq   uint64    `msgpack:"seq"`
	Shape []int     `msgpack:"shape"`
	Poses []float32 `msgpack:"poses"`
}

type workerResponse struct {
	Seq                uint64             `msgpack:"seq"`
	Label              string             `msgpack:"label"`
	LabelProbabilities map[string]float64 `msgpack:"label_probabilities"`
	Error              string             `msgpack:"error,omitempty"`
	// ErrorCode "shape" marks an input the model cannot accept.
	ErrorCode string `msgpack:"error_code,omitempty"`
}

// writeFrame writes a 4-byte big-endian length prefix then payload.
func writeFrame(w io.Writer, payload []byte) error {
	var prefix [4]byte
	binary.BigEndian.PutUint32(prefix[:], uint32(len(payload)))
	if _, err := w.Write(prefix[:]); err != nil {
		return fmt.Errorf("write length prefix: %w", err)
	}
	if _, err := w.Write(payload); err != nil {
		return fmt.Errorf("write payload: %w", err)
	}
	return nil
}

func readFrame(r io.Reader) ([]byte, error) {
	var prefix [4]byte
	if _, err := io.ReadFull(r, prefix[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(prefix[:])
	if n > maxFrame {
		return nil, fmt.Errorf("frame of %d bytes exceeds limit", n)
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, fmt.Errorf("read payload: %w", err)
	}
	return buf, nil
}

type ProcessConfig struct {
	Command string
	Args    []string
	// Env is appended to the current environment.
	Env     []string
	Timeout time.Duration
	Log     logrus.FieldLogger
}

// ProcessClassifier runs the model as a child process and talks msgpack
// over its stdin/stdout, one request in flight at a time. A worker that
// times out or breaks the framing is killed and respawned on the next call.
type ProcessClassifier struct {
	cfg ProcessConfig
	log logrus.FieldLogger

	mu     sync.Mutex
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout *bufio.Reader
	done   chan struct{}
	seq    uint64
}

func NewProcessClassifier(cfg ProcessConfig) *ProcessClassifier {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 2 * time.Second
	}
	log := cfg.Log
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &ProcessClassifier{cfg: cfg, log: log.WithField("worker", cfg.Command)}
}

// Start spawns the worker. Classify also spawns lazily.
func (p *ProcessClassifier) Start() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.spawnLocked()
}

func (p *ProcessClassifier) spawnLocked() error {
	if p.cmd != nil {
		return nil
	}
	cmd := exec.Command(p.cfg.Command, p.cfg.Args...)
	cmd.Env = append(os.Environ(), p.cfg.Env...)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return fmt.Errorf("stderr pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start classifier worker: %w", err)
	}

	done := make(chan struct{})
	go p.logStderr(stderr)
	go func() {
		err := cmd.Wait()
		p.log.WithError(err).Debug("classifier worker exited")
		close(done)
	}()

	p.cmd = cmd
	p.stdin = stdin
	p.stdout = bufio.NewReader(stdout)
	p.done = done
	p.log.WithField("pid", cmd.Process.Pid).Info("classifier worker spawned")
	return nil
}

func (p *ProcessClassifier) logStderr(r io.Reader) {
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		p.log.WithField("stream", "stderr").Debug(sc.Text())
	}
}

func (p *ProcessClassifier) Classify(ctx context.Context, in motion.Tensor) (motion.Prediction, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if err := p.spawnLocked(); err != nil {
		return motion.Prediction{}, err
	}

	p.seq++
	payload, err := msgpack.Marshal(workerRequest{Seq: p.seq, Shape: in.Shape, Poses: in.Data})
	if err != nil {
		return motion.Prediction{}, fmt.Errorf("marshal request: %w", err)
	}

	type reply struct {
		resp workerResponse
		err  error
	}
	ch := make(chan reply, 1)
	stdin, stdout := p.stdin, p.stdout
	go func() {
		if err := writeFrame(stdin, payload); err != nil {
			ch <- reply{err: err}
			return
		}
		b, err := readFrame(stdout)
		if err != nil {
			ch <- reply{err: fmt.Errorf("read response: %w", err)}
			return
		}
		var resp workerResponse
		if err := msgpack.Unmarshal(b, &resp); err != nil {
			ch <- reply{err: fmt.Errorf("unmarshal response: %w", err)}
			return
		}
		ch <- reply{resp: resp}
	}()

	timer := time.NewTimer(p.cfg.Timeout)
	defer timer.Stop()

	var r reply
	select {
	case r = <-ch:
	case <-timer.C:
		p.stopLocked()
		return motion.Prediction{}, fmt.Errorf("classifier worker timed out after %s", p.cfg.Timeout)
	case <-ctx.Done():
		p.stopLocked()
		return motion.Prediction{}, ctx.Err()
	}

	if r.err != nil {
		p.stopLocked()
		return motion.Prediction{}, r.err
	}
	if r.resp.Seq != p.seq {
		p.stopLocked()
		return motion.Prediction{}, fmt.Errorf("response seq %d does not match request %d", r.resp.Seq, p.seq)
	}
	if r.resp.Error != "" {
		if r.resp.ErrorCode == "shape" {
			return motion.Prediction{}, fmt.Errorf("%w: %s", motion.ErrInputShape, r.resp.Error)
		}
		return motion.Prediction{}, errors.New(r.resp.Error)
	}
	return motion.Prediction{Label: r.resp.Label, Probabilities: r.resp.LabelProbabilities}, nil
}

func (p *ProcessClassifier) stopLocked() {
	if p.cmd == nil {
		return
	}
	_ = p.stdin.Close()
	if p.cmd.Process != nil {
		_ = p.cmd.Process.Kill()
	}
	select {
	case <-p.done:
	case <-time.After(time.Second):
		p.log.Warn("classifier worker did not exit after kill")
	}
	p.cmd = nil
	p.stdin = nil
	p.stdout = nil
}

// Close stops the worker.
func (p *ProcessClassifier) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.stopLocked()
	return nil
}
