// Package session sequences a workout: the phase state machine driven by a
// one-second clock, the schedule of expected exercises and the evidence
// aggregated into the end-of-session summary.
package session

import (
	"fmt"
	"sync"
)

// Phase is the session lifecycle state.
type Phase int

const (
	Inactive Phase = iota
	Setup
	Started
	Ended
)

var phaseNames = [...]string{"inactive", "setup", "started", "ended"}

func (p Phase) String() string {
	if p < 0 || int(p) >= len(phaseNames) {
		return fmt.Sprintf("phase(%d)", int(p))
	}
	return phaseNames[p]
}

func (p Phase) MarshalText() ([]byte, error) { return []byte(p.String()), nil }

// Active reports whether a session is in flight.
func (p Phase) Active() bool { return p == Setup || p == Started }

// Transition records a phase change. Generation identifies the session the
// change belongs to; it is bumped on every toggle.
type Transition struct {
	From       Phase  `json:"from"`
	To         Phase  `json:"to"`
	Generation uint64 `json:"generation"`
}

// Cue is the scheduled exercise prompt for the current second.
type Cue struct {
	Elapsed   int    `json:"elapsed"`
	Exercise  string `json:"exercise"`
	Animation string `json:"animation,omitempty"`
	Text      string `json:"text"`
	// Changed is set on the first tick of a new segment.
	Changed bool `json:"changed"`
}

// Tick is what one clock tick did to the session.
type Tick struct {
	Elapsed    int
	Countdown  int
	Remaining  int
	Phase      Phase
	Cue        *Cue
	Transition *Transition
	Ended      bool
}

// Machine is the session state machine. Only the clock task writes to it;
// anyone may read.
type Machine struct {
	schedule Schedule

	mu         sync.RWMutex
	phase      Phase
	elapsed    int
	generation uint64
	cueStart   int
}

func NewMachine(s Schedule) *Machine {
	return &Machine{schedule: s, cueStart: -1}
}

func (m *Machine) Schedule() Schedule { return m.schedule }

// Toggle starts a session from Inactive, or aborts/resets any other phase
// back to Inactive. The timer is zeroed either way.
func (m *Machine) Toggle() Transition {
	m.mu.Lock()
	defer m.mu.Unlock()

	from := m.phase
	if from == Inactive {
		m.phase = Setup
	} else {
		m.phase = Inactive
	}
	m.elapsed = 0
	m.cueStart = -1
	m.generation++
	return Transition{From: from, To: m.phase, Generation: m.generation}
}

// Tick advances the session by one second. It reports false, and changes
// nothing, while Inactive or Ended.
func (m *Machine) Tick() (Tick, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.phase == Inactive || m.phase == Ended {
		return m.tickLocked(), false
	}

	m.elapsed++
	if m.elapsed >= m.schedule.Total {
		t := m.transitionLocked(Ended)
		tk := m.tickLocked()
		tk.Transition = &t
		tk.Ended = true
		return tk, true
	}

	var (
		cue *Cue
		tr  *Transition
	)
	if seg, ok := m.schedule.At(m.elapsed); ok && seg.Exercise != "" {
		if m.phase != Started {
			t := m.transitionLocked(Started)
			tr = &t
		}
		cue = &Cue{
			Elapsed:   m.elapsed,
			Exercise:  seg.Exercise,
			Animation: seg.Animation,
			Text:      CueText(seg),
			Changed:   seg.Start != m.cueStart,
		}
		m.cueStart = seg.Start
	}

	tk := m.tickLocked()
	tk.Cue = cue
	tk.Transition = tr
	return tk, true
}

func (m *Machine) transitionLocked(to Phase) Transition {
	t := Transition{From: m.phase, To: to, Generation: m.generation}
	m.phase = to
	return t
}

func (m *Machine) tickLocked() Tick {
	countdown := m.schedule.CountdownLength() - m.elapsed
	if countdown < 0 || m.phase == Started || m.phase == Ended {
		countdown = 0
	}
	return Tick{
		Elapsed:   m.elapsed,
		Countdown: countdown,
		Remaining: m.schedule.Total - m.elapsed,
		Phase:     m.phase,
	}
}

func (m *Machine) Phase() Phase {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.phase
}

func (m *Machine) Elapsed() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.elapsed
}

func (m *Machine) Generation() uint64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.generation
}

// State reads phase and generation together.
func (m *Machine) State() (Phase, uint64) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.phase, m.generation
}
