package session

import (
	"fmt"
	"sort"
	"sync"

	"github.com/maastricht-university/workout-coach/motion"
)

// DisplayableResult is one line of the end-of-session summary.
type DisplayableResult struct {
	Label      string  `json:"label"`
	Evidence   int     `json:"evidence"`
	Duration   float64 `json:"duration_s"`
	Percentage float64 `json:"percentage"`
}

func (r DisplayableResult) DurationText() string   { return fmt.Sprintf("%0.1fs", r.Duration) }
func (r DisplayableResult) PercentageText() string { return fmt.Sprintf("%2.1f %%", r.Percentage) }

// Aggregator accumulates frame weight per classified label.
type Aggregator struct {
	mu       sync.Mutex
	evidence map[string]int
	order    []string // first-seen order, for stable ties
}

func NewAggregator() *Aggregator {
	return &Aggregator{evidence: make(map[string]int)}
}

// Accumulate adds weight for Classified results and ignores every other
// kind. It reports whether the evidence changed.
func (a *Aggregator) Accumulate(r motion.Result, weight int) bool {
	if r.Kind != motion.Classified || weight <= 0 {
		return false
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if _, seen := a.evidence[r.Label]; !seen {
		a.order = append(a.order, r.Label)
	}
	a.evidence[r.Label] += weight
	return true
}

// Finalize converts the evidence into percentages of the session and
// durations over exerciseSeconds, most evidence first. It does not consume
// the evidence, so repeated calls agree.
func (a *Aggregator) Finalize(exerciseSeconds float64) []DisplayableResult {
	a.mu.Lock()
	defer a.mu.Unlock()

	out := make([]DisplayableResult, 0, len(a.order))
	total := 0
	for _, label := range a.order {
		total += a.evidence[label]
	}
	if total == 0 {
		return out
	}

	for _, label := range a.order {
		e := a.evidence[label]
		pct := 100 * float64(e) / float64(total)
		out = append(out, DisplayableResult{
			Label:      label,
			Evidence:   e,
			Percentage: pct,
			Duration:   pct * exerciseSeconds / 100,
		})
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Evidence > out[j].Evidence })
	return out
}

// Reset drops all evidence.
func (a *Aggregator) Reset() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.evidence = make(map[string]int)
	a.order = nil
}

// Snapshot copies the current evidence.
func (a *Aggregator) Snapshot() map[string]int {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make(map[string]int, len(a.evidence))
	for k, v := range a.evidence {
		out[k] = v
	}
	return out
}

func (a *Aggregator) Empty() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.order) == 0
}
