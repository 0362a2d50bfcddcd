package session

import (
	"fmt"
	"sort"
)

// Workout is a named, scripted session.
type Workout struct {
	ID           string   `yaml:"id" json:"id"`
	Title        string   `yaml:"title" json:"title"`
	Level        string   `yaml:"level" json:"level"`
	Instructions []string `yaml:"instructions" json:"instructions"`
	Schedule     Schedule `yaml:"schedule" json:"schedule"`
}

// Validate checks the workout's identity and schedule.
func (w Workout) Validate() error {
	if w.ID == "" {
		return fmt.Errorf("workout id is required")
	}
	if err := w.Schedule.Validate(); err != nil {
		return fmt.Errorf("workout %q: %w", w.ID, err)
	}
	return nil
}

// ThirtySeconds is the built-in beginner workout: a 10 second countdown
// then squats, jumping jacks and squats again for 10 seconds each.
var ThirtySeconds = Workout{
	ID:    "thirty-seconds",
	Title: "Thirty Seconds",
	Level: "Easy",
	Instructions: []string{
		"10 Seconds of Squats",
		"10 Seconds of Jumping Jack",
		"10 Seconds of Squats",
	},
	Schedule: Schedule{
		Total: 40,
		Segments: []Segment{
			{Start: 0, End: 10},
			{Start: 10, End: 20, Exercise: "Squat", Animation: "lower_squat"},
			{Start: 20, End: 30, Exercise: "Jumping Jack", Animation: "jumping_jack"},
			{Start: 30, End: 40, Exercise: "Squat", Animation: "lower_squat"},
		},
	},
}

// Catalog indexes workouts by ID.
type Catalog map[string]Workout

// DefaultCatalog holds the built-in workouts.
func DefaultCatalog() Catalog {
	return Catalog{ThirtySeconds.ID: ThirtySeconds}
}

func (c Catalog) Get(id string) (Workout, error) {
	w, ok := c[id]
	if !ok {
		return Workout{}, fmt.Errorf("unknown workout %q (have %v)", id, c.IDs())
	}
	return w, nil
}

func (c Catalog) IDs() []string {
	ids := make([]string, 0, len(c))
	for id := range c {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

var animationText = map[string]string{
	"lower_squat":  "Squat",
	"upper_squat":  "Squat",
	"jumping_jack": "Jumping Jack",
}

// CueText is the prompt shown to the user for a segment.
func CueText(seg Segment) string {
	if t, ok := animationText[seg.Animation]; ok {
		return t
	}
	return seg.Exercise
}
