package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/maastricht-university/workout-coach/session"
)

type workoutFile struct {
	Workouts []session.Workout `yaml:"workouts"`
}

// LoadWorkouts decodes a workout definition file. Every schedule is
// validated; one bad workout fails the whole file.
func LoadWorkouts(path string) (session.Catalog, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open workouts: %w", err)
	}
	defer f.Close()

	var wf workoutFile
	dec := yaml.NewDecoder(f)
	dec.KnownFields(true)
	if err := dec.Decode(&wf); err != nil {
		return nil, fmt.Errorf("decode workouts %s: %w", path, err)
	}

	out := session.Catalog{}
	for _, w := range wf.Workouts {
		s, err := session.NewSchedule(w.Schedule.Total, w.Schedule.Segments)
		if err != nil {
			return nil, fmt.Errorf("workout %q: %w", w.ID, err)
		}
		w.Schedule = s
		if err := w.Validate(); err != nil {
			return nil, err
		}
		if _, dup := out[w.ID]; dup {
			return nil, fmt.Errorf("workout %q defined twice", w.ID)
		}
		out[w.ID] = w
	}
	return out, nil
}

// Workout resolves session.workout against the built-in catalog, extended
// or overridden by session.workouts_file.
func (c *Root) Workout() (session.Workout, error) {
	cat, err := c.Catalog()
	if err != nil {
		return session.Workout{}, err
	}
	return cat.Get(c.Session.Workout)
}

func (c *Root) Catalog() (session.Catalog, error) {
	cat := session.DefaultCatalog()
	if c.Session.WorkoutsFile == "" {
		return cat, nil
	}
	extra, err := LoadWorkouts(c.Session.WorkoutsFile)
	if err != nil {
		return nil, err
	}
	for id, w := range extra {
		cat[id] = w
	}
	return cat, nil
}
