package session

import (
	"errors"
	"fmt"
	"sort"
)

// ErrInvalidSchedule is returned for schedules with gaps, overlaps or
// empty ranges.
var ErrInvalidSchedule = errors.New("invalid phase schedule")

// Segment covers [Start, End) seconds from session start. An empty
// Exercise marks countdown time.
type Segment struct {
	Start     int    `yaml:"start" json:"start"`
	End       int    `yaml:"end" json:"end"`
	Exercise  string `yaml:"exercise,omitempty" json:"exercise,omitempty"`
	Animation string `yaml:"animation,omitempty" json:"animation,omitempty"`
}

func (s Segment) Contains(elapsed int) bool { return elapsed >= s.Start && elapsed < s.End }

// Schedule maps session time to the expected exercise.
type Schedule struct {
	Total    int       `yaml:"total" json:"total"`
	Segments []Segment `yaml:"segments" json:"segments"`
}

// NewSchedule sorts a copy of segs by start time and validates it.
func NewSchedule(total int, segs []Segment) (Schedule, error) {
	s := Schedule{Total: total, Segments: append([]Segment(nil), segs...)}
	sort.SliceStable(s.Segments, func(i, j int) bool { return s.Segments[i].Start < s.Segments[j].Start })
	if err := s.Validate(); err != nil {
		return Schedule{}, err
	}
	return s, nil
}

// Validate checks that the segments, in order, tile [0, Total) exactly.
func (s Schedule) Validate() error {
	if s.Total <= 0 {
		return fmt.Errorf("%w: total duration must be > 0, got %d", ErrInvalidSchedule, s.Total)
	}
	if len(s.Segments) == 0 {
		return fmt.Errorf("%w: no segments", ErrInvalidSchedule)
	}
	cursor := 0
	for i, seg := range s.Segments {
		if seg.End <= seg.Start {
			return fmt.Errorf("%w: segment %d [%d, %d) is empty", ErrInvalidSchedule, i, seg.Start, seg.End)
		}
		if seg.Start < cursor {
			return fmt.Errorf("%w: segment %d [%d, %d) overlaps previous range ending at %d", ErrInvalidSchedule, i, seg.Start, seg.End, cursor)
		}
		if seg.Start > cursor {
			return fmt.Errorf("%w: gap [%d, %d) before segment %d", ErrInvalidSchedule, cursor, seg.Start, i)
		}
		cursor = seg.End
	}
	if cursor != s.Total {
		return fmt.Errorf("%w: segments end at %d, total is %d", ErrInvalidSchedule, cursor, s.Total)
	}
	return nil
}

// At returns the segment containing elapsed.
func (s Schedule) At(elapsed int) (Segment, bool) {
	i := sort.Search(len(s.Segments), func(i int) bool { return s.Segments[i].End > elapsed })
	if i < len(s.Segments) && s.Segments[i].Contains(elapsed) {
		return s.Segments[i], true
	}
	return Segment{}, false
}

// CountdownLength is the time before the first exercise segment.
func (s Schedule) CountdownLength() int {
	for _, seg := range s.Segments {
		if seg.Exercise != "" {
			return seg.Start
		}
	}
	return s.Total
}

// ExerciseDuration is the part of the session after the countdown.
func (s Schedule) ExerciseDuration() int {
	return s.Total - s.CountdownLength()
}
