package motion

import "fmt"

// Collector slides a window of Size frames forward in hops of Stride.
// It holds no buffer itself; callers thread the previous window through.
type Collector struct {
	size   int
	stride int
}

func NewCollector(size, stride int) (*Collector, error) {
	if size <= 0 {
		return nil, fmt.Errorf("window size must be > 0, got %d", size)
	}
	if stride <= 0 || stride > size {
		return nil, fmt.Errorf("stride must be in [1, %d], got %d", size, stride)
	}
	return &Collector{size: size, stride: stride}, nil
}

func (c *Collector) Size() int   { return c.size }
func (c *Collector) Stride() int { return c.stride }

// Collect returns a new window with f appended. Once prev is full the Stride
// oldest entries are evicted first, so a complete window recurs every Stride
// frames. prev is never modified.
func (c *Collector) Collect(prev Window, f PoseFeature) Window {
	start := 0
	if len(prev) >= c.size {
		start = len(prev) - c.size + c.stride
	}
	next := make(Window, 0, c.size)
	next = append(next, prev[start:]...)
	return append(next, f)
}

// IsComplete reports whether w can be classified.
func (c *Collector) IsComplete(w Window) bool {
	return len(w) == c.size
}
