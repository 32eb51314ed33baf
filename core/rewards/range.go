package rewards

import "sync"

// RangeTracker keeps a bounded window of recent in-range samples per position.
type RangeTracker struct {
	mu      sync.Mutex
	size    int
	samples map[string]*rangeRing
}

type rangeRing struct {
	values []bool
	next   int
	filled int
	hits   int
}

// NewRangeTracker returns a tracker remembering the last size samples per position.
func NewRangeTracker(size int) *RangeTracker {
	if size <= 0 {
		size = 1
	}
	return &RangeTracker{size: size, samples: make(map[string]*rangeRing)}
}

// Observe records a sample for the position and returns its updated in-range fraction.
func (t *RangeTracker) Observe(positionID string, inRange bool) float64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	ring, ok := t.samples[positionID]
	if !ok {
		ring = &rangeRing{values: make([]bool, t.size)}
		t.samples[positionID] = ring
	}
	if ring.filled == len(ring.values) {
		if ring.values[ring.next] {
			ring.hits--
		}
	} else {
		ring.filled++
	}
	ring.values[ring.next] = inRange
	if inRange {
		ring.hits++
	}
	ring.next = (ring.next + 1) % len(ring.values)
	return ring.fraction()
}

// InRangeFraction implements RangeHistory.
func (t *RangeTracker) InRangeFraction(positionID string) (float64, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	ring, ok := t.samples[positionID]
	if !ok || ring.filled == 0 {
		return 0, false
	}
	return ring.fraction(), true
}

// Retain drops history for every position not present in keep.
func (t *RangeTracker) Retain(keep map[string]struct{}) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for id := range t.samples {
		if _, ok := keep[id]; !ok {
			delete(t.samples, id)
		}
	}
}

// Len returns the number of tracked positions.
func (t *RangeTracker) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.samples)
}

func (r *rangeRing) fraction() float64 {
	if r.filled == 0 {
		return 0
	}
	return float64(r.hits) / float64(r.filled)
}
