// Package stuck decides whether a live process has stopped doing work, based
// on how little its CPU consumption varies over the last few samples.
package stuck

import (
	"math"
	"sync"
)

const (
	// WindowSize is the number of samples needed before a verdict is possible.
	WindowSize = 5
	// Threshold is the maximum distance from the mean, in sample units, that
	// still counts as "no variation".
	Threshold = 3.0
)

// Detector keeps a sliding window of CPU samples for the primary process.
// It is safe for concurrent use.
type Detector struct {
	mu        sync.Mutex
	samples   []float64
	size      int
	threshold float64
}

func New() *Detector {
	return &Detector{size: WindowSize, threshold: Threshold, samples: make([]float64, 0, WindowSize)}
}

// Evaluate applies one observation. With no processes the window is reset and
// the process cannot be stuck; otherwise sample is pushed and judged.
func (d *Detector) Evaluate(processes int, sample float64) bool {
	if processes == 0 {
		d.Reset()
		return false
	}
	return d.Observe(sample)
}

// Observe pushes sample, evicting the oldest beyond capacity, and reports
// whether every sample in a full window lies within the threshold of the mean.
func (d *Detector) Observe(sample float64) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.samples) >= d.size {
		copy(d.samples, d.samples[1:])
		d.samples = d.samples[:d.size-1]
	}
	d.samples = append(d.samples, sample)
	if len(d.samples) < d.size {
		return false
	}
	avg := mean(d.samples)
	for _, s := range d.samples {
		if math.Abs(avg-s) >= d.threshold {
			return false
		}
	}
	return true
}

// Reset empties the window.
func (d *Detector) Reset() {
	d.mu.Lock()
	d.samples = d.samples[:0]
	d.mu.Unlock()
}

// Samples returns a copy of the window, oldest first.
func (d *Detector) Samples() []float64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]float64, len(d.samples))
	copy(out, d.samples)
	return out
}

// Mean of the current window; zero when empty.
func (d *Detector) Mean() float64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return mean(d.samples)
}

func mean(xs []float64) float64 {
	if len(xs) == 0 {
		return 0
	}
	var sum float64
	for _, x := range xs {
		sum += x
	}
	return sum / float64(len(xs))
}
