package mpi

import "time"

// DetectionStats summarizes one detection run.
type DetectionStats struct {
	Population int
	Pairs      int
	Edges      int
	Groups     int
	Threshold  float64
	Duration   time.Duration
}

// Observer receives the outcome of detection runs and merges. The metrics
// package implements it; the default is a no-op.
type Observer interface {
	DetectionCompleted(stats DetectionStats, err error)
	MergeCompleted(summary *MergeSummary, elapsed time.Duration, err error)
}

type nopObserver struct{}

func (nopObserver) DetectionCompleted(DetectionStats, error) {}
func (nopObserver) MergeCompleted(*MergeSummary, time.Duration, error) {}

func observerOrNop(o Observer) Observer {
	if o == nil {
		return nopObserver{}
	}
	return o
}
