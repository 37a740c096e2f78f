// Package scheduler drives the ingestion pipeline: a pool of workers that
// claim queued jobs and hand them to the pipeline processor, plus periodic
// maintenance that recovers stale jobs and prunes working directories.
package scheduler

import "time"

// Clock abstracts time so backoff and shutdown waits can be tested without
// real sleeps.
type Clock interface {
	Now() time.Time
	After(d time.Duration) <-chan time.Time
}

type realClock struct{}

// RealClock returns a Clock backed by the time package.
func RealClock() Clock {
	return realClock{}
}

func (realClock) Now() time.Time {
	return time.Now()
}

func (realClock) After(d time.Duration) <-chan time.Time {
	return time.After(d)
}
