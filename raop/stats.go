package raop

import (
	"sync/atomic"
	"time"
)

// Stats holds streaming progress counters, updated by the scheduler loop
// and safe to read concurrently from any goroutine.
type Stats struct {
	totalFrames    int64
	intervalFrames int64

	startTime     time.Time
	intervalStart time.Time
}

// NewStats allocates a Stats with its clocks set to now.
func NewStats(now time.Time) *Stats {
	return &Stats{
		startTime:     now,
		intervalStart: now,
	}
}

// AddFrames records n frames having been sent, advancing both the
// lifetime and current-interval counters.
func (s *Stats) AddFrames(n int) {
	atomic.AddInt64(&s.totalFrames, int64(n))
	atomic.AddInt64(&s.intervalFrames, int64(n))
}

// TotalFrames returns the number of frames sent since the stream started.
func (s *Stats) TotalFrames() int64 {
	return atomic.LoadInt64(&s.totalFrames)
}

// ExpectedFrameCount returns how many frames should have been sent by now
// at the given sample rate, based on wall-clock elapsed since start.
func (s *Stats) ExpectedFrameCount(sampleRate int, now time.Time) int64 {
	elapsed := now.Sub(s.startTime)
	return int64(elapsed.Seconds() * float64(sampleRate))
}

// IntervalFrames returns the number of frames sent in the current
// interval so far, without resetting it.
func (s *Stats) IntervalFrames() int64 {
	return atomic.LoadInt64(&s.intervalFrames)
}

// IntervalCompleted resets the current-interval counter and returns the
// number of frames sent, and the duration, since the previous reset.
func (s *Stats) IntervalCompleted(now time.Time) (frames int64, elapsed time.Duration) {
	frames = atomic.SwapInt64(&s.intervalFrames, 0)
	elapsed = now.Sub(s.intervalStart)
	s.intervalStart = now
	return
}
