package executor

import "time"

// unitStats accumulates per-unit statistics for the life of the instance,
// mutated only under the executor's lock on the queue's single worker
// goroutine.
type unitStats struct {
	RequestsCount uint64
	ErrorsCount   uint64
	TimeoutsCount uint
	TimedOutTime  time.Time
}

func (s *unitStats) recordResponse(now time.Time, err error, timedOut bool) {
	s.RequestsCount++
	if err != nil {
		s.ErrorsCount++
	}

	if timedOut {
		s.TimeoutsCount++
		s.TimedOutTime = now
	} else {
		s.TimeoutsCount = 0
	}
}

// inBackoff reports whether a LOW priority request to this unit should be
// skipped without touching the driver.
func (s *unitStats) inBackoff(now time.Time, timeout time.Duration) bool {
	if s.TimeoutsCount <= 2 {
		return false
	}
	return now.Sub(s.TimedOutTime) < 3*timeout
}

// durationBuffer keeps the last 100 non-timeout response durations for
// the running average exposed by AverageDuration.
type durationBuffer struct {
	samples []time.Duration
}

const durationBufferCap = 100

func (b *durationBuffer) add(d time.Duration) {
	b.samples = append(b.samples, d)
	if len(b.samples) > durationBufferCap {
		b.samples = b.samples[len(b.samples)-durationBufferCap:]
	}
}

// average returns the mean duration and true, or false if fewer than 4
// samples are present.
func (b *durationBuffer) average() (time.Duration, bool) {
	if len(b.samples) <= 3 {
		return 0, false
	}

	var total time.Duration
	for _, d := range b.samples {
		total += d
	}
	return total / time.Duration(len(b.samples)), true
}
