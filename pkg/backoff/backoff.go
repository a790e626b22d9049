// Package backoff provides the two delay policies used by the delivery
// layer: an exponential policy for ack-timeout retries and a fixed step
// schedule for client reconnection.
package backoff

import "time"

// Exponential computes bounded exponential retry delays.
// The delay for the n-th retry (1-based) is min(Base·Multiplier^(n−1), Cap).
type Exponential struct {
	Base       time.Duration
	Multiplier float64
	Cap        time.Duration
}

// Delay returns the delay before the given retry attempt. Attempts below 1
// are treated as the first attempt.
func (e Exponential) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := float64(e.Base)
	for i := 1; i < attempt; i++ {
		d *= e.Multiplier
		if time.Duration(d) >= e.Cap {
			return e.Cap
		}
	}
	if time.Duration(d) > e.Cap {
		return e.Cap
	}
	return time.Duration(d)
}

// Schedule walks a fixed, non-decreasing sequence of delays, repeating the
// final step once the sequence is exhausted.
type Schedule struct {
	steps []time.Duration
	next  int
}

// NewSchedule creates a schedule over the given steps. NewSchedule copies
// the slice; an empty slice yields a schedule that always returns zero.
func NewSchedule(steps []time.Duration) *Schedule {
	return &Schedule{steps: append([]time.Duration(nil), steps...)}
}

// Next returns the next delay in the schedule and advances it.
func (s *Schedule) Next() time.Duration {
	if len(s.steps) == 0 {
		return 0
	}
	d := s.steps[s.next]
	if s.next < len(s.steps)-1 {
		s.next++
	}
	return d
}

// Reset rewinds the schedule to its first step.
func (s *Schedule) Reset() {
	s.next = 0
}
