package delivery

import (
	"sync"
	"time"
)

// timerSet tracks every ack-timeout and scheduled-retry timer, keyed by
// connection id and envelope id, so disconnect paths can cancel all timers
// tied to a connection structurally rather than by convention. A canceled
// timer's callback never runs, even if it already fired into the race.
type timerSet struct {
	mu sync.Mutex
	m  map[string]map[string]*time.Timer
}

func newTimerSet() *timerSet {
	return &timerSet{m: make(map[string]map[string]*time.Timer)}
}

// arm schedules fn after d, replacing any existing timer for the same
// connection and envelope.
func (ts *timerSet) arm(connectionID, envelopeID string, d time.Duration, fn func()) {
	ts.mu.Lock()
	defer ts.mu.Unlock()

	byEnv, ok := ts.m[connectionID]
	if !ok {
		byEnv = make(map[string]*time.Timer)
		ts.m[connectionID] = byEnv
	}
	if old, ok := byEnv[envelopeID]; ok {
		old.Stop()
	}

	var t *time.Timer
	t = time.AfterFunc(d, func() {
		if ts.take(connectionID, envelopeID, t) {
			fn()
		}
	})
	byEnv[envelopeID] = t
}

// take claims a fired timer. It reports false when the timer was replaced
// or canceled after firing, in which case the callback must not run.
func (ts *timerSet) take(connectionID, envelopeID string, t *time.Timer) bool {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	byEnv, ok := ts.m[connectionID]
	if !ok || byEnv[envelopeID] != t {
		return false
	}
	delete(byEnv, envelopeID)
	if len(byEnv) == 0 {
		delete(ts.m, connectionID)
	}
	return true
}

// cancel stops the timer for one envelope. It reports whether a timer was
// armed.
func (ts *timerSet) cancel(connectionID, envelopeID string) bool {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	byEnv, ok := ts.m[connectionID]
	if !ok {
		return false
	}
	t, ok := byEnv[envelopeID]
	if !ok {
		return false
	}
	t.Stop()
	delete(byEnv, envelopeID)
	if len(byEnv) == 0 {
		delete(ts.m, connectionID)
	}
	return true
}

// cancelConnection stops every timer tied to a connection and returns how
// many were canceled.
func (ts *timerSet) cancelConnection(connectionID string) int {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	byEnv, ok := ts.m[connectionID]
	if !ok {
		return 0
	}
	for _, t := range byEnv {
		t.Stop()
	}
	n := len(byEnv)
	delete(ts.m, connectionID)
	return n
}

// cancelAll stops every timer in the set.
func (ts *timerSet) cancelAll() {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	for connID, byEnv := range ts.m {
		for _, t := range byEnv {
			t.Stop()
		}
		delete(ts.m, connID)
	}
}
