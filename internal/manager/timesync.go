package manager

import (
	"sync"
	"time"
)

// microsPerSecond converts between the two time units used at the boundary.
const microsPerSecond = 1_000_000

// NetMicros folds a manager-clock sample into a single integer microsecond
// value. All internal time arithmetic happens in integer microseconds;
// epoch seconds appear only at the boundary.
func NetMicros(utcSecs, utcUsecs int64) int64 {
	return utcSecs*microsPerSecond + utcUsecs
}

// TimeSync holds the single signed offset between the local wall clock and
// the manager's network clock, sampled at (re)connection. The offset is
// stable within a session and may jump on reconnect.
type TimeSync struct {
	nowMicros func() int64

	mu         sync.Mutex
	diffMicros int64
	synced     bool
}

// NewTimeSync creates an unsynced TimeSync using the system clock.
func NewTimeSync() *TimeSync {
	return &TimeSync{nowMicros: func() int64 { return time.Now().UnixMicro() }}
}

// Sync samples the offset: wall time minus network time.
func (t *TimeSync) Sync(netMicros int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.diffMicros = t.nowMicros() - netMicros
	t.synced = true
}

// Reset discards the offset. Called when a session ends so a stale offset is
// never applied across a reconnect.
func (t *TimeSync) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.synced = false
}

// Epoch projects a network-time sample into epoch seconds, rounding to the
// nearest second. ok is false before the first Sync of the session.
func (t *TimeSync) Epoch(netMicros int64) (int64, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.synced {
		return 0, false
	}
	total := netMicros + t.diffMicros
	return (total + microsPerSecond/2) / microsPerSecond, true
}

// OffsetMicros returns the current offset in microseconds.
func (t *TimeSync) OffsetMicros() (int64, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.diffMicros, t.synced
}
