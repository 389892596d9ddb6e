// Package publisher drains the object stream to its two sinks: the local
// append-only backup file and the remote aggregation server. Each publisher
// owns an independent backlog buffer, so a stalled sink never blocks ingest
// or the other sink. Drains run on the periodic driver's cadence; delivery
// is at-least-once and the upstream server deduplicates on
// (MAC, timestamp, type).
package publisher

import (
	"sync"

	"github.com/realms-team/basestation-fw/internal/sol"
)

// defaultMaxBacklog caps each publisher's buffer. When the cap is hit the
// oldest buffered object is dropped and counted; losing the oldest data
// keeps the stream's recent edge intact, which is what operators act on.
const defaultMaxBacklog = 65536

// buffer is a bounded FIFO of sensor objects under its own lock.
type buffer struct {
	mu   sync.Mutex
	objs []sol.Object
	max  int
}

func newBuffer(max int) *buffer {
	if max <= 0 {
		max = defaultMaxBacklog
	}
	return &buffer{max: max}
}

// push appends o, evicting the oldest object when full. Returns the number
// of objects dropped (0 or 1).
func (b *buffer) push(o sol.Object) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	dropped := 0
	if len(b.objs) >= b.max {
		b.objs = b.objs[1:]
		dropped = 1
	}
	b.objs = append(b.objs, o)
	return dropped
}

func (b *buffer) len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.objs)
}
