package publisher

import (
	"context"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/realms-team/basestation-fw/internal/appstate"
	"github.com/realms-team/basestation-fw/internal/sol"
)

// bufferWindow is how long an object is held before it becomes eligible for
// a file write. Reliable notifications (health reports, events) can arrive
// late with older timestamps than fresh data; holding a short window keeps
// each write approximately chronological, which the resend range scan
// depends on.
const bufferWindow = 30 * time.Second

// File buffers objects and appends them to the backup file, sorted by
// timestamp, on each drain. The supervisor owns the single instance.
type File struct {
	buf    *buffer
	backup *sol.BackupFile
	stats  *appstate.Stats
	logger *zap.Logger
	now    func() time.Time

	// retry holds a batch whose write failed, to be retried on the next
	// drain exactly once before being dropped.
	retry []sol.Object
}

// NewFile creates the file publisher writing to backup.
func NewFile(backup *sol.BackupFile, stats *appstate.Stats, logger *zap.Logger) *File {
	return &File{
		buf:    newBuffer(0),
		backup: backup,
		stats:  stats,
		logger: logger.Named("pubfile"),
		now:    time.Now,
	}
}

// Publish buffers one object for the next drain. Never blocks on I/O.
func (p *File) Publish(o sol.Object) {
	if dropped := p.buf.push(o); dropped > 0 {
		p.stats.Add(appstate.StatPubFileDrops, int64(dropped))
	}
}

// Backlog returns the number of buffered objects.
func (p *File) Backlog() int { return p.buf.len() }

// Drain writes every object older than the buffer window to the backup
// file, in ascending timestamp order. Called by the periodic driver and once
// more, best effort, on shutdown.
func (p *File) Drain(ctx context.Context) {
	cutoff := p.now().Add(-bufferWindow).Unix()

	p.buf.mu.Lock()
	sort.SliceStable(p.buf.objs, func(i, k int) bool {
		return p.buf.objs[i].Timestamp < p.buf.objs[k].Timestamp
	})
	var batch []sol.Object
	for len(p.buf.objs) > 0 && p.buf.objs[0].Timestamp <= cutoff {
		batch = append(batch, p.buf.objs[0])
		p.buf.objs = p.buf.objs[1:]
	}
	backlog := len(p.buf.objs)
	p.buf.mu.Unlock()

	p.stats.Set(appstate.StatPubFileBacklog, int64(backlog))

	// A batch that failed on the previous drain goes first so the file stays
	// chronological. Objects get exactly one retry: if the write fails again
	// the carried-over portion is dropped and counted, bounding memory under
	// a persistently broken disk.
	carried := len(p.retry)
	if carried > 0 {
		batch = append(p.retry, batch...)
		p.retry = nil
	}
	if len(batch) == 0 {
		return
	}

	p.stats.Increment(appstate.StatPubFileWrites)
	if err := p.backup.Append(batch); err != nil {
		p.logger.Error("backup file write failed", zap.Int("objects", len(batch)), zap.Error(err))
		if carried > 0 {
			p.stats.Add(appstate.StatPubFileDrops, int64(carried))
			batch = batch[carried:]
		}
		p.retry = batch
		return
	}
	p.logger.Debug("backup file written", zap.Int("objects", len(batch)))
}
