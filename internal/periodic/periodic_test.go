package periodic

import (
	"context"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/realms-team/basestation-fw/internal/appstate"
)

func newRunnerFixture(t *testing.T) (*Runner, *appstate.Stats) {
	stats := appstate.NewStats(filepath.Join(t.TempDir(), "s.stats"), zap.NewNop())
	r, err := NewRunner(stats, zap.NewNop())
	require.NoError(t, err)
	r.delay = 0
	t.Cleanup(func() { _ = r.Stop() })
	return r, stats
}

func TestRunnerRunsTasksOnPeriod(t *testing.T) {
	r, _ := newRunnerFixture(t)

	var ticks atomic.Int64
	require.NoError(t, r.Schedule("counting", 10*time.Millisecond, func(ctx context.Context) {
		ticks.Add(1)
	}))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	r.Start(ctx)

	require.Eventually(t, func() bool {
		return ticks.Load() >= 3
	}, 5*time.Second, 5*time.Millisecond)
	assert.True(t, r.Healthy())
}

func TestRunnerTerminatesCrashedTask(t *testing.T) {
	r, stats := newRunnerFixture(t)

	var survivorTicks atomic.Int64
	require.NoError(t, r.Schedule("crashing", 10*time.Millisecond, func(ctx context.Context) {
		panic("task blew up")
	}))
	require.NoError(t, r.Schedule("survivor", 10*time.Millisecond, func(ctx context.Context) {
		survivorTicks.Add(1)
	}))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	r.Start(ctx)

	// The crash is recorded once: the task is removed after its first panic.
	require.Eventually(t, func() bool {
		return stats.Get(appstate.StatCrashes) >= 1
	}, 5*time.Second, 5*time.Millisecond)
	assert.False(t, r.Healthy())
	assert.Equal(t, []string{"crashing"}, r.DeadTasks())

	// Other tasks keep running; the supervisor decides what to do about the
	// dead one.
	before := survivorTicks.Load()
	require.Eventually(t, func() bool {
		return survivorTicks.Load() > before
	}, 5*time.Second, 5*time.Millisecond)

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, int64(1), stats.Get(appstate.StatCrashes))
}

func TestRunnerStopsTickingAfterCancel(t *testing.T) {
	r, _ := newRunnerFixture(t)

	var ticks atomic.Int64
	require.NoError(t, r.Schedule("counting", 10*time.Millisecond, func(ctx context.Context) {
		ticks.Add(1)
	}))

	ctx, cancel := context.WithCancel(context.Background())
	r.Start(ctx)
	require.Eventually(t, func() bool {
		return ticks.Load() >= 1
	}, 5*time.Second, 5*time.Millisecond)

	cancel()
	time.Sleep(30 * time.Millisecond)
	after := ticks.Load()
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, after, ticks.Load(), "ticks must stop once the context is cancelled")
}

func TestRunnerHealthyBeforeStart(t *testing.T) {
	r, _ := newRunnerFixture(t)
	assert.True(t, r.Healthy())
	assert.Empty(t, r.DeadTasks())
}
