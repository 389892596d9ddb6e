package supervisor

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestRunReturnsNilOnCleanShutdown(t *testing.T) {
	s := New(zap.NewNop())
	s.poll = 5 * time.Millisecond
	s.Watch("healthy", func() bool { return true })

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	time.Sleep(25 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("supervisor did not stop on cancellation")
	}
}

func TestRunReportsDeadComponent(t *testing.T) {
	s := New(zap.NewNop())
	s.poll = 5 * time.Millisecond

	var alive atomic.Bool
	alive.Store(true)
	s.Watch("manager", alive.Load)
	s.Watch("api", func() bool { return true })

	done := make(chan error, 1)
	go func() { done <- s.Run(context.Background()) }()

	time.Sleep(15 * time.Millisecond)
	alive.Store(false)

	select {
	case err := <-done:
		require.Error(t, err)
		assert.Contains(t, err.Error(), "manager")
	case <-time.After(5 * time.Second):
		t.Fatal("supervisor never noticed the dead component")
	}
}

func TestRunWithNoComponents(t *testing.T) {
	s := New(zap.NewNop())
	s.poll = 5 * time.Millisecond

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	assert.NoError(t, s.Run(ctx))
}
