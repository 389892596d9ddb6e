// Package supervisor watches the liveness of every long-running component.
// The failure policy is deliberately blunt: if any component dies, the
// process exits and the external process manager restarts it with a clean
// slate. Persisted counters and the backup file carry the state that
// matters across the restart.
package supervisor

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
)

// pollInterval is how often component liveness is checked.
const pollInterval = 5 * time.Second

// check is one watched component.
type check struct {
	name  string
	alive func() bool
}

// Supervisor polls registered components and reports the first death.
type Supervisor struct {
	logger *zap.Logger
	poll   time.Duration
	checks []check
}

// New creates a supervisor.
func New(logger *zap.Logger) *Supervisor {
	return &Supervisor{
		logger: logger.Named("supervisor"),
		poll:   pollInterval,
	}
}

// Watch registers a component. alive must be safe to call from the
// supervisor's goroutine.
func (s *Supervisor) Watch(name string, alive func() bool) {
	s.checks = append(s.checks, check{name: name, alive: alive})
}

// Run polls until ctx is cancelled (clean shutdown, returns nil) or a
// component dies (returns an error naming it, which becomes a non-zero
// exit).
func (s *Supervisor) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.poll)
	defer ticker.Stop()

	s.logger.Info("supervising components", zap.Int("components", len(s.checks)))

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("shutdown requested")
			return nil
		case <-ticker.C:
			for _, c := range s.checks {
				if !c.alive() {
					s.logger.Error("component died, exiting", zap.String("component", c.name))
					return fmt.Errorf("supervisor: component %s died", c.name)
				}
			}
		}
	}
}
