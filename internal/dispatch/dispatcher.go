// Package dispatch turns raw manager notifications into SOL objects and
// fans them out to the publishers. It is the only consumer of the
// connector's notification callback.
package dispatch

import (
	"context"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/realms-team/basestation-fw/internal/appstate"
	"github.com/realms-team/basestation-fw/internal/manager"
	"github.com/realms-team/basestation-fw/internal/sol"
)

// macResolveTimeout bounds the lazy manager-MAC lookup performed while
// translating a notification. The MAC is cached after the first session, so
// the timeout only matters during startup races.
const macResolveTimeout = 5 * time.Second

// Sink receives translated objects. Both publishers implement it.
type Sink interface {
	Publish(o sol.Object)
}

// Dispatcher receives notifications, stamps them with epoch time, translates
// them to objects, and hands each object to every sink. Notifications are
// treated as possibly duplicate and possibly reordered; nothing here depends
// on delivery guarantees of the underlying subscription.
type Dispatcher struct {
	mgr    manager.Connector
	sinks  []Sink
	stats  *appstate.Stats
	logger *zap.Logger
	now    func() time.Time
}

// New creates a dispatcher fanning out to sinks.
func New(mgr manager.Connector, stats *appstate.Stats, logger *zap.Logger, sinks ...Sink) *Dispatcher {
	return &Dispatcher{
		mgr:    mgr,
		sinks:  sinks,
		stats:  stats,
		logger: logger.Named("dispatch"),
		now:    time.Now,
	}
}

// Handle processes one notification. It never panics upward: a failure in
// any step is logged as a crash and the notification is abandoned, keeping
// the connector's read loop alive.
func (d *Dispatcher) Handle(n sol.Notification) {
	defer func() {
		if v := recover(); v != nil {
			d.stats.LogCrash("dispatch", appstate.CrashFromPanic(v))
		}
	}()

	// The raw SDK-internal health report form carries no structure worth
	// publishing; the structured reports arrive separately under "hr".
	if n.Name == sol.NotifHealthReportRaw {
		return
	}

	d.stats.Increment(appstate.PrefixNumRx + strings.ToUpper(n.Name))

	epoch := d.now().Unix()
	if secs, usecs, ok := n.NetworkTime(); ok {
		if projected, synced := d.mgr.ProjectEpoch(secs, usecs); synced {
			epoch = projected
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), macResolveTimeout)
	defer cancel()
	managerMAC, err := d.mgr.ManagerMAC(ctx)
	if err != nil {
		d.logger.Warn("dropping notification, manager MAC unresolved",
			zap.String("name", n.Name),
			zap.Error(err),
		)
		return
	}

	objs, err := sol.FromNotification(n, managerMAC, epoch)
	if err != nil {
		d.stats.LogCrash("dispatch", err)
		return
	}

	for _, o := range objs {
		d.stats.Increment(appstate.StatPubTotalSent)
		for _, sink := range d.sinks {
			sink.Publish(o)
		}
	}
}
