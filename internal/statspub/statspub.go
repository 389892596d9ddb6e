// Package statspub periodically emits a self-describing statistics object
// carrying the version tuples of the binary and its protocol layers, so the
// upstream server can track the software running on each basestation.
package statspub

import (
	"context"
	"encoding/json"
	"time"

	"go.uber.org/zap"

	"github.com/realms-team/basestation-fw/internal/appstate"
	"github.com/realms-team/basestation-fw/internal/dispatch"
	"github.com/realms-team/basestation-fw/internal/manager"
	"github.com/realms-team/basestation-fw/internal/sol"
	"github.com/realms-team/basestation-fw/internal/version"
)

// Publisher emits one SOLMANAGER_STATS object per period to every sink.
type Publisher struct {
	mgr    manager.Connector
	sinks  []dispatch.Sink
	stats  *appstate.Stats
	logger *zap.Logger
	now    func() time.Time
}

// New creates the stats publisher.
func New(mgr manager.Connector, stats *appstate.Stats, logger *zap.Logger, sinks ...dispatch.Sink) *Publisher {
	return &Publisher{
		mgr:    mgr,
		sinks:  sinks,
		stats:  stats,
		logger: logger.Named("statspub"),
		now:    time.Now,
	}
}

// Publish emits one stats object. Called by the periodic driver.
func (p *Publisher) Publish(ctx context.Context) {
	managerMAC, err := p.mgr.ManagerMAC(ctx)
	if err != nil {
		p.logger.Warn("skipping stats publication, manager MAC unresolved", zap.Error(err))
		return
	}

	value, err := json.Marshal(struct {
		SolVersion        version.Tuple `json:"sol_version"`
		SolManagerVersion version.Tuple `json:"solmanager_version"`
		SDKVersion        version.Tuple `json:"sdk_version"`
	}{version.Sol, version.SolManager, version.SDK})
	if err != nil {
		p.logger.Error("failed to encode stats object", zap.Error(err))
		return
	}

	obj := sol.Object{
		MAC:       managerMAC,
		Timestamp: p.now().Unix(),
		Type:      sol.TypeSolManagerStats,
		Value:     value,
	}
	for _, sink := range p.sinks {
		sink.Publish(obj)
	}
	p.stats.Increment(appstate.StatPubServerStats)
}
