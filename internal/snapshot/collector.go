// Package snapshot builds point-in-time topology snapshots of the mesh by
// walking the manager API: enumerate motes, fetch per-mote detail, then walk
// each mote's path table. A completed snapshot becomes one SOL object
// published to both sinks; a failure at any step discards the partial
// snapshot. The last successful snapshot is cached so the control API can
// answer immediately.
package snapshot

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/realms-team/basestation-fw/internal/appstate"
	"github.com/realms-team/basestation-fw/internal/dispatch"
	"github.com/realms-team/basestation-fw/internal/manager"
	"github.com/realms-team/basestation-fw/internal/sol"
)

// Mote is one mote's entry in a snapshot, combining getMoteConfig and
// getMoteInfo fields with its outbound paths.
type Mote struct {
	MAC             sol.MAC `json:"macAddress"`
	MoteID          int     `json:"moteId"`
	IsAP            bool    `json:"isAP"`
	State           int     `json:"state"`
	IsRouting       bool    `json:"isRouting"`
	NumNbrs         int     `json:"numNbrs"`
	NumGoodNbrs     int     `json:"numGoodNbrs"`
	RequestedBw     int     `json:"requestedBw"`
	TotalNeededBw   int     `json:"totalNeededBw"`
	AssignedBw      int     `json:"assignedBw"`
	PacketsReceived int     `json:"packetsReceived"`
	PacketsLost     int     `json:"packetsLost"`
	AvgLatency      int     `json:"avgLatency"`
	Paths           []Path  `json:"paths"`
}

// Path is one entry of a mote's path table.
type Path struct {
	Dest        sol.MAC `json:"macAddress"`
	Direction   int     `json:"direction"`
	NumLinks    int     `json:"numLinks"`
	Quality     int     `json:"quality"`
	RSSISrcDest int     `json:"rssiSrcDest"`
	RSSIDestSrc int     `json:"rssiDestSrc"`
}

// Collector runs the snapshot protocol. The supervisor owns the single
// instance; the periodic driver and the control API both trigger it.
type Collector struct {
	mgr    manager.Connector
	sinks  []dispatch.Sink
	stats  *appstate.Stats
	logger *zap.Logger
	now    func() time.Time

	// running coalesces concurrent triggers: the periodic driver and the
	// control API can both start a collection.
	running atomic.Bool

	mu   sync.Mutex
	last *sol.Object
}

// New creates a snapshot collector publishing to sinks.
func New(mgr manager.Connector, stats *appstate.Stats, logger *zap.Logger, sinks ...dispatch.Sink) *Collector {
	return &Collector{
		mgr:    mgr,
		sinks:  sinks,
		stats:  stats,
		logger: logger.Named("snapshot"),
		now:    time.Now,
	}
}

// Collect runs one full snapshot and publishes the resulting object. A
// failure at any step leaves the partial snapshot unused. If a collection
// is already in progress the call returns immediately; the walk can take
// minutes on a large mesh and overlapping walks would double the command
// load on the manager.
func (c *Collector) Collect(ctx context.Context) {
	if !c.running.CompareAndSwap(false, true) {
		c.logger.Debug("snapshot already in progress, skipping trigger")
		return
	}
	defer c.running.Store(false)

	start := c.now()
	c.stats.Increment(appstate.StatSnapshotStarted)
	c.stats.Set(appstate.StatSnapshotLastStarted, start.Unix())

	motes, err := c.build(ctx)
	if err != nil {
		c.stats.Increment(appstate.StatSnapshotFail)
		c.logger.Warn("snapshot failed", zap.Error(err))
		return
	}

	managerMAC, err := c.mgr.ManagerMAC(ctx)
	if err != nil {
		c.stats.Increment(appstate.StatSnapshotFail)
		c.logger.Warn("snapshot failed, manager MAC unresolved", zap.Error(err))
		return
	}

	value, err := json.Marshal(struct {
		Motes []Mote `json:"motes"`
	}{motes})
	if err != nil {
		c.stats.Increment(appstate.StatSnapshotFail)
		c.logger.Error("snapshot encoding failed", zap.Error(err))
		return
	}

	obj := sol.Object{
		MAC:       managerMAC,
		Timestamp: c.now().Unix(),
		Type:      sol.TypeSnapshot,
		Value:     value,
	}

	c.mu.Lock()
	c.last = &obj
	c.mu.Unlock()

	for _, sink := range c.sinks {
		sink.Publish(obj)
	}
	c.stats.Increment(appstate.StatSnapshotOK)
	c.logger.Info("snapshot published",
		zap.Int("motes", len(motes)),
		zap.Duration("took", c.now().Sub(start)),
	)
}

// Last returns the most recent successful snapshot, if any.
func (c *Collector) Last() (sol.Object, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.last == nil {
		return sol.Object{}, false
	}
	return *c.last, true
}

// build walks the three query phases and assembles the mote list.
func (c *Collector) build(ctx context.Context) ([]Mote, error) {
	motes, err := c.enumerateMotes(ctx)
	if err != nil {
		return nil, err
	}
	for i := range motes {
		if err := c.fetchMoteInfo(ctx, &motes[i]); err != nil {
			return nil, err
		}
		if err := c.fetchPaths(ctx, &motes[i]); err != nil {
			return nil, err
		}
	}
	return motes, nil
}

// enumerateMotes walks the mote table from the zero MAC until the manager
// reports the end of the iteration.
func (c *Collector) enumerateMotes(ctx context.Context) ([]Mote, error) {
	var motes []Mote
	current := make([]int, sol.MACLen)
	for {
		resp, err := c.mgr.IssueRaw(ctx, manager.RawRequest{
			Command: "getMoteConfig",
			Fields: map[string]any{
				"macAddress": current,
				"next":       true,
			},
		})
		if err != nil {
			return nil, fmt.Errorf("snapshot: getMoteConfig: %w", err)
		}
		var mote struct {
			RC         int     `json:"RC"`
			MACAddress sol.MAC `json:"macAddress"`
			MoteID     int     `json:"moteId"`
			IsAP       bool    `json:"isAP"`
			State      int     `json:"state"`
			IsRouting  bool    `json:"isRouting"`
		}
		if err := manager.DecodeResponse(resp, &mote); err != nil {
			return nil, err
		}
		if mote.RC != 0 {
			return motes, nil
		}
		motes = append(motes, Mote{
			MAC:       mote.MACAddress,
			MoteID:    mote.MoteID,
			IsAP:      mote.IsAP,
			State:     mote.State,
			IsRouting: mote.IsRouting,
		})
		for i, v := range mote.MACAddress {
			current[i] = int(v)
		}
	}
}

// fetchMoteInfo augments one mote with its getMoteInfo detail.
func (c *Collector) fetchMoteInfo(ctx context.Context, m *Mote) error {
	resp, err := c.mgr.IssueRaw(ctx, manager.RawRequest{
		Command: "getMoteInfo",
		Fields:  map[string]any{"macAddress": macInts(m.MAC)},
	})
	if err != nil {
		return fmt.Errorf("snapshot: getMoteInfo %s: %w", m.MAC, err)
	}
	var info struct {
		RC              int `json:"RC"`
		NumNbrs         int `json:"numNbrs"`
		NumGoodNbrs     int `json:"numGoodNbrs"`
		RequestedBw     int `json:"requestedBw"`
		TotalNeededBw   int `json:"totalNeededBw"`
		AssignedBw      int `json:"assignedBw"`
		PacketsReceived int `json:"packetsReceived"`
		PacketsLost     int `json:"packetsLost"`
		AvgLatency      int `json:"avgLatency"`
	}
	if err := manager.DecodeResponse(resp, &info); err != nil {
		return err
	}
	if info.RC != 0 {
		return fmt.Errorf("snapshot: getMoteInfo %s returned RC=%d", m.MAC, info.RC)
	}
	m.NumNbrs = info.NumNbrs
	m.NumGoodNbrs = info.NumGoodNbrs
	m.RequestedBw = info.RequestedBw
	m.TotalNeededBw = info.TotalNeededBw
	m.AssignedBw = info.AssignedBw
	m.PacketsReceived = info.PacketsReceived
	m.PacketsLost = info.PacketsLost
	m.AvgLatency = info.AvgLatency
	return nil
}

// fetchPaths walks one mote's path table from path id 0 until the manager
// reports the end of the iteration.
func (c *Collector) fetchPaths(ctx context.Context, m *Mote) error {
	m.Paths = []Path{}
	pathID := 0
	for {
		resp, err := c.mgr.IssueRaw(ctx, manager.RawRequest{
			Command: "getNextPathInfo",
			Fields: map[string]any{
				"macAddress": macInts(m.MAC),
				"filter":     0,
				"pathId":     pathID,
			},
		})
		if err != nil {
			return fmt.Errorf("snapshot: getNextPathInfo %s: %w", m.MAC, err)
		}
		var path struct {
			RC          int     `json:"RC"`
			PathID      int     `json:"pathId"`
			Dest        sol.MAC `json:"dest"`
			Direction   int     `json:"direction"`
			NumLinks    int     `json:"numLinks"`
			Quality     int     `json:"quality"`
			RSSISrcDest int     `json:"rssiSrcDest"`
			RSSIDestSrc int     `json:"rssiDestSrc"`
		}
		if err := manager.DecodeResponse(resp, &path); err != nil {
			return err
		}
		if path.RC != 0 {
			return nil
		}
		m.Paths = append(m.Paths, Path{
			Dest:        path.Dest,
			Direction:   path.Direction,
			NumLinks:    path.NumLinks,
			Quality:     path.Quality,
			RSSISrcDest: path.RSSISrcDest,
			RSSIDestSrc: path.RSSIDestSrc,
		})
		pathID = path.PathID
	}
}

func macInts(m sol.MAC) []int {
	out := make([]int, len(m))
	for i, b := range m {
		out[i] = int(b)
	}
	return out
}
