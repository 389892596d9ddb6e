// Package appstate holds process-wide operational state: the persisted
// counter registry and the resolved configuration view handed to every
// component.
//
// Counters are persisted to disk on every mutation so they survive process
// restarts; a restart therefore never resets a counter, which is what makes
// them usable for long-term delivery accounting. The registry doubles as a
// prometheus.Collector so the full counter map is scrapeable from the
// control API without a second bookkeeping layer.
package appstate

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

// Counter and gauge names. NUMRX_* names are registered dynamically, one per
// notification kind, via PrefixNumRx.
const (
	StatCrashes = "ADM_NUM_CRASHES"

	StatMgrConnectAttempts = "MGR_NUM_CONNECT_ATTEMPTS"
	StatMgrConnectOK       = "MGR_NUM_CONNECT_OK"
	StatMgrDisconnects     = "MGR_NUM_DISCONNECTS"
	StatMgrTimesync        = "MGR_NUM_TIMESYNC"

	StatPubTotalSent = "PUB_TOTAL_SENTTOPUBLISH"

	StatPubFileBacklog = "PUBFILE_BACKLOG"
	StatPubFileWrites  = "PUBFILE_WRITES"
	StatPubFileDrops   = "PUBFILE_DROPS"

	StatPubServerBacklog      = "PUBSERVER_BACKLOG"
	StatPubServerSendAttempts = "PUBSERVER_SENDATTEMPTS"
	StatPubServerUnreachable  = "PUBSERVER_UNREACHABLE"
	StatPubServerSendOK       = "PUBSERVER_SENDOK"
	StatPubServerSendFail     = "PUBSERVER_SENDFAIL"
	StatPubServerStats        = "PUBSERVER_STATS"
	StatPubServerDrops        = "PUBSERVER_DROPS"

	StatSnapshotStarted     = "SNAPSHOT_NUM_STARTED"
	StatSnapshotLastStarted = "SNAPSHOT_LASTSTARTED"
	StatSnapshotOK          = "SNAPSHOT_NUM_OK"
	StatSnapshotFail        = "SNAPSHOT_NUM_FAIL"

	StatJSONRequests     = "JSON_NUM_REQ"
	StatJSONUnauthorized = "JSON_NUM_UNAUTHORIZED"

	// PrefixNumRx prefixes the per-notification-kind receive counters.
	PrefixNumRx = "NUMRX_"
)

// knownStats is the closed set of non-dynamic names, pre-registered so the
// status endpoint always reports the full map even before first use. The
// PUBSERVER_PULL* names are retained solely so stats files written by older
// deployments (which ran a command-pull loop) load without complaint.
var knownStats = []string{
	StatCrashes,
	StatMgrConnectAttempts,
	StatMgrConnectOK,
	StatMgrDisconnects,
	StatMgrTimesync,
	StatPubTotalSent,
	StatPubFileBacklog,
	StatPubFileWrites,
	StatPubFileDrops,
	StatPubServerBacklog,
	StatPubServerSendAttempts,
	StatPubServerUnreachable,
	StatPubServerSendOK,
	StatPubServerSendFail,
	StatPubServerStats,
	StatPubServerDrops,
	"PUBSERVER_PULLATTEMPTS",
	"PUBSERVER_PULLOK",
	"PUBSERVER_PULLFAIL",
	StatSnapshotStarted,
	StatSnapshotLastStarted,
	StatSnapshotOK,
	StatSnapshotFail,
	StatJSONRequests,
	StatJSONUnauthorized,
}

// Stats is the persisted counter registry. All methods are safe for
// concurrent use. Counter values never decrease across the process lifetime;
// gauges (backlogs, last-event timestamps) are written with Set.
type Stats struct {
	path   string
	logger *zap.Logger

	mu       sync.Mutex
	counters map[string]int64

	desc *prometheus.Desc
}

// NewStats loads the registry persisted at path, tolerating a missing or
// corrupted file by starting empty. Known counters are pre-registered at 0.
func NewStats(path string, logger *zap.Logger) *Stats {
	s := &Stats{
		path:     path,
		logger:   logger.Named("appstate"),
		counters: make(map[string]int64, len(knownStats)),
		desc: prometheus.NewDesc(
			"solmanager_stat",
			"Operational counters and gauges of the solmanager process.",
			[]string{"name"}, nil,
		),
	}
	for _, name := range knownStats {
		s.counters[name] = 0
	}
	s.load()
	return s
}

func (s *Stats) load() {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			s.logger.Warn("failed to read stats file, starting empty", zap.Error(err))
		}
		return
	}
	var persisted map[string]int64
	if err := json.Unmarshal(data, &persisted); err != nil {
		s.logger.Warn("corrupted stats file, starting empty", zap.Error(err))
		return
	}
	for name, v := range persisted {
		s.counters[name] = v
	}
}

// Increment adds 1 to the named counter, creating it if needed, and persists
// the registry.
func (s *Stats) Increment(name string) {
	s.Add(name, 1)
}

// Add adds delta to the named counter and persists the registry.
func (s *Stats) Add(name string, delta int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.counters[name] += delta
	s.persistLocked()
}

// Set overwrites the named gauge and persists the registry.
func (s *Stats) Set(name string, value int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.counters[name] = value
	s.persistLocked()
}

// Get returns the current value of the named counter (0 if unknown).
func (s *Stats) Get(name string) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.counters[name]
}

// Snapshot returns a copy of the full counter map.
func (s *Stats) Snapshot() map[string]int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]int64, len(s.counters))
	for k, v := range s.counters {
		out[k] = v
	}
	return out
}

// persistLocked rewrites the stats file atomically via temp file + rename.
// Called with s.mu held.
func (s *Stats) persistLocked() {
	data, err := json.MarshalIndent(s.counters, "", "  ")
	if err != nil {
		s.logger.Error("failed to marshal stats", zap.Error(err))
		return
	}
	dir := filepath.Dir(s.path)
	tmp, err := os.CreateTemp(dir, "stats.*.tmp")
	if err != nil {
		s.logger.Error("failed to create temp stats file", zap.Error(err))
		return
	}
	tmpPath := tmp.Name()
	ok := false
	defer func() {
		if !ok {
			os.Remove(tmpPath)
		}
	}()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		s.logger.Error("failed to write stats file", zap.Error(err))
		return
	}
	if err := tmp.Close(); err != nil {
		s.logger.Error("failed to close temp stats file", zap.Error(err))
		return
	}
	if err := os.Rename(tmpPath, s.path); err != nil {
		s.logger.Error("failed to rename stats file", zap.Error(err))
		return
	}
	ok = true
}

// Describe implements prometheus.Collector.
func (s *Stats) Describe(ch chan<- *prometheus.Desc) {
	ch <- s.desc
}

// Collect implements prometheus.Collector. Every stat is exported as an
// untyped metric: the map mixes monotonic counters with gauges and the
// distinction is carried by the name, as it is everywhere else in the
// system.
func (s *Stats) Collect(ch chan<- prometheus.Metric) {
	for name, v := range s.Snapshot() {
		m, err := prometheus.NewConstMetric(s.desc, prometheus.UntypedValue, float64(v), name)
		if err != nil {
			s.logger.Warn("failed to export stat", zap.String("name", name), zap.Error(err))
			continue
		}
		ch <- m
	}
}

// LogCrash records a component crash: a structured log event plus the crash
// counter. The two concerns are deliberately separate from each other; the
// log carries the diagnostic payload, the counter carries the trend.
func (s *Stats) LogCrash(component string, err error) {
	s.logger.Error("component crashed",
		zap.String("component", component),
		zap.Error(err),
		zap.Stack("stack"),
	)
	s.Increment(StatCrashes)
}

// CrashFromPanic converts a recovered panic value into an error suitable for
// LogCrash.
func CrashFromPanic(v any) error {
	if err, ok := v.(error); ok {
		return err
	}
	return fmt.Errorf("panic: %v", v)
}
