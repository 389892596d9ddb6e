// Package manager maintains the logical session to the mesh manager. It
// handles:
//   - Session lifecycle (connect, clock sync, subscribe, reconnect on
//     error/finish signals with a fixed retry delay)
//   - Lazy resolution of the manager MAC by walking the mote table until the
//     access-point mote is found
//   - Raw API command passthrough for the control API
//   - Projection of the manager's network time into epoch seconds
//   - Forwarding every notification upward through a single callback
//
// Two variants share the Connector contract: Serial owns a serial link to
// the manager, JSONServer consumes notifications pushed by a co-located JSON
// front-end. Neither does any codec work; notifications are forwarded raw.
package manager

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/realms-team/basestation-fw/internal/sol"
)

// Handler receives every notification, synchronously, in arrival order.
type Handler func(n sol.Notification)

// RawRequest is one manager API command, as accepted by the raw passthrough
// endpoint.
type RawRequest struct {
	Manager int            `json:"manager"`
	Command string         `json:"command"`
	Fields  map[string]any `json:"fields"`
}

// State is the connector's connection state.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateDraining
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateDraining:
		return "draining"
	default:
		return "unknown"
	}
}

// ErrNotConnected is returned by IssueRaw while no session is established.
var ErrNotConnected = errors.New("manager: not connected")

// Connector is the contract shared by both manager variants.
type Connector interface {
	// ManagerMAC resolves (lazily, then from cache) the MAC of the manager
	// itself. The cache is cleared on reconnect.
	ManagerMAC(ctx context.Context) (sol.MAC, error)

	// IssueRaw sends one API command and returns the decoded response.
	// Command failures surface as errors without tearing down the session.
	IssueRaw(ctx context.Context, req RawRequest) (map[string]any, error)

	// ProjectEpoch maps a network-time sample to epoch seconds using the
	// offset captured at connect time. ok is false before the first sync.
	ProjectEpoch(utcSecs, utcUsecs int64) (epoch int64, ok bool)

	// Run blocks, maintaining the session until ctx is cancelled.
	Run(ctx context.Context) error

	// Alive reports whether the session loop is still running.
	Alive() bool

	// State returns the current connection state.
	State() State
}

// ResponseCode extracts the manager API response code from a raw response.
// A missing RC field counts as success: most commands only carry one on
// failure or at end of iteration.
func ResponseCode(resp map[string]any) int {
	v, ok := resp["RC"]
	if !ok {
		return 0
	}
	switch n := v.(type) {
	case float64:
		return int(n)
	case int:
		return n
	case json.Number:
		i, _ := n.Int64()
		return int(i)
	default:
		return 0
	}
}

// DecodeResponse maps a raw response onto a typed struct via JSON, so
// callers can use field tags instead of hand-walking the map.
func DecodeResponse(resp map[string]any, dst any) error {
	raw, err := json.Marshal(resp)
	if err != nil {
		return fmt.Errorf("manager: re-encoding response: %w", err)
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return fmt.Errorf("manager: decoding response: %w", err)
	}
	return nil
}

// base carries the state shared by both variants: the MAC cache, the clock
// offset, and the upward callback.
type base struct {
	handler Handler
	clock   *TimeSync

	macMu  sync.Mutex
	mac    sol.MAC
	macSet bool

	alive atomic.Bool
	state atomic.Int32
}

func (b *base) setState(s State) { b.state.Store(int32(s)) }

// State returns the current connection state.
func (b *base) State() State { return State(b.state.Load()) }

// Alive reports whether the session loop is running.
func (b *base) Alive() bool { return b.alive.Load() }

// ProjectEpoch implements Connector.
func (b *base) ProjectEpoch(utcSecs, utcUsecs int64) (int64, bool) {
	return b.clock.Epoch(NetMicros(utcSecs, utcUsecs))
}

// clearMAC drops the cached manager MAC. Called at the start of every
// session: the MAC may never change mid-session, but a reconnect could be
// against different hardware.
func (b *base) clearMAC() {
	b.macMu.Lock()
	b.macSet = false
	b.mac = sol.MAC{}
	b.macMu.Unlock()
}

func (b *base) cachedMAC() (sol.MAC, bool) {
	b.macMu.Lock()
	defer b.macMu.Unlock()
	return b.mac, b.macSet
}

func (b *base) cacheMAC(mac sol.MAC) {
	b.macMu.Lock()
	b.mac = mac
	b.macSet = true
	b.macMu.Unlock()
}

// moteConfigResponse is the shape of a getMoteConfig response.
type moteConfigResponse struct {
	RC         int     `json:"RC"`
	MACAddress sol.MAC `json:"macAddress"`
	MoteID     int     `json:"moteId"`
	IsAP       bool    `json:"isAP"`
	State      int     `json:"state"`
	IsRouting  bool    `json:"isRouting"`
}

type rawIssuer func(ctx context.Context, req RawRequest) (map[string]any, error)

// resolveMAC walks the manager's mote table from the zero MAC until it finds
// the access-point mote, whose MAC identifies the manager itself.
func (b *base) resolveMAC(ctx context.Context, issue rawIssuer) (sol.MAC, error) {
	if mac, ok := b.cachedMAC(); ok {
		return mac, nil
	}

	current := make([]int, sol.MACLen)
	for {
		resp, err := issue(ctx, RawRequest{
			Manager: 0,
			Command: "getMoteConfig",
			Fields: map[string]any{
				"macAddress": current,
				"next":       true,
			},
		})
		if err != nil {
			return sol.MAC{}, fmt.Errorf("manager: resolving manager MAC: %w", err)
		}
		var mote moteConfigResponse
		if err := DecodeResponse(resp, &mote); err != nil {
			return sol.MAC{}, err
		}
		if mote.RC != 0 {
			return sol.MAC{}, fmt.Errorf("manager: mote table ended without an access point (RC=%d)", mote.RC)
		}
		if mote.IsAP {
			b.cacheMAC(mote.MACAddress)
			return mote.MACAddress, nil
		}
		for i, v := range mote.MACAddress {
			current[i] = int(v)
		}
	}
}
