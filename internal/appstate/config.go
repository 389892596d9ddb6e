package appstate

import (
	"fmt"
	"time"
)

// ManagerMode selects how the process reaches the mesh manager.
type ManagerMode string

const (
	// ModeSerial attaches to a manager over a local serial port.
	ModeSerial ManagerMode = "serial"
	// ModeJSONServer consumes notifications pushed by a co-located JSON
	// front-end and relays raw commands to it.
	ModeJSONServer ManagerMode = "jsonserver"
)

// Config is the resolved configuration view shared by all components. It is
// built once in cmd/solmanager from flags and environment variables and is
// read-only afterwards.
type Config struct {
	// Manager connection.
	ManagerMode    ManagerMode
	SerialPort     string
	JSONServerHost string // host:port of the JSON front-end peer
	JSONServerPort int    // inbound notification listener port

	// Control API.
	APIPort     int
	Certificate string
	PrivateKey  string
	APIToken    string

	// Upstream server.
	SolServerHost  string
	SolServerToken string

	// Cadences.
	PubFilePeriod   time.Duration
	PubServerPeriod time.Duration
	SnapshotPeriod  time.Duration
	StatsPeriod     time.Duration

	// Local files.
	StatsFile  string
	BackupFile string
}

// Validate checks the fields every deployment needs regardless of mode.
func (c Config) Validate() error {
	if c.ManagerMode != ModeSerial && c.ManagerMode != ModeJSONServer {
		return fmt.Errorf("appstate: unknown manager mode %q", c.ManagerMode)
	}
	if c.ManagerMode == ModeSerial && c.SerialPort == "" {
		return fmt.Errorf("appstate: serial mode requires a serial port")
	}
	if c.ManagerMode == ModeJSONServer && c.JSONServerHost == "" {
		return fmt.Errorf("appstate: jsonserver mode requires the front-end host")
	}
	if c.APIToken == "" {
		return fmt.Errorf("appstate: control API token must be set")
	}
	if c.Certificate == "" || c.PrivateKey == "" {
		return fmt.Errorf("appstate: control API certificate and key must be set")
	}
	if c.SolServerHost == "" {
		return fmt.Errorf("appstate: upstream server host must be set")
	}
	for _, p := range []time.Duration{c.PubFilePeriod, c.PubServerPeriod, c.SnapshotPeriod, c.StatsPeriod} {
		if p <= 0 {
			return fmt.Errorf("appstate: all publication periods must be positive")
		}
	}
	return nil
}
