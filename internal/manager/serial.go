package manager

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"go.bug.st/serial"
	"go.uber.org/zap"

	"github.com/realms-team/basestation-fw/internal/appstate"
	"github.com/realms-team/basestation-fw/internal/sol"
)

const (
	defaultBaudRate = 115200
	// reconnectDelay is the fixed wait between session attempts.
	reconnectDelay = 1 * time.Second
	// commandTimeout bounds how long IssueRaw waits for a matching response
	// frame before giving up on it.
	commandTimeout = 10 * time.Second
	// maxFrameSize bounds a single newline-delimited frame from the manager.
	maxFrameSize = 1 << 20
)

// subscribedNotifs is the set of notification kinds requested on every
// session: sensor data, events, health reports, IP data, log messages, and
// the error/finish signals that tear the session down.
var subscribedNotifs = []string{"data", "event", "hr", "ipData", "log", "error", "finish"}

// SerialConfig configures the serial connector.
type SerialConfig struct {
	// Port is the serial device, e.g. "/dev/ttyUSB3".
	Port string
	// BaudRate defaults to 115200 when zero.
	BaudRate int
}

// Serial owns one serial session to the manager. Frames are
// newline-delimited JSON in both directions: requests carry a correlation
// id, responses echo it, and frames without an id are notifications.
type Serial struct {
	base
	cfg    SerialConfig
	stats  *appstate.Stats
	logger *zap.Logger

	// openPort is swapped in tests to run the session over a pipe.
	openPort func() (io.ReadWriteCloser, error)

	nextID atomic.Uint64

	mu      sync.Mutex
	port    io.ReadWriteCloser
	pending map[uint64]chan map[string]any

	// wmu serializes frame writes so concurrent commands cannot interleave
	// bytes on the link.
	wmu sync.Mutex
}

// NewSerial creates a serial connector. handler receives every notification;
// it must not block for long, since it is called from the read loop.
func NewSerial(cfg SerialConfig, handler Handler, stats *appstate.Stats, logger *zap.Logger) *Serial {
	if cfg.BaudRate == 0 {
		cfg.BaudRate = defaultBaudRate
	}
	s := &Serial{
		cfg:    cfg,
		stats:  stats,
		logger: logger.Named("manager"),
	}
	s.handler = handler
	s.clock = NewTimeSync()
	s.openPort = func() (io.ReadWriteCloser, error) {
		port, err := serial.Open(cfg.Port, &serial.Mode{BaudRate: cfg.BaudRate})
		if err != nil {
			return nil, fmt.Errorf("manager: opening %s: %w", cfg.Port, err)
		}
		return port, nil
	}
	return s
}

// Run maintains the session until ctx is cancelled: connect, sync the clock,
// subscribe, then pump notifications. Any session error tears the connection
// down, counts a disconnect, and retries after a fixed delay. Never returns
// an error: the manager link is expected to flap and the process outlives it.
func (s *Serial) Run(ctx context.Context) error {
	s.alive.Store(true)
	defer s.alive.Store(false)
	defer s.setState(StateDisconnected)

	for {
		if ctx.Err() != nil {
			s.setState(StateDraining)
			s.logger.Info("manager connector stopped")
			return nil
		}

		s.setState(StateConnecting)
		s.stats.Increment(appstate.StatMgrConnectAttempts)
		s.logger.Info("connecting to manager", zap.String("port", s.cfg.Port))

		err := s.session(ctx)
		if ctx.Err() != nil {
			s.setState(StateDraining)
			s.logger.Info("manager connector stopped")
			return nil
		}

		s.setState(StateDisconnected)
		s.clock.Reset()
		s.stats.Increment(appstate.StatMgrDisconnects)
		s.logger.Warn("manager session ended, reconnecting",
			zap.Error(err),
			zap.Duration("delay", reconnectDelay),
		)

		select {
		case <-ctx.Done():
		case <-time.After(reconnectDelay):
		}
	}
}

// session runs one connection from open to teardown and returns the error
// that ended it.
func (s *Serial) session(ctx context.Context) error {
	port, err := s.openPort()
	if err != nil {
		return err
	}

	s.mu.Lock()
	s.port = port
	s.pending = make(map[uint64]chan map[string]any)
	s.mu.Unlock()
	s.clearMAC()

	defer func() {
		s.mu.Lock()
		s.port = nil
		for id, ch := range s.pending {
			close(ch)
			delete(s.pending, id)
		}
		s.mu.Unlock()
		port.Close()
	}()

	readErr := make(chan error, 1)
	go s.readLoop(port, readErr)

	if err := s.handshake(ctx); err != nil {
		return err
	}

	s.setState(StateConnected)
	s.stats.Increment(appstate.StatMgrConnectOK)
	s.logger.Info("manager session established", zap.String("port", s.cfg.Port))

	select {
	case <-ctx.Done():
		return nil
	case err := <-readErr:
		return err
	}
}

// handshake verifies the manager responds, samples the clock offset, and
// subscribes to notifications.
func (s *Serial) handshake(ctx context.Context) error {
	hctx, cancel := context.WithTimeout(ctx, commandTimeout)
	defer cancel()

	if _, err := s.IssueRaw(hctx, RawRequest{Command: "getSystemInfo"}); err != nil {
		return fmt.Errorf("manager: getSystemInfo failed: %w", err)
	}

	resp, err := s.IssueRaw(hctx, RawRequest{Command: "getTime"})
	if err != nil {
		return fmt.Errorf("manager: getTime failed: %w", err)
	}
	var t struct {
		UTCSecs  int64 `json:"utcSecs"`
		UTCUsecs int64 `json:"utcUsecs"`
	}
	if err := DecodeResponse(resp, &t); err != nil {
		return err
	}
	s.clock.Sync(NetMicros(t.UTCSecs, t.UTCUsecs))
	s.stats.Increment(appstate.StatMgrTimesync)

	if _, err := s.IssueRaw(hctx, RawRequest{
		Command: "subscribe",
		Fields:  map[string]any{"filter": subscribedNotifs},
	}); err != nil {
		return fmt.Errorf("manager: subscribe failed: %w", err)
	}
	return nil
}

// readLoop decodes frames until the link fails or an error/finish signal
// arrives, then reports the terminating error.
func (s *Serial) readLoop(port io.Reader, readErr chan<- error) {
	scanner := bufio.NewScanner(port)
	scanner.Buffer(make([]byte, 0, 64*1024), maxFrameSize)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var frame map[string]json.RawMessage
		if err := json.Unmarshal(line, &frame); err != nil {
			s.logger.Warn("dropping malformed frame", zap.Error(err))
			continue
		}

		if rawID, ok := frame["id"]; ok {
			s.routeResponse(rawID, line)
			continue
		}

		var name string
		if rawName, ok := frame["name"]; ok {
			_ = json.Unmarshal(rawName, &name)
		}
		if name == "" {
			s.logger.Warn("dropping frame without a notification name")
			continue
		}
		if name == sol.NotifError || name == sol.NotifFinish {
			readErr <- fmt.Errorf("manager: received %s signal", name)
			return
		}

		body := make(json.RawMessage, len(line))
		copy(body, line)
		s.handler(sol.Notification{Name: name, Body: body})
	}

	if err := scanner.Err(); err != nil {
		readErr <- fmt.Errorf("manager: serial read: %w", err)
		return
	}
	readErr <- fmt.Errorf("manager: serial link closed")
}

func (s *Serial) routeResponse(rawID json.RawMessage, line []byte) {
	var id uint64
	if err := json.Unmarshal(rawID, &id); err != nil {
		s.logger.Warn("dropping response with malformed id", zap.Error(err))
		return
	}
	var resp map[string]any
	if err := json.Unmarshal(line, &resp); err != nil {
		s.logger.Warn("dropping malformed response frame", zap.Error(err))
		return
	}

	s.mu.Lock()
	ch, ok := s.pending[id]
	if ok {
		delete(s.pending, id)
	}
	s.mu.Unlock()

	if !ok {
		s.logger.Warn("dropping response for unknown command id", zap.Uint64("id", id))
		return
	}
	ch <- resp
	close(ch)
}

// IssueRaw implements Connector. A command failure never tears the session
// down; the error goes back to the caller.
func (s *Serial) IssueRaw(ctx context.Context, req RawRequest) (map[string]any, error) {
	id := s.nextID.Add(1)
	ch := make(chan map[string]any, 1)

	s.mu.Lock()
	port := s.port
	if port != nil {
		s.pending[id] = ch
	}
	s.mu.Unlock()
	if port == nil {
		return nil, ErrNotConnected
	}

	frame := map[string]any{
		"id":      id,
		"manager": req.Manager,
		"command": req.Command,
	}
	if req.Fields != nil {
		frame["fields"] = req.Fields
	}
	line, err := json.Marshal(frame)
	if err != nil {
		return nil, fmt.Errorf("manager: encoding command: %w", err)
	}
	line = append(line, '\n')
	s.wmu.Lock()
	_, err = port.Write(line)
	s.wmu.Unlock()
	if err != nil {
		s.dropPending(id)
		return nil, fmt.Errorf("manager: writing command: %w", err)
	}

	timer := time.NewTimer(commandTimeout)
	defer timer.Stop()
	select {
	case resp, ok := <-ch:
		if !ok {
			return nil, ErrNotConnected
		}
		return resp, nil
	case <-ctx.Done():
		s.dropPending(id)
		return nil, ctx.Err()
	case <-timer.C:
		s.dropPending(id)
		return nil, fmt.Errorf("manager: command %s timed out", req.Command)
	}
}

func (s *Serial) dropPending(id uint64) {
	s.mu.Lock()
	delete(s.pending, id)
	s.mu.Unlock()
}

// ManagerMAC implements Connector.
func (s *Serial) ManagerMAC(ctx context.Context) (sol.MAC, error) {
	return s.resolveMAC(ctx, s.IssueRaw)
}
