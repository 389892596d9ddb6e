package manager

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/realms-team/basestation-fw/internal/appstate"
	"github.com/realms-team/basestation-fw/internal/sol"
)

// maxNotifBody bounds an inbound notification POST body.
const maxNotifBody = 1 << 20

// notifRoutes maps the front-end's POST paths to notification names.
var notifRoutes = map[string]string{
	"/hr":          sol.NotifHR,
	"/notifData":   sol.NotifData,
	"/oap":         sol.NotifOAP,
	"/notifLog":    sol.NotifLog,
	"/notifIpData": sol.NotifIPData,
	"/event":       sol.NotifEvent,
}

// JSONServerConfig configures the JSON front-end connector.
type JSONServerConfig struct {
	// PeerHost is the host:port of the JSON front-end that accepts raw
	// commands on /api/v1/raw.
	PeerHost string
	// ListenPort is the inbound port on which the front-end pushes
	// notifications.
	ListenPort int
}

// JSONServer is the manager variant for deployments where a co-located JSON
// front-end owns the serial link. Notifications arrive as inbound HTTP
// POSTs; raw commands are relayed to the peer.
type JSONServer struct {
	base
	cfg    JSONServerConfig
	stats  *appstate.Stats
	logger *zap.Logger
	client *http.Client
	srv    *http.Server
}

// NewJSONServer creates the front-end connector.
func NewJSONServer(cfg JSONServerConfig, handler Handler, stats *appstate.Stats, logger *zap.Logger) *JSONServer {
	j := &JSONServer{
		cfg:    cfg,
		stats:  stats,
		logger: logger.Named("manager"),
		client: &http.Client{Timeout: commandTimeout},
	}
	j.handler = handler
	j.clock = NewTimeSync()

	r := chi.NewRouter()
	for path, name := range notifRoutes {
		r.Post(path, j.notifHandler(name))
	}
	j.srv = &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.ListenPort),
		Handler: r,
	}
	return j
}

// Run starts the inbound listener and blocks until ctx is cancelled or the
// listener fails. The initial clock sync retries until the peer answers;
// the link to a co-located front-end is expected to come up quickly.
func (j *JSONServer) Run(ctx context.Context) error {
	j.alive.Store(true)
	defer j.alive.Store(false)
	defer j.setState(StateDisconnected)

	j.setState(StateConnecting)
	j.stats.Increment(appstate.StatMgrConnectAttempts)

	for {
		if err := j.syncClock(ctx); err == nil {
			break
		} else {
			j.logger.Warn("clock sync against front-end failed, retrying",
				zap.String("peer", j.cfg.PeerHost),
				zap.Error(err),
			)
		}
		select {
		case <-ctx.Done():
			j.setState(StateDraining)
			return nil
		case <-time.After(reconnectDelay):
		}
	}

	j.setState(StateConnected)
	j.stats.Increment(appstate.StatMgrConnectOK)
	j.logger.Info("notification listener starting",
		zap.Int("port", j.cfg.ListenPort),
		zap.String("peer", j.cfg.PeerHost),
	)

	errCh := make(chan error, 1)
	go func() {
		errCh <- j.srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		j.setState(StateDraining)
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = j.srv.Shutdown(sctx)
		j.logger.Info("notification listener stopped")
		return nil
	case err := <-errCh:
		return fmt.Errorf("manager: notification listener failed: %w", err)
	}
}

func (j *JSONServer) syncClock(ctx context.Context) error {
	resp, err := j.IssueRaw(ctx, RawRequest{Command: "getTime"})
	if err != nil {
		return err
	}
	var t struct {
		UTCSecs  int64 `json:"utcSecs"`
		UTCUsecs int64 `json:"utcUsecs"`
	}
	if err := DecodeResponse(resp, &t); err != nil {
		return err
	}
	j.clock.Sync(NetMicros(t.UTCSecs, t.UTCUsecs))
	j.stats.Increment(appstate.StatMgrTimesync)
	return nil
}

func (j *JSONServer) notifHandler(name string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxNotifBody))
		if err != nil {
			http.Error(w, "body too large or unreadable", http.StatusBadRequest)
			return
		}
		if !json.Valid(body) {
			http.Error(w, "body is not valid JSON", http.StatusBadRequest)
			return
		}
		j.handler(sol.Notification{Name: name, Body: body})
		w.WriteHeader(http.StatusOK)
	}
}

// IssueRaw implements Connector by relaying the command to the peer
// front-end.
func (j *JSONServer) IssueRaw(ctx context.Context, req RawRequest) (map[string]any, error) {
	payload, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("manager: encoding raw command: %w", err)
	}
	url := fmt.Sprintf("http://%s/api/v1/raw", j.cfg.PeerHost)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("manager: building raw command request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	httpResp, err := j.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("manager: raw command to front-end: %w", err)
	}
	defer httpResp.Body.Close()

	if httpResp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("manager: front-end returned status %d", httpResp.StatusCode)
	}
	var resp map[string]any
	if err := json.NewDecoder(httpResp.Body).Decode(&resp); err != nil {
		return nil, fmt.Errorf("manager: decoding front-end response: %w", err)
	}
	return resp, nil
}

// ManagerMAC implements Connector.
func (j *JSONServer) ManagerMAC(ctx context.Context) (sol.MAC, error) {
	return j.resolveMAC(ctx, j.IssueRaw)
}
