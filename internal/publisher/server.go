package publisher

import (
	"bytes"
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/realms-team/basestation-fw/internal/appstate"
	"github.com/realms-team/basestation-fw/internal/sol"
)

// httpChunkSize is the maximum number of objects per upstream POST.
const httpChunkSize = 10

const (
	minPostTimeout = 5 * time.Second
	maxPostTimeout = 5 * time.Minute
)

// ServerConfig configures the server publisher.
type ServerConfig struct {
	// Endpoint is the full upstream URL, normally
	// https://<solserver_host>/api/v1/o.json.
	Endpoint string
	// Token is sent as X-REALMS-Token on every POST.
	Token string
	// Period is the drain cadence; the per-POST timeout is derived from it
	// so one stuck request cannot swallow a whole drain slot.
	Period time.Duration
}

// Server buffers objects and POSTs them to the upstream aggregation server
// in chunks of at most 10, preserving arrival order. Objects stay buffered
// until their chunk is acknowledged, so delivery is at-least-once: the
// next drain retries from the head after any failure. The supervisor owns
// the single instance.
type Server struct {
	buf    *buffer
	cfg    ServerConfig
	stats  *appstate.Stats
	logger *zap.Logger
	client *http.Client
}

// NewServer creates the server publisher.
func NewServer(cfg ServerConfig, stats *appstate.Stats, logger *zap.Logger) *Server {
	timeout := cfg.Period / 2
	if timeout < minPostTimeout {
		timeout = minPostTimeout
	}
	if timeout > maxPostTimeout {
		timeout = maxPostTimeout
	}
	return &Server{
		buf:    newBuffer(0),
		cfg:    cfg,
		stats:  stats,
		logger: logger.Named("pubserver"),
		client: &http.Client{Timeout: timeout},
	}
}

// Publish buffers one object for the next drain. Also the entry point for
// the resend path, which replays backup-file objects through the same
// buffer. Never blocks on I/O.
func (p *Server) Publish(o sol.Object) {
	if dropped := p.buf.push(o); dropped > 0 {
		p.stats.Add(appstate.StatPubServerDrops, int64(dropped))
	}
}

// Backlog returns the number of buffered objects.
func (p *Server) Backlog() int { return p.buf.len() }

// Drain encodes the buffered objects, groups them into chunks, and POSTs
// the chunks in order. Acknowledged objects leave the buffer; the first
// failed chunk stops the drain and leaves the remainder for the next
// period.
func (p *Server) Drain(ctx context.Context) {
	p.buf.mu.Lock()
	pending := make([]sol.Object, len(p.buf.objs))
	copy(pending, p.buf.objs)
	p.buf.mu.Unlock()

	if len(pending) == 0 {
		return
	}

	bins := make([][]byte, 0, len(pending))
	for i, o := range pending {
		bin, err := sol.EncodeBinary(o)
		if err != nil {
			// An unencodable object would wedge the drain forever; drop it
			// where it sits, count it, and retry the rest next period.
			p.logger.Error("dropping unencodable object", zap.Int("index", i), zap.Error(err))
			p.removeAt(i)
			p.stats.Increment(appstate.StatPubServerDrops)
			p.stats.Set(appstate.StatPubServerBacklog, int64(p.buf.len()))
			return
		}
		bins = append(bins, bin)
	}

	p.stats.Increment(appstate.StatPubServerSendAttempts)

	sent := 0
	for start := 0; start < len(bins); start += httpChunkSize {
		end := start + httpChunkSize
		if end > len(bins) {
			end = len(bins)
		}
		if err := p.postChunk(ctx, bins[start:end]); err != nil {
			p.logger.Warn("chunk send failed, keeping remainder buffered",
				zap.Int("sent", sent),
				zap.Int("remaining", len(pending)-sent),
				zap.Error(err),
			)
			break
		}
		sent += end - start
		p.stats.Increment(appstate.StatPubServerSendOK)
		p.removeHead(end - start)
	}

	p.stats.Set(appstate.StatPubServerBacklog, int64(p.buf.len()))
	if sent > 0 {
		p.logger.Debug("objects delivered upstream", zap.Int("objects", sent))
	}
}

// postChunk wraps one chunk as an HTTP payload and POSTs it. Counts
// PUBSERVER_UNREACHABLE for TLS failures and PUBSERVER_SENDFAIL for
// everything else (network errors, non-200 statuses).
func (p *Server) postChunk(ctx context.Context, bins [][]byte) error {
	payload, err := sol.ChunkPayload(bins)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.cfg.Endpoint, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("publisher: building upstream request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-REALMS-Token", p.cfg.Token)

	resp, err := p.client.Do(req)
	if err != nil {
		if isTLSError(err) {
			p.stats.Increment(appstate.StatPubServerUnreachable)
		} else {
			p.stats.Increment(appstate.StatPubServerSendFail)
		}
		return fmt.Errorf("publisher: upstream POST: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		p.stats.Increment(appstate.StatPubServerSendFail)
		return fmt.Errorf("publisher: upstream returned status %d", resp.StatusCode)
	}
	return nil
}

// removeAt deletes the object at index i. Safe against concurrent Publish
// calls: those only append, so snapshot indexes stay valid until a drain
// removes something, and drains never overlap.
func (p *Server) removeAt(i int) {
	p.buf.mu.Lock()
	if i >= 0 && i < len(p.buf.objs) {
		p.buf.objs = append(p.buf.objs[:i], p.buf.objs[i+1:]...)
	}
	p.buf.mu.Unlock()
}

// removeHead pops n acknowledged objects off the front of the buffer.
func (p *Server) removeHead(n int) {
	p.buf.mu.Lock()
	if n > len(p.buf.objs) {
		n = len(p.buf.objs)
	}
	p.buf.objs = p.buf.objs[n:]
	p.buf.mu.Unlock()
}

func isTLSError(err error) bool {
	var recordErr tls.RecordHeaderError
	if errors.As(err, &recordErr) {
		return true
	}
	var certErr *tls.CertificateVerificationError
	if errors.As(err, &certErr) {
		return true
	}
	var unknownAuthErr x509.UnknownAuthorityError
	var hostnameErr x509.HostnameError
	return errors.As(err, &unknownAuthErr) || errors.As(err, &hostnameErr)
}
