package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/realms-team/basestation-fw/internal/appstate"
	"github.com/realms-team/basestation-fw/internal/manager"
	"github.com/realms-team/basestation-fw/internal/publisher"
	"github.com/realms-team/basestation-fw/internal/snapshot"
	"github.com/realms-team/basestation-fw/internal/sol"
)

const testToken = "control-token"

var testManagerMAC = sol.MAC{0x00, 0x17, 0x0d, 0x00, 0x00, 0x38, 0x06, 0x16}

type fakeConnector struct {
	rawResp map[string]any
	rawErr  error
	lastRaw manager.RawRequest
}

func (f *fakeConnector) ManagerMAC(ctx context.Context) (sol.MAC, error) {
	return testManagerMAC, nil
}

func (f *fakeConnector) IssueRaw(ctx context.Context, req manager.RawRequest) (map[string]any, error) {
	f.lastRaw = req
	if f.rawResp != nil || f.rawErr != nil {
		return f.rawResp, f.rawErr
	}
	// Default: the mote table is empty, ending any iteration immediately.
	return map[string]any{"RC": float64(11)}, nil
}

func (f *fakeConnector) ProjectEpoch(secs, usecs int64) (int64, bool) { return 0, false }
func (f *fakeConnector) Run(ctx context.Context) error { return nil }
func (f *fakeConnector) Alive() bool { return true }
func (f *fakeConnector) State() manager.State { return manager.StateConnected }

type apiFixture struct {
	srv     *httptest.Server
	mgr     *fakeConnector
	snap    *snapshot.Collector
	pubSrv  *publisher.Server
	backup  *sol.BackupFile
	stats   *appstate.Stats
}

func newAPIFixture(t *testing.T) *apiFixture {
	dir := t.TempDir()
	stats := appstate.NewStats(filepath.Join(dir, "s.stats"), zap.NewNop())

	backup, err := sol.OpenBackup(filepath.Join(dir, "solmanager.backup"))
	require.NoError(t, err)
	t.Cleanup(func() { backup.Close() })

	mgr := &fakeConnector{}
	snap := snapshot.New(mgr, stats, zap.NewNop())
	pubSrv := publisher.NewServer(publisher.ServerConfig{
		Endpoint: "http://127.0.0.1:1/api/v1/o.json",
		Token:    "upstream-token",
		Period:   time.Minute,
	}, stats, zap.NewNop())

	s := New(Config{Port: 0, Token: testToken}, mgr, snap, pubSrv, backup, stats, zap.NewNop())
	srv := httptest.NewServer(s.Router())
	t.Cleanup(srv.Close)

	return &apiFixture{srv: srv, mgr: mgr, snap: snap, pubSrv: pubSrv, backup: backup, stats: stats}
}

func (f *apiFixture) request(t *testing.T, method, path, body string, authed bool) *http.Response {
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req, err := http.NewRequest(method, f.srv.URL+path, reader)
	require.NoError(t, err)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	if authed {
		req.Header.Set("X-REALMS-Token", testToken)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decodeBody[T any](t *testing.T, resp *http.Response) T {
	var out T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return out
}

func TestAuthRequiredOnEveryEndpoint(t *testing.T) {
	f := newAPIFixture(t)

	for _, ep := range []struct {
		method, path string
	}{
		{http.MethodPost, "/api/v1/echo.json"},
		{http.MethodGet, "/api/v1/status.json"},
		{http.MethodPost, "/api/v1/resend.json"},
		{http.MethodPost, "/api/v1/smartmeshipapi.json"},
		{http.MethodPost, "/api/v1/snapshot.json"},
		{http.MethodGet, "/metrics"},
	} {
		resp := f.request(t, ep.method, ep.path, "", false)
		assert.Equal(t, http.StatusUnauthorized, resp.StatusCode, ep.path)
		body := decodeBody[map[string]string](t, resp)
		assert.Equal(t, "Unauthorized", body["error"])
	}

	assert.Equal(t, int64(6), f.stats.Get(appstate.StatJSONRequests))
	assert.Equal(t, int64(6), f.stats.Get(appstate.StatJSONUnauthorized))
}

func TestAuthWrongToken(t *testing.T) {
	f := newAPIFixture(t)

	req, err := http.NewRequest(http.MethodGet, f.srv.URL+"/api/v1/status.json", nil)
	require.NoError(t, err)
	req.Header.Set("X-REALMS-Token", "wrong")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Equal(t, int64(1), f.stats.Get(appstate.StatJSONUnauthorized))
}

func TestEchoMirrorsBody(t *testing.T) {
	f := newAPIFixture(t)

	resp := f.request(t, http.MethodPost, "/api/v1/echo.json", `{"ping":"pong"}`, true)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "application/json", resp.Header.Get("Content-Type"))

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, `{"ping":"pong"}`, string(body))
}

func TestStatusReportsVersionsAndStats(t *testing.T) {
	f := newAPIFixture(t)
	f.stats.Add(appstate.StatPubTotalSent, 42)

	resp := f.request(t, http.MethodGet, "/api/v1/status.json", "", true)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	status := decodeBody[map[string]any](t, resp)
	assert.Contains(t, status, "solmanager_version")
	assert.Contains(t, status, "sol_version")
	assert.Contains(t, status, "sdk_version")
	assert.Contains(t, status, "uptime")
	assert.Contains(t, status, "date")

	stats, ok := status["stats"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, float64(42), stats[appstate.StatPubTotalSent])
}

func seedBackup(t *testing.T, f *apiFixture) {
	objs := make([]sol.Object, 0, 3)
	for _, ts := range []int64{1_700_000_000, 1_700_000_060, 1_700_000_120} {
		objs = append(objs, sol.Object{
			MAC:       testManagerMAC,
			Timestamp: ts,
			Type:      sol.TypeDataRaw,
			Value:     json.RawMessage(`{"srcPort":1,"dstPort":2,"payload":"AQ=="}`),
		})
	}
	require.NoError(t, f.backup.Append(objs))
}

func TestResendCount(t *testing.T) {
	f := newAPIFixture(t)
	seedBackup(t, f)

	resp := f.request(t, http.MethodPost, "/api/v1/resend.json",
		`{"action":"count","startTimestamp":1700000000,"endTimestamp":1700000060}`, true)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	body := decodeBody[map[string]int](t, resp)
	assert.Equal(t, 2, body["numObjects"])
	// Counting never requeues anything.
	assert.Equal(t, 0, f.pubSrv.Backlog())
}

func TestResendRequeuesObjects(t *testing.T) {
	f := newAPIFixture(t)
	seedBackup(t, f)

	resp := f.request(t, http.MethodPost, "/api/v1/resend.json",
		`{"action":"resend","startTimestamp":1700000000,"endTimestamp":1700000120}`, true)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	body := decodeBody[map[string]int](t, resp)
	assert.Equal(t, 3, body["numObjects"])
	assert.Equal(t, 3, f.pubSrv.Backlog())
}

func TestResendValidation(t *testing.T) {
	f := newAPIFixture(t)

	cases := []struct {
		body    string
		wantMsg string
	}{
		{`{"startTimestamp":1,"endTimestamp":2}`, "Missing field action"},
		{`{"action":"count","endTimestamp":2}`, "Missing field startTimestamp"},
		{`{"action":"count","startTimestamp":1}`, "Missing field endTimestamp"},
		{`{"action":"replay","startTimestamp":1,"endTimestamp":2}`, "Unknown action replay"},
		{`{not json`, "Malformed JSON body"},
	}
	for _, tc := range cases {
		resp := f.request(t, http.MethodPost, "/api/v1/resend.json", tc.body, true)
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode, tc.body)
		body := decodeBody[map[string]string](t, resp)
		assert.Equal(t, tc.wantMsg, body["error"], tc.body)
	}
}

func TestRawCommandPassthrough(t *testing.T) {
	f := newAPIFixture(t)
	f.mgr.rawResp = map[string]any{"RC": float64(0), "numMotes": float64(7)}

	resp := f.request(t, http.MethodPost, "/api/v1/smartmeshipapi.json",
		`{"manager":0,"command":"getNetworkInfo","fields":{}}`, true)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	body := decodeBody[map[string]any](t, resp)
	assert.Equal(t, float64(7), body["numMotes"])
	assert.Equal(t, "getNetworkInfo", f.mgr.lastRaw.Command)
}

func TestRawCommandValidation(t *testing.T) {
	f := newAPIFixture(t)

	resp := f.request(t, http.MethodPost, "/api/v1/smartmeshipapi.json", `{"manager":0}`, true)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	body := decodeBody[map[string]string](t, resp)
	assert.Equal(t, "Missing parameter.", body["error"])
}

func TestRawCommandManagerFailure(t *testing.T) {
	f := newAPIFixture(t)
	f.mgr.rawErr = errors.New("manager: not connected")

	resp := f.request(t, http.MethodPost, "/api/v1/smartmeshipapi.json",
		`{"manager":0,"command":"getTime"}`, true)
	assert.Equal(t, http.StatusBadGateway, resp.StatusCode)
}

func TestSnapshotStartsCollectionWhenCacheEmpty(t *testing.T) {
	f := newAPIFixture(t)

	resp := f.request(t, http.MethodPost, "/api/v1/snapshot.json", "", true)
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)
	body := decodeBody[map[string]string](t, resp)
	assert.Equal(t, "snapshot started", body["status"])

	// The background collection fills the cache for subsequent requests.
	require.Eventually(t, func() bool {
		_, ok := f.snap.Last()
		return ok
	}, 5*time.Second, 10*time.Millisecond)
}

func TestSnapshotServesCachedObject(t *testing.T) {
	f := newAPIFixture(t)

	// Run one collection synchronously; the empty mote table still yields a
	// valid snapshot object.
	f.snap.Collect(context.Background())

	resp := f.request(t, http.MethodPost, "/api/v1/snapshot.json", "", true)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	obj := decodeBody[sol.Object](t, resp)
	assert.Equal(t, testManagerMAC, obj.MAC)
	assert.Equal(t, sol.TypeSnapshot, obj.Type)
}

func TestMetricsExposesStatRegistry(t *testing.T) {
	f := newAPIFixture(t)
	f.stats.Add(appstate.StatPubServerSendOK, 9)

	resp := f.request(t, http.MethodGet, "/metrics", "", true)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), `solmanager_stat{name="PUBSERVER_SENDOK"} 9`)
}
