package api

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/execution-hub/channel-hub/internal/infrastructure/eventlog"
	"github.com/execution-hub/channel-hub/internal/infrastructure/keystore"
	"github.com/execution-hub/channel-hub/internal/infrastructure/memstore"
	"github.com/execution-hub/channel-hub/internal/infrastructure/memtransport"
	"github.com/execution-hub/channel-hub/internal/metrics"
	"github.com/execution-hub/channel-hub/internal/node"
	"github.com/execution-hub/channel-hub/internal/p2p/protocol"
)

func newRuntime(t *testing.T, hub *memtransport.Hub, seed string, reg *prometheus.Registry) *node.Runtime {
	t.Helper()
	signer, err := keystore.LoadSigner(keystore.KeySpec{SeedHex: strings.Repeat(seed, 64)})
	require.NoError(t, err)
	journal, err := eventlog.Open(":memory:", zerolog.Nop())
	require.NoError(t, err)
	deps := node.Deps{
		Store:           memstore.New(),
		Signer:          signer,
		Transport:       hub.Endpoint(signer.Identity()),
		Apps:            node.Registry(nil),
		Journal:         journal,
		ProtocolTimeout: time.Second,
		LeaseTimeout:    5 * time.Second,
	}
	if reg != nil {
		deps.Metrics = metrics.NewPrometheusRecorder(reg)
	}
	n, err := node.Assemble(deps, zerolog.Nop())
	require.NoError(t, err)
	n.OnClose(journal.Close)
	n.Start(context.Background())
	t.Cleanup(func() { _ = n.Close() })
	return &node.Runtime{Node: n}
}

func do(t *testing.T, h http.Handler, method, path string, body any) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	out := map[string]any{}
	if strings.HasPrefix(rec.Header().Get("Content-Type"), "application/json") {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	}
	return rec, out
}

func TestChannelLifecycleOverHTTP(t *testing.T) {
	hub := memtransport.NewHub()
	reg := prometheus.NewRegistry()
	alice := newRuntime(t, hub, "1", reg)
	bob := newRuntime(t, hub, "2", nil)
	h := NewServer(alice, reg).Router()

	rec, out := do(t, h, http.MethodPost, "/v1/protocols/setup", map[string]any{
		"responder": bob.Node.Identity(),
		"initial_balances": map[string]any{
			"ETH": map[string]any{alice.Node.Identity(): 10, bob.Node.Identity(): 10},
		},
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "setup", out["protocol"])
	assert.Equal(t, bob.Node.Identity(), out["counterparty"])
	multisig := out["channel"].(map[string]any)["multisigAddress"].(string)
	require.NotEmpty(t, multisig)

	rec, out = do(t, h, http.MethodGet, "/v1/channels", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.EqualValues(t, 1, out["total"])

	rec, _ = do(t, h, http.MethodGet, "/v1/channels/"+multisig, nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec, out = do(t, h, http.MethodPost, "/v1/protocols/propose", map[string]any{
		"multisig_address":           multisig,
		"app_definition":             "counter",
		"initial_state":              map[string]any{"count": 0},
		"timeout":                    10,
		"initiator_deposit":          1,
		"initiator_deposit_asset_id": "ETH",
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	hash := out["app_identity_hash"].(string)

	rec, out = do(t, h, http.MethodGet, "/v1/apps/"+hash, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "proposed", out["status"])

	rec, _ = do(t, h, http.MethodPost, "/v1/protocols/install", map[string]any{"app_identity_hash": hash})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec, _ = do(t, h, http.MethodPost, "/v1/protocols/takeAction", map[string]any{
		"app_identity_hash": hash,
		"action":            map[string]any{"increment": 2},
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec, out = do(t, h, http.MethodGet, "/v1/apps/"+hash, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "installed", out["status"])
	app := out["app"].(map[string]any)
	assert.EqualValues(t, 2, app["latestVersionNumber"])
	assert.EqualValues(t, 2, app["latestState"].(map[string]any)["count"])

	rec, out = do(t, h, http.MethodPost, "/v1/channels/"+multisig+"/sync", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "equal", out["relation"])

	rec, _ = do(t, h, http.MethodPost, "/v1/channels/sync", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec, _ = do(t, h, http.MethodGet, "/metrics", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestInitiateErrors(t *testing.T) {
	hub := memtransport.NewHub()
	alice := newRuntime(t, hub, "1", nil)
	h := NewServer(alice, nil).Router()

	rec, out := do(t, h, http.MethodPost, "/v1/protocols/teleport", map[string]any{})
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "UNKNOWN_PROTOCOL", out["error"])

	rec, _ = do(t, h, http.MethodPost, "/v1/protocols/sync", map[string]any{})
	assert.Equal(t, http.StatusNotFound, rec.Code)

	req := httptest.NewRequest(http.MethodPost, "/v1/protocols/install", strings.NewReader("{not json"))
	raw := httptest.NewRecorder()
	h.ServeHTTP(raw, req)
	assert.Equal(t, http.StatusBadRequest, raw.Code)

	rec, _ = do(t, h, http.MethodPost, "/v1/protocols/install", map[string]any{
		"multisig_address":  "0xmissing",
		"app_identity_hash": "0xmissing",
	})
	assert.GreaterOrEqual(t, rec.Code, 400)
	assert.NotEqual(t, http.StatusOK, rec.Code)
}

func TestLookupsAndEvents(t *testing.T) {
	hub := memtransport.NewHub()
	alice := newRuntime(t, hub, "1", nil)
	h := NewServer(alice, nil).Router()

	rec, out := do(t, h, http.MethodGet, "/healthz", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, alice.Node.Identity(), out["identity"])

	rec, _ = do(t, h, http.MethodGet, "/v1/channels/0xnope", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	rec, _ = do(t, h, http.MethodGet, "/v1/apps/0xnope", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec, out = do(t, h, http.MethodGet, "/v1/events?type=CREATE_CHANNEL&limit=5", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, out["events"])

	rec, _ = do(t, h, http.MethodGet, "/v1/raft", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	rec, _ = do(t, h, http.MethodGet, "/metrics", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestParseLimitOffset(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/?limit=900&offset=-3", nil)
	limit, offset := parseLimitOffset(req, 100, 500)
	assert.Equal(t, 500, limit)
	assert.Equal(t, 0, offset)

	assert.Equal(t, []int{3}, page([]int{1, 2, 3}, 2, 2))
	assert.Empty(t, page([]int{1, 2, 3}, 2, 5))
}

func TestStreamEvents(t *testing.T) {
	hub := memtransport.NewHub()
	alice := newRuntime(t, hub, "1", nil)
	bob := newRuntime(t, hub, "2", nil)
	srv := httptest.NewServer(NewServer(bob, nil).Router())
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/v1/events/stream?type=CREATE_CHANNEL", nil)
	require.NoError(t, err)
	resp, err := srv.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	// the journal consumer is the first subscriber
	require.Eventually(t, func() bool {
		return bob.Node.Events().SubscriberCount() == 2
	}, 2*time.Second, 10*time.Millisecond)

	_, err = alice.Node.Initiate(ctx, protocol.SetupParams{Responder: bob.Node.Identity()})
	require.NoError(t, err)

	scanner := bufio.NewScanner(resp.Body)
	var lines []string
	for scanner.Scan() {
		line := scanner.Text()
		lines = append(lines, line)
		if strings.HasPrefix(line, "data: ") {
			break
		}
	}
	require.Contains(t, lines, "event: CREATE_CHANNEL")
	var evt map[string]any
	require.NoError(t, json.Unmarshal([]byte(strings.TrimPrefix(lines[len(lines)-1], "data: ")), &evt))
	assert.Equal(t, "CREATE_CHANNEL", evt["type"])
}
