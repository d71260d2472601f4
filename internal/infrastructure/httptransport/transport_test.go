package httptransport

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/execution-hub/channel-hub/internal/p2p/protocol"
)

const (
	alice = "ed25519:YWxpY2U="
	bob   = "ed25519:Ym9i"
)

func newServer(t *testing.T, cfg Config) (*Transport, *httptest.Server) {
	t.Helper()
	tr := New(cfg, zerolog.Nop())
	srv := httptest.NewServer(tr.Handler())
	t.Cleanup(srv.Close)
	return tr, srv
}

func message(from, to string) protocol.Message {
	return protocol.Message{
		ProcessID: "p-1",
		Protocol:  protocol.Propose,
		Seq:       protocol.FirstSeqNo,
		From:      from,
		To:        to,
	}
}

func TestSendDeliversToPeerHandler(t *testing.T) {
	receiver, srv := newServer(t, Config{Identity: bob})
	got := make(chan protocol.Message, 1)
	receiver.OnMessage(func(_ context.Context, msg protocol.Message) { got <- msg })

	sender := New(Config{Identity: alice, Peers: map[string]string{bob: srv.URL + "/"}}, zerolog.Nop())
	require.NoError(t, sender.Send(context.Background(), bob, message(alice, bob)))

	select {
	case msg := <-got:
		assert.Equal(t, "p-1", msg.ProcessID)
		assert.Equal(t, alice, msg.From)
	case <-time.After(2 * time.Second):
		t.Fatal("message not delivered")
	}
}

func TestSendUnknownPeer(t *testing.T) {
	sender := New(Config{Identity: alice}, zerolog.Nop())
	err := sender.Send(context.Background(), bob, message(alice, bob))
	assert.Error(t, err)

	sender.AddPeer(bob, "http://127.0.0.1:1")
	assert.Equal(t, []string{bob}, sender.Peers())
}

func TestReceiveRejectsMisroutedMessage(t *testing.T) {
	receiver, srv := newServer(t, Config{Identity: bob})
	receiver.OnMessage(func(context.Context, protocol.Message) {})

	sender := New(Config{Identity: alice, Peers: map[string]string{bob: srv.URL}}, zerolog.Nop())
	err := sender.Send(context.Background(), bob, message(alice, "ed25519:Y2Fyb2w="))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "404")
}

func TestReceiveRejectsGarbage(t *testing.T) {
	_, srv := newServer(t, Config{Identity: bob})
	resp, err := http.Post(srv.URL+MessagesPath, "application/json", bytes.NewReader([]byte("{")))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestReceiveWithoutHandler(t *testing.T) {
	_, srv := newServer(t, Config{Identity: bob})
	body, err := json.Marshal(message(alice, bob))
	require.NoError(t, err)
	resp, err := http.Post(srv.URL+MessagesPath, "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func TestReceiveRateLimitsPerSender(t *testing.T) {
	receiver, srv := newServer(t, Config{Identity: bob, RateLimit: 0.001, Burst: 2})
	receiver.OnMessage(func(context.Context, protocol.Message) {})
	sender := New(Config{Identity: alice, Peers: map[string]string{bob: srv.URL}}, zerolog.Nop())

	ctx := context.Background()
	require.NoError(t, sender.Send(ctx, bob, message(alice, bob)))
	require.NoError(t, sender.Send(ctx, bob, message(alice, bob)))
	err := sender.Send(ctx, bob, message(alice, bob))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "429")

	// other senders keep their own budget
	require.NoError(t, sender.Send(ctx, bob, message("ed25519:Y2Fyb2w=", bob)))
}

func TestLimiterDisabled(t *testing.T) {
	var l *peerLimiter = newPeerLimiter(0, 0)
	assert.Nil(t, l)
	assert.True(t, l.Allow("anyone", time.Now()))
}
