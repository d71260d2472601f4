package natstransport

import (
	"context"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/execution-hub/channel-hub/internal/p2p/protocol"
)

func TestSubjectIsStableAndValid(t *testing.T) {
	identity := "ed25519:ab+/cd=="
	a := Subject("channelhub.p2p", identity)
	assert.Equal(t, a, Subject("channelhub.p2p", identity))
	assert.NotEqual(t, a, Subject("channelhub.p2p", "ed25519:other"))
	assert.True(t, strings.HasPrefix(a, "channelhub.p2p."))
	assert.NotContains(t, strings.TrimPrefix(a, "channelhub.p2p."), ".")
	assert.Len(t, strings.TrimPrefix(a, "channelhub.p2p."), 32)
}

func TestConfigDefaults(t *testing.T) {
	_, err := Config{}.normalized()
	assert.Error(t, err)

	cfg, err := Config{Identity: "ed25519:YQ==", SubjectPrefix: ".custom."}.normalized()
	require.NoError(t, err)
	assert.Equal(t, nats.DefaultURL, cfg.URL)
	assert.Equal(t, "custom", cfg.SubjectPrefix)
}

func TestRoundTripThroughBroker(t *testing.T) {
	url := os.Getenv("TEST_NATS_URL")
	if url == "" {
		t.Skip("TEST_NATS_URL not set; skipping broker test")
	}
	alice, err := Connect(Config{URL: url, Identity: "ed25519:YWxpY2U="}, zerolog.Nop())
	require.NoError(t, err)
	defer alice.Close()
	bob, err := Connect(Config{URL: url, Identity: "ed25519:Ym9i"}, zerolog.Nop())
	require.NoError(t, err)
	defer bob.Close()

	got := make(chan protocol.Message, 1)
	bob.OnMessage(func(_ context.Context, msg protocol.Message) { got <- msg })
	require.NoError(t, bob.conn.Flush())

	require.NoError(t, alice.Send(context.Background(), "ed25519:Ym9i", protocol.Message{
		ProcessID: "p-1",
		Protocol:  protocol.Sync,
		Seq:       protocol.FirstSeqNo,
		From:      "ed25519:YWxpY2U=",
		To:        "ed25519:Ym9i",
	}))
	select {
	case msg := <-got:
		assert.Equal(t, "p-1", msg.ProcessID)
	case <-time.After(5 * time.Second):
		t.Fatal("message not delivered")
	}
}
