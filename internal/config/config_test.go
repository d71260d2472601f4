package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/execution-hub/channel-hub/internal/infrastructure/keystore"
)

const seedHex = "00112233445566778899aabbccddeeff00112233445566778899aabbccddeeff"

func clearEnv(t *testing.T) {
	t.Helper()
	for _, key := range []string{
		"LOG_LEVEL", "HTTP_ADDR", "CHANNEL_SIGNING_ALG", "CHANNEL_SIGNING_SEED", "CHANNEL_MNEMONIC",
		"CHANNEL_MNEMONIC_PASSPHRASE", "CHANNEL_PEERS", "TRANSPORT", "TRANSPORT_SEND_TIMEOUT",
		"INBOUND_RATE_LIMIT", "INBOUND_RATE_BURST", "NATS_URL", "NATS_SUBJECT_PREFIX", "STORE",
		"BOLT_PATH", "DATABASE_URL", "MIGRATIONS_DIR", "DATABASE_MAX_CONNS", "RAFT_NODE_ID",
		"RAFT_ADDR", "RAFT_DATA_DIR", "RAFT_BOOTSTRAP", "PROTOCOL_TIMEOUT", "LEASE_TIMEOUT",
		"SYNC_MERGE_WAIT", "SYNC_INTERVAL", "EVENT_JOURNAL_PATH", "POSTGRES_HOST",
	} {
		t.Setenv(key, "")
	}
}

func TestLoadDefaultsFromEnv(t *testing.T) {
	clearEnv(t)
	t.Setenv("CHANNEL_SIGNING_SEED", seedHex)

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, "0.0.0.0:8090", cfg.HTTPAddr)
	assert.Equal(t, TransportHTTP, cfg.Transport.Kind)
	assert.Equal(t, StoreMemory, cfg.Store.Kind)
	assert.Equal(t, 10*time.Second, cfg.Protocol.Timeout)
	assert.Equal(t, 30*time.Second, cfg.Protocol.LeaseTimeout)
	assert.Equal(t, seedHex, cfg.Signing.SeedHex)
}

func TestLoadYAMLWithOverrides(t *testing.T) {
	clearEnv(t)
	path := filepath.Join(t.TempDir(), "node.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
log_level: debug
signing:
  alg: dilithium3
  seed_hex: `+seedHex+`
peers:
  "ed25519:Ym9i": http://bob:8090
transport:
  kind: nats
  nats_url: nats://broker:4222
store:
  kind: raft
  raft:
    node_id: n1
    addr: 127.0.0.1:7000
    data_dir: /tmp/raft
    bootstrap: true
protocol:
  timeout: 3s
sync_interval: 1m
apps:
  counter:
    guard: "[action.increment] > 0"
    updates:
      count: "[state.count] + [action.increment]"
`), 0o600))
	t.Setenv("PROTOCOL_TIMEOUT", "5s")
	t.Setenv("CHANNEL_PEERS", "ed25519:Y2Fyb2w=@http://carol:8090")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, "dilithium3", cfg.Signing.Alg)
	assert.Equal(t, TransportNATS, cfg.Transport.Kind)
	assert.Equal(t, "nats://broker:4222", cfg.Transport.NATSURL)
	assert.Equal(t, StoreRaft, cfg.Store.Kind)
	assert.True(t, cfg.Store.Raft.Bootstrap)
	assert.Equal(t, 5*time.Second, cfg.Protocol.Timeout)
	assert.Equal(t, time.Minute, cfg.SyncInterval)
	assert.Equal(t, "http://bob:8090", cfg.Peers["ed25519:Ym9i"])
	assert.Equal(t, "http://carol:8090", cfg.Peers["ed25519:Y2Fyb2w="])
	require.Contains(t, cfg.Apps, "counter")
	assert.Equal(t, "[action.increment] > 0", cfg.Apps["counter"].Guard)
}

func TestLoadPostgresDSNFallback(t *testing.T) {
	clearEnv(t)
	t.Setenv("CHANNEL_SIGNING_SEED", seedHex)
	t.Setenv("STORE", StorePostgres)
	t.Setenv("POSTGRES_HOST", "db")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "postgres://channel_hub:channel_hub_pass@db:5432/channel_hub?sslmode=disable", cfg.Store.DatabaseURL)
}

func TestValidate(t *testing.T) {
	clearEnv(t)
	_, err := Load("")
	assert.ErrorIs(t, err, keystore.ErrNoKeyMaterial)

	t.Setenv("CHANNEL_SIGNING_SEED", seedHex)
	t.Setenv("STORE", "mongo")
	_, err = Load("")
	assert.Error(t, err)

	t.Setenv("STORE", StoreRaft)
	_, err = Load("")
	assert.Error(t, err)

	t.Setenv("STORE", "")
	t.Setenv("TRANSPORT", "carrier-pigeon")
	_, err = Load("")
	assert.Error(t, err)

	_, err = Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}
