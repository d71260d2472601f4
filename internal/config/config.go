package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/execution-hub/channel-hub/internal/application/apps"
	"github.com/execution-hub/channel-hub/internal/infrastructure/keystore"
)

// Store kinds.
const (
	StoreMemory   = "memory"
	StoreBolt     = "bolt"
	StorePostgres = "postgres"
	StoreRaft     = "raft"
)

// Transport kinds.
const (
	TransportHTTP = "http"
	TransportNATS = "nats"
)

// Config holds node configuration.
type Config struct {
	LogLevel string           `yaml:"log_level"`
	HTTPAddr string           `yaml:"http_addr"`
	Signing  keystore.KeySpec `yaml:"signing"`
	// Peers maps counterparty identity to the base URL of its node.
	Peers     map[string]string `yaml:"peers"`
	Transport TransportConfig   `yaml:"transport"`
	Store     StoreConfig       `yaml:"store"`
	Protocol  ProtocolConfig    `yaml:"protocol"`

	SyncInterval     time.Duration `yaml:"sync_interval"`
	EventJournalPath string        `yaml:"event_journal_path"`
	// Apps registers expression apps by app definition.
	Apps map[string]apps.ExpressionApp `yaml:"apps"`
}

type TransportConfig struct {
	Kind              string        `yaml:"kind"`
	SendTimeout       time.Duration `yaml:"send_timeout"`
	RateLimit         float64       `yaml:"rate_limit"`
	RateBurst         int           `yaml:"rate_burst"`
	NATSURL           string        `yaml:"nats_url"`
	NATSSubjectPrefix string        `yaml:"nats_subject_prefix"`
}

type StoreConfig struct {
	Kind          string     `yaml:"kind"`
	BoltPath      string     `yaml:"bolt_path"`
	DatabaseURL   string     `yaml:"database_url"`
	MigrationsDir string     `yaml:"migrations_dir"`
	MaxConns      int        `yaml:"max_conns"`
	Raft          RaftConfig `yaml:"raft"`
}

type RaftConfig struct {
	NodeID    string `yaml:"node_id"`
	Addr      string `yaml:"addr"`
	DataDir   string `yaml:"data_dir"`
	Bootstrap bool   `yaml:"bootstrap"`

	// JoinEndpoint is the admin URL of a running member to join through.
	JoinEndpoint string `yaml:"join_endpoint"`
}

type ProtocolConfig struct {
	Timeout      time.Duration `yaml:"timeout"`
	LeaseTimeout time.Duration `yaml:"lease_timeout"`
	MergeWait    time.Duration `yaml:"merge_wait"`
}

// Load reads the YAML file at path when path is not empty, then applies
// environment overrides and defaults.
func Load(path string) (*Config, error) {
	cfg := &Config{}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	cfg.applyEnv()
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	c.LogLevel = getenv("LOG_LEVEL", c.LogLevel)
	c.HTTPAddr = getenv("HTTP_ADDR", c.HTTPAddr)
	c.Signing = keystore.FromEnv().Merge(c.Signing)
	if raw := os.Getenv("CHANNEL_PEERS"); raw != "" {
		c.Peers = parsePeers(raw, c.Peers)
	}

	c.Transport.Kind = getenv("TRANSPORT", c.Transport.Kind)
	c.Transport.SendTimeout = parseDuration(os.Getenv("TRANSPORT_SEND_TIMEOUT"), c.Transport.SendTimeout)
	c.Transport.RateLimit = parseFloat(os.Getenv("INBOUND_RATE_LIMIT"), c.Transport.RateLimit)
	c.Transport.RateBurst = parseInt(os.Getenv("INBOUND_RATE_BURST"), c.Transport.RateBurst)
	c.Transport.NATSURL = getenv("NATS_URL", c.Transport.NATSURL)
	c.Transport.NATSSubjectPrefix = getenv("NATS_SUBJECT_PREFIX", c.Transport.NATSSubjectPrefix)

	c.Store.Kind = getenv("STORE", c.Store.Kind)
	c.Store.BoltPath = getenv("BOLT_PATH", c.Store.BoltPath)
	c.Store.DatabaseURL = getenv("DATABASE_URL", c.Store.DatabaseURL)
	c.Store.MigrationsDir = getenv("MIGRATIONS_DIR", c.Store.MigrationsDir)
	c.Store.MaxConns = parseInt(os.Getenv("DATABASE_MAX_CONNS"), c.Store.MaxConns)
	c.Store.Raft.NodeID = getenv("RAFT_NODE_ID", c.Store.Raft.NodeID)
	c.Store.Raft.Addr = getenv("RAFT_ADDR", c.Store.Raft.Addr)
	c.Store.Raft.DataDir = getenv("RAFT_DATA_DIR", c.Store.Raft.DataDir)
	c.Store.Raft.Bootstrap = parseBool(os.Getenv("RAFT_BOOTSTRAP"), c.Store.Raft.Bootstrap)
	c.Store.Raft.JoinEndpoint = getenv("RAFT_JOIN_ENDPOINT", c.Store.Raft.JoinEndpoint)

	c.Protocol.Timeout = parseDuration(os.Getenv("PROTOCOL_TIMEOUT"), c.Protocol.Timeout)
	c.Protocol.LeaseTimeout = parseDuration(os.Getenv("LEASE_TIMEOUT"), c.Protocol.LeaseTimeout)
	c.Protocol.MergeWait = parseDuration(os.Getenv("SYNC_MERGE_WAIT"), c.Protocol.MergeWait)
	c.SyncInterval = parseDuration(os.Getenv("SYNC_INTERVAL"), c.SyncInterval)
	c.EventJournalPath = getenv("EVENT_JOURNAL_PATH", c.EventJournalPath)
}

func (c *Config) applyDefaults() {
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.HTTPAddr == "" {
		c.HTTPAddr = "0.0.0.0:8090"
	}
	if c.Transport.Kind == "" {
		c.Transport.Kind = TransportHTTP
	}
	if c.Store.Kind == "" {
		c.Store.Kind = StoreMemory
	}
	if c.Store.Kind == StorePostgres && c.Store.DatabaseURL == "" {
		user := getenv("POSTGRES_USER", "channel_hub")
		pass := getenv("POSTGRES_PASSWORD", "channel_hub_pass")
		db := getenv("POSTGRES_DB", "channel_hub")
		host := getenv("POSTGRES_HOST", "localhost")
		port := getenv("POSTGRES_PORT", "5432")
		sslmode := getenv("DATABASE_SSLMODE", "disable")
		c.Store.DatabaseURL = fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=%s", user, pass, host, port, db, sslmode)
	}
	if c.Store.MigrationsDir == "" {
		c.Store.MigrationsDir = "internal/migrations"
	}
	if c.Store.BoltPath == "" {
		c.Store.BoltPath = "data/channels.db"
	}
	if c.Protocol.Timeout <= 0 {
		c.Protocol.Timeout = 10 * time.Second
	}
	if c.Protocol.LeaseTimeout <= 0 {
		c.Protocol.LeaseTimeout = 30 * time.Second
	}
	if c.SyncInterval < 0 {
		c.SyncInterval = 0
	}
}

// Validate checks settings that have no usable default.
func (c *Config) Validate() error {
	switch c.Store.Kind {
	case StoreMemory, StoreBolt, StorePostgres:
	case StoreRaft:
		if c.Store.Raft.NodeID == "" || c.Store.Raft.Addr == "" || c.Store.Raft.DataDir == "" {
			return errors.New("raft store needs node_id, addr and data_dir")
		}
	default:
		return fmt.Errorf("unknown store kind %q", c.Store.Kind)
	}
	switch c.Transport.Kind {
	case TransportHTTP, TransportNATS:
	default:
		return fmt.Errorf("unknown transport kind %q", c.Transport.Kind)
	}
	if c.Signing.SeedHex == "" && c.Signing.Mnemonic == "" {
		return keystore.ErrNoKeyMaterial
	}
	return nil
}

// parsePeers reads "identity@url,identity@url" on top of existing entries.
// Identities never contain '@'.
func parsePeers(raw string, base map[string]string) map[string]string {
	out := make(map[string]string, len(base))
	for k, v := range base {
		out[k] = v
	}
	for _, pair := range strings.Split(raw, ",") {
		identity, url, ok := strings.Cut(strings.TrimSpace(pair), "@")
		if !ok || identity == "" || url == "" {
			continue
		}
		out[strings.TrimSpace(identity)] = strings.TrimSpace(url)
	}
	return out
}

func getenv(key, def string) string {
	val := os.Getenv(key)
	if val == "" {
		return def
	}
	return val
}

func parseDuration(val string, def time.Duration) time.Duration {
	if val == "" {
		return def
	}
	d, err := time.ParseDuration(val)
	if err != nil {
		return def
	}
	return d
}

func parseBool(val string, def bool) bool {
	if val == "" {
		return def
	}
	b, err := strconv.ParseBool(val)
	if err != nil {
		return def
	}
	return b
}

func parseInt(val string, def int) int {
	if val == "" {
		return def
	}
	n, err := strconv.Atoi(val)
	if err != nil {
		return def
	}
	return n
}

func parseFloat(val string, def float64) float64 {
	if val == "" {
		return def
	}
	f, err := strconv.ParseFloat(val, 64)
	if err != nil {
		return def
	}
	return f
}
