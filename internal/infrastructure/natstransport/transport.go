package natstransport

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"

	"github.com/execution-hub/channel-hub/internal/domain/channel"
	"github.com/execution-hub/channel-hub/internal/p2p/exchange"
	"github.com/execution-hub/channel-hub/internal/p2p/protocol"
)

// Config describes the broker connection for one node.
type Config struct {
	URL           string
	SubjectPrefix string
	Identity      string
}

func (c Config) normalized() (Config, error) {
	c.URL = strings.TrimSpace(c.URL)
	c.SubjectPrefix = strings.Trim(strings.TrimSpace(c.SubjectPrefix), ".")
	if c.URL == "" {
		c.URL = nats.DefaultURL
	}
	if c.SubjectPrefix == "" {
		c.SubjectPrefix = "channelhub.p2p"
	}
	if strings.TrimSpace(c.Identity) == "" {
		return c, errors.New("identity is required")
	}
	return c, nil
}

// Transport publishes each message on the recipient's inbox subject and
// subscribes to its own.
type Transport struct {
	conn    *nats.Conn
	cfg     Config
	logger  zerolog.Logger
	ownConn bool

	mu  sync.Mutex
	sub *nats.Subscription
}

// Connect dials the broker described by cfg.
func Connect(cfg Config, logger zerolog.Logger) (*Transport, error) {
	cfg, err := cfg.normalized()
	if err != nil {
		return nil, err
	}
	conn, err := nats.Connect(cfg.URL, nats.Name("channel-hub "+Subject(cfg.SubjectPrefix, cfg.Identity)))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}
	t, err := New(conn, cfg, logger)
	if err != nil {
		conn.Close()
		return nil, err
	}
	t.ownConn = true
	return t, nil
}

// New uses an existing connection. Close does not close conn.
func New(conn *nats.Conn, cfg Config, logger zerolog.Logger) (*Transport, error) {
	cfg, err := cfg.normalized()
	if err != nil {
		return nil, err
	}
	return &Transport{
		conn:   conn,
		cfg:    cfg,
		logger: logger.With().Str("service", "nats_transport").Logger(),
	}, nil
}

// Subject is the inbox subject for identity. Identities contain characters
// that are not valid in subjects, so the token is a digest.
func Subject(prefix, identity string) string {
	digest := channel.Keccak256([]byte(identity))
	return prefix + "." + hex.EncodeToString(digest[:16])
}

func (t *Transport) Send(_ context.Context, to string, msg protocol.Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	return t.conn.Publish(Subject(t.cfg.SubjectPrefix, to), data)
}

// OnMessage subscribes handler to this node's inbox, replacing any earlier
// subscription.
func (t *Transport) OnMessage(handler exchange.Handler) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.sub != nil {
		_ = t.sub.Unsubscribe()
		t.sub = nil
	}
	subject := Subject(t.cfg.SubjectPrefix, t.cfg.Identity)
	sub, err := t.conn.Subscribe(subject, func(m *nats.Msg) {
		var msg protocol.Message
		if err := json.Unmarshal(m.Data, &msg); err != nil {
			t.logger.Warn().Err(err).Msg("dropping undecodable message")
			return
		}
		go handler(context.Background(), msg)
	})
	if err != nil {
		t.logger.Error().Err(err).Str("subject", subject).Msg("subscribe failed")
		return
	}
	t.sub = sub
	t.logger.Info().Str("subject", subject).Msg("listening for peer messages")
}

// Close drops the subscription and, when Connect opened it, the connection.
func (t *Transport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	var err error
	if t.sub != nil {
		err = t.sub.Unsubscribe()
		t.sub = nil
	}
	if t.ownConn {
		if derr := t.conn.Drain(); derr != nil && err == nil {
			err = derr
		}
	}
	return err
}
