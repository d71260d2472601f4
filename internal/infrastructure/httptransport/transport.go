package httptransport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"github.com/execution-hub/channel-hub/internal/p2p/exchange"
	"github.com/execution-hub/channel-hub/internal/p2p/protocol"
)

// MessagesPath is where peers post protocol messages.
const MessagesPath = "/v1/p2p/messages"

const maxBodyBytes = 4 << 20

// Config describes one node's HTTP endpoint and its known peers.
type Config struct {
	Identity string
	// Peers maps counterparty identity to its base URL.
	Peers       map[string]string
	SendTimeout time.Duration
	// RateLimit is inbound messages per second per sender; zero disables it.
	RateLimit float64
	Burst     int
}

func (c Config) normalized() Config {
	if c.SendTimeout <= 0 {
		c.SendTimeout = 10 * time.Second
	}
	if c.RateLimit > 0 && c.Burst <= 0 {
		c.Burst = int(c.RateLimit) + 1
	}
	return c
}

// Transport delivers messages by POSTing them to the recipient's node.
// Delivery is fire-and-forget: replies come back as separate POSTs.
type Transport struct {
	identity string
	client   *http.Client
	limiter  *peerLimiter
	logger   zerolog.Logger

	mu      sync.RWMutex
	peers   map[string]string
	handler exchange.Handler
}

func New(cfg Config, logger zerolog.Logger) *Transport {
	cfg = cfg.normalized()
	peers := make(map[string]string, len(cfg.Peers))
	for id, url := range cfg.Peers {
		peers[id] = strings.TrimRight(url, "/")
	}
	return &Transport{
		identity: cfg.Identity,
		client:   &http.Client{Timeout: cfg.SendTimeout},
		limiter:  newPeerLimiter(cfg.RateLimit, cfg.Burst),
		logger:   logger.With().Str("service", "http_transport").Logger(),
		peers:    peers,
	}
}

// AddPeer registers or replaces the base URL for identity.
func (t *Transport) AddPeer(identity, baseURL string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.peers[identity] = strings.TrimRight(baseURL, "/")
}

// Peers lists the known counterparty identities.
func (t *Transport) Peers() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]string, 0, len(t.peers))
	for id := range t.peers {
		out = append(out, id)
	}
	return out
}

func (t *Transport) Send(ctx context.Context, to string, msg protocol.Message) error {
	t.mu.RLock()
	base, ok := t.peers[to]
	t.mu.RUnlock()
	if !ok {
		return fmt.Errorf("no address for peer %s", to)
	}
	body, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, base+MessagesPath, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := t.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("peer %s answered %d: %s", to, resp.StatusCode, strings.TrimSpace(string(detail)))
	}
	return nil
}

func (t *Transport) OnMessage(handler exchange.Handler) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.handler = handler
}

// Routes mounts the inbound endpoint on r.
func (t *Transport) Routes(r chi.Router) {
	r.Post(MessagesPath, t.receive)
}

// Handler returns a standalone router serving only the inbound endpoint.
func (t *Transport) Handler() http.Handler {
	r := chi.NewRouter()
	t.Routes(r)
	return r
}

func (t *Transport) receive(w http.ResponseWriter, r *http.Request) {
	var msg protocol.Message
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(&msg); err != nil {
		respondError(w, http.StatusBadRequest, "INVALID_MESSAGE", err.Error())
		return
	}
	if msg.To != t.identity {
		respondError(w, http.StatusNotFound, "UNKNOWN_RECIPIENT", "message is not addressed to this node")
		return
	}
	if !t.limiter.Allow(msg.From, time.Now()) {
		respondError(w, http.StatusTooManyRequests, "RATE_LIMITED", "too many messages")
		return
	}
	t.mu.RLock()
	handler := t.handler
	t.mu.RUnlock()
	if handler == nil {
		respondError(w, http.StatusServiceUnavailable, "NOT_READY", "node is not accepting messages")
		return
	}

	t.logger.Debug().
		Str("process_id", msg.ProcessID).
		Str("protocol", string(msg.Protocol)).
		Int("seq", msg.Seq).
		Str("from", msg.From).
		Msg("message received")
	go handler(context.Background(), msg)
	w.WriteHeader(http.StatusAccepted)
}

func respondError(w http.ResponseWriter, status int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"error":   code,
		"message": message,
	})
}
