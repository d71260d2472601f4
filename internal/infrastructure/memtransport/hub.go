package memtransport

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/execution-hub/channel-hub/internal/p2p/exchange"
	"github.com/execution-hub/channel-hub/internal/p2p/protocol"
)

// DropFunc reports whether a message should be lost in transit.
type DropFunc func(msg protocol.Message) bool

// Hub connects in-process endpoints. Every message is encoded and decoded
// as it would be on a real wire and delivered on its own goroutine.
type Hub struct {
	mu       sync.RWMutex
	handlers map[string]exchange.Handler
	drop     DropFunc
	dropped  []protocol.Message
}

func NewHub() *Hub {
	return &Hub{handlers: make(map[string]exchange.Handler)}
}

// Endpoint returns the transport for one identity.
func (h *Hub) Endpoint(identity string) *Endpoint {
	return &Endpoint{hub: h, identity: identity}
}

// SetDropFunc installs a filter deciding which messages are lost.
func (h *Hub) SetDropFunc(fn DropFunc) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.drop = fn
}

// Dropped returns the messages lost so far.
func (h *Hub) Dropped() []protocol.Message {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return append([]protocol.Message(nil), h.dropped...)
}

// DropOnce drops the first message matching match and then delivers
// everything.
func DropOnce(match DropFunc) DropFunc {
	var (
		mu   sync.Mutex
		done bool
	)
	return func(msg protocol.Message) bool {
		mu.Lock()
		defer mu.Unlock()
		if done || !match(msg) {
			return false
		}
		done = true
		return true
	}
}

func (h *Hub) deliver(to string, msg protocol.Message) error {
	raw, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	var decoded protocol.Message
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return err
	}

	h.mu.Lock()
	handler, ok := h.handlers[to]
	if !ok {
		h.mu.Unlock()
		return fmt.Errorf("unknown peer %s", to)
	}
	if h.drop != nil && h.drop(decoded) {
		h.dropped = append(h.dropped, decoded)
		h.mu.Unlock()
		return nil
	}
	h.mu.Unlock()

	go handler(context.Background(), decoded)
	return nil
}

// Endpoint is one identity's view of the hub.
type Endpoint struct {
	hub      *Hub
	identity string
}

func (e *Endpoint) Send(_ context.Context, to string, msg protocol.Message) error {
	return e.hub.deliver(to, msg)
}

func (e *Endpoint) OnMessage(handler exchange.Handler) {
	e.hub.mu.Lock()
	defer e.hub.mu.Unlock()
	e.hub.handlers[e.identity] = handler
}
