package exchange

import (
	"context"
	"sync"
	"time"

	"github.com/execution-hub/channel-hub/internal/p2p/protocol"
)

// Handler consumes inbound messages.
type Handler func(ctx context.Context, msg protocol.Message)

// Transport is the delivery capability the engine consumes. Delivery order
// is not assumed.
type Transport interface {
	Send(ctx context.Context, to string, msg protocol.Message) error
	OnMessage(handler Handler)
}

// Exchange pairs outbound requests with their terminal replies by process id.
type Exchange struct {
	transport Transport
	timeout   time.Duration

	mu      sync.Mutex
	pending map[string]chan protocol.Message
}

func New(transport Transport, timeout time.Duration) *Exchange {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Exchange{
		transport: transport,
		timeout:   timeout,
		pending:   make(map[string]chan protocol.Message),
	}
}

// Timeout is the default wait for a reply.
func (x *Exchange) Timeout() time.Duration { return x.timeout }

// Request sends msg and waits for the reply carrying the same process id.
// The wait is bounded by the exchange timeout or ctx, whichever ends first.
func (x *Exchange) Request(ctx context.Context, msg protocol.Message) (protocol.Message, error) {
	ch := make(chan protocol.Message, 1)
	x.mu.Lock()
	x.pending[msg.ProcessID] = ch
	x.mu.Unlock()
	defer func() {
		x.mu.Lock()
		delete(x.pending, msg.ProcessID)
		x.mu.Unlock()
	}()

	if err := x.transport.Send(ctx, msg.To, msg); err != nil {
		return protocol.Message{}, protocol.Wrap(protocol.KindTransport, err)
	}

	timer := time.NewTimer(x.timeout)
	defer timer.Stop()
	select {
	case reply := <-ch:
		return reply, nil
	case <-timer.C:
		return protocol.Message{}, protocol.Errorf(protocol.KindMessageTimeout, "no %s reply from %s within %s", msg.Protocol, msg.To, x.timeout)
	case <-ctx.Done():
		return protocol.Message{}, protocol.Errorf(protocol.KindMessageTimeout, "waiting for %s reply from %s: %v", msg.Protocol, msg.To, ctx.Err())
	}
}

// Send delivers msg without waiting for anything.
func (x *Exchange) Send(ctx context.Context, msg protocol.Message) error {
	if err := x.transport.Send(ctx, msg.To, msg); err != nil {
		return protocol.Wrap(protocol.KindTransport, err)
	}
	return nil
}

// Deliver hands a reply to the run awaiting it. It reports false when no
// run is waiting, in which case the reply is dropped.
func (x *Exchange) Deliver(msg protocol.Message) bool {
	x.mu.Lock()
	ch, ok := x.pending[msg.ProcessID]
	if ok {
		delete(x.pending, msg.ProcessID)
	}
	x.mu.Unlock()
	if !ok {
		return false
	}
	ch <- msg
	return true
}

// Listen registers handler for inbound messages.
func (x *Exchange) Listen(handler Handler) {
	x.transport.OnMessage(handler)
}
