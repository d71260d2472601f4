package router

import (
	"context"
	"errors"
	"slices"
	"time"

	"github.com/rs/zerolog"

	"github.com/execution-hub/channel-hub/internal/domain/channel"
	"github.com/execution-hub/channel-hub/internal/domain/event"
	"github.com/execution-hub/channel-hub/internal/metrics"
	"github.com/execution-hub/channel-hub/internal/p2p/engine"
	"github.com/execution-hub/channel-hub/internal/p2p/exchange"
	"github.com/execution-hub/channel-hub/internal/p2p/lock"
	"github.com/execution-hub/channel-hub/internal/p2p/protocol"
	"github.com/execution-hub/channel-hub/internal/p2p/syncer"
)

// Emitter receives domain events.
type Emitter interface {
	Emit(evt event.Event)
}

// Config tunes the router.
type Config struct {
	// LeaseTimeout bounds the wait for a run's queues.
	LeaseTimeout time.Duration
}

func (c Config) normalized() Config {
	if c.LeaseTimeout <= 0 {
		c.LeaseTimeout = 30 * time.Second
	}
	return c
}

// Router dispatches inbound messages to the engine and the syncer, runs
// local initiations, and turns outcomes into domain events.
type Router struct {
	engine   *engine.Engine
	syncer   *syncer.Syncer
	locks    *lock.Manager
	exchange *exchange.Exchange
	store    channel.Store
	events   Emitter
	metrics  metrics.Recorder
	logger   zerolog.Logger
	cfg      Config
}

func New(eng *engine.Engine, s *syncer.Syncer, locks *lock.Manager, x *exchange.Exchange, store channel.Store, events Emitter, rec metrics.Recorder, logger zerolog.Logger, cfg Config) *Router {
	return &Router{
		engine:   eng,
		syncer:   s,
		locks:    locks,
		exchange: x,
		store:    store,
		events:   events,
		metrics:  metrics.OrNoop(rec),
		logger:   logger.With().Str("service", "router").Logger(),
		cfg:      cfg.normalized(),
	}
}

// Start subscribes the router to inbound messages.
func (r *Router) Start() {
	r.exchange.Listen(r.HandleMessage)
}

// syncFailure marks an error raised while recovering through sync.
type syncFailure struct {
	err error
}

func (e *syncFailure) Error() string { return e.err.Error() }
func (e *syncFailure) Unwrap() error { return e.err }

// fromSync reports whether err came out of sync recovery on either side.
func fromSync(err error) bool {
	var sf *syncFailure
	return errors.As(err, &sf) || protocol.KindOf(err) == protocol.KindSyncUnresolvable
}

// unresolvable escalates a failure that survived one sync.
func unresolvable(err error) error {
	return &syncFailure{err: &protocol.Error{
		Kind:   protocol.KindSyncUnresolvable,
		Detail: "still failing after sync",
		Err:    err,
	}}
}

func (r *Router) acquire(ctx context.Context, p protocol.Params) (*lock.Lease, error) {
	return r.acquireNames(ctx, lock.QueueNames(p)...)
}

func (r *Router) acquireNames(ctx context.Context, names ...string) (*lock.Lease, error) {
	ctx, cancel := context.WithTimeout(ctx, r.cfg.LeaseTimeout)
	defer cancel()
	start := time.Now()
	lease, err := r.locks.Acquire(ctx, names...)
	r.metrics.ObserveLeaseWait(time.Since(start))
	return lease, err
}

// responderWindow bounds a responder run so it ends before the initiator
// stops waiting for the reply.
func (r *Router) responderWindow() time.Duration {
	window := r.exchange.Timeout() * 3 / 4
	if r.cfg.LeaseTimeout < window {
		return r.cfg.LeaseTimeout
	}
	return window
}

// syncUnder runs a sync for the run holding lease. A merge rewrites the
// whole channel, so runs scoped to one app take the channel lease first.
func (r *Router) syncUnder(ctx context.Context, lease *lock.Lease, counterparty, multisig string) (syncer.Outcome, error) {
	if !slices.Contains(lease.Names(), multisig) {
		channelLease, err := r.acquireNames(ctx, multisig)
		if err != nil {
			return syncer.Outcome{}, err
		}
		defer channelLease.Release()
	}
	return r.syncer.SyncLocked(ctx, counterparty, multisig)
}

// emitFailure raises exactly one failure event for a terminal failure.
func (r *Router) emitFailure(from, processID string, name protocol.Name, multisig string, err error) {
	var evt event.Event
	if fromSync(err) {
		evt = event.New(event.TypeSyncFailed, from, event.SyncFailedData{
			Error:           err.Error(),
			MultisigAddress: multisig,
		})
	} else {
		evt = event.New(event.TypeProtocolFailed, from, event.ProtocolFailedData{
			Protocol: string(name),
			Kind:     string(protocol.KindOf(err)),
			Error:    err.Error(),
		})
	}
	r.events.Emit(evt.WithProcess(processID))
}

func outcomeOf(err error) string {
	switch {
	case err == nil:
		return "success"
	case fromSync(err):
		return "sync_failed"
	default:
		return "failed"
	}
}
