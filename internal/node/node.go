package node

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/execution-hub/channel-hub/internal/application/apps"
	"github.com/execution-hub/channel-hub/internal/application/events"
	"github.com/execution-hub/channel-hub/internal/domain/channel"
	"github.com/execution-hub/channel-hub/internal/infrastructure/eventlog"
	"github.com/execution-hub/channel-hub/internal/metrics"
	"github.com/execution-hub/channel-hub/internal/p2p/engine"
	"github.com/execution-hub/channel-hub/internal/p2p/exchange"
	"github.com/execution-hub/channel-hub/internal/p2p/lock"
	"github.com/execution-hub/channel-hub/internal/p2p/protocol"
	"github.com/execution-hub/channel-hub/internal/p2p/router"
	"github.com/execution-hub/channel-hub/internal/p2p/syncer"
)

// Deps are the collaborators one node is assembled from.
type Deps struct {
	Store     channel.Store
	Signer    protocol.Signer
	Transport exchange.Transport
	Apps      *apps.Registry
	Journal   *eventlog.Journal
	Metrics   metrics.Recorder
	Submitter engine.WithdrawalSubmitter

	ProtocolTimeout time.Duration
	LeaseTimeout    time.Duration
	MergeWait       time.Duration
}

// Node owns every protocol component for one channel owner. Nothing in it
// is global; two nodes can share a process.
type Node struct {
	store   channel.Store
	signer  protocol.Signer
	locks   *lock.Manager
	engine  *engine.Engine
	syncer  *syncer.Syncer
	router  *router.Router
	emitter *events.Emitter
	journal *eventlog.Journal
	logger  zerolog.Logger

	mu      sync.Mutex
	cancel  context.CancelFunc
	done    chan struct{}
	closers []func() error
}

// Assemble wires deps into a node. Start must be called before it handles
// messages.
func Assemble(deps Deps, logger zerolog.Logger) (*Node, error) {
	if deps.Store == nil || deps.Signer == nil || deps.Transport == nil {
		return nil, errors.New("store, signer and transport are required")
	}
	registry := deps.Apps
	if registry == nil {
		registry = apps.NewRegistry()
	}
	rec := metrics.OrNoop(deps.Metrics)
	logger = logger.With().Str("identity", deps.Signer.Identity()).Logger()

	x := exchange.New(deps.Transport, deps.ProtocolTimeout)
	locks := lock.NewManager()
	emitter := events.NewEmitter(rec, logger)
	eng := engine.New(deps.Store, deps.Signer, registry, x, logger)
	submitter := deps.Submitter
	if submitter == nil {
		submitter = NewLogSubmitter(logger)
	}
	eng.SetWithdrawalSubmitter(submitter)
	s := syncer.New(deps.Store, deps.Signer, x, locks, emitter, rec, logger, syncer.Config{MergeWait: deps.MergeWait})
	r := router.New(eng, s, locks, x, deps.Store, emitter, rec, logger, router.Config{LeaseTimeout: deps.LeaseTimeout})

	return &Node{
		store:   deps.Store,
		signer:  deps.Signer,
		locks:   locks,
		engine:  eng,
		syncer:  s,
		router:  r,
		emitter: emitter,
		journal: deps.Journal,
		logger:  logger.With().Str("service", "node").Logger(),
	}, nil
}

// Start subscribes the node to its transport and starts the event journal.
func (n *Node) Start(ctx context.Context) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.cancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	n.cancel = cancel
	n.done = make(chan struct{})

	if n.journal != nil {
		ch, unsubscribe := n.emitter.Subscribe(1024)
		go func() {
			defer close(n.done)
			defer unsubscribe()
			n.journal.Consume(ctx, ch)
		}()
	} else {
		close(n.done)
	}
	n.router.Start()
	n.logger.Info().Msg("node started")
}

// OnClose registers cleanup run by Close in reverse order.
func (n *Node) OnClose(fn func() error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.closers = append(n.closers, fn)
}

// Close stops background work and releases owned resources.
func (n *Node) Close() error {
	n.mu.Lock()
	cancel, done := n.cancel, n.done
	closers := n.closers
	n.cancel, n.closers = nil, nil
	n.mu.Unlock()

	if cancel != nil {
		cancel()
		<-done
	}
	n.emitter.Stop()
	var errs []error
	for i := len(closers) - 1; i >= 0; i-- {
		if err := closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Initiate runs one protocol with this node as initiator.
func (n *Node) Initiate(ctx context.Context, p protocol.Params) (*engine.Result, error) {
	return n.router.Initiate(ctx, p)
}

// Sync reconciles one channel with its counterparty.
func (n *Node) Sync(ctx context.Context, multisig string) (syncer.Outcome, error) {
	return n.router.Sync(ctx, multisig)
}

// SyncAll reconciles every stored channel.
func (n *Node) SyncAll(ctx context.Context) error {
	return n.syncer.SyncAll(ctx)
}

func (n *Node) Identity() string           { return n.signer.Identity() }
func (n *Node) Store() channel.Store       { return n.store }
func (n *Node) Events() *events.Emitter    { return n.emitter }
func (n *Node) Journal() *eventlog.Journal { return n.journal }
func (n *Node) Locks() *lock.Manager       { return n.locks }
