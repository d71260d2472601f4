package node

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"github.com/execution-hub/channel-hub/internal/application/apps"
	"github.com/execution-hub/channel-hub/internal/config"
	"github.com/execution-hub/channel-hub/internal/domain/channel"
	"github.com/execution-hub/channel-hub/internal/infrastructure/boltstore"
	"github.com/execution-hub/channel-hub/internal/infrastructure/eventlog"
	"github.com/execution-hub/channel-hub/internal/infrastructure/httptransport"
	"github.com/execution-hub/channel-hub/internal/infrastructure/keystore"
	"github.com/execution-hub/channel-hub/internal/infrastructure/memstore"
	"github.com/execution-hub/channel-hub/internal/infrastructure/natstransport"
	"github.com/execution-hub/channel-hub/internal/infrastructure/postgres"
	"github.com/execution-hub/channel-hub/internal/infrastructure/raftstore"
	"github.com/execution-hub/channel-hub/internal/metrics"
	"github.com/execution-hub/channel-hub/internal/p2p/exchange"
)

// Runtime exposes the adapters Build chose, for the admin surface.
type Runtime struct {
	Node *Node
	// HTTP is set when peers talk over HTTP; its routes must be mounted.
	HTTP *httptransport.Transport
	// Raft is set when the store is replicated.
	Raft *raftstore.Node
}

// Build creates the adapters named by cfg and assembles a node from them.
func Build(ctx context.Context, cfg *config.Config, reg *prometheus.Registry, logger zerolog.Logger) (*Runtime, error) {
	signer, err := keystore.LoadSigner(cfg.Signing)
	if err != nil {
		return nil, fmt.Errorf("load signer: %w", err)
	}

	var cleanup []func() error
	fail := func(err error) (*Runtime, error) {
		for i := len(cleanup) - 1; i >= 0; i-- {
			_ = cleanup[i]()
		}
		return nil, err
	}
	rt := &Runtime{}

	store, closeStore, raftNode, err := openStore(ctx, cfg, logger)
	if err != nil {
		return fail(fmt.Errorf("open %s store: %w", cfg.Store.Kind, err))
	}
	if closeStore != nil {
		cleanup = append(cleanup, closeStore)
	}
	rt.Raft = raftNode

	var transport exchange.Transport
	switch cfg.Transport.Kind {
	case config.TransportNATS:
		nt, err := natstransport.Connect(natstransport.Config{
			URL:           cfg.Transport.NATSURL,
			SubjectPrefix: cfg.Transport.NATSSubjectPrefix,
			Identity:      signer.Identity(),
		}, logger)
		if err != nil {
			return fail(err)
		}
		cleanup = append(cleanup, nt.Close)
		transport = nt
	default:
		ht := httptransport.New(httptransport.Config{
			Identity:    signer.Identity(),
			Peers:       cfg.Peers,
			SendTimeout: cfg.Transport.SendTimeout,
			RateLimit:   cfg.Transport.RateLimit,
			Burst:       cfg.Transport.RateBurst,
		}, logger)
		rt.HTTP = ht
		transport = ht
	}

	var journal *eventlog.Journal
	if cfg.EventJournalPath != "" {
		if err := ensureParent(cfg.EventJournalPath); err != nil {
			return fail(err)
		}
		journal, err = eventlog.Open(cfg.EventJournalPath, logger)
		if err != nil {
			return fail(err)
		}
		cleanup = append(cleanup, journal.Close)
	}

	n, err := Assemble(Deps{
		Store:           store,
		Signer:          signer,
		Transport:       transport,
		Apps:            Registry(cfg.Apps),
		Journal:         journal,
		Metrics:         metrics.NewPrometheusRecorder(reg),
		ProtocolTimeout: cfg.Protocol.Timeout,
		LeaseTimeout:    cfg.Protocol.LeaseTimeout,
		MergeWait:       cfg.Protocol.MergeWait,
	}, logger)
	if err != nil {
		return fail(err)
	}
	for _, fn := range cleanup {
		n.OnClose(fn)
	}
	rt.Node = n
	return rt, nil
}

// Registry registers the built-in counter app plus every configured
// expression app.
func Registry(configured map[string]apps.ExpressionApp) *apps.Registry {
	r := apps.NewRegistry()
	r.Register("counter", apps.Counter())
	for definition, app := range configured {
		r.Register(definition, app)
	}
	return r
}

func openStore(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (channel.Store, func() error, *raftstore.Node, error) {
	switch cfg.Store.Kind {
	case config.StoreBolt:
		if err := ensureParent(cfg.Store.BoltPath); err != nil {
			return nil, nil, nil, err
		}
		s, err := boltstore.Open(cfg.Store.BoltPath)
		if err != nil {
			return nil, nil, nil, err
		}
		return s, s.Close, nil, nil
	case config.StorePostgres:
		pool, err := postgres.NewPool(ctx, cfg.Store.DatabaseURL, int32(cfg.Store.MaxConns))
		if err != nil {
			return nil, nil, nil, err
		}
		if err := postgres.RunMigrations(ctx, pool, cfg.Store.MigrationsDir); err != nil {
			pool.Close()
			return nil, nil, nil, err
		}
		closePool := func() error {
			pool.Close()
			return nil
		}
		return postgres.NewChannelRepository(pool), closePool, nil, nil
	case config.StoreRaft:
		rn, err := raftstore.NewNode(raftstore.Config{
			NodeID:       cfg.Store.Raft.NodeID,
			RaftAddr:     cfg.Store.Raft.Addr,
			DataDir:      cfg.Store.Raft.DataDir,
			Bootstrap:    cfg.Store.Raft.Bootstrap,
			ApplyTimeout: cfg.Protocol.Timeout,
		}, logger)
		if err != nil {
			return nil, nil, nil, err
		}
		return raftstore.NewStore(rn), rn.Shutdown, rn, nil
	default:
		return memstore.New(), nil, nil, nil
	}
}

func ensureParent(path string) error {
	if path == ":memory:" {
		return nil
	}
	return os.MkdirAll(filepath.Dir(path), 0o755)
}
