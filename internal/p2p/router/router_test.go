package router

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"encoding/json"
	"math/big"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/execution-hub/channel-hub/internal/application/apps"
	"github.com/execution-hub/channel-hub/internal/application/events"
	"github.com/execution-hub/channel-hub/internal/domain/channel"
	"github.com/execution-hub/channel-hub/internal/domain/event"
	"github.com/execution-hub/channel-hub/internal/infrastructure/memstore"
	"github.com/execution-hub/channel-hub/internal/infrastructure/memtransport"
	"github.com/execution-hub/channel-hub/internal/p2p/engine"
	"github.com/execution-hub/channel-hub/internal/p2p/exchange"
	"github.com/execution-hub/channel-hub/internal/p2p/lock"
	"github.com/execution-hub/channel-hub/internal/p2p/protocol"
	"github.com/execution-hub/channel-hub/internal/p2p/syncer"
)

const replyTimeout = 400 * time.Millisecond

type peer struct {
	identity string
	router   *Router
	store    *memstore.Store
	events   <-chan event.Event
}

func newPeer(t *testing.T, hub *memtransport.Hub, seed byte) *peer {
	t.Helper()
	priv := ed25519.NewKeyFromSeed(bytes.Repeat([]byte{seed}, ed25519.SeedSize))
	signer, err := protocol.NewEd25519Signer(priv)
	require.NoError(t, err)

	reg := apps.NewRegistry()
	reg.Register("counter", apps.Counter())
	store := memstore.New()
	locks := lock.NewManager()
	x := exchange.New(hub.Endpoint(signer.Identity()), replyTimeout)
	emitter := events.NewEmitter(nil, zerolog.Nop())
	ch, cancel := emitter.Subscribe(256)
	t.Cleanup(cancel)

	eng := engine.New(store, signer, reg, x, zerolog.Nop())
	s := syncer.New(store, signer, x, locks, emitter, nil, zerolog.Nop(), syncer.Config{MergeWait: 50 * time.Millisecond})
	r := New(eng, s, locks, x, store, emitter, nil, zerolog.Nop(), Config{LeaseTimeout: 5 * time.Second})
	r.Start()
	return &peer{identity: signer.Identity(), router: r, store: store, events: ch}
}

func newPair(t *testing.T) (*peer, *peer, *memtransport.Hub) {
	t.Helper()
	hub := memtransport.NewHub()
	return newPeer(t, hub, 1), newPeer(t, hub, 2), hub
}

func setup(t *testing.T, a, b *peer) string {
	t.Helper()
	res, err := a.router.Initiate(context.Background(), protocol.SetupParams{
		Responder: b.identity,
		InitialBalances: channel.Balances{"ETH": {
			a.identity: big.NewInt(100),
			b.identity: big.NewInt(100),
		}},
	})
	require.NoError(t, err)
	waitEvent(t, b.events, event.TypeCreateChannel)
	return res.Channel.MultisigAddress
}

func propose(t *testing.T, from *peer, multisig string) *engine.Result {
	t.Helper()
	res, err := from.router.Initiate(context.Background(), protocol.ProposeParams{
		MultisigAddress: multisig,
		AppDefinition:   "counter",
		InitialState:    json.RawMessage(`{"count":0}`),
		Timeout:         100,
	})
	require.NoError(t, err)
	return res
}

// waitEvent drains events until one of type typ arrives.
func waitEvent(t *testing.T, ch <-chan event.Event, typ event.Type) event.Event {
	t.Helper()
	deadline := time.After(3 * time.Second)
	for {
		select {
		case evt := <-ch:
			if evt.Type == typ {
				return evt
			}
		case <-deadline:
			t.Fatalf("no %s event", typ)
		}
	}
}

func snapshot(t *testing.T, p *peer, multisig string) *channel.Channel {
	t.Helper()
	ch, err := p.store.GetChannel(context.Background(), multisig)
	require.NoError(t, err)
	require.NotNil(t, ch)
	return ch
}

func requireConverged(t *testing.T, a, b *peer, multisig string) *channel.Channel {
	t.Helper()
	left, right := snapshot(t, a, multisig), snapshot(t, b, multisig)
	require.True(t, left.Equal(right), "snapshots differ")
	return left
}

// injectProposal records a proposal in one peer's store only, as if the
// message announcing it never reached the other peer.
func injectProposal(t *testing.T, p *peer, multisig, initiator, responder string) string {
	t.Helper()
	ctx := context.Background()
	ch := snapshot(t, p, multisig)
	seq := ch.NextAppSeqNo()
	state := json.RawMessage(`{"count":0}`)
	hash, err := channel.ComputeIdentityHash(multisig, []string{initiator, responder}, "counter", state, 100, seq)
	require.NoError(t, err)
	_, err = p.store.UpdateChannel(ctx, multisig, func(c *channel.Channel) error {
		return c.AddProposal(channel.Proposal{
			IdentityHash:  hash,
			AppDefinition: "counter",
			Initiator:     initiator,
			Responder:     responder,
			InitialState:  state,
			Timeout:       100,
			AppSeqNo:      seq,
		})
	})
	require.NoError(t, err)
	return hash
}

func TestResponderEmitsEvents(t *testing.T) {
	ctx := context.Background()
	a, b, _ := newPair(t)

	res, err := a.router.Initiate(ctx, protocol.SetupParams{Responder: b.identity})
	require.NoError(t, err)
	multisig := res.Channel.MultisigAddress
	created := waitEvent(t, b.events, event.TypeCreateChannel)
	data := created.Data.(event.CreateChannelData)
	assert.Equal(t, multisig, data.MultisigAddress)
	assert.Equal(t, a.identity, data.CounterpartyIdentity)
	assert.ElementsMatch(t, []string{a.identity, b.identity}, data.Owners)

	proposed := propose(t, a, multisig)
	evt := waitEvent(t, b.events, event.TypeProposeInstall)
	assert.Equal(t, a.identity, evt.From)
	assert.Equal(t, proposed.AppIdentityHash, evt.Data.(event.ProposeInstallData).AppInstanceID)

	_, err = b.router.Initiate(ctx, protocol.InstallParams{AppIdentityHash: proposed.AppIdentityHash})
	require.NoError(t, err)
	evt = waitEvent(t, a.events, event.TypeInstall)
	assert.Equal(t, proposed.AppIdentityHash, evt.Data.(event.InstallData).Params.AppInstanceID)

	_, err = a.router.Initiate(ctx, protocol.TakeActionParams{AppIdentityHash: proposed.AppIdentityHash, Action: json.RawMessage(`{"increment":3}`)})
	require.NoError(t, err)
	evt = waitEvent(t, b.events, event.TypeUpdateState)
	update := evt.Data.(event.UpdateStateData)
	assert.JSONEq(t, `{"count":3}`, string(update.NewState))
	assert.JSONEq(t, `{"increment":3}`, string(update.Action))

	_, err = b.router.Initiate(ctx, protocol.UninstallParams{AppIdentityHash: proposed.AppIdentityHash})
	require.NoError(t, err)
	evt = waitEvent(t, a.events, event.TypeUninstall)
	assert.Equal(t, proposed.AppIdentityHash, evt.Data.(event.UninstallData).AppInstanceID)

	ch := requireConverged(t, a, b, multisig)
	assert.Equal(t, int64(3), ch.FreeBalance.LatestVersionNumber)
	assert.Empty(t, ch.AppInstances)
	assert.Empty(t, ch.ProposedAppInstances)
}

func TestWithdrawEmitsStarted(t *testing.T) {
	a, b, _ := newPair(t)
	multisig := setup(t, a, b)

	_, err := a.router.Initiate(context.Background(), protocol.WithdrawParams{
		MultisigAddress: multisig,
		AssetID:         "ETH",
		Recipient:       "0xrecipient",
		Amount:          big.NewInt(25),
	})
	require.NoError(t, err)
	evt := waitEvent(t, b.events, event.TypeWithdrawalStarted)
	params := evt.Data.(event.WithdrawalStartedData).Params
	assert.Equal(t, "ETH", params.TokenAddress)
	assert.Equal(t, int64(25), params.Amount.Int64())
}

func TestDroppedOpeningMessageIsRetried(t *testing.T) {
	a, b, hub := newPair(t)
	multisig := setup(t, a, b)
	hub.SetDropFunc(memtransport.DropOnce(func(m protocol.Message) bool {
		return m.Protocol == protocol.Propose && !m.IsReply()
	}))

	res := propose(t, a, multisig)
	require.Len(t, hub.Dropped(), 1)

	ch := requireConverged(t, a, b, multisig)
	assert.Equal(t, int64(1), ch.NumProposedApps)
	assert.Contains(t, ch.ProposedAppInstances, res.AppIdentityHash)
}

func TestLostReplyIsNotRepeated(t *testing.T) {
	a, b, hub := newPair(t)
	multisig := setup(t, a, b)
	hub.SetDropFunc(memtransport.DropOnce(func(m protocol.Message) bool {
		return m.Protocol == protocol.Propose && m.IsReply()
	}))

	res := propose(t, a, multisig)
	require.Len(t, hub.Dropped(), 1)
	waitEvent(t, a.events, event.TypeSync)

	ch := requireConverged(t, a, b, multisig)
	assert.Equal(t, int64(1), ch.NumProposedApps, "proposal must not be applied twice")
	assert.Contains(t, ch.ProposedAppInstances, res.AppIdentityHash)
}

func TestInitiatorBehindSyncsAndRetries(t *testing.T) {
	ctx := context.Background()
	a, b, _ := newPair(t)
	multisig := setup(t, a, b)
	// b never heard of the proposal a holds
	hash := injectProposal(t, a, multisig, a.identity, b.identity)

	_, err := b.router.Initiate(ctx, protocol.InstallParams{MultisigAddress: multisig, AppIdentityHash: hash})
	require.NoError(t, err)

	synced := waitEvent(t, b.events, event.TypeSync)
	assert.Equal(t, a.identity, synced.From)
	ch := requireConverged(t, a, b, multisig)
	assert.Contains(t, ch.AppInstances, hash)
	assert.Equal(t, int64(1), ch.NumProposedApps)
	assert.Equal(t, int64(1), ch.AppInstances[hash].AppSeqNo)
	assert.Equal(t, int64(2), ch.FreeBalance.LatestVersionNumber)
}

func TestResponderBehindSyncsAndRetries(t *testing.T) {
	ctx := context.Background()
	a, b, _ := newPair(t)
	multisig := setup(t, a, b)
	hash := injectProposal(t, a, multisig, b.identity, a.identity)

	_, err := a.router.Initiate(ctx, protocol.InstallParams{AppIdentityHash: hash})
	require.NoError(t, err)

	waitEvent(t, b.events, event.TypeSync)
	installed := waitEvent(t, b.events, event.TypeInstall)
	assert.Equal(t, hash, installed.Data.(event.InstallData).Params.AppInstanceID)
	ch := requireConverged(t, a, b, multisig)
	assert.Len(t, ch.AppInstances, 1)
	assert.Empty(t, ch.ProposedAppInstances)
}

func TestConcurrentProposalsAreAllCounted(t *testing.T) {
	const n = 8
	a, b, _ := newPair(t)
	multisig := setup(t, a, b)

	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		go func() {
			_, err := a.router.Initiate(context.Background(), protocol.ProposeParams{
				MultisigAddress: multisig,
				AppDefinition:   "counter",
				InitialState:    json.RawMessage(`{"count":0}`),
			})
			errs <- err
		}()
	}
	for i := 0; i < n; i++ {
		require.NoError(t, <-errs)
	}

	ch := requireConverged(t, a, b, multisig)
	assert.Equal(t, int64(n), ch.NumProposedApps)
	seen := map[int64]bool{}
	for _, p := range ch.ProposedAppInstances {
		assert.False(t, seen[p.AppSeqNo], "appSeqNo %d reused", p.AppSeqNo)
		seen[p.AppSeqNo] = true
	}
	assert.Len(t, seen, n)
}

func TestConflictingSnapshotsFailSync(t *testing.T) {
	ctx := context.Background()
	a, b, _ := newPair(t)
	multisig := setup(t, a, b)
	injectProposal(t, a, multisig, a.identity, b.identity)
	injectProposal(t, b, multisig, b.identity, a.identity)

	_, err := a.router.Sync(ctx, multisig)
	require.Error(t, err)
	assert.Equal(t, protocol.KindSyncUnresolvable, protocol.KindOf(err))
	failed := waitEvent(t, a.events, event.TypeSyncFailed)
	assert.Equal(t, multisig, failed.Data.(event.SyncFailedData).MultisigAddress)
}

func TestProtocolFailureEmitsOneEvent(t *testing.T) {
	a, b, _ := newPair(t)
	multisig := setup(t, a, b)

	_, err := a.router.Initiate(context.Background(), protocol.WithdrawParams{
		MultisigAddress: multisig,
		AssetID:         "ETH",
		Recipient:       "0xrecipient",
		Amount:          big.NewInt(5000),
	})
	require.Error(t, err)
	evt := waitEvent(t, a.events, event.TypeProtocolFailed)
	data := evt.Data.(event.ProtocolFailedData)
	assert.Equal(t, string(protocol.Withdraw), data.Protocol)
	assert.Equal(t, string(protocol.KindInvalidParams), data.Kind)

	select {
	case extra := <-a.events:
		if extra.Type == event.TypeProtocolFailed || extra.Type == event.TypeSyncFailed {
			t.Fatalf("second failure event %s", extra.Type)
		}
	case <-time.After(100 * time.Millisecond):
	}
}

func TestRouterDropsUnroutableMessages(t *testing.T) {
	a, b, hub := newPair(t)
	setup(t, a, b)
	var sent []protocol.Message
	hub.SetDropFunc(func(m protocol.Message) bool {
		sent = append(sent, m)
		return false
	})

	ctx := context.Background()
	a.router.HandleMessage(ctx, protocol.Message{ProcessID: "x", Protocol: "bogus", Seq: 1, From: b.identity, To: a.identity, Params: json.RawMessage(`{}`)})
	a.router.HandleMessage(ctx, protocol.Message{ProcessID: "y", Protocol: protocol.Install, Seq: protocol.UnassignedSeqNo, From: b.identity, To: a.identity})
	assert.Empty(t, sent)
}
