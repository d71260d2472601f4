package router

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/execution-hub/channel-hub/internal/application/apps"
	"github.com/execution-hub/channel-hub/internal/domain/channel"
	"github.com/execution-hub/channel-hub/internal/domain/event"
	"github.com/execution-hub/channel-hub/internal/p2p/protocol"
)

// installCounter proposes and installs a counter app from a.
func installCounter(t *testing.T, a, b *peer, multisig string) string {
	t.Helper()
	hash := propose(t, a, multisig).AppIdentityHash
	_, err := a.router.Initiate(context.Background(), protocol.InstallParams{AppIdentityHash: hash})
	require.NoError(t, err)
	waitEvent(t, b.events, event.TypeInstall)
	return hash
}

// injectUninstall settles an app in one peer's store only.
func injectUninstall(t *testing.T, p *peer, multisig, hash string) {
	t.Helper()
	_, err := p.store.UpdateChannel(context.Background(), multisig, func(c *channel.Channel) error {
		return c.UninstallApp(hash, apps.Refund(c.AppInstances[hash]))
	})
	require.NoError(t, err)
}

// injectState records the next version of an app's state in one peer's
// store only, as if the other peer never saw that update.
func injectState(t *testing.T, p *peer, multisig, hash, state string) int64 {
	t.Helper()
	var version int64
	_, err := p.store.UpdateChannel(context.Background(), multisig, func(c *channel.Channel) error {
		app, err := c.SetAppState(hash, json.RawMessage(state), json.RawMessage(`{"increment":1}`), c.AppInstances[hash].LatestVersionNumber+1)
		version = app.LatestVersionNumber
		return err
	})
	require.NoError(t, err)
	return version
}

func requireSameCounters(t *testing.T, a, b *peer, multisig string) *channel.Channel {
	t.Helper()
	ch := requireConverged(t, a, b, multisig)
	other := snapshot(t, b, multisig)
	assert.Equal(t, ch.Summarize(), other.Summarize())
	return ch
}

func TestResponderBusyPastReplyWindowCommitsNothing(t *testing.T) {
	a, b, _ := newPair(t)
	multisig := setup(t, a, b)

	held, err := b.router.locks.Acquire(context.Background(), multisig)
	require.NoError(t, err)
	released := make(chan struct{})
	go func() {
		defer close(released)
		time.Sleep(2 * replyTimeout)
		held.Release()
	}()

	_, err = a.router.Initiate(context.Background(), protocol.ProposeParams{
		MultisigAddress: multisig,
		AppDefinition:   "counter",
		InitialState:    json.RawMessage(`{"count":0}`),
	})
	require.Error(t, err)
	assert.Equal(t, protocol.KindLeaseTimeout, protocol.KindOf(err))
	failed := waitEvent(t, a.events, event.TypeProtocolFailed)
	assert.Equal(t, string(protocol.KindLeaseTimeout), failed.Data.(event.ProtocolFailedData).Kind)

	<-released
	time.Sleep(replyTimeout)
	ch := requireSameCounters(t, a, b, multisig)
	assert.Zero(t, ch.NumProposedApps)
	assert.Empty(t, ch.ProposedAppInstances)
}

func TestAppScopedRecoveryWaitsForChannelLease(t *testing.T) {
	ctx := context.Background()
	a, b, _ := newPair(t)
	multisig := setup(t, a, b)
	hash := installCounter(t, a, b, multisig)
	ahead := injectState(t, b, multisig, hash, `{"count":5}`)

	held, err := a.router.locks.Acquire(ctx, multisig)
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() {
		_, err := a.router.Initiate(ctx, protocol.TakeActionParams{AppIdentityHash: hash, Action: json.RawMessage(`{"increment":3}`)})
		done <- err
	}()

	time.Sleep(replyTimeout)
	select {
	case err := <-done:
		t.Fatalf("run finished while the channel lease was held: %v", err)
	default:
	}
	assert.True(t, a.router.locks.Held(hash))
	assert.Equal(t, ahead-1, snapshot(t, a, multisig).AppInstances[hash].LatestVersionNumber, "merged without the channel lease")

	held.Release()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("run did not finish after the channel lease was released")
	}

	ch := requireSameCounters(t, a, b, multisig)
	app := ch.AppInstances[hash]
	assert.Equal(t, ahead+1, app.LatestVersionNumber)
	assert.JSONEq(t, `{"count":8}`, string(app.LatestState))
}

func TestSyncAllRestoresUninstall(t *testing.T) {
	a, b, _ := newPair(t)
	multisig := setup(t, a, b)
	hash := installCounter(t, a, b, multisig)
	injectUninstall(t, b, multisig, hash)

	require.NoError(t, a.router.syncer.SyncAll(context.Background()))

	ch := requireSameCounters(t, a, b, multisig)
	assert.NotContains(t, ch.AppInstances, hash)
	assert.Equal(t, int64(3), ch.FreeBalance.LatestVersionNumber)
	assert.Equal(t, int64(1), ch.NumProposedApps)
}

func TestUninstallAlreadyAppliedByResponderSucceeds(t *testing.T) {
	a, b, _ := newPair(t)
	multisig := setup(t, a, b)
	hash := installCounter(t, a, b, multisig)
	injectUninstall(t, b, multisig, hash)

	res, err := a.router.Initiate(context.Background(), protocol.UninstallParams{AppIdentityHash: hash})
	require.NoError(t, err)
	assert.Equal(t, hash, res.AppIdentityHash)
	waitEvent(t, a.events, event.TypeSync)

	ch := requireSameCounters(t, a, b, multisig)
	assert.Empty(t, ch.AppInstances)
	assert.Equal(t, int64(3), ch.FreeBalance.LatestVersionNumber)
}

func TestSyncAllRestoresStateUpdate(t *testing.T) {
	a, b, _ := newPair(t)
	multisig := setup(t, a, b)
	hash := installCounter(t, a, b, multisig)
	version := injectState(t, a, multisig, hash, `{"count":1}`)

	require.NoError(t, b.router.syncer.SyncAll(context.Background()))

	ch := requireSameCounters(t, a, b, multisig)
	assert.Equal(t, version, ch.AppInstances[hash].LatestVersionNumber)
	assert.JSONEq(t, `{"count":1}`, string(ch.AppInstances[hash].LatestState))
}

func TestResponderMissingStateUpdateCatchesUp(t *testing.T) {
	a, b, _ := newPair(t)
	multisig := setup(t, a, b)
	hash := installCounter(t, a, b, multisig)
	version := injectState(t, a, multisig, hash, `{"count":1}`)

	_, err := a.router.Initiate(context.Background(), protocol.TakeActionParams{AppIdentityHash: hash, Action: json.RawMessage(`{"increment":2}`)})
	require.NoError(t, err)
	waitEvent(t, b.events, event.TypeSync)
	update := waitEvent(t, b.events, event.TypeUpdateState)
	assert.JSONEq(t, `{"count":3}`, string(update.Data.(event.UpdateStateData).NewState))

	ch := requireSameCounters(t, a, b, multisig)
	assert.Equal(t, version+1, ch.AppInstances[hash].LatestVersionNumber)
}
